package reports

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/toolcrib/toolcrib/internal/money"
)

func newTestCache(t *testing.T) *HoldingsCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewHoldingsCache(client, time.Minute)
}

func sampleHoldings() []Holding {
	qty, _ := money.QuantityFromString("2.000")
	cost, _ := money.UnitCostFromString("12.5000")
	return []Holding{{ItemID: 7, SKU: "HAM-01", Name: "Hammer", UnitCost: cost, QtyHeld: qty}}
}

func TestFetchHoldingsCachesLoaderResult(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) ([]Holding, error) {
		calls++
		return sampleHoldings(), nil
	}

	got, err := cache.FetchHoldings(ctx, 42, loader)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "HAM-01", got[0].SKU)
	require.Equal(t, 1, calls)

	got, err = cache.FetchHoldings(ctx, 42, loader)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "2.000", got[0].QtyHeld.String())
	require.Equal(t, "12.5000", got[0].UnitCost.String())
	require.Equal(t, 1, calls, "second fetch must come from cache")
}

func TestFetchHoldingsIsolatesEmployees(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) ([]Holding, error) {
		calls++
		return sampleHoldings(), nil
	}

	_, err := cache.FetchHoldings(ctx, 1, loader)
	require.NoError(t, err)
	_, err = cache.FetchHoldings(ctx, 2, loader)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestInvalidateHoldingsForcesReload(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) ([]Holding, error) {
		calls++
		return sampleHoldings(), nil
	}

	_, err := cache.FetchHoldings(ctx, 42, loader)
	require.NoError(t, err)
	require.NoError(t, cache.InvalidateHoldings(ctx, 42))

	_, err = cache.FetchHoldings(ctx, 42, loader)
	require.NoError(t, err)
	require.Equal(t, 2, calls, "invalidation must evict the cached view")
}

func TestNilCacheFallsThrough(t *testing.T) {
	var cache *HoldingsCache

	calls := 0
	loader := func(context.Context) ([]Holding, error) {
		calls++
		return nil, nil
	}

	_, err := cache.FetchHoldings(context.Background(), 42, loader)
	require.NoError(t, err)
	_, err = cache.FetchHoldings(context.Background(), 42, loader)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.NoError(t, cache.InvalidateHoldings(context.Background(), 42))
}
