package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// HoldingsCache keeps per-employee holdings views in Redis under a short
// TTL. Ledger writes invalidate the affected employee's key, so a cached
// view is at most one write behind and only within the TTL window.
type HoldingsCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewHoldingsCache instantiates the cache helper. A nil client disables
// caching and every call falls through to the loader.
func NewHoldingsCache(client *redis.Client, ttl time.Duration) *HoldingsCache {
	return &HoldingsCache{client: client, ttl: ttl}
}

func holdingsKey(employeeID int64) string {
	return fmt.Sprintf("reports:holdings:%d", employeeID)
}

// FetchHoldings loads the cached holdings for an employee or populates the
// cache using the loader.
func (c *HoldingsCache) FetchHoldings(ctx context.Context, employeeID int64, loader func(context.Context) ([]Holding, error)) ([]Holding, error) {
	if loader == nil {
		return nil, errors.New("reports: loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	key := holdingsKey(employeeID)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var cached []Holding
		if err := json.Unmarshal(payload, &cached); err == nil {
			return cached, nil
		}
		// Corrupt entry, fall through and rewrite it.
	} else if err != redis.Nil {
		return nil, err
	}
	value, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return nil, err
	}
	return value, nil
}

// InvalidateHoldings drops the cached view for one employee. The ledger
// calls this after every movement that changes the employee's custody.
func (c *HoldingsCache) InvalidateHoldings(ctx context.Context, employeeID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, holdingsKey(employeeID)).Err()
}
