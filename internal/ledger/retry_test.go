package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestRetryRecoversFromDeadlock(t *testing.T) {
	calls := 0
	err := withDeadlockRetry(context.Background(), RetryConfig{MaxTries: 3, Base: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40P01"}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryPropagatesOtherErrorsUnchanged(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := withDeadlockRetry(context.Background(), RetryConfig{MaxTries: 3, Base: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls, "non-lock failures are not retried")
}

func TestRetryGivesUpAsLockConflict(t *testing.T) {
	calls := 0
	err := withDeadlockRetry(context.Background(), RetryConfig{MaxTries: 3, Base: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return &pgconn.PgError{Code: "55P03"}
	})
	require.ErrorIs(t, err, ErrLockConflict)
	require.Equal(t, 3, calls)
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := withDeadlockRetry(ctx, RetryConfig{MaxTries: 3, Base: time.Hour}, func(ctx context.Context) error {
		return &pgconn.PgError{Code: "40001"}
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestLockConflictDetection(t *testing.T) {
	require.True(t, isLockConflict(&pgconn.PgError{Code: "40001"}))
	require.True(t, isLockConflict(&pgconn.PgError{Code: "40P01"}))
	require.True(t, isLockConflict(&pgconn.PgError{Code: "55P03"}))
	require.False(t, isLockConflict(&pgconn.PgError{Code: "23505"}))
	require.False(t, isLockConflict(errors.New("plain")))
}
