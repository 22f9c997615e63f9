package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	defaultRetryTries = 3
	defaultRetryBase  = 100 * time.Millisecond
)

// RetryConfig bounds the deadlock retry loop around a unit of work.
type RetryConfig struct {
	MaxTries int
	Base     time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxTries <= 0 {
		c.MaxTries = defaultRetryTries
	}
	if c.Base <= 0 {
		c.Base = defaultRetryBase
	}
	return c
}

// withDeadlockRetry reruns fn when the store aborts it with a deadlock
// or lock-wait timeout, sleeping base * 2^attempt between tries. Any
// other failure propagates unchanged; once tries are exhausted the
// conflict surfaces as ErrLockConflict.
func withDeadlockRetry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	cfg = cfg.withDefaults()
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isLockConflict(err) {
			return err
		}
		if attempt >= cfg.MaxTries-1 {
			return fmt.Errorf("%w after %d tries: %v", ErrLockConflict, cfg.MaxTries, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.Base << attempt):
		}
	}
}

// isLockConflict matches PostgreSQL serialization failures (40001),
// deadlocks (40P01) and lock-wait timeouts (55P03).
func isLockConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}
