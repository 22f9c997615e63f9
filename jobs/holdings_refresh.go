package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/toolcrib/toolcrib/internal/observability"
)

// RefreshHoldingsJob refreshes the employee_holdings materialized view so
// dashboard reads stay off the movement tables.
type RefreshHoldingsJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// NewRefreshHoldingsJob initialises the holdings refresh handler.
func NewRefreshHoldingsJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *observability.Metrics) *RefreshHoldingsJob {
	return &RefreshHoldingsJob{Pool: pool, Logger: logger, Metrics: metrics}
}

// Handle executes the refresh.
func (j *RefreshHoldingsJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Pool == nil {
		return errors.New("holdings refresh: handler not configured")
	}
	if _, err := j.Pool.Exec(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY employee_holdings`); err != nil {
		j.Metrics.ObserveJob(TaskRefreshHoldings, "error")
		if j.Logger != nil {
			j.Logger.Error("refresh employee_holdings", slog.Any("error", err))
		}
		return err
	}
	j.Metrics.ObserveJob(TaskRefreshHoldings, "ok")
	if j.Logger != nil {
		j.Logger.Info("refreshed employee_holdings", slog.String("job", TaskRefreshHoldings))
	}
	return nil
}
