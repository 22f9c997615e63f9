package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/toolcrib/toolcrib/internal/reports"
)

const defaultGracePeriod = 14 * 24 * time.Hour

// ExceptionScanJob flags stock issued to employees and still outstanding
// past the grace period. It only reports; custody stays untouched.
type ExceptionScanJob struct {
	Repo   *reports.Repository
	Logger *slog.Logger
	clock  func() time.Time
}

// NewExceptionScanJob initialises the exception scan handler.
func NewExceptionScanJob(repo *reports.Repository, logger *slog.Logger) *ExceptionScanJob {
	return &ExceptionScanJob{
		Repo:   repo,
		Logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// Handle executes the scan.
func (j *ExceptionScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Repo == nil {
		return errors.New("exception scan: handler not configured")
	}
	var payload ExceptionScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.GracePeriod <= 0 {
		payload.GracePeriod = defaultGracePeriod
	}

	cutoff := j.clock().Add(-payload.GracePeriod)
	entries, err := j.Repo.Exceptions(ctx, reports.ExceptionFilter{Before: cutoff})
	if err != nil {
		if j.Logger != nil {
			j.Logger.Error("exception scan", slog.Any("error", err))
		}
		return err
	}
	if j.Logger == nil {
		return nil
	}
	for _, e := range entries {
		j.Logger.Warn("issued without return",
			slog.Int64("employee_id", e.EmployeeID),
			slog.Int64("item_id", e.ItemID),
			slog.String("sku", e.SKU),
			slog.String("qty_outstanding", e.QtyOutstanding.String()),
			slog.Time("first_issued_at", e.FirstIssuedAt),
		)
	}
	j.Logger.Info("exception scan finished",
		slog.String("job", TaskExceptionScan),
		slog.Int("flagged", len(entries)),
		slog.Time("cutoff", cutoff),
	)
	return nil
}
