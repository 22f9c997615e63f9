package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/toolcrib/toolcrib/internal/shared"
)

const defaultAuditRetention = 90 * 24 * time.Hour

// AuditRetentionJob prunes audit log rows older than the retention window.
type AuditRetentionJob struct {
	Audit  *shared.AuditLogger
	Logger *slog.Logger
}

// NewAuditRetentionJob initialises the retention handler.
func NewAuditRetentionJob(audit *shared.AuditLogger, logger *slog.Logger) *AuditRetentionJob {
	return &AuditRetentionJob{Audit: audit, Logger: logger}
}

// Handle executes the prune.
func (j *AuditRetentionJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Audit == nil {
		return errors.New("audit retention: handler not configured")
	}
	var payload AuditRetentionPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.Retention <= 0 {
		payload.Retention = defaultAuditRetention
	}

	pruned, err := j.Audit.Prune(ctx, payload.Retention)
	if err != nil {
		if j.Logger != nil {
			j.Logger.Error("audit retention", slog.Any("error", err))
		}
		return err
	}
	if j.Logger != nil {
		j.Logger.Info("audit retention finished",
			slog.String("job", TaskAuditRetention),
			slog.Int64("pruned", pruned),
			slog.String("retention", payload.Retention.String()),
		)
	}
	return nil
}
