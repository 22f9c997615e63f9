package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRefreshHoldings refreshes the employee holdings materialized view.
	TaskRefreshHoldings = "ledger:refresh_holdings"
	// TaskExceptionScan reports stock issued and never returned.
	TaskExceptionScan = "ledger:exception_scan"
	// TaskAuditRetention prunes audit log rows past the retention window.
	TaskAuditRetention = "ledger:audit_retention"
)

// ExceptionScanPayload bounds the issued-without-return scan.
type ExceptionScanPayload struct {
	GracePeriod time.Duration `json:"grace_period"`
}

// AuditRetentionPayload sets how much audit history to keep.
type AuditRetentionPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewRefreshHoldingsTask constructs the holdings refresh task.
func NewRefreshHoldingsTask() *asynq.Task {
	return asynq.NewTask(TaskRefreshHoldings, nil)
}

// NewExceptionScanTask constructs the exception scan task.
func NewExceptionScanTask(payload ExceptionScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExceptionScan, data), nil
}

// NewAuditRetentionTask constructs the audit retention task.
func NewAuditRetentionTask(payload AuditRetentionPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditRetention, data), nil
}
