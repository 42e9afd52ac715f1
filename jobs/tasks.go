package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAlertNotify sweeps unnotified stock alerts to the notifier.
	TaskAlertNotify = "inventory:alerts:notify"
	// TaskLedgerAudit replays every product ledger against its live stock.
	TaskLedgerAudit = "inventory:ledger:audit"
	// TaskIdempotencyCleanup drops idempotency keys past their retention.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// AlertNotifyPayload bounds one sweep.
type AlertNotifyPayload struct {
	Batch int `json:"batch"`
}

// LedgerAuditPayload carries scheduling metadata.
type LedgerAuditPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
	PageSize     int       `json:"page_size"`
}

// IdempotencyCleanupPayload sets how long keys are retained.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewAlertNotifyTask constructs an Asynq task for the notification sweep.
func NewAlertNotifyTask(batch int) (*asynq.Task, error) {
	return newTask(TaskAlertNotify, AlertNotifyPayload{Batch: batch})
}

// NewLedgerAuditTask constructs an Asynq task for the ledger audit.
func NewLedgerAuditTask(at time.Time, pageSize int) (*asynq.Task, error) {
	return newTask(TaskLedgerAudit, LedgerAuditPayload{ScheduledFor: at, PageSize: pageSize})
}

// NewIdempotencyCleanupTask constructs an Asynq task for key cleanup.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	return newTask(TaskIdempotencyCleanup, IdempotencyCleanupPayload{Retention: retention})
}

func newTask(typ string, payload any) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, body, asynq.Queue(QueueDefault)), nil
}
