package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskDepositExpireOverdue expires active deposit orders past their pickup grace.
	TaskDepositExpireOverdue = "deposits:expire_overdue"
	// TaskStockReconcile scans the stock ledger for release anomalies.
	TaskStockReconcile = "stock:reconcile"
	// TaskIdempotencyCleanup prunes stale idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// ExpireOverduePayload pins the sweep to a reference time. A zero AsOf means now.
type ExpireOverduePayload struct {
	AsOf time.Time `json:"as_of,omitempty"`
}

// StockReconcilePayload optionally narrows reconciliation to specific products.
type StockReconcilePayload struct {
	ProductIDs []int64 `json:"product_ids,omitempty"`
}

// IdempotencyCleanupPayload overrides the configured retention when positive.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours,omitempty"`
}

// NewExpireOverdueTask constructs the expiry sweep task.
func NewExpireOverdueTask(asOf time.Time) (*asynq.Task, error) {
	return newTask(TaskDepositExpireOverdue, ExpireOverduePayload{AsOf: asOf})
}

// NewStockReconcileTask constructs the reconciliation task.
func NewStockReconcileTask(productIDs ...int64) (*asynq.Task, error) {
	return newTask(TaskStockReconcile, StockReconcilePayload{ProductIDs: productIDs})
}

// NewIdempotencyCleanupTask constructs the key pruning task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	return newTask(TaskIdempotencyCleanup, IdempotencyCleanupPayload{RetentionHours: int(retention / time.Hour)})
}

func newTask(typename string, payload any) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typename, body, asynq.Queue(QueueDefault)), nil
}

// decodePayload tolerates empty payloads from hand-enqueued tasks.
func decodePayload(t *asynq.Task, target any) error {
	if len(t.Payload()) == 0 {
		return nil
	}
	return json.Unmarshal(t.Payload(), target)
}
