// Package queue defers payment follow-up work to asynq: flows that ended
// without a known outcome, or without a booking after payment, are
// reconciled again later.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/hospital-opd/internal/payment"
	"github.com/noah-isme/hospital-opd/internal/resilience"
)

const (
	// TypeReconcile re-queries a payment status and commits the booking.
	TypeReconcile = "payment:reconcile"
	// QueueReconcile is the asynq queue reconcile tasks run on.
	QueueReconcile = "reconcile"
)

// ReconcilePayload is the body of a TypeReconcile task.
type ReconcilePayload struct {
	FlowID                string         `json:"flowId"`
	MerchantTransactionID string         `json:"merchantTransactionId"`
	Intent                payment.Intent `json:"intent"`
	// Topic is the event that scheduled the task.
	Topic string `json:"topic"`
}

// NewReconcileTask builds a reconcile task. The task id is derived from the
// transaction so a transaction is never queued twice at once.
func NewReconcileTask(p ReconcilePayload, maxRetry int, delay time.Duration) (*asynq.Task, error) {
	if p.MerchantTransactionID == "" {
		return nil, errors.New("queue: merchant transaction id is required")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("queue: encode payload: %w", err)
	}
	return asynq.NewTask(TypeReconcile, raw,
		asynq.TaskID(ReconcileTaskID(p.MerchantTransactionID)),
		asynq.Queue(QueueReconcile),
		asynq.MaxRetry(maxRetry),
		asynq.ProcessIn(delay),
		asynq.Timeout(time.Minute),
	), nil
}

// ReconcileTaskID returns the task id used for txnID.
func ReconcileTaskID(txnID string) string {
	return "reconcile:" + txnID
}

func decodeReconcile(t *asynq.Task) (ReconcilePayload, error) {
	var p ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return ReconcilePayload{}, fmt.Errorf("queue: decode payload: %w", err)
	}
	if p.MerchantTransactionID == "" {
		return ReconcilePayload{}, errors.New("queue: payload missing merchant transaction id")
	}
	return p, nil
}

// RetryDelay returns an asynq retry delay func with exponential backoff
// capped at max.
func RetryDelay(base, max time.Duration, jitter float64) asynq.RetryDelayFunc {
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		return resilience.CappedBackoff(base, max, n+1, jitter)
	}
}
