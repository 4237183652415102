package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/hospital-opd/internal/apperr"
	"github.com/noah-isme/hospital-opd/internal/booking"
	"github.com/noah-isme/hospital-opd/internal/events"
	"github.com/noah-isme/hospital-opd/internal/hospitalapi"
	"github.com/noah-isme/hospital-opd/internal/payment"
)

// ErrStillPending makes asynq retry a task whose payment is still pending.
var ErrStillPending = errors.New("queue: payment still pending")

// StatusGetter queries the authoritative payment status.
type StatusGetter interface {
	GetStatus(ctx context.Context, merchantTransactionID string, intent payment.Intent) (payment.Status, error)
}

// Committer records bookings idempotently.
type Committer interface {
	Commit(ctx context.Context, in booking.Commit) (booking.Record, bool, error)
}

// Publisher emits domain events.
type Publisher interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// ReconcileHandler processes TypeReconcile tasks.
type ReconcileHandler struct {
	Status    StatusGetter
	Committer Committer
	Events    Publisher
	Logger    zerolog.Logger
}

// Register mounts the handler on mux.
func (h *ReconcileHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeReconcile, h.ProcessTask)
}

// ProcessTask re-queries the status. A success is committed (a no-op when
// the booking exists), a pending status or a transient error is retried,
// and a failure ends the task.
func (h *ReconcileHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	p, err := decodeReconcile(t)
	if err != nil {
		QueueProcessedTotal.WithLabelValues(TypeReconcile, "invalid").Inc()
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	logger := h.Logger.With().
		Str("merchant_transaction_id", p.MerchantTransactionID).
		Str("flow_id", p.FlowID).
		Logger()

	status, err := h.Status.GetStatus(ctx, p.MerchantTransactionID, p.Intent)
	if errors.Is(err, hospitalapi.ErrNoStatus) {
		QueueProcessedTotal.WithLabelValues(TypeReconcile, "pending").Inc()
		logger.Info().Msg("deferred_reconcile_no_status")
		return ErrStillPending
	}
	if err != nil {
		if apperr.IsTransient(err) {
			QueueProcessedTotal.WithLabelValues(TypeReconcile, "retry").Inc()
			return err
		}
		QueueProcessedTotal.WithLabelValues(TypeReconcile, "error").Inc()
		logger.Error().Err(err).Msg("deferred_reconcile_failed")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	switch status.Classify() {
	case payment.ClassPending:
		QueueProcessedTotal.WithLabelValues(TypeReconcile, "pending").Inc()
		logger.Info().Msg("deferred_reconcile_pending")
		return ErrStillPending
	case payment.ClassFailure:
		QueueProcessedTotal.WithLabelValues(TypeReconcile, "failed").Inc()
		logger.Info().Str("message_code", status.MessageCode).Msg("deferred_reconcile_payment_failed")
		h.emit(ctx, events.TopicPaymentFailed, p, status, nil)
		return nil
	}

	rec, created, err := h.Committer.Commit(ctx, booking.Commit{
		MerchantTransactionID: p.MerchantTransactionID,
		Intent:                p.Intent,
		Status:                status,
	})
	if errors.Is(err, booking.ErrTransactionMismatch) {
		QueueProcessedTotal.WithLabelValues(TypeReconcile, "error").Inc()
		logger.Error().Err(err).Msg("deferred_booking_rejected")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if errors.Is(err, booking.ErrOutcomeUnknown) {
		// retrying cannot settle it; the archived task is the repair queue
		QueueProcessedTotal.WithLabelValues(TypeReconcile, "error").Inc()
		logger.Error().Err(err).Msg("deferred_booking_unconfirmed")
		return fmt.Errorf("%v: %w", apperr.BookingAfterPayment(err), asynq.SkipRetry)
	}
	if err != nil {
		QueueProcessedTotal.WithLabelValues(TypeReconcile, "retry").Inc()
		logger.Error().Err(err).Msg("deferred_booking_failed")
		return apperr.BookingAfterPayment(err)
	}
	QueueProcessedTotal.WithLabelValues(TypeReconcile, "committed").Inc()
	logger.Info().Bool("created", created).Str("opd_id", rec.OpdID).Msg("deferred_booking_committed")
	if created {
		h.emit(ctx, events.TopicPaymentSucceeded, p, status, &rec)
	}
	return nil
}

func (h *ReconcileHandler) emit(ctx context.Context, topic string, p ReconcilePayload, status payment.Status, rec *booking.Record) {
	if h.Events == nil {
		return
	}
	outcome := "FAILED"
	if topic == events.TopicPaymentSucceeded {
		outcome = "SUCCEEDED"
	}
	details := booking.NewTransactionDetails(p.FlowID, outcome, p.MerchantTransactionID, p.Intent, &status, rec, "")
	if _, err := h.Events.Emit(ctx, topic, p.MerchantTransactionID, details.View()); err != nil {
		h.Logger.Warn().Err(err).Str("topic", topic).Msg("deferred_reconcile_event_failed")
	}
}
