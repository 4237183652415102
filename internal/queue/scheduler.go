package queue

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/hospital-opd/internal/booking"
	"github.com/noah-isme/hospital-opd/internal/events"
)

// Enqueuer is the part of *asynq.Client the scheduler needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Scheduler turns flow events that need follow-up into reconcile tasks.
// It implements events.Scheduler.
type Scheduler struct {
	Client   Enqueuer
	Delay    time.Duration
	MaxRetry int
	Logger   zerolog.Logger
}

// Schedule enqueues a reconcile task for pending flows and for payments
// whose booking was not recorded. Other events are ignored.
func (s Scheduler) Schedule(ctx context.Context, ev events.Event) error {
	if !events.NeedsFollowUp(ev.Topic) {
		return nil
	}
	if s.Client == nil {
		return errors.New("queue: client not configured")
	}
	var view booking.DetailsView
	if err := ev.Decode(&view); err != nil {
		return err
	}
	if view.TransactionID == "" {
		s.Logger.Warn().Str("flow_id", view.FlowID).Str("topic", ev.Topic).Msg("reconcile_skipped_no_transaction")
		return nil
	}
	task, err := NewReconcileTask(ReconcilePayload{
		FlowID:                view.FlowID,
		MerchantTransactionID: view.TransactionID,
		Intent:                view.Intent,
		Topic:                 ev.Topic,
	}, s.MaxRetry, s.Delay)
	if err != nil {
		return err
	}
	info, err := s.Client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		s.Logger.Debug().Str("merchant_transaction_id", view.TransactionID).Msg("reconcile_already_scheduled")
		return nil
	}
	if err != nil {
		return err
	}
	QueueEnqueuedTotal.WithLabelValues(TypeReconcile).Inc()
	s.Logger.Info().
		Str("merchant_transaction_id", view.TransactionID).
		Str("task_id", info.ID).
		Str("topic", ev.Topic).
		Time("process_at", info.NextProcessAt).
		Msg("reconcile_scheduled")
	return nil
}
