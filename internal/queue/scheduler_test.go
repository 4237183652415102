package queue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/hospital-opd/internal/booking"
	"github.com/noah-isme/hospital-opd/internal/events"
	"github.com/noah-isme/hospital-opd/internal/payment"
	"github.com/noah-isme/hospital-opd/internal/queue"
)

type fakeClient struct {
	tasks []*asynq.Task
	ids   map[string]bool
}

func (f *fakeClient) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	var p queue.ReconcilePayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return nil, err
	}
	id := queue.ReconcileTaskID(p.MerchantTransactionID)
	if f.ids == nil {
		f.ids = map[string]bool{}
	}
	if f.ids[id] {
		return nil, asynq.ErrTaskIDConflict
	}
	f.ids[id] = true
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: id, Type: task.Type(), NextProcessAt: time.Now().Add(time.Minute)}, nil
}

func detailsEvent(t *testing.T, topic, txn string) events.Event {
	t.Helper()
	view := booking.NewTransactionDetails("flow-1", "PENDING", txn, payment.Intent{OrderID: "ORD-1"}, nil, nil, "").View()
	raw, err := json.Marshal(view)
	require.NoError(t, err)
	return events.Event{Topic: topic, AggregateID: txn, Payload: raw}
}

func TestSchedulerQueuesFollowUpTopics(t *testing.T) {
	client := &fakeClient{}
	s := queue.Scheduler{Client: client, Delay: time.Minute, MaxRetry: 5, Logger: zerolog.Nop()}

	require.NoError(t, s.Schedule(context.Background(), detailsEvent(t, events.TopicPaymentPending, "MT-1")))
	require.Len(t, client.tasks, 1)
	require.Equal(t, queue.TypeReconcile, client.tasks[0].Type())

	var p queue.ReconcilePayload
	require.NoError(t, json.Unmarshal(client.tasks[0].Payload(), &p))
	require.Equal(t, "MT-1", p.MerchantTransactionID)
	require.Equal(t, "flow-1", p.FlowID)
	require.Equal(t, "ORD-1", p.Intent.OrderID)
	require.Equal(t, events.TopicPaymentPending, p.Topic)
}

func TestSchedulerIgnoresSettledTopicsAndDuplicates(t *testing.T) {
	client := &fakeClient{}
	s := queue.Scheduler{Client: client, Logger: zerolog.Nop()}

	require.NoError(t, s.Schedule(context.Background(), detailsEvent(t, events.TopicPaymentSucceeded, "MT-1")))
	require.NoError(t, s.Schedule(context.Background(), detailsEvent(t, events.TopicPaymentFailed, "MT-1")))
	require.Empty(t, client.tasks)

	require.NoError(t, s.Schedule(context.Background(), detailsEvent(t, events.TopicBookingAfterPaymentFailed, "MT-2")))
	require.NoError(t, s.Schedule(context.Background(), detailsEvent(t, events.TopicBookingAfterPaymentFailed, "MT-2")))
	require.Len(t, client.tasks, 1)
}

func TestSchedulerSkipsFlowsWithoutTransaction(t *testing.T) {
	client := &fakeClient{}
	s := queue.Scheduler{Client: client, Logger: zerolog.Nop()}
	require.NoError(t, s.Schedule(context.Background(), detailsEvent(t, events.TopicPaymentPending, "")))
	require.Empty(t, client.tasks)
}

func TestNewReconcileTaskRequiresTransaction(t *testing.T) {
	_, err := queue.NewReconcileTask(queue.ReconcilePayload{}, 3, 0)
	require.Error(t, err)
}

func TestRetryDelayIsCapped(t *testing.T) {
	delay := queue.RetryDelay(time.Second, 5*time.Second, 0)
	require.Equal(t, time.Second, delay(0, nil, nil))
	require.Equal(t, 5*time.Second, delay(10, nil, nil))
}
