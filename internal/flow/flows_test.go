package flow_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/hospital-opd/internal/booking"
	"github.com/noah-isme/hospital-opd/internal/flow"
	"github.com/noah-isme/hospital-opd/internal/payment"
)

// blockingRunner hands off and then waits for release or cancellation.
type blockingRunner struct {
	release chan payment.LaunchOutcome
}

func (b blockingRunner) Run(ctx context.Context, id string, intent payment.Intent, observe flow.Observer) booking.TransactionDetails {
	observe(flow.Event{Kind: flow.KindLoading, State: flow.StateRequestingReference, At: time.Now()})
	observe(flow.Event{
		Kind:    flow.KindLoading,
		State:   flow.StateAwaitingExternalResult,
		Handoff: &payment.Handoff{TransactionID: "MT-" + id},
		At:      time.Now(),
	})
	state := flow.StateCancelled
	select {
	case <-ctx.Done():
	case outcome := <-b.release:
		if outcome == payment.LaunchSuccess {
			state = flow.StateSucceeded
		}
	}
	details := booking.NewTransactionDetails(id, string(state), "MT-"+id, intent, nil, nil, "")
	view := details.View()
	kind := flow.KindCancelled
	if state == flow.StateSucceeded {
		kind = flow.KindSuccess
	}
	observe(flow.Event{Kind: kind, State: state, Details: &view, At: time.Now()})
	return details
}

func TestFlowsRecordsHistory(t *testing.T) {
	runner := blockingRunner{release: make(chan payment.LaunchOutcome, 1)}
	flows := flow.NewFlows(runner, time.Hour, zerolog.Nop())

	id, err := flows.Start(context.Background(), "9876543210", sampleIntent())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, ok := flows.Get(id)
		return ok && snap.State == flow.StateAwaitingExternalResult
	}, time.Second, 5*time.Millisecond)

	snap, _ := flows.Get(id)
	require.Equal(t, "MT-"+id, snap.TransactionID)
	require.Equal(t, "9876543210", snap.Owner)
	require.False(t, snap.Done)

	runner.release <- payment.LaunchSuccess
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err = flows.Wait(ctx, id)
	require.NoError(t, err)
	require.True(t, snap.Done)
	require.Equal(t, flow.StateSucceeded, snap.State)
	require.Len(t, snap.Events, 3)
	require.NotNil(t, snap.FinishedAt)
	require.Equal(t, "SUCCEEDED", snap.Details.Outcome)
}

func TestFlowsCancelStopsRun(t *testing.T) {
	runner := blockingRunner{release: make(chan payment.LaunchOutcome)}
	flows := flow.NewFlows(runner, time.Hour, zerolog.Nop())

	// the request context ending must not stop the flow
	reqCtx, reqCancel := context.WithCancel(context.Background())
	id, err := flows.Start(reqCtx, "9876543210", sampleIntent())
	require.NoError(t, err)
	reqCancel()

	require.Eventually(t, func() bool {
		snap, _ := flows.Get(id)
		return snap.State == flow.StateAwaitingExternalResult
	}, time.Second, 5*time.Millisecond)
	snap, _ := flows.Get(id)
	require.False(t, snap.Done)

	require.True(t, flows.Cancel(id))
	require.False(t, flows.Cancel("missing"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err = flows.Wait(ctx, id)
	require.NoError(t, err)
	require.Equal(t, flow.StateCancelled, snap.State)
}

func TestFlowsEvictsFinishedFlows(t *testing.T) {
	runner := blockingRunner{release: make(chan payment.LaunchOutcome, 1)}
	flows := flow.NewFlows(runner, 10*time.Millisecond, zerolog.Nop())

	id, err := flows.Start(context.Background(), "9876543210", sampleIntent())
	require.NoError(t, err)
	runner.release <- payment.LaunchSuccess
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = flows.Wait(ctx, id)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := flows.Get(id)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestFlowsShutdownCancelsAndRejects(t *testing.T) {
	runner := blockingRunner{release: make(chan payment.LaunchOutcome)}
	flows := flow.NewFlows(runner, time.Hour, zerolog.Nop())

	id, err := flows.Start(context.Background(), "9876543210", sampleIntent())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, flows.Shutdown(ctx))

	snap, ok := flows.Get(id)
	require.True(t, ok)
	require.Equal(t, flow.StateCancelled, snap.State)

	_, err = flows.Start(context.Background(), "9876543210", sampleIntent())
	require.ErrorIs(t, err, flow.ErrShuttingDown)
}
