package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/hospital-opd/internal/booking"
	"github.com/noah-isme/hospital-opd/internal/payment"
)

// ErrShuttingDown is returned by Start once Shutdown was called.
var ErrShuttingDown = errors.New("flow: registry is shutting down")

// Runner executes a single flow.
type Runner interface {
	Run(ctx context.Context, id string, intent payment.Intent, observe Observer) booking.TransactionDetails
}

// Snapshot is the observable state of a flow.
type Snapshot struct {
	ID            string               `json:"id"`
	Owner         string               `json:"-"`
	State         State                `json:"state"`
	Done          bool                 `json:"done"`
	TransactionID string               `json:"merchantTransactionId,omitempty"`
	Events        []Event              `json:"events"`
	StartedAt     time.Time            `json:"startedAt"`
	FinishedAt    *time.Time           `json:"finishedAt,omitempty"`
	Details       *booking.DetailsView `json:"details,omitempty"`
}

type entry struct {
	snap   Snapshot
	cancel context.CancelFunc
	done   chan struct{}
}

// Flows runs flows in the background and keeps their event history until
// Retention after they finish.
type Flows struct {
	Runner    Runner
	Retention time.Duration
	Logger    zerolog.Logger

	mu       sync.Mutex
	flows    map[string]*entry
	closed   bool
	inFlight sync.WaitGroup
}

// NewFlows returns an empty registry.
func NewFlows(runner Runner, retention time.Duration, logger zerolog.Logger) *Flows {
	return &Flows{
		Runner:    runner,
		Retention: retention,
		Logger:    logger.With().Str("component", "payment_flows").Logger(),
		flows:     make(map[string]*entry),
	}
}

// Start launches a flow for owner and returns its id. The flow outlives
// ctx; only Cancel or Shutdown stop it.
func (f *Flows) Start(ctx context.Context, owner string, intent payment.Intent) (string, error) {
	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &entry{
		snap: Snapshot{
			ID:        id,
			Owner:     owner,
			State:     StateIdle,
			StartedAt: time.Now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		cancel()
		return "", ErrShuttingDown
	}
	f.pruneLocked(time.Now())
	f.flows[id] = e
	f.inFlight.Add(1)
	f.mu.Unlock()

	go func() {
		defer f.inFlight.Done()
		defer close(e.done)
		defer cancel()
		f.Runner.Run(runCtx, id, intent, func(ev Event) { f.record(e, ev) })
	}()
	f.Logger.Info().Str("flow_id", id).Str("order_id", intent.OrderID).Msg("payment_flow_started")
	return id, nil
}

func (f *Flows) record(e *entry, ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.snap.Done {
		return
	}
	e.snap.Events = append(e.snap.Events, ev)
	e.snap.State = ev.State
	if ev.Handoff != nil && ev.Handoff.TransactionID != "" {
		e.snap.TransactionID = ev.Handoff.TransactionID
	}
	if ev.Kind.Terminal() {
		e.snap.Done = true
		at := ev.At
		e.snap.FinishedAt = &at
		e.snap.Details = ev.Details
		if ev.Details != nil && ev.Details.TransactionID != "" {
			e.snap.TransactionID = ev.Details.TransactionID
		}
	}
}

// Get returns a copy of the flow's snapshot.
func (f *Flows) Get(id string) (Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneLocked(time.Now())
	e, ok := f.flows[id]
	if !ok {
		return Snapshot{}, false
	}
	snap := e.snap
	snap.Events = append([]Event(nil), e.snap.Events...)
	return snap, true
}

// Cancel stops a running flow. It reports false for unknown flows.
func (f *Flows) Cancel(id string) bool {
	f.mu.Lock()
	e, ok := f.flows[id]
	f.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel()
	return true
}

// Wait blocks until the flow finishes or ctx is done.
func (f *Flows) Wait(ctx context.Context, id string) (Snapshot, error) {
	f.mu.Lock()
	e, ok := f.flows[id]
	f.mu.Unlock()
	if !ok {
		return Snapshot{}, errors.New("flow: not found")
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	snap, _ := f.Get(id)
	return snap, nil
}

// Shutdown stops accepting flows, cancels running ones and waits for them
// to finish or for ctx to expire.
func (f *Flows) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	for _, e := range f.flows {
		e.cancel()
	}
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Flows) pruneLocked(now time.Time) {
	if f.Retention <= 0 {
		return
	}
	cutoff := now.Add(-f.Retention)
	for id, e := range f.flows {
		if e.snap.Done && e.snap.FinishedAt != nil && e.snap.FinishedAt.Before(cutoff) {
			delete(f.flows, id)
		}
	}
}
