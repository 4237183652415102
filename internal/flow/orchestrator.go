package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/hospital-opd/internal/apperr"
	"github.com/noah-isme/hospital-opd/internal/booking"
	"github.com/noah-isme/hospital-opd/internal/events"
	"github.com/noah-isme/hospital-opd/internal/obs"
	"github.com/noah-isme/hospital-opd/internal/payment"
)

// ErrReferenceUnavailable is reported when the server has no payment
// reference for the intent.
var ErrReferenceUnavailable = apperr.ServerMessage("payment reference unavailable")

// ErrAbandoned is reported when the observer left after a payment reference
// was issued but before the server settled its status.
var ErrAbandoned = apperr.Unknown("flow abandoned before payment status was known")

// References issues payment references.
type References interface {
	Request(ctx context.Context, intent payment.Intent) (*payment.Request, error)
}

// Launcher hands a reference to the external payment app.
type Launcher interface {
	Launch(ctx context.Context, req payment.Request, onHandoff func(payment.Handoff), onResult func(payment.LaunchResult))
}

// StatusReconciler queries the authoritative payment status.
type StatusReconciler interface {
	Reconcile(ctx context.Context, merchantTransactionID string, intent payment.Intent, policy payment.RetryPolicy) (payment.Status, int, error)
}

// Committer records the booking for a successful payment.
type Committer interface {
	Commit(ctx context.Context, in booking.Commit) (booking.Record, bool, error)
}

// Publisher emits domain events.
type Publisher interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// DetailsRecorder keeps finished flows for audit.
type DetailsRecorder interface {
	RecordDetails(ctx context.Context, d booking.TransactionDetails) error
}

// Config tunes an Orchestrator.
type Config struct {
	// AwaitTimeout bounds the wait for the external app; when it elapses
	// the flow reconciles with the server instead.
	AwaitTimeout  time.Duration
	Retry         payment.RetryPolicy
	CommitTimeout time.Duration
}

// Orchestrator composes the payment steps into one flow. Steps of a flow
// run strictly in order; separate flows are independent.
type Orchestrator struct {
	References References
	Launcher   Launcher
	Reconciler StatusReconciler
	Committer  Committer
	Events     Publisher
	Audit      DetailsRecorder
	Config     Config
	Logger     zerolog.Logger
}

// run carries the state of one invocation.
type run struct {
	o        *Orchestrator
	id       string
	intent   payment.Intent
	observe  Observer
	logger   zerolog.Logger
	started  time.Time
	state    State
	finished bool

	txnID     string
	paymentID string
	status    *payment.Status
	record    *booking.Record
}

// Run executes one flow and returns its snapshot. observe receives Loading
// events followed by exactly one terminal event. Cancelling ctx before a
// payment reference exists ends the flow as Cancelled. Once a reference was
// issued the flow ends Pending instead, so the deferred reconcile picks it
// up; a payment already confirmed still has its booking committed.
func (o *Orchestrator) Run(ctx context.Context, id string, intent payment.Intent, observe Observer) (details booking.TransactionDetails) {
	ctx, span := otel.Tracer("flow.Orchestrator").Start(ctx, "Orchestrator.Run",
		trace.WithAttributes(attribute.String("flow.id", id), attribute.String("flow.order_id", intent.OrderID)))
	defer span.End()

	r := &run{
		o:       o,
		id:      id,
		intent:  intent,
		observe: observe,
		logger:  o.Logger.With().Str("flow_id", id).Str("order_id", intent.OrderID).Logger(),
		started: time.Now(),
		state:   StateIdle,
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Msg("payment_flow_panic")
			details = r.finish(ctx, StateFailed, apperr.Unknown(fmt.Sprint(rec)))
		}
		span.SetAttributes(attribute.String("flow.outcome", string(r.state)))
		if r.state == StateBookingFailed || r.state == StateFailed {
			span.SetStatus(codes.Error, string(r.state))
		}
	}()

	state, err := r.execute(ctx)
	return r.finish(ctx, state, err)
}

func (r *run) execute(ctx context.Context) (State, error) {
	o := r.o

	r.enter(StateRequestingReference, nil)
	req, err := r.requestReference(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return StateCancelled, nil
		}
		return StateFailed, err
	}
	if req == nil {
		return StateReferenceUnavailable, ErrReferenceUnavailable
	}
	r.txnID = req.MerchantTransactionID
	r.logger = r.logger.With().Str("merchant_transaction_id", r.txnID).Logger()

	r.enter(StateLaunching, nil)
	result, ok := r.launchAndAwait(ctx, *req)
	if ok && result.Outcome == payment.LaunchCancelled {
		return StateCancelled, nil
	}
	if ctx.Err() != nil {
		// the provider may already hold the money; leave it for deferred reconcile
		r.logger.Warn().Msg("payment_flow_abandoned")
		return StatePending, ErrAbandoned
	}
	if ok {
		if result.Outcome == payment.LaunchFailure {
			return StateFailed, result.Err()
		}
		r.paymentID = result.Data["transactionId"]
	} else {
		r.logger.Warn().Dur("timeout", o.Config.AwaitTimeout).Msg("payment_await_timeout")
	}

	// the launcher's success is advisory; the server decides
	r.enter(StateReconcilingStatus, nil)
	status, err := r.reconcile(ctx)
	if err != nil {
		if ctx.Err() != nil {
			r.logger.Warn().Err(err).Msg("payment_flow_abandoned")
			return StatePending, ErrAbandoned
		}
		r.logger.Warn().Err(err).Msg("payment_status_unknown")
		return StatePending, err
	}
	r.status = &status
	switch status.Classify() {
	case payment.ClassPending:
		return StatePending, nil
	case payment.ClassFailure:
		return StateFailed, statusError(status)
	}

	r.enter(StateCommittingBooking, func(ev *Event) { ev.Status = r.status })
	rec, err := r.commit(ctx, status)
	if err != nil {
		return StateBookingFailed, apperr.BookingAfterPayment(err)
	}
	r.record = &rec
	return StateSucceeded, nil
}

func (r *run) requestReference(ctx context.Context) (*payment.Request, error) {
	ctx, span := otel.Tracer("flow.Orchestrator").Start(ctx, "Orchestrator.requestReference")
	defer span.End()
	req, err := r.o.References.Request(ctx, r.intent)
	if err != nil {
		span.RecordError(err)
	}
	return req, err
}

// launchAndAwait reports ok=false when the wait timed out.
func (r *run) launchAndAwait(ctx context.Context, req payment.Request) (payment.LaunchResult, bool) {
	ctx, span := otel.Tracer("flow.Orchestrator").Start(ctx, "Orchestrator.launch")
	defer span.End()

	// cancelling launchCtx clears the launcher's callback slot, so nothing
	// arriving after this wait ends can reach the flow
	launchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan payment.LaunchResult, 1)
	handoffs := make(chan payment.Handoff, 1)
	r.o.Launcher.Launch(launchCtx, req,
		func(h payment.Handoff) {
			select {
			case handoffs <- h:
			default:
			}
		},
		func(res payment.LaunchResult) {
			select {
			case results <- res:
			default:
			}
		})

	select {
	case h := <-handoffs:
		r.enter(StateAwaitingExternalResult, func(ev *Event) { ev.Handoff = &h })
	default:
		r.enter(StateAwaitingExternalResult, nil)
	}

	var timeout <-chan time.Time
	if d := r.o.Config.AwaitTimeout; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case res := <-results:
		span.SetAttributes(attribute.String("payment.launch_outcome", string(res.Outcome)))
		return res, true
	case <-ctx.Done():
		return payment.LaunchResult{}, false
	case <-timeout:
		span.SetAttributes(attribute.Bool("payment.await_timeout", true))
		return payment.LaunchResult{}, false
	}
}

func (r *run) reconcile(ctx context.Context) (payment.Status, error) {
	ctx, span := otel.Tracer("flow.Orchestrator").Start(ctx, "Orchestrator.reconcile")
	defer span.End()
	status, attempts, err := r.o.Reconciler.Reconcile(ctx, r.txnID, r.intent, r.o.Config.Retry)
	span.SetAttributes(attribute.Int("payment.reconcile_attempts", attempts))
	if err != nil {
		span.RecordError(err)
		return payment.Status{}, err
	}
	return status, nil
}

func (r *run) commit(ctx context.Context, status payment.Status) (booking.Record, error) {
	// money has moved: the booking is attempted even if the observer left
	ctx = context.WithoutCancel(ctx)
	if d := r.o.Config.CommitTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	ctx, span := otel.Tracer("flow.Orchestrator").Start(ctx, "Orchestrator.commit")
	defer span.End()
	rec, created, err := r.o.Committer.Commit(ctx, booking.Commit{
		MerchantTransactionID: r.txnID,
		PaymentID:             r.paymentID,
		Intent:                r.intent,
		Status:                status,
	})
	if err != nil {
		span.RecordError(err)
		return booking.Record{}, err
	}
	span.SetAttributes(attribute.Bool("booking.created", created))
	return rec, nil
}

func (r *run) enter(state State, decorate func(*Event)) {
	r.state = state
	ev := Event{Kind: KindLoading, State: state, At: time.Now().UTC()}
	if decorate != nil {
		decorate(&ev)
	}
	r.emit(ev)
}

func (r *run) emit(ev Event) {
	if r.observe == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Msg("payment_flow_observer_panic")
		}
	}()
	r.observe(ev)
}

// finish moves to the terminal state once; later calls return the first
// snapshot's equivalent without emitting again.
func (r *run) finish(ctx context.Context, state State, err error) booking.TransactionDetails {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	details := booking.NewTransactionDetails(r.id, string(state), r.txnID, r.intent, r.status, r.record, reason)
	if r.finished {
		return details
	}
	r.finished = true
	r.state = state

	kind := terminalKind(state)
	elapsed := time.Since(r.started)
	obs.IncCounter(obs.PaymentFlowTotal, string(state))
	if obs.PaymentFlowDuration != nil {
		obs.PaymentFlowDuration.WithLabelValues(string(state)).Observe(float64(elapsed.Milliseconds()))
	}

	logEvent := r.logger.Info()
	switch state {
	case StateBookingFailed:
		logEvent = r.logger.Error()
	case StateFailed, StateReferenceUnavailable:
		logEvent = r.logger.Warn()
	}
	logEvent.Str("state", string(state)).Dur("elapsed", elapsed).Err(err).Msg("payment_flow_terminal")
	if state == StateBookingFailed {
		r.logger.Error().Err(err).
			Str("opd_type", r.intent.OpdType).
			Str("doctor_id", r.intent.DoctorID).
			Msg("booking_after_payment_failure")
	}

	view := details.View()
	// follow-up work must survive a torn-down observer
	bg := context.WithoutCancel(ctx)
	r.publish(bg, state, view)
	if r.o.Audit != nil {
		if auditErr := r.o.Audit.RecordDetails(bg, details); auditErr != nil {
			r.logger.Warn().Err(auditErr).Msg("payment_flow_audit_failed")
		}
	}

	r.emit(Event{
		Kind:    kind,
		State:   state,
		Status:  r.status,
		Booking: r.record,
		Error:   errorView(err),
		Details: &view,
		At:      time.Now().UTC(),
	})
	return details
}

func (r *run) publish(ctx context.Context, state State, view booking.DetailsView) {
	if r.o.Events == nil {
		return
	}
	aggregate := r.txnID
	if aggregate == "" {
		aggregate = r.id
	}
	topic := topicFor(state)
	if _, err := r.o.Events.Emit(ctx, topic, aggregate, view); err != nil {
		r.logger.Error().Err(err).Str("topic", topic).Msg("payment_flow_event_failed")
	}
}

func topicFor(state State) string {
	switch state {
	case StateSucceeded:
		return events.TopicPaymentSucceeded
	case StatePending:
		return events.TopicPaymentPending
	case StateCancelled:
		return events.TopicPaymentCancelled
	case StateBookingFailed:
		return events.TopicBookingAfterPaymentFailed
	default:
		return events.TopicPaymentFailed
	}
}

// statusError describes a failed payment status.
func statusError(s payment.Status) error {
	msg := s.Message
	if msg == "" {
		msg = s.MessageCode
	}
	if msg == "" {
		return errors.New("payment failed")
	}
	return apperr.ServerMessage(msg)
}
