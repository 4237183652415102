// Package flow runs payment flows: reference, external launch,
// reconciliation and booking, reported to an observer as a sequence of
// progress events that ends in exactly one terminal event.
package flow

import (
	"time"

	"github.com/noah-isme/hospital-opd/internal/apperr"
	"github.com/noah-isme/hospital-opd/internal/booking"
	"github.com/noah-isme/hospital-opd/internal/payment"
)

// State is a step of the payment state machine.
type State string

const (
	StateIdle                   State = "IDLE"
	StateRequestingReference    State = "REQUESTING_REFERENCE"
	StateReferenceUnavailable   State = "REFERENCE_UNAVAILABLE"
	StateLaunching              State = "LAUNCHING"
	StateAwaitingExternalResult State = "AWAITING_EXTERNAL_RESULT"
	StateReconcilingStatus      State = "RECONCILING_STATUS"
	StateCommittingBooking      State = "COMMITTING_BOOKING"
	StateSucceeded              State = "SUCCEEDED"
	StatePending                State = "PENDING"
	StateFailed                 State = "FAILED"
	StateCancelled              State = "CANCELLED"
	// StateBookingFailed: payment captured, booking not recorded.
	StateBookingFailed State = "BOOKING_AFTER_PAYMENT_FAILURE"
)

// Terminal reports whether no further events follow s.
func (s State) Terminal() bool {
	switch s {
	case StateReferenceUnavailable, StateSucceeded, StatePending, StateFailed, StateCancelled, StateBookingFailed:
		return true
	}
	return false
}

// Kind classifies events for the observer.
type Kind string

const (
	KindLoading   Kind = "LOADING"
	KindSuccess   Kind = "SUCCESS"
	KindPending   Kind = "PENDING"
	KindFailed    Kind = "FAILED"
	KindError     Kind = "ERROR"
	KindCancelled Kind = "CANCELLED"
)

// Terminal reports whether k ends a flow.
func (k Kind) Terminal() bool { return k != KindLoading }

// ErrorView is the wire form of a flow error.
type ErrorView struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorView(err error) *ErrorView {
	if err == nil {
		return nil
	}
	if ae, ok := apperr.As(err); ok {
		return &ErrorView{Code: ae.Code, Message: ae.Message}
	}
	return &ErrorView{Code: apperr.CodeUnknown, Message: err.Error()}
}

// Event is one step reported to the observer.
type Event struct {
	Kind    Kind                 `json:"kind"`
	State   State                `json:"state"`
	Handoff *payment.Handoff     `json:"handoff,omitempty"`
	Status  *payment.Status      `json:"status,omitempty"`
	Booking *booking.Record      `json:"booking,omitempty"`
	Error   *ErrorView           `json:"error,omitempty"`
	Details *booking.DetailsView `json:"details,omitempty"`
	At      time.Time            `json:"at"`
}

// Observer receives flow events in order, from the goroutine running the flow.
type Observer func(Event)

// terminalKind maps a terminal state to the event kind reported for it.
func terminalKind(s State) Kind {
	switch s {
	case StateSucceeded:
		return KindSuccess
	case StatePending:
		return KindPending
	case StateCancelled:
		return KindCancelled
	case StateBookingFailed:
		return KindError
	default:
		return KindFailed
	}
}
