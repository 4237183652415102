package booking

import (
	"time"

	"github.com/noah-isme/hospital-opd/internal/payment"
)

// TransactionDetails is the snapshot of a finished payment flow: what was
// booked, the final payment status and, when one was made, the booking.
// It is built once when the flow reaches a terminal state; fields are
// read through accessors so holders cannot alter it.
type TransactionDetails struct {
	flowID        string
	outcome       string
	transactionID string
	intent        payment.Intent
	status        *payment.Status
	record        *Record
	reason        string
	finishedAt    time.Time
}

// NewTransactionDetails copies its arguments. status and record may be nil.
func NewTransactionDetails(flowID, outcome, transactionID string, intent payment.Intent, status *payment.Status, record *Record, reason string) TransactionDetails {
	d := TransactionDetails{
		flowID:        flowID,
		outcome:       outcome,
		transactionID: transactionID,
		intent:        intent,
		reason:        reason,
		finishedAt:    time.Now().UTC(),
	}
	if status != nil {
		s := *status
		d.status = &s
	}
	if record != nil {
		r := *record
		d.record = &r
	}
	return d
}

func (d TransactionDetails) FlowID() string         { return d.flowID }
func (d TransactionDetails) Outcome() string        { return d.outcome }
func (d TransactionDetails) TransactionID() string  { return d.transactionID }
func (d TransactionDetails) Intent() payment.Intent { return d.intent }
func (d TransactionDetails) Reason() string         { return d.reason }
func (d TransactionDetails) FinishedAt() time.Time  { return d.finishedAt }

// Status returns the final payment status, if one was obtained.
func (d TransactionDetails) Status() (payment.Status, bool) {
	if d.status == nil {
		return payment.Status{}, false
	}
	return *d.status, true
}

// Record returns the booking, if one was made.
func (d TransactionDetails) Record() (Record, bool) {
	if d.record == nil {
		return Record{}, false
	}
	return *d.record, true
}

// DetailsView is the wire form of TransactionDetails.
type DetailsView struct {
	FlowID        string          `json:"flowId"`
	Outcome       string          `json:"outcome"`
	TransactionID string          `json:"merchantTransactionId,omitempty"`
	Intent        payment.Intent  `json:"intent"`
	Status        *payment.Status `json:"status,omitempty"`
	Booking       *Record         `json:"booking,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	FinishedAt    time.Time       `json:"finishedAt"`
}

// View returns a copy suitable for encoding.
func (d TransactionDetails) View() DetailsView {
	v := DetailsView{
		FlowID:        d.flowID,
		Outcome:       d.outcome,
		TransactionID: d.transactionID,
		Intent:        d.intent,
		Reason:        d.reason,
		FinishedAt:    d.finishedAt,
	}
	if s, ok := d.Status(); ok {
		v.Status = &s
	}
	if r, ok := d.Record(); ok {
		v.Booking = &r
	}
	return v
}
