package hospitalapi

import (
	"context"
	"errors"
	"net/url"
	"strconv"

	"github.com/noah-isme/hospital-opd/internal/apperr"
)

// ErrNoStatus is wrapped when the status endpoint answers null; the
// transaction's state is unknown rather than failed.
var ErrNoStatus = errors.New("hospitalapi: payment status body is null")

// BookingContext identifies the appointment a payment belongs to.
type BookingContext struct {
	DoctorName         string
	DoctorID           string
	DocTime            string
	DurationPerPatient string
	OpdType            string
	OrderID            string
}

func (b BookingContext) apply(form url.Values) {
	form.Set("doctor_name", b.DoctorName)
	form.Set("doctor_id", b.DoctorID)
	form.Set("doc_time", b.DocTime)
	form.Set("duration_per_patient", b.DurationPerPatient)
	form.Set("opd_type", b.OpdType)
	form.Set("order_id", b.OrderID)
}

// ReferenceQuery is the input of the payment reference service.
type ReferenceQuery struct {
	MobileNumber string
	Amount       int64
	PatientID    string
	PatientName  string
	BookingContext
}

// ReferenceResponse carries the wire-level payment reference. Every field is
// optional on the wire.
type ReferenceResponse struct {
	Response              *bool  `json:"response,omitempty"`
	Message               string `json:"message,omitempty"`
	APIEndPoint           string `json:"apiEndPoint"`
	PayloadBase64         string `json:"payloadBase64"`
	Checksum              string `json:"checksum"`
	MerchantTransactionID string `json:"merchantTransactionId"`
}

// RequestPaymentReference asks for a payment reference. A nil response with a
// nil error means the server returned an empty (null) body.
func (c *Client) RequestPaymentReference(ctx context.Context, q ReferenceQuery) (*ReferenceResponse, error) {
	form := url.Values{}
	form.Set("mobile_number", q.MobileNumber)
	form.Set("amount", strconv.FormatInt(q.Amount, 10))
	form.Set("patient_id", q.PatientID)
	form.Set("patient_name", q.PatientName)
	q.BookingContext.apply(form)

	var out ReferenceResponse
	found, err := c.postForm(ctx, PathPaymentReference, form, &out)
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

// StatusQuery is the input of the payment status service.
type StatusQuery struct {
	MerchantTransactionID string
	BookingContext
}

// StatusResponse is the authoritative payment status as sent by the server.
type StatusResponse struct {
	Response         bool   `json:"response"`
	MessageCode      string `json:"messageCode"`
	Message          string `json:"message"`
	TransactionID    string `json:"transactionId"`
	OpdID            Text   `json:"opdId,omitempty"`
	TokenNumber      Text   `json:"tokenNumber,omitempty"`
	RegistrationDate string `json:"registrationDate,omitempty"`
	EstimatedTime    string `json:"estimatedTime,omitempty"`
}

// PaymentStatus queries the status of a merchant transaction.
func (c *Client) PaymentStatus(ctx context.Context, q StatusQuery) (StatusResponse, error) {
	form := url.Values{}
	form.Set("merchant_transaction_id", q.MerchantTransactionID)
	q.BookingContext.apply(form)

	var out StatusResponse
	found, err := c.postForm(ctx, PathPaymentStatus, form, &out)
	if err != nil {
		return StatusResponse{}, err
	}
	if !found {
		return StatusResponse{}, apperr.Serialization(ErrNoStatus)
	}
	return out, nil
}
