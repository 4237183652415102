// Package payment requests payment references, hands them to an external
// payment capability and reconciles the outcome against the authoritative
// server-side status.
package payment

import (
	"strings"

	"github.com/noah-isme/hospital-opd/internal/apperr"
	"github.com/noah-isme/hospital-opd/internal/hospitalapi"
)

// Message codes reported by the payment status service.
const (
	MessageCodeSuccess = "PAYMENT_SUCCESS"
	MessageCodePending = "PAYMENT_PENDING"
)

// Intent is what the patient wants to pay for.
type Intent struct {
	MobileNumber       string `json:"mobileNumber" validate:"required,len=10,numeric"`
	Amount             int64  `json:"amount" validate:"gt=0"`
	PatientID          string `json:"patientId" validate:"required"`
	PatientName        string `json:"patientName" validate:"required"`
	DoctorName         string `json:"doctorName" validate:"required"`
	DoctorID           string `json:"doctorId" validate:"required"`
	DocTime            string `json:"docTime" validate:"required"`
	DurationPerPatient string `json:"durationPerPatient"`
	OpdType            string `json:"opdType" validate:"required"`
	OrderID            string `json:"orderId" validate:"required"`
}

// BookingContext returns the appointment identifiers sent with status and
// booking calls.
func (i Intent) BookingContext() hospitalapi.BookingContext {
	return hospitalapi.BookingContext{
		DoctorName:         i.DoctorName,
		DoctorID:           i.DoctorID,
		DocTime:            i.DocTime,
		DurationPerPatient: i.DurationPerPatient,
		OpdType:            i.OpdType,
		OrderID:            i.OrderID,
	}
}

// Request is a complete payment reference. Construct it with NewRequest.
type Request struct {
	APIEndPoint           string `json:"apiEndPoint"`
	PayloadBase64         string `json:"payloadBase64"`
	Checksum              string `json:"checksum"`
	MerchantTransactionID string `json:"merchantTransactionId"`
}

// NewRequest validates that every field is present. The error names the
// first missing field.
func NewRequest(apiEndPoint, payloadBase64, checksum, merchantTransactionID string) (Request, error) {
	fields := []struct {
		name  string
		value string
	}{
		{"apiEndPoint", apiEndPoint},
		{"payloadBase64", payloadBase64},
		{"checksum", checksum},
		{"merchantTransactionId", merchantTransactionID},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return Request{}, apperr.ReferenceIncomplete(f.name)
		}
	}
	return Request{
		APIEndPoint:           apiEndPoint,
		PayloadBase64:         payloadBase64,
		Checksum:              checksum,
		MerchantTransactionID: merchantTransactionID,
	}, nil
}

// Classification of a Status.
type Classification string

const (
	ClassSuccess Classification = "SUCCESS"
	ClassPending Classification = "PENDING"
	ClassFailure Classification = "FAILURE"
)

// Status is the authoritative payment status of a transaction.
type Status struct {
	Response         bool   `json:"response"`
	MessageCode      string `json:"messageCode"`
	Message          string `json:"message"`
	TransactionID    string `json:"transactionId"`
	OpdID            string `json:"opdId,omitempty"`
	TokenNumber      string `json:"tokenNumber,omitempty"`
	RegistrationDate string `json:"registrationDate,omitempty"`
	EstimatedTime    string `json:"estimatedTime,omitempty"`
}

// StatusFromWire converts the status service answer.
func StatusFromWire(r hospitalapi.StatusResponse) Status {
	return Status{
		Response:         r.Response,
		MessageCode:      r.MessageCode,
		Message:          r.Message,
		TransactionID:    r.TransactionID,
		OpdID:            r.OpdID.String(),
		TokenNumber:      r.TokenNumber.String(),
		RegistrationDate: r.RegistrationDate,
		EstimatedTime:    r.EstimatedTime,
	}
}

func (s Status) IsSuccess() bool {
	return s.Response && s.MessageCode == MessageCodeSuccess
}

func (s Status) IsPending() bool {
	return !s.IsSuccess() && s.MessageCode == MessageCodePending
}

func (s Status) IsFailure() bool {
	return !s.IsSuccess() && !s.IsPending()
}

// Classify returns the single classification that holds for s.
func (s Status) Classify() Classification {
	switch {
	case s.IsSuccess():
		return ClassSuccess
	case s.IsPending():
		return ClassPending
	default:
		return ClassFailure
	}
}

// LaunchOutcome is the kind of result reported by the launcher.
type LaunchOutcome string

const (
	LaunchSuccess   LaunchOutcome = "SUCCESS"
	LaunchFailure   LaunchOutcome = "FAILURE"
	LaunchCancelled LaunchOutcome = "CANCELLED"
)

// LaunchResult is delivered exactly once per launch.
type LaunchResult struct {
	Outcome LaunchOutcome
	// Reason is set for LaunchFailure.
	Reason string
	Data   map[string]string
}

// Err returns the failure as a PAYMENT_LAUNCH_FAILURE error, or nil.
func (r LaunchResult) Err() error {
	if r.Outcome != LaunchFailure {
		return nil
	}
	return apperr.PaymentLaunchFailure(r.Reason)
}
