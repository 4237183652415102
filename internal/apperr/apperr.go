// Package apperr defines the error taxonomy shared by the OTP and payment flows.
//
// Transport and serialization failures are converted into this taxonomy at the
// service-call boundary (see FromTransport) so orchestration code never has to
// inspect raw network errors.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error codes.
const (
	CodeNoInternet           = "NO_INTERNET"
	CodeTimeout              = "TIMEOUT"
	CodeServerError          = "SERVER_ERROR"
	CodeSerialization        = "SERIALIZATION_ERROR"
	CodeInvalidOTP           = "INVALID_OTP"
	CodeSMSSendFailed        = "SMS_SEND_FAILED"
	CodeServerMessage        = "SERVER_MESSAGE"
	CodePaymentLaunchFailure = "PAYMENT_LAUNCH_FAILURE"
	CodeReferenceIncomplete  = "PAYMENT_REFERENCE_INCOMPLETE"
	CodeBookingAfterPayment  = "BOOKING_AFTER_PAYMENT_FAILURE"
	CodeUnknown              = "UNKNOWN_ERROR"
	CodeValidation           = "VALIDATION_ERROR"
)

// AppError represents an error with an attached code and HTTP status.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any

	// UpstreamStatus is the remote HTTP status for SERVER_ERROR.
	UpstreamStatus int
	// Field names the missing attribute for PAYMENT_REFERENCE_INCOMPLETE.
	Field string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New constructs an AppError.
func New(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

func NoInternet(err error) *AppError {
	return New(CodeNoInternet, "no internet connection", http.StatusServiceUnavailable, err)
}

func Timeout(err error) *AppError {
	return New(CodeTimeout, "request timed out", http.StatusGatewayTimeout, err)
}

// ServerError reports a non-success HTTP status from a remote service.
func ServerError(upstream int) *AppError {
	e := New(CodeServerError, fmt.Sprintf("server error (%d)", upstream), http.StatusBadGateway, nil)
	e.UpstreamStatus = upstream
	return e
}

func Serialization(err error) *AppError {
	return New(CodeSerialization, "unexpected response format", http.StatusBadGateway, err)
}

func InvalidOTP() *AppError {
	return New(CodeInvalidOTP, "invalid otp", http.StatusUnauthorized, nil)
}

func SMSSendFailed() *AppError {
	return New(CodeSMSSendFailed, "unable to send sms", http.StatusBadGateway, nil)
}

// ServerMessage carries a business failure message from the server verbatim.
func ServerMessage(text string) *AppError {
	return New(CodeServerMessage, text, http.StatusUnprocessableEntity, nil)
}

func PaymentLaunchFailure(text string) *AppError {
	return New(CodePaymentLaunchFailure, text, http.StatusBadGateway, nil)
}

// ReferenceIncomplete reports a payment reference response missing a mandatory field.
func ReferenceIncomplete(field string) *AppError {
	e := New(CodeReferenceIncomplete, fmt.Sprintf("payment reference missing %s", field), http.StatusBadGateway, nil)
	e.Field = field
	return e
}

// BookingAfterPayment reports that money was captured but the booking was not recorded.
func BookingAfterPayment(err error) *AppError {
	return New(CodeBookingAfterPayment, "payment captured but booking not recorded", http.StatusInternalServerError, err)
}

func Unknown(text string) *AppError {
	return New(CodeUnknown, text, http.StatusInternalServerError, nil)
}

func Validation(message string) *AppError {
	return New(CodeValidation, message, http.StatusBadRequest, nil)
}

// As extracts the AppError from err when present.
func As(err error) (*AppError, bool) {
	var target *AppError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// IsAppError checks whether the error is an AppError.
func IsAppError(err error) bool {
	_, ok := As(err)
	return ok
}

// Kind returns the taxonomy code of err.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "CANCELED"
	}
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeUnknown
}

// Is reports whether err carries the given taxonomy code.
func Is(err error, code string) bool {
	return err != nil && Kind(err) == code
}

// HTTPStatus maps err to the status returned by this service's API.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if appErr, ok := As(err); ok && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// IsTransient reports failures worth retrying: connectivity, timeouts and 5xx.
func IsTransient(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return errors.Is(err, context.DeadlineExceeded)
	}
	switch appErr.Code {
	case CodeNoInternet, CodeTimeout:
		return true
	case CodeServerError:
		return appErr.UpstreamStatus >= 500
	default:
		return false
	}
}
