package common

import (
	"encoding/json"
	"net/http"

	"github.com/noah-isme/hospital-opd/internal/apperr"
)

// ErrorBody represents a consistent error payload returned by the API.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON writes the provided value to the response writer as JSON.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JSONError renders an error response using the canonical error shape.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, map[string]any{
		"error": ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// WriteError renders err using its taxonomy code and status.
func WriteError(w http.ResponseWriter, err error) {
	if appErr, ok := apperr.As(err); ok {
		details := appErr.Details
		if appErr.Field != "" && details == nil {
			details = map[string]string{"field": appErr.Field}
		}
		JSONError(w, apperr.HTTPStatus(err), appErr.Code, appErr.Error(), details)
		return
	}
	JSONError(w, apperr.HTTPStatus(err), apperr.Kind(err), "internal error", nil)
}

// DeviceMiddleware copies the X-Device-ID header onto the request context.
func DeviceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Device-ID"); id != "" {
			r = r.WithContext(WithDeviceID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
