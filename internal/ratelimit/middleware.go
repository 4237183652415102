package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/noah-isme/hospital-opd/internal/common"
)

// Handler enforces a limit before delegating to the next handler. Limiter
// failures let the request through.
type Handler struct {
	Limiter Limiter
	Key     func(*http.Request) string
	OnError func(error)
}

// ByClientIP keys requests on the caller address.
func ByClientIP(prefix string) func(*http.Request) string {
	return func(r *http.Request) string {
		return prefix + common.ClientIP(r)
	}
}

// Middleware implements the http.Handler middleware interface.
func (h Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Key == nil || h.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		res, err := h.Limiter.Take(r.Context(), h.Key(r))
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}
		if !WriteHeaders(w, res) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WriteHeaders sets the rate limit headers. When the limit is reached it also
// writes the 429 response and returns false.
func WriteHeaders(w http.ResponseWriter, res Result) bool {
	limit := res.Limit
	if limit < 0 {
		limit = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	headers.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
	if res.Allowed {
		return true
	}
	retryAfter := int(time.Until(res.Reset).Seconds())
	if retryAfter < 0 {
		retryAfter = 0
	}
	headers.Set("Retry-After", strconv.Itoa(retryAfter))
	common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", nil)
	return false
}
