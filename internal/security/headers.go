package security

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultCSP forbids every subresource and framing. Responses are JSON
// consumed by the app, never rendered as documents.
const DefaultCSP = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'"

// Headers hardens responses of an API that carries OTPs, session tokens and
// payment state.
type Headers struct {
	Enable bool
	// HSTS is the Strict-Transport-Security max-age, sent only over TLS.
	// Zero disables it.
	HSTS           time.Duration
	HSTSSubdomains bool
	// CSP replaces DefaultCSP when set.
	CSP string
}

// Middleware attaches the header set to each response.
func (h Headers) Middleware(next http.Handler) http.Handler {
	if !h.Enable {
		return next
	}
	fixed := h.fixed()
	hsts := h.hstsValue()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dst := w.Header()
		for _, kv := range fixed {
			dst.Set(kv[0], kv[1])
		}
		if hsts != "" && secure(r) {
			dst.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}

func (h Headers) fixed() [][2]string {
	csp := strings.TrimSpace(h.CSP)
	if csp == "" {
		csp = DefaultCSP
	}
	return [][2]string{
		{"Content-Security-Policy", csp},
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"Referrer-Policy", "no-referrer"},
		// checkout happens on the provider's page, never inside our responses
		{"Permissions-Policy", "camera=(), geolocation=(), microphone=(), payment=(), otp-credentials=()"},
		{"Cross-Origin-Resource-Policy", "same-origin"},
		// OTP and payment answers must not outlive the request
		{"Cache-Control", "no-store, max-age=0"},
		{"Pragma", "no-cache"},
	}
}

func (h Headers) hstsValue() string {
	secs := int64(h.HSTS / time.Second)
	if secs <= 0 {
		return ""
	}
	value := "max-age=" + strconv.FormatInt(secs, 10)
	if h.HSTSSubdomains {
		value += "; includeSubDomains"
	}
	return value
}

// secure reports TLS either terminated here or at the proxy in front.
func secure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https")
}
