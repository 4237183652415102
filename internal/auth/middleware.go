package auth

import (
	"net/http"
	"strings"

	"github.com/noah-isme/hospital-opd/internal/common"
)

// Middleware guards routes that need a verified mobile number.
type Middleware struct {
	Tokens *Tokens
}

// RequireAuth rejects requests without a valid bearer token and stores the
// verified mobile number on the request context.
func (m Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Tokens == nil {
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "auth not configured", nil)
			return
		}
		token := bearerToken(r)
		if token == "" {
			common.JSONError(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid token", nil)
			return
		}
		mobile, err := m.Tokens.Parse(token)
		if err != nil {
			common.WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(common.WithMobileNumber(r.Context(), mobile)))
	})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
