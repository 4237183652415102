package security

import (
	"net/http"
	"strings"

	"github.com/noah-isme/hospital-opd/internal/common"
)

// AdminToken guards operator endpoints with a static bearer token. An empty
// token disables the routes entirely.
type AdminToken struct {
	Token string
}

// Middleware rejects requests without the configured token.
func (a AdminToken) Middleware(next http.Handler) http.Handler {
	expected := strings.TrimSpace(a.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if expected == "" {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "not found", nil)
			return
		}
		auth := strings.TrimSpace(r.Header.Get("Authorization"))
		if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "admin token required", nil)
			return
		}
		token := strings.TrimSpace(auth[7:])
		if !common.EqualSecret(token, expected) {
			common.JSONError(w, http.StatusForbidden, "FORBIDDEN", "invalid admin token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
