package audit

import (
	"net/http"
	"strconv"

	"github.com/noah-isme/hospital-opd/internal/common"
)

// Handler exposes the caller's payment history.
type Handler struct {
	Store Store
}

// List handles GET /api/v1/payments/history.
func (h Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "AUDIT_NOT_CONFIGURED", "payment history is not available", nil)
		return
	}
	mobile, ok := common.MobileNumber(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "verification required", nil)
		return
	}
	limit := atoiDefault(r.URL.Query().Get("limit"), 20)
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := atoiDefault(r.URL.Query().Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}

	rows, err := h.Store.ListFlows(r.Context(), mobile, limit, offset)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_QUERY_FAILED", "unable to fetch payment history", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": rows})
}

func atoiDefault(value string, fallback int) int {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}
