package flow

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/hospital-opd/internal/apperr"
	"github.com/noah-isme/hospital-opd/internal/common"
	"github.com/noah-isme/hospital-opd/internal/payment"
)

// ResultSink routes app-reported payment results to the waiting launch.
type ResultSink interface {
	Deliver(txnID string, res payment.ProviderResult) bool
}

// Handler exposes payment flows over HTTP. Every route expects the
// verified mobile number on the request context.
type Handler struct {
	Flows    *Flows
	Results  ResultSink
	Validate *validator.Validate
	Logger   zerolog.Logger
}

// Routes mounts the flow endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.Start)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Cancel)
	r.Post("/{id}/result", h.Result)
}

// Start handles POST /api/v1/payments/flows.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	mobile, ok := h.caller(w, r)
	if !ok {
		return
	}
	var intent payment.Intent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request payload", nil)
		return
	}
	if intent.MobileNumber == "" {
		intent.MobileNumber = mobile
	}
	if intent.MobileNumber != mobile {
		common.JSONError(w, http.StatusForbidden, "FORBIDDEN", "mobile number does not match the session", nil)
		return
	}
	if err := h.validator().Struct(intent); err != nil {
		common.WriteError(w, apperr.Validation(validationMessage(err)))
		return
	}
	id, err := h.Flows.Start(r.Context(), mobile, intent)
	if err != nil {
		if errors.Is(err, ErrShuttingDown) {
			common.JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error(), nil)
			return
		}
		common.WriteError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/payments/flows/"+id)
	common.JSON(w, http.StatusAccepted, map[string]any{"data": map[string]any{"id": id, "state": StateIdle}})
}

// Get handles GET /api/v1/payments/flows/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.owned(w, r)
	if !ok {
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": snap})
}

// Cancel handles DELETE /api/v1/payments/flows/{id}: the observer left, so
// the flow stops and late results are dropped. A flow that already holds a
// payment reference ends Pending and is reconciled later.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.owned(w, r)
	if !ok {
		return
	}
	if snap.Done {
		common.JSON(w, http.StatusOK, map[string]any{"data": snap})
		return
	}
	h.Flows.Cancel(snap.ID)
	h.Logger.Info().Str("flow_id", snap.ID).Msg("payment_flow_cancel_requested")
	common.JSON(w, http.StatusAccepted, map[string]any{"data": map[string]any{"id": snap.ID, "cancelled": true}})
}

// Result handles POST /api/v1/payments/flows/{id}/result, where the app
// reports what the external payment app returned.
func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.owned(w, r)
	if !ok {
		return
	}
	var res payment.ProviderResult
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request payload", nil)
		return
	}
	res.ResultCode = payment.ResultCode(strings.ToUpper(strings.TrimSpace(string(res.ResultCode))))
	if err := h.validator().Struct(res); err != nil {
		common.WriteError(w, apperr.Validation("resultCode is required"))
		return
	}
	if snap.TransactionID == "" {
		common.JSONError(w, http.StatusConflict, "FLOW_NOT_LAUNCHED", "payment has not been handed off yet", nil)
		return
	}
	delivered := false
	if !snap.Done && h.Results != nil {
		delivered = h.Results.Deliver(snap.TransactionID, res)
	}
	h.Logger.Info().
		Str("flow_id", snap.ID).
		Str("result_code", string(res.ResultCode)).
		Bool("delivered", delivered).
		Msg("payment_flow_result_reported")
	common.JSON(w, http.StatusAccepted, map[string]any{"data": map[string]any{"delivered": delivered}})
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.Flows == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "payment flows not configured", nil)
		return "", false
	}
	mobile, ok := common.MobileNumber(r.Context())
	if !ok || mobile == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "verification required", nil)
		return "", false
	}
	return mobile, true
}

// owned loads the flow named in the path; flows of other callers are
// reported as missing.
func (h *Handler) owned(w http.ResponseWriter, r *http.Request) (Snapshot, bool) {
	mobile, ok := h.caller(w, r)
	if !ok {
		return Snapshot{}, false
	}
	snap, found := h.Flows.Get(chi.URLParam(r, "id"))
	if !found || snap.Owner != mobile {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "payment flow not found", nil)
		return Snapshot{}, false
	}
	return snap, true
}

func (h *Handler) validator() *validator.Validate {
	if h.Validate != nil {
		return h.Validate
	}
	return validator.New()
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field())
		}
		return "invalid fields: " + strings.Join(fields, ", ")
	}
	return "invalid request"
}
