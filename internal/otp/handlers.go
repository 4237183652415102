package otp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/hospital-opd/internal/apperr"
	"github.com/noah-isme/hospital-opd/internal/common"
	"github.com/noah-isme/hospital-opd/internal/ratelimit"
)

// TokenIssuer issues a session token for a verified mobile number.
type TokenIssuer interface {
	Issue(mobile string) (string, time.Time, error)
}

// PrefillSource returns the last used mobile number of a device.
type PrefillSource interface {
	LastMobile(ctx context.Context, deviceID string) (string, error)
}

// Handler exposes the OTP endpoints.
type Handler struct {
	Verifier    *Verifier
	Tokens      TokenIssuer
	Prefill     PrefillSource
	SendLimiter ratelimit.Limiter
	Validate    *validator.Validate
	Logger      zerolog.Logger
}

type sendRequest struct {
	MobileNumber string `json:"mobileNumber" validate:"required,len=10,numeric"`
}

type verifyRequest struct {
	MobileNumber string `json:"mobileNumber" validate:"required,len=10,numeric"`
	OTPCode      string `json:"otpCode" validate:"required,len=4,numeric"`
}

type sessionView struct {
	MobileNumber string `json:"mobileNumber"`
	State        State  `json:"state"`
	Patients     int    `json:"patients,omitempty"`
	// KnownCode lets the app validate entry locally for the reserved number.
	KnownCode string `json:"knownCode,omitempty"`
}

// Routes mounts the OTP endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/send", h.Send)
	r.Post("/verify", h.Verify)
	r.Get("/prefill", h.LastMobile)
}

// Send handles POST /api/v1/otp/send.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !h.decode(w, r, &req) {
		return
	}
	if h.SendLimiter != nil {
		res, err := h.SendLimiter.Take(r.Context(), "otp:send:"+req.MobileNumber)
		if err != nil {
			h.Logger.Warn().Err(err).Msg("otp_rate_limit_unavailable")
		} else if !ratelimit.WriteHeaders(w, res) {
			return
		}
	}
	session, err := h.Verifier.SendOTP(r.Context(), req.MobileNumber)
	if err != nil {
		h.writeError(w, session, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": view(session)})
}

// Verify handles POST /api/v1/otp/verify. A verified number receives a
// session token.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	session, err := h.Verifier.VerifyOTP(r.Context(), req.MobileNumber, req.OTPCode)
	if err != nil {
		h.writeError(w, session, err)
		return
	}
	if h.Tokens == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "token issuer not configured", nil)
		return
	}
	token, expiresAt, err := h.Tokens.Issue(session.MobileNumber)
	if err != nil {
		h.Logger.Error().Err(err).Msg("otp_issue_token_failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to issue token", nil)
		return
	}
	h.Verifier.Forget(session.MobileNumber)
	common.JSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"session":          view(session),
			"token":            token,
			"token_expires_at": expiresAt,
		},
	})
}

// LastMobile handles GET /api/v1/otp/prefill.
func (h *Handler) LastMobile(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := common.DeviceID(r.Context())
	if !ok || h.Prefill == nil {
		common.JSON(w, http.StatusOK, map[string]any{"data": map[string]string{"mobileNumber": ""}})
		return
	}
	mobile, err := h.Prefill.LastMobile(r.Context(), deviceID)
	if err != nil {
		h.Logger.Warn().Err(err).Msg("otp_prefill_failed")
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]string{"mobileNumber": mobile}})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if h.Verifier == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "otp verifier not configured", nil)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request payload", nil)
		return false
	}
	validate := h.Validate
	if validate == nil {
		validate = validator.New()
	}
	if err := validate.Struct(dst); err != nil {
		common.WriteError(w, apperr.Validation(validationMessage(err)))
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, session Session, err error) {
	if errors.Is(err, ErrSessionSuperseded) {
		common.JSONError(w, http.StatusConflict, "SESSION_SUPERSEDED", "a newer otp was requested for this number", nil)
		return
	}
	if session.State.Failed() {
		appErr, ok := apperr.As(err)
		if ok {
			common.JSON(w, apperr.HTTPStatus(err), map[string]any{
				"error": common.ErrorBody{Code: appErr.Code, Message: appErr.Error()},
				"data":  view(session),
			})
			return
		}
	}
	common.WriteError(w, err)
}

func view(s Session) sessionView {
	return sessionView{
		MobileNumber: s.MobileNumber,
		State:        s.State,
		Patients:     s.Patients,
		KnownCode:    s.KnownCode,
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].Field() {
		case "MobileNumber":
			return "mobile number must be exactly 10 digits"
		case "OTPCode":
			return "otp must be exactly 4 digits"
		}
		return verrs[0].Field() + " is invalid"
	}
	return "invalid request"
}
