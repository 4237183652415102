package payment

import (
	"io"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/hospital-opd/internal/common"
)

// CallbackVerifier authenticates provider callbacks.
type CallbackVerifier interface {
	VerifyCallback(r *http.Request, body []byte) (txnID string, res ProviderResult, err error)
}

// Webhook receives provider server-to-server callbacks and routes them to
// the launch waiting on the transaction.
type Webhook struct {
	Provider  string
	Verifier  CallbackVerifier
	Callbacks *Callbacks
	Replay    *redis.Client
	ReplayTTL time.Duration
	Logger    zerolog.Logger
}

// Handle processes POST /api/v1/webhooks/payment/{provider}.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Verifier == nil || h.Callbacks == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	txnID, result, err := h.Verifier.VerifyCallback(r, body)
	if err != nil {
		h.Logger.Warn().Err(err).Str("provider", h.Provider).Msg("payment_webhook_rejected")
		common.JSONError(w, http.StatusUnauthorized, "WEBHOOK_INVALID", err.Error(), nil)
		return
	}
	if h.Replay != nil && h.ReplayTTL > 0 {
		key := common.ScopedKey("wh:"+h.Provider+":", string(body))
		ok, err := h.Replay.SetNX(r.Context(), key, "1", h.ReplayTTL).Result()
		if err != nil {
			common.JSONError(w, http.StatusInternalServerError, "REPLAY_STORE_ERROR", err.Error(), nil)
			return
		}
		if !ok {
			common.JSONError(w, http.StatusConflict, "REPLAY", "duplicate webhook", nil)
			return
		}
	}
	delivered := h.Callbacks.Deliver(txnID, result)
	h.Logger.Info().
		Str("provider", h.Provider).
		Str("merchant_transaction_id", txnID).
		Str("result_code", string(result.ResultCode)).
		Bool("delivered", delivered).
		Msg("payment_webhook")
	status := "accepted"
	if !delivered {
		// nobody is waiting: the flow ended, timed out or never existed here
		status = "ignored"
	}
	common.JSON(w, http.StatusOK, map[string]string{"status": status})
}
