package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/hospital-opd/internal/common"
	"github.com/noah-isme/hospital-opd/internal/hospitalapi"
)

// PhonePe environments.
const (
	EnvSandbox    = "SANDBOX"
	EnvUAT        = "UAT"
	EnvProduction = "PRODUCTION"
)

var phonePeHosts = map[string]string{
	EnvSandbox:    "https://api-preprod.phonepe.com/apis/pg-sandbox",
	EnvUAT:        "https://api-preprod.phonepe.com/apis/pg-sandbox",
	EnvProduction: "https://api.phonepe.com/apis/hermes",
}

// ErrNotInitialized is returned by PhonePe before Initialize succeeded.
var ErrNotInitialized = errors.New("payment: capability not initialized")

// ErrCallbackUnverifiable rejects callbacks while no salt key is configured.
var ErrCallbackUnverifiable = errors.New("payment: callback verification not configured")

// PhonePe is a hosted-checkout Capability. Start posts the server-built
// payload to the provider and returns the checkout redirect; the result
// arrives later through VerifyCallback or an app report, routed by Callbacks.
type PhonePe struct {
	HTTP      hospitalapi.Doer
	BaseURL   string
	Callbacks *Callbacks
	Logger    zerolog.Logger

	mu    sync.RWMutex
	ready bool
	host  string
	creds Credentials
}

// Initialize implements Capability.
func (p *PhonePe) Initialize(_ context.Context, env string, creds Credentials) error {
	env = strings.ToUpper(strings.TrimSpace(env))
	host, ok := phonePeHosts[env]
	if !ok {
		return fmt.Errorf("payment: unknown phonepe environment %q", env)
	}
	if strings.TrimSpace(creds.MerchantID) == "" {
		return errors.New("payment: merchant id is required")
	}
	if p.HTTP == nil || p.Callbacks == nil {
		return errors.New("payment: phonepe http client and callbacks are required")
	}
	if base := strings.TrimSpace(p.BaseURL); base != "" {
		host = strings.TrimRight(base, "/")
	}
	if creds.SaltIndex == "" {
		creds.SaltIndex = "1"
	}
	p.mu.Lock()
	p.ready = true
	p.host = host
	p.creds = creds
	p.mu.Unlock()
	return nil
}

type phonePePayload struct {
	MerchantID            string `json:"merchantId"`
	MerchantTransactionID string `json:"merchantTransactionId"`
}

// BuildIntent implements Capability. The payload must decode to a JSON
// document carrying the merchant transaction id.
func (p *PhonePe) BuildIntent(payloadBase64, checksum, endpoint string) (*LaunchIntent, error) {
	if payloadBase64 == "" || checksum == "" || endpoint == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(payloadBase64)
	if err != nil {
		return nil, fmt.Errorf("decode payment payload: %w", err)
	}
	var payload phonePePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parse payment payload: %w", err)
	}
	if payload.MerchantTransactionID == "" {
		return nil, nil
	}
	return &LaunchIntent{
		Endpoint:      endpoint,
		PayloadBase64: payloadBase64,
		Checksum:      checksum,
		TransactionID: payload.MerchantTransactionID,
	}, nil
}

type phonePeResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    struct {
		MerchantTransactionID string `json:"merchantTransactionId"`
		TransactionID         string `json:"transactionId"`
		State                 string `json:"state"`
		InstrumentResponse    struct {
			RedirectInfo struct {
				URL string `json:"url"`
			} `json:"redirectInfo"`
		} `json:"instrumentResponse"`
	} `json:"data"`
}

// Start implements Capability.
func (p *PhonePe) Start(ctx context.Context, intent *LaunchIntent, onResult func(ProviderResult)) (Handoff, error) {
	p.mu.RLock()
	ready, host, creds := p.ready, p.host, p.creds
	p.mu.RUnlock()
	if !ready {
		return Handoff{}, ErrNotInitialized
	}
	if intent == nil {
		return Handoff{}, errors.New("payment: nil intent")
	}

	body, err := json.Marshal(map[string]string{"request": intent.PayloadBase64})
	if err != nil {
		return Handoff{}, err
	}
	url := host + "/" + strings.TrimLeft(intent.Endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return Handoff{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-VERIFY", intent.Checksum)
	req.Header.Set("X-MERCHANT-ID", creds.MerchantID)

	// registered before the call so a fast callback is not lost; it lives
	// only as long as ctx
	unregister := p.Callbacks.Register(intent.TransactionID, onResult)
	context.AfterFunc(ctx, unregister)
	resp, err := p.HTTP.Do(ctx, req)
	if err != nil {
		unregister()
		return Handoff{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	var out phonePeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		unregister()
		return Handoff{}, fmt.Errorf("decode provider response: %w", err)
	}
	if resp.StatusCode >= 300 || !out.Success {
		unregister()
		msg := strings.TrimSpace(out.Message)
		if msg == "" {
			msg = fmt.Sprintf("provider rejected payment (%d %s)", resp.StatusCode, out.Code)
		}
		return Handoff{}, errors.New(msg)
	}
	p.Logger.Info().
		Str("merchant_transaction_id", intent.TransactionID).
		Msg("payment_handoff")
	return Handoff{
		TransactionID: intent.TransactionID,
		RedirectURL:   out.Data.InstrumentResponse.RedirectInfo.URL,
	}, nil
}

// VerifyCallback authenticates a provider server-to-server callback and
// returns the transaction it concerns. X-VERIFY must equal
// sha256(response + saltKey) + "###" + saltIndex; without a salt key no
// callback is accepted.
func (p *PhonePe) VerifyCallback(r *http.Request, body []byte) (string, ProviderResult, error) {
	var envelope struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Response == "" {
		return "", ProviderResult{}, errors.New("missing response payload")
	}
	p.mu.RLock()
	creds := p.creds
	p.mu.RUnlock()
	if creds.SaltKey == "" {
		return "", ProviderResult{}, ErrCallbackUnverifiable
	}
	expected := common.Sha256Hex(envelope.Response, creds.SaltKey) + "###" + creds.SaltIndex
	if !common.EqualSecret(r.Header.Get("X-VERIFY"), expected) {
		return "", ProviderResult{}, errors.New("invalid signature")
	}
	raw, err := base64.StdEncoding.DecodeString(envelope.Response)
	if err != nil {
		return "", ProviderResult{}, fmt.Errorf("decode callback: %w", err)
	}
	var decoded phonePeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", ProviderResult{}, fmt.Errorf("parse callback: %w", err)
	}
	txnID := decoded.Data.MerchantTransactionID
	if txnID == "" {
		return "", ProviderResult{}, errors.New("callback missing merchant transaction id")
	}
	return txnID, ProviderResult{
		ResultCode: resultCodeFor(decoded.Code, decoded.Success),
		Data: map[string]string{
			"code":          decoded.Code,
			"message":       decoded.Message,
			"transactionId": decoded.Data.TransactionID,
			"state":         decoded.Data.State,
		},
	}, nil
}

func resultCodeFor(code string, success bool) ResultCode {
	switch strings.ToUpper(code) {
	case "PAYMENT_SUCCESS":
		if success {
			return ResultOK
		}
	case "PAYMENT_CANCELLED", "USER_CANCELLED", "USER_CANCEL":
		return ResultCancelled
	}
	if code == "" {
		return "UNKNOWN"
	}
	return ResultCode(strings.ToUpper(code))
}
