package payment_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/hospital-opd/internal/common"
	"github.com/noah-isme/hospital-opd/internal/hospitalapi"
	"github.com/noah-isme/hospital-opd/internal/payment"
)

func encodedPayload(t *testing.T, txnID string) string {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"merchantId": "M1", "merchantTransactionId": txnID})
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func newPhonePe(t *testing.T, handler http.HandlerFunc) (*payment.PhonePe, *payment.Callbacks) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	callbacks := payment.NewCallbacks()
	p := &payment.PhonePe{
		HTTP:      hospitalapi.NewResilientClient(srv.Client(), nil, time.Second, nil),
		BaseURL:   srv.URL,
		Callbacks: callbacks,
		Logger:    zerolog.Nop(),
	}
	require.NoError(t, p.Initialize(context.Background(), "sandbox", payment.Credentials{MerchantID: "M1", SaltKey: "salt"}))
	return p, callbacks
}

func TestPhonePeInitializeValidates(t *testing.T) {
	p := &payment.PhonePe{HTTP: hospitalapi.NewResilientClient(http.DefaultClient, nil, time.Second, nil), Callbacks: payment.NewCallbacks()}
	require.Error(t, p.Initialize(context.Background(), "MARS", payment.Credentials{MerchantID: "M1"}))
	require.Error(t, p.Initialize(context.Background(), payment.EnvUAT, payment.Credentials{}))
	require.NoError(t, p.Initialize(context.Background(), payment.EnvUAT, payment.Credentials{MerchantID: "M1"}))

	_, err := (&payment.PhonePe{}).Start(context.Background(), &payment.LaunchIntent{}, nil)
	require.ErrorIs(t, err, payment.ErrNotInitialized)
}

func TestPhonePeBuildIntent(t *testing.T) {
	p := &payment.PhonePe{}

	intent, err := p.BuildIntent(encodedPayload(t, "MT-9"), "sum###1", "/pg/v1/pay")
	require.NoError(t, err)
	require.Equal(t, "MT-9", intent.TransactionID)
	require.Equal(t, "/pg/v1/pay", intent.Endpoint)

	intent, err = p.BuildIntent(encodedPayload(t, ""), "sum###1", "/pg/v1/pay")
	require.NoError(t, err)
	require.Nil(t, intent)

	intent, err = p.BuildIntent(encodedPayload(t, "MT-9"), "", "/pg/v1/pay")
	require.NoError(t, err)
	require.Nil(t, intent)

	_, err = p.BuildIntent("%%%", "sum###1", "/pg/v1/pay")
	require.Error(t, err)
}

func TestPhonePeStartReturnsRedirect(t *testing.T) {
	p, callbacks := newPhonePe(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/pg/v1/pay", r.URL.Path)
		require.Equal(t, "sum###1", r.Header.Get("X-VERIFY"))
		require.Equal(t, "M1", r.Header.Get("X-MERCHANT-ID"))
		body, _ := io.ReadAll(r.Body)
		require.Contains(t, string(body), `"request"`)
		_, _ = w.Write([]byte(`{"success":true,"code":"PAYMENT_INITIATED","data":{"instrumentResponse":{"redirectInfo":{"url":"https://pay.example/checkout"}}}}`))
	})

	intent := &payment.LaunchIntent{Endpoint: "/pg/v1/pay", PayloadBase64: encodedPayload(t, "MT-1"), Checksum: "sum###1", TransactionID: "MT-1"}
	got := make(chan payment.ProviderResult, 1)
	handoff, err := p.Start(context.Background(), intent, func(res payment.ProviderResult) { got <- res })
	require.NoError(t, err)
	require.Equal(t, "https://pay.example/checkout", handoff.RedirectURL)
	require.True(t, callbacks.Waiting("MT-1"))

	require.True(t, callbacks.Deliver("MT-1", payment.ProviderResult{ResultCode: payment.ResultOK}))
	require.Equal(t, payment.ResultOK, (<-got).ResultCode)
	require.False(t, callbacks.Deliver("MT-1", payment.ProviderResult{ResultCode: payment.ResultOK}))
}

func TestPhonePeStartRejectedUnregisters(t *testing.T) {
	p, callbacks := newPhonePe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success":false,"code":"BAD_REQUEST","message":"Invalid checksum"}`))
	})

	intent := &payment.LaunchIntent{Endpoint: "/pg/v1/pay", TransactionID: "MT-2"}
	_, err := p.Start(context.Background(), intent, func(payment.ProviderResult) {})
	require.EqualError(t, err, "Invalid checksum")
	require.False(t, callbacks.Waiting("MT-2"))
}

func callbackBody(t *testing.T, code string, success bool, txnID string) (string, []byte) {
	t.Helper()
	inner, err := json.Marshal(map[string]any{
		"success": success,
		"code":    code,
		"message": "done",
		"data":    map[string]string{"merchantTransactionId": txnID, "transactionId": "T-" + txnID, "state": "COMPLETED"},
	})
	require.NoError(t, err)
	response := base64.StdEncoding.EncodeToString(inner)
	body, err := json.Marshal(map[string]string{"response": response})
	require.NoError(t, err)
	return response, body
}

func TestPhonePeVerifyCallback(t *testing.T) {
	p, _ := newPhonePe(t, func(http.ResponseWriter, *http.Request) {})
	response, body := callbackBody(t, "PAYMENT_SUCCESS", true, "MT-3")

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(string(body)))
	req.Header.Set("X-VERIFY", common.Sha256Hex(response, "salt")+"###1")
	txnID, res, err := p.VerifyCallback(req, body)
	require.NoError(t, err)
	require.Equal(t, "MT-3", txnID)
	require.Equal(t, payment.ResultOK, res.ResultCode)
	require.Equal(t, "T-MT-3", res.Data["transactionId"])

	req.Header.Set("X-VERIFY", "forged###1")
	_, _, err = p.VerifyCallback(req, body)
	require.EqualError(t, err, "invalid signature")
}

func TestPhonePeRejectsCallbackWithoutSaltKey(t *testing.T) {
	p := &payment.PhonePe{HTTP: hospitalapi.NewResilientClient(http.DefaultClient, nil, time.Second, nil), Callbacks: payment.NewCallbacks()}
	require.NoError(t, p.Initialize(context.Background(), payment.EnvUAT, payment.Credentials{MerchantID: "M1"}))
	response, body := callbackBody(t, "PAYMENT_SUCCESS", true, "MT-7")

	for _, signature := range []string{"", common.Sha256Hex(response, "") + "###1"} {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(string(body)))
		req.Header.Set("X-VERIFY", signature)
		_, _, err := p.VerifyCallback(req, body)
		require.ErrorIs(t, err, payment.ErrCallbackUnverifiable)
	}
}

func TestPhonePeStartReleasesCallbackWhenContextEnds(t *testing.T) {
	p, callbacks := newPhonePe(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"code":"PAYMENT_INITIATED"}`))
	})

	ctx, cancel := context.WithCancel(context.Background())
	intent := &payment.LaunchIntent{Endpoint: "/pg/v1/pay", PayloadBase64: encodedPayload(t, "MT-8"), Checksum: "sum###1", TransactionID: "MT-8"}
	_, err := p.Start(ctx, intent, func(payment.ProviderResult) { t.Error("late result delivered") })
	require.NoError(t, err)
	require.True(t, callbacks.Waiting("MT-8"))

	cancel()
	require.Eventually(t, func() bool { return !callbacks.Waiting("MT-8") }, time.Second, 5*time.Millisecond)
	require.False(t, callbacks.Deliver("MT-8", payment.ProviderResult{ResultCode: payment.ResultOK}))
}

func TestPhonePeCallbackResultCodes(t *testing.T) {
	p, _ := newPhonePe(t, func(http.ResponseWriter, *http.Request) {})
	cases := map[string]payment.ResultCode{
		"PAYMENT_SUCCESS":   payment.ResultOK,
		"PAYMENT_CANCELLED": payment.ResultCancelled,
		"PAYMENT_ERROR":     "PAYMENT_ERROR",
	}
	for code, want := range cases {
		response, body := callbackBody(t, code, true, "MT-4")
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("X-VERIFY", common.Sha256Hex(response, "salt")+"###1")
		_, res, err := p.VerifyCallback(req, body)
		require.NoError(t, err, code)
		require.Equal(t, want, res.ResultCode, code)
	}
}
