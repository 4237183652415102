package flow_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/hospital-opd/internal/common"
	"github.com/noah-isme/hospital-opd/internal/flow"
	"github.com/noah-isme/hospital-opd/internal/payment"
)

type sinkStub struct {
	delivered map[string]payment.ProviderResult
}

func (s *sinkStub) Deliver(txnID string, res payment.ProviderResult) bool {
	if s.delivered == nil {
		s.delivered = map[string]payment.ProviderResult{}
	}
	s.delivered[txnID] = res
	return true
}

func newFlowServer(t *testing.T) (*httptest.Server, *flow.Flows, *sinkStub) {
	t.Helper()
	flows := flow.NewFlows(blockingRunner{release: make(chan payment.LaunchOutcome)}, time.Hour, zerolog.Nop())
	t.Cleanup(func() { _ = flows.Shutdown(context.Background()) })
	sink := &sinkStub{}
	h := &flow.Handler{Flows: flows, Results: sink, Logger: zerolog.Nop()}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if mobile := req.Header.Get("X-Test-Mobile"); mobile != "" {
				req = req.WithContext(common.WithMobileNumber(req.Context(), mobile))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/api/v1/payments/flows", h.Routes)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, flows, sink
}

func doJSON(t *testing.T, method, url, mobile string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if mobile != "" {
		req.Header.Set("X-Test-Mobile", mobile)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func startFlow(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	intent := sampleIntent()
	intent.MobileNumber = ""
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/payments/flows", "9876543210", intent)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := body["data"].(map[string]any)["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestStartAndGetFlow(t *testing.T) {
	srv, _, _ := newFlowServer(t)
	id := startFlow(t, srv)

	require.Eventually(t, func() bool {
		resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/payments/flows/"+id, "9876543210", nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		return body["data"].(map[string]any)["state"] == string(flow.StateAwaitingExternalResult)
	}, time.Second, 10*time.Millisecond)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/payments/flows/"+id, "9999999999", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartFlowRequiresVerifiedCaller(t *testing.T) {
	srv, _, _ := newFlowServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/payments/flows", "", sampleIntent())
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/payments/flows", "1234567890", sampleIntent())
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStartFlowValidatesIntent(t *testing.T) {
	srv, _, _ := newFlowServer(t)
	intent := sampleIntent()
	intent.Amount = 0
	intent.DoctorID = ""

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/payments/flows", "9876543210", intent)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errBody := body["error"].(map[string]any)
	require.Equal(t, "VALIDATION_ERROR", errBody["code"])
	require.Contains(t, errBody["message"], "Amount")
	require.Contains(t, errBody["message"], "DoctorID")
}

func TestReportResultDeliversToTransaction(t *testing.T) {
	srv, flows, sink := newFlowServer(t)
	id := startFlow(t, srv)
	require.Eventually(t, func() bool {
		snap, _ := flows.Get(id)
		return snap.TransactionID != ""
	}, time.Second, 5*time.Millisecond)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/payments/flows/"+id+"/result", "9876543210",
		map[string]any{"resultCode": "ok", "data": map[string]string{"transactionId": "T-1"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, true, body["data"].(map[string]any)["delivered"])
	require.Equal(t, payment.ResultOK, sink.delivered["MT-"+id].ResultCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/payments/flows/"+id+"/result", "9876543210", map[string]any{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteCancelsFlow(t *testing.T) {
	srv, flows, _ := newFlowServer(t)
	id := startFlow(t, srv)
	require.Eventually(t, func() bool {
		snap, _ := flows.Get(id)
		return snap.State == flow.StateAwaitingExternalResult
	}, time.Second, 5*time.Millisecond)

	resp, _ := doJSON(t, http.MethodDelete, srv.URL+"/api/v1/payments/flows/"+id, "9876543210", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	snap, err := flows.Wait(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, flow.StateCancelled, snap.State)
	require.True(t, snap.Done)
}
