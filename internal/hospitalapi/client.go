// Package hospitalapi is the HTTP client for the remote hospital services:
// OTP send/verify, payment reference, payment status and booking commit.
//
// Every call is a form-encoded POST answered with JSON. Transport failures are
// converted into the apperr taxonomy before they leave this package.
package hospitalapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/hospital-opd/internal/apperr"
	"github.com/noah-isme/hospital-opd/internal/resilience"
)

// Default resource paths relative to the base URL.
const (
	PathOTP              = "/otp"
	PathPaymentReference = "/opd/payment-reference"
	PathPaymentStatus    = "/opd/payment-status"
	PathBooking          = "/opd/booking"
)

const maxResponseBytes = 1 << 20

// Doer executes an outbound request. resilience.HTTPClient satisfies it.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Client talks to the hospital backend.
type Client struct {
	BaseURL string
	HTTP    Doer
	Logger  zerolog.Logger
}

// New builds a Client. The supplied HTTP client must not retry: none of the
// remote operations are idempotent.
func New(baseURL string, httpClient Doer, logger zerolog.Logger) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    httpClient,
		Logger:  logger.With().Str("component", "hospitalapi").Logger(),
	}
}

// NewHTTPClient returns an instrumented http.Client for the hospital backend.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// NewResilientClient wraps httpClient with the circuit breaker and a single
// attempt per call.
func NewResilientClient(httpClient *http.Client, breaker *resilience.Breaker, timeout time.Duration, logger *zerolog.Logger) resilience.HTTPClient {
	return resilience.HTTPClient{
		Client:      httpClient,
		Breaker:     breaker,
		MaxAttempts: 1,
		Timeout:     timeout,
		Target:      "hospital-api",
		Logger:      logger,
	}
}

// postForm sends form to path and decodes the JSON answer into out. A JSON
// null body leaves out untouched and reports found=false.
func (c *Client) postForm(ctx context.Context, path string, form url.Values, out any) (found bool, err error) {
	if c.HTTP == nil {
		return false, apperr.Unknown("hospital api client not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return false, apperr.Unknown(err.Error())
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.HTTP.Do(ctx, req)
	if err != nil {
		converted := apperr.FromTransport(err)
		c.Logger.Warn().
			Str("path", path).
			Str("kind", apperr.Kind(converted)).
			Dur("elapsed", time.Since(start)).
			Err(err).
			Msg("hospital_api_call_failed")
		return false, converted
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return false, apperr.FromTransport(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.Logger.Warn().
			Str("path", path).
			Int("status", resp.StatusCode).
			Msg("hospital_api_bad_status")
		return false, apperr.ServerError(resp.StatusCode)
	}
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return false, apperr.Serialization(io.ErrUnexpectedEOF)
	}
	if trimmed == "null" {
		return false, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, apperr.Serialization(fmt.Errorf("decode %s: %w", path, err))
	}
	c.Logger.Debug().
		Str("path", path).
		Dur("elapsed", time.Since(start)).
		Msg("hospital_api_call")
	return true, nil
}

// Text is a JSON scalar that the backend sends either as a string or a number.
type Text string

// UnmarshalJSON accepts strings, numbers and null.
func (t *Text) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	switch {
	case raw == "null":
		*t = ""
		return nil
	case strings.HasPrefix(raw, `"`):
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return errors.New("hospitalapi: expected string or number")
		}
		*t = Text(n.String())
		return nil
	}
}

// String returns the scalar as a string.
func (t Text) String() string { return string(t) }
