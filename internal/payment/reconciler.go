package payment

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/hospital-opd/internal/apperr"
	"github.com/noah-isme/hospital-opd/internal/hospitalapi"
	"github.com/noah-isme/hospital-opd/internal/obs"
	"github.com/noah-isme/hospital-opd/internal/resilience"
)

// StatusSource is the remote payment status service.
type StatusSource interface {
	PaymentStatus(ctx context.Context, q hospitalapi.StatusQuery) (hospitalapi.StatusResponse, error)
}

// Reconciler fetches the authoritative status of a transaction. Concurrent
// queries for one transaction share a single remote call.
type Reconciler struct {
	Source StatusSource
	Logger zerolog.Logger

	group singleflight.Group
}

// GetStatus queries the status of merchantTransactionID. Transport failures
// are returned as errors, never folded into a failure classification.
func (r *Reconciler) GetStatus(ctx context.Context, merchantTransactionID string, intent Intent) (Status, error) {
	ch := r.group.DoChan(merchantTransactionID, func() (any, error) {
		// shared by every waiter, so not bound to the first caller's context
		callCtx := context.WithoutCancel(ctx)
		resp, err := r.Source.PaymentStatus(callCtx, hospitalapi.StatusQuery{
			MerchantTransactionID: merchantTransactionID,
			BookingContext:        intent.BookingContext(),
		})
		if err != nil {
			return Status{}, err
		}
		status := StatusFromWire(resp)
		if status.TransactionID == "" {
			status.TransactionID = merchantTransactionID
		}
		return status, nil
	})
	select {
	case <-ctx.Done():
		return Status{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			obs.IncCounter(obs.PaymentReconcileAttempts, apperr.Kind(res.Err))
			return Status{}, res.Err
		}
		status := res.Val.(Status)
		obs.IncCounter(obs.PaymentReconcileAttempts, string(status.Classify()))
		return status, nil
	}
}

// RetryPolicy bounds reconciliation retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	Jitter      float64
}

// Reconcile calls GetStatus, retrying transient failures with exponential
// backoff. It returns the last error once attempts are exhausted or a
// failure is not transient; the caller decides what an unknown status means.
func (r *Reconciler) Reconcile(ctx context.Context, merchantTransactionID string, intent Intent, policy RetryPolicy) (Status, int, error) {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	base := policy.BaseBackoff
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		status, err := r.GetStatus(ctx, merchantTransactionID, intent)
		if err == nil {
			return status, attempt, nil
		}
		if ctx.Err() != nil {
			return Status{}, attempt, ctx.Err()
		}
		lastErr = err
		if !apperr.IsTransient(err) {
			return Status{}, attempt, err
		}
		if attempt == attempts {
			break
		}
		wait := resilience.Backoff(base, attempt, policy.Jitter)
		r.Logger.Warn().
			Str("merchant_transaction_id", merchantTransactionID).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Err(err).
			Msg("payment_reconcile_retry")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Status{}, attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return Status{}, attempts, lastErr
}
