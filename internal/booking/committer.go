package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/hospital-opd/internal/apperr"
	"github.com/noah-isme/hospital-opd/internal/hospitalapi"
	"github.com/noah-isme/hospital-opd/internal/obs"
	"github.com/noah-isme/hospital-opd/internal/payment"
)

var (
	// ErrNotPaid rejects a commit whose status is not a success.
	ErrNotPaid = errors.New("booking: payment status is not a success")
	// ErrTransactionMismatch rejects a status that belongs to another transaction.
	ErrTransactionMismatch = errors.New("booking: status transaction does not match the payment request")
	// ErrOutcomeUnknown reports a transaction an earlier attempt handed to
	// the booking service without recording the answer. Calling the service
	// again could book the slot twice.
	ErrOutcomeUnknown = errors.New("booking: earlier commit outcome unknown")
)

// API is the remote booking service.
type API interface {
	CommitBooking(ctx context.Context, in hospitalapi.BookingInput) (hospitalapi.BookingResponse, error)
}

// Locker runs fn while holding a cross-process lock on key.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Commit is a paid appointment ready to be recorded.
type Commit struct {
	MerchantTransactionID string
	// PaymentID is the provider-side transaction id when one is known.
	PaymentID string
	Intent    payment.Intent
	Status    payment.Status
}

// Committer records a booking after a successful payment. Commits sharing a
// merchant transaction id serialise on a lock; the later one finds the
// stored record and returns it without calling the service again. A record
// the service accepted but the store refused is held until a retry saves it;
// another process finds the claim instead and gets ErrOutcomeUnknown, so the
// service is never asked twice for the same transaction.
type Committer struct {
	API     API
	Locker  Locker
	Records RecordStore
	LockTTL time.Duration
	Logger  zerolog.Logger

	unsaved sync.Map // merchant transaction id -> Record
}

// Commit records the appointment. created is false when an earlier commit
// for the same transaction already produced the record.
func (c *Committer) Commit(ctx context.Context, in Commit) (rec Record, created bool, err error) {
	if !in.Status.IsSuccess() {
		return Record{}, false, ErrNotPaid
	}
	if in.MerchantTransactionID == "" || in.Status.TransactionID != in.MerchantTransactionID {
		return Record{}, false, fmt.Errorf("%w: status %q, request %q", ErrTransactionMismatch, in.Status.TransactionID, in.MerchantTransactionID)
	}
	if c.API == nil || c.Locker == nil || c.Records == nil {
		return Record{}, false, errors.New("booking: committer not configured")
	}
	ttl := c.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	err = c.Locker.WithLock(ctx, "booking:commit:"+in.MerchantTransactionID, ttl, func(ctx context.Context) error {
		existing, err := c.Records.Get(ctx, in.MerchantTransactionID)
		if err != nil {
			return err
		}
		if existing != nil {
			rec = *existing
			return nil
		}
		if held, ok := c.unsaved.Load(in.MerchantTransactionID); ok {
			rec = held.(Record)
		} else {
			rec, err = c.callOnce(ctx, in)
			if err != nil {
				return err
			}
			c.unsaved.Store(in.MerchantTransactionID, rec)
		}
		if err := c.Records.Put(ctx, rec); err != nil {
			c.Logger.Error().Err(err).
				Str("merchant_transaction_id", rec.MerchantTransactionID).
				Str("opd_id", rec.OpdID).
				Msg("booking_record_unsaved")
			return err
		}
		c.unsaved.Delete(in.MerchantTransactionID)
		created = true
		return nil
	})
	switch {
	case err != nil:
		obs.IncCounter(obs.BookingCommitTotal, "error")
		return Record{}, false, err
	case created:
		obs.IncCounter(obs.BookingCommitTotal, "created")
		c.Logger.Info().
			Str("merchant_transaction_id", rec.MerchantTransactionID).
			Str("opd_id", rec.OpdID).
			Str("token_number", rec.TokenNumber).
			Msg("booking_committed")
	default:
		obs.IncCounter(obs.BookingCommitTotal, "existing")
		c.Logger.Debug().Str("merchant_transaction_id", rec.MerchantTransactionID).Msg("booking_already_committed")
	}
	return rec, created, nil
}

// callOnce calls the booking service under a claim. A failed call releases
// the claim so a later attempt may try again; a successful one leaves it in
// place until Put stores the record.
func (c *Committer) callOnce(ctx context.Context, in Commit) (Record, error) {
	claimed, err := c.Records.Claim(ctx, in.MerchantTransactionID)
	if err != nil {
		return Record{}, err
	}
	if !claimed {
		c.Logger.Error().
			Str("merchant_transaction_id", in.MerchantTransactionID).
			Msg("booking_outcome_unknown")
		return Record{}, ErrOutcomeUnknown
	}
	rec, err := c.commitRemote(ctx, in)
	if err != nil {
		if relErr := c.Records.Release(context.WithoutCancel(ctx), in.MerchantTransactionID); relErr != nil {
			c.Logger.Warn().Err(relErr).Str("merchant_transaction_id", in.MerchantTransactionID).Msg("booking_claim_release_failed")
		}
		return Record{}, err
	}
	return rec, nil
}

func (c *Committer) commitRemote(ctx context.Context, in Commit) (Record, error) {
	paymentID := in.PaymentID
	if paymentID == "" {
		paymentID = in.MerchantTransactionID
	}
	resp, err := c.API.CommitBooking(ctx, hospitalapi.BookingInput{
		MobileNumber:   in.Intent.MobileNumber,
		PatientID:      in.Intent.PatientID,
		PatientName:    in.Intent.PatientName,
		Amount:         in.Intent.Amount,
		TransactionID:  in.MerchantTransactionID,
		PaymentID:      paymentID,
		Status:         in.Status.MessageCode,
		Message:        in.Status.Message,
		BookingContext: in.Intent.BookingContext(),
	})
	if err != nil {
		return Record{}, err
	}
	if !resp.Response {
		if msg := strings.TrimSpace(resp.Message); msg != "" {
			return Record{}, apperr.ServerMessage(msg)
		}
		return Record{}, apperr.Unknown("booking service returned no record")
	}

	// the status call may already carry the identifiers; the booking answer wins
	rec := Record{
		MerchantTransactionID: in.MerchantTransactionID,
		PaymentID:             paymentID,
		OpdID:                 firstNonEmpty(resp.OpdID.String(), in.Status.OpdID),
		TokenNumber:           firstNonEmpty(resp.TokenNumber.String(), in.Status.TokenNumber),
		OpdDate:               firstNonEmpty(resp.OpdDate, in.Status.RegistrationDate),
		EstimatedTime:         firstNonEmpty(resp.EstimatedTime, in.Status.EstimatedTime),
		Intent:                in.Intent,
		CreatedAt:             time.Now().UTC(),
	}
	return rec, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
