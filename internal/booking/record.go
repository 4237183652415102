// Package booking commits paid OPD appointments exactly once per merchant
// transaction.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/hospital-opd/internal/payment"
)

// Record is a committed appointment: the server-assigned identifiers and
// the inputs that produced them.
type Record struct {
	MerchantTransactionID string         `json:"merchantTransactionId"`
	PaymentID             string         `json:"paymentId,omitempty"`
	OpdID                 string         `json:"opdId"`
	TokenNumber           string         `json:"tokenNumber"`
	OpdDate               string         `json:"opdDate,omitempty"`
	EstimatedTime         string         `json:"estimatedTime,omitempty"`
	Intent                payment.Intent `json:"intent"`
	CreatedAt             time.Time      `json:"createdAt"`
}

// RecordStore keeps committed records keyed by merchant transaction id.
// A claim marks a transaction whose booking call is in flight; Put replaces
// it with the record.
type RecordStore interface {
	// Get returns nil when no record exists.
	Get(ctx context.Context, txnID string) (*Record, error)
	Put(ctx context.Context, rec Record) error
	// Claim reports false when an earlier attempt already holds the claim.
	Claim(ctx context.Context, txnID string) (bool, error)
	Release(ctx context.Context, txnID string) error
}

// RedisRecords stores records as JSON strings.
type RedisRecords struct {
	R      *redis.Client
	Prefix string
	TTL    time.Duration
}

func (s RedisRecords) key(txnID string) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "booking:record:"
	}
	return prefix + txnID
}

func (s RedisRecords) claimKey(txnID string) string {
	return s.key(txnID) + ":claim"
}

func (s RedisRecords) Claim(ctx context.Context, txnID string) (bool, error) {
	ok, err := s.R.SetNX(ctx, s.claimKey(txnID), time.Now().UTC().Format(time.RFC3339), s.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("booking: claim: %w", err)
	}
	return ok, nil
}

func (s RedisRecords) Release(ctx context.Context, txnID string) error {
	if err := s.R.Del(ctx, s.claimKey(txnID)).Err(); err != nil {
		return fmt.Errorf("booking: release claim: %w", err)
	}
	return nil
}

func (s RedisRecords) Get(ctx context.Context, txnID string) (*Record, error) {
	raw, err := s.R.Get(ctx, s.key(txnID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("booking: load record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("booking: decode record: %w", err)
	}
	return &rec, nil
}

func (s RedisRecords) Put(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("booking: encode record: %w", err)
	}
	// records never expire unless a TTL is configured
	_, err = s.R.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.key(rec.MerchantTransactionID), raw, s.TTL)
		p.Del(ctx, s.claimKey(rec.MerchantTransactionID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("booking: store record: %w", err)
	}
	return nil
}
