package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/hospital-opd/internal/booking"
	"github.com/noah-isme/hospital-opd/internal/events"
)

// ErrStoreUnavailable indicates the database is not configured.
var ErrStoreUnavailable = errors.New("audit: store unavailable")

// Store defines the persistence operations of the audit trail.
type Store interface {
	InsertFlow(ctx context.Context, view booking.DetailsView) error
	InsertEvent(ctx context.Context, ev events.Event) error
	ListFlows(ctx context.Context, mobile string, limit, offset int) ([]booking.DetailsView, error)
}

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

// InsertFlow stores a finished flow. A flow is written once; repeats are ignored.
func (s *pgStore) InsertFlow(ctx context.Context, view booking.DetailsView) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	doc, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("audit: encode details: %w", err)
	}
	var opdID, token any
	if view.Booking != nil {
		opdID, token = view.Booking.OpdID, view.Booking.TokenNumber
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO payment_flows
    (flow_id, merchant_transaction_id, mobile_number, order_id, outcome, reason, amount, opd_id, token_number, details, finished_at)
VALUES ($1, NULLIF($2, ''), $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11)
ON CONFLICT (flow_id) DO NOTHING`,
		view.FlowID, view.TransactionID, view.Intent.MobileNumber, view.Intent.OrderID, view.Outcome,
		view.Reason, view.Intent.Amount, opdID, token, doc, view.FinishedAt)
	return err
}

// InsertEvent stores a domain event.
func (s *pgStore) InsertEvent(ctx context.Context, ev events.Event) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO domain_events (id, topic, aggregate_id, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5)`, ev.ID, ev.Topic, ev.AggregateID, []byte(ev.Payload), ev.OccurredAt)
	return err
}

// ListFlows returns the caller's finished flows, newest first.
func (s *pgStore) ListFlows(ctx context.Context, mobile string, limit, offset int) ([]booking.DetailsView, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT details FROM payment_flows
WHERE mobile_number = $1 ORDER BY finished_at DESC LIMIT $2 OFFSET $3`, mobile, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []booking.DetailsView
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var view booking.DetailsView
		if err := json.Unmarshal(raw, &view); err != nil {
			return nil, fmt.Errorf("audit: decode details: %w", err)
		}
		out = append(out, view)
	}
	return out, rows.Err()
}
