// Package audit keeps the trail of finished payment flows and the domain
// events they emitted.
package audit

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/noah-isme/hospital-opd/internal/booking"
	"github.com/noah-isme/hospital-opd/internal/events"
)

// Service persists finished flows and events when auditing is enabled.
type Service struct {
	Store   Store
	Enabled bool
	Logger  zerolog.Logger
}

// RecordDetails stores the snapshot of a finished flow.
func (s Service) RecordDetails(ctx context.Context, d booking.TransactionDetails) error {
	if !s.Enabled {
		return nil
	}
	if s.Store == nil {
		return errors.New("audit: store not configured")
	}
	if d.FlowID() == "" {
		return errors.New("audit: flow id is required")
	}
	if err := s.Store.InsertFlow(ctx, d.View()); err != nil {
		return err
	}
	s.Logger.Debug().Str("flow_id", d.FlowID()).Str("outcome", d.Outcome()).Msg("audit_flow_recorded")
	return nil
}

// InsertEvent stores a domain event. It lets the event bus use the
// service as its store.
func (s Service) InsertEvent(ctx context.Context, ev events.Event) error {
	if !s.Enabled {
		return nil
	}
	if s.Store == nil {
		return errors.New("audit: store not configured")
	}
	return s.Store.InsertEvent(ctx, ev)
}
