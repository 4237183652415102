package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/noah-isme/hospital-opd/internal/booking"
	"github.com/noah-isme/hospital-opd/internal/events"
	"github.com/noah-isme/hospital-opd/internal/payment"
)

type stubStore struct {
	flows  []booking.DetailsView
	events []events.Event
	err    error
}

func (s *stubStore) InsertFlow(_ context.Context, view booking.DetailsView) error {
	if s.err != nil {
		return s.err
	}
	s.flows = append(s.flows, view)
	return nil
}

func (s *stubStore) InsertEvent(_ context.Context, ev events.Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *stubStore) ListFlows(context.Context, string, int, int) ([]booking.DetailsView, error) {
	return s.flows, s.err
}

func sampleDetails() booking.TransactionDetails {
	status := payment.Status{Response: true, MessageCode: payment.MessageCodeSuccess, TransactionID: "MT-1"}
	rec := booking.Record{MerchantTransactionID: "MT-1", OpdID: "OPD-1", TokenNumber: "4"}
	return booking.NewTransactionDetails("flow-1", "SUCCEEDED", "MT-1",
		payment.Intent{MobileNumber: "9876543210", Amount: 500, OrderID: "ORD-1"}, &status, &rec, "")
}

func TestServiceRecordDetails(t *testing.T) {
	store := &stubStore{}
	svc := Service{Store: store, Enabled: true, Logger: zerolog.Nop()}

	if err := svc.RecordDetails(context.Background(), sampleDetails()); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(store.flows) != 1 {
		t.Fatalf("expected one stored flow, got %d", len(store.flows))
	}
	got := store.flows[0]
	if got.FlowID != "flow-1" || got.Booking == nil || got.Booking.OpdID != "OPD-1" {
		t.Fatalf("unexpected stored flow: %+v", got)
	}
}

func TestServiceDisabledSkipsStore(t *testing.T) {
	store := &stubStore{err: errors.New("must not be called")}
	svc := Service{Store: store}

	if err := svc.RecordDetails(context.Background(), sampleDetails()); err != nil {
		t.Fatalf("disabled service returned error: %v", err)
	}
	if err := svc.InsertEvent(context.Background(), events.Event{Topic: events.TopicPaymentFailed}); err != nil {
		t.Fatalf("disabled service returned error: %v", err)
	}
}

func TestServiceBacksEventBus(t *testing.T) {
	store := &stubStore{}
	bus := events.Bus{Store: Service{Store: store, Enabled: true}}

	if _, err := bus.Emit(context.Background(), events.TopicPaymentPending, "MT-1", map[string]string{"state": "PENDING"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(store.events) != 1 || store.events[0].AggregateID != "MT-1" {
		t.Fatalf("unexpected events: %+v", store.events)
	}
}

func TestMigrateURL(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@db:5432/opd":   "pgx5://u:p@db:5432/opd",
		"postgresql://u:p@db:5432/opd": "pgx5://u:p@db:5432/opd",
		"pgx5://db/opd":                "pgx5://db/opd",
	}
	for in, want := range cases {
		if got := migrateURL(in); got != want {
			t.Fatalf("migrateURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected up and down migration, got %d files", len(entries))
	}
}
