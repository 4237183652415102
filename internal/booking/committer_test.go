package booking_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/hospital-opd/internal/apperr"
	"github.com/noah-isme/hospital-opd/internal/booking"
	"github.com/noah-isme/hospital-opd/internal/hospitalapi"
	"github.com/noah-isme/hospital-opd/internal/lock"
	"github.com/noah-isme/hospital-opd/internal/payment"
)

type stubAPI struct {
	calls atomic.Int32
	resp  hospitalapi.BookingResponse
	err   error
	delay time.Duration
	mu    sync.Mutex
	last  hospitalapi.BookingInput
}

func (s *stubAPI) CommitBooking(_ context.Context, in hospitalapi.BookingInput) (hospitalapi.BookingResponse, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.last = in
	s.mu.Unlock()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.resp, s.err
}

func newCommitter(t *testing.T, api booking.API) (*booking.Committer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return &booking.Committer{
		API:     api,
		Locker:  lock.Locker{R: rdb, RetryBackoff: 2 * time.Millisecond},
		Records: booking.RedisRecords{R: rdb},
		LockTTL: time.Second,
		Logger:  zerolog.Nop(),
	}, mr
}

func paidCommit(txnID string) booking.Commit {
	return booking.Commit{
		MerchantTransactionID: txnID,
		PaymentID:             "T-" + txnID,
		Intent: payment.Intent{
			MobileNumber: "9876543210",
			Amount:       500,
			PatientID:    "P-1",
			PatientName:  "Asha",
			DoctorName:   "Dr. Rao",
			DoctorID:     "D-7",
			DocTime:      "10:00",
			OpdType:      "GENERAL",
			OrderID:      "ORD-1",
		},
		Status: payment.Status{
			Response:         true,
			MessageCode:      payment.MessageCodeSuccess,
			Message:          "Paid",
			TransactionID:    txnID,
			RegistrationDate: "2026-10-20",
		},
	}
}

func TestCommitRecordsBooking(t *testing.T) {
	api := &stubAPI{resp: hospitalapi.BookingResponse{Response: true, OpdID: "OPD-1", TokenNumber: "12", EstimatedTime: "10:30"}}
	c, mr := newCommitter(t, api)

	rec, created, err := c.Commit(context.Background(), paidCommit("MT-1"))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "OPD-1", rec.OpdID)
	require.Equal(t, "12", rec.TokenNumber)
	require.Equal(t, "2026-10-20", rec.OpdDate)
	require.Equal(t, "10:30", rec.EstimatedTime)
	require.True(t, mr.Exists("booking:record:MT-1"))
	require.False(t, mr.Exists("booking:commit:MT-1"))

	require.Equal(t, "MT-1", api.last.TransactionID)
	require.Equal(t, "T-MT-1", api.last.PaymentID)
	require.Equal(t, payment.MessageCodeSuccess, api.last.Status)
	require.Equal(t, "D-7", api.last.DoctorID)
}

func TestCommitIsIdempotentAcrossConcurrentCallers(t *testing.T) {
	api := &stubAPI{
		resp:  hospitalapi.BookingResponse{Response: true, OpdID: "OPD-2", TokenNumber: "3"},
		delay: 20 * time.Millisecond,
	}
	c, _ := newCommitter(t, api)

	var wg sync.WaitGroup
	var createdCount atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, created, err := c.Commit(context.Background(), paidCommit("MT-2"))
			require.NoError(t, err)
			require.Equal(t, "OPD-2", rec.OpdID)
			if created {
				createdCount.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), api.calls.Load())
	require.Equal(t, int32(1), createdCount.Load())
}

func TestCommitRejectsUnpaidOrForeignStatus(t *testing.T) {
	api := &stubAPI{resp: hospitalapi.BookingResponse{Response: true}}
	c, mr := newCommitter(t, api)

	pending := paidCommit("MT-3")
	pending.Status.MessageCode = payment.MessageCodePending
	_, _, err := c.Commit(context.Background(), pending)
	require.ErrorIs(t, err, booking.ErrNotPaid)

	foreign := paidCommit("MT-3")
	foreign.Status.TransactionID = "MT-other"
	_, _, err = c.Commit(context.Background(), foreign)
	require.ErrorIs(t, err, booking.ErrTransactionMismatch)

	require.Zero(t, api.calls.Load())
	require.False(t, mr.Exists("booking:record:MT-3"))
}

func TestCommitSurfacesServiceFailures(t *testing.T) {
	api := &stubAPI{resp: hospitalapi.BookingResponse{Response: false, Message: "Slot full"}}
	c, mr := newCommitter(t, api)

	_, _, err := c.Commit(context.Background(), paidCommit("MT-4"))
	require.True(t, apperr.Is(err, apperr.CodeServerMessage))
	require.False(t, mr.Exists("booking:record:MT-4"))

	api.resp = hospitalapi.BookingResponse{}
	api.err = apperr.Timeout(errors.New("slow"))
	_, _, err = c.Commit(context.Background(), paidCommit("MT-4"))
	require.True(t, apperr.Is(err, apperr.CodeTimeout))

	// a later attempt can still succeed
	api.err = nil
	api.resp = hospitalapi.BookingResponse{Response: true, OpdID: "OPD-4"}
	rec, created, err := c.Commit(context.Background(), paidCommit("MT-4"))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "OPD-4", rec.OpdID)
}

// flakyRecords refuses the first failPuts writes.
type flakyRecords struct {
	booking.RecordStore
	failPuts atomic.Int32
}

func (f *flakyRecords) Put(ctx context.Context, rec booking.Record) error {
	if f.failPuts.Add(-1) >= 0 {
		return errors.New("store unavailable")
	}
	return f.RecordStore.Put(ctx, rec)
}

func TestCommitRetryAfterStoreFailureDoesNotBookTwice(t *testing.T) {
	api := &stubAPI{resp: hospitalapi.BookingResponse{Response: true, OpdID: "OPD-9", TokenNumber: "12"}}
	committer, _ := newCommitter(t, api)
	store := &flakyRecords{RecordStore: committer.Records}
	store.failPuts.Store(1)
	committer.Records = store

	_, _, err := committer.Commit(context.Background(), paidCommit("MT-STORE"))
	require.Error(t, err)
	require.EqualValues(t, 1, api.calls.Load())

	rec, created, err := committer.Commit(context.Background(), paidCommit("MT-STORE"))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "OPD-9", rec.OpdID)
	require.EqualValues(t, 1, api.calls.Load())

	saved, err := store.Get(context.Background(), "MT-STORE")
	require.NoError(t, err)
	require.NotNil(t, saved)
	require.Equal(t, "12", saved.TokenNumber)

	again, created, err := committer.Commit(context.Background(), paidCommit("MT-STORE"))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, rec.OpdID, again.OpdID)
	require.EqualValues(t, 1, api.calls.Load())
}

func TestCommitElsewhereAfterStoreFailureReportsUnknownOutcome(t *testing.T) {
	api := &stubAPI{resp: hospitalapi.BookingResponse{Response: true, OpdID: "OPD-10"}}
	committer, mr := newCommitter(t, api)
	shared := committer.Records
	store := &flakyRecords{RecordStore: shared}
	store.failPuts.Store(1)
	committer.Records = store

	_, _, err := committer.Commit(context.Background(), paidCommit("MT-ELSE"))
	require.Error(t, err)
	require.True(t, mr.Exists("booking:record:MT-ELSE:claim"))

	// a worker process has no memory of the first attempt
	worker := &booking.Committer{API: api, Locker: committer.Locker, Records: shared, Logger: zerolog.Nop()}
	_, _, err = worker.Commit(context.Background(), paidCommit("MT-ELSE"))
	require.ErrorIs(t, err, booking.ErrOutcomeUnknown)
	require.EqualValues(t, 1, api.calls.Load())

	// the original process still saves the accepted record
	rec, created, err := committer.Commit(context.Background(), paidCommit("MT-ELSE"))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "OPD-10", rec.OpdID)
	require.False(t, mr.Exists("booking:record:MT-ELSE:claim"))

	again, created, err := worker.Commit(context.Background(), paidCommit("MT-ELSE"))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "OPD-10", again.OpdID)
	require.EqualValues(t, 1, api.calls.Load())
}

func TestCommitFailureReleasesClaim(t *testing.T) {
	api := &stubAPI{err: apperr.Timeout(errors.New("slow"))}
	c, mr := newCommitter(t, api)

	_, _, err := c.Commit(context.Background(), paidCommit("MT-REL"))
	require.True(t, apperr.Is(err, apperr.CodeTimeout))
	require.False(t, mr.Exists("booking:record:MT-REL:claim"))
}

func TestTransactionDetailsIsASnapshot(t *testing.T) {
	commit := paidCommit("MT-5")
	rec := booking.Record{MerchantTransactionID: "MT-5", OpdID: "OPD-5"}
	details := booking.NewTransactionDetails("flow-1", "SUCCEEDED", "MT-5", commit.Intent, &commit.Status, &rec, "")

	commit.Status.MessageCode = "CHANGED"
	rec.OpdID = "CHANGED"

	status, ok := details.Status()
	require.True(t, ok)
	require.Equal(t, payment.MessageCodeSuccess, status.MessageCode)
	got, ok := details.Record()
	require.True(t, ok)
	require.Equal(t, "OPD-5", got.OpdID)

	view := details.View()
	require.Equal(t, "flow-1", view.FlowID)
	require.Equal(t, "OPD-5", view.Booking.OpdID)

	empty := booking.NewTransactionDetails("flow-2", "CANCELLED", "", commit.Intent, nil, nil, "")
	_, ok = empty.Record()
	require.False(t, ok)
	require.Nil(t, empty.View().Status)
}
