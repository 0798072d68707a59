package booking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rentledger/internal/auth"
	"github.com/mbd888/rentledger/internal/config"
	"github.com/mbd888/rentledger/internal/domain"
	"github.com/mbd888/rentledger/internal/events"
	"github.com/mbd888/rentledger/internal/ledger"
	"github.com/mbd888/rentledger/internal/retry"
	"github.com/mbd888/rentledger/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func date(s string) time.Time {
	t, err := time.Parse(domain.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

type fixture struct {
	svc    *Service
	store  *store.MemoryStore
	wallet *ledger.Service
	rec    *events.Recorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	rec := &events.Recorder{}
	pub := events.NewMulti(quietLogger(), rec)
	wallet := ledger.New(st, quietLogger(), ledger.WithRetryPolicy(retry.Policy{MaxAttempts: 5, BaseDelay: time.Microsecond}))
	opts = append([]Option{WithPublisher(pub), WithPlatformAccount("platform")}, opts...)
	svc := NewService(st, wallet, config.DefaultPolicy(), quietLogger(), opts...)

	ctx := context.Background()
	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.UpsertListing(ctx, &domain.Listing{ID: "L", HostID: "host_1", NightlyRate: 25000, Active: true}); err != nil {
			return err
		}
		if err := tx.UpsertListing(ctx, &domain.Listing{ID: "LA", HostID: "host_2", AgencyID: "agency_1", NightlyRate: 25000, Active: true}); err != nil {
			return err
		}
		return tx.UpsertListing(ctx, &domain.Listing{ID: "OFF", HostID: "host_1", NightlyRate: 1000, Active: false})
	}))
	return &fixture{svc: svc, store: st, wallet: wallet, rec: rec}
}

func TestReserve_PricesServerSide(t *testing.T) {
	f := newFixture(t)

	r, err := f.svc.Reserve(context.Background(), ReserveRequest{
		ListingID: "L", GuestID: "guest_1", StartDate: date("2025-03-01"), EndDate: date("2025-03-04"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationConfirmed, r.Status)
	assert.Equal(t, 3, r.Nights)
	assert.Equal(t, int64(7500), r.FeeAmount)
	assert.Equal(t, int64(82500), r.TotalPrice)
}

func TestReserve_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		req   ReserveRequest
		field string
	}{
		{"end before start", ReserveRequest{ListingID: "L", GuestID: "g", StartDate: date("2025-03-04"), EndDate: date("2025-03-01")}, "endDate"},
		{"zero nights", ReserveRequest{ListingID: "L", GuestID: "g", StartDate: date("2025-03-04"), EndDate: date("2025-03-04")}, "endDate"},
		{"too long", ReserveRequest{ListingID: "L", GuestID: "g", StartDate: date("2025-01-01"), EndDate: date("2025-06-01")}, "endDate"},
		{"bad status", ReserveRequest{ListingID: "L", GuestID: "g", StartDate: date("2025-03-01"), EndDate: date("2025-03-02"), Status: domain.ReservationCompleted}, "status"},
		{"paid without payment", ReserveRequest{ListingID: "L", GuestID: "g", StartDate: date("2025-03-01"), EndDate: date("2025-03-02"), Status: domain.ReservationPaid}, "status"},
		{"inactive listing", ReserveRequest{ListingID: "OFF", GuestID: "g", StartDate: date("2025-03-01"), EndDate: date("2025-03-02")}, "listingId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Reserve(ctx, tt.req)
			require.ErrorIs(t, err, domain.ErrValidation)
			var ve *domain.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	_, err := f.svc.Reserve(ctx, ReserveRequest{ListingID: "nope", GuestID: "g", StartDate: date("2025-03-01"), EndDate: date("2025-03-02")})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReserve_OverlapRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reserve := func(start, end string, status domain.ReservationStatus) error {
		_, err := f.svc.Reserve(ctx, ReserveRequest{ListingID: "L", GuestID: "g", StartDate: date(start), EndDate: date(end), Status: status})
		return err
	}

	require.NoError(t, reserve("2025-03-10", "2025-03-13", ""))
	assert.ErrorIs(t, reserve("2025-03-12", "2025-03-14", ""), domain.ErrDatesUnavailable)
	assert.ErrorIs(t, reserve("2025-03-11", "2025-03-12", domain.ReservationPending), domain.ErrDatesUnavailable)
	assert.NoError(t, reserve("2025-03-13", "2025-03-15", ""), "checkout day is free")
	assert.NoError(t, reserve("2025-03-08", "2025-03-10", ""), "checkin day is free")

	// PENDING requests do not hold dates.
	require.NoError(t, reserve("2025-04-01", "2025-04-03", domain.ReservationPending))
	assert.NoError(t, reserve("2025-04-02", "2025-04-04", ""))
}

func TestReserve_ConcurrentOverlapOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ranges := [][2]string{{"2025-03-01", "2025-03-03"}, {"2025-03-02", "2025-03-05"}}
	errs := make([]error, len(ranges))
	var wg sync.WaitGroup
	for i, rg := range ranges {
		wg.Add(1)
		go func(i int, start, end string) {
			defer wg.Done()
			_, errs[i] = f.svc.Reserve(ctx, ReserveRequest{ListingID: "L", GuestID: "g", StartDate: date(start), EndDate: date(end)})
		}(i, rg[0], rg[1])
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrDatesUnavailable):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
}

func TestReserve_ManyConcurrentSameNight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 20
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Reserve(ctx, ReserveRequest{ListingID: "L", GuestID: "g", StartDate: date("2025-05-01"), EndDate: date("2025-05-02")})
			if err == nil {
				mu.Lock()
				won++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrDatesUnavailable)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
}

func TestReserve_BusyWhenListingLocked(t *testing.T) {
	f := newFixture(t, WithLockWait(10*time.Millisecond))
	ctx := context.Background()

	unlock, err := f.svc.locks.LockContext(ctx, "L")
	require.NoError(t, err)
	defer unlock()

	_, err = f.svc.Reserve(ctx, ReserveRequest{ListingID: "L", GuestID: "g", StartDate: date("2025-03-01"), EndDate: date("2025-03-02")})
	assert.ErrorIs(t, err, domain.ErrBusy)
}

func TestQuote(t *testing.T) {
	f := newFixture(t)
	q, err := f.svc.Quote(context.Background(), "L", date("2025-03-01"), date("2025-03-04"))
	require.NoError(t, err)
	assert.Equal(t, int64(75000), q.Base)
	assert.Equal(t, int64(82500), q.Total)

	_, err = f.svc.Quote(context.Background(), "OFF", date("2025-03-01"), date("2025-03-04"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestReserveAndPayFromWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.wallet.Credit(ctx, "guest_1", domain.ClassWallet, 100000, "top-up", "")
	require.NoError(t, err)

	out, err := f.svc.ReserveAndPayFromWallet(ctx, ReserveRequest{
		ListingID: "LA", GuestID: "guest_1", StartDate: date("2025-03-01"), EndDate: date("2025-03-04"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationPaid, out.Reservation.Status)
	assert.Equal(t, domain.PaymentSuccess, out.Payment.Status)
	assert.True(t, out.Payment.Conserves())

	balances := map[string]int64{"guest_1": 17500, "host_2": 67500, "platform": 11250, "agency_1": 3750}
	for user, want := range balances {
		got, err := f.wallet.CurrentBalance(ctx, user, domain.ClassWallet)
		require.NoError(t, err)
		assert.Equal(t, want, got, user)
	}

	stored, err := f.store.GetPaymentSplit(ctx, out.Payment.ProviderTransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSuccess, stored.Status)
}

func TestReserveAndPayFromWallet_InsufficientFundsLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.wallet.Credit(ctx, "guest_1", domain.ClassWallet, 1000, "top-up", "")
	require.NoError(t, err)

	_, err = f.svc.ReserveAndPayFromWallet(ctx, ReserveRequest{
		ListingID: "L", GuestID: "guest_1", StartDate: date("2025-03-01"), EndDate: date("2025-03-04"),
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	// The rolled-back reservation does not hold the dates.
	_, err = f.svc.Reserve(ctx, ReserveRequest{ListingID: "L", GuestID: "other", StartDate: date("2025-03-01"), EndDate: date("2025-03-04")})
	assert.NoError(t, err)
	host, err := f.wallet.CurrentBalance(ctx, "host_1", domain.ClassWallet)
	require.NoError(t, err)
	assert.Zero(t, host)
}

func TestMarkPaidTx(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, err := f.svc.Reserve(ctx, ReserveRequest{ListingID: "L", GuestID: "g1", StartDate: date("2025-03-01"), EndDate: date("2025-03-04"), Status: domain.ReservationPending})
	require.NoError(t, err)
	confirmed, err := f.svc.Reserve(ctx, ReserveRequest{ListingID: "L", GuestID: "g2", StartDate: date("2025-03-02"), EndDate: date("2025-03-03")})
	require.NoError(t, err)

	markPaid := func(id string) (*domain.Reservation, error) {
		var r *domain.Reservation
		err := f.store.WithTx(ctx, func(tx store.Tx) error {
			var err error
			r, err = f.svc.MarkPaidTx(ctx, tx, id)
			return err
		})
		return r, err
	}

	_, err = markPaid(pending.ID)
	assert.ErrorIs(t, err, domain.ErrDatesUnavailable, "dates were taken while the payment was in flight")

	r, err := markPaid(confirmed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationPaid, r.Status)

	r, err = markPaid(confirmed.ID)
	require.NoError(t, err, "marking paid twice is a no-op")
	assert.Equal(t, domain.ReservationPaid, r.Status)

	_, err = f.svc.Cancel(ctx, auth.Principal{UserID: "g2", Role: auth.RoleGuest}, confirmed.ID)
	require.NoError(t, err)
	_, err = markPaid(confirmed.ID)
	assert.ErrorIs(t, err, domain.ErrStaleState)
}

func TestCancel_Permissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.svc.Reserve(ctx, ReserveRequest{ListingID: "L", GuestID: "guest_1", StartDate: date("2025-03-01"), EndDate: date("2025-03-04")})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, auth.Principal{UserID: "stranger", Role: auth.RoleGuest}, r.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	got, err := f.svc.Cancel(ctx, auth.Principal{UserID: "host_1", Role: auth.RoleHost}, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationCancelled, got.Status)

	_, err = f.svc.Cancel(ctx, auth.System, r.ID)
	assert.ErrorIs(t, err, domain.ErrStaleState, "already cancelled")

	// Cancelled dates are free again.
	_, err = f.svc.Reserve(ctx, ReserveRequest{ListingID: "L", GuestID: "guest_2", StartDate: date("2025-03-02"), EndDate: date("2025-03-03")})
	assert.NoError(t, err)
}

func TestExpireHolds(t *testing.T) {
	f := newFixture(t, WithHoldTTL(30*time.Minute), WithClock(func() time.Time { return time.Now().UTC().Add(time.Hour) }))
	ctx := context.Background()

	held, err := f.svc.Reserve(ctx, ReserveRequest{ListingID: "L", GuestID: "g", StartDate: date("2025-03-01"), EndDate: date("2025-03-04")})
	require.NoError(t, err)
	paid, err := f.svc.Reserve(ctx, ReserveRequest{ListingID: "L", GuestID: "g", StartDate: date("2025-04-01"), EndDate: date("2025-04-04")})
	require.NoError(t, err)
	require.NoError(t, f.store.WithTx(ctx, func(tx store.Tx) error {
		_, err := f.svc.MarkPaidTx(ctx, tx, paid.ID)
		return err
	}))

	n, err := f.svc.ExpireHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetReservation(ctx, held.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationCancelled, got.Status)
	got, err = f.store.GetReservation(ctx, paid.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationPaid, got.Status)

	evs := f.rec.OfType(events.BookingExpired)
	require.Len(t, evs, 1)
	assert.Equal(t, held.ID, evs[0].Data["reservationId"])

	n, err = f.svc.ExpireHolds(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpireHolds_SkipsFreshHolds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Reserve(ctx, ReserveRequest{ListingID: "L", GuestID: "g", StartDate: date("2025-03-01"), EndDate: date("2025-03-04")})
	require.NoError(t, err)

	n, err := f.svc.ExpireHolds(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTimer_StopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	timer := NewTimer(f.svc, quietLogger())
	timer.Interval = 5 * time.Millisecond

	_, err := f.svc.Reserve(context.Background(), ReserveRequest{ListingID: "L", GuestID: "g", StartDate: date("2025-03-01"), EndDate: date("2025-03-04")})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	require.Eventually(t, timer.Running, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
