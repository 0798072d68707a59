package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rentledger/internal/auth"
	"github.com/mbd888/rentledger/internal/booking"
	"github.com/mbd888/rentledger/internal/config"
	"github.com/mbd888/rentledger/internal/domain"
	"github.com/mbd888/rentledger/internal/events"
	"github.com/mbd888/rentledger/internal/ledger"
	"github.com/mbd888/rentledger/internal/provider"
	"github.com/mbd888/rentledger/internal/retry"
	"github.com/mbd888/rentledger/internal/store"
)

var (
	guest  = auth.Principal{UserID: "guest_1", Role: auth.RoleGuest}
	tenant = auth.Principal{UserID: "tenant_1", Role: auth.RoleTenant}
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
	svc      *Service
	store    *store.MemoryStore
	wallet   *ledger.Service
	bookings *booking.Service
	sandbox  *provider.Sandbox
	rec      *events.Recorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	rec := &events.Recorder{}
	pub := events.NewMulti(quietLogger(), rec)
	policy := config.DefaultPolicy()
	wallet := ledger.New(st, quietLogger(), ledger.WithRetryPolicy(retry.Policy{MaxAttempts: 5, BaseDelay: time.Microsecond}))
	bookings := booking.NewService(st, wallet, policy, quietLogger(), booking.WithPlatformAccount("platform"))
	sb := provider.NewSandbox("http://sandbox")
	gw := provider.NewResilient(sb, time.Second, quietLogger(),
		provider.WithRetryPolicy(retry.Policy{MaxAttempts: 3, BaseDelay: time.Microsecond}))

	opts = append([]Option{WithPublisher(pub), WithPlatformAccount("platform")}, opts...)
	svc := NewService(st, wallet, bookings, gw, policy, quietLogger(), opts...)

	ctx := context.Background()
	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.UpsertListing(ctx, &domain.Listing{ID: "L", HostID: "host_1", NightlyRate: 25000, Active: true}); err != nil {
			return err
		}
		if err := tx.UpsertProperty(ctx, &domain.Property{ID: "P", OwnerID: "owner_1", Available: true}); err != nil {
			return err
		}
		return tx.InsertLease(ctx, &domain.Lease{
			ID: "lease_1", PropertyID: "P", OwnerID: "owner_1", TenantID: "tenant_1", AgencyID: "agency_1",
			MonthlyRent: 120000, DepositAmount: 500000, Status: domain.LeasePending, StartDate: date("2025-03-01"),
		})
	}))
	return &fixture{svc: svc, store: st, wallet: wallet, bookings: bookings, sandbox: sb, rec: rec}
}

// reserve books L for guestID. A PAID reservation is held first and marked
// paid afterwards, the way a settled payment would.
func (f *fixture) reserve(t *testing.T, guestID, start, end string, status domain.ReservationStatus) *domain.Reservation {
	t.Helper()
	ctx := context.Background()
	initial := status
	if status == domain.ReservationPaid {
		initial = domain.ReservationConfirmed
	}
	r, err := f.bookings.Reserve(ctx, booking.ReserveRequest{
		ListingID: "L", GuestID: guestID, StartDate: date(start), EndDate: date(end), Status: initial,
	})
	require.NoError(t, err)
	if status == domain.ReservationPaid {
		require.NoError(t, f.store.WithTx(ctx, func(tx store.Tx) error {
			r, err = f.bookings.MarkPaidTx(ctx, tx, r.ID)
			return err
		}))
	}
	return r
}

func (f *fixture) balance(t *testing.T, user string) int64 {
	t.Helper()
	b, err := f.wallet.CurrentBalance(context.Background(), user, domain.ClassWallet)
	require.NoError(t, err)
	return b
}

func (f *fixture) assertConsistent(t *testing.T, users ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.WithTx(ctx, func(tx store.Tx) error {
		for _, u := range users {
			key := domain.BalanceKey{UserID: u, BalanceClass: domain.ClassWallet}
			b, err := tx.GetBalance(ctx, key)
			require.NoError(t, err)
			sum, err := tx.SettledSum(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, sum, b.Balance, "ledger and balance disagree for %s", u)
		}
		return nil
	}))
}

func TestInitiate_PersistsPendingBeforeCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.reserve(t, "guest_1", "2025-03-01", "2025-03-04", "")

	res, err := f.svc.Initiate(ctx, guest, InitiateRequest{BookingID: r.ID, PayerPhone: "+254700000001"})
	require.NoError(t, err)
	assert.Equal(t, int64(82500), res.GrossAmount)
	assert.Contains(t, res.RedirectURL, "http://sandbox/checkout/")

	p, err := f.store.GetPaymentSplit(ctx, res.ProviderTransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, p.Status)
	assert.True(t, p.Conserves())
	assert.Equal(t, int64(71250), p.HostPayout)
	assert.Equal(t, int64(11250), p.PlatformCommission)
	assert.Zero(t, p.AgencyCommission)
	assert.NotEmpty(t, p.ProviderRef)

	require.NoError(t, f.store.WithTx(ctx, func(tx store.Tx) error {
		entries, err := tx.EntriesByExternalRef(ctx, res.ProviderTransactionID)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		for _, e := range entries {
			assert.Equal(t, domain.EntryPending, e.Status)
		}
		return nil
	}))
	assert.Zero(t, f.balance(t, "host_1"), "pending entries do not move balances")
}

func TestInitiate_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.reserve(t, "guest_1", "2025-03-01", "2025-03-04", "")
	paid := f.reserve(t, "guest_1", "2025-04-01", "2025-04-04", domain.ReservationPaid)

	_, err := f.svc.Initiate(ctx, guest, InitiateRequest{})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.Initiate(ctx, guest, InitiateRequest{BookingID: r.ID, LeaseID: "lease_1"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.Initiate(ctx, guest, InitiateRequest{BookingID: r.ID, PayerPhone: "0700"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.Initiate(ctx, auth.Principal{UserID: "guest_2", Role: auth.RoleGuest}, InitiateRequest{BookingID: r.ID})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.svc.Initiate(ctx, guest, InitiateRequest{BookingID: paid.ID})
	assert.ErrorIs(t, err, domain.ErrStaleState)
	_, err = f.svc.Initiate(ctx, guest, InitiateRequest{LeaseID: "lease_1"})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestInitiate_CheckoutFailureFailsPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.reserve(t, "guest_1", "2025-03-01", "2025-03-04", "")

	down := errors.New("connection refused")
	f.sandbox.FailNext(down, down, down)
	_, err := f.svc.Initiate(ctx, guest, InitiateRequest{BookingID: r.ID})
	require.ErrorIs(t, err, domain.ErrProvider)

	failed := f.rec.OfType(events.PaymentFailed)
	require.Len(t, failed, 1)
	txID := failed[0].Data["providerTxId"].(string)
	p, err := f.store.GetPaymentSplit(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, p.Status)
}

func TestCallback_DuplicateSuccessCreditsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.reserve(t, "guest_1", "2025-03-01", "2025-03-04", "")
	res, err := f.svc.Initiate(ctx, guest, InitiateRequest{BookingID: r.ID})
	require.NoError(t, err)
	require.NoError(t, f.sandbox.Complete(res.ProviderTransactionID, provider.StatusSuccess))

	out, err := f.svc.OnProviderCallback(ctx, res.ProviderTransactionID, provider.StatusSuccess)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSuccess, out.Status)
	assert.False(t, out.Replayed)

	out, err = f.svc.OnProviderCallback(ctx, res.ProviderTransactionID, provider.StatusSuccess)
	require.NoError(t, err)
	assert.True(t, out.Replayed)

	assert.Equal(t, int64(71250), f.balance(t, "host_1"))
	assert.Equal(t, int64(11250), f.balance(t, "platform"))
	assert.Equal(t, 1, f.sandbox.Calls("verify"), "replays never reach the provider")
	f.assertConsistent(t, "host_1", "platform", "guest_1")

	got, err := f.store.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationPaid, got.Status)
	assert.Len(t, f.rec.OfType(events.PaymentSettled), 1)
}

func TestCallback_ConcurrentDuplicatesCreditOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.reserve(t, "guest_1", "2025-03-01", "2025-03-04", "")
	res, err := f.svc.Initiate(ctx, guest, InitiateRequest{BookingID: r.ID})
	require.NoError(t, err)
	require.NoError(t, f.sandbox.Complete(res.ProviderTransactionID, provider.StatusSuccess))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.svc.OnProviderCallback(ctx, res.ProviderTransactionID, provider.StatusSuccess)
			assert.NoError(t, err)
			assert.Equal(t, domain.PaymentSuccess, out.Status)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(71250), f.balance(t, "host_1"))
	assert.Equal(t, int64(11250), f.balance(t, "platform"))
	assert.Len(t, f.rec.OfType(events.PaymentSettled), 1)
	f.assertConsistent(t, "host_1", "platform")
}

func TestCallback_UnverifiedSuccessMovesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.reserve(t, "guest_1", "2025-03-01", "2025-03-04", "")
	res, err := f.svc.Initiate(ctx, guest, InitiateRequest{BookingID: r.ID})
	require.NoError(t, err)

	// The provider still reports PENDING.
	out, err := f.svc.OnProviderCallback(ctx, res.ProviderTransactionID, provider.StatusSuccess)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, out.Status)
	assert.Zero(t, f.balance(t, "host_1"))

	got, err := f.store.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationConfirmed, got.Status)
}

func TestCallback_ForgedFailureIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.reserve(t, "guest_1", "2025-03-01", "2025-03-04", "")
	res, err := f.svc.Initiate(ctx, guest, InitiateRequest{BookingID: r.ID})
	require.NoError(t, err)
	require.NoError(t, f.sandbox.Complete(res.ProviderTransactionID, provider.StatusSuccess))

	// The provider collected the money, so a FAILED claim settles it instead.
	out, err := f.svc.OnProviderCallback(ctx, res.ProviderTransactionID, provider.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSuccess, out.Status)
	assert.Equal(t, 1, f.sandbox.Calls("verify"))

	out, err = f.svc.OnProviderCallback(ctx, res.ProviderTransactionID, provider.StatusSuccess)
	require.NoError(t, err)
	assert.True(t, out.Replayed)
	assert.Equal(t, int64(71250), f.balance(t, "host_1"))
	assert.Equal(t, int64(11250), f.balance(t, "platform"))
	f.assertConsistent(t, "host_1", "platform")
}

func TestCallback_FailureClaimOnPendingPaymentWaits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.reserve(t, "guest_1", "2025-03-01", "2025-03-04", "")
	res, err := f.svc.Initiate(ctx, guest, InitiateRequest{BookingID: r.ID})
	require.NoError(t, err)

	out, err := f.svc.OnProviderCallback(ctx, res.ProviderTransactionID, provider.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, out.Status)

	require.NoError(t, f.sandbox.Complete(res.ProviderTransactionID, provider.StatusSuccess))
	out, err = f.svc.OnProviderCallback(ctx, res.ProviderTransactionID, provider.StatusSuccess)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSuccess, out.Status)
	assert.False(t, out.Replayed)
	assert.Equal(t, int64(71250), f.balance(t, "host_1"))
}

func TestCallback_Failure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.reserve(t, "guest_1", "2025-03-01", "2025-03-04", "")
	res, err := f.svc.Initiate(ctx, guest, InitiateRequest{BookingID: r.ID})
	require.NoError(t, err)
	require.NoError(t, f.sandbox.Complete(res.ProviderTransactionID, provider.StatusFailed))

	out, err := f.svc.OnProviderCallback(ctx, res.ProviderTransactionID, provider.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, out.Status)

	// A late success claim cannot resurrect a failed payment.
	require.NoError(t, f.sandbox.Complete(res.ProviderTransactionID, provider.StatusSuccess))
	out, err = f.svc.OnProviderCallback(ctx, res.ProviderTransactionID, provider.StatusSuccess)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, out.Status)
	assert.True(t, out.Replayed)

	assert.Zero(t, f.balance(t, "host_1"))
	require.NoError(t, f.store.WithTx(ctx, func(tx store.Tx) error {
		entries, err := tx.EntriesByExternalRef(ctx, res.ProviderTransactionID)
		require.NoError(t, err)
		for _, e := range entries {
			assert.Equal(t, domain.EntryFailed, e.Status)
		}
		return nil
	}))
	got, err := f.store.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationConfirmed, got.Status, "left cancel-eligible")
}

func TestCallback_RefundsWhenBookingCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.reserve(t, "guest_1", "2025-03-01", "2025-03-04", "")
	res, err := f.svc.Initiate(ctx, guest, InitiateRequest{BookingID: r.ID})
	require.NoError(t, err)
	_, err = f.bookings.Cancel(ctx, guest, r.ID)
	require.NoError(t, err)
	require.NoError(t, f.sandbox.Complete(res.ProviderTransactionID, provider.StatusSuccess))

	out, err := f.svc.OnProviderCallback(ctx, res.ProviderTransactionID, provider.StatusSuccess)
	require.NoError(t, err)
	assert.True(t, out.Refunded)
	assert.Equal(t, domain.PaymentSuccess, out.Status)

	assert.Equal(t, int64(82500), f.balance(t, "guest_1"))
	assert.Zero(t, f.balance(t, "host_1"))
	assert.Zero(t, f.balance(t, "platform"))
	f.assertConsistent(t, "guest_1", "host_1", "platform")
	require.Len(t, f.rec.OfType(events.PaymentRefunded), 1)
}

func TestCallback_RefundsWhenDatesTaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending := f.reserve(t, "guest_1", "2025-03-01", "2025-03-04", domain.ReservationPending)
	res, err := f.svc.Initiate(ctx, guest, InitiateRequest{BookingID: pending.ID})
	require.NoError(t, err)

	f.reserve(t, "guest_2", "2025-03-03", "2025-03-05", "")
	require.NoError(t, f.sandbox.Complete(res.ProviderTransactionID, provider.StatusSuccess))

	out, err := f.svc.OnProviderCallback(ctx, res.ProviderTransactionID, provider.StatusSuccess)
	require.NoError(t, err)
	assert.True(t, out.Refunded)
	assert.Equal(t, int64(82500), f.balance(t, "guest_1"))

	got, err := f.store.GetReservation(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationPending, got.Status)
}

func TestCallback_AmountMismatchFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.reserve(t, "guest_1", "2025-03-01", "2025-03-04", "")
	res, err := f.svc.Initiate(ctx, guest, InitiateRequest{BookingID: r.ID})
	require.NoError(t, err)
	require.NoError(t, f.sandbox.Complete(res.ProviderTransactionID, provider.StatusSuccess))
	f.sandbox.SetAmount(res.ProviderTransactionID, 100)

	out, err := f.svc.OnProviderCallback(ctx, res.ProviderTransactionID, provider.StatusSuccess)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, out.Status)
	assert.Zero(t, f.balance(t, "host_1"))
}

func TestCallback_UnknownTransactions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.OnProviderCallback(ctx, "tx_0123456789abcdef0123456789abcdef", provider.StatusSuccess)
	assert.ErrorIs(t, err, ErrUnknownTransaction)

	out, err := f.svc.OnProviderCallback(ctx, "TX-1", provider.StatusSuccess)
	assert.NoError(t, err, "foreign ids are ignored")
	assert.Nil(t, out)
}

func TestCallback_ProviderDownLeavesPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.reserve(t, "guest_1", "2025-03-01", "2025-03-04", "")
	res, err := f.svc.Initiate(ctx, guest, InitiateRequest{BookingID: r.ID})
	require.NoError(t, err)
	require.NoError(t, f.sandbox.Complete(res.ProviderTransactionID, provider.StatusSuccess))

	down := errors.New("timeout")
	f.sandbox.FailNext(down, down, down)
	_, err = f.svc.OnProviderCallback(ctx, res.ProviderTransactionID, provider.StatusSuccess)
	require.ErrorIs(t, err, domain.ErrProvider)

	p, err := f.store.GetPaymentSplit(ctx, res.ProviderTransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, p.Status)

	// The provider's retry succeeds.
	out, err := f.svc.OnProviderCallback(ctx, res.ProviderTransactionID, provider.StatusSuccess)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSuccess, out.Status)
}

func TestLeasePayment_ActivatesLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Initiate(ctx, tenant, InitiateRequest{LeaseID: "lease_1"})
	require.NoError(t, err)
	assert.Equal(t, int64(120000), res.GrossAmount)
	require.NoError(t, f.sandbox.Complete(res.ProviderTransactionID, provider.StatusSuccess))

	_, err = f.svc.OnProviderCallback(ctx, res.ProviderTransactionID, provider.StatusSuccess)
	require.NoError(t, err)

	assert.Equal(t, int64(108000), f.balance(t, "owner_1"))
	assert.Equal(t, int64(6000), f.balance(t, "platform"))
	assert.Equal(t, int64(6000), f.balance(t, "agency_1"))

	l, err := f.store.GetLease(ctx, "lease_1")
	require.NoError(t, err)
	assert.Equal(t, domain.LeaseActive, l.Status)
	assert.True(t, l.IsActive)
	require.NotNil(t, l.PaidThrough)
	assert.Equal(t, date("2025-04-01"), *l.PaidThrough)

	prop, err := f.store.GetProperty(ctx, "P")
	require.NoError(t, err)
	assert.False(t, prop.Available)

	// A second month advances paid-through again.
	res, err = f.svc.Initiate(ctx, tenant, InitiateRequest{LeaseID: "lease_1"})
	require.NoError(t, err)
	require.NoError(t, f.sandbox.Complete(res.ProviderTransactionID, provider.StatusSuccess))
	_, err = f.svc.OnProviderCallback(ctx, res.ProviderTransactionID, provider.StatusSuccess)
	require.NoError(t, err)
	l, err = f.store.GetLease(ctx, "lease_1")
	require.NoError(t, err)
	assert.Equal(t, date("2025-05-01"), *l.PaidThrough)
	assert.Equal(t, int64(216000), f.balance(t, "owner_1"))
}

func TestGet_Visibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.reserve(t, "guest_1", "2025-03-01", "2025-03-04", "")
	res, err := f.svc.Initiate(ctx, guest, InitiateRequest{BookingID: r.ID})
	require.NoError(t, err)

	for _, p := range []auth.Principal{guest, {UserID: "host_1", Role: auth.RoleHost}, auth.System} {
		_, err := f.svc.Get(ctx, p, res.ProviderTransactionID)
		assert.NoError(t, err, p.UserID)
	}
	_, err = f.svc.Get(ctx, auth.Principal{UserID: "nosy", Role: auth.RoleGuest}, res.ProviderTransactionID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestSweepStale(t *testing.T) {
	later := func() time.Time { return time.Now().UTC().Add(time.Hour) }
	f := newFixture(t, WithClock(later))
	ctx := context.Background()

	r1 := f.reserve(t, "guest_1", "2025-03-01", "2025-03-04", "")
	paid, err := f.svc.Initiate(ctx, guest, InitiateRequest{BookingID: r1.ID})
	require.NoError(t, err)
	require.NoError(t, f.sandbox.Complete(paid.ProviderTransactionID, provider.StatusSuccess))

	r2 := f.reserve(t, "guest_1", "2025-04-01", "2025-04-04", "")
	waiting, err := f.svc.Initiate(ctx, guest, InitiateRequest{BookingID: r2.ID})
	require.NoError(t, err)

	n, err := f.svc.SweepStale(ctx, 15*time.Minute, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(71250), f.balance(t, "host_1"))

	p, err := f.store.GetPaymentSplit(ctx, waiting.ProviderTransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, p.Status, "still within the abandon window")

	n, err = f.svc.SweepStale(ctx, 15*time.Minute, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	p, err = f.store.GetPaymentSplit(ctx, waiting.ProviderTransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, p.Status)
	assert.Equal(t, "abandoned", p.FailureReason)
}

func TestSweepStale_PagesPastLongPendingPayments(t *testing.T) {
	later := func() time.Time { return time.Now().UTC().Add(time.Hour) }
	f := newFixture(t, WithClock(later))
	ctx := context.Background()

	// More than one batch of payments the provider still reports PENDING,
	// all older than the one that has actually failed.
	base := time.Now().UTC().Add(-time.Hour)
	const waiting = 130
	require.NoError(t, f.store.WithTx(ctx, func(tx store.Tx) error {
		for i := 0; i <= waiting; i++ {
			id := fmt.Sprintf("tx_sweep_%03d", i)
			p := &domain.PaymentSplit{
				ID: "pay_" + id, Purpose: domain.PurposeBooking, Reference: "rsv_x", PayerID: "guest_1",
				GrossAmount: 100, HostID: "host_1", HostPayout: 100, ProviderTransactionID: id,
				Status: domain.PaymentPending, CreatedAt: base.Add(time.Duration(i) * time.Second),
			}
			if err := tx.InsertPaymentSplit(ctx, p); err != nil {
				return err
			}
			if _, err := f.sandbox.Checkout(ctx, provider.CheckoutRequest{ProviderTransactionID: id, Amount: 100}); err != nil {
				return err
			}
		}
		return nil
	}))
	newest := fmt.Sprintf("tx_sweep_%03d", waiting)
	require.NoError(t, f.sandbox.Complete(newest, provider.StatusFailed))

	n, err := f.svc.SweepStale(ctx, 15*time.Minute, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, waiting+1, f.sandbox.Calls("verify"), "every stale payment is checked once")

	p, err := f.store.GetPaymentSplit(ctx, newest)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, p.Status)
	p, err = f.store.GetPaymentSplit(ctx, "tx_sweep_000")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, p.Status)
}
