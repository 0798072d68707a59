// Package booking guards listing availability.
//
// A reservation is written only after an overlap check made inside the same
// store unit, under a per-listing lock. Two layers hold that lock: an
// in-process sharded mutex with a bounded wait (ErrBusy when exceeded) and the
// store's own listing lock, which serializes writers across processes.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/mbd888/rentledger/internal/auth"
	"github.com/mbd888/rentledger/internal/config"
	"github.com/mbd888/rentledger/internal/domain"
	"github.com/mbd888/rentledger/internal/events"
	"github.com/mbd888/rentledger/internal/idgen"
	"github.com/mbd888/rentledger/internal/ledger"
	"github.com/mbd888/rentledger/internal/logging"
	"github.com/mbd888/rentledger/internal/metrics"
	"github.com/mbd888/rentledger/internal/pricing"
	"github.com/mbd888/rentledger/internal/store"
	"github.com/mbd888/rentledger/internal/syncutil"
	"github.com/mbd888/rentledger/internal/traces"
)

const (
	// DefaultLockWait is how long a booking waits for the in-process listing
	// lock before failing with domain.ErrBusy.
	DefaultLockWait = 3 * time.Second
	// DefaultHoldTTL is how long an unpaid CONFIRMED reservation keeps its
	// dates before ExpireHolds cancels it.
	DefaultHoldTTL = 30 * time.Minute
)

// ReserveRequest asks for [StartDate, EndDate) on a listing. Status is the
// initial state: PENDING or CONFIRMED (the default). PAID is set only by
// ReserveAndPayFromWallet, after the money has moved.
type ReserveRequest struct {
	ListingID string
	GuestID   string
	StartDate time.Time
	EndDate   time.Time
	Status    domain.ReservationStatus
}

// WalletBooking is the result of a reservation paid from the guest's wallet.
type WalletBooking struct {
	Reservation *domain.Reservation  `json:"reservation"`
	Payment     *domain.PaymentSplit `json:"payment"`
}

// Service manages reservations.
type Service struct {
	store      store.Store
	wallet     *ledger.Service
	policy     config.Policy
	locks      *syncutil.ContextShardedMutex
	lockWait   time.Duration
	holdTTL    time.Duration
	platformID string
	publisher  events.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLockWait bounds how long a booking waits for its listing.
func WithLockWait(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockWait = d
		}
	}
}

// WithHoldTTL sets how long an unpaid CONFIRMED reservation holds its dates.
func WithHoldTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.holdTTL = d
		}
	}
}

// WithPlatformAccount sets the user id that receives platform commission.
func WithPlatformAccount(id string) Option {
	return func(s *Service) { s.platformID = id }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a booking service.
func NewService(st store.Store, wallet *ledger.Service, policy config.Policy, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:      st,
		wallet:     wallet,
		policy:     policy,
		locks:      syncutil.NewContextShardedMutex(),
		lockWait:   DefaultLockWait,
		holdTTL:    DefaultHoldTTL,
		platformID: config.DefaultPlatformAccountID,
		publisher:  events.Nop{},
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the pricing policy in force.
func (s *Service) Policy() config.Policy { return s.policy }

// validate normalizes req. Status must be one of allowed once defaulted.
func (s *Service) validate(req *ReserveRequest, allowed ...domain.ReservationStatus) error {
	if req.ListingID == "" {
		return domain.Invalid("listingId", "is required")
	}
	if req.GuestID == "" {
		return domain.Invalid("guestId", "is required")
	}
	if req.Status == "" {
		req.Status = domain.ReservationConfirmed
	}
	if !slices.Contains(allowed, req.Status) {
		return domain.Invalid("status", "must be PENDING or CONFIRMED")
	}
	req.StartDate = domain.NormalizeDate(req.StartDate)
	req.EndDate = domain.NormalizeDate(req.EndDate)
	return s.validateRange(req.StartDate, req.EndDate)
}

func (s *Service) validateRange(start, end time.Time) error {
	if !start.Before(end) {
		return domain.Invalid("endDate", "must be after startDate")
	}
	if n := domain.Nights(start, end); n > s.policy.MaxStayNights {
		return domain.Invalid("endDate", "stay of %d nights exceeds the maximum of %d", n, s.policy.MaxStayNights)
	}
	return nil
}

// lockListing takes the in-process listing lock, waiting at most lockWait.
func (s *Service) lockListing(ctx context.Context, listingID string) (func(), error) {
	unlock, err := s.locks.LockTimeout(ctx, listingID, s.lockWait)
	if errors.Is(err, syncutil.ErrLockTimeout) {
		return nil, fmt.Errorf("listing %s: %w", listingID, domain.ErrBusy)
	}
	return unlock, err
}

// Quote prices a stay without reserving it.
func (s *Service) Quote(ctx context.Context, listingID string, start, end time.Time) (*pricing.Quote, error) {
	start, end = domain.NormalizeDate(start), domain.NormalizeDate(end)
	if err := s.validateRange(start, end); err != nil {
		return nil, err
	}
	l, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if !l.Active {
		return nil, domain.Invalid("listingId", "listing is not accepting bookings")
	}
	q := pricing.BookingQuote(s.policy, l.NightlyRate, domain.Nights(start, end))
	return &q, nil
}

// Reserve checks availability and writes the reservation in one unit.
// Overlapping holding reservations fail with domain.ErrDatesUnavailable.
func (s *Service) Reserve(ctx context.Context, req ReserveRequest) (*domain.Reservation, error) {
	if err := s.validate(&req, domain.ReservationPending, domain.ReservationConfirmed); err != nil {
		metrics.BookingsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "booking.reserve", traces.ListingID(req.ListingID), traces.UserID(req.GuestID))
	var (
		r   *domain.Reservation
		err error
	)
	defer func() { traces.End(span, err) }()

	unlock, err := s.lockListing(ctx, req.ListingID)
	if err != nil {
		s.countOutcome(err)
		return nil, err
	}
	defer unlock()

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		var txErr error
		r, _, txErr = s.reserveTx(ctx, tx, req)
		return txErr
	})
	s.countOutcome(err)
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("reservation created",
		"reservation_id", r.ID, "listing_id", r.ListingID, "status", r.Status, "total", r.TotalPrice)
	return r, nil
}

// reserveTx is the check-and-insert. The caller owns the unit.
func (s *Service) reserveTx(ctx context.Context, tx store.Tx, req ReserveRequest) (*domain.Reservation, *domain.Listing, error) {
	if err := tx.LockListing(ctx, req.ListingID); err != nil {
		return nil, nil, err
	}
	l, err := tx.GetListing(ctx, req.ListingID)
	if err != nil {
		return nil, nil, err
	}
	if !l.Active {
		return nil, nil, domain.Invalid("listingId", "listing is not accepting bookings")
	}
	taken, err := tx.HoldingReservations(ctx, req.ListingID, req.StartDate, req.EndDate, "")
	if err != nil {
		return nil, nil, err
	}
	if len(taken) > 0 {
		return nil, nil, domain.ErrDatesUnavailable
	}

	q := pricing.BookingQuote(s.policy, l.NightlyRate, domain.Nights(req.StartDate, req.EndDate))
	r := &domain.Reservation{
		ID:          idgen.WithPrefix("rsv_"),
		ListingID:   l.ID,
		GuestID:     req.GuestID,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
		Status:      req.Status,
		Nights:      q.Nights,
		NightlyRate: q.NightlyRate,
		FeeAmount:   q.Fee,
		TotalPrice:  q.Total,
	}
	if err := tx.InsertReservation(ctx, r); err != nil {
		return nil, nil, err
	}
	return r, l, nil
}

func (s *Service) countOutcome(err error) {
	outcome := "created"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrDatesUnavailable):
		outcome = "conflict"
	case errors.Is(err, domain.ErrBusy):
		outcome = "busy"
	case errors.Is(err, domain.ErrValidation):
		outcome = "invalid"
	default:
		outcome = "error"
	}
	metrics.BookingsTotal.WithLabelValues(outcome).Inc()
}

// ReserveAndPayFromWallet reserves the stay as PAID and pays for it from the
// guest's WALLET. The reservation, the guest payment, the payee credits and
// the settled payment split commit together.
func (s *Service) ReserveAndPayFromWallet(ctx context.Context, req ReserveRequest) (*WalletBooking, error) {
	req.Status = domain.ReservationPaid
	if err := s.validate(&req, domain.ReservationPaid); err != nil {
		metrics.BookingsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "booking.reserve_wallet", traces.ListingID(req.ListingID), traces.UserID(req.GuestID))
	var (
		out *WalletBooking
		err error
	)
	defer func() { traces.End(span, err) }()

	unlock, err := s.lockListing(ctx, req.ListingID)
	if err != nil {
		s.countOutcome(err)
		return nil, err
	}
	defer unlock()

	err = s.wallet.RunAtomic(ctx, func(tx store.Tx) error {
		r, l, txErr := s.reserveTx(ctx, tx, req)
		if txErr != nil {
			return txErr
		}
		p, txErr := s.payFromWalletTx(ctx, tx, r, l)
		if txErr != nil {
			return txErr
		}
		out = &WalletBooking{Reservation: r, Payment: p}
		return nil
	})
	s.countOutcome(err)
	if err != nil {
		return nil, err
	}
	metrics.PaymentsTotal.WithLabelValues(string(domain.PurposeBooking), string(domain.PaymentSuccess)).Inc()
	logging.L(ctx).Info("reservation paid from wallet",
		"reservation_id", out.Reservation.ID, "listing_id", req.ListingID, "total", out.Reservation.TotalPrice)
	return out, nil
}

func (s *Service) payFromWalletTx(ctx context.Context, tx store.Tx, r *domain.Reservation, l *domain.Listing) (*domain.PaymentSplit, error) {
	q := pricing.Quote{Nights: r.Nights, NightlyRate: r.NightlyRate, Base: r.TotalPrice - r.FeeAmount, Fee: r.FeeAmount, Total: r.TotalPrice}
	split := pricing.BookingSplit(s.policy, q, l.AgencyID != "")

	p := &domain.PaymentSplit{
		ID:                    idgen.WithPrefix("pay_"),
		Purpose:               domain.PurposeBooking,
		Reference:             r.ID,
		PayerID:               r.GuestID,
		GrossAmount:           split.Gross,
		HostID:                l.HostID,
		HostPayout:            split.Payee,
		PlatformCommission:    split.Platform,
		AgencyID:              l.AgencyID,
		AgencyCommission:      split.Agency,
		ProviderTransactionID: idgen.WithPrefix("wal_"),
		Status:                domain.PaymentPending,
	}
	if !p.Conserves() {
		return nil, fmt.Errorf("split for %s does not conserve %d", r.ID, p.GrossAmount)
	}
	if err := tx.InsertPaymentSplit(ctx, p); err != nil {
		return nil, err
	}

	if _, err := s.wallet.ApplyTx(ctx, tx, ledger.Mutation{
		UserID: r.GuestID, Class: domain.ClassWallet, Amount: p.GrossAmount,
		Kind: domain.KindPayment, Reason: "booking payment", ExternalRef: r.ID,
	}); err != nil {
		return nil, err
	}
	for _, c := range []struct {
		user   string
		amount int64
		reason string
	}{
		{p.HostID, p.HostPayout, "booking payout"},
		{s.platformID, p.PlatformCommission, "booking commission"},
		{p.AgencyID, p.AgencyCommission, "booking agency commission"},
	} {
		if c.amount == 0 {
			continue
		}
		if _, err := s.wallet.ApplyTx(ctx, tx, ledger.Mutation{
			UserID: c.user, Class: domain.ClassWallet, Amount: c.amount,
			Kind: domain.KindCredit, Reason: c.reason, ExternalRef: r.ID,
		}); err != nil {
			return nil, err
		}
	}

	at := s.now()
	if err := tx.SettlePaymentSplit(ctx, p.ProviderTransactionID, domain.PaymentSuccess, "", at); err != nil {
		return nil, err
	}
	p.Status = domain.PaymentSuccess
	p.SettledAt = &at
	return p, nil
}

// MarkPaidTx moves a reservation to PAID inside the caller's unit. A PAID
// reservation is returned unchanged. Leaving PENDING re-checks the dates,
// since a PENDING reservation never held them.
func (s *Service) MarkPaidTx(ctx context.Context, tx store.Tx, id string) (*domain.Reservation, error) {
	r, err := tx.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	switch r.Status {
	case domain.ReservationPaid:
		return r, nil
	case domain.ReservationConfirmed:
	case domain.ReservationPending:
		if err := tx.LockListing(ctx, r.ListingID); err != nil {
			return nil, err
		}
		taken, err := tx.HoldingReservations(ctx, r.ListingID, r.StartDate, r.EndDate, r.ID)
		if err != nil {
			return nil, err
		}
		if len(taken) > 0 {
			return nil, domain.ErrDatesUnavailable
		}
	default:
		return nil, fmt.Errorf("reservation %s is %s: %w", id, r.Status, domain.ErrStaleState)
	}
	if err := tx.SetReservationStatus(ctx, id, []domain.ReservationStatus{r.Status}, domain.ReservationPaid); err != nil {
		return nil, err
	}
	r.Status = domain.ReservationPaid
	return r, nil
}

// Get returns a reservation visible to actor: its guest, the listing's host,
// or an admin.
func (s *Service) Get(ctx context.Context, actor auth.Principal, id string) (*domain.Reservation, error) {
	r, err := s.store.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) authorize(ctx context.Context, actor auth.Principal, r *domain.Reservation) error {
	if actor.IsAdmin() || actor.UserID == r.GuestID {
		return nil
	}
	l, err := s.store.GetListing(ctx, r.ListingID)
	if err != nil {
		return err
	}
	if l.HostID == actor.UserID {
		return nil
	}
	return domain.ErrForbidden
}

var cancellable = []domain.ReservationStatus{
	domain.ReservationPending,
	domain.ReservationConfirmed,
	domain.ReservationPaid,
	domain.ReservationCheckedIn,
}

// Cancel frees the reservation's dates. Completed and cancelled reservations
// cannot be cancelled. Money already paid is not moved.
func (s *Service) Cancel(ctx context.Context, actor auth.Principal, id string) (*domain.Reservation, error) {
	r, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.SetReservationStatus(ctx, id, cancellable, domain.ReservationCancelled)
	})
	if err != nil {
		return nil, err
	}
	metrics.BookingsTotal.WithLabelValues("cancelled").Inc()
	logging.L(ctx).Info("reservation cancelled", "reservation_id", id, "previous_status", r.Status, "by", actor.UserID)

	prev := r.Status
	r.Status = domain.ReservationCancelled
	if prev == domain.ReservationPaid || prev == domain.ReservationCheckedIn {
		logging.L(ctx).Warn("paid reservation cancelled, refund needs an operator", "reservation_id", id, "total", r.TotalPrice)
	}
	return r, nil
}

// ExpireHolds cancels CONFIRMED reservations that have waited longer than the
// hold TTL without a payment in flight. It returns how many were cancelled.
func (s *Service) ExpireHolds(ctx context.Context) (int, error) {
	const batchSize = 100
	cutoff := s.now().Add(-s.holdTTL)
	expired := 0

	for {
		holds, err := s.store.ExpiredHolds(ctx, cutoff, batchSize)
		if err != nil {
			return expired, err
		}
		progressed := 0
		for _, r := range holds {
			err := s.store.WithTx(ctx, func(tx store.Tx) error {
				return tx.SetReservationStatus(ctx, r.ID, []domain.ReservationStatus{domain.ReservationConfirmed}, domain.ReservationCancelled)
			})
			if errors.Is(err, domain.ErrStaleState) {
				progressed++
				continue
			}
			if err != nil {
				s.logger.Warn("failed to expire reservation hold", "reservation_id", r.ID, "error", err)
				continue
			}
			progressed++
			expired++
			metrics.BookingsTotal.WithLabelValues("expired").Inc()
			s.publisher.Publish(ctx, events.New(events.BookingExpired, map[string]any{
				"reservationId": r.ID,
				"listingId":     r.ListingID,
				"guestId":       r.GuestID,
			}))
		}
		if len(holds) < batchSize || progressed == 0 {
			break
		}
	}
	return expired, nil
}
