// Package settlement turns provider payments into wallet credits.
//
// A payment starts as a PENDING PaymentSplit plus one PENDING ledger entry
// per payee, all written before the provider is asked for a checkout page.
// The provider's callback is only a hint: success is confirmed with the
// provider's own status RPC, and the split's single PENDING -> terminal
// transition makes every later delivery of the same callback a no-op.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/rentledger/internal/auth"
	"github.com/mbd888/rentledger/internal/booking"
	"github.com/mbd888/rentledger/internal/config"
	"github.com/mbd888/rentledger/internal/domain"
	"github.com/mbd888/rentledger/internal/events"
	"github.com/mbd888/rentledger/internal/idgen"
	"github.com/mbd888/rentledger/internal/ledger"
	"github.com/mbd888/rentledger/internal/logging"
	"github.com/mbd888/rentledger/internal/metrics"
	"github.com/mbd888/rentledger/internal/pagination"
	"github.com/mbd888/rentledger/internal/pricing"
	"github.com/mbd888/rentledger/internal/provider"
	"github.com/mbd888/rentledger/internal/store"
	"github.com/mbd888/rentledger/internal/traces"
	"github.com/mbd888/rentledger/internal/validation"
)

// TxPrefix marks provider transaction ids minted here.
const TxPrefix = "tx_"

// ErrUnknownTransaction is a callback carrying one of our ids that has no
// PaymentSplit. Initiate persists the split before checkout, so this means
// data loss or a forged callback.
var ErrUnknownTransaction = errors.New("callback for unknown transaction")

// InitiateRequest names exactly one of BookingID or LeaseID.
type InitiateRequest struct {
	BookingID  string `json:"bookingId,omitempty"`
	LeaseID    string `json:"leaseId,omitempty"`
	PayerPhone string `json:"payerPhone,omitempty"`
}

// InitiateResult tells the payer where to pay.
type InitiateResult struct {
	ProviderTransactionID string `json:"providerTransactionId"`
	RedirectURL           string `json:"redirectUrl"`
	GrossAmount           int64  `json:"grossAmount"`
}

// Outcome reports what a callback did.
type Outcome struct {
	ProviderTransactionID string               `json:"providerTransactionId"`
	Status                domain.PaymentStatus `json:"status"`
	Refunded              bool                 `json:"refunded,omitempty"`
	Replayed              bool                 `json:"replayed,omitempty"`
}

// Service settles provider payments.
type Service struct {
	store      store.Store
	wallet     *ledger.Service
	bookings   *booking.Service
	gateway    provider.Gateway
	policy     config.Policy
	platformID string
	publisher  events.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

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

// NewService creates a settlement service.
func NewService(st store.Store, wallet *ledger.Service, bookings *booking.Service, gw provider.Gateway, policy config.Policy, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:      st,
		wallet:     wallet,
		bookings:   bookings,
		gateway:    gw,
		policy:     policy,
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

// Initiate computes the split, persists it with its PENDING entries, and
// only then opens a checkout session with the provider.
func (s *Service) Initiate(ctx context.Context, actor auth.Principal, req InitiateRequest) (*InitiateResult, error) {
	if (req.BookingID == "") == (req.LeaseID == "") {
		return nil, domain.Invalid("bookingId", "exactly one of bookingId or leaseId is required")
	}
	if req.PayerPhone != "" {
		if !validation.IsValidPhone(req.PayerPhone) {
			return nil, domain.Invalid("payerPhone", "must be an E.164 phone number")
		}
		req.PayerPhone = validation.NormalizePhone(req.PayerPhone)
	}

	var (
		p    *domain.PaymentSplit
		desc string
		err  error
	)
	if req.BookingID != "" {
		p, err = s.bookingSplit(ctx, actor, req.BookingID)
		desc = "Booking " + req.BookingID
	} else {
		p, err = s.leaseSplit(ctx, actor, req.LeaseID)
		desc = "Rent for lease " + req.LeaseID
	}
	if err != nil {
		return nil, err
	}
	p.PayerPhone = req.PayerPhone

	ctx, span := traces.StartSpan(ctx, "settlement.initiate", traces.ProviderTxID(p.ProviderTransactionID), traces.Amount(p.GrossAmount))
	defer func() { traces.End(span, err) }()

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertPaymentSplit(ctx, p); err != nil {
			return err
		}
		for _, m := range s.payeeCredits(p) {
			if _, err := s.wallet.RecordPendingTx(ctx, tx, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sess, err := s.gateway.Checkout(ctx, provider.CheckoutRequest{
		ProviderTransactionID: p.ProviderTransactionID,
		Amount:                p.GrossAmount,
		Description:           desc,
		PayerPhone:            p.PayerPhone,
	})
	if err != nil {
		if _, failErr := s.fail(ctx, p, "checkout could not be opened"); failErr != nil {
			s.logger.Error("failed to fail payment after checkout error",
				"provider_tx_id", p.ProviderTransactionID, "error", failErr)
		}
		return nil, err
	}
	if err = s.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.SetProviderRef(ctx, p.ProviderTransactionID, sess.ProviderRef)
	}); err != nil {
		return nil, err
	}

	metrics.PaymentsTotal.WithLabelValues(string(p.Purpose), "initiated").Inc()
	logging.L(ctx).Info("payment initiated",
		"provider_tx_id", p.ProviderTransactionID, "purpose", p.Purpose, "reference", p.Reference, "gross", p.GrossAmount)
	return &InitiateResult{
		ProviderTransactionID: p.ProviderTransactionID,
		RedirectURL:           sess.RedirectURL,
		GrossAmount:           p.GrossAmount,
	}, nil
}

func (s *Service) bookingSplit(ctx context.Context, actor auth.Principal, id string) (*domain.PaymentSplit, error) {
	r, err := s.store.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.GuestID != actor.UserID && !actor.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	if r.Status != domain.ReservationPending && r.Status != domain.ReservationConfirmed {
		return nil, fmt.Errorf("reservation %s is %s: %w", id, r.Status, domain.ErrStaleState)
	}
	l, err := s.store.GetListing(ctx, r.ListingID)
	if err != nil {
		return nil, err
	}
	q := pricing.Quote{Nights: r.Nights, NightlyRate: r.NightlyRate, Base: r.TotalPrice - r.FeeAmount, Fee: r.FeeAmount, Total: r.TotalPrice}
	split := pricing.BookingSplit(s.policy, q, l.AgencyID != "")
	return s.newSplit(domain.PurposeBooking, r.ID, r.GuestID, l.HostID, l.AgencyID, split), nil
}

func (s *Service) leaseSplit(ctx context.Context, actor auth.Principal, id string) (*domain.PaymentSplit, error) {
	l, err := s.store.GetLease(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.TenantID != actor.UserID && !actor.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	if l.Status == domain.LeaseTerminated {
		return nil, fmt.Errorf("lease %s is terminated: %w", id, domain.ErrStaleState)
	}
	split := pricing.LeaseSplit(s.policy, l.MonthlyRent, l.AgencyID != "")
	return s.newSplit(domain.PurposeLease, l.ID, l.TenantID, l.OwnerID, l.AgencyID, split), nil
}

func (s *Service) newSplit(purpose domain.PaymentPurpose, ref, payer, payee, agency string, split pricing.Split) *domain.PaymentSplit {
	if split.Agency == 0 {
		agency = ""
	}
	return &domain.PaymentSplit{
		ID:                    idgen.WithPrefix("pay_"),
		Purpose:               purpose,
		Reference:             ref,
		PayerID:               payer,
		GrossAmount:           split.Gross,
		HostID:                payee,
		HostPayout:            split.Payee,
		PlatformCommission:    split.Platform,
		AgencyID:              agency,
		AgencyCommission:      split.Agency,
		ProviderTransactionID: idgen.WithPrefix(TxPrefix),
		Status:                domain.PaymentPending,
	}
}

// payeeCredits lists the credits a settled split pays out.
func (s *Service) payeeCredits(p *domain.PaymentSplit) []ledger.Mutation {
	reason := "booking"
	if p.Purpose == domain.PurposeLease {
		reason = "rent"
	}
	var out []ledger.Mutation
	for _, c := range []struct {
		user   string
		amount int64
		reason string
	}{
		{p.HostID, p.HostPayout, reason + " payout"},
		{s.platformID, p.PlatformCommission, reason + " commission"},
		{p.AgencyID, p.AgencyCommission, reason + " agency commission"},
	} {
		if c.amount == 0 || c.user == "" {
			continue
		}
		out = append(out, ledger.Mutation{
			UserID: c.user, Class: domain.ClassWallet, Amount: c.amount,
			Kind: domain.KindCredit, Reason: c.reason, ExternalRef: p.ProviderTransactionID,
		})
	}
	return out
}

// OnProviderCallback applies a provider notification. Every final claim is
// re-verified with the gateway before anything moves. It is safe to call any
// number of times with the same arguments.
func (s *Service) OnProviderCallback(ctx context.Context, providerTxID string, claimed provider.Status) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.callback", traces.ProviderTxID(providerTxID))
	var (
		out *Outcome
		err error
	)
	defer func() { traces.End(span, err) }()

	p, err := s.store.GetPaymentSplit(ctx, providerTxID)
	if errors.Is(err, domain.ErrNotFound) {
		if idgen.HasPrefix(providerTxID, TxPrefix) {
			logging.L(ctx).Error("provider callback for a transaction we never recorded",
				"provider_tx_id", providerTxID, "status", claimed)
			err = ErrUnknownTransaction
			return nil, err
		}
		logging.L(ctx).Info("ignoring callback for foreign transaction", "provider_tx_id", providerTxID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		logging.L(ctx).Debug("duplicate provider callback", "provider_tx_id", providerTxID, "status", p.Status)
		return &Outcome{ProviderTransactionID: providerTxID, Status: p.Status, Replayed: true}, nil
	}

	if claimed == provider.StatusPending {
		logging.L(ctx).Debug("provider callback with pending status", "provider_tx_id", providerTxID)
		return &Outcome{ProviderTransactionID: providerTxID, Status: p.Status}, nil
	}

	// The callback body is a hint. Only the provider's answer moves state.
	var v *provider.Verification
	v, err = s.gateway.Verify(ctx, provider.VerifyRequest{ProviderTransactionID: providerTxID, ProviderRef: p.ProviderRef})
	if errors.Is(err, provider.ErrUnknownPayment) {
		logging.L(ctx).Warn("provider does not recognise claimed payment",
			"provider_tx_id", providerTxID, "claimed", claimed)
		err = nil
		return &Outcome{ProviderTransactionID: providerTxID, Status: p.Status}, nil
	}
	if err != nil {
		return nil, err
	}
	if v.Status != claimed {
		logging.L(ctx).Warn("provider callback disagrees with verification",
			"provider_tx_id", providerTxID, "claimed", claimed, "verified", v.Status)
	}
	out, err = s.applyVerification(ctx, p, v)
	return out, err
}

// applyVerification acts on the provider's authoritative answer.
func (s *Service) applyVerification(ctx context.Context, p *domain.PaymentSplit, v *provider.Verification) (*Outcome, error) {
	switch v.Status {
	case provider.StatusSuccess:
		if v.Amount != p.GrossAmount {
			logging.L(ctx).Error("provider collected a different amount",
				"provider_tx_id", p.ProviderTransactionID, "expected", p.GrossAmount, "collected", v.Amount)
			return s.fail(ctx, p, fmt.Sprintf("amount mismatch: expected %d, provider reported %d", p.GrossAmount, v.Amount))
		}
		return s.succeed(ctx, p)
	case provider.StatusFailed:
		return s.fail(ctx, p, "provider reported failure")
	}
	return &Outcome{ProviderTransactionID: p.ProviderTransactionID, Status: domain.PaymentPending}, nil
}

// errSettled stops a unit whose split another caller already settled.
var errSettled = errors.New("payment already settled")

// succeed settles a verified payment. If the booking or lease can no longer
// take it, the gross goes back to the payer's wallet instead.
func (s *Service) succeed(ctx context.Context, p *domain.PaymentSplit) (*Outcome, error) {
	out := &Outcome{ProviderTransactionID: p.ProviderTransactionID, Status: domain.PaymentSuccess}
	var refundReason string

	err := s.wallet.RunAtomic(ctx, func(tx store.Tx) error {
		refundReason = ""
		cur, err := tx.GetPaymentSplit(ctx, p.ProviderTransactionID)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			out.Status = cur.Status
			return errSettled
		}

		if p.Purpose == domain.PurposeBooking {
			refundReason, err = s.markBookingPaid(ctx, tx, p.Reference)
		} else {
			refundReason, err = s.activateLease(ctx, tx, p.Reference)
		}
		if err != nil {
			return err
		}

		if err := tx.SettlePaymentSplit(ctx, p.ProviderTransactionID, domain.PaymentSuccess, refundReason, s.now()); err != nil {
			return err
		}
		finalTo := domain.EntrySuccess
		if refundReason != "" {
			finalTo = domain.EntryFailed
		}
		if err := s.finalizeEntries(ctx, tx, p.ProviderTransactionID, finalTo); err != nil {
			return err
		}
		if refundReason != "" {
			_, err := s.wallet.ApplyTx(ctx, tx, ledger.Mutation{
				UserID: p.PayerID, Class: domain.ClassWallet, Amount: p.GrossAmount,
				Kind: domain.KindRefund, Reason: "payment refund: " + refundReason, ExternalRef: p.ProviderTransactionID,
			})
			return err
		}
		return nil
	})
	if errors.Is(err, errSettled) {
		out.Replayed = true
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	data := map[string]any{
		"providerTxId": p.ProviderTransactionID,
		"purpose":      string(p.Purpose),
		"reference":    p.Reference,
		"payerId":      p.PayerID,
		"hostId":       p.HostID,
		"grossAmount":  p.GrossAmount,
	}
	if refundReason != "" {
		out.Refunded = true
		data["reason"] = refundReason
		metrics.PaymentsTotal.WithLabelValues(string(p.Purpose), "refunded").Inc()
		logging.L(ctx).Warn("payment refunded to payer wallet",
			"provider_tx_id", p.ProviderTransactionID, "reference", p.Reference, "reason", refundReason)
		s.publisher.Publish(ctx, events.New(events.PaymentRefunded, data))
		return out, nil
	}
	metrics.PaymentsTotal.WithLabelValues(string(p.Purpose), "success").Inc()
	logging.L(ctx).Info("payment settled",
		"provider_tx_id", p.ProviderTransactionID, "reference", p.Reference, "gross", p.GrossAmount,
		"host_payout", p.HostPayout, "platform", p.PlatformCommission, "agency", p.AgencyCommission)
	s.publisher.Publish(ctx, events.New(events.PaymentSettled, data))
	return out, nil
}

// markBookingPaid returns a non-empty refund reason when the reservation
// cannot accept the payment.
func (s *Service) markBookingPaid(ctx context.Context, tx store.Tx, id string) (string, error) {
	r, err := tx.GetReservation(ctx, id)
	if err != nil {
		return "", err
	}
	switch r.Status {
	case domain.ReservationPending, domain.ReservationConfirmed:
	case domain.ReservationPaid, domain.ReservationCheckedIn, domain.ReservationCompleted:
		return "booking already paid", nil
	default:
		return "booking " + string(r.Status), nil
	}
	_, err = s.bookings.MarkPaidTx(ctx, tx, id)
	switch {
	case errors.Is(err, domain.ErrDatesUnavailable):
		return "dates no longer available", nil
	case errors.Is(err, domain.ErrStaleState):
		return "booking no longer payable", nil
	}
	return "", err
}

// activateLease records one month of rent. The first payment activates a
// PENDING lease and takes the property off the market.
func (s *Service) activateLease(ctx context.Context, tx store.Tx, id string) (string, error) {
	l, err := tx.LockLease(ctx, id)
	if err != nil {
		return "", err
	}
	if l.Status == domain.LeaseTerminated {
		return "lease terminated", nil
	}
	if l.Status == domain.LeasePending {
		if err := tx.SetPropertyAvailable(ctx, l.PropertyID, false); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return "", err
		}
	}
	next := l.CoveredUntil().AddDate(0, 1, 0)
	l.PaidThrough = &next
	l.Status = domain.LeaseActive
	l.IsActive = true
	return "", tx.UpdateLease(ctx, l)
}

func (s *Service) finalizeEntries(ctx context.Context, tx store.Tx, providerTxID string, to domain.EntryStatus) error {
	entries, err := tx.EntriesByExternalRef(ctx, providerTxID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Status != domain.EntryPending {
			continue
		}
		if err := s.wallet.FinalizePendingTx(ctx, tx, e, to); err != nil {
			return err
		}
	}
	return nil
}

// fail marks the split FAILED and its pending entries FAILED. No balance
// moves.
func (s *Service) fail(ctx context.Context, p *domain.PaymentSplit, reason string) (*Outcome, error) {
	out := &Outcome{ProviderTransactionID: p.ProviderTransactionID, Status: domain.PaymentFailed}
	err := s.wallet.RunAtomic(ctx, func(tx store.Tx) error {
		if err := tx.SettlePaymentSplit(ctx, p.ProviderTransactionID, domain.PaymentFailed, reason, s.now()); err != nil {
			return err
		}
		return s.finalizeEntries(ctx, tx, p.ProviderTransactionID, domain.EntryFailed)
	})
	if errors.Is(err, domain.ErrStaleState) {
		cur, getErr := s.store.GetPaymentSplit(ctx, p.ProviderTransactionID)
		if getErr != nil {
			return nil, getErr
		}
		return &Outcome{ProviderTransactionID: p.ProviderTransactionID, Status: cur.Status, Replayed: true}, nil
	}
	if err != nil {
		return nil, err
	}
	metrics.PaymentsTotal.WithLabelValues(string(p.Purpose), "failed").Inc()
	logging.L(ctx).Info("payment failed", "provider_tx_id", p.ProviderTransactionID, "reason", reason)
	s.publisher.Publish(ctx, events.New(events.PaymentFailed, map[string]any{
		"providerTxId": p.ProviderTransactionID,
		"purpose":      string(p.Purpose),
		"reference":    p.Reference,
		"payerId":      p.PayerID,
		"reason":       reason,
	}))
	return out, nil
}

// Get returns a payment visible to actor: its payer, a payee, or an admin.
func (s *Service) Get(ctx context.Context, actor auth.Principal, providerTxID string) (*domain.PaymentSplit, error) {
	p, err := s.store.GetPaymentSplit(ctx, providerTxID)
	if err != nil {
		return nil, err
	}
	switch actor.UserID {
	case p.PayerID, p.HostID:
		return p, nil
	}
	if actor.IsAdmin() || (p.AgencyID != "" && actor.UserID == p.AgencyID) {
		return p, nil
	}
	return nil, domain.ErrForbidden
}

// SweepStale re-checks PENDING payments older than minAge with the provider
// and settles those it has an answer for. Payments still pending after
// abandonAfter are failed. It returns how many payments reached a terminal
// state.
func (s *Service) SweepStale(ctx context.Context, minAge, abandonAfter time.Duration) (int, error) {
	const batchSize = 100
	now := s.now()
	settled := 0

	var after *pagination.Cursor
	for {
		stale, err := s.store.StalePayments(ctx, now.Add(-minAge), after, batchSize)
		if err != nil {
			return settled, err
		}
		for _, p := range stale {
			out, err := s.sweepOne(ctx, p, now.Sub(p.CreatedAt) > abandonAfter)
			if err != nil {
				s.logger.Warn("failed to sweep pending payment", "provider_tx_id", p.ProviderTransactionID, "error", err)
				continue
			}
			if out != nil && out.Status.Terminal() && !out.Replayed {
				settled++
			}
		}
		if len(stale) < batchSize {
			break
		}
		last := stale[len(stale)-1]
		after = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ProviderTransactionID}
	}
	return settled, nil
}

func (s *Service) sweepOne(ctx context.Context, p *domain.PaymentSplit, abandoned bool) (*Outcome, error) {
	v, err := s.gateway.Verify(ctx, provider.VerifyRequest{ProviderTransactionID: p.ProviderTransactionID, ProviderRef: p.ProviderRef})
	if errors.Is(err, provider.ErrUnknownPayment) {
		if abandoned {
			return s.fail(ctx, p, "unknown to provider")
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if v.Status == provider.StatusPending {
		if abandoned {
			return s.fail(ctx, p, "abandoned")
		}
		return nil, nil
	}
	return s.applyVerification(ctx, p, v)
}
