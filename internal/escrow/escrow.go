// Package escrow settles lease security deposits.
//
// Flow:
//  1. The owner settles an ACTIVE lease, naming how much of the deposit to keep.
//  2. The kept deduction is credited to the owner, the rest to the tenant.
//  3. The lease terminates and the property goes back on the market.
//
// All three happen in one store unit, so a crash never leaves a terminated
// lease without its payouts or a payout without its deposit record.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/rentledger/internal/auth"
	"github.com/mbd888/rentledger/internal/domain"
	"github.com/mbd888/rentledger/internal/events"
	"github.com/mbd888/rentledger/internal/ledger"
	"github.com/mbd888/rentledger/internal/logging"
	"github.com/mbd888/rentledger/internal/metrics"
	"github.com/mbd888/rentledger/internal/store"
	"github.com/mbd888/rentledger/internal/traces"
)

// Service implements deposit settlement.
type Service struct {
	store     store.Store
	wallet    *ledger.Service
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new deposit settlement service.
func NewService(st store.Store, wallet *ledger.Service, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:     st,
		wallet:    wallet,
		publisher: events.Nop{},
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SettleDeposit closes an ACTIVE lease. deduction goes to the owner and the
// remainder of the deposit to the tenant; either side is skipped when zero.
func (s *Service) SettleDeposit(ctx context.Context, actor auth.Principal, leaseID string, deduction int64) (*domain.EscrowDeposit, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.settle_deposit", traces.LeaseID(leaseID), traces.Amount(deduction))
	var (
		dep *domain.EscrowDeposit
		err error
	)
	defer func() { traces.End(span, err) }()

	if deduction < 0 {
		err = domain.Invalid("deductionAmount", "must not be negative")
		return nil, err
	}

	var lease *domain.Lease
	err = s.wallet.RunAtomic(ctx, func(tx store.Tx) error {
		l, err := tx.LockLease(ctx, leaseID)
		if err != nil {
			return err
		}
		if l.OwnerID != actor.UserID && !actor.IsAdmin() {
			return domain.ErrForbidden
		}
		if l.Status != domain.LeaseActive {
			return fmt.Errorf("lease %s is %s: %w", leaseID, l.Status, domain.ErrStaleState)
		}
		if deduction > l.DepositAmount {
			return domain.Invalid("deductionAmount", "must not exceed the deposit of %d", l.DepositAmount)
		}
		before := *l

		now := s.now()
		d := &domain.EscrowDeposit{
			LeaseID:         l.ID,
			DepositAmount:   l.DepositAmount,
			DeductionAmount: deduction,
			RefundAmount:    l.DepositAmount - deduction,
			SettledBy:       actor.UserID,
			SettledAt:       now,
		}
		if err := tx.InsertEscrowDeposit(ctx, d); err != nil {
			return err
		}

		l.Status = domain.LeaseTerminated
		l.IsActive = false
		l.TerminatedAt = &now
		if err := tx.UpdateLease(ctx, l); err != nil {
			return err
		}
		if err := tx.SetPropertyAvailable(ctx, l.PropertyID, true); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		ref := "deposit:" + l.ID
		if d.DeductionAmount > 0 {
			if _, err := s.wallet.ApplyTx(ctx, tx, ledger.Mutation{
				UserID: l.OwnerID, Class: domain.ClassWallet, Amount: d.DeductionAmount,
				Kind: domain.KindCredit, Reason: "deposit deduction", ExternalRef: ref,
			}); err != nil {
				return err
			}
		}
		if d.RefundAmount > 0 {
			if _, err := s.wallet.ApplyTx(ctx, tx, ledger.Mutation{
				UserID: l.TenantID, Class: domain.ClassWallet, Amount: d.RefundAmount,
				Kind: domain.KindCredit, Reason: "deposit refund", ExternalRef: ref,
			}); err != nil {
				return err
			}
		}
		if err := ledger.Audit(ctx, tx, actor, "settle_deposit", "lease", l.ID, before, d); err != nil {
			return err
		}
		dep, lease = d, l
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.DepositsSettledTotal.Inc()
	logging.L(ctx).Info("deposit settled",
		"lease_id", leaseID, "deposit", dep.DepositAmount, "deduction", dep.DeductionAmount, "refund", dep.RefundAmount)
	s.publisher.Publish(ctx, events.New(events.DepositSettled, map[string]any{
		"leaseId":         lease.ID,
		"propertyId":      lease.PropertyID,
		"ownerId":         lease.OwnerID,
		"tenantId":        lease.TenantID,
		"depositAmount":   dep.DepositAmount,
		"deductionAmount": dep.DeductionAmount,
		"refundAmount":    dep.RefundAmount,
	}))
	return dep, nil
}

// GetLease returns a lease visible to actor: a party to it or an admin.
func (s *Service) GetLease(ctx context.Context, actor auth.Principal, id string) (*domain.Lease, error) {
	l, err := s.store.GetLease(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !l.IsParty(actor.UserID) {
		return nil, domain.ErrForbidden
	}
	return l, nil
}

// GetDeposit returns the settled deposit of a lease.
func (s *Service) GetDeposit(ctx context.Context, actor auth.Principal, leaseID string) (*domain.EscrowDeposit, error) {
	if _, err := s.GetLease(ctx, actor, leaseID); err != nil {
		return nil, err
	}
	return s.store.GetEscrowDeposit(ctx, leaseID)
}
