// Package ledger is the wallet service: the only code that mutates cached
// balances.
//
// Every mutation pairs a ledger entry with a version-guarded balance write
// inside one store unit. A version conflict aborts the unit and RunAtomic
// replays it from the top, so callers never observe a partial write.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/rentledger/internal/auth"
	"github.com/mbd888/rentledger/internal/domain"
	"github.com/mbd888/rentledger/internal/events"
	"github.com/mbd888/rentledger/internal/idgen"
	"github.com/mbd888/rentledger/internal/logging"
	"github.com/mbd888/rentledger/internal/pagination"
	"github.com/mbd888/rentledger/internal/retry"
	"github.com/mbd888/rentledger/internal/store"
	"github.com/mbd888/rentledger/internal/traces"
)

// DefaultMaxAttempts bounds RunAtomic replays on version conflicts.
const DefaultMaxAttempts = 5

// Mutation describes one balance movement.
type Mutation struct {
	UserID      string
	Class       domain.BalanceClass
	Amount      int64
	Kind        domain.Kind
	Reason      string
	ExternalRef string
}

func (m Mutation) entry(status domain.EntryStatus) *domain.LedgerEntry {
	return &domain.LedgerEntry{
		ID:                idgen.WithPrefix("ent_"),
		UserID:            m.UserID,
		Amount:            m.Amount,
		Kind:              m.Kind,
		BalanceClass:      m.Class,
		Status:            status,
		Reason:            m.Reason,
		ExternalReference: m.ExternalRef,
	}
}

// Service manages wallet balances.
type Service struct {
	store     store.Store
	publisher events.Publisher
	logger    *slog.Logger
	policy    retry.Policy
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets the event publisher used for operator events.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithRetryPolicy overrides the conflict retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// New creates a wallet service.
func New(st store.Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:     st,
		publisher: events.Nop{},
		logger:    logger,
		policy: retry.Policy{
			MaxAttempts: DefaultMaxAttempts,
			BaseDelay:   5 * time.Millisecond,
			MaxDelay:    100 * time.Millisecond,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.policy.Retryable = func(err error) bool { return errors.Is(err, domain.ErrVersionConflict) }
	s.policy.OnRetry = func(attempt int, err error) {
		ConflictRetries.Inc()
		s.logger.Debug("balance version conflict, retrying unit", "attempt", attempt, "error", err)
	}
	return s
}

// RunAtomic runs fn as one store unit, replaying the whole unit when a
// balance version check fails. Other errors abort immediately. Once attempts
// run out the result is domain.ErrConcurrencyExhausted.
func (s *Service) RunAtomic(ctx context.Context, fn func(tx store.Tx) error) error {
	err := s.policy.Do(ctx, func() error {
		return s.store.WithTx(ctx, fn)
	})
	if errors.Is(err, domain.ErrVersionConflict) {
		ConcurrencyExhausted.Inc()
		return fmt.Errorf("%w (%d attempts)", domain.ErrConcurrencyExhausted, s.policy.MaxAttempts)
	}
	return err
}

// ApplyTx writes a SUCCESS entry for m and moves the balance by its signed
// amount inside tx. A decrease below zero fails with ErrInsufficientFunds.
func (s *Service) ApplyTx(ctx context.Context, tx store.Tx, m Mutation) (*domain.LedgerEntry, error) {
	e := m.entry(domain.EntrySuccess)
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.moveBalance(ctx, tx, domain.BalanceKey{UserID: m.UserID, BalanceClass: m.Class}, e.Delta()); err != nil {
		return nil, err
	}
	if err := tx.InsertEntry(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// RecordPendingTx appends a PENDING entry. Balances are untouched until
// FinalizePendingTx settles it.
func (s *Service) RecordPendingTx(ctx context.Context, tx store.Tx, m Mutation) (*domain.LedgerEntry, error) {
	e := m.entry(domain.EntryPending)
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if err := tx.InsertEntry(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// FinalizePendingTx moves a PENDING entry to SUCCESS or FAILED. SUCCESS
// applies the entry's delta to its balance; the entry status transition
// guarantees this happens at most once.
func (s *Service) FinalizePendingTx(ctx context.Context, tx store.Tx, e *domain.LedgerEntry, to domain.EntryStatus) error {
	if !to.Terminal() {
		return domain.Invalid("status", "cannot finalize to %s", to)
	}
	if err := tx.SetEntryStatus(ctx, e.ID, domain.EntryPending, to); err != nil {
		return err
	}
	if to == domain.EntrySuccess {
		if _, err := s.moveBalance(ctx, tx, domain.BalanceKey{UserID: e.UserID, BalanceClass: e.BalanceClass}, e.Delta()); err != nil {
			return err
		}
	}
	e.Status = to
	return nil
}

func (s *Service) moveBalance(ctx context.Context, tx store.Tx, key domain.BalanceKey, delta int64) (*domain.WalletBalance, error) {
	cur, err := tx.GetBalance(ctx, key)
	if err != nil {
		return nil, err
	}
	next := cur.Balance + delta
	if next < 0 {
		InsufficientFunds.Inc()
		return nil, fmt.Errorf("%s has %d, needs %d: %w", key, cur.Balance, -delta, domain.ErrInsufficientFunds)
	}
	return tx.CompareAndSetBalance(ctx, key, cur.Version, next)
}

func (s *Service) apply(ctx context.Context, m Mutation) (*domain.LedgerEntry, error) {
	done := observeOp(m.Kind)
	defer done()

	ctx, span := traces.StartSpan(ctx, "ledger."+string(m.Kind),
		traces.UserID(m.UserID), traces.BalanceClass(string(m.Class)), traces.Amount(m.Amount))
	var (
		entry *domain.LedgerEntry
		err   error
	)
	defer func() { traces.End(span, err) }()

	err = s.RunAtomic(ctx, func(tx store.Tx) error {
		var txErr error
		entry, txErr = s.ApplyTx(ctx, tx, m)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("balance updated",
		"entry_id", entry.ID, "user_id", m.UserID, "class", m.Class, "kind", m.Kind, "amount", m.Amount)
	return entry, nil
}

// Credit adds amount to a balance.
func (s *Service) Credit(ctx context.Context, userID string, class domain.BalanceClass, amount int64, reason, externalRef string) (*domain.LedgerEntry, error) {
	return s.apply(ctx, Mutation{UserID: userID, Class: class, Amount: amount, Kind: domain.KindCredit, Reason: reason, ExternalRef: externalRef})
}

// Refund adds amount back to a balance.
func (s *Service) Refund(ctx context.Context, userID string, class domain.BalanceClass, amount int64, reason, externalRef string) (*domain.LedgerEntry, error) {
	return s.apply(ctx, Mutation{UserID: userID, Class: class, Amount: amount, Kind: domain.KindRefund, Reason: reason, ExternalRef: externalRef})
}

// Debit removes amount, failing with domain.ErrInsufficientFunds when the
// balance read inside the unit is too small.
func (s *Service) Debit(ctx context.Context, userID string, class domain.BalanceClass, amount int64, reason, externalRef string) (*domain.LedgerEntry, error) {
	return s.apply(ctx, Mutation{UserID: userID, Class: class, Amount: amount, Kind: domain.KindDebit, Reason: reason, ExternalRef: externalRef})
}

// Pay is a debit recorded as a payment for goods or services.
func (s *Service) Pay(ctx context.Context, userID string, class domain.BalanceClass, amount int64, reason, externalRef string) (*domain.LedgerEntry, error) {
	return s.apply(ctx, Mutation{UserID: userID, Class: class, Amount: amount, Kind: domain.KindPayment, Reason: reason, ExternalRef: externalRef})
}

// Invest is a debit recorded as an investment contribution.
func (s *Service) Invest(ctx context.Context, userID string, class domain.BalanceClass, amount int64, reason, externalRef string) (*domain.LedgerEntry, error) {
	return s.apply(ctx, Mutation{UserID: userID, Class: class, Amount: amount, Kind: domain.KindInvestment, Reason: reason, ExternalRef: externalRef})
}

// CurrentBalance returns the cached balance, zero when no row exists.
func (s *Service) CurrentBalance(ctx context.Context, userID string, class domain.BalanceClass) (int64, error) {
	if !class.Valid() {
		return 0, domain.Invalid("balanceClass", "unknown balance class %q", class)
	}
	b, err := s.store.GetBalance(ctx, domain.BalanceKey{UserID: userID, BalanceClass: class})
	if err != nil {
		return 0, err
	}
	return b.Balance, nil
}

// Withdraw debits the caller's WALLET toward an external destination.
func (s *Service) Withdraw(ctx context.Context, actor auth.Principal, amount int64, destination string) (*domain.LedgerEntry, error) {
	if destination == "" {
		return nil, domain.Invalid("destination", "is required")
	}
	return s.Debit(ctx, actor.UserID, domain.ClassWallet, amount, "withdrawal", destination)
}

// HistoryPage is one page of entries, newest first.
type HistoryPage struct {
	Entries    []*domain.LedgerEntry `json:"entries"`
	NextCursor string                `json:"nextCursor,omitempty"`
	HasMore    bool                  `json:"hasMore"`
}

// History pages through a user's entries. class may be empty for all
// classes.
func (s *Service) History(ctx context.Context, userID string, class domain.BalanceClass, cursor string, limit int) (*HistoryPage, error) {
	scope := userID + "/" + string(class)
	c, err := pagination.Decode(cursor, scope)
	if err != nil {
		return nil, domain.Invalid("cursor", "is malformed")
	}
	if limit <= 0 || limit > pagination.MaxLimit {
		limit = pagination.DefaultLimit
	}
	entries, err := s.store.ListEntries(ctx, store.EntryQuery{UserID: userID, BalanceClass: class, Cursor: c, Limit: limit + 1})
	if err != nil {
		return nil, err
	}
	page, next := pagination.Page(entries, limit, scope, func(e *domain.LedgerEntry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	if page == nil {
		page = []*domain.LedgerEntry{}
	}
	return &HistoryPage{Entries: page, NextCursor: next, HasMore: next != ""}, nil
}

// ResyncResult reports a Resync correction.
type ResyncResult struct {
	UserID       string              `json:"userId"`
	BalanceClass domain.BalanceClass `json:"balanceClass"`
	Before       int64               `json:"before"`
	After        int64               `json:"after"`
	Changed      bool                `json:"changed"`
}

// Resync sets a cached balance to the value its SUCCESS entries imply. It is
// the human-approved correction for a reconciliation anomaly: admin only,
// audited, never run automatically.
func (s *Service) Resync(ctx context.Context, actor auth.Principal, userID string, class domain.BalanceClass) (*ResyncResult, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("resync: %w", domain.ErrForbidden)
	}
	if !class.Valid() {
		return nil, domain.Invalid("balanceClass", "unknown balance class %q", class)
	}
	key := domain.BalanceKey{UserID: userID, BalanceClass: class}

	var res *ResyncResult
	err := s.RunAtomic(ctx, func(tx store.Tx) error {
		cur, err := tx.GetBalance(ctx, key)
		if err != nil {
			return err
		}
		want, err := tx.SettledSum(ctx, key)
		if err != nil {
			return err
		}
		res = &ResyncResult{UserID: userID, BalanceClass: class, Before: cur.Balance, After: want}
		if want == cur.Balance {
			return nil
		}
		if want < 0 {
			return fmt.Errorf("%s ledger sum %d is negative: %w", key, want, domain.ErrConflict)
		}
		if _, err := tx.CompareAndSetBalance(ctx, key, cur.Version, want); err != nil {
			return err
		}
		res.Changed = true
		return Audit(ctx, tx, actor, "balance.resync", "wallet_balance", key.String(),
			map[string]int64{"balance": cur.Balance, "version": cur.Version},
			map[string]int64{"balance": want, "version": cur.Version + 1})
	})
	if err != nil {
		return nil, err
	}

	if res.Changed {
		logging.L(ctx).Warn("balance resynced from ledger",
			"user_id", userID, "class", class, "before", res.Before, "after", res.After, "actor", actor.UserID)
		s.publisher.Publish(ctx, events.New(events.BalanceResynced, map[string]any{
			"userId":       userID,
			"balanceClass": string(class),
			"before":       res.Before,
			"after":        res.After,
			"actorId":      actor.UserID,
		}))
	}
	return res, nil
}

// AdminCredit applies an operator-initiated credit with an audit record in
// the same unit.
func (s *Service) AdminCredit(ctx context.Context, actor auth.Principal, m Mutation) (*domain.LedgerEntry, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("admin credit: %w", domain.ErrForbidden)
	}
	done := observeOp(m.Kind)
	defer done()

	var entry *domain.LedgerEntry
	err := s.RunAtomic(ctx, func(tx store.Tx) error {
		var err error
		if entry, err = s.ApplyTx(ctx, tx, m); err != nil {
			return err
		}
		return Audit(ctx, tx, actor, "wallet.credit", "ledger_entry", entry.ID, nil, entry)
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("manual credit applied",
		"entry_id", entry.ID, "user_id", m.UserID, "amount", m.Amount, "actor", actor.UserID)
	return entry, nil
}
