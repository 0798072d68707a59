// Package store persists ledger entries, cached balances, reservations,
// payment splits, leases and reconciliation output.
//
// Every multi-record change runs inside WithTx: either all writes of the unit
// commit or none do. Two implementations exist: MemoryStore for development
// and tests, PostgresStore for production.
package store

import (
	"context"
	"time"

	"github.com/mbd888/rentledger/internal/domain"
	"github.com/mbd888/rentledger/internal/pagination"
)

// EntryQuery selects a page of a user's ledger history, newest first.
type EntryQuery struct {
	UserID       string
	BalanceClass domain.BalanceClass // empty means all classes
	Cursor       *pagination.Cursor
	Limit        int
}

// Tx is the write surface of one atomic unit. Implementations must not be
// used after the WithTx callback returns.
type Tx interface {
	// InsertEntry appends a ledger entry. The entry is immutable apart from a
	// single status transition out of PENDING.
	InsertEntry(ctx context.Context, e *domain.LedgerEntry) error
	// SetEntryStatus moves an entry from one status to another. Returns
	// domain.ErrStaleState if the entry is not in the from status.
	SetEntryStatus(ctx context.Context, id string, from, to domain.EntryStatus) error
	EntriesByExternalRef(ctx context.Context, ref string) ([]*domain.LedgerEntry, error)

	// GetBalance returns the cached balance, or a zero balance with Version 0
	// when no row exists.
	GetBalance(ctx context.Context, key domain.BalanceKey) (*domain.WalletBalance, error)
	// CompareAndSetBalance writes newBalance only if the stored version still
	// equals expectedVersion, and bumps the version. Version 0 inserts.
	// Returns domain.ErrVersionConflict when another writer got there first.
	CompareAndSetBalance(ctx context.Context, key domain.BalanceKey, expectedVersion, newBalance int64) (*domain.WalletBalance, error)
	// SettledSum is the balance the ledger implies for key: SUCCESS credits
	// and refunds minus SUCCESS debits, payments and investments.
	SettledSum(ctx context.Context, key domain.BalanceKey) (int64, error)

	GetListing(ctx context.Context, id string) (*domain.Listing, error)
	UpsertListing(ctx context.Context, l *domain.Listing) error
	// LockListing serializes booking writers of one listing until the unit ends.
	LockListing(ctx context.Context, listingID string) error
	// HoldingReservations returns reservations in a holding status that
	// overlap [start, end), ignoring excludeID.
	HoldingReservations(ctx context.Context, listingID string, start, end time.Time, excludeID string) ([]*domain.Reservation, error)
	InsertReservation(ctx context.Context, r *domain.Reservation) error
	GetReservation(ctx context.Context, id string) (*domain.Reservation, error)
	// SetReservationStatus moves a reservation to status to if its current
	// status is one of from. Returns domain.ErrStaleState otherwise.
	SetReservationStatus(ctx context.Context, id string, from []domain.ReservationStatus, to domain.ReservationStatus) error

	// InsertPaymentSplit fails with domain.ErrConflict on a duplicate
	// provider transaction id.
	InsertPaymentSplit(ctx context.Context, p *domain.PaymentSplit) error
	GetPaymentSplit(ctx context.Context, providerTxID string) (*domain.PaymentSplit, error)
	// SettlePaymentSplit moves a PENDING split to a terminal status. Returns
	// domain.ErrStaleState if it is no longer PENDING.
	SettlePaymentSplit(ctx context.Context, providerTxID string, to domain.PaymentStatus, reason string, at time.Time) error
	SetProviderRef(ctx context.Context, providerTxID, ref string) error

	// LockLease reads a lease and holds it against concurrent writers.
	LockLease(ctx context.Context, id string) (*domain.Lease, error)
	InsertLease(ctx context.Context, l *domain.Lease) error
	UpdateLease(ctx context.Context, l *domain.Lease) error
	UpsertProperty(ctx context.Context, p *domain.Property) error
	SetPropertyAvailable(ctx context.Context, id string, available bool) error
	// InsertEscrowDeposit fails with domain.ErrConflict if the lease already
	// has a settled deposit.
	InsertEscrowDeposit(ctx context.Context, d *domain.EscrowDeposit) error

	InsertAudit(ctx context.Context, a *domain.AuditRecord) error
}

// Snapshot pairs the ledger's SUCCESS totals with the cached balances read
// alongside them.
type Snapshot struct {
	Totals   []domain.EntryTotal
	Balances []*domain.WalletBalance
}

// Reader serves queries outside an atomic unit.
type Reader interface {
	GetBalance(ctx context.Context, key domain.BalanceKey) (*domain.WalletBalance, error)
	ListBalances(ctx context.Context) ([]*domain.WalletBalance, error)
	ListEntries(ctx context.Context, q EntryQuery) ([]*domain.LedgerEntry, error)
	// SuccessTotals sums SUCCESS entries grouped by (user, class, kind).
	SuccessTotals(ctx context.Context) ([]domain.EntryTotal, error)
	// LedgerSnapshot returns SuccessTotals and ListBalances as of one
	// committed state.
	LedgerSnapshot(ctx context.Context) (*Snapshot, error)

	GetListing(ctx context.Context, id string) (*domain.Listing, error)
	GetReservation(ctx context.Context, id string) (*domain.Reservation, error)
	// ExpiredHolds returns CONFIRMED reservations last updated before cutoff
	// that have no PENDING payment in flight.
	ExpiredHolds(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Reservation, error)

	GetPaymentSplit(ctx context.Context, providerTxID string) (*domain.PaymentSplit, error)
	// StalePayments returns PENDING splits created before cutoff, ordered by
	// (created_at, provider tx id). A non-nil after resumes past that key.
	StalePayments(ctx context.Context, cutoff time.Time, after *pagination.Cursor, limit int) ([]*domain.PaymentSplit, error)

	GetLease(ctx context.Context, id string) (*domain.Lease, error)
	GetProperty(ctx context.Context, id string) (*domain.Property, error)
	GetEscrowDeposit(ctx context.Context, leaseID string) (*domain.EscrowDeposit, error)

	InsertAnomalies(ctx context.Context, anomalies []domain.Anomaly) error
	ListAnomalies(ctx context.Context, runID string) ([]domain.Anomaly, error)
}

// Store is the full persistence surface.
type Store interface {
	Reader
	// WithTx runs fn as one atomic unit. A non-nil error from fn rolls back
	// every write fn made.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

func containsStatus(set []domain.ReservationStatus, s domain.ReservationStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
