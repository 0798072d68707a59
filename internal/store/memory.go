package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/rentledger/internal/domain"
	"github.com/mbd888/rentledger/internal/pagination"
)

// MemoryStore is an in-memory Store for development mode and tests.
//
// Atomic units run one at a time. Each write records an undo step, and a
// failed unit replays them in reverse so readers never observe its effects.
type MemoryStore struct {
	sem chan struct{} // held by the unit in progress

	mu           sync.RWMutex
	entries      []*domain.LedgerEntry
	entryIdx     map[string]int
	balances     map[domain.BalanceKey]*domain.WalletBalance
	listings     map[string]*domain.Listing
	reservations map[string]*domain.Reservation
	payments     map[string]*domain.PaymentSplit
	leases       map[string]*domain.Lease
	properties   map[string]*domain.Property
	deposits     map[string]*domain.EscrowDeposit
	anomalies    []domain.Anomaly
	audit        []*domain.AuditRecord

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sem:          make(chan struct{}, 1),
		entryIdx:     make(map[string]int),
		balances:     make(map[domain.BalanceKey]*domain.WalletBalance),
		listings:     make(map[string]*domain.Listing),
		reservations: make(map[string]*domain.Reservation),
		payments:     make(map[string]*domain.PaymentSplit),
		leases:       make(map[string]*domain.Lease),
		properties:   make(map[string]*domain.Property),
		deposits:     make(map[string]*domain.EscrowDeposit),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// WithTx runs fn with exclusive write access. Waiting for access honours ctx.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", domain.ErrBusy, ctx.Err())
	}
	defer func() { <-m.sem }()

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{m: m}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// AuditTrail returns a copy of every audit record written so far.
func (m *MemoryStore) AuditTrail() []domain.AuditRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.AuditRecord, 0, len(m.audit))
	for _, a := range m.audit {
		out = append(out, *a)
	}
	return out
}

// --- reads ---

func (m *MemoryStore) GetBalance(_ context.Context, key domain.BalanceKey) (*domain.WalletBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balanceLocked(key), nil
}

func (m *MemoryStore) balanceLocked(key domain.BalanceKey) *domain.WalletBalance {
	if b, ok := m.balances[key]; ok {
		cp := *b
		return &cp
	}
	return &domain.WalletBalance{UserID: key.UserID, BalanceClass: key.BalanceClass}
}

func (m *MemoryStore) ListBalances(context.Context) ([]*domain.WalletBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balancesLocked(), nil
}

func (m *MemoryStore) balancesLocked() []*domain.WalletBalance {
	out := make([]*domain.WalletBalance, 0, len(m.balances))
	for _, b := range m.balances {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].BalanceClass < out[j].BalanceClass
	})
	return out
}

func (m *MemoryStore) ListEntries(_ context.Context, q EntryQuery) ([]*domain.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.LedgerEntry
	for _, e := range m.entries {
		if e.UserID != q.UserID {
			continue
		}
		if q.BalanceClass != "" && e.BalanceClass != q.BalanceClass {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if q.Cursor != nil {
		c := q.Cursor
		idx := sort.Search(len(out), func(i int) bool {
			e := out[i]
			return e.CreatedAt.Before(c.CreatedAt) || (e.CreatedAt.Equal(c.CreatedAt) && e.ID < c.ID)
		})
		out = out[idx:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) SuccessTotals(context.Context) ([]domain.EntryTotal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalsLocked(), nil
}

// LedgerSnapshot holds the read lock across both reads.
func (m *MemoryStore) LedgerSnapshot(context.Context) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Snapshot{Totals: m.totalsLocked(), Balances: m.balancesLocked()}, nil
}

func (m *MemoryStore) totalsLocked() []domain.EntryTotal {
	type groupKey struct {
		user  string
		class domain.BalanceClass
		kind  domain.Kind
	}
	sums := make(map[groupKey]int64)
	for _, e := range m.entries {
		if e.Status != domain.EntrySuccess {
			continue
		}
		sums[groupKey{e.UserID, e.BalanceClass, e.Kind}] += e.Amount
	}
	out := make([]domain.EntryTotal, 0, len(sums))
	for k, v := range sums {
		out = append(out, domain.EntryTotal{UserID: k.user, BalanceClass: k.class, Kind: k.kind, Sum: v})
	}
	return out
}

func (m *MemoryStore) GetListing(_ context.Context, id string) (*domain.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listingLocked(id)
}

func (m *MemoryStore) listingLocked(id string) (*domain.Listing, error) {
	l, ok := m.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, domain.ErrNotFound)
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) GetReservation(_ context.Context, id string) (*domain.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reservationLocked(id)
}

func (m *MemoryStore) reservationLocked(id string) (*domain.Reservation, error) {
	r, ok := m.reservations[id]
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", id, domain.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ExpiredHolds(_ context.Context, cutoff time.Time, limit int) ([]*domain.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inFlight := make(map[string]bool)
	for _, p := range m.payments {
		if p.Status == domain.PaymentPending {
			inFlight[p.Reference] = true
		}
	}
	var out []*domain.Reservation
	for _, r := range m.reservations {
		if r.Status != domain.ReservationConfirmed || !r.UpdatedAt.Before(cutoff) || inFlight[r.ID] {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetPaymentSplit(_ context.Context, providerTxID string) (*domain.PaymentSplit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paymentLocked(providerTxID)
}

func (m *MemoryStore) paymentLocked(providerTxID string) (*domain.PaymentSplit, error) {
	p, ok := m.payments[providerTxID]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", providerTxID, domain.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) StalePayments(_ context.Context, cutoff time.Time, after *pagination.Cursor, limit int) ([]*domain.PaymentSplit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.PaymentSplit
	for _, p := range m.payments {
		if p.Status == domain.PaymentPending && p.CreatedAt.Before(cutoff) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ProviderTransactionID < out[j].ProviderTransactionID
	})
	if after != nil {
		idx := sort.Search(len(out), func(i int) bool {
			p := out[i]
			return p.CreatedAt.After(after.CreatedAt) ||
				(p.CreatedAt.Equal(after.CreatedAt) && p.ProviderTransactionID > after.ID)
		})
		out = out[idx:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetLease(_ context.Context, id string) (*domain.Lease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leaseLocked(id)
}

func (m *MemoryStore) leaseLocked(id string) (*domain.Lease, error) {
	l, ok := m.leases[id]
	if !ok {
		return nil, fmt.Errorf("lease %s: %w", id, domain.ErrNotFound)
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) GetProperty(_ context.Context, id string) (*domain.Property, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.properties[id]
	if !ok {
		return nil, fmt.Errorf("property %s: %w", id, domain.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetEscrowDeposit(_ context.Context, leaseID string) (*domain.EscrowDeposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deposits[leaseID]
	if !ok {
		return nil, fmt.Errorf("deposit for lease %s: %w", leaseID, domain.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) InsertAnomalies(_ context.Context, anomalies []domain.Anomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anomalies = append(m.anomalies, anomalies...)
	return nil
}

func (m *MemoryStore) ListAnomalies(_ context.Context, runID string) ([]domain.Anomaly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Anomaly
	for _, a := range m.anomalies {
		if runID == "" || a.RunID == runID {
			out = append(out, a)
		}
	}
	return out, nil
}

// --- atomic unit ---

type memTx struct {
	m    *MemoryStore
	undo []func()
}

func (t *memTx) onRollback(fn func()) { t.undo = append(t.undo, fn) }

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) InsertEntry(_ context.Context, e *domain.LedgerEntry) error {
	m := t.m
	if _, dup := m.entryIdx[e.ID]; dup {
		return fmt.Errorf("entry %s: %w", e.ID, domain.ErrConflict)
	}
	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
		e.CreatedAt = cp.CreatedAt
	}
	m.entries = append(m.entries, &cp)
	m.entryIdx[cp.ID] = len(m.entries) - 1
	t.onRollback(func() {
		m.entries = m.entries[:len(m.entries)-1]
		delete(m.entryIdx, cp.ID)
	})
	return nil
}

func (t *memTx) SetEntryStatus(_ context.Context, id string, from, to domain.EntryStatus) error {
	m := t.m
	i, ok := m.entryIdx[id]
	if !ok {
		return fmt.Errorf("entry %s: %w", id, domain.ErrNotFound)
	}
	e := m.entries[i]
	if e.Status != from {
		return fmt.Errorf("entry %s is %s: %w", id, e.Status, domain.ErrStaleState)
	}
	e.Status = to
	t.onRollback(func() { e.Status = from })
	return nil
}

func (t *memTx) EntriesByExternalRef(_ context.Context, ref string) ([]*domain.LedgerEntry, error) {
	var out []*domain.LedgerEntry
	for _, e := range t.m.entries {
		if e.ExternalReference == ref {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (t *memTx) GetBalance(_ context.Context, key domain.BalanceKey) (*domain.WalletBalance, error) {
	return t.m.balanceLocked(key), nil
}

func (t *memTx) SettledSum(_ context.Context, key domain.BalanceKey) (int64, error) {
	var sum int64
	for _, e := range t.m.entries {
		if e.UserID == key.UserID && e.BalanceClass == key.BalanceClass && e.Status == domain.EntrySuccess {
			sum += e.Delta()
		}
	}
	return sum, nil
}

func (t *memTx) CompareAndSetBalance(_ context.Context, key domain.BalanceKey, expectedVersion, newBalance int64) (*domain.WalletBalance, error) {
	m := t.m
	prev, exists := m.balances[key]
	var current int64
	if exists {
		current = prev.Version
	}
	if current != expectedVersion {
		return nil, fmt.Errorf("%s at version %d, expected %d: %w", key, current, expectedVersion, domain.ErrVersionConflict)
	}
	if newBalance < 0 {
		return nil, fmt.Errorf("%s: %w", key, domain.ErrInsufficientFunds)
	}
	next := &domain.WalletBalance{
		UserID:       key.UserID,
		BalanceClass: key.BalanceClass,
		Balance:      newBalance,
		Version:      current + 1,
		UpdatedAt:    m.now(),
	}
	m.balances[key] = next
	t.onRollback(func() {
		if exists {
			m.balances[key] = prev
		} else {
			delete(m.balances, key)
		}
	})
	cp := *next
	return &cp, nil
}

func (t *memTx) GetListing(_ context.Context, id string) (*domain.Listing, error) {
	return t.m.listingLocked(id)
}

func (t *memTx) UpsertListing(_ context.Context, l *domain.Listing) error {
	m := t.m
	prev, exists := m.listings[l.ID]
	cp := *l
	m.listings[l.ID] = &cp
	t.onRollback(func() {
		if exists {
			m.listings[l.ID] = prev
		} else {
			delete(m.listings, cp.ID)
		}
	})
	return nil
}

// LockListing is a no-op: units already run one at a time.
func (t *memTx) LockListing(context.Context, string) error { return nil }

func (t *memTx) HoldingReservations(_ context.Context, listingID string, start, end time.Time, excludeID string) ([]*domain.Reservation, error) {
	var out []*domain.Reservation
	for _, r := range t.m.reservations {
		if r.ListingID != listingID || r.ID == excludeID || !r.Status.HoldsDates() {
			continue
		}
		if r.Overlaps(start, end) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (t *memTx) InsertReservation(_ context.Context, r *domain.Reservation) error {
	m := t.m
	if _, dup := m.reservations[r.ID]; dup {
		return fmt.Errorf("reservation %s: %w", r.ID, domain.ErrConflict)
	}
	cp := *r
	now := m.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	r.CreatedAt, r.UpdatedAt = cp.CreatedAt, cp.UpdatedAt
	m.reservations[r.ID] = &cp
	t.onRollback(func() { delete(m.reservations, cp.ID) })
	return nil
}

func (t *memTx) GetReservation(_ context.Context, id string) (*domain.Reservation, error) {
	return t.m.reservationLocked(id)
}

func (t *memTx) SetReservationStatus(_ context.Context, id string, from []domain.ReservationStatus, to domain.ReservationStatus) error {
	m := t.m
	r, ok := m.reservations[id]
	if !ok {
		return fmt.Errorf("reservation %s: %w", id, domain.ErrNotFound)
	}
	if !containsStatus(from, r.Status) {
		return fmt.Errorf("reservation %s is %s: %w", id, r.Status, domain.ErrStaleState)
	}
	prev := *r
	r.Status = to
	r.UpdatedAt = m.now()
	t.onRollback(func() { *r = prev })
	return nil
}

func (t *memTx) InsertPaymentSplit(_ context.Context, p *domain.PaymentSplit) error {
	m := t.m
	if _, dup := m.payments[p.ProviderTransactionID]; dup {
		return fmt.Errorf("payment %s: %w", p.ProviderTransactionID, domain.ErrConflict)
	}
	cp := *p
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
		p.CreatedAt = cp.CreatedAt
	}
	m.payments[cp.ProviderTransactionID] = &cp
	t.onRollback(func() { delete(m.payments, cp.ProviderTransactionID) })
	return nil
}

func (t *memTx) GetPaymentSplit(_ context.Context, providerTxID string) (*domain.PaymentSplit, error) {
	return t.m.paymentLocked(providerTxID)
}

func (t *memTx) SettlePaymentSplit(_ context.Context, providerTxID string, to domain.PaymentStatus, reason string, at time.Time) error {
	p, ok := t.m.payments[providerTxID]
	if !ok {
		return fmt.Errorf("payment %s: %w", providerTxID, domain.ErrNotFound)
	}
	if p.Status != domain.PaymentPending {
		return fmt.Errorf("payment %s is %s: %w", providerTxID, p.Status, domain.ErrStaleState)
	}
	prev := *p
	p.Status = to
	p.FailureReason = reason
	settled := at
	p.SettledAt = &settled
	t.onRollback(func() { *p = prev })
	return nil
}

func (t *memTx) SetProviderRef(_ context.Context, providerTxID, ref string) error {
	p, ok := t.m.payments[providerTxID]
	if !ok {
		return fmt.Errorf("payment %s: %w", providerTxID, domain.ErrNotFound)
	}
	prev := p.ProviderRef
	p.ProviderRef = ref
	t.onRollback(func() { p.ProviderRef = prev })
	return nil
}

func (t *memTx) LockLease(_ context.Context, id string) (*domain.Lease, error) {
	return t.m.leaseLocked(id)
}

func (t *memTx) InsertLease(_ context.Context, l *domain.Lease) error {
	m := t.m
	if _, dup := m.leases[l.ID]; dup {
		return fmt.Errorf("lease %s: %w", l.ID, domain.ErrConflict)
	}
	cp := *l
	cp.UpdatedAt = m.now()
	m.leases[l.ID] = &cp
	t.onRollback(func() { delete(m.leases, cp.ID) })
	return nil
}

func (t *memTx) UpdateLease(_ context.Context, l *domain.Lease) error {
	m := t.m
	prev, ok := m.leases[l.ID]
	if !ok {
		return fmt.Errorf("lease %s: %w", l.ID, domain.ErrNotFound)
	}
	cp := *l
	cp.UpdatedAt = m.now()
	m.leases[l.ID] = &cp
	t.onRollback(func() { m.leases[cp.ID] = prev })
	return nil
}

func (t *memTx) UpsertProperty(_ context.Context, p *domain.Property) error {
	m := t.m
	prev, exists := m.properties[p.ID]
	cp := *p
	m.properties[p.ID] = &cp
	t.onRollback(func() {
		if exists {
			m.properties[cp.ID] = prev
		} else {
			delete(m.properties, cp.ID)
		}
	})
	return nil
}

func (t *memTx) SetPropertyAvailable(_ context.Context, id string, available bool) error {
	p, ok := t.m.properties[id]
	if !ok {
		return fmt.Errorf("property %s: %w", id, domain.ErrNotFound)
	}
	prev := p.Available
	p.Available = available
	t.onRollback(func() { p.Available = prev })
	return nil
}

func (t *memTx) InsertEscrowDeposit(_ context.Context, d *domain.EscrowDeposit) error {
	m := t.m
	if _, dup := m.deposits[d.LeaseID]; dup {
		return fmt.Errorf("deposit for lease %s: %w", d.LeaseID, domain.ErrConflict)
	}
	cp := *d
	if cp.SettledAt.IsZero() {
		cp.SettledAt = m.now()
	}
	m.deposits[d.LeaseID] = &cp
	t.onRollback(func() { delete(m.deposits, cp.LeaseID) })
	return nil
}

func (t *memTx) InsertAudit(_ context.Context, a *domain.AuditRecord) error {
	m := t.m
	cp := *a
	cp.ID = int64(len(m.audit) + 1)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	m.audit = append(m.audit, &cp)
	t.onRollback(func() { m.audit = m.audit[:len(m.audit)-1] })
	return nil
}
