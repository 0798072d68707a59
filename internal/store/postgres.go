package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/rentledger/internal/domain"
	"github.com/mbd888/rentledger/internal/pagination"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithLockTimeout bounds how long a unit waits for a row or advisory lock
// before failing with domain.ErrBusy.
func WithLockTimeout(d time.Duration) PostgresOption {
	return func(p *PostgresStore) { p.lockTimeout = d }
}

// NewPostgresStore creates a PostgreSQL-backed store. The schema is managed by
// the goose migrations in migrations/.
func NewPostgresStore(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	p := &PostgresStore{db: db, lockTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// WithTx runs fn in a READ COMMITTED transaction. Balance updates rely on
// version compare-and-set rather than serializable isolation.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = sqlTx.Rollback() }()

	if p.lockTimeout > 0 {
		// SET does not accept bind parameters; the value is an integer we format.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", p.lockTimeout.Milliseconds())
		if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
			return mapErr(fmt.Errorf("failed to set lock timeout: %w", err))
		}
	}

	if err := fn(&pgTx{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapErr(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

// mapErr translates PostgreSQL error codes into the domain taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23505": // unique_violation
		return fmt.Errorf("%w: %w", domain.ErrConflict, err)
	case "23P01": // exclusion_violation
		return fmt.Errorf("%w: %w", domain.ErrDatesUnavailable, err)
	case "23514": // check_violation
		if pqErr.Constraint == "chk_balance_nonneg" {
			return fmt.Errorf("%w: %w", domain.ErrInsufficientFunds, err)
		}
		return fmt.Errorf("%w: %w", domain.ErrValidation, err)
	case "55P03": // lock_not_available
		return fmt.Errorf("%w: %w", domain.ErrBusy, err)
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return fmt.Errorf("%w: %w", domain.ErrVersionConflict, err)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

type rowScanner interface {
	Scan(dest ...any) error
}

// --- ledger ---

const entryColumns = `id, user_id, amount, kind, balance_class, status, reason, COALESCE(external_reference, ''), created_at`

func scanEntry(row rowScanner) (*domain.LedgerEntry, error) {
	e := &domain.LedgerEntry{}
	if err := row.Scan(&e.ID, &e.UserID, &e.Amount, &e.Kind, &e.BalanceClass, &e.Status, &e.Reason, &e.ExternalReference, &e.CreatedAt); err != nil {
		return nil, err
	}
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]*domain.LedgerEntry, error) {
	defer func() { _ = rows.Close() }()
	var out []*domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func getBalance(ctx context.Context, q querier, key domain.BalanceKey) (*domain.WalletBalance, error) {
	b := &domain.WalletBalance{UserID: key.UserID, BalanceClass: key.BalanceClass}
	err := q.QueryRowContext(ctx, `
		SELECT balance, version, updated_at FROM wallet_balances
		WHERE user_id = $1 AND balance_class = $2
	`, key.UserID, string(key.BalanceClass)).Scan(&b.Balance, &b.Version, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to read balance: %w", err))
	}
	return b, nil
}

func (p *PostgresStore) GetBalance(ctx context.Context, key domain.BalanceKey) (*domain.WalletBalance, error) {
	return getBalance(ctx, p.db, key)
}

func (p *PostgresStore) ListBalances(ctx context.Context) ([]*domain.WalletBalance, error) {
	return listBalances(ctx, p.db)
}

func listBalances(ctx context.Context, q querier) ([]*domain.WalletBalance, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id, balance_class, balance, version, updated_at
		FROM wallet_balances ORDER BY user_id, balance_class
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.WalletBalance
	for rows.Next() {
		b := &domain.WalletBalance{}
		if err := rows.Scan(&b.UserID, &b.BalanceClass, &b.Balance, &b.Version, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListEntries(ctx context.Context, q EntryQuery) ([]*domain.LedgerEntry, error) {
	var (
		where = []string{"user_id = $1"}
		args  = []any{q.UserID}
	)
	if q.BalanceClass != "" {
		args = append(args, string(q.BalanceClass))
		where = append(where, fmt.Sprintf("balance_class = $%d", len(args)))
	}
	if q.Cursor != nil {
		args = append(args, q.Cursor.CreatedAt, q.Cursor.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return scanEntries(rows)
}

func (p *PostgresStore) SuccessTotals(ctx context.Context) ([]domain.EntryTotal, error) {
	return successTotals(ctx, p.db)
}

// LedgerSnapshot runs both reads in one REPEATABLE READ transaction, so a
// unit that commits between them is seen by both or by neither.
func (p *PostgresStore) LedgerSnapshot(ctx context.Context) (*Snapshot, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	totals, err := successTotals(ctx, tx)
	if err != nil {
		return nil, err
	}
	balances, err := listBalances(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to end snapshot: %w", err)
	}
	return &Snapshot{Totals: totals, Balances: balances}, nil
}

func successTotals(ctx context.Context, q querier) ([]domain.EntryTotal, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id, balance_class, kind, SUM(amount)
		FROM ledger_entries WHERE status = 'SUCCESS'
		GROUP BY user_id, balance_class, kind
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.EntryTotal
	for rows.Next() {
		var t domain.EntryTotal
		if err := rows.Scan(&t.UserID, &t.BalanceClass, &t.Kind, &t.Sum); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- bookings ---

func getListing(ctx context.Context, q querier, id string) (*domain.Listing, error) {
	l := &domain.Listing{}
	var agency sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT id, host_id, agency_id, nightly_rate, active FROM listings WHERE id = $1
	`, id).Scan(&l.ID, &l.HostID, &agency, &l.NightlyRate, &l.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("listing %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	l.AgencyID = agency.String
	return l, nil
}

func (p *PostgresStore) GetListing(ctx context.Context, id string) (*domain.Listing, error) {
	return getListing(ctx, p.db, id)
}

const reservationColumns = `id, listing_id, guest_id, start_date, end_date, status, nights, nightly_rate, fee_amount, total_price, created_at, updated_at`

func scanReservation(row rowScanner) (*domain.Reservation, error) {
	r := &domain.Reservation{}
	err := row.Scan(&r.ID, &r.ListingID, &r.GuestID, &r.StartDate, &r.EndDate, &r.Status,
		&r.Nights, &r.NightlyRate, &r.FeeAmount, &r.TotalPrice, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.StartDate = r.StartDate.UTC()
	r.EndDate = r.EndDate.UTC()
	return r, nil
}

func scanReservations(rows *sql.Rows) ([]*domain.Reservation, error) {
	defer func() { _ = rows.Close() }()
	var out []*domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func getReservation(ctx context.Context, q querier, id string) (*domain.Reservation, error) {
	r, err := scanReservation(q.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reservation %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return r, nil
}

func (p *PostgresStore) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	return getReservation(ctx, p.db, id)
}

func (p *PostgresStore) ExpiredHolds(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Reservation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+reservationColumns+` FROM reservations r
		WHERE r.status = 'CONFIRMED' AND r.updated_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM payment_splits ps WHERE ps.reference = r.id AND ps.status = 'PENDING'
		  )
		ORDER BY r.updated_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired holds: %w", err)
	}
	return scanReservations(rows)
}

// --- payments ---

const paymentColumns = `id, purpose, reference, payer_id, COALESCE(payer_phone, ''), gross_amount, host_id, host_payout,
	platform_commission, COALESCE(agency_id, ''), agency_commission, provider_tx_id, COALESCE(provider_ref, ''),
	status, COALESCE(failure_reason, ''), created_at, settled_at`

func scanPayment(row rowScanner) (*domain.PaymentSplit, error) {
	ps := &domain.PaymentSplit{}
	var settled sql.NullTime
	err := row.Scan(&ps.ID, &ps.Purpose, &ps.Reference, &ps.PayerID, &ps.PayerPhone, &ps.GrossAmount,
		&ps.HostID, &ps.HostPayout, &ps.PlatformCommission, &ps.AgencyID, &ps.AgencyCommission,
		&ps.ProviderTransactionID, &ps.ProviderRef, &ps.Status, &ps.FailureReason, &ps.CreatedAt, &settled)
	if err != nil {
		return nil, err
	}
	ps.SettledAt = timePtr(settled)
	return ps, nil
}

func getPayment(ctx context.Context, q querier, providerTxID string, forUpdate bool) (*domain.PaymentSplit, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_splits WHERE provider_tx_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	ps, err := scanPayment(q.QueryRowContext(ctx, query, providerTxID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", providerTxID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return ps, nil
}

func (p *PostgresStore) GetPaymentSplit(ctx context.Context, providerTxID string) (*domain.PaymentSplit, error) {
	return getPayment(ctx, p.db, providerTxID, false)
}

func (p *PostgresStore) StalePayments(ctx context.Context, cutoff time.Time, after *pagination.Cursor, limit int) ([]*domain.PaymentSplit, error) {
	var (
		where = []string{"status = 'PENDING'", "created_at < $1"}
		args  = []any{cutoff}
	)
	if after != nil {
		args = append(args, after.CreatedAt, after.ID)
		where = append(where, fmt.Sprintf("(created_at, provider_tx_id) > ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, limit)

	query := `SELECT ` + paymentColumns + ` FROM payment_splits WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY created_at, provider_tx_id LIMIT $%d`, len(args))
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale payments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.PaymentSplit
	for rows.Next() {
		ps, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

// --- leases ---

const leaseColumns = `id, property_id, owner_id, tenant_id, COALESCE(agency_id, ''), monthly_rent, deposit_amount,
	status, is_active, start_date, paid_through, terminated_at, updated_at`

func scanLease(row rowScanner) (*domain.Lease, error) {
	l := &domain.Lease{}
	var paidThrough, terminated sql.NullTime
	err := row.Scan(&l.ID, &l.PropertyID, &l.OwnerID, &l.TenantID, &l.AgencyID, &l.MonthlyRent, &l.DepositAmount,
		&l.Status, &l.IsActive, &l.StartDate, &paidThrough, &terminated, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.StartDate = l.StartDate.UTC()
	l.PaidThrough = timePtr(paidThrough)
	l.TerminatedAt = timePtr(terminated)
	return l, nil
}

func getLease(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Lease, error) {
	query := `SELECT ` + leaseColumns + ` FROM leases WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	l, err := scanLease(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lease %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return l, nil
}

func (p *PostgresStore) GetLease(ctx context.Context, id string) (*domain.Lease, error) {
	return getLease(ctx, p.db, id, false)
}

func (p *PostgresStore) GetProperty(ctx context.Context, id string) (*domain.Property, error) {
	prop := &domain.Property{}
	err := p.db.QueryRowContext(ctx, `SELECT id, owner_id, available FROM properties WHERE id = $1`, id).
		Scan(&prop.ID, &prop.OwnerID, &prop.Available)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("property %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return prop, nil
}

func (p *PostgresStore) GetEscrowDeposit(ctx context.Context, leaseID string) (*domain.EscrowDeposit, error) {
	d := &domain.EscrowDeposit{}
	err := p.db.QueryRowContext(ctx, `
		SELECT lease_id, deposit_amount, deduction_amount, refund_amount, settled_by, settled_at
		FROM escrow_deposits WHERE lease_id = $1
	`, leaseID).Scan(&d.LeaseID, &d.DepositAmount, &d.DeductionAmount, &d.RefundAmount, &d.SettledBy, &d.SettledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deposit for lease %s: %w", leaseID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// --- reconciliation ---

func (p *PostgresStore) InsertAnomalies(ctx context.Context, anomalies []domain.Anomaly) error {
	if len(anomalies) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO reconciliation_anomalies (run_id, user_id, balance_class, expected, actual, gap, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare anomaly insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, a := range anomalies {
		if _, err := stmt.ExecContext(ctx, a.RunID, a.UserID, string(a.BalanceClass), a.Expected, a.Actual, a.Gap, a.DetectedAt); err != nil {
			return fmt.Errorf("failed to record anomaly: %w", err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) ListAnomalies(ctx context.Context, runID string) ([]domain.Anomaly, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT run_id, user_id, balance_class, expected, actual, gap, detected_at
		FROM reconciliation_anomalies
		WHERE $1 = '' OR run_id = $1
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Anomaly
	for rows.Next() {
		var a domain.Anomaly
		if err := rows.Scan(&a.RunID, &a.UserID, &a.BalanceClass, &a.Expected, &a.Actual, &a.Gap, &a.DetectedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- atomic unit ---

type pgTx struct {
	q querier
}

func (t *pgTx) InsertEntry(ctx context.Context, e *domain.LedgerEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, amount, kind, balance_class, status, reason, external_reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.UserID, e.Amount, string(e.Kind), string(e.BalanceClass), string(e.Status), e.Reason,
		nullString(e.ExternalReference), e.CreatedAt)
	if err != nil {
		return mapErr(fmt.Errorf("failed to record entry: %w", err))
	}
	return nil
}

func (t *pgTx) SetEntryStatus(ctx context.Context, id string, from, to domain.EntryStatus) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE ledger_entries SET status = $3 WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return mapErr(fmt.Errorf("failed to update entry status: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entry %s not %s: %w", id, from, domain.ErrStaleState)
	}
	return nil
}

func (t *pgTx) EntriesByExternalRef(ctx context.Context, ref string) ([]*domain.LedgerEntry, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries WHERE external_reference = $1 ORDER BY created_at, id
	`, ref)
	if err != nil {
		return nil, mapErr(err)
	}
	return scanEntries(rows)
}

func (t *pgTx) GetBalance(ctx context.Context, key domain.BalanceKey) (*domain.WalletBalance, error) {
	return getBalance(ctx, t.q, key)
}

func (t *pgTx) SettledSum(ctx context.Context, key domain.BalanceKey) (int64, error) {
	var sum int64
	err := t.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN kind IN ('CREDIT', 'REFUND') THEN amount ELSE -amount END), 0)
		FROM ledger_entries
		WHERE user_id = $1 AND balance_class = $2 AND status = 'SUCCESS'
	`, key.UserID, string(key.BalanceClass)).Scan(&sum)
	if err != nil {
		return 0, mapErr(fmt.Errorf("failed to sum entries: %w", err))
	}
	return sum, nil
}

func (t *pgTx) CompareAndSetBalance(ctx context.Context, key domain.BalanceKey, expectedVersion, newBalance int64) (*domain.WalletBalance, error) {
	b := &domain.WalletBalance{UserID: key.UserID, BalanceClass: key.BalanceClass, Balance: newBalance}
	var err error
	if expectedVersion == 0 {
		err = t.q.QueryRowContext(ctx, `
			INSERT INTO wallet_balances (user_id, balance_class, balance, version, updated_at)
			VALUES ($1, $2, $3, 1, NOW())
			ON CONFLICT (user_id, balance_class) DO NOTHING
			RETURNING version, updated_at
		`, key.UserID, string(key.BalanceClass), newBalance).Scan(&b.Version, &b.UpdatedAt)
	} else {
		err = t.q.QueryRowContext(ctx, `
			UPDATE wallet_balances
			SET balance = $3, version = version + 1, updated_at = NOW()
			WHERE user_id = $1 AND balance_class = $2 AND version = $4
			RETURNING version, updated_at
		`, key.UserID, string(key.BalanceClass), newBalance, expectedVersion).Scan(&b.Version, &b.UpdatedAt)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s expected version %d: %w", key, expectedVersion, domain.ErrVersionConflict)
	}
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to update balance: %w", err))
	}
	return b, nil
}

func (t *pgTx) GetListing(ctx context.Context, id string) (*domain.Listing, error) {
	return getListing(ctx, t.q, id)
}

func (t *pgTx) UpsertListing(ctx context.Context, l *domain.Listing) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO listings (id, host_id, agency_id, nightly_rate, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			host_id = EXCLUDED.host_id, agency_id = EXCLUDED.agency_id,
			nightly_rate = EXCLUDED.nightly_rate, active = EXCLUDED.active
	`, l.ID, l.HostID, nullString(l.AgencyID), l.NightlyRate, l.Active)
	return mapErr(err)
}

func (t *pgTx) LockListing(ctx context.Context, listingID string) error {
	if _, err := t.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, listingID); err != nil {
		return mapErr(fmt.Errorf("failed to lock listing: %w", err))
	}
	return nil
}

func (t *pgTx) HoldingReservations(ctx context.Context, listingID string, start, end time.Time, excludeID string) ([]*domain.Reservation, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE listing_id = $1
		  AND status IN ('CONFIRMED', 'PAID', 'CHECKED_IN')
		  AND start_date < $3 AND end_date > $2
		  AND id <> $4
	`, listingID, start, end, excludeID)
	if err != nil {
		return nil, mapErr(err)
	}
	return scanReservations(rows)
}

func (t *pgTx) InsertReservation(ctx context.Context, r *domain.Reservation) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO reservations (id, listing_id, guest_id, start_date, end_date, status, nights, nightly_rate, fee_amount, total_price, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, r.ID, r.ListingID, r.GuestID, r.StartDate, r.EndDate, string(r.Status), r.Nights, r.NightlyRate,
		r.FeeAmount, r.TotalPrice, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return mapErr(fmt.Errorf("failed to insert reservation: %w", err))
	}
	return nil
}

func (t *pgTx) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	return getReservation(ctx, t.q, id)
}

func (t *pgTx) SetReservationStatus(ctx context.Context, id string, from []domain.ReservationStatus, to domain.ReservationStatus) error {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE reservations SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, string(to), pq.Array(fromStrs))
	if err != nil {
		return mapErr(fmt.Errorf("failed to update reservation: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := getReservation(ctx, t.q, id); err != nil {
			return err
		}
		return fmt.Errorf("reservation %s: %w", id, domain.ErrStaleState)
	}
	return nil
}

func (t *pgTx) InsertPaymentSplit(ctx context.Context, ps *domain.PaymentSplit) error {
	if ps.CreatedAt.IsZero() {
		ps.CreatedAt = time.Now().UTC()
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO payment_splits (id, purpose, reference, payer_id, payer_phone, gross_amount, host_id, host_payout,
			platform_commission, agency_id, agency_commission, provider_tx_id, provider_ref, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, ps.ID, string(ps.Purpose), ps.Reference, ps.PayerID, nullString(ps.PayerPhone), ps.GrossAmount, ps.HostID,
		ps.HostPayout, ps.PlatformCommission, nullString(ps.AgencyID), ps.AgencyCommission, ps.ProviderTransactionID,
		nullString(ps.ProviderRef), string(ps.Status), ps.CreatedAt)
	if err != nil {
		return mapErr(fmt.Errorf("failed to insert payment split: %w", err))
	}
	return nil
}

// GetPaymentSplit locks the row so concurrent settlers of the same
// transaction queue behind each other.
func (t *pgTx) GetPaymentSplit(ctx context.Context, providerTxID string) (*domain.PaymentSplit, error) {
	return getPayment(ctx, t.q, providerTxID, true)
}

func (t *pgTx) SettlePaymentSplit(ctx context.Context, providerTxID string, to domain.PaymentStatus, reason string, at time.Time) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE payment_splits SET status = $2, failure_reason = $3, settled_at = $4
		WHERE provider_tx_id = $1 AND status = 'PENDING'
	`, providerTxID, string(to), nullString(reason), at)
	if err != nil {
		return mapErr(fmt.Errorf("failed to settle payment: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("payment %s not pending: %w", providerTxID, domain.ErrStaleState)
	}
	return nil
}

func (t *pgTx) SetProviderRef(ctx context.Context, providerTxID, ref string) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE payment_splits SET provider_ref = $2 WHERE provider_tx_id = $1
	`, providerTxID, ref)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("payment %s: %w", providerTxID, domain.ErrNotFound)
	}
	return nil
}

func (t *pgTx) LockLease(ctx context.Context, id string) (*domain.Lease, error) {
	return getLease(ctx, t.q, id, true)
}

func (t *pgTx) InsertLease(ctx context.Context, l *domain.Lease) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO leases (id, property_id, owner_id, tenant_id, agency_id, monthly_rent, deposit_amount, status, is_active, start_date, paid_through, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
	`, l.ID, l.PropertyID, l.OwnerID, l.TenantID, nullString(l.AgencyID), l.MonthlyRent, l.DepositAmount,
		string(l.Status), l.IsActive, l.StartDate, nullTime(l.PaidThrough))
	return mapErr(err)
}

func (t *pgTx) UpdateLease(ctx context.Context, l *domain.Lease) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE leases SET status = $2, is_active = $3, paid_through = $4, terminated_at = $5, updated_at = NOW()
		WHERE id = $1
	`, l.ID, string(l.Status), l.IsActive, nullTime(l.PaidThrough), nullTime(l.TerminatedAt))
	if err != nil {
		return mapErr(fmt.Errorf("failed to update lease: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("lease %s: %w", l.ID, domain.ErrNotFound)
	}
	return nil
}

func (t *pgTx) UpsertProperty(ctx context.Context, prop *domain.Property) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO properties (id, owner_id, available) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET owner_id = EXCLUDED.owner_id, available = EXCLUDED.available
	`, prop.ID, prop.OwnerID, prop.Available)
	return mapErr(err)
}

func (t *pgTx) SetPropertyAvailable(ctx context.Context, id string, available bool) error {
	res, err := t.q.ExecContext(ctx, `UPDATE properties SET available = $2 WHERE id = $1`, id, available)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("property %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertEscrowDeposit(ctx context.Context, d *domain.EscrowDeposit) error {
	if d.SettledAt.IsZero() {
		d.SettledAt = time.Now().UTC()
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO escrow_deposits (lease_id, deposit_amount, deduction_amount, refund_amount, settled_by, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, d.LeaseID, d.DepositAmount, d.DeductionAmount, d.RefundAmount, d.SettledBy, d.SettledAt)
	if err != nil {
		return mapErr(fmt.Errorf("failed to record deposit settlement: %w", err))
	}
	return nil
}

func (t *pgTx) InsertAudit(ctx context.Context, a *domain.AuditRecord) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO audit_log (actor_id, actor_role, action, resource_type, resource_id, before_state, after_state, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7::JSONB, $8, NOW())
	`, a.ActorID, a.ActorRole, a.Action, a.ResourceType, a.ResourceID,
		nullString(a.BeforeState), nullString(a.AfterState), nullString(a.RequestID))
	return mapErr(err)
}
