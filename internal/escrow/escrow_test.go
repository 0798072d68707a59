package escrow

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rentledger/internal/auth"
	"github.com/mbd888/rentledger/internal/domain"
	"github.com/mbd888/rentledger/internal/events"
	"github.com/mbd888/rentledger/internal/ledger"
	"github.com/mbd888/rentledger/internal/retry"
	"github.com/mbd888/rentledger/internal/store"
)

var (
	owner  = auth.Principal{UserID: "owner_1", Role: auth.RoleOwner}
	tenant = auth.Principal{UserID: "tenant_1", Role: auth.RoleTenant}
)

type fixture struct {
	svc    *Service
	store  *store.MemoryStore
	wallet *ledger.Service
	rec    *events.Recorder
}

func newFixture(t *testing.T, status domain.LeaseStatus) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	rec := &events.Recorder{}
	wallet := ledger.New(st, logger, ledger.WithRetryPolicy(retry.Policy{MaxAttempts: 5, BaseDelay: time.Microsecond}))
	svc := NewService(st, wallet, logger, WithPublisher(events.NewMulti(logger, rec)))

	ctx := context.Background()
	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.UpsertProperty(ctx, &domain.Property{ID: "P", OwnerID: "owner_1", Available: false}); err != nil {
			return err
		}
		return tx.InsertLease(ctx, &domain.Lease{
			ID: "lease_1", PropertyID: "P", OwnerID: "owner_1", TenantID: "tenant_1",
			MonthlyRent: 120000, DepositAmount: 500000, Status: status, IsActive: status == domain.LeaseActive,
			StartDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		})
	}))
	return &fixture{svc: svc, store: st, wallet: wallet, rec: rec}
}

func (f *fixture) balance(t *testing.T, user string) int64 {
	t.Helper()
	b, err := f.wallet.CurrentBalance(context.Background(), user, domain.ClassWallet)
	require.NoError(t, err)
	return b
}

func TestSettleDeposit_SplitsBetweenOwnerAndTenant(t *testing.T) {
	f := newFixture(t, domain.LeaseActive)
	ctx := context.Background()

	dep, err := f.svc.SettleDeposit(ctx, owner, "lease_1", 100000)
	require.NoError(t, err)
	assert.Equal(t, int64(400000), dep.RefundAmount)
	assert.Equal(t, dep.DepositAmount, dep.DeductionAmount+dep.RefundAmount)

	assert.Equal(t, int64(100000), f.balance(t, "owner_1"))
	assert.Equal(t, int64(400000), f.balance(t, "tenant_1"))

	l, err := f.store.GetLease(ctx, "lease_1")
	require.NoError(t, err)
	assert.Equal(t, domain.LeaseTerminated, l.Status)
	assert.False(t, l.IsActive)
	assert.NotNil(t, l.TerminatedAt)

	p, err := f.store.GetProperty(ctx, "P")
	require.NoError(t, err)
	assert.True(t, p.Available)

	stored, err := f.store.GetEscrowDeposit(ctx, "lease_1")
	require.NoError(t, err)
	assert.Equal(t, "owner_1", stored.SettledBy)

	require.Len(t, f.rec.OfType(events.DepositSettled), 1)
	trail := f.store.AuditTrail()
	require.NotEmpty(t, trail)
	assert.Equal(t, "settle_deposit", trail[len(trail)-1].Action)
}

func TestSettleDeposit_Boundaries(t *testing.T) {
	tests := []struct {
		name       string
		deduction  int64
		wantOwner  int64
		wantTenant int64
	}{
		{"full refund", 0, 0, 500000},
		{"full deduction", 500000, 500000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, domain.LeaseActive)
			_, err := f.svc.SettleDeposit(context.Background(), owner, "lease_1", tt.deduction)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOwner, f.balance(t, "owner_1"))
			assert.Equal(t, tt.wantTenant, f.balance(t, "tenant_1"))
		})
	}
}

func TestSettleDeposit_Rejections(t *testing.T) {
	f := newFixture(t, domain.LeaseActive)
	ctx := context.Background()

	_, err := f.svc.SettleDeposit(ctx, owner, "lease_1", -1)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.SettleDeposit(ctx, owner, "lease_1", 500001)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.SettleDeposit(ctx, tenant, "lease_1", 0)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.svc.SettleDeposit(ctx, owner, "missing", 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	l, err := f.store.GetLease(ctx, "lease_1")
	require.NoError(t, err)
	assert.Equal(t, domain.LeaseActive, l.Status, "rejections leave the lease untouched")
	assert.Zero(t, f.balance(t, "tenant_1"))

	_, err = f.svc.SettleDeposit(ctx, auth.System, "lease_1", 0)
	require.NoError(t, err)
	_, err = f.svc.SettleDeposit(ctx, owner, "lease_1", 0)
	assert.ErrorIs(t, err, domain.ErrStaleState, "a terminated lease cannot be settled twice")
	assert.Equal(t, int64(500000), f.balance(t, "tenant_1"))
}

func TestSettleDeposit_PendingLease(t *testing.T) {
	f := newFixture(t, domain.LeasePending)
	_, err := f.svc.SettleDeposit(context.Background(), owner, "lease_1", 0)
	assert.ErrorIs(t, err, domain.ErrStaleState)
}

func TestSettleDeposit_ConcurrentSettlesPayOnce(t *testing.T) {
	f := newFixture(t, domain.LeaseActive)
	ctx := context.Background()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.SettleDeposit(ctx, owner, "lease_1", 100000); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, int64(100000), f.balance(t, "owner_1"))
	assert.Equal(t, int64(400000), f.balance(t, "tenant_1"))
}

func TestGetLease_Visibility(t *testing.T) {
	f := newFixture(t, domain.LeaseActive)
	ctx := context.Background()

	for _, p := range []auth.Principal{owner, tenant, auth.System} {
		_, err := f.svc.GetLease(ctx, p, "lease_1")
		assert.NoError(t, err, p.UserID)
	}
	_, err := f.svc.GetLease(ctx, auth.Principal{UserID: "stranger", Role: auth.RoleGuest}, "lease_1")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.svc.GetDeposit(ctx, tenant, "lease_1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
