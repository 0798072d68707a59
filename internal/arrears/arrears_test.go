package arrears

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rentledger/internal/auth"
	"github.com/mbd888/rentledger/internal/config"
	"github.com/mbd888/rentledger/internal/domain"
	"github.com/mbd888/rentledger/internal/store"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func activeLease(paidThrough *time.Time) *domain.Lease {
	return &domain.Lease{
		ID: "lease_1", OwnerID: "owner_1", TenantID: "tenant_1", MonthlyRent: 120000,
		Status: domain.LeaseActive, IsActive: true, StartDate: day(2025, 1, 1), PaidThrough: paidThrough,
	}
}

func TestAssess(t *testing.T) {
	policy := config.ArrearsPolicy{DueDay: 1, GraceDays: 5}
	paid := day(2025, 3, 1)

	tests := []struct {
		name       string
		lease      *domain.Lease
		now        time.Time
		wantStatus Status
		wantMonths int
		wantDue    int64
	}{
		{"paid ahead", activeLease(&paid), day(2025, 2, 20), StatusCurrent, 0, 0},
		{"due today", activeLease(&paid), day(2025, 3, 1), StatusDue, 1, 120000},
		{"within grace", activeLease(&paid), day(2025, 3, 5), StatusDue, 1, 120000},
		{"grace elapsed", activeLease(&paid), day(2025, 3, 6), StatusLate, 1, 120000},
		{"three months behind", activeLease(&paid), day(2025, 5, 2), StatusLate, 3, 360000},
		{"never paid", activeLease(nil), day(2025, 1, 3), StatusDue, 1, 120000},
		{"terminated", &domain.Lease{ID: "x", Status: domain.LeaseTerminated, StartDate: day(2020, 1, 1), MonthlyRent: 1}, day(2025, 1, 1), StatusCurrent, 0, 0},
		{"pending", &domain.Lease{ID: "y", Status: domain.LeasePending, StartDate: day(2020, 1, 1), MonthlyRent: 1}, day(2025, 1, 1), StatusCurrent, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Assess(policy, tt.lease, tt.now)
			assert.Equal(t, tt.wantStatus, a.Status)
			assert.Equal(t, tt.wantMonths, a.MonthsInArrears)
			assert.Equal(t, tt.wantDue, a.AmountDue)
		})
	}
}

func TestAssess_DueDayOffset(t *testing.T) {
	paid := day(2025, 3, 1)
	policy := config.ArrearsPolicy{DueDay: 5, GraceDays: 3}

	a := Assess(policy, activeLease(&paid), day(2025, 3, 4))
	assert.Equal(t, StatusCurrent, a.Status)
	assert.Equal(t, day(2025, 3, 5), a.NextDueDate)

	a = Assess(policy, activeLease(&paid), day(2025, 3, 7))
	assert.Equal(t, StatusDue, a.Status)

	a = Assess(policy, activeLease(&paid), day(2025, 3, 8))
	assert.Equal(t, StatusLate, a.Status)
}

func newService(t *testing.T) *Service {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	paid := day(2025, 3, 1)
	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertLease(ctx, activeLease(&paid))
	}))
	svc := NewService(st, config.ArrearsPolicy{DueDay: 1, GraceDays: 5})
	svc.now = func() time.Time { return day(2025, 4, 10) }
	return svc
}

func TestService_Assess(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	a, err := svc.Assess(ctx, auth.Principal{UserID: "tenant_1", Role: auth.RoleTenant}, "lease_1")
	require.NoError(t, err)
	assert.Equal(t, StatusLate, a.Status)
	assert.Equal(t, 2, a.MonthsInArrears)
	assert.Equal(t, int64(240000), a.AmountDue)

	_, err = svc.Assess(ctx, auth.Principal{UserID: "someone", Role: auth.RoleTenant}, "lease_1")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = svc.Assess(ctx, auth.System, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHandler_GetArrears(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newService(t)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyPrincipal, auth.Principal{UserID: "owner_1", Role: auth.RoleOwner})
		c.Next()
	})
	NewHandler(svc).RegisterProtectedRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/leases/lease_1/arrears", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var a Assessment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &a))
	assert.Equal(t, StatusLate, a.Status)
	assert.Equal(t, int64(240000), a.AmountDue)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/leases/bad%20id/arrears", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
