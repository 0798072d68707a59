// Package arrears classifies how far behind a lease's rent is.
//
// Rent is paid one rental month at a time; each payment moves the lease's
// paid-through date forward by one month. The month starting at the
// paid-through date falls due DueDay-1 days after it starts and becomes late
// GraceDays after that. Only whole months are counted.
package arrears

import (
	"context"
	"time"

	"github.com/mbd888/rentledger/internal/auth"
	"github.com/mbd888/rentledger/internal/config"
	"github.com/mbd888/rentledger/internal/domain"
	"github.com/mbd888/rentledger/internal/store"
)

// Status classifies a lease's rent position.
type Status string

const (
	StatusCurrent Status = "CURRENT"
	StatusDue     Status = "DUE"
	StatusLate    Status = "LATE"
)

// maxMonths bounds the walk for leases with absurd start dates.
const maxMonths = 1200

// Assessment is the rent position of a lease at a point in time.
type Assessment struct {
	LeaseID         string    `json:"leaseId"`
	Status          Status    `json:"status"`
	MonthsInArrears int       `json:"monthsInArrears"`
	AmountDue       int64     `json:"amountDue"`
	NextDueDate     time.Time `json:"nextDueDate,omitempty"`
	AssessedAt      time.Time `json:"assessedAt"`
}

// Assess classifies l at now. Leases that are not ACTIVE owe nothing.
func Assess(p config.ArrearsPolicy, l *domain.Lease, now time.Time) Assessment {
	a := Assessment{LeaseID: l.ID, Status: StatusCurrent, AssessedAt: now}
	if l.Status != domain.LeaseActive {
		return a
	}

	period := l.CoveredUntil()
	firstDue := dueDate(p, period)
	a.NextDueDate = firstDue
	for i := 0; i < maxMonths && !now.Before(dueDate(p, period)); i++ {
		a.MonthsInArrears++
		period = period.AddDate(0, 1, 0)
	}
	if a.MonthsInArrears == 0 {
		return a
	}

	a.AmountDue = int64(a.MonthsInArrears) * l.MonthlyRent
	a.Status = StatusDue
	if !now.Before(firstDue.AddDate(0, 0, p.GraceDays)) {
		a.Status = StatusLate
	}
	return a
}

func dueDate(p config.ArrearsPolicy, periodStart time.Time) time.Time {
	if p.DueDay <= 1 {
		return periodStart
	}
	return periodStart.AddDate(0, 0, p.DueDay-1)
}

// Service assesses stored leases.
type Service struct {
	store  store.Reader
	policy config.ArrearsPolicy
	now    func() time.Time
}

// NewService creates an arrears service.
func NewService(st store.Reader, policy config.ArrearsPolicy) *Service {
	return &Service{store: st, policy: policy, now: func() time.Time { return time.Now().UTC() }}
}

// Assess loads a lease visible to actor and assesses it now.
func (s *Service) Assess(ctx context.Context, actor auth.Principal, leaseID string) (*Assessment, error) {
	l, err := s.store.GetLease(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !l.IsParty(actor.UserID) {
		return nil, domain.ErrForbidden
	}
	a := Assess(s.policy, l, s.now())
	return &a, nil
}
