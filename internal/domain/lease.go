package domain

import "time"

// LeaseStatus is the tenancy lifecycle state.
type LeaseStatus string

const (
	LeasePending    LeaseStatus = "PENDING"
	LeaseActive     LeaseStatus = "ACTIVE"
	LeaseTerminated LeaseStatus = "TERMINATED"
)

// Lease is a long-term tenancy of a property.
type Lease struct {
	ID            string      `json:"id"`
	PropertyID    string      `json:"propertyId"`
	OwnerID       string      `json:"ownerId"`
	TenantID      string      `json:"tenantId"`
	AgencyID      string      `json:"agencyId,omitempty"`
	MonthlyRent   int64       `json:"monthlyRent"`
	DepositAmount int64       `json:"depositAmount"`
	Status        LeaseStatus `json:"status"`
	IsActive      bool        `json:"isActive"`
	StartDate     time.Time   `json:"startDate"`
	PaidThrough   *time.Time  `json:"paidThrough,omitempty"`
	TerminatedAt  *time.Time  `json:"terminatedAt,omitempty"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// IsParty reports whether userID is the lease's owner, tenant or agency.
func (l *Lease) IsParty(userID string) bool {
	if userID == "" {
		return false
	}
	return userID == l.OwnerID || userID == l.TenantID || userID == l.AgencyID
}

// CoveredUntil is the exclusive end of the rent already paid, or the start
// date when nothing has been paid yet.
func (l *Lease) CoveredUntil() time.Time {
	if l.PaidThrough != nil {
		return *l.PaidThrough
	}
	return l.StartDate
}

// Property is the physical unit a lease occupies.
type Property struct {
	ID        string `json:"id"`
	OwnerID   string `json:"ownerId"`
	Available bool   `json:"available"`
}

// EscrowDeposit records how a held deposit was split at lease end.
type EscrowDeposit struct {
	LeaseID         string    `json:"leaseId"`
	DepositAmount   int64     `json:"depositAmount"`
	DeductionAmount int64     `json:"deductionAmount"`
	RefundAmount    int64     `json:"refundAmount"`
	SettledBy       string    `json:"settledBy"`
	SettledAt       time.Time `json:"settledAt"`
}

// Conserves reports whether deduction + refund == deposit with both in range.
func (d *EscrowDeposit) Conserves() bool {
	return d.DeductionAmount >= 0 && d.DeductionAmount <= d.DepositAmount &&
		d.DeductionAmount+d.RefundAmount == d.DepositAmount
}

// Anomaly is one reconciliation mismatch between the ledger and the cache.
type Anomaly struct {
	RunID        string       `json:"runId"`
	UserID       string       `json:"userId"`
	BalanceClass BalanceClass `json:"balanceClass"`
	Expected     int64        `json:"expected"`
	Actual       int64        `json:"actual"`
	Gap          int64        `json:"gap"` // actual - expected
	DetectedAt   time.Time    `json:"detectedAt"`
}
