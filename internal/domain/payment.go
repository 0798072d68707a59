package domain

import "time"

// PaymentPurpose says what a payment settles.
type PaymentPurpose string

const (
	PurposeBooking PaymentPurpose = "BOOKING"
	PurposeLease   PaymentPurpose = "LEASE"
)

// PaymentStatus is the PaymentSplit state machine: PENDING -> SUCCESS | FAILED.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentSuccess PaymentStatus = "SUCCESS"
	PaymentFailed  PaymentStatus = "FAILED"
)

// Terminal reports whether the split has been settled either way.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentSuccess || s == PaymentFailed
}

// PaymentSplit is one provider payment and how it divides between payees.
// ProviderTransactionID is unique and is the idempotency key for callbacks.
type PaymentSplit struct {
	ID                    string         `json:"id"`
	Purpose               PaymentPurpose `json:"purpose"`
	Reference             string         `json:"reference"` // booking or lease id
	PayerID               string         `json:"payerId"`
	PayerPhone            string         `json:"payerPhone,omitempty"`
	GrossAmount           int64          `json:"grossAmount"`
	HostID                string         `json:"hostId"`
	HostPayout            int64          `json:"hostPayout"`
	PlatformCommission    int64          `json:"platformCommission"`
	AgencyID              string         `json:"agencyId,omitempty"`
	AgencyCommission      int64          `json:"agencyCommission"`
	ProviderTransactionID string         `json:"providerTransactionId"`
	ProviderRef           string         `json:"-"`
	Status                PaymentStatus  `json:"status"`
	FailureReason         string         `json:"failureReason,omitempty"`
	CreatedAt             time.Time      `json:"createdAt"`
	SettledAt             *time.Time     `json:"settledAt,omitempty"`
}

// Conserves reports whether the shares add up to the gross amount exactly.
func (p *PaymentSplit) Conserves() bool {
	if p.HostPayout < 0 || p.PlatformCommission < 0 || p.AgencyCommission < 0 {
		return false
	}
	return p.HostPayout+p.PlatformCommission+p.AgencyCommission == p.GrossAmount
}
