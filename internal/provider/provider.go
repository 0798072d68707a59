// Package provider talks to the external payment provider.
//
// Two calls matter: Checkout opens a hosted payment page for a provider
// transaction id we minted, and Verify is the server-to-server status check
// used before any callback is believed.
package provider

import (
	"context"
	"errors"
)

// Status is the provider's view of a payment.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// ParseStatus maps the loose status strings providers send in callbacks.
// Anything unrecognised is StatusPending, which settles nothing.
func ParseStatus(s string) Status {
	switch s {
	case "SUCCESS", "success", "Success", "COMPLETED", "completed", "paid", "PAID", "succeeded":
		return StatusSuccess
	case "FAILED", "failed", "Failed", "CANCELLED", "cancelled", "canceled", "expired", "EXPIRED", "declined":
		return StatusFailed
	}
	return StatusPending
}

// ErrUnknownPayment is returned by Verify when the provider has no record of
// the transaction.
var ErrUnknownPayment = errors.New("provider has no such payment")

// CheckoutRequest opens a payment page for one PaymentSplit.
type CheckoutRequest struct {
	ProviderTransactionID string
	Amount                int64
	Description           string
	PayerPhone            string
}

// CheckoutSession is where the payer is sent.
type CheckoutSession struct {
	RedirectURL string
	ProviderRef string
}

// VerifyRequest identifies a payment to check.
type VerifyRequest struct {
	ProviderTransactionID string
	ProviderRef           string
}

// Verification is the provider's authoritative answer.
type Verification struct {
	Status Status
	Amount int64
}

// Gateway is a payment provider.
type Gateway interface {
	Name() string
	Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	Verify(ctx context.Context, req VerifyRequest) (*Verification, error)
}
