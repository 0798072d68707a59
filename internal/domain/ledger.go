// Package domain holds the records shared by the ledger, booking, settlement
// and reconciliation components.
//
// All money is an int64 count of minor currency units. There is exactly one
// currency.
package domain

import (
	"fmt"
	"time"
)

// Kind is the direction-bearing type of a ledger entry.
type Kind string

const (
	KindCredit     Kind = "CREDIT"
	KindDebit      Kind = "DEBIT"
	KindRefund     Kind = "REFUND"
	KindInvestment Kind = "INVESTMENT"
	KindPayment    Kind = "PAYMENT"
)

// Sign returns +1 for kinds that increase a balance and -1 for kinds that
// decrease it.
func (k Kind) Sign() int64 {
	switch k {
	case KindCredit, KindRefund:
		return 1
	default:
		return -1
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCredit, KindDebit, KindRefund, KindInvestment, KindPayment:
		return true
	}
	return false
}

// BalanceClass separates the independent balances a user holds.
type BalanceClass string

const (
	ClassWallet   BalanceClass = "WALLET"
	ClassEscrow   BalanceClass = "ESCROW"
	ClassReferral BalanceClass = "REFERRAL"
)

// Valid reports whether c is a known balance class.
func (c BalanceClass) Valid() bool {
	switch c {
	case ClassWallet, ClassEscrow, ClassReferral:
		return true
	}
	return false
}

// ParseBalanceClass accepts the upper-case class name.
func ParseBalanceClass(s string) (BalanceClass, error) {
	c := BalanceClass(s)
	if !c.Valid() {
		return "", Invalid("balanceClass", "unknown balance class %q", s)
	}
	return c, nil
}

// EntryStatus is the settlement state of a ledger entry.
type EntryStatus string

const (
	EntryPending EntryStatus = "PENDING"
	EntrySuccess EntryStatus = "SUCCESS"
	EntryFailed  EntryStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s EntryStatus) Terminal() bool {
	return s == EntrySuccess || s == EntryFailed
}

// LedgerEntry records one monetary movement. Only Status ever changes after
// insert, and only once, from PENDING.
type LedgerEntry struct {
	ID                string       `json:"id"`
	UserID            string       `json:"userId"`
	Amount            int64        `json:"amount"`
	Kind              Kind         `json:"kind"`
	BalanceClass      BalanceClass `json:"balanceClass"`
	Status            EntryStatus  `json:"status"`
	Reason            string       `json:"reason"`
	ExternalReference string       `json:"externalReference,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
}

// Delta is the signed effect the entry has on its balance once settled.
func (e *LedgerEntry) Delta() int64 {
	return e.Kind.Sign() * e.Amount
}

// Validate checks the insert-time invariants.
func (e *LedgerEntry) Validate() error {
	if e.UserID == "" {
		return Invalid("userId", "is required")
	}
	if e.Amount <= 0 {
		return Invalid("amount", "must be positive, got %d", e.Amount)
	}
	if !e.Kind.Valid() {
		return Invalid("kind", "unknown kind %q", e.Kind)
	}
	if !e.BalanceClass.Valid() {
		return Invalid("balanceClass", "unknown balance class %q", e.BalanceClass)
	}
	switch e.Status {
	case EntryPending, EntrySuccess, EntryFailed:
	default:
		return Invalid("status", "unknown status %q", e.Status)
	}
	return nil
}

// WalletBalance is the cached balance for one (user, class). Version 0 means
// the row does not exist yet.
type WalletBalance struct {
	UserID       string       `json:"userId"`
	BalanceClass BalanceClass `json:"balanceClass"`
	Balance      int64        `json:"balance"`
	Version      int64        `json:"version"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// BalanceKey identifies a WalletBalance row.
type BalanceKey struct {
	UserID       string
	BalanceClass BalanceClass
}

func (k BalanceKey) String() string {
	return fmt.Sprintf("%s/%s", k.UserID, k.BalanceClass)
}

// EntryTotal is the sum of SUCCESS entries for one (user, class, kind).
type EntryTotal struct {
	UserID       string
	BalanceClass BalanceClass
	Kind         Kind
	Sum          int64
}
