// Package pricing computes booking prices and payment splits from the
// business policy.
//
// Every percentage is applied with half-up rounding to a whole minor unit.
// The payee (host or owner) always receives the remainder, so a split adds
// up to its gross amount exactly.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/mbd888/rentledger/internal/config"
)

// Share returns round_half_up(amount * rate).
func Share(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()
}

// Quote is a server-side booking price.
type Quote struct {
	Nights      int   `json:"nights"`
	NightlyRate int64 `json:"nightlyRate"`
	Base        int64 `json:"base"`
	Fee         int64 `json:"fee"`
	Total       int64 `json:"total"`
}

// BookingQuote prices nights at nightlyRate plus the guest fee.
func BookingQuote(p config.Policy, nightlyRate int64, nights int) Quote {
	base := nightlyRate * int64(nights)
	fee := Share(base, p.GuestFeeRate)
	return Quote{
		Nights:      nights,
		NightlyRate: nightlyRate,
		Base:        base,
		Fee:         fee,
		Total:       base + fee,
	}
}

// Split divides a gross amount among payee, platform and agency.
type Split struct {
	Gross    int64 `json:"gross"`
	Payee    int64 `json:"payee"`
	Platform int64 `json:"platform"`
	Agency   int64 `json:"agency"`
}

// Conserves reports whether the shares add up to the gross.
func (s Split) Conserves() bool {
	return s.Payee+s.Platform+s.Agency == s.Gross && s.Payee >= 0 && s.Platform >= 0 && s.Agency >= 0
}

// BookingSplit: the platform keeps the guest fee plus its commission on the
// base, the agency (if any) takes its commission on the base, and the host
// gets the rest.
func BookingSplit(p config.Policy, q Quote, hasAgency bool) Split {
	s := Split{Gross: q.Total}
	s.Platform = q.Fee + Share(q.Base, p.HostCommissionRate)
	if hasAgency {
		s.Agency = Share(q.Base, p.AgencyCommissionRate)
	}
	s.Payee = s.Gross - s.Platform - s.Agency
	return s
}

// LeaseSplit divides one month's rent.
func LeaseSplit(p config.Policy, rent int64, hasAgency bool) Split {
	s := Split{Gross: rent}
	s.Platform = Share(rent, p.LeasePlatformRate)
	if hasAgency {
		s.Agency = Share(rent, p.LeaseAgencyRate)
	}
	s.Payee = s.Gross - s.Platform - s.Agency
	return s
}
