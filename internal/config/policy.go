package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Policy holds the business rates and thresholds. Rates are fractions
// (0.10 means ten percent) and are applied with half-up rounding to whole
// minor units.
type Policy struct {
	GuestFeeRate         decimal.Decimal `yaml:"guest_fee_rate"`
	HostCommissionRate   decimal.Decimal `yaml:"host_commission_rate"`
	AgencyCommissionRate decimal.Decimal `yaml:"agency_commission_rate"`
	LeasePlatformRate    decimal.Decimal `yaml:"lease_platform_rate"`
	LeaseAgencyRate      decimal.Decimal `yaml:"lease_agency_rate"`
	MaxStayNights        int             `yaml:"max_stay_nights"`
	Arrears              ArrearsPolicy   `yaml:"arrears"`
}

// ArrearsPolicy sets when monthly rent becomes due and when it is late.
type ArrearsPolicy struct {
	DueDay    int `yaml:"due_day"`    // day of month rent is due
	GraceDays int `yaml:"grace_days"` // days after DueDay before the lease is late
}

// DefaultPolicy returns the rates used when no policy file is configured.
func DefaultPolicy() Policy {
	return Policy{
		GuestFeeRate:         decimal.RequireFromString("0.10"),
		HostCommissionRate:   decimal.RequireFromString("0.05"),
		AgencyCommissionRate: decimal.RequireFromString("0.05"),
		LeasePlatformRate:    decimal.RequireFromString("0.05"),
		LeaseAgencyRate:      decimal.RequireFromString("0.05"),
		MaxStayNights:        90,
		Arrears:              ArrearsPolicy{DueDay: 1, GraceDays: 5},
	}
}

// LoadPolicy reads a YAML policy file over the defaults. An empty path
// returns the defaults.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied path
	if err != nil {
		return p, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse policy file: %w", err)
	}
	return p, nil
}

// Validate rejects rates outside [0, 1) and splits that could go negative.
func (p Policy) Validate() error {
	one := decimal.NewFromInt(1)
	for name, r := range map[string]decimal.Decimal{
		"guest_fee_rate":         p.GuestFeeRate,
		"host_commission_rate":   p.HostCommissionRate,
		"agency_commission_rate": p.AgencyCommissionRate,
		"lease_platform_rate":    p.LeasePlatformRate,
		"lease_agency_rate":      p.LeaseAgencyRate,
	} {
		if r.IsNegative() || r.GreaterThanOrEqual(one) {
			return fmt.Errorf("policy %s must be in [0, 1), got %s", name, r)
		}
	}
	if p.HostCommissionRate.Add(p.AgencyCommissionRate).GreaterThanOrEqual(one) {
		return fmt.Errorf("policy host and agency commission together must be below 1")
	}
	if p.LeasePlatformRate.Add(p.LeaseAgencyRate).GreaterThanOrEqual(one) {
		return fmt.Errorf("policy lease platform and agency rates together must be below 1")
	}
	if p.MaxStayNights <= 0 {
		return fmt.Errorf("policy max_stay_nights must be positive")
	}
	if p.Arrears.DueDay < 1 || p.Arrears.DueDay > 28 {
		return fmt.Errorf("policy arrears.due_day must be between 1 and 28")
	}
	if p.Arrears.GraceDays < 0 || p.Arrears.DueDay+p.Arrears.GraceDays > 28 {
		return fmt.Errorf("policy arrears.grace_days must keep the late cutoff within day 28")
	}
	return nil
}
