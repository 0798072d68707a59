package provider

import (
	"context"
	"fmt"
	"sync"
)

type sandboxPayment struct {
	amount int64
	status Status
	ref    string
}

// Sandbox is an in-memory Gateway for development and tests. Payments stay
// PENDING until Complete is called.
type Sandbox struct {
	mu       sync.Mutex
	baseURL  string
	payments map[string]*sandboxPayment
	failures []error
	calls    map[string]int
}

// NewSandbox creates a sandbox whose checkout pages live under baseURL.
func NewSandbox(baseURL string) *Sandbox {
	return &Sandbox{
		baseURL:  baseURL,
		payments: make(map[string]*sandboxPayment),
		calls:    make(map[string]int),
	}
}

func (s *Sandbox) Name() string { return "sandbox" }

// Checkout registers a pending payment.
func (s *Sandbox) Checkout(_ context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["checkout"]++
	if err := s.nextFailure(); err != nil {
		return nil, err
	}
	p, ok := s.payments[req.ProviderTransactionID]
	if !ok {
		p = &sandboxPayment{amount: req.Amount, status: StatusPending, ref: "sbx_" + req.ProviderTransactionID}
		s.payments[req.ProviderTransactionID] = p
	}
	return &CheckoutSession{RedirectURL: fmt.Sprintf("%s/checkout/%s", s.baseURL, p.ref), ProviderRef: p.ref}, nil
}

// Verify reports the stored state.
func (s *Sandbox) Verify(_ context.Context, req VerifyRequest) (*Verification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["verify"]++
	if err := s.nextFailure(); err != nil {
		return nil, err
	}
	p, ok := s.payments[req.ProviderTransactionID]
	if !ok {
		return nil, ErrUnknownPayment
	}
	return &Verification{Status: p.status, Amount: p.amount}, nil
}

// Complete moves a payment to its final status, as the payer's action would.
func (s *Sandbox) Complete(providerTxID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[providerTxID]
	if !ok {
		return ErrUnknownPayment
	}
	p.status = status
	return nil
}

// SetAmount overrides what the provider reports as collected.
func (s *Sandbox) SetAmount(providerTxID string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[providerTxID]; ok {
		p.amount = amount
	}
}

// FailNext makes the next len(errs) calls return those errors in order.
func (s *Sandbox) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// Calls returns how many times op ("checkout" or "verify") was invoked.
func (s *Sandbox) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Sandbox) nextFailure() error {
	if len(s.failures) == 0 {
		return nil
	}
	err := s.failures[0]
	s.failures = s.failures[1:]
	return err
}
