package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/rentledger/internal/circuitbreaker"
	"github.com/mbd888/rentledger/internal/domain"
	"github.com/mbd888/rentledger/internal/metrics"
	"github.com/mbd888/rentledger/internal/retry"
)

// Resilient wraps a Gateway with a per-attempt timeout, retries with
// backoff, and a circuit breaker per operation. Errors that survive it wrap
// domain.ErrProvider, except ErrUnknownPayment which passes through.
type Resilient struct {
	gw      Gateway
	timeout time.Duration
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// ResilientOption configures a Resilient.
type ResilientOption func(*Resilient)

// WithRetryPolicy overrides the retry policy. Retryable is always replaced.
func WithRetryPolicy(p retry.Policy) ResilientOption {
	return func(r *Resilient) { r.policy = p }
}

// WithBreaker overrides the circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) ResilientOption {
	return func(r *Resilient) { r.breaker = b }
}

// NewResilient wraps gw. timeout bounds each attempt.
func NewResilient(gw Gateway, timeout time.Duration, logger *slog.Logger, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		gw:      gw,
		timeout: timeout,
		policy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.policy.Retryable = func(err error) bool {
		return !errors.Is(err, circuitbreaker.ErrOpen) && !errors.Is(err, ErrUnknownPayment)
	}
	r.policy.OnRetry = func(attempt int, err error) {
		r.logger.Warn("payment provider call failed, retrying", "provider", gw.Name(), "attempt", attempt, "error", err)
	}
	r.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		r.logger.Warn("payment provider circuit changed", "circuit", key, "from", from.String(), "to", to.String())
	})
	return r
}

func (r *Resilient) Name() string { return r.gw.Name() }

// OpenCircuits lists the provider operations currently short-circuited.
func (r *Resilient) OpenCircuits() []string { return r.breaker.Open() }

// countsAgainstCircuit ignores answers that prove the provider is up.
func countsAgainstCircuit(err error) bool {
	var pe *retry.PermanentError
	return !errors.As(err, &pe) && !errors.Is(err, ErrUnknownPayment)
}

func (r *Resilient) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	key := r.gw.Name() + "." + op
	err := r.policy.Do(ctx, func() error {
		return r.breaker.Execute(key, countsAgainstCircuit, func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			start := time.Now()
			err := fn(attemptCtx)
			metrics.ProviderCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
			metrics.ProviderCallsTotal.WithLabelValues(op, callResult(err)).Inc()
			return err
		})
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnknownPayment):
		return err
	}
	return fmt.Errorf("%s %s: %w: %v", r.gw.Name(), op, domain.ErrProvider, err)
}

func callResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrUnknownPayment):
		return "unknown"
	}
	return "error"
}

// Checkout implements Gateway.
func (r *Resilient) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	var out *CheckoutSession
	err := r.call(ctx, "checkout", func(ctx context.Context) error {
		var err error
		out, err = r.gw.Checkout(ctx, req)
		return err
	})
	return out, err
}

// Verify implements Gateway.
func (r *Resilient) Verify(ctx context.Context, req VerifyRequest) (*Verification, error) {
	var out *Verification
	err := r.call(ctx, "verify", func(ctx context.Context) error {
		var err error
		out, err = r.gw.Verify(ctx, req)
		return err
	})
	return out, err
}
