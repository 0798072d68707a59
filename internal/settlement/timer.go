package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/rentledger/internal/worker"
)

const (
	// SweepInterval is how often PENDING payments are re-verified.
	SweepInterval = time.Minute
	// AbandonAfter is the age at which a payment the provider still reports
	// as pending is failed outright.
	AbandonAfter = 24 * time.Hour
)

// NewTimer returns a worker that re-verifies payments stuck in PENDING.
// Payments younger than minAge are left to their callbacks.
func NewTimer(service *Service, minAge time.Duration, logger *slog.Logger) *worker.Periodic {
	return worker.NewPeriodic("payment_sweep", SweepInterval, func(ctx context.Context) (int, error) {
		return service.SweepStale(ctx, minAge, AbandonAfter)
	}, logger)
}
