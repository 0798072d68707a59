package booking

import (
	"log/slog"
	"time"

	"github.com/mbd888/rentledger/internal/worker"
)

// HoldSweepInterval is how often unpaid holds are looked for.
const HoldSweepInterval = time.Minute

// NewTimer returns a worker that releases reservation holds past their TTL.
func NewTimer(service *Service, logger *slog.Logger) *worker.Periodic {
	return worker.NewPeriodic("booking_hold_expiry", HoldSweepInterval, service.ExpireHolds, logger)
}
