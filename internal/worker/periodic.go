// Package worker runs maintenance jobs on a fixed interval.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/rentledger/internal/metrics"
)

var runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: metrics.Namespace,
	Name:      "worker_runs_total",
	Help:      "Periodic worker passes by worker and result (ok, error, panic).",
}, []string{"worker", "result"})

func init() {
	prometheus.MustRegister(runsTotal)
}

// Job does one pass and reports how many items it acted on.
type Job func(ctx context.Context) (int, error)

// Periodic calls a Job every Interval until its context ends or Stop is
// called. A panicking pass is logged and the loop carries on.
type Periodic struct {
	Name     string
	Interval time.Duration

	job      Job
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewPeriodic creates a stopped worker. name labels logs and metrics.
func NewPeriodic(name string, interval time.Duration, job Job, logger *slog.Logger) *Periodic {
	return &Periodic{
		Name:     name,
		Interval: interval,
		job:      job,
		logger:   logger.With("worker", name),
		stop:     make(chan struct{}),
	}
}

// Running reports whether Start is currently looping.
func (p *Periodic) Running() bool { return p.running.Load() }

// Start blocks, running the job each interval. The first pass happens one
// interval after Start.
func (p *Periodic) Start(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// Stop ends Start. It is safe to call more than once, and before Start.
func (p *Periodic) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// RunOnce does a single pass outside the loop.
func (p *Periodic) RunOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			runsTotal.WithLabelValues(p.Name, "panic").Inc()
			p.logger.Error("worker pass panicked", "panic", fmt.Sprint(r))
		}
	}()
	n, err := p.job(ctx)
	if err != nil {
		runsTotal.WithLabelValues(p.Name, "error").Inc()
		p.logger.Warn("worker pass failed", "processed", n, "error", err)
		return
	}
	runsTotal.WithLabelValues(p.Name, "ok").Inc()
	if n > 0 {
		p.logger.Info("worker pass complete", "processed", n)
	}
}
