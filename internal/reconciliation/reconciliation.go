// Package reconciliation re-derives every balance from the ledger and reports
// where the cached balance disagrees. It never writes balances: correcting
// drift is a separate, audited operator action.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/mbd888/rentledger/internal/domain"
	"github.com/mbd888/rentledger/internal/events"
	"github.com/mbd888/rentledger/internal/idgen"
	"github.com/mbd888/rentledger/internal/store"
	"github.com/mbd888/rentledger/internal/traces"
)

// ErrAlreadyRunning is returned when a run is requested while one is in progress.
var ErrAlreadyRunning = errors.New("reconciliation already running")

// Report summarizes one run.
type Report struct {
	RunID      string           `json:"runId"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt time.Time        `json:"finishedAt"`
	Checked    int              `json:"checked"`
	Anomalies  []domain.Anomaly `json:"anomalies"`
	TotalGap   int64            `json:"totalGap"` // sum of absolute gaps
}

// Runner performs reconciliation runs. At most one run is in flight per
// Runner; the scheduler, the HTTP trigger and cmd/reconcile share one.
type Runner struct {
	store     store.Reader
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
	running   atomic.Bool
	lastOK    atomic.Int64 // unix nanos of the last successful finish
}

// Option configures a Runner.
type Option func(*Runner)

func WithPublisher(p events.Publisher) Option {
	return func(r *Runner) { r.publisher = p }
}

// NewRunner creates a reconciliation runner.
func NewRunner(st store.Reader, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		store:     st,
		publisher: events.Nop{},
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Running reports whether a run is in progress.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// LastSuccess returns when the last successful run finished, or the zero
// time if none has.
func (r *Runner) LastSuccess() time.Time {
	n := r.lastOK.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Run compares every cached balance with the balance its SUCCESS ledger
// entries imply, persists one anomaly per mismatch and alerts on each.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	if !r.running.CompareAndSwap(false, true) {
		reconcileSkipped.Inc()
		return nil, ErrAlreadyRunning
	}
	defer r.running.Store(false)

	ctx, span := traces.StartSpan(ctx, "reconciliation.run")
	var (
		report *Report
		err    error
	)
	defer func() { traces.End(span, err) }()

	start := time.Now()
	report, err = r.run(ctx)
	reconcileDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		reconcileErrors.Inc()
		r.logger.Error("reconciliation run failed", "error", err)
		return nil, err
	}

	reconcileAnomalies.Set(float64(len(report.Anomalies)))
	reconcileTotalGap.Set(float64(report.TotalGap))
	reconcileChecked.Set(float64(report.Checked))
	reconcileLastSuccess.Set(float64(report.FinishedAt.Unix()))
	r.lastOK.Store(report.FinishedAt.UnixNano())
	r.logger.Info("reconciliation run complete",
		"run_id", report.RunID, "checked", report.Checked,
		"anomalies", len(report.Anomalies), "total_gap", report.TotalGap)
	return report, nil
}

func (r *Runner) run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: idgen.WithPrefix("rec_"), StartedAt: r.now(), Anomalies: []domain.Anomaly{}}

	snap, err := r.store.LedgerSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger snapshot: %w", err)
	}
	expected := Expected(snap.Totals)
	actual := make(map[domain.BalanceKey]int64, len(snap.Balances))
	for _, b := range snap.Balances {
		actual[domain.BalanceKey{UserID: b.UserID, BalanceClass: b.BalanceClass}] = b.Balance
	}

	keys := make(map[domain.BalanceKey]struct{}, len(expected)+len(actual))
	for k := range expected {
		keys[k] = struct{}{}
	}
	for k := range actual {
		keys[k] = struct{}{}
	}
	report.Checked = len(keys)

	for k := range keys {
		exp, act := expected[k], actual[k]
		if exp == act {
			continue
		}
		gap := act - exp
		report.Anomalies = append(report.Anomalies, domain.Anomaly{
			RunID:        report.RunID,
			UserID:       k.UserID,
			BalanceClass: k.BalanceClass,
			Expected:     exp,
			Actual:       act,
			Gap:          gap,
			DetectedAt:   report.StartedAt,
		})
		if gap < 0 {
			gap = -gap
		}
		report.TotalGap += gap
	}
	sort.Slice(report.Anomalies, func(i, j int) bool {
		a, b := report.Anomalies[i], report.Anomalies[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return a.BalanceClass < b.BalanceClass
	})

	if len(report.Anomalies) > 0 {
		if err := r.store.InsertAnomalies(ctx, report.Anomalies); err != nil {
			return nil, fmt.Errorf("persist anomalies: %w", err)
		}
		for _, a := range report.Anomalies {
			r.logger.Error("balance does not match ledger",
				"run_id", a.RunID, "user_id", a.UserID, "class", a.BalanceClass,
				"expected", a.Expected, "actual", a.Actual, "gap", a.Gap)
			r.publisher.Publish(ctx, events.New(events.ReconciliationAnomaly, map[string]any{
				"runId":        a.RunID,
				"userId":       a.UserID,
				"balanceClass": string(a.BalanceClass),
				"expected":     a.Expected,
				"actual":       a.Actual,
				"gap":          a.Gap,
			}))
		}
	}
	report.FinishedAt = r.now()
	return report, nil
}

// Expected folds per-kind SUCCESS totals into the balance each key should hold.
func Expected(totals []domain.EntryTotal) map[domain.BalanceKey]int64 {
	out := make(map[domain.BalanceKey]int64, len(totals))
	for _, t := range totals {
		k := domain.BalanceKey{UserID: t.UserID, BalanceClass: t.BalanceClass}
		out[k] += t.Kind.Sign() * t.Sum
	}
	return out
}

// Anomalies returns the anomalies recorded by a run, or by every run when
// runID is empty.
func (r *Runner) Anomalies(ctx context.Context, runID string) ([]domain.Anomaly, error) {
	return r.store.ListAnomalies(ctx, runID)
}
