// Package events fans domain events out to operator-facing sinks.
//
// Publishing never fails the caller: a settled payment stays settled even
// when Kafka is down. Sink errors are logged and counted.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/rentledger/internal/idgen"
	"github.com/mbd888/rentledger/internal/metrics"
)

// Type names an event.
type Type string

const (
	PaymentSettled        Type = "payment.settled"
	PaymentFailed         Type = "payment.failed"
	PaymentRefunded       Type = "payment.refunded"
	BookingExpired        Type = "booking.expired"
	DepositSettled        Type = "deposit.settled"
	ReconciliationAnomaly Type = "reconciliation.anomaly"
	BalanceResynced       Type = "balance.resynced"
)

// Event is the envelope every sink receives.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// New builds an event with a fresh id.
func New(t Type, data map[string]any) Event {
	return Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Sink delivers events somewhere.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e Event) error
}

// Publisher is what services depend on.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Multi publishes to every sink in order, logging failures.
type Multi struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewMulti creates a fan-out publisher. Nil sinks are skipped.
func NewMulti(logger *slog.Logger, sinks ...Sink) *Multi {
	m := &Multi{logger: logger}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Publish implements Publisher.
func (m *Multi) Publish(ctx context.Context, e Event) {
	if m == nil {
		return
	}
	for _, s := range m.sinks {
		if err := s.Publish(ctx, e); err != nil {
			metrics.EventsPublishedTotal.WithLabelValues(s.Name(), "error").Inc()
			m.logger.Warn("event publish failed", "sink", s.Name(), "event", e.Type, "event_id", e.ID, "error", err)
			continue
		}
		metrics.EventsPublishedTotal.WithLabelValues(s.Name(), "ok").Inc()
	}
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) {}

// Recorder keeps published events in memory. Handy in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Name implements Sink.
func (r *Recorder) Name() string { return "recorder" }

// Publish implements Sink and Publisher.
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType filters recorded events.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
