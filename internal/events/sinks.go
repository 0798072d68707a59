package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueFull is returned by Async when its buffer is full.
var ErrQueueFull = errors.New("event queue full")

// Filtered passes only the listed event types to the wrapped sink.
type Filtered struct {
	sink  Sink
	types map[Type]bool
}

// Only wraps s so it sees just the given types.
func Only(s Sink, types ...Type) *Filtered {
	f := &Filtered{sink: s, types: make(map[Type]bool, len(types))}
	for _, t := range types {
		f.types[t] = true
	}
	return f
}

func (f *Filtered) Name() string { return f.sink.Name() }

func (f *Filtered) Publish(ctx context.Context, e Event) error {
	if !f.types[e.Type] {
		return nil
	}
	return f.sink.Publish(ctx, e)
}

// Async delivers events to a slow sink from a background goroutine so
// callers never wait on it. Events are dropped when the buffer is full.
type Async struct {
	sink    Sink
	queue   chan Event
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsync starts the delivery goroutine. Call Close to drain it.
func NewAsync(s Sink, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{sink: s, queue: make(chan Event, buffer), timeout: 30 * time.Second, logger: logger}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *Async) Name() string { return a.sink.Name() }

// Publish enqueues e. The caller's context is not carried over: delivery
// outlives the request that produced the event.
func (a *Async) Publish(_ context.Context, e Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrQueueFull
	}
	select {
	case a.queue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *Async) loop() {
	defer a.wg.Done()
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.sink.Publish(ctx, e); err != nil {
			a.logger.Warn("async event delivery failed", "sink", a.sink.Name(), "event", e.Type, "event_id", e.ID, "error", err)
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	a.wg.Wait()
}
