// Package events is the in-process bus that carries ingested errors from the
// request path to scoring, notification and replay subscribers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/kiranshivaraju/bugshot/internal/metrics"
	"github.com/kiranshivaraju/bugshot/pkg/models"
)

// ReplayPayload is the session recording attached to a report.
type ReplayPayload struct {
	SessionID  string          `json:"sessionId"`
	DurationMs int64           `json:"durationMs"`
	Events     json.RawMessage `json:"events"`
}

// IngestedEvent is published once per recorded occurrence. Aggregate is the
// snapshot returned by the store at record time.
type IngestedEvent struct {
	Project       *models.Project
	Aggregate     *models.ErrorAggregate
	Occurrence    *models.Occurrence
	IsNew         bool
	ContextURL    string
	Replay        *ReplayPayload
	ReplayEnabled bool
}

// Handler processes one event. Returned errors are logged, never retried.
type Handler func(ctx context.Context, ev IngestedEvent) error

type subscriber struct {
	name    string
	handler Handler
}

type Options struct {
	Workers        int
	QueueSize      int
	HandlerTimeout time.Duration
}

// Bus fans each published event out to every subscriber. Publish never
// blocks: events go to a bounded queue drained by a fixed worker pool, and
// overflow is delivered on a fresh goroutine instead of being dropped.
type Bus struct {
	opts Options
	subs []subscriber

	mu      sync.RWMutex
	started bool
	closed  bool
	queue   chan IngestedEvent

	workers sync.WaitGroup

	// pending counts published events not yet fully delivered. Publish may
	// race Wait, so this is a cond-guarded counter, not a WaitGroup.
	pendingMu sync.Mutex
	drained   *sync.Cond
	pending   int
}

func NewBus(opts Options) *Bus {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 30 * time.Second
	}
	b := &Bus{opts: opts, queue: make(chan IngestedEvent, opts.QueueSize)}
	b.drained = sync.NewCond(&b.pendingMu)
	return b
}

// Subscribe registers h under name. All subscriptions happen at startup,
// before Start; subscribing later panics.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		panic(fmt.Sprintf("events: subscribe %q after Start", name))
	}
	b.subs = append(b.subs, subscriber{name: name, handler: h})
}

// Start launches the worker pool.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	for i := 0; i < b.opts.Workers; i++ {
		b.workers.Add(1)
		go b.work()
	}
}

// Publish hands ev to the subscribers and returns immediately.
func (b *Bus) Publish(ev IngestedEvent) {
	b.pendingMu.Lock()
	b.pending++
	b.pendingMu.Unlock()
	metrics.EventsPublished.Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.started && !b.closed {
		select {
		case b.queue <- ev:
			metrics.EventQueueDepth.Inc()
			return
		default:
		}
	}
	go b.deliver(ev)
}

// Wait blocks until no published event is awaiting delivery. It is safe to
// call while other goroutines publish; events published during the wait
// extend it.
func (b *Bus) Wait() {
	b.pendingMu.Lock()
	for b.pending > 0 {
		b.drained.Wait()
	}
	b.pendingMu.Unlock()
}

func (b *Bus) done() {
	b.pendingMu.Lock()
	b.pending--
	if b.pending == 0 {
		b.drained.Broadcast()
	}
	b.pendingMu.Unlock()
}

// Close stops accepting queued work and waits for in-flight deliveries
// until ctx is done.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.workers.Wait()
		b.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus drain: %w", ctx.Err())
	}
}

func (b *Bus) work() {
	defer b.workers.Done()
	for ev := range b.queue {
		metrics.EventQueueDepth.Dec()
		b.deliver(ev)
	}
}

// deliver runs every subscriber on its own goroutine and returns when all
// of them have finished.
func (b *Bus) deliver(ev IngestedEvent) {
	defer b.done()

	var wg sync.WaitGroup
	for _, s := range b.subs {
		wg.Add(1)
		go func(s subscriber) {
			defer wg.Done()
			b.invoke(s, ev)
		}(s)
	}
	wg.Wait()
}

func (b *Bus) invoke(s subscriber, ev IngestedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.HandlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("event subscriber panicked",
				"subscriber", s.name,
				"error", r,
				"stack", string(debug.Stack()),
				"error_id", aggregateID(ev),
			)
			metrics.EventsDelivered.WithLabelValues(s.name, "panic").Inc()
		}
	}()

	if err := s.handler(ctx, ev); err != nil {
		result := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			result = "timeout"
		}
		slog.Error("event subscriber failed",
			"subscriber", s.name,
			"error", err,
			"error_id", aggregateID(ev),
		)
		metrics.EventsDelivered.WithLabelValues(s.name, result).Inc()
		return
	}
	metrics.EventsDelivered.WithLabelValues(s.name, "ok").Inc()
}

func aggregateID(ev IngestedEvent) string {
	if ev.Aggregate == nil {
		return ""
	}
	return ev.Aggregate.ID.String()
}
