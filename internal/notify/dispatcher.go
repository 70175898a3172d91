package notify

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/bugshot/internal/events"
	"github.com/kiranshivaraju/bugshot/internal/metrics"
	"github.com/kiranshivaraju/bugshot/pkg/models"
)

// ChannelStore is the slice of the store the dispatcher needs.
type ChannelStore interface {
	ListEnabledChannels(ctx context.Context, projectID uuid.UUID) ([]*models.NotificationChannel, error)
	RecordChannelSuccess(ctx context.Context, id uuid.UUID, at time.Time) error
	RecordChannelFailure(ctx context.Context, id uuid.UUID) error
}

type DispatcherOptions struct {
	Timeout     time.Duration
	Concurrency int
}

// Dispatcher fans an ingested error out to every matching channel of its
// project. A failing channel never affects the others.
type Dispatcher struct {
	store    ChannelStore
	registry Registry
	opts     DispatcherOptions
	now      func() time.Time
}

func NewDispatcher(store ChannelStore, registry Registry, opts DispatcherOptions) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Dispatcher{store: store, registry: registry, opts: opts, now: time.Now}
}

// HandleIngested is the bus subscriber. The severity compared against each
// channel threshold is the aggregate snapshot carried by the event.
func (d *Dispatcher) HandleIngested(ctx context.Context, ev events.IngestedEvent) error {
	if ev.Project == nil || ev.Aggregate == nil {
		return nil
	}

	channels, err := d.store.ListEnabledChannels(ctx, ev.Project.ID)
	if err != nil {
		return fmt.Errorf("listing channels: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(d.opts.Concurrency)
	for _, ch := range channels {
		if !ch.ShouldNotify(ev.Aggregate.Severity) {
			continue
		}
		g.Go(func() error {
			d.deliver(ctx, ch, ev)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, ch *models.NotificationChannel, ev events.IngestedEvent) {
	start := time.Now()
	err := d.send(ctx, ch, ev)
	metrics.NotificationDuration.WithLabelValues(string(ch.Type)).Observe(time.Since(start).Seconds())

	// Bookkeeping outlives a cancelled send context.
	bookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err != nil {
		metrics.NotificationsSent.WithLabelValues(string(ch.Type), "failure").Inc()
		slog.Warn("notification failed",
			"channel_id", ch.ID,
			"channel_type", ch.Type,
			"error_id", ev.Aggregate.ID,
			"error", err,
		)
		if rerr := d.store.RecordChannelFailure(bookCtx, ch.ID); rerr != nil {
			slog.Error("recording channel failure", "channel_id", ch.ID, "error", rerr)
		}
		return
	}

	metrics.NotificationsSent.WithLabelValues(string(ch.Type), "success").Inc()
	slog.Info("notification sent",
		"channel_id", ch.ID,
		"channel_type", ch.Type,
		"error_id", ev.Aggregate.ID,
		"severity", ev.Aggregate.Severity,
	)
	if rerr := d.store.RecordChannelSuccess(bookCtx, ch.ID, d.now().UTC()); rerr != nil {
		slog.Error("recording channel success", "channel_id", ch.ID, "error", rerr)
	}
}

func (d *Dispatcher) send(ctx context.Context, ch *models.NotificationChannel, ev events.IngestedEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("notification sender panic",
				"channel_id", ch.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("%w: sender panic: %v", ErrDeliveryFailed, r)
		}
	}()

	sender, err := d.registry.Lookup(ch.Type)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()
	return sender.Send(sendCtx, ch, ev.Project, ev.Aggregate, ev.Occurrence)
}

// SendTest delivers a test message synchronously and returns the sender's
// error to the caller.
func (d *Dispatcher) SendTest(ctx context.Context, ch *models.NotificationChannel) error {
	sender, err := d.registry.Lookup(ch.Type)
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	err = sender.SendTest(sendCtx, ch)
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.NotificationsSent.WithLabelValues(string(ch.Type), result).Inc()
	return err
}
