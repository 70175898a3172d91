package events_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/bugshot/internal/events"
	"github.com/kiranshivaraju/bugshot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvent() events.IngestedEvent {
	return events.IngestedEvent{
		Project:   &models.Project{ID: uuid.New()},
		Aggregate: &models.ErrorAggregate{ID: uuid.New()},
	}
}

func TestBus_DeliversToEverySubscriber(t *testing.T) {
	bus := events.NewBus(events.Options{Workers: 2, QueueSize: 8})
	var a, b atomic.Int64
	bus.Subscribe("a", func(_ context.Context, _ events.IngestedEvent) error { a.Add(1); return nil })
	bus.Subscribe("b", func(_ context.Context, _ events.IngestedEvent) error { b.Add(1); return nil })
	bus.Start()
	defer bus.Close(context.Background())

	for i := 0; i < 10; i++ {
		bus.Publish(newEvent())
	}
	bus.Wait()

	assert.Equal(t, int64(10), a.Load())
	assert.Equal(t, int64(10), b.Load())
}

func TestBus_PublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := events.NewBus(events.Options{Workers: 1, QueueSize: 1})
	release := make(chan struct{})
	var handled atomic.Int64
	bus.Subscribe("slow", func(_ context.Context, _ events.IngestedEvent) error {
		<-release
		handled.Add(1)
		return nil
	})
	bus.Start()
	defer bus.Close(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			bus.Publish(newEvent())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	close(release)
	bus.Wait()
	// Overflow beyond the queue is delivered, not dropped.
	assert.Equal(t, int64(20), handled.Load())
}

func TestBus_FailuresAndPanicsIsolated(t *testing.T) {
	bus := events.NewBus(events.Options{Workers: 2, QueueSize: 4})
	var ok atomic.Int64
	bus.Subscribe("fails", func(_ context.Context, _ events.IngestedEvent) error {
		return errors.New("boom")
	})
	bus.Subscribe("panics", func(_ context.Context, _ events.IngestedEvent) error {
		panic("kaboom")
	})
	bus.Subscribe("ok", func(_ context.Context, _ events.IngestedEvent) error {
		ok.Add(1)
		return nil
	})
	bus.Start()
	defer bus.Close(context.Background())

	for i := 0; i < 3; i++ {
		bus.Publish(newEvent())
	}
	bus.Wait()

	assert.Equal(t, int64(3), ok.Load())
}

func TestBus_SubscribersRunConcurrently(t *testing.T) {
	bus := events.NewBus(events.Options{Workers: 1, QueueSize: 1})
	var wg sync.WaitGroup
	wg.Add(2)
	both := make(chan struct{})
	go func() { wg.Wait(); close(both) }()

	wait := func(_ context.Context, _ events.IngestedEvent) error {
		wg.Done()
		select {
		case <-both:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("peer subscriber never started")
		}
	}
	var failures atomic.Int64
	wrap := func(h events.Handler) events.Handler {
		return func(ctx context.Context, ev events.IngestedEvent) error {
			err := h(ctx, ev)
			if err != nil {
				failures.Add(1)
			}
			return err
		}
	}
	bus.Subscribe("one", wrap(wait))
	bus.Subscribe("two", wrap(wait))
	bus.Start()
	defer bus.Close(context.Background())

	bus.Publish(newEvent())
	bus.Wait()
	assert.Equal(t, int64(0), failures.Load())
}

func TestBus_HandlerTimeout(t *testing.T) {
	bus := events.NewBus(events.Options{Workers: 1, HandlerTimeout: 50 * time.Millisecond})
	var sawDeadline atomic.Bool
	bus.Subscribe("waits", func(ctx context.Context, _ events.IngestedEvent) error {
		<-ctx.Done()
		sawDeadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return ctx.Err()
	})
	bus.Start()
	defer bus.Close(context.Background())

	bus.Publish(newEvent())
	bus.Wait()
	assert.True(t, sawDeadline.Load())
}

func TestBus_SubscribeAfterStartPanics(t *testing.T) {
	bus := events.NewBus(events.Options{})
	bus.Start()
	defer bus.Close(context.Background())

	assert.Panics(t, func() {
		bus.Subscribe("late", func(_ context.Context, _ events.IngestedEvent) error { return nil })
	})
}

func TestBus_CloseDrains(t *testing.T) {
	bus := events.NewBus(events.Options{Workers: 2, QueueSize: 16})
	var handled atomic.Int64
	bus.Subscribe("count", func(_ context.Context, _ events.IngestedEvent) error {
		time.Sleep(5 * time.Millisecond)
		handled.Add(1)
		return nil
	})
	bus.Start()

	for i := 0; i < 10; i++ {
		bus.Publish(newEvent())
	}
	require.NoError(t, bus.Close(context.Background()))
	assert.Equal(t, int64(10), handled.Load())

	// Publishing after Close still delivers.
	bus.Publish(newEvent())
	bus.Wait()
	assert.Equal(t, int64(11), handled.Load())
}

func TestBus_CloseHonoursDeadline(t *testing.T) {
	bus := events.NewBus(events.Options{Workers: 1})
	release := make(chan struct{})
	bus.Subscribe("stuck", func(_ context.Context, _ events.IngestedEvent) error {
		<-release
		return nil
	})
	bus.Start()
	bus.Publish(newEvent())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := bus.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	bus.Wait()
}

func TestBus_WaitOnIdleBusReturns(t *testing.T) {
	bus := events.NewBus(events.Options{Workers: 1})
	bus.Start()
	defer bus.Close(context.Background())

	done := make(chan struct{})
	go func() {
		bus.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait blocked on an idle bus")
	}
}

func TestBus_WaitConcurrentWithPublish(t *testing.T) {
	bus := events.NewBus(events.Options{Workers: 2, QueueSize: 4})
	var handled atomic.Int64
	bus.Subscribe("count", func(_ context.Context, _ events.IngestedEvent) error {
		handled.Add(1)
		return nil
	})
	bus.Start()
	defer bus.Close(context.Background())

	const publishers, perPublisher = 8, 50
	stop := make(chan struct{})

	// Waiters start from an idle bus and keep calling Wait while publishers
	// move the pending count up from zero.
	var waiters sync.WaitGroup
	for i := 0; i < 4; i++ {
		waiters.Add(1)
		go func() {
			defer waiters.Done()
			for {
				select {
				case <-stop:
					return
				default:
					bus.Wait()
				}
			}
		}()
	}

	var pubs sync.WaitGroup
	for i := 0; i < publishers; i++ {
		pubs.Add(1)
		go func() {
			defer pubs.Done()
			for j := 0; j < perPublisher; j++ {
				bus.Publish(newEvent())
			}
		}()
	}
	pubs.Wait()
	bus.Wait()
	close(stop)
	waiters.Wait()

	assert.Equal(t, int64(publishers*perPublisher), handled.Load())
}
