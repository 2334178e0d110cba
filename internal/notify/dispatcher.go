package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/stella/internal/domain"
)

const (
	defaultQueueSize = 256
	publishRetries   = 3
	retryBaseDelay   = 100 * time.Millisecond
)

// Sink records events for auditing before they are published.
type Sink interface {
	RecordEvent(ctx context.Context, e domain.Event) error
}

// Dispatcher records events in the audit sink and publishes them on the bus
// from a background goroutine, so callers never wait on the broker.
type Dispatcher struct {
	bus    Bus
	sink   Sink
	queue  chan domain.Event
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher starts a dispatcher. sink may be nil.
func NewDispatcher(bus Bus, sink Sink, queueSize int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	d := &Dispatcher{
		bus:    bus,
		sink:   sink,
		queue:  make(chan domain.Event, queueSize),
		logger: logger,
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Publish records e and queues it for delivery. When the queue is full or
// the dispatcher is closed, e is delivered on the caller's goroutine instead
// of being dropped.
func (d *Dispatcher) Publish(ctx context.Context, e domain.Event) error {
	if d.sink != nil {
		if err := d.sink.RecordEvent(ctx, e); err != nil {
			d.logger.Warn("Failed to record event", "event_type", e.Type, "message_id", e.MessageID, "error", err)
		}
	}

	d.mu.RLock()
	if !d.closed {
		select {
		case d.queue <- e:
			d.mu.RUnlock()
			return nil
		default:
			d.logger.Warn("Event queue full, publishing inline", "event_type", e.Type, "queue_len", len(d.queue))
		}
	}
	d.mu.RUnlock()
	return d.deliver(ctx, e)
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	d.logger.Info("Event dispatcher started", "queue_capacity", cap(d.queue))

	for e := range d.queue {
		start := time.Now()
		_ = d.deliver(context.Background(), e)
		if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
			d.logger.Warn("Slow event publish", "event_type", e.Type, "duration_ms", elapsed.Milliseconds())
		}
	}
	d.logger.Info("Event dispatcher stopped")
}

func (d *Dispatcher) deliver(ctx context.Context, e domain.Event) error {
	var err error
	for i := 0; i < publishRetries; i++ {
		if err = d.bus.Publish(ctx, e); err == nil {
			return nil
		}
		if i < publishRetries-1 {
			delay := retryBaseDelay * time.Duration(1<<i)
			d.logger.Debug("Event publish failed, retrying",
				"event_type", e.Type,
				"message_id", e.MessageID,
				"attempt", i+1,
				"delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	d.logger.Error("Event publish failed", "event_type", e.Type, "message_id", e.MessageID, "error", err)
	return err
}

// Close stops accepting queued events and waits for the queue to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	remaining := len(d.queue)
	close(d.queue)
	d.mu.Unlock()

	d.logger.Info("Closing event dispatcher", "queue_remaining", remaining)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		d.logger.Warn("Event dispatcher shutdown timeout")
	}
}

// Stats returns queue statistics.
func (d *Dispatcher) Stats() map[string]any {
	return map[string]any{
		"queue_len":      len(d.queue),
		"queue_capacity": cap(d.queue),
	}
}

var _ Bus = (*Dispatcher)(nil)
