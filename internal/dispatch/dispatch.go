// Package dispatch fans booking and payment events out to notification
// sinks. Emitting never blocks or fails the caller.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/truck-booking/internal/models"
	"github.com/example/truck-booking/internal/observability"
)

// Emitter is what the state machine and the reconciler depend on.
type Emitter interface {
	Emit(e models.Event)
}

type Sink interface {
	Name() string
	Deliver(ctx context.Context, e models.Event) error
}

type Options struct {
	QueueSize      int
	Workers        int
	DeliverTimeout time.Duration
}

type Dispatcher struct {
	sinks  []Sink
	logger *slog.Logger
	opts   Options
	queue  chan models.Event

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func New(logger *slog.Logger, opts Options, sinks ...Sink) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.DeliverTimeout <= 0 {
		opts.DeliverTimeout = 3 * time.Second
	}
	d := &Dispatcher{sinks: sinks, logger: logger, opts: opts, queue: make(chan models.Event, opts.QueueSize)}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Emit enqueues e. A full queue drops the event; delivery is at-least-once
// only for events that made it into the queue.
func (d *Dispatcher) Emit(e models.Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("event emitted after dispatcher close", "event_type", e.Type, "booking_id", e.BookingID)
		return
	}
	select {
	case d.queue <- e:
	default:
		observability.EventsDropped.Inc()
		d.logger.Error("dispatch queue full, event dropped", "event_id", e.ID, "event_type", e.Type, "booking_id", e.BookingID)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for e := range d.queue {
		for _, s := range d.sinks {
			d.deliver(s, e)
		}
	}
}

func (d *Dispatcher) deliver(s Sink, e models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.DeliverTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			observability.EventsFailed.WithLabelValues(s.Name()).Inc()
			d.logger.Error("sink panicked", "sink", s.Name(), "event_id", e.ID, "error", rec)
		}
	}()
	if err := s.Deliver(ctx, e); err != nil {
		observability.EventsFailed.WithLabelValues(s.Name()).Inc()
		d.logger.Warn("event delivery failed", "sink", s.Name(), "event_id", e.ID, "event_type", e.Type, "error", err)
		return
	}
	observability.EventsDelivered.WithLabelValues(s.Name()).Inc()
}

// Close stops accepting events and waits for queued ones to drain.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() { d.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink writes every event to the structured log.
type LogSink struct{ Logger *slog.Logger }

func (LogSink) Name() string { return "log" }

func (l LogSink) Deliver(_ context.Context, e models.Event) error {
	l.Logger.Info("event", "event_id", e.ID, "event_type", e.Type, "priority", e.Priority, "booking_id", e.BookingID, "payment_id", e.PaymentID)
	return nil
}
