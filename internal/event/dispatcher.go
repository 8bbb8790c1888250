package event

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Dispatcher decouples event production from delivery. Enqueue is called
// while a book is held so batches keep the book's commit order; a single
// worker delivers them to the publisher after the book is released.
type Dispatcher struct {
	publisher Publisher
	logger    *slog.Logger
	queue     chan []Event
	timeout   time.Duration

	// OnError is called after a failed delivery.
	OnError func(err error)

	mu     sync.RWMutex // guards closed against sends on queue
	closed bool
	done   chan struct{}
}

// ErrDispatcherClosed is reported through OnError for batches enqueued
// after Close.
var ErrDispatcherClosed = errors.New("event dispatcher closed")

// NewDispatcher creates a Dispatcher with room for buffer pending batches.
func NewDispatcher(publisher Publisher, buffer int, logger *slog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		publisher: publisher,
		logger:    logger,
		queue:     make(chan []Event, buffer),
		timeout:   10 * time.Second,
		done:      make(chan struct{}),
	}
}

// Enqueue adds a batch for delivery. It blocks while the queue is full so
// no batch is dropped or reordered. A batch enqueued after Close is logged
// and reported through OnError.
func (d *Dispatcher) Enqueue(events []Event) {
	if len(events) == 0 {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Error("event batch after shutdown",
			"events", len(events),
			"first_event_type", string(events[0].Type),
		)
		if d.OnError != nil {
			d.OnError(ErrDispatcherClosed)
		}
		return
	}
	d.queue <- events
}

// Pending returns the number of batches waiting for delivery.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Run delivers batches until Close is called and the queue is drained.
func (d *Dispatcher) Run() {
	defer close(d.done)
	for batch := range d.queue {
		d.deliver(batch)
	}
}

func (d *Dispatcher) deliver(batch []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.publisher.Publish(ctx, batch); err != nil {
		d.logger.Error("event delivery failed",
			"events", len(batch),
			"first_event_type", string(batch[0].Type),
			"error", err,
		)
		if d.OnError != nil {
			d.OnError(err)
		}
	}
}

// Close stops accepting batches and waits for queued ones to be
// delivered or for ctx to be done. It waits for in-flight Enqueue calls,
// which complete as long as Run is draining the queue.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
