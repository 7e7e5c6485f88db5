package events

import (
	"context"
	"errors"
	"sync"

	"github.com/scm-mirror/internal/logging"
)

// ErrBusStopped is returned when publishing to a stopped bus
var ErrBusStopped = errors.New("event bus stopped")

// Publisher hands committed events to consumers
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// Consumer handles one event. Consumers must tolerate redelivery.
type Consumer interface {
	Name() string
	Consume(ctx context.Context, e Event) error
}

// Batch collects events while a transaction is open. Flush after commit;
// drop it on rollback.
type Batch struct {
	events []Event
}

// NewBatch creates an empty batch
func NewBatch() *Batch {
	return &Batch{}
}

// Add appends events in emission order
func (b *Batch) Add(events ...Event) {
	b.events = append(b.events, events...)
}

// Events returns a copy of the collected events
func (b *Batch) Events() []Event {
	return append([]Event(nil), b.events...)
}

// Len returns the number of collected events
func (b *Batch) Len() int {
	return len(b.events)
}

// Flush publishes and clears the batch
func (b *Batch) Flush(ctx context.Context, pub Publisher) error {
	if len(b.events) == 0 || pub == nil {
		b.events = nil
		return nil
	}
	events := b.events
	b.events = nil
	return pub.Publish(ctx, events...)
}

// Bus delivers events to every subscribed consumer on a pool of workers,
// off the publishing goroutine
type Bus struct {
	queue     chan Event
	workers   int
	consumers []Consumer

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewBus creates a bus; Start must be called before events are delivered
func NewBus(workers, buffer int, consumers ...Consumer) *Bus {
	if workers < 1 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	return &Bus{
		queue:     make(chan Event, buffer),
		workers:   workers,
		consumers: consumers,
	}
}

// Start launches the workers. They exit when Stop drains the queue.
func (b *Bus) Start(ctx context.Context) {
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.run(context.WithoutCancel(ctx), i)
	}
}

func (b *Bus) run(ctx context.Context, id int) {
	defer b.wg.Done()
	log := logging.FromContext(ctx).WithField("eventWorker", id)
	for e := range b.queue {
		for _, c := range b.consumers {
			if err := c.Consume(ctx, e); err != nil {
				log.WithFields(map[string]interface{}{
					"consumer": c.Name(),
					"kind":     e.Kind,
					"eventId":  e.Context.EventID,
				}).WithError(err).Warn("Event consumer failed")
			}
		}
	}
}

// Publish enqueues events, blocking while the buffer is full
func (b *Bus) Publish(ctx context.Context, events ...Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return ErrBusStopped
	}
	for _, e := range events {
		select {
		case b.queue <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stop rejects further publishes and waits for queued events to drain
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	close(b.queue)
	b.mu.Unlock()
	b.wg.Wait()
}

// LogConsumer writes a summary of each event to the log
type LogConsumer struct{}

// Name implements Consumer
func (LogConsumer) Name() string { return "log" }

// Consume implements Consumer
func (LogConsumer) Consume(ctx context.Context, e Event) error {
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"kind":          e.Kind,
		"scope":         e.Context.ScopeID,
		"source":        e.Context.Source,
		"correlationId": e.Context.CorrelationID,
	}).Debug(Describe(e))
	return nil
}

// Recorder is a synchronous Publisher that keeps every event in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish implements Publisher
func (r *Recorder) Publish(_ context.Context, events ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

// Events returns everything published so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kinds published so far, in order
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

// Count returns how many events of kind were published
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Reset forgets recorded events
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
