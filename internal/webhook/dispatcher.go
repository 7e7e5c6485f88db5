package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"

	apperrors "github.com/scm-mirror/internal/errors"
	"github.com/scm-mirror/internal/logging"
)

var (
	// ErrQueueFull is returned when a domain stream cannot take more deliveries
	ErrQueueFull = errors.New("webhook queue full")
	// ErrDispatcherStopped is returned after Stop
	ErrDispatcherStopped = errors.New("webhook dispatcher stopped")
)

// Domain is one logical delivery stream
type Domain string

const (
	DomainIssues       Domain = "issues"
	DomainPullRequests Domain = "pull_requests"
	DomainComments     Domain = "comments"
	DomainReviews      Domain = "reviews"
	DomainInstallation Domain = "installation"
	DomainRepository   Domain = "repository"
)

// DomainOf maps an event type to its stream
func DomainOf(event string) (Domain, bool) {
	switch event {
	case "issues":
		return DomainIssues, true
	case "pull_request":
		return DomainPullRequests, true
	case "issue_comment":
		return DomainComments, true
	case "pull_request_review":
		return DomainReviews, true
	case "installation", "installation_repositories":
		return DomainInstallation, true
	case "repository", "member":
		return DomainRepository, true
	}
	return "", false
}

// Domains returns every stream in a stable order
func Domains() []Domain {
	return []Domain{DomainIssues, DomainPullRequests, DomainComments, DomainReviews, DomainInstallation, DomainRepository}
}

// Applier handles one delivery
type Applier interface {
	Handle(ctx context.Context, d Delivery) error
}

// DispatcherStats counts deliveries since start
type DispatcherStats struct {
	Accepted int64
	Applied  int64
	Failed   int64
	Rejected int64
}

// Dispatcher fans deliveries out to one buffered stream per domain, each
// drained by its own consumers. Streams never block each other.
type Dispatcher struct {
	applier   Applier
	consumers int
	streams   map[Domain]chan Delivery

	mu      sync.RWMutex
	stopped bool
	stats   DispatcherStats
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher with consumers workers and a buffer of
// buffer deliveries per domain
func NewDispatcher(applier Applier, consumers, buffer int) *Dispatcher {
	if consumers <= 0 {
		consumers = 2
	}
	if buffer <= 0 {
		buffer = 100
	}
	streams := make(map[Domain]chan Delivery, len(Domains()))
	for _, d := range Domains() {
		streams[d] = make(chan Delivery, buffer)
	}
	return &Dispatcher{applier: applier, consumers: consumers, streams: streams}
}

// Start launches the consumers. They exit when Stop drains the streams.
func (d *Dispatcher) Start(ctx context.Context) {
	for domain, stream := range d.streams {
		for i := 0; i < d.consumers; i++ {
			d.wg.Add(1)
			go d.consume(ctx, domain, stream)
		}
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"domains":   len(d.streams),
		"consumers": d.consumers,
	}).Info("Webhook dispatcher started")
}

// Submit queues a delivery without blocking
func (d *Dispatcher) Submit(delivery Delivery) error {
	domain, ok := DomainOf(delivery.Event)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, delivery.Event)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	select {
	case d.streams[domain] <- delivery:
		d.stats.Accepted++
		return nil
	default:
		d.stats.Rejected++
		return ErrQueueFull
	}
}

// Stop refuses new deliveries and waits until queued ones are applied
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, stream := range d.streams {
		close(stream)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Stats returns a copy of the counters
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stats
}

func (d *Dispatcher) consume(ctx context.Context, domain Domain, stream <-chan Delivery) {
	defer d.wg.Done()
	for delivery := range stream {
		err := d.apply(ctx, delivery)

		d.mu.Lock()
		if err != nil {
			d.stats.Failed++
		} else {
			d.stats.Applied++
		}
		d.mu.Unlock()

		if err != nil {
			logger := logging.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
				"domain":   string(domain),
				"event":    delivery.Event,
				"delivery": delivery.ID,
			})
			if apperrors.IsCategory(err, apperrors.CategoryValidation) || apperrors.IsCategory(err, apperrors.CategoryMissingParent) {
				logger.Warn("Skipping malformed webhook delivery")
			} else {
				logger.Error("Failed to apply webhook delivery")
			}
		}
	}
}

// apply isolates one delivery so a panic in a handler does not kill the stream
func (d *Dispatcher) apply(ctx context.Context, delivery Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("webhook handler panic: %v", r)
		}
	}()
	return d.applier.Handle(ctx, delivery)
}
