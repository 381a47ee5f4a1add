package notification

import (
	"context"
	"log"
	"sync"
	"time"
)

// Async queues alerts and delivers them from a single goroutine. When the
// queue is full the alert is dropped and counted; Send never blocks.
type Async struct {
	next    Notifier
	queue   chan Alert
	timeout time.Duration

	once sync.Once
	done chan struct{}

	// OnDrop and OnError are optional metric hooks.
	OnDrop  func(Alert)
	OnError func(Alert, error)
}

// NewAsync wraps next with a queue of size buffer.
func NewAsync(next Notifier, buffer int) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	return &Async{
		next:    next,
		queue:   make(chan Alert, buffer),
		timeout: 10 * time.Second,
		done:    make(chan struct{}),
	}
}

// Send enqueues alert. It only fails by dropping.
func (a *Async) Send(_ context.Context, alert Alert) error {
	select {
	case a.queue <- alert:
	default:
		log.Printf("[notify] queue full, dropping %s alert for %s", alert.Kind, alert.Symbol)
		if a.OnDrop != nil {
			a.OnDrop(alert)
		}
	}
	return nil
}

// Run delivers queued alerts until ctx is cancelled, then drains what is
// left with a short deadline.
func (a *Async) Run(ctx context.Context) {
	defer a.once.Do(func() { close(a.done) })
	for {
		select {
		case <-ctx.Done():
			a.drain()
			return
		case alert := <-a.queue:
			a.deliver(context.Background(), alert)
		}
	}
}

// Done is closed when Run has returned.
func (a *Async) Done() <-chan struct{} { return a.done }

func (a *Async) drain() {
	for {
		select {
		case alert := <-a.queue:
			a.deliver(context.Background(), alert)
		default:
			return
		}
	}
}

func (a *Async) deliver(parent context.Context, alert Alert) {
	ctx, cancel := context.WithTimeout(parent, a.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[notify] panic delivering %s alert: %v", alert.Kind, r)
		}
	}()
	if err := a.next.Send(ctx, alert); err != nil {
		log.Printf("[notify] delivery failed for %s/%s: %v", alert.Symbol, alert.UserID, err)
		if a.OnError != nil {
			a.OnError(alert, err)
		}
	}
}
