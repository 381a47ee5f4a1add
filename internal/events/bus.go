// Package events fans user-addressed events out to in-process observers
// (the user's websocket sessions) and to any number of external publishers.
package events

import (
	"context"
	"log"
	"sync"

	"cryptoops/internal/model"
)

// Bus is the in-process per-user fan-out. Publish never blocks: an
// observer whose buffer is full misses the event.
type Bus struct {
	bufSize int

	mu   sync.RWMutex
	subs map[string]map[chan model.Event]struct{}

	OnDrop func(userID string)
}

// NewBus creates a bus with per-observer buffers of bufSize (default 32).
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 32
	}
	return &Bus{bufSize: bufSize, subs: make(map[string]map[chan model.Event]struct{})}
}

// Subscribe registers an observer for userID. Call the returned function to
// detach; the channel is closed then.
func (b *Bus) Subscribe(userID string) (<-chan model.Event, func()) {
	ch := make(chan model.Event, b.bufSize)
	b.mu.Lock()
	set, ok := b.subs[userID]
	if !ok {
		set = make(map[chan model.Event]struct{})
		b.subs[userID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[userID], ch)
			if len(b.subs[userID]) == 0 {
				delete(b.subs, userID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every observer of ev.UserID.
func (b *Bus) Publish(_ context.Context, ev model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[ev.UserID] {
		select {
		case ch <- ev:
		default:
			if b.OnDrop != nil {
				b.OnDrop(ev.UserID)
			} else {
				log.Printf("[events] observer of %s full, dropping %s", ev.UserID, ev.Type)
			}
		}
	}
}

// Observers returns the number of observers of userID.
func (b *Bus) Observers(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[userID])
}

// Tee publishes to every non-nil publisher in order.
type Tee []model.Publisher

func (t Tee) Publish(ctx context.Context, ev model.Event) {
	for _, p := range t {
		if p != nil {
			p.Publish(ctx, ev)
		}
	}
}
