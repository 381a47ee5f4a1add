// Package bus shares one upstream kline stream per (symbol, interval) among
// any number of subscribers.
//
// Forming klines go through a one-slot mailbox where a newer tick replaces
// an unread older one. Closed klines go through a bounded FIFO and are
// never conflated; when a subscriber falls that far behind the oldest
// closed kline is dropped and OnDrop is called.
package bus

import (
	"context"
	"log"
	"sync"

	"cryptoops/internal/model"
)

// DefaultClosedBuffer is the closed-kline backlog kept per subscriber.
const DefaultClosedBuffer = 64

// StartFunc runs the upstream feed for (symbol, interval) and publishes into
// the bus until ctx is cancelled.
type StartFunc func(ctx context.Context, symbol, interval string)

// Subscription is one consumer's view of a feed.
type Subscription struct {
	Symbol   string
	Interval string

	latest chan model.TickEvent
	closed chan model.TickEvent
}

// Ticks delivers the most recent forming kline.
func (s *Subscription) Ticks() <-chan model.TickEvent { return s.latest }

// Closed delivers every closed kline in order.
func (s *Subscription) Closed() <-chan model.TickEvent { return s.closed }

type feed struct {
	subs   map[*Subscription]struct{}
	cancel context.CancelFunc
}

// FanOut is the feed registry. Feeds start on first subscribe and stop when
// their last subscriber leaves.
type FanOut struct {
	ctx       context.Context
	start     StartFunc
	closedBuf int

	mu    sync.RWMutex
	feeds map[string]*feed
	wg    sync.WaitGroup

	// OnDrop is called when a closed kline is dropped for a slow subscriber.
	OnDrop func(symbol string)
	// OnFeeds reports the number of running feeds after every change.
	OnFeeds func(n int)
}

// New creates a FanOut. Feeds run under ctx.
func New(ctx context.Context, start StartFunc, closedBuffer int) *FanOut {
	if closedBuffer <= 0 {
		closedBuffer = DefaultClosedBuffer
	}
	return &FanOut{ctx: ctx, start: start, closedBuf: closedBuffer, feeds: make(map[string]*feed)}
}

func feedKey(symbol, interval string) string { return symbol + "@" + interval }

// Subscribe attaches a new subscriber, starting the feed if needed.
func (f *FanOut) Subscribe(symbol, interval string) *Subscription {
	sub := &Subscription{
		Symbol:   symbol,
		Interval: interval,
		latest:   make(chan model.TickEvent, 1),
		closed:   make(chan model.TickEvent, f.closedBuf),
	}
	key := feedKey(symbol, interval)

	f.mu.Lock()
	fd, ok := f.feeds[key]
	if !ok {
		fctx, cancel := context.WithCancel(f.ctx)
		fd = &feed{subs: make(map[*Subscription]struct{}), cancel: cancel}
		f.feeds[key] = fd
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[bus] PANIC feed %s: %v", key, r)
				}
			}()
			f.start(fctx, symbol, interval)
		}()
		log.Printf("[bus] feed %s started", key)
	}
	fd.subs[sub] = struct{}{}
	n := len(f.feeds)
	f.mu.Unlock()

	if !ok {
		f.feedsChanged(n)
	}
	return sub
}

// Unsubscribe detaches sub and stops the feed once nobody listens.
func (f *FanOut) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	key := feedKey(sub.Symbol, sub.Interval)

	f.mu.Lock()
	fd, ok := f.feeds[key]
	if !ok {
		f.mu.Unlock()
		return
	}
	delete(fd.subs, sub)
	stopped := len(fd.subs) == 0
	if stopped {
		delete(f.feeds, key)
		fd.cancel()
	}
	n := len(f.feeds)
	f.mu.Unlock()

	if stopped {
		log.Printf("[bus] feed %s stopped", key)
		f.feedsChanged(n)
	}
}

// Publish delivers ev to every subscriber of (symbol, interval). It never
// blocks.
func (f *FanOut) Publish(symbol, interval string, ev model.TickEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fd, ok := f.feeds[feedKey(symbol, interval)]
	if !ok {
		return
	}
	for sub := range fd.subs {
		if ev.Candle.Closed {
			f.pushClosed(sub, ev)
		} else {
			pushLatest(sub.latest, ev)
		}
	}
}

func pushLatest(ch chan model.TickEvent, ev model.TickEvent) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (f *FanOut) pushClosed(sub *Subscription, ev model.TickEvent) {
	for {
		select {
		case sub.closed <- ev:
			return
		default:
		}
		select {
		case old := <-sub.closed:
			if f.OnDrop != nil {
				f.OnDrop(sub.Symbol)
			} else {
				log.Printf("[bus] subscriber of %s behind, dropping closed kline %d", sub.Symbol, old.Candle.Timestamp)
			}
		default:
		}
	}
}

// Feeds returns the number of running feeds.
func (f *FanOut) Feeds() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.feeds)
}

// ChannelStat is the closed-kline backlog of one subscriber.
type ChannelStat struct {
	Feed string
	Len  int
	Cap  int
}

// ChannelStats returns the backlog of every subscriber.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var stats []ChannelStat
	for key, fd := range f.feeds {
		for sub := range fd.subs {
			stats = append(stats, ChannelStat{Feed: key, Len: len(sub.closed), Cap: cap(sub.closed)})
		}
	}
	return stats
}

// Wait blocks until every feed goroutine returned. Cancel the parent
// context first.
func (f *FanOut) Wait() { f.wg.Wait() }

func (f *FanOut) feedsChanged(n int) {
	if f.OnFeeds != nil {
		f.OnFeeds(n)
	}
}
