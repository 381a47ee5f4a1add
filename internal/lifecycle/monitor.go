package lifecycle

import (
	"context"
	"log"
	"sync"
	"time"

	"cryptoops/internal/model"
)

// Monitors runs one periodic evaluation goroutine per open position. Every
// context passed to Start for a position becomes an owner of its monitor;
// the monitor stops once all owners are done, or once the position is no
// longer open.
type Monitors struct {
	eval     *Evaluator
	interval time.Duration

	mu      sync.Mutex
	running map[string]*monitorEntry
	wg      sync.WaitGroup

	OnChange func(running int)
}

type monitorEntry struct {
	ctx    context.Context
	cancel context.CancelFunc
	owners map[<-chan struct{}]struct{}
}

// NewMonitors evaluates every interval (default 10s).
func NewMonitors(eval *Evaluator, interval time.Duration) *Monitors {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitors{eval: eval, interval: interval, running: make(map[string]*monitorEntry)}
}

// Start makes ctx an owner of the monitor for (symbol, userID), launching
// the monitor if none is active. It returns true when a monitor was
// launched. An entry that was stopped but has not exited yet is replaced.
func (m *Monitors) Start(ctx context.Context, symbol, userID string) bool {
	key := model.PositionKey(symbol, userID)
	done := ctx.Done()

	m.mu.Lock()
	if e, ok := m.running[key]; ok && e.ctx.Err() == nil {
		_, known := e.owners[done]
		if !known {
			e.owners[done] = struct{}{}
		}
		m.mu.Unlock()
		if !known {
			go m.release(ctx, e)
		}
		return false
	}
	mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &monitorEntry{ctx: mctx, cancel: cancel, owners: map[<-chan struct{}]struct{}{done: {}}}
	m.running[key] = e
	n := len(m.running)
	m.wg.Add(1)
	m.mu.Unlock()

	m.changed(n)
	go m.release(ctx, e)
	go m.loop(e, key, symbol, userID)
	return true
}

// release drops owner from e once it is done and stops the monitor when it
// was the last one.
func (m *Monitors) release(owner context.Context, e *monitorEntry) {
	select {
	case <-e.ctx.Done():
		return
	case <-owner.Done():
	}
	m.mu.Lock()
	delete(e.owners, owner.Done())
	last := len(e.owners) == 0
	m.mu.Unlock()
	if last {
		e.cancel()
	}
}

// Stop cancels the monitor for (symbol, userID), if any.
func (m *Monitors) Stop(symbol, userID string) {
	m.mu.Lock()
	e, ok := m.running[model.PositionKey(symbol, userID)]
	m.mu.Unlock()
	if ok {
		e.cancel()
	}
}

// Running reports whether a monitor is active for (symbol, userID).
func (m *Monitors) Running(symbol, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.running[model.PositionKey(symbol, userID)]
	return ok && e.ctx.Err() == nil
}

// Count returns the number of active monitors.
func (m *Monitors) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Wait blocks until every monitor has exited.
func (m *Monitors) Wait() { m.wg.Wait() }

// RestoreOpen starts a monitor for every OPEN position in store.
func (m *Monitors) RestoreOpen(ctx context.Context, store model.PositionStore) (int, error) {
	open, err := store.ListOpen(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range open {
		if m.Start(ctx, p.Symbol, p.UserID) {
			n++
		}
	}
	if n > 0 {
		log.Printf("[monitor] restored %d open positions", n)
	}
	return n, nil
}

func (m *Monitors) loop(e *monitorEntry, key, symbol, userID string) {
	defer m.wg.Done()
	defer m.remove(key, e)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[monitor] PANIC %s/%s: %v", symbol, userID, r)
		}
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			out, err := m.eval.Evaluate(e.ctx, symbol, userID)
			if err != nil {
				log.Printf("[monitor] %s/%s: %v", symbol, userID, err)
				continue
			}
			if out == OutcomeClosed || out == OutcomeInactive {
				log.Printf("[monitor] %s/%s stopped (%s)", symbol, userID, out)
				return
			}
		}
	}
}

func (m *Monitors) remove(key string, e *monitorEntry) {
	e.cancel()
	m.mu.Lock()
	if cur, ok := m.running[key]; ok && cur == e {
		delete(m.running, key)
	}
	n := len(m.running)
	m.mu.Unlock()
	m.changed(n)
}

func (m *Monitors) changed(n int) {
	if m.OnChange != nil {
		m.OnChange(n)
	}
}
