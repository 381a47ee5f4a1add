package alerts

import (
	"context"
	"sync"
	"time"
)

// Limiter decides whether an alert for (symbol, user, direction) may fire
// now. A true result counts as a delivery.
type Limiter interface {
	Allow(ctx context.Context, symbol, userID, direction string) (bool, error)
}

// LimitConfig is a fixed window with a cap plus a minimum gap between two
// deliveries.
type LimitConfig struct {
	Window   time.Duration // default 100s
	Max      int           // per window, default 1
	Cooldown time.Duration // default 10s
}

// WithDefaults fills zero fields.
func (c LimitConfig) WithDefaults() LimitConfig {
	if c.Window <= 0 {
		c.Window = 100 * time.Second
	}
	if c.Max <= 0 {
		c.Max = 1
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Second
	}
	return c
}

type limitState struct {
	windowStart time.Time
	count       int
	lastFired   time.Time
}

// MemoryLimiter is the in-process Limiter. It follows the same rules as the
// Redis limiter: the cooldown is checked first and a suppressed call does
// not count against the window.
type MemoryLimiter struct {
	cfg LimitConfig
	now func() time.Time

	mu    sync.Mutex
	state map[string]*limitState
}

// NewMemoryLimiter uses time.Now when now is nil.
func NewMemoryLimiter(cfg LimitConfig, now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{cfg: cfg.WithDefaults(), now: now, state: make(map[string]*limitState)}
}

func (l *MemoryLimiter) Allow(_ context.Context, symbol, userID, direction string) (bool, error) {
	now := l.now()
	key := symbol + ":" + userID + ":" + direction

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.state[key]
	if !ok {
		st = &limitState{windowStart: now}
		l.state[key] = st
	}
	if !st.lastFired.IsZero() && now.Sub(st.lastFired) < l.cfg.Cooldown {
		return false, nil
	}
	if now.Sub(st.windowStart) >= l.cfg.Window {
		st.windowStart = now
		st.count = 0
	}
	st.count++
	if st.count > l.cfg.Max {
		return false, nil
	}
	st.lastFired = now
	return true, nil
}
