// Package session tracks connected user sessions and runs one pipeline per
// active subscription.
package session

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"cryptoops/internal/model"
)

// ErrUnknownSession is returned for an ID that is not connected.
var ErrUnknownSession = errors.New("unknown session")

// FrameBuffer is the per-session outbound backlog.
const FrameBuffer = 64

// Session is one connected client of one user.
type Session struct {
	ID     string
	UserID string

	ctx    context.Context
	cancel context.CancelFunc
	frames chan model.Event

	mu  sync.Mutex
	sub *activeSub

	onDrop func()
}

type activeSub struct {
	symbol   string
	interval string
	cancel   context.CancelFunc
	done     chan struct{}
}

// Frames delivers klines for the current subscription. Frames are dropped
// when the client does not keep up.
func (s *Session) Frames() <-chan model.Event { return s.frames }

// Done is closed when the session is disconnected.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Subscription returns the current (symbol, interval), if any.
func (s *Session) Subscription() (string, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return "", "", false
	}
	return s.sub.symbol, s.sub.interval, true
}

func (s *Session) emit(ev model.Event) {
	select {
	case s.frames <- ev:
	default:
		if s.onDrop != nil {
			s.onDrop()
		}
	}
}

// Registry owns every session. Disconnect cancels a session's context,
// which stops its pipeline and the monitors it started.
type Registry struct {
	deps Deps

	mu       sync.Mutex
	sessions map[string]*Session

	// Optional hooks, for metrics.
	OnSessions  func(n int)
	OnFrameDrop func()
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{deps: deps, sessions: make(map[string]*Session)}
}

// Connect registers a new session for userID under parent.
func (r *Registry) Connect(parent context.Context, userID string) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		ctx:    ctx,
		cancel: cancel,
		frames: make(chan model.Event, FrameBuffer),
		onDrop: r.OnFrameDrop,
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	n := len(r.sessions)
	r.mu.Unlock()

	log.Printf("[session] %s connected for %s (%d total)", s.ID, userID, n)
	r.changed(n)
	return s
}

// Get returns a connected session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Subscribe replaces the session's subscription with (symbol, interval).
func (r *Registry) Subscribe(id, symbol, interval string) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrUnknownSession
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" || interval == "" {
		return errors.New("symbol and interval are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stopSub(s.sub)

	pctx, cancel := context.WithCancel(s.ctx)
	sub := &activeSub{symbol: symbol, interval: interval, cancel: cancel, done: make(chan struct{})}
	s.sub = sub
	p := &pipeline{deps: r.deps, sess: s, symbol: symbol, interval: interval}
	go func() {
		defer close(sub.done)
		p.run(pctx)
	}()
	log.Printf("[session] %s subscribed %s@%s", id, symbol, interval)
	return nil
}

// Unsubscribe stops the session's pipeline, if any.
func (r *Registry) Unsubscribe(id string) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrUnknownSession
	}
	s.mu.Lock()
	stopSub(s.sub)
	s.sub = nil
	s.mu.Unlock()
	return nil
}

// Disconnect cancels the session and waits for its pipeline to exit.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	n := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return
	}

	s.cancel()
	s.mu.Lock()
	stopSub(s.sub)
	s.sub = nil
	s.mu.Unlock()

	log.Printf("[session] %s disconnected (%d left)", id, n)
	r.changed(n)
}

// Count returns the number of connected sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close disconnects every session.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Disconnect(id)
	}
}

func stopSub(sub *activeSub) {
	if sub == nil {
		return
	}
	sub.cancel()
	<-sub.done
}

func (r *Registry) changed(n int) {
	if r.OnSessions != nil {
		r.OnSessions(n)
	}
}
