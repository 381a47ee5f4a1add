package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cryptoops/internal/execution"
	"cryptoops/internal/model"
	"cryptoops/internal/notification"
)

type memPositions struct {
	mu   sync.Mutex
	data map[string]model.PositionConfig
}

func newMemPositions(cfgs ...model.PositionConfig) *memPositions {
	m := &memPositions{data: map[string]model.PositionConfig{}}
	for _, c := range cfgs {
		m.data[c.Key()] = c
	}
	return m
}

func (m *memPositions) Get(_ context.Context, symbol, user string) (model.PositionConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data[model.PositionKey(symbol, user)]
	if !ok {
		return model.PositionConfig{}, model.ErrNotFound
	}
	return c, nil
}

func (m *memPositions) Put(_ context.Context, c model.PositionConfig) error {
	if err := model.ValidatePosition(c); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[c.Key()] = c
	return nil
}

func (m *memPositions) Update(_ context.Context, symbol, user string, fn func(*model.PositionConfig) error) (model.PositionConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data[model.PositionKey(symbol, user)]
	if !ok {
		return model.PositionConfig{}, model.ErrNotFound
	}
	if err := fn(&c); err != nil {
		return model.PositionConfig{}, err
	}
	if err := model.ValidatePosition(c); err != nil {
		return model.PositionConfig{}, err
	}
	m.data[c.Key()] = c
	return c, nil
}

func (m *memPositions) ListOpen(context.Context) ([]model.PositionConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PositionConfig
	for _, c := range m.data {
		if c.State == model.StateOpen {
			out = append(out, c)
		}
	}
	return out, nil
}

// flakyPositions fails the next n updates with a transient error.
type flakyPositions struct {
	*memPositions
	mu sync.Mutex
	n  int
}

func (f *flakyPositions) failNext(n int) {
	f.mu.Lock()
	f.n = n
	f.mu.Unlock()
}

func (f *flakyPositions) Update(ctx context.Context, symbol, user string, fn func(*model.PositionConfig) error) (model.PositionConfig, error) {
	f.mu.Lock()
	if f.n > 0 {
		f.n--
		f.mu.Unlock()
		return model.PositionConfig{}, fmt.Errorf("update position: %w: connection reset", model.ErrTransientStore)
	}
	f.mu.Unlock()
	return f.memPositions.Update(ctx, symbol, user, fn)
}

type memLedger struct {
	mu      sync.Mutex
	entries []model.TradeResult
}

func (l *memLedger) Append(_ context.Context, r model.TradeResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, r)
	return nil
}

func (l *memLedger) List(_ context.Context, symbol string, _ int64) ([]model.TradeResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.TradeResult
	for _, e := range l.entries {
		if e.Symbol == symbol {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *memLedger) ops() []model.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.Operation
	for _, e := range l.entries {
		out = append(out, e.Operation)
	}
	return out
}

type memPrices struct {
	mu sync.Mutex
	m  map[string]float64
}

func (p *memPrices) SetLastClose(_ context.Context, s string, v float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = map[string]float64{}
	}
	p.m[s] = v
	return nil
}

func (p *memPrices) LastClose(_ context.Context, s string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.m[s]
	if !ok {
		return 0, model.ErrNotFound
	}
	return v, nil
}

// fakeExec fills at price with a single fill unless filled is false.
type fakeExec struct {
	mu      sync.Mutex
	price   string
	qty     string
	filled  bool
	entries int
	closes  int
}

func (f *fakeExec) result(side string) (model.OrderResult, error) {
	if !f.filled {
		return model.OrderResult{Status: "EXPIRED"}, execution.ErrOrderNotFilled
	}
	return model.OrderResult{
		OrderID:      int64(f.entries + f.closes),
		Side:         side,
		Status:       model.OrderStatusFilled,
		ExecutedQty:  f.qty,
		TransactTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		Fills: []model.Fill{{
			Price: f.price, Qty: f.qty, Commission: "0.01", CommissionAsset: "USDT", TradeID: 1,
		}},
	}, nil
}

func (f *fakeExec) PlaceEntry(context.Context, string) (model.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries++
	return f.result("BUY")
}

func (f *fakeExec) ClosePosition(context.Context, string) (model.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return f.result("SELL")
}

func (f *fakeExec) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries, f.closes
}

type memNotifier struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (n *memNotifier) Send(_ context.Context, a notification.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

type memEvents struct {
	mu     sync.Mutex
	events []model.Event
}

func (e *memEvents) Publish(_ context.Context, ev model.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *memEvents) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

type startRecorder struct {
	started []string
}

func (s *startRecorder) Start(_ context.Context, symbol, user string) bool {
	s.started = append(s.started, model.PositionKey(symbol, user))
	return true
}
