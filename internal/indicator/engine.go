package indicator

import (
	"sort"
	"sync"

	"cryptoops/internal/model"
)

// Config selects the indicators computed for every symbol.
type Config struct {
	RSIPeriod int
	EMASpans  []int
	BBWindow  int
	BBK       float64
}

// DefaultConfig is RSI(14), EMA 10/50/150 and Bollinger(20, 2).
func DefaultConfig() Config {
	return Config{RSIPeriod: 14, EMASpans: []int{10, 50, 150}, BBWindow: 20, BBK: 2}
}

// symbolIndicators holds live indicator instances for one symbol.
type symbolIndicators struct {
	rsi    *RSI
	emas   []*EMA
	bb     *Bollinger
	lastTS int64
	closes int
}

// Engine keeps incremental indicator state per symbol. State is rebuilt
// from the stored timeline with Seed after a restart; it is never loaded
// from previously rounded values.
type Engine struct {
	cfg Config

	mu    sync.Mutex
	state map[string]*symbolIndicators
}

// NewEngine creates an indicator engine.
func NewEngine(cfg Config) *Engine {
	spans := append([]int(nil), cfg.EMASpans...)
	sort.Ints(spans)
	cfg.EMASpans = spans
	return &Engine{
		cfg:   cfg,
		state: make(map[string]*symbolIndicators, 16),
	}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Seeded reports whether symbol has live state.
func (e *Engine) Seeded(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.state[symbol]
	return ok
}

// Seed discards any state for symbol and replays history in order. The
// returned snapshot describes the last candle of history.
func (e *Engine) Seed(symbol string, history []model.Candle) model.IndicatorSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	si := e.newSymbolIndicators()
	e.state[symbol] = si
	for i := range history {
		si.update(history[i])
	}
	if len(history) == 0 {
		return model.IndicatorSnapshot{Symbol: symbol}
	}
	return si.snapshot(symbol, history[len(history)-1])
}

// Process feeds one closed candle. ok is false when the candle is not newer
// than the last one processed for the symbol (duplicate or out of order).
func (e *Engine) Process(symbol string, c model.Candle) (snap model.IndicatorSnapshot, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	si, exists := e.state[symbol]
	if !exists {
		si = e.newSymbolIndicators()
		e.state[symbol] = si
	}
	if si.closes > 0 && c.Timestamp <= si.lastTS {
		return model.IndicatorSnapshot{}, false
	}
	si.update(c)
	return si.snapshot(symbol, c), true
}

// Peek previews the indicators for a forming candle without changing state.
// Returns nil when the symbol has no state yet.
func (e *Engine) Peek(symbol string, c model.Candle) *model.Indicators {
	e.mu.Lock()
	defer e.mu.Unlock()

	si, exists := e.state[symbol]
	if !exists || c.Timestamp <= si.lastTS {
		return nil
	}
	out := &model.Indicators{}
	if v, ok := si.rsi.Peek(c.Close); ok {
		out.RSI = &v
	}
	for _, ema := range si.emas {
		if v, ok := ema.Peek(c.Close); ok {
			if out.EMA == nil {
				out.EMA = make(map[int]float64, len(si.emas))
			}
			out.EMA[ema.Span()] = v
		}
	}
	if bands, ok := si.bb.PeekBands(c.Close); ok {
		out.BBUpper, out.BBBasis, out.BBLower = &bands.Upper, &bands.Basis, &bands.Lower
	}
	return out
}

// Drop forgets a symbol so the next candle reseeds it.
func (e *Engine) Drop(symbol string) {
	e.mu.Lock()
	delete(e.state, symbol)
	e.mu.Unlock()
}

func (e *Engine) newSymbolIndicators() *symbolIndicators {
	si := &symbolIndicators{
		rsi:  NewRSI(e.cfg.RSIPeriod),
		emas: make([]*EMA, len(e.cfg.EMASpans)),
		bb:   NewBollinger(e.cfg.BBWindow, e.cfg.BBK),
	}
	for i, span := range e.cfg.EMASpans {
		si.emas[i] = NewEMA(span)
	}
	return si
}

func (si *symbolIndicators) update(c model.Candle) {
	si.rsi.Update(c.Close)
	for _, ema := range si.emas {
		ema.Update(c.Close)
	}
	si.bb.Update(c.Close)
	si.lastTS = c.Timestamp
	si.closes++
}

func (si *symbolIndicators) snapshot(symbol string, c model.Candle) model.IndicatorSnapshot {
	snap := model.IndicatorSnapshot{
		Symbol:    symbol,
		Timestamp: c.Timestamp,
		Close:     c.Close,
	}
	if si.rsi.Ready() {
		v := si.rsi.Value()
		snap.RSI = &v
	}
	for _, ema := range si.emas {
		if !ema.Ready() {
			continue
		}
		if snap.EMA == nil {
			snap.EMA = make(map[int]float64, len(si.emas))
		}
		snap.EMA[ema.Span()] = ema.Value()
	}
	if bands, ok := si.bb.Bands(); ok {
		snap.BBUpper, snap.BBBasis, snap.BBLower = &bands.Upper, &bands.Basis, &bands.Lower
	}
	return snap
}
