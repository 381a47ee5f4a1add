// Package ingest is the symbol stage of the pipeline: it runs once per
// upstream kline, before any user sees it.
//
// For every kline the last price is cached. Closed klines on the indicator
// interval are appended to the timeline, fed to the indicator engine and
// get their indicators attached to the stored candle. Forming klines carry
// a preview of the indicators.
package ingest

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"time"

	"cryptoops/internal/indicator"
	"cryptoops/internal/logger"
	"cryptoops/internal/marketdata/binance"
	"cryptoops/internal/model"
	storeredis "cryptoops/internal/store/redis"
)

// Writer appends closed candles with retries and a pending slot.
type Writer interface {
	Write(ctx context.Context, c model.Candle) error
	RecoverPending(ctx context.Context, symbol string) error
	Attach(ctx context.Context, symbol string, ts int64, ind *model.Indicators) bool
}

// Config selects the indicator interval and history sizes.
type Config struct {
	Interval      string // persisted interval (default "1m")
	WarmupCandles int    // preload from the archive below this count (default 200)
	SeedCandles   int    // tail replayed into the engine on first use (default 500)
}

func (c *Config) defaults() {
	if c.Interval == "" {
		c.Interval = "1m"
	}
	if c.WarmupCandles <= 0 {
		c.WarmupCandles = 200
	}
	if c.SeedCandles <= 0 {
		c.SeedCandles = 500
	}
}

// Processor handles the symbol stage.
type Processor struct {
	candles model.CandleStore
	writer  Writer
	prices  model.PriceCache
	archive model.CandleArchive
	engine  *indicator.Engine
	cfg     Config

	// Optional hooks, for metrics.
	OnTick       func(symbol string)
	OnCandle     func(symbol string)
	OnDuplicate  func(symbol string)
	OnIndicators func(d time.Duration)
}

// NewProcessor wires a processor. archive may be nil.
func NewProcessor(candles model.CandleStore, writer Writer, prices model.PriceCache, archive model.CandleArchive, engine *indicator.Engine, cfg Config) *Processor {
	cfg.defaults()
	return &Processor{candles: candles, writer: writer, prices: prices, archive: archive, engine: engine, cfg: cfg}
}

// Interval returns the indicator interval.
func (p *Processor) Interval() string { return p.cfg.Interval }

// Handle runs the symbol stage for one kline and returns the event to fan
// out. The snapshot is set only for a newly stored closed kline on the
// indicator interval.
func (p *Processor) Handle(ctx context.Context, c model.Candle) model.TickEvent {
	ev := model.TickEvent{Candle: c, TraceID: logger.GenerateTraceID(c.Symbol, c.Time())}
	ctx = logger.WithTraceID(ctx, ev.TraceID)

	if p.OnTick != nil {
		p.OnTick(c.Symbol)
	}
	if err := p.prices.SetLastClose(ctx, c.Symbol, c.Close); err != nil {
		log.Printf("[ingest] %s last close: %v", c.Symbol, err)
	}
	if c.Interval != "" && c.Interval != p.cfg.Interval {
		return ev
	}
	if !c.Closed {
		ev.Candle.Indicators = p.engine.Peek(c.Symbol, c).Rounded()
		return ev
	}

	stored := true
	if err := p.writer.Write(ctx, c); err != nil {
		if errors.Is(err, model.ErrDuplicateTimestamp) {
			if p.OnDuplicate != nil {
				p.OnDuplicate(c.Symbol)
			}
			slog.Debug("duplicate kline ignored", append(logger.LogWithTrace(ctx), slog.String("symbol", c.Symbol), slog.Int64("ts", c.Timestamp))...)
			return ev
		}
		// The writer holds the candle; indicators still advance so the
		// lifecycle keeps running.
		log.Printf("[ingest] %s@%d append failed, held for retry: %v", c.Symbol, c.Timestamp, err)
		stored = false
	} else if p.OnCandle != nil {
		p.OnCandle(c.Symbol)
	}

	start := time.Now()
	snap, ok := p.compute(ctx, c)
	if p.OnIndicators != nil {
		p.OnIndicators(time.Since(start))
	}
	if !ok {
		return ev
	}

	rounded := snap.Indicators.Rounded()
	ev.Candle.Indicators = rounded
	ev.Snapshot = &snap
	switch {
	case rounded.Empty():
	case stored:
		if err := p.candles.UpdateLatest(ctx, c.Symbol, c.Timestamp, rounded); err != nil && !errors.Is(err, storeredis.ErrStaleLatest) {
			log.Printf("[ingest] %s@%d attach indicators: %v", c.Symbol, c.Timestamp, err)
		}
	default:
		// Held candles are written later with their indicators in place.
		p.writer.Attach(ctx, c.Symbol, c.Timestamp, rounded)
	}
	return ev
}

// compute advances the engine with c, seeding it from the stored timeline
// the first time the symbol is seen.
func (p *Processor) compute(ctx context.Context, c model.Candle) (model.IndicatorSnapshot, bool) {
	if p.engine.Seeded(c.Symbol) {
		return p.engine.Process(c.Symbol, c)
	}
	history, err := p.History(ctx, c.Symbol)
	if err != nil {
		log.Printf("[ingest] %s seed: %v", c.Symbol, err)
	}
	if n := len(history); n > 0 && history[n-1].Timestamp == c.Timestamp {
		snap := p.engine.Seed(c.Symbol, history)
		log.Printf("[ingest] %s seeded from %d candles", c.Symbol, n)
		return snap, true
	}
	// The candle itself is not stored yet: seed with what is there and
	// process it on top.
	var older []model.Candle
	for _, h := range history {
		if h.Timestamp < c.Timestamp {
			older = append(older, h)
		}
	}
	p.engine.Seed(c.Symbol, older)
	return p.engine.Process(c.Symbol, c)
}

// History loads the tail replayed into the indicator engine, recovering a
// pending write and warming up from the archive first.
func (p *Processor) History(ctx context.Context, symbol string) ([]model.Candle, error) {
	if err := p.writer.RecoverPending(ctx, symbol); err != nil {
		log.Printf("[ingest] %s recover pending: %v", symbol, err)
	}
	if err := p.warmUp(ctx, symbol); err != nil {
		log.Printf("[ingest] %s warm-up: %v", symbol, err)
	}
	return p.candles.Range(ctx, symbol, -int64(p.cfg.SeedCandles), -1)
}

func (p *Processor) warmUp(ctx context.Context, symbol string) error {
	if p.archive == nil {
		return nil
	}
	n, err := p.candles.Count(ctx, symbol)
	if err != nil {
		return err
	}
	if n >= int64(p.cfg.WarmupCandles) {
		return nil
	}
	older, err := p.archive.RecentCandles(ctx, symbol, p.cfg.WarmupCandles)
	if err != nil {
		return err
	}
	loaded := 0
	for _, c := range older {
		if err := p.candles.Append(ctx, c); err != nil {
			if errors.Is(err, model.ErrDuplicateTimestamp) {
				continue
			}
			return err
		}
		loaded++
	}
	if loaded > 0 {
		log.Printf("[ingest] %s warmed up %d candles from archive", symbol, loaded)
	}
	return nil
}

// Feed returns a function that streams (symbol, interval) from src through
// Handle into publish until ctx ends. It is the bus.StartFunc of a feed.
func (p *Processor) Feed(src binance.Source, publish func(symbol, interval string, ev model.TickEvent)) func(ctx context.Context, symbol, interval string) {
	return func(ctx context.Context, symbol, interval string) {
		err := src.Stream(ctx, symbol, interval, func(c model.Candle) {
			if c.Interval == "" {
				c.Interval = interval
			}
			publish(symbol, interval, p.Handle(ctx, c))
		})
		if err != nil {
			log.Printf("[ingest] feed %s@%s: %v", symbol, interval, err)
		}
	}
}
