package session

import (
	"context"
	"errors"
	"log"

	"cryptoops/internal/alerts"
	"cryptoops/internal/lifecycle"
	"cryptoops/internal/marketdata/bus"
	"cryptoops/internal/model"
)

// Feeds is the stream registry a pipeline reads from.
type Feeds interface {
	Subscribe(symbol, interval string) *bus.Subscription
	Unsubscribe(sub *bus.Subscription)
}

// Activator opens positions on closed candles.
type Activator interface {
	Check(ctx context.Context, symbol, userID string, snap *model.IndicatorSnapshot) (bool, error)
}

// Deps are the collaborators shared by every pipeline.
type Deps struct {
	Feeds     Feeds
	Positions model.PositionStore
	Alerts    *alerts.Engine
	Activator Activator
	Monitors  lifecycle.MonitorStarter
}

// pipeline is the user stage for one (session, symbol, interval): it
// forwards klines to the session and runs alerts and activation against
// the user's position config.
type pipeline struct {
	deps     Deps
	sess     *Session
	symbol   string
	interval string

	lastClosed int64
}

// run blocks until ctx is cancelled. Lifecycle work runs under the session
// context so a replaced subscription does not stop a monitor.
func (p *pipeline) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[session] PANIC pipeline %s %s@%s: %v", p.sess.ID, p.symbol, p.interval, r)
		}
	}()

	sub := p.deps.Feeds.Subscribe(p.symbol, p.interval)
	defer p.deps.Feeds.Unsubscribe(sub)

	p.resumeMonitor()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Closed():
			p.handle(ev)
		case ev := <-sub.Ticks():
			// Closed klines queued behind this tick are older; they go first.
			p.drainClosed(ctx, sub)
			if ev.Candle.Timestamp > p.lastClosed {
				p.handle(ev)
			}
		}
	}
}

func (p *pipeline) drainClosed(ctx context.Context, sub *bus.Subscription) {
	for ctx.Err() == nil {
		select {
		case ev := <-sub.Closed():
			p.handle(ev)
		default:
			return
		}
	}
}

func (p *pipeline) resumeMonitor() {
	cfg, err := p.deps.Positions.Get(p.sess.ctx, p.symbol, p.sess.UserID)
	if err == nil {
		p.ownMonitor(cfg)
	}
}

// ownMonitor registers the session as an owner of the position's monitor
// while the position is open. Repeated calls for one session are no-ops.
func (p *pipeline) ownMonitor(cfg model.PositionConfig) {
	if p.deps.Monitors != nil && cfg.IsOpen() {
		p.deps.Monitors.Start(p.sess.ctx, p.symbol, p.sess.UserID)
	}
}

func (p *pipeline) handle(ev model.TickEvent) {
	ctx := p.sess.ctx
	user := p.sess.UserID
	if ev.Candle.Closed && ev.Candle.Timestamp > p.lastClosed {
		p.lastClosed = ev.Candle.Timestamp
	}

	p.sess.emit(model.Event{
		Type:    model.EventKline,
		UserID:  user,
		Symbol:  p.symbol,
		Time:    ev.Candle.Time(),
		Payload: klineFrame(ev.Candle, p.interval),
	})

	cfg, err := p.deps.Positions.Get(ctx, p.symbol, user)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			log.Printf("[session] %s/%s config: %v", p.symbol, user, err)
		}
		return
	}
	p.ownMonitor(cfg)

	if p.deps.Alerts != nil {
		if _, err := p.deps.Alerts.CheckPrice(ctx, cfg, ev.Candle.Close); err != nil {
			log.Printf("[session] %s/%s price alerts: %v", p.symbol, user, err)
		}
	}
	if ev.Snapshot == nil {
		return
	}
	if p.deps.Alerts != nil {
		if _, err := p.deps.Alerts.CheckIndicators(ctx, cfg, ev.Snapshot); err != nil {
			log.Printf("[session] %s/%s indicator alerts: %v", p.symbol, user, err)
		}
	}
	if p.deps.Activator != nil {
		if _, err := p.deps.Activator.Check(ctx, p.symbol, user, ev.Snapshot); err != nil {
			log.Printf("[session] %s/%s activation: %v", p.symbol, user, err)
		}
	}
}

// KlineFrame is the kline pushed to websocket clients.
type KlineFrame struct {
	Symbol     string            `json:"symbol"`
	Interval   string            `json:"interval"`
	Timestamp  int64             `json:"timestamp"`
	Open       float64           `json:"open"`
	High       float64           `json:"high"`
	Low        float64           `json:"low"`
	Close      float64           `json:"close"`
	Volume     float64           `json:"volume"`
	Closed     bool              `json:"closed"`
	Indicators *model.Indicators `json:"indicators,omitempty"`
}

func klineFrame(c model.Candle, interval string) KlineFrame {
	return KlineFrame{
		Symbol:     c.Symbol,
		Interval:   interval,
		Timestamp:  c.Timestamp,
		Open:       c.Open,
		High:       c.High,
		Low:        c.Low,
		Close:      c.Close,
		Volume:     c.Volume,
		Closed:     c.Closed,
		Indicators: c.Indicators,
	}
}
