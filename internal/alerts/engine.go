// Package alerts raises user alerts from the live price and from closed
// candle indicators.
//
// Price alerts fire every tick the price is beyond a threshold, throttled
// by a Limiter. Indicator alerts are edge triggered: they fire once when a
// condition becomes true and re-arm when it stops holding.
package alerts

import (
	"context"
	"fmt"
	"log"
	"time"

	"cryptoops/internal/model"
	"cryptoops/internal/notification"
)

// Directions of a price alert, used as limiter keys.
const (
	DirUp   = "up"
	DirDown = "down"
)

// Flag names of the edge-triggered indicator alerts.
const (
	flagRSI     = "rsi_alerted"
	flagBBLower = "bblow_alerted"
	flagEMASide = "ema50_side"
)

// FlagStore persists edge state per (symbol, user).
type FlagStore interface {
	Get(ctx context.Context, symbol, userID, flag string) (string, error)
	Set(ctx context.Context, symbol, userID, flag, value string) error
	Clear(ctx context.Context, symbol, userID, flag string) error
}

// EdgeConfig holds the indicator alert thresholds.
type EdgeConfig struct {
	RSIOversold float64 // default 25
	EMASpan     int     // default 50
}

// Engine evaluates both alert kinds for one (symbol, user) at a time.
type Engine struct {
	limiter  Limiter
	flags    FlagStore
	notifier notification.Notifier
	events   model.Publisher
	edge     EdgeConfig
	now      model.Clock

	OnAlert func(kind notification.Kind)
}

// NewEngine wires an alert engine. events may be nil.
func NewEngine(limiter Limiter, flags FlagStore, notifier notification.Notifier, events model.Publisher, edge EdgeConfig) *Engine {
	if edge.RSIOversold <= 0 {
		edge.RSIOversold = 25
	}
	if edge.EMASpan <= 0 {
		edge.EMASpan = 50
	}
	return &Engine{limiter: limiter, flags: flags, notifier: notifier, events: events, edge: edge, now: time.Now}
}

// CheckPrice compares price against the config's thresholds and returns the
// directions that were delivered. A zero threshold is unset.
func (e *Engine) CheckPrice(ctx context.Context, cfg model.PositionConfig, price float64) ([]string, error) {
	if !cfg.Status {
		return nil, nil
	}
	var fired []string
	if up := cfg.AlertUp.Float(); up > 0 && price >= up {
		ok, err := e.firePrice(ctx, cfg, DirUp, price, up)
		if err != nil {
			return fired, err
		}
		if ok {
			fired = append(fired, DirUp)
		}
	}
	if down := cfg.AlertDown.Float(); down > 0 && price <= down {
		ok, err := e.firePrice(ctx, cfg, DirDown, price, down)
		if err != nil {
			return fired, err
		}
		if ok {
			fired = append(fired, DirDown)
		}
	}
	return fired, nil
}

func (e *Engine) firePrice(ctx context.Context, cfg model.PositionConfig, dir string, price, threshold float64) (bool, error) {
	ok, err := e.limiter.Allow(ctx, cfg.Symbol, cfg.UserID, dir)
	if err != nil || !ok {
		return false, err
	}

	kind, evType, verb := notification.KindPriceUp, model.EventAlertUp, "above"
	if dir == DirDown {
		kind, evType, verb = notification.KindPriceDown, model.EventAlertDown, "below"
	}
	e.send(ctx, notification.Alert{
		Level:   notification.AlertInfo,
		Kind:    kind,
		Symbol:  cfg.Symbol,
		UserID:  cfg.UserID,
		Title:   fmt.Sprintf("%s price alert", cfg.Symbol),
		Message: fmt.Sprintf("Price %s is %s %s", model.NewPrice(price), verb, model.NewPrice(threshold)),
	})
	if e.events != nil {
		e.events.Publish(ctx, model.Event{
			Type:   evType,
			UserID: cfg.UserID,
			Symbol: cfg.Symbol,
			Time:   e.now().UTC(),
			Payload: map[string]any{
				"price":     model.NewPrice(price),
				"threshold": model.NewPrice(threshold),
			},
		})
	}
	return true, nil
}

// CheckIndicators runs the edge-triggered alerts against a closed candle's
// snapshot. It returns the number of alerts sent.
func (e *Engine) CheckIndicators(ctx context.Context, cfg model.PositionConfig, snap *model.IndicatorSnapshot) (int, error) {
	if !cfg.Status || snap == nil {
		return 0, nil
	}
	sent := 0

	if snap.RSI != nil {
		rsi := *snap.RSI
		fired, err := e.edgeFlag(ctx, cfg, flagRSI, rsi < e.edge.RSIOversold,
			fmt.Sprintf("RSI %.2f below %.0f", rsi, e.edge.RSIOversold))
		if err != nil {
			return sent, err
		}
		if fired {
			sent++
		}
	}

	if snap.BBLower != nil {
		lower := *snap.BBLower
		fired, err := e.edgeFlag(ctx, cfg, flagBBLower, snap.Close < lower,
			fmt.Sprintf("Close %s below Bollinger lower band %s", model.NewPrice(snap.Close), model.NewPrice(lower)))
		if err != nil {
			return sent, err
		}
		if fired {
			sent++
		}
	}

	if ema, ok := snap.EMAValue(e.edge.EMASpan); ok {
		fired, err := e.emaCross(ctx, cfg, snap.Close, ema)
		if err != nil {
			return sent, err
		}
		if fired {
			sent++
		}
	}
	return sent, nil
}

// edgeFlag fires once when cond turns true and clears the flag when it
// turns false again.
func (e *Engine) edgeFlag(ctx context.Context, cfg model.PositionConfig, flag string, cond bool, msg string) (bool, error) {
	v, err := e.flags.Get(ctx, cfg.Symbol, cfg.UserID, flag)
	if err != nil {
		return false, err
	}
	was := v == "1"
	switch {
	case cond && !was:
		if err := e.flags.Set(ctx, cfg.Symbol, cfg.UserID, flag, "1"); err != nil {
			return false, err
		}
		e.sendIndicator(ctx, cfg, msg)
		return true, nil
	case !cond && was:
		return false, e.flags.Clear(ctx, cfg.Symbol, cfg.UserID, flag)
	}
	return false, nil
}

// emaCross remembers which side of the EMA the close was on and alerts when
// it flips. The first observation only records the side.
func (e *Engine) emaCross(ctx context.Context, cfg model.PositionConfig, px, ema float64) (bool, error) {
	side := "below"
	if px > ema {
		side = "above"
	}
	prev, err := e.flags.Get(ctx, cfg.Symbol, cfg.UserID, flagEMASide)
	if err != nil {
		return false, err
	}
	if prev == side {
		return false, nil
	}
	if err := e.flags.Set(ctx, cfg.Symbol, cfg.UserID, flagEMASide, side); err != nil {
		return false, err
	}
	if prev == "" {
		return false, nil
	}
	dir := "down"
	if side == "above" {
		dir = "up"
	}
	e.sendIndicator(ctx, cfg, fmt.Sprintf("EMA%d %s cross: close %s, EMA %s",
		e.edge.EMASpan, dir, model.NewPrice(px), model.NewPrice(ema)))
	return true, nil
}

func (e *Engine) sendIndicator(ctx context.Context, cfg model.PositionConfig, msg string) {
	e.send(ctx, notification.Alert{
		Level:   notification.AlertInfo,
		Kind:    notification.KindIndicator,
		Symbol:  cfg.Symbol,
		UserID:  cfg.UserID,
		Title:   fmt.Sprintf("%s indicator alert", cfg.Symbol),
		Message: msg,
	})
	if e.events != nil {
		e.events.Publish(ctx, model.Event{
			Type:    model.EventIndicatorAlert,
			UserID:  cfg.UserID,
			Symbol:  cfg.Symbol,
			Time:    e.now().UTC(),
			Payload: map[string]string{"message": msg},
		})
	}
}

func (e *Engine) send(ctx context.Context, a notification.Alert) {
	if e.OnAlert != nil {
		e.OnAlert(a.Kind)
	}
	if err := e.notifier.Send(ctx, a); err != nil {
		log.Printf("[alerts] notify %s %s/%s: %v", a.Kind, a.Symbol, a.UserID, err)
	}
}
