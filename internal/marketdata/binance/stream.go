// Package binance streams live klines from Binance into model.Candle values.
//
// One Stream call serves a single <symbol>@kline_<interval> subscription and
// reconnects with exponential backoff until its context is cancelled.
package binance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/jpillora/backoff"

	"cryptoops/internal/model"
)

// ServeFunc opens one kline websocket. It matches gobinance.WsKlineServe.
type ServeFunc func(symbol, interval string, handler gobinance.WsKlineHandler, errHandler gobinance.ErrHandler) (doneC, stopC chan struct{}, err error)

// Config holds the reconnect policy.
type Config struct {
	// ReconnectDelay is the first delay after a disconnect. Defaults to 1s.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// Source delivers klines for one (symbol, interval) to fn until ctx ends.
type Source interface {
	Stream(ctx context.Context, symbol, interval string, fn func(model.Candle)) error
}

// Streamer is the live Source backed by the Binance public websocket.
type Streamer struct {
	cfg   Config
	serve ServeFunc

	// Optional hooks.
	OnReconnect func(symbol string)
	OnError     func(symbol string, err error)
}

// NewStreamer uses gobinance.WsKlineServe.
func NewStreamer(cfg Config) *Streamer {
	return NewStreamerWith(cfg, gobinance.WsKlineServe)
}

// NewStreamerWith uses a custom serve function.
func NewStreamerWith(cfg Config, serve ServeFunc) *Streamer {
	cfg.defaults()
	return &Streamer{cfg: cfg, serve: serve}
}

// Stream connects and calls fn for every kline event. Blocks until ctx is
// cancelled, reconnecting on every disconnect.
func (s *Streamer) Stream(ctx context.Context, symbol, interval string, fn func(model.Candle)) error {
	b := &backoff.Backoff{
		Min:    s.cfg.ReconnectDelay,
		Max:    s.cfg.MaxReconnectDelay,
		Factor: 2,
		Jitter: true,
	}
	symbol = strings.ToUpper(symbol)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		healthy, err := s.runOnce(ctx, symbol, interval, fn)
		if err == nil {
			return nil
		}
		if healthy {
			b.Reset()
		}

		delay := b.Duration()
		log.Printf("[binance] %s@kline_%s disconnected (%v), reconnecting in %s", symbol, interval, err, delay)
		if s.OnReconnect != nil {
			s.OnReconnect(symbol)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

var errStreamClosed = errors.New("stream closed")

// runOnce holds a single connection. It returns nil only when ctx ended;
// healthy is true if at least one kline was received.
func (s *Streamer) runOnce(ctx context.Context, symbol, interval string, fn func(model.Candle)) (bool, error) {
	var received atomic.Bool
	var lastErr atomic.Value

	doneC, stopC, err := s.serve(symbol, interval, func(ev *gobinance.WsKlineEvent) {
		c, err := FromKline(symbol, ev)
		if err != nil {
			log.Printf("[binance] %s parse: %v", symbol, err)
			return
		}
		received.Store(true)
		fn(c)
	}, func(err error) {
		lastErr.Store(err)
		if s.OnError != nil {
			s.OnError(symbol, err)
		}
	})
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	log.Printf("[binance] streaming %s@kline_%s", symbol, interval)

	select {
	case <-ctx.Done():
		close(stopC)
		<-doneC
		return received.Load(), nil
	case <-doneC:
		if e, ok := lastErr.Load().(error); ok {
			return received.Load(), e
		}
		return received.Load(), errStreamClosed
	}
}

// FromKline converts a websocket kline event. Price and volume fields are
// decimal strings on the wire.
func FromKline(symbol string, ev *gobinance.WsKlineEvent) (model.Candle, error) {
	k := ev.Kline
	c := model.Candle{
		Symbol:     symbol,
		Interval:   k.Interval,
		Timestamp:  k.StartTime,
		TradeCount: k.TradeNum,
		Closed:     k.IsFinal,
	}
	fields := []struct {
		dst *float64
		raw string
		tag string
	}{
		{&c.Open, k.Open, "open"},
		{&c.High, k.High, "high"},
		{&c.Low, k.Low, "low"},
		{&c.Close, k.Close, "close"},
		{&c.Volume, k.Volume, "volume"},
		{&c.TakerBuyVolume, k.ActiveBuyQuoteVolume, "taker_buy_quote_volume"},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(f.raw, 64)
		if err != nil {
			return model.Candle{}, fmt.Errorf("%s %q: %w", f.tag, f.raw, err)
		}
		*f.dst = v
	}
	if c.Close <= 0 {
		return model.Candle{}, fmt.Errorf("non-positive close %q", k.Close)
	}
	return c, nil
}
