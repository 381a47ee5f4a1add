package model

import (
	"context"
	"errors"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the engines from Redis and the SQL archive.

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateTimestamp is returned when a candle with the same open time
// is already stored for the symbol.
var ErrDuplicateTimestamp = errors.New("duplicate candle timestamp")

// ErrTransientStore wraps storage failures that are worth retrying.
var ErrTransientStore = errors.New("transient store error")

// CandleStore is the per-symbol ordered candle timeline.
type CandleStore interface {
	Append(ctx context.Context, c Candle) error
	Range(ctx context.Context, symbol string, start, stop int64) ([]Candle, error)
	Latest(ctx context.Context, symbol string) (Candle, error)
	UpdateLatest(ctx context.Context, symbol string, ts int64, ind *Indicators) error
	Count(ctx context.Context, symbol string) (int64, error)
}

// PositionStore holds one PositionConfig per (symbol, user).
type PositionStore interface {
	Get(ctx context.Context, symbol, userID string) (PositionConfig, error)
	Put(ctx context.Context, cfg PositionConfig) error
	// Update applies fn under an optimistic transaction. If fn returns an
	// error nothing is written.
	Update(ctx context.Context, symbol, userID string, fn func(*PositionConfig) error) (PositionConfig, error)
	ListOpen(ctx context.Context) ([]PositionConfig, error)
}

// Ledger is the append-only trade history per symbol.
type Ledger interface {
	Append(ctx context.Context, r TradeResult) error
	List(ctx context.Context, symbol string, limit int64) ([]TradeResult, error)
}

// PriceCache keeps the most recent close per symbol.
type PriceCache interface {
	SetLastClose(ctx context.Context, symbol string, price float64) error
	LastClose(ctx context.Context, symbol string) (float64, error)
}

// TradeJournal mirrors ledger entries to the SQL archive.
type TradeJournal interface {
	RecordTrade(ctx context.Context, r TradeResult) error
}

// CandleArchive is the cold store for candles evicted from Redis.
type CandleArchive interface {
	InsertCandles(ctx context.Context, symbol string, candles []Candle) (int64, error)
	RecentCandles(ctx context.Context, symbol string, limit int) ([]Candle, error)
}

// Publisher delivers events to a user's observers.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Clock is injected wherever timing matters to tests.
type Clock func() time.Time
