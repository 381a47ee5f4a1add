package archive

import (
	"context"
	"log"
	"time"

	"cryptoops/internal/model"
)

// HotStore is the part of the Redis candle store the migrator needs.
type HotStore interface {
	Symbols(ctx context.Context) ([]string, error)
	Count(ctx context.Context, symbol string) (int64, error)
	Range(ctx context.Context, symbol string, start, stop int64) ([]model.Candle, error)
	TrimBefore(ctx context.Context, symbol string, ts int64) (int64, error)
}

// MigratorConfig controls what leaves Redis.
type MigratorConfig struct {
	Interval     time.Duration // how often to run (default 1m)
	ArchiveAfter time.Duration // minimum candle age before it moves (default 5m)
	Retain       int64         // newest candles always kept in Redis (default 500)
}

// Migrator moves old candles from Redis to SQL and trims Redis afterwards.
// A candle is removed from Redis only once its insert has committed.
type Migrator struct {
	hot     HotStore
	archive model.CandleArchive
	cfg     MigratorConfig
	now     model.Clock

	OnMoved func(symbol string, n int)
	OnError func(err error)
}

// NewMigrator applies defaults to cfg.
func NewMigrator(hot HotStore, archive model.CandleArchive, cfg MigratorConfig) *Migrator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.ArchiveAfter <= 0 {
		cfg.ArchiveAfter = 5 * time.Minute
	}
	if cfg.Retain <= 0 {
		cfg.Retain = 500
	}
	return &Migrator{hot: hot, archive: archive, cfg: cfg, now: time.Now}
}

// Run migrates every Interval until ctx is cancelled.
func (m *Migrator) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	log.Printf("[archiver] running every %s (after=%s retain=%d)", m.cfg.Interval, m.cfg.ArchiveAfter, m.cfg.Retain)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil {
				log.Printf("[archiver] run failed: %v", err)
				if m.OnError != nil {
					m.OnError(err)
				}
			}
		}
	}
}

// RunOnce migrates all symbols and returns the number of candles moved.
// A failure on one symbol does not stop the others; the last error is
// returned.
func (m *Migrator) RunOnce(ctx context.Context) (int, error) {
	symbols, err := m.hot.Symbols(ctx)
	if err != nil {
		return 0, err
	}
	var (
		total   int
		lastErr error
	)
	for _, s := range symbols {
		n, err := m.migrateSymbol(ctx, s)
		if err != nil {
			log.Printf("[archiver] %s: %v", s, err)
			lastErr = err
			continue
		}
		total += n
	}
	return total, lastErr
}

func (m *Migrator) migrateSymbol(ctx context.Context, symbol string) (int, error) {
	count, err := m.hot.Count(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if count <= m.cfg.Retain {
		return 0, nil
	}
	candidates, err := m.hot.Range(ctx, symbol, 0, count-m.cfg.Retain-1)
	if err != nil {
		return 0, err
	}

	cutoff := m.now().Add(-m.cfg.ArchiveAfter).UnixMilli()
	var move []model.Candle
	for _, c := range candidates {
		if c.Timestamp >= cutoff {
			break
		}
		move = append(move, c)
	}
	if len(move) == 0 {
		return 0, nil
	}

	inserted, err := m.archive.InsertCandles(ctx, symbol, move)
	if err != nil {
		return 0, err
	}
	last := move[len(move)-1].Timestamp
	if _, err := m.hot.TrimBefore(ctx, symbol, last+1); err != nil {
		return 0, err
	}

	log.Printf("[archiver] %s: moved %d candles (%d new rows) up to %d", symbol, len(move), inserted, last)
	if m.OnMoved != nil {
		m.OnMoved(symbol, len(move))
	}
	return len(move), nil
}
