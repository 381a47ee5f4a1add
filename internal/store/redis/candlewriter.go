package redis

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/jpillora/backoff"

	"cryptoops/internal/model"
)

// WriterConfig tunes retries and the breaker in front of candle appends.
type WriterConfig struct {
	Attempts     int           // tries per write, including the first (default 3)
	RetryDelay   time.Duration // fixed pause between tries (default 500ms)
	MaxFailures  int           // consecutive failures before the breaker opens
	ResetTimeout time.Duration // how long the breaker stays open
}

// CandleWriter appends closed candles with bounded retries. A candle that
// still cannot be written goes to a single pending slot per symbol and is
// retried ahead of the next write for that symbol, and again when the
// breaker closes.
type CandleWriter struct {
	store *CandleStore
	cb    *CircuitBreaker
	cfg   WriterConfig

	mu      sync.Mutex
	pending map[string]model.Candle

	// Callbacks (optional, for metrics)
	OnRetry         func()
	OnPending       func(symbol string, replaced bool)
	OnFlush         func(symbol string)
	OnBreakerChange func(to State)
}

// NewCandleWriter wires a writer in front of store.
func NewCandleWriter(store *CandleStore, cfg WriterConfig) *CandleWriter {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 10 * time.Second
	}
	w := &CandleWriter{
		store:   store,
		cb:      NewCircuitBreaker("candles", cfg.MaxFailures, cfg.ResetTimeout),
		cfg:     cfg,
		pending: make(map[string]model.Candle),
	}
	w.cb.OnStateChange = func(_, to State) {
		if w.OnBreakerChange != nil {
			w.OnBreakerChange(to)
		}
		if to == StateClosed {
			go w.FlushAll(context.Background())
		}
	}
	return w
}

// Breaker exposes the breaker for health reporting.
func (w *CandleWriter) Breaker() *CircuitBreaker { return w.cb }

// Write stores c. Duplicates are reported as model.ErrDuplicateTimestamp and
// are not held. Any other failure leaves c in the pending slot and returns
// an error wrapping model.ErrTransientStore or ErrCircuitOpen.
func (w *CandleWriter) Write(ctx context.Context, c model.Candle) error {
	w.flush(ctx, c.Symbol)

	err := w.appendWithRetry(ctx, c)
	if err == nil || errors.Is(err, model.ErrDuplicateTimestamp) {
		return err
	}
	w.hold(ctx, c)
	return err
}

// Pending returns the held candle for symbol, if any.
func (w *CandleWriter) Pending(symbol string) (model.Candle, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.pending[symbol]
	return c, ok
}

// Attach sets the indicators of the held candle for symbol if it is the one
// at ts, so a later flush stores the candle complete. It reports whether a
// held candle was updated.
func (w *CandleWriter) Attach(ctx context.Context, symbol string, ts int64, ind *model.Indicators) bool {
	w.mu.Lock()
	c, ok := w.pending[symbol]
	if !ok || c.Timestamp != ts {
		w.mu.Unlock()
		return false
	}
	c.Indicators = ind.Rounded()
	w.pending[symbol] = c
	w.mu.Unlock()

	w.store.client.Set(ctx, failedKlineKey(symbol), c.JSON(), 0)
	return true
}

// PendingCount returns the number of symbols with a held candle.
func (w *CandleWriter) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// FlushAll retries every held candle once.
func (w *CandleWriter) FlushAll(ctx context.Context) {
	w.mu.Lock()
	symbols := make([]string, 0, len(w.pending))
	for s := range w.pending {
		symbols = append(symbols, s)
	}
	w.mu.Unlock()

	for _, s := range symbols {
		w.flush(ctx, s)
	}
}

// RecoverPending re-appends a candle left in Redis by a previous process
// that could not finish its write.
func (w *CandleWriter) RecoverPending(ctx context.Context, symbol string) error {
	raw, err := w.store.client.Get(ctx, failedKlineKey(symbol)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		return transient("get pending", err)
	}
	c, err := model.DecodeCandle(symbol, raw)
	if err != nil {
		log.Printf("[redis] discarding unreadable pending kline for %s: %v", symbol, err)
		return w.store.client.Del(ctx, failedKlineKey(symbol)).Err()
	}
	if err := w.store.Append(ctx, c); err != nil && !errors.Is(err, model.ErrDuplicateTimestamp) {
		return err
	}
	log.Printf("[redis] recovered pending kline %s@%d", symbol, c.Timestamp)
	return w.store.client.Del(ctx, failedKlineKey(symbol)).Err()
}

func (w *CandleWriter) appendWithRetry(ctx context.Context, c model.Candle) error {
	b := &backoff.Backoff{Min: w.cfg.RetryDelay, Max: w.cfg.RetryDelay, Factor: 1}
	for attempt := 1; ; attempt++ {
		err := w.cb.Execute(func() error { return w.store.Append(ctx, c) }, isStoreFailure)
		if err == nil || !isStoreFailure(err) || attempt >= w.cfg.Attempts {
			return err
		}
		if w.OnRetry != nil {
			w.OnRetry()
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(b.Duration()):
		}
	}
}

// flush tries the held candle for symbol once.
func (w *CandleWriter) flush(ctx context.Context, symbol string) {
	c, ok := w.Pending(symbol)
	if !ok {
		return
	}
	err := w.cb.Execute(func() error { return w.store.Append(ctx, c) }, isStoreFailure)
	if err != nil && !errors.Is(err, model.ErrDuplicateTimestamp) {
		return
	}

	w.mu.Lock()
	if cur, ok := w.pending[symbol]; ok && cur.Timestamp == c.Timestamp {
		delete(w.pending, symbol)
	}
	w.mu.Unlock()
	w.store.client.Del(ctx, failedKlineKey(symbol))

	log.Printf("[redis] flushed pending kline %s@%d", symbol, c.Timestamp)
	if w.OnFlush != nil {
		w.OnFlush(symbol)
	}
}

func (w *CandleWriter) hold(ctx context.Context, c model.Candle) {
	w.mu.Lock()
	prev, exists := w.pending[c.Symbol]
	if exists && prev.Timestamp > c.Timestamp {
		// Keep the newer one.
		w.mu.Unlock()
		return
	}
	w.pending[c.Symbol] = c
	w.mu.Unlock()
	replaced := exists && prev.Timestamp != c.Timestamp

	if replaced {
		log.Printf("[redis] WARNING: pending kline %s@%d superseded by @%d before it could be written",
			c.Symbol, prev.Timestamp, c.Timestamp)
	}
	// Best effort: survives a restart if Redis accepts this one write.
	w.store.client.Set(ctx, failedKlineKey(c.Symbol), c.JSON(), 0)

	if w.OnPending != nil {
		w.OnPending(c.Symbol, replaced)
	}
}

func isStoreFailure(err error) bool {
	return errors.Is(err, model.ErrTransientStore)
}
