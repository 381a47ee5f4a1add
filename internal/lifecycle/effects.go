// Package lifecycle drives a position through DORMANT -> OPEN -> CLOSED and
// back to DORMANT. The Activator opens positions on closed candles; the
// Evaluator closes or ratchets them from the last price on a fixed cycle.
// Every read-modify-write of a position runs under the same KeyLock.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jpillora/backoff"

	"cryptoops/internal/model"
	"cryptoops/internal/notification"
)

// storeTimeout bounds writes that must finish even if the caller's context
// is cancelled mid-transition.
const storeTimeout = 5 * time.Second

// Effects bundles the side-effect ports shared by both engines.
type Effects struct {
	Positions model.PositionStore
	Ledger    model.Ledger
	Journal   model.TradeJournal // optional
	Notifier  notification.Notifier
	Events    model.Publisher
	Now       model.Clock
	Retry     RetryConfig
}

// RetryConfig bounds the retries of a position write that follows a filled
// order.
type RetryConfig struct {
	Attempts int           // tries, including the first (default 3)
	Min      time.Duration // first pause (default 200ms)
	Max      time.Duration // pause cap (default 2s)
}

func (r RetryConfig) withDefaults() RetryConfig {
	if r.Attempts <= 0 {
		r.Attempts = 3
	}
	if r.Min <= 0 {
		r.Min = 200 * time.Millisecond
	}
	if r.Max < r.Min {
		r.Max = 10 * r.Min
	}
	return r
}

func (fx *Effects) now() time.Time {
	if fx.Now != nil {
		return fx.Now()
	}
	return time.Now()
}

// detached returns a context that survives cancellation of ctx.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
}

// persist runs write until it succeeds, fails with a non-transient error
// or the attempts are used up.
func (fx *Effects) persist(ctx context.Context, what string, write func() error) error {
	r := fx.Retry.withDefaults()
	b := &backoff.Backoff{Min: r.Min, Max: r.Max, Factor: 2, Jitter: true}
	for attempt := 1; ; attempt++ {
		err := write()
		if err == nil || !errors.Is(err, model.ErrTransientStore) || attempt >= r.Attempts {
			return err
		}
		log.Printf("[lifecycle] %s failed (attempt %d/%d): %v", what, attempt, r.Attempts, err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(b.Duration()):
		}
	}
}

// record appends r to the ledger and mirrors it to the journal. Failures
// are logged: the order already executed and the position has moved on.
func (fx *Effects) record(ctx context.Context, r model.TradeResult) {
	if err := fx.Ledger.Append(ctx, r); err != nil {
		log.Printf("[lifecycle] ERROR: ledger append %s %s/%s: %v", r.Operation, r.Symbol, r.UserID, err)
	}
	if fx.Journal != nil {
		if err := fx.Journal.RecordTrade(ctx, r); err != nil {
			log.Printf("[lifecycle] journal %s %s/%s: %v", r.Operation, r.Symbol, r.UserID, err)
		}
	}
}

func (fx *Effects) notify(ctx context.Context, a notification.Alert) {
	if fx.Notifier == nil {
		return
	}
	if err := fx.Notifier.Send(ctx, a); err != nil {
		log.Printf("[lifecycle] notify %s: %v", a.Kind, err)
	}
}

func (fx *Effects) publish(ctx context.Context, cfg model.PositionConfig) {
	if fx.Events == nil {
		return
	}
	fx.Events.Publish(ctx, model.Event{
		Type:    model.EventOperationExecuted,
		UserID:  cfg.UserID,
		Symbol:  cfg.Symbol,
		Time:    fx.now().UTC(),
		Payload: cfg,
	})
}

func tradeMessage(r model.TradeResult) string {
	return fmt.Sprintf("Side: %s\nPrice: %s\nAmount: %s\nTotal USDT: %s\nCommission: %s %s\nExecuted: %s",
		r.Side, r.PriceAvg, r.Amount, r.TotalQuote, r.Commission, r.CommissionAsset,
		r.ExecutedAt.Format(time.RFC3339))
}
