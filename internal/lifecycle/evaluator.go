package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"cryptoops/internal/execution"
	"cryptoops/internal/model"
	"cryptoops/internal/notification"
)

// Outcome is what one evaluation cycle did.
type Outcome int

const (
	OutcomeHold        Outcome = iota // open, nothing to do
	OutcomeRatcheted                  // take-profit moved up
	OutcomeClosed                     // position closed and reset
	OutcomeInactive                   // not open; the monitor can stop
	OutcomeCloseFailed                // close order did not fill; retried next cycle
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHold:
		return "hold"
	case OutcomeRatcheted:
		return "ratcheted"
	case OutcomeClosed:
		return "closed"
	case OutcomeInactive:
		return "inactive"
	case OutcomeCloseFailed:
		return "close_failed"
	}
	return "unknown"
}

// EvaluatorConfig tunes the profit ladder.
type EvaluatorConfig struct {
	TPStep      decimal.Decimal // take-profit increase per ratchet (default 0.005)
	TBGap       decimal.Decimal // take-benefit distance below the old TP (default 0.004)
	MaxProgress decimal.Decimal // gain over entry that closes at TP (default 2, i.e. +200%)
}

// Evaluator applies stop-loss, take-benefit and take-profit to an open
// position at the last traded price.
type Evaluator struct {
	fx     *Effects
	exec   execution.Executor
	prices model.PriceCache
	locks  *KeyLock
	cfg    EvaluatorConfig
	fills  *fillSlot

	OnClosed      func(symbol string, op model.Operation)
	OnOrderFailed func(op model.Operation)
}

// NewEvaluator wires an evaluator.
func NewEvaluator(fx *Effects, exec execution.Executor, prices model.PriceCache, locks *KeyLock, cfg EvaluatorConfig) *Evaluator {
	if !cfg.TPStep.IsPositive() {
		cfg.TPStep = decimal.NewFromFloat(0.005)
	}
	if !cfg.TBGap.IsPositive() {
		cfg.TBGap = decimal.NewFromFloat(0.004)
	}
	if !cfg.MaxProgress.IsPositive() {
		cfg.MaxProgress = decimal.NewFromInt(2)
	}
	return &Evaluator{fx: fx, exec: exec, prices: prices, locks: locks, cfg: cfg, fills: newFillSlot()}
}

// Evaluate runs one cycle for (symbol, userID) at the cached last close.
func (e *Evaluator) Evaluate(ctx context.Context, symbol, userID string) (Outcome, error) {
	price, err := e.prices.LastClose(ctx, symbol)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return OutcomeHold, nil
		}
		return OutcomeHold, err
	}
	return e.EvaluateAt(ctx, symbol, userID, decimal.NewFromFloat(price))
}

// EvaluateAt runs one cycle at an explicit price.
func (e *Evaluator) EvaluateAt(ctx context.Context, symbol, userID string, price decimal.Decimal) (Outcome, error) {
	unlock := e.locks.Lock(model.PositionKey(symbol, userID))
	defer unlock()

	cfg, err := e.openConfig(ctx, symbol, userID)
	if err != nil || !cfg.IsOpen() {
		return e.inactive(err)
	}
	if held, ok := e.fills.get(cfg.Key()); ok {
		return e.close(ctx, cfg, held.trade.Operation, price)
	}

	switch {
	case cfg.StopLoss.IsPositive() && price.LessThanOrEqual(cfg.StopLoss.Decimal):
		return e.close(ctx, cfg, model.OpStopLoss, price)
	case cfg.TakeBenefit != nil && price.LessThanOrEqual(cfg.TakeBenefit.Decimal):
		return e.close(ctx, cfg, model.OpTakeBenefit, price)
	case price.GreaterThanOrEqual(cfg.TakeProfit.Decimal):
		progress := price.Sub(cfg.EntryPoint.Decimal).Div(cfg.EntryPoint.Decimal).Round(4)
		if progress.GreaterThanOrEqual(e.cfg.MaxProgress) {
			return e.close(ctx, cfg, model.OpTakeProfit, price)
		}
		return e.ratchet(ctx, cfg, progress)
	}
	return OutcomeHold, nil
}

// Close force-closes an open position with the given reason. Closing a
// position that is not open is a no-op.
func (e *Evaluator) Close(ctx context.Context, symbol, userID string, op model.Operation) (Outcome, error) {
	unlock := e.locks.Lock(model.PositionKey(symbol, userID))
	defer unlock()

	cfg, err := e.openConfig(ctx, symbol, userID)
	if err != nil || !cfg.IsOpen() {
		return e.inactive(err)
	}
	if held, ok := e.fills.get(cfg.Key()); ok {
		op = held.trade.Operation
	}
	return e.close(ctx, cfg, op, decimal.Zero)
}

// openConfig loads the position and forgets a held close once the position
// is gone or no longer open.
func (e *Evaluator) openConfig(ctx context.Context, symbol, userID string) (model.PositionConfig, error) {
	cfg, err := e.fx.Positions.Get(ctx, symbol, userID)
	if errors.Is(err, model.ErrNotFound) || (err == nil && !cfg.IsOpen()) {
		e.fills.drop(model.PositionKey(symbol, userID))
	}
	return cfg, err
}

func (e *Evaluator) inactive(err error) (Outcome, error) {
	if err == nil || errors.Is(err, model.ErrNotFound) {
		return OutcomeInactive, nil
	}
	return OutcomeHold, err
}

func (e *Evaluator) ratchet(ctx context.Context, cfg model.PositionConfig, progress decimal.Decimal) (Outcome, error) {
	oldTP := cfg.TakeProfit.Decimal
	newTP := model.PriceFromDecimal(oldTP.Mul(decimal.NewFromInt(1).Add(e.cfg.TPStep)))
	newTB := model.PriceFromDecimal(oldTP.Mul(decimal.NewFromInt(1).Sub(e.cfg.TBGap)))

	wctx, cancel := detached(ctx)
	defer cancel()
	updated, err := e.fx.Positions.Update(wctx, cfg.Symbol, cfg.UserID, func(p *model.PositionConfig) error {
		if !p.IsOpen() {
			return errNoChange
		}
		if newTP.GreaterThan(p.TakeProfit.Decimal) {
			p.TakeProfit = newTP
		}
		if p.TakeBenefit == nil || newTB.GreaterThan(p.TakeBenefit.Decimal) {
			p.TakeBenefit = model.PricePtr(newTB)
		}
		p.ProfitProgress = model.PriceFromDecimal(progress)
		return nil
	})
	if errors.Is(err, errNoChange) {
		return OutcomeInactive, nil
	}
	if err != nil {
		return OutcomeHold, err
	}

	log.Printf("[evaluator] %s/%s ratchet tp=%s tb=%s progress=%s", cfg.Symbol, cfg.UserID, updated.TakeProfit, updated.TakeBenefit, progress)
	e.fx.publish(wctx, updated)
	return OutcomeRatcheted, nil
}

// close sells the position and resets it to DORMANT. The trade is recorded
// as soon as the order fills. When the reset cannot be written the fill is
// held and the next cycle finishes it without a new order.
func (e *Evaluator) close(ctx context.Context, cfg model.PositionConfig, op model.Operation, price decimal.Decimal) (Outcome, error) {
	key := cfg.Key()
	held, ok := e.fills.get(key)
	if !ok {
		order, err := e.exec.ClosePosition(ctx, cfg.Symbol)
		if err != nil {
			log.Printf("[evaluator] %s close %s/%s not executed, retrying next cycle: %v", op, cfg.Symbol, cfg.UserID, err)
			if e.OnOrderFailed != nil {
				e.OnOrderFailed(op)
			}
			if errors.Is(err, execution.ErrOrderNotFilled) {
				return OutcomeCloseFailed, nil
			}
			return OutcomeCloseFailed, err
		}
		held = heldFill{order: order, trade: model.NewTradeResult(cfg.Symbol, cfg.UserID, op, order, e.fx.now())}
	} else {
		log.Printf("[evaluator] %s/%s completing held %s close (order %d)", cfg.Symbol, cfg.UserID, held.trade.Operation, held.order.OrderID)
	}
	trade := held.trade
	op = trade.Operation

	wctx, cancel := detached(ctx)
	defer cancel()

	if !held.recorded {
		e.fx.record(wctx, trade)
		held.recorded = true
	}

	var reset model.PositionConfig
	err := e.fx.persist(wctx, "reset "+key, func() error {
		var err error
		reset, err = e.fx.Positions.Update(wctx, cfg.Symbol, cfg.UserID, func(p *model.PositionConfig) error {
			*p = p.ResetDormant(trade.ExecutedAt)
			return nil
		})
		return err
	})
	if err != nil {
		e.fills.put(key, held)
		return OutcomeHold, fmt.Errorf("reset %s/%s after %s (order %d filled, held): %w", cfg.Symbol, cfg.UserID, op, held.order.OrderID, err)
	}
	e.fills.drop(key)

	level := notification.AlertInfo
	if op == model.OpStopLoss {
		level = notification.AlertWarning
	}
	e.fx.notify(wctx, notification.Alert{
		Level:   level,
		Kind:    notification.KindClose,
		Symbol:  cfg.Symbol,
		UserID:  cfg.UserID,
		Title:   fmt.Sprintf("%s position closed (%s)", cfg.Symbol, op),
		Message: tradeMessage(trade),
	})
	e.fx.publish(wctx, reset)

	log.Printf("[evaluator] %s/%s CLOSED %s at %s (trigger price %s)", cfg.Symbol, cfg.UserID, op, trade.PriceAvg, price.StringFixed(4))
	if e.OnClosed != nil {
		e.OnClosed(cfg.Symbol, op)
	}
	return OutcomeClosed, nil
}
