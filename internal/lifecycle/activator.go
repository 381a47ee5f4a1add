package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"

	"github.com/shopspring/decimal"

	"cryptoops/internal/execution"
	"cryptoops/internal/logger"
	"cryptoops/internal/model"
	"cryptoops/internal/notification"
	"cryptoops/internal/strategy"
)

// errNoChange aborts a store update without writing.
var errNoChange = errors.New("no change")

// ActivatorConfig sets the initial exit levels relative to the entry.
type ActivatorConfig struct {
	TakeProfitPct decimal.Decimal // default 0.005 (+0.5%)
	StopLossPct   decimal.Decimal // default 0.003 (-0.3%)
}

// MonitorStarter starts the periodic evaluation of an open position.
type MonitorStarter interface {
	Start(ctx context.Context, symbol, userID string) bool
}

// Activator moves DORMANT positions to OPEN when the entry gate passes and
// the entry order fills.
type Activator struct {
	fx       *Effects
	exec     execution.Executor
	gate     strategy.Gate
	locks    *KeyLock
	monitors MonitorStarter
	cfg      ActivatorConfig
	fills    *fillSlot

	OnActivated   func(symbol string)
	OnOrderFailed func(op model.Operation)
}

// NewActivator wires an activator. monitors may be nil.
func NewActivator(fx *Effects, exec execution.Executor, gate strategy.Gate, locks *KeyLock, monitors MonitorStarter, cfg ActivatorConfig) *Activator {
	if !cfg.TakeProfitPct.IsPositive() {
		cfg.TakeProfitPct = decimal.NewFromFloat(0.005)
	}
	if !cfg.StopLossPct.IsPositive() {
		cfg.StopLossPct = decimal.NewFromFloat(0.003)
	}
	return &Activator{fx: fx, exec: exec, gate: gate, locks: locks, monitors: monitors, cfg: cfg, fills: newFillSlot()}
}

// Check evaluates the entry for (symbol, userID) against a closed candle's
// snapshot. It returns true when the position is open after the call. An
// entry that filled but could not be persisted is completed here before
// anything else, without a new order.
func (a *Activator) Check(ctx context.Context, symbol, userID string, snap *model.IndicatorSnapshot) (bool, error) {
	key := model.PositionKey(symbol, userID)
	unlock := a.locks.Lock(key)
	defer unlock()

	cfg, err := a.fx.Positions.Get(ctx, symbol, userID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			a.fills.drop(key)
			return false, nil
		}
		return false, err
	}
	if held, ok := a.fills.get(key); ok {
		log.Printf("[activator] %s/%s completing held entry (order %d)", symbol, userID, held.order.OrderID)
		return a.commit(ctx, symbol, userID, held.order)
	}
	if !cfg.Operate {
		return false, nil
	}
	if cfg.Binance != nil {
		// Entry already executed, e.g. before a restart.
		return true, nil
	}
	if cfg.State != model.StateDormant {
		return false, nil
	}

	d := a.gate.Evaluate(snap, cfg.RunningExtreme)
	if d.ExtremeChanged && !d.Pass {
		if err := a.saveExtreme(ctx, symbol, userID, d.Extreme); err != nil {
			return false, err
		}
	}
	if !d.Pass {
		slog.Debug("entry gate closed",
			append(logger.LogWithTrace(ctx), slog.String("symbol", symbol), slog.String("user", userID), slog.Any("failing", d.Failing))...)
		return false, nil
	}

	order, err := a.exec.PlaceEntry(ctx, symbol)
	if err != nil {
		log.Printf("[activator] entry %s/%s aborted: %v", symbol, userID, err)
		if a.OnOrderFailed != nil {
			a.OnOrderFailed(model.OpEntry)
		}
		if errors.Is(err, execution.ErrOrderNotFilled) {
			return false, nil
		}
		return false, err
	}
	return a.commit(ctx, symbol, userID, order)
}

// commit persists a filled entry and runs its side effects. If the write
// still fails after retries the order is held for the next Check.
func (a *Activator) commit(ctx context.Context, symbol, userID string, order model.OrderResult) (bool, error) {
	key := model.PositionKey(symbol, userID)
	wctx, cancel := detached(ctx)
	defer cancel()

	var opened model.PositionConfig
	err := a.fx.persist(wctx, "persist entry "+key, func() error {
		var err error
		opened, err = a.open(wctx, symbol, userID, order)
		return err
	})
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			a.fills.drop(key)
		} else {
			a.fills.put(key, heldFill{order: order})
		}
		return false, fmt.Errorf("persist entry %s/%s (order %d filled, held): %w", symbol, userID, order.OrderID, err)
	}
	a.fills.drop(key)

	trade := model.NewTradeResult(symbol, userID, model.OpEntry, order, a.fx.now())
	a.fx.record(wctx, trade)
	a.fx.notify(wctx, notification.Alert{
		Level:   notification.AlertInfo,
		Kind:    notification.KindEntry,
		Symbol:  symbol,
		UserID:  userID,
		Title:   fmt.Sprintf("%s position opened", symbol),
		Message: fmt.Sprintf("Entry: %s\nTP: %s\nSL: %s\n%s", opened.EntryPoint, opened.TakeProfit, opened.StopLoss, tradeMessage(trade)),
	})
	a.fx.publish(wctx, opened)

	log.Printf("[activator] %s/%s OPEN entry=%s tp=%s sl=%s", symbol, userID, opened.EntryPoint, opened.TakeProfit, opened.StopLoss)
	if a.OnActivated != nil {
		a.OnActivated(symbol)
	}
	if a.monitors != nil {
		a.monitors.Start(ctx, symbol, userID)
	}
	return true, nil
}

func (a *Activator) open(ctx context.Context, symbol, userID string, order model.OrderResult) (model.PositionConfig, error) {
	entry := order.AveragePrice()
	one := decimal.NewFromInt(1)
	now := a.fx.now().UTC()

	return a.fx.Positions.Update(ctx, symbol, userID, func(p *model.PositionConfig) error {
		p.State = model.StateOpen
		p.EntryPoint = model.PriceFromDecimal(entry)
		p.TakeProfit = model.PriceFromDecimal(entry.Mul(one.Add(a.cfg.TakeProfitPct)))
		p.StopLoss = model.PriceFromDecimal(entry.Mul(one.Sub(a.cfg.StopLossPct)))
		p.TakeBenefit = nil
		p.ProfitProgress = model.Price{}
		p.ActivatedAt = &now
		p.ClosedAt = nil
		p.RunningExtreme = nil
		p.Binance = model.OrderMetaFrom(order)
		return nil
	})
}

func (a *Activator) saveExtreme(ctx context.Context, symbol, userID string, extreme *float64) error {
	wctx, cancel := detached(ctx)
	defer cancel()
	_, err := a.fx.Positions.Update(wctx, symbol, userID, func(p *model.PositionConfig) error {
		if p.State != model.StateDormant {
			return errNoChange
		}
		p.RunningExtreme = extreme
		return nil
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	return err
}
