package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"cryptoops/internal/model"
)

// SpotAPI is the slice of the Binance spot API the executor uses.
type SpotAPI interface {
	MarketOrder(ctx context.Context, symbol string, side binance.SideType, quoteQty, qty string) (*binance.CreateOrderResponse, error)
	FreeBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)
}

// SymbolInfo carries the assets and lot step of a trading pair.
type SymbolInfo struct {
	Base     string
	Quote    string
	StepSize decimal.Decimal
}

// Sizing decides how much quote currency an entry spends.
type Sizing struct {
	// BalancePct spends this fraction of the free quote balance (0.1 = 10%).
	// Zero selects FixedQuote.
	BalancePct decimal.Decimal
	FixedQuote decimal.Decimal
}

// BinanceExecutor places spot market orders behind a circuit breaker.
type BinanceExecutor struct {
	api    SpotAPI
	sizing Sizing
	cb     *gobreaker.CircuitBreaker
}

// NewBinanceExecutor wraps api. The breaker opens after five consecutive
// API errors and probes again after 30s.
func NewBinanceExecutor(api SpotAPI, sizing Sizing) *BinanceExecutor {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "binance-orders",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrOrderNotFilled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[execution] breaker %s: %s -> %s", name, from, to)
		},
	})
	return &BinanceExecutor{api: api, sizing: sizing, cb: cb}
}

// Breaker exposes the breaker state for health reporting.
func (e *BinanceExecutor) Breaker() *gobreaker.CircuitBreaker { return e.cb }

func (e *BinanceExecutor) PlaceEntry(ctx context.Context, symbol string) (model.OrderResult, error) {
	return e.guard(func() (model.OrderResult, error) {
		info, err := e.api.SymbolInfo(ctx, symbol)
		if err != nil {
			return model.OrderResult{}, fmt.Errorf("symbol info %s: %w", symbol, err)
		}
		quote := e.sizing.FixedQuote
		if e.sizing.BalancePct.IsPositive() {
			free, err := e.api.FreeBalance(ctx, info.Quote)
			if err != nil {
				return model.OrderResult{}, fmt.Errorf("balance %s: %w", info.Quote, err)
			}
			quote = free.Mul(e.sizing.BalancePct).RoundDown(2)
		}
		if !quote.IsPositive() {
			return model.OrderResult{}, fmt.Errorf("%s entry: no %s to spend: %w", symbol, info.Quote, ErrOrderNotFilled)
		}

		resp, err := e.api.MarketOrder(ctx, symbol, binance.SideTypeBuy, quote.String(), "")
		if err != nil {
			return model.OrderResult{}, fmt.Errorf("%s market buy: %w", symbol, err)
		}
		log.Printf("[execution] BUY %s quote=%s status=%s order=%d", symbol, quote, resp.Status, resp.OrderID)
		return checkFilled(fromBinance(resp))
	})
}

func (e *BinanceExecutor) ClosePosition(ctx context.Context, symbol string) (model.OrderResult, error) {
	return e.guard(func() (model.OrderResult, error) {
		info, err := e.api.SymbolInfo(ctx, symbol)
		if err != nil {
			return model.OrderResult{}, fmt.Errorf("symbol info %s: %w", symbol, err)
		}
		free, err := e.api.FreeBalance(ctx, info.Base)
		if err != nil {
			return model.OrderResult{}, fmt.Errorf("balance %s: %w", info.Base, err)
		}
		qty := RoundToStep(free, info.StepSize)
		if !qty.IsPositive() {
			return model.OrderResult{}, fmt.Errorf("%s close: no %s to sell: %w", symbol, info.Base, ErrOrderNotFilled)
		}

		resp, err := e.api.MarketOrder(ctx, symbol, binance.SideTypeSell, "", qty.String())
		if err != nil {
			return model.OrderResult{}, fmt.Errorf("%s market sell: %w", symbol, err)
		}
		log.Printf("[execution] SELL %s qty=%s status=%s order=%d", symbol, qty, resp.Status, resp.OrderID)
		return checkFilled(fromBinance(resp))
	})
}

func (e *BinanceExecutor) guard(fn func() (model.OrderResult, error)) (model.OrderResult, error) {
	var out model.OrderResult
	_, err := e.cb.Execute(func() (interface{}, error) {
		r, err := fn()
		out = r
		return nil, err
	})
	return out, err
}

// RoundToStep truncates qty down to a multiple of step.
func RoundToStep(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

func fromBinance(resp *binance.CreateOrderResponse) model.OrderResult {
	r := model.OrderResult{
		OrderID:             resp.OrderID,
		Symbol:              resp.Symbol,
		Side:                string(resp.Side),
		Status:              string(resp.Status),
		ExecutedQty:         resp.ExecutedQuantity,
		CummulativeQuoteQty: resp.CummulativeQuoteQuantity,
		TransactTime:        resp.TransactTime,
	}
	for _, f := range resp.Fills {
		if f == nil {
			continue
		}
		r.Fills = append(r.Fills, model.Fill{
			Price:           f.Price,
			Qty:             f.Quantity,
			Commission:      f.Commission,
			CommissionAsset: f.CommissionAsset,
			TradeID:         f.TradeID,
		})
	}
	return r
}
