package execution

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cryptoops/internal/model"
)

// paperCommission is the simulated taker fee (0.1%).
var paperCommission = decimal.NewFromFloat(0.001)

// PaperExecutor simulates market orders at the last close, without any
// exchange calls. Useful for development and replay.
type PaperExecutor struct {
	prices model.PriceCache
	quote  decimal.Decimal // quote spent per entry
	now    model.Clock

	mu       sync.Mutex
	holdings map[string]decimal.Decimal
	fills    []model.OrderResult
	orderSeq int64

	// Simulation parameters
	slippageBps int64 // basis points of slippage (e.g., 5 = 0.05%)
}

// NewPaperExecutor spends quote per entry and fills at the cached last
// close, moved against the order by slippageBps.
func NewPaperExecutor(prices model.PriceCache, quote decimal.Decimal, slippageBps int64) *PaperExecutor {
	return &PaperExecutor{
		prices:      prices,
		quote:       quote,
		now:         time.Now,
		holdings:    make(map[string]decimal.Decimal),
		fills:       make([]model.OrderResult, 0, 64),
		slippageBps: slippageBps,
	}
}

// GetFills returns a snapshot of all fills.
func (p *PaperExecutor) GetFills() []model.OrderResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]model.OrderResult, len(p.fills))
	copy(cp, p.fills)
	return cp
}

func (p *PaperExecutor) PlaceEntry(ctx context.Context, symbol string) (model.OrderResult, error) {
	price, err := p.fillPrice(ctx, symbol, true)
	if err != nil {
		return model.OrderResult{}, err
	}
	qty := p.quote.Div(price).Round(8)
	if !qty.IsPositive() {
		return model.OrderResult{}, fmt.Errorf("%s paper entry: zero quantity: %w", symbol, ErrOrderNotFilled)
	}
	r := p.fill(symbol, "BUY", price, qty, baseAsset(symbol))

	p.mu.Lock()
	// Commission is paid in the base asset on a buy.
	p.holdings[symbol] = p.holdings[symbol].Add(qty.Sub(qty.Mul(paperCommission)))
	p.mu.Unlock()
	return checkFilled(r)
}

func (p *PaperExecutor) ClosePosition(ctx context.Context, symbol string) (model.OrderResult, error) {
	p.mu.Lock()
	qty := p.holdings[symbol]
	p.mu.Unlock()
	if !qty.IsPositive() {
		return model.OrderResult{}, fmt.Errorf("%s paper close: nothing held: %w", symbol, ErrOrderNotFilled)
	}
	price, err := p.fillPrice(ctx, symbol, false)
	if err != nil {
		return model.OrderResult{}, err
	}
	r := p.fill(symbol, "SELL", price, qty, "USDT")

	p.mu.Lock()
	delete(p.holdings, symbol)
	p.mu.Unlock()
	return checkFilled(r)
}

func (p *PaperExecutor) fillPrice(ctx context.Context, symbol string, buy bool) (decimal.Decimal, error) {
	last, err := p.prices.LastClose(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s paper fill: last close: %w", symbol, err)
	}
	price := decimal.NewFromFloat(last)
	if p.slippageBps > 0 {
		slip := price.Mul(decimal.NewFromInt(p.slippageBps)).Div(decimal.NewFromInt(10000))
		if buy {
			price = price.Add(slip) // buy higher
		} else {
			price = price.Sub(slip) // sell lower
		}
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s paper fill: no price: %w", symbol, ErrOrderNotFilled)
	}
	return price, nil
}

func (p *PaperExecutor) fill(symbol, side string, price, qty decimal.Decimal, feeAsset string) model.OrderResult {
	quote := price.Mul(qty)
	fee := qty.Mul(paperCommission)
	if side == "SELL" {
		fee = quote.Mul(paperCommission)
	}

	p.mu.Lock()
	p.orderSeq++
	id := p.orderSeq
	now := p.now()
	r := model.OrderResult{
		OrderID:             id,
		Symbol:              symbol,
		Side:                side,
		Status:              model.OrderStatusFilled,
		ExecutedQty:         qty.String(),
		CummulativeQuoteQty: quote.String(),
		TransactTime:        now.UnixMilli(),
		Fills: []model.Fill{{
			Price:           price.String(),
			Qty:             qty.String(),
			Commission:      fee.String(),
			CommissionAsset: feeAsset,
			TradeID:         id,
		}},
	}
	p.fills = append(p.fills, r)
	p.mu.Unlock()

	log.Printf("[paper] %s %s qty=%s price=%s order=PAPER-%d", side, symbol, qty, price, id)
	return r
}

// baseAsset strips the quote currency from a USDT pair.
func baseAsset(symbol string) string {
	if b := strings.TrimSuffix(symbol, "USDT"); b != symbol {
		return b
	}
	return symbol
}
