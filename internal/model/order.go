package model

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Operation tags a ledger entry.
type Operation string

const (
	OpEntry       Operation = "EP"
	OpStopLoss    Operation = "SL"
	OpTakeBenefit Operation = "TB"
	OpTakeProfit  Operation = "TP"
)

// OrderStatusFilled is the only status that counts as an executed order.
const OrderStatusFilled = "FILLED"

// Fill is one partial execution of an order.
type Fill struct {
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	TradeID         int64  `json:"tradeId"`
}

// OrderResult is what the order-execution collaborator reports back.
type OrderResult struct {
	OrderID             int64  `json:"orderId"`
	Symbol              string `json:"symbol"`
	Side                string `json:"side"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	TransactTime        int64  `json:"transactTime"`
	Fills               []Fill `json:"fills"`
}

// Filled reports whether the order executed and produced fill records.
func (r *OrderResult) Filled() bool {
	return r.Status == OrderStatusFilled && len(r.Fills) > 0
}

// AveragePrice is cumulative quote spent divided by executed quantity. When
// the totals are missing it falls back to the fills.
func (r *OrderResult) AveragePrice() decimal.Decimal {
	qty, _ := decimal.NewFromString(r.ExecutedQty)
	quote, _ := decimal.NewFromString(r.CummulativeQuoteQty)
	if qty.IsPositive() && quote.IsPositive() {
		return quote.Div(qty)
	}
	qty, quote = r.fillTotals()
	if !qty.IsPositive() {
		return decimal.Zero
	}
	return quote.Div(qty)
}

// Quantity is the executed quantity, summed from fills if absent.
func (r *OrderResult) Quantity() decimal.Decimal {
	if qty, err := decimal.NewFromString(r.ExecutedQty); err == nil && qty.IsPositive() {
		return qty
	}
	qty, _ := r.fillTotals()
	return qty
}

// QuoteTotal is the quote amount, summed from fills if absent.
func (r *OrderResult) QuoteTotal() decimal.Decimal {
	if q, err := decimal.NewFromString(r.CummulativeQuoteQty); err == nil && q.IsPositive() {
		return q
	}
	_, quote := r.fillTotals()
	return quote
}

// Commission sums fill commissions and returns the asset of the first fill.
func (r *OrderResult) Commission() (decimal.Decimal, string) {
	total := decimal.Zero
	asset := ""
	for _, f := range r.Fills {
		c, err := decimal.NewFromString(f.Commission)
		if err != nil {
			continue
		}
		total = total.Add(c)
		if asset == "" {
			asset = f.CommissionAsset
		}
	}
	return total, asset
}

// ExecutedAt converts TransactTime, falling back to now.
func (r *OrderResult) ExecutedAt(now time.Time) time.Time {
	if r.TransactTime > 0 {
		return time.UnixMilli(r.TransactTime).UTC()
	}
	return now.UTC()
}

func (r *OrderResult) fillTotals() (qty, quote decimal.Decimal) {
	for _, f := range r.Fills {
		p, err1 := decimal.NewFromString(f.Price)
		q, err2 := decimal.NewFromString(f.Qty)
		if err1 != nil || err2 != nil {
			continue
		}
		qty = qty.Add(q)
		quote = quote.Add(p.Mul(q))
	}
	return qty, quote
}

// TradeResult is one append-only ledger entry.
type TradeResult struct {
	Symbol          string    `json:"symbol"`
	UserID          string    `json:"user_id"`
	Operation       Operation `json:"operation"`
	Side            string    `json:"side"`
	PriceAvg        Price     `json:"price_avg"`
	Amount          string    `json:"amount"`
	TotalQuote      Price     `json:"total_usdt"`
	Commission      string    `json:"commission"`
	CommissionAsset string    `json:"commission_asset"`
	OrderID         int64     `json:"order_id"`
	ExecutedAt      time.Time `json:"executed_at"`
	Fills           []Fill    `json:"fills"`
}

// NewTradeResult derives a ledger entry from a filled order.
func NewTradeResult(symbol, userID string, op Operation, r OrderResult, now time.Time) TradeResult {
	commission, asset := r.Commission()
	return TradeResult{
		Symbol:          symbol,
		UserID:          userID,
		Operation:       op,
		Side:            r.Side,
		PriceAvg:        PriceFromDecimal(r.AveragePrice()),
		Amount:          r.Quantity().String(),
		TotalQuote:      PriceFromDecimal(r.QuoteTotal()),
		Commission:      commission.String(),
		CommissionAsset: asset,
		OrderID:         r.OrderID,
		ExecutedAt:      r.ExecutedAt(now),
		Fills:           r.Fills,
	}
}

// OrderMetaFrom copies the fields of an entry order kept on the config.
func OrderMetaFrom(r OrderResult) *OrderMeta {
	commission, _ := r.Commission()
	return &OrderMeta{
		OrderID:             r.OrderID,
		Side:                r.Side,
		ExecutedQty:         r.ExecutedQty,
		CummulativeQuoteQty: r.CummulativeQuoteQty,
		TransactTime:        r.TransactTime,
		Commission:          commission.String(),
	}
}

// FormatQty renders a quantity without trailing zeros.
func FormatQty(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
