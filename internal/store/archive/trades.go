package archive

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"cryptoops/internal/model"
)

// TradeRecord is a row of trade_results.
type TradeRecord struct {
	ID              int64  `db:"id" json:"id"`
	Symbol          string `db:"symbol" json:"symbol"`
	UserID          string `db:"user_id" json:"user_id"`
	Operation       string `db:"operation" json:"operation"`
	Side            string `db:"side" json:"side"`
	PriceAvg        string `db:"price_avg" json:"price_avg"`
	Amount          string `db:"amount" json:"amount"`
	TotalQuote      string `db:"total_usdt" json:"total_usdt"`
	Commission      string `db:"commission" json:"commission"`
	CommissionAsset string `db:"commission_asset" json:"commission_asset"`
	OrderID         int64  `db:"order_id" json:"order_id"`
	ExecutedAt      int64  `db:"executed_at" json:"executed_at"`
	Fills           string `db:"fills" json:"-"`
}

// Time returns the execution time.
func (t TradeRecord) Time() time.Time { return time.UnixMilli(t.ExecutedAt).UTC() }

// RecordTrade mirrors a ledger entry into trade_results.
func (a *Archive) RecordTrade(ctx context.Context, r model.TradeResult) error {
	fills, err := json.Marshal(r.Fills)
	if err != nil {
		return fmt.Errorf("encode fills: %w", err)
	}
	_, err = a.db.NamedExecContext(ctx, `
		INSERT INTO trade_results (symbol, user_id, operation, side, price_avg, amount, total_usdt,
			commission, commission_asset, order_id, executed_at, fills)
		VALUES (:symbol, :user_id, :operation, :side, :price_avg, :amount, :total_usdt,
			:commission, :commission_asset, :order_id, :executed_at, :fills)`,
		TradeRecord{
			Symbol:          r.Symbol,
			UserID:          r.UserID,
			Operation:       string(r.Operation),
			Side:            r.Side,
			PriceAvg:        r.PriceAvg.String(),
			Amount:          r.Amount,
			TotalQuote:      r.TotalQuote.String(),
			Commission:      r.Commission,
			CommissionAsset: r.CommissionAsset,
			OrderID:         r.OrderID,
			ExecutedAt:      r.ExecutedAt.UnixMilli(),
			Fills:           string(fills),
		})
	if err != nil {
		return fmt.Errorf("archive record trade: %w", err)
	}
	return nil
}

// Trades returns the newest limit trades for symbol, newest first.
func (a *Archive) Trades(ctx context.Context, symbol string, limit int) ([]TradeRecord, error) {
	var out []TradeRecord
	err := a.db.SelectContext(ctx, &out, a.db.Rebind(`
		SELECT id, symbol, user_id, operation,
		       COALESCE(side, '') AS side, price_avg, amount, total_usdt,
		       COALESCE(commission, '') AS commission,
		       COALESCE(commission_asset, '') AS commission_asset,
		       COALESCE(order_id, 0) AS order_id, executed_at,
		       COALESCE(fills, '') AS fills
		FROM trade_results
		WHERE symbol = ?
		ORDER BY executed_at DESC, id DESC
		LIMIT ?`), symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("archive trades: %w", err)
	}
	return out, nil
}
