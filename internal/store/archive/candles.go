package archive

import (
	"context"
	"fmt"

	"cryptoops/internal/model"
)

type candleRow struct {
	Symbol         string  `db:"symbol"`
	Timestamp      int64   `db:"timestamp"`
	Open           float64 `db:"open"`
	High           float64 `db:"high"`
	Low            float64 `db:"low"`
	Close          float64 `db:"close"`
	Volume         float64 `db:"volume"`
	TradeCount     int64   `db:"number_of_trades"`
	TakerBuyVolume float64 `db:"taker_buy_quote_asset_volume"`
}

func (r candleRow) candle() model.Candle {
	return model.Candle{
		Symbol:         r.Symbol,
		Timestamp:      r.Timestamp,
		Open:           r.Open,
		High:           r.High,
		Low:            r.Low,
		Close:          r.Close,
		Volume:         r.Volume,
		TradeCount:     r.TradeCount,
		TakerBuyVolume: r.TakerBuyVolume,
		Closed:         true,
	}
}

// InsertCandles writes candles in one transaction. Rows already archived
// are skipped; the count of new rows is returned.
func (a *Archive) InsertCandles(ctx context.Context, symbol string, candles []model.Candle) (int64, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("archive begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, a.db.Rebind(`
		INSERT INTO candlesticks (symbol, timestamp, open, high, low, close, volume, number_of_trades, taker_buy_quote_asset_volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`))
	if err != nil {
		return 0, fmt.Errorf("archive prepare: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, c := range candles {
		res, err := stmt.ExecContext(ctx, symbol, c.Timestamp, c.Open, c.High, c.Low, c.Close,
			c.Volume, c.TradeCount, c.TakerBuyVolume)
		if err != nil {
			return 0, fmt.Errorf("archive insert %s@%d: %w", symbol, c.Timestamp, err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("archive commit: %w", err)
	}
	return inserted, nil
}

// RecentCandles returns the newest limit candles for symbol, oldest first.
func (a *Archive) RecentCandles(ctx context.Context, symbol string, limit int) ([]model.Candle, error) {
	var rows []candleRow
	err := a.db.SelectContext(ctx, &rows, a.db.Rebind(`
		SELECT symbol, timestamp, open, high, low, close,
		       COALESCE(volume, 0) AS volume,
		       COALESCE(number_of_trades, 0) AS number_of_trades,
		       COALESCE(taker_buy_quote_asset_volume, 0) AS taker_buy_quote_asset_volume
		FROM candlesticks
		WHERE symbol = ?
		ORDER BY timestamp DESC
		LIMIT ?`), symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("archive recent candles: %w", err)
	}
	out := make([]model.Candle, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.candle()
	}
	return out, nil
}

// CountCandles returns the number of archived candles for symbol.
func (a *Archive) CountCandles(ctx context.Context, symbol string) (int64, error) {
	var n int64
	err := a.db.GetContext(ctx, &n, a.db.Rebind(`SELECT COUNT(*) FROM candlesticks WHERE symbol = ?`), symbol)
	return n, err
}
