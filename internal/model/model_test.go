package model

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrice_FourDecimalEncoding(t *testing.T) {
	b, err := json.Marshal(NewPrice(105))
	require.NoError(t, err)
	assert.Equal(t, `"105.0000"`, string(b))

	b, err = json.Marshal(NewPrice(0.123456))
	require.NoError(t, err)
	assert.Equal(t, `"0.1235"`, string(b))
}

func TestPrice_UnmarshalAcceptsStringsAndNumbers(t *testing.T) {
	var p Price
	require.NoError(t, json.Unmarshal([]byte(`"101.5"`), &p))
	assert.Equal(t, "101.5000", p.String())

	require.NoError(t, json.Unmarshal([]byte(`99.25`), &p))
	assert.Equal(t, "99.2500", p.String())

	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &p))
}

func TestParsePrice_RejectsExtraDecimals(t *testing.T) {
	_, err := ParsePrice("1.23456")
	assert.Error(t, err)

	p, err := ParsePrice("1.23450")
	require.NoError(t, err)
	assert.Equal(t, "1.2345", p.String())

	_, err = ParsePrice("")
	assert.Error(t, err)
}

func TestCandle_WireRoundTripKeepsIndicators(t *testing.T) {
	rsi := 41.23456
	c := Candle{
		Symbol:    "BTCUSDT",
		Timestamp: 1700000000000,
		Open:      100, High: 101, Low: 99, Close: 100.5,
		Volume:     12.5,
		TradeCount: 42,
		Indicators: (&Indicators{RSI: &rsi, EMA: map[int]float64{10: 100.123456}}).Rounded(),
	}

	got, err := DecodeCandle("BTCUSDT", c.JSON())
	require.NoError(t, err)
	assert.Equal(t, c.Timestamp, got.Timestamp)
	assert.Equal(t, 100.5, got.Close)
	assert.True(t, got.Closed)
	require.NotNil(t, got.Indicators)
	assert.Equal(t, 41.2346, *got.Indicators.RSI)
	assert.Equal(t, 100.1235, got.Indicators.EMA[10])
	assert.Nil(t, got.Indicators.BBBasis)
}

func TestCandle_PricesAreStringsOnTheWire(t *testing.T) {
	c := Candle{Timestamp: 1, Open: 1.5, High: 2, Low: 1, Close: 1.75}
	var raw map[string]any
	require.NoError(t, json.Unmarshal(c.JSON(), &raw))
	assert.Equal(t, "1.75", raw["close"])
	_, hasInd := raw["indicators"]
	assert.False(t, hasInd)
}

func TestOrderResult_FilledRequiresFills(t *testing.T) {
	r := OrderResult{Status: "FILLED"}
	assert.False(t, r.Filled())

	r.Fills = []Fill{{Price: "100", Qty: "1"}}
	assert.True(t, r.Filled())

	r.Status = "EXPIRED"
	assert.False(t, r.Filled())
}

func TestOrderResult_AveragePriceAndCommission(t *testing.T) {
	r := OrderResult{
		Status:              "FILLED",
		ExecutedQty:         "0.002",
		CummulativeQuoteQty: "200.5",
		Fills: []Fill{
			{Price: "100000", Qty: "0.001", Commission: "0.000001", CommissionAsset: "BTC"},
			{Price: "100500", Qty: "0.001", Commission: "0.000002", CommissionAsset: "BTC"},
		},
	}
	assert.Equal(t, "100250", r.AveragePrice().String())

	c, asset := r.Commission()
	assert.Equal(t, "0.000003", c.String())
	assert.Equal(t, "BTC", asset)

	// Totals missing: fall back to fills.
	r.ExecutedQty, r.CummulativeQuoteQty = "", ""
	assert.Equal(t, "100250", r.AveragePrice().String())
	assert.Equal(t, "0.002", r.Quantity().String())
}

func TestNewTradeResult(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r := OrderResult{
		OrderID: 7, Side: "SELL", Status: "FILLED",
		ExecutedQty: "2", CummulativeQuoteQty: "211",
		Fills: []Fill{{Price: "105.5", Qty: "2", Commission: "0.2", CommissionAsset: "USDT", TradeID: 9}},
	}
	tr := NewTradeResult("ETHUSDT", "u1", OpTakeProfit, r, now)
	assert.Equal(t, OpTakeProfit, tr.Operation)
	assert.Equal(t, "105.5000", tr.PriceAvg.String())
	assert.Equal(t, "211.0000", tr.TotalQuote.String())
	assert.Equal(t, "0.2", tr.Commission)
	assert.Equal(t, "USDT", tr.CommissionAsset)
	assert.Equal(t, now, tr.ExecutedAt)
}

func TestResetDormant_PreservesAlertThresholds(t *testing.T) {
	p := NewPositionConfig("BTCUSDT", "u1", NewPrice(105), NewPrice(95))
	p.State = StateOpen
	p.Operate = true
	p.EntryPoint = NewPrice(100)
	p.TakeBenefit = PricePtr(NewPrice(101))

	closed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := p.ResetDormant(closed)
	assert.Equal(t, StateDormant, r.State)
	assert.False(t, r.Operate)
	assert.True(t, r.Status)
	assert.Equal(t, "105.0000", r.AlertUp.String())
	assert.Equal(t, "95.0000", r.AlertDown.String())
	assert.True(t, r.EntryPoint.IsZero())
	assert.Nil(t, r.TakeBenefit)
	assert.Nil(t, r.Binance)
	require.NotNil(t, r.ClosedAt)
	assert.Equal(t, closed, *r.ClosedAt)
}

func TestValidatePosition(t *testing.T) {
	ok := NewPositionConfig("BTCUSDT", "u1", NewPrice(105), NewPrice(95))
	require.NoError(t, ValidatePosition(ok))

	lower := ok
	lower.Symbol = "btcusdt"
	assert.ErrorIs(t, ValidatePosition(lower), ErrMalformedRecord)

	noUser := ok
	noUser.UserID = ""
	assert.ErrorIs(t, ValidatePosition(noUser), ErrMalformedRecord)

	badState := ok
	badState.State = "PENDING"
	assert.ErrorIs(t, ValidatePosition(badState), ErrMalformedRecord)
}

func TestValidatePosition_OpenNeedsLevels(t *testing.T) {
	p := NewPositionConfig("BTCUSDT", "u1", NewPrice(105), NewPrice(95))
	p.State = StateOpen
	err := ValidatePosition(p)
	require.ErrorIs(t, err, ErrMalformedRecord)
	assert.Contains(t, err.Error(), "entrypoint")

	p.EntryPoint = NewPrice(100)
	p.TakeProfit = NewPrice(100.5)
	p.StopLoss = NewPrice(99.7)
	assert.NoError(t, ValidatePosition(p))
}
