package model

import (
	"math"
	"time"

	json "github.com/goccy/go-json"
)

// Candle is one kline of a symbol's timeline. Prices travel as decimal
// strings on the wire, the way the exchange delivers them.
type Candle struct {
	Symbol         string  `json:"-"`
	Interval       string  `json:"-"`
	Timestamp      int64   `json:"timestamp"` // open time, epoch ms
	Open           float64 `json:"open,string"`
	High           float64 `json:"high,string"`
	Low            float64 `json:"low,string"`
	Close          float64 `json:"close,string"`
	Volume         float64 `json:"volume,string"`
	TradeCount     int64   `json:"number_of_trades"`
	TakerBuyVolume float64 `json:"taker_buy_quote_asset_volume,string"`

	// Closed is false while the kline is still forming. Only closed
	// candles are stored.
	Closed bool `json:"-"`

	Indicators *Indicators `json:"indicators,omitempty"`
}

// Time returns the candle open time in UTC.
func (c *Candle) Time() time.Time {
	return time.UnixMilli(c.Timestamp).UTC()
}

// JSON returns the wire encoding (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// DecodeCandle parses a stored candle member.
func DecodeCandle(symbol string, data []byte) (Candle, error) {
	var c Candle
	if err := json.Unmarshal(data, &c); err != nil {
		return Candle{}, err
	}
	c.Symbol = symbol
	c.Closed = true
	return c, nil
}

// Indicators are the computed fields attached to a closed candle. A nil
// pointer (or a missing EMA span) means the history was too short.
type Indicators struct {
	RSI     *float64        `json:"rsi,omitempty"`
	EMA     map[int]float64 `json:"ema,omitempty"`
	BBUpper *float64        `json:"bb_upper,omitempty"`
	BBLower *float64        `json:"bb_lower,omitempty"`
	BBBasis *float64        `json:"bb_basis,omitempty"`
}

// Empty reports whether no indicator is available yet.
func (in *Indicators) Empty() bool {
	return in == nil || (in.RSI == nil && len(in.EMA) == 0 && in.BBBasis == nil)
}

// Rounded returns a copy with every value rounded to 4 decimals, which is
// the stored precision.
func (in *Indicators) Rounded() *Indicators {
	if in == nil {
		return nil
	}
	out := &Indicators{
		RSI:     roundPtr(in.RSI),
		BBUpper: roundPtr(in.BBUpper),
		BBLower: roundPtr(in.BBLower),
		BBBasis: roundPtr(in.BBBasis),
	}
	if len(in.EMA) > 0 {
		out.EMA = make(map[int]float64, len(in.EMA))
		for span, v := range in.EMA {
			out.EMA[span] = Round4(v)
		}
	}
	return out
}

// Round4 rounds half away from zero at 4 decimals.
func Round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

func roundPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := Round4(*v)
	return &r
}

// IndicatorSnapshot is the latest candle's close and indicators for one
// symbol, read-only within a single evaluation cycle.
type IndicatorSnapshot struct {
	Symbol    string
	Timestamp int64
	Close     float64
	Indicators
}

// EMAValue returns the EMA for span and whether it is available.
func (s *IndicatorSnapshot) EMAValue(span int) (float64, bool) {
	v, ok := s.EMA[span]
	return v, ok
}

// TickEvent is what a stream subscriber receives for every upstream kline.
// Snapshot is set only for closed candles on the indicator interval.
type TickEvent struct {
	Candle   Candle
	Snapshot *IndicatorSnapshot
	TraceID  string
}
