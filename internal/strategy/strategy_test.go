package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoops/internal/model"
)

func f(v float64) *float64 { return &v }

func snapshot(close, rsi float64, emas map[int]float64) *model.IndicatorSnapshot {
	return &model.IndicatorSnapshot{
		Symbol: "BTCUSDT",
		Close:  close,
		Indicators: model.Indicators{
			RSI: f(rsi),
			EMA: emas,
		},
	}
}

func TestParseRule(t *testing.T) {
	r, err := ParseRule("Close > EMA50")
	require.NoError(t, err)
	assert.Equal(t, "close>ema50", r.String())
	assert.Equal(t, []int{50}, r.EMASpans())

	r, err = ParseRule("rsi<=30.5")
	require.NoError(t, err)
	assert.Equal(t, "<=", r.Op)
	assert.Equal(t, "rsi<=30.5", r.String())

	for _, bad := range []string{"close", "ema>1", "macd>1", ">5"} {
		_, err := ParseRule(bad)
		assert.Error(t, err, bad)
	}
}

func TestRuleSet_DefaultRules(t *testing.T) {
	rs := MustParseRules(DefaultRules)
	up := snapshot(110, 40, map[int]float64{10: 105, 50: 100, 150: 95})
	assert.True(t, rs.Holds(up))
	assert.Empty(t, rs.Failing(up))

	down := snapshot(90, 40, map[int]float64{10: 105, 50: 100, 150: 95})
	assert.False(t, rs.Holds(down))
	assert.Equal(t, []string{"close>ema50", "close>ema10"}, rs.Failing(down))

	assert.ElementsMatch(t, []int{10, 50, 150}, rs.EMASpans())
}

func TestRuleSet_MissingIndicatorFails(t *testing.T) {
	rs := MustParseRules([]string{"close<bb_lower"})
	assert.False(t, rs.Holds(snapshot(100, 40, nil)))

	s := snapshot(100, 40, nil)
	s.BBLower = f(101)
	assert.True(t, rs.Holds(s))

	partial := MustParseRules(DefaultRules)
	assert.False(t, partial.Holds(snapshot(110, 40, map[int]float64{10: 105, 50: 100})), "ema150 absent")
}

func TestOversoldGate(t *testing.T) {
	g := OversoldGate{Floor: 20}

	ext, ok := g.Step(f(35), nil)
	assert.False(t, ok, "never oversold")
	assert.Nil(t, ext)

	ext, ok = g.Step(f(19), ext)
	assert.False(t, ok)
	require.NotNil(t, ext)
	assert.Equal(t, 19.0, *ext)

	ext, ok = g.Step(f(15), ext)
	assert.False(t, ok, "still at or under the floor")
	assert.Equal(t, 15.0, *ext)

	ext, ok = g.Step(f(20), ext)
	assert.False(t, ok, "the floor itself keeps the gate shut")
	assert.Equal(t, 15.0, *ext)

	ext, ok = g.Step(f(24), ext)
	assert.True(t, ok)
	assert.Equal(t, 15.0, *ext)

	ext, ok = g.Step(nil, ext)
	assert.False(t, ok)
	assert.Equal(t, 15.0, *ext)
}

func TestGate_Evaluate(t *testing.T) {
	g := NewDefaultGate()
	emas := map[int]float64{10: 105, 50: 100, 150: 95}

	d := g.Evaluate(snapshot(110, 18, emas), nil)
	assert.False(t, d.Pass)
	assert.True(t, d.ExtremeChanged)
	assert.Equal(t, []string{"oversold_recovery"}, d.Failing)

	d = g.Evaluate(snapshot(110, 30, emas), d.Extreme)
	assert.True(t, d.Pass)
	assert.False(t, d.ExtremeChanged)
	assert.Equal(t, 18.0, *d.Extreme)

	d = g.Evaluate(snapshot(90, 30, emas), f(18))
	assert.False(t, d.Pass)
	assert.Contains(t, d.Failing, "close>ema50")
}
