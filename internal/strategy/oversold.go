package strategy

import "cryptoops/internal/model"

// DefaultOversoldFloor is the RSI level that arms the recovery gate.
const DefaultOversoldFloor = 20.0

// OversoldGate requires RSI to dip to Floor or below and then recover
// above the lowest value seen. The lowest value is carried between candles
// by the caller (PositionConfig.RunningExtreme).
type OversoldGate struct {
	Floor float64
}

// Step feeds one RSI reading. It returns the updated extreme and whether
// the gate is open. While RSI <= Floor the gate stays shut.
func (g OversoldGate) Step(rsi, extreme *float64) (*float64, bool) {
	if rsi == nil {
		return extreme, false
	}
	v := *rsi
	if v <= g.Floor {
		if extreme == nil || v < *extreme {
			return &v, false
		}
		return extreme, false
	}
	if extreme != nil && v > *extreme {
		return extreme, true
	}
	return extreme, false
}

// Gate combines the rule set and the oversold-recovery gate.
type Gate struct {
	Rules    RuleSet
	Oversold OversoldGate
}

// NewDefaultGate returns the canonical entry gate.
func NewDefaultGate() Gate {
	return Gate{
		Rules:    MustParseRules(DefaultRules),
		Oversold: OversoldGate{Floor: DefaultOversoldFloor},
	}
}

// Decision is the outcome of one gate evaluation.
type Decision struct {
	Pass bool
	// Extreme is the running RSI minimum to persist.
	Extreme        *float64
	ExtremeChanged bool
	Failing        []string
}

// Evaluate checks snap against the gate. The oversold step always runs so
// the extreme is tracked even when the rules fail.
func (g Gate) Evaluate(snap *model.IndicatorSnapshot, extreme *float64) Decision {
	next, recovered := g.Oversold.Step(snap.RSI, extreme)
	d := Decision{
		Extreme:        next,
		ExtremeChanged: !sameFloat(next, extreme),
	}
	if !recovered {
		d.Failing = append(d.Failing, "oversold_recovery")
	}
	d.Failing = append(d.Failing, g.Rules.Failing(snap)...)
	d.Pass = len(d.Failing) == 0
	return d
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
