// Package strategy decides when a dormant position may enter: a set of
// indicator comparisons that must all hold, and an oversold-recovery gate.
package strategy

import (
	"fmt"
	"strconv"
	"strings"

	"cryptoops/internal/model"
)

// DefaultRules is the canonical entry rule set: price above the mid and
// fast EMAs, and the fast EMA above the mid and slow ones.
var DefaultRules = []string{
	"close>ema50",
	"close>ema10",
	"ema10>ema50",
	"ema10>ema150",
}

// Operand is one side of a comparison.
type Operand struct {
	name  string
	span  int
	value float64
}

// Resolve returns the operand's value in snap and whether it is available.
func (o Operand) Resolve(snap *model.IndicatorSnapshot) (float64, bool) {
	switch o.name {
	case "const":
		return o.value, true
	case "close":
		return snap.Close, true
	case "ema":
		return snap.EMAValue(o.span)
	case "rsi":
		return deref(snap.RSI)
	case "bb_lower":
		return deref(snap.BBLower)
	case "bb_upper":
		return deref(snap.BBUpper)
	case "bb_basis":
		return deref(snap.BBBasis)
	}
	return 0, false
}

func (o Operand) String() string {
	switch o.name {
	case "const":
		return strconv.FormatFloat(o.value, 'f', -1, 64)
	case "ema":
		return "ema" + strconv.Itoa(o.span)
	}
	return o.name
}

func deref(p *float64) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Rule is a single "lhs op rhs" comparison.
type Rule struct {
	Left, Right Operand
	Op          string
}

// Holds evaluates the rule. A missing indicator makes the rule fail.
func (r Rule) Holds(snap *model.IndicatorSnapshot) bool {
	l, ok := r.Left.Resolve(snap)
	if !ok {
		return false
	}
	rv, ok := r.Right.Resolve(snap)
	if !ok {
		return false
	}
	switch r.Op {
	case ">":
		return l > rv
	case "<":
		return l < rv
	case ">=":
		return l >= rv
	case "<=":
		return l <= rv
	}
	return false
}

func (r Rule) String() string { return r.Left.String() + r.Op + r.Right.String() }

// EMASpans lists the EMA spans the rule refers to.
func (r Rule) EMASpans() []int {
	var out []int
	for _, o := range []Operand{r.Left, r.Right} {
		if o.name == "ema" {
			out = append(out, o.span)
		}
	}
	return out
}

// RuleSet passes when every rule holds.
type RuleSet []Rule

// ParseRules parses expressions like "close>ema50" or "rsi<30".
func ParseRules(exprs []string) (RuleSet, error) {
	out := make(RuleSet, 0, len(exprs))
	for _, e := range exprs {
		r, err := ParseRule(e)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// MustParseRules panics on a bad expression. For package-level defaults.
func MustParseRules(exprs []string) RuleSet {
	rs, err := ParseRules(exprs)
	if err != nil {
		panic(err)
	}
	return rs
}

// ParseRule parses one comparison.
func ParseRule(expr string) (Rule, error) {
	s := strings.ReplaceAll(strings.TrimSpace(strings.ToLower(expr)), " ", "")
	for _, op := range []string{">=", "<=", ">", "<"} {
		i := strings.Index(s, op)
		if i <= 0 {
			continue
		}
		left, err := parseOperand(s[:i])
		if err != nil {
			return Rule{}, fmt.Errorf("rule %q: %w", expr, err)
		}
		right, err := parseOperand(s[i+len(op):])
		if err != nil {
			return Rule{}, fmt.Errorf("rule %q: %w", expr, err)
		}
		return Rule{Left: left, Op: op, Right: right}, nil
	}
	return Rule{}, fmt.Errorf("rule %q: no comparison operator", expr)
}

func parseOperand(s string) (Operand, error) {
	switch s {
	case "close", "rsi", "bb_lower", "bb_upper", "bb_basis":
		return Operand{name: s}, nil
	}
	if strings.HasPrefix(s, "ema") {
		span, err := strconv.Atoi(s[3:])
		if err != nil || span <= 0 {
			return Operand{}, fmt.Errorf("bad ema span %q", s)
		}
		return Operand{name: "ema", span: span}, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Operand{}, fmt.Errorf("unknown operand %q", s)
	}
	return Operand{name: "const", value: v}, nil
}

// Failing returns the rules that do not hold, for logging.
func (rs RuleSet) Failing(snap *model.IndicatorSnapshot) []string {
	var out []string
	for _, r := range rs {
		if !r.Holds(snap) {
			out = append(out, r.String())
		}
	}
	return out
}

// Holds reports whether every rule holds.
func (rs RuleSet) Holds(snap *model.IndicatorSnapshot) bool {
	for _, r := range rs {
		if !r.Holds(snap) {
			return false
		}
	}
	return true
}

// EMASpans lists every EMA span referenced by the set.
func (rs RuleSet) EMASpans() []int {
	seen := map[int]bool{}
	var out []int
	for _, r := range rs {
		for _, s := range r.EMASpans() {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}
