package indicator

import "strconv"

// EMA calculates an Exponential Moving Average with α = 2/(span+1).
// The recursion is seeded with the first close (no SMA warm-up) and the
// value is reported only after `span` closes have been seen.
type EMA struct {
	period     int
	multiplier float64
	current    float64
	count      int
}

// NewEMA creates a new EMA indicator with the given span.
func NewEMA(period int) *EMA {
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

func (e *EMA) Name() string { return "EMA_" + strconv.Itoa(e.period) }

// Span returns the configured span.
func (e *EMA) Span() int { return e.period }

func (e *EMA) Update(price float64) {
	e.count++
	if e.count == 1 {
		e.current = price
		return
	}
	e.current = e.current*(1-e.multiplier) + price*e.multiplier
}

func (e *EMA) Value() float64 { return e.current }
func (e *EMA) Ready() bool    { return e.count >= e.period }

func (e *EMA) Peek(price float64) (float64, bool) {
	if e.count+1 < e.period {
		return 0, false
	}
	if e.count == 0 {
		return price, true
	}
	return e.current*(1-e.multiplier) + price*e.multiplier, true
}

// Reset clears the EMA state for reuse.
func (e *EMA) Reset() {
	e.current = 0
	e.count = 0
}
