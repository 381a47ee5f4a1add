package indicator

import "strconv"

// RSI calculates the Relative Strength Index using Wilder's smoothing.
// The first average is the simple mean of the first `period` gains and
// losses; after that avg = (avg*(period-1) + x) / period.
type RSI struct {
	period    int
	count     int
	prevClose float64
	avgGain   float64
	avgLoss   float64
	current   float64
}

// NewRSI creates a new RSI indicator with the given period (typically 14).
func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

func (r *RSI) Name() string { return "RSI_" + strconv.Itoa(r.period) }

func (r *RSI) Update(price float64) {
	r.count++

	if r.count == 1 {
		r.prevClose = price
		return
	}

	gain, loss := split(price - r.prevClose)
	r.prevClose = price

	if r.count <= r.period+1 {
		// Accumulation phase: build initial averages
		r.avgGain += gain
		r.avgLoss += loss

		if r.count == r.period+1 {
			r.avgGain /= float64(r.period)
			r.avgLoss /= float64(r.period)
			r.current = rsiValue(r.avgGain, r.avgLoss)
		}
		return
	}

	p := float64(r.period)
	r.avgGain = (r.avgGain*(p-1) + gain) / p
	r.avgLoss = (r.avgLoss*(p-1) + loss) / p
	r.current = rsiValue(r.avgGain, r.avgLoss)
}

func (r *RSI) Value() float64 { return r.current }

// Ready needs period+1 closes (period deltas).
func (r *RSI) Ready() bool { return r.count > r.period }

func (r *RSI) Peek(price float64) (float64, bool) {
	if r.count == 0 {
		return 0, false
	}
	gain, loss := split(price - r.prevClose)
	if r.count < r.period {
		return 0, false
	}
	p := float64(r.period)
	if r.count == r.period {
		// This close would complete the seed window.
		return rsiValue((r.avgGain+gain)/p, (r.avgLoss+loss)/p), true
	}
	ag := (r.avgGain*(p-1) + gain) / p
	al := (r.avgLoss*(p-1) + loss) / p
	return rsiValue(ag, al), true
}

func split(delta float64) (gain, loss float64) {
	if delta > 0 {
		return delta, 0
	}
	return 0, -delta
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}
