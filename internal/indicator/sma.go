package indicator

import (
	"math"
	"strconv"
)

// SMA calculates Simple Moving Average over a rolling window.
// Uses a preallocated circular buffer for zero-allocation hot path.
type SMA struct {
	period  int
	buf     []float64 // preallocated circular buffer
	idx     int       // current write position
	count   int       // total values received
	sum     float64
	current float64
}

// NewSMA creates a new SMA indicator with the given period.
func NewSMA(period int) *SMA {
	return &SMA{
		period: period,
		buf:    make([]float64, period),
	}
}

func (s *SMA) Name() string { return "SMA_" + strconv.Itoa(s.period) }

func (s *SMA) Update(price float64) {
	if s.count >= s.period {
		// Subtract the oldest value being overwritten
		s.sum -= s.buf[s.idx]
	}

	s.buf[s.idx] = price
	s.sum += price
	s.idx = (s.idx + 1) % s.period
	s.count++

	if s.count >= s.period {
		s.current = s.mean()
	}
}

func (s *SMA) Value() float64 { return s.current }
func (s *SMA) Ready() bool    { return s.count >= s.period }

func (s *SMA) Peek(price float64) (float64, bool) {
	if s.count+1 < s.period {
		return 0, false
	}
	if s.count < s.period {
		return (s.sum + price) / float64(s.period), true
	}
	// Preview: replace the oldest value (at idx) with new price
	return (s.sum - s.buf[s.idx] + price) / float64(s.period), true
}

// mean recomputes the window mean from the buffer so that a window of
// identical closes yields exactly that close, free of running-sum drift.
func (s *SMA) mean() float64 {
	total := 0.0
	flat := true
	for _, v := range s.buf {
		total += v
		flat = flat && v == s.buf[0]
	}
	if flat {
		return s.buf[0]
	}
	return total / float64(s.period)
}

// stddev is the sample (n-1) standard deviation of the full window around
// mean. Callers must check Ready first.
func (s *SMA) stddev(mean float64) float64 {
	if s.period < 2 {
		return 0
	}
	ss := 0.0
	for _, v := range s.buf {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(s.period-1))
}

// Reset clears the SMA state for reuse.
func (s *SMA) Reset() {
	s.idx = 0
	s.count = 0
	s.sum = 0
	s.current = 0
	for i := range s.buf {
		s.buf[i] = 0
	}
}
