package indicator

import (
	"math"
	"strconv"
)

// Bands is one Bollinger reading.
type Bands struct {
	Upper, Basis, Lower float64
}

// Bollinger computes bands of k sample standard deviations around the
// SMA of the last `window` closes.
type Bollinger struct {
	sma *SMA
	k   float64
}

// NewBollinger creates Bollinger bands (typically window 20, k 2).
func NewBollinger(window int, k float64) *Bollinger {
	return &Bollinger{sma: NewSMA(window), k: k}
}

func (b *Bollinger) Name() string { return "BB_" + strconv.Itoa(b.sma.period) }

func (b *Bollinger) Update(price float64) { b.sma.Update(price) }

func (b *Bollinger) Ready() bool { return b.sma.Ready() }

// Value returns the basis; use Bands for all three lines.
func (b *Bollinger) Value() float64 { return b.sma.Value() }

// Bands returns the current reading, ok=false while the window is short.
func (b *Bollinger) Bands() (Bands, bool) {
	if !b.sma.Ready() {
		return Bands{}, false
	}
	basis := b.sma.Value()
	dev := b.k * b.sma.stddev(basis)
	return Bands{Upper: basis + dev, Basis: basis, Lower: basis - dev}, true
}

func (b *Bollinger) Peek(price float64) (float64, bool) {
	bands, ok := b.PeekBands(price)
	return bands.Basis, ok
}

// PeekBands previews the reading with price as the next close.
func (b *Bollinger) PeekBands(price float64) (Bands, bool) {
	s := b.sma
	if s.count+1 < s.period {
		return Bands{}, false
	}
	win := make([]float64, 0, s.period)
	if s.count < s.period {
		win = append(win, s.buf[:s.count]...)
	} else {
		for i, v := range s.buf {
			if i != s.idx {
				win = append(win, v)
			}
		}
	}
	win = append(win, price)

	mean := 0.0
	for _, v := range win {
		mean += v
	}
	mean /= float64(len(win))
	ss := 0.0
	for _, v := range win {
		ss += (v - mean) * (v - mean)
	}
	dev := 0.0
	if len(win) > 1 {
		dev = b.k * math.Sqrt(ss/float64(len(win)-1))
	}
	return Bands{Upper: mean + dev, Basis: mean, Lower: mean - dev}, true
}
