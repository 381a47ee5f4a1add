// Package indicator provides incremental technical indicators over a
// symbol's closed-candle timeline.
//
// Every indicator is O(1) (or O(window)) per update and is fed closes in
// timestamp order. Replaying a full history through a fresh instance gives
// exactly the value a batch recomputation over that history would give.
package indicator

// Indicator is the interface for all technical indicators.
type Indicator interface {
	// Name returns the indicator name (e.g., "RSI_14", "EMA_50").
	Name() string

	// Update feeds the next close.
	Update(close float64)

	// Value returns the current value. Returns 0 if not enough data.
	Value() float64

	// Ready returns true once enough closes have been seen.
	Ready() bool

	// Peek computes what Value() would be if close were the next update,
	// WITHOUT mutating internal state. Used for forming candles.
	Peek(close float64) (float64, bool)
}
