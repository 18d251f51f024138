package indicator

// EMA calculates Exponential Moving Average with α = 2/(span+1),
// seeded with the first value (no SMA warm-up, no bias adjustment).
// O(1) per update — no window storage needed.
type EMA struct {
	period     int
	multiplier float64
	current    float64
	count      int
}

// NewEMA creates a new EMA indicator with the given span.
func NewEMA(period int) *EMA {
	if period < 1 {
		period = 1
	}
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

func (e *EMA) Update(v float64) {
	e.count++
	if e.count == 1 {
		e.current = v
		return
	}
	// EMA = (v * multiplier) + (EMA_prev * (1 - multiplier))
	e.current = (v * e.multiplier) + (e.current * (1 - e.multiplier))
}

func (e *EMA) Value() float64 { return e.current }

// Ready reports whether a full span has been observed. Value is defined
// from the first update, Ready only gates warm-up-sensitive consumers.
func (e *EMA) Ready() bool { return e.count >= e.period }

// Count returns the number of values observed.
func (e *EMA) Count() int { return e.count }

// Reset clears the EMA state for reuse.
func (e *EMA) Reset() {
	e.current = 0
	e.count = 0
}
