package indicator

// MACD tracks the fast/slow EMA spread and its signal EMA.
type MACD struct {
	fast   *EMA
	slow   *EMA
	signal *EMA
}

// NewMACD creates a MACD with the given spans (typically 12, 26, 9).
func NewMACD(fast, slow, signal int) *MACD {
	return &MACD{
		fast:   NewEMA(fast),
		slow:   NewEMA(slow),
		signal: NewEMA(signal),
	}
}

func (m *MACD) Update(v float64) {
	m.fast.Update(v)
	m.slow.Update(v)
	m.signal.Update(m.fast.Value() - m.slow.Value())
}

// Value returns the MACD line.
func (m *MACD) Value() float64 { return m.fast.Value() - m.slow.Value() }

// Signal returns the signal line.
func (m *MACD) Signal() float64 { return m.signal.Value() }

// Hist returns line minus signal.
func (m *MACD) Hist() float64 { return m.Value() - m.Signal() }

func (m *MACD) Ready() bool { return m.slow.Ready() }

func (m *MACD) copyFrom(o *MACD) {
	*m.fast = *o.fast
	*m.slow = *o.slow
	*m.signal = *o.signal
}

func (m *MACD) Reset() {
	m.fast.Reset()
	m.slow.Reset()
	m.signal.Reset()
}
