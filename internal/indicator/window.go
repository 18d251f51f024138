package indicator

// Window functions evaluate an indicator over an ordered slice and return
// the value at the last element. They hold no state between calls.

// RSIOf returns RSI(period) at the end of closes, or 50 when fewer than
// period+1 closes are given.
func RSIOf(closes []float64, period int) float64 {
	r := NewRSI(period)
	for _, c := range closes {
		r.Update(c)
	}
	return r.Value()
}

// EMAOf returns the EMA(span) at the end of values, or 0 for an empty slice.
func EMAOf(values []float64, span int) float64 {
	e := NewEMA(span)
	for _, v := range values {
		e.Update(v)
	}
	return e.Value()
}

// MACDOf returns the MACD line, signal line and histogram at the end of closes.
func MACDOf(closes []float64, fast, slow, signal int) (line, sig, hist float64) {
	m := NewMACD(fast, slow, signal)
	for _, c := range closes {
		m.Update(c)
	}
	return m.Value(), m.Signal(), m.Hist()
}

// ATROf returns ATR(period) at the last bar, or 1 when fewer than period
// bars are given. The three slices must have equal length.
func ATROf(highs, lows, closes []float64, period int) float64 {
	a := NewATR(period)
	n := min(len(highs), len(lows), len(closes))
	for i := 0; i < n; i++ {
		a.Update(highs[i], lows[i], closes[i])
	}
	if !a.Ready() {
		return 1
	}
	return a.Value()
}
