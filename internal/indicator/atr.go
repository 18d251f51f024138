package indicator

import "math"

// ATR is the simple rolling mean of true range.
// The first bar's true range is its high-low span.
type ATR struct {
	tr        *SMA
	count     int
	prevClose float64
}

// NewATR creates an ATR with the given period (typically 14).
func NewATR(period int) *ATR {
	return &ATR{tr: NewSMA(period)}
}

// Update feeds one bar.
func (a *ATR) Update(high, low, close float64) {
	a.tr.Update(a.trueRange(high, low))
	a.prevClose = close
	a.count++
}

func (a *ATR) trueRange(high, low float64) float64 {
	tr := high - low
	if a.count > 0 {
		tr = math.Max(tr, math.Abs(high-a.prevClose))
		tr = math.Max(tr, math.Abs(low-a.prevClose))
	}
	return tr
}

func (a *ATR) Value() float64 { return a.tr.Value() }
func (a *ATR) Ready() bool    { return a.tr.Ready() }

func (a *ATR) copyFrom(o *ATR) {
	a.tr.copyFrom(o.tr)
	a.count, a.prevClose = o.count, o.prevClose
}

func (a *ATR) Reset() {
	a.tr.Reset()
	a.count = 0
	a.prevClose = 0
}
