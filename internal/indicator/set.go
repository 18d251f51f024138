package indicator

// Values is one reading of every indicator in a Set.
type Values struct {
	RSI        float64
	EMAShort   float64
	EMALong    float64
	MACD       float64
	MACDSignal float64
	MACDHist   float64
	ATR        float64
}

// Set maintains the full indicator set for one price series.
// Not goroutine-safe; the owner serialises access.
type Set struct {
	periods  Periods
	rsi      *RSI
	emaShort *EMA
	emaLong  *EMA
	macd     *MACD
	atr      *ATR
	count    int
}

// NewSet creates an indicator set; zero periods take their defaults.
func NewSet(p Periods) *Set {
	p = p.withDefaults()
	return &Set{
		periods:  p,
		rsi:      NewRSI(p.RSI),
		emaShort: NewEMA(p.EMAShort),
		emaLong:  NewEMA(p.EMALong),
		macd:     NewMACD(p.MACDFast, p.MACDSlow, p.MACDSignal),
		atr:      NewATR(p.ATR),
	}
}

// Update feeds one bar's high, low and close.
func (s *Set) Update(high, low, close float64) {
	s.rsi.Update(close)
	s.emaShort.Update(close)
	s.emaLong.Update(close)
	s.macd.Update(close)
	s.atr.Update(high, low, close)
	s.count++
}

// Count returns the number of bars fed since the last Reset.
func (s *Set) Count() int { return s.count }

// Periods returns the effective periods.
func (s *Set) Periods() Periods { return s.periods }

// Values reads every indicator. ATR reads 1 until its window is full,
// matching ATROf.
func (s *Set) Values() Values {
	atr := 1.0
	if s.atr.Ready() {
		atr = s.atr.Value()
	}
	return Values{
		RSI:        s.rsi.Value(),
		EMAShort:   s.emaShort.Value(),
		EMALong:    s.emaLong.Value(),
		MACD:       s.macd.Value(),
		MACDSignal: s.macd.Signal(),
		MACDHist:   s.macd.Hist(),
		ATR:        atr,
	}
}

// CopyFrom overwrites s with the state of src, so src can later be
// restored without replaying its bars.
func (s *Set) CopyFrom(src *Set) {
	s.periods = src.periods
	s.rsi.copyFrom(src.rsi)
	*s.emaShort = *src.emaShort
	*s.emaLong = *src.emaLong
	s.macd.copyFrom(src.macd)
	s.atr.copyFrom(src.atr)
	s.count = src.count
}

// Reset clears all indicators.
func (s *Set) Reset() {
	s.rsi.Reset()
	s.emaShort.Reset()
	s.emaLong.Reset()
	s.macd.Reset()
	s.atr.Reset()
	s.count = 0
}
