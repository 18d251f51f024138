// Package indicator provides technical indicator calculations over price series.
//
// Streaming primitives (SMA, EMA, RSI, MACD, ATR) update in O(1) per value.
// The window functions in window.go replay a slice through those same
// primitives, so batch and incremental evaluation agree exactly.
package indicator

// Periods configures the indicator set computed per series.
type Periods struct {
	RSI        int `yaml:"rsi" json:"rsi"`
	EMAShort   int `yaml:"ema_short" json:"ema_short"`
	EMALong    int `yaml:"ema_long" json:"ema_long"`
	MACDFast   int `yaml:"macd_fast" json:"macd_fast"`
	MACDSlow   int `yaml:"macd_slow" json:"macd_slow"`
	MACDSignal int `yaml:"macd_signal" json:"macd_signal"`
	ATR        int `yaml:"atr" json:"atr"`
}

// DefaultPeriods returns RSI 14, EMA 20/50, MACD 12/26/9, ATR 14.
func DefaultPeriods() Periods {
	return Periods{
		RSI:        14,
		EMAShort:   20,
		EMALong:    50,
		MACDFast:   12,
		MACDSlow:   26,
		MACDSignal: 9,
		ATR:        14,
	}
}

// withDefaults fills zero fields from DefaultPeriods.
func (p Periods) withDefaults() Periods {
	d := DefaultPeriods()
	if p.RSI <= 0 {
		p.RSI = d.RSI
	}
	if p.EMAShort <= 0 {
		p.EMAShort = d.EMAShort
	}
	if p.EMALong <= 0 {
		p.EMALong = d.EMALong
	}
	if p.MACDFast <= 0 {
		p.MACDFast = d.MACDFast
	}
	if p.MACDSlow <= 0 {
		p.MACDSlow = d.MACDSlow
	}
	if p.MACDSignal <= 0 {
		p.MACDSignal = d.MACDSignal
	}
	if p.ATR <= 0 {
		p.ATR = d.ATR
	}
	return p
}
