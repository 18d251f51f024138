package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Bar is one OHLCV bucket for a symbol at a timeframe.
// TF is the bucket width in seconds; TS is the bucket start (UTC, TF-aligned).
type Bar struct {
	Symbol string    `json:"symbol"`
	TF     int       `json:"tf"`
	TS     time.Time `json:"ts"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Key returns "symbol:tf", the identity of the series this bar belongs to.
func (b *Bar) Key() string {
	return b.Symbol + ":" + strconv.Itoa(b.TF)
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	out, _ := json.Marshal(b)
	return out
}

// Validate rejects bars that would corrupt indicator state.
func (b *Bar) Validate() error {
	if b.Symbol == "" {
		return fmt.Errorf("bar: empty symbol")
	}
	if b.TF <= 0 {
		return fmt.Errorf("bar %s: non-positive tf %d", b.Symbol, b.TF)
	}
	if b.TS.IsZero() {
		return fmt.Errorf("bar %s: zero timestamp", b.Symbol)
	}
	for name, v := range map[string]float64{
		"open": b.Open, "high": b.High, "low": b.Low, "close": b.Close, "volume": b.Volume,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("bar %s: %s is not finite", b.Symbol, name)
		}
	}
	if b.High < b.Low {
		return fmt.Errorf("bar %s: high %.4f below low %.4f", b.Symbol, b.High, b.Low)
	}
	return nil
}

// FeatureSnapshot is the indicator state derived from one (symbol, TF) series.
// Ready is false when the series is shorter than the minimum window and the
// neutral defaults are in effect.
type FeatureSnapshot struct {
	Symbol     string    `json:"symbol"`
	TF         int       `json:"tf"`
	TS         time.Time `json:"ts"`
	Bars       int       `json:"bars"`
	Close      float64   `json:"close"`
	RSI        float64   `json:"rsi"`
	EMAShort   float64   `json:"ema_short"`
	EMALong    float64   `json:"ema_long"`
	MACD       float64   `json:"macd"`
	MACDSignal float64   `json:"macd_signal"`
	MACDHist   float64   `json:"macd_hist"`
	ATR        float64   `json:"atr"`
	Ready      bool      `json:"ready"`
}
