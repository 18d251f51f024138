package model

import "time"

// Side is the action a signal or order carries.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
	SideHold Side = "HOLD"
)

// Conditions records which of the eight vote conditions held.
type Conditions struct {
	RSIOversold   bool `json:"rsi_oversold"`
	RSIOverbought bool `json:"rsi_overbought"`
	EMABullish    bool `json:"ema_bullish"`
	EMABearish    bool `json:"ema_bearish"`
	MACDBullish   bool `json:"macd_bullish"`
	MACDBearish   bool `json:"macd_bearish"`
	ScoreBullish  bool `json:"score_bullish"`
	ScoreBearish  bool `json:"score_bearish"`
}

// Signal is the output of signal fusion for one symbol at one instant.
// Price, Stop and Target are zero when absent.
type Signal struct {
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Votes      int             `json:"votes"`
	BullVotes  int             `json:"bull_votes"`
	BearVotes  int             `json:"bear_votes"`
	Price      float64         `json:"price,omitempty"`
	Stop       float64         `json:"stop,omitempty"`
	Target     float64         `json:"target,omitempty"`
	Score      float64         `json:"score"`
	Reason     string          `json:"reason,omitempty"`
	Conditions Conditions      `json:"conditions"`
	Indicators FeatureSnapshot `json:"indicators"`
	TS         time.Time       `json:"ts"`
}

// ExitReason tags why a position was closed.
type ExitReason string

const (
	ExitSignal     ExitReason = "signal exit"
	ExitStopLoss   ExitReason = "stop loss hit"
	ExitTakeProfit ExitReason = "take profit hit"
	ExitManual     ExitReason = "manual exit"
)
