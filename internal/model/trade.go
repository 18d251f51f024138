package model

import "time"

// TradeRecord is the persisted form of one executed fill.
type TradeRecord struct {
	ID       string         `json:"id"`
	Symbol   string         `json:"symbol"`
	Side     Side           `json:"side"`
	Quantity int64          `json:"quantity"`
	Price    float64        `json:"price"`
	PnL      float64        `json:"pnl"`
	Reason   string         `json:"reason,omitempty"`
	Signals  map[string]any `json:"signals,omitempty"`
	TS       time.Time      `json:"ts"`
}

// LogLevel mirrors alert severities for persisted log events.
type LogLevel string

const (
	LogInfo     LogLevel = "INFO"
	LogWarning  LogLevel = "WARNING"
	LogError    LogLevel = "ERROR"
	LogCritical LogLevel = "CRITICAL"
)

// LogEvent is an operator-facing log line persisted next to trades.
type LogEvent struct {
	Level   LogLevel       `json:"level"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	TS      time.Time      `json:"ts"`
}

// Performance summarises closed trades.
type Performance struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	TotalPnL      float64 `json:"total_pnl"`
	WinRate       float64 `json:"win_rate"`
}
