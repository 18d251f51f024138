package model

import "time"

// Position is an open long holding in one symbol.
type Position struct {
	Symbol        string    `json:"symbol"`
	Quantity      int64     `json:"quantity"`
	EntryPrice    float64   `json:"entry_price"`
	StopLoss      float64   `json:"stop_loss"`
	TakeProfit    float64   `json:"take_profit"`
	CurrentPrice  float64   `json:"current_price"`
	UnrealizedPnL float64   `json:"pnl"`
	EntryTime     time.Time `json:"entry_time"`
}

// Cost is the capital committed at entry.
func (p *Position) Cost() float64 {
	return p.EntryPrice * float64(p.Quantity)
}

// MarketValue is the position valued at the last marked price.
func (p *Position) MarketValue() float64 {
	return p.CurrentPrice * float64(p.Quantity)
}

// PnLPercent is unrealized PnL relative to entry cost.
func (p *Position) PnLPercent() float64 {
	cost := p.Cost()
	if cost == 0 {
		return 0
	}
	return p.UnrealizedPnL / cost * 100
}

// PortfolioState is a point-in-time, read-only view of the ledger.
type PortfolioState struct {
	Capital          float64    `json:"capital"`
	AvailableCapital float64    `json:"available_capital"`
	RealizedPnL      float64    `json:"realized_pnl"`
	InvestedCost     float64    `json:"invested_cost"`
	MarketValue      float64    `json:"invested_capital"`
	UnrealizedPnL    float64    `json:"unrealized_pnl"`
	TotalPnL         float64    `json:"total_pnl"`
	TotalValue       float64    `json:"total_value"`
	TotalReturnPct   float64    `json:"total_return_percent"`
	OpenPositions    int        `json:"open_positions"`
	Positions        []Position `json:"positions"`
	Running          bool       `json:"running"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
