package model

import "time"

// OrderSpec is a sized, risk-checked order ready for the broker.
type OrderSpec struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Quantity   int64     `json:"quantity"`
	Price      float64   `json:"price"`
	StopLoss   float64   `json:"stop_loss,omitempty"`
	TakeProfit float64   `json:"take_profit,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	TS         time.Time `json:"ts"`
}

// Value is the notional of the order at its reference price.
func (o *OrderSpec) Value() float64 {
	return float64(o.Quantity) * o.Price
}

// ExecStatus is the broker's verdict on an order.
type ExecStatus string

const (
	StatusExecuted ExecStatus = "EXECUTED"
	StatusRejected ExecStatus = "REJECTED"
)

// Execution is the broker's confirmation. The ledger only mutates on
// StatusExecuted, using Price and Quantity as filled.
type Execution struct {
	OrderID  string     `json:"order_id"`
	Symbol   string     `json:"symbol"`
	Side     Side       `json:"side"`
	Status   ExecStatus `json:"status"`
	Reason   string     `json:"reason,omitempty"`
	Quantity int64      `json:"quantity"`
	Price    float64    `json:"price"`
	TS       time.Time  `json:"ts"`
}

// Executed reports whether the fill can be applied to the ledger.
func (e *Execution) Executed() bool {
	return e.Status == StatusExecuted && e.Quantity > 0
}
