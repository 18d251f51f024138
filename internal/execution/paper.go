// Package execution turns risk-checked order specs into broker
// confirmations. PaperBroker simulates fills locally; GuardedBroker wraps
// any broker with bounded retries and a circuit breaker.
package execution

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradebot/internal/model"
)

// PaperBroker simulates order execution without real broker calls.
type PaperBroker struct {
	mu    sync.RWMutex
	fills []model.Execution

	slippageBps int64 // basis points, buy higher / sell lower
	now         func() time.Time
	log         *slog.Logger
}

// NewPaperBroker creates a paper broker. slippageBps controls simulated
// slippage in basis points (5 = 0.05%).
func NewPaperBroker(slippageBps int64, log *slog.Logger) *PaperBroker {
	if log == nil {
		log = slog.Default()
	}
	return &PaperBroker{
		fills:       make([]model.Execution, 0, 256),
		slippageBps: slippageBps,
		now:         time.Now,
		log:         log,
	}
}

// Execute fills order at its reference price adjusted for slippage.
// Malformed orders come back REJECTED with a nil error.
func (p *PaperBroker) Execute(ctx context.Context, order model.OrderSpec) (model.Execution, error) {
	if err := ctx.Err(); err != nil {
		return model.Execution{}, err
	}
	id := order.ID
	if id == "" {
		id = "PAPER-" + uuid.NewString()
	}
	exec := model.Execution{
		OrderID:  id,
		Symbol:   order.Symbol,
		Side:     order.Side,
		Quantity: order.Quantity,
		TS:       p.now(),
	}

	switch {
	case order.Side != model.SideBuy && order.Side != model.SideSell:
		exec.Status, exec.Reason = model.StatusRejected, string(model.RejectInvalidAction)
	case order.Quantity <= 0 || order.Price <= 0:
		exec.Status, exec.Reason = model.StatusRejected, string(model.RejectMissingPriceOrStop)
	}
	if exec.Status == model.StatusRejected {
		p.log.Warn("[paper] order rejected", "order", id, "symbol", order.Symbol, "reason", exec.Reason)
		return exec, nil
	}

	slip := order.Price * float64(p.slippageBps) / 10000
	exec.Price = order.Price
	if order.Side == model.SideBuy {
		exec.Price += slip
	} else {
		exec.Price -= slip
	}
	exec.Status = model.StatusExecuted

	p.mu.Lock()
	p.fills = append(p.fills, exec)
	p.mu.Unlock()

	p.log.Info("[paper] filled",
		"order", id, "side", order.Side, "symbol", order.Symbol,
		"qty", order.Quantity, "price", exec.Price, "slip", slip, "reason", order.Reason)
	return exec, nil
}

// Fills returns a copy of every executed fill.
func (p *PaperBroker) Fills() []model.Execution {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := make([]model.Execution, len(p.fills))
	copy(cp, p.fills)
	return cp
}
