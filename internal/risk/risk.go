// Package risk converts signals into capital- and exposure-bounded order
// specs, or vetoes them with a typed rejection.
package risk

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tradebot/internal/model"
)

// Limits configures the risk manager.
type Limits struct {
	Capital             float64            `yaml:"capital" json:"capital"`
	MaxRiskPerTrade     float64            `yaml:"max_risk_per_trade" json:"max_risk_per_trade"`
	PositionSizePercent float64            `yaml:"position_size_percent" json:"position_size_percent"`
	MaxExposure         float64            `yaml:"max_exposure" json:"max_exposure"`
	StopATRMultiplier   float64            `yaml:"stop_loss_atr_multiplier" json:"stop_loss_atr_multiplier"`
	Weights             map[string]float64 `yaml:"weights" json:"weights,omitempty"`
}

// DefaultLimits returns the production defaults.
func DefaultLimits() Limits {
	return Limits{
		Capital:             200000,
		MaxRiskPerTrade:     0.01,
		PositionSizePercent: 0.20,
		MaxExposure:         1.0,
		StopATRMultiplier:   2,
	}
}

// Validate rejects limits that would size nonsensically.
func (l Limits) Validate() error {
	switch {
	case l.Capital <= 0:
		return fmt.Errorf("risk: capital must be positive, got %v", l.Capital)
	case l.MaxRiskPerTrade <= 0 || l.MaxRiskPerTrade > 1:
		return fmt.Errorf("risk: max_risk_per_trade must be in (0,1], got %v", l.MaxRiskPerTrade)
	case l.PositionSizePercent <= 0 || l.PositionSizePercent > 1:
		return fmt.Errorf("risk: position_size_percent must be in (0,1], got %v", l.PositionSizePercent)
	case l.MaxExposure <= 0:
		return fmt.Errorf("risk: max_exposure must be positive, got %v", l.MaxExposure)
	case l.StopATRMultiplier <= 0:
		return fmt.Errorf("risk: stop_loss_atr_multiplier must be positive, got %v", l.StopATRMultiplier)
	}
	for sym, w := range l.Weights {
		if w <= 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("risk: weight for %s must be positive, got %v", sym, w)
		}
	}
	return nil
}

// Weight returns the sizing weight for symbol; unlisted symbols weigh 1.
func (l Limits) Weight(symbol string) float64 {
	if w, ok := l.Weights[symbol]; ok {
		return w
	}
	return 1
}

// Account is the capital view ManageSignal sizes against.
type Account struct {
	Available float64 // free capital
	Exposure  float64 // value committed to open positions
}

// Manager is safe for concurrent use; limits swap atomically.
type Manager struct {
	limits atomic.Pointer[Limits]

	// NewID issues order ids. Defaults to random UUIDs.
	NewID func() string
}

// New creates a risk manager.
func New(l Limits) (*Manager, error) {
	m := &Manager{NewID: uuid.NewString}
	if err := m.SetLimits(l); err != nil {
		return nil, err
	}
	return m, nil
}

// Limits returns the limits in effect.
func (m *Manager) Limits() Limits {
	return *m.limits.Load()
}

// SetLimits validates and swaps the limits.
func (m *Manager) SetLimits(l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	w := make(map[string]float64, len(l.Weights))
	for k, v := range l.Weights {
		w[k] = v
	}
	l.Weights = w
	m.limits.Store(&l)
	return nil
}

// Size is the risk-budget share count: capital × max_risk / |entry − stop|.
// Zero when entry equals stop.
func (m *Manager) Size(entry, stop float64) float64 {
	l := m.Limits()
	perShare := math.Abs(entry - stop)
	if perShare == 0 {
		return 0
	}
	return l.Capital * l.MaxRiskPerTrade / perShare
}

// Quantity sizes a new position in symbol at price with the stop placed
// ATR × multiplier away.
func (m *Manager) Quantity(symbol string, price, atr float64) int64 {
	l := m.Limits()
	return quantity(l, symbol, price, atr*l.StopATRMultiplier)
}

// quantity is floor(min(position_value, max_risk/stop_distance) / price),
// with position_value weighted by symbol. A zero result is clamped to one
// share, which can exceed the risk budget when the stop is wide.
func quantity(l Limits, symbol string, price, stopDistance float64) int64 {
	if price <= 0 {
		return 0
	}
	positionValue := l.Capital * l.PositionSizePercent * l.Weight(symbol)
	budget := positionValue
	if stopDistance > 0 {
		budget = math.Min(positionValue, l.Capital*l.MaxRiskPerTrade/stopDistance)
	}
	q := int64(math.Floor(budget / price))
	if q < 1 {
		q = 1
	}
	return q
}

// CheckExposure vetoes a new position that would push committed value
// beyond max_exposure × capital.
func (m *Manager) CheckExposure(newValue, currentExposure float64) error {
	l := m.Limits()
	ratio := (currentExposure + newValue) / l.Capital
	if ratio > l.MaxExposure {
		return model.Reject(model.RejectExceedsMaxExposure, "",
			"exposure %.4f > max %.4f", ratio, l.MaxExposure)
	}
	return nil
}

// ManageSignal turns a BUY signal into an order spec, or vetoes it.
// The stop distance is the signal's price minus its stop.
func (m *Manager) ManageSignal(sig model.Signal, acct Account) (model.OrderSpec, error) {
	if sig.Price <= 0 || sig.Stop == 0 {
		return model.OrderSpec{}, model.Reject(model.RejectMissingPriceOrStop, sig.Symbol, "")
	}
	if sig.Side != model.SideBuy {
		return model.OrderSpec{}, model.Reject(model.RejectInvalidAction, sig.Symbol, "side %s", sig.Side)
	}
	// A present stop must lie strictly between zero and the entry price.
	if sig.Stop < 0 || sig.Stop >= sig.Price {
		return model.OrderSpec{}, model.Reject(model.RejectInvalidAction, sig.Symbol,
			"stop %.2f outside (0, %.2f)", sig.Stop, sig.Price)
	}
	dist := sig.Price - sig.Stop

	l := m.Limits()
	qty := quantity(l, sig.Symbol, sig.Price, dist)
	cost := float64(qty) * sig.Price
	if cost > acct.Available {
		return model.OrderSpec{}, model.Reject(model.RejectInsufficientCapital, sig.Symbol,
			"cost %.2f > available %.2f", cost, acct.Available)
	}
	if err := m.CheckExposure(cost, acct.Exposure); err != nil {
		if re, ok := err.(*model.RejectError); ok {
			re.Symbol = sig.Symbol
		}
		return model.OrderSpec{}, err
	}

	return model.OrderSpec{
		ID:         m.NewID(),
		Symbol:     sig.Symbol,
		Side:       model.SideBuy,
		Quantity:   qty,
		Price:      sig.Price,
		StopLoss:   sig.Stop,
		TakeProfit: sig.Target,
		Reason:     sig.Reason,
		TS:         sig.TS,
	}, nil
}

// ExitOrder builds the SELL spec closing pos at price.
func (m *Manager) ExitOrder(pos model.Position, price float64, reason model.ExitReason, ts time.Time) model.OrderSpec {
	return model.OrderSpec{
		ID:       m.NewID(),
		Symbol:   pos.Symbol,
		Side:     model.SideSell,
		Quantity: pos.Quantity,
		Price:    price,
		Reason:   string(reason),
		TS:       ts,
	}
}

// SequentialIDs returns an id generator producing prefix-1, prefix-2, ...
// for deterministic replays.
func SequentialIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}
