// Package portfolio is the position ledger: the only owner of capital and
// open positions.
//
// Each symbol is either NONE or OPEN. Money is held in decimal so the
// conservation invariant
//
//	available + Σ(entry_price × quantity) == capital + realized_pnl
//
// holds exactly, and is verified after every mutation. Readers get a
// lock-free snapshot published atomically after each mutation.
package portfolio

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"tradebot/internal/model"
)

// InvariantError reports a broken ledger invariant. It is fatal: the
// caller must halt trading.
type InvariantError struct {
	Detail string
}

func (e *InvariantError) Error() string {
	return "portfolio invariant violated: " + e.Detail
}

// Config configures a Ledger.
type Config struct {
	Capital      float64
	MaxPositions int // default 5
}

// entry is one open position with its exact cost basis.
type entry struct {
	pos   model.Position
	price decimal.Decimal // entry price as filled
	cost  decimal.Decimal // price × quantity
}

// ClosedTrade is the result of closing a position.
type ClosedTrade struct {
	Position model.Position   `json:"position"`
	Exit     model.Execution  `json:"exit"`
	Reason   model.ExitReason `json:"reason"`
	Proceeds float64          `json:"proceeds"`
	PnL      float64          `json:"pnl"`
}

// Ledger is safe for concurrent use. The mutex covers only the mutation
// itself; callers perform broker calls outside it.
type Ledger struct {
	mu           sync.Mutex
	capital      decimal.Decimal
	available    decimal.Decimal
	realized     decimal.Decimal
	maxPositions int
	positions    map[string]*entry

	stats *Stats
	snap  atomic.Pointer[model.PortfolioState]
	now   func() time.Time
}

// New creates a ledger holding only cash.
func New(cfg Config) (*Ledger, error) {
	if cfg.Capital <= 0 {
		return nil, fmt.Errorf("portfolio: capital must be positive, got %v", cfg.Capital)
	}
	if cfg.MaxPositions <= 0 {
		cfg.MaxPositions = 5
	}
	capital := decimal.NewFromFloat(cfg.Capital)
	l := &Ledger{
		capital:      capital,
		available:    capital,
		realized:     decimal.Zero,
		maxPositions: cfg.MaxPositions,
		positions:    make(map[string]*entry),
		stats:        NewStats(cfg.Capital),
		now:          time.Now,
	}
	l.publishLocked(l.now())
	return l, nil
}

// SetMaxPositions changes the position cap. Existing positions are kept.
func (l *Ledger) SetMaxPositions(n int) error {
	if n <= 0 {
		return fmt.Errorf("portfolio: max positions must be positive, got %d", n)
	}
	l.mu.Lock()
	l.maxPositions = n
	l.mu.Unlock()
	return nil
}

// CanOpen runs the entry guards without mutating anything.
func (l *Ledger) CanOpen(symbol string, qty int64, price float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.guardLocked(symbol, qty, price)
	return err
}

func (l *Ledger) guardLocked(symbol string, qty int64, price float64) (decimal.Decimal, error) {
	if len(l.positions) >= l.maxPositions {
		return decimal.Zero, model.Reject(model.RejectMaxPositions, symbol, "%d open", len(l.positions))
	}
	if _, ok := l.positions[symbol]; ok {
		return decimal.Zero, model.Reject(model.RejectPositionExists, symbol, "")
	}
	if qty <= 0 || price <= 0 {
		return decimal.Zero, model.Reject(model.RejectInvalidAction, symbol, "qty %d price %v", qty, price)
	}
	cost := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(qty))
	if cost.GreaterThan(l.available) {
		return decimal.Zero, model.Reject(model.RejectInsufficientCapital, symbol,
			"cost %s > available %s", cost.StringFixed(2), l.available.StringFixed(2))
	}
	return cost, nil
}

// Open applies a confirmed BUY: NONE → OPEN. Guards are re-checked under
// the lock, so a stale CanOpen cannot overdraw.
func (l *Ledger) Open(exec model.Execution, stop, target float64) (model.Position, error) {
	if exec.Side != model.SideBuy || !exec.Executed() {
		return model.Position{}, model.Reject(model.RejectInvalidAction, exec.Symbol,
			"open needs an executed BUY, got %s/%s", exec.Side, exec.Status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cost, err := l.guardLocked(exec.Symbol, exec.Quantity, exec.Price)
	if err != nil {
		return model.Position{}, err
	}
	ts := exec.TS
	if ts.IsZero() {
		ts = l.now()
	}
	e := &entry{
		pos: model.Position{
			Symbol:       exec.Symbol,
			Quantity:     exec.Quantity,
			EntryPrice:   exec.Price,
			StopLoss:     stop,
			TakeProfit:   target,
			CurrentPrice: exec.Price,
			EntryTime:    ts,
		},
		price: decimal.NewFromFloat(exec.Price),
		cost:  cost,
	}
	l.positions[exec.Symbol] = e
	l.available = l.available.Sub(cost)

	if err := l.checkLocked(); err != nil {
		return e.pos, err
	}
	l.publishLocked(ts)
	return e.pos, nil
}

// Mark updates the current price of an open position: OPEN → OPEN. The
// returned reason is set when the price reached the stop (checked first)
// or the target. Marking a symbol without a position is a no-op.
func (l *Ledger) Mark(symbol string, price float64, ts time.Time) (model.Position, model.ExitReason, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.positions[symbol]
	if !ok || price <= 0 {
		return model.Position{}, "", false
	}
	e.pos.CurrentPrice = price
	e.pos.UnrealizedPnL = decimal.NewFromFloat(price).Sub(e.price).
		Mul(decimal.NewFromInt(e.pos.Quantity)).InexactFloat64()
	if ts.IsZero() {
		ts = l.now()
	}
	l.publishLocked(ts)

	switch {
	case price <= e.pos.StopLoss:
		return e.pos, model.ExitStopLoss, true
	case e.pos.TakeProfit > 0 && price >= e.pos.TakeProfit:
		return e.pos, model.ExitTakeProfit, true
	}
	return e.pos, "", false
}

// Close applies a confirmed SELL of the whole position: OPEN → NONE.
func (l *Ledger) Close(exec model.Execution, reason model.ExitReason) (ClosedTrade, error) {
	if exec.Side != model.SideSell || !exec.Executed() {
		return ClosedTrade{}, model.Reject(model.RejectInvalidAction, exec.Symbol,
			"close needs an executed SELL, got %s/%s", exec.Side, exec.Status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.positions[exec.Symbol]
	if !ok {
		return ClosedTrade{}, model.Reject(model.RejectNoPosition, exec.Symbol, "")
	}
	if exec.Quantity != e.pos.Quantity {
		return ClosedTrade{}, model.Reject(model.RejectInvalidAction, exec.Symbol,
			"partial close %d of %d", exec.Quantity, e.pos.Quantity)
	}

	proceeds := decimal.NewFromFloat(exec.Price).Mul(decimal.NewFromInt(exec.Quantity))
	pnl := proceeds.Sub(e.cost)

	delete(l.positions, exec.Symbol)
	l.available = l.available.Add(proceeds)
	l.realized = l.realized.Add(pnl)

	pos := e.pos
	pos.CurrentPrice = exec.Price
	pos.UnrealizedPnL = 0
	trade := ClosedTrade{
		Position: pos,
		Exit:     exec,
		Reason:   reason,
		Proceeds: proceeds.InexactFloat64(),
		PnL:      pnl.InexactFloat64(),
	}
	l.stats.Record(trade.PnL, l.equityLocked().InexactFloat64())

	if err := l.checkLocked(); err != nil {
		return trade, err
	}
	ts := exec.TS
	if ts.IsZero() {
		ts = l.now()
	}
	l.publishLocked(ts)
	return trade, nil
}

// CheckInvariants verifies the ledger under its lock.
func (l *Ledger) CheckInvariants() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked()
}

func (l *Ledger) checkLocked() error {
	invested := decimal.Zero
	for _, e := range l.positions {
		invested = invested.Add(e.cost)
	}
	lhs := l.available.Add(invested)
	rhs := l.capital.Add(l.realized)
	if !lhs.Equal(rhs) {
		return &InvariantError{Detail: fmt.Sprintf("available %s + invested %s != capital %s + realized %s",
			l.available, invested, l.capital, l.realized)}
	}
	if l.available.IsNegative() {
		return &InvariantError{Detail: "available capital negative: " + l.available.String()}
	}
	return nil
}

// equityLocked is cash plus positions at their last marked price.
func (l *Ledger) equityLocked() decimal.Decimal {
	eq := l.available
	for _, e := range l.positions {
		eq = eq.Add(decimal.NewFromFloat(e.pos.CurrentPrice).Mul(decimal.NewFromInt(e.pos.Quantity)))
	}
	return eq
}

func (l *Ledger) publishLocked(at time.Time) {
	invested := decimal.Zero
	market := decimal.Zero
	unrealized := decimal.Zero
	positions := make([]model.Position, 0, len(l.positions))
	for _, e := range l.positions {
		invested = invested.Add(e.cost)
		mv := decimal.NewFromFloat(e.pos.CurrentPrice).Mul(decimal.NewFromInt(e.pos.Quantity))
		market = market.Add(mv)
		unrealized = unrealized.Add(mv.Sub(e.cost))
		positions = append(positions, e.pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })

	total := l.available.Add(market)
	ret := total.Sub(l.capital).Div(l.capital).Mul(decimal.NewFromInt(100))

	st := &model.PortfolioState{
		Capital:          l.capital.InexactFloat64(),
		AvailableCapital: l.available.InexactFloat64(),
		RealizedPnL:      l.realized.InexactFloat64(),
		InvestedCost:     invested.InexactFloat64(),
		MarketValue:      market.InexactFloat64(),
		UnrealizedPnL:    unrealized.InexactFloat64(),
		TotalPnL:         unrealized.Add(l.realized).InexactFloat64(),
		TotalValue:       total.InexactFloat64(),
		TotalReturnPct:   ret.InexactFloat64(),
		OpenPositions:    len(positions),
		Positions:        positions,
		UpdatedAt:        at,
	}
	l.snap.Store(st)
}

// Snapshot returns the last published state without locking. The
// Positions slice is shared and must not be modified.
func (l *Ledger) Snapshot() model.PortfolioState {
	return *l.snap.Load()
}

// Position returns the open position for symbol.
func (l *Ledger) Position(symbol string) (model.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.positions[symbol]; ok {
		return e.pos, true
	}
	return model.Position{}, false
}

// Has reports whether symbol is OPEN.
func (l *Ledger) Has(symbol string) bool {
	_, ok := l.Position(symbol)
	return ok
}

// Positions returns the open positions sorted by symbol.
func (l *Ledger) Positions() []model.Position {
	return append([]model.Position(nil), l.Snapshot().Positions...)
}

// Available returns free capital.
func (l *Ledger) Available() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.available.InexactFloat64()
}

// Exposure returns the cost basis committed to open positions.
func (l *Ledger) Exposure() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	invested := decimal.Zero
	for _, e := range l.positions {
		invested = invested.Add(e.cost)
	}
	return invested.InexactFloat64()
}

// Stats returns closed-trade statistics.
func (l *Ledger) Stats() model.Performance {
	return l.stats.Performance()
}

// Drawdown returns the peak equity and the largest peak-to-trough fall
// observed at trade closes.
func (l *Ledger) Drawdown() (peak, maxDrawdown float64) {
	return l.stats.Drawdown()
}
