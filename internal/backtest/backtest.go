// Package backtest replays bars through a strategy against a simulated
// account with commission and slippage. A run is single-threaded, reads
// no clock and draws no randomness, so identical input yields identical
// output.
package backtest

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"tradebot/internal/model"
)

// ErrUnordered is returned when bars are not in non-decreasing TS order.
var ErrUnordered = errors.New("backtest: bars not ordered by timestamp")

// Config configures a Backtester.
type Config struct {
	InitialCapital float64 `yaml:"initial_capital" json:"initial_capital"`
	CommissionRate float64 `yaml:"commission_rate" json:"commission_rate"` // fraction of notional
	Slippage       float64 `yaml:"slippage" json:"slippage"`               // fraction of price
	PeriodsPerYear int     `yaml:"periods_per_year" json:"periods_per_year"`
}

// Account is the read-only view a strategy sizes against.
type Account interface {
	Cash() float64
	Holding(symbol string) int64
	Exposure() float64 // holdings at last price
	Equity() float64
}

// Strategy decides per bar. It may return one order.
type Strategy interface {
	OnBar(bar model.Bar, acct Account) (model.OrderSpec, bool)
}

// FillObserver is implemented by strategies that track their own fills.
type FillObserver interface {
	OnFill(f Fill)
}

// Fill is the outcome of one order.
type Fill struct {
	Order      model.OrderSpec `json:"order"`
	Price      float64         `json:"price"`
	Commission float64         `json:"commission"`
	Applied    bool            `json:"applied"`
	Reason     string          `json:"reason,omitempty"` // why not applied
}

// EquityPoint is the marked account value after one bar.
type EquityPoint struct {
	Bar   model.Bar `json:"-"`
	TS    int64     `json:"ts"`
	Value float64   `json:"value"`
}

// Result summarises a run.
type Result struct {
	Equity      []EquityPoint `json:"equity"`
	Fills       []Fill        `json:"fills"`
	FinalEquity float64       `json:"final_equity"`
	TotalReturn float64       `json:"total_return"` // fraction
	Sharpe      float64       `json:"sharpe"`
	MaxDrawdown float64       `json:"max_drawdown"` // absolute
	Trades      int           `json:"trades"`       // applied fills
	Rejected    int           `json:"rejected"`
}

// Backtester runs replays. The zero value is not usable; call New.
type Backtester struct {
	cfg Config
}

// New validates cfg and returns a Backtester.
func New(cfg Config) (*Backtester, error) {
	if cfg.InitialCapital <= 0 {
		return nil, fmt.Errorf("backtest: initial capital must be positive, got %v", cfg.InitialCapital)
	}
	if cfg.CommissionRate < 0 || cfg.Slippage < 0 {
		return nil, fmt.Errorf("backtest: commission and slippage must be non-negative")
	}
	if cfg.PeriodsPerYear <= 0 {
		cfg.PeriodsPerYear = 252
	}
	return &Backtester{cfg: cfg}, nil
}

// state is the simulated account. It never shares anything with the
// live ledger.
type state struct {
	cash     float64
	holdings map[string]int64
	last     map[string]float64
}

func (s *state) Cash() float64               { return s.cash }
func (s *state) Holding(symbol string) int64 { return s.holdings[symbol] }

func (s *state) Exposure() float64 {
	var v float64
	for sym, q := range s.holdings {
		v += float64(q) * s.last[sym]
	}
	return v
}

func (s *state) Equity() float64 { return s.cash + s.Exposure() }

// Run replays bars through strat.
func (b *Backtester) Run(bars []model.Bar, strat Strategy) (Result, error) {
	for i := 1; i < len(bars); i++ {
		if bars[i].TS.Before(bars[i-1].TS) {
			return Result{}, fmt.Errorf("%w: index %d (%v) before %v", ErrUnordered, i, bars[i].TS, bars[i-1].TS)
		}
	}

	st := &state{
		cash:     b.cfg.InitialCapital,
		holdings: make(map[string]int64),
		last:     make(map[string]float64),
	}
	obs, _ := strat.(FillObserver)
	res := Result{Equity: make([]EquityPoint, 0, len(bars))}

	for _, bar := range bars {
		st.last[bar.Symbol] = bar.Close

		if order, ok := strat.OnBar(bar, st); ok {
			f := b.fill(st, order)
			res.Fills = append(res.Fills, f)
			if f.Applied {
				res.Trades++
			} else {
				res.Rejected++
			}
			if obs != nil {
				obs.OnFill(f)
			}
		}
		res.Equity = append(res.Equity, EquityPoint{Bar: bar, TS: bar.TS.Unix(), Value: st.Equity()})
	}

	res.FinalEquity = b.cfg.InitialCapital
	if n := len(res.Equity); n > 0 {
		res.FinalEquity = res.Equity[n-1].Value
	}
	res.TotalReturn = (res.FinalEquity - b.cfg.InitialCapital) / b.cfg.InitialCapital
	values := equityValues(res.Equity)
	res.Sharpe = Sharpe(values, b.cfg.PeriodsPerYear)
	res.MaxDrawdown = MaxDrawdown(values)
	return res, nil
}

// fill applies order at the slipped price if the account can afford it.
func (b *Backtester) fill(st *state, o model.OrderSpec) Fill {
	f := Fill{Order: o}
	if o.Quantity <= 0 || o.Price <= 0 {
		f.Reason = string(model.RejectInvalidAction)
		return f
	}
	qty := float64(o.Quantity)

	switch o.Side {
	case model.SideBuy:
		f.Price = o.Price * (1 + b.cfg.Slippage)
		cost := qty * f.Price
		f.Commission = cost * b.cfg.CommissionRate
		if st.cash < cost+f.Commission {
			f.Reason = string(model.RejectInsufficientCapital)
			return f
		}
		st.cash -= cost + f.Commission
		st.holdings[o.Symbol] += o.Quantity
	case model.SideSell:
		f.Price = o.Price * (1 - b.cfg.Slippage)
		if st.holdings[o.Symbol] < o.Quantity {
			f.Reason = string(model.RejectNoPosition)
			return f
		}
		proceeds := qty * f.Price
		f.Commission = proceeds * b.cfg.CommissionRate
		st.cash += proceeds - f.Commission
		st.holdings[o.Symbol] -= o.Quantity
		if st.holdings[o.Symbol] == 0 {
			delete(st.holdings, o.Symbol)
		}
	default:
		f.Reason = string(model.RejectInvalidAction)
		return f
	}
	f.Applied = true
	return f
}

func equityValues(pts []EquityPoint) []float64 {
	out := make([]float64, len(pts))
	for i, p := range pts {
		out[i] = p.Value
	}
	return out
}

// Sharpe is mean/stdev of per-period returns scaled by √periodsPerYear,
// using the sample standard deviation. Zero when undefined.
func Sharpe(equity []float64, periodsPerYear int) float64 {
	if len(equity) < 3 {
		return 0
	}
	rets := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] == 0 {
			continue
		}
		rets = append(rets, equity[i]/equity[i-1]-1)
	}
	if len(rets) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(rets, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return mean / std * math.Sqrt(float64(periodsPerYear))
}

// MaxDrawdown is the largest fall from a running peak, in account units.
func MaxDrawdown(equity []float64) float64 {
	var peak, dd float64
	for i, v := range equity {
		if i == 0 || v > peak {
			peak = v
		}
		if peak-v > dd {
			dd = peak - v
		}
	}
	return dd
}
