// Package sim generates synthetic base-timeframe bars: a seeded random walk
// per symbol with a slight upward drift and a price floor, stamped on a
// session calendar.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"tradebot/internal/markethours"
	"tradebot/internal/model"
)

const (
	Volatility = 0.02
	Drift      = 0.0005
	// UpProb is the probability the drift term is positive.
	UpProb = 0.52
	// Floor bounds every price below at this fraction of its base.
	Floor = 0.8
)

// DefaultPrices are the starting prices of the default universe.
var DefaultPrices = map[string]float64{
	"INFY":      1450,
	"RELIANCE":  2450,
	"TCS":       3550,
	"HDFCBANK":  1650,
	"ICICIBANK": 950,
}

// Config configures a Simulator.
type Config struct {
	// Prices maps symbol to base price. Defaults to DefaultPrices.
	Prices map[string]float64
	Seed   uint64
	// BaseTF is the bar width in seconds. Defaults to 60.
	BaseTF int
	// Start is the first bar time; it is moved to the next session open
	// when the session is closed. Defaults to now.
	Start time.Time
	// Session stamps bars; bars are only generated inside it. The zero
	// Session runs continuously.
	Session markethours.Session
	// Interval paces Run: one step per interval. Zero emits as fast as
	// the consumer reads.
	Interval time.Duration
}

// Simulator walks every symbol one bar per step. Not safe for concurrent
// use; Run owns it once started.
type Simulator struct {
	cfg     Config
	symbols []string
	rng     *rand.Rand
	prices  map[string]float64
	ts      time.Time
	log     *slog.Logger
}

// New creates a simulator. Symbols without a configured base price are an
// error.
func New(cfg Config, log *slog.Logger) (*Simulator, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(cfg.Prices) == 0 {
		cfg.Prices = DefaultPrices
	}
	if cfg.BaseTF <= 0 {
		cfg.BaseTF = 60
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Now()
	}
	if cfg.Session.Close <= cfg.Session.Open {
		cfg.Session.AlwaysOpen = true
	}
	prices := make(map[string]float64, len(cfg.Prices))
	symbols := make([]string, 0, len(cfg.Prices))
	for sym, p := range cfg.Prices {
		if p <= 0 {
			return nil, fmt.Errorf("sim: base price of %s must be positive, got %v", sym, p)
		}
		prices[sym] = p
		symbols = append(symbols, sym)
	}
	slices.Sort(symbols)

	s := &Simulator{
		cfg:     cfg,
		symbols: symbols,
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		prices:  prices,
		log:     log,
	}
	s.ts = s.align(cfg.Start.UTC().Truncate(s.step()))
	return s, nil
}

// ForSymbols restricts prices to symbols, falling back to a base of 1000
// for symbols outside DefaultPrices.
func ForSymbols(symbols []string) map[string]float64 {
	out := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		p, ok := DefaultPrices[sym]
		if !ok {
			p = 1000
		}
		out[sym] = p
	}
	return out
}

func (s *Simulator) step() time.Duration { return time.Duration(s.cfg.BaseTF) * time.Second }

// align moves ts into the session.
func (s *Simulator) align(ts time.Time) time.Time {
	if s.cfg.Session.IsOpen(ts) {
		return ts
	}
	return s.cfg.Session.NextOpen(ts).UTC()
}

// Symbols returns the simulated symbols in emission order.
func (s *Simulator) Symbols() []string { return slices.Clone(s.symbols) }

// Step returns one bar per symbol at the current time and advances the
// clock.
func (s *Simulator) Step() []model.Bar {
	bars := make([]model.Bar, 0, len(s.symbols))
	for _, sym := range s.symbols {
		bars = append(bars, s.next(sym))
	}
	s.ts = s.align(s.ts.Add(s.step()))
	return bars
}

// History returns n steps of bars, oldest first.
func (s *Simulator) History(n int) []model.Bar {
	out := make([]model.Bar, 0, n*len(s.symbols))
	for i := 0; i < n; i++ {
		out = append(out, s.Step()...)
	}
	return out
}

func (s *Simulator) next(sym string) model.Bar {
	base := s.cfg.Prices[sym]
	prev := s.prices[sym]

	trend := -Drift
	if s.rng.Float64() < UpProb {
		trend = Drift
	}
	price := prev * (1 + s.rng.NormFloat64()*Volatility + trend)
	price = math.Max(price, base*Floor)
	s.prices[sym] = price

	open, cl := round2(prev), round2(price)
	return model.Bar{
		Symbol: sym,
		TF:     s.cfg.BaseTF,
		TS:     s.ts,
		Open:   open,
		High:   round2(math.Max(prev, price) * (1 + s.rng.Float64()*0.005)),
		Low:    round2(math.Min(prev, price) * (1 - s.rng.Float64()*0.005)),
		Close:  cl,
		Volume: float64(100000 + s.rng.IntN(900000)),
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// Run emits one step per interval into out until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context, out chan<- model.Bar) error {
	s.log.Info("[sim] feed started", "symbols", s.symbols, "tf", s.cfg.BaseTF, "interval", s.cfg.Interval, "start", s.ts)

	var tick <-chan time.Time
	if s.cfg.Interval > 0 {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		}
		for _, b := range s.Step() {
			select {
			case <-ctx.Done():
				return nil
			case out <- b:
			}
		}
	}
}
