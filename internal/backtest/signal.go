package backtest

import (
	"context"
	"slices"

	"tradebot/internal/featurestore"
	"tradebot/internal/logger"
	"tradebot/internal/model"
	"tradebot/internal/predictor"
	"tradebot/internal/risk"
	"tradebot/internal/strategy"
)

// SignalConfig wires the live decision components into a replay.
type SignalConfig struct {
	Features   featurestore.Config
	DecisionTF int // series the vote runs on (default base TF)
	Window     int // bars handed to the predictor (default 200)
	Params     strategy.Params
	Limits     risk.Limits
	Predictor  predictor.Predictor // default RuleScorer
}

type openPos struct {
	qty    int64
	stop   float64
	target float64
}

// SignalStrategy runs the same feature store, signal fusion and risk
// sizing as the live engine. Stops and targets are checked on each bar's
// close before any signal exit, as the live price loop does.
type SignalStrategy struct {
	store  *featurestore.Store
	engine *strategy.Engine
	risk   *risk.Manager
	tf     int
	window int

	open map[string]openPos
}

// NewSignalStrategy builds a strategy with private component instances.
func NewSignalStrategy(cfg SignalConfig) (*SignalStrategy, error) {
	store, err := featurestore.New(cfg.Features)
	if err != nil {
		return nil, err
	}
	pred := cfg.Predictor
	if pred == nil {
		pred = predictor.NewRuleScorer()
	}
	eng, err := strategy.NewEngine(pred, cfg.Params, logger.Discard())
	if err != nil {
		return nil, err
	}
	rm, err := risk.New(cfg.Limits)
	if err != nil {
		return nil, err
	}
	rm.NewID = risk.SequentialIDs("bt")

	tf := cfg.DecisionTF
	if tf <= 0 {
		tf = store.Config().BaseTF
	}
	window := cfg.Window
	if window <= 0 {
		window = 200
	}
	return &SignalStrategy{
		store:  store,
		engine: eng,
		risk:   rm,
		tf:     tf,
		window: window,
		open:   make(map[string]openPos),
	}, nil
}

// OnBar ingests bar and returns at most one order for its symbol.
func (s *SignalStrategy) OnBar(bar model.Bar, acct Account) (model.OrderSpec, bool) {
	touched, err := s.store.Ingest(bar)
	if err != nil {
		return model.OrderSpec{}, false
	}
	sym := bar.Symbol

	if p, ok := s.open[sym]; ok {
		pos := model.Position{Symbol: sym, Quantity: p.qty}
		switch {
		case bar.Close <= p.stop:
			return s.risk.ExitOrder(pos, bar.Close, model.ExitStopLoss, bar.TS), true
		case p.target > 0 && bar.Close >= p.target:
			return s.risk.ExitOrder(pos, bar.Close, model.ExitTakeProfit, bar.TS), true
		}
	}
	if !slices.Contains(touched, s.tf) {
		return model.OrderSpec{}, false
	}

	bars := s.store.Tail(sym, s.tf, s.window)
	snap := s.store.Snapshot(sym, s.tf)
	_, has := s.open[sym]
	sig, err := s.engine.Generate(context.Background(), sym, bars, snap, has)
	if err != nil {
		return model.OrderSpec{}, false
	}
	sig = strategy.Reprice(sig, bar.Close)

	switch sig.Side {
	case model.SideBuy:
		order, err := s.risk.ManageSignal(sig, risk.Account{Available: acct.Cash(), Exposure: acct.Exposure()})
		if err != nil {
			return model.OrderSpec{}, false
		}
		return order, true
	case model.SideSell:
		p := s.open[sym]
		return s.risk.ExitOrder(model.Position{Symbol: sym, Quantity: p.qty}, bar.Close, model.ExitSignal, bar.TS), true
	}
	return model.OrderSpec{}, false
}

// OnFill updates the tracked position from an applied fill.
func (s *SignalStrategy) OnFill(f Fill) {
	if !f.Applied {
		return
	}
	switch f.Order.Side {
	case model.SideBuy:
		s.open[f.Order.Symbol] = openPos{qty: f.Order.Quantity, stop: f.Order.StopLoss, target: f.Order.TakeProfit}
	case model.SideSell:
		delete(s.open, f.Order.Symbol)
	}
}

// Store exposes the strategy's feature store for reporting.
func (s *SignalStrategy) Store() *featurestore.Store {
	return s.store
}
