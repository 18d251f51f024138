// Package strategy implements signal fusion.
//
// The Engine turns a feature snapshot plus a predictor score into a
// BUY/SELL/HOLD signal by a 3-of-4 vote. Thresholds live in an atomically
// swapped Params value so an operator reload never races a decision.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"tradebot/internal/logger"
	"tradebot/internal/model"
	"tradebot/internal/predictor"
)

// Params are the fusion thresholds and exit geometry.
type Params struct {
	RSIOversold       float64       `yaml:"rsi_oversold" json:"rsi_oversold"`
	RSIOverbought     float64       `yaml:"rsi_overbought" json:"rsi_overbought"`
	StopATRMultiplier float64       `yaml:"stop_loss_atr_multiplier" json:"stop_loss_atr_multiplier"`
	TakeProfitRatio   float64       `yaml:"take_profit_ratio" json:"take_profit_ratio"`
	ScoreThreshold    float64       `yaml:"score_threshold" json:"score_threshold"`
	VotesRequired     int           `yaml:"votes_required" json:"votes_required"`
	MinBars           int           `yaml:"min_bars" json:"min_bars"`
	PredictTimeout    time.Duration `yaml:"predict_timeout" json:"predict_timeout"`
}

// DefaultParams returns the production thresholds.
func DefaultParams() Params {
	return Params{
		RSIOversold:       30,
		RSIOverbought:     70,
		StopATRMultiplier: 2,
		TakeProfitRatio:   2,
		ScoreThreshold:    0.5,
		VotesRequired:     3,
		MinBars:           predictor.SequenceLength,
		PredictTimeout:    3 * time.Second,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.RSIOversold == 0 && p.RSIOverbought == 0 {
		p.RSIOversold, p.RSIOverbought = d.RSIOversold, d.RSIOverbought
	}
	if p.StopATRMultiplier <= 0 {
		p.StopATRMultiplier = d.StopATRMultiplier
	}
	if p.TakeProfitRatio <= 0 {
		p.TakeProfitRatio = d.TakeProfitRatio
	}
	if p.ScoreThreshold <= 0 {
		p.ScoreThreshold = d.ScoreThreshold
	}
	if p.VotesRequired <= 0 {
		p.VotesRequired = d.VotesRequired
	}
	if p.MinBars <= 0 {
		p.MinBars = d.MinBars
	}
	if p.PredictTimeout <= 0 {
		p.PredictTimeout = d.PredictTimeout
	}
	return p
}

// Validate rejects inconsistent thresholds.
func (p Params) Validate() error {
	if p.RSIOversold < 0 || p.RSIOverbought > 100 || p.RSIOversold >= p.RSIOverbought {
		return fmt.Errorf("strategy: rsi thresholds must satisfy 0 <= oversold < overbought <= 100, got %v/%v", p.RSIOversold, p.RSIOverbought)
	}
	if p.VotesRequired > 4 {
		return fmt.Errorf("strategy: votes_required %d exceeds 4 conditions", p.VotesRequired)
	}
	return nil
}

// Engine generates signals for any symbol. Safe for concurrent use.
type Engine struct {
	predictor predictor.Predictor
	params    atomic.Pointer[Params]
	log       *slog.Logger
}

// NewEngine creates a signal engine around pred.
func NewEngine(pred predictor.Predictor, params Params, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{predictor: pred, log: log}
	if err := e.SetParams(params); err != nil {
		return nil, err
	}
	return e, nil
}

// Params returns the thresholds currently in effect.
func (e *Engine) Params() Params {
	return *e.params.Load()
}

// SetParams swaps thresholds atomically after validation.
func (e *Engine) SetParams(p Params) error {
	p = p.withDefaults()
	if err := p.Validate(); err != nil {
		return err
	}
	e.params.Store(&p)
	return nil
}

// Evaluate applies the current thresholds to in.
func (e *Engine) Evaluate(in Input) model.Signal {
	return Evaluate(in, e.Params())
}

// Generate scores bars with the predictor and fuses the result with snap.
// Short windows return HOLD without calling the predictor. A predictor
// failure is returned so the caller can skip this symbol's cycle.
func (e *Engine) Generate(ctx context.Context, symbol string, bars []model.Bar, snap model.FeatureSnapshot, hasPosition bool) (model.Signal, error) {
	p := e.Params()
	in := Input{
		Symbol:      symbol,
		Bars:        len(bars),
		Snapshot:    snap,
		HasPosition: hasPosition,
		TS:          snap.TS,
	}
	if len(bars) < p.MinBars {
		return Evaluate(in, p), nil
	}

	pctx, cancel := context.WithTimeout(ctx, p.PredictTimeout)
	defer cancel()
	score, err := e.predictor.Predict(pctx, bars)
	if err != nil {
		return model.Signal{}, fmt.Errorf("strategy: predict %s: %w", symbol, err)
	}
	in.Score = score

	sig := Evaluate(in, p)
	if sig.Side != model.SideHold {
		e.log.Info("[strategy] signal",
			append(logger.LogWithTrace(ctx),
				"symbol", symbol, "side", sig.Side, "votes", sig.Votes,
				"score", score, "reason", sig.Reason)...)
	}
	return sig, nil
}
