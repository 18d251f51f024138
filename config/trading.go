package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"tradebot/internal/engine"
	"tradebot/internal/indicator"
	"tradebot/internal/markethours"
	"tradebot/internal/risk"
	"tradebot/internal/strategy"
)

// Trading holds the operator-tunable trading parameters.
type Trading struct {
	Capital             float64            `yaml:"capital" json:"capital"`
	MaxRiskPerTrade     float64            `yaml:"max_risk_per_trade" json:"max_risk_per_trade"`
	MaxPositions        int                `yaml:"max_positions" json:"max_positions"`
	PositionSizePercent float64            `yaml:"position_size_percent" json:"position_size_percent"`
	MaxExposure         float64            `yaml:"max_exposure" json:"max_exposure"`
	Weights             map[string]float64 `yaml:"weights" json:"weights,omitempty"`

	RSIOversold           float64 `yaml:"rsi_oversold" json:"rsi_oversold"`
	RSIOverbought         float64 `yaml:"rsi_overbought" json:"rsi_overbought"`
	EMAShort              int     `yaml:"ema_short" json:"ema_short"`
	EMALong               int     `yaml:"ema_long" json:"ema_long"`
	StopLossATRMultiplier float64 `yaml:"stop_loss_atr_multiplier" json:"stop_loss_atr_multiplier"`
	TakeProfitRatio       float64 `yaml:"take_profit_ratio" json:"take_profit_ratio"`
	ScoreThreshold        float64 `yaml:"score_threshold" json:"score_threshold"`
	VotesRequired         int     `yaml:"votes_required" json:"votes_required"`
	MinBars               int     `yaml:"min_bars" json:"min_bars"`

	// DecisionTF is the series the vote runs on, in seconds.
	DecisionTF       int           `yaml:"decision_tf" json:"decision_tf"`
	PriceInterval    time.Duration `yaml:"price_interval" json:"price_interval"`
	DecisionInterval time.Duration `yaml:"decision_interval" json:"decision_interval"`
	PredictTimeout   time.Duration `yaml:"predict_timeout" json:"predict_timeout"`

	Session SessionConfig `yaml:"session" json:"session"`
}

// SessionConfig is the trading window in exchange-local "HH:MM".
type SessionConfig struct {
	Open       string `yaml:"open" json:"open"`
	Close      string `yaml:"close" json:"close"`
	SquareOff  string `yaml:"square_off" json:"square_off"`
	AlwaysOpen bool   `yaml:"always_open" json:"always_open"`
}

// DefaultTrading returns the production defaults.
func DefaultTrading() Trading {
	p := strategy.DefaultParams()
	l := risk.DefaultLimits()
	ind := indicator.DefaultPeriods()
	return Trading{
		Capital:               l.Capital,
		MaxRiskPerTrade:       l.MaxRiskPerTrade,
		MaxPositions:          5,
		PositionSizePercent:   l.PositionSizePercent,
		MaxExposure:           l.MaxExposure,
		RSIOversold:           p.RSIOversold,
		RSIOverbought:         p.RSIOverbought,
		EMAShort:              ind.EMAShort,
		EMALong:               ind.EMALong,
		StopLossATRMultiplier: p.StopATRMultiplier,
		TakeProfitRatio:       p.TakeProfitRatio,
		ScoreThreshold:        p.ScoreThreshold,
		VotesRequired:         p.VotesRequired,
		MinBars:               p.MinBars,
		DecisionTF:            60,
		PriceInterval:         2 * time.Second,
		DecisionInterval:      5 * time.Second,
		PredictTimeout:        p.PredictTimeout,
		Session: SessionConfig{
			Open:      "09:15",
			Close:     "15:30",
			SquareOff: "15:15",
		},
	}
}

// LoadTrading reads path over the defaults. An empty path returns the
// defaults.
func LoadTrading(path string) (Trading, error) {
	t := DefaultTrading()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("config: %s: %w", path, err)
	}
	return t, nil
}

// Validate rejects out-of-range values.
func (t Trading) Validate() error {
	var errs []error
	if t.MaxPositions <= 0 {
		errs = append(errs, fmt.Errorf("max_positions must be positive, got %d", t.MaxPositions))
	}
	if t.EMAShort <= 0 || t.EMALong <= 0 || t.EMAShort >= t.EMALong {
		errs = append(errs, fmt.Errorf("ema periods must satisfy 0 < short < long, got %d/%d", t.EMAShort, t.EMALong))
	}
	if t.DecisionTF <= 0 {
		errs = append(errs, fmt.Errorf("decision_tf must be positive, got %d", t.DecisionTF))
	}
	if t.PriceInterval < 0 || t.DecisionInterval < 0 {
		errs = append(errs, errors.New("loop intervals must not be negative"))
	}
	if err := t.Limits().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := t.Params().Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := t.SessionWindow(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Params returns the signal fusion thresholds.
func (t Trading) Params() strategy.Params {
	return strategy.Params{
		RSIOversold:       t.RSIOversold,
		RSIOverbought:     t.RSIOverbought,
		StopATRMultiplier: t.StopLossATRMultiplier,
		TakeProfitRatio:   t.TakeProfitRatio,
		ScoreThreshold:    t.ScoreThreshold,
		VotesRequired:     t.VotesRequired,
		MinBars:           t.MinBars,
		PredictTimeout:    t.PredictTimeout,
	}
}

// Limits returns the risk limits.
func (t Trading) Limits() risk.Limits {
	return risk.Limits{
		Capital:             t.Capital,
		MaxRiskPerTrade:     t.MaxRiskPerTrade,
		PositionSizePercent: t.PositionSizePercent,
		MaxExposure:         t.MaxExposure,
		StopATRMultiplier:   t.StopLossATRMultiplier,
		Weights:             t.Weights,
	}
}

// Periods returns the indicator periods; MACD and ATR keep their defaults.
func (t Trading) Periods() indicator.Periods {
	p := indicator.DefaultPeriods()
	p.EMAShort = t.EMAShort
	p.EMALong = t.EMALong
	return p
}

// SessionWindow parses the session clock strings.
func (t Trading) SessionWindow() (markethours.Session, error) {
	s := markethours.NSE()
	s.AlwaysOpen = t.Session.AlwaysOpen
	for _, f := range []struct {
		v   string
		dst *int
	}{
		{t.Session.Open, &s.Open},
		{t.Session.Close, &s.Close},
		{t.Session.SquareOff, &s.SquareOff},
	} {
		if f.v == "" {
			continue
		}
		m, err := markethours.ParseClock(f.v)
		if err != nil {
			return s, err
		}
		*f.dst = m
	}
	if s.Open >= s.Close {
		return s, fmt.Errorf("session open %s must precede close %s", t.Session.Open, t.Session.Close)
	}
	return s, nil
}

// Intervals returns the price and decision loop periods with defaults.
func (t Trading) Intervals() (price, decision time.Duration) {
	return durationOr(t.PriceInterval, 2*time.Second), durationOr(t.DecisionInterval, 5*time.Second)
}

// EngineSettings returns the hot-reloadable subset used by the engine.
func (t Trading) EngineSettings() engine.Settings {
	return engine.Settings{
		Params:       t.Params(),
		Limits:       t.Limits(),
		MaxPositions: t.MaxPositions,
	}
}

// RestartRequired lists fields that differ from prev and only take effect
// on restart.
func (t Trading) RestartRequired(prev Trading) []string {
	var out []string
	if t.Capital != prev.Capital {
		out = append(out, "capital")
	}
	if t.EMAShort != prev.EMAShort || t.EMALong != prev.EMALong {
		out = append(out, "ema_short/ema_long")
	}
	if t.DecisionTF != prev.DecisionTF {
		out = append(out, "decision_tf")
	}
	if t.PriceInterval != prev.PriceInterval || t.DecisionInterval != prev.DecisionInterval {
		out = append(out, "loop intervals")
	}
	if t.Session != prev.Session {
		out = append(out, "session")
	}
	return out
}
