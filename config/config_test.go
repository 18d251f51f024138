package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SYMBOLS", " infy, TCS ,infy,")
	t.Setenv("ENABLED_TFS", "300,abc,-5,900")
	t.Setenv("SIM_SEED", "7")
	t.Setenv("LOG_LEVEL", "debug")

	c := Load()
	assert.Equal(t, []string{"INFY", "TCS"}, c.ParseSymbols())
	assert.Equal(t, []int{300, 900}, c.ParseTFs())
	assert.Equal(t, int64(7), c.SimSeed)
	assert.Equal(t, "sim", c.FeedMode)
	assert.Equal(t, "debug", strings.ToLower(c.LogLevel.String()))
}

func TestDefaultTrading_MatchesProduction(t *testing.T) {
	tr := DefaultTrading()
	require.NoError(t, tr.Validate())
	assert.Equal(t, 200000.0, tr.Capital)
	assert.Equal(t, 0.01, tr.MaxRiskPerTrade)
	assert.Equal(t, 5, tr.MaxPositions)
	assert.Equal(t, 0.20, tr.PositionSizePercent)
	assert.Equal(t, 30.0, tr.RSIOversold)
	assert.Equal(t, 70.0, tr.RSIOverbought)
	assert.Equal(t, 20, tr.EMAShort)
	assert.Equal(t, 50, tr.EMALong)
	assert.Equal(t, 2.0, tr.StopLossATRMultiplier)
	assert.Equal(t, 2.0, tr.TakeProfitRatio)
	assert.Equal(t, 1.0, tr.MaxExposure)

	price, decision := tr.Intervals()
	assert.Equal(t, 2*time.Second, price)
	assert.Equal(t, 5*time.Second, decision)
}

func TestLoadTrading_YAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trading.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
capital: 100000
max_positions: 3
rsi_oversold: 25
weights:
  INFY: 0.5
decision_interval: 10s
session:
  square_off: "15:00"
`), 0o644))

	tr, err := LoadTrading(path)
	require.NoError(t, err)
	assert.Equal(t, 100000.0, tr.Capital)
	assert.Equal(t, 3, tr.MaxPositions)
	assert.Equal(t, 25.0, tr.Params().RSIOversold)
	assert.Equal(t, 70.0, tr.Params().RSIOverbought, "unset keys keep defaults")
	assert.Equal(t, 0.5, tr.Limits().Weight("INFY"))
	assert.Equal(t, 10*time.Second, tr.DecisionInterval)

	s, err := tr.SessionWindow()
	require.NoError(t, err)
	assert.Equal(t, 15*60, s.SquareOff)
	assert.Equal(t, 20, tr.Periods().EMAShort)
}

func TestTrading_ValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Trading)
		want   string
	}{
		{"zero positions", func(t *Trading) { t.MaxPositions = 0 }, "max_positions"},
		{"ema order", func(t *Trading) { t.EMAShort = 60 }, "ema periods"},
		{"negative capital", func(t *Trading) { t.Capital = -1 }, "capital"},
		{"rsi inverted", func(t *Trading) { t.RSIOversold = 80 }, "rsi"},
		{"bad clock", func(t *Trading) { t.Session.Open = "9am" }, "bad clock"},
		{"bad weight", func(t *Trading) { t.Weights = map[string]float64{"TCS": 0} }, "weight"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := DefaultTrading()
			tt.mutate(&tr)
			err := tr.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadTrading_MissingFile(t *testing.T) {
	_, err := LoadTrading(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestTrading_RestartRequired(t *testing.T) {
	prev := DefaultTrading()
	next := prev
	next.RSIOversold = 20
	next.MaxPositions = 2
	assert.Empty(t, next.RestartRequired(prev))

	next.EMAShort = 10
	next.Session.AlwaysOpen = true
	assert.Equal(t, []string{"ema_short/ema_long", "session"}, next.RestartRequired(prev))

	s := next.EngineSettings()
	assert.Equal(t, 2, s.MaxPositions)
	assert.Equal(t, 20.0, s.Params.RSIOversold)
	require.NoError(t, s.Validate())
}
