package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot/internal/model"
)

func newManager(t *testing.T, mutate func(*Limits)) *Manager {
	t.Helper()
	l := DefaultLimits()
	if mutate != nil {
		mutate(&l)
	}
	m, err := New(l)
	require.NoError(t, err)
	return m
}

func TestQuantity_WorkedExample(t *testing.T) {
	// stop_distance = 5×2 = 10; position_value = 40000; max_risk = 2000
	// qty = floor(min(40000, 2000/10) / 100) = 2
	m := newManager(t, nil)
	assert.Equal(t, int64(2), m.Quantity("INFY", 100, 5))
}

func TestQuantity_FloorClampsToOne(t *testing.T) {
	m := newManager(t, nil)
	// max_risk/stop = 2000/1000 = 2; 2/500 floors to 0 → clamped to 1
	assert.Equal(t, int64(1), m.Quantity("TCS", 500, 500))
}

func TestQuantity_WeightLookedUpBySymbol(t *testing.T) {
	m := newManager(t, func(l *Limits) {
		l.MaxRiskPerTrade = 1 // capital cap binds
		l.Weights = map[string]float64{"INFY": 0.5}
	})
	// position_value = 200000 × 0.2 × w
	assert.Equal(t, int64(200), m.Quantity("INFY", 100, 0.01))
	assert.Equal(t, int64(400), m.Quantity("TCS", 100, 0.01), "unlisted symbol must weigh 1")
}

func TestSize(t *testing.T) {
	m := newManager(t, nil)
	assert.InDelta(t, 200.0, m.Size(100, 90), 1e-9)
	assert.InDelta(t, 200.0, m.Size(90, 100), 1e-9)
	assert.Zero(t, m.Size(100, 100))
}

func TestCheckExposure_Veto(t *testing.T) {
	m := newManager(t, func(l *Limits) {
		l.Capital = 100000
		l.MaxExposure = 0.2
	})
	err := m.CheckExposure(10000, 15000)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrExceedsMaxExposure))

	assert.NoError(t, m.CheckExposure(5000, 15000), "0.20 is within the cap")
}

func buySignal() model.Signal {
	return model.Signal{
		Symbol: "INFY", Side: model.SideBuy,
		Price: 100, Stop: 90, Target: 120,
		Reason: "bullish", TS: time.Unix(1700000000, 0),
	}
}

func TestManageSignal(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.Signal)
		acct   Account
		want   error
	}{
		{"missing price", func(s *model.Signal) { s.Price = 0 }, Account{Available: 1e6}, model.ErrMissingPriceOrStop},
		{"missing stop", func(s *model.Signal) { s.Stop = 0 }, Account{Available: 1e6}, model.ErrMissingPriceOrStop},
		{"stop above price", func(s *model.Signal) { s.Stop = 110 }, Account{Available: 1e6}, model.ErrInvalidAction},
		{"stop at price", func(s *model.Signal) { s.Stop = 100 }, Account{Available: 1e6}, model.ErrInvalidAction},
		{"negative stop from wide ATR", func(s *model.Signal) { s.Price, s.Stop = 5, -3 }, Account{Available: 1e6}, model.ErrInvalidAction},
		{"sell is invalid", func(s *model.Signal) { s.Side = model.SideSell }, Account{Available: 1e6}, model.ErrInvalidAction},
		{"insufficient capital", nil, Account{Available: 100}, model.ErrInsufficientCapital},
		{"exposure veto", nil, Account{Available: 1e6, Exposure: 199990}, model.ErrExceedsMaxExposure},
	}
	m := newManager(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := buySignal()
			if tt.mutate != nil {
				tt.mutate(&sig)
			}
			_, err := m.ManageSignal(sig, tt.acct)
			assert.ErrorIs(t, err, tt.want)
			var re *model.RejectError
			if assert.ErrorAs(t, err, &re) {
				assert.Equal(t, "INFY", re.Symbol)
			}
		})
	}
}

func TestManageSignal_OrderSpec(t *testing.T) {
	m := newManager(t, nil)
	m.NewID = SequentialIDs("T")

	order, err := m.ManageSignal(buySignal(), Account{Available: 200000})
	require.NoError(t, err)
	// stop distance 10 → 2000/10 = 200 → floor(200/100) = 2
	assert.Equal(t, int64(2), order.Quantity)
	assert.Equal(t, "T-1", order.ID)
	assert.Equal(t, 90.0, order.StopLoss)
	assert.Equal(t, 120.0, order.TakeProfit)
	assert.Equal(t, model.SideBuy, order.Side)
}

func TestExitOrder(t *testing.T) {
	m := newManager(t, nil)
	pos := model.Position{Symbol: "TCS", Quantity: 7, EntryPrice: 3500}
	order := m.ExitOrder(pos, 3450, model.ExitStopLoss, time.Unix(1, 0))
	assert.Equal(t, model.SideSell, order.Side)
	assert.Equal(t, int64(7), order.Quantity)
	assert.Equal(t, "stop loss hit", order.Reason)
	assert.NotEmpty(t, order.ID)
}

func TestSetLimits_RejectsInvalid(t *testing.T) {
	m := newManager(t, nil)
	assert.Error(t, m.SetLimits(Limits{}))
	assert.Error(t, m.SetLimits(Limits{
		Capital: 1, MaxRiskPerTrade: 0.1, PositionSizePercent: 0.1, MaxExposure: 1, StopATRMultiplier: 1,
		Weights: map[string]float64{"X": -1},
	}))
	assert.Equal(t, 200000.0, m.Limits().Capital, "rejected limits must not apply")
}

func TestManageSignal_NegativeStopDetail(t *testing.T) {
	m := newManager(t, nil)
	sig := buySignal()
	sig.Price, sig.Stop = 5, -3
	_, err := m.ManageSignal(sig, Account{Available: 1e6})
	var re *model.RejectError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, model.RejectInvalidAction, re.Reason)
	assert.Contains(t, re.Detail, "stop -3.00")
}

func TestDefaultLimits_ExposureAdmitsFullBook(t *testing.T) {
	// Five positions at 20% each commit the whole capital; the default cap
	// must not veto the fifth.
	m := newManager(t, nil)
	l := m.Limits()
	slot := l.Capital * l.PositionSizePercent
	assert.NoError(t, m.CheckExposure(slot, 4*slot))
	assert.ErrorIs(t, m.CheckExposure(slot+1, 4*slot), model.ErrExceedsMaxExposure)
}
