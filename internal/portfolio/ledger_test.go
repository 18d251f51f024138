package portfolio

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"tradebot/internal/model"
)

var t0 = time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC)

func newLedger(t *testing.T, capital float64, maxPos int) *Ledger {
	t.Helper()
	l, err := New(Config{Capital: capital, MaxPositions: maxPos})
	if err != nil {
		t.Fatal(err)
	}
	l.now = func() time.Time { return t0 }
	return l
}

func buy(symbol string, qty int64, price float64) model.Execution {
	return model.Execution{OrderID: "b-" + symbol, Symbol: symbol, Side: model.SideBuy,
		Status: model.StatusExecuted, Quantity: qty, Price: price, TS: t0}
}

func sell(symbol string, qty int64, price float64) model.Execution {
	return model.Execution{OrderID: "s-" + symbol, Symbol: symbol, Side: model.SideSell,
		Status: model.StatusExecuted, Quantity: qty, Price: price, TS: t0}
}

func TestLedger_OpenMarkClose(t *testing.T) {
	l := newLedger(t, 100000, 5)

	pos, err := l.Open(buy("INFY", 10, 1500), 1480, 1540)
	if err != nil {
		t.Fatal(err)
	}
	if pos.Quantity != 10 || l.Available() != 85000 {
		t.Fatalf("open: qty=%d available=%v", pos.Quantity, l.Available())
	}

	p, _, exit := l.Mark("INFY", 1510, t0.Add(time.Minute))
	if exit || p.UnrealizedPnL != 100 {
		t.Fatalf("mark: exit=%v pnl=%v", exit, p.UnrealizedPnL)
	}
	snap := l.Snapshot()
	if snap.MarketValue != 15100 || snap.UnrealizedPnL != 100 || snap.TotalValue != 100100 {
		t.Errorf("snapshot after mark: %+v", snap)
	}

	trade, err := l.Close(sell("INFY", 10, 1520), model.ExitSignal)
	if err != nil {
		t.Fatal(err)
	}
	if trade.PnL != 200 || trade.Proceeds != 15200 {
		t.Errorf("close: pnl=%v proceeds=%v", trade.PnL, trade.Proceeds)
	}
	snap = l.Snapshot()
	if snap.AvailableCapital != 100200 || snap.RealizedPnL != 200 || snap.OpenPositions != 0 {
		t.Errorf("snapshot after close: %+v", snap)
	}
	if got := l.Stats(); got.TotalTrades != 1 || got.WinningTrades != 1 || got.WinRate != 100 {
		t.Errorf("stats: %+v", got)
	}
}

func TestLedger_StopLossExit(t *testing.T) {
	l := newLedger(t, 100000, 5)
	l.Open(buy("TCS", 5, 100), 90, 120)

	_, reason, exit := l.Mark("TCS", 89, t0)
	if !exit || reason != model.ExitStopLoss {
		t.Fatalf("expected stop loss trigger, got exit=%v reason=%q", exit, reason)
	}
	if _, err := l.Close(sell("TCS", 5, 89), reason); err != nil {
		t.Fatal(err)
	}
	if l.Has("TCS") {
		t.Error("position not removed")
	}
	// 100000 − 500 + 445
	if l.Available() != 99945 {
		t.Errorf("available = %v, want 99945", l.Available())
	}
}

func TestLedger_StopCheckedBeforeTarget(t *testing.T) {
	l := newLedger(t, 100000, 5)
	// Degenerate geometry where both trigger: stop wins.
	l.Open(buy("X", 1, 100), 110, 105)
	if _, reason, _ := l.Mark("X", 108, t0); reason != model.ExitStopLoss {
		t.Errorf("reason = %q, want stop loss first", reason)
	}
	l2 := newLedger(t, 100000, 5)
	l2.Open(buy("Y", 1, 100), 90, 110)
	if _, reason, _ := l2.Mark("Y", 110, t0); reason != model.ExitTakeProfit {
		t.Errorf("reason = %q, want take profit", reason)
	}
}

func TestLedger_IdempotentMarks(t *testing.T) {
	l := newLedger(t, 100000, 5)
	l.Open(buy("SBIN", 7, 600.35), 590, 620)

	a, _, _ := l.Mark("SBIN", 603.1, t0)
	s1 := l.Snapshot()
	b, _, _ := l.Mark("SBIN", 603.1, t0)
	s2 := l.Snapshot()
	if a.UnrealizedPnL != b.UnrealizedPnL || s1.UnrealizedPnL != s2.UnrealizedPnL || s1.TotalValue != s2.TotalValue {
		t.Errorf("repeated mark changed state: %v vs %v", a.UnrealizedPnL, b.UnrealizedPnL)
	}
}

func TestLedger_Rejections(t *testing.T) {
	l := newLedger(t, 10000, 2)

	if _, err := l.Open(buy("A", 10, 100), 90, 120); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		fn   func() error
		want error
	}{
		{"duplicate", func() error { _, err := l.Open(buy("A", 1, 100), 90, 120); return err }, model.ErrPositionExists},
		{"insufficient", func() error { _, err := l.Open(buy("B", 100, 100), 90, 120); return err }, model.ErrInsufficientCapital},
		{"sell without position", func() error { _, err := l.Close(sell("Z", 1, 100), model.ExitSignal); return err }, model.ErrNoPositionToSell},
		{"partial close", func() error { _, err := l.Close(sell("A", 3, 100), model.ExitSignal); return err }, model.ErrInvalidAction},
		{"rejected fill", func() error {
			e := buy("C", 1, 100)
			e.Status = model.StatusRejected
			_, err := l.Open(e, 90, 120)
			return err
		}, model.ErrInvalidAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := l.Snapshot()
			if err := tt.fn(); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			if after := l.Snapshot(); after.AvailableCapital != before.AvailableCapital || after.OpenPositions != before.OpenPositions {
				t.Error("rejection mutated the ledger")
			}
		})
	}

	l.Open(buy("B", 1, 100), 90, 120)
	if err := l.CanOpen("C", 1, 100); !errors.Is(err, model.ErrMaxPositionsReached) {
		t.Errorf("expected max positions, got %v", err)
	}
}

// Random open/mark/close sequences with awkward prices must keep the
// conservation equality exact and available capital non-negative.
func TestLedger_InvariantHoldsEveryTick(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	l := newLedger(t, 200000, 5)
	symbols := []string{"INFY", "TCS", "RELIANCE", "HDFCBANK", "ICICIBANK", "SBIN"}
	prices := map[string]float64{}
	for _, s := range symbols {
		prices[s] = 100 + rng.Float64()*3000
	}

	for tick := 0; tick < 5000; tick++ {
		sym := symbols[rng.Intn(len(symbols))]
		prices[sym] *= 1 + (rng.Float64()-0.5)*0.02
		price := float64(int64(prices[sym]*100)) / 100

		switch rng.Intn(3) {
		case 0:
			l.Open(buy(sym, int64(1+rng.Intn(40)), price), price*0.97, price*1.05)
		case 1:
			if pos, reason, exit := l.Mark(sym, price, t0); exit {
				l.Close(sell(sym, pos.Quantity, price), reason)
			}
		case 2:
			if pos, ok := l.Position(sym); ok {
				l.Close(sell(sym, pos.Quantity, price), model.ExitSignal)
			}
		}
		if err := l.CheckInvariants(); err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
		if l.Snapshot().AvailableCapital < 0 {
			t.Fatalf("tick %d: negative available capital", tick)
		}
	}
}

func TestLedger_ConcurrentLoops(t *testing.T) {
	l := newLedger(t, 1e6, 5)
	var wg sync.WaitGroup
	for _, sym := range []string{"A", "B", "C", "D"} {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				l.Open(buy(sym, 3, 101.17), 90, 130)
				l.Mark(sym, 101.17+float64(i%5), t0)
				_ = l.Snapshot()
				if pos, ok := l.Position(sym); ok {
					l.Close(sell(sym, pos.Quantity, 102.03), model.ExitSignal)
				}
			}
		}(sym)
	}
	wg.Wait()
	if err := l.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestStats_Drawdown(t *testing.T) {
	s := NewStats(1000)
	s.Record(100, 1100)
	s.Record(-300, 800)
	s.Record(0, 800)
	peak, dd := s.Drawdown()
	if peak != 1100 || dd != 300 {
		t.Errorf("peak=%v dd=%v, want 1100/300", peak, dd)
	}
	p := s.Performance()
	if p.TotalTrades != 3 || p.WinningTrades != 1 || p.LosingTrades != 1 || p.TotalPnL != -200 {
		t.Errorf("performance: %+v", p)
	}
}
