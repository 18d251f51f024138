package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"tradebot/internal/execution"
	"tradebot/internal/featurestore"
	"tradebot/internal/indicator"
	"tradebot/internal/markethours"
	"tradebot/internal/metrics"
	"tradebot/internal/model"
	"tradebot/internal/notification"
	"tradebot/internal/portfolio"
	"tradebot/internal/risk"
	"tradebot/internal/strategy"
)

var t0 = time.Date(2026, 3, 2, 3, 45, 0, 0, time.UTC)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func assertClose(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

// scorePred returns a per-symbol score or error.
type scorePred struct {
	mu    sync.Mutex
	score map[string]float64
	err   map[string]error
}

func (p *scorePred) set(sym string, score float64) {
	p.mu.Lock()
	p.score[sym] = score
	p.mu.Unlock()
}

func (p *scorePred) Predict(_ context.Context, bars []model.Bar) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sym := bars[len(bars)-1].Symbol
	if err := p.err[sym]; err != nil {
		return 0, err
	}
	return p.score[sym], nil
}

type memJournal struct {
	mu        sync.Mutex
	trades    []model.TradeRecord
	positions map[string]model.Position
	logs      []model.LogEvent
}

func (j *memJournal) RecordTrade(t model.TradeRecord) {
	j.mu.Lock()
	j.trades = append(j.trades, t)
	j.mu.Unlock()
}

func (j *memJournal) UpsertPosition(p model.Position) {
	j.mu.Lock()
	j.positions[p.Symbol] = p
	j.mu.Unlock()
}

func (j *memJournal) DeletePosition(symbol string) {
	j.mu.Lock()
	delete(j.positions, symbol)
	j.mu.Unlock()
}

func (j *memJournal) Log(ev model.LogEvent) {
	j.mu.Lock()
	j.logs = append(j.logs, ev)
	j.mu.Unlock()
}

func (j *memJournal) tradeList() []model.TradeRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]model.TradeRecord(nil), j.trades...)
}

type memNotifier struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (n *memNotifier) Send(_ context.Context, a notification.Alert) error {
	n.mu.Lock()
	n.alerts = append(n.alerts, a)
	n.mu.Unlock()
	return nil
}

func (n *memNotifier) levels() []notification.AlertLevel {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notification.AlertLevel
	for _, a := range n.alerts {
		out = append(out, a.Level)
	}
	return out
}

type harness struct {
	eng     *Engine
	pred    *scorePred
	journal *memJournal
	notify  *memNotifier
	m       *metrics.Metrics
}

// newHarness builds an engine over flat 100-priced bars. Equal EMA and
// MACD periods keep those votes silent, so with one vote required the
// predictor score alone decides BUY and SELL.
func newHarness(t *testing.T, symbols ...string) *harness {
	t.Helper()
	store, err := featurestore.New(featurestore.Config{
		BaseTF:  60,
		Periods: indicator.Periods{EMAShort: 20, EMALong: 20, MACDFast: 26, MACDSlow: 26},
	})
	if err != nil {
		t.Fatal(err)
	}
	params := strategy.DefaultParams()
	params.VotesRequired = 1
	limits := risk.DefaultLimits()
	limits.Capital = 100000

	h := &harness{
		pred:    &scorePred{score: map[string]float64{}, err: map[string]error{}},
		journal: &memJournal{positions: map[string]model.Position{}},
		notify:  &memNotifier{},
		m:       metrics.NewMetrics(prometheus.NewRegistry()),
	}
	h.eng, err = New(Config{
		Symbols:          symbols,
		PriceInterval:    5 * time.Millisecond,
		DecisionInterval: 5 * time.Millisecond,
		Settings:         Settings{Params: params, Limits: limits, MaxPositions: 5},
		StartRunning:     true,
	}, Deps{
		Store:     store,
		Predictor: h.pred,
		Broker:    execution.NewPaperBroker(0, quiet()),
		Journal:   h.journal,
		Notifier:  h.notify,
		Metrics:   h.m,
		Session:   markethours.Session{AlwaysOpen: true},
		Now:       func() time.Time { return t0 },
		Logger:    quiet(),
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, sym := range symbols {
		for i := 0; i < 60; i++ {
			h.bar(t, sym, i, 100)
		}
	}
	return h
}

func (h *harness) bar(t *testing.T, sym string, i int, close float64) {
	t.Helper()
	b := model.Bar{Symbol: sym, TF: 60, TS: t0.Add(time.Duration(i) * time.Minute),
		Open: close, High: close + 1, Low: close - 1, Close: close, Volume: 10}
	if _, err := h.eng.OnBar(b); err != nil {
		t.Fatal(err)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	store, _ := featurestore.New(featurestore.Config{})
	settings := Settings{Params: strategy.DefaultParams(), Limits: risk.DefaultLimits(), MaxPositions: 5}
	if _, err := New(Config{Symbols: []string{"X"}, Settings: settings}, Deps{Store: store}); err == nil {
		t.Error("missing predictor and broker accepted")
	}
	deps := Deps{Store: store, Predictor: &scorePred{}, Broker: execution.NewPaperBroker(0, quiet())}
	if _, err := New(Config{Symbols: []string{"X"}, DecisionTF: 300, Settings: settings}, deps); err == nil {
		t.Error("decision TF outside the store accepted")
	}
	if _, err := New(Config{Symbols: []string{"X"}, Settings: Settings{Params: settings.Params, Limits: settings.Limits}}, deps); err == nil {
		t.Error("zero max positions accepted")
	}
}

func TestDecisionCycle_OpensOnBuy(t *testing.T) {
	h := newHarness(t, "INFY")
	var events []Event
	h.eng.Subscribe(func(ev Event) { events = append(events, ev) })
	h.pred.set("INFY", 1.0)

	if err := h.eng.DecisionCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	pos, ok := h.eng.Ledger().Position("INFY")
	if !ok {
		t.Fatal("no position opened")
	}
	// ATR 2, stop 100 − 2×2 = 96, target 100 + 4×2 = 108.
	// qty = floor(min(20000, 1000/4) / 100) = 2.
	if pos.Quantity != 2 || pos.EntryPrice != 100 || pos.StopLoss != 96 || pos.TakeProfit != 108 {
		t.Errorf("position = %+v", pos)
	}
	assertClose(t, "available", h.eng.Portfolio().AvailableCapital, 100000-200)

	trades := h.journal.tradeList()
	if len(trades) != 1 || trades[0].Side != model.SideBuy || trades[0].Signals["votes"] != 1 {
		t.Fatalf("journal trades = %+v", trades)
	}
	if _, ok := h.journal.positions["INFY"]; !ok {
		t.Error("position not upserted")
	}
	if sig := h.eng.Signals()["INFY"]; sig.Side != model.SideBuy {
		t.Errorf("latest signal = %s", sig.Side)
	}

	var sawTrade bool
	for _, ev := range events {
		if ev.Type == EventTrade {
			sawTrade = true
		}
	}
	if !sawTrade {
		t.Error("no trade event emitted")
	}
	if got := testutil.ToFloat64(h.m.Orders.WithLabelValues("BUY", "EXECUTED")); got != 1 {
		t.Errorf("orders metric = %v", got)
	}

	// A second cycle with the same score holds: BUY needs no position.
	if err := h.eng.DecisionCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(h.journal.tradeList()); n != 1 {
		t.Errorf("trades after second cycle = %d", n)
	}
}

func TestPriceCycle_StopLossExit(t *testing.T) {
	h := newHarness(t, "TCS")
	h.pred.set("TCS", 1.0)
	if err := h.eng.DecisionCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.bar(t, "TCS", 60, 95) // below the stop at 96
	if err := h.eng.PriceCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	if h.eng.Ledger().Has("TCS") {
		t.Fatal("position survived its stop")
	}
	st := h.eng.Portfolio()
	assertClose(t, "available", st.AvailableCapital, 100000-10)
	assertClose(t, "realized", st.RealizedPnL, -10)
	if err := h.eng.Ledger().CheckInvariants(); err != nil {
		t.Fatal(err)
	}

	trades := h.journal.tradeList()
	last := trades[len(trades)-1]
	if last.Side != model.SideSell || last.Reason != string(model.ExitStopLoss) || last.PnL != -10 {
		t.Errorf("exit trade = %+v", last)
	}
	if _, ok := h.journal.positions["TCS"]; ok {
		t.Error("position not deleted from journal")
	}
	if got := testutil.ToFloat64(h.m.Exits.WithLabelValues(string(model.ExitStopLoss))); got != 1 {
		t.Errorf("exit metric = %v", got)
	}
}

func TestDecisionCycle_SignalExitBelowStopBooksStopLoss(t *testing.T) {
	h := newHarness(t, "TCS")
	h.pred.set("TCS", 1.0)
	if err := h.eng.DecisionCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.bar(t, "TCS", 60, 95) // below the stop at 96, no price cycle yet
	h.pred.set("TCS", -1.0)
	if err := h.eng.DecisionCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	if h.eng.Ledger().Has("TCS") {
		t.Fatal("position not closed")
	}
	trades := h.journal.tradeList()
	last := trades[len(trades)-1]
	if last.Side != model.SideSell || last.Reason != string(model.ExitStopLoss) || last.Price != 95 {
		t.Errorf("exit trade = %+v", last)
	}
	if got := testutil.ToFloat64(h.m.Exits.WithLabelValues(string(model.ExitSignal))); got != 0 {
		t.Errorf("signal exits = %v", got)
	}
}

func TestDecisionCycle_SignalExitAboveTargetBooksTakeProfit(t *testing.T) {
	h := newHarness(t, "TCS")
	h.pred.set("TCS", 1.0)
	h.eng.DecisionCycle(context.Background())

	h.bar(t, "TCS", 60, 110) // above the target at 108
	h.pred.set("TCS", -1.0)
	if err := h.eng.DecisionCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	trades := h.journal.tradeList()
	if last := trades[len(trades)-1]; last.Reason != string(model.ExitTakeProfit) {
		t.Errorf("exit reason = %q", last.Reason)
	}
}

func TestPriceCycle_MarkIsIdempotent(t *testing.T) {
	h := newHarness(t, "INFY")
	h.pred.set("INFY", 1.0)
	h.eng.DecisionCycle(context.Background())
	h.bar(t, "INFY", 60, 101)

	h.eng.PriceCycle(context.Background())
	first := h.eng.Portfolio().UnrealizedPnL
	h.eng.PriceCycle(context.Background())
	if got := h.eng.Portfolio().UnrealizedPnL; got != first || first != 2 {
		t.Errorf("unrealized %v then %v, want 2 twice", first, got)
	}
}

func TestStop_BlocksEntriesButNotExits(t *testing.T) {
	h := newHarness(t, "INFY", "TCS")
	h.pred.set("INFY", 1.0)
	h.eng.DecisionCycle(context.Background())
	if !h.eng.Ledger().Has("INFY") {
		t.Fatal("setup: no INFY position")
	}

	h.eng.Stop()
	h.pred.set("TCS", 1.0)
	h.pred.set("INFY", -1.0)
	if err := h.eng.DecisionCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	if h.eng.Ledger().Has("TCS") {
		t.Error("stopped engine opened a position")
	}
	if h.eng.Ledger().Has("INFY") {
		t.Error("signal exit blocked by stop")
	}
	trades := h.journal.tradeList()
	if last := trades[len(trades)-1]; last.Reason != string(model.ExitSignal) {
		t.Errorf("exit reason = %q", last.Reason)
	}
}

func TestDecisionCycle_PredictorFailureIsolated(t *testing.T) {
	h := newHarness(t, "INFY", "TCS")
	h.pred.err["INFY"] = errors.New("model unavailable")
	h.pred.set("TCS", 1.0)

	if err := h.eng.DecisionCycle(context.Background()); err != nil {
		t.Fatalf("cycle aborted: %v", err)
	}
	if !h.eng.Ledger().Has("TCS") {
		t.Error("healthy symbol skipped after another failed")
	}
}

func TestManualTrade(t *testing.T) {
	h := newHarness(t, "RELIANCE")

	if _, err := h.eng.ManualTrade(context.Background(), "reliance", model.SideSell); !errors.Is(err, model.ErrNoPositionToSell) {
		t.Errorf("sell without position: %v", err)
	}
	if _, err := h.eng.ManualTrade(context.Background(), "NOPE", model.SideBuy); err == nil {
		t.Error("unknown symbol accepted")
	}

	buy, err := h.eng.ManualTrade(context.Background(), "RELIANCE", model.SideBuy)
	if err != nil {
		t.Fatal(err)
	}
	if buy.Position.Quantity != 2 {
		t.Errorf("manual qty = %d", buy.Position.Quantity)
	}
	if _, err := h.eng.ManualTrade(context.Background(), "RELIANCE", model.SideBuy); !errors.Is(err, model.ErrPositionExists) {
		t.Errorf("second buy: %v", err)
	}

	h.bar(t, "RELIANCE", 60, 103)
	sell, err := h.eng.ManualTrade(context.Background(), "RELIANCE", model.SideSell)
	if err != nil {
		t.Fatal(err)
	}
	if sell.Reason != model.ExitManual {
		t.Errorf("reason = %q", sell.Reason)
	}
	assertClose(t, "pnl", sell.PnL, 6)
	perf := h.eng.Performance()
	if perf.TotalTrades != 1 || perf.WinningTrades != 1 {
		t.Errorf("performance = %+v", perf)
	}
}

func TestManualTrade_ConcurrentBuysOpenOnce(t *testing.T) {
	h := newHarness(t, "HDFCBANK")

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, exists int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.eng.ManualTrade(context.Background(), "HDFCBANK", model.SideBuy)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, model.ErrPositionExists):
				exists++
			default:
				t.Errorf("unexpected: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || exists != 7 {
		t.Errorf("ok=%d exists=%d, want 1/7", ok, exists)
	}
	if err := h.eng.Ledger().CheckInvariants(); err != nil {
		t.Fatal(err)
	}
	assertClose(t, "available", h.eng.Portfolio().AvailableCapital, 100000-200)
}

func TestReconfigure(t *testing.T) {
	h := newHarness(t, "INFY")
	s := h.eng.Settings()

	bad := s
	bad.Limits.Capital = 1
	if err := h.eng.Reconfigure(bad); err == nil {
		t.Error("capital change accepted")
	}
	bad = s
	bad.Params.RSIOversold = 90
	if err := h.eng.Reconfigure(bad); err == nil {
		t.Error("inverted RSI thresholds accepted")
	}
	if h.eng.Settings().Params.RSIOversold != 30 {
		t.Error("failed reload partially applied")
	}

	s.MaxPositions = 1
	s.Params.RSIOversold = 25
	if err := h.eng.Reconfigure(s); err != nil {
		t.Fatal(err)
	}
	if got := h.eng.Settings(); got.MaxPositions != 1 || got.Params.RSIOversold != 25 {
		t.Errorf("settings = %+v", got)
	}
}

func TestRun_HaltsOnInvariantViolation(t *testing.T) {
	h := newHarness(t, "INFY")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.eng.Run(ctx, nil) }()

	inv := &portfolio.InvariantError{Detail: "available capital negative"}
	if err := h.eng.checkFatal(inv); !errors.As(err, &inv) {
		t.Fatalf("checkFatal = %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrHalted) {
			t.Errorf("Run = %v, want ErrHalted", err)
		}
	case <-ctx.Done():
		t.Fatal("Run did not stop after halt")
	}

	if !h.eng.Halted() || h.eng.Running() {
		t.Error("engine still trading")
	}
	if err := h.eng.Start(); !errors.Is(err, ErrHalted) {
		t.Errorf("Start after halt = %v", err)
	}
	if _, err := h.eng.ManualTrade(context.Background(), "INFY", model.SideBuy); !errors.Is(err, ErrHalted) {
		t.Errorf("manual trade after halt = %v", err)
	}
	levels := h.notify.levels()
	if len(levels) == 0 || levels[len(levels)-1] != notification.AlertCritical {
		t.Errorf("alerts = %v, want a CRITICAL", levels)
	}
	if st := h.eng.Status(); st.HaltReason == "" {
		t.Error("halt reason not reported")
	}
}

func TestRun_KeepsIngestingAfterHalt(t *testing.T) {
	h := newHarness(t, "INFY")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bars := make(chan model.Bar)

	done := make(chan error, 1)
	go func() { done <- h.eng.Run(ctx, bars) }()

	h.eng.checkFatal(&portfolio.InvariantError{Detail: "available capital negative"})
	time.Sleep(20 * time.Millisecond) // let both loops observe the halt

	for i := 0; i < 5; i++ {
		b := model.Bar{Symbol: "INFY", TF: 60, TS: t0.Add(time.Duration(60+i) * time.Minute),
			Open: 100, High: 102, Low: 99, Close: 101 + float64(i), Volume: 1}
		select {
		case bars <- b:
		case <-time.After(time.Second):
			t.Fatalf("bar %d not consumed after halt", i)
		}
	}
	select {
	case err := <-done:
		t.Fatalf("Run returned while the feed is open: %v", err)
	default:
	}

	cancel()
	if err := <-done; !errors.Is(err, ErrHalted) {
		t.Errorf("Run = %v, want ErrHalted", err)
	}
	if p, _ := h.eng.store.LastPrice("INFY"); p != 105 {
		t.Errorf("last price = %v, want 105", p)
	}
}

func TestRun_ConsumesFeedAndStops(t *testing.T) {
	h := newHarness(t, "INFY")
	ctx, cancel := context.WithCancel(context.Background())
	bars := make(chan model.Bar)

	done := make(chan error, 1)
	go func() { done <- h.eng.Run(ctx, bars) }()

	bars <- model.Bar{Symbol: "INFY", TF: 60, TS: t0.Add(60 * time.Minute),
		Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1}
	bars <- model.Bar{Symbol: "INFY", TF: 60, TS: t0, Open: 1, High: 1, Low: 1, Close: 1} // stale
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Run = %v", err)
	}
	if p, _ := h.eng.store.LastPrice("INFY"); p != 100.5 {
		t.Errorf("last price = %v", p)
	}
	if got := testutil.ToFloat64(h.m.StaleBars); got != 1 {
		t.Errorf("stale bars = %v", got)
	}
}

func TestEntriesBlockedOutsideSession(t *testing.T) {
	h := newHarness(t, "INFY")
	h.eng.session = markethours.NSE() // t0 is 09:15 IST on a Monday
	h.eng.now = func() time.Time { return t0.Add(6*time.Hour + 5*time.Minute) } // 15:20 IST, after square-off
	h.pred.set("INFY", 1.0)

	if err := h.eng.DecisionCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.eng.Ledger().Has("INFY") {
		t.Error("entry after square-off")
	}
	if got := testutil.ToFloat64(h.m.MarketState); got != 2 {
		t.Errorf("market state = %v, want exits-only", got)
	}
}
