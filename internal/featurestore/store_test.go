package featurestore

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"tradebot/internal/indicator"
	"tradebot/internal/model"
)

const t0 = int64(1699999800) // aligned to 300s

func bar(symbol string, i int, c float64) model.Bar {
	return model.Bar{
		Symbol: symbol,
		TF:     60,
		TS:     time.Unix(t0+int64(i)*60, 0).UTC(),
		Open:   c,
		High:   c + 1,
		Low:    c - 1,
		Close:  c,
		Volume: 100,
	}
}

func wave(i int) float64 {
	return 500 + 20*math.Sin(float64(i)/6) + float64(i%5)
}

func newStore(t *testing.T, tfs ...int) *Store {
	t.Helper()
	s, err := New(Config{TFs: tfs})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSnapshot_NeutralBelowMinBars(t *testing.T) {
	s := newStore(t)
	for i := 0; i < DefaultMinBars-1; i++ {
		if _, err := s.Ingest(bar("INFY", i, wave(i))); err != nil {
			t.Fatal(err)
		}
	}
	snap := s.Snapshot("INFY", 60)
	last := wave(DefaultMinBars - 2)
	if snap.Ready {
		t.Fatal("snapshot ready below minimum window")
	}
	if snap.RSI != 50 || snap.MACD != 0 || snap.ATR != 1 {
		t.Errorf("neutral defaults not applied: %+v", snap)
	}
	if snap.EMAShort != last || snap.EMALong != last || snap.Close != last {
		t.Errorf("EMAs should equal last close %.4f: %+v", last, snap)
	}

	s.Ingest(bar("INFY", DefaultMinBars-1, wave(DefaultMinBars-1)))
	if !s.Snapshot("INFY", 60).Ready {
		t.Error("snapshot not ready at minimum window")
	}
}

func TestSnapshot_UnknownSeries(t *testing.T) {
	s := newStore(t)
	snap := s.Snapshot("NOPE", 60)
	if snap.Bars != 0 || snap.RSI != 50 || snap.ATR != 1 || snap.Ready {
		t.Errorf("unexpected snapshot for unknown series: %+v", snap)
	}
	if _, ok := s.LastPrice("NOPE"); ok {
		t.Error("LastPrice reported a price for unknown symbol")
	}
}

func TestSnapshot_MatchesWindowFunctions(t *testing.T) {
	s := newStore(t)
	var highs, lows, closes []float64
	for i := 0; i < 120; i++ {
		b := bar("TCS", i, wave(i))
		s.Ingest(b)
		highs = append(highs, b.High)
		lows = append(lows, b.Low)
		closes = append(closes, b.Close)
	}
	snap := s.Snapshot("TCS", 60)
	p := indicator.DefaultPeriods()

	if snap.RSI != indicator.RSIOf(closes, p.RSI) {
		t.Errorf("RSI %.10f != %.10f", snap.RSI, indicator.RSIOf(closes, p.RSI))
	}
	if snap.EMAShort != indicator.EMAOf(closes, p.EMAShort) {
		t.Errorf("EMA short mismatch")
	}
	if snap.EMALong != indicator.EMAOf(closes, p.EMALong) {
		t.Errorf("EMA long mismatch")
	}
	line, sig, hist := indicator.MACDOf(closes, p.MACDFast, p.MACDSlow, p.MACDSignal)
	if snap.MACD != line || snap.MACDSignal != sig || snap.MACDHist != hist {
		t.Errorf("MACD mismatch")
	}
	if snap.ATR != indicator.ATROf(highs, lows, closes, p.ATR) {
		t.Errorf("ATR mismatch")
	}
}

func TestIngest_EqualTSReplacesTail(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 60; i++ {
		s.Ingest(bar("SBIN", i, wave(i)))
	}
	fixed := bar("SBIN", 59, 999)
	if _, err := s.Ingest(fixed); err != nil {
		t.Fatal(err)
	}
	if s.Len("SBIN", 60) != 60 {
		t.Fatalf("replacement grew the series: %d", s.Len("SBIN", 60))
	}
	if p, _ := s.LastPrice("SBIN"); p != 999 {
		t.Errorf("LastPrice = %v, want 999", p)
	}

	// Snapshot must equal a store that saw the corrected bar first time.
	ref := newStore(t)
	for i := 0; i < 59; i++ {
		ref.Ingest(bar("SBIN", i, wave(i)))
	}
	ref.Ingest(fixed)
	if got, want := s.Snapshot("SBIN", 60), ref.Snapshot("SBIN", 60); got != want {
		t.Errorf("replace snapshot diverged:\n got %+v\nwant %+v", got, want)
	}
}

func TestIngest_StaleRejected(t *testing.T) {
	s := newStore(t)
	stale := 0
	s.OnStale = func(model.Bar) { stale++ }

	s.Ingest(bar("HDFC", 5, 100))
	_, err := s.Ingest(bar("HDFC", 3, 100))
	if !errors.Is(err, ErrStaleBar) {
		t.Fatalf("expected ErrStaleBar, got %v", err)
	}
	if stale != 1 || s.Len("HDFC", 60) != 1 {
		t.Errorf("stale bar changed state: stale=%d len=%d", stale, s.Len("HDFC", 60))
	}
}

func TestIngest_RejectsInvalidAndWrongTF(t *testing.T) {
	s := newStore(t)
	b := bar("X", 0, 10)
	b.High, b.Low = 5, 6
	if _, err := s.Ingest(b); err == nil {
		t.Error("expected validation error for high < low")
	}
	b = bar("X", 0, 10)
	b.TF = 300
	if _, err := s.Ingest(b); !errors.Is(err, ErrWrongTF) {
		t.Errorf("expected ErrWrongTF, got %v", err)
	}
}

func TestIngestBatch_SortsAndDedups(t *testing.T) {
	s := newStore(t)
	batch := []model.Bar{bar("A", 2, 12), bar("A", 0, 10), bar("A", 1, 11), bar("A", 1, 42)}
	n, err := s.IngestBatch(batch)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("accepted %d, want 3", n)
	}
	bars := s.Bars("A", 60)
	if len(bars) != 3 || bars[1].Close != 42 {
		t.Fatalf("batch not sorted/deduped: %+v", bars)
	}

	// Older than tail is skipped, equal to tail replaces.
	n, _ = s.IngestBatch([]model.Bar{bar("A", 0, 1), bar("A", 2, 13)})
	if n != 1 {
		t.Errorf("accepted %d, want 1", n)
	}
	if p, _ := s.LastPrice("A"); p != 13 {
		t.Errorf("tail not replaced: %v", p)
	}
}

func TestIngest_ResamplesCoarserTF(t *testing.T) {
	s := newStore(t, 300)
	var touched5m int
	for i := 0; i < 12; i++ {
		tfs, err := s.Ingest(bar("RELIANCE", i, float64(100+i)))
		if err != nil {
			t.Fatal(err)
		}
		for _, tf := range tfs {
			if tf == 300 {
				touched5m++
			}
		}
	}
	five := s.Bars("RELIANCE", 300)
	if len(five) != 2 || touched5m != 2 {
		t.Fatalf("expected 2 complete 5m bars, got %d (touched %d)", len(five), touched5m)
	}
	if five[0].Open != 100 || five[0].Close != 104 || five[0].Volume != 500 {
		t.Errorf("wrong 5m aggregate: %+v", five[0])
	}
	if five[1].High != 110 {
		t.Errorf("wrong 5m high: %+v", five[1])
	}
}

func TestTrim_BoundsSeries(t *testing.T) {
	s, _ := New(Config{MaxBars: 100})
	for i := 0; i < 400; i++ {
		s.Ingest(bar("T", i, wave(i)))
	}
	if n := s.Len("T", 60); n < 100 || n > 125 {
		t.Errorf("series length %d outside [100, 125]", n)
	}
	tail := s.Tail("T", 60, 1)
	if len(tail) != 1 || tail[0].Close != wave(399) {
		t.Errorf("tail lost after trim: %+v", tail)
	}
}

func TestIngest_ReplaceAfterTrimKeepsStreamingState(t *testing.T) {
	s, _ := New(Config{MaxBars: 100})
	ref, _ := New(Config{MaxBars: 100})
	for i := 0; i < 399; i++ {
		s.Ingest(bar("T", i, wave(i)))
		ref.Ingest(bar("T", i, wave(i)))
	}
	s.Ingest(bar("T", 399, wave(399)))
	fixed := bar("T", 399, 700)
	if _, err := s.Ingest(fixed); err != nil {
		t.Fatal(err)
	}
	ref.Ingest(fixed)

	got, want := s.Snapshot("T", 60), ref.Snapshot("T", 60)
	if got != want {
		t.Errorf("replace after trim diverged:\n got %+v\nwant %+v", got, want)
	}

	// The EMA still carries the trimmed history.
	closes := make([]float64, 0, 400)
	for i := 0; i < 399; i++ {
		closes = append(closes, wave(i))
	}
	closes = append(closes, 700)
	if e := indicator.EMAOf(closes, indicator.DefaultPeriods().EMALong); got.EMALong != e {
		t.Errorf("EMA long %.12f, want %.12f", got.EMALong, e)
	}
}

func TestSymbols_Sorted(t *testing.T) {
	s := newStore(t, 300)
	for _, sym := range []string{"TCS", "INFY", "HDFC"} {
		s.Ingest(bar(sym, 0, 1))
	}
	got := s.Symbols()
	want := []string{"HDFC", "INFY", "TCS"}
	if len(got) != len(want) {
		t.Fatalf("Symbols() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Symbols() = %v, want %v", got, want)
		}
	}
}

func TestConcurrentReadsDuringIngest(t *testing.T) {
	s := newStore(t, 300)
	var wg sync.WaitGroup
	done := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				snap := s.Snapshot("INFY", 60)
				if snap.Ready && (snap.RSI < 0 || snap.RSI > 100) {
					t.Errorf("RSI out of range: %v", snap.RSI)
					return
				}
				_ = s.Tail("INFY", 300, 10)
			}
		}()
	}
	for i := 0; i < 500; i++ {
		s.Ingest(bar("INFY", i, wave(i)))
	}
	close(done)
	wg.Wait()
}
