package replay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"tradebot/internal/model"
)

var t0 = time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC)

type memReader struct {
	bars map[string][]model.Bar
	err  error
}

func (m *memReader) ReadBars(symbol string, tf int, afterTS int64) ([]model.Bar, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []model.Bar
	for _, b := range m.bars[symbol] {
		if b.TF == tf && b.TS.Unix() > afterTS {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memReader) Close() error { return nil }

func mk(sym string, minute int) model.Bar {
	return model.Bar{Symbol: sym, TF: 60, TS: t0.Add(time.Duration(minute) * time.Minute), Open: 1, High: 1, Low: 1, Close: 1}
}

func newReplayer(r model.BarReader) *Replayer {
	return New(r, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLoad_MergesInOrder(t *testing.T) {
	r := newReplayer(&memReader{bars: map[string][]model.Bar{
		"A": {mk("A", 0), mk("A", 2), mk("A", 3)},
		"B": {mk("B", 1), mk("B", 2)},
	}})
	bars, err := r.Load([]string{"A", "B"}, 60, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"A@0", "B@1", "A@2", "B@2", "A@3"}
	if len(bars) != len(want) {
		t.Fatalf("got %d bars", len(bars))
	}
	for i, b := range bars {
		got := b.Symbol + "@" + string(rune('0'+int(b.TS.Sub(t0)/time.Minute)))
		if got != want[i] {
			t.Errorf("bar %d = %s, want %s", i, got, want[i])
		}
	}
}

func TestLoad_FromTS(t *testing.T) {
	r := newReplayer(&memReader{bars: map[string][]model.Bar{"A": {mk("A", 0), mk("A", 1), mk("A", 2)}}})
	bars, _ := r.Load([]string{"A"}, 60, t0.Add(time.Minute).Unix())
	if len(bars) != 1 || !bars[0].TS.Equal(t0.Add(2*time.Minute)) {
		t.Errorf("got %v", bars)
	}
}

func TestLoad_ReaderError(t *testing.T) {
	boom := errors.New("disk")
	r := newReplayer(&memReader{err: boom})
	if _, err := r.Load([]string{"A"}, 60, 0); !errors.Is(err, boom) {
		t.Errorf("got %v", err)
	}
}

func TestRun_EmitsAll(t *testing.T) {
	r := newReplayer(&memReader{bars: map[string][]model.Bar{"A": {mk("A", 0), mk("A", 1), mk("A", 2)}}})
	out := make(chan model.Bar, 10)
	if err := r.Run(context.Background(), []string{"A"}, 60, 0, 0, out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Errorf("emitted %d", len(out))
	}
}

func TestRun_Cancelled(t *testing.T) {
	r := newReplayer(&memReader{bars: map[string][]model.Bar{"A": {mk("A", 0), mk("A", 60)}}})
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan model.Bar, 10)
	go func() {
		<-out
		cancel()
	}()
	// 1x speed would sleep for the capped gap; cancellation must cut it short.
	start := time.Now()
	err := r.Run(ctx, []string{"A"}, 60, 0, 1, out)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
	if time.Since(start) >= maxGap {
		t.Error("cancellation did not interrupt the sleep")
	}
}
