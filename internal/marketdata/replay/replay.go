// Package replay loads stored bars in timestamp order and emits them at a
// configurable speed, for backtests and for warming the feature store.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"tradebot/internal/model"
)

// maxGap caps a single scaled sleep between bars.
const maxGap = 5 * time.Second

// Replayer reads historical bars through a BarReader.
type Replayer struct {
	reader model.BarReader
	log    *slog.Logger
}

// New creates a Replayer backed by reader.
func New(reader model.BarReader, log *slog.Logger) *Replayer {
	if log == nil {
		log = slog.Default()
	}
	return &Replayer{reader: reader, log: log}
}

// Load returns every bar for symbols at tf after fromTS (Unix seconds),
// merged into non-decreasing TS order. Bars sharing a timestamp keep the
// order of symbols.
func (r *Replayer) Load(symbols []string, tf int, fromTS int64) ([]model.Bar, error) {
	var all []model.Bar
	for _, sym := range symbols {
		bars, err := r.reader.ReadBars(sym, tf, fromTS)
		if err != nil {
			return nil, fmt.Errorf("replay: read %s tf=%d: %w", sym, tf, err)
		}
		all = append(all, bars...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].TS.Before(all[j].TS) })
	return all, nil
}

// Run loads bars and emits them into out. speed controls the playback
// rate: 1 = real time, 10 = 10x, 0 = as fast as possible.
func (r *Replayer) Run(ctx context.Context, symbols []string, tf int, fromTS int64, speed float64, out chan<- model.Bar) error {
	bars, err := r.Load(symbols, tf, fromTS)
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		r.log.Warn("[replay] no bars found", "symbols", symbols, "tf", tf)
		return nil
	}
	r.log.Info("[replay] loaded bars", "count", len(bars), "symbols", len(symbols), "speed", speed)

	var prev time.Time
	emitted := 0
	for _, b := range bars {
		if speed > 0 && !prev.IsZero() {
			if gap := b.TS.Sub(prev); gap > 0 {
				if err := sleep(ctx, min(time.Duration(float64(gap)/speed), maxGap)); err != nil {
					r.log.Info("[replay] cancelled", "emitted", emitted)
					return err
				}
			}
		}
		prev = b.TS

		select {
		case out <- b:
			emitted++
		case <-ctx.Done():
			r.log.Info("[replay] cancelled", "emitted", emitted)
			return ctx.Err()
		}
	}
	r.log.Info("[replay] completed", "emitted", emitted)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
