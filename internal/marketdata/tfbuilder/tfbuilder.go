// Package tfbuilder provides an incremental timeframe resampler.
// It consumes base-timeframe bars and maintains one forming bucket per
// (symbol, TF). A bucket is finalized when a bar covering its last base
// slot arrives, or when a bar from a later bucket arrives. Incomplete
// trailing buckets are never emitted.
package tfbuilder

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"tradebot/internal/model"
)

// tfState holds the forming bucket for one (symbol, TF) pair.
type tfState struct {
	bucket  int64       // bucket start = ts - ts%tf (Unix seconds)
	members []model.Bar // base bars merged so far, ascending TS
	emitted bool        // true once the bucket has been finalized
}

// Builder resamples base bars into multiple coarser timeframes.
// Not goroutine-safe: designed for a single owner (the feature store).
type Builder struct {
	baseTF int
	tfs    []int // enabled TF durations in seconds, multiples of baseTF

	// Per-TF per-symbol state.
	// Key structure: states[tfIdx][symbol] → *tfState
	states []map[string]*tfState

	// Hooks (optional)
	OnBar      func(b model.Bar) // called on each finalized bar
	OnStaleBar func(b model.Bar) // called when a bar behind the forming bucket is dropped
}

// New creates a builder for base bars of width baseTF seconds.
// TFs that are not strict multiples of baseTF are rejected.
func New(baseTF int, tfs []int) (*Builder, error) {
	if baseTF <= 0 {
		return nil, fmt.Errorf("tfbuilder: base tf must be positive, got %d", baseTF)
	}
	for _, tf := range tfs {
		if tf <= baseTF || tf%baseTF != 0 {
			return nil, fmt.Errorf("tfbuilder: tf %d is not a multiple of base tf %d", tf, baseTF)
		}
	}
	states := make([]map[string]*tfState, len(tfs))
	for i := range states {
		states[i] = make(map[string]*tfState, 16)
	}
	return &Builder{
		baseTF: baseTF,
		tfs:    append([]int(nil), tfs...),
		states: states,
	}, nil
}

// Process merges one base bar into every enabled TF and returns the bars
// finalized by it, in TF order. A bar whose TS equals the last merged
// member replaces that member; an already finalized bucket is then
// re-emitted with the corrected aggregate.
// This is the hot path — O(tf/baseTF) per TF.
func (b *Builder) Process(bar model.Bar) []model.Bar {
	ts := bar.TS.Unix()
	var out []model.Bar

	for i, tf := range b.tfs {
		tf64 := int64(tf)
		bucket := ts - (ts % tf64) // align to TF boundary

		st, exists := b.states[i][bar.Symbol]

		if exists && bucket < st.bucket {
			b.stale(bar)
			continue
		}

		if exists && bucket > st.bucket {
			// A later bucket started — finalize the previous one if it never completed.
			if !st.emitted && len(st.members) > 0 {
				out = append(out, b.finalize(st, tf))
			}
			exists = false
		}

		if !exists {
			st = &tfState{bucket: bucket}
			b.states[i][bar.Symbol] = st
		}

		if !merge(st, bar) {
			b.stale(bar)
			continue
		}

		complete := ts+int64(b.baseTF) >= bucket+tf64
		if complete || st.emitted {
			out = append(out, b.finalize(st, tf))
		}
	}
	return out
}

// merge appends bar to st or replaces the last member with the same TS.
// Returns false for a bar older than the last member.
func merge(st *tfState, bar model.Bar) bool {
	n := len(st.members)
	switch {
	case n == 0 || bar.TS.After(st.members[n-1].TS):
		st.members = append(st.members, bar)
	case bar.TS.Equal(st.members[n-1].TS):
		st.members[n-1] = bar
	default:
		return false
	}
	return true
}

func (b *Builder) finalize(st *tfState, tf int) model.Bar {
	agg := aggregate(st.members, tf, st.bucket)
	st.emitted = true
	if b.OnBar != nil {
		b.OnBar(agg)
	}
	return agg
}

func (b *Builder) stale(bar model.Bar) {
	slog.Debug("[tfbuilder] dropping stale bar", "symbol", bar.Symbol, "ts", bar.TS)
	if b.OnStaleBar != nil {
		b.OnStaleBar(bar)
	}
}

// aggregate folds members into one bar: open=first, high=max, low=min,
// close=last, volume=sum.
func aggregate(members []model.Bar, tf int, bucket int64) model.Bar {
	first := members[0]
	agg := model.Bar{
		Symbol: first.Symbol,
		TF:     tf,
		TS:     time.Unix(bucket, 0).UTC(),
		Open:   first.Open,
		High:   first.High,
		Low:    first.Low,
	}
	for _, m := range members {
		if m.High > agg.High {
			agg.High = m.High
		}
		if m.Low < agg.Low {
			agg.Low = m.Low
		}
		agg.Close = m.Close
		agg.Volume += m.Volume
	}
	return agg
}

// TFs returns the enabled timeframes.
func (b *Builder) TFs() []int {
	return append([]int(nil), b.tfs...)
}

// BaseTF returns the base bar width in seconds.
func (b *Builder) BaseTF() int {
	return b.baseTF
}

// Reset drops every forming bucket for symbol.
func (b *Builder) Reset(symbol string) {
	for i := range b.tfs {
		delete(b.states[i], symbol)
	}
}

// Resample is the batch form of Builder: it resamples base bars of a single
// symbol into tf, dropping the incomplete trailing bucket. Input is sorted
// by TS first; equal timestamps keep the last occurrence.
func Resample(bars []model.Bar, baseTF, tf int) ([]model.Bar, error) {
	b, err := New(baseTF, []int{tf})
	if err != nil {
		return nil, err
	}
	sorted := append([]model.Bar(nil), bars...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TS.Before(sorted[j].TS) })

	var out []model.Bar
	for _, bar := range sorted {
		for _, agg := range b.Process(bar) {
			if n := len(out); n > 0 && out[n-1].TS.Equal(agg.TS) {
				out[n-1] = agg
				continue
			}
			out = append(out, agg)
		}
	}
	return out, nil
}
