// Package featurestore keeps one ordered bar series per (symbol, timeframe),
// resamples base bars into coarser timeframes, and maintains the indicator
// snapshot of every series incrementally.
package featurestore

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"tradebot/internal/indicator"
	"tradebot/internal/marketdata/tfbuilder"
	"tradebot/internal/model"
)

const (
	DefaultBaseTF  = 60
	DefaultMaxBars = 10000
	DefaultMinBars = 50
)

var (
	// ErrStaleBar is returned for a bar older than its series tail.
	ErrStaleBar = errors.New("featurestore: bar older than series tail")

	// ErrWrongTF is returned for a bar that is not at the base timeframe.
	ErrWrongTF = errors.New("featurestore: bar is not at base timeframe")
)

// Config configures a Store.
type Config struct {
	BaseTF  int               // base bar width in seconds (default 60)
	TFs     []int             // coarser timeframes, multiples of BaseTF
	MaxBars int               // per-series bound (default 10000)
	MinBars int               // minimum window for non-neutral features (default 50)
	Periods indicator.Periods // zero fields take indicator defaults
}

func (c *Config) defaults() {
	if c.BaseTF <= 0 {
		c.BaseTF = DefaultBaseTF
	}
	if c.MaxBars <= 0 {
		c.MaxBars = DefaultMaxBars
	}
	if c.MinBars <= 0 {
		c.MinBars = DefaultMinBars
	}
}

// series is one ordered bar sequence with its indicator state.
type series struct {
	symbol string
	tf     int
	bars   []model.Bar
	ind    *indicator.Set
	prev   *indicator.Set // ind before the tail bar, for tail replacement
	snap   model.FeatureSnapshot
}

// Store is safe for concurrent use. Writers take the exclusive lock for
// the duration of one ingest; readers get copies.
type Store struct {
	mu      sync.RWMutex
	cfg     Config
	builder *tfbuilder.Builder
	series  map[string]*series // key = "symbol:tf"

	// OnStale is called for each rejected out-of-order bar (optional).
	OnStale func(bar model.Bar)
}

// New creates an empty Store.
func New(cfg Config) (*Store, error) {
	cfg.defaults()
	b, err := tfbuilder.New(cfg.BaseTF, cfg.TFs)
	if err != nil {
		return nil, fmt.Errorf("featurestore: %w", err)
	}
	return &Store{
		cfg:     cfg,
		builder: b,
		series:  make(map[string]*series),
	}, nil
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.cfg
}

// TFs returns the base timeframe followed by the coarser ones.
func (s *Store) TFs() []int {
	return append([]int{s.cfg.BaseTF}, s.cfg.TFs...)
}

// Ingest adds one base bar. A bar newer than the series tail is appended;
// one with the tail's timestamp replaces it; an older one is rejected with
// ErrStaleBar. Returns the timeframes whose snapshot changed.
func (s *Store) Ingest(bar model.Bar) ([]int, error) {
	if err := bar.Validate(); err != nil {
		return nil, err
	}
	if bar.TF != s.cfg.BaseTF {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrWrongTF, bar.TF, s.cfg.BaseTF)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ingestLocked(bar)
}

func (s *Store) ingestLocked(bar model.Bar) ([]int, error) {
	base := s.seriesLocked(bar.Symbol, s.cfg.BaseTF)
	if err := s.apply(base, bar); err != nil {
		if s.OnStale != nil {
			s.OnStale(bar)
		}
		return nil, err
	}

	touched := []int{s.cfg.BaseTF}
	seen := map[int]bool{s.cfg.BaseTF: true}
	for _, agg := range s.builder.Process(bar) {
		if err := s.apply(s.seriesLocked(agg.Symbol, agg.TF), agg); err != nil {
			continue
		}
		if !seen[agg.TF] {
			seen[agg.TF] = true
			touched = append(touched, agg.TF)
		}
	}
	return touched, nil
}

// IngestBatch sorts bars by timestamp, keeps the last of any duplicate
// (symbol, TS) pair, skips bars older than their series tail, and ingests
// the rest. Returns how many bars were accepted and any validation errors.
func (s *Store) IngestBatch(bars []model.Bar) (int, error) {
	sorted := append([]model.Bar(nil), bars...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TS.Before(sorted[j].TS) })

	// Dedup within the batch: last occurrence of (symbol, TS) wins.
	type key struct {
		symbol string
		ts     int64
	}
	last := make(map[key]int, len(sorted))
	for i, b := range sorted {
		last[key{b.Symbol, b.TS.UnixNano()}] = i
	}

	var errs []error
	accepted := 0

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, b := range sorted {
		if last[key{b.Symbol, b.TS.UnixNano()}] != i {
			continue
		}
		if err := b.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if b.TF != s.cfg.BaseTF {
			errs = append(errs, fmt.Errorf("%w: %s tf %d", ErrWrongTF, b.Symbol, b.TF))
			continue
		}
		if tail, ok := s.tailLocked(b.Symbol, s.cfg.BaseTF); ok && b.TS.Before(tail.TS) {
			continue
		}
		if _, err := s.ingestLocked(b); err != nil {
			errs = append(errs, err)
			continue
		}
		accepted++
	}
	return accepted, errors.Join(errs...)
}

// apply appends or replaces bar in sr and refreshes its snapshot.
func (s *Store) apply(sr *series, bar model.Bar) error {
	n := len(sr.bars)
	switch {
	case n == 0 || bar.TS.After(sr.bars[n-1].TS):
		if n > 0 {
			sr.prev.CopyFrom(sr.ind)
		}
		sr.bars = append(sr.bars, bar)
		sr.ind.Update(bar.High, bar.Low, bar.Close)
		s.trim(sr)
	case bar.TS.Equal(sr.bars[n-1].TS):
		// Restore the state before the tail and feed the replacement, so
		// history dropped by trim keeps its contribution.
		sr.bars[n-1] = bar
		if n == 1 {
			sr.ind.Reset()
		} else {
			sr.ind.CopyFrom(sr.prev)
		}
		sr.ind.Update(bar.High, bar.Low, bar.Close)
	default:
		return fmt.Errorf("%w: %s tf=%d ts=%v tail=%v", ErrStaleBar, bar.Symbol, bar.TF, bar.TS, sr.bars[n-1].TS)
	}
	sr.snap = s.compute(sr)
	return nil
}

// trim drops the oldest bars once the series exceeds MaxBars by a quarter,
// so the copy cost is amortised across many appends.
func (s *Store) trim(sr *series) {
	limit := s.cfg.MaxBars + s.cfg.MaxBars/4
	if len(sr.bars) <= limit {
		return
	}
	keep := make([]model.Bar, s.cfg.MaxBars, limit+1)
	copy(keep, sr.bars[len(sr.bars)-s.cfg.MaxBars:])
	sr.bars = keep
}

// compute derives the snapshot for sr. Below MinBars the neutral defaults
// are returned verbatim: RSI 50, EMAs at the last close, MACD 0, ATR 1.
func (s *Store) compute(sr *series) model.FeatureSnapshot {
	snap := model.FeatureSnapshot{
		Symbol: sr.symbol,
		TF:     sr.tf,
		Bars:   len(sr.bars),
		RSI:    50,
		ATR:    1,
	}
	if len(sr.bars) == 0 {
		return snap
	}
	last := sr.bars[len(sr.bars)-1]
	snap.TS = last.TS
	snap.Close = last.Close
	if len(sr.bars) < s.cfg.MinBars {
		snap.EMAShort = last.Close
		snap.EMALong = last.Close
		return snap
	}

	v := sr.ind.Values()
	snap.RSI = v.RSI
	snap.EMAShort = v.EMAShort
	snap.EMALong = v.EMALong
	snap.MACD = v.MACD
	snap.MACDSignal = v.MACDSignal
	snap.MACDHist = v.MACDHist
	snap.ATR = v.ATR
	snap.Ready = true
	return snap
}

func (s *Store) seriesLocked(symbol string, tf int) *series {
	k := seriesKey(symbol, tf)
	sr, ok := s.series[k]
	if !ok {
		sr = &series{
			symbol: symbol,
			tf:     tf,
			bars:   make([]model.Bar, 0, 256),
			ind:    indicator.NewSet(s.cfg.Periods),
			prev:   indicator.NewSet(s.cfg.Periods),
		}
		sr.snap = s.compute(sr)
		s.series[k] = sr
	}
	return sr
}

func (s *Store) tailLocked(symbol string, tf int) (model.Bar, bool) {
	sr, ok := s.series[seriesKey(symbol, tf)]
	if !ok || len(sr.bars) == 0 {
		return model.Bar{}, false
	}
	return sr.bars[len(sr.bars)-1], true
}

// Snapshot returns the current features for (symbol, tf). Unknown series
// read as the neutral snapshot with zero bars.
func (s *Store) Snapshot(symbol string, tf int) model.FeatureSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sr, ok := s.series[seriesKey(symbol, tf)]; ok {
		return sr.snap
	}
	return model.FeatureSnapshot{Symbol: symbol, TF: tf, RSI: 50, ATR: 1}
}

// Bars returns a copy of the full series for (symbol, tf).
func (s *Store) Bars(symbol string, tf int) []model.Bar {
	return s.Tail(symbol, tf, 0)
}

// Tail returns a copy of the last n bars (all bars when n <= 0).
func (s *Store) Tail(symbol string, tf int, n int) []model.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr, ok := s.series[seriesKey(symbol, tf)]
	if !ok {
		return nil
	}
	src := sr.bars
	if n > 0 && len(src) > n {
		src = src[len(src)-n:]
	}
	return append([]model.Bar(nil), src...)
}

// Len returns the number of bars held for (symbol, tf).
func (s *Store) Len(symbol string, tf int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sr, ok := s.series[seriesKey(symbol, tf)]; ok {
		return len(sr.bars)
	}
	return 0
}

// LastPrice returns the close of the latest base bar for symbol.
func (s *Store) LastPrice(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.tailLocked(symbol, s.cfg.BaseTF)
	return b.Close, ok
}

// Symbols returns every symbol with a base series, sorted.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, sr := range s.series {
		if sr.tf == s.cfg.BaseTF {
			out = append(out, sr.symbol)
		}
	}
	sort.Strings(out)
	return out
}

func seriesKey(symbol string, tf int) string {
	b := model.Bar{Symbol: symbol, TF: tf}
	return b.Key()
}
