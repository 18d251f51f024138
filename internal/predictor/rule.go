package predictor

import (
	"context"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"tradebot/internal/model"
)

// RuleScorer extrapolates recent momentum: the mean per-bar return over
// Lookback bars, projected over Horizon bars, in percent. When trained,
// the projection is damped by trainedVol/recentVol (capped at 1) so the
// score shrinks in regimes noisier than the training history.
//
// Deterministic, allocation-light, and safe for concurrent use.
type RuleScorer struct {
	Lookback int // default 20
	Horizon  int // default 5

	mu         sync.RWMutex
	trainedVol float64
}

// NewRuleScorer returns a scorer with default lookback and horizon.
func NewRuleScorer() *RuleScorer {
	return &RuleScorer{Lookback: 20, Horizon: 5}
}

func (r *RuleScorer) params() (lookback, horizon int) {
	lookback, horizon = r.Lookback, r.Horizon
	if lookback <= 1 {
		lookback = 20
	}
	if lookback >= SequenceLength {
		lookback = SequenceLength - 1
	}
	if horizon <= 0 {
		horizon = 5
	}
	return lookback, horizon
}

// Predict returns the projected percent move, or 0 for short windows.
func (r *RuleScorer) Predict(_ context.Context, bars []model.Bar) (float64, error) {
	if len(bars) < SequenceLength {
		return 0, nil
	}
	lookback, horizon := r.params()
	rets := returns(Closes(bars[len(bars)-lookback-1:]))
	if len(rets) == 0 {
		return 0, nil
	}
	mean, std := stat.MeanStdDev(rets, nil)
	move := mean * float64(horizon) * 100

	r.mu.RLock()
	tv := r.trainedVol
	r.mu.RUnlock()
	if tv > 0 && std > tv {
		move *= tv / std
	}
	if math.IsNaN(move) || math.IsInf(move, 0) {
		return 0, nil
	}
	return move, nil
}

// Train fits the reference volatility from the full history. It needs at
// least SequenceLength+100 bars.
func (r *RuleScorer) Train(_ context.Context, bars []model.Bar) error {
	if len(bars) < SequenceLength+100 {
		return fmt.Errorf("%w: need %d bars, got %d", ErrInsufficientData, SequenceLength+100, len(bars))
	}
	_, std := stat.MeanStdDev(returns(Closes(bars)), nil)
	r.mu.Lock()
	r.trainedVol = std
	r.mu.Unlock()
	return nil
}

// TrainedVol returns the fitted per-bar return volatility (0 if untrained).
func (r *RuleScorer) TrainedVol() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.trainedVol
}

// returns computes simple percent changes, skipping non-positive bases.
func returns(closes []float64) []float64 {
	out := make([]float64, 0, len(closes))
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 {
			continue
		}
		out = append(out, closes[i]/closes[i-1]-1)
	}
	return out
}
