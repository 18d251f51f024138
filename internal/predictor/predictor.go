// Package predictor provides the score source consumed by signal fusion.
//
// A Predictor returns an expected percent price move for the next horizon
// given an ordered bar window. Implementations return the 0.0 sentinel
// when the window is shorter than SequenceLength; errors are reserved for
// real failures (transport, runtime) and make the caller skip the cycle.
package predictor

import (
	"context"
	"errors"

	"tradebot/internal/model"
)

// SequenceLength is the minimum window a prediction needs.
const SequenceLength = 60

// ErrInsufficientData is returned by Train when the history is too short.
var ErrInsufficientData = errors.New("predictor: insufficient data")

// Predictor scores a bar window as an expected percent move.
type Predictor interface {
	Predict(ctx context.Context, bars []model.Bar) (float64, error)
}

// Trainable is implemented by predictors that can be (re)fitted.
type Trainable interface {
	Train(ctx context.Context, bars []model.Bar) error
}

// Closes extracts the close column.
func Closes(bars []model.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}
