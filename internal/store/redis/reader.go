package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"tradebot/internal/model"
)

// Reader loads the latest published snapshots, for observers that start
// after the engine.
type Reader struct {
	client Client
}

// NewReader creates a Reader over client.
func NewReader(client Client) *Reader {
	return &Reader{client: client}
}

// LatestPortfolio returns the last published portfolio. ok is false when
// nothing has been published yet or the key expired.
func (r *Reader) LatestPortfolio(ctx context.Context) (state model.PortfolioState, ok bool, err error) {
	ok, err = r.get(ctx, PortfolioKey, &state)
	return state, ok, err
}

// LatestSignal returns the last published signal for symbol.
func (r *Reader) LatestSignal(ctx context.Context, symbol string) (sig model.Signal, ok bool, err error) {
	ok, err = r.get(ctx, SignalKey(symbol), &sig)
	return sig, ok, err
}

// Ping checks connectivity.
func (r *Reader) Ping(ctx context.Context) error {
	return r.client.Ping(ctx)
}

func (r *Reader) get(ctx context.Context, key string, v any) (bool, error) {
	data, err := r.client.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return false, fmt.Errorf("redis decode %s: %w", key, err)
	}
	return true, nil
}
