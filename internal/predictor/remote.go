package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tradebot/internal/model"
	"tradebot/internal/resilience"
)

// Remote calls an externally hosted model over HTTP JSON:
//
//	POST {base}/predict  {"symbol": "...", "bars": [...]}  -> {"prediction": 1.23}
//	POST {base}/train    {"symbol": "...", "bars": [...]}  -> 2xx
//
// Each attempt is bounded by Timeout; transient statuses are retried per
// Policy, honouring Retry-After.
type Remote struct {
	base    string
	client  *http.Client
	timeout time.Duration
	policy  resilience.Policy
}

// RemoteOptions configures a Remote predictor.
type RemoteOptions struct {
	Timeout time.Duration // per attempt (default 3s)
	Policy  resilience.Policy
	Client  *http.Client
}

// NewRemote creates a client for the model server at baseURL.
func NewRemote(baseURL string, opts RemoteOptions) *Remote {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Policy.Name == "" {
		opts.Policy.Name = "predictor"
	}
	return &Remote{
		base:    strings.TrimRight(baseURL, "/"),
		client:  opts.Client,
		timeout: opts.Timeout,
		policy:  opts.Policy,
	}
}

type remoteRequest struct {
	Symbol string      `json:"symbol"`
	Bars   []model.Bar `json:"bars"`
}

type predictResponse struct {
	Prediction *float64 `json:"prediction"`
}

// Predict returns the server's percent-move prediction. Windows shorter
// than SequenceLength return 0 without a request.
func (r *Remote) Predict(ctx context.Context, bars []model.Bar) (float64, error) {
	if len(bars) < SequenceLength {
		return 0, nil
	}
	body, err := json.Marshal(remoteRequest{Symbol: bars[0].Symbol, Bars: bars})
	if err != nil {
		return 0, fmt.Errorf("predictor: encode request: %w", err)
	}
	return resilience.Do(ctx, r.policy, func(ctx context.Context) (float64, error) {
		raw, err := r.post(ctx, "/predict", body)
		if err != nil {
			return 0, err
		}
		var resp predictResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return 0, resilience.Permanent(fmt.Errorf("predictor: decode response: %w", err))
		}
		if resp.Prediction == nil {
			return 0, resilience.Permanent(fmt.Errorf("predictor: response missing prediction"))
		}
		return *resp.Prediction, nil
	})
}

// Train asks the server to fit on bars. The training procedure itself is
// the server's concern.
func (r *Remote) Train(ctx context.Context, bars []model.Bar) error {
	if len(bars) < SequenceLength+100 {
		return fmt.Errorf("%w: need %d bars, got %d", ErrInsufficientData, SequenceLength+100, len(bars))
	}
	body, err := json.Marshal(remoteRequest{Symbol: bars[0].Symbol, Bars: bars})
	if err != nil {
		return fmt.Errorf("predictor: encode request: %w", err)
	}
	_, err = resilience.Do(ctx, r.policy, func(ctx context.Context) (struct{}, error) {
		_, err := r.post(ctx, "/train", body)
		return struct{}{}, err
	})
	return err
}

func (r *Remote) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, resilience.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("predictor: %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("predictor: read %s: %w", path, err)
	}
	if err := resilience.ClassifyHTTP(resp, string(raw)); err != nil {
		return nil, err
	}
	return raw, nil
}
