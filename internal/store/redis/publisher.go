package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tradebot/internal/model"
	"tradebot/internal/resilience"
)

const (
	defaultLatestTTL = 30 * time.Minute
	signalStreamLen  = 5000
	defaultMaxBuffer = 10000
	flushTimeout     = 10 * time.Second
)

// Keys and channels written by the publisher.
const (
	PortfolioKey     = "portfolio:latest"
	PortfolioChannel = "pub:portfolio"
	SignalStream     = "stream:signals"
)

// SignalKey is the latest-signal key for symbol.
func SignalKey(symbol string) string { return "signal:latest:" + symbol }

// SignalChannel is the pub/sub channel for symbol's signals.
func SignalChannel(symbol string) string { return "pub:signal:" + symbol }

// Publisher writes snapshots through a circuit breaker. While the breaker
// is open, writes are buffered locally and replayed once it closes.
type Publisher struct {
	client Client
	cb     *resilience.CircuitBreaker
	log    *slog.Logger

	mu     sync.Mutex
	buffer []Write
	maxBuf int // oldest dropped beyond this

	// Callbacks
	OnBuffer func()          // a write was buffered
	OnFlush  func(count int) // buffered writes were replayed
}

var _ model.Publisher = (*Publisher)(nil)

// NewPublisher wraps client. A nil cb gets a breaker opening after five
// consecutive failures for ten seconds.
func NewPublisher(client Client, cb *resilience.CircuitBreaker, maxBufferSize int, log *slog.Logger) *Publisher {
	if cb == nil {
		cb = resilience.NewCircuitBreaker(5, 10*time.Second)
	}
	if maxBufferSize <= 0 {
		maxBufferSize = defaultMaxBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		client: client,
		cb:     cb,
		log:    log,
		buffer: make([]Write, 0, 64),
		maxBuf: maxBufferSize,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to resilience.State) {
		if prev != nil {
			prev(from, to)
		}
		p.log.Warn("[redis] circuit breaker transition", "from", from.String(), "to", to.String())
		if to == resilience.StateClosed {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
				defer cancel()
				p.Flush(ctx)
			}()
		}
	}
	return p
}

// PublishPortfolio stores and broadcasts the latest portfolio snapshot.
func (p *Publisher) PublishPortfolio(ctx context.Context, state model.PortfolioState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return p.write(ctx, Write{
		LatestKey: PortfolioKey,
		Channel:   PortfolioChannel,
		Data:      string(data),
		TTL:       defaultLatestTTL,
	})
}

// PublishSignal stores, streams and broadcasts a signal.
func (p *Publisher) PublishSignal(ctx context.Context, sig model.Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return p.write(ctx, Write{
		LatestKey: SignalKey(sig.Symbol),
		Stream:    SignalStream,
		MaxLen:    signalStreamLen,
		Channel:   SignalChannel(sig.Symbol),
		Data:      string(data),
		TTL:       defaultLatestTTL,
	})
}

func (p *Publisher) write(ctx context.Context, w Write) error {
	err := p.cb.Execute(func() error {
		return p.client.Write(ctx, w)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		p.bufferWrite(w)
		return nil // buffered, not lost
	}
	return err
}

func (p *Publisher) bufferWrite(w Write) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buffer) >= p.maxBuf {
		p.buffer = p.buffer[1:]
	}
	p.buffer = append(p.buffer, w)

	if p.OnBuffer != nil {
		p.OnBuffer()
	}
}

// Flush replays buffered writes. Writes that fail again are re-buffered.
func (p *Publisher) Flush(ctx context.Context) int {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return 0
	}
	toFlush := p.buffer
	p.buffer = make([]Write, 0, 64)
	p.mu.Unlock()

	flushed := 0
	for i, w := range toFlush {
		if err := p.client.Write(ctx, w); err != nil {
			p.log.Error("[redis] flush failed, re-buffering", "remaining", len(toFlush)-i, "error", err)
			p.mu.Lock()
			p.buffer = append(toFlush[i:len(toFlush):len(toFlush)], p.buffer...)
			p.mu.Unlock()
			break
		}
		flushed++
	}

	p.log.Info("[redis] flushed buffered writes", "count", flushed)
	if p.OnFlush != nil {
		p.OnFlush(flushed)
	}
	return flushed
}

// PendingCount returns the number of buffered writes.
func (p *Publisher) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// State reports the breaker state for health endpoints.
func (p *Publisher) State() resilience.State {
	return p.cb.CurrentState()
}
