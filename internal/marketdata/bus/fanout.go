// Package bus splits one bar stream into several consumers.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"tradebot/internal/model"
)

type output struct {
	ch       chan model.Bar
	lossless bool
}

// FanOut broadcasts bars from a single input channel to N output channels.
// A lossy subscriber whose channel is full misses the bar; a lossless one
// applies backpressure to the whole pipeline.
type FanOut struct {
	mu      sync.RWMutex
	outputs []output
	bufSize int

	// OnDrop is called when a bar is dropped for a subscriber.
	// subscriberIdx is the 0-based index of the slow consumer.
	OnDrop func(subscriberIdx int)
}

// New creates a FanOut with the given buffer size for output channels.
func New(outputBufferSize int) *FanOut {
	return &FanOut{bufSize: outputBufferSize}
}

// Subscribe returns a lossy output channel.
func (f *FanOut) Subscribe() <-chan model.Bar {
	return f.subscribe(false)
}

// SubscribeLossless returns an output channel that never misses a bar.
func (f *FanOut) SubscribeLossless() <-chan model.Bar {
	return f.subscribe(true)
}

func (f *FanOut) subscribe(lossless bool) <-chan model.Bar {
	ch := make(chan model.Bar, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, output{ch: ch, lossless: lossless})
	f.mu.Unlock()
	return ch
}

// Run reads from the input channel and fans out to all subscribers.
// Blocks until ctx is cancelled or input is closed; closes every output
// on return.
func (f *FanOut) Run(ctx context.Context, input <-chan model.Bar) {
	defer func() {
		f.mu.RLock()
		for _, o := range f.outputs {
			close(o.ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-input:
			if !ok {
				return
			}
			if !f.dispatch(ctx, bar) {
				return
			}
		}
	}
}

func (f *FanOut) dispatch(ctx context.Context, bar model.Bar) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i, o := range f.outputs {
		if o.lossless {
			select {
			case o.ch <- bar:
			case <-ctx.Done():
				return false
			}
			continue
		}
		select {
		case o.ch <- bar:
		default:
			if f.OnDrop != nil {
				f.OnDrop(i)
			} else {
				slog.Warn("[bus] output channel full, dropping bar", "subscriber", i, "key", bar.Key())
			}
		}
	}
	return true
}

// ChannelStat is the (length, capacity) of one subscriber channel.
type ChannelStat struct {
	Len int
	Cap int
}

// ChannelStats reports saturation per subscriber.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, o := range f.outputs {
		stats[i] = ChannelStat{Len: len(o.ch), Cap: cap(o.ch)}
	}
	return stats
}
