// Package wsfeed streams base-timeframe bars from a WebSocket server (for
// example cmd/barserver). Each text frame carries one or more JSON bars,
// newline separated:
//
//	{"symbol":"INFY","tf":60,"ts":"2026-03-02T03:45:00Z","open":1450,...}
package wsfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"tradebot/internal/model"
)

// Config holds configuration for the feed.
type Config struct {
	// URL of the bar server, e.g. "ws://localhost:9001/ws".
	URL string

	// Symbols filters incoming bars; empty accepts all.
	Symbols []string

	// ReconnectDelay is the first wait after a disconnect. Defaults to 1s.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration

	// ReadTimeout closes a connection that has been silent this long.
	// Defaults to 2 minutes.
	ReadTimeout time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 2 * time.Minute
	}
}

// Feed implements model.PriceFeed over a WebSocket connection.
type Feed struct {
	cfg    Config
	accept map[string]bool
	log    *slog.Logger

	// OnReconnect is called after each disconnect, before the wait.
	OnReconnect func()
	// OnConnState reports connection changes.
	OnConnState func(connected bool)
}

// New creates a feed. Returns an error if the URL is not a ws/wss URL.
func New(cfg Config, log *slog.Logger) (*Feed, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("wsfeed: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("wsfeed: unsupported scheme %q", u.Scheme)
	}
	if log == nil {
		log = slog.Default()
	}
	f := &Feed{cfg: cfg, log: log}
	if len(cfg.Symbols) > 0 {
		f.accept = make(map[string]bool, len(cfg.Symbols))
		for _, s := range cfg.Symbols {
			f.accept[s] = true
		}
	}
	return f, nil
}

// Run connects and streams bars into out until ctx is cancelled,
// reconnecting with exponential backoff on any disconnect.
func (f *Feed) Run(ctx context.Context, out chan<- model.Bar) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.ReconnectDelay
	b.MaxInterval = f.cfg.MaxReconnectDelay

	for {
		connected, err := f.runOnce(ctx, out)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			b.Reset()
		}
		delay := b.NextBackOff()
		f.log.Warn("[wsfeed] disconnected, reconnecting", "error", err, "wait", delay)
		if f.OnReconnect != nil {
			f.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// runOnce makes one connection and reads until it fails. connected
// reports whether the dial succeeded.
func (f *Feed) runOnce(ctx context.Context, out chan<- model.Bar) (connected bool, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	f.log.Info("[wsfeed] connected", "url", f.cfg.URL)
	f.setConnected(true)
	defer f.setConnected(false)

	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		for _, line := range bytes.Split(raw, []byte{'\n'}) {
			bar, ok := f.decode(line)
			if !ok {
				continue
			}
			select {
			case <-ctx.Done():
				return true, ctx.Err()
			case out <- bar:
			}
		}
	}
}

// decode parses one JSON bar, dropping malformed or filtered ones.
func (f *Feed) decode(line []byte) (model.Bar, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return model.Bar{}, false
	}
	var bar model.Bar
	if err := json.Unmarshal(line, &bar); err != nil {
		f.log.Warn("[wsfeed] parse error", "error", err, "raw", string(line))
		return model.Bar{}, false
	}
	if f.accept != nil && !f.accept[bar.Symbol] {
		return model.Bar{}, false
	}
	if err := bar.Validate(); err != nil {
		f.log.Warn("[wsfeed] invalid bar", "error", err)
		return model.Bar{}, false
	}
	return bar, true
}

func (f *Feed) setConnected(v bool) {
	if f.OnConnState != nil {
		f.OnConnState(v)
	}
}
