// Package notification delivers trading alerts (fills, stop-loss exits,
// breaker trips, invariant violations) to external channels.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel     `json:"level"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	TS      time.Time      `json:"ts"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to a structured logger.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log-based notifier. Nil uses slog.Default.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	level := slog.LevelInfo
	switch alert.Level {
	case AlertWarning:
		level = slog.LevelWarn
	case AlertCritical:
		level = slog.LevelError
	}
	args := []any{"title", alert.Title, "message", alert.Message}
	for k, v := range alert.Fields {
		args = append(args, k, v)
	}
	n.log.Log(ctx, level, "[notify] "+string(alert.Level), args...)
	return nil
}

// Fanout sends every alert to all backends whose minimum level it meets.
type Fanout struct {
	targets []target
}

type target struct {
	n   Notifier
	min AlertLevel
}

// NewFanout creates an empty fan-out.
func NewFanout() *Fanout {
	return &Fanout{}
}

// Add registers n for alerts at or above minLevel.
func (f *Fanout) Add(n Notifier, minLevel AlertLevel) *Fanout {
	f.targets = append(f.targets, target{n: n, min: minLevel})
	return f
}

// Len returns the number of registered backends.
func (f *Fanout) Len() int { return len(f.targets) }

// Send delivers to every eligible backend and joins their errors.
func (f *Fanout) Send(ctx context.Context, alert Alert) error {
	if alert.TS.IsZero() {
		alert.TS = time.Now()
	}
	var errs []error
	for _, t := range f.targets {
		if rank(alert.Level) < rank(t.min) {
			continue
		}
		if err := t.n.Send(ctx, alert); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", t.n, err))
		}
	}
	return errors.Join(errs...)
}

func rank(l AlertLevel) int {
	switch l {
	case AlertCritical:
		return 2
	case AlertWarning:
		return 1
	default:
		return 0
	}
}
