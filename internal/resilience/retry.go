// Package resilience holds the failure-handling primitives shared by every
// external adapter: a bounded exponential retry policy that honours
// server wait hints, and a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds retries of one external call.
type Policy struct {
	Name    string // log label
	OnRetry func(err error, wait time.Duration)

	MaxTries    uint          // total attempts including the first (default 4)
	Initial     time.Duration // first wait (default 200ms)
	Max         time.Duration // cap on a single wait (default 5s)
	Multiplier  float64       // growth per attempt (default 2)
	Jitter      float64       // randomization factor in [0,1) (default 0.2)
	MaxWaitHint time.Duration // cap applied to server wait hints (default 30s)
}

// DefaultPolicy returns the policy used for broker and model calls.
func DefaultPolicy(name string) Policy {
	return Policy{Name: name}.withDefaults()
}

func (p Policy) withDefaults() Policy {
	if p.MaxTries == 0 {
		p.MaxTries = 4
	}
	if p.Initial <= 0 {
		p.Initial = 200 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 5 * time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0.2
	}
	if p.MaxWaitHint <= 0 {
		p.MaxWaitHint = 30 * time.Second
	}
	return p
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// RetryAfter marks err as transient with a server-provided wait.
func RetryAfter(err error, wait time.Duration) error {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return errors.Join(err, backoff.RetryAfter(secs))
}

// Do runs op until it succeeds, returns a permanent error, exhausts
// MaxTries, or ctx ends. Waits grow exponentially; a RetryAfter error
// overrides the next wait (clamped to MaxWaitHint).
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err != nil {
			err = clampHint(err, p.MaxWaitHint)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			slog.Warn("[retry] transient failure", "op", p.Name, "attempt", attempt, "wait", wait, "error", err)
			if p.OnRetry != nil {
				p.OnRetry(err, wait)
			}
		}),
	)
}

// clampHint caps a server wait hint at max.
func clampHint(err error, max time.Duration) error {
	var ra *backoff.RetryAfterError
	if errors.As(err, &ra) && ra.Duration > max {
		ra.Duration = max
	}
	return err
}

// HTTPError is the classified failure of one HTTP exchange.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	msg := "http " + strconv.Itoa(e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// ClassifyHTTP turns a non-2xx response into a retry decision: 429, 502,
// 503 and 504 are transient (honouring Retry-After), everything else is
// permanent. Returns nil for 2xx.
func ClassifyHTTP(resp *http.Response, body string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err := &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(body)}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable,
		http.StatusBadGateway, http.StatusGatewayTimeout:
		if wait, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			return RetryAfter(err, wait)
		}
		return err
	default:
		return Permanent(err)
	}
}

// ParseRetryAfter reads a Retry-After header given as delta-seconds or an
// HTTP date.
func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
