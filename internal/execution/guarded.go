package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tradebot/internal/model"
	"tradebot/internal/resilience"
)

// GuardedBroker retries transient broker failures under a bounded policy
// and stops calling a broker that keeps failing.
type GuardedBroker struct {
	next    model.Broker
	policy  resilience.Policy
	breaker *resilience.CircuitBreaker
	log     *slog.Logger
}

// GuardOptions configures a GuardedBroker. Zero values take defaults.
type GuardOptions struct {
	Policy       resilience.Policy
	MaxFailures  int
	ResetTimeout time.Duration
	OnRetry      func(err error, wait time.Duration)
	OnState      func(from, to resilience.State)
	Logger       *slog.Logger
}

// NewGuardedBroker wraps next.
func NewGuardedBroker(next model.Broker, opts GuardOptions) *GuardedBroker {
	if opts.Policy.Name == "" {
		opts.Policy = resilience.DefaultPolicy("broker")
	}
	if opts.OnRetry != nil {
		opts.Policy.OnRetry = opts.OnRetry
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	cb := resilience.NewCircuitBreaker(opts.MaxFailures, opts.ResetTimeout)
	cb.IsFailure = func(err error) bool {
		var rej *model.RejectError
		return !errors.As(err, &rej) && !errors.Is(err, context.Canceled)
	}
	cb.OnStateChange = func(from, to resilience.State) {
		log.Warn("[broker] circuit breaker transition", "from", from.String(), "to", to.String())
		if opts.OnState != nil {
			opts.OnState(from, to)
		}
	}
	return &GuardedBroker{next: next, policy: opts.Policy, breaker: cb, log: log}
}

// Execute forwards order. Rejections and an open breaker are returned
// without retrying.
func (g *GuardedBroker) Execute(ctx context.Context, order model.OrderSpec) (model.Execution, error) {
	exec, err := resilience.Do(ctx, g.policy, func(ctx context.Context) (model.Execution, error) {
		var out model.Execution
		err := g.breaker.Execute(func() error {
			var err error
			out, err = g.next.Execute(ctx, order)
			return err
		})
		var rej *model.RejectError
		if errors.Is(err, resilience.ErrCircuitOpen) || errors.As(err, &rej) {
			return out, resilience.Permanent(err)
		}
		return out, err
	})
	if err != nil {
		return exec, fmt.Errorf("execute %s %s: %w", order.Side, order.Symbol, err)
	}
	return exec, nil
}

// State reports the breaker state for health endpoints.
func (g *GuardedBroker) State() resilience.State {
	return g.breaker.CurrentState()
}
