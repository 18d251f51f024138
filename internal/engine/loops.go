package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"tradebot/internal/logger"
	"tradebot/internal/model"
	"tradebot/internal/strategy"
)

// Run consumes bars and drives both loops until ctx is cancelled or an
// invariant violation halts trading. Only the latter is returned as an
// error. A halt stops the loops but bar ingestion continues until ctx is
// cancelled or bars is closed, so the feed never backs up and the
// features stay current for inspection.
func (e *Engine) Run(ctx context.Context, bars <-chan model.Bar) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.every(gctx, e.cfg.PriceInterval, e.PriceCycle) })
	g.Go(func() error { return e.every(gctx, e.cfg.DecisionInterval, e.DecisionCycle) })

	ingested := make(chan struct{})
	if bars != nil {
		go func() {
			defer close(ingested)
			e.consume(ctx, bars)
		}()
	} else {
		close(ingested)
	}

	e.log.Info("[engine] running",
		"symbols", e.cfg.Symbols, "decision_tf", e.cfg.DecisionTF,
		"price_interval", e.cfg.PriceInterval, "decision_interval", e.cfg.DecisionInterval)

	err := g.Wait()
	if e.halted.Load() && bars != nil {
		e.log.Warn("[engine] loops stopped after halt, still ingesting bars")
	}
	<-ingested
	e.alerts.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	e.log.Info("[engine] stopped", "halted", e.halted.Load())
	return err
}

func (e *Engine) consume(ctx context.Context, bars <-chan model.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-bars:
			if !ok {
				return
			}
			if _, err := e.OnBar(b); err != nil {
				e.log.Debug("[engine] bar dropped", "symbol", b.Symbol, "ts", b.TS, "error", err)
			}
		}
	}
}

// every runs fn on a ticker. A returned error ends the loop.
func (e *Engine) every(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}
		}
	}
}

// PriceCycle marks every open position at the latest base close and exits
// those that reached their stop or target. A symbol busy in the decision
// loop is skipped until the next tick. Only fatal errors are returned.
func (e *Engine) PriceCycle(ctx context.Context) error {
	start := time.Now()
	defer func() { e.m.PriceCycleDur.Observe(time.Since(start).Seconds()) }()

	if e.halted.Load() {
		return ErrHalted
	}
	now := e.now()
	for _, p := range e.ledger.Positions() {
		price, ok := e.store.LastPrice(p.Symbol)
		if !ok {
			continue
		}
		mu := e.lockFor(p.Symbol)
		if !mu.TryLock() {
			e.log.Debug("[engine] symbol busy, mark deferred", "symbol", p.Symbol)
			continue
		}
		err := e.markLocked(ctx, p.Symbol, price, now)
		mu.Unlock()
		if fatal := e.checkFatal(err); fatal != nil {
			return fatal
		}
		if err != nil {
			e.log.Warn("[engine] exit failed", "symbol", p.Symbol, "error", err)
		}
	}
	e.publishPortfolio(ctx)
	return nil
}

// markLocked updates one position and executes a triggered exit. The
// caller holds the symbol lock.
func (e *Engine) markLocked(ctx context.Context, symbol string, price float64, now time.Time) error {
	pos, reason, hit := e.ledger.Mark(symbol, price, now)
	if pos.Symbol == "" {
		return nil
	}
	if !hit {
		e.journal.UpsertPosition(pos)
		return nil
	}
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(symbol, now))
	e.log.Info("[engine] exit triggered",
		append(logger.LogWithTrace(ctx),
			"symbol", symbol, "reason", reason, "price", price,
			"stop", pos.StopLoss, "target", pos.TakeProfit)...)
	_, err := e.exitLocked(ctx, pos, price, reason, nil)
	return err
}

// DecisionCycle evaluates every symbol once. Failures are isolated to
// their symbol; only fatal errors are returned.
func (e *Engine) DecisionCycle(ctx context.Context) error {
	start := time.Now()
	defer func() { e.m.DecisionCycleDur.Observe(time.Since(start).Seconds()) }()

	if e.halted.Load() {
		return ErrHalted
	}
	now := e.now()
	e.m.MarketState.Set(e.marketState(now))

	for _, sym := range e.cfg.Symbols {
		if ctx.Err() != nil {
			return nil
		}
		sctx := logger.WithTraceID(ctx, logger.GenerateTraceID(sym, now))
		err := e.decide(sctx, sym, now)
		if fatal := e.checkFatal(err); fatal != nil {
			return fatal
		}
		if err != nil {
			e.logFailure(sctx, sym, err)
		}
	}
	e.lastDecision.Store(now.UnixNano())
	return nil
}

func (e *Engine) marketState(now time.Time) float64 {
	switch {
	case e.session.AllowsEntry(now):
		return 1
	case e.session.IsOpen(now):
		return 2
	}
	return 0
}

// decide computes one signal outside any lock, then acts on it.
func (e *Engine) decide(ctx context.Context, symbol string, now time.Time) error {
	sig, err := e.signal(ctx, symbol)
	if err != nil {
		return err
	}
	switch sig.Side {
	case model.SideBuy:
		if !e.entriesAllowed(now) {
			e.log.Debug("[engine] entry blocked", append(logger.LogWithTrace(ctx),
				"symbol", symbol, "running", e.running.Load(), "market", e.session.Status(now))...)
			return nil
		}
		_, err = e.enter(ctx, sig)
		return err
	case model.SideSell:
		_, err = e.exitSymbol(ctx, symbol, model.ExitSignal, &sig)
		return err
	}
	return nil
}

// signal runs the predictor and vote for symbol, records and publishes it.
func (e *Engine) signal(ctx context.Context, symbol string) (model.Signal, error) {
	bars := e.store.Tail(symbol, e.cfg.DecisionTF, e.cfg.Window)
	snap := e.store.Snapshot(symbol, e.cfg.DecisionTF)

	start := time.Now()
	sig, err := e.strategy.Generate(ctx, symbol, bars, snap, e.ledger.Has(symbol))
	e.m.PredictDur.Observe(time.Since(start).Seconds())
	if err != nil {
		return model.Signal{}, err
	}
	if price, ok := e.store.LastPrice(symbol); ok {
		sig = strategy.Reprice(sig, price)
	}
	if sig.TS.IsZero() {
		sig.TS = e.now()
	}

	e.sigMu.Lock()
	e.signals[symbol] = sig
	e.sigMu.Unlock()

	e.m.Signals.WithLabelValues(string(sig.Side)).Inc()
	e.emit(EventSignal, sig)
	if e.pub != nil {
		if err := e.pub.PublishSignal(ctx, sig); err != nil {
			e.log.Debug("[engine] signal publish failed", "symbol", symbol, "error", err)
		}
	}
	return sig, nil
}

// publishPortfolio pushes the latest snapshot to metrics, subscribers and
// the publisher.
func (e *Engine) publishPortfolio(ctx context.Context) {
	st := e.Portfolio()
	e.m.ObservePortfolio(st)
	_, dd := e.ledger.Drawdown()
	e.m.Drawdown.Set(dd)
	e.emit(EventPortfolio, st)
	if e.pub != nil {
		if err := e.pub.PublishPortfolio(ctx, st); err != nil {
			e.log.Debug("[engine] portfolio publish failed", "error", err)
		}
	}
}

func (e *Engine) logFailure(ctx context.Context, symbol string, err error) {
	var rej *model.RejectError
	if errors.As(err, &rej) {
		e.log.Info("[engine] order rejected",
			append(logger.LogWithTrace(ctx), "symbol", symbol, "reason", rej.Reason, "detail", rej.Detail)...)
		return
	}
	e.log.Warn("[engine] symbol cycle skipped",
		append(logger.LogWithTrace(ctx), "symbol", symbol, "error", err)...)
	e.record(model.LogError, "symbol cycle skipped", map[string]any{"symbol": symbol, "error": err.Error()})
}
