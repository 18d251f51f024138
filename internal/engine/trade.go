package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"tradebot/internal/logger"
	"tradebot/internal/model"
	"tradebot/internal/notification"
	"tradebot/internal/risk"
)

// TradeResult is the outcome of one confirmed fill.
type TradeResult struct {
	Execution model.Execution  `json:"execution"`
	Position  model.Position   `json:"position"`
	Reason    model.ExitReason `json:"reason,omitempty"`
	PnL       float64          `json:"pnl"`
}

// enter runs a BUY signal through risk, the broker and the ledger. The
// symbol lock and the entry gate are held from the capital check until the
// ledger has applied the confirmation.
func (e *Engine) enter(ctx context.Context, sig model.Signal) (TradeResult, error) {
	mu := e.lockFor(sig.Symbol)
	mu.Lock()
	defer mu.Unlock()

	e.entryMu.Lock()
	defer e.entryMu.Unlock()

	if e.ledger.Has(sig.Symbol) {
		return TradeResult{}, e.rejected(model.SideBuy, model.Reject(model.RejectPositionExists, sig.Symbol, ""))
	}
	order, err := e.risk.ManageSignal(sig, risk.Account{
		Available: e.ledger.Available(),
		Exposure:  e.ledger.Exposure(),
	})
	if err != nil {
		return TradeResult{}, e.rejected(model.SideBuy, err)
	}
	if err := e.ledger.CanOpen(order.Symbol, order.Quantity, order.Price); err != nil {
		return TradeResult{}, e.rejected(model.SideBuy, err)
	}

	exec, err := e.execute(ctx, order)
	if err != nil {
		return TradeResult{}, err
	}

	pos, err := e.ledger.Open(exec, order.StopLoss, order.TakeProfit)
	if err != nil {
		if fatal := e.checkFatal(err); fatal != nil {
			return TradeResult{}, fatal
		}
		// The broker filled but the ledger refused: the book and the
		// broker now disagree until an operator reconciles them.
		e.log.Error("[engine] fill not applied", append(logger.LogWithTrace(ctx),
			"order", exec.OrderID, "symbol", exec.Symbol, "error", err)...)
		e.alert(notification.Alert{
			Level:   notification.AlertCritical,
			Title:   "Unapplied BUY fill",
			Message: fmt.Sprintf("%s %d @ %.2f filled but not booked: %v", exec.Symbol, exec.Quantity, exec.Price, err),
		})
		return TradeResult{}, err
	}

	e.journal.RecordTrade(model.TradeRecord{
		ID:       exec.OrderID,
		Symbol:   exec.Symbol,
		Side:     model.SideBuy,
		Quantity: exec.Quantity,
		Price:    exec.Price,
		Reason:   sig.Reason,
		Signals:  signalFields(sig),
		TS:       exec.TS,
	})
	e.journal.UpsertPosition(pos)
	e.record(model.LogInfo, fmt.Sprintf("BUY %d %s @ %.2f", exec.Quantity, exec.Symbol, exec.Price), map[string]any{
		"order": exec.OrderID, "stop": pos.StopLoss, "target": pos.TakeProfit, "votes": sig.Votes,
	})
	e.log.Info("[engine] position opened", append(logger.LogWithTrace(ctx),
		"symbol", pos.Symbol, "qty", pos.Quantity, "price", pos.EntryPrice,
		"stop", pos.StopLoss, "target", pos.TakeProfit)...)

	res := TradeResult{Execution: exec, Position: pos}
	e.emit(EventTrade, res)
	e.alert(notification.Alert{
		Level:   notification.AlertInfo,
		Title:   "BUY " + exec.Symbol,
		Message: fmt.Sprintf("%d @ %.2f, stop %.2f, target %.2f", exec.Quantity, exec.Price, pos.StopLoss, pos.TakeProfit),
	})
	e.publishPortfolio(ctx)
	return res, nil
}

// exitSymbol closes the open position of symbol at the latest price.
func (e *Engine) exitSymbol(ctx context.Context, symbol string, reason model.ExitReason, sig *model.Signal) (TradeResult, error) {
	mu := e.lockFor(symbol)
	mu.Lock()
	defer mu.Unlock()

	pos, ok := e.ledger.Position(symbol)
	if !ok {
		return TradeResult{}, e.rejected(model.SideSell, model.Reject(model.RejectNoPosition, symbol, ""))
	}
	price, ok := e.store.LastPrice(symbol)
	if !ok {
		price = pos.CurrentPrice
	}
	// Stop and target take precedence over a signal exit at the same price.
	if reason == model.ExitSignal {
		if marked, hitReason, hit := e.ledger.Mark(symbol, price, e.now()); hit {
			pos, reason = marked, hitReason
		}
	}
	return e.exitLocked(ctx, pos, price, reason, sig)
}

// exitLocked sells the whole position. The caller holds the symbol lock.
// The entry gate is never taken here, so exits never wait on an entry.
func (e *Engine) exitLocked(ctx context.Context, pos model.Position, price float64, reason model.ExitReason, sig *model.Signal) (TradeResult, error) {
	order := e.risk.ExitOrder(pos, price, reason, e.now())
	exec, err := e.execute(ctx, order)
	if err != nil {
		return TradeResult{}, err
	}
	trade, err := e.ledger.Close(exec, reason)
	if err != nil {
		if fatal := e.checkFatal(err); fatal != nil {
			return TradeResult{}, fatal
		}
		e.log.Error("[engine] fill not applied", append(logger.LogWithTrace(ctx),
			"order", exec.OrderID, "symbol", exec.Symbol, "error", err)...)
		e.alert(notification.Alert{
			Level:   notification.AlertCritical,
			Title:   "Unapplied SELL fill",
			Message: fmt.Sprintf("%s %d @ %.2f filled but not booked: %v", exec.Symbol, exec.Quantity, exec.Price, err),
		})
		return TradeResult{}, err
	}

	var fields map[string]any
	if sig != nil {
		fields = signalFields(*sig)
	}
	e.journal.RecordTrade(model.TradeRecord{
		ID:       exec.OrderID,
		Symbol:   exec.Symbol,
		Side:     model.SideSell,
		Quantity: exec.Quantity,
		Price:    exec.Price,
		PnL:      trade.PnL,
		Reason:   string(reason),
		Signals:  fields,
		TS:       exec.TS,
	})
	e.journal.DeletePosition(exec.Symbol)
	e.record(model.LogInfo, fmt.Sprintf("SELL %d %s @ %.2f (%s)", exec.Quantity, exec.Symbol, exec.Price, reason), map[string]any{
		"order": exec.OrderID, "pnl": trade.PnL,
	})
	e.m.Exits.WithLabelValues(string(reason)).Inc()
	e.log.Info("[engine] position closed", append(logger.LogWithTrace(ctx),
		"symbol", exec.Symbol, "qty", exec.Quantity, "price", exec.Price,
		"reason", reason, "pnl", trade.PnL)...)

	res := TradeResult{Execution: exec, Position: trade.Position, Reason: reason, PnL: trade.PnL}
	e.emit(EventTrade, res)

	level := notification.AlertInfo
	if reason == model.ExitStopLoss {
		level = notification.AlertWarning
	}
	e.alert(notification.Alert{
		Level:   level,
		Title:   "SELL " + exec.Symbol,
		Message: fmt.Sprintf("%d @ %.2f (%s), PnL %.2f", exec.Quantity, exec.Price, reason, trade.PnL),
	})
	e.publishPortfolio(ctx)
	return res, nil
}

// execute sends order to the broker and counts the outcome. A broker
// rejection comes back as a RejectError.
func (e *Engine) execute(ctx context.Context, order model.OrderSpec) (model.Execution, error) {
	exec, err := e.broker.Execute(ctx, order)
	if err != nil {
		e.m.Orders.WithLabelValues(string(order.Side), "ERROR").Inc()
		return model.Execution{}, fmt.Errorf("engine: %w", err)
	}
	e.m.Orders.WithLabelValues(string(order.Side), string(exec.Status)).Inc()
	if !exec.Executed() {
		reason := model.RejectReason(exec.Reason)
		if reason == "" {
			reason = model.RejectInvalidAction
		}
		return exec, e.rejected(order.Side, model.Reject(reason, order.Symbol, "broker rejected order %s", exec.OrderID))
	}
	return exec, nil
}

// rejected counts a rejection and hands it back.
func (e *Engine) rejected(side model.Side, err error) error {
	label := "other"
	var r *model.RejectError
	if errors.As(err, &r) {
		label = string(r.Reason)
	}
	e.m.Rejections.WithLabelValues(label).Inc()
	e.record(model.LogWarning, string(side)+" rejected", map[string]any{"error": err.Error()})
	return err
}

// Analyze computes the current signal for symbol without trading on it.
func (e *Engine) Analyze(ctx context.Context, symbol string) (model.Signal, error) {
	symbol = strings.ToUpper(symbol)
	if !slices.Contains(e.cfg.Symbols, symbol) {
		return model.Signal{}, fmt.Errorf("%w %q", ErrUnknownSymbol, symbol)
	}
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(symbol, e.now()))
	return e.signal(ctx, symbol)
}

// ManualTrade executes an operator order. BUY is sized by the risk
// manager from the latest snapshot and passes the same entry gate as the
// decision loop; SELL closes the whole position.
func (e *Engine) ManualTrade(ctx context.Context, symbol string, side model.Side) (TradeResult, error) {
	symbol = strings.ToUpper(symbol)
	if e.halted.Load() {
		return TradeResult{}, ErrHalted
	}
	if !slices.Contains(e.cfg.Symbols, symbol) {
		return TradeResult{}, fmt.Errorf("%w %q", ErrUnknownSymbol, symbol)
	}
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID("manual-"+symbol, e.now()))

	switch side {
	case model.SideBuy:
		if !e.entriesAllowed(e.now()) {
			return TradeResult{}, fmt.Errorf("%w (%s)", ErrEntriesBlocked, e.Status().Market)
		}
		price, ok := e.store.LastPrice(symbol)
		if !ok {
			return TradeResult{}, e.rejected(side, model.Reject(model.RejectMissingPriceOrStop, symbol, "no price yet"))
		}
		snap := e.store.Snapshot(symbol, e.cfg.DecisionTF)
		p := e.strategy.Params()
		dist := snap.ATR * p.StopATRMultiplier
		sig := model.Signal{
			Symbol:     symbol,
			Side:       model.SideBuy,
			Price:      price,
			Stop:       price - dist,
			Target:     price + dist*p.TakeProfitRatio,
			Reason:     "manual",
			Indicators: snap,
			TS:         e.now(),
		}
		return e.enter(ctx, sig)
	case model.SideSell:
		return e.exitSymbol(ctx, symbol, model.ExitManual, nil)
	}
	return TradeResult{}, e.rejected(side, model.Reject(model.RejectInvalidAction, symbol, "side %q", side))
}

// signalFields flattens the decision inputs for the trade journal.
func signalFields(sig model.Signal) map[string]any {
	ind := sig.Indicators
	return map[string]any{
		"votes":       sig.Votes,
		"score":       sig.Score,
		"rsi":         ind.RSI,
		"ema_short":   ind.EMAShort,
		"ema_long":    ind.EMALong,
		"macd":        ind.MACD,
		"macd_signal": ind.MACDSignal,
		"atr":         ind.ATR,
		"reason":      sig.Reason,
	}
}
