package trader

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-session-bot-go/internal/errs"
	"trading-session-bot-go/internal/events"
	"trading-session-bot-go/internal/exchange"
	"trading-session-bot-go/internal/ledger"
	"trading-session-bot-go/internal/market"
	"trading-session-bot-go/internal/strategy"
)

var hundred = decimal.NewFromInt(100)

// run is the evaluation loop. Iterations never overlap: the next one is
// scheduled wait_interval after the previous one completes.
func (e *Engine) run(ctx context.Context) {
	defer e.markDone()
	defer e.release()

	e.emit(events.LevelInfo, "Trading loop started", map[string]any{"wait_interval": e.cfg.WaitInterval.String()})

	failures := 0
	for {
		if ctx.Err() != nil {
			e.shutdown()
			return
		}

		e.mu.Lock()
		e.iteration++
		iteration := e.iteration
		e.mu.Unlock()

		err := e.iterate(ctx, iteration)
		if ctx.Err() != nil {
			e.shutdown()
			return
		}

		if err != nil {
			failures++
			e.logger.Error("Iteration failed", zap.Int("iteration", iteration), zap.Int("consecutive_failures", failures), zap.Error(err))
			e.emit(events.LevelError, fmt.Sprintf("Iteration #%d failed: %v", iteration, err), map[string]any{"consecutive_failures": failures})
			if failures >= e.cfg.MaxConsecutiveFailures {
				e.escalate(fmt.Errorf("%d consecutive iteration failures, last: %w", failures, err))
				return
			}
		} else {
			failures = 0
		}

		timer := time.NewTimer(e.cfg.WaitInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.shutdown()
			return
		case <-timer.C:
		}
	}
}

// escalate moves a running session to the error state.
func (e *Engine) escalate(cause error) {
	e.mu.Lock()
	if e.session.Status != StatusRunning {
		e.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	e.session.Status = StatusError
	e.session.ErrorMessage = cause.Error()
	e.session.EndedAt = &now
	e.mu.Unlock()

	e.logger.Error("Session escalated to error", zap.Error(cause))
	e.cancel()
	e.persistSession()
	e.publishSession()
	e.emit(events.LevelError, "Bot stopped on error: "+cause.Error(), nil)
	e.markFinished()
}

// shutdown runs when the loop observes cancellation.
func (e *Engine) shutdown() {
	if !e.cfg.CloseOnStop {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CallTimeout)
	defer cancel()

	e.tradeMu.Lock()
	defer e.tradeMu.Unlock()
	for _, tr := range e.ledger.OpenTrades("") {
		price, ok := e.markPrice(tr)
		if !ok {
			continue
		}
		if _, err := e.closeTrade(ctx, tr, price, ledger.ReasonShutdown); err != nil {
			e.logger.Warn("Could not close position on shutdown", zap.String("trade_id", tr.ID), zap.Error(err))
		}
	}
}

// iterate evaluates every symbol once. A panic is converted into an error so
// one bad iteration cannot kill the loop.
func (e *Engine) iterate(ctx context.Context, iteration int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Iteration panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("iteration panicked: %v", r)
		}
	}()

	var failed []error
	for _, symbol := range e.cfg.Symbols {
		if ctx.Err() != nil {
			return nil
		}
		if err := e.evaluateSymbol(ctx, symbol, iteration); err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", symbol, err))
		}
	}
	return errors.Join(failed...)
}

func (e *Engine) evaluateSymbol(ctx context.Context, symbol string, iteration int) error {
	tick, ok := e.cache.Latest(symbol)
	if !ok {
		e.emit(events.LevelWarning, "No market data for "+symbol+", skipping", map[string]any{"symbol": symbol})
		return nil
	}
	e.publishPrice(tick)
	if d := e.interval.Duration(); d > 0 && time.Since(tick.Timestamp) > 2*d {
		e.emit(events.LevelWarning, "Market data for "+symbol+" is stale", map[string]any{"symbol": symbol, "last_tick": tick.Timestamp})
	}

	if err := e.applyRiskPolicy(ctx, symbol, tick.Close); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	history, err := e.gateway.FetchHistory(callCtx, symbol, e.interval, time.Time{}, e.cfg.HistoryLimit)
	cancel()
	if err != nil {
		var gwErr *errs.GatewayError
		if !errors.As(err, &gwErr) {
			err = &errs.GatewayError{Op: "fetch history " + symbol, Err: err}
		}
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	history = append(history, tick)

	sig := e.evaluator.Evaluate(history, iteration)
	e.emit(events.LevelInfo, fmt.Sprintf("%s %s @ %s", sig.Decision, symbol, sig.Price), map[string]any{
		"symbol":    symbol,
		"decision":  sig.Decision,
		"price":     sig.Price,
		"fast":      sig.Fast,
		"slow":      sig.Slow,
		"reason":    sig.Reason,
		"iteration": iteration,
	})

	switch sig.Decision {
	case strategy.Buy:
		return e.openLong(ctx, symbol, tick.Close)
	case strategy.Sell:
		return e.closeSymbol(ctx, symbol, tick.Close, ledger.ReasonSignal)
	}
	return nil
}

// applyRiskPolicy closes positions whose stop loss or take profit fired.
func (e *Engine) applyRiskPolicy(ctx context.Context, symbol string, price decimal.Decimal) error {
	hits := e.ledger.UpdatePrice(symbol, price)
	if len(hits) == 0 {
		return nil
	}

	e.tradeMu.Lock()
	defer e.tradeMu.Unlock()
	var failed []error
	for _, hit := range hits {
		tr, err := e.ledger.Trade(hit.TradeID)
		if err != nil || !tr.IsOpen() {
			continue
		}
		if _, err := e.closeTrade(ctx, tr, hit.Price, hit.Reason); err != nil && !isRejected(err) {
			failed = append(failed, err)
		}
	}
	return errors.Join(failed...)
}

func (e *Engine) openLong(ctx context.Context, symbol string, price decimal.Decimal) error {
	e.tradeMu.Lock()
	defer e.tradeMu.Unlock()

	if open := e.ledger.OpenCount(); open >= e.cfg.MaxOpenPositions {
		e.emit(events.LevelInfo, fmt.Sprintf("Max open positions reached (%d), not buying %s", open, symbol), map[string]any{"symbol": symbol})
		return nil
	}

	res, err := e.execute(ctx, exchange.OrderRequest{
		Symbol:   symbol,
		Side:     exchange.SideBuy,
		Type:     exchange.OrderTypeMarket,
		Quantity: e.quantity,
		RefPrice: price,
	})
	if err != nil {
		if isRejected(err) {
			e.emit(events.LevelWarning, "Order rejected: "+err.Error(), map[string]any{"symbol": symbol})
			return nil
		}
		return err
	}

	fill := fillPrice(res, price)
	qty := res.ExecutedQty
	if !qty.IsPositive() {
		qty = e.quantity
	}
	stopLoss, takeProfit := e.riskLevels(fill)

	tr, err := e.ledger.OpenTrade(ledger.OpenRequest{
		SessionID:  e.session.ID,
		Symbol:     symbol,
		Side:       ledger.Long,
		Price:      fill,
		Quantity:   qty,
		OrderID:    res.OrderID,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		IsReal:     e.session.Mode.IsReal(),
	})
	if err != nil {
		return fmt.Errorf("record trade: %w", err)
	}
	// seed the position with the freshest price
	if tick, ok := e.cache.Latest(symbol); ok {
		e.ledger.UpdatePrice(symbol, tick.Close)
	}

	e.persistTrade(tr)
	e.publishTrade("Opened long "+symbol, tr)
	e.emit(events.LevelInfo, fmt.Sprintf("BUY %s %s @ %s", qty, symbol, fill), map[string]any{"trade_id": tr.ID, "order_id": res.OrderID})
	return nil
}

// closeSymbol closes every open trade on symbol.
func (e *Engine) closeSymbol(ctx context.Context, symbol string, price decimal.Decimal, reason ledger.CloseReason) error {
	e.tradeMu.Lock()
	defer e.tradeMu.Unlock()

	open := e.ledger.OpenTrades(symbol)
	if len(open) == 0 {
		e.emit(events.LevelInfo, "No open position on "+symbol+" to sell", map[string]any{"symbol": symbol})
		return nil
	}
	var failed []error
	for _, tr := range open {
		if _, err := e.closeTrade(ctx, tr, price, reason); err != nil {
			if isRejected(err) {
				e.emit(events.LevelWarning, "Order rejected: "+err.Error(), map[string]any{"symbol": symbol, "trade_id": tr.ID})
				continue
			}
			failed = append(failed, err)
		}
	}
	return errors.Join(failed...)
}

// closeTrade places the unwinding order and records the close. Callers hold
// tradeMu.
func (e *Engine) closeTrade(ctx context.Context, tr ledger.Trade, price decimal.Decimal, reason ledger.CloseReason) (ledger.Trade, error) {
	entry := exchange.SideBuy
	if tr.Side == ledger.Short {
		entry = exchange.SideSell
	}
	side := entry.Opposite()
	res, err := e.execute(ctx, exchange.OrderRequest{
		Symbol:   tr.Symbol,
		Side:     side,
		Type:     exchange.OrderTypeMarket,
		Quantity: tr.Quantity,
		RefPrice: price,
	})
	if err != nil {
		return ledger.Trade{}, err
	}

	closed, err := e.ledger.CloseTrade(tr.ID, fillPrice(res, price), reason, time.Now().UTC())
	if err != nil {
		return ledger.Trade{}, err
	}

	e.mu.Lock()
	e.session.CurrentBalance = e.session.CurrentBalance.Add(closed.RealizedPnL())
	balance := e.session.CurrentBalance
	e.mu.Unlock()

	e.persistTrade(closed)
	e.persistSession()
	e.publishBalance(balance)
	e.publishTrade(fmt.Sprintf("Closed %s (%s)", tr.Symbol, reason), closed)
	e.emit(events.LevelInfo, fmt.Sprintf("%s %s %s @ %s, pnl %s", side, tr.Quantity, tr.Symbol, closed.ExitPrice, closed.PnL), map[string]any{
		"trade_id": closed.ID,
		"reason":   reason,
	})
	return closed, nil
}

// execute sends an order through the session's executor with the call
// timeout applied.
func (e *Engine) execute(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	e.mu.RLock()
	executor := e.executor
	e.mu.RUnlock()
	if executor == nil {
		return exchange.OrderResult{}, &errs.InvalidStateError{Entity: "session", ID: e.session.ID, State: string(e.state()), Op: "place order in"}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	res, err := executor.Execute(callCtx, req)
	if err != nil {
		var gwErr *errs.GatewayError
		if !isRejected(err) && !errors.As(err, &gwErr) {
			err = &errs.GatewayError{Op: "place order " + req.Symbol, Err: err}
		}
		return exchange.OrderResult{}, err
	}
	return res, nil
}

// riskLevels derives stop loss and take profit from the configured
// percentages. A zero percentage leaves the level unset.
func (e *Engine) riskLevels(entry decimal.Decimal) (stopLoss, takeProfit *decimal.Decimal) {
	if pct := e.cfg.Risk.StopLossPercent; pct > 0 {
		v := entry.Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(pct).Div(hundred)))
		stopLoss = &v
	}
	if pct := e.cfg.Risk.TakeProfitPercent; pct > 0 {
		v := entry.Mul(decimal.NewFromInt(1).Add(decimal.NewFromFloat(pct).Div(hundred)))
		takeProfit = &v
	}
	return stopLoss, takeProfit
}

func fillPrice(res exchange.OrderResult, ref decimal.Decimal) decimal.Decimal {
	if res.AvgPrice.IsPositive() {
		return res.AvgPrice
	}
	return ref
}

func (e *Engine) publishPrice(t market.Tick) {
	e.publish(events.TopicPriceUpdate, events.Event{
		SessionID: e.session.ID,
		UserID:    e.session.UserID,
		Level:     events.LevelInfo,
		Source:    "market",
		Topic:     events.TopicPriceUpdate,
		Message:   t.Symbol + " " + t.Close.String(),
		Fields:    map[string]any{"tick": t},
		Timestamp: t.Timestamp,
	})
}
