package trader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-session-bot-go/internal/config"
	"trading-session-bot-go/internal/errs"
	"trading-session-bot-go/internal/events"
	"trading-session-bot-go/internal/exchange"
	"trading-session-bot-go/internal/id"
	"trading-session-bot-go/internal/ledger"
	"trading-session-bot-go/internal/logger"
	"trading-session-bot-go/internal/market"
	"trading-session-bot-go/internal/models"
	"trading-session-bot-go/internal/repo"
	"trading-session-bot-go/internal/strategy"
)

// Deps are the collaborators shared by every engine in the process.
type Deps struct {
	Gateways exchange.GatewayFactory
	Store    repo.Store
	Sink     events.Sink
	Logger   *zap.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Store == nil {
		d.Store = repo.Nop{}
	}
	if d.Sink == nil {
		d.Sink = events.Discard
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

// Engine runs one trading session: it owns the session state machine, the
// market data cache fed by the gateway subscription, the ledger and the
// evaluation loop.
type Engine struct {
	deps      Deps
	logger    *zap.Logger
	cfg       config.Trading
	interval  exchange.Interval
	quantity  decimal.Decimal
	evaluator strategy.Evaluator
	cache     *market.Cache
	ledger    *ledger.Ledger

	mu        sync.RWMutex
	session   Session
	iteration int
	gateway   exchange.Gateway
	executor  exchange.OrderExecutor
	unsubs    []func()

	// tradeMu serializes order placement so the loop and manual closes never
	// race on the same position.
	tradeMu sync.Mutex

	runCtx      context.Context
	cancel      context.CancelFunc
	done        chan struct{} // closed once the loop (or an aborted start) has released resources
	finished    chan struct{} // closed once the session reached a terminal state
	doneOnce    sync.Once
	finishOnce  sync.Once
	releaseOnce sync.Once
}

// NewEngine builds an engine in the created state. Nothing touches the
// network until Start.
func NewEngine(userID string, mode exchange.Mode, configID string, cfg config.Trading, deps Deps) *Engine {
	deps = deps.withDefaults()
	sessionID := id.New()
	runCtx, cancel := context.WithCancel(context.Background())
	balance := decimal.NewFromFloat(cfg.InitialBalance)
	evaluator := strategy.NewMACross(cfg.Strategy.Fast, cfg.Strategy.Slow, cfg.Strategy.EveryN)

	return &Engine{
		deps:      deps,
		logger:    logger.ForSession(deps.Logger, sessionID, userID),
		cfg:       cfg,
		interval:  exchange.Interval(cfg.Timeframe),
		quantity:  decimal.NewFromFloat(cfg.Quantity),
		evaluator: evaluator,
		cache:     market.NewCache(),
		ledger:    ledger.New(),
		session: Session{
			ID:             sessionID,
			UserID:         userID,
			Mode:           mode,
			ConfigID:       configID,
			Strategy:       evaluator.Name(),
			Symbols:        append([]string(nil), cfg.Symbols...),
			Status:         StatusCreated,
			InitialBalance: balance,
			CurrentBalance: balance,
		},
		runCtx:   runCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Session returns a snapshot of the session.
func (e *Engine) Session() Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session.clone()
}

// ID is the session id.
func (e *Engine) ID() string {
	return e.session.ID
}

func (e *Engine) state() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session.Status
}

// Start connects the gateway, subscribes to every symbol and launches the
// evaluation loop. It returns once the loop is running; the loop itself runs
// until Stop or a fatal error.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.session.Status != StatusCreated {
		st := e.session.Status
		e.mu.Unlock()
		return &errs.InvalidStateError{Entity: "session", ID: e.session.ID, State: string(st), Op: "start"}
	}
	e.session.Status = StatusStarting
	e.mu.Unlock()

	e.logger.Info("Starting session", zap.String("mode", string(e.session.Mode)), zap.Strings("symbols", e.cfg.Symbols))
	e.emit(events.LevelInfo, "Starting bot", map[string]any{"mode": e.session.Mode, "symbols": e.cfg.Symbols})
	e.persistSession()

	if err := e.cfg.Validate(); err != nil {
		return e.fail(err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	gw, err := e.deps.Gateways(connectCtx, e.session.Mode)
	cancel()
	if err != nil {
		return e.fail(err)
	}

	e.mu.Lock()
	e.gateway = gw
	e.executor = exchange.NewExecutor(e.session.Mode, gw)
	e.mu.Unlock()

	for _, symbol := range e.cfg.Symbols {
		stop, err := e.subscribe(ctx, gw, symbol)
		if err != nil {
			return e.fail(fmt.Errorf("subscribe %s: %w", symbol, err))
		}
		e.mu.Lock()
		e.unsubs = append(e.unsubs, stop)
		e.mu.Unlock()
	}

	e.mu.Lock()
	if e.session.Status != StatusStarting {
		// Stop arrived while we were connecting.
		st := e.session.Status
		e.mu.Unlock()
		e.release()
		e.markDone()
		return &errs.InvalidStateError{Entity: "session", ID: e.session.ID, State: string(st), Op: "start"}
	}
	now := time.Now().UTC()
	e.session.Status = StatusRunning
	e.session.StartedAt = &now
	e.mu.Unlock()

	e.persistSession()
	e.publishSession()
	e.emit(events.LevelInfo, "Bot started", nil)

	go e.run(e.runCtx)
	return nil
}

type subscription struct {
	stop func()
	err  error
}

// subscribe attaches the symbol's stream for the life of the session but waits
// at most CallTimeout, or until ctx is done, for the gateway to attach it.
func (e *Engine) subscribe(ctx context.Context, gw exchange.Gateway, symbol string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	result := make(chan subscription, 1)
	go func() {
		stop, err := gw.Subscribe(e.runCtx, symbol, e.interval, e.onTick)
		result <- subscription{stop: stop, err: err}
	}()

	select {
	case res := <-result:
		return res.stop, res.err
	case <-waitCtx.Done():
		// A subscription that attaches after we gave up is detached at once.
		go func() {
			if res := <-result; res.err == nil && res.stop != nil {
				res.stop()
			}
		}()
		return nil, &errs.GatewayError{Op: "subscribe " + symbol, Err: waitCtx.Err()}
	}
}

// fail moves a starting session to the error state and releases whatever was
// acquired.
func (e *Engine) fail(cause error) error {
	e.mu.Lock()
	if e.session.Status == StatusStopping {
		// A concurrent Stop cancelled the start; it finalizes the session.
		e.mu.Unlock()
		e.release()
		e.markDone()
		return &errs.InvalidStateError{Entity: "session", ID: e.session.ID, State: string(StatusStopping), Op: "start"}
	}
	now := time.Now().UTC()
	e.session.Status = StatusError
	e.session.ErrorMessage = cause.Error()
	e.session.EndedAt = &now
	e.mu.Unlock()

	e.logger.Error("Session failed to start", zap.Error(cause))
	e.cancel()
	e.release()
	e.markDone()
	e.persistSession()
	e.publishSession()
	e.emit(events.LevelError, "Error starting bot: "+cause.Error(), nil)
	e.markFinished()
	return cause
}

// Stop cancels the loop and waits up to the stop grace for it to exit. If the
// loop does not exit in time, resources are torn down anyway and a warning is
// emitted. Stopping an already stopped or failed session is a no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	switch e.session.Status {
	case StatusStopped, StatusError:
		e.mu.Unlock()
		return nil
	case StatusCreated:
		now := time.Now().UTC()
		e.session.Status = StatusStopped
		e.session.EndedAt = &now
		e.mu.Unlock()
		e.cancel()
		e.markDone()
		e.markFinished()
		e.persistSession()
		return nil
	case StatusStopping:
		e.mu.Unlock()
		select {
		case <-e.finished:
		case <-ctx.Done():
		}
		return nil
	}
	e.session.Status = StatusStopping
	e.mu.Unlock()

	e.logger.Info("Stopping session")
	e.publishSession()
	e.cancel()

	grace := e.cfg.StopGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-e.done:
	case <-timer.C:
		e.forceRelease("loop did not exit within the stop grace period")
	case <-ctx.Done():
		e.forceRelease("stop request cancelled: " + ctx.Err().Error())
	}

	e.finalize()
	return nil
}

func (e *Engine) forceRelease(reason string) {
	e.logger.Warn("Ungraceful shutdown", zap.String("reason", reason))
	e.emit(events.LevelWarning, "Ungraceful shutdown: "+reason, nil)
	e.release()
}

// finalize records the end of the session. An error recorded by the loop
// while stopping is kept.
func (e *Engine) finalize() {
	e.mu.Lock()
	now := time.Now().UTC()
	if e.session.Status != StatusError {
		e.session.Status = StatusStopped
	}
	if e.session.EndedAt == nil {
		e.session.EndedAt = &now
	}
	e.mu.Unlock()

	e.persistSession()
	e.publishSession()
	e.emit(events.LevelInfo, "Bot stopped", nil)
	e.markFinished()
}

// release unsubscribes from every stream. Safe to call more than once.
func (e *Engine) release() {
	e.releaseOnce.Do(func() {
		e.mu.Lock()
		unsubs := e.unsubs
		e.unsubs = nil
		e.mu.Unlock()
		for _, stop := range unsubs {
			stop()
		}
	})
}

func (e *Engine) markDone()     { e.doneOnce.Do(func() { close(e.done) }) }
func (e *Engine) markFinished() { e.finishOnce.Do(func() { close(e.finished) }) }

// Done is closed once the session reached a terminal state.
func (e *Engine) Done() <-chan struct{} { return e.finished }

// onTick is the feed callback. It runs on the gateway's goroutine.
func (e *Engine) onTick(t market.Tick) {
	if t.Symbol == "" || !t.Close.IsPositive() {
		return
	}
	e.cache.Put(t)
	e.ledger.UpdatePrice(t.Symbol, t.Close)
}

// Status reports the session state without waiting on the loop.
func (e *Engine) Status() StatusReport {
	e.mu.RLock()
	s := e.session.clone()
	iteration := e.iteration
	e.mu.RUnlock()

	return StatusReport{
		Status:        s.Status,
		Session:       &s,
		Iteration:     iteration,
		RealizedPnL:   e.ledger.RealizedPnL(),
		UnrealizedPnL: e.ledger.UnrealizedPnL(),
		Positions:     e.ledger.OpenPositions(),
		RecentTrades:  e.ledger.TradeHistory(time.Time{}, 10),
	}
}

func (e *Engine) OpenPositions() []ledger.Position {
	return e.ledger.OpenPositions()
}

func (e *Engine) TradeHistory(since time.Time, limit int) []ledger.Trade {
	return e.ledger.TradeHistory(since, limit)
}

// Performance aggregates trades closed at or after since.
func (e *Engine) Performance(since time.Time) ledger.Performance {
	return ledger.ComputePerformance(e.ledger.TradeHistory(time.Time{}, 0), e.session.InitialBalance, since)
}

// ClosePosition closes an open trade at the latest cached price.
func (e *Engine) ClosePosition(ctx context.Context, tradeID string) (ledger.Trade, error) {
	if st := e.state(); st != StatusRunning {
		return ledger.Trade{}, &errs.InvalidStateError{Entity: "session", ID: e.session.ID, State: string(st), Op: "close position in"}
	}
	e.tradeMu.Lock()
	defer e.tradeMu.Unlock()

	tr, err := e.ledger.Trade(tradeID)
	if err != nil {
		return ledger.Trade{}, err
	}
	if !tr.IsOpen() {
		return ledger.Trade{}, &errs.InvalidStateError{Entity: "trade", ID: tradeID, State: string(tr.Status), Op: "close"}
	}
	price, ok := e.markPrice(tr)
	if !ok {
		return ledger.Trade{}, &errs.GatewayError{Op: "close position", Err: fmt.Errorf("no price for %s", tr.Symbol)}
	}
	return e.closeTrade(ctx, tr, price, ledger.ReasonManual)
}

// UpdateRiskLevels amends the stop loss and take profit of an open trade.
func (e *Engine) UpdateRiskLevels(tradeID string, stopLoss, takeProfit *decimal.Decimal) (ledger.Trade, error) {
	tr, err := e.ledger.UpdateRiskLevels(tradeID, stopLoss, takeProfit)
	if err != nil {
		return ledger.Trade{}, err
	}
	e.persistTrade(tr)
	e.publishTrade("Risk levels updated", tr)
	return tr, nil
}

// markPrice is the latest cached close, falling back to the position's last
// mark.
func (e *Engine) markPrice(tr ledger.Trade) (decimal.Decimal, bool) {
	if tick, ok := e.cache.Latest(tr.Symbol); ok {
		return tick.Close, true
	}
	for _, p := range e.ledger.OpenPositions() {
		if p.TradeID == tr.ID && p.CurrentPrice.IsPositive() {
			return p.CurrentPrice, true
		}
	}
	return decimal.Zero, false
}

// persistence and events never fail the caller; errors are logged.

func (e *Engine) persistSession() {
	s := e.Session()
	row := models.Session{
		ID:             s.ID,
		UserID:         s.UserID,
		Mode:           string(s.Mode),
		ConfigID:       s.ConfigID,
		Status:         string(s.Status),
		Strategy:       s.Strategy,
		Symbols:        strings.Join(s.Symbols, ","),
		InitialBalance: s.InitialBalance,
		CurrentBalance: s.CurrentBalance,
		StartedAt:      s.StartedAt,
		EndedAt:        s.EndedAt,
		ErrorMessage:   s.ErrorMessage,
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.storeTimeout())
	defer cancel()
	if err := e.deps.Store.SaveSession(ctx, row); err != nil {
		e.logger.Error("Failed to persist session", zap.Error(err))
	}
}

func (e *Engine) persistTrade(t ledger.Trade) {
	ctx, cancel := context.WithTimeout(context.Background(), e.storeTimeout())
	defer cancel()
	if err := e.deps.Store.SaveTrade(ctx, repo.TradeRow(t, e.session.UserID)); err != nil {
		e.logger.Error("Failed to persist trade", zap.String("trade_id", t.ID), zap.Error(err))
	}
}

func (e *Engine) storeTimeout() time.Duration {
	if e.cfg.CallTimeout > 0 {
		return e.cfg.CallTimeout
	}
	return 15 * time.Second
}

func (e *Engine) emit(level events.Level, message string, fields map[string]any) {
	ev := events.Event{
		SessionID: e.session.ID,
		UserID:    e.session.UserID,
		Level:     level,
		Source:    "engine",
		Topic:     events.TopicBotLog,
		Message:   message,
		Fields:    fields,
		Timestamp: time.Now().UTC(),
	}
	e.publish(events.TopicBotLog, ev)

	ctx, cancel := context.WithTimeout(context.Background(), e.storeTimeout())
	defer cancel()
	if err := e.deps.Store.SaveEvent(ctx, ev); err != nil {
		e.logger.Debug("Failed to persist event", zap.Error(err))
	}
}

func (e *Engine) publishTrade(message string, t ledger.Trade) {
	e.publish(events.TopicTradeUpdate, events.Event{
		SessionID: e.session.ID,
		UserID:    e.session.UserID,
		Level:     events.LevelInfo,
		Source:    "ledger",
		Topic:     events.TopicTradeUpdate,
		Message:   message,
		Fields:    map[string]any{"trade": t},
		Timestamp: time.Now().UTC(),
	})
}

// publishBalance broadcasts a balance snapshot after a close.
func (e *Engine) publishBalance(balance decimal.Decimal) {
	e.publish(events.TopicBalanceUpdate, events.Event{
		SessionID: e.session.ID,
		UserID:    e.session.UserID,
		Level:     events.LevelInfo,
		Source:    "ledger",
		Topic:     events.TopicBalanceUpdate,
		Message:   "Balance " + balance.StringFixed(2),
		Fields: map[string]any{
			"balance":         balance,
			"initial_balance": e.session.InitialBalance,
			"realized_pnl":    e.ledger.RealizedPnL(),
			"unrealized_pnl":  e.ledger.UnrealizedPnL(),
		},
		Timestamp: time.Now().UTC(),
	})
}

func (e *Engine) publishSession() {
	s := e.Session()
	e.publish(events.TopicSessionUpdate, events.Event{
		SessionID: s.ID,
		UserID:    s.UserID,
		Level:     events.LevelInfo,
		Source:    "engine",
		Topic:     events.TopicSessionUpdate,
		Message:   "Session " + string(s.Status),
		Fields:    map[string]any{"session": s},
		Timestamp: time.Now().UTC(),
	})
}

// publish hands an event to the sink. A failing or panicking sink is logged
// and otherwise ignored.
func (e *Engine) publish(topic string, ev events.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Event sink panicked", zap.String("topic", topic), zap.Any("panic", r))
		}
	}()
	if err := e.deps.Sink.Publish(topic, ev); err != nil {
		e.logger.Warn("Failed to publish event", zap.String("topic", topic), zap.Error(err))
	}
}

func isRejected(err error) bool {
	var rejected *errs.OrderRejectedError
	return errors.As(err, &rejected)
}
