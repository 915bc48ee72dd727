package trader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-session-bot-go/internal/config"
	"trading-session-bot-go/internal/errs"
	"trading-session-bot-go/internal/exchange"
	"trading-session-bot-go/internal/ledger"
)

// StartResult is returned by a successful Registry.Start.
type StartResult struct {
	SessionID string        `json:"session_id"`
	Mode      exchange.Mode `json:"trading_mode"`
}

// Registry maps users to their session engine. At most one non-terminal
// session exists per user.
type Registry struct {
	cfg    config.Config
	deps   Deps
	logger *zap.Logger

	mu      sync.Mutex
	engines map[string]*Engine
}

func NewRegistry(cfg config.Config, deps Deps) *Registry {
	deps = deps.withDefaults()
	return &Registry{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.Named("registry"),
		engines: make(map[string]*Engine),
	}
}

// Start creates and starts a session for userID. The slot is reserved before
// any I/O so concurrent starts for the same user see *errs.AlreadyRunningError.
func (r *Registry) Start(ctx context.Context, userID string, mode exchange.Mode, configID string) (StartResult, error) {
	if userID == "" {
		return StartResult{}, &errs.ConfigurationError{Field: "user_id", Reason: "required"}
	}
	mode, err := exchange.ParseMode(string(mode))
	if err != nil {
		return StartResult{}, err
	}
	tcfg, err := r.cfg.TradingFor(configID)
	if err != nil {
		return StartResult{}, err
	}

	r.mu.Lock()
	if existing, ok := r.engines[userID]; ok && !existing.state().IsTerminal() {
		r.mu.Unlock()
		return StartResult{}, &errs.AlreadyRunningError{UserID: userID, SessionID: existing.ID()}
	}
	engine := NewEngine(userID, mode, configID, tcfg, r.deps)
	r.engines[userID] = engine
	r.mu.Unlock()

	// A failed engine stays registered in the error state so status can
	// report why; the next Start replaces it.
	if err := engine.Start(ctx); err != nil {
		r.logger.Warn("Session start failed", zap.String("user_id", userID), zap.Error(err))
		return StartResult{}, err
	}

	r.logger.Info("Session started", zap.String("user_id", userID), zap.String("session_id", engine.ID()), zap.String("mode", string(mode)))
	return StartResult{SessionID: engine.ID(), Mode: mode}, nil
}

// Stop stops and deregisters the user's session. A session already in a
// terminal state is simply removed.
func (r *Registry) Stop(ctx context.Context, userID string) error {
	r.mu.Lock()
	engine, ok := r.engines[userID]
	r.mu.Unlock()
	if !ok {
		return &errs.NotRunningError{UserID: userID}
	}

	if err := engine.Stop(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	if r.engines[userID] == engine {
		delete(r.engines, userID)
	}
	r.mu.Unlock()
	r.logger.Info("Session stopped", zap.String("user_id", userID), zap.String("session_id", engine.ID()))
	return nil
}

// Status reports the user's session, or StatusNotRunning.
func (r *Registry) Status(userID string) StatusReport {
	engine, ok := r.engine(userID)
	if !ok {
		return StatusReport{
			Status:        StatusNotRunning,
			RealizedPnL:   decimal.Zero,
			UnrealizedPnL: decimal.Zero,
			Positions:     []ledger.Position{},
			RecentTrades:  []ledger.Trade{},
		}
	}
	return engine.Status()
}

func (r *Registry) OpenPositions(userID string) ([]ledger.Position, error) {
	engine, err := r.mustEngine(userID)
	if err != nil {
		return nil, err
	}
	return engine.OpenPositions(), nil
}

func (r *Registry) TradeHistory(userID string, since time.Time, limit int) ([]ledger.Trade, error) {
	engine, err := r.mustEngine(userID)
	if err != nil {
		return nil, err
	}
	return engine.TradeHistory(since, limit), nil
}

func (r *Registry) Performance(userID string, since time.Time) (ledger.Performance, error) {
	engine, err := r.mustEngine(userID)
	if err != nil {
		return ledger.Performance{}, err
	}
	return engine.Performance(since), nil
}

func (r *Registry) ClosePosition(ctx context.Context, userID, tradeID string) (ledger.Trade, error) {
	engine, err := r.mustEngine(userID)
	if err != nil {
		return ledger.Trade{}, err
	}
	return engine.ClosePosition(ctx, tradeID)
}

func (r *Registry) UpdateRiskLevels(userID, tradeID string, stopLoss, takeProfit *decimal.Decimal) (ledger.Trade, error) {
	engine, err := r.mustEngine(userID)
	if err != nil {
		return ledger.Trade{}, err
	}
	return engine.UpdateRiskLevels(tradeID, stopLoss, takeProfit)
}

// Done returns a channel that is closed once the user's session reaches a
// terminal state.
func (r *Registry) Done(userID string) (<-chan struct{}, error) {
	engine, err := r.mustEngine(userID)
	if err != nil {
		return nil, err
	}
	return engine.Done(), nil
}

// Active lists users with a non-terminal session.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := lo.Filter(lo.Keys(r.engines), func(userID string, _ int) bool {
		return !r.engines[userID].state().IsTerminal()
	})
	return users
}

// StopAll stops every registered session, typically on process shutdown.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	users := lo.Keys(r.engines)
	r.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(users))
	for _, userID := range users {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			if err := r.Stop(ctx, userID); err != nil {
				var notRunning *errs.NotRunningError
				if !errors.As(err, &notRunning) {
					errCh <- err
				}
			}
		}(userID)
	}
	wg.Wait()
	close(errCh)

	var errList []error
	for err := range errCh {
		errList = append(errList, err)
	}
	return errors.Join(errList...)
}

func (r *Registry) engine(userID string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[userID]
	return e, ok
}

func (r *Registry) mustEngine(userID string) (*Engine, error) {
	e, ok := r.engine(userID)
	if !ok {
		return nil, &errs.NotRunningError{UserID: userID}
	}
	return e, nil
}
