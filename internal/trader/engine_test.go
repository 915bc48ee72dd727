package trader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trading-session-bot-go/internal/config"
	"trading-session-bot-go/internal/errs"
	"trading-session-bot-go/internal/events"
	"trading-session-bot-go/internal/exchange"
	"trading-session-bot-go/internal/ledger"
	"trading-session-bot-go/internal/models"
	"trading-session-bot-go/internal/repo"
)

const waitFor = 2 * time.Second

func newTestEngine(t *testing.T, mode exchange.Mode, cfg config.Trading, gw *MockGateway, sink events.Sink) *Engine {
	t.Helper()
	e := NewEngine("user-1", mode, "", cfg, Deps{Gateways: gw.factory(), Sink: sink, Logger: zap.NewNop()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e
}

func readyGateway(seed float64) *MockGateway {
	gw := newMockGateway()
	gw.seed["BTCUSDT"] = seed
	gw.On("Subscribe", "BTCUSDT").Return(nil)
	gw.On("FetchHistory", mock.Anything, "BTCUSDT", exchange.Interval1m, time.Time{}, 5).Return(candles(100), nil)
	return gw
}

func closedTrades(e *Engine) []ledger.Trade {
	var out []ledger.Trade
	for _, tr := range e.TradeHistory(time.Time{}, 0) {
		if !tr.IsOpen() {
			out = append(out, tr)
		}
	}
	return out
}

func TestEngine_BuyThenSellSignal(t *testing.T) {
	gw := readyGateway(110)
	sink := &recordingSink{}
	e := newTestEngine(t, exchange.ModeSimulation, testTrading(), gw, sink)

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, StatusRunning, e.Status().Status)
	assert.NotNil(t, e.Session().StartedAt)

	require.Eventually(t, func() bool { return len(e.OpenPositions()) == 1 }, waitFor, 5*time.Millisecond)
	pos := e.OpenPositions()[0]
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(110)))

	trades := e.TradeHistory(time.Time{}, 0)
	require.Len(t, trades, 1)
	assert.Contains(t, trades[0].OrderID, "SIM-")
	assert.False(t, trades[0].IsReal)

	gw.push("BTCUSDT", 90)
	require.Eventually(t, func() bool { return len(closedTrades(e)) == 1 }, waitFor, 5*time.Millisecond)

	closed := closedTrades(e)[0]
	assert.Equal(t, ledger.ReasonSignal, closed.CloseReason)
	assert.True(t, closed.PnL.Equal(decimal.NewFromInt(-20)), closed.PnL.String())
	assert.Empty(t, e.OpenPositions())
	assert.True(t, e.Session().CurrentBalance.Equal(decimal.NewFromInt(980)))

	require.Eventually(t, func() bool { return len(sink.topic(events.TopicBalanceUpdate)) == 1 }, waitFor, 5*time.Millisecond)
	balances := sink.topic(events.TopicBalanceUpdate)
	assert.True(t, balances[0].Fields["balance"].(decimal.Decimal).Equal(decimal.NewFromInt(980)))
	assert.True(t, balances[0].Fields["realized_pnl"].(decimal.Decimal).Equal(decimal.NewFromInt(-20)))

	perf := e.Performance(time.Time{})
	assert.Equal(t, 1, perf.TotalTrades)
	assert.Equal(t, 1, perf.LosingTrades)

	assert.True(t, sink.has(events.LevelInfo, "Bot started"))
	gw.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything)
}

func TestEngine_RiskPolicyCloses(t *testing.T) {
	testCases := []struct {
		name   string
		push   float64
		reason ledger.CloseReason
	}{
		{"stop loss", 95, ledger.ReasonStopLoss},
		{"take profit", 125, ledger.ReasonTakeProfit},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testTrading()
			cfg.Risk = config.Risk{StopLossPercent: 10, TakeProfitPercent: 10}
			gw := readyGateway(110)
			e := newTestEngine(t, exchange.ModeSimulation, cfg, gw, nil)

			require.NoError(t, e.Start(context.Background()))
			require.Eventually(t, func() bool { return len(e.OpenPositions()) == 1 }, waitFor, 5*time.Millisecond)

			opened := e.TradeHistory(time.Time{}, 0)[0]
			require.NotNil(t, opened.StopLoss)
			require.NotNil(t, opened.TakeProfit)
			assert.True(t, opened.StopLoss.Equal(decimal.NewFromInt(99)))
			assert.True(t, opened.TakeProfit.Equal(decimal.NewFromInt(121)))

			gw.push("BTCUSDT", tc.push)
			require.Eventually(t, func() bool { return len(closedTrades(e)) >= 1 }, waitFor, 5*time.Millisecond)

			closed := closedTrades(e)[len(closedTrades(e))-1]
			assert.Equal(t, opened.ID, closed.ID)
			assert.Equal(t, tc.reason, closed.CloseReason)
			assert.True(t, closed.ExitPrice.Equal(decimal.NewFromFloat(tc.push)))
			require.NotNil(t, closed.RiskMetrics)
			assert.Equal(t, tc.reason, closed.RiskMetrics.CloseType)
		})
	}
}

func TestEngine_UpdateRiskLevelsTakesEffect(t *testing.T) {
	gw := readyGateway(110)
	e := newTestEngine(t, exchange.ModeSimulation, testTrading(), gw, nil)

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return len(e.OpenPositions()) == 1 }, waitFor, 5*time.Millisecond)
	tradeID := e.OpenPositions()[0].TradeID

	stop := decimal.NewFromInt(115)
	updated, err := e.UpdateRiskLevels(tradeID, &stop, nil)
	require.NoError(t, err)
	assert.True(t, updated.StopLoss.Equal(stop))

	// price 110 is below the new stop, so the next pass closes it
	require.Eventually(t, func() bool { return len(closedTrades(e)) >= 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, ledger.ReasonStopLoss, closedTrades(e)[0].CloseReason)
}

func TestEngine_ClosePositionManually(t *testing.T) {
	gw := readyGateway(110)
	e := newTestEngine(t, exchange.ModeSimulation, testTrading(), gw, nil)

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return len(e.OpenPositions()) == 1 }, waitFor, 5*time.Millisecond)
	tradeID := e.OpenPositions()[0].TradeID

	gw.push("BTCUSDT", 120)
	closed, err := e.ClosePosition(context.Background(), tradeID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ReasonManual, closed.CloseReason)
	assert.True(t, closed.PnL.Equal(decimal.NewFromInt(10)))

	_, err = e.ClosePosition(context.Background(), tradeID)
	var badState *errs.InvalidStateError
	assert.ErrorAs(t, err, &badState)

	_, err = e.ClosePosition(context.Background(), "missing")
	var notFound *errs.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestEngine_ClosePositionRequiresRunning(t *testing.T) {
	e := newTestEngine(t, exchange.ModeSimulation, testTrading(), newMockGateway(), nil)

	_, err := e.ClosePosition(context.Background(), "t1")
	var badState *errs.InvalidStateError
	require.ErrorAs(t, err, &badState)
	assert.Equal(t, string(StatusCreated), badState.State)
}

func TestEngine_LiveExecutionInDemoMode(t *testing.T) {
	gw := readyGateway(110)
	gw.On("PlaceOrder", mock.Anything, mock.MatchedBy(func(req exchange.OrderRequest) bool {
		return req.Side == exchange.SideBuy && req.Symbol == "BTCUSDT"
	})).Return(exchange.OrderResult{OrderID: "42", AvgPrice: decimal.RequireFromString("110.5"), ExecutedQty: decimal.NewFromInt(1)}, nil)
	e := newTestEngine(t, exchange.ModeDemo, testTrading(), gw, nil)

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return len(e.OpenPositions()) == 1 }, waitFor, 5*time.Millisecond)

	tr := e.TradeHistory(time.Time{}, 0)[0]
	assert.Equal(t, "42", tr.OrderID)
	assert.True(t, tr.EntryPrice.Equal(decimal.RequireFromString("110.5")))
	assert.False(t, tr.IsReal)
}

func TestEngine_RejectedOrderIsNotAFailure(t *testing.T) {
	gw := readyGateway(110)
	gw.On("PlaceOrder", mock.Anything, mock.Anything).
		Return(exchange.OrderResult{}, &errs.OrderRejectedError{Symbol: "BTCUSDT", Side: "BUY", Code: -2010, Reason: "insufficient balance"})
	sink := &recordingSink{}
	e := newTestEngine(t, exchange.ModeDemo, testTrading(), gw, sink)

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return e.Status().Iteration >= 5 }, waitFor, 5*time.Millisecond)

	assert.Equal(t, StatusRunning, e.Status().Status)
	assert.Empty(t, e.TradeHistory(time.Time{}, 0))
	assert.True(t, sink.has(events.LevelWarning, "Order rejected"))
}

// Repeated history failures escalate the session to error.
func TestEngine_ConsecutiveFailuresEscalate(t *testing.T) {
	gw := newMockGateway()
	gw.seed["BTCUSDT"] = 100
	gw.On("Subscribe", "BTCUSDT").Return(nil)
	gw.On("FetchHistory", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("exchange down"))
	sink := &recordingSink{}
	e := newTestEngine(t, exchange.ModeSimulation, testTrading(), gw, sink)

	require.NoError(t, e.Start(context.Background()))

	select {
	case <-e.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not reach a terminal state")
	}

	report := e.Status()
	assert.Equal(t, StatusError, report.Status)
	require.NotNil(t, report.Session)
	assert.Contains(t, report.Session.ErrorMessage, "exchange down")
	assert.NotNil(t, report.Session.EndedAt)
	assert.GreaterOrEqual(t, report.Iteration, 3)
	gw.AssertNumberOfCalls(t, "FetchHistory", 3)
	assert.True(t, sink.has(events.LevelError, "Bot stopped on error"))

	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, StatusError, e.Status().Status)
	require.Eventually(t, func() bool { return gw.unsubscribed.Load() == 1 }, waitFor, 5*time.Millisecond)
}

func TestEngine_StartFailures(t *testing.T) {
	t.Run("gateway", func(t *testing.T) {
		deps := Deps{
			Gateways: func(context.Context, exchange.Mode) (exchange.Gateway, error) {
				return nil, &errs.GatewayError{Op: "ping", Err: errors.New("connection refused")}
			},
			Logger: zap.NewNop(),
		}
		e := NewEngine("user-1", exchange.ModeDemo, "", testTrading(), deps)

		err := e.Start(context.Background())
		var gwErr *errs.GatewayError
		require.ErrorAs(t, err, &gwErr)

		s := e.Session()
		assert.Equal(t, StatusError, s.Status)
		assert.Contains(t, s.ErrorMessage, "connection refused")
		assert.NoError(t, e.Stop(context.Background()))
	})

	t.Run("configuration", func(t *testing.T) {
		cfg := testTrading()
		cfg.Symbols = nil
		e := NewEngine("user-1", exchange.ModeSimulation, "", cfg, Deps{Gateways: newMockGateway().factory()})

		err := e.Start(context.Background())
		var cfgErr *errs.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "trading.symbols", cfgErr.Field)
		assert.Equal(t, StatusError, e.Session().Status)
	})

	t.Run("subscribe", func(t *testing.T) {
		gw := newMockGateway()
		gw.On("Subscribe", "BTCUSDT").Return(errors.New("stream closed"))
		e := NewEngine("user-1", exchange.ModeSimulation, "", testTrading(), Deps{Gateways: gw.factory()})

		require.Error(t, e.Start(context.Background()))
		assert.Equal(t, StatusError, e.Session().Status)
	})

	t.Run("subscribe hangs", func(t *testing.T) {
		gw := &stalledGateway{MockGateway: newMockGateway(), released: make(chan struct{})}
		cfg := testTrading()
		cfg.CallTimeout = 100 * time.Millisecond
		deps := Deps{
			Gateways: func(context.Context, exchange.Mode) (exchange.Gateway, error) { return gw, nil },
			Logger:   zap.NewNop(),
		}
		e := NewEngine("user-1", exchange.ModeDemo, "", cfg, deps)

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		started := make(chan error, 1)
		go func() { started <- e.Start(ctx) }()

		var err error
		select {
		case err = <-started:
		case <-time.After(waitFor):
			t.Fatalf("Start still blocked; status=%s", e.Status().Status)
		}
		var gwErr *errs.GatewayError
		require.ErrorAs(t, err, &gwErr)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, StatusError, e.Session().Status)
		assert.Contains(t, e.Session().ErrorMessage, "BTCUSDT")

		// The pending subscribe is cancelled along with the session.
		select {
		case <-gw.released:
		case <-time.After(waitFor):
			t.Fatal("pending subscribe was never cancelled")
		}
	})
}

func TestEngine_StartTwice(t *testing.T) {
	gw := readyGateway(100)
	e := newTestEngine(t, exchange.ModeSimulation, testTrading(), gw, nil)

	require.NoError(t, e.Start(context.Background()))
	err := e.Start(context.Background())
	var badState *errs.InvalidStateError
	assert.ErrorAs(t, err, &badState)
}

// Stopping twice is a no-op the second time.
func TestEngine_StopIsIdempotent(t *testing.T) {
	gw := readyGateway(100)
	sink := &recordingSink{}
	e := newTestEngine(t, exchange.ModeSimulation, testTrading(), gw, sink)

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Stop(context.Background()))

	s := e.Session()
	assert.Equal(t, StatusStopped, s.Status)
	assert.NotNil(t, s.EndedAt)
	assert.Equal(t, int32(1), gw.unsubscribed.Load())

	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, StatusStopped, e.Session().Status)
	assert.Equal(t, int32(1), gw.unsubscribed.Load())
	assert.True(t, sink.has(events.LevelInfo, "Bot stopped"))
	assert.False(t, sink.has(events.LevelWarning, "Ungraceful shutdown"))
}

func TestEngine_StopBeforeStart(t *testing.T) {
	e := NewEngine("user-1", exchange.ModeSimulation, "", testTrading(), Deps{Gateways: newMockGateway().factory()})

	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, StatusStopped, e.Session().Status)

	var badState *errs.InvalidStateError
	assert.ErrorAs(t, e.Start(context.Background()), &badState)
}

func TestEngine_UngracefulStop(t *testing.T) {
	entered := make(chan struct{}, 1)
	gw := newMockGateway()
	gw.seed["BTCUSDT"] = 100
	gw.On("Subscribe", "BTCUSDT").Return(nil)
	gw.On("FetchHistory", mock.Anything, "BTCUSDT", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			select {
			case entered <- struct{}{}:
			default:
			}
			// ignores cancellation on purpose
			time.Sleep(time.Second)
		}).
		Return(nil, nil)

	cfg := testTrading()
	cfg.StopGrace = 20 * time.Millisecond
	cfg.CallTimeout = 5 * time.Second
	sink := &recordingSink{}
	e := newTestEngine(t, exchange.ModeSimulation, cfg, gw, sink)

	require.NoError(t, e.Start(context.Background()))
	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("loop never fetched history")
	}

	start := time.Now()
	require.NoError(t, e.Stop(context.Background()))
	assert.Less(t, time.Since(start), 900*time.Millisecond)

	assert.Equal(t, StatusStopped, e.Session().Status)
	assert.Equal(t, int32(1), gw.unsubscribed.Load())
	assert.True(t, sink.has(events.LevelWarning, "Ungraceful shutdown"))
}

func TestEngine_CloseOnStop(t *testing.T) {
	cfg := testTrading()
	cfg.CloseOnStop = true
	gw := readyGateway(110)
	e := newTestEngine(t, exchange.ModeSimulation, cfg, gw, nil)

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return len(e.OpenPositions()) == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, e.Stop(context.Background()))

	closed := closedTrades(e)
	require.Len(t, closed, 1)
	assert.Equal(t, ledger.ReasonShutdown, closed[0].CloseReason)
	assert.Empty(t, e.OpenPositions())
}

func TestEngine_MissingTickIsSkipped(t *testing.T) {
	gw := newMockGateway()
	gw.On("Subscribe", "BTCUSDT").Return(nil)
	sink := &recordingSink{}
	e := newTestEngine(t, exchange.ModeSimulation, testTrading(), gw, sink)

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return e.Status().Iteration >= 4 }, waitFor, 5*time.Millisecond)

	assert.Equal(t, StatusRunning, e.Status().Status)
	assert.True(t, sink.has(events.LevelWarning, "No market data for BTCUSDT"))
	gw.AssertNotCalled(t, "FetchHistory", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// MockStore is a mock implementation of repo.Store.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) SaveSession(ctx context.Context, s models.Session) error {
	return m.Called(ctx, s).Error(0)
}

func (m *MockStore) SaveTrade(ctx context.Context, t models.Trade) error {
	return m.Called(ctx, t).Error(0)
}

func (m *MockStore) SaveEvent(ctx context.Context, ev events.Event) error {
	return m.Called(ctx, ev).Error(0)
}

func (m *MockStore) ListSessions(ctx context.Context, userID string, limit int) ([]models.Session, error) {
	args := m.Called(ctx, userID, limit)
	return args.Get(0).([]models.Session), args.Error(1)
}

func (m *MockStore) ListTrades(ctx context.Context, filter repo.TradeFilter) ([]models.Trade, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]models.Trade), args.Error(1)
}

func (m *MockStore) ListEvents(ctx context.Context, sessionID string, limit int) ([]models.SystemLog, error) {
	args := m.Called(ctx, sessionID, limit)
	return args.Get(0).([]models.SystemLog), args.Error(1)
}

func TestEngine_PersistenceFailuresDoNotStopTrading(t *testing.T) {
	store := new(MockStore)
	dbDown := errors.New("database is locked")
	store.On("SaveSession", mock.Anything, mock.Anything).Return(dbDown)
	store.On("SaveTrade", mock.Anything, mock.Anything).Return(dbDown)
	store.On("SaveEvent", mock.Anything, mock.Anything).Return(dbDown)

	gw := readyGateway(110)
	e := NewEngine("user-1", exchange.ModeSimulation, "", testTrading(), Deps{Gateways: gw.factory(), Store: store, Logger: zap.NewNop()})

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return len(e.OpenPositions()) == 1 }, waitFor, 5*time.Millisecond)
	require.NoError(t, e.Stop(context.Background()))

	assert.Equal(t, StatusStopped, e.Session().Status)
	store.AssertCalled(t, "SaveTrade", mock.Anything, mock.MatchedBy(func(row models.Trade) bool {
		return row.UserID == "user-1" && row.Symbol == "BTCUSDT"
	}))
}

func TestEngine_PanickingSinkIsContained(t *testing.T) {
	gw := readyGateway(110)
	sink := events.SinkFunc(func(string, any) error { panic("listener bug") })
	e := newTestEngine(t, exchange.ModeSimulation, testTrading(), gw, sink)

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return len(e.OpenPositions()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, StatusRunning, e.Status().Status)
}
