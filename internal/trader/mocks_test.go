package trader

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"trading-session-bot-go/internal/config"
	"trading-session-bot-go/internal/events"
	"trading-session-bot-go/internal/exchange"
	"trading-session-bot-go/internal/market"
)

// MockGateway is a mock implementation of exchange.Gateway. Subscribe records
// the tick callback so tests can drive the feed with push.
type MockGateway struct {
	mock.Mock

	mu           sync.Mutex
	feeds        map[string]func(market.Tick)
	seed         map[string]float64
	unsubscribed atomic.Int32
}

func newMockGateway() *MockGateway {
	return &MockGateway{feeds: make(map[string]func(market.Tick)), seed: make(map[string]float64)}
}

func (m *MockGateway) FetchHistory(ctx context.Context, symbol string, interval exchange.Interval, since time.Time, limit int) ([]market.Tick, error) {
	args := m.Called(ctx, symbol, interval, since, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]market.Tick), args.Error(1)
}

func (m *MockGateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(exchange.OrderResult), args.Error(1)
}

func (m *MockGateway) Subscribe(ctx context.Context, symbol string, interval exchange.Interval, onTick func(market.Tick)) (func(), error) {
	args := m.Called(symbol)
	if err := args.Error(0); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.feeds[symbol] = onTick
	price, seeded := m.seed[symbol]
	m.mu.Unlock()
	if seeded {
		onTick(tickAt(symbol, price))
	}
	return func() { m.unsubscribed.Add(1) }, nil
}

// stalledGateway never attaches a stream: Subscribe blocks until its context
// is cancelled.
type stalledGateway struct {
	*MockGateway

	released chan struct{}
}

func (g *stalledGateway) Subscribe(ctx context.Context, symbol string, interval exchange.Interval, onTick func(market.Tick)) (func(), error) {
	<-ctx.Done()
	close(g.released)
	return nil, ctx.Err()
}

func (m *MockGateway) push(symbol string, price float64) {
	m.mu.Lock()
	feed := m.feeds[symbol]
	m.mu.Unlock()
	if feed != nil {
		feed(tickAt(symbol, price))
	}
}

func (m *MockGateway) factory() exchange.GatewayFactory {
	return func(context.Context, exchange.Mode) (exchange.Gateway, error) {
		return m, nil
	}
}

func tickAt(symbol string, price float64) market.Tick {
	p := decimal.NewFromFloat(price)
	return market.Tick{Symbol: symbol, Open: p, High: p, Low: p, Close: p, Volume: decimal.NewFromInt(1), Timestamp: time.Now().UTC()}
}

// recordingSink keeps every published event.
type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Publish(topic string, payload any) error {
	if ev, ok := payload.(events.Event); ok {
		s.mu.Lock()
		s.events = append(s.events, ev)
		s.mu.Unlock()
	}
	return nil
}

// topic returns the events published on topic.
func (s *recordingSink) topic(topic string) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, ev := range s.events {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}

func (s *recordingSink) has(level events.Level, substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Level == level && strings.Contains(ev.Message, substr) {
			return true
		}
	}
	return false
}

// testTrading is a fast configuration: with fast=1 and slow=2 over a single
// 100 candle, a live price above 100 buys and below 100 sells.
func testTrading() config.Trading {
	return config.Trading{
		Symbols:                []string{"BTCUSDT"},
		Timeframe:              "1m",
		HistoryLimit:           5,
		WaitInterval:           5 * time.Millisecond,
		Quantity:               1,
		InitialBalance:         1000,
		MaxOpenPositions:       1,
		MaxConsecutiveFailures: 3,
		CallTimeout:            time.Second,
		StopGrace:              time.Second,
		Strategy:               config.Strategy{Fast: 1, Slow: 2, EveryN: 1},
	}
}

func candles(closes ...float64) []market.Tick {
	out := make([]market.Tick, len(closes))
	for i, c := range closes {
		out[i] = tickAt("BTCUSDT", c)
	}
	return out
}
