package binance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trading-session-bot-go/internal/market"
)

// fakeServe records one dial per call and exposes the handler so tests can
// push events.
type fakeServe struct {
	mu       sync.Mutex
	dials    int
	handler  gobinance.WsKlineHandler
	done     chan struct{}
	stop     chan struct{}
	failNext bool
}

func (f *fakeServe) serve(_, _ string, handler gobinance.WsKlineHandler, _ gobinance.ErrHandler) (chan struct{}, chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.failNext {
		f.failNext = false
		return nil, nil, errors.New("dial failed")
	}
	f.handler = handler
	f.done = make(chan struct{})
	f.stop = make(chan struct{})
	done, stop := f.done, f.stop
	go func() {
		<-stop
		close(done)
	}()
	return done, stop, nil
}

func (f *fakeServe) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func TestStreamDeliversTicks(t *testing.T) {
	fake := &fakeServe{}
	s := &Stream{logger: zap.NewNop(), serve: fake.serve, reconnectDelay: time.Millisecond}

	ticks := make(chan market.Tick, 1)
	stop, err := s.Subscribe(context.Background(), "BTCUSDT", "1m", func(tk market.Tick) { ticks <- tk })
	require.NoError(t, err)

	fake.handler(&gobinance.WsKlineEvent{
		Symbol: "BTCUSDT",
		Time:   1700000000000,
		Kline:  gobinance.WsKline{Open: "1", High: "3", Low: "0.5", Close: "2.5", Volume: "10"},
	})
	tk := <-ticks
	assert.Equal(t, "BTCUSDT", tk.Symbol)
	assert.True(t, tk.Close.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), tk.Timestamp)

	// malformed events are dropped
	fake.handler(&gobinance.WsKlineEvent{Kline: gobinance.WsKline{Open: "x"}})
	select {
	case <-ticks:
		t.Fatal("malformed kline delivered")
	default:
	}

	stop()
	stop()
	fake.mu.Lock()
	done := fake.done
	fake.mu.Unlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream not stopped")
	}
}

func TestStreamReconnects(t *testing.T) {
	fake := &fakeServe{}
	s := &Stream{logger: zap.NewNop(), serve: fake.serve, reconnectDelay: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := s.Subscribe(ctx, "BTCUSDT", "1m", func(market.Tick) {})
	require.NoError(t, err)

	// simulate a dropped connection, with one failed re-dial
	fake.mu.Lock()
	fake.failNext = true
	stopCh := fake.stop
	fake.mu.Unlock()
	close(stopCh)

	assert.Eventually(t, func() bool { return fake.dialCount() >= 3 }, time.Second, time.Millisecond)
}

func TestStreamInitialDialError(t *testing.T) {
	fake := &fakeServe{failNext: true}
	s := &Stream{logger: zap.NewNop(), serve: fake.serve}
	_, err := s.Subscribe(context.Background(), "BTCUSDT", "1m", func(market.Tick) {})
	assert.Error(t, err)
}
