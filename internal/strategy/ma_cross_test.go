package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"trading-session-bot-go/internal/market"
)

func series(prices ...int64) []market.Tick {
	out := make([]market.Tick, len(prices))
	for i, p := range prices {
		out[i] = market.Tick{Symbol: "BTCUSDT", Close: decimal.NewFromInt(p)}
	}
	return out
}

func rising(n int) []market.Tick {
	prices := make([]int64, n)
	for i := range prices {
		prices[i] = int64(100 + i)
	}
	return series(prices...)
}

func falling(n int) []market.Tick {
	prices := make([]int64, n)
	for i := range prices {
		prices[i] = int64(1000 - i)
	}
	return series(prices...)
}

func TestMACross_Evaluate(t *testing.T) {
	s := NewMACross(5, 20, 3)

	testCases := []struct {
		name      string
		history   []market.Tick
		iteration int
		expected  Decision
	}{
		{name: "Empty history", history: nil, iteration: 3, expected: Hold},
		{name: "Shorter than slow window", history: rising(19), iteration: 3, expected: Hold},
		{name: "Uptrend on eligible iteration", history: rising(25), iteration: 3, expected: Buy},
		{name: "Uptrend on ineligible iteration", history: rising(25), iteration: 4, expected: Hold},
		{name: "Downtrend on eligible iteration", history: falling(25), iteration: 6, expected: Sell},
		{name: "Flat market", history: series(make([]int64, 20)...), iteration: 3, expected: Hold},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sig := s.Evaluate(tc.history, tc.iteration)
			assert.Equal(t, tc.expected, sig.Decision)
			assert.NotEmpty(t, sig.Reason)
		})
	}
}

func TestMACross_EveryNDisabled(t *testing.T) {
	s := NewMACross(2, 4, 0)

	assert.Equal(t, Buy, s.Evaluate(rising(4), 1).Decision)
	assert.Equal(t, "ma_cross_2_4", s.Name())
}

func TestMACross_PriceIsLastClose(t *testing.T) {
	sig := NewMACross(5, 20, 1).Evaluate(rising(25), 1)

	assert.True(t, sig.Price.Equal(decimal.NewFromInt(124)))
	assert.True(t, sig.Fast.Equal(decimal.NewFromInt(122)))
	assert.True(t, sig.Slow.Equal(decimal.RequireFromString("114.5")))
}

func TestSMA(t *testing.T) {
	values := []decimal.Decimal{decimal.NewFromInt(1), decimal.NewFromInt(2), decimal.NewFromInt(3), decimal.NewFromInt(4)}

	assert.True(t, SMA(values, 2).Equal(decimal.RequireFromString("3.5")))
	assert.True(t, SMA(values, 4).Equal(decimal.RequireFromString("2.5")))
}
