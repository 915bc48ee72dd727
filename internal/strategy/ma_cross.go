package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"trading-session-bot-go/internal/market"
)

// MACross compares a fast and a slow simple moving average of closes. It only
// acts on every EveryN-th iteration so trade frequency is bounded regardless of
// price noise.
type MACross struct {
	Fast   int
	Slow   int
	EveryN int
}

func NewMACross(fast, slow, everyN int) *MACross {
	return &MACross{Fast: fast, Slow: slow, EveryN: everyN}
}

func (s *MACross) Name() string {
	return fmt.Sprintf("ma_cross_%d_%d", s.Fast, s.Slow)
}

func (s *MACross) Evaluate(history []market.Tick, iteration int) Signal {
	sig := Signal{Decision: Hold}
	if len(history) == 0 {
		sig.Reason = "no history"
		return sig
	}
	sig.Price = history[len(history)-1].Close

	if s.Fast <= 0 || s.Slow <= 0 || len(history) < s.Slow || len(history) < s.Fast {
		sig.Reason = fmt.Sprintf("need %d candles, have %d", max(s.Fast, s.Slow), len(history))
		return sig
	}

	closes := market.Closes(history)
	sig.Fast = SMA(closes, s.Fast)
	sig.Slow = SMA(closes, s.Slow)

	if s.EveryN > 1 && iteration%s.EveryN != 0 {
		sig.Reason = fmt.Sprintf("iteration %d not eligible (every %d)", iteration, s.EveryN)
		return sig
	}

	switch sig.Fast.Cmp(sig.Slow) {
	case 1:
		sig.Decision = Buy
		sig.Reason = "fast average above slow"
	case -1:
		sig.Decision = Sell
		sig.Reason = "fast average below slow"
	default:
		sig.Reason = "averages equal"
	}
	return sig
}

// SMA averages the last period values. The caller guarantees
// 0 < period <= len(values).
func SMA(values []decimal.Decimal, period int) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range values[len(values)-period:] {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}
