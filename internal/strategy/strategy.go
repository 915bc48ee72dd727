package strategy

import (
	"github.com/shopspring/decimal"

	"trading-session-bot-go/internal/market"
)

type Decision string

const (
	Buy  Decision = "BUY"
	Sell Decision = "SELL"
	Hold Decision = "HOLD"
)

// Signal is the evaluator's verdict plus the inputs that produced it, so the
// engine can report why it acted.
type Signal struct {
	Decision Decision        `json:"decision"`
	Price    decimal.Decimal `json:"price"`
	Fast     decimal.Decimal `json:"fast"`
	Slow     decimal.Decimal `json:"slow"`
	Reason   string          `json:"reason"`
}

// Evaluator defines the interface for a trading strategy. Implementations must
// be pure: the same history and iteration always yield the same signal.
type Evaluator interface {
	// Name returns the unique name of the strategy.
	Name() string

	// Evaluate is called once per symbol on every loop iteration. The last
	// element of history is the freshest price.
	Evaluate(history []market.Tick, iteration int) Signal
}
