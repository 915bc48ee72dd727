// Package exchange defines what the trading engine needs from an exchange and
// the order executors that sit in front of it.
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trading-session-bot-go/internal/errs"
	"trading-session-bot-go/internal/market"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that unwinds s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// Duration returns the wall-clock length of one candle.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval30m:
		return 30 * time.Minute
	case Interval1h:
		return time.Hour
	case Interval4h:
		return 4 * time.Hour
	case Interval1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Mode is how a session executes orders.
type Mode string

const (
	ModeSimulation Mode = "simulation"
	ModeDemo       Mode = "demo"
	ModeReal       Mode = "real"
)

// ParseMode validates a user supplied trading mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeSimulation, ModeDemo, ModeReal:
		return m, nil
	case "":
		return ModeSimulation, nil
	default:
		return "", &errs.ConfigurationError{Field: "trading_mode", Reason: fmt.Sprintf("invalid mode %q, valid: simulation, demo, real", s)}
	}
}

// IsReal reports whether orders in this mode move real funds.
func (m Mode) IsReal() bool { return m == ModeReal }

type OrderRequest struct {
	Symbol   string
	Side     Side
	Type     OrderType
	Quantity decimal.Decimal
	// RefPrice is the price the decision was made on; paper fills use it and
	// live fills fall back to it when the exchange does not report an average.
	RefPrice decimal.Decimal
}

type OrderResult struct {
	OrderID     string
	ExecutedQty decimal.Decimal
	AvgPrice    decimal.Decimal
	Simulated   bool
}

// Gateway is the exchange capability the engine depends on. Implementations
// may be slow or fail; FetchHistory and PlaceOrder return *errs.GatewayError
// for transport faults and PlaceOrder returns *errs.OrderRejectedError when the
// exchange refuses an order. Subscribe must not block: ticks are delivered on
// the implementation's own goroutine until stop is called.
type Gateway interface {
	FetchHistory(ctx context.Context, symbol string, interval Interval, since time.Time, limit int) ([]market.Tick, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	Subscribe(ctx context.Context, symbol string, interval Interval, onTick func(market.Tick)) (stop func(), err error)
}

// GatewayFactory connects a gateway for the given mode.
type GatewayFactory func(ctx context.Context, mode Mode) (Gateway, error)
