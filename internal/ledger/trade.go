package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// direction is +1 for long and -1 for short; P&L is (exit - entry) * qty * direction.
func (s Side) direction() decimal.Decimal {
	if s == Short {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

type CloseReason string

const (
	ReasonTakeProfit CloseReason = "take_profit"
	ReasonStopLoss   CloseReason = "stop_loss"
	ReasonSignal     CloseReason = "signal"
	ReasonManual     CloseReason = "manual"
	ReasonShutdown   CloseReason = "shutdown"
)

// RiskMetrics is recorded once at close.
type RiskMetrics struct {
	HoldingPeriod time.Duration `json:"holding_period"`
	// Excursions are percentages of the entry price, measured from the highest
	// and lowest prices seen while the trade was open.
	MaxFavorableExcursion decimal.Decimal `json:"max_favorable_excursion"`
	MaxAdverseExcursion   decimal.Decimal `json:"max_adverse_excursion"`
	CloseType             CloseReason     `json:"close_type"`
}

// Trade is a fill recorded by the ledger. Closed trades are never mutated again.
type Trade struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"session_id"`
	Symbol      string           `json:"symbol"`
	Side        Side             `json:"side"`
	OrderID     string           `json:"order_id,omitempty"`
	EntryPrice  decimal.Decimal  `json:"entry_price"`
	Quantity    decimal.Decimal  `json:"quantity"`
	ExitPrice   *decimal.Decimal `json:"exit_price,omitempty"`
	PnL         *decimal.Decimal `json:"pnl,omitempty"`
	PnLPercent  *decimal.Decimal `json:"pnl_percent,omitempty"`
	Status      Status           `json:"status"`
	CloseReason CloseReason      `json:"close_reason,omitempty"`
	EntryTime   time.Time        `json:"entry_time"`
	ExitTime    *time.Time       `json:"exit_time,omitempty"`
	StopLoss    *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit  *decimal.Decimal `json:"take_profit,omitempty"`
	IsReal      bool             `json:"is_real"`
	RiskMetrics *RiskMetrics     `json:"risk_metrics,omitempty"`
}

func (t Trade) IsOpen() bool { return t.Status == StatusOpen }

// IsWinning reports a closed trade with positive realized P&L.
func (t Trade) IsWinning() bool {
	return t.PnL != nil && t.PnL.IsPositive()
}

// RealizedPnL returns the closed P&L, zero for open trades.
func (t Trade) RealizedPnL() decimal.Decimal {
	if t.PnL == nil {
		return decimal.Zero
	}
	return *t.PnL
}

// clone deep-copies pointer fields so callers cannot reach ledger state.
func (t *Trade) clone() Trade {
	c := *t
	c.ExitPrice = copyDec(t.ExitPrice)
	c.PnL = copyDec(t.PnL)
	c.PnLPercent = copyDec(t.PnLPercent)
	c.StopLoss = copyDec(t.StopLoss)
	c.TakeProfit = copyDec(t.TakeProfit)
	if t.ExitTime != nil {
		et := *t.ExitTime
		c.ExitTime = &et
	}
	if t.RiskMetrics != nil {
		rm := *t.RiskMetrics
		c.RiskMetrics = &rm
	}
	return c
}

func copyDec(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }
