package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Position is the live exposure derived from an open trade.
type Position struct {
	TradeID              string           `json:"trade_id"`
	Symbol               string           `json:"symbol"`
	Side                 Side             `json:"side"`
	Quantity             decimal.Decimal  `json:"quantity"`
	EntryPrice           decimal.Decimal  `json:"entry_price"`
	CurrentPrice         decimal.Decimal  `json:"current_price"`
	UnrealizedPnL        decimal.Decimal  `json:"unrealized_pnl"`
	UnrealizedPnLPercent decimal.Decimal  `json:"unrealized_pnl_percent"`
	StopLoss             *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit           *decimal.Decimal `json:"take_profit,omitempty"`
	HighPrice            decimal.Decimal  `json:"high_price"`
	LowPrice             decimal.Decimal  `json:"low_price"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

func newPosition(t *Trade) *Position {
	return &Position{
		TradeID:              t.ID,
		Symbol:               t.Symbol,
		Side:                 t.Side,
		Quantity:             t.Quantity,
		EntryPrice:           t.EntryPrice,
		CurrentPrice:         t.EntryPrice,
		UnrealizedPnL:        decimal.Zero,
		UnrealizedPnLPercent: decimal.Zero,
		StopLoss:             copyDec(t.StopLoss),
		TakeProfit:           copyDec(t.TakeProfit),
		HighPrice:            t.EntryPrice,
		LowPrice:             t.EntryPrice,
		UpdatedAt:            t.EntryTime,
	}
}

func (p *Position) mark(price decimal.Decimal, at time.Time) {
	p.CurrentPrice = price
	p.UnrealizedPnL = pnl(p.Side, p.EntryPrice, price, p.Quantity)
	p.UnrealizedPnLPercent = pnlPercent(p.Side, p.EntryPrice, price)
	if price.GreaterThan(p.HighPrice) {
		p.HighPrice = price
	}
	if price.LessThan(p.LowPrice) {
		p.LowPrice = price
	}
	p.UpdatedAt = at
}

// StopLossHit reports whether the current price crossed the stop.
func (p Position) StopLossHit() bool {
	if p.StopLoss == nil || p.StopLoss.IsZero() {
		return false
	}
	if p.Side == Short {
		return p.CurrentPrice.GreaterThanOrEqual(*p.StopLoss)
	}
	return p.CurrentPrice.LessThanOrEqual(*p.StopLoss)
}

// TakeProfitHit reports whether the current price reached the target.
func (p Position) TakeProfitHit() bool {
	if p.TakeProfit == nil || p.TakeProfit.IsZero() {
		return false
	}
	if p.Side == Short {
		return p.CurrentPrice.LessThanOrEqual(*p.TakeProfit)
	}
	return p.CurrentPrice.GreaterThanOrEqual(*p.TakeProfit)
}

// DistanceToStopLoss is the percentage move from the current price to the stop.
func (p Position) DistanceToStopLoss() decimal.Decimal {
	if p.StopLoss == nil || p.CurrentPrice.IsZero() {
		return decimal.Zero
	}
	return p.CurrentPrice.Sub(*p.StopLoss).Div(p.CurrentPrice).Mul(hundred)
}

// DistanceToTakeProfit is the percentage move from the current price to the target.
func (p Position) DistanceToTakeProfit() decimal.Decimal {
	if p.TakeProfit == nil || p.CurrentPrice.IsZero() {
		return decimal.Zero
	}
	return p.TakeProfit.Sub(p.CurrentPrice).Div(p.CurrentPrice).Mul(hundred)
}

// RiskRewardRatio is reward over risk measured from the entry.
func (p Position) RiskRewardRatio() decimal.Decimal {
	if p.StopLoss == nil || p.TakeProfit == nil {
		return decimal.Zero
	}
	risk := p.EntryPrice.Sub(*p.StopLoss).Abs()
	if risk.IsZero() {
		return decimal.Zero
	}
	return p.TakeProfit.Sub(p.EntryPrice).Abs().Div(risk)
}

// Value is the mark-to-market notional of the position.
func (p Position) Value() decimal.Decimal {
	return p.CurrentPrice.Mul(p.Quantity)
}

func pnl(side Side, entry, price, qty decimal.Decimal) decimal.Decimal {
	return price.Sub(entry).Mul(qty).Mul(side.direction())
}

func pnlPercent(side Side, entry, price decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	return price.Sub(entry).Div(entry).Mul(hundred).Mul(side.direction())
}
