package repo

import (
	"github.com/shopspring/decimal"

	"trading-session-bot-go/internal/ledger"
	"trading-session-bot-go/internal/models"
)

// TradeRow maps a ledger trade to its table row.
func TradeRow(t ledger.Trade, userID string) models.Trade {
	row := models.Trade{
		ID:          t.ID,
		SessionID:   t.SessionID,
		UserID:      userID,
		Symbol:      t.Symbol,
		Side:        string(t.Side),
		OrderID:     t.OrderID,
		EntryPrice:  t.EntryPrice,
		Quantity:    t.Quantity,
		ExitPrice:   nullable(t.ExitPrice),
		PnL:         nullable(t.PnL),
		PnLPercent:  nullable(t.PnLPercent),
		StopLoss:    nullable(t.StopLoss),
		TakeProfit:  nullable(t.TakeProfit),
		Status:      string(t.Status),
		CloseReason: string(t.CloseReason),
		IsReal:      t.IsReal,
		EntryTime:   t.EntryTime,
		ExitTime:    t.ExitTime,
	}
	if rm := t.RiskMetrics; rm != nil {
		row.HoldingSeconds = int64(rm.HoldingPeriod.Seconds())
		row.MaxFavorableExcursion = decimal.NewNullDecimal(rm.MaxFavorableExcursion)
		row.MaxAdverseExcursion = decimal.NewNullDecimal(rm.MaxAdverseExcursion)
	}
	return row
}

// LedgerTrade maps a row back to a ledger trade, for reporting.
func LedgerTrade(row models.Trade) ledger.Trade {
	return ledger.Trade{
		ID:          row.ID,
		SessionID:   row.SessionID,
		Symbol:      row.Symbol,
		Side:        ledger.Side(row.Side),
		OrderID:     row.OrderID,
		EntryPrice:  row.EntryPrice,
		Quantity:    row.Quantity,
		ExitPrice:   pointer(row.ExitPrice),
		PnL:         pointer(row.PnL),
		PnLPercent:  pointer(row.PnLPercent),
		StopLoss:    pointer(row.StopLoss),
		TakeProfit:  pointer(row.TakeProfit),
		Status:      ledger.Status(row.Status),
		CloseReason: ledger.CloseReason(row.CloseReason),
		EntryTime:   row.EntryTime,
		ExitTime:    row.ExitTime,
		IsReal:      row.IsReal,
	}
}

func nullable(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}

func pointer(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	v := n.Decimal
	return &v
}
