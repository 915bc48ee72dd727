package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is the persisted form of a ledger trade. Rows are upserted on every
// state change so the table always mirrors the latest in-memory state.
type Trade struct {
	ID          string              `gorm:"primaryKey;size:26" json:"id"`
	SessionID   string              `gorm:"index;size:26" json:"session_id"`
	UserID      string              `gorm:"index" json:"user_id"`
	Symbol      string              `gorm:"index" json:"symbol"`
	Side        string              `json:"side"`
	OrderID     string              `json:"order_id"`
	EntryPrice  decimal.Decimal     `gorm:"type:decimal(20,8)" json:"entry_price"`
	Quantity    decimal.Decimal     `gorm:"type:decimal(20,8)" json:"quantity"`
	ExitPrice   decimal.NullDecimal `gorm:"type:decimal(20,8)" json:"exit_price"`
	PnL         decimal.NullDecimal `gorm:"column:pnl;type:decimal(20,8)" json:"pnl"`
	PnLPercent  decimal.NullDecimal `gorm:"column:pnl_percent;type:decimal(10,4)" json:"pnl_percent"`
	StopLoss    decimal.NullDecimal `gorm:"type:decimal(20,8)" json:"stop_loss"`
	TakeProfit  decimal.NullDecimal `gorm:"type:decimal(20,8)" json:"take_profit"`
	Status      string              `gorm:"index" json:"status"`
	CloseReason string              `json:"close_reason"`
	IsReal      bool                `json:"is_real"`
	EntryTime   time.Time           `gorm:"index" json:"entry_time"`
	ExitTime    *time.Time          `json:"exit_time"`

	HoldingSeconds        int64               `json:"holding_seconds"`
	MaxFavorableExcursion decimal.NullDecimal `gorm:"type:decimal(10,4)" json:"max_favorable_excursion"`
	MaxAdverseExcursion   decimal.NullDecimal `gorm:"type:decimal(10,4)" json:"max_adverse_excursion"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
