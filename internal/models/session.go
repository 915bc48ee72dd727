package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Session is one run of the trading bot for a user.
type Session struct {
	ID             string          `gorm:"primaryKey;size:26" json:"id"`
	UserID         string          `gorm:"index" json:"user_id"`
	Mode           string          `json:"mode"`
	ConfigID       string          `json:"config_id"`
	Status         string          `gorm:"index" json:"status"`
	Strategy       string          `json:"strategy"`
	Symbols        string          `json:"symbols"`
	InitialBalance decimal.Decimal `gorm:"type:decimal(20,8)" json:"initial_balance"`
	CurrentBalance decimal.Decimal `gorm:"type:decimal(20,8)" json:"current_balance"`
	StartedAt      *time.Time      `json:"started_at"`
	EndedAt        *time.Time      `json:"ended_at"`
	ErrorMessage   string          `json:"error_message"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
