package trader

import (
	"time"

	"github.com/shopspring/decimal"

	"trading-session-bot-go/internal/exchange"
	"trading-session-bot-go/internal/ledger"
)

// Status is the lifecycle state of a trading session.
type Status string

const (
	StatusCreated  Status = "created"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"

	// StatusNotRunning is reported by the registry for users without a session.
	StatusNotRunning Status = "not_running"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusStopped || s == StatusError
}

// Session is a snapshot of one bot run. Callers always receive copies.
type Session struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Mode           exchange.Mode   `json:"trading_mode"`
	ConfigID       string          `json:"config_id,omitempty"`
	Strategy       string          `json:"strategy"`
	Symbols        []string        `json:"symbols"`
	Status         Status          `json:"status"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

func (s Session) clone() Session {
	c := s
	c.Symbols = append([]string(nil), s.Symbols...)
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return c
}

// StatusReport is what status queries return.
type StatusReport struct {
	Status        Status            `json:"status"`
	Session       *Session          `json:"session,omitempty"`
	Iteration     int               `json:"iteration"`
	RealizedPnL   decimal.Decimal   `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal   `json:"unrealized_pnl"`
	Positions     []ledger.Position `json:"positions"`
	RecentTrades  []ledger.Trade    `json:"recent_trades"`
}
