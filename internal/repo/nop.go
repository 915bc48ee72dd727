package repo

import (
	"context"

	"trading-session-bot-go/internal/events"
	"trading-session-bot-go/internal/models"
)

// Nop is a Store that keeps nothing. Headless runs without a database use it.
type Nop struct{}

func (Nop) SaveSession(context.Context, models.Session) error { return nil }
func (Nop) SaveTrade(context.Context, models.Trade) error     { return nil }
func (Nop) SaveEvent(context.Context, events.Event) error     { return nil }

func (Nop) ListSessions(context.Context, string, int) ([]models.Session, error) { return nil, nil }
func (Nop) ListTrades(context.Context, TradeFilter) ([]models.Trade, error)     { return nil, nil }
func (Nop) ListEvents(context.Context, string, int) ([]models.SystemLog, error) { return nil, nil }
