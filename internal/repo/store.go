// Package repo persists sessions, trades and events through gorm.
package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trading-session-bot-go/internal/events"
	"trading-session-bot-go/internal/models"
)

// Store is the persistence boundary of the trading engine. Save methods are
// upserts keyed by id.
type Store interface {
	SaveSession(ctx context.Context, s models.Session) error
	SaveTrade(ctx context.Context, t models.Trade) error
	SaveEvent(ctx context.Context, ev events.Event) error

	ListSessions(ctx context.Context, userID string, limit int) ([]models.Session, error)
	ListTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error)
	ListEvents(ctx context.Context, sessionID string, limit int) ([]models.SystemLog, error)
}

// TradeFilter narrows ListTrades. Zero values match everything.
type TradeFilter struct {
	UserID    string
	SessionID string
	Status    string
	Since     time.Time
	Limit     int
}

type gormStore struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (r *gormStore) SaveSession(ctx context.Context, s models.Session) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&s).Error; err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

func (r *gormStore) SaveTrade(ctx context.Context, t models.Trade) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&t).Error; err != nil {
		return fmt.Errorf("save trade %s: %w", t.ID, err)
	}
	return nil
}

func (r *gormStore) SaveEvent(ctx context.Context, ev events.Event) error {
	row := models.SystemLog{
		SessionID: ev.SessionID,
		UserID:    ev.UserID,
		Level:     string(ev.Level),
		Source:    ev.Source,
		Topic:     ev.Topic,
		Message:   ev.Message,
		Timestamp: ev.Timestamp,
	}
	if len(ev.Fields) > 0 {
		raw, err := json.Marshal(ev.Fields)
		if err != nil {
			return fmt.Errorf("encode event fields: %w", err)
		}
		row.Fields = string(raw)
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	return nil
}

func (r *gormStore) ListSessions(ctx context.Context, userID string, limit int) ([]models.Session, error) {
	var sessions []models.Session
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *gormStore) ListTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error) {
	var trades []models.Trade
	q := r.db.WithContext(ctx).Order("entry_time DESC")
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.SessionID != "" {
		q = q.Where("session_id = ?", filter.SessionID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if !filter.Since.IsZero() {
		q = q.Where("entry_time >= ?", filter.Since)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

func (r *gormStore) ListEvents(ctx context.Context, sessionID string, limit int) ([]models.SystemLog, error) {
	var logs []models.SystemLog
	q := r.db.WithContext(ctx).Order("id DESC")
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
