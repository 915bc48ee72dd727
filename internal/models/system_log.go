package models

import "time"

// SystemLog is a persisted bot event.
type SystemLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SessionID string    `gorm:"index;size:26" json:"session_id"`
	UserID    string    `gorm:"index" json:"user_id"`
	Level     string    `gorm:"index" json:"level"`
	Source    string    `json:"source"`
	Topic     string    `json:"topic"`
	Message   string    `json:"message"`
	Fields    string    `json:"fields"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
}
