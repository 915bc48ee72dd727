// Package events carries session notifications to whoever is listening:
// dashboards over websocket, the persistence layer and the process log.
package events

import (
	"errors"
	"time"
)

type Level string

const (
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

// Topics published by the trading engine.
const (
	TopicBotLog        = "bot_log"
	TopicTradeUpdate   = "trade_update"
	TopicPriceUpdate   = "price_update"
	TopicSessionUpdate = "session_update"
	TopicBalanceUpdate = "balance_update"
)

// Event is one timestamped notification. Fields holds structured context such
// as a trade or a price snapshot.
type Event struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Level     Level          `json:"level"`
	Source    string         `json:"source"`
	Topic     string         `json:"topic"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink receives events. Implementations must be safe for concurrent use and
// should not block the caller for long.
type Sink interface {
	Publish(topic string, payload any) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(topic string, payload any) error

func (f SinkFunc) Publish(topic string, payload any) error { return f(topic, payload) }

// Multi fans a publish out to several sinks, returning the joined errors.
type Multi []Sink

func (m Multi) Publish(topic string, payload any) error {
	var errList []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(topic, payload); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(string, any) error { return nil })
