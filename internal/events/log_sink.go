package events

import (
	"go.uber.org/zap"
)

// LogSink writes events to a zap logger at the matching level. Price updates
// are logged at debug.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("bot")}
}

func (s *LogSink) Publish(topic string, payload any) error {
	ev, ok := payload.(Event)
	if !ok {
		s.logger.Debug("Event", zap.String("topic", topic), zap.Any("payload", payload))
		return nil
	}
	fields := []zap.Field{
		zap.String("topic", topic),
		zap.String("session_id", ev.SessionID),
		zap.String("source", ev.Source),
	}
	if len(ev.Fields) > 0 {
		fields = append(fields, zap.Any("fields", ev.Fields))
	}
	if topic == TopicPriceUpdate {
		s.logger.Debug(ev.Message, fields...)
		return nil
	}
	switch ev.Level {
	case LevelError:
		s.logger.Error(ev.Message, fields...)
	case LevelWarning:
		s.logger.Warn(ev.Message, fields...)
	default:
		s.logger.Info(ev.Message, fields...)
	}
	return nil
}
