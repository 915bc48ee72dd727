package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"trading-session-bot-go/internal/config"
)

// NewLogger creates a new zap.Logger from the logger section of the config.
// Format "json" selects the production encoder; anything else is the
// human-readable console encoder.
func NewLogger(cfg config.Logger) (*zap.Logger, error) {
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zcfg zap.Config
	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(logLevel)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zcfg.Build()
}

// ForSession returns a child logger tagged with the session and user ids.
func ForSession(base *zap.Logger, sessionID, userID string) *zap.Logger {
	return base.Named("session").With(zap.String("session_id", sessionID), zap.String("user_id", userID))
}
