package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"trading-session-bot-go/internal/errs"
)

// Config holds all configuration for the application.
type Config struct {
	Binance  Binance            `mapstructure:"binance"`
	Trading  Trading            `mapstructure:"trading"`
	Profiles map[string]Trading `mapstructure:"-"`
	Logger   Logger             `mapstructure:"logger"`
	Server   Server             `mapstructure:"server"`
	Database Database           `mapstructure:"database"`
}

// Binance holds the configuration for the Binance API.
type Binance struct {
	ApiKey         string  `mapstructure:"apiKey"`
	SecretKey      string  `mapstructure:"secretKey"`
	Testnet        bool    `mapstructure:"testnet"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	// BaseURL and TestnetBaseURL override the REST endpoints, mostly for tests.
	BaseURL        string `mapstructure:"base_url"`
	TestnetBaseURL string `mapstructure:"testnet_base_url"`
}

// HasCredentials reports whether signed endpoints can be used.
func (b Binance) HasCredentials() bool {
	return b.ApiKey != "" && b.SecretKey != ""
}

// Server holds the configuration for the web server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn"`
}

// Trading holds the parameters of one trading session.
type Trading struct {
	Symbols                []string      `mapstructure:"symbols"`
	Timeframe              string        `mapstructure:"timeframe"`
	HistoryLimit           int           `mapstructure:"history_limit"`
	WaitInterval           time.Duration `mapstructure:"wait_interval"`
	Quantity               float64       `mapstructure:"quantity"`
	InitialBalance         float64       `mapstructure:"initial_balance"`
	MaxOpenPositions       int           `mapstructure:"max_open_positions"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	CallTimeout            time.Duration `mapstructure:"call_timeout"`
	StopGrace              time.Duration `mapstructure:"stop_grace"`
	Strategy               Strategy      `mapstructure:"strategy"`
	Risk                   Risk          `mapstructure:"risk"`

	// CloseOnStop closes open positions at the last price when a session
	// stops gracefully.
	CloseOnStop bool `mapstructure:"close_on_stop"`
}

// Strategy configures the moving average cross.
type Strategy struct {
	Fast   int `mapstructure:"fast"`
	Slow   int `mapstructure:"slow"`
	EveryN int `mapstructure:"every_n"`
}

// Risk sets default stop loss and take profit distances, in percent of the
// entry price. Zero disables the level.
type Risk struct {
	StopLossPercent   float64 `mapstructure:"stop_loss_percent"`
	TakeProfitPercent float64 `mapstructure:"take_profit_percent"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var validTimeframes = map[string]bool{"1m": true, "5m": true, "15m": true, "30m": true, "1h": true, "4h": true, "1d": true}

// Validate checks the trading parameters.
func (t Trading) Validate() error {
	switch {
	case len(t.Symbols) == 0:
		return &errs.ConfigurationError{Field: "trading.symbols", Reason: "at least one symbol is required"}
	case !validTimeframes[t.Timeframe]:
		return &errs.ConfigurationError{Field: "trading.timeframe", Reason: fmt.Sprintf("unsupported timeframe %q", t.Timeframe)}
	case t.WaitInterval <= 0:
		return &errs.ConfigurationError{Field: "trading.wait_interval", Reason: "must be positive"}
	case t.Quantity <= 0:
		return &errs.ConfigurationError{Field: "trading.quantity", Reason: "must be positive"}
	case t.InitialBalance < 0:
		return &errs.ConfigurationError{Field: "trading.initial_balance", Reason: "must not be negative"}
	case t.MaxOpenPositions <= 0:
		return &errs.ConfigurationError{Field: "trading.max_open_positions", Reason: "must be positive"}
	case t.MaxConsecutiveFailures <= 0:
		return &errs.ConfigurationError{Field: "trading.max_consecutive_failures", Reason: "must be positive"}
	case t.CallTimeout <= 0:
		return &errs.ConfigurationError{Field: "trading.call_timeout", Reason: "must be positive"}
	case t.Strategy.Fast <= 0 || t.Strategy.Slow <= 0:
		return &errs.ConfigurationError{Field: "trading.strategy", Reason: "window lengths must be positive"}
	case t.Strategy.Fast >= t.Strategy.Slow:
		return &errs.ConfigurationError{Field: "trading.strategy", Reason: "fast window must be shorter than slow window"}
	case t.HistoryLimit < t.Strategy.Slow:
		return &errs.ConfigurationError{Field: "trading.history_limit", Reason: "must cover the slow window"}
	case t.Risk.StopLossPercent < 0 || t.Risk.TakeProfitPercent < 0:
		return &errs.ConfigurationError{Field: "trading.risk", Reason: "percentages must not be negative"}
	}
	return nil
}

// Validate checks the whole configuration, including every profile.
func (c Config) Validate() error {
	if err := c.Trading.Validate(); err != nil {
		return err
	}
	for _, name := range c.ProfileNames() {
		if err := c.Profiles[name].Validate(); err != nil {
			var cfgErr *errs.ConfigurationError
			if errors.As(err, &cfgErr) {
				return &errs.ConfigurationError{Field: "profiles." + name + strings.TrimPrefix(cfgErr.Field, "trading"), Reason: cfgErr.Reason}
			}
			return err
		}
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return &errs.ConfigurationError{Field: "database.driver", Reason: fmt.Sprintf("unsupported driver %q", c.Database.Driver)}
	}
	return nil
}

// TradingFor resolves the trading parameters for a config id. An empty id or
// "default" selects the base trading section.
func (c Config) TradingFor(configID string) (Trading, error) {
	if configID == "" || configID == "default" {
		return c.Trading, nil
	}
	t, ok := c.Profiles[configID]
	if !ok {
		return Trading{}, &errs.ConfigurationError{Field: "config_id", Reason: fmt.Sprintf("unknown profile %q", configID)}
	}
	return t, nil
}

// ProfileNames returns the configured profile ids in sorted order.
func (c Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("binance.rate_limit", 20)      // requests per second
	v.SetDefault("binance.rate_limit_burst", 5) // burst size

	v.SetDefault("trading.symbols", []string{"BTCUSDT"})
	v.SetDefault("trading.timeframe", "1h")
	v.SetDefault("trading.history_limit", 100)
	v.SetDefault("trading.wait_interval", "10s")
	v.SetDefault("trading.quantity", 0.001)
	v.SetDefault("trading.initial_balance", 10000)
	v.SetDefault("trading.max_open_positions", 3)
	v.SetDefault("trading.max_consecutive_failures", 3)
	v.SetDefault("trading.call_timeout", "15s")
	v.SetDefault("trading.stop_grace", "5s")
	v.SetDefault("trading.close_on_stop", false)
	v.SetDefault("trading.strategy.fast", 5)
	v.SetDefault("trading.strategy.slow", 20)
	v.SetDefault("trading.strategy.every_n", 3)
	v.SetDefault("trading.risk.stop_loss_percent", 1.5)
	v.SetDefault("trading.risk.take_profit_percent", 3.0)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "trader.db")
}

// LoadConfig reads configuration from file or environment variables. A
// missing config file is not an error; defaults and environment apply.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("read config: %w", err)
		}
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("decode config: %w", err)
	}

	config.Profiles, err = loadProfiles(v, config.Trading)
	return config, err
}

// loadProfiles decodes each profiles.<id> section on top of a copy of the
// base trading section, so a profile only lists what it changes.
func loadProfiles(v *viper.Viper, base Trading) (map[string]Trading, error) {
	profiles := make(map[string]Trading)
	for name := range v.GetStringMap("profiles") {
		sub := v.Sub("profiles." + name)
		if sub == nil {
			continue
		}
		t := base
		t.Symbols = append([]string(nil), base.Symbols...)
		if sub.IsSet("symbols") {
			t.Symbols = nil
		}
		if err := sub.Unmarshal(&t); err != nil {
			return nil, fmt.Errorf("decode profile %s: %w", name, err)
		}
		profiles[name] = t
	}
	return profiles, nil
}
