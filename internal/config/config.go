// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/scalp-bot/internal/risk"
	"github.com/tathienbao/scalp-bot/internal/types"
	"gopkg.in/yaml.v3"
)

// RenderDatabaseURL is forced when running on Render, where only the
// working directory is writable.
const RenderDatabaseURL = "sqlite:///./data/trades.db"

// Config represents the full application configuration.
type Config struct {
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Trading   TradingConfig   `yaml:"trading"`
	Engine    EngineConfig    `yaml:"engine"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Database  DatabaseConfig  `yaml:"database"`
	Health    HealthConfig    `yaml:"health"`
	Shutdown  ShutdownConfig  `yaml:"shutdown"`
	Logging   LoggingConfig   `yaml:"logging"`
	Profiling ProfilingConfig `yaml:"profiling"`
	Render    bool            `yaml:"render"`
}

// ExchangeConfig holds exchange credentials.
type ExchangeConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Testnet   bool   `yaml:"testnet"`
}

// TradingConfig holds trading parameters.
type TradingConfig struct {
	Symbol          string  `yaml:"symbol"`
	Timeframe       string  `yaml:"timeframe"`
	Leverage        int     `yaml:"leverage"`
	MaxPositionSize float64 `yaml:"max_position_size"`
	MaxOpenTrades   int     `yaml:"max_open_trades"`
	StopLossPct     float64 `yaml:"stop_loss_pct"`
	TakeProfitPct   float64 `yaml:"take_profit_pct"`
	MaxDailyLossPct float64 `yaml:"max_daily_loss_pct"`
	StartingEquity  float64 `yaml:"starting_equity"`
}

// EngineConfig holds decision loop settings.
type EngineConfig struct {
	DataFetchIntervalMs  int `yaml:"data_fetch_interval_ms"`
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors"`
}

// TelegramConfig holds notifier settings.
type TelegramConfig struct {
	BotToken    string  `yaml:"bot_token"`
	ChatID      string  `yaml:"chat_id"`
	SummaryCron string  `yaml:"summary_cron"`
	RatePerSec  float64 `yaml:"rate_per_sec"`
	APIURL      string  `yaml:"api_url"` // empty uses the public Bot API
}

// DatabaseConfig holds ledger settings.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// HealthConfig holds health endpoint settings.
type HealthConfig struct {
	Port int `yaml:"port"`
}

// ShutdownConfig holds shutdown settings.
type ShutdownConfig struct {
	TimeoutSec     int `yaml:"timeout_sec"`
	StopTimeoutSec int `yaml:"stop_timeout_sec"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // auto | json | text
}

// ProfilingConfig holds continuous profiling settings.
type ProfilingConfig struct {
	ServerAddress string `yaml:"server_address"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Exchange: ExchangeConfig{Testnet: true},
		Trading: TradingConfig{
			Symbol:          "BTCUSDT",
			Timeframe:       "1",
			Leverage:        5,
			MaxPositionSize: 0.001,
			MaxOpenTrades:   2,
			StopLossPct:     0.3,
			TakeProfitPct:   0.2,
			MaxDailyLossPct: 1.0,
			StartingEquity:  1000,
		},
		Engine: EngineConfig{
			DataFetchIntervalMs:  500,
			MaxConsecutiveErrors: 10,
		},
		Telegram: TelegramConfig{
			SummaryCron: "0 0 0 * * *",
			RatePerSec:  1,
		},
		Database:  DatabaseConfig{URL: "sqlite:///./data/trades.db"},
		Health:    HealthConfig{Port: 8080},
		Shutdown:  ShutdownConfig{TimeoutSec: 30, StopTimeoutSec: 10},
		Logging:   LoggingConfig{Level: "info", Format: "auto"},
		Profiling: ProfilingConfig{},
	}
}

// Load builds the configuration from .env, an optional YAML file and the
// process environment, in that order, and validates it.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes, then applies
// environment overrides. Empty data yields the defaults.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := Default()

	if len(data) > 0 {
		// Expand environment variables
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if cfg.Render {
		cfg.Database.URL = RenderDatabaseURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []string

	envString("BYBIT_API_KEY", &c.Exchange.APIKey)
	envString("BYBIT_API_SECRET", &c.Exchange.APISecret)
	envBool("BYBIT_TESTNET", &c.Exchange.Testnet, &errs)

	envString("TRADING_SYMBOL", &c.Trading.Symbol)
	envString("TIMEFRAME", &c.Trading.Timeframe)
	envInt("LEVERAGE", &c.Trading.Leverage, &errs)
	envFloat("MAX_POSITION_SIZE", &c.Trading.MaxPositionSize, &errs)
	envInt("MAX_OPEN_TRADES", &c.Trading.MaxOpenTrades, &errs)
	envFloat("STOP_LOSS_PCT", &c.Trading.StopLossPct, &errs)
	envFloat("TAKE_PROFIT_PCT", &c.Trading.TakeProfitPct, &errs)
	envFloat("MAX_DAILY_LOSS_PCT", &c.Trading.MaxDailyLossPct, &errs)
	envFloat("STARTING_EQUITY", &c.Trading.StartingEquity, &errs)

	envInt("DATA_FETCH_INTERVAL_MS", &c.Engine.DataFetchIntervalMs, &errs)
	envInt("MAX_CONSECUTIVE_ERRORS", &c.Engine.MaxConsecutiveErrors, &errs)

	envString("TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken)
	envString("TELEGRAM_CHAT_ID", &c.Telegram.ChatID)
	envString("TELEGRAM_SUMMARY_CRON", &c.Telegram.SummaryCron)
	envFloat("TELEGRAM_RATE_PER_SEC", &c.Telegram.RatePerSec, &errs)
	envString("TELEGRAM_API_URL", &c.Telegram.APIURL)

	envString("DATABASE_URL", &c.Database.URL)
	envBool("RENDER", &c.Render, &errs)
	envInt("HEALTH_CHECK_PORT", &c.Health.Port, &errs)
	envInt("SHUTDOWN_TIMEOUT_SEC", &c.Shutdown.TimeoutSec, &errs)
	envInt("STOP_TIMEOUT_SEC", &c.Shutdown.StopTimeoutSec, &errs)

	envString("LOG_LEVEL", &c.Logging.Level)
	envString("LOG_FORMAT", &c.Logging.Format)
	envString("PYROSCOPE_SERVER_ADDRESS", &c.Profiling.ServerAddress)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int, errs *[]string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s=%q is not an integer", key, v))
		return
	}
	*dst = n
}

func envFloat(key string, dst *float64, errs *[]string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s=%q is not a number", key, v))
		return
	}
	*dst = f
}

func envBool(key string, dst *bool, errs *[]string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(v)))
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s=%q is not a boolean", key, v))
		return
	}
	*dst = b
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string
	missingCredentials := false

	// Exchange validation
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		missingCredentials = true
		errs = append(errs, "BYBIT_API_KEY and BYBIT_API_SECRET are required")
	}

	// Trading validation
	if c.Trading.Symbol == "" {
		errs = append(errs, "trading.symbol is required")
	}
	if c.Trading.Leverage < 1 || c.Trading.Leverage > 100 {
		errs = append(errs, "trading.leverage must be between 1 and 100")
	}
	if c.Trading.MaxPositionSize <= 0 {
		errs = append(errs, "trading.max_position_size must be positive")
	}
	if c.Trading.MaxOpenTrades < 1 {
		errs = append(errs, "trading.max_open_trades must be at least 1")
	}
	if c.Trading.StopLossPct <= 0 {
		errs = append(errs, "trading.stop_loss_pct must be positive")
	}
	if c.Trading.TakeProfitPct <= 0 {
		errs = append(errs, "trading.take_profit_pct must be positive")
	}
	if c.Trading.MaxDailyLossPct <= 0 || c.Trading.MaxDailyLossPct > 100 {
		errs = append(errs, "trading.max_daily_loss_pct must be between 0 and 100")
	}
	if c.Trading.StartingEquity <= 0 {
		errs = append(errs, "trading.starting_equity must be positive")
	}

	// Engine validation
	if c.Engine.DataFetchIntervalMs <= 0 {
		errs = append(errs, "engine.data_fetch_interval_ms must be positive")
	}
	if c.Engine.MaxConsecutiveErrors < 1 {
		errs = append(errs, "engine.max_consecutive_errors must be at least 1")
	}

	// Telegram validation
	if c.Telegram.RatePerSec <= 0 {
		errs = append(errs, "telegram.rate_per_sec must be positive")
	}

	// Database validation
	if strings.TrimSpace(c.Database.URL) == "" {
		errs = append(errs, "database.url is required")
	}

	// Health validation
	if c.Health.Port < 1 || c.Health.Port > 65535 {
		errs = append(errs, "health.port must be between 1 and 65535")
	}

	// Shutdown validation
	if c.Shutdown.TimeoutSec <= 0 {
		c.Shutdown.TimeoutSec = 30 // default
	}
	if c.Shutdown.StopTimeoutSec <= 0 {
		c.Shutdown.StopTimeoutSec = 10 // default
	}

	switch c.Logging.Format {
	case "", "auto", "json", "text":
	default:
		errs = append(errs, "logging.format must be 'auto', 'json' or 'text'")
	}

	if len(errs) == 0 {
		return nil
	}
	msg := strings.Join(errs, "; ")
	if missingCredentials {
		return fmt.Errorf("%w: %w: %s", types.ErrInvalidConfig, types.ErrMissingCredentials, msg)
	}
	return fmt.Errorf("%w: %s", types.ErrInvalidConfig, msg)
}

// ToRiskConfig converts to risk.Config.
func (c *Config) ToRiskConfig() risk.Config {
	return risk.Config{
		MaxOpenTrades:   c.Trading.MaxOpenTrades,
		MaxPositionSize: decimal.NewFromFloat(c.Trading.MaxPositionSize),
		StopLossPct:     decimal.NewFromFloat(c.Trading.StopLossPct),
		TakeProfitPct:   decimal.NewFromFloat(c.Trading.TakeProfitPct),
		MaxDailyLossPct: decimal.NewFromFloat(c.Trading.MaxDailyLossPct),
		StartingEquity:  decimal.NewFromFloat(c.Trading.StartingEquity),
	}
}

// MaxPositionSizeDecimal returns the position cap as decimal.
func (c *Config) MaxPositionSizeDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.Trading.MaxPositionSize)
}

// DataFetchInterval returns the decision loop interval.
func (c *Config) DataFetchInterval() time.Duration {
	return time.Duration(c.Engine.DataFetchIntervalMs) * time.Millisecond
}

// ShutdownTimeout returns the overall shutdown timeout duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Shutdown.TimeoutSec) * time.Second
}

// StopTimeout returns the per-subsystem stop deadline.
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.Shutdown.StopTimeoutSec) * time.Second
}

// HealthAddr returns the listen address of the health endpoint.
func (c *Config) HealthAddr() string {
	return fmt.Sprintf(":%d", c.Health.Port)
}

// TelegramEnabled reports whether Telegram delivery is configured.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != "" && c.Telegram.ChatID != ""
}

// Mode returns "testnet" or "live".
func (c *Config) Mode() string {
	if c.Exchange.Testnet {
		return "testnet"
	}
	return "live"
}
