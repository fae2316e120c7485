package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	WS        WSConfig        `yaml:"ws"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Session   SessionConfig   `yaml:"session"`
	Hedge     HedgeConfig     `yaml:"hedge"`
	Console   ConsoleConfig   `yaml:"console"`
	State     StateConfig     `yaml:"state"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Timescale TimescaleConfig `yaml:"timescale"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type WSConfig struct {
	URL          string        `yaml:"url"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
}

type ExchangeConfig struct {
	Currency     string   `yaml:"currency"`
	Kinds        []string `yaml:"kinds"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
}

type SessionConfig struct {
	BootstrapTimeout     time.Duration `yaml:"bootstrap_timeout"`
	SubscribePacing      time.Duration `yaml:"subscribe_pacing"`
	DailyReconnect       string        `yaml:"daily_reconnect"`
	ForcedReconnectDelay time.Duration `yaml:"forced_reconnect_delay"`
	HealthyAfter         time.Duration `yaml:"healthy_after"`
}

type HedgeConfig struct {
	Active         bool    `yaml:"active"`
	Instrument     string  `yaml:"instrument"`
	BandPct        float64 `yaml:"band_pct"`
	LotSize        float64 `yaml:"lot_size"`
	Label          string  `yaml:"label"`
	SettlementHour *int    `yaml:"settlement_hour"`
	RiskFreeRate   float64 `yaml:"risk_free_rate"`
	DividendYield  float64 `yaml:"dividend_yield"`
}

// SettlementHourValue is the UTC hour options expire at; 08:00 when unset.
func (h HedgeConfig) SettlementHourValue() int {
	if h.SettlementHour == nil {
		return 8
	}
	return *h.SettlementHour
}

type ConsoleConfig struct {
	Enabled        *bool         `yaml:"enabled"`
	Instrument     string        `yaml:"instrument"`
	SizeMultiplier float64       `yaml:"size_multiplier"`
	OrderPacing    time.Duration `yaml:"order_pacing"`
}

func (c ConsoleConfig) EnabledValue() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	if m.Enabled == nil {
		return false
	}
	return *m.Enabled
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	Interval        time.Duration `yaml:"interval"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

// applyEnv lets secrets live outside the yaml file.
func applyEnv(cfg *Config) {
	overrides := []struct {
		key    string
		target *string
	}{
		{"DERIBIT_CLIENT_ID", &cfg.Exchange.ClientID},
		{"DERIBIT_CLIENT_SECRET", &cfg.Exchange.ClientSecret},
		{"TELEGRAM_TOKEN", &cfg.Telegram.Token},
		{"TELEGRAM_CHAT_ID", &cfg.Telegram.ChatID},
		{"TIMESCALE_DSN", &cfg.Timescale.DSN},
	}
	for _, o := range overrides {
		if val := strings.TrimSpace(os.Getenv(o.key)); val != "" {
			*o.target = val
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 14
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = "wss://www.deribit.com/ws/api/v2"
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 5 * time.Second
	}
	if cfg.WS.PongTimeout == 0 {
		cfg.WS.PongTimeout = 2 * time.Second
	}
	if cfg.Exchange.Currency == "" {
		cfg.Exchange.Currency = "BTC"
	}
	cfg.Exchange.Currency = strings.ToUpper(cfg.Exchange.Currency)
	if len(cfg.Exchange.Kinds) == 0 {
		cfg.Exchange.Kinds = []string{"future", "option"}
	}
	if cfg.Session.BootstrapTimeout == 0 {
		cfg.Session.BootstrapTimeout = 30 * time.Second
	}
	if cfg.Session.SubscribePacing == 0 {
		cfg.Session.SubscribePacing = 200 * time.Millisecond
	}
	if cfg.Session.DailyReconnect == "" {
		cfg.Session.DailyReconnect = "08:00"
	}
	if cfg.Session.ForcedReconnectDelay == 0 {
		cfg.Session.ForcedReconnectDelay = 5 * time.Second
	}
	if cfg.Session.HealthyAfter == 0 {
		cfg.Session.HealthyAfter = 60 * time.Second
	}
	if cfg.Hedge.Instrument == "" {
		cfg.Hedge.Instrument = cfg.Exchange.Currency + "-PERPETUAL"
	}
	if cfg.Hedge.BandPct == 0 {
		cfg.Hedge.BandPct = 0.0025
	}
	if cfg.Hedge.LotSize == 0 {
		cfg.Hedge.LotSize = 10
	}
	if cfg.Hedge.Label == "" {
		cfg.Hedge.Label = "delta_hedge"
	}
	if cfg.Console.Instrument == "" {
		cfg.Console.Instrument = cfg.Hedge.Instrument
	}
	if cfg.Console.SizeMultiplier == 0 {
		cfg.Console.SizeMultiplier = 1
	}
	if cfg.Console.OrderPacing == 0 {
		cfg.Console.OrderPacing = 200 * time.Millisecond
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/deribit-hedger.db"
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "obot"
	}
	if cfg.Timescale.Interval == 0 {
		cfg.Timescale.Interval = 60 * time.Second
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
}

func validate(cfg *Config) error {
	if cfg.Exchange.ClientID == "" {
		return errors.New("exchange.client_id is required (or DERIBIT_CLIENT_ID)")
	}
	if cfg.Exchange.ClientSecret == "" {
		return errors.New("exchange.client_secret is required (or DERIBIT_CLIENT_SECRET)")
	}
	for _, kind := range cfg.Exchange.Kinds {
		if kind != "future" && kind != "option" {
			return fmt.Errorf("exchange.kinds: unsupported kind %q", kind)
		}
	}
	if _, _, err := ParseClock(cfg.Session.DailyReconnect); err != nil {
		return fmt.Errorf("session.daily_reconnect: %w", err)
	}
	if cfg.Hedge.BandPct < 0 {
		return errors.New("hedge.band_pct must be >= 0")
	}
	if cfg.Hedge.LotSize <= 0 {
		return errors.New("hedge.lot_size must be > 0")
	}
	if h := cfg.Hedge.SettlementHourValue(); h < 0 || h > 23 {
		return errors.New("hedge.settlement_hour must be within 0..23")
	}
	if cfg.Console.SizeMultiplier <= 0 {
		return errors.New("console.size_multiplier must be > 0")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}

// ParseClock parses an "HH:MM" UTC wall clock.
func ParseClock(value string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", value)
	}
	return t.Hour(), t.Minute(), nil
}
