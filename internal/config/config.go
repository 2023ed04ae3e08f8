package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the tradedesk platform.
type Config struct {
	Storage    Storage          `yaml:"storage"`
	Server     Server           `yaml:"server"`
	Alpaca     Alpaca           `yaml:"alpaca"`
	Logging    Logging          `yaml:"logging"`
	Trading    TradingConfig    `yaml:"trading"`
	Risk       RiskConfig       `yaml:"risk"`
	Feed       FeedConfig       `yaml:"feed"`
	Strategies StrategiesConfig `yaml:"strategies"`
}

// Storage selects the persistence backend for orders and trades and the
// directory for the parquet archive.
type Storage struct {
	Backend     string `yaml:"backend"` // memory, sqlite, redis
	SQLitePath  string `yaml:"sqlite_path"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	RedisPrefix string `yaml:"redis_prefix"`
	ArchiveDir  string `yaml:"archive_dir"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	StreamURL string `yaml:"stream_url"`
	Feed      string `yaml:"feed"` // iex or sip
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TradingConfig defines execution parameters for the engine.
type TradingConfig struct {
	PaperMode        bool          `yaml:"paper_mode"`
	DefaultBroker    string        `yaml:"default_broker"`
	Workers          int           `yaml:"workers"`
	QueueSize        int           `yaml:"queue_size"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	PollRatePerMin   int           `yaml:"poll_rate_per_min"`
	TickEpsilon      float64       `yaml:"tick_epsilon"`
	AccountRefresh   time.Duration `yaml:"account_refresh"`
	CalendarZone     string        `yaml:"calendar_zone"`
	SessionOpen      string        `yaml:"session_open"`
	SessionClose     string        `yaml:"session_close"`
	SimulatorCash    float64       `yaml:"simulator_cash"`
	EventBufferSize  int           `yaml:"event_buffer_size"`
	AutoMonitorFills bool          `yaml:"auto_monitor_fills"`
}

// RiskConfig holds the pre-trade limits. A zero value disables a check.
type RiskConfig struct {
	MaxOrderQty       float64 `yaml:"max_order_qty"`
	MaxPriceDeviation float64 `yaml:"max_price_deviation"` // fraction, 0.05 = 5%
	MaxPosition       float64 `yaml:"max_position"`
}

// FeedConfig selects the inbound tick source.
type FeedConfig struct {
	Kind    string   `yaml:"kind"` // none, alpaca, replay
	Symbols []string `yaml:"symbols"`
	Date    string   `yaml:"date"` // replay date, YYYY-MM-DD
}

// StrategiesConfig enables built-in strategies.
type StrategiesConfig struct {
	SMACross []SMACrossConfig `yaml:"sma_cross"`
}

// SMACrossConfig parameterises one SMA crossover instance.
type SMACrossConfig struct {
	ID       string  `yaml:"id"`
	Symbol   string  `yaml:"symbol"`
	Short    int     `yaml:"short"`
	Long     int     `yaml:"long"`
	Quantity float64 `yaml:"quantity"`
	BrokerID string  `yaml:"broker_id"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns a configuration that runs entirely in memory against the
// simulator broker.
func Default() *Config {
	return &Config{
		Storage: Storage{Backend: "memory", RedisPrefix: "tradedesk:"},
		Server:  Server{Host: "127.0.0.1", Port: 8080, GRPCPort: 9090},
		Logging: Logging{Level: "info", Format: "json"},
		Trading: TradingConfig{
			PaperMode:        true,
			DefaultBroker:    "simulator",
			Workers:          4,
			QueueSize:        256,
			PollInterval:     2 * time.Second,
			PollRatePerMin:   600,
			TickEpsilon:      0.01,
			AccountRefresh:   30 * time.Second,
			CalendarZone:     "America/New_York",
			SessionOpen:      "09:30",
			SessionClose:     "16:00",
			SimulatorCash:    100000,
			EventBufferSize:  1024,
			AutoMonitorFills: true,
		},
		Feed: FeedConfig{Kind: "none"},
	}
}

// Load reads the YAML configuration file at the given path on top of the
// defaults, and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML bytes on top of the defaults and applies environment
// overrides.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "", "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "sqlite" && c.Storage.SQLitePath == "" {
		return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
	}
	if c.Storage.Backend == "redis" && c.Storage.RedisAddr == "" {
		return fmt.Errorf("storage.redis_addr is required for the redis backend")
	}
	if c.Risk.MaxOrderQty < 0 || c.Risk.MaxPosition < 0 || c.Risk.MaxPriceDeviation < 0 {
		return fmt.Errorf("risk limits must not be negative")
	}
	if c.Trading.TickEpsilon < 0 {
		return fmt.Errorf("trading.tick_epsilon must not be negative")
	}
	for i, s := range c.Strategies.SMACross {
		if s.ID == "" || s.Symbol == "" {
			return fmt.Errorf("strategies.sma_cross[%d]: id and symbol are required", i)
		}
		if s.Short <= 0 || s.Long <= s.Short {
			return fmt.Errorf("strategies.sma_cross[%d]: need 0 < short < long", i)
		}
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Storage.RedisAddr = v
	}

	if v := os.Getenv("ARCHIVE_DIR"); v != "" {
		cfg.Storage.ArchiveDir = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("ALPACA_STREAM_URL"); v != "" {
		cfg.Alpaca.StreamURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("PAPER_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Trading.PaperMode = b
		}
	}

	if v := os.Getenv("FEED_SYMBOLS"); v != "" {
		cfg.Feed.Symbols = strings.Split(v, ",")
	}

	// Standard Alpaca env vars take the highest priority; the SDK uses these names.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
