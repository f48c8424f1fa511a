package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all gateway configuration. Values come from (lowest to highest
// precedence) built-in defaults, an optional config file, .env and the
// process environment.
type Config struct {
	// Kite Connect credentials
	KiteAPIKey    string `mapstructure:"kite_api_key"`
	KiteAPISecret string `mapstructure:"kite_api_secret"`
	RedirectURL   string `mapstructure:"redirect_url"`

	// Upstream endpoints
	KiteTickerURL string `mapstructure:"kite_ticker_url"`
	KiteAPIURL    string `mapstructure:"kite_api_url"`
	KiteLoginURL  string `mapstructure:"kite_login_url"`

	// HTTP
	ListenAddr  string   `mapstructure:"listen_addr"`
	MetricsAddr string   `mapstructure:"metrics_addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`

	// Session persistence
	SessionBackend string        `mapstructure:"session_backend"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
	SQLitePath     string        `mapstructure:"sqlite_path"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisPassword  string        `mapstructure:"redis_password"`
	RedisDB        int           `mapstructure:"redis_db"`

	// Stream tuning
	EventQueueSize     int           `mapstructure:"event_queue_size"`
	ClientSendBuffer   int           `mapstructure:"client_send_buffer"`
	ClientWriteTimeout time.Duration `mapstructure:"client_write_timeout"`
	ControlRate        float64       `mapstructure:"control_rate"`
	ControlBurst       int           `mapstructure:"control_burst"`

	// Alerts
	AlertWebhookURL  string `mapstructure:"alert_webhook_url"`
	TelegramBotToken string `mapstructure:"telegram_bot_token"`
	TelegramChatID   string `mapstructure:"telegram_chat_id"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Session backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

var defaults = map[string]any{
	"kite_api_key":         "",
	"kite_api_secret":      "",
	"redirect_url":         "http://localhost:5173/auth/kite/callback",
	"kite_ticker_url":      "wss://ws.kite.trade",
	"kite_api_url":         "https://api.kite.trade",
	"kite_login_url":       "https://kite.zerodha.com/connect/login",
	"listen_addr":          ":8000",
	"metrics_addr":         ":9090",
	"cors_origins":         []string{"http://localhost:5173"},
	"session_backend":      BackendSQLite,
	"session_ttl":          18 * time.Hour,
	"sqlite_path":          "data/session.db",
	"redis_addr":           "localhost:6379",
	"redis_password":       "",
	"redis_db":             0,
	"event_queue_size":     8192,
	"client_send_buffer":   256,
	"client_write_timeout": 10 * time.Second,
	"control_rate":         20.0,
	"control_burst":        40,
	"alert_webhook_url":    "",
	"telegram_bot_token":   "",
	"telegram_chat_id":     "",
	"log_level":            "info",
	"log_format":           "json",
}

// Load reads configuration. configPath is optional; when empty no config file
// is read. A missing .env in the working directory is not an error.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	// Keys map 1:1 to upper-case env vars (kite_api_key -> KITE_API_KEY).
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.CORSOrigins = splitOrigins(cfg.CORSOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Validate checks value ranges. Credentials are optional: without them the
// gateway still serves health and stream routes, and the feed reports
// a missing session to clients.
func (c *Config) Validate() error {
	switch c.SessionBackend {
	case BackendSQLite, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("session_backend must be one of sqlite, redis, memory (got %q)", c.SessionBackend)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session_ttl must be > 0")
	}
	if c.EventQueueSize < 1 {
		return fmt.Errorf("event_queue_size must be >= 1")
	}
	if c.ClientSendBuffer < 1 {
		return fmt.Errorf("client_send_buffer must be >= 1")
	}
	if c.ClientWriteTimeout <= 0 {
		return fmt.Errorf("client_write_timeout must be > 0")
	}
	if c.ControlRate <= 0 || c.ControlBurst < 1 {
		return fmt.Errorf("control_rate must be > 0 and control_burst >= 1")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	return nil
}

// HasCredentials reports whether the Kite API key and secret are both set.
func (c *Config) HasCredentials() bool {
	return c.KiteAPIKey != "" && c.KiteAPISecret != ""
}

// splitOrigins flattens comma separated entries and drops blanks, so both
// CORS_ORIGINS="a,b" and a YAML list work.
func splitOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, o := range strings.Split(item, ",") {
			if o = strings.TrimSpace(o); o != "" {
				out = append(out, o)
			}
		}
	}
	return out
}
