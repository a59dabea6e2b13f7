// Package config loads service settings from the environment, an optional
// .env file and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMarketStreamBase = "wss://stream.data.alpaca.markets/v2/"
	PaperTradingStreamURL   = "wss://paper-api.alpaca.markets/stream"
	LiveTradingStreamURL    = "wss://api.alpaca.markets/stream"
)

// Config holds the settings of the gateway.
type Config struct {
	Port     string
	GRPCPort int

	// Alpaca
	APIKey           string
	APISecret        string
	Paper            bool
	DataFeed         string // iex | sip
	MarketStreamURL  string
	TradingStreamURL string
	BrokerRatePerMin int

	// Upstream stream supervision
	ConnectTimeout       time.Duration
	HealthInterval       time.Duration
	PongTimeout          time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	// Order gatekeeper
	Cooldown        time.Duration
	DuplicateWindow time.Duration

	ArtificialRetention time.Duration

	// Journal (empty path disables)
	JournalDBPath string

	// REST auth (empty secret disables)
	JWTSecret         string
	AdminPasswordHash string

	LogLevel string
}

// Load reads .env (if present), then CONFIG_FILE (if set), then the
// environment. The environment wins over the file.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	src := source{file: map[string]string{}}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}
	return src.build()
}

// FromMap builds a Config from explicit key/value pairs, ignoring the
// process environment.
func FromMap(values map[string]string) (*Config, error) {
	return source{file: values, noEnv: true}.build()
}

type source struct {
	file  map[string]string
	noEnv bool
}

func (s source) build() (*Config, error) {
	paper := s.getBool("ALPACA_PAPER", true)
	feed := strings.ToLower(s.get("ALPACA_DATA_FEED", "iex"))
	tradingURL := LiveTradingStreamURL
	if paper {
		tradingURL = PaperTradingStreamURL
	}

	cfg := &Config{
		Port:                 s.get("PORT", "8080"),
		GRPCPort:             s.getInt("GRPC_PORT", 0),
		APIKey:               s.first("APCA_API_KEY_ID", "ALPACA_API_KEY"),
		APISecret:            s.first("APCA_API_SECRET_KEY", "ALPACA_SECRET_KEY"),
		Paper:                paper,
		DataFeed:             feed,
		MarketStreamURL:      s.get("ALPACA_MARKET_STREAM_URL", DefaultMarketStreamBase+feed),
		TradingStreamURL:     s.get("ALPACA_TRADING_STREAM_URL", tradingURL),
		BrokerRatePerMin:     s.getInt("BROKER_RATE_LIMIT_PER_MIN", 200),
		ConnectTimeout:       s.getMillis("CONNECT_TIMEOUT_MS", 10*time.Second),
		HealthInterval:       s.getMillis("HEALTH_INTERVAL_MS", 30*time.Second),
		PongTimeout:          s.getMillis("PONG_TIMEOUT_MS", 10*time.Second),
		ReconnectBaseDelay:   s.getMillis("RECONNECT_BASE_DELAY_MS", time.Second),
		ReconnectMaxDelay:    s.getMillis("RECONNECT_MAX_DELAY_MS", 60*time.Second),
		MaxReconnectAttempts: s.getInt("MAX_RECONNECT_ATTEMPTS", 10),
		Cooldown:             s.getMillis("COOLDOWN_MS", 5*time.Second),
		DuplicateWindow:      s.getMillis("DUPLICATE_WINDOW_MS", 10*time.Second),
		ArtificialRetention:  s.getDuration("ARTIFICIAL_RETENTION", 24*time.Hour),
		JournalDBPath:        s.get("JOURNAL_DB_PATH", ""),
		JWTSecret:            s.get("API_JWT_SECRET", ""),
		AdminPasswordHash:    s.get("API_ADMIN_PASSWORD_HASH", ""),
		LogLevel:             s.get("LOG_LEVEL", "info"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.APIKey == "" || c.APISecret == "" {
		errs = append(errs, errors.New("alpaca credentials are required (APCA_API_KEY_ID / APCA_API_SECRET_KEY)"))
	}
	if c.DataFeed != "iex" && c.DataFeed != "sip" {
		errs = append(errs, fmt.Errorf("ALPACA_DATA_FEED must be iex or sip, got %q", c.DataFeed))
	}
	for name, d := range map[string]time.Duration{
		"CONNECT_TIMEOUT_MS":      c.ConnectTimeout,
		"HEALTH_INTERVAL_MS":      c.HealthInterval,
		"PONG_TIMEOUT_MS":         c.PongTimeout,
		"RECONNECT_BASE_DELAY_MS": c.ReconnectBaseDelay,
		"RECONNECT_MAX_DELAY_MS":  c.ReconnectMaxDelay,
		"ARTIFICIAL_RETENTION":    c.ArtificialRetention,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Cooldown < 0 || c.DuplicateWindow < 0 {
		errs = append(errs, errors.New("COOLDOWN_MS and DUPLICATE_WINDOW_MS must not be negative"))
	}
	if c.MaxReconnectAttempts <= 0 {
		errs = append(errs, errors.New("MAX_RECONNECT_ATTEMPTS must be positive"))
	}
	if c.BrokerRatePerMin <= 0 {
		errs = append(errs, errors.New("BROKER_RATE_LIMIT_PER_MIN must be positive"))
	}
	if c.AdminPasswordHash != "" && c.JWTSecret == "" {
		errs = append(errs, errors.New("API_ADMIN_PASSWORD_HASH requires API_JWT_SECRET"))
	}
	return errors.Join(errs...)
}

func readFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(doc))
	for k, v := range doc {
		out[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return out, nil
}

func (s source) lookup(key string) string {
	if !s.noEnv {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return s.file[key]
}

func (s source) get(key, def string) string {
	if v := s.lookup(key); v != "" {
		return v
	}
	return def
}

func (s source) first(keys ...string) string {
	for _, k := range keys {
		if v := s.lookup(k); v != "" {
			return v
		}
	}
	return ""
}

func (s source) getBool(key string, def bool) bool {
	if v := s.lookup(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func (s source) getInt(key string, def int) int {
	if v := s.lookup(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func (s source) getMillis(key string, def time.Duration) time.Duration {
	if v := s.lookup(key); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

func (s source) getDuration(key string, def time.Duration) time.Duration {
	if v := s.lookup(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
