package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values
const (
	EnvAPIKey        = "CHATBLAST_API_KEY"
	EnvRedisPassword = "CHATBLAST_REDIS_PASSWORD"
	EnvStoragePath   = "CHATBLAST_STORAGE_PATH"
)

// Config is the main configuration structure
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Pacing    PacingConfig    `yaml:"pacing"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Outcome   OutcomeConfig   `yaml:"outcome"`
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path      string           `yaml:"path"`
	Retention *RetentionConfig `yaml:"retention"`
}

// RetentionConfig contains campaign history settings
type RetentionConfig struct {
	FinishedMaxAge  time.Duration `yaml:"finished_max_age"` // Delete finished campaigns older than this (0 = keep forever)
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DispatchConfig contains engine timings
type DispatchConfig struct {
	ConfirmTimeout      time.Duration `yaml:"confirm_timeout"`       // Default: 7s
	ConfirmPollInterval time.Duration `yaml:"confirm_poll_interval"` // Default: 100ms
	PausePollInterval   time.Duration `yaml:"pause_poll_interval"`   // Default: 500ms
	PersistTimeout      time.Duration `yaml:"persist_timeout"`       // Default: 10s
}

// PacingConfig selects the delay between dispatches
type PacingConfig struct {
	Mode  string        `yaml:"mode"` // fixed, random, custom
	Delay time.Duration `yaml:"delay"`
	Min   time.Duration `yaml:"min"`
	Max   time.Duration `yaml:"max"`
	Floor time.Duration `yaml:"floor"` // Lower bound of custom delays (default: 3s)
}

// RateLimitConfig contains dispatch caps
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`

	// Account caps all campaigns together
	Account *LimitValues `yaml:"account,omitempty"`

	// Campaign caps each campaign separately
	Campaign *LimitValues `yaml:"campaign,omitempty"`

	FlushInterval time.Duration `yaml:"flush_interval"`
}

// LimitValues contains rate limit values
type LimitValues struct {
	MessagesPerHour int `yaml:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day"`
}

// GatewayConfig selects the dispatch gateway
type GatewayConfig struct {
	Type        string            `yaml:"type"` // sandbox, whatsapp_web
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	WhatsAppWeb WhatsAppWebConfig `yaml:"whatsapp_web"`
}

// SandboxConfig controls simulated confirmations
type SandboxConfig struct {
	ConfirmDelay       time.Duration `yaml:"confirm_delay"`
	FailureProbability float64       `yaml:"failure_probability"`
	FailIdentifiers    []string      `yaml:"fail_identifiers"`
	SilentIdentifiers  []string      `yaml:"silent_identifiers"`
	Record             *bool         `yaml:"record"` // Keep captured dispatches (default: true)
}

// WhatsAppWebConfig contains browser settings
type WhatsAppWebConfig struct {
	BaseURL           string        `yaml:"base_url"`
	ControlURL        string        `yaml:"control_url"`
	BrowserBin        string        `yaml:"browser_bin"`
	UserDataDir       string        `yaml:"user_data_dir"`
	Headless          bool          `yaml:"headless"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	WatchTimeout      time.Duration `yaml:"watch_timeout"`
	WatchInterval     time.Duration `yaml:"watch_interval"`
}

// OutcomeConfig selects where confirmations are exchanged
type OutcomeConfig struct {
	Backend string      `yaml:"backend"` // memory, redis
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig contains the Redis connection of the outcome register
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout (default: 30s)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
	AllowedIPs     []string      `yaml:"allowed_ips"`      // IP addresses/CIDRs allowed to access API (empty = allow all)
	TrustedProxies []string      `yaml:"trusted_proxies"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file, applies environment
// overrides, defaults and validation
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := LoadEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadEnv loads variables from a .env file if it exists.
// Variables already set in the environment win.
func LoadEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.API.APIKey = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Outcome.Redis.Password = v
	}
	if v := os.Getenv(EnvStoragePath); v != "" {
		c.Storage.Path = v
	}
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/chatblast/chatblast.db"
	}
	if c.Storage.Retention != nil && c.Storage.Retention.CleanupInterval == 0 {
		c.Storage.Retention.CleanupInterval = time.Hour
	}

	if c.Dispatch.ConfirmTimeout == 0 {
		c.Dispatch.ConfirmTimeout = 7 * time.Second
	}
	if c.Dispatch.ConfirmPollInterval == 0 {
		c.Dispatch.ConfirmPollInterval = 100 * time.Millisecond
	}
	if c.Dispatch.PausePollInterval == 0 {
		c.Dispatch.PausePollInterval = 500 * time.Millisecond
	}
	if c.Dispatch.PersistTimeout == 0 {
		c.Dispatch.PersistTimeout = 10 * time.Second
	}

	if c.Pacing.Mode == "" {
		c.Pacing.Mode = "fixed"
	}
	if c.Pacing.Mode == "fixed" && c.Pacing.Delay == 0 {
		c.Pacing.Delay = 10 * time.Second
	}
	if c.Pacing.Floor == 0 {
		c.Pacing.Floor = 3 * time.Second
	}

	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 10 * time.Second
	}

	if c.Gateway.Type == "" {
		c.Gateway.Type = "sandbox"
	}
	if c.Gateway.Sandbox.ConfirmDelay == 0 {
		c.Gateway.Sandbox.ConfirmDelay = 500 * time.Millisecond
	}

	if c.Outcome.Backend == "" {
		c.Outcome.Backend = "memory"
	}
	if c.Outcome.Redis.Addr == "" {
		c.Outcome.Redis.Addr = "localhost:6379"
	}
	if c.Outcome.Redis.Key == "" {
		c.Outcome.Redis.Key = "chatblast:outcome"
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.Dispatch.ConfirmTimeout < 0 || c.Dispatch.ConfirmPollInterval < 0 || c.Dispatch.PausePollInterval < 0 {
		return fmt.Errorf("dispatch intervals must not be negative")
	}
	if c.Dispatch.ConfirmPollInterval > c.Dispatch.ConfirmTimeout {
		return fmt.Errorf("dispatch.confirm_poll_interval must not exceed dispatch.confirm_timeout")
	}

	if err := c.validatePacing(); err != nil {
		return err
	}

	if c.RateLimit.Enabled && c.RateLimit.Account == nil && c.RateLimit.Campaign == nil {
		return fmt.Errorf("rate_limit is enabled but neither rate_limit.account nor rate_limit.campaign is set")
	}

	switch c.Gateway.Type {
	case "sandbox":
		p := c.Gateway.Sandbox.FailureProbability
		if p < 0 || p > 1 {
			return fmt.Errorf("gateway.sandbox.failure_probability must be between 0 and 1")
		}
	case "whatsapp_web":
	default:
		return fmt.Errorf("invalid gateway.type: %s (must be sandbox or whatsapp_web)", c.Gateway.Type)
	}

	switch c.Outcome.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid outcome.backend: %s (must be memory or redis)", c.Outcome.Backend)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

func (c *Config) validatePacing() error {
	switch c.Pacing.Mode {
	case "fixed", "custom":
		if c.Pacing.Delay < 0 {
			return fmt.Errorf("pacing.delay must not be negative")
		}
	case "random":
		if c.Pacing.Min < 0 || c.Pacing.Max < c.Pacing.Min {
			return fmt.Errorf("pacing.min and pacing.max must satisfy 0 <= min <= max")
		}
	default:
		return fmt.Errorf("invalid pacing.mode: %s (must be fixed, random, or custom)", c.Pacing.Mode)
	}
	return nil
}

// RecordSandbox reports whether sandbox dispatches are kept in storage
func (c *Config) RecordSandbox() bool {
	return c.Gateway.Sandbox.Record == nil || *c.Gateway.Sandbox.Record
}
