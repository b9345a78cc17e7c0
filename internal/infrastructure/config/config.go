package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Proxy     ProxyConfig
	Cache     CacheConfig
	Static    StaticConfig
	Policy    PolicyConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Operator  OperatorConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8000"`
	Host            string        `envconfig:"HOST" default:"0.0.0.0"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// ProxyConfig controls origin fetches and response rewriting.
type ProxyConfig struct {
	FetchTimeout time.Duration `envconfig:"PROXY_FETCH_TIMEOUT" default:"30s"`
	MaxBodyBytes int64         `envconfig:"PROXY_MAX_BODY_BYTES" default:"52428800"`
	RetryCount   int           `envconfig:"PROXY_RETRY_COUNT" default:"0"`
	UserAgent    string        `envconfig:"PROXY_USER_AGENT" default:""`
	DropCSP      bool          `envconfig:"PROXY_DROP_CSP" default:"false"`
	UpstreamRPS  float64       `envconfig:"PROXY_UPSTREAM_RPS" default:"0"`
}

// CacheConfig holds static-asset response cache configuration.
type CacheConfig struct {
	TTL           time.Duration `envconfig:"CACHE_TTL" default:"1h"`
	SweepInterval time.Duration `envconfig:"CACHE_SWEEP_INTERVAL" default:"10m"`
	MaxEntries    int           `envconfig:"CACHE_MAX_ENTRIES" default:"10000"`
	MaxBytes      int64         `envconfig:"CACHE_MAX_BYTES" default:"268435456"`
	Enabled       bool          `envconfig:"CACHE_ENABLED" default:"true"`
}

// StaticConfig holds local asset serving and localization configuration.
type StaticConfig struct {
	Dir   string `envconfig:"STATIC_DIR" default:"./static"`
	Rules string `envconfig:"LOCALIZE_RULES" default:""`
}

// PolicyConfig restricts which origins may be proxied.
type PolicyConfig struct {
	AllowHosts []string `envconfig:"PROXY_ALLOW_HOSTS"`
	DenyHosts  []string `envconfig:"PROXY_DENY_HOSTS"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds inbound rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// OperatorConfig guards operational endpoints. Empty user disables auth.
type OperatorConfig struct {
	User         string `envconfig:"OPERATOR_USER" default:""`
	PasswordHash string `envconfig:"OPERATOR_PASSWORD_HASH" default:""`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8000",
			Host:            "0.0.0.0",
			ShutdownTimeout: 10 * time.Second,
		},
		Proxy: ProxyConfig{
			FetchTimeout: 30 * time.Second,
			MaxBodyBytes: 50 << 20,
		},
		Cache: CacheConfig{
			TTL:           time.Hour,
			SweepInterval: 10 * time.Minute,
			MaxEntries:    10000,
			MaxBytes:      256 << 20,
			Enabled:       true,
		},
		Static: StaticConfig{
			Dir: "./static",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}

// Validate rejects settings the proxy cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Proxy.FetchTimeout <= 0 {
		errs = append(errs, errors.New("PROXY_FETCH_TIMEOUT must be positive"))
	}
	if c.Proxy.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("PROXY_MAX_BODY_BYTES must be positive"))
	}
	if c.Proxy.RetryCount < 0 {
		errs = append(errs, errors.New("PROXY_RETRY_COUNT must not be negative"))
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("CACHE_TTL must be positive"))
	}
	if c.Cache.Enabled && c.Cache.SweepInterval <= 0 {
		errs = append(errs, errors.New("CACHE_SWEEP_INTERVAL must be positive"))
	}
	if (c.Operator.User == "") != (c.Operator.PasswordHash == "") {
		errs = append(errs, errors.New("OPERATOR_USER and OPERATOR_PASSWORD_HASH must be set together"))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}
