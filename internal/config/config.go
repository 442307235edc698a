// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Store         StoreConfig         `yaml:"store"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Directory     DirectoryConfig     `yaml:"directory"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Calendar      CalendarConfig      `yaml:"calendar"`
	Analytics     AnalyticsConfig     `yaml:"analytics"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// AuthConfig describes request authentication settings. Mode "jwks"
// validates RS256 tokens against the issuer's JWKS endpoint; mode "secret"
// validates HS256 tokens with a shared secret (single-binary deployments).
type AuthConfig struct {
	Mode         string        `yaml:"mode"`
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	JWKSURL      string        `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
	SecretEnv    string        `yaml:"secret_env"`
}

// StoreConfig describes instance persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"` // memory | postgres | sqlite
	DSNEnv          string        `yaml:"dsn_env"`
	Path            string        `yaml:"path"` // sqlite file path
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DefinitionsConfig describes workflow definition loading.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
	Archive     string   `yaml:"archive"` // memory | postgres
	AutoPublish bool     `yaml:"auto_publish"`
}

// DirectoryConfig describes the employee directory.
type DirectoryConfig struct {
	File     string        `yaml:"file"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// SchedulerConfig describes the escalation sweep.
type SchedulerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	PageSize      int           `yaml:"page_size"`
}

// CalendarConfig describes business-time accounting.
type CalendarConfig struct {
	Timezone      string   `yaml:"timezone"`
	BusinessStart string   `yaml:"business_start"` // HH:MM
	BusinessEnd   string   `yaml:"business_end"`   // HH:MM
	WeekendDays   []string `yaml:"weekend_days"`   // Saturday, Sunday, ...
	Holidays      []string `yaml:"holidays"`       // YYYY-MM-DD
}

// AnalyticsConfig describes the metrics aggregation loop.
type AnalyticsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	DefaultWindow   time.Duration `yaml:"default_window"`
}

// IdempotencyConfig describes replay protection settings.
type IdempotencyConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Driver     string        `yaml:"driver"` // memory | redis
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// NotificationsConfig describes event delivery settings.
type NotificationsConfig struct {
	Driver           string        `yaml:"driver"` // log | webhook
	WebhookURL       string        `yaml:"webhook_url"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       uint64        `yaml:"max_retries"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Auth: AuthConfig{
			Mode:         "jwks",
			JWKSCacheTTL: 1 * time.Hour,
			SecretEnv:    "ASSENT_AUTH_SECRET",
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "ASSENT_STORE_DSN",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
			Archive:     "memory",
			AutoPublish: true,
		},
		Directory: DirectoryConfig{
			CacheTTL: 5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			SweepInterval: 60 * time.Second,
			PageSize:      100,
		},
		Calendar: CalendarConfig{
			Timezone:      "UTC",
			BusinessStart: "09:00",
			BusinessEnd:   "17:00",
			WeekendDays:   []string{"Saturday", "Sunday"},
		},
		Analytics: AnalyticsConfig{
			Enabled:         true,
			RefreshInterval: 5 * time.Minute,
			DefaultWindow:   30 * 24 * time.Hour,
		},
		Idempotency: IdempotencyConfig{
			Enabled:    true,
			Driver:     "memory",
			AddrEnv:    "ASSENT_REDIS_ADDR",
			DefaultTTL: 24 * time.Hour,
		},
		Notifications: NotificationsConfig{
			Driver:           "log",
			Timeout:          10 * time.Second,
			MaxRetries:       3,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenTimeout:      30 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	switch c.Auth.Mode {
	case "jwks":
		if c.Auth.Issuer == "" {
			errs = append(errs, "auth.issuer is required in jwks mode")
		}
		if c.Auth.JWKSURL == "" {
			errs = append(errs, "auth.jwks_url is required in jwks mode")
		}
		if c.Auth.Audience == "" {
			errs = append(errs, "auth.audience is required in jwks mode")
		}
	case "secret":
		if os.Getenv(c.Auth.SecretEnv) == "" {
			errs = append(errs, fmt.Sprintf("auth mode secret requires %s to be set", c.Auth.SecretEnv))
		}
	case "none":
		// Test deployments only.
	default:
		errs = append(errs, fmt.Sprintf("auth.mode %q is not supported (jwks, secret, none)", c.Auth.Mode))
	}
	switch c.Store.Driver {
	case "memory", "postgres":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, "store.path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (memory, postgres, sqlite)", c.Store.Driver))
	}
	if c.Scheduler.Enabled && c.Scheduler.SweepInterval <= 0 {
		errs = append(errs, "scheduler.sweep_interval must be positive")
	}
	if c.Notifications.Driver == "webhook" && c.Notifications.WebhookURL == "" {
		errs = append(errs, "notifications.webhook_url is required for the webhook driver")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// ParsedWeekendDays parses the configured weekend day names.
func (c *CalendarConfig) ParsedWeekendDays() ([]time.Weekday, error) {
	names := map[string]time.Weekday{
		"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
		"wednesday": time.Wednesday, "thursday": time.Thursday,
		"friday": time.Friday, "saturday": time.Saturday,
	}
	var days []time.Weekday
	for _, name := range c.WeekendDays {
		d, ok := names[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("unknown weekend day %q", name)
		}
		days = append(days, d)
	}
	return days, nil
}

// applyEnvOverrides reads ASSENT_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ASSENT_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ASSENT_AUTH_MODE"); v != "" {
		cfg.Auth.Mode = v
	}
	if v := os.Getenv("ASSENT_AUTH_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("ASSENT_AUTH_JWKS_URL"); v != "" {
		cfg.Auth.JWKSURL = v
	}
	if v := os.Getenv("ASSENT_AUTH_AUDIENCE"); v != "" {
		cfg.Auth.Audience = v
	}
	if v := os.Getenv("ASSENT_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("ASSENT_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
