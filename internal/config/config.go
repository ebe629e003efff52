// Package config loads heraldd's configuration from an optional herald.yaml
// and HERALD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/xraph/herald"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config is the daemon configuration.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Circuit   CircuitConfig   `mapstructure:"circuit"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Webhooks  WebhookConfig   `mapstructure:"webhooks"`
	Log       LogConfig       `mapstructure:"log"`

	// HealthAddr, when set, serves /healthz and /stats on this address.
	HealthAddr string `mapstructure:"health_addr"`
	Source     string `mapstructure:"source" validate:"required"`
	UserAgent  string `mapstructure:"user_agent" validate:"required"`
}

type StoreConfig struct {
	Driver      string `mapstructure:"driver" validate:"oneof=memory postgres redis"`
	PostgresDSN string `mapstructure:"postgres_dsn" validate:"required_if=Driver postgres"`
	RedisURL    string `mapstructure:"redis_url" validate:"required_if=Driver redis"`
	Migrate     bool   `mapstructure:"migrate"`
}

type EngineConfig struct {
	Concurrency     int           `mapstructure:"concurrency" validate:"gte=1"`
	PollInterval    time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize       int           `mapstructure:"batch_size" validate:"gte=1"`
	PendingGrace    time.Duration `mapstructure:"pending_grace" validate:"gte=0"`
	StaleAfter      time.Duration `mapstructure:"stale_after" validate:"gt=0"`
	MaxQueueAge     time.Duration `mapstructure:"max_queue_age" validate:"gt=0"`
	IndexTTL        time.Duration `mapstructure:"index_ttl" validate:"gte=0"`
	HistorySize     int           `mapstructure:"history_size" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
}

type CircuitConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gte=1"`
	CoolDown         time.Duration `mapstructure:"cool_down" validate:"gt=0"`
}

type RateLimitConfig struct {
	DefaultPerMinute int `mapstructure:"default_per_minute" validate:"gte=0"`

	// Shared keeps rate-limit windows in Redis so every heraldd process
	// draws from the same budget. Requires store.redis_url.
	Shared bool `mapstructure:"shared"`
}

type WebhookConfig struct {
	AllowPrivateHosts bool          `mapstructure:"allow_private_hosts"`
	TimeoutMs         int           `mapstructure:"timeout_ms" validate:"gte=1,lte=60000"`
	MaxRetries        int           `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	RetryDelayMs      int           `mapstructure:"retry_delay_ms" validate:"gte=1"`
	RetryMultiplier   float64       `mapstructure:"retry_multiplier" validate:"gte=1"`
	MaxRetryInterval  time.Duration `mapstructure:"max_retry_interval" validate:"gt=0"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// Load reads configuration. path names a config file; when empty, herald.yaml
// is looked up in the working directory and /etc/herald, and a missing file
// is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HERALD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("herald")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/herald")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := herald.DefaultConfig()

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.migrate", true)

	v.SetDefault("engine.concurrency", d.Concurrency)
	v.SetDefault("engine.poll_interval", d.PollInterval)
	v.SetDefault("engine.batch_size", d.BatchSize)
	v.SetDefault("engine.pending_grace", d.PendingGrace)
	v.SetDefault("engine.stale_after", d.StaleAfter)
	v.SetDefault("engine.max_queue_age", d.MaxQueueAge)
	v.SetDefault("engine.index_ttl", d.IndexTTL)
	v.SetDefault("engine.history_size", d.HistorySize)
	v.SetDefault("engine.shutdown_timeout", d.ShutdownTimeout)

	v.SetDefault("circuit.failure_threshold", d.FailureThreshold)
	v.SetDefault("circuit.cool_down", d.CoolDown)

	v.SetDefault("rate_limit.default_per_minute", d.DefaultRateLimit)
	v.SetDefault("rate_limit.shared", false)

	v.SetDefault("webhooks.allow_private_hosts", false)
	v.SetDefault("webhooks.timeout_ms", d.DefaultTimeoutMs)
	v.SetDefault("webhooks.max_retries", d.DefaultMaxRetries)
	v.SetDefault("webhooks.retry_delay_ms", d.DefaultRetryDelayMs)
	v.SetDefault("webhooks.retry_multiplier", d.RetryMultiplier)
	v.SetDefault("webhooks.max_retry_interval", d.MaxRetryInterval)

	v.SetDefault("log.level", "info")
	v.SetDefault("health_addr", "")
	v.SetDefault("source", d.Source)
	v.SetDefault("user_agent", d.UserAgent)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and cross-field requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.RateLimit.Shared && c.Store.RedisURL == "" {
		return errors.New("invalid config: rate_limit.shared requires store.redis_url")
	}
	return nil
}

// Herald converts the daemon configuration into the engine's.
func (c *Config) Herald() herald.Config {
	hc := herald.DefaultConfig()

	hc.Concurrency = c.Engine.Concurrency
	hc.PollInterval = c.Engine.PollInterval
	hc.BatchSize = c.Engine.BatchSize
	hc.PendingGrace = c.Engine.PendingGrace
	hc.StaleAfter = c.Engine.StaleAfter
	hc.MaxQueueAge = c.Engine.MaxQueueAge
	hc.IndexTTL = c.Engine.IndexTTL
	hc.HistorySize = c.Engine.HistorySize
	hc.ShutdownTimeout = c.Engine.ShutdownTimeout

	hc.FailureThreshold = c.Circuit.FailureThreshold
	hc.CoolDown = c.Circuit.CoolDown

	hc.DefaultRateLimit = c.RateLimit.DefaultPerMinute

	hc.AllowPrivateHosts = c.Webhooks.AllowPrivateHosts
	hc.DefaultTimeoutMs = c.Webhooks.TimeoutMs
	hc.DefaultMaxRetries = c.Webhooks.MaxRetries
	hc.DefaultRetryDelayMs = c.Webhooks.RetryDelayMs
	hc.RetryMultiplier = c.Webhooks.RetryMultiplier
	hc.MaxRetryInterval = c.Webhooks.MaxRetryInterval

	hc.Source = c.Source
	hc.UserAgent = c.UserAgent
	return hc
}

// Level returns the configured slog level.
func (c *Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
