package herald

import (
	"time"

	"github.com/xraph/herald/circuit"
	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/dispatcher"
	"github.com/xraph/herald/payload"
	"github.com/xraph/herald/ratelimit"
	"github.com/xraph/herald/webhook"
)

// Config holds the configuration for a Herald instance.
type Config struct {
	// Concurrency bounds simultaneous delivery attempts within one fan-out
	// or drain, and simultaneous events in DispatchMultipleEvents.
	Concurrency int

	// PollInterval is how often the background engine drains due work.
	PollInterval time.Duration

	// BatchSize is the maximum number of deliveries claimed per drain.
	BatchSize int

	// PendingGrace delays background pickup of pending deliveries so the
	// direct send that created them gets the first attempt.
	PendingGrace time.Duration

	// StaleAfter is how long a delivery may stay in flight before the
	// engine assumes its worker died and requeues it.
	StaleAfter time.Duration

	// MaxQueueAge is the oldest pending age still reported healthy.
	MaxQueueAge time.Duration

	// IndexTTL bounds how long resolved subscriptions are cached.
	IndexTTL time.Duration

	// FailureThreshold consecutive failures open a webhook's circuit for CoolDown.
	FailureThreshold int
	CoolDown         time.Duration

	// DefaultRateLimit is the per-minute cap for webhooks that set none.
	DefaultRateLimit int

	// RetryMultiplier and MaxRetryInterval shape the exponential backoff.
	RetryMultiplier  float64
	MaxRetryInterval time.Duration

	// Webhook defaults applied at creation when a setting is left unset.
	DefaultTimeoutMs    int
	DefaultMaxRetries   int
	DefaultRetryDelayMs int

	// AllowPrivateHosts permits loopback and private webhook URLs.
	// Never enable in production.
	AllowPrivateHosts bool

	// Source is stamped on every payload's metadata.
	Source string

	// UserAgent is sent with every delivery request.
	UserAgent string

	// HistorySize is how many recent dispatches are kept for inspection.
	HistorySize int

	// ShutdownTimeout is the maximum time Stop waits for in-flight deliveries.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	wd := webhook.DefaultDefaults()
	return Config{
		Concurrency:         delivery.DefaultConcurrency,
		PollInterval:        delivery.DefaultPollInterval,
		BatchSize:           delivery.DefaultBatchSize,
		PendingGrace:        delivery.DefaultPendingGrace,
		StaleAfter:          delivery.DefaultStaleAfter,
		MaxQueueAge:         delivery.DefaultMaxQueueAge,
		IndexTTL:            30 * time.Second,
		FailureThreshold:    circuit.DefaultFailureThreshold,
		CoolDown:            circuit.DefaultCoolDown,
		DefaultRateLimit:    ratelimit.DefaultLimit,
		RetryMultiplier:     delivery.DefaultMultiplier,
		MaxRetryInterval:    delivery.DefaultMaxInterval,
		DefaultTimeoutMs:    wd.TimeoutMs,
		DefaultMaxRetries:   wd.MaxRetries,
		DefaultRetryDelayMs: wd.RetryDelayMs,
		Source:              payload.DefaultSource,
		UserAgent:           delivery.DefaultUserAgent,
		HistorySize:         dispatcher.DefaultHistorySize,
		ShutdownTimeout:     30 * time.Second,
	}
}

func (c Config) webhookDefaults() webhook.Defaults {
	return webhook.Defaults{
		TimeoutMs:          c.DefaultTimeoutMs,
		MaxRetries:         c.DefaultMaxRetries,
		RetryDelayMs:       c.DefaultRetryDelayMs,
		RateLimitPerMinute: c.DefaultRateLimit,
	}
}

func (c Config) retryPolicy() delivery.RetryPolicy {
	return delivery.RetryPolicy{
		Multiplier:  c.RetryMultiplier,
		MaxInterval: c.MaxRetryInterval,
	}
}
