package herald

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/herald/catalog"
	"github.com/xraph/herald/circuit"
	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/dispatcher"
	"github.com/xraph/herald/observability"
	"github.com/xraph/herald/ratelimit"
	"github.com/xraph/herald/store"
	"github.com/xraph/herald/webhook"
)

// Herald is the webhook delivery engine: one per process, built once and
// passed to whatever publishes domain events.
type Herald struct {
	config Config
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	client         *http.Client
	limiter        ratelimit.Limiter
	catalog        *catalog.Catalog
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics     *observability.Metrics
	tracer      *observability.Tracer
	breaker     *circuit.Breaker
	index       *webhook.Index
	webhookSvc  *webhook.Service
	deliverySvc *delivery.Service
	dispatcher  *dispatcher.Dispatcher
	engine      *delivery.Engine
}

// Option configures a Herald instance.
type Option func(*Herald) error

// New creates a new Herald with the given options.
func New(opts ...Option) (*Herald, error) {
	h := &Herald{
		config: DefaultConfig(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, err
		}
	}
	if h.store == nil {
		return nil, ErrNoStore
	}
	if err := h.wireServices(); err != nil {
		return nil, err
	}
	return h, nil
}

// WithStore sets the persistence backend.
func WithStore(s store.Store) Option {
	return func(h *Herald) error {
		h.store = s
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Herald) error {
		if logger != nil {
			h.logger = logger
		}
		return nil
	}
}

// WithConfig replaces the whole configuration. Options applied after it
// still override individual fields.
func WithConfig(cfg Config) Option {
	return func(h *Herald) error {
		h.config = cfg
		return nil
	}
}

// WithConcurrency bounds simultaneous delivery attempts.
func WithConcurrency(n int) Option {
	return func(h *Herald) error {
		h.config.Concurrency = n
		return nil
	}
}

// WithPollInterval sets how often the background engine drains due work.
func WithPollInterval(d time.Duration) Option {
	return func(h *Herald) error {
		h.config.PollInterval = d
		return nil
	}
}

// WithBatchSize sets the maximum number of deliveries claimed per drain.
func WithBatchSize(n int) Option {
	return func(h *Herald) error {
		h.config.BatchSize = n
		return nil
	}
}

// WithPendingGrace sets how long a fresh pending delivery is left to its
// direct sender before the engine picks it up.
func WithPendingGrace(d time.Duration) Option {
	return func(h *Herald) error {
		h.config.PendingGrace = d
		return nil
	}
}

// WithCircuitBreaker sets the failure threshold and cool-down of the
// per-webhook circuit breakers.
func WithCircuitBreaker(threshold int, coolDown time.Duration) Option {
	return func(h *Herald) error {
		h.config.FailureThreshold = threshold
		h.config.CoolDown = coolDown
		return nil
	}
}

// WithDefaultRateLimit sets the per-minute cap for webhooks that set none.
func WithDefaultRateLimit(perMinute int) Option {
	return func(h *Herald) error {
		h.config.DefaultRateLimit = perMinute
		return nil
	}
}

// WithAllowPrivateHosts permits loopback and private webhook URLs.
func WithAllowPrivateHosts(allow bool) Option {
	return func(h *Herald) error {
		h.config.AllowPrivateHosts = allow
		return nil
	}
}

// WithLimiter replaces the in-process rate limiter, for example with a
// ratelimit.Redis shared by several Herald processes.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(h *Herald) error {
		h.limiter = l
		return nil
	}
}

// WithHTTPClient sets the client used for deliveries. It should not follow
// redirects; see delivery.NewHTTPClient.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Herald) error {
		h.client = c
		return nil
	}
}

// WithCatalog replaces the built-in event catalog.
func WithCatalog(c *catalog.Catalog) Option {
	return func(h *Herald) error {
		h.catalog = c
		return nil
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider. The global
// provider is used otherwise.
func WithMeterProvider(p metric.MeterProvider) Option {
	return func(h *Herald) error {
		h.meterProvider = p
		return nil
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider. The global
// provider is used otherwise.
func WithTracerProvider(p trace.TracerProvider) Option {
	return func(h *Herald) error {
		h.tracerProvider = p
		return nil
	}
}

// WithClock replaces time.Now throughout the engine, for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Herald) error {
		if now != nil {
			h.now = now
		}
		return nil
	}
}
