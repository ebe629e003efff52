package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/herald/circuit"
	"github.com/xraph/herald/observability"
	"github.com/xraph/herald/payload"
	"github.com/xraph/herald/ratelimit"
	"github.com/xraph/herald/signature"
	"github.com/xraph/herald/webhook"
)

const maxResponseBody = 1024 // 1KB cap on response body storage

// maxDrainBody bounds how much of a response is read to reuse the connection.
const maxDrainBody = 64 << 10

// DefaultUserAgent identifies herald to receivers.
const DefaultUserAgent = "Herald-Webhooks/1.0"

// DefaultPauseRecheck is how long a delivery to a paused webhook waits before
// it is looked at again.
const DefaultPauseRecheck = time.Minute

// Request headers set on every attempt.
const (
	HeaderWebhookID = webhook.HeaderWebhookID
	HeaderEvent     = webhook.HeaderEvent
	HeaderDelivery  = webhook.HeaderDelivery
	HeaderAttempt   = webhook.HeaderAttempt
)

// ExecutorConfig holds executor dependencies and tuning.
type ExecutorConfig struct {
	// Client sends requests. Redirects should not be followed.
	Client *http.Client

	// Breaker and Limiter guard receivers. Either may be nil.
	Breaker *circuit.Breaker
	Limiter ratelimit.Limiter

	// DefaultRateLimit applies to webhooks whose RateLimitPerMinute is 0.
	DefaultRateLimit int

	Retry        RetryPolicy
	UserAgent    string
	PauseRecheck time.Duration

	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	// Now replaces time.Now, for tests.
	Now func() time.Time
}

// Executor performs one delivery attempt: guard checks, encoding, signing,
// the HTTP request and classification of the response.
type Executor struct {
	cfg    ExecutorConfig
	client *http.Client
	now    func() time.Time
	logger *slog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = NewHTTPClient()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.PauseRecheck <= 0 {
		cfg.PauseRecheck = DefaultPauseRecheck
	}
	if cfg.DefaultRateLimit <= 0 {
		cfg.DefaultRateLimit = ratelimit.DefaultLimit
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Executor{cfg: cfg, client: client, now: now, logger: logger}
}

// NewHTTPClient returns a client that reports redirects instead of following them.
func NewHTTPClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Deliver makes the next attempt of d against wh. HTTP outcomes are
// reported in the Result, never as an error.
func (e *Executor) Deliver(ctx context.Context, wh *webhook.Webhook, d *Delivery) Result {
	now := e.now().UTC()
	res := Result{Attempt: d.AttemptCount + 1}
	key := wh.ID.String()

	if wh.Paused {
		return e.postpone(ctx, res, ErrorPaused, "webhook is paused", now.Add(e.cfg.PauseRecheck), now)
	}
	if wh.Status != webhook.StatusActive {
		return e.fail(res, ErrorConfiguration, "webhook is "+string(wh.Status))
	}
	if d.Payload == nil {
		return e.fail(res, ErrorConfiguration, "delivery has no payload")
	}

	trial := false
	if e.cfg.Breaker != nil {
		dec := e.cfg.Breaker.Allow(key)
		if !dec.Allowed {
			return e.postpone(ctx, res, ErrorCircuitOpen, "circuit open", dec.NextProbeAt, now)
		}
		trial = dec.Probe
	}

	if e.cfg.Limiter != nil {
		limit := wh.RateLimitPerMinute
		if limit <= 0 {
			limit = e.cfg.DefaultRateLimit
		}
		dec, err := e.cfg.Limiter.Allow(ctx, key, limit)
		switch {
		case err != nil:
			e.logger.WarnContext(ctx, "rate limiter unavailable, allowing attempt",
				"webhook_id", key, "error", err)
		case !dec.Allowed:
			if trial {
				e.cfg.Breaker.Release(key)
			}
			return e.postpone(ctx, res, ErrorRateLimited, "rate limit exceeded", now.Add(dec.RetryAfter), now)
		}
	}

	var span trace.Span
	if e.cfg.Tracer != nil {
		ctx, span = e.cfg.Tracer.StartDeliverySpan(ctx, d.ID.String(), string(d.EventType), key, res.Attempt)
	}

	res = e.send(ctx, wh, d, res)

	if e.cfg.Breaker != nil {
		switch {
		case !res.Attempted:
			if trial {
				e.cfg.Breaker.Release(key)
			}
		case res.Success:
			e.cfg.Breaker.RecordSuccess(key)
		default:
			e.cfg.Breaker.RecordFailure(key)
		}
	}

	if !res.Success && res.ErrorKind.Retryable() && res.Attempt < d.MaxAttempts {
		next := now.Add(e.cfg.Retry.Delay(wh.RetryDelay(), res.Attempt, res.RetryAfter))
		res.WillRetry = true
		res.NextRetryAt = &next
	}

	if span != nil {
		e.cfg.Tracer.EndDeliverySpan(span, res.HTTPStatusCode, res.Duration.Milliseconds(), string(res.ErrorKind), res.ErrorMessage)
	}
	e.cfg.Metrics.RecordDelivery(ctx, outcomeLabel(res), res.Duration)

	if res.Success {
		e.logger.DebugContext(ctx, "delivered",
			"delivery_id", d.ID.String(), "webhook_id", key,
			"status", res.HTTPStatusCode, "attempt", res.Attempt, "duration_ms", res.Duration.Milliseconds())
	} else {
		e.logger.WarnContext(ctx, "delivery attempt failed",
			"delivery_id", d.ID.String(), "webhook_id", key,
			"status", res.HTTPStatusCode, "attempt", res.Attempt,
			"error_kind", string(res.ErrorKind), "error", res.ErrorMessage, "will_retry", res.WillRetry)
	}
	return res
}

// send encodes, signs and posts the payload.
func (e *Executor) send(ctx context.Context, wh *webhook.Webhook, d *Delivery, res Result) Result {
	tagged := d.Payload.ForRecipient(wh.ID.String(), res.Attempt)

	body, contentType, err := payload.Encode(tagged, wh.ContentType)
	if err != nil {
		return e.fail(res, ErrorConfiguration, err.Error())
	}

	alg := wh.SignatureAlgorithm
	if alg == "" {
		alg = signature.DefaultAlgorithm
	}
	sig, err := signature.Sign(body, wh.Secret, alg)
	if err != nil {
		return e.fail(res, ErrorSignature, err.Error())
	}

	timeout := wh.Timeout()
	if timeout <= 0 {
		timeout = time.Duration(webhook.DefaultDefaults().TimeoutMs) * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := wh.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(reqCtx, method, wh.URL, bytes.NewReader(body))
	if err != nil {
		return e.fail(res, ErrorConfiguration, fmt.Sprintf("create request: %v", err))
	}

	// Custom headers go first so the ones herald owns always win.
	for k, v := range wh.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", string(contentType))
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	req.Header.Set(HeaderWebhookID, wh.ID.String())
	req.Header.Set(HeaderEvent, string(d.EventType))
	req.Header.Set(HeaderDelivery, d.ID.String())
	req.Header.Set(HeaderAttempt, strconv.Itoa(res.Attempt))
	sigHeader := wh.SignatureHeader
	if sigHeader == "" {
		sigHeader = webhook.DefaultSignatureHeader
	}
	req.Header.Set(sigHeader, sig)

	start := time.Now()
	resp, err := e.client.Do(req) //nolint:gosec // G704: URL is a user-configured webhook destination validated at registration.
	res.Duration = time.Since(start)
	res.Attempted = true

	if err != nil {
		res.ErrorKind = ClassifyError(err)
		res.ErrorMessage = err.Error()
		return res
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBody))

	res.HTTPStatusCode = resp.StatusCode
	res.ResponseBody = string(respBody)
	res.ErrorKind = Classify(resp.StatusCode)

	switch {
	case res.ErrorKind == "":
		res.Success = true
	case res.ErrorKind == ErrorThrottled:
		res.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), e.now())
		res.ErrorMessage = fmt.Sprintf("receiver returned %d", resp.StatusCode)
	default:
		res.ErrorMessage = fmt.Sprintf("receiver returned %d", resp.StatusCode)
	}
	if readErr != nil && res.Success {
		e.logger.DebugContext(ctx, "read response body", "delivery_id", d.ID.String(), "error", readErr)
	}
	return res
}

// postpone reports an attempt postponed until at without contacting the receiver.
func (e *Executor) postpone(ctx context.Context, res Result, kind ErrorKind, msg string, at, now time.Time) Result {
	if !at.After(now) {
		at = now.Add(time.Second)
	}
	res.ErrorKind = kind
	res.ErrorMessage = msg
	res.WillRetry = true
	res.NextRetryAt = &at
	res.RetryAfter = at.Sub(now)
	e.cfg.Metrics.RecordDeferred(ctx, string(kind))
	return res
}

func (e *Executor) fail(res Result, kind ErrorKind, msg string) Result {
	res.ErrorKind = kind
	res.ErrorMessage = msg
	return res
}

func outcomeLabel(res Result) string {
	switch {
	case res.Success:
		return "delivered"
	case res.WillRetry:
		return "retrying"
	default:
		return "failed"
	}
}
