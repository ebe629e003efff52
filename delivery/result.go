package delivery

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/herald/id"
)

// ErrorKind classifies why an attempt did not succeed.
type ErrorKind string

const (
	// ErrorConfiguration means the webhook cannot be sent as configured.
	ErrorConfiguration ErrorKind = "configuration"

	// ErrorNetwork means the request failed before a response arrived.
	ErrorNetwork ErrorKind = "network"

	// ErrorTimeout means the attempt exceeded the webhook's timeout.
	ErrorTimeout ErrorKind = "timeout"

	// ErrorServer means the receiver answered 5xx.
	ErrorServer ErrorKind = "server_error"

	// ErrorThrottled means the receiver answered 429.
	ErrorThrottled ErrorKind = "throttled"

	// ErrorClient means the receiver answered another non-2xx status.
	ErrorClient ErrorKind = "client_error"

	// ErrorSignature means the payload could not be signed.
	ErrorSignature ErrorKind = "signature"

	// ErrorRateLimited means the webhook's own quota was exhausted.
	ErrorRateLimited ErrorKind = "rate_limited"

	// ErrorCircuitOpen means the webhook's circuit rejected the attempt.
	ErrorCircuitOpen ErrorKind = "circuit_open"

	// ErrorPaused means the webhook is paused.
	ErrorPaused ErrorKind = "paused"
)

// Retryable reports whether another attempt may succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorNetwork, ErrorTimeout, ErrorServer, ErrorThrottled:
		return true
	}
	return false
}

// Deferred reports whether the attempt was postponed without being sent.
func (k ErrorKind) Deferred() bool {
	switch k {
	case ErrorRateLimited, ErrorCircuitOpen, ErrorPaused:
		return true
	}
	return false
}

// Result holds the outcome of a single delivery attempt.
type Result struct {
	Success        bool          `json:"success"`
	HTTPStatusCode int           `json:"http_status_code,omitempty"`
	ResponseBody   string        `json:"response_body,omitempty"`
	Duration       time.Duration `json:"duration"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	ErrorKind      ErrorKind     `json:"error_kind,omitempty"`

	// Attempt is the attempt number this result belongs to.
	Attempt int `json:"attempt"`

	// Attempted is false when the request was never sent (deferred or
	// misconfigured).
	Attempted bool `json:"attempted"`

	WillRetry   bool       `json:"will_retry"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	// RetryAfter is the receiver's Retry-After hint or the local defer delay.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Outcome is the result of delivering to one webhook, keyed for fan-out reports.
type Outcome struct {
	WebhookID  id.ID  `json:"webhook_id"`
	DeliveryID id.ID  `json:"delivery_id"`
	State      State  `json:"state"`
	Result     Result `json:"result"`
	Err        error  `json:"-"`
}

// Classify maps an HTTP status code to an ErrorKind. 2xx yields "".
//
//   - 2xx → success
//   - 408 → timeout (retry)
//   - 429 → throttled (retry, honoring Retry-After)
//   - other 4xx, 1xx, 3xx → client error (terminal)
//   - 5xx → server error (retry)
func Classify(code int) ErrorKind {
	switch {
	case code >= 200 && code < 300:
		return ""
	case code == http.StatusRequestTimeout:
		return ErrorTimeout
	case code == http.StatusTooManyRequests:
		return ErrorThrottled
	case code >= 500:
		return ErrorServer
	default:
		return ErrorClient
	}
}

// ClassifyError maps a transport error to timeout or network.
func ClassifyError(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrorTimeout
	}
	return ErrorNetwork
}

// ParseRetryAfter reads a Retry-After header given either as delta seconds
// or as an HTTP date. It returns 0 when absent, invalid or in the past.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
