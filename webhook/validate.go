package webhook

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"golang.org/x/net/http/httpguts"

	"github.com/xraph/herald/catalog"
	"github.com/xraph/herald/event"
	"github.com/xraph/herald/payload"
	"github.com/xraph/herald/signature"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidationError indicates invalid input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "webhook validation: " + e.Field + ": " + e.Message
}

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// checkStruct runs the struct tags and converts the first failure.
func checkStruct(v any) error {
	err := structValidator().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{Field: snakeCase(fe.Field()), Message: tagMessage(fe)}
	}
	return &ValidationError{Field: "input", Message: err.Error()}
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "url":
		return "invalid URL"
	case "oneof":
		return "must be one of " + fe.Param()
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && s[i-1] >= 'a' && s[i-1] <= 'z' {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// checkURL rejects non-HTTP schemes and, unless allowPrivate is set,
// loopback, private and link-local targets.
func checkURL(raw string, allowPrivate bool) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return &ValidationError{Field: "url", Message: "invalid URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "url", Message: "scheme must be http or https"}
	}
	if allowPrivate {
		return nil
	}

	host := strings.ToLower(u.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".localhost") ||
		strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return &ValidationError{Field: "url", Message: "private hosts are not allowed"}
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
			ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			return &ValidationError{Field: "url", Message: "private addresses are not allowed"}
		}
	}
	return nil
}

// checkEvents requires every pattern to match at least one known event type.
func checkEvents(patterns []string) error {
	kinds := event.Kinds()
	for _, p := range patterns {
		ok := false
		for _, k := range kinds {
			if catalog.Match(p, string(k)) {
				ok = true
				break
			}
		}
		if !ok {
			return &ValidationError{Field: "events", Message: "unknown event type " + p}
		}
	}
	return nil
}

func checkContentType(ct payload.ContentType) error {
	if ct != "" && !ct.Valid() {
		return &ValidationError{Field: "content_type", Message: "unsupported content type " + string(ct)}
	}
	return nil
}

func checkSecret(secret string) error {
	if secret == "" {
		return nil
	}
	if err := signature.ValidateSecret(secret); err != nil {
		return &ValidationError{Field: "secret", Message: err.Error()}
	}
	return nil
}

// checkHeaders rejects names and values that are not valid on the wire, and
// names herald sets itself, including the webhook's signature header.
func checkHeaders(h map[string]string, signatureHeader string) error {
	reserved := append(slices.Clone(reservedHeaders), signatureHeader)
	for k, v := range h {
		if !httpguts.ValidHeaderFieldName(k) {
			return &ValidationError{Field: "headers", Message: fmt.Sprintf("invalid header name %q", k)}
		}
		if !httpguts.ValidHeaderFieldValue(v) {
			return &ValidationError{Field: "headers", Message: fmt.Sprintf("invalid value for header %q", k)}
		}
		if slices.ContainsFunc(reserved, func(r string) bool { return strings.EqualFold(r, k) }) {
			return &ValidationError{Field: "headers", Message: "reserved header " + http.CanonicalHeaderKey(k)}
		}
	}
	return nil
}

// checkSignatureHeader requires a valid header name that does not collide
// with the headers set on every attempt.
func checkSignatureHeader(name string) error {
	if !httpguts.ValidHeaderFieldName(name) {
		return &ValidationError{Field: "signature_header", Message: fmt.Sprintf("invalid header name %q", name)}
	}
	if slices.ContainsFunc(reservedHeaders, func(r string) bool { return strings.EqualFold(r, name) }) {
		return &ValidationError{Field: "signature_header", Message: "reserved header " + http.CanonicalHeaderKey(name)}
	}
	return nil
}
