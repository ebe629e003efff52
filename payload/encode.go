package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// ContentType is the body encoding a webhook receives.
type ContentType string

// Supported content types.
const (
	ContentTypeJSON ContentType = "application/json"
	ContentTypeForm ContentType = "application/x-www-form-urlencoded"
)

// FormField is the form field carrying the JSON document in form-encoded bodies.
const FormField = "payload"

// ErrUnsupportedContentType is returned for encodings other than JSON and form.
var ErrUnsupportedContentType = errors.New("payload: unsupported content type")

// Valid reports whether ct is supported. Empty means JSON.
func (ct ContentType) Valid() bool {
	switch ct {
	case "", ContentTypeJSON, ContentTypeForm:
		return true
	}
	return false
}

// Encode serializes p for the wire. The returned bytes are exactly what
// must be signed and sent.
func Encode(p *WebhookPayload, ct ContentType) ([]byte, ContentType, error) {
	doc, err := json.Marshal(p)
	if err != nil {
		return nil, "", fmt.Errorf("payload: marshal: %w", err)
	}

	switch ct {
	case "", ContentTypeJSON:
		return doc, ContentTypeJSON, nil
	case ContentTypeForm:
		form := url.Values{FormField: {string(doc)}}
		return []byte(form.Encode()), ContentTypeForm, nil
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedContentType, string(ct))
	}
}
