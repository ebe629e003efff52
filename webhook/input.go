package webhook

import (
	"github.com/xraph/herald/payload"
	"github.com/xraph/herald/signature"
)

// Input is the creation payload for webhooks. Zero numeric fields take the
// service defaults.
type Input struct {
	WorkspaceID        string              `json:"workspace_id" validate:"required"`
	OwnerID            string              `json:"owner_id"`
	Name               string              `json:"name" validate:"required,max=255"`
	Description        string              `json:"description" validate:"max=1024"`
	URL                string              `json:"url" validate:"required,url"`
	Secret             string              `json:"secret" validate:"omitempty,min=16"`
	Events             []string            `json:"events" validate:"required,min=1,dive,required"`
	Method             string              `json:"method" validate:"omitempty,oneof=POST PUT PATCH"`
	ContentType        payload.ContentType `json:"content_type"`
	SignatureHeader    string              `json:"signature_header" validate:"omitempty,max=128"`
	SignatureAlgorithm signature.Algorithm `json:"signature_algorithm" validate:"omitempty,oneof=sha256 sha1 md5"`
	TimeoutMs          int                 `json:"timeout_ms" validate:"gte=0,lte=60000"`
	MaxRetries         int                 `json:"max_retries" validate:"gte=0,lte=10"`
	RetryDelayMs       int                 `json:"retry_delay_ms" validate:"gte=0"`
	RateLimitPerMinute int                 `json:"rate_limit_per_minute" validate:"gte=0"`
	Headers            map[string]string   `json:"headers,omitempty"`
	FilterExpression   string              `json:"filter_expression,omitempty"`
	Metadata           map[string]string   `json:"metadata,omitempty"`
}

// UpdateInput changes selected fields. Nil fields are left untouched.
type UpdateInput struct {
	Name               *string              `json:"name" validate:"omitempty,min=1,max=255"`
	Description        *string              `json:"description" validate:"omitempty,max=1024"`
	URL                *string              `json:"url" validate:"omitempty,url"`
	Events             []string             `json:"events" validate:"omitempty,min=1,dive,required"`
	Method             *string              `json:"method" validate:"omitempty,oneof=POST PUT PATCH"`
	ContentType        *payload.ContentType `json:"content_type"`
	SignatureHeader    *string              `json:"signature_header" validate:"omitempty,max=128"`
	SignatureAlgorithm *signature.Algorithm `json:"signature_algorithm" validate:"omitempty,oneof=sha256 sha1 md5"`
	TimeoutMs          *int                 `json:"timeout_ms" validate:"omitempty,gte=1,lte=60000"`
	MaxRetries         *int                 `json:"max_retries" validate:"omitempty,gte=1,lte=10"`
	RetryDelayMs       *int                 `json:"retry_delay_ms" validate:"omitempty,gte=1"`
	RateLimitPerMinute *int                 `json:"rate_limit_per_minute" validate:"omitempty,gte=0"`
	Headers            map[string]string    `json:"headers,omitempty"`
	FilterExpression   *string              `json:"filter_expression,omitempty"`
	Metadata           map[string]string    `json:"metadata,omitempty"`
}
