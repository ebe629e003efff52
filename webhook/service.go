package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
	"github.com/xraph/herald/payload"
	"github.com/xraph/herald/signature"
)

// Canceller cancels the outstanding deliveries of a removed webhook.
type Canceller interface {
	CancelForWebhook(ctx context.Context, whID id.ID) (int64, error)
}

// Config configures a Service.
type Config struct {
	// Defaults fill unset numeric settings on create.
	Defaults Defaults

	// AllowPrivateHosts permits loopback and private URLs. Development only.
	AllowPrivateHosts bool

	// Index, when set, is invalidated on every change.
	Index *Index

	// Filters, when set, drops a webhook's compiled filter on every change.
	Filters *Filters

	// Canceller, when set, receives delete cascades.
	Canceller Canceller

	// Now replaces time.Now, for tests.
	Now func() time.Time
}

// Service provides webhook management operations.
type Service struct {
	store     Store
	defaults  Defaults
	private   bool
	index     *Index
	filters   *Filters
	canceller Canceller
	now       func() time.Time
	logger    *slog.Logger
}

// NewService creates a new webhook service.
func NewService(store Store, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	d := cfg.Defaults
	def := DefaultDefaults()
	if d.TimeoutMs <= 0 {
		d.TimeoutMs = def.TimeoutMs
	}
	if d.MaxRetries <= 0 {
		d.MaxRetries = def.MaxRetries
	}
	if d.RetryDelayMs <= 0 {
		d.RetryDelayMs = def.RetryDelayMs
	}
	if d.RateLimitPerMinute <= 0 {
		d.RateLimitPerMinute = def.RateLimitPerMinute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:     store,
		defaults:  d,
		private:   cfg.AllowPrivateHosts,
		index:     cfg.Index,
		filters:   cfg.Filters,
		canceller: cfg.Canceller,
		now:       func() time.Time { return now().UTC() },
		logger:    logger,
	}
}

// Defaults returns the settings applied to webhooks that leave them unset.
func (svc *Service) Defaults() Defaults { return svc.defaults }

// Create registers a new webhook.
func (svc *Service) Create(ctx context.Context, in Input) (*Webhook, error) {
	if err := checkStruct(in); err != nil {
		return nil, err
	}
	if err := svc.checkCommon(in.URL, in.Events, in.ContentType, valueOr(in.SignatureHeader, DefaultSignatureHeader), in.Headers, in.FilterExpression); err != nil {
		return nil, err
	}
	if err := checkSecret(in.Secret); err != nil {
		return nil, err
	}

	secret := in.Secret
	if secret == "" {
		secret = signature.GenerateSecret()
	}

	now := svc.now()
	wh := &Webhook{
		Entity:             entity.At(now),
		ID:                 id.NewWebhookID(),
		WorkspaceID:        in.WorkspaceID,
		OwnerID:            in.OwnerID,
		Name:               in.Name,
		Description:        in.Description,
		URL:                in.URL,
		Secret:             secret,
		Events:             slices.Clone(in.Events),
		Method:             valueOr(in.Method, "POST"),
		ContentType:        valueOr(in.ContentType, payload.ContentTypeJSON),
		SignatureHeader:    valueOr(in.SignatureHeader, DefaultSignatureHeader),
		SignatureAlgorithm: valueOr(in.SignatureAlgorithm, signature.DefaultAlgorithm),
		TimeoutMs:          valueOr(in.TimeoutMs, svc.defaults.TimeoutMs),
		MaxRetries:         valueOr(in.MaxRetries, svc.defaults.MaxRetries),
		RetryDelayMs:       valueOr(in.RetryDelayMs, svc.defaults.RetryDelayMs),
		RateLimitPerMinute: valueOr(in.RateLimitPerMinute, svc.defaults.RateLimitPerMinute),
		Headers:            maps.Clone(in.Headers),
		FilterExpression:   in.FilterExpression,
		Status:             StatusActive,
		SuccessRate:        1.0,
		Metadata:           maps.Clone(in.Metadata),
	}

	if err := svc.store.CreateWebhook(ctx, wh); err != nil {
		return nil, err
	}
	svc.invalidate(wh.WorkspaceID)

	svc.logger.InfoContext(ctx, "webhook created",
		"webhook_id", wh.ID.String(),
		"workspace_id", wh.WorkspaceID,
		"events", wh.Events,
	)
	return wh, nil
}

// Get returns a webhook by ID.
func (svc *Service) Get(ctx context.Context, whID id.ID) (*Webhook, error) {
	return svc.store.GetWebhook(ctx, whID)
}

// Update modifies an existing webhook.
func (svc *Service) Update(ctx context.Context, whID id.ID, in UpdateInput) (*Webhook, error) {
	if err := checkStruct(in); err != nil {
		return nil, err
	}

	wh, err := svc.store.GetWebhook(ctx, whID)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		wh.Name = *in.Name
	}
	if in.Description != nil {
		wh.Description = *in.Description
	}
	if in.URL != nil {
		wh.URL = *in.URL
	}
	if in.Events != nil {
		wh.Events = slices.Clone(in.Events)
	}
	if in.Method != nil {
		wh.Method = *in.Method
	}
	if in.ContentType != nil {
		wh.ContentType = *in.ContentType
	}
	if in.SignatureHeader != nil {
		wh.SignatureHeader = valueOr(*in.SignatureHeader, DefaultSignatureHeader)
	}
	if in.SignatureAlgorithm != nil {
		wh.SignatureAlgorithm = *in.SignatureAlgorithm
	}
	if in.TimeoutMs != nil {
		wh.TimeoutMs = *in.TimeoutMs
	}
	if in.MaxRetries != nil {
		wh.MaxRetries = *in.MaxRetries
	}
	if in.RetryDelayMs != nil {
		wh.RetryDelayMs = *in.RetryDelayMs
	}
	if in.RateLimitPerMinute != nil {
		wh.RateLimitPerMinute = valueOr(*in.RateLimitPerMinute, svc.defaults.RateLimitPerMinute)
	}
	if in.Headers != nil {
		wh.Headers = maps.Clone(in.Headers)
	}
	if in.FilterExpression != nil {
		wh.FilterExpression = *in.FilterExpression
	}
	if in.Metadata != nil {
		wh.Metadata = maps.Clone(in.Metadata)
	}

	if err := svc.checkCommon(wh.URL, wh.Events, wh.ContentType, wh.SignatureHeader, wh.Headers, wh.FilterExpression); err != nil {
		return nil, err
	}

	return svc.save(ctx, wh, "webhook updated")
}

// Delete removes a webhook and cancels its outstanding deliveries.
func (svc *Service) Delete(ctx context.Context, whID id.ID) error {
	wh, err := svc.store.GetWebhook(ctx, whID)
	if err != nil {
		return err
	}
	if err := svc.store.DeleteWebhook(ctx, whID); err != nil {
		return err
	}
	svc.invalidate(wh.WorkspaceID)
	svc.forget(whID)

	var cancelled int64
	if svc.canceller != nil {
		cancelled, err = svc.canceller.CancelForWebhook(ctx, whID)
		if err != nil {
			return fmt.Errorf("webhook: cancel deliveries: %w", err)
		}
	}

	svc.logger.InfoContext(ctx, "webhook deleted",
		"webhook_id", whID.String(),
		"cancelled_deliveries", cancelled,
	)
	return nil
}

// List returns the webhooks of a workspace.
func (svc *Service) List(ctx context.Context, workspaceID string, opts ListOpts) ([]*Webhook, error) {
	return svc.store.ListWebhooks(ctx, workspaceID, opts)
}

// Activate makes a webhook eligible for deliveries again, clearing any suspension.
func (svc *Service) Activate(ctx context.Context, whID id.ID) (*Webhook, error) {
	return svc.mutate(ctx, whID, "webhook activated", func(wh *Webhook) {
		wh.Status = StatusActive
		wh.SuspendReason = ""
		wh.SuspendedAt = nil
	})
}

// Deactivate stops deliveries until the webhook is activated.
func (svc *Service) Deactivate(ctx context.Context, whID id.ID) (*Webhook, error) {
	return svc.mutate(ctx, whID, "webhook deactivated", func(wh *Webhook) {
		wh.Status = StatusInactive
	})
}

// Suspend stops deliveries and records why.
func (svc *Service) Suspend(ctx context.Context, whID id.ID, reason string) (*Webhook, error) {
	if reason == "" {
		return nil, &ValidationError{Field: "reason", Message: "required"}
	}
	now := svc.now()
	return svc.mutate(ctx, whID, "webhook suspended", func(wh *Webhook) {
		wh.Status = StatusSuspended
		wh.SuspendReason = reason
		wh.SuspendedAt = &now
	})
}

// Pause holds deliveries without changing the webhook's status.
func (svc *Service) Pause(ctx context.Context, whID id.ID) (*Webhook, error) {
	now := svc.now()
	return svc.mutate(ctx, whID, "webhook paused", func(wh *Webhook) {
		wh.Paused = true
		wh.PausedAt = &now
	})
}

// Resume releases a paused webhook.
func (svc *Service) Resume(ctx context.Context, whID id.ID) (*Webhook, error) {
	return svc.mutate(ctx, whID, "webhook resumed", func(wh *Webhook) {
		wh.Paused = false
		wh.PausedAt = nil
	})
}

// RotateSecret generates a new signing secret for a webhook.
func (svc *Service) RotateSecret(ctx context.Context, whID id.ID) (string, error) {
	newSecret := signature.GenerateSecret()
	if _, err := svc.mutate(ctx, whID, "webhook secret rotated", func(wh *Webhook) {
		wh.Secret = newSecret
	}); err != nil {
		return "", err
	}
	return newSecret, nil
}

func (svc *Service) mutate(ctx context.Context, whID id.ID, msg string, fn func(*Webhook)) (*Webhook, error) {
	wh, err := svc.store.GetWebhook(ctx, whID)
	if err != nil {
		return nil, err
	}
	fn(wh)
	return svc.save(ctx, wh, msg)
}

func (svc *Service) save(ctx context.Context, wh *Webhook, msg string) (*Webhook, error) {
	wh.Touch(svc.now())
	if err := svc.store.UpdateWebhook(ctx, wh); err != nil {
		return nil, err
	}
	svc.invalidate(wh.WorkspaceID)
	svc.forget(wh.ID)

	svc.logger.InfoContext(ctx, msg,
		"webhook_id", wh.ID.String(),
		"status", string(wh.Status),
		"paused", wh.Paused,
	)
	return wh, nil
}

func (svc *Service) checkCommon(rawURL string, events []string, ct payload.ContentType, sigHeader string, headers map[string]string, filter string) error {
	if err := checkURL(rawURL, svc.private); err != nil {
		return err
	}
	if err := checkEvents(events); err != nil {
		return err
	}
	if err := checkContentType(ct); err != nil {
		return err
	}
	if err := checkSignatureHeader(sigHeader); err != nil {
		return err
	}
	if err := checkHeaders(headers, sigHeader); err != nil {
		return err
	}
	if filter != "" {
		if _, err := CompileFilter(filter); err != nil {
			return &ValidationError{Field: "filter_expression", Message: err.Error()}
		}
	}
	return nil
}

func (svc *Service) invalidate(workspaceID string) {
	if svc.index != nil {
		svc.index.Invalidate(workspaceID)
	}
}

func (svc *Service) forget(whID id.ID) {
	if svc.filters != nil {
		svc.filters.Forget(whID)
	}
}

func valueOr[T comparable](v, fallback T) T {
	var zero T
	if v == zero {
		return fallback
	}
	return v
}
