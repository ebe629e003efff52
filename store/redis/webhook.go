package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/herald"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
	"github.com/xraph/herald/payload"
	"github.com/xraph/herald/signature"
	"github.com/xraph/herald/webhook"
)

// webhookModel is the JSON representation stored in Redis.
type webhookModel struct {
	ID                 string            `json:"id"`
	WorkspaceID        string            `json:"workspace_id"`
	OwnerID            string            `json:"owner_id,omitempty"`
	Name               string            `json:"name"`
	Description        string            `json:"description,omitempty"`
	URL                string            `json:"url"`
	Secret             string            `json:"secret"`
	Events             []string          `json:"events"`
	Method             string            `json:"method"`
	ContentType        string            `json:"content_type"`
	SignatureHeader    string            `json:"signature_header"`
	SignatureAlgorithm string            `json:"signature_algorithm"`
	TimeoutMs          int               `json:"timeout_ms"`
	MaxRetries         int               `json:"max_retries"`
	RetryDelayMs       int               `json:"retry_delay_ms"`
	RateLimitPerMinute int               `json:"rate_limit_per_minute"`
	Headers            map[string]string `json:"headers,omitempty"`
	FilterExpression   string            `json:"filter_expression,omitempty"`
	Status             string            `json:"status"`
	SuspendReason      string            `json:"suspend_reason,omitempty"`
	SuspendedAt        *time.Time        `json:"suspended_at,omitempty"`
	Paused             bool              `json:"paused"`
	PausedAt           *time.Time        `json:"paused_at,omitempty"`
	SuccessRate        float64           `json:"success_rate"`
	LastDeliveryAt     *time.Time        `json:"last_delivery_at,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

func toWebhookModel(wh *webhook.Webhook) *webhookModel {
	return &webhookModel{
		ID:                 wh.ID.String(),
		WorkspaceID:        wh.WorkspaceID,
		OwnerID:            wh.OwnerID,
		Name:               wh.Name,
		Description:        wh.Description,
		URL:                wh.URL,
		Secret:             wh.Secret,
		Events:             wh.Events,
		Method:             wh.Method,
		ContentType:        string(wh.ContentType),
		SignatureHeader:    wh.SignatureHeader,
		SignatureAlgorithm: string(wh.SignatureAlgorithm),
		TimeoutMs:          wh.TimeoutMs,
		MaxRetries:         wh.MaxRetries,
		RetryDelayMs:       wh.RetryDelayMs,
		RateLimitPerMinute: wh.RateLimitPerMinute,
		Headers:            wh.Headers,
		FilterExpression:   wh.FilterExpression,
		Status:             string(wh.Status),
		SuspendReason:      wh.SuspendReason,
		SuspendedAt:        wh.SuspendedAt,
		Paused:             wh.Paused,
		PausedAt:           wh.PausedAt,
		SuccessRate:        wh.SuccessRate,
		LastDeliveryAt:     wh.LastDeliveryAt,
		Metadata:           wh.Metadata,
		CreatedAt:          wh.CreatedAt,
		UpdatedAt:          wh.UpdatedAt,
	}
}

func fromWebhookModel(m *webhookModel) (*webhook.Webhook, error) {
	whID, err := id.ParseWebhookID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse webhook ID %q: %w", m.ID, err)
	}
	return &webhook.Webhook{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                 whID,
		WorkspaceID:        m.WorkspaceID,
		OwnerID:            m.OwnerID,
		Name:               m.Name,
		Description:        m.Description,
		URL:                m.URL,
		Secret:             m.Secret,
		Events:             m.Events,
		Method:             m.Method,
		ContentType:        payload.ContentType(m.ContentType),
		SignatureHeader:    m.SignatureHeader,
		SignatureAlgorithm: signature.Algorithm(m.SignatureAlgorithm),
		TimeoutMs:          m.TimeoutMs,
		MaxRetries:         m.MaxRetries,
		RetryDelayMs:       m.RetryDelayMs,
		RateLimitPerMinute: m.RateLimitPerMinute,
		Headers:            m.Headers,
		FilterExpression:   m.FilterExpression,
		Status:             webhook.Status(m.Status),
		SuspendReason:      m.SuspendReason,
		SuspendedAt:        m.SuspendedAt,
		Paused:             m.Paused,
		PausedAt:           m.PausedAt,
		SuccessRate:        m.SuccessRate,
		LastDeliveryAt:     m.LastDeliveryAt,
		Metadata:           m.Metadata,
	}, nil
}

func (s *Store) CreateWebhook(ctx context.Context, wh *webhook.Webhook) error {
	m := toWebhookModel(wh)
	key := entityKey(prefixWebhook, m.ID)

	if err := s.setEntity(ctx, key, m); err != nil {
		return fmt.Errorf("herald/redis: create webhook: %w", err)
	}

	err := s.rdb.ZAdd(ctx, zWebhookWorkspace+m.WorkspaceID, goredis.Z{
		Score:  scoreFromTime(m.CreatedAt),
		Member: m.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("herald/redis: create webhook index: %w", err)
	}
	return nil
}

func (s *Store) GetWebhook(ctx context.Context, whID id.ID) (*webhook.Webhook, error) {
	m, err := s.getWebhookModel(ctx, whID.String())
	if err != nil {
		return nil, err
	}
	return fromWebhookModel(m)
}

func (s *Store) getWebhookModel(ctx context.Context, whID string) (*webhookModel, error) {
	var m webhookModel
	if err := s.getEntity(ctx, entityKey(prefixWebhook, whID), &m); err != nil {
		if missing(err) {
			return nil, herald.ErrWebhookNotFound
		}
		return nil, fmt.Errorf("herald/redis: get webhook: %w", err)
	}
	return &m, nil
}

func (s *Store) UpdateWebhook(ctx context.Context, wh *webhook.Webhook) error {
	existing, err := s.getWebhookModel(ctx, wh.ID.String())
	if err != nil {
		return err
	}

	m := toWebhookModel(wh)
	if err := s.setEntity(ctx, entityKey(prefixWebhook, m.ID), m); err != nil {
		return fmt.Errorf("herald/redis: update webhook: %w", err)
	}

	// Workspace ownership normally never changes, but keep the index honest.
	if existing.WorkspaceID != m.WorkspaceID {
		pipe := s.rdb.TxPipeline()
		pipe.ZRem(ctx, zWebhookWorkspace+existing.WorkspaceID, m.ID)
		pipe.ZAdd(ctx, zWebhookWorkspace+m.WorkspaceID, goredis.Z{Score: scoreFromTime(m.CreatedAt), Member: m.ID})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("herald/redis: update webhook index: %w", err)
		}
	}
	return nil
}

func (s *Store) DeleteWebhook(ctx context.Context, whID id.ID) error {
	existing, err := s.getWebhookModel(ctx, whID.String())
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, entityKey(prefixWebhook, existing.ID))
	pipe.ZRem(ctx, zWebhookWorkspace+existing.WorkspaceID, existing.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("herald/redis: delete webhook: %w", err)
	}
	return nil
}

func (s *Store) ListWebhooks(ctx context.Context, workspaceID string, opts webhook.ListOpts) ([]*webhook.Webhook, error) {
	hooks, err := s.workspaceWebhooks(ctx, workspaceID, func(m *webhookModel) bool {
		return opts.Status == nil || webhook.Status(m.Status) == *opts.Status
	})
	if err != nil {
		return nil, fmt.Errorf("herald/redis: list webhooks: %w", err)
	}
	return page(hooks, opts.Offset, opts.Limit), nil
}

func (s *Store) ResolveActive(ctx context.Context, workspaceID, eventType string) ([]*webhook.Webhook, error) {
	hooks, err := s.workspaceWebhooks(ctx, workspaceID, func(m *webhookModel) bool {
		return webhook.Status(m.Status) == webhook.StatusActive
	})
	if err != nil {
		return nil, fmt.Errorf("herald/redis: resolve webhooks: %w", err)
	}

	result := hooks[:0]
	for _, wh := range hooks {
		if wh.Subscribes(eventType) {
			result = append(result, wh)
		}
	}
	return result, nil
}

// workspaceWebhooks loads a workspace's webhooks oldest first, keeping those
// accepted by keep.
func (s *Store) workspaceWebhooks(ctx context.Context, workspaceID string, keep func(*webhookModel) bool) ([]*webhook.Webhook, error) {
	ids, err := s.rdb.ZRange(ctx, zWebhookWorkspace+workspaceID, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*webhook.Webhook, 0, len(ids))
	for _, whID := range ids {
		var m webhookModel
		if err := s.getEntity(ctx, entityKey(prefixWebhook, whID), &m); err != nil {
			if missing(err) {
				continue
			}
			return nil, err
		}
		if !keep(&m) {
			continue
		}
		wh, err := fromWebhookModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, wh)
	}
	return result, nil
}

// RecordOutcome updates the rolling success rate under WATCH so concurrent
// workers do not lose each other's outcomes.
func (s *Store) RecordOutcome(ctx context.Context, whID id.ID, success bool, at time.Time) error {
	key := entityKey(prefixWebhook, whID.String())

	txf := func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if missing(err) {
				return herald.ErrWebhookNotFound
			}
			return err
		}
		var m webhookModel
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}

		last := at.UTC()
		m.SuccessRate = webhook.NextSuccessRate(m.SuccessRate, success)
		m.LastDeliveryAt = &last

		next, err := json.Marshal(&m)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := s.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, goredis.TxFailedErr):
			continue
		case errors.Is(err, herald.ErrWebhookNotFound):
			return err
		default:
			return fmt.Errorf("herald/redis: record outcome: %w", err)
		}
	}
	return fmt.Errorf("herald/redis: record outcome: %w", goredis.TxFailedErr)
}
