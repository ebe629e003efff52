package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/herald"
	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/event"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
	"github.com/xraph/herald/payload"
)

// deliveryModel is the JSON representation stored in Redis.
type deliveryModel struct {
	ID             string                  `json:"id"`
	WebhookID      string                  `json:"webhook_id"`
	WorkspaceID    string                  `json:"workspace_id"`
	EventID        string                  `json:"event_id"`
	EventType      string                  `json:"event_type"`
	Payload        *payload.WebhookPayload `json:"payload"`
	State          string                  `json:"state"`
	AttemptCount   int                     `json:"attempt_count"`
	MaxAttempts    int                     `json:"max_attempts"`
	HTTPStatusCode int                     `json:"http_status_code"`
	ResponseBody   string                  `json:"response_body,omitempty"`
	DurationMs     int64                   `json:"duration_ms"`
	LastError      string                  `json:"last_error,omitempty"`
	ErrorKind      string                  `json:"error_kind,omitempty"`
	ScheduledFor   *time.Time              `json:"scheduled_for,omitempty"`
	NextRetryAt    *time.Time              `json:"next_retry_at,omitempty"`
	DeliveredAt    *time.Time              `json:"delivered_at,omitempty"`
	CompletedAt    *time.Time              `json:"completed_at,omitempty"`
	CancelledAt    *time.Time              `json:"cancelled_at,omitempty"`
	RetryOf        string                  `json:"retry_of,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

func toDeliveryModel(d *delivery.Delivery) *deliveryModel {
	return &deliveryModel{
		ID:             d.ID.String(),
		WebhookID:      d.WebhookID.String(),
		WorkspaceID:    d.WorkspaceID,
		EventID:        d.EventID.String(),
		EventType:      string(d.EventType),
		Payload:        d.Payload,
		State:          string(d.State),
		AttemptCount:   d.AttemptCount,
		MaxAttempts:    d.MaxAttempts,
		HTTPStatusCode: d.HTTPStatusCode,
		ResponseBody:   d.ResponseBody,
		DurationMs:     d.DurationMs,
		LastError:      d.LastError,
		ErrorKind:      string(d.ErrorKind),
		ScheduledFor:   d.ScheduledFor,
		NextRetryAt:    d.NextRetryAt,
		DeliveredAt:    d.DeliveredAt,
		CompletedAt:    d.CompletedAt,
		CancelledAt:    d.CancelledAt,
		RetryOf:        d.RetryOf.String(),
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func fromDeliveryModel(m *deliveryModel) (*delivery.Delivery, error) {
	delID, err := id.ParseDeliveryID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse delivery ID %q: %w", m.ID, err)
	}
	whID, err := id.ParseWebhookID(m.WebhookID)
	if err != nil {
		return nil, fmt.Errorf("parse webhook ID %q: %w", m.WebhookID, err)
	}
	evtID := id.Nil
	if m.EventID != "" {
		if evtID, err = id.ParseEventID(m.EventID); err != nil {
			return nil, fmt.Errorf("parse event ID %q: %w", m.EventID, err)
		}
	}
	retryOf := id.Nil
	if m.RetryOf != "" {
		if retryOf, err = id.ParseDeliveryID(m.RetryOf); err != nil {
			return nil, fmt.Errorf("parse retry ID %q: %w", m.RetryOf, err)
		}
	}
	return &delivery.Delivery{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             delID,
		WebhookID:      whID,
		WorkspaceID:    m.WorkspaceID,
		EventID:        evtID,
		EventType:      event.Kind(m.EventType),
		Payload:        m.Payload,
		State:          delivery.State(m.State),
		AttemptCount:   m.AttemptCount,
		MaxAttempts:    m.MaxAttempts,
		HTTPStatusCode: m.HTTPStatusCode,
		ResponseBody:   m.ResponseBody,
		DurationMs:     m.DurationMs,
		LastError:      m.LastError,
		ErrorKind:      delivery.ErrorKind(m.ErrorKind),
		ScheduledFor:   m.ScheduledFor,
		NextRetryAt:    m.NextRetryAt,
		DeliveredAt:    m.DeliveredAt,
		CompletedAt:    m.CompletedAt,
		CancelledAt:    m.CancelledAt,
		RetryOf:        retryOf,
	}, nil
}

// claimDueScript atomically takes due members from a due index.
// KEYS[1] = herald:z:del:due:<state>
// ARGV[1] = max score (due time)
// ARGV[2] = limit
var claimDueScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
    redis.call('ZREM', KEYS[1], id)
end
return ids
`)

// writeDelivery stores d and moves it between indexes. prev is the state
// the stored record had, or "" when d is new.
func (s *Store) writeDelivery(ctx context.Context, pipe goredis.Pipeliner, prev delivery.State, d *delivery.Delivery) error {
	m := toDeliveryModel(d)
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("herald/redis: marshal delivery: %w", err)
	}
	pipe.Set(ctx, entityKey(prefixDelivery, m.ID), raw, 0)

	if prev == "" {
		created := goredis.Z{Score: scoreFromTime(m.CreatedAt), Member: m.ID}
		pipe.ZAdd(ctx, zDeliveryAll, created)
		pipe.ZAdd(ctx, zDeliveryWebhook+m.WebhookID, created)
	} else {
		pipe.SRem(ctx, stateKey(prev), m.ID)
		if prev.Claimable() {
			pipe.ZRem(ctx, dueKey(prev), m.ID)
		}
		if prev == delivery.StateInFlight {
			pipe.ZRem(ctx, zDeliveryInFlight, m.ID)
		}
	}

	pipe.SAdd(ctx, stateKey(d.State), m.ID)
	switch {
	case d.State.Claimable():
		pipe.ZAdd(ctx, dueKey(d.State), goredis.Z{Score: scoreFromTime(d.DueAt()), Member: m.ID})
	case d.State == delivery.StateInFlight:
		pipe.ZAdd(ctx, zDeliveryInFlight, goredis.Z{Score: scoreFromTime(d.UpdatedAt), Member: m.ID})
	}
	return nil
}

func (s *Store) save(ctx context.Context, prev delivery.State, d *delivery.Delivery) error {
	pipe := s.rdb.TxPipeline()
	if err := s.writeDelivery(ctx, pipe, prev, d); err != nil {
		return err
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) loadDelivery(ctx context.Context, delID string) (*delivery.Delivery, error) {
	var m deliveryModel
	if err := s.getEntity(ctx, entityKey(prefixDelivery, delID), &m); err != nil {
		if missing(err) {
			return nil, herald.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("herald/redis: get delivery: %w", err)
	}
	return fromDeliveryModel(&m)
}

func (s *Store) CreateDelivery(ctx context.Context, d *delivery.Delivery) error {
	if err := s.save(ctx, "", d); err != nil {
		return fmt.Errorf("herald/redis: create delivery: %w", err)
	}
	return nil
}

func (s *Store) CreateDeliveries(ctx context.Context, ds []*delivery.Delivery) error {
	if len(ds) == 0 {
		return nil
	}

	pipe := s.rdb.TxPipeline()
	for _, d := range ds {
		if err := s.writeDelivery(ctx, pipe, "", d); err != nil {
			return err
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("herald/redis: create deliveries: %w", err)
	}
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, delID id.ID) (*delivery.Delivery, error) {
	return s.loadDelivery(ctx, delID.String())
}

func (s *Store) UpdateDelivery(ctx context.Context, d *delivery.Delivery) error {
	cur, err := s.loadDelivery(ctx, d.ID.String())
	if err != nil {
		return err
	}
	if cur.State.Final() {
		return herald.ErrDeliveryImmutable
	}
	if err := s.save(ctx, cur.State, d); err != nil {
		return fmt.Errorf("herald/redis: update delivery: %w", err)
	}
	return nil
}

// take removes d from its due index. Only the caller that removed the member
// may move the delivery on.
func (s *Store) take(ctx context.Context, d *delivery.Delivery) (bool, error) {
	if !d.State.Claimable() {
		return false, nil
	}
	n, err := s.rdb.ZRem(ctx, dueKey(d.State), d.ID.String()).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) Claim(ctx context.Context, delID id.ID, now time.Time) (*delivery.Delivery, bool, error) {
	d, err := s.loadDelivery(ctx, delID.String())
	if err != nil {
		return nil, false, err
	}
	ok, err := s.take(ctx, d)
	if err != nil {
		return nil, false, fmt.Errorf("herald/redis: claim delivery: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	prev := d.State
	claim(d, now)
	if err := s.save(ctx, prev, d); err != nil {
		return nil, false, fmt.Errorf("herald/redis: claim delivery: %w", err)
	}
	return d, true, nil
}

func (s *Store) ClaimDue(ctx context.Context, state delivery.State, dueBefore, now time.Time, limit int) ([]*delivery.Delivery, error) {
	if !state.Claimable() {
		return nil, nil
	}
	if limit <= 0 {
		limit = -1
	}

	maxScore := strconv.FormatFloat(scoreFromTime(dueBefore), 'f', -1, 64)
	ids, err := claimDueScript.Run(ctx, s.rdb, []string{dueKey(state)}, maxScore, limit).StringSlice()
	if err != nil {
		if missing(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("herald/redis: claim due script: %w", err)
	}

	result := make([]*delivery.Delivery, 0, len(ids))
	for _, delID := range ids {
		d, err := s.loadDelivery(ctx, delID)
		if err != nil {
			if errors.Is(err, herald.ErrDeliveryNotFound) {
				continue
			}
			return nil, err
		}
		if d.State != state {
			continue
		}
		claim(d, now)
		if err := s.save(ctx, state, d); err != nil {
			return nil, fmt.Errorf("herald/redis: claim due update: %w", err)
		}
		result = append(result, d)
	}
	return result, nil
}

func claim(d *delivery.Delivery, now time.Time) {
	d.State = delivery.StateInFlight
	d.NextRetryAt = nil
	d.Touch(now)
}

func (s *Store) CancelDelivery(ctx context.Context, delID id.ID, at time.Time) (bool, error) {
	d, err := s.loadDelivery(ctx, delID.String())
	if err != nil {
		return false, err
	}
	return s.cancel(ctx, d, at)
}

func (s *Store) cancel(ctx context.Context, d *delivery.Delivery, at time.Time) (bool, error) {
	ok, err := s.take(ctx, d)
	if err != nil || !ok {
		return false, err
	}

	prev := d.State
	at = at.UTC()
	d.State = delivery.StateCancelled
	d.NextRetryAt = nil
	d.CancelledAt = &at
	d.CompletedAt = &at
	d.Touch(at)
	if err := s.save(ctx, prev, d); err != nil {
		return false, fmt.Errorf("herald/redis: cancel delivery: %w", err)
	}
	return true, nil
}

func (s *Store) CancelByWebhook(ctx context.Context, whID id.ID, at time.Time) (int64, error) {
	ids, err := s.rdb.ZRange(ctx, zDeliveryWebhook+whID.String(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("herald/redis: cancel by webhook: %w", err)
	}

	var n int64
	for _, delID := range ids {
		d, err := s.loadDelivery(ctx, delID)
		if err != nil {
			if errors.Is(err, herald.ErrDeliveryNotFound) {
				continue
			}
			return n, err
		}
		ok, err := s.cancel(ctx, d, at)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// indexedDeliveries loads deliveries from the webhook index when whID is
// set, otherwise from the global one, newest first.
func (s *Store) indexedDeliveries(ctx context.Context, whID id.ID, since time.Time) ([]*delivery.Delivery, error) {
	key := zDeliveryAll
	if !whID.IsNil() {
		key = zDeliveryWebhook + whID.String()
	}

	rng := &goredis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !since.IsZero() {
		rng.Min = strconv.FormatFloat(scoreFromTime(since), 'f', -1, 64)
	}
	ids, err := s.rdb.ZRevRangeByScore(ctx, key, rng).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*delivery.Delivery, 0, len(ids))
	for _, delID := range ids {
		d, err := s.loadDelivery(ctx, delID)
		if err != nil {
			if errors.Is(err, herald.ErrDeliveryNotFound) {
				continue
			}
			return nil, err
		}
		result = append(result, d)
	}
	return result, nil
}

func (s *Store) ListDeliveries(ctx context.Context, opts delivery.ListOpts) ([]*delivery.Delivery, error) {
	all, err := s.indexedDeliveries(ctx, opts.WebhookID, opts.Since)
	if err != nil {
		return nil, fmt.Errorf("herald/redis: list deliveries: %w", err)
	}

	result := all[:0]
	for _, d := range all {
		if opts.Matches(d) {
			result = append(result, d)
		}
	}
	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) DeliveryStats(ctx context.Context, filter delivery.StatsFilter) (*delivery.Stats, error) {
	all, err := s.indexedDeliveries(ctx, filter.WebhookID, filter.Since)
	if err != nil {
		return nil, fmt.Errorf("herald/redis: delivery stats: %w", err)
	}

	stats := &delivery.Stats{}
	for _, d := range all {
		if filter.Matches(d) {
			stats.Accumulate(d)
		}
	}
	stats.Finish()
	return stats, nil
}

func (s *Store) QueueStats(ctx context.Context, now time.Time) (*delivery.QueueStats, error) {
	nowScore := strconv.FormatFloat(scoreFromTime(now), 'f', -1, 64)

	pipe := s.rdb.Pipeline()
	cards := make(map[delivery.State]*goredis.IntCmd, len(delivery.States))
	due := make([]*goredis.IntCmd, 0, 3)
	for _, st := range delivery.States {
		cards[st] = pipe.SCard(ctx, stateKey(st))
		if st.Claimable() {
			due = append(due, pipe.ZCount(ctx, dueKey(st), "-inf", nowScore))
		}
	}
	oldest := pipe.ZRange(ctx, dueKey(delivery.StatePending), 0, 0)
	if _, err := pipe.Exec(ctx); err != nil && !missing(err) {
		return nil, fmt.Errorf("herald/redis: queue stats: %w", err)
	}

	qs := &delivery.QueueStats{ByState: make(map[delivery.State]int64)}
	for st, cmd := range cards {
		if n := cmd.Val(); n > 0 {
			qs.ByState[st] = n
		}
	}
	for _, cmd := range due {
		qs.Due += cmd.Val()
	}
	// Pending deliveries are due at creation, so the lowest score is the oldest.
	if ids := oldest.Val(); len(ids) > 0 {
		d, err := s.loadDelivery(ctx, ids[0])
		if err == nil {
			t := d.CreatedAt
			qs.OldestPending = &t
		}
	}
	return qs, nil
}

func (s *Store) ReleaseStale(ctx context.Context, before, now time.Time) (int64, error) {
	maxScore := "(" + strconv.FormatFloat(scoreFromTime(before), 'f', -1, 64)
	ids, err := s.rdb.ZRangeByScore(ctx, zDeliveryInFlight, &goredis.ZRangeBy{Min: "-inf", Max: maxScore}).Result()
	if err != nil {
		return 0, fmt.Errorf("herald/redis: release stale: %w", err)
	}

	var n int64
	for _, delID := range ids {
		removed, err := s.rdb.ZRem(ctx, zDeliveryInFlight, delID).Result()
		if err != nil {
			return n, fmt.Errorf("herald/redis: release stale: %w", err)
		}
		if removed == 0 {
			continue
		}
		d, err := s.loadDelivery(ctx, delID)
		if err != nil {
			if errors.Is(err, herald.ErrDeliveryNotFound) {
				continue
			}
			return n, err
		}
		if d.State != delivery.StateInFlight {
			continue
		}
		at := now.UTC()
		d.State = delivery.StateRetrying
		d.NextRetryAt = &at
		d.Touch(now)
		if err := s.save(ctx, delivery.StateInFlight, d); err != nil {
			return n, fmt.Errorf("herald/redis: release stale update: %w", err)
		}
		n++
	}
	return n, nil
}
