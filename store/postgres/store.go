// Package postgres implements the herald store on PostgreSQL through the
// Grove ORM. Claims use FOR UPDATE SKIP LOCKED so concurrent workers never
// take the same delivery.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/herald"
	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/id"
	heraldstore "github.com/xraph/herald/store"
	"github.com/xraph/herald/webhook"
)

// compile-time interface check
var _ heraldstore.Store = (*Store)(nil)

// claimableStates is the SQL list of states a worker may take.
const claimableStates = "('pending', 'scheduled', 'retrying')"

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("herald/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: %w", herald.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Webhook Store ====================

func (s *Store) CreateWebhook(ctx context.Context, wh *webhook.Webhook) error {
	_, err := s.pg.NewInsert(toWebhookModel(wh)).Exec(ctx)
	return err
}

func (s *Store) GetWebhook(ctx context.Context, whID id.ID) (*webhook.Webhook, error) {
	m := new(webhookModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", whID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, herald.ErrWebhookNotFound
		}
		return nil, err
	}
	return fromWebhookModel(m)
}

func (s *Store) UpdateWebhook(ctx context.Context, wh *webhook.Webhook) error {
	res, err := s.pg.NewUpdate(toWebhookModel(wh)).
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	return mustAffect(res, herald.ErrWebhookNotFound)
}

func (s *Store) DeleteWebhook(ctx context.Context, whID id.ID) error {
	res, err := s.pg.NewDelete((*webhookModel)(nil)).
		Where("id = $1", whID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	return mustAffect(res, herald.ErrWebhookNotFound)
}

func (s *Store) ListWebhooks(ctx context.Context, workspaceID string, opts webhook.ListOpts) ([]*webhook.Webhook, error) {
	var models []webhookModel
	q := s.pg.NewSelect(&models).Where("workspace_id = $1", workspaceID)
	if opts.Status != nil {
		q = q.Where("status = $2", string(*opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at ASC, id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromWebhookModels(models, nil)
}

func (s *Store) ResolveActive(ctx context.Context, workspaceID, eventType string) ([]*webhook.Webhook, error) {
	var models []webhookModel
	if err := s.pg.NewSelect(&models).
		Where("workspace_id = $1", workspaceID).
		Where("status = $2", string(webhook.StatusActive)).
		OrderExpr("created_at ASC, id ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	return fromWebhookModels(models, func(wh *webhook.Webhook) bool {
		return wh.Subscribes(eventType)
	})
}

func fromWebhookModels(models []webhookModel, keep func(*webhook.Webhook) bool) ([]*webhook.Webhook, error) {
	result := make([]*webhook.Webhook, 0, len(models))
	for i := range models {
		wh, err := fromWebhookModel(&models[i])
		if err != nil {
			return nil, err
		}
		if keep == nil || keep(wh) {
			result = append(result, wh)
		}
	}
	return result, nil
}

// RecordOutcome folds the outcome into the success rate in a single
// UPDATE, so concurrent workers never overwrite each other.
func (s *Store) RecordOutcome(ctx context.Context, whID id.ID, success bool, at time.Time) error {
	v := 0.0
	if success {
		v = 1.0
	}
	res, err := s.pg.NewUpdate((*webhookModel)(nil)).
		Set("success_rate = success_rate * $1 + $2", 1-webhook.SuccessRateWeight, v*webhook.SuccessRateWeight).
		Set("last_delivery_at = $3", at.UTC()).
		Where("id = $4", whID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	return mustAffect(res, herald.ErrWebhookNotFound)
}

// ==================== Delivery Store ====================

func (s *Store) CreateDelivery(ctx context.Context, d *delivery.Delivery) error {
	m, err := toDeliveryModel(d)
	if err != nil {
		return err
	}
	_, err = s.pg.NewInsert(m).Exec(ctx)
	return err
}

// CreateDeliveries inserts the batch in one statement.
func (s *Store) CreateDeliveries(ctx context.Context, ds []*delivery.Delivery) error {
	if len(ds) == 0 {
		return nil
	}
	models := make([]deliveryModel, len(ds))
	for i, d := range ds {
		m, err := toDeliveryModel(d)
		if err != nil {
			return err
		}
		models[i] = *m
	}
	_, err := s.pg.NewInsert(&models).Exec(ctx)
	return err
}

func (s *Store) GetDelivery(ctx context.Context, delID id.ID) (*delivery.Delivery, error) {
	m := new(deliveryModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", delID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, herald.ErrDeliveryNotFound
		}
		return nil, err
	}
	return fromDeliveryModel(m)
}

func (s *Store) UpdateDelivery(ctx context.Context, d *delivery.Delivery) error {
	m, err := toDeliveryModel(d)
	if err != nil {
		return err
	}
	res, err := s.pg.NewUpdate(m).
		WherePK().
		Where("state NOT IN ('delivered', 'cancelled')").
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.GetDelivery(ctx, d.ID); err != nil {
			return err
		}
		return herald.ErrDeliveryImmutable
	}
	return nil
}

func (s *Store) Claim(ctx context.Context, delID id.ID, now time.Time) (*delivery.Delivery, bool, error) {
	var models []deliveryModel
	err := s.pg.NewRaw(`
		UPDATE herald_deliveries
		SET state = 'in_flight', next_retry_at = NULL, updated_at = $1
		WHERE id = $2 AND state IN `+claimableStates+`
		RETURNING *
	`, now.UTC(), delID.String()).Scan(ctx, &models)
	if err != nil && !isNoRows(err) {
		return nil, false, err
	}
	if len(models) == 0 {
		if _, err := s.GetDelivery(ctx, delID); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	d, err := fromDeliveryModel(&models[0])
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func (s *Store) ClaimDue(ctx context.Context, state delivery.State, dueBefore, now time.Time, limit int) ([]*delivery.Delivery, error) {
	if !state.Claimable() {
		return nil, nil
	}
	// LIMIT NULL is no limit.
	var lim any
	if limit > 0 {
		lim = limit
	}

	var models []deliveryModel
	err := s.pg.NewRaw(`
		UPDATE herald_deliveries
		SET state = 'in_flight', next_retry_at = NULL, updated_at = $1
		WHERE id IN (
			SELECT id FROM herald_deliveries
			WHERE state = $2 AND due_at <= $3
			ORDER BY due_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *
	`, now.UTC(), string(state), dueBefore.UTC(), lim).Scan(ctx, &models)
	if err != nil && !isNoRows(err) {
		return nil, err
	}

	// RETURNING does not preserve the subquery order.
	sort.SliceStable(models, func(i, j int) bool {
		return models[i].DueAt.Before(models[j].DueAt)
	})
	return fromDeliveryModels(models)
}

func (s *Store) CancelDelivery(ctx context.Context, delID id.ID, at time.Time) (bool, error) {
	at = at.UTC()
	res, err := s.pg.NewUpdate((*deliveryModel)(nil)).
		Set("state = $1", string(delivery.StateCancelled)).
		Set("next_retry_at = NULL").
		Set("cancelled_at = $2", at).
		Set("completed_at = $3", at).
		Set("updated_at = $4", at).
		Where("id = $5", delID.String()).
		Where("state IN " + claimableStates).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		if _, err := s.GetDelivery(ctx, delID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) CancelByWebhook(ctx context.Context, whID id.ID, at time.Time) (int64, error) {
	at = at.UTC()
	res, err := s.pg.NewUpdate((*deliveryModel)(nil)).
		Set("state = $1", string(delivery.StateCancelled)).
		Set("next_retry_at = NULL").
		Set("cancelled_at = $2", at).
		Set("completed_at = $3", at).
		Set("updated_at = $4", at).
		Where("webhook_id = $5", whID.String()).
		Where("state IN " + claimableStates).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) ListDeliveries(ctx context.Context, opts delivery.ListOpts) ([]*delivery.Delivery, error) {
	var models []deliveryModel
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if opts.WorkspaceID != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("workspace_id = $%d", argIdx), opts.WorkspaceID)
	}
	if !opts.WebhookID.IsNil() {
		argIdx++
		q = q.Where(fmt.Sprintf("webhook_id = $%d", argIdx), opts.WebhookID.String())
	}
	if opts.EventType != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("event_type = $%d", argIdx), string(opts.EventType))
	}
	if opts.State != nil {
		argIdx++
		q = q.Where(fmt.Sprintf("state = $%d", argIdx), string(*opts.State))
	}
	if !opts.Since.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("created_at >= $%d", argIdx), opts.Since.UTC())
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC, id DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromDeliveryModels(models)
}

func (s *Store) DeliveryStats(ctx context.Context, filter delivery.StatsFilter) (*delivery.Stats, error) {
	var since *time.Time
	if !filter.Since.IsZero() {
		t := filter.Since.UTC()
		since = &t
	}

	var rows []stateAggregate
	err := s.pg.NewRaw(`
		SELECT state,
		       COUNT(*) AS total,
		       COALESCE(SUM(attempt_count), 0) AS attempts,
		       COALESCE(SUM(duration_ms), 0)::float8 AS duration_sum
		FROM herald_deliveries
		WHERE ($1 = '' OR workspace_id = $1)
		  AND ($2 = '' OR webhook_id = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		GROUP BY state
	`, filter.WorkspaceID, filter.WebhookID.String(), since).Scan(ctx, &rows)
	if err != nil && !isNoRows(err) {
		return nil, err
	}

	stats := &delivery.Stats{ByState: make(map[delivery.State]int64, len(rows))}
	for _, r := range rows {
		stats.Total += r.Total
		stats.ByState[delivery.State(r.State)] = r.Total
		stats.Attempts += r.Attempts
		stats.AvgDurationMs += r.DurationSum
	}
	stats.Finish()
	return stats, nil
}

// queueAggregate is one row of the per-state queue aggregate.
type queueAggregate struct {
	State  string     `grove:"state"`
	Total  int64      `grove:"total"`
	Due    int64      `grove:"due"`
	Oldest *time.Time `grove:"oldest"`
}

func (s *Store) QueueStats(ctx context.Context, now time.Time) (*delivery.QueueStats, error) {
	var rows []queueAggregate
	err := s.pg.NewRaw(`
		SELECT state,
		       COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE state IN `+claimableStates+` AND due_at <= $1) AS due,
		       MIN(created_at) FILTER (WHERE state = 'pending') AS oldest
		FROM herald_deliveries
		GROUP BY state
	`, now.UTC()).Scan(ctx, &rows)
	if err != nil && !isNoRows(err) {
		return nil, err
	}

	qs := &delivery.QueueStats{ByState: make(map[delivery.State]int64, len(rows))}
	for _, r := range rows {
		qs.ByState[delivery.State(r.State)] = r.Total
		qs.Due += r.Due
		if r.Oldest != nil {
			qs.OldestPending = r.Oldest
		}
	}
	return qs, nil
}

func (s *Store) ReleaseStale(ctx context.Context, before, now time.Time) (int64, error) {
	now = now.UTC()
	res, err := s.pg.NewUpdate((*deliveryModel)(nil)).
		Set("state = $1", string(delivery.StateRetrying)).
		Set("next_retry_at = $2", now).
		Set("due_at = $3", now).
		Set("updated_at = $4", now).
		Where("state = $5", string(delivery.StateInFlight)).
		Where("updated_at < $6", before.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// rowsAffecter is the part of a statement result mustAffect needs.
type rowsAffecter interface {
	RowsAffected() (int64, error)
}

// mustAffect maps an UPDATE or DELETE that touched no rows to notFound.
func mustAffect(res rowsAffecter, notFound error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
