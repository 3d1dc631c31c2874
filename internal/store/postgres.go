package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"hookrelay/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// Ping is used by the readiness probe.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies every .sql file in dir in lexical order. Dev helper;
// production uses a real migration runner.
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		b, err := os.ReadFile(filepath.Join(dir, n))
		if err != nil {
			return err
		}
		if _, err := p.db.Exec(string(b)); err != nil {
			return fmt.Errorf("migrate %s: %w", n, err)
		}
	}
	return nil
}

func (p *Postgres) CreateSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_subscriptions
		(id, tenant_id, name, url, event_types, secret, is_active, headers, max_retries, retry_delay_seconds, exponential_backoff, created_at, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		sub.ID, sub.TenantID, sub.Name, sub.URL, toJSON(sub.EventTypes), sub.Secret, sub.IsActive, toJSON(sub.Headers),
		sub.RetryPolicy.MaxRetries, sub.RetryPolicy.RetryDelaySeconds, sub.RetryPolicy.ExponentialBackoff, sub.CreatedAt, nullIfEmpty(sub.CreatedBy))
	if err != nil {
		return model.Subscription{}, err
	}
	return sub, nil
}

const subscriptionCols = `id::text, tenant_id, name, url, event_types, secret, is_active, headers, max_retries, retry_delay_seconds, exponential_backoff, created_at, COALESCE(created_by,''), updated_at, COALESCE(updated_by,'')`

func scanSubscription(sc interface{ Scan(...any) error }) (model.Subscription, error) {
	var s model.Subscription
	var events, headers []byte
	var updatedAt sql.NullTime
	err := sc.Scan(&s.ID, &s.TenantID, &s.Name, &s.URL, &events, &s.Secret, &s.IsActive, &headers,
		&s.RetryPolicy.MaxRetries, &s.RetryPolicy.RetryDelaySeconds, &s.RetryPolicy.ExponentialBackoff,
		&s.CreatedAt, &s.CreatedBy, &updatedAt, &s.UpdatedBy)
	if err != nil {
		return model.Subscription{}, err
	}
	_ = json.Unmarshal(events, &s.EventTypes)
	if len(headers) > 0 {
		_ = json.Unmarshal(headers, &s.Headers)
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		s.UpdatedAt = &t
	}
	return s, nil
}

func (p *Postgres) GetSubscription(ctx context.Context, tenantID, id string) (model.Subscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+subscriptionCols+` FROM webhook_subscriptions WHERE tenant_id=$1 AND id::text=$2`, tenantID, id)
	s, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscription{}, ErrNotFound
	}
	return s, err
}

func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT `+subscriptionCols+` FROM webhook_subscriptions WHERE tenant_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, tenantID, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT `+subscriptionCols+` FROM webhook_subscriptions WHERE tenant_id=$1 ORDER BY id LIMIT $2`, tenantID, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Subscription{}
	var last string
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, s)
		last = s.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) UpdateSubscription(ctx context.Context, tenantID, id string, patch model.SubscriptionPatch, updatedBy string) (model.Subscription, error) {
	// Read-modify-write keeps the partial-merge logic in one place.
	s, err := p.GetSubscription(ctx, tenantID, id)
	if err != nil {
		return model.Subscription{}, err
	}
	applyPatch(&s, patch, updatedBy)
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_subscriptions
		SET name=$3, url=$4, event_types=$5, is_active=$6, headers=$7, max_retries=$8, retry_delay_seconds=$9, exponential_backoff=$10, updated_at=$11, updated_by=$12
		WHERE tenant_id=$1 AND id::text=$2`,
		tenantID, id, s.Name, s.URL, toJSON(s.EventTypes), s.IsActive, toJSON(s.Headers),
		s.RetryPolicy.MaxRetries, s.RetryPolicy.RetryDelaySeconds, s.RetryPolicy.ExponentialBackoff, s.UpdatedAt, nullIfEmpty(s.UpdatedBy))
	if err != nil {
		return model.Subscription{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Subscription{}, ErrNotFound
	}
	return s, nil
}

func (p *Postgres) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE tenant_id=$1 AND id::text=$2`, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) FindSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+subscriptionCols+` FROM webhook_subscriptions
		WHERE tenant_id=$1 AND is_active AND event_types @> $2::jsonb`, tenantID, toJSON([]string{eventType}))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) RecordDeliveryAttempt(ctx context.Context, att model.DeliveryAttempt) (string, error) {
	if att.ID == "" {
		att.ID = uuid.New().String()
	}
	if att.AttemptedAt.IsZero() {
		att.AttemptedAt = time.Now().UTC()
	}
	var status any
	if att.HTTPStatusCode != nil {
		status = *att.HTTPStatusCode
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_delivery_attempts
		(id, tenant_id, subscription_id, event_type, payload, http_status_code, response_body, attempted_at, is_successful, error_message, retry_count, latency_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		att.ID, att.TenantID, att.SubscriptionID, att.EventType, att.Payload, status, nullIfEmpty(att.ResponseBody),
		att.AttemptedAt, att.IsSuccessful, nullIfEmpty(att.ErrorMessage), att.RetryCount, att.LatencyMs)
	if err != nil {
		return "", err
	}
	return att.ID, nil
}

const attemptCols = `id::text, tenant_id, subscription_id::text, event_type, payload, http_status_code, COALESCE(response_body,''), attempted_at, is_successful, COALESCE(error_message,''), retry_count, latency_ms`

func scanAttempt(sc interface{ Scan(...any) error }) (model.DeliveryAttempt, error) {
	var a model.DeliveryAttempt
	var status sql.NullInt64
	err := sc.Scan(&a.ID, &a.TenantID, &a.SubscriptionID, &a.EventType, &a.Payload, &status, &a.ResponseBody,
		&a.AttemptedAt, &a.IsSuccessful, &a.ErrorMessage, &a.RetryCount, &a.LatencyMs)
	if err != nil {
		return model.DeliveryAttempt{}, err
	}
	if status.Valid {
		v := int(status.Int64)
		a.HTTPStatusCode = &v
	}
	return a, nil
}

func (p *Postgres) GetDeliveryAttempt(ctx context.Context, tenantID, id string) (model.DeliveryAttempt, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+attemptCols+` FROM webhook_delivery_attempts WHERE tenant_id=$1 AND id::text=$2`, tenantID, id)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeliveryAttempt{}, ErrNotFound
	}
	return a, err
}

func (p *Postgres) ListDeliveryAttempts(ctx context.Context, tenantID, subscriptionID string, page, pageSize int) ([]model.DeliveryAttempt, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 500 {
		pageSize = 50
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+attemptCols+` FROM webhook_delivery_attempts
		WHERE tenant_id=$1 AND subscription_id::text=$2 ORDER BY attempted_at DESC LIMIT $3 OFFSET $4`,
		tenantID, subscriptionID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.DeliveryAttempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) EnqueueRetry(ctx context.Context, task RetryTask) (string, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = RetryPending
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_retry_queue
		(id, tenant_id, subscription_id, event_type, url, secret, headers, payload, retry_count, max_retries, retry_delay_seconds, exponential_backoff, status, next_attempt_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		task.ID, task.TenantID, task.SubscriptionID, task.EventType, task.URL, nullIfEmpty(task.Secret), toJSON(task.Headers), task.Payload,
		task.RetryCount, task.Policy.MaxRetries, task.Policy.RetryDelaySeconds, task.Policy.ExponentialBackoff, task.Status, task.NextAttemptAt)
	if err != nil {
		return "", err
	}
	return task.ID, nil
}

const taskCols = `id::text, tenant_id, subscription_id::text, event_type, url, COALESCE(secret,''), headers, payload, retry_count, max_retries, retry_delay_seconds, exponential_backoff, status, next_attempt_at, COALESCE(last_error,'')`

func scanTask(sc interface{ Scan(...any) error }) (RetryTask, error) {
	var t RetryTask
	var headers []byte
	err := sc.Scan(&t.ID, &t.TenantID, &t.SubscriptionID, &t.EventType, &t.URL, &t.Secret, &headers, &t.Payload,
		&t.RetryCount, &t.Policy.MaxRetries, &t.Policy.RetryDelaySeconds, &t.Policy.ExponentialBackoff,
		&t.Status, &t.NextAttemptAt, &t.LastError)
	if err != nil {
		return RetryTask{}, err
	}
	if len(headers) > 0 {
		_ = json.Unmarshal(headers, &t.Headers)
	}
	return t, nil
}

func (p *Postgres) FetchDueRetries(ctx context.Context, limit int) ([]RetryTask, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+taskCols+` FROM webhook_retry_queue
		WHERE status='pending' AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []RetryTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) CompleteRetry(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_retry_queue SET status='delivered', updated_at=now() WHERE id::text=$1`, id)
	return err
}

func (p *Postgres) RescheduleRetry(ctx context.Context, id string, retryCount int, nextAttemptAt time.Time, lastError string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_retry_queue
		SET retry_count=$2, next_attempt_at=$3, last_error=$4, status='pending', updated_at=now() WHERE id::text=$1`,
		id, retryCount, nextAttemptAt, nullIfEmpty(lastError))
	return err
}

func (p *Postgres) ExhaustRetry(ctx context.Context, id string, lastError string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_retry_queue
		SET status='exhausted', last_error=$2, updated_at=now() WHERE id::text=$1`, id, nullIfEmpty(lastError))
	return err
}

func (p *Postgres) ListRetryTasks(ctx context.Context, tenantID, status, cursor string, limit int) ([]RetryTask, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT ` + taskCols + ` FROM webhook_retry_queue WHERE tenant_id=$1`
	args := []any{tenantID}
	if status != "" {
		args = append(args, status)
		q += fmt.Sprintf(" AND status=$%d", len(args))
	}
	if cursor != "" {
		args = append(args, cursor)
		q += fmt.Sprintf(" AND id::text > $%d", len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY id LIMIT $%d", len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []RetryTask{}
	var last string
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, t)
		last = t.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) RequeueRetry(ctx context.Context, tenantID, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_retry_queue
		SET status='pending', retry_count=0, next_attempt_at=now(), updated_at=now() WHERE tenant_id=$1 AND id::text=$2`, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) RequeueRetryBulk(ctx context.Context, tenantID string, ids []string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE webhook_retry_queue
			SET status='pending', retry_count=0, next_attempt_at=now(), updated_at=now() WHERE tenant_id=$1 AND id::text=$2`, tenantID, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Postgres) Stats(ctx context.Context, tenantID string) (model.Stats, error) {
	var st model.Stats
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(*) FILTER (WHERE is_active)
		FROM webhook_subscriptions WHERE tenant_id=$1`, tenantID).Scan(&st.TotalSubscriptions, &st.ActiveSubscriptions)
	if err != nil {
		return model.Stats{}, err
	}
	err = p.db.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(*) FILTER (WHERE is_successful),
		COUNT(*) FILTER (WHERE attempted_at >= now() - interval '7 days')
		FROM webhook_delivery_attempts WHERE tenant_id=$1`, tenantID).Scan(&st.TotalDeliveries, &st.SuccessfulDeliveries, &st.RecentDeliveries)
	if err != nil {
		return model.Stats{}, err
	}
	st.FailedDeliveries = st.TotalDeliveries - st.SuccessfulDeliveries
	if st.TotalDeliveries > 0 {
		st.SuccessRate = float64(st.SuccessfulDeliveries) / float64(st.TotalDeliveries) * 100
	}
	return st, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// toJSON marshals for jsonb columns; nil maps/slices become SQL NULL.
func toJSON(v any) any {
	switch x := v.(type) {
	case []string:
		if x == nil {
			return nil
		}
	case map[string]string:
		if x == nil {
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
