package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"hookrelay/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
// The retry queue and the ledger are process-local; production deployments
// use Postgres so chains survive restarts.
type Memory struct {
	mu            sync.Mutex
	subs          map[string]model.Subscription // id -> subscription
	subsByTen     map[string][]string           // tenant -> subscription ids, insertion order
	attempts      map[string]model.DeliveryAttempt
	attemptsBySub map[string][]string // subscription id -> attempt ids, insertion order
	tasks         map[string]*RetryTask
	taskOrder     []string
}

func NewMemory() *Memory {
	return &Memory{
		subs:          map[string]model.Subscription{},
		subsByTen:     map[string][]string{},
		attempts:      map[string]model.DeliveryAttempt{},
		attemptsBySub: map[string][]string{},
		tasks:         map[string]*RetryTask{},
	}
}

func (m *Memory) CreateSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	m.subs[sub.ID] = sub
	m.subsByTen[sub.TenantID] = append(m.subsByTen[sub.TenantID], sub.ID)
	return sub, nil
}

func (m *Memory) GetSubscription(ctx context.Context, tenantID, id string) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok || s.TenantID != tenantID {
		return model.Subscription{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.subsByTen[tenantID]
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	out := []model.Subscription{}
	var last string
	for i := start; i < len(ids) && len(out) < limit; i++ {
		out = append(out, m.subs[ids[i]])
		last = ids[i]
	}
	next := ""
	if len(out) == limit && start+len(out) < len(ids) {
		next = last
	}
	return out, next, nil
}

func (m *Memory) UpdateSubscription(ctx context.Context, tenantID, id string, patch model.SubscriptionPatch, updatedBy string) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok || s.TenantID != tenantID {
		return model.Subscription{}, ErrNotFound
	}
	applyPatch(&s, patch, updatedBy)
	m.subs[id] = s
	return s, nil
}

// applyPatch merges non-nil patch fields into the subscription. The secret is
// never part of a patch.
func applyPatch(s *model.Subscription, patch model.SubscriptionPatch, updatedBy string) {
	if patch.Name != nil {
		s.Name = *patch.Name
	}
	if patch.URL != nil {
		s.URL = *patch.URL
	}
	if patch.EventTypes != nil {
		s.EventTypes = patch.EventTypes
	}
	if patch.IsActive != nil {
		s.IsActive = *patch.IsActive
	}
	if patch.Headers != nil {
		s.Headers = patch.Headers
	}
	if patch.MaxRetries != nil {
		s.RetryPolicy.MaxRetries = *patch.MaxRetries
	}
	if patch.RetryDelaySeconds != nil {
		s.RetryPolicy.RetryDelaySeconds = *patch.RetryDelaySeconds
	}
	if patch.ExponentialBackoff != nil {
		s.RetryPolicy.ExponentialBackoff = *patch.ExponentialBackoff
	}
	now := time.Now().UTC()
	s.UpdatedAt = &now
	s.UpdatedBy = updatedBy
}

func (m *Memory) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok || s.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.subs, id)
	ids := m.subsByTen[tenantID]
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	m.subsByTen[tenantID] = out
	// Ledger rows and queued retries are retained for audit.
	return nil
}

func (m *Memory) FindSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, id := range m.subsByTen[tenantID] {
		if s := m.subs[id]; s.Matches(eventType) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) RecordDeliveryAttempt(ctx context.Context, att model.DeliveryAttempt) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if att.ID == "" {
		att.ID = uuid.New().String()
	}
	if att.AttemptedAt.IsZero() {
		att.AttemptedAt = time.Now().UTC()
	}
	m.attempts[att.ID] = att
	m.attemptsBySub[att.SubscriptionID] = append(m.attemptsBySub[att.SubscriptionID], att.ID)
	return att.ID, nil
}

func (m *Memory) GetDeliveryAttempt(ctx context.Context, tenantID, id string) (model.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok || a.TenantID != tenantID {
		return model.DeliveryAttempt{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) ListDeliveryAttempts(ctx context.Context, tenantID, subscriptionID string, page, pageSize int) ([]model.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 500 {
		pageSize = 50
	}
	ids := m.attemptsBySub[subscriptionID]
	// newest-first
	out := []model.DeliveryAttempt{}
	skip := (page - 1) * pageSize
	for i := len(ids) - 1; i >= 0; i-- {
		a := m.attempts[ids[i]]
		if a.TenantID != tenantID {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		out = append(out, a)
		if len(out) == pageSize {
			break
		}
	}
	return out, nil
}

func (m *Memory) EnqueueRetry(ctx context.Context, task RetryTask) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = RetryPending
	}
	t := task
	m.tasks[t.ID] = &t
	m.taskOrder = append(m.taskOrder, t.ID)
	return t.ID, nil
}

func (m *Memory) FetchDueRetries(ctx context.Context, limit int) ([]RetryTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []RetryTask{}
	for _, id := range m.taskOrder {
		t := m.tasks[id]
		if t == nil || t.Status != RetryPending || t.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, *t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) CompleteRetry(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.tasks[id]; t != nil {
		t.Status = RetryDelivered
	}
	return nil
}

func (m *Memory) RescheduleRetry(ctx context.Context, id string, retryCount int, nextAttemptAt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[id]
	if t == nil {
		return ErrNotFound
	}
	t.RetryCount = retryCount
	t.NextAttemptAt = nextAttemptAt
	t.LastError = lastError
	t.Status = RetryPending
	return nil
}

func (m *Memory) ExhaustRetry(ctx context.Context, id string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.tasks[id]; t != nil {
		t.Status = RetryExhausted
		t.LastError = lastError
	}
	return nil
}

func (m *Memory) ListRetryTasks(ctx context.Context, tenantID, status, cursor string, limit int) ([]RetryTask, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	start := 0
	if cursor != "" {
		for i, id := range m.taskOrder {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	out := []RetryTask{}
	next := ""
	for i := start; i < len(m.taskOrder); i++ {
		t := m.tasks[m.taskOrder[i]]
		if t == nil || t.TenantID != tenantID {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		if len(out) == limit {
			next = out[len(out)-1].ID
			break
		}
		out = append(out, *t)
	}
	return out, next, nil
}

func (m *Memory) RequeueRetry(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[id]
	if t == nil || t.TenantID != tenantID {
		return ErrNotFound
	}
	t.Status = RetryPending
	t.RetryCount = 0
	t.NextAttemptAt = time.Now()
	return nil
}

func (m *Memory) RequeueRetryBulk(ctx context.Context, tenantID string, ids []string) error {
	for _, id := range ids {
		if err := m.RequeueRetry(ctx, tenantID, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Stats(ctx context.Context, tenantID string) (model.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st model.Stats
	for _, id := range m.subsByTen[tenantID] {
		st.TotalSubscriptions++
		if m.subs[id].IsActive {
			st.ActiveSubscriptions++
		}
	}
	weekAgo := time.Now().UTC().AddDate(0, 0, -7)
	for _, a := range m.attempts {
		if a.TenantID != tenantID {
			continue
		}
		st.TotalDeliveries++
		if a.IsSuccessful {
			st.SuccessfulDeliveries++
		}
		if a.AttemptedAt.After(weekAgo) {
			st.RecentDeliveries++
		}
	}
	st.FailedDeliveries = st.TotalDeliveries - st.SuccessfulDeliveries
	if st.TotalDeliveries > 0 {
		st.SuccessRate = float64(st.SuccessfulDeliveries) / float64(st.TotalDeliveries) * 100
	}
	return st, nil
}
