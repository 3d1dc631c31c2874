package store

import (
	"context"
	"errors"
	"time"

	"hookrelay/internal/model"
)

// Store is the persistence interface used by the API server, the dispatcher,
// and the retry worker.
type Store interface {
	// Subscription registry
	CreateSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error)
	GetSubscription(ctx context.Context, tenantID, id string) (model.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error)
	UpdateSubscription(ctx context.Context, tenantID, id string, patch model.SubscriptionPatch, updatedBy string) (model.Subscription, error)
	DeleteSubscription(ctx context.Context, tenantID, id string) error
	FindSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error)

	// Delivery ledger (append-only; rows are never mutated or deleted)
	RecordDeliveryAttempt(ctx context.Context, att model.DeliveryAttempt) (string, error)
	GetDeliveryAttempt(ctx context.Context, tenantID, id string) (model.DeliveryAttempt, error)
	ListDeliveryAttempts(ctx context.Context, tenantID, subscriptionID string, page, pageSize int) ([]model.DeliveryAttempt, error)

	// Durable retry queue
	EnqueueRetry(ctx context.Context, task RetryTask) (string, error)
	FetchDueRetries(ctx context.Context, limit int) ([]RetryTask, error)
	CompleteRetry(ctx context.Context, id string) error
	RescheduleRetry(ctx context.Context, id string, retryCount int, nextAttemptAt time.Time, lastError string) error
	ExhaustRetry(ctx context.Context, id string, lastError string) error
	ListRetryTasks(ctx context.Context, tenantID, status, cursor string, limit int) ([]RetryTask, string, error)
	RequeueRetry(ctx context.Context, tenantID, id string) error
	RequeueRetryBulk(ctx context.Context, tenantID string, ids []string) error

	// Aggregates
	Stats(ctx context.Context, tenantID string) (model.Stats, error)
}

// Retry task statuses.
const (
	RetryPending   = "pending"
	RetryDelivered = "delivered"
	RetryExhausted = "exhausted"
)

// RetryTask is one durable entry in the retry queue. It snapshots the
// destination and policy at enqueue time so that deleting or editing the
// subscription never cancels or redirects an in-flight chain.
type RetryTask struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenantId"`
	SubscriptionID string            `json:"subscriptionId"`
	EventType      string            `json:"eventType"`
	URL            string            `json:"url"`
	Secret         string            `json:"-"`
	Headers        map[string]string `json:"headers,omitempty"`
	Payload        []byte            `json:"payload"`
	RetryCount     int               `json:"retryCount"`
	Policy         model.RetryPolicy `json:"policy"`
	Status         string            `json:"status"`
	NextAttemptAt  time.Time         `json:"nextAttemptAt"`
	LastError      string            `json:"lastError,omitempty"`
}

var ErrNotFound = errors.New("not found")
