package model

import "time"

// Core domain types for the webhook subscription & delivery engine.

// RetryPolicy controls automatic re-delivery after a failed attempt.
type RetryPolicy struct {
	MaxRetries         int  `json:"maxRetries"`
	RetryDelaySeconds  int  `json:"retryDelaySeconds"`
	ExponentialBackoff bool `json:"exponentialBackoff"`
}

// DefaultRetryPolicy is applied when a create request leaves policy fields unset.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, RetryDelaySeconds: 60, ExponentialBackoff: true}
}

// Subscription is a tenant's registered interest in one or more event types.
// The secret is write-once: generated at creation, never rotated, and never
// serialized on reads (disclosed once in the creation response only).
type Subscription struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenantId"`
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	EventTypes  []string          `json:"eventTypes"`
	Secret      string            `json:"-"`
	IsActive    bool              `json:"isActive"`
	Headers     map[string]string `json:"headers,omitempty"`
	RetryPolicy RetryPolicy       `json:"retryPolicy"`
	CreatedAt   time.Time         `json:"createdAt"`
	CreatedBy   string            `json:"createdBy,omitempty"`
	UpdatedAt   *time.Time        `json:"updatedAt,omitempty"`
	UpdatedBy   string            `json:"updatedBy,omitempty"`
}

// Matches reports whether an active subscription covers the event type.
func (s Subscription) Matches(eventType string) bool {
	if !s.IsActive {
		return false
	}
	for _, e := range s.EventTypes {
		if e == eventType {
			return true
		}
	}
	return false
}

// SubscriptionRequest is the create payload.
type SubscriptionRequest struct {
	Name               string            `json:"name"`
	URL                string            `json:"url"`
	EventTypes         []string          `json:"eventTypes"`
	Headers            map[string]string `json:"headers,omitempty"`
	MaxRetries         *int              `json:"maxRetries,omitempty"`
	RetryDelaySeconds  *int              `json:"retryDelaySeconds,omitempty"`
	ExponentialBackoff *bool             `json:"exponentialBackoff,omitempty"`
}

// SubscriptionPatch is a partial update: nil fields keep their current value.
// The secret is deliberately absent; it cannot be changed after creation.
type SubscriptionPatch struct {
	Name               *string           `json:"name,omitempty"`
	URL                *string           `json:"url,omitempty"`
	EventTypes         []string          `json:"eventTypes,omitempty"`
	IsActive           *bool             `json:"isActive,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
	MaxRetries         *int              `json:"maxRetries,omitempty"`
	RetryDelaySeconds  *int              `json:"retryDelaySeconds,omitempty"`
	ExponentialBackoff *bool             `json:"exponentialBackoff,omitempty"`
}

// Envelope is the wire unit sent to receiver endpoints. Data is the
// producer's payload, opaque to the engine.
type Envelope struct {
	EventType string    `json:"eventType"`
	Timestamp time.Time `json:"timestamp"`
	TenantID  string    `json:"tenantId"`
	Data      any       `json:"data"`
}

// DeliveryAttempt is one recorded HTTP call to a subscription's URL. The
// ledger is append-only: every retry produces a new row.
type DeliveryAttempt struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscriptionId"`
	TenantID       string    `json:"tenantId"`
	EventType      string    `json:"eventType"`
	Payload        []byte    `json:"payload"`
	HTTPStatusCode *int      `json:"httpStatusCode,omitempty"`
	ResponseBody   string    `json:"responseBody,omitempty"`
	AttemptedAt    time.Time `json:"attemptedAt"`
	IsSuccessful   bool      `json:"isSuccessful"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	RetryCount     int       `json:"retryCount"`
	LatencyMs      int       `json:"latencyMs"`
}

// DispatchResult summarizes the initial fan-out of one trigger. Retries
// continue in the background and are not reflected here.
type DispatchResult struct {
	EventType string `json:"eventType"`
	Matched   int    `json:"matched"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
}

// Stats is the tenant-level aggregate, computed from the registry and ledger
// at query time.
type Stats struct {
	TotalSubscriptions   int     `json:"totalSubscriptions"`
	ActiveSubscriptions  int     `json:"activeSubscriptions"`
	TotalDeliveries      int     `json:"totalDeliveries"`
	SuccessfulDeliveries int     `json:"successfulDeliveries"`
	FailedDeliveries     int     `json:"failedDeliveries"`
	SuccessRate          float64 `json:"successRate"`
	RecentDeliveries     int     `json:"recentDeliveries"`
}
