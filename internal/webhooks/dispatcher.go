package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"hookrelay/internal/model"
	"hookrelay/internal/store"
)

// ErrAlreadyDelivered is returned by Redeliver for attempts that succeeded.
var ErrAlreadyDelivered = errors.New("delivery already successful")

// Dispatcher resolves matching subscriptions for an event and fans delivery
// out concurrently. Fan-out width is capped by a semaphore and outbound
// volume per tenant by a token-bucket limiter.
type Dispatcher struct {
	Store         store.Store
	Exec          *Executor
	MaxConcurrent int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func NewDispatcher(s store.Store, exec *Executor) *Dispatcher {
	maxConc := 16
	if v := os.Getenv("WEBHOOK_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxConc = n
		}
	}
	rps := 50.0
	if v := os.Getenv("WEBHOOK_TENANT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			rps = f
		}
	}
	return &Dispatcher{
		Store:         s,
		Exec:          exec,
		MaxConcurrent: maxConc,
		limiters:      map[string]*rate.Limiter{},
		rps:           rate.Limit(rps),
		burst:         int(rps),
	}
}

func (d *Dispatcher) limiter(tenantID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l := d.limiters[tenantID]
	if l == nil {
		l = rate.NewLimiter(d.rps, d.burst)
		d.limiters[tenantID] = l
	}
	return l
}

// Trigger delivers eventType/payload to every active matching subscription of
// the tenant. It returns after all initial attempts have completed; failed
// attempts continue as durable retry tasks in the background. Zero matching
// subscriptions is a successful no-op.
func (d *Dispatcher) Trigger(ctx context.Context, eventType string, payload any, tenantID string) (model.DispatchResult, error) {
	res := model.DispatchResult{EventType: eventType}
	subs, err := d.Store.FindSubscriptionsForEvent(ctx, tenantID, eventType)
	if err != nil {
		return res, err
	}
	if len(subs) == 0 {
		return res, nil
	}

	env := model.Envelope{EventType: eventType, Timestamp: time.Now().UTC(), TenantID: tenantID, Data: payload}
	body, err := json.Marshal(env)
	if err != nil {
		return res, err
	}

	res.Matched = len(subs)
	lim := d.limiter(tenantID)
	sem := make(chan struct{}, d.MaxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, sub := range subs {
		wg.Add(1)
		sem <- struct{}{}
		go func(sub model.Subscription) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := lim.Wait(ctx); err != nil {
				// Never let a delivery vanish without a ledger row: record
				// the aborted attempt and keep the chain alive via the queue.
				att := model.DeliveryAttempt{
					SubscriptionID: sub.ID,
					TenantID:       sub.TenantID,
					EventType:      eventType,
					Payload:        body,
					AttemptedAt:    time.Now().UTC(),
					ErrorMessage:   err.Error(),
				}
				// the caller's context is gone; persist with a detached one
				dctx := context.WithoutCancel(ctx)
				if id, rerr := d.Store.RecordDeliveryAttempt(dctx, att); rerr != nil {
					log.Printf("record aborted attempt sub=%s: %v", sub.ID, rerr)
				} else {
					att.ID = id
				}
				mu.Lock()
				res.Failed++
				mu.Unlock()
				if sub.RetryPolicy.MaxRetries > 0 {
					d.scheduleRetry(dctx, sub, eventType, body, att)
				}
				return
			}
			att, err := d.Exec.Deliver(ctx, sub, eventType, body, 0)
			if err != nil {
				log.Printf("record delivery attempt sub=%s: %v", sub.ID, err)
			}
			mu.Lock()
			if att.IsSuccessful {
				res.Delivered++
			} else {
				res.Failed++
			}
			mu.Unlock()
			if !att.IsSuccessful && sub.RetryPolicy.MaxRetries > 0 {
				d.scheduleRetry(ctx, sub, eventType, body, att)
			}
		}(sub)
	}
	wg.Wait()
	return res, nil
}

// scheduleRetry enqueues the first retry of a failed attempt. The task
// snapshots url/secret/headers/policy so later edits or deletion of the
// subscription cannot redirect or cancel the chain.
func (d *Dispatcher) scheduleRetry(ctx context.Context, sub model.Subscription, eventType string, body []byte, failed model.DeliveryAttempt) {
	task := store.RetryTask{
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		EventType:      eventType,
		URL:            sub.URL,
		Secret:         sub.Secret,
		Headers:        sub.Headers,
		Payload:        body,
		RetryCount:     failed.RetryCount + 1,
		Policy:         sub.RetryPolicy,
		Status:         store.RetryPending,
		NextAttemptAt:  time.Now().Add(BackoffDelay(sub.RetryPolicy, failed.RetryCount)),
		LastError:      failed.ErrorMessage,
	}
	if _, err := d.Store.EnqueueRetry(ctx, task); err != nil {
		log.Printf("enqueue retry sub=%s event=%s: %v", sub.ID, eventType, err)
	}
}

// Redeliver re-sends the payload recorded in a prior attempt against the
// subscription's current destination. It starts a fresh retryCount=0 chain
// and does not consume the original chain's budget. Successful attempts are
// not re-deliverable.
func (d *Dispatcher) Redeliver(ctx context.Context, tenantID, attemptID string) (model.DeliveryAttempt, error) {
	prior, err := d.Store.GetDeliveryAttempt(ctx, tenantID, attemptID)
	if err != nil {
		return model.DeliveryAttempt{}, err
	}
	if prior.IsSuccessful {
		return model.DeliveryAttempt{}, ErrAlreadyDelivered
	}
	sub, err := d.Store.GetSubscription(ctx, tenantID, prior.SubscriptionID)
	if err != nil {
		return model.DeliveryAttempt{}, err
	}
	att, err := d.Exec.Deliver(ctx, sub, prior.EventType, prior.Payload, 0)
	if err != nil {
		return att, err
	}
	if !att.IsSuccessful && sub.RetryPolicy.MaxRetries > 0 {
		d.scheduleRetry(ctx, sub, prior.EventType, prior.Payload, att)
	}
	return att, nil
}

// BackoffDelay computes the wait before the retry that follows a failed
// attempt with the given retryCount: flat retryDelaySeconds, or
// retryDelaySeconds * 2^retryCount when exponential, capped at one hour.
func BackoffDelay(policy model.RetryPolicy, failedRetryCount int) time.Duration {
	base := time.Duration(policy.RetryDelaySeconds) * time.Second
	if base <= 0 {
		base = time.Minute
	}
	if !policy.ExponentialBackoff {
		return base
	}
	if failedRetryCount < 0 {
		failedRetryCount = 0
	}
	if failedRetryCount > 10 {
		failedRetryCount = 10
	}
	delay := base << failedRetryCount
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}
