package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"hookrelay/internal/metrics"
	"hookrelay/internal/model"
	"hookrelay/internal/store"
)

const (
	// DefaultTimeout bounds a single delivery attempt end to end.
	DefaultTimeout = 30 * time.Second
	// maxResponseBytes caps the response body stored in the ledger.
	maxResponseBytes = 4096
)

// EventSink receives a copy of every recorded attempt, e.g. for live streams.
type EventSink interface {
	DeliveryRecorded(att model.DeliveryAttempt)
}

// Executor performs single HTTP delivery attempts and appends them to the
// ledger. Exactly one DeliveryAttempt row is written per Deliver call,
// whatever the outcome.
type Executor struct {
	Store store.Store
	HTTP  *http.Client
	Sink  EventSink
}

func NewExecutor(s store.Store) *Executor {
	return &Executor{Store: s, HTTP: &http.Client{Timeout: DefaultTimeout}}
}

// Deliver POSTs body to the subscription's URL with the signature and custom
// headers, and records the outcome. The returned attempt reflects what was
// persisted; the error covers persistence only, never the HTTP outcome.
func (e *Executor) Deliver(ctx context.Context, sub model.Subscription, eventType string, body []byte, retryCount int) (model.DeliveryAttempt, error) {
	att := model.DeliveryAttempt{
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		EventType:      eventType,
		Payload:        body,
		AttemptedAt:    time.Now().UTC(),
		RetryCount:     retryCount,
	}

	start := time.Now()
	resp, err := e.post(ctx, sub, eventType, body)
	att.LatencyMs = int(time.Since(start).Milliseconds())

	if err != nil {
		att.ErrorMessage = err.Error()
	} else {
		code := resp.StatusCode
		att.HTTPStatusCode = &code
		rb, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		_ = resp.Body.Close()
		att.ResponseBody = string(rb)
		if code >= 200 && code < 300 {
			att.IsSuccessful = true
		} else {
			att.ErrorMessage = fmt.Sprintf("HTTP %d: %s", code, http.StatusText(code))
		}
	}

	status := "delivered"
	if !att.IsSuccessful {
		status = "failed"
		log.Printf("webhook delivery failed sub=%s event=%s retry=%d: %s", sub.ID, eventType, retryCount, att.ErrorMessage)
	}
	metrics.WebhookDeliveries.WithLabelValues(eventType, status).Inc()
	metrics.WebhookLatency.WithLabelValues(eventType, status).Observe(float64(att.LatencyMs))

	id, err := e.Store.RecordDeliveryAttempt(ctx, att)
	if err != nil {
		return att, err
	}
	att.ID = id
	if e.Sink != nil {
		e.Sink.DeliveryRecorded(att)
	}
	return att, nil
}

func (e *Executor) post(ctx context.Context, sub model.Subscription, eventType string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}
	if sub.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(sub.Secret, body))
	}
	req.Header.Set("X-Webhook-Event", eventType)
	return e.HTTP.Do(req)
}
