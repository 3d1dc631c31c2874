package webhooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"hookrelay/internal/model"
	"hookrelay/internal/store"
)

func seedSubscription(t *testing.T, mem *store.Memory, tenant, url string, eventTypes []string, active bool, policy model.RetryPolicy) model.Subscription {
	t.Helper()
	sub, err := mem.CreateSubscription(context.Background(), model.Subscription{
		TenantID: tenant, Name: "s", URL: url, EventTypes: eventTypes,
		Secret: "sec", IsActive: active, RetryPolicy: policy,
	})
	if err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	return sub
}

func TestTriggerFanOut(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	exec := NewExecutor(mem)
	exec.HTTP = srv.Client()
	d := NewDispatcher(mem, exec)

	policy := model.DefaultRetryPolicy()
	matching1 := seedSubscription(t, mem, "t1", srv.URL, []string{"fee.paid", "fee.refunded"}, true, policy)
	matching2 := seedSubscription(t, mem, "t1", srv.URL, []string{"fee.paid"}, true, policy)
	seedSubscription(t, mem, "t1", srv.URL, []string{"fee.paid"}, false, policy)       // inactive
	seedSubscription(t, mem, "t1", srv.URL, []string{"attendance.out"}, true, policy)  // wrong type
	seedSubscription(t, mem, "t2", srv.URL, []string{"fee.paid"}, true, policy)        // wrong tenant

	res, err := d.Trigger(context.Background(), "fee.paid", map[string]any{"amount": 5}, "t1")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if res.Matched != 2 || res.Delivered != 2 || res.Failed != 0 {
		t.Fatalf("unexpected dispatch result: %+v", res)
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("expected 2 HTTP calls, got %d", got)
	}
	for _, sub := range []model.Subscription{matching1, matching2} {
		atts, _ := mem.ListDeliveryAttempts(context.Background(), "t1", sub.ID, 1, 10)
		if len(atts) != 1 || atts[0].RetryCount != 0 {
			t.Fatalf("sub %s: expected one initial attempt, got %+v", sub.ID, atts)
		}
	}
}

func TestTriggerNoMatchesIsNoOp(t *testing.T) {
	mem := store.NewMemory()
	d := NewDispatcher(mem, NewExecutor(mem))
	res, err := d.Trigger(context.Background(), "nobody.cares", nil, "t1")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if res.Matched != 0 || res.Delivered != 0 || res.Failed != 0 {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestTriggerEnvelopeShape(t *testing.T) {
	var got model.Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	exec := NewExecutor(mem)
	exec.HTTP = srv.Client()
	d := NewDispatcher(mem, exec)
	seedSubscription(t, mem, "t1", srv.URL, []string{"fee.paid"}, true, model.DefaultRetryPolicy())

	if _, err := d.Trigger(context.Background(), "fee.paid", map[string]any{"amount": 5.0}, "t1"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if got.EventType != "fee.paid" || got.TenantID != "t1" || got.Timestamp.IsZero() {
		t.Fatalf("bad envelope: %+v", got)
	}
	data, ok := got.Data.(map[string]any)
	if !ok || data["amount"] != 5.0 {
		t.Fatalf("payload not passed through opaquely: %+v", got.Data)
	}
}

func TestTriggerFailureSchedulesRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	exec := NewExecutor(mem)
	exec.HTTP = srv.Client()
	d := NewDispatcher(mem, exec)
	policy := model.RetryPolicy{MaxRetries: 3, RetryDelaySeconds: 10, ExponentialBackoff: true}
	sub := seedSubscription(t, mem, "t1", srv.URL, []string{"fee.paid"}, true, policy)

	before := time.Now()
	res, err := d.Trigger(context.Background(), "fee.paid", nil, "t1")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if res.Failed != 1 || res.Delivered != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	tasks, _, err := mem.ListRetryTasks(context.Background(), "t1", store.RetryPending, "", 10)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("expected one pending retry task: %v %+v", err, tasks)
	}
	task := tasks[0]
	if task.SubscriptionID != sub.ID || task.RetryCount != 1 {
		t.Fatalf("bad task: %+v", task)
	}
	// first retry follows the failed retryCount=0 attempt: base delay
	wantEarliest := before.Add(10 * time.Second)
	if task.NextAttemptAt.Before(wantEarliest.Add(-time.Second)) || task.NextAttemptAt.After(wantEarliest.Add(5*time.Second)) {
		t.Fatalf("next attempt not ~10s out: %v (now %v)", task.NextAttemptAt, before)
	}
	if task.URL != sub.URL || task.Secret != sub.Secret {
		t.Fatalf("task must snapshot destination and secret: %+v", task)
	}
}

func TestTriggerZeroRetriesSchedulesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	exec := NewExecutor(mem)
	exec.HTTP = srv.Client()
	d := NewDispatcher(mem, exec)
	seedSubscription(t, mem, "t1", srv.URL, []string{"fee.paid"}, true,
		model.RetryPolicy{MaxRetries: 0, RetryDelaySeconds: 10})

	if _, err := d.Trigger(context.Background(), "fee.paid", nil, "t1"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	tasks, _ := mem.FetchDueRetries(context.Background(), 10)
	if len(tasks) != 0 {
		t.Fatalf("maxRetries=0 must not enqueue: %+v", tasks)
	}
}

// A delivery aborted before the HTTP call (producer context canceled while
// waiting on the rate limiter) still leaves a ledger row and a retry task.
func TestTriggerCanceledContextStillLedgered(t *testing.T) {
	mem := store.NewMemory()
	d := NewDispatcher(mem, NewExecutor(mem))
	sub := seedSubscription(t, mem, "t1", "https://receiver.example/hook", []string{"fee.paid"}, true, model.DefaultRetryPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := d.Trigger(ctx, "fee.paid", map[string]any{"n": 1}, "t1")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if res.Matched != 1 || res.Failed != 1 || res.Delivered != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	atts, _ := mem.ListDeliveryAttempts(context.Background(), "t1", sub.ID, 1, 10)
	if len(atts) != 1 {
		t.Fatalf("aborted delivery must still be ledgered, got %d rows", len(atts))
	}
	if atts[0].IsSuccessful || atts[0].ErrorMessage == "" || atts[0].RetryCount != 0 {
		t.Fatalf("aborted attempt wrong: %+v", atts[0])
	}

	pending, _, _ := mem.ListRetryTasks(context.Background(), "t1", store.RetryPending, "", 10)
	if len(pending) != 1 || pending[0].RetryCount != 1 || pending[0].SubscriptionID != sub.ID {
		t.Fatalf("aborted delivery must continue via the queue: %+v", pending)
	}
}

// No built-in deduplication: the same event triggered twice produces two
// independent attempts.
func TestTriggerTwiceProducesTwoAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	exec := NewExecutor(mem)
	exec.HTTP = srv.Client()
	d := NewDispatcher(mem, exec)
	sub := seedSubscription(t, mem, "t1", srv.URL, []string{"fee.paid"}, true, model.DefaultRetryPolicy())

	for i := 0; i < 2; i++ {
		if _, err := d.Trigger(context.Background(), "fee.paid", map[string]any{"n": 1}, "t1"); err != nil {
			t.Fatalf("Trigger %d: %v", i, err)
		}
	}
	atts, _ := mem.ListDeliveryAttempts(context.Background(), "t1", sub.ID, 1, 10)
	if len(atts) != 2 {
		t.Fatalf("expected 2 independent attempts, got %d", len(atts))
	}
}

// Deactivation stops future matching but leaves recorded attempts and
// scheduled retries untouched.
func TestDeactivateMidChain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	exec := NewExecutor(mem)
	exec.HTTP = srv.Client()
	d := NewDispatcher(mem, exec)
	policy := model.RetryPolicy{MaxRetries: 2, RetryDelaySeconds: 10, ExponentialBackoff: true}
	sub := seedSubscription(t, mem, "t1", srv.URL, []string{"fee.paid"}, true, policy)

	if _, err := d.Trigger(context.Background(), "fee.paid", nil, "t1"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	inactive := false
	if _, err := mem.UpdateSubscription(context.Background(), "t1", sub.ID, model.SubscriptionPatch{IsActive: &inactive}, "u1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	res, err := d.Trigger(context.Background(), "fee.paid", nil, "t1")
	if err != nil || res.Matched != 0 {
		t.Fatalf("inactive subscription must not match: %v %+v", err, res)
	}

	atts, _ := mem.ListDeliveryAttempts(context.Background(), "t1", sub.ID, 1, 10)
	if len(atts) != 1 || atts[0].IsSuccessful {
		t.Fatalf("recorded attempt must be unchanged: %+v", atts)
	}
	pending, _, _ := mem.ListRetryTasks(context.Background(), "t1", store.RetryPending, "", 10)
	if len(pending) != 1 {
		t.Fatalf("scheduled retry must survive deactivation: %+v", pending)
	}

	// the queued retry still executes off its snapshot
	task := pending[0]
	_ = mem.RescheduleRetry(context.Background(), task.ID, task.RetryCount, time.Now().Add(-time.Second), task.LastError)
	w := NewWorker(mem, exec)
	w.processOnce()
	atts, _ = mem.ListDeliveryAttempts(context.Background(), "t1", sub.ID, 1, 10)
	if len(atts) != 2 {
		t.Fatalf("retry should still be attempted after deactivation, got %d attempts", len(atts))
	}
}

func TestRedeliver(t *testing.T) {
	var status int32 = 500
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(atomic.LoadInt32(&status)))
	}))
	defer srv.Close()

	mem := store.NewMemory()
	exec := NewExecutor(mem)
	exec.HTTP = srv.Client()
	d := NewDispatcher(mem, exec)
	sub := seedSubscription(t, mem, "t1", srv.URL, []string{"fee.paid"}, true,
		model.RetryPolicy{MaxRetries: 0, RetryDelaySeconds: 10})

	if _, err := d.Trigger(context.Background(), "fee.paid", map[string]any{"n": 1}, "t1"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	atts, _ := mem.ListDeliveryAttempts(context.Background(), "t1", sub.ID, 1, 10)
	if len(atts) != 1 || atts[0].IsSuccessful {
		t.Fatalf("expected one failed attempt, got %+v", atts)
	}
	failedID := atts[0].ID

	// receiver recovers; manual retry re-sends the recorded payload
	atomic.StoreInt32(&status, 200)
	att, err := d.Redeliver(context.Background(), "t1", failedID)
	if err != nil {
		t.Fatalf("Redeliver: %v", err)
	}
	if !att.IsSuccessful || att.RetryCount != 0 {
		t.Fatalf("manual retry should start a fresh chain: %+v", att)
	}

	// a successful attempt cannot be retried again
	if _, err := d.Redeliver(context.Background(), "t1", att.ID); err != ErrAlreadyDelivered {
		t.Fatalf("expected ErrAlreadyDelivered, got %v", err)
	}

	// unknown id and wrong tenant both miss
	if _, err := d.Redeliver(context.Background(), "t1", "nope"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := d.Redeliver(context.Background(), "t2", failedID); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound for other tenant, got %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	exp := model.RetryPolicy{MaxRetries: 3, RetryDelaySeconds: 10, ExponentialBackoff: true}
	for i, want := range []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second} {
		if got := BackoffDelay(exp, i); got != want {
			t.Fatalf("exponential delay after retryCount=%d: got %v want %v", i, got, want)
		}
	}
	flat := model.RetryPolicy{MaxRetries: 3, RetryDelaySeconds: 10, ExponentialBackoff: false}
	for i := 0; i < 3; i++ {
		if got := BackoffDelay(flat, i); got != 10*time.Second {
			t.Fatalf("linear delay after retryCount=%d: got %v", i, got)
		}
	}
	// capped at one hour
	if got := BackoffDelay(exp, 10); got != time.Hour {
		t.Fatalf("expected 1h cap, got %v", got)
	}
	// zero/negative base falls back to a minute
	if got := BackoffDelay(model.RetryPolicy{ExponentialBackoff: false}, 0); got != time.Minute {
		t.Fatalf("expected 1m fallback, got %v", got)
	}
}
