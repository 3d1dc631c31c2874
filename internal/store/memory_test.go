package store

import (
	"context"
	"testing"
	"time"

	"hookrelay/internal/model"
)

func newSub(tenant string) model.Subscription {
	return model.Subscription{
		TenantID:    tenant,
		Name:        "billing hook",
		URL:         "https://receiver.example/hook",
		EventTypes:  []string{"fee.paid"},
		Secret:      "sec",
		IsActive:    true,
		RetryPolicy: model.DefaultRetryPolicy(),
	}
}

func TestMemorySubscriptionCRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	created, err := m.CreateSubscription(ctx, newSub("t1"))
	if err != nil || created.ID == "" {
		t.Fatalf("create: %v %+v", err, created)
	}

	got, err := m.GetSubscription(ctx, "t1", created.ID)
	if err != nil || got.Name != "billing hook" {
		t.Fatalf("get: %v %+v", err, got)
	}
	// tenant scoping
	if _, err := m.GetSubscription(ctx, "t2", created.ID); err != ErrNotFound {
		t.Fatalf("cross-tenant get must miss, got %v", err)
	}

	name := "renamed"
	active := false
	maxR := 5
	upd, err := m.UpdateSubscription(ctx, "t1", created.ID, model.SubscriptionPatch{
		Name: &name, IsActive: &active, MaxRetries: &maxR,
	}, "u1")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if upd.Name != "renamed" || upd.IsActive || upd.RetryPolicy.MaxRetries != 5 {
		t.Fatalf("patch not applied: %+v", upd)
	}
	if upd.Secret != "sec" {
		t.Fatalf("patch must not touch the secret")
	}
	if upd.URL != created.URL || upd.RetryPolicy.RetryDelaySeconds != created.RetryPolicy.RetryDelaySeconds {
		t.Fatalf("absent fields must keep their values: %+v", upd)
	}
	if upd.UpdatedAt == nil || upd.UpdatedBy != "u1" {
		t.Fatalf("audit fields not set: %+v", upd)
	}

	if err := m.DeleteSubscription(ctx, "t1", created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.GetSubscription(ctx, "t1", created.ID); err != ErrNotFound {
		t.Fatalf("deleted subscription still readable: %v", err)
	}
	if err := m.DeleteSubscription(ctx, "t1", created.ID); err != ErrNotFound {
		t.Fatalf("double delete should miss: %v", err)
	}
}

func TestMemoryListSubscriptionsCursor(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i := 0; i < 5; i++ {
		if _, err := m.CreateSubscription(ctx, newSub("t1")); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	page1, next, err := m.ListSubscriptions(ctx, "t1", "", 2)
	if err != nil || len(page1) != 2 || next == "" {
		t.Fatalf("page1: %v n=%d next=%q", err, len(page1), next)
	}
	page2, next2, err := m.ListSubscriptions(ctx, "t1", next, 2)
	if err != nil || len(page2) != 2 || next2 == "" {
		t.Fatalf("page2: %v n=%d", err, len(page2))
	}
	page3, next3, err := m.ListSubscriptions(ctx, "t1", next2, 2)
	if err != nil || len(page3) != 1 || next3 != "" {
		t.Fatalf("page3: %v n=%d next=%q", err, len(page3), next3)
	}
	seen := map[string]bool{}
	for _, s := range append(append(page1, page2...), page3...) {
		if seen[s.ID] {
			t.Fatalf("duplicate id across pages: %s", s.ID)
		}
		seen[s.ID] = true
	}
}

func TestMemoryFindSubscriptionsForEvent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	active, _ := m.CreateSubscription(ctx, newSub("t1"))
	inactive := newSub("t1")
	inactive.IsActive = false
	_, _ = m.CreateSubscription(ctx, inactive)
	other := newSub("t1")
	other.EventTypes = []string{"attendance.checked_in"}
	_, _ = m.CreateSubscription(ctx, other)
	_, _ = m.CreateSubscription(ctx, newSub("t2"))

	subs, err := m.FindSubscriptionsForEvent(ctx, "t1", "fee.paid")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != active.ID {
		t.Fatalf("expected only the active matching sub, got %+v", subs)
	}
}

func TestMemoryLedgerPagination(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i := 0; i < 5; i++ {
		_, err := m.RecordDeliveryAttempt(ctx, model.DeliveryAttempt{
			SubscriptionID: "sub1", TenantID: "t1", EventType: "fee.paid",
			AttemptedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
			RetryCount:  i,
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	page1, err := m.ListDeliveryAttempts(ctx, "t1", "sub1", 1, 3)
	if err != nil || len(page1) != 3 {
		t.Fatalf("page1: %v n=%d", err, len(page1))
	}
	// newest first
	if page1[0].RetryCount != 4 || page1[2].RetryCount != 2 {
		t.Fatalf("ordering wrong: %+v", page1)
	}
	page2, err := m.ListDeliveryAttempts(ctx, "t1", "sub1", 2, 3)
	if err != nil || len(page2) != 2 || page2[0].RetryCount != 1 {
		t.Fatalf("page2: %v %+v", err, page2)
	}
}

func TestMemoryRetryQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	id, err := m.EnqueueRetry(ctx, RetryTask{
		TenantID: "t1", SubscriptionID: "sub1", EventType: "fee.paid",
		URL: "https://x", Payload: []byte(`{}`), RetryCount: 1,
		Policy:        model.DefaultRetryPolicy(),
		NextAttemptAt: time.Now().Add(-time.Second),
	})
	if err != nil || id == "" {
		t.Fatalf("enqueue: %v", err)
	}

	due, err := m.FetchDueRetries(ctx, 10)
	if err != nil || len(due) != 1 || due[0].ID != id {
		t.Fatalf("due: %v %+v", err, due)
	}

	next := time.Now().Add(time.Minute)
	if err := m.RescheduleRetry(ctx, id, 2, next, "HTTP 500"); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if due, _ = m.FetchDueRetries(ctx, 10); len(due) != 0 {
		t.Fatalf("rescheduled task must not be due: %+v", due)
	}

	if err := m.ExhaustRetry(ctx, id, "HTTP 500"); err != nil {
		t.Fatalf("exhaust: %v", err)
	}
	ex, _, err := m.ListRetryTasks(ctx, "t1", RetryExhausted, "", 10)
	if err != nil || len(ex) != 1 || ex[0].LastError != "HTTP 500" {
		t.Fatalf("exhausted list: %v %+v", err, ex)
	}

	if err := m.RequeueRetry(ctx, "t2", id); err != ErrNotFound {
		t.Fatalf("cross-tenant requeue must miss: %v", err)
	}
	if err := m.RequeueRetryBulk(ctx, "t1", []string{id}); err != nil {
		t.Fatalf("bulk requeue: %v", err)
	}
	due, _ = m.FetchDueRetries(ctx, 10)
	if len(due) != 1 || due[0].RetryCount != 0 || due[0].Status != RetryPending {
		t.Fatalf("requeued task wrong: %+v", due)
	}

	if err := m.CompleteRetry(ctx, id); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if due, _ = m.FetchDueRetries(ctx, 10); len(due) != 0 {
		t.Fatalf("completed task must not be due")
	}
}

func TestMemoryStats(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, _ = m.CreateSubscription(ctx, newSub("t1"))
	inactive := newSub("t1")
	inactive.IsActive = false
	_, _ = m.CreateSubscription(ctx, inactive)

	old := time.Now().UTC().AddDate(0, 0, -10)
	_, _ = m.RecordDeliveryAttempt(ctx, model.DeliveryAttempt{TenantID: "t1", SubscriptionID: "s", IsSuccessful: true, AttemptedAt: old})
	_, _ = m.RecordDeliveryAttempt(ctx, model.DeliveryAttempt{TenantID: "t1", SubscriptionID: "s", IsSuccessful: true})
	_, _ = m.RecordDeliveryAttempt(ctx, model.DeliveryAttempt{TenantID: "t1", SubscriptionID: "s"})
	_, _ = m.RecordDeliveryAttempt(ctx, model.DeliveryAttempt{TenantID: "t2", SubscriptionID: "s", IsSuccessful: true})

	st, err := m.Stats(ctx, "t1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalSubscriptions != 2 || st.ActiveSubscriptions != 1 {
		t.Fatalf("subscription counts wrong: %+v", st)
	}
	if st.TotalDeliveries != 3 || st.SuccessfulDeliveries != 2 || st.FailedDeliveries != 1 {
		t.Fatalf("delivery counts wrong: %+v", st)
	}
	if st.SuccessRate < 66.6 || st.SuccessRate > 66.7 {
		t.Fatalf("success rate wrong: %v", st.SuccessRate)
	}
	if st.RecentDeliveries != 2 {
		t.Fatalf("recent window wrong: %+v", st)
	}

	empty, _ := m.Stats(ctx, "t_empty")
	if empty.SuccessRate != 0 || empty.TotalDeliveries != 0 {
		t.Fatalf("empty tenant stats wrong: %+v", empty)
	}
}
