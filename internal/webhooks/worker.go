package webhooks

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"hookrelay/internal/metrics"
	"hookrelay/internal/model"
	"hookrelay/internal/store"
)

// Worker polls the durable retry queue and executes due tasks. Because tasks
// live in the store, chains survive process restarts and are observable and
// requeueable through the admin API.
type Worker struct {
	Store     store.Store
	Exec      *Executor
	Stop      chan struct{}
	Interval  time.Duration
	BatchSize int
}

func NewWorker(s store.Store, exec *Executor) *Worker {
	interval := time.Second
	if v := os.Getenv("WEBHOOK_POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			interval = time.Duration(n) * time.Millisecond
		}
	}
	return &Worker{Store: s, Exec: exec, Stop: make(chan struct{}), Interval: interval, BatchSize: 50}
}

func (w *Worker) Start() {
	go func() {
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.Stop:
				return
			case <-ticker.C:
				w.processOnce()
			}
		}
	}()
}

func (w *Worker) processOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	tasks, err := w.Store.FetchDueRetries(ctx, w.BatchSize)
	cancel()
	if err != nil {
		log.Printf("fetch due retries: %v", err)
		return
	}
	metrics.RetryQueueDepth.Set(float64(len(tasks)))
	for _, task := range tasks {
		w.runTask(task)
	}
}

// runTask executes one due retry. The delivery target comes from the task's
// snapshot, never from the current subscription row: a deleted or deactivated
// subscription does not cancel an already-scheduled retry.
// Each task gets its own deadline so a batch of slow endpoints cannot eat
// into later tasks' attempts.
func (w *Worker) runTask(task store.RetryTask) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout+10*time.Second)
	defer cancel()
	snap := model.Subscription{
		ID:          task.SubscriptionID,
		TenantID:    task.TenantID,
		URL:         task.URL,
		Secret:      task.Secret,
		Headers:     task.Headers,
		RetryPolicy: task.Policy,
		IsActive:    true,
	}
	att, err := w.Exec.Deliver(ctx, snap, task.EventType, task.Payload, task.RetryCount)
	if err != nil {
		log.Printf("record retry attempt task=%s: %v", task.ID, err)
	}
	switch {
	case att.IsSuccessful:
		if err := w.Store.CompleteRetry(ctx, task.ID); err != nil {
			log.Printf("complete retry task=%s: %v", task.ID, err)
		}
	case task.RetryCount >= task.Policy.MaxRetries:
		// Budget spent: the chain ends as a permanently failed attempt,
		// discoverable in the ledger and the exhausted queue.
		if err := w.Store.ExhaustRetry(ctx, task.ID, att.ErrorMessage); err != nil {
			log.Printf("exhaust retry task=%s: %v", task.ID, err)
		}
	default:
		next := time.Now().Add(BackoffDelay(task.Policy, task.RetryCount))
		if err := w.Store.RescheduleRetry(ctx, task.ID, task.RetryCount+1, next, att.ErrorMessage); err != nil {
			log.Printf("reschedule retry task=%s: %v", task.ID, err)
		}
	}
}
