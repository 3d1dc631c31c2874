package api

import (
	"os"
	"strings"

	"hookrelay/internal/auth"
	"hookrelay/internal/model"
	"hookrelay/internal/store"
	"hookrelay/internal/webhooks"
)

type Server struct {
	Store      store.Store
	Dispatcher *webhooks.Dispatcher
	Auth       *auth.Verifier
	Broker     EventBroker
}

// NewServer wires the store, dispatcher, and broker. With no DATABASE_URL the
// in-memory store is used; with no REDIS_URL the broker is process-local.
func NewServer() (*Server, error) {
	dsn := os.Getenv("DATABASE_URL")
	var s store.Store
	if strings.TrimSpace(dsn) == "" {
		s = store.NewMemory()
	} else {
		pg, err := store.NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		if os.Getenv("DB_MIGRATE") != "false" {
			_ = pg.MigrateDir("db/migrations")
		}
		s = pg
	}

	var broker EventBroker
	if os.Getenv("REDIS_URL") != "" {
		if rb, err := NewRedisBroker(); err == nil {
			broker = rb
		} else {
			broker = NewBroker()
		}
	} else {
		broker = NewBroker()
	}

	exec := webhooks.NewExecutor(s)
	exec.Sink = brokerSink{broker}
	return &Server{
		Store:      s,
		Dispatcher: webhooks.NewDispatcher(s, exec),
		Auth:       auth.NewVerifierFromEnv(),
		Broker:     broker,
	}, nil
}

// NewRetryWorker creates the background worker draining the retry queue.
func (s *Server) NewRetryWorker() *webhooks.Worker {
	return webhooks.NewWorker(s.Store, s.Dispatcher.Exec)
}

// brokerSink forwards recorded attempts to the event broker for live feeds.
type brokerSink struct{ b EventBroker }

func (bs brokerSink) DeliveryRecorded(att model.DeliveryAttempt) {
	bs.b.Publish(att.SubscriptionID, DeliveryEvent{
		Type: "delivery.recorded",
		Data: map[string]any{
			"id":           att.ID,
			"eventType":    att.EventType,
			"isSuccessful": att.IsSuccessful,
			"retryCount":   att.RetryCount,
			"statusCode":   att.HTTPStatusCode,
			"latencyMs":    att.LatencyMs,
			"attemptedAt":  att.AttemptedAt,
		},
	})
}
