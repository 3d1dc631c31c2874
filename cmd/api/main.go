package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hookrelay/internal/api"
	"hookrelay/internal/metrics"
)

func main() {
	srvDeps, err := api.NewServer()
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	metrics.RegisterDefault()

	mux := http.NewServeMux()

	// Subscriptions
	mux.HandleFunc("/v1/subscriptions", srvDeps.SubscriptionsHandler)
	mux.HandleFunc("/v1/subscriptions/", srvDeps.SubscriptionByIDHandler) // includes /deliveries, /deliveries/stream

	// Events (producer trigger)
	mux.HandleFunc("/v1/events", srvDeps.EventsHandler)

	// Deliveries
	mux.HandleFunc("/v1/deliveries/", srvDeps.DeliveryRetryHandler)
	mux.HandleFunc("/v1/deliveries/ws", srvDeps.DeliveriesWSHandler)

	// Stats
	mux.HandleFunc("/v1/stats", srvDeps.StatsHandler)

	// Admin
	mux.HandleFunc("/v1/admin/retry-queue", srvDeps.RetryQueueHandler)
	mux.HandleFunc("/v1/admin/retry-queue/", srvDeps.RetryQueueHandler)

	// Health
	mux.HandleFunc("/healthz", srvDeps.HealthHandler)
	mux.HandleFunc("/readyz", srvDeps.ReadyHandler)

	// Docs and introspection
	mux.HandleFunc("/openapi.yaml", srvDeps.OpenAPIHandler)
	mux.HandleFunc("/docs", srvDeps.DocsHandler)
	mux.HandleFunc("/console", srvDeps.SwaggerHandler)
	mux.HandleFunc("/v1/admin/debug", srvDeps.DebugJSON)

	// Metrics
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	addr := ":8080"
	if v := os.Getenv("PORT"); v != "" {
		addr = ":" + v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(metricsMiddleware(mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("webhook engine listening on %s", addr)
	worker := srvDeps.NewRetryWorker()
	worker.Start()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		dur := time.Since(start)
		log.Printf("%s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, dur)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working behind the recorder.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the websocket upgrade needs the raw connection; do not wrap it
		if r.URL.Path == "/v1/deliveries/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)
		status := strconv.Itoa(rec.status)
		path := metricPath(r.URL.Path)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, status).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

// metricPath collapses IDs so label cardinality stays bounded.
func metricPath(p string) string {
	switch {
	case p == "/v1/subscriptions", p == "/v1/events", p == "/v1/stats",
		p == "/healthz", p == "/readyz", p == "/metrics",
		p == "/v1/admin/retry-queue":
		return p
	}
	if len(p) > len("/v1/subscriptions/") && p[:len("/v1/subscriptions/")] == "/v1/subscriptions/" {
		return "/v1/subscriptions/:id"
	}
	if len(p) > len("/v1/deliveries/") && p[:len("/v1/deliveries/")] == "/v1/deliveries/" {
		return "/v1/deliveries/:id"
	}
	if len(p) > len("/v1/admin/retry-queue/") && p[:len("/v1/admin/retry-queue/")] == "/v1/admin/retry-queue/" {
		return "/v1/admin/retry-queue/:id"
	}
	return fmt.Sprintf("other:%s", firstSegment(p))
}

func firstSegment(p string) string {
	for i := 1; i < len(p); i++ {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return p
}
