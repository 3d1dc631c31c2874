package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"hookrelay/internal/model"
	"hookrelay/internal/store"
	"hookrelay/internal/webhooks"
)

// SubscriptionsHandler handles POST and GET /v1/subscriptions.
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createSubscription(w, r)
	case http.MethodGet:
		s.listSubscriptions(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	var req model.SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := validateSubscriptionRequest(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid subscription", err.Error(), r.URL.Path)
		return
	}
	secret, err := webhooks.GenerateSecret()
	if err != nil {
		writeProblem(w, 500, "Secret generation failed", err.Error(), r.URL.Path)
		return
	}
	policy := model.DefaultRetryPolicy()
	if req.MaxRetries != nil {
		policy.MaxRetries = *req.MaxRetries
	}
	if req.RetryDelaySeconds != nil {
		policy.RetryDelaySeconds = *req.RetryDelaySeconds
	}
	if req.ExponentialBackoff != nil {
		policy.ExponentialBackoff = *req.ExponentialBackoff
	}
	sub := model.Subscription{
		TenantID:    p.Tenant,
		Name:        req.Name,
		URL:         req.URL,
		EventTypes:  req.EventTypes,
		Secret:      secret,
		IsActive:    true,
		Headers:     req.Headers,
		RetryPolicy: policy,
		CreatedAt:   time.Now().UTC(),
		CreatedBy:   p.UserID,
	}
	created, err := s.Store.CreateSubscription(r.Context(), sub)
	if err != nil {
		writeProblem(w, 500, "Create subscription failed", err.Error(), r.URL.Path)
		return
	}
	log.Printf("created webhook subscription %s for tenant %s", created.ID, created.TenantID)
	// The secret is disclosed exactly once, in this response; reads never
	// include it.
	writeJSON(w, http.StatusCreated, struct {
		model.Subscription
		Secret string `json:"secret"`
	}{created, created.Secret})
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	tenant := p.Tenant
	// Cross-tenant introspection for platform operators.
	if v := r.URL.Query().Get("tenantId"); v != "" {
		tenant = v
	}
	cursor := r.URL.Query().Get("cursor")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	items, next, err := s.Store.ListSubscriptions(r.Context(), tenant, cursor, limit)
	if err != nil {
		writeProblem(w, 500, "List subscriptions failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

// SubscriptionByIDHandler handles /v1/subscriptions/{id} and its
// /deliveries and /deliveries/stream subresources.
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	if rest == "" || rest == r.URL.Path {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}

	if id, ok := strings.CutSuffix(rest, "/deliveries/stream"); ok {
		s.streamDeliveries(w, r, p, id)
		return
	}
	if id, ok := strings.CutSuffix(rest, "/deliveries"); ok {
		s.listDeliveries(w, r, p, id)
		return
	}
	id := rest

	switch r.Method {
	case http.MethodGet:
		sub, err := s.Store.GetSubscription(r.Context(), p.Tenant, id)
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, 404, "Not Found", "unknown subscription", r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, 500, "Get subscription failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, sub)
	case http.MethodPatch:
		var patch model.SubscriptionPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateSubscriptionPatch(&patch); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid subscription", err.Error(), r.URL.Path)
			return
		}
		sub, err := s.Store.UpdateSubscription(r.Context(), p.Tenant, id, patch, p.UserID)
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, 404, "Not Found", "unknown subscription", r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, 500, "Update subscription failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, sub)
	case http.MethodDelete:
		err := s.Store.DeleteSubscription(r.Context(), p.Tenant, id)
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, 404, "Not Found", "unknown subscription", r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, 500, "Delete subscription failed", err.Error(), r.URL.Path)
			return
		}
		w.WriteHeader(204)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// listDeliveries serves the paginated delivery ledger, newest first.
func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request, p Principal, subscriptionID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	page, pageSize := 1, 50
	if v := r.URL.Query().Get("page"); v != "" {
		fmt.Sscanf(v, "%d", &page)
	}
	if v := r.URL.Query().Get("pageSize"); v != "" {
		fmt.Sscanf(v, "%d", &pageSize)
	}
	items, err := s.Store.ListDeliveryAttempts(r.Context(), p.Tenant, subscriptionID, page, pageSize)
	if err != nil {
		writeProblem(w, 500, "List deliveries failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]any{"items": items, "page": page, "pageSize": pageSize})
}

// DeliveryRetryHandler handles POST /v1/deliveries/{id}/retry — manual
// re-delivery of a recorded failed attempt, independent of the automatic
// retry budget.
func (s *Server) DeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/deliveries/")
	id, ok := strings.CutSuffix(rest, "/retry")
	if !ok || id == "" {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	att, err := s.Dispatcher.Redeliver(r.Context(), p.Tenant, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, 404, "Not Found", "unknown delivery or subscription", r.URL.Path)
	case errors.Is(err, webhooks.ErrAlreadyDelivered):
		writeProblem(w, 409, "Already delivered", "successful deliveries cannot be retried", r.URL.Path)
	case err != nil:
		writeProblem(w, 500, "Retry failed", err.Error(), r.URL.Path)
	default:
		writeJSON(w, 200, att)
	}
}

// EventsHandler handles POST /v1/events — the producer-facing trigger.
// Delivery failures are never surfaced here; the caller only learns that
// dispatch was attempted.
func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	var req struct {
		EventType string          `json:"eventType"`
		Payload   json.RawMessage `json:"payload"`
		TenantID  string          `json:"tenantId,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if strings.TrimSpace(req.EventType) == "" {
		writeProblem(w, http.StatusBadRequest, "Missing eventType", "", r.URL.Path)
		return
	}
	tenant := p.Tenant
	if req.TenantID != "" && p.IsAdmin() {
		tenant = req.TenantID
	}
	res, err := s.Dispatcher.Trigger(r.Context(), req.EventType, req.Payload, tenant)
	if err != nil {
		writeProblem(w, 500, "Trigger failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// StatsHandler handles GET /v1/stats.
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	tenant := p.Tenant
	if v := r.URL.Query().Get("tenantId"); v != "" {
		tenant = v
	}
	st, err := s.Store.Stats(r.Context(), tenant)
	if err != nil {
		writeProblem(w, 500, "Stats failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, st)
}

// RetryQueueHandler handles the admin retry-queue endpoints: list, bulk
// requeue, and single requeue of exhausted chains.
func (s *Server) RetryQueueHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	if r.URL.Path == "/v1/admin/retry-queue" && r.Method == http.MethodGet {
		status := r.URL.Query().Get("status")
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, next, err := s.Store.ListRetryTasks(r.Context(), p.Tenant, status, cursor, limit)
		if err != nil {
			writeProblem(w, 500, "List retry queue failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
		return
	}
	if r.URL.Path == "/v1/admin/retry-queue/requeue" && r.Method == http.MethodPost {
		var req struct {
			IDs []string `json:"ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if len(req.IDs) == 0 {
			writeProblem(w, 400, "Missing ids", "", r.URL.Path)
			return
		}
		if err := s.Store.RequeueRetryBulk(r.Context(), p.Tenant, req.IDs); err != nil {
			writeProblem(w, 500, "Bulk requeue failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 202, map[string]int{"accepted": len(req.IDs)})
		return
	}
	if rest := strings.TrimPrefix(r.URL.Path, "/v1/admin/retry-queue/"); rest != r.URL.Path && r.Method == http.MethodPost {
		if id, ok := strings.CutSuffix(rest, "/requeue"); ok && id != "" {
			if err := s.Store.RequeueRetry(r.Context(), p.Tenant, id); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					writeProblem(w, 404, "Not Found", "unknown retry task", r.URL.Path)
					return
				}
				writeProblem(w, 500, "Requeue failed", err.Error(), r.URL.Path)
				return
			}
			writeJSON(w, 202, map[string]int{"accepted": 1})
			return
		}
	}
	writeProblem(w, 404, "Not Found", "", r.URL.Path)
}

// HealthHandler handles GET /healthz.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

// ReadyHandler handles GET /readyz; with a Postgres store it pings the DB.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	type pinger interface{ Ping(ctx context.Context) error }
	if pg, ok := s.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pg.Ping(ctx); err != nil {
			writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, 200, map[string]string{"status": "ready"})
}
