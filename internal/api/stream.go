package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// streamDeliveries serves GET /v1/subscriptions/{id}/deliveries/stream as
// server-sent events: one event per recorded delivery attempt, with
// periodic heartbeats.
func (s *Server) streamDeliveries(w http.ResponseWriter, r *http.Request, p Principal, subscriptionID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	// confirm the subscription exists in the caller's tenant before streaming
	if _, err := s.Store.GetSubscription(r.Context(), p.Tenant, subscriptionID); err != nil {
		writeProblem(w, 404, "Not Found", "unknown subscription", r.URL.Path)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, 500, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(subscriptionID)
	defer s.Broker.Unsubscribe(subscriptionID, ch)

	fmt.Fprintf(w, "event: heartbeat\n")
	fmt.Fprintf(w, "data: {\"subscriptionId\":\"%s\",\"ts\":\"%s\"}\n\n", subscriptionID, time.Now().Format(time.RFC3339))
	flusher.Flush()

	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case evt := <-ch:
			b, _ := json.Marshal(evt.Data)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", string(b))
			flusher.Flush()
		case <-time.After(15 * time.Second):
			fmt.Fprintf(w, "event: heartbeat\n")
			fmt.Fprintf(w, "data: {\"subscriptionId\":\"%s\",\"ts\":\"%s\"}\n\n", subscriptionID, time.Now().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}

type wsMessage struct {
	Type           string         `json:"type"`
	SubscriptionID string         `json:"subscriptionId,omitempty"`
	Event          *DeliveryEvent `json:"event,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// DeliveriesWSHandler handles /v1/deliveries/ws. Clients send
// {"type":"watch","subscriptionId":"..."} and {"type":"unwatch",...} frames
// and receive {"type":"next",...} frames for every recorded attempt on the
// watched subscriptions.
func (s *Server) DeliveriesWSHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	watched := map[string]chan DeliveryEvent{}

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// one writer at a time; fanout goroutines share the connection
	var wmu sync.Mutex
	write := func(v any) error {
		wmu.Lock()
		defer wmu.Unlock()
		return conn.WriteJSON(v)
	}

	// keepalive pings so idle watches survive the read deadline
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "watch":
			id := msg.SubscriptionID
			if id == "" {
				_ = write(wsMessage{Type: "error", Error: "subscriptionId required"})
				continue
			}
			if _, ok := watched[id]; ok {
				continue
			}
			if _, err := s.Store.GetSubscription(r.Context(), p.Tenant, id); err != nil {
				_ = write(wsMessage{Type: "error", SubscriptionID: id, Error: "unknown subscription"})
				continue
			}
			ch := s.Broker.Subscribe(id)
			watched[id] = ch
			go func(id string, c chan DeliveryEvent) {
				for evt := range c {
					e := evt
					_ = write(wsMessage{Type: "next", SubscriptionID: id, Event: &e})
				}
			}(id, ch)
		case "unwatch":
			if ch, ok := watched[msg.SubscriptionID]; ok {
				s.Broker.Unsubscribe(msg.SubscriptionID, ch)
				delete(watched, msg.SubscriptionID)
			}
		default:
			// ignore
		}
	}
	for id, ch := range watched {
		s.Broker.Unsubscribe(id, ch)
		delete(watched, id)
	}
}
