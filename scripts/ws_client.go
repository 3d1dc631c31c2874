// Package main runs a demo client for the live delivery feed: it registers
// a subscription pointed at a local receiver, watches it over the WebSocket
// feed, then triggers an event and prints what arrives.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type           string          `json:"type"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	Event          json.RawMessage `json:"event,omitempty"`
	Error          string          `json:"error,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// Local receiver the engine will deliver to.
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("receiver <- %s sig=%s", r.Header.Get("X-Webhook-Event"), r.Header.Get("X-Webhook-Signature"))
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	// Register a subscription for demo events.
	body := []byte(fmt.Sprintf(`{"name":"demo","url":"%s","eventTypes":["demo.ping"]}`, receiver.URL))
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/subscriptions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", "t_demo")
	req.Header.Set("X-Role", "admin")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var sub struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		log.Fatal(err)
	}
	if sub.ID == "" {
		log.Fatal("no subscription returned")
	}
	log.Printf("Subscription ID: %s", sub.ID)

	// Connect the delivery feed and watch the subscription.
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/deliveries/ws"}
	hdr := http.Header{}
	hdr.Set("X-Tenant-Id", "t_demo")
	hdr.Set("X-Role", "admin")
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "watch", SubscriptionID: sub.ID}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Event))
		}
	}()

	// Trigger an event that matches the subscription.
	time.Sleep(500 * time.Millisecond)
	evt := []byte(`{"eventType":"demo.ping","payload":{"hello":"world"}}`)
	evtReq, _ := http.NewRequest(http.MethodPost, base+"/v1/events", bytes.NewReader(evt))
	evtReq.Header.Set("Content-Type", "application/json")
	evtReq.Header.Set("X-Tenant-Id", "t_demo")
	evtReq.Header.Set("X-Role", "admin")
	_, _ = http.DefaultClient.Do(evtReq)

	// Wait briefly to receive the delivery notification.
	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
