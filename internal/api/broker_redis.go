package api

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisBroker implements EventBroker over Redis Pub/Sub so live delivery
// feeds work across multiple engine instances.
type RedisBroker struct {
	rdb *redis.Client

	mu      sync.Mutex
	pubsubs map[chan DeliveryEvent]*redis.PubSub
}

func NewRedisBroker() (*RedisBroker, error) {
	opt, err := redis.ParseURL(os.Getenv("REDIS_URL"))
	if err != nil {
		return nil, err
	}
	return &RedisBroker{
		rdb:     redis.NewClient(opt),
		pubsubs: map[chan DeliveryEvent]*redis.PubSub{},
	}, nil
}

func (b *RedisBroker) Subscribe(subscriptionID string) chan DeliveryEvent {
	ch := make(chan DeliveryEvent, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(subscriptionID))
	// initial receive confirms the subscription is established
	_, _ = ps.Receive(ctx)
	b.mu.Lock()
	b.pubsubs[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var evt DeliveryEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err == nil {
				select {
				case ch <- evt:
				default:
				}
			}
		}
	}()
	return ch
}

func (b *RedisBroker) Unsubscribe(subscriptionID string, ch chan DeliveryEvent) {
	b.mu.Lock()
	ps := b.pubsubs[ch]
	delete(b.pubsubs, ch)
	b.mu.Unlock()
	if ps != nil {
		// closing the PubSub ends ps.Channel(), which closes ch
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(subscriptionID string, evt DeliveryEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, _ := json.Marshal(evt)
	_ = b.rdb.Publish(ctx, b.chanName(subscriptionID), data).Err()
}

func (b *RedisBroker) chanName(subscriptionID string) string {
	return "subscription:" + subscriptionID
}
