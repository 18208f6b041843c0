package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedis creates and validates a go-redis client connection.
func NewRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opts)

	// Validate connectivity at startup
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	return rdb, nil
}

// EventInventoryUpdated is published after every committed stock change.
const EventInventoryUpdated = "inventory-updated"

// EventPublisher is the optional real-time sink for stock-change observers.
// Publishing is best-effort: a failure never undoes a committed change.
type EventPublisher interface {
	Publish(ctx context.Context, event string, payload interface{}) error
}

// Event is the envelope written to the pub/sub channel.
type Event struct {
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// RedisEventPublisher publishes events on a pub/sub channel named after the event.
type RedisEventPublisher struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisEventPublisher publishes to "<prefix><event>"; prefix may be empty.
func NewRedisEventPublisher(rdb *redis.Client, prefix string) *RedisEventPublisher {
	return &RedisEventPublisher{rdb: rdb, prefix: prefix}
}

func (p *RedisEventPublisher) Publish(ctx context.Context, event string, payload interface{}) error {
	body, err := json.Marshal(Event{Event: event, Payload: payload, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("publish %s: marshal: %w", event, err)
	}
	return p.rdb.Publish(ctx, p.prefix+event, body).Err()
}

// Channel returns the channel an event is published on.
func (p *RedisEventPublisher) Channel(event string) string { return p.prefix + event }

// NopEventPublisher drops every event.
type NopEventPublisher struct{}

func (NopEventPublisher) Publish(context.Context, string, interface{}) error { return nil }
