package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// RedisBusConfig configures the Redis pub/sub bus.
type RedisBusConfig struct {
	Channel string
	Buffer  int
	Logger  *slog.Logger
}

// RedisBus fans events out to subscribers on every replica through Redis
// pub/sub. Delivery is at most once; subscribers that are not connected when
// an event is published never see it.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	buffer  int
	logger  *slog.Logger
}

// NewRedisBus wraps client. The client is not closed by the bus.
func NewRedisBus(client redis.UniversalClient, cfg RedisBusConfig) (*RedisBus, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	bus := &RedisBus{
		client:  client,
		channel: strings.TrimSpace(cfg.Channel),
		buffer:  cfg.Buffer,
		logger:  cfg.Logger,
	}
	if bus.channel == "" {
		bus.channel = "gatecast:events"
	}
	if bus.buffer <= 0 {
		bus.buffer = 64
	}
	if bus.logger == nil {
		bus.logger = slog.Default()
	}
	return bus, nil
}

func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so events
// published afterwards are delivered.
func (b *RedisBus) Subscribe(ctx context.Context) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	sub := &redisSubscription{
		pubsub: pubsub,
		logger: b.logger,
		ch:     make(chan Event, b.buffer),
	}
	go sub.run()
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	logger *slog.Logger

	once sync.Once
	ch   chan Event
}

func (s *redisSubscription) Events() <-chan Event {
	return s.ch
}

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		if err := s.pubsub.Close(); err != nil {
			s.logger.Debug("close redis subscription", "error", err)
		}
	})
}

func (s *redisSubscription) run() {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			s.logger.Warn("redis bus decode failed", "error", err)
			continue
		}
		select {
		case s.ch <- event:
		default:
			s.logger.Warn("redis bus subscriber lagging, event dropped", "event_type", event.Type, "host_id", event.HostID)
		}
	}
}
