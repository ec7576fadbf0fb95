package events

import (
	"context"
	"errors"
	"sync"
)

// Publisher accepts events for fan-out.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Bus is a Publisher that can also be subscribed to.
type Bus interface {
	Publisher
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription represents an active event stream. The Events channel is
// closed after Close.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// NewMemoryBus returns an in-process bus. Slow subscribers miss events rather
// than block publishers.
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 32
	}
	return &MemoryBus{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &memorySubscription{
		bus: b,
		ch:  make(chan Event, b.buffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

type memorySubscription struct {
	once sync.Once
	bus  *MemoryBus
	ch   chan Event
}

func (s *memorySubscription) Events() <-chan Event {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
