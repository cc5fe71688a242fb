package cacheinfra

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Invalidation kinds carried on a bus.
const (
	KindItem  = "item"
	KindType  = "type"
	KindLists = "lists"
	KindAll   = "all"
)

// Message announces an eviction performed by one cache instance so peers can
// mirror it.
type Message struct {
	Origin string `json:"origin"`
	Kind   string `json:"kind"`
	Type   string `json:"type,omitempty"`
	Key    string `json:"key,omitempty"`
}

// Bus distributes invalidation messages.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, handler func(Message)) (unsubscribe func() error, err error)
}

// LocalBus delivers messages synchronously to in-process subscribers.
type LocalBus struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]func(Message)
}

// NewLocalBus creates an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[int]func(Message))}
}

// Publish implements Bus.
func (b *LocalBus) Publish(_ context.Context, msg Message) error {
	b.mu.RLock()
	handlers := make([]func(Message), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
	return nil
}

// Subscribe implements Bus.
func (b *LocalBus) Subscribe(_ context.Context, handler func(Message)) (func() error, error) {
	if handler == nil {
		return nil, &ConfigError{Field: "handler", Message: "cannot be nil"}
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = handler
	b.mu.Unlock()

	return func() error {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
		return nil
	}, nil
}

// RedisBus publishes invalidations on a Redis pub/sub channel so caches in
// other processes evict the same entries.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
}

// DefaultRedisChannel is used when no channel is configured.
const DefaultRedisChannel = "entitystore:invalidate"

// NewRedisBus wraps an existing client.
func NewRedisBus(client redis.UniversalClient, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBus{client: client, channel: channel}
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode invalidation: %w", err)
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Subscribe implements Bus. Messages that cannot be decoded are dropped.
func (b *RedisBus) Subscribe(ctx context.Context, handler func(Message)) (func() error, error) {
	if handler == nil {
		return nil, &ConfigError{Field: "handler", Message: "cannot be nil"}
	}

	sub := b.client.Subscribe(ctx, b.channel)
	// wait for the subscription confirmation so no message published after
	// Subscribe returns is missed
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range sub.Channel() {
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				continue
			}
			handler(msg)
		}
	}()

	return func() error {
		err := sub.Close()
		<-done
		return err
	}, nil
}
