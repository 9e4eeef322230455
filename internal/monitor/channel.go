package monitor

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisChannel is a Redis PUBLISH/SUBSCRIBE completion channel. Executing
// calls publish their terminal status blob to the job topic and monitors
// subscribe to it, cutting completion latency below the polling interval.
type RedisChannel struct {
	client *redis.Client
}

// NewRedisChannel creates a completion channel over an existing client.
func NewRedisChannel(client *redis.Client) *RedisChannel {
	return &RedisChannel{client: client}
}

func (c *RedisChannel) Publish(ctx context.Context, topic string, message []byte) error {
	return c.client.Publish(ctx, topic, message).Err()
}

func (c *RedisChannel) Subscribe(ctx context.Context, topic string) (<-chan []byte, func() error, error) {
	pubsub := c.client.Subscribe(ctx, topic)
	// Wait for the subscription to be confirmed so no completion published
	// right after dispatch is lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, err
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, pubsub.Close, nil
}

// LocalChannel is an in-process fanout channel for single-instance
// deployments and tests. Semantics match RedisChannel: no retention, a
// message published with no subscriber is dropped.
type LocalChannel struct {
	mu     sync.Mutex
	subs   map[string][]chan []byte
	closed bool
}

// NewLocalChannel creates an empty in-process completion channel.
func NewLocalChannel() *LocalChannel {
	return &LocalChannel{subs: make(map[string][]chan []byte)}
}

func (c *LocalChannel) Publish(_ context.Context, topic string, message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	for _, ch := range c.subs[topic] {
		cp := make([]byte, len(message))
		copy(cp, message)
		select {
		case ch <- cp:
		default:
			// Subscriber is behind; the polling fallback covers the loss.
		}
	}
	return nil
}

func (c *LocalChannel) Subscribe(ctx context.Context, topic string) (<-chan []byte, func() error, error) {
	ch := make(chan []byte, 64)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() error { return nil }, nil
	}
	c.subs[topic] = append(c.subs[topic], ch)
	c.mu.Unlock()

	remove := func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.subs[topic]
		for i, s := range subs {
			if s == ch {
				c.subs[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		return nil
	}

	go func() {
		<-ctx.Done()
		remove()
	}()

	return ch, remove, nil
}

// Close drops every subscription.
func (c *LocalChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, subs := range c.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	c.subs = nil
	return nil
}
