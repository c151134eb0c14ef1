// Package redis is a Redis PUBLISH/SUBSCRIBE implementation of the bus.Bus
// interface. Like Redis pub/sub itself it is fire-and-forget: messages are
// only delivered to subscribers connected at publish time.
package redis

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ggoodman/quizrace/bus"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis bus.
type Config struct {
	// Client is the Redis client to use. If nil, a default client will be created.
	Client redis.UniversalClient
	// ChannelPrefix is prepended to the session id to form the channel name.
	// Defaults to "channel:" if empty.
	ChannelPrefix string
	// ChannelSize is the number of messages buffered per subscription before
	// go-redis starts dropping. Defaults to 256.
	ChannelSize int
}

// Bus is a Redis pub/sub based implementation of the bus.Bus interface.
type Bus struct {
	client        redis.UniversalClient
	channelPrefix string
	channelSize   int
}

// New creates a new Redis-based bus instance.
func New(config Config) *Bus {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
	}

	prefix := config.ChannelPrefix
	if prefix == "" {
		prefix = "channel:"
	}

	size := config.ChannelSize
	if size <= 0 {
		size = 256
	}

	return &Bus{
		client:        client,
		channelPrefix: prefix,
		channelSize:   size,
	}
}

// Close closes the Redis connection.
func (b *Bus) Close() error {
	return b.client.Close()
}

// Publish implements bus.Bus.Publish
func (b *Bus) Publish(ctx context.Context, sessionID string, data []byte) error {
	channel := b.channelName(sessionID)
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish message to channel %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements bus.Bus.Subscribe
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (bus.Subscription, error) {
	channel := b.channelName(sessionID)
	ps := b.client.Subscribe(ctx, channel)

	// Wait for the subscribe confirmation so that anything published after
	// we return is delivered.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to channel %s: %w", channel, err)
	}

	return &subscription{
		ps: ps,
		ch: ps.Channel(redis.WithChannelSize(b.channelSize)),
	}, nil
}

func (b *Bus) channelName(sessionID string) string {
	return b.channelPrefix + sessionID
}

type subscription struct {
	ps     *redis.PubSub
	ch     <-chan *redis.Message
	closed atomic.Bool
}

// Receive implements bus.Subscription.Receive
func (s *subscription) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if s.closed.Load() {
		return nil, bus.ErrClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-s.ch:
		if !ok {
			return nil, bus.ErrClosed
		}
		return []byte(msg.Payload), nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements bus.Subscription.Close
func (s *subscription) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		return s.ps.Close()
	}
	return nil
}

// Compile-time interface checks
var (
	_ bus.Bus          = (*Bus)(nil)
	_ bus.Subscription = (*subscription)(nil)
)
