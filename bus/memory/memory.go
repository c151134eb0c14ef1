// Package memory provides an in-process implementation of the bus.Bus
// interface using Go channels for message delivery. It is suitable for
// single-node deployments and testing scenarios.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/quizrace/bus"
)

// DefaultBufferSize is the per-subscriber buffer used when none is given.
const DefaultBufferSize = 256

// Bus implements bus.Bus with in-memory fan-out. Nothing is retained: a
// message published to a channel without subscribers is dropped, and a
// subscriber whose buffer is full misses the message rather than blocking
// the publisher.
type Bus struct {
	mu         sync.RWMutex
	channels   map[string]*channel
	bufferSize int
	closed     bool
	dropped    atomic.Int64
}

// channel represents an isolated session channel with its subscribers
type channel struct {
	mu          sync.Mutex
	subscribers map[*subscription]struct{}
}

// subscription represents an active listener on a channel
type subscription struct {
	bus       *Bus
	sessionID string
	channel   *channel
	ch      chan []byte
	closed  atomic.Bool
	done    chan struct{}
}

// New creates a new memory-based bus. A bufferSize <= 0 selects
// DefaultBufferSize.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		channels:   make(map[string]*channel),
		bufferSize: bufferSize,
	}
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Publish implements bus.Bus.Publish
func (b *Bus) Publish(ctx context.Context, sessionID string, data []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return bus.ErrClosed
	}
	ch, exists := b.channels[sessionID]
	b.mu.RUnlock()
	if !exists {
		return nil
	}

	msg := append([]byte(nil), data...)

	// Holding the channel lock while sending keeps publish order identical
	// for every subscriber.
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for sub := range ch.subscribers {
		select {
		case sub.ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe implements bus.Bus.Subscribe
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (bus.Subscription, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, bus.ErrClosed
	}
	ch, exists := b.channels[sessionID]
	if !exists {
		ch = &channel{subscribers: make(map[*subscription]struct{})}
		b.channels[sessionID] = ch
	}
	sub := &subscription{
		bus:       b,
		sessionID: sessionID,
		channel:   ch,
		ch:        make(chan []byte, b.bufferSize),
		done:      make(chan struct{}),
	}
	ch.mu.Lock()
	ch.subscribers[sub] = struct{}{}
	ch.mu.Unlock()
	b.mu.Unlock()

	return sub, nil
}

// Close implements bus.Bus.Close. Open subscriptions are closed.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	channels := b.channels
	b.channels = make(map[string]*channel)
	b.mu.Unlock()

	for _, ch := range channels {
		ch.mu.Lock()
		subs := make([]*subscription, 0, len(ch.subscribers))
		for sub := range ch.subscribers {
			subs = append(subs, sub)
		}
		ch.mu.Unlock()
		for _, sub := range subs {
			_ = sub.Close()
		}
	}
	return nil
}

// Receive implements bus.Subscription.Receive
func (s *subscription) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if s.closed.Load() {
		return nil, bus.ErrClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-s.ch:
		return msg, nil
	case <-timer.C:
		return nil, nil
	case <-s.done:
		return nil, bus.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements bus.Subscription.Close. The session channel is released
// with its last subscriber.
func (s *subscription) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		b := s.bus
		b.mu.Lock()
		s.channel.mu.Lock()
		delete(s.channel.subscribers, s)
		if len(s.channel.subscribers) == 0 && b.channels[s.sessionID] == s.channel {
			delete(b.channels, s.sessionID)
		}
		s.channel.mu.Unlock()
		b.mu.Unlock()
		close(s.done)
	}
	return nil
}

// Compile-time interface checks
var (
	_ bus.Bus          = (*Bus)(nil)
	_ bus.Subscription = (*subscription)(nil)
)
