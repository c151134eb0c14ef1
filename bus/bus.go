// Package bus defines the per-session publish/subscribe transport that
// connects a session's orchestrator with the gateways relaying to client
// sockets.
//
// The bus is explicitly non-durable: a message published while a subscriber
// is not listening is lost. Within one session channel every subscriber
// observes messages in publish order; nothing is guaranteed across sessions.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/quizrace/event"
)

// ErrClosed is returned by operations on a closed bus or subscription.
var ErrClosed = errors.New("bus: closed")

// Bus publishes raw messages to a session channel and opens subscriptions on
// it. Implementations MUST be safe for concurrent use by many sessions.
type Bus interface {
	// Publish broadcasts data to every subscriber currently listening on the
	// session channel. It is fire-and-forget.
	Publish(ctx context.Context, sessionID string, data []byte) error

	// Subscribe opens a subscription on the session channel. It returns only
	// once the subscription is active, so messages published afterwards are
	// observed.
	Subscribe(ctx context.Context, sessionID string) (Subscription, error)

	// Close releases the underlying connection.
	Close() error
}

// Subscription is a single listener on a session channel. It is meant to be
// consumed by one goroutine.
type Subscription interface {
	// Receive waits at most timeout for the next message. When nothing
	// arrives in time it returns nil data and a nil error.
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)

	// Close stops the subscription. Further Receive calls return ErrClosed.
	Close() error
}

// PublishEvent encodes ev and publishes it on the session channel.
func PublishEvent(ctx context.Context, b Bus, sessionID string, ev event.Event) error {
	data, err := event.Encode(ev)
	if err != nil {
		return err
	}
	return b.Publish(ctx, sessionID, data)
}

// ReceiveEvent waits for the next message and decodes it. A nil event and
// nil error mean the wait timed out. Undecodable messages are returned as an
// error wrapping event.ErrProtocol.
func ReceiveEvent(ctx context.Context, sub Subscription, timeout time.Duration) (event.Event, error) {
	data, err := sub.Receive(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return event.Decode(data)
}
