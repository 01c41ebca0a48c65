// ABOUTME: Bus interface for the shared realtime channels (message feed, presence, typing)
// ABOUTME: Payloads are opaque bytes so in-memory and Redis implementations are interchangeable

package realtime

import (
	"context"
	"errors"
)

// ErrClosed is returned when publishing on a bus that has been shut down.
var ErrClosed = errors.New("bus closed")

// Bus is the shared-channel transport the engine's feeds ride on: message
// insert events, presence announcements, and typing signals. Delivery is
// FIFO per channel; nothing is guaranteed across channels.
type Bus interface {
	// Publish sends a payload to every subscriber of the channel.
	// Non-blocking with respect to slow subscribers.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe registers for a channel and returns the delivery channel
	// plus a subscription id. The subscription is torn down when ctx is
	// cancelled; the delivery channel is closed on teardown.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, string, error)

	// Unsubscribe removes a subscription and closes its delivery channel.
	Unsubscribe(channel, subID string)

	Close() error
}
