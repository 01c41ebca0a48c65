// ABOUTME: Redis pub/sub Bus implementation for multi-process deployments
// ABOUTME: One PubSub per subscription, pumped into a buffered delivery channel

package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus over Redis pub/sub so multiple engine processes
// share the same presence, typing, and message-feed channels.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]*redisSub // subID -> subscription
	closed bool
}

type redisSub struct {
	channel string
	pubsub  *redis.PubSub
	out     chan []byte
}

// NewRedisBus creates a bus on an existing Redis client. The prefix
// namespaces channels so several environments can share one Redis.
func NewRedisBus(client *redis.Client, prefix string, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "bus"),
		subs:   make(map[string]*redisSub),
	}
}

func (b *RedisBus) key(channel string) string {
	if b.prefix == "" {
		return channel
	}
	return b.prefix + ":" + channel
}

// Publish sends a payload to every subscriber of the channel, across
// all processes connected to this Redis.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return b.client.Publish(ctx, b.key(channel), payload).Err()
}

// Subscribe opens a Redis subscription for the channel and pumps payloads
// into a buffered delivery channel. Cleaned up when ctx is cancelled.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, "", ErrClosed
	}

	pubsub := b.client.Subscribe(ctx, b.key(channel))
	sub := &redisSub{
		channel: channel,
		pubsub:  pubsub,
		out:     make(chan []byte, subscriberBufferSize),
	}
	subID := uuid.New().String()
	b.subs[subID] = sub
	b.mu.Unlock()

	// Wait for the subscription to be confirmed so publishes immediately
	// after Subscribe returns are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		b.Unsubscribe(channel, subID)
		return nil, "", err
	}

	go b.pump(sub)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(channel, subID)
	}()

	b.logger.Debug("subscriber added", "channel", channel, "sub_id", subID)
	return sub.out, subID, nil
}

// pump forwards Redis messages into the delivery channel until the
// underlying PubSub is closed.
func (b *RedisBus) pump(sub *redisSub) {
	defer close(sub.out)
	for msg := range sub.pubsub.Channel() {
		select {
		case sub.out <- []byte(msg.Payload):
		default:
			b.logger.Debug("dropped payload for slow subscriber", "channel", sub.channel)
		}
	}
}

// Unsubscribe closes the Redis subscription; the pump goroutine then
// closes the delivery channel.
func (b *RedisBus) Unsubscribe(channel, subID string) {
	b.mu.Lock()
	sub, ok := b.subs[subID]
	if ok {
		delete(b.subs, subID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	if err := sub.pubsub.Close(); err != nil {
		b.logger.Debug("closing subscription", "channel", channel, "error", err)
	}
}

// Close tears down every subscription. The Redis client itself is owned
// by the caller and left open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*redisSub)
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.pubsub.Close()
	}
	b.logger.Debug("bus closed")
	return nil
}
