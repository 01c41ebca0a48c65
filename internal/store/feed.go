// ABOUTME: NotifyingStore decorates a Store with row-insert change-feed events
// ABOUTME: Every saved message is published to the sender's outbox and receiver's inbox channels

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/troquo/converse/internal/realtime"
)

// InboxChannel is the feed of messages addressed to a user.
func InboxChannel(userID string) string { return "inbox:" + userID }

// OutboxChannel is the feed of messages sent by a user from any session.
func OutboxChannel(userID string) string { return "outbox:" + userID }

// FeedEvent is the wire form of a row-insert notification.
type FeedEvent struct {
	Message *Message `json:"message"`
}

// DecodeFeedEvent parses a change-feed payload.
func DecodeFeedEvent(payload []byte) (*FeedEvent, error) {
	var ev FeedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decoding feed event: %w", err)
	}
	if ev.Message == nil {
		return nil, fmt.Errorf("decoding feed event: no message")
	}
	return &ev, nil
}

// NotifyingStore wraps a Store and publishes an insert event after every
// successful SaveMessage. Publish failures are logged, not returned: the
// row is durable, and every client refetches on reconnect anyway.
type NotifyingStore struct {
	Store
	bus    realtime.Bus
	logger *slog.Logger
}

// NewNotifyingStore wires a store to the shared bus.
func NewNotifyingStore(inner Store, bus realtime.Bus, logger *slog.Logger) *NotifyingStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifyingStore{
		Store:  inner,
		bus:    bus,
		logger: logger.With("component", "store-feed"),
	}
}

// SaveMessage inserts the message, then fans the insert out to the
// sender's outbox feed and the receiver's inbox feed.
func (n *NotifyingStore) SaveMessage(ctx context.Context, msg *Message) error {
	if err := n.Store.SaveMessage(ctx, msg); err != nil {
		return err
	}

	payload, err := json.Marshal(FeedEvent{Message: msg})
	if err != nil {
		n.logger.Error("encoding feed event", "message_id", msg.ID, "error", err)
		return nil
	}

	if err := n.bus.Publish(ctx, OutboxChannel(msg.SenderID), payload); err != nil {
		n.logger.Warn("publishing outbox event", "message_id", msg.ID, "error", err)
	}
	if err := n.bus.Publish(ctx, InboxChannel(msg.ReceiverID), payload); err != nil {
		n.logger.Warn("publishing inbox event", "message_id", msg.ID, "error", err)
	}
	return nil
}
