// ABOUTME: Pure fold from the flat message list into one row per conversation scope
// ABOUTME: Idempotent and side-effect-free so it can run on every event without drift

package conversation

import (
	"sort"
	"time"

	"github.com/troquo/converse/internal/store"
)

// Conversation is one derived row in the conversation list. It is never
// stored: it springs into existence the moment any message exists for its
// scope and disappears once the message set is empty.
type Conversation struct {
	ScopeKey          string
	CounterpartyID    string
	ListingID         string // empty for general conversations
	LastMessage       *store.Message
	LastMessageAt     time.Time
	UnreadCount       int
	IsTyping          bool
	ParticipantStatus store.PresenceStatus
}

// Aggregate folds a user's full message list into the conversation list:
// one row per (counterparty, listing) scope, carrying the latest message,
// the unread count, and the live presence/typing state. The fold never
// depends on event arrival order, only on the final message set, which is
// what makes the engine's cross-channel merging safe.
func Aggregate(selfID string, msgs []*store.Message, presence map[string]store.PresenceStatus, typing map[string]bool) []Conversation {
	byScope := make(map[string]*Conversation)

	for _, msg := range msgs {
		if msg.Type != store.MessageTypeUser {
			continue
		}

		counterparty := msg.SenderID
		if counterparty == selfID {
			counterparty = msg.ReceiverID
		}
		key := store.ScopeKey(counterparty, msg.ListingID)

		conv, ok := byScope[key]
		if !ok {
			conv = &Conversation{
				ScopeKey:       key,
				CounterpartyID: counterparty,
				ListingID:      msg.ListingID,
			}
			byScope[key] = conv
		}

		if conv.LastMessage == nil || msg.CreatedAt.After(conv.LastMessageAt) {
			conv.LastMessage = msg
			conv.LastMessageAt = msg.CreatedAt
		}
		if msg.ReceiverID == selfID && !msg.Read {
			conv.UnreadCount++
		}
	}

	out := make([]Conversation, 0, len(byScope))
	for key, conv := range byScope {
		conv.ParticipantStatus = store.StatusOffline
		if status, ok := presence[conv.CounterpartyID]; ok {
			conv.ParticipantStatus = status
		}
		conv.IsTyping = typing[key]
		out = append(out, *conv)
	}

	// Newest conversation first; scope key breaks timestamp ties so two
	// runs over the same message set always yield the same list.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ScopeKey < out[j].ScopeKey
	})
	return out
}
