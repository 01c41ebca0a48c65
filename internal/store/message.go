// ABOUTME: Shared message normalization applied by every Store implementation
// ABOUTME: Trims content, rejects empty messages, assigns server id and timestamp

package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GeneralListing is the scope-key segment for conversations without a
// listing context.
const GeneralListing = "general"

// ScopeKey identifies one conversation from a participant's point of
// view: the counterparty plus the optional listing discriminator. Two
// users can hold a general conversation and one per listing at the same
// time; those are distinct scopes.
func ScopeKey(counterpartyID, listingID string) string {
	if listingID == "" {
		listingID = GeneralListing
	}
	return counterpartyID + "_" + listingID
}

// ParseScopeKey splits a scope key back into counterparty and listing id.
// User ids are UUIDs, so the first underscore is the separator.
func ParseScopeKey(key string) (counterpartyID, listingID string) {
	counterpartyID, listingID, ok := strings.Cut(key, "_")
	if !ok || listingID == GeneralListing {
		listingID = ""
	}
	return counterpartyID, listingID
}

// normalize validates and completes a message before insert. Content is
// trimmed; an empty result is rejected with ErrValidation before any
// backend call. The server id and timestamp are assigned here when the
// caller left them unset (a client sending through its local echo path
// always does).
func normalize(msg *Message) error {
	msg.Content = strings.TrimSpace(msg.Content)
	if msg.Content == "" {
		return fmt.Errorf("%w: empty message content", ErrValidation)
	}
	if msg.SenderID == "" || msg.ReceiverID == "" {
		return fmt.Errorf("%w: message needs exactly one sender and one receiver", ErrValidation)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Type == "" {
		msg.Type = MessageTypeUser
	}
	msg.Read = false
	return nil
}
