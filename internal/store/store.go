// ABOUTME: Store interface and data types for converse message persistence
// ABOUTME: Defines Message, PresenceRecord and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrValidation is returned when input is rejected before any I/O happens,
// e.g. a message whose content is empty after trimming.
var ErrValidation = errors.New("validation failed")

// ErrStorage is returned when the backing store fails. Callers holding an
// optimistic local echo must roll it back on this error.
var ErrStorage = errors.New("storage failure")

// MessageType constants. Only user messages participate in conversation
// aggregation; admin and system messages ride the same table but are
// produced by other systems (moderation, announcements).
const (
	MessageTypeUser   = "user"
	MessageTypeAdmin  = "admin"
	MessageTypeSystem = "system"
)

// Message is a single point-to-point message. Immutable once created
// except for Read, which only ever transitions false -> true.
type Message struct {
	ID            string // server id, or a client temp id until confirmed
	ListingID     string // optional listing context, empty for general conversations
	SenderID      string
	ReceiverID    string
	Content       string
	Read          bool
	CreatedAt     time.Time // server-assigned, used for ordering
	Type          string    // "user", "admin", "system"
	CorrelationID string    // client-generated, echoed back by the change feed
}

// PresenceStatus is a user's advisory online state. Never authoritative
// for message delivery.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

// PresenceRecord is one user's last announced status. Each client writes
// only its own record and reads everyone's.
type PresenceRecord struct {
	UserID     string
	Status     PresenceStatus
	LastSeenAt time.Time
}

// Store defines message and presence persistence.
type Store interface {
	// SaveMessage inserts one message with read=false. The store assigns
	// the id and created_at when they are unset. Returns ErrValidation
	// for empty-after-trim content before touching the backend.
	SaveMessage(ctx context.Context, msg *Message) error

	// ListUserMessages returns all user-type messages where selfID is
	// sender or receiver, newest first.
	ListUserMessages(ctx context.Context, selfID string) ([]*Message, error)

	// ListThread returns all messages for the exact (self, counterparty,
	// listing) scope, oldest first.
	ListThread(ctx context.Context, selfID, counterpartyID, listingID string) ([]*Message, error)

	// MarkThreadRead bulk-sets read=true on all inbound messages in the
	// scope. Idempotent; read never transitions back to false.
	MarkThreadRead(ctx context.Context, selfID, counterpartyID, listingID string) error

	// UpsertPresence writes one user's presence record, keyed by user id.
	UpsertPresence(ctx context.Context, rec *PresenceRecord) error

	// ListPresence returns every known presence record.
	ListPresence(ctx context.Context) ([]*PresenceRecord, error)

	Close() error
}
