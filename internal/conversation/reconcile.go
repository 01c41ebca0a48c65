// ABOUTME: Delivery reconciler merging local echoes with the store change feed
// ABOUTME: Pure thread-state transitions; each send goes pending -> confirmed | failed

package conversation

import (
	"time"

	"github.com/google/uuid"

	"github.com/troquo/converse/internal/store"
)

// tempIDPrefix marks client-assigned message ids that a server id has not
// replaced yet.
const tempIDPrefix = "pending-"

// staleEchoWindow is how long an echo may sit unconfirmed before it is
// flagged suspect. The echo is never removed automatically; the store is
// the source of truth and a refetch settles it either way.
const staleEchoWindow = 30 * time.Second

// NewEchoID returns a fresh temporary message id.
func NewEchoID() string { return tempIDPrefix + uuid.New().String() }

// Scope identifies one open thread from this client's point of view.
type Scope struct {
	CounterpartyID string
	ListingID      string
}

// Key returns the scope's aggregation key.
func (s Scope) Key() string { return store.ScopeKey(s.CounterpartyID, s.ListingID) }

// Contains reports whether a message belongs to this scope as seen by selfID.
func (s Scope) Contains(selfID string, msg *store.Message) bool {
	if msg.ListingID != s.ListingID {
		return false
	}
	return (msg.SenderID == selfID && msg.ReceiverID == s.CounterpartyID) ||
		(msg.SenderID == s.CounterpartyID && msg.ReceiverID == selfID)
}

// pendingEcho tracks one in-flight send awaiting server confirmation.
type pendingEcho struct {
	TempID        string
	CorrelationID string
	SenderID      string
	ReceiverID    string
	Content       string
	CreatedAt     time.Time
}

// Thread is the reconciler's state for the open thread: the display-order
// message list plus the in-flight echoes. All transitions are pure
// functions (state, event) -> state, consumed by the engine's single event
// loop, so correctness never depends on cross-channel arrival order.
type Thread struct {
	Scope    Scope
	Messages []*store.Message
	pending  []pendingEcho
}

// NewThread creates an empty thread for a scope.
func NewThread(scope Scope) Thread {
	return Thread{Scope: scope}
}

// WithMessages replaces the message list (initial fetch) while keeping
// in-flight echoes appended at the end.
func (t Thread) WithMessages(msgs []*store.Message) Thread {
	out := t
	out.Messages = make([]*store.Message, 0, len(msgs)+len(t.pending))
	out.Messages = append(out.Messages, msgs...)
	for _, echo := range t.pending {
		if !containsID(out.Messages, echo.TempID) {
			out.Messages = append(out.Messages, echoMessage(t.Scope, echo))
		}
	}
	return out
}

// AppendEcho adds an optimistic local echo for an outgoing send. The echo
// carries createdAt=now, so it displays as the newest message until the
// server record replaces it.
func (t Thread) AppendEcho(echo *store.Message) Thread {
	out := t
	out.Messages = append(copyMessages(t.Messages), echo)
	out.pending = append(copyPending(t.pending), pendingEcho{
		TempID:        echo.ID,
		CorrelationID: echo.CorrelationID,
		SenderID:      echo.SenderID,
		ReceiverID:    echo.ReceiverID,
		Content:       echo.Content,
		CreatedAt:     echo.CreatedAt,
	})
	return out
}

// ApplyOutbound handles a sender-feed event: confirmation of a message
// sent from any of this user's sessions. If it matches a pending echo the
// server record replaces the echo in place — never appended as a
// duplicate, never re-sorted even when the server timestamp would sort it
// earlier. With no matching echo (sent from another session) it is
// appended like any new message.
func (t Thread) ApplyOutbound(msg *store.Message) Thread {
	idx := t.matchPending(msg)
	if idx < 0 {
		return t.appendIfNew(msg)
	}

	tempID := t.pending[idx].TempID
	out := t
	out.pending = append(copyPending(t.pending[:idx]), t.pending[idx+1:]...)
	out.Messages = copyMessages(t.Messages)
	for i, m := range out.Messages {
		if m.ID == tempID {
			out.Messages[i] = msg
			break
		}
	}
	return out
}

// ApplyInbound handles a receiver-feed event: a message from the
// counterparty. Deduplicated by id.
func (t Thread) ApplyInbound(msg *store.Message) Thread {
	return t.appendIfNew(msg)
}

// DropEcho removes a failed send's echo by its temporary id. Only that
// message leaves the thread; everything else is untouched.
func (t Thread) DropEcho(tempID string) Thread {
	out := t
	out.Messages = make([]*store.Message, 0, len(t.Messages))
	for _, m := range t.Messages {
		if m.ID != tempID {
			out.Messages = append(out.Messages, m)
		}
	}
	out.pending = make([]pendingEcho, 0, len(t.pending))
	for _, echo := range t.pending {
		if echo.TempID != tempID {
			out.pending = append(out.pending, echo)
		}
	}
	return out
}

// StaleEchoes returns in-flight echoes older than the suspect window.
func (t Thread) StaleEchoes(now time.Time) []string {
	var out []string
	for _, echo := range t.pending {
		if now.Sub(echo.CreatedAt) > staleEchoWindow {
			out = append(out, echo.TempID)
		}
	}
	return out
}

// PendingCount reports how many sends are still awaiting confirmation.
func (t Thread) PendingCount() int { return len(t.pending) }

// matchPending finds the echo a confirmation belongs to. Correlation id
// is matched exactly when the event carries one; the oldest unconfirmed
// (content, receiver) pair is the fallback for records written without it.
func (t Thread) matchPending(msg *store.Message) int {
	if msg.CorrelationID != "" {
		for i, echo := range t.pending {
			if echo.CorrelationID == msg.CorrelationID {
				return i
			}
		}
		return -1
	}
	for i, echo := range t.pending {
		if echo.Content == msg.Content && echo.ReceiverID == msg.ReceiverID {
			return i
		}
	}
	return -1
}

func (t Thread) appendIfNew(msg *store.Message) Thread {
	if containsID(t.Messages, msg.ID) {
		return t
	}
	out := t
	out.Messages = append(copyMessages(t.Messages), msg)
	return out
}

func echoMessage(scope Scope, echo pendingEcho) *store.Message {
	return &store.Message{
		ID:            echo.TempID,
		ListingID:     scope.ListingID,
		SenderID:      echo.SenderID,
		ReceiverID:    echo.ReceiverID,
		Content:       echo.Content,
		CreatedAt:     echo.CreatedAt,
		Type:          store.MessageTypeUser,
		CorrelationID: echo.CorrelationID,
	}
}

func containsID(msgs []*store.Message, id string) bool {
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}

func copyMessages(in []*store.Message) []*store.Message {
	out := make([]*store.Message, len(in))
	copy(out, in)
	return out
}

func copyPending(in []pendingEcho) []pendingEcho {
	out := make([]pendingEcho, len(in))
	copy(out, in)
	return out
}
