// ABOUTME: In-memory Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject backend failures

package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store implementation for testing.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []*Message                 // insertion order
	presence map[string]*PresenceRecord // keyed by user id
	saveErr  error
	listErr  error
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		presence: make(map[string]*PresenceRecord),
	}
}

// FailSaves makes SaveMessage fail (after validation) with the given
// error. Pass nil to heal. Simulates a backend failure for
// echo-rollback tests; safe to flip while store goroutines are running.
func (m *MemoryStore) FailSaves(err error) {
	m.mu.Lock()
	m.saveErr = err
	m.mu.Unlock()
}

// FailLists makes the list operations fail with the given error. Pass
// nil to heal.
func (m *MemoryStore) FailLists(err error) {
	m.mu.Lock()
	m.listErr = err
	m.mu.Unlock()
}

// SaveMessage validates and appends a message.
func (m *MemoryStore) SaveMessage(ctx context.Context, msg *Message) error {
	if err := normalize(msg); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveErr != nil {
		return m.saveErr
	}

	// Store a copy to avoid external modification
	cp := *msg
	m.messages = append(m.messages, &cp)
	return nil
}

// ListUserMessages returns user-type messages involving selfID, newest first.
func (m *MemoryStore) ListUserMessages(ctx context.Context, selfID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.listErr != nil {
		return nil, m.listErr
	}

	var out []*Message
	for _, msg := range m.messages {
		if msg.Type != MessageTypeUser {
			continue
		}
		if msg.SenderID == selfID || msg.ReceiverID == selfID {
			cp := *msg
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ListThread returns the exact-scope messages, oldest first.
func (m *MemoryStore) ListThread(ctx context.Context, selfID, counterpartyID, listingID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.listErr != nil {
		return nil, m.listErr
	}

	var out []*Message
	for _, msg := range m.messages {
		if msg.ListingID != listingID {
			continue
		}
		between := (msg.SenderID == selfID && msg.ReceiverID == counterpartyID) ||
			(msg.SenderID == counterpartyID && msg.ReceiverID == selfID)
		if between {
			cp := *msg
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// MarkThreadRead flips read on inbound messages in the scope. Idempotent.
func (m *MemoryStore) MarkThreadRead(ctx context.Context, selfID, counterpartyID, listingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.messages {
		if msg.ReceiverID == selfID && msg.SenderID == counterpartyID && msg.ListingID == listingID {
			msg.Read = true
		}
	}
	return nil
}

// UpsertPresence writes one presence record keyed by user id.
func (m *MemoryStore) UpsertPresence(ctx context.Context, rec *PresenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	m.presence[cp.UserID] = &cp
	return nil
}

// ListPresence returns every known presence record.
func (m *MemoryStore) ListPresence(ctx context.Context) ([]*PresenceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*PresenceRecord, 0, len(m.presence))
	for _, rec := range m.presence {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
