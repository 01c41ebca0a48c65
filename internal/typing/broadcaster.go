// ABOUTME: Fire-and-forget typing indicator with client-side auto-expiry
// ABOUTME: At-most-once by design; a signal is allowed to be lost or stale up to the TTL

package typing

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/troquo/converse/internal/realtime"
	"github.com/troquo/converse/internal/store"
)

// DefaultTTL clears a typing indicator 3 seconds after the last signal.
const DefaultTTL = 3 * time.Second

// ChannelFor is the per-user typing channel; senders address the
// counterparty directly.
func ChannelFor(userID string) string { return "typing:" + userID }

// signal is the wire form of one typing event.
type signal struct {
	FromUserID string `json:"from_user_id"`
	ListingID  string `json:"listing_id,omitempty"`
	IsTyping   bool   `json:"is_typing"`
}

// Broadcaster sends and receives ephemeral typing signals. Nothing here
// is persisted or acknowledged; a true signal with no follow-up clears
// itself after the TTL, and a second signal before expiry restarts the
// timer. Own signals are never reflected back.
type Broadcaster struct {
	selfID string
	bus    realtime.Bus
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer // scope key -> expiry timer
	active map[string]bool

	updates chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New creates a stopped broadcaster. Pass 0 for the default TTL.
func New(selfID string, bus realtime.Bus, ttl time.Duration, logger *slog.Logger) *Broadcaster {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		selfID:  selfID,
		bus:     bus,
		ttl:     ttl,
		logger:  logger.With("component", "typing"),
		timers:  make(map[string]*time.Timer),
		active:  make(map[string]bool),
		updates: make(chan struct{}, 1),
	}
}

// Start subscribes to this client's typing channel.
func (b *Broadcaster) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})

	ch, _, err := b.bus.Subscribe(ctx, ChannelFor(b.selfID))
	if err != nil {
		cancel()
		// Not running: a later Stop must not wait on a loop that never
		// launched.
		b.mu.Lock()
		b.started = false
		b.mu.Unlock()
		return err
	}

	go b.run(ctx, ch)
	return nil
}

// Stop leaves the channel and clears all indicators.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	for key, timer := range b.timers {
		timer.Stop()
		delete(b.timers, key)
	}
	clear(b.active)
	b.mu.Unlock()

	b.cancel()
	<-b.done
}

// Send broadcasts a typing signal to the counterparty. Fire-and-forget:
// errors are swallowed, there is no retry.
func (b *Broadcaster) Send(ctx context.Context, counterpartyID, listingID string, isTyping bool) {
	payload, err := json.Marshal(signal{
		FromUserID: b.selfID,
		ListingID:  listingID,
		IsTyping:   isTyping,
	})
	if err != nil {
		return
	}
	if err := b.bus.Publish(ctx, ChannelFor(counterpartyID), payload); err != nil {
		b.logger.Debug("typing publish failed", "error", err)
	}
}

// IsTyping reports whether the counterparty of the given scope is typing.
func (b *Broadcaster) IsTyping(scopeKey string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active[scopeKey]
}

// Snapshot returns a copy of all active typing indicators by scope key.
func (b *Broadcaster) Snapshot() map[string]bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]bool, len(b.active))
	for key, v := range b.active {
		if v {
			out[key] = true
		}
	}
	return out
}

// Updates signals (coalesced) whenever an indicator changes.
func (b *Broadcaster) Updates() <-chan struct{} {
	return b.updates
}

func (b *Broadcaster) run(ctx context.Context, ch <-chan []byte) {
	defer close(b.done)

	for {
		select {
		case payload, ok := <-ch:
			if !ok {
				return
			}
			b.apply(payload)

		case <-ctx.Done():
			return
		}
	}
}

func (b *Broadcaster) apply(payload []byte) {
	var sig signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		b.logger.Debug("bad typing payload", "error", err)
		return
	}
	// Own typing is never reflected back.
	if sig.FromUserID == "" || sig.FromUserID == b.selfID {
		return
	}

	key := store.ScopeKey(sig.FromUserID, sig.ListingID)

	b.mu.Lock()
	if timer, ok := b.timers[key]; ok {
		timer.Stop()
		delete(b.timers, key)
	}

	if sig.IsTyping {
		b.active[key] = true
		b.timers[key] = time.AfterFunc(b.ttl, func() { b.expire(key) })
	} else {
		delete(b.active, key)
	}
	b.mu.Unlock()

	b.notify()
}

// expire clears one indicator after the TTL elapses with no fresh signal.
func (b *Broadcaster) expire(key string) {
	b.mu.Lock()
	delete(b.active, key)
	delete(b.timers, key)
	b.mu.Unlock()

	b.notify()
}

func (b *Broadcaster) notify() {
	select {
	case b.updates <- struct{}{}:
	default:
	}
}
