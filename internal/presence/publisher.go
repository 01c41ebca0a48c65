// ABOUTME: Presence publisher announcing this client's status on the shared channel
// ABOUTME: Maintains the merged map of everyone's last-seen status; advisory only

package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/troquo/converse/internal/realtime"
	"github.com/troquo/converse/internal/store"
)

// Channel is the shared presence channel every client joins.
const Channel = "presence"

// DefaultHeartbeatInterval re-announces online status every 30s.
const DefaultHeartbeatInterval = 30 * time.Second

// announcement is the wire form of one presence update.
type announcement struct {
	UserID     string               `json:"user_id"`
	Status     store.PresenceStatus `json:"status"`
	LastSeenAt time.Time            `json:"last_seen_at"`
}

// Publisher announces this client's status and folds everyone else's
// announcements into a merged map. Presence is advisory: every failure on
// this path is swallowed, never surfaced as a correctness problem.
//
// A Publisher is an explicit-lifecycle object tied to one authenticated
// session: Start joins the channel and begins the heartbeat, Stop makes a
// best-effort offline announcement and leaves. Tests construct isolated
// instances; there is no package-level shared state.
type Publisher struct {
	selfID   string
	bus      realtime.Bus
	store    store.Store
	interval time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	statuses map[string]store.PresenceStatus
	lastSeen map[string]time.Time

	updates chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New creates a stopped publisher. Pass 0 for the default heartbeat
// interval, nil for the default logger.
func New(selfID string, bus realtime.Bus, st store.Store, interval time.Duration, logger *slog.Logger) *Publisher {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		selfID:   selfID,
		bus:      bus,
		store:    st,
		interval: interval,
		logger:   logger.With("component", "presence"),
		statuses: make(map[string]store.PresenceStatus),
		lastSeen: make(map[string]time.Time),
		updates:  make(chan struct{}, 1),
	}
}

// Start joins the presence channel, announces online, and begins the
// heartbeat. The initial merged map is seeded from the presence table.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	ch, _, err := p.bus.Subscribe(ctx, Channel)
	if err != nil {
		cancel()
		// Not running: a later Stop must not wait on a loop that never
		// launched.
		p.mu.Lock()
		p.started = false
		p.mu.Unlock()
		return err
	}

	// Seed from the presence table so users who announced before we
	// joined are not treated as offline until their next heartbeat.
	if recs, err := p.store.ListPresence(ctx); err == nil {
		p.mu.Lock()
		for _, rec := range recs {
			p.statuses[rec.UserID] = rec.Status
			p.lastSeen[rec.UserID] = rec.LastSeenAt
		}
		p.mu.Unlock()
	} else {
		p.logger.Debug("presence seed failed", "error", err)
	}

	p.announce(ctx, store.StatusOnline)

	go p.run(ctx, ch)
	return nil
}

// SetVisible announces away (hidden) or online (visible) immediately,
// independent of the heartbeat cadence.
func (p *Publisher) SetVisible(ctx context.Context, visible bool) {
	status := store.StatusAway
	if visible {
		status = store.StatusOnline
	}
	p.announce(ctx, status)
}

// Stop makes a best-effort offline announcement, leaves the channel, and
// stops the heartbeat. Safe to call more than once.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	// The run context is about to be cancelled; the goodbye needs its own.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	p.announce(ctx, store.StatusOffline)
	cancel()

	p.cancel()
	<-p.done
}

// StatusOf returns a user's merged status. Absent or stale users are
// offline.
func (p *Publisher) StatusOf(userID string) store.PresenceStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.statusOfLocked(userID, time.Now())
}

// Snapshot returns a copy of the merged presence map.
func (p *Publisher) Snapshot() map[string]store.PresenceStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now()
	out := make(map[string]store.PresenceStatus, len(p.statuses))
	for userID := range p.statuses {
		out[userID] = p.statusOfLocked(userID, now)
	}
	return out
}

// Updates signals (coalesced) whenever the merged map changes.
func (p *Publisher) Updates() <-chan struct{} {
	return p.updates
}

// statusOfLocked applies the hard staleness timeout: a user whose last
// announcement is older than three heartbeat intervals is offline no
// matter what they last said. Must be called with mu held.
func (p *Publisher) statusOfLocked(userID string, now time.Time) store.PresenceStatus {
	status, ok := p.statuses[userID]
	if !ok || status == store.StatusOffline {
		return store.StatusOffline
	}
	if now.Sub(p.lastSeen[userID]) > 3*p.interval {
		return store.StatusOffline
	}
	return status
}

func (p *Publisher) run(ctx context.Context, ch <-chan []byte) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.announce(ctx, store.StatusOnline)

		case payload, ok := <-ch:
			if !ok {
				return
			}
			p.apply(payload)

		case <-ctx.Done():
			return
		}
	}
}

// announce publishes the status on the shared channel and upserts the
// presence table. Both are best-effort.
func (p *Publisher) announce(ctx context.Context, status store.PresenceStatus) {
	rec := &store.PresenceRecord{
		UserID:     p.selfID,
		Status:     status,
		LastSeenAt: time.Now().UTC(),
	}

	payload, err := json.Marshal(announcement{
		UserID:     rec.UserID,
		Status:     rec.Status,
		LastSeenAt: rec.LastSeenAt,
	})
	if err == nil {
		if err := p.bus.Publish(ctx, Channel, payload); err != nil {
			p.logger.Debug("presence publish failed", "error", err)
		}
	}

	if err := p.store.UpsertPresence(ctx, rec); err != nil {
		p.logger.Debug("presence upsert failed", "error", err)
	}
}

// apply merges one received announcement into the map.
func (p *Publisher) apply(payload []byte) {
	var ann announcement
	if err := json.Unmarshal(payload, &ann); err != nil {
		p.logger.Debug("bad presence payload", "error", err)
		return
	}
	if ann.UserID == "" {
		return
	}

	p.mu.Lock()
	p.statuses[ann.UserID] = ann.Status
	p.lastSeen[ann.UserID] = ann.LastSeenAt
	p.mu.Unlock()

	select {
	case p.updates <- struct{}{}:
	default:
	}
}
