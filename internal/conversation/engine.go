// ABOUTME: Engine facade composing store client, reconciler, aggregator, presence and typing
// ABOUTME: One event-loop goroutine owns all state; public operations post events to it

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/troquo/converse/internal/identity"
	"github.com/troquo/converse/internal/notify"
	"github.com/troquo/converse/internal/presence"
	"github.com/troquo/converse/internal/realtime"
	"github.com/troquo/converse/internal/store"
	"github.com/troquo/converse/internal/typing"
)

// ErrSendFailed marks a storage failure scoped to a single message. Only
// that message's echo is rolled back; the rest of the thread is untouched.
var ErrSendFailed = errors.New("send failed")

// Snapshot is the engine's externally visible state at one point in time.
type Snapshot struct {
	Conversations []Conversation
	Messages      []*store.Message // the open thread, display order
	Connected     bool
	Loading       bool
}

// engineState is everything the event loop owns. Mutation happens only in
// reduce, on the loop goroutine.
type engineState struct {
	all       []*store.Message // cached full message list, newest first
	thread    Thread
	hasThread bool
	presence  map[string]store.PresenceStatus
	typing    map[string]bool
	connected bool
	loading   bool

	conversations []Conversation
}

// Engine turns the flat message stream into live ordered conversations.
// It is the unit a UI layer consumes: snapshot accessors plus four
// operations (SendMessage, MarkAsRead, SendTyping, OpenThread) and a
// coalesced change signal.
type Engine struct {
	self     identity.Provider
	store    store.Store
	bus      realtime.Bus
	presence *presence.Publisher
	typing   *typing.Broadcaster
	notifier notify.Notifier
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{}

	mu      sync.RWMutex
	state   engineState
	updates chan struct{}
	started bool
}

// event is one item on the single-consumer queue.
type event interface{ isEvent() }

type evLoaded struct{ msgs []*store.Message }
type evLoadFailed struct{}
type evThreadOpen struct{ scope Scope }
type evThreadLoaded struct {
	scope Scope
	msgs  []*store.Message
}
type evThreadLoadFailed struct{ scope Scope }
type evEcho struct{ echo *store.Message }
type evOutbound struct{ msg *store.Message }
type evInbound struct{ msg *store.Message }
type evSendFailed struct {
	scope  Scope
	tempID string
}
type evMarkedRead struct{ scope Scope }
type evPresence struct{ snapshot map[string]store.PresenceStatus }
type evTyping struct{ snapshot map[string]bool }
type evDisconnected struct{}

func (evLoaded) isEvent()           {}
func (evLoadFailed) isEvent()       {}
func (evThreadOpen) isEvent()       {}
func (evThreadLoaded) isEvent()     {}
func (evThreadLoadFailed) isEvent() {}
func (evEcho) isEvent()             {}
func (evOutbound) isEvent()         {}
func (evInbound) isEvent()          {}
func (evSendFailed) isEvent()       {}
func (evMarkedRead) isEvent()       {}
func (evPresence) isEvent()         {}
func (evTyping) isEvent()           {}
func (evDisconnected) isEvent()     {}

// New wires an engine. The store should be the notifying decorator so
// this client's own sends come back on the outbox feed.
func New(self identity.Provider, st store.Store, bus realtime.Bus, pres *presence.Publisher, typ *typing.Broadcaster, notifier notify.Notifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		self:     self,
		store:    st,
		bus:      bus,
		presence: pres,
		typing:   typ,
		notifier: notifier,
		logger:   logger.With("component", "engine"),
		events:   make(chan event, 64),
		updates:  make(chan struct{}, 1),
	}
}

// Start subscribes both message feeds, starts presence and typing, and
// kicks off the initial conversation-list load.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		cancel()
		return nil
	}
	e.started = true
	e.state.loading = true
	e.ctx = runCtx
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()

	selfID := e.self.UserID()

	inbox, _, err := e.bus.Subscribe(runCtx, store.InboxChannel(selfID))
	if err != nil {
		e.abortStart(cancel)
		return fmt.Errorf("subscribing inbox feed: %w", err)
	}
	outbox, _, err := e.bus.Subscribe(runCtx, store.OutboxChannel(selfID))
	if err != nil {
		e.abortStart(cancel)
		return fmt.Errorf("subscribing outbox feed: %w", err)
	}

	if err := e.presence.Start(runCtx); err != nil {
		e.logger.Warn("presence start failed", "error", err)
	}
	if err := e.typing.Start(runCtx); err != nil {
		e.logger.Warn("typing start failed", "error", err)
	}

	go e.loop(runCtx)
	go e.pump(runCtx, inbox, outbox)
	go e.refresh(runCtx)

	e.logger.Info("engine started", "user", selfID)
	return nil
}

// abortStart unwinds a failed Start: the loop never launched, so a later
// Close must not wait on done.
func (e *Engine) abortStart(cancel context.CancelFunc) {
	cancel()
	e.mu.Lock()
	e.started = false
	e.state.loading = false
	e.ctx = nil
	e.mu.Unlock()
}

// Close tears down all three subscriptions (messages, presence, typing)
// and stops the heartbeat. In-flight fetch results arriving afterwards
// are discarded, not applied.
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	e.presence.Stop()
	e.typing.Stop()
	e.cancel()
	<-e.done
	e.logger.Info("engine closed")
}

// Conversations returns the current conversation list, newest first.
func (e *Engine) Conversations() []Conversation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Conversation, len(e.state.conversations))
	copy(out, e.state.conversations)
	return out
}

// Messages returns the open thread in display order (createdAt ascending,
// local echoes last until reconciled).
func (e *Engine) Messages() []*store.Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*store.Message, len(e.state.thread.Messages))
	copy(out, e.state.thread.Messages)
	return out
}

// Connected reports whether the feeds are believed healthy. A false value
// never clears existing state: stale-but-present beats empty.
func (e *Engine) Connected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.connected
}

// Loading reports whether an initial or thread fetch is in flight.
func (e *Engine) Loading() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.loading
}

// Snapshot returns the full visible state in one consistent read.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	conversations := make([]Conversation, len(e.state.conversations))
	copy(conversations, e.state.conversations)
	messages := make([]*store.Message, len(e.state.thread.Messages))
	copy(messages, e.state.thread.Messages)
	return Snapshot{
		Conversations: conversations,
		Messages:      messages,
		Connected:     e.state.connected,
		Loading:       e.state.loading,
	}
}

// Updates signals (coalesced) after every applied event.
func (e *Engine) Updates() <-chan struct{} {
	return e.updates
}

// SendMessage appends an optimistic local echo and runs the store insert
// concurrently. Returns false synchronously on empty-after-trim content;
// storage failures roll back only this message's echo.
func (e *Engine) SendMessage(ctx context.Context, receiverID, content, listingID string) bool {
	content = strings.TrimSpace(content)
	if content == "" {
		e.logger.Debug("send rejected", "reason", "empty content")
		return false
	}

	echo := &store.Message{
		ID:            NewEchoID(),
		ListingID:     listingID,
		SenderID:      e.self.UserID(),
		ReceiverID:    receiverID,
		Content:       content,
		CreatedAt:     time.Now().UTC(),
		Type:          store.MessageTypeUser,
		CorrelationID: uuid.New().String(),
	}
	scope := Scope{CounterpartyID: receiverID, ListingID: listingID}
	e.post(evEcho{echo: echo})

	go func() {
		msg := &store.Message{
			ListingID:     listingID,
			SenderID:      echo.SenderID,
			ReceiverID:    receiverID,
			Content:       content,
			Type:          store.MessageTypeUser,
			CorrelationID: echo.CorrelationID,
		}
		if err := e.store.SaveMessage(ctx, msg); err != nil {
			err = fmt.Errorf("%w: %v", ErrSendFailed, err)
			e.logger.Warn("message insert failed", "temp_id", echo.ID, "error", err)
			e.notifier.Notify("Message not sent", content)
			e.post(evSendFailed{scope: scope, tempID: echo.ID})
		}
	}()
	return true
}

// MarkAsRead bulk-marks the scope's inbound messages read. Idempotent;
// read never transitions back to false.
func (e *Engine) MarkAsRead(ctx context.Context, counterpartyID, listingID string) {
	scope := Scope{CounterpartyID: counterpartyID, ListingID: listingID}
	go func() {
		if err := e.store.MarkThreadRead(ctx, e.self.UserID(), counterpartyID, listingID); err != nil {
			e.logger.Warn("mark read failed", "scope", scope.Key(), "error", err)
			return
		}
		e.post(evMarkedRead{scope: scope})
	}()
}

// SendTyping broadcasts a typing signal for the conversation identified
// by its scope key. Best-effort; never retried or acknowledged.
func (e *Engine) SendTyping(ctx context.Context, scopeKey string, isTyping bool) {
	counterpartyID, listingID := store.ParseScopeKey(scopeKey)
	if counterpartyID == "" {
		return
	}
	e.typing.Send(ctx, counterpartyID, listingID, isTyping)
}

// OpenThread switches the active thread and fetches its messages. A
// result arriving after the user has switched again is discarded.
func (e *Engine) OpenThread(ctx context.Context, counterpartyID, listingID string) {
	scope := Scope{CounterpartyID: counterpartyID, ListingID: listingID}
	e.post(evThreadOpen{scope: scope})

	go func() {
		msgs, err := e.store.ListThread(ctx, e.self.UserID(), counterpartyID, listingID)
		if err != nil {
			e.logger.Warn("thread fetch failed", "scope", scope.Key(), "error", err)
			e.post(evThreadLoadFailed{scope: scope})
			return
		}
		e.post(evThreadLoaded{scope: scope, msgs: msgs})
	}()
}

// refresh reloads the full conversation-list message set.
func (e *Engine) refresh(ctx context.Context) {
	msgs, err := e.store.ListUserMessages(ctx, e.self.UserID())
	if err != nil {
		e.logger.Warn("conversation list fetch failed", "error", err)
		e.post(evLoadFailed{})
		return
	}
	e.post(evLoaded{msgs: msgs})
}

// post enqueues an event without blocking past engine shutdown. Before
// Start (or after a failed one) there is no loop to consume anything, so
// posting is a no-op.
func (e *Engine) post(ev event) {
	e.mu.RLock()
	ctx := e.ctx
	e.mu.RUnlock()
	if ctx == nil {
		return
	}
	select {
	case e.events <- ev:
	case <-ctx.Done():
	}
}

// pump converts feed payloads and presence/typing signals into events.
// FIFO holds within each channel; nothing is assumed across channels.
func (e *Engine) pump(ctx context.Context, inbox, outbox <-chan []byte) {
	selfID := e.self.UserID()

	for inbox != nil || outbox != nil {
		select {
		case payload, ok := <-inbox:
			if !ok {
				inbox = nil
				e.post(evDisconnected{})
				continue
			}
			fe, err := store.DecodeFeedEvent(payload)
			if err != nil {
				e.logger.Debug("bad inbox payload", "error", err)
				continue
			}
			// A message to self from self arrives on both feeds; the
			// outbox path owns reconciliation.
			if fe.Message.SenderID == selfID {
				continue
			}
			e.post(evInbound{msg: fe.Message})

		case payload, ok := <-outbox:
			if !ok {
				outbox = nil
				e.post(evDisconnected{})
				continue
			}
			fe, err := store.DecodeFeedEvent(payload)
			if err != nil {
				e.logger.Debug("bad outbox payload", "error", err)
				continue
			}
			e.post(evOutbound{msg: fe.Message})

		case <-e.presence.Updates():
			e.post(evPresence{snapshot: e.presence.Snapshot()})

		case <-e.typing.Updates():
			e.post(evTyping{snapshot: e.typing.Snapshot()})

		case <-ctx.Done():
			return
		}
	}
}

// loop is the single consumer of the event queue.
func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	for {
		select {
		case ev := <-e.events:
			e.sideEffects(ev)

			e.mu.Lock()
			e.state = reduce(e.state, ev, e.self.UserID())
			e.mu.Unlock()

			select {
			case e.updates <- struct{}{}:
			default:
			}

		case <-ctx.Done():
			return
		}
	}
}

// sideEffects handles the non-state consequences of an event: host
// notifications for inbound messages outside the open thread, and the
// suspect-echo warning.
func (e *Engine) sideEffects(ev event) {
	switch ev := ev.(type) {
	case evInbound:
		e.mu.RLock()
		active := e.state.hasThread && e.state.thread.Scope.Contains(e.self.UserID(), ev.msg)
		e.mu.RUnlock()
		if !active && e.notifier.Permission() == notify.PermissionGranted {
			e.notifier.Notify("New message", ev.msg.Content)
		}

	case evOutbound:
		e.mu.RLock()
		stale := e.state.thread.StaleEchoes(time.Now())
		e.mu.RUnlock()
		for _, tempID := range stale {
			e.logger.Warn("echo unconfirmed past window", "temp_id", tempID)
		}
	}
}

// reduce is the pure state transition. Because aggregation recomputes
// from the cached message set every time, applying events in any
// cross-channel order converges on the same state.
func reduce(st engineState, ev event, selfID string) engineState {
	switch ev := ev.(type) {
	case evLoaded:
		st.all = ev.msgs
		st.connected = true
		st.loading = false

	case evLoadFailed:
		// Keep whatever we had; stale-but-present beats empty.
		st.connected = false
		st.loading = false

	case evDisconnected:
		st.connected = false

	case evThreadOpen:
		st.thread = NewThread(ev.scope)
		st.hasThread = true
		st.loading = true

	case evThreadLoaded:
		if !st.hasThread || st.thread.Scope != ev.scope {
			return st // user switched threads; discard
		}
		st.thread = st.thread.WithMessages(ev.msgs)
		st.loading = false

	case evThreadLoadFailed:
		if !st.hasThread || st.thread.Scope != ev.scope {
			return st
		}
		st.connected = false
		st.loading = false

	case evEcho:
		scope := Scope{CounterpartyID: ev.echo.ReceiverID, ListingID: ev.echo.ListingID}
		if st.hasThread && st.thread.Scope == scope {
			st.thread = st.thread.AppendEcho(ev.echo)
		}

	case evOutbound:
		if st.hasThread && st.thread.Scope.Contains(selfID, ev.msg) {
			st.thread = st.thread.ApplyOutbound(ev.msg)
		}
		st.all = mergeMessage(st.all, ev.msg)

	case evInbound:
		if st.hasThread && st.thread.Scope.Contains(selfID, ev.msg) {
			st.thread = st.thread.ApplyInbound(ev.msg)
		}
		st.all = mergeMessage(st.all, ev.msg)

	case evSendFailed:
		if st.hasThread && st.thread.Scope == ev.scope {
			st.thread = st.thread.DropEcho(ev.tempID)
		}

	case evMarkedRead:
		st.all = markScopeRead(st.all, selfID, ev.scope)
		if st.hasThread && st.thread.Scope == ev.scope {
			st.thread.Messages = markScopeRead(st.thread.Messages, selfID, ev.scope)
		}

	case evPresence:
		st.presence = ev.snapshot

	case evTyping:
		st.typing = ev.snapshot
	}

	st.conversations = Aggregate(selfID, st.all, st.presence, st.typing)
	return st
}

// mergeMessage adds a feed message to the cached full list, deduplicated
// by id, keeping newest-first order for the common append-at-head case.
func mergeMessage(all []*store.Message, msg *store.Message) []*store.Message {
	for _, m := range all {
		if m.ID == msg.ID {
			return all
		}
	}
	out := make([]*store.Message, 0, len(all)+1)
	out = append(out, msg)
	out = append(out, all...)
	return out
}

// markScopeRead flips read on inbound messages of a scope, copy-on-write.
func markScopeRead(msgs []*store.Message, selfID string, scope Scope) []*store.Message {
	out := make([]*store.Message, len(msgs))
	for i, m := range msgs {
		if m.ReceiverID == selfID && m.SenderID == scope.CounterpartyID && m.ListingID == scope.ListingID && !m.Read {
			cp := *m
			cp.Read = true
			out[i] = &cp
		} else {
			out[i] = m
		}
	}
	return out
}
