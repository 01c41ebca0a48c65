// ABOUTME: End-to-end engine tests running two clients against one shared bus and store
// ABOUTME: Covers live delivery, echo reconciliation, failure rollback, read state, presence, typing

package conversation

import (
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troquo/converse/internal/identity"
	"github.com/troquo/converse/internal/notify"
	"github.com/troquo/converse/internal/presence"
	"github.com/troquo/converse/internal/realtime"
	"github.com/troquo/converse/internal/store"
	"github.com/troquo/converse/internal/typing"
)

const (
	waitTimeout = 3 * time.Second
	waitTick    = 10 * time.Millisecond
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingNotifier captures host notifications for assertions.
type recordingNotifier struct {
	mu         sync.Mutex
	titles     []string
	permission notify.Permission
}

func (n *recordingNotifier) Notify(title, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
}

func (n *recordingNotifier) Permission() notify.Permission { return n.permission }

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.titles)
}

// fixture is one client wired onto the shared bus and store.
type fixture struct {
	engine   *Engine
	notifier *recordingNotifier
	backing  *store.MemoryStore
}

// newFixture builds a client for userID. All clients built against the
// same bus and backing store see each other live, like separate devices
// against one backend.
func newFixture(t *testing.T, userID string, bus realtime.Bus, backing *store.MemoryStore) *fixture {
	t.Helper()
	logger := discardLogger()

	st := store.NewNotifyingStore(backing, bus, logger)
	pres := presence.New(userID, bus, st, time.Minute, logger)
	typ := typing.New(userID, bus, time.Minute, logger)
	notifier := &recordingNotifier{permission: notify.PermissionGranted}

	engine := New(identity.NewStatic(userID, userID+"@example.com"), st, bus, pres, typ, notifier, logger)
	require.NoError(t, engine.Start(t.Context()))
	t.Cleanup(engine.Close)

	return &fixture{engine: engine, notifier: notifier, backing: backing}
}

func newPair(t *testing.T) (alice, bob *fixture) {
	t.Helper()
	bus := realtime.NewMemoryBus(discardLogger())
	t.Cleanup(func() { bus.Close() })
	backing := store.NewMemoryStore()

	return newFixture(t, "alice", bus, backing), newFixture(t, "bob", bus, backing)
}

func waitLoaded(t *testing.T, f *fixture) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !f.engine.Loading()
	}, waitTimeout, waitTick, "engine never finished loading")
}

func TestEngine_SendAndReceiveLive(t *testing.T) {
	alice, bob := newPair(t)

	alice.engine.OpenThread(t.Context(), "bob", "")
	bob.engine.OpenThread(t.Context(), "alice", "")
	waitLoaded(t, alice)
	waitLoaded(t, bob)

	ok := alice.engine.SendMessage(t.Context(), "bob", "Bonjour", "")
	require.True(t, ok)

	// The echo shows up immediately on alice's side, then the confirmed
	// record replaces it: exactly one message, with a server id.
	require.Eventually(t, func() bool {
		msgs := alice.engine.Messages()
		return len(msgs) == 1 && !strings.HasPrefix(msgs[0].ID, "pending-")
	}, waitTimeout, waitTick, "echo never reconciled on sender side")

	// Bob receives it live on his open thread.
	require.Eventually(t, func() bool {
		msgs := bob.engine.Messages()
		return len(msgs) == 1 && msgs[0].Content == "Bonjour"
	}, waitTimeout, waitTick, "receiver never saw the message")

	// Both ends display the same server record.
	assert.Equal(t, alice.engine.Messages()[0].ID, bob.engine.Messages()[0].ID)
}

func TestEngine_UnreadThenMarkAsRead(t *testing.T) {
	alice, bob := newPair(t)
	bob.engine.OpenThread(t.Context(), "alice", "")
	waitLoaded(t, bob)

	require.True(t, alice.engine.SendMessage(t.Context(), "bob", "Bonjour", ""))

	var scopeKey string
	require.Eventually(t, func() bool {
		convs := bob.engine.Conversations()
		if len(convs) != 1 || convs[0].UnreadCount != 1 {
			return false
		}
		scopeKey = convs[0].ScopeKey
		return true
	}, waitTimeout, waitTick, "conversation never showed one unread")
	assert.Equal(t, store.ScopeKey("alice", ""), scopeKey)

	bob.engine.MarkAsRead(t.Context(), "alice", "")

	require.Eventually(t, func() bool {
		convs := bob.engine.Conversations()
		return len(convs) == 1 && convs[0].UnreadCount == 0
	}, waitTimeout, waitTick, "unread count never dropped to zero")

	// Idempotent: a second mark is harmless.
	bob.engine.MarkAsRead(t.Context(), "alice", "")
	time.Sleep(50 * time.Millisecond)
	convs := bob.engine.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, 0, convs[0].UnreadCount)
}

func TestEngine_EmptyContentRejectedSynchronously(t *testing.T) {
	alice, _ := newPair(t)
	alice.engine.OpenThread(t.Context(), "bob", "")
	waitLoaded(t, alice)

	assert.False(t, alice.engine.SendMessage(t.Context(), "bob", "   \n\t ", ""))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, alice.engine.Messages(), "no echo for a rejected send")
}

func TestEngine_SendFailureRollsBackOnlyThatEcho(t *testing.T) {
	alice, _ := newPair(t)

	alice.engine.OpenThread(t.Context(), "bob", "")
	waitLoaded(t, alice)

	// First send succeeds and reconciles.
	require.True(t, alice.engine.SendMessage(t.Context(), "bob", "this one lands", ""))
	require.Eventually(t, func() bool {
		msgs := alice.engine.Messages()
		return len(msgs) == 1 && !strings.HasPrefix(msgs[0].ID, "pending-")
	}, waitTimeout, waitTick)

	// Backend starts failing; the next send rolls back.
	alice.backing.FailSaves(store.ErrStorage)
	require.True(t, alice.engine.SendMessage(t.Context(), "bob", "this one fails", ""))

	require.Eventually(t, func() bool {
		msgs := alice.engine.Messages()
		return len(msgs) == 1 && msgs[0].Content == "this one lands"
	}, waitTimeout, waitTick, "failed echo never rolled back")

	// The user was told.
	require.Eventually(t, func() bool {
		return alice.notifier.count() == 1
	}, waitTimeout, waitTick, "no failure notification")
}

func TestEngine_InboundOutsideOpenThreadNotifies(t *testing.T) {
	alice, bob := newPair(t)

	// Bob has a different thread open.
	bob.engine.OpenThread(t.Context(), "carol", "")
	waitLoaded(t, bob)

	require.True(t, alice.engine.SendMessage(t.Context(), "bob", "psst", ""))

	require.Eventually(t, func() bool {
		return bob.notifier.count() >= 1
	}, waitTimeout, waitTick, "no notification for inbound outside the open thread")

	// The open carol thread stayed clean.
	assert.Empty(t, bob.engine.Messages())

	// The conversation list still picked the message up.
	require.Eventually(t, func() bool {
		for _, c := range bob.engine.Conversations() {
			if c.CounterpartyID == "alice" && c.UnreadCount == 1 {
				return true
			}
		}
		return false
	}, waitTimeout, waitTick)
}

func TestEngine_InboundOnOpenThreadDoesNotNotify(t *testing.T) {
	alice, bob := newPair(t)

	bob.engine.OpenThread(t.Context(), "alice", "")
	waitLoaded(t, bob)

	require.True(t, alice.engine.SendMessage(t.Context(), "bob", "hi", ""))

	require.Eventually(t, func() bool {
		return len(bob.engine.Messages()) == 1
	}, waitTimeout, waitTick)

	assert.Zero(t, bob.notifier.count(), "open-thread messages never notify")
}

func TestEngine_ListingScopesStaySeparate(t *testing.T) {
	alice, bob := newPair(t)

	alice.engine.OpenThread(t.Context(), "bob", "L1")
	waitLoaded(t, alice)

	require.True(t, alice.engine.SendMessage(t.Context(), "bob", "about the bike", "L1"))
	require.True(t, alice.engine.SendMessage(t.Context(), "bob", "hello generally", ""))

	// Only the L1 message belongs to the open thread.
	require.Eventually(t, func() bool {
		msgs := alice.engine.Messages()
		return len(msgs) == 1 && msgs[0].ListingID == "L1"
	}, waitTimeout, waitTick)

	// Bob's list shows two distinct conversations with alice.
	require.Eventually(t, func() bool {
		return len(bob.engine.Conversations()) == 2
	}, waitTimeout, waitTick)
}

func TestEngine_PresenceReachesConversationList(t *testing.T) {
	alice, bob := newPair(t)

	require.True(t, alice.engine.SendMessage(t.Context(), "bob", "hi", ""))

	// Both publishers announced online on the shared channel at start.
	require.Eventually(t, func() bool {
		for _, c := range bob.engine.Conversations() {
			if c.CounterpartyID == "alice" && c.ParticipantStatus == store.StatusOnline {
				return true
			}
		}
		return false
	}, waitTimeout, waitTick, "counterparty never showed online")
}

func TestEngine_TypingIndicatorBothDirections(t *testing.T) {
	alice, bob := newPair(t)

	// A conversation must exist before an indicator has a row to land on.
	require.True(t, alice.engine.SendMessage(t.Context(), "bob", "hi", ""))
	require.Eventually(t, func() bool {
		return len(alice.engine.Conversations()) == 1 && len(bob.engine.Conversations()) == 1
	}, waitTimeout, waitTick)

	alice.engine.SendTyping(t.Context(), store.ScopeKey("bob", ""), true)
	bob.engine.SendTyping(t.Context(), store.ScopeKey("alice", ""), true)

	// Each side sees the other typing; neither sees itself.
	require.Eventually(t, func() bool {
		a := alice.engine.Conversations()
		b := bob.engine.Conversations()
		return len(a) == 1 && a[0].IsTyping && len(b) == 1 && b[0].IsTyping
	}, waitTimeout, waitTick, "simultaneous typing never converged")

	alice.engine.SendTyping(t.Context(), store.ScopeKey("bob", ""), false)
	require.Eventually(t, func() bool {
		b := bob.engine.Conversations()
		return len(b) == 1 && !b[0].IsTyping
	}, waitTimeout, waitTick, "explicit stop never cleared the indicator")
}

func TestEngine_ThreadSwitchDiscardsStaleFetch(t *testing.T) {
	alice, _ := newPair(t)

	// Open one thread, then immediately switch. Whatever the first fetch
	// returns must not leak into the second thread.
	alice.engine.OpenThread(t.Context(), "bob", "")
	alice.engine.OpenThread(t.Context(), "carol", "")
	waitLoaded(t, alice)

	require.True(t, alice.engine.SendMessage(t.Context(), "carol", "for carol", ""))

	require.Eventually(t, func() bool {
		msgs := alice.engine.Messages()
		return len(msgs) == 1 && msgs[0].ReceiverID == "carol"
	}, waitTimeout, waitTick)
}

func TestEngine_SeededHistoryLoadsAtStart(t *testing.T) {
	bus := realtime.NewMemoryBus(discardLogger())
	t.Cleanup(func() { bus.Close() })
	backing := store.NewMemoryStore()

	// History exists before the client ever connects.
	require.NoError(t, backing.SaveMessage(t.Context(), &store.Message{
		SenderID: "bob", ReceiverID: "alice", Content: "while you were away",
	}))

	alice := newFixture(t, "alice", bus, backing)
	waitLoaded(t, alice)

	require.Eventually(t, func() bool {
		convs := alice.engine.Conversations()
		return len(convs) == 1 && convs[0].UnreadCount == 1 &&
			convs[0].LastMessage.Content == "while you were away"
	}, waitTimeout, waitTick)
	assert.True(t, alice.engine.Connected())
}

func TestEngine_LoadFailureKeepsPriorState(t *testing.T) {
	bus := realtime.NewMemoryBus(discardLogger())
	t.Cleanup(func() { bus.Close() })
	backing := store.NewMemoryStore()
	require.NoError(t, backing.SaveMessage(t.Context(), &store.Message{
		SenderID: "bob", ReceiverID: "alice", Content: "hi",
	}))

	alice := newFixture(t, "alice", bus, backing)
	waitLoaded(t, alice)
	require.Eventually(t, func() bool {
		return len(alice.engine.Conversations()) == 1
	}, waitTimeout, waitTick)

	// Backend starts failing; an explicit thread fetch fails but existing
	// state survives. Stale-but-present beats empty.
	backing.FailLists(store.ErrStorage)
	alice.engine.OpenThread(t.Context(), "bob", "")

	require.Eventually(t, func() bool {
		return !alice.engine.Connected()
	}, waitTimeout, waitTick, "failed fetch never flipped connectivity")
	assert.Len(t, alice.engine.Conversations(), 1)
}

func TestEngine_SnapshotConsistency(t *testing.T) {
	alice, _ := newPair(t)
	alice.engine.OpenThread(t.Context(), "bob", "")
	waitLoaded(t, alice)

	require.True(t, alice.engine.SendMessage(t.Context(), "bob", "hello", ""))
	require.Eventually(t, func() bool {
		snap := alice.engine.Snapshot()
		return len(snap.Conversations) == 1 && len(snap.Messages) == 1 &&
			snap.Connected && !snap.Loading
	}, waitTimeout, waitTick)
}

func TestEngine_UpdatesSignalFires(t *testing.T) {
	alice, _ := newPair(t)

	require.True(t, alice.engine.SendMessage(t.Context(), "bob", "hi", ""))

	select {
	case <-alice.engine.Updates():
	case <-time.After(waitTimeout):
		t.Fatal("no update signal after a send")
	}
}

func TestEngine_StartAndCloseIdempotent(t *testing.T) {
	alice, _ := newPair(t)

	require.NoError(t, alice.engine.Start(t.Context()))
	alice.engine.Close()
	alice.engine.Close()
}

func TestEngine_CloseAfterFailedStart(t *testing.T) {
	bus := realtime.NewMemoryBus(discardLogger())
	require.NoError(t, bus.Close())
	logger := discardLogger()

	backing := store.NewMemoryStore()
	st := store.NewNotifyingStore(backing, bus, logger)
	pres := presence.New("alice", bus, st, time.Minute, logger)
	typ := typing.New("alice", bus, time.Minute, logger)
	engine := New(identity.NewStatic("alice", "alice@example.com"), st, bus, pres, typ, &recordingNotifier{}, logger)

	require.Error(t, engine.Start(t.Context()))

	// The loop never launched; Close must return immediately.
	closed := make(chan struct{})
	go func() {
		engine.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked after a failed Start")
	}
	assert.False(t, engine.Loading())
}

func TestEngine_OperationsBeforeStartAreSafe(t *testing.T) {
	bus := realtime.NewMemoryBus(discardLogger())
	t.Cleanup(func() { bus.Close() })
	logger := discardLogger()

	backing := store.NewMemoryStore()
	st := store.NewNotifyingStore(backing, bus, logger)
	pres := presence.New("alice", bus, st, time.Minute, logger)
	typ := typing.New("alice", bus, time.Minute, logger)
	engine := New(identity.NewStatic("alice", "alice@example.com"), st, bus, pres, typ, &recordingNotifier{}, logger)

	// None of these may panic on a never-started engine.
	engine.OpenThread(t.Context(), "bob", "")
	engine.MarkAsRead(t.Context(), "bob", "")
	engine.SendTyping(t.Context(), store.ScopeKey("bob", ""), true)
	assert.True(t, engine.SendMessage(t.Context(), "bob", "hello", ""))
	assert.False(t, engine.SendMessage(t.Context(), "bob", "  ", ""))
	assert.Empty(t, engine.Conversations())
	engine.Close()
}
