// Package conversation turns the flat, append-only message stream into
// live, ordered conversations with presence, typing indicators,
// read-state, and optimistic local echo.
//
// # Overview
//
// The package has three layers:
//
//   - Aggregate: a pure fold from the full message list to one row per
//     (counterparty, listing) scope — last message, unread count, merged
//     presence and typing state.
//   - Thread: the delivery reconciler's state for the open thread. Each
//     send moves through pending -> confirmed | failed: the local echo is
//     appended immediately, then either replaced in place by the
//     server-confirmed record or rolled back on storage failure.
//   - Engine: the facade a UI layer consumes. It composes the store
//     client, the two change-feed subscriptions, the presence publisher,
//     and the typing broadcaster.
//
// # Concurrency model
//
// All mutation happens on one event-loop goroutine fed by a single
// queue. The store feed, presence channel, and typing channel deliver
// asynchronously and in no particular relative order; the loop applies a
// pure reducer (state, event) -> state, and the aggregator recomputes
// from the final message set, so the merged view never depends on
// cross-channel arrival order.
//
// # Reconciliation
//
// Two independent subscriptions exist against the store's change feed:
// the inbox (messages addressed to me) and the outbox (messages sent by
// me from any session). An outbox event matching a pending echo — by
// correlation id, falling back to (content, receiver) equality for
// records written without one — replaces the echo's temporary id in
// place. Outbox events with no pending match were sent from another
// session and are appended like any other message.
//
// # Usage
//
//	engine := conversation.New(self, st, bus, pres, typ, notifier, logger)
//	if err := engine.Start(ctx); err != nil { ... }
//	defer engine.Close()
//
//	engine.OpenThread(ctx, counterpartyID, listingID)
//	engine.SendMessage(ctx, counterpartyID, "Bonjour", listingID)
//	for range engine.Updates() {
//		render(engine.Snapshot())
//	}
package conversation
