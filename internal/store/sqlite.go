// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides message/presence persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			listing_id TEXT NOT NULL DEFAULT '',
			sender_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			content TEXT NOT NULL,
			read INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			type TEXT NOT NULL DEFAULT 'user',
			correlation_id TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_messages_sender
			ON messages(sender_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_messages_receiver
			ON messages(receiver_id, created_at);

		CREATE TABLE IF NOT EXISTS presence (
			user_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			last_seen_at DATETIME NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// SaveMessage inserts one message with read=false
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	if err := normalize(msg); err != nil {
		return err
	}

	query := `
		INSERT INTO messages (id, listing_id, sender_id, receiver_id, content, read, created_at, type, correlation_id)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ListingID,
		msg.SenderID,
		msg.ReceiverID,
		msg.Content,
		msg.CreatedAt.Format(time.RFC3339Nano),
		msg.Type,
		msg.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("%w: inserting message: %v", ErrStorage, err)
	}

	s.logger.Debug("message saved",
		"message_id", msg.ID,
		"sender", msg.SenderID,
		"receiver", msg.ReceiverID,
	)
	return nil
}

// ListUserMessages returns all user-type messages where selfID is sender
// or receiver, newest first
func (s *SQLiteStore) ListUserMessages(ctx context.Context, selfID string) ([]*Message, error) {
	query := `
		SELECT id, listing_id, sender_id, receiver_id, content, read, created_at, type, correlation_id
		FROM messages
		WHERE type = ? AND (sender_id = ? OR receiver_id = ?)
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, MessageTypeUser, selfID, selfID)
	if err != nil {
		return nil, fmt.Errorf("%w: querying user messages: %v", ErrStorage, err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// ListThread returns all messages for the exact conversation scope, oldest first
func (s *SQLiteStore) ListThread(ctx context.Context, selfID, counterpartyID, listingID string) ([]*Message, error) {
	query := `
		SELECT id, listing_id, sender_id, receiver_id, content, read, created_at, type, correlation_id
		FROM messages
		WHERE listing_id = ?
		  AND ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, listingID, selfID, counterpartyID, counterpartyID, selfID)
	if err != nil {
		return nil, fmt.Errorf("%w: querying thread: %v", ErrStorage, err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// MarkThreadRead bulk-sets read=true on all inbound messages in the scope.
// Read only ever transitions false -> true, so re-running is a no-op.
func (s *SQLiteStore) MarkThreadRead(ctx context.Context, selfID, counterpartyID, listingID string) error {
	query := `
		UPDATE messages SET read = 1
		WHERE receiver_id = ? AND sender_id = ? AND listing_id = ? AND read = 0
	`
	res, err := s.db.ExecContext(ctx, query, selfID, counterpartyID, listingID)
	if err != nil {
		return fmt.Errorf("%w: marking thread read: %v", ErrStorage, err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Debug("thread marked read",
			"self", selfID,
			"counterparty", counterpartyID,
			"listing", listingID,
			"updated", n,
		)
	}
	return nil
}

// UpsertPresence writes one user's presence record, keyed by user id
func (s *SQLiteStore) UpsertPresence(ctx context.Context, rec *PresenceRecord) error {
	query := `
		INSERT INTO presence (user_id, status, last_seen_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET status = excluded.status, last_seen_at = excluded.last_seen_at
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.UserID,
		string(rec.Status),
		rec.LastSeenAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: upserting presence: %v", ErrStorage, err)
	}
	return nil
}

// ListPresence returns every known presence record
func (s *SQLiteStore) ListPresence(ctx context.Context) ([]*PresenceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, status, last_seen_at FROM presence`)
	if err != nil {
		return nil, fmt.Errorf("%w: querying presence: %v", ErrStorage, err)
	}
	defer rows.Close()

	var out []*PresenceRecord
	for rows.Next() {
		rec := &PresenceRecord{}
		var status, lastSeen string
		if err := rows.Scan(&rec.UserID, &status, &lastSeen); err != nil {
			return nil, fmt.Errorf("%w: scanning presence: %v", ErrStorage, err)
		}
		rec.Status = PresenceStatus(status)
		rec.LastSeenAt, err = time.Parse(time.RFC3339Nano, lastSeen)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing last_seen_at: %v", ErrStorage, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating presence: %v", ErrStorage, err)
	}
	return out, nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		msg := &Message{}
		var read int
		var createdAt string
		if err := rows.Scan(
			&msg.ID,
			&msg.ListingID,
			&msg.SenderID,
			&msg.ReceiverID,
			&msg.Content,
			&read,
			&createdAt,
			&msg.Type,
			&msg.CorrelationID,
		); err != nil {
			return nil, fmt.Errorf("%w: scanning message: %v", ErrStorage, err)
		}
		msg.Read = read != 0

		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing created_at: %v", ErrStorage, err)
		}
		msg.CreatedAt = ts
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating messages: %v", ErrStorage, err)
	}
	return out, nil
}
