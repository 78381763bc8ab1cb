// Package store provides the durable message store gateway. A message must
// be committed here before the relay attempts any fanout; the store is the
// single source of truth for message identity and ordering.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver
)

// DefaultHistoryLimit is the page size used when a history request does not
// specify one. MaxHistoryLimit caps client-supplied page sizes.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// ErrPersistFailed wraps any database error during message persistence so
// callers can distinguish a send failure from validation errors.
var ErrPersistFailed = errors.New("store: persist failed")

// Message is a durably stored direct message. The ID is assigned by the
// database (BIGSERIAL) and is monotonically orderable per conversation; the
// timestamp is assigned by the database, never by the client. Messages are
// immutable once inserted.
type Message struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Gateway is the contract the relay core depends on. Persist must durably
// commit before returning; History backfills a conversation for sessions
// that connect after a fanout.
type Gateway interface {
	Persist(ctx context.Context, sender, receiver, content string) (*Message, error)
	History(ctx context.Context, userA, userB string, beforeID int64, limit int) ([]Message, error)
}

// MessageStore is the PostgreSQL-backed Gateway implementation.
type MessageStore struct {
	db *sql.DB
}

// NewMessageStore creates a message store on the given database handle.
func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

// Persist inserts a message and returns it with its store-assigned ID and
// timestamp. The INSERT has committed when this returns; a nil error is the
// durability guarantee fanout relies on.
func (s *MessageStore) Persist(ctx context.Context, sender, receiver, content string) (*Message, error) {
	const query = `
		INSERT INTO messages (sender_id, receiver_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	msg := &Message{
		Sender:   sender,
		Receiver: receiver,
		Content:  content,
	}
	err := s.db.QueryRowContext(ctx, query, sender, receiver, content).
		Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	return msg, nil
}

// History returns messages exchanged between userA and userB, newest first.
// beforeID > 0 restricts the page to messages older than that ID for
// cursor pagination; limit <= 0 uses DefaultHistoryLimit.
func (s *MessageStore) History(ctx context.Context, userA, userB string, beforeID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	const query = `
		SELECT id, sender_id, receiver_id, content, created_at
		FROM messages
		WHERE ((sender_id = $1 AND receiver_id = $2)
		    OR (sender_id = $2 AND receiver_id = $1))
		  AND ($3 <= 0 OR id < $3)
		ORDER BY id DESC
		LIMIT $4`

	rows, err := s.db.QueryContext(ctx, query, userA, userB, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: history query: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: history scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: history rows: %w", err)
	}
	return msgs, nil
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return db, nil
}
