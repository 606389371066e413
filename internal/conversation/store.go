package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/assistd/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id         TEXT    PRIMARY KEY,
		title      TEXT    NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id              TEXT    PRIMARY KEY,
		conversation_id TEXT    NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role            TEXT    NOT NULL,
		content         TEXT    NOT NULL,
		ts              INTEGER NOT NULL,
		tokens          INTEGER NOT NULL DEFAULT 0,
		mode            TEXT    NOT NULL DEFAULT 'chat'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts)`,
}

// Store is the SQLite conversation store.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates the tables if needed.
func NewStore(ctx context.Context, db *sql.DB, logger *zap.Logger, opts ...Option) (*Store, error) {
	if err := storage.Migrate(ctx, db, schema...); err != nil {
		return nil, fmt.Errorf("migrate conversation tables: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{db: db, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// OnMessageStored registers a listener.
func (s *Store) OnMessageStored(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// CreateConversation inserts a new conversation.
func (s *Store) CreateConversation(ctx context.Context, title string) (Conversation, error) {
	now := s.stamp()
	c := Conversation{ID: uuid.NewString(), Title: title, CreatedAt: now, UpdatedAt: now}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.Title, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

// GetConversation returns one conversation.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return c, err
}

// GetConversations lists conversations, most recently updated first.
func (s *Store) GetConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations ORDER BY updated_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := []Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// StoreMessage appends a message to an existing conversation, touches the
// conversation and notifies listeners.
func (s *Store) StoreMessage(ctx context.Context, conversationID, role, content string, tokens int, mode string) (Message, error) {
	if mode == "" {
		mode = DefaultMode
	}
	m := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      s.stamp(),
		Tokens:         tokens,
		Mode:           mode,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin store message: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, m.Timestamp.UnixMilli(), conversationID)
	if err != nil {
		return Message{}, fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Message{}, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, ts, tokens, mode) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, m.Timestamp.UnixMilli(), m.Tokens, m.Mode,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit message: %w", err)
	}

	s.notify(m)
	return m, nil
}

// GetMessage returns one message.
func (s *Store) GetMessage(ctx context.Context, id string) (Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, role, content, ts, tokens, mode FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return m, err
}

// GetMessages returns a conversation's messages, oldest first.
func (s *Store) GetMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, ts, tokens, mode
		 FROM messages WHERE conversation_id = ? ORDER BY ts ASC, rowid ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMessagesOlderThan removes messages stamped before cutoff and
// returns their IDs.
func (s *Store) DeleteMessagesOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin retention delete: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `SELECT id FROM messages WHERE ts < ?`, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("select expired messages: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired message: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE ts < ?`, cutoff.UnixMilli()); err != nil {
		return nil, fmt.Errorf("delete expired messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit retention delete: %w", err)
	}

	s.logger.Info("expired messages deleted",
		zap.Int("count", len(ids)),
		zap.Time("cutoff", cutoff),
	)
	return ids, nil
}

func (s *Store) notify(m Message) {
	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	for _, l := range listeners {
		l(m)
	}
}

// stamp truncates to the stored millisecond resolution so returned values
// equal what a later read produces.
func (s *Store) stamp() time.Time {
	return time.UnixMilli(s.now().UnixMilli()).UTC()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(r scanner) (Conversation, error) {
	var (
		c                Conversation
		created, updated int64
	)
	if err := r.Scan(&c.ID, &c.Title, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, err
		}
		return Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	c.CreatedAt = time.UnixMilli(created).UTC()
	c.UpdatedAt = time.UnixMilli(updated).UTC()
	return c, nil
}

func scanMessage(r scanner) (Message, error) {
	var (
		m  Message
		ts int64
	)
	if err := r.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &ts, &m.Tokens, &m.Mode); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("scan message: %w", err)
	}
	m.Timestamp = time.UnixMilli(ts).UTC()
	return m, nil
}

// Title derives a conversation title from the first message.
func Title(firstMessage string) string {
	t := strings.TrimSpace(firstMessage)
	r := []rune(t)
	if len(r) > 50 {
		return string(r[:50])
	}
	if t == "" {
		return "New conversation"
	}
	return t
}
