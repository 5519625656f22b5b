// Package postgres persists sessions and messages in PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/chatrelay/backend/internal/service/chat"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	title      TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_sessions_user ON chat_sessions (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS chat_messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
	seq        BIGINT NOT NULL,
	role       TEXT NOT NULL,
	kind       TEXT NOT NULL DEFAULT 'text',
	content    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (session_id, seq)
);
`

// NewPool builds a connection pool with conservative defaults.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second
	poolCfg.ConnConfig.ConnectTimeout = 5 * time.Second

	return pgxpool.NewWithConfig(ctx, poolCfg)
}

// Store implements chat.Store with a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	now  chatservice.Clock
}

// Open connects to databaseURL, verifies connectivity and applies the schema.
func Open(ctx context.Context, databaseURL string, clock chatservice.Clock) (*Store, error) {
	pool, err := NewPool(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return New(pool, clock), nil
}

// New wraps an existing pool. A nil clock uses SystemClock.
func New(pool *pgxpool.Pool, clock chatservice.Clock) *Store {
	if clock == nil {
		clock = chatservice.SystemClock
	}
	return &Store{pool: pool, now: clock}
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// timestamptz keeps microseconds only.
func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Store) CreateSession(ctx context.Context, userID, title string) (chat.Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return chat.Session{}, chatservice.ErrInvalidInput
	}

	createdAt := s.timestamp()
	title, err := chatservice.NormalizeTitle(title, createdAt)
	if err != nil {
		return chat.Session{}, err
	}

	session := chat.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: createdAt,
	}

	const query = `
		INSERT INTO chat_sessions (id, user_id, title, created_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := s.pool.Exec(ctx, query, session.ID, session.UserID, session.Title, session.CreatedAt); err != nil {
		return chat.Session{}, chatservice.StorageErr("create session", err)
	}
	return session, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (chat.Session, error) {
	const query = `
		SELECT id, user_id, title, created_at
		FROM chat_sessions
		WHERE id = $1
	`
	var session chat.Session
	err := s.pool.QueryRow(ctx, query, sessionID).Scan(
		&session.ID,
		&session.UserID,
		&session.Title,
		&session.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Session{}, chatservice.ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, chatservice.StorageErr("get session", err)
	}
	session.CreatedAt = session.CreatedAt.UTC()
	return session, nil
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]chat.Session, error) {
	const query = `
		SELECT id, user_id, title, created_at
		FROM chat_sessions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, chatservice.StorageErr("list sessions", err)
	}
	defer rows.Close()

	sessions := make([]chat.Session, 0, 8)
	for rows.Next() {
		var session chat.Session
		if err := rows.Scan(&session.ID, &session.UserID, &session.Title, &session.CreatedAt); err != nil {
			return nil, chatservice.StorageErr("scan session", err)
		}
		session.CreatedAt = session.CreatedAt.UTC()
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, chatservice.StorageErr("list sessions", err)
	}
	return sessions, nil
}

func (s *Store) RenameSession(ctx context.Context, sessionID, title string) (chat.Session, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return chat.Session{}, err
	}

	normalized, err := chatservice.NormalizeTitle(title, session.CreatedAt)
	if err != nil {
		return chat.Session{}, err
	}

	tag, err := s.pool.Exec(ctx, `UPDATE chat_sessions SET title = $1 WHERE id = $2`, normalized, sessionID)
	if err != nil {
		return chat.Session{}, chatservice.StorageErr("rename session", err)
	}
	if tag.RowsAffected() == 0 {
		return chat.Session{}, chatservice.ErrSessionNotFound
	}

	session.Title = normalized
	return session, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM chat_sessions WHERE id = $1`, sessionID)
	if err != nil {
		return chatservice.StorageErr("delete session", err)
	}
	if tag.RowsAffected() == 0 {
		return chatservice.ErrSessionNotFound
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, sessionID string, role chat.Role, kind chat.Kind, content string) (chat.Message, error) {
	if err := chatservice.ValidateMessage(sessionID, role, kind); err != nil {
		return chat.Message{}, err
	}

	var message chat.Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Row lock on the session serializes sequence allocation per session only.
		var locked string
		err := tx.QueryRow(ctx, `SELECT id FROM chat_sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return chatservice.ErrSessionNotFound
		}
		if err != nil {
			return err
		}

		var (
			lastSeq int64
			lastAt  *time.Time
		)
		err = tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(seq), 0), MAX(created_at) FROM chat_messages WHERE session_id = $1`,
			sessionID).Scan(&lastSeq, &lastAt)
		if err != nil {
			return err
		}

		createdAt := s.timestamp()
		if lastAt != nil && createdAt.Before(*lastAt) {
			createdAt = lastAt.UTC()
		}

		message = chat.Message{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Seq:       lastSeq + 1,
			Role:      role,
			Kind:      kind,
			Content:   content,
			CreatedAt: createdAt,
		}

		const insert = `
			INSERT INTO chat_messages (id, session_id, seq, role, kind, content, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`
		_, err = tx.Exec(ctx, insert,
			message.ID,
			message.SessionID,
			message.Seq,
			string(message.Role),
			string(message.Kind),
			message.Content,
			message.CreatedAt,
		)
		return err
	})
	if errors.Is(err, chatservice.ErrSessionNotFound) {
		return chat.Message{}, chatservice.MissingSessionErr(sessionID)
	}
	if err != nil {
		return chat.Message{}, chatservice.StorageErr("append message", err)
	}
	return message, nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]chat.Message, error) {
	const query = `
		SELECT id, session_id, seq, role, kind, content, created_at
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY seq ASC
	`
	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, chatservice.StorageErr("list messages", err)
	}
	defer rows.Close()

	messages := make([]chat.Message, 0, 16)
	for rows.Next() {
		var (
			msg  chat.Message
			role string
			kind string
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &role, &kind, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, chatservice.StorageErr("scan message", err)
		}
		msg.Role = chat.Role(role)
		msg.Kind = chat.Kind(kind)
		msg.CreatedAt = msg.CreatedAt.UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, chatservice.StorageErr("list messages", err)
	}
	return messages, nil
}
