// Package sqlite persists sessions and messages in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/chatrelay/backend/internal/service/chat"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	title      TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	role       TEXT NOT NULL,
	kind       TEXT NOT NULL DEFAULT 'text',
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE (session_id, seq),
	FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
`

// Store implements chat.Store on top of database/sql and modernc.org/sqlite.
type Store struct {
	db  *sql.DB
	now chatservice.Clock
}

// Open creates (or reuses) the database at path and initializes the schema.
func Open(ctx context.Context, path string, clock chatservice.Clock) (*Store, error) {
	if clock == nil {
		clock = chatservice.SystemClock
	}

	// WAL lets readers proceed while the single writer appends.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers anyway; one connection keeps sequence allocation simple.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, now: clock}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateSession(ctx context.Context, userID, title string) (chat.Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return chat.Session{}, chatservice.ErrInvalidInput
	}

	createdAt := s.now()
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

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, title, created_at) VALUES (?, ?, ?, ?)`,
		session.ID, session.UserID, session.Title, createdAt.UnixNano(),
	)
	if err != nil {
		return chat.Session{}, chatservice.StorageErr("create session", err)
	}
	return session, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (chat.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at FROM sessions WHERE id = ?`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, chatservice.ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, chatservice.StorageErr("get session", err)
	}
	return session, nil
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]chat.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at FROM sessions
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, chatservice.StorageErr("list sessions", err)
	}
	defer rows.Close()

	sessions := make([]chat.Session, 0, 8)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, chatservice.StorageErr("scan session", err)
		}
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

	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET title = ? WHERE id = ?`, normalized, sessionID)
	if err != nil {
		return chat.Session{}, chatservice.StorageErr("rename session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.Session{}, chatservice.ErrSessionNotFound
	}

	session.Title = normalized
	return session, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chatservice.StorageErr("begin delete", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return chatservice.StorageErr("delete messages", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return chatservice.StorageErr("delete session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chatservice.ErrSessionNotFound
	}
	if err := tx.Commit(); err != nil {
		return chatservice.StorageErr("commit delete", err)
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, sessionID string, role chat.Role, kind chat.Kind, content string) (chat.Message, error) {
	if err := chatservice.ValidateMessage(sessionID, role, kind); err != nil {
		return chat.Message{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Message{}, chatservice.StorageErr("begin append", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, chatservice.MissingSessionErr(sessionID)
	}
	if err != nil {
		return chat.Message{}, chatservice.StorageErr("lookup session", err)
	}

	var lastSeq, lastAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0), COALESCE(MAX(created_at), 0) FROM messages WHERE session_id = ?`,
		sessionID).Scan(&lastSeq, &lastAt)
	if err != nil {
		return chat.Message{}, chatservice.StorageErr("next sequence", err)
	}

	createdAt := s.now()
	if createdAt.UnixNano() < lastAt {
		createdAt = time.Unix(0, lastAt).UTC()
	}

	message := chat.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Seq:       lastSeq + 1,
		Role:      role,
		Kind:      kind,
		Content:   content,
		CreatedAt: createdAt,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, seq, role, kind, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		message.ID, message.SessionID, message.Seq, string(message.Role), string(message.Kind), message.Content, createdAt.UnixNano(),
	)
	if err != nil {
		return chat.Message{}, chatservice.StorageErr("insert message", err)
	}
	if err := tx.Commit(); err != nil {
		return chat.Message{}, chatservice.StorageErr("commit append", err)
	}
	return message, nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, role, kind, content, created_at FROM messages
		 WHERE session_id = ?
		 ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, chatservice.StorageErr("list messages", err)
	}
	defer rows.Close()

	messages := make([]chat.Message, 0, 16)
	for rows.Next() {
		var (
			msg       chat.Message
			role      string
			kind      string
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &role, &kind, &msg.Content, &createdAt); err != nil {
			return nil, chatservice.StorageErr("scan message", err)
		}
		msg.Role = chat.Role(role)
		msg.Kind = chat.Kind(kind)
		msg.CreatedAt = time.Unix(0, createdAt).UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, chatservice.StorageErr("list messages", err)
	}
	return messages, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (chat.Session, error) {
	var (
		session   chat.Session
		createdAt int64
	)
	if err := row.Scan(&session.ID, &session.UserID, &session.Title, &createdAt); err != nil {
		return chat.Session{}, err
	}
	session.CreatedAt = time.Unix(0, createdAt).UTC()
	return session, nil
}
