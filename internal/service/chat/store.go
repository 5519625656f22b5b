package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
)

// MaxContentRunes bounds the size of a single message body.
const MaxContentRunes = 4000

// MaxTitleRunes bounds the size of a session title.
const MaxTitleRunes = 255

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrUnauthorized    = errors.New("session belongs to another user")
	ErrStorage         = errors.New("storage unavailable")
	ErrInvalidInput    = errors.New("invalid input")
)

// SessionRegistry maps session ids to their owner and metadata.
type SessionRegistry interface {
	CreateSession(ctx context.Context, userID, title string) (chat.Session, error)
	GetSession(ctx context.Context, sessionID string) (chat.Session, error)
	// ListSessions returns the user's sessions most-recent-first.
	ListSessions(ctx context.Context, userID string) ([]chat.Session, error)
	RenameSession(ctx context.Context, sessionID, title string) (chat.Session, error)
	// DeleteSession removes the session together with all of its messages.
	DeleteSession(ctx context.Context, sessionID string) error
}

// MessageStore is the append-only, per-session ordered message log.
type MessageStore interface {
	// AppendMessage assigns the next sequence number and persists the message.
	// Appending to an unknown session fails with ErrStorage and ErrSessionNotFound.
	AppendMessage(ctx context.Context, sessionID string, role chat.Role, kind chat.Kind, content string) (chat.Message, error)
	// ListMessages returns the session's messages in ascending sequence order.
	ListMessages(ctx context.Context, sessionID string) ([]chat.Message, error)
}

// Repository combines both contracts.
type Repository interface {
	SessionRegistry
	MessageStore
}

// Store is implemented by every persistence backend.
type Store interface {
	Repository
	Close() error
}

// Clock returns the current time. Stores accept one so tests can control ordering.
type Clock func() time.Time

// SystemClock is the default Clock.
func SystemClock() time.Time {
	return time.Now().UTC()
}

// NormalizeTitle trims the title and falls back to the timestamped default.
func NormalizeTitle(title string, createdAt time.Time) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return chat.DefaultTitle(createdAt), nil
	}
	if utf8.RuneCountInString(title) > MaxTitleRunes {
		return "", fmt.Errorf("%w: title must be at most %d characters", ErrInvalidInput, MaxTitleRunes)
	}
	return title, nil
}

// ValidateContent trims and bounds a user supplied message body.
func ValidateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return "", fmt.Errorf("%w: content must be at most %d characters", ErrInvalidInput, MaxContentRunes)
	}
	return content, nil
}

// ValidateMessage checks the append arguments shared by every backend.
func ValidateMessage(sessionID string, role chat.Role, kind chat.Kind) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, kind)
	}
	return nil
}

// SortSessions orders sessions most-recent-first, newest id first on ties.
func SortSessions(sessions []chat.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
		}
		return sessions[i].ID > sessions[j].ID
	})
}

// Authorize loads the session and checks that userID owns it.
func Authorize(ctx context.Context, registry SessionRegistry, userID, sessionID string) (chat.Session, error) {
	session, err := registry.GetSession(ctx, sessionID)
	if err != nil {
		return chat.Session{}, err
	}
	if session.UserID != userID {
		return chat.Session{}, ErrUnauthorized
	}
	return session, nil
}

// StorageErr wraps a backend failure so callers can match ErrStorage.
func StorageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

// MissingSessionErr is returned by AppendMessage for unknown sessions.
func MissingSessionErr(sessionID string) error {
	return fmt.Errorf("%w: append to %s: %w", ErrStorage, sessionID, ErrSessionNotFound)
}
