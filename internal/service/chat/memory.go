package chat

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
)

// MemoryStore keeps sessions and transcripts in process memory. It backs the
// "memory" storage driver and most unit tests.
type MemoryStore struct {
	mu       sync.RWMutex
	now      Clock
	sessions map[string]chat.Session
	messages map[string][]chat.Message
}

// NewMemoryStore bootstraps an empty in-memory store. A nil clock uses SystemClock.
func NewMemoryStore(clock Clock) *MemoryStore {
	if clock == nil {
		clock = SystemClock
	}
	return &MemoryStore{
		now:      clock,
		sessions: make(map[string]chat.Session),
		messages: make(map[string][]chat.Message),
	}
}

// CreateSession provisions a session owned by userID.
func (s *MemoryStore) CreateSession(_ context.Context, userID, title string) (chat.Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return chat.Session{}, ErrInvalidInput
	}

	createdAt := s.now()
	title, err := NormalizeTitle(title, createdAt)
	if err != nil {
		return chat.Session{}, err
	}

	session := chat.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: createdAt,
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.messages[session.ID] = make([]chat.Message, 0, 16)
	s.mu.Unlock()

	return session, nil
}

// GetSession retrieves a session by identifier.
func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return session, nil
}

// ListSessions returns the sessions owned by userID, most-recent-first.
func (s *MemoryStore) ListSessions(_ context.Context, userID string) ([]chat.Session, error) {
	s.mu.RLock()
	sessions := make([]chat.Session, 0, 8)
	for _, session := range s.sessions {
		if session.UserID == userID {
			sessions = append(sessions, session)
		}
	}
	s.mu.RUnlock()

	SortSessions(sessions)
	return sessions, nil
}

// RenameSession replaces the session title.
func (s *MemoryStore) RenameSession(_ context.Context, sessionID, title string) (chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	normalized, err := NormalizeTitle(title, session.CreatedAt)
	if err != nil {
		return chat.Session{}, err
	}
	session.Title = normalized
	s.sessions[sessionID] = session
	return session, nil
}

// DeleteSession drops the session and its transcript.
func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	return nil
}

// AppendMessage appends a message to the session history.
func (s *MemoryStore) AppendMessage(_ context.Context, sessionID string, role chat.Role, kind chat.Kind, content string) (chat.Message, error) {
	if err := ValidateMessage(sessionID, role, kind); err != nil {
		return chat.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return chat.Message{}, MissingSessionErr(sessionID)
	}

	transcript := s.messages[sessionID]
	createdAt := s.now()
	if n := len(transcript); n > 0 && createdAt.Before(transcript[n-1].CreatedAt) {
		createdAt = transcript[n-1].CreatedAt
	}

	message := chat.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Seq:       int64(len(transcript)) + 1,
		Role:      role,
		Kind:      kind,
		Content:   content,
		CreatedAt: createdAt,
	}
	s.messages[sessionID] = append(transcript, message)
	return message, nil
}

// ListMessages returns a copy of the stored transcript. Unknown sessions yield
// an empty slice.
func (s *MemoryStore) ListMessages(_ context.Context, sessionID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := s.messages[sessionID]
	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
