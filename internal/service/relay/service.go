// Package relay delivers chat messages to the listeners of a session in real
// time and runs the asynchronous completion pipeline behind every user turn.
package relay

import (
	"context"

	"go.uber.org/zap"

	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/chatrelay/backend/internal/service/chat"
	"github.com/zhouzirui/chatrelay/backend/internal/service/ratelimit"
)

// Service is the entry point used by the transports. Callers pass an already
// authenticated user id; Service checks session ownership.
type Service struct {
	sessions    chatservice.Repository
	broadcaster *Broadcaster
	dispatcher  *Dispatcher
	limiter     ratelimit.Limiter
	logger      *zap.Logger
}

// NewService wires the relay. limiter may be nil.
func NewService(sessions chatservice.Repository, broadcaster *Broadcaster, dispatcher *Dispatcher, limiter ratelimit.Limiter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		sessions:    sessions,
		broadcaster: broadcaster,
		dispatcher:  dispatcher,
		limiter:     limiter,
		logger:      logger,
	}
}

// Broadcaster exposes the underlying broadcaster.
func (s *Service) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// Join subscribes l to the user's session and replays its history.
func (s *Service) Join(ctx context.Context, userID, sessionID string, l Listener) error {
	if _, err := chatservice.Authorize(ctx, s.sessions, userID, sessionID); err != nil {
		return err
	}
	if err := s.broadcaster.Join(ctx, sessionID, l); err != nil {
		return err
	}
	s.logger.Debug("listener joined",
		zap.String("user", userID),
		zap.String("session", sessionID),
		zap.String("listener", l.ID()),
	)
	return nil
}

// Leave unsubscribes l from sessionID.
func (s *Service) Leave(sessionID string, l Listener) {
	s.broadcaster.Leave(sessionID, l)
}

// Disconnect removes l from its current session, if any.
func (s *Service) Disconnect(l Listener) {
	s.broadcaster.Disconnect(l)
}

// Send stores the user's message, fans it out to the session's listeners and
// hands it to the dispatcher. It returns once the message is stored and
// broadcast; the reply arrives later through the broadcaster.
func (s *Service) Send(ctx context.Context, userID, sessionID, content string) (chat.Message, *Task, error) {
	content, err := chatservice.ValidateContent(content)
	if err != nil {
		return chat.Message{}, nil, err
	}
	if _, err := chatservice.Authorize(ctx, s.sessions, userID, sessionID); err != nil {
		return chat.Message{}, nil, err
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, userID)
		if err != nil {
			s.logger.Warn("rate limiter unavailable, allowing send", zap.String("user", userID), zap.Error(err))
		} else if !allowed {
			return chat.Message{}, nil, ratelimit.ErrRateLimited
		}
	}

	msg, err := s.broadcaster.Append(ctx, sessionID, chat.RoleUser, chat.KindText, content)
	if err != nil {
		s.logger.Error("append user message failed", zap.String("session", sessionID), zap.Error(err))
		return chat.Message{}, nil, err
	}

	task := s.dispatcher.DispatchMessage(msg)
	return msg, task, nil
}

// CreateSession registers a new session for userID.
func (s *Service) CreateSession(ctx context.Context, userID, title string) (chat.Session, error) {
	return s.sessions.CreateSession(ctx, userID, title)
}

// Sessions lists userID's sessions, most-recent-first.
func (s *Service) Sessions(ctx context.Context, userID string) ([]chat.Session, error) {
	return s.sessions.ListSessions(ctx, userID)
}

// Session returns one of userID's sessions.
func (s *Service) Session(ctx context.Context, userID, sessionID string) (chat.Session, error) {
	return chatservice.Authorize(ctx, s.sessions, userID, sessionID)
}

// Messages returns the ordered transcript of one of userID's sessions.
func (s *Service) Messages(ctx context.Context, userID, sessionID string) ([]chat.Message, error) {
	if _, err := chatservice.Authorize(ctx, s.sessions, userID, sessionID); err != nil {
		return nil, err
	}
	return s.sessions.ListMessages(ctx, sessionID)
}

// RenameSession changes the title of one of userID's sessions.
func (s *Service) RenameSession(ctx context.Context, userID, sessionID, title string) (chat.Session, error) {
	if _, err := chatservice.Authorize(ctx, s.sessions, userID, sessionID); err != nil {
		return chat.Session{}, err
	}
	return s.sessions.RenameSession(ctx, sessionID, title)
}

// DeleteSession removes the session with its messages and closes its group.
func (s *Service) DeleteSession(ctx context.Context, userID, sessionID string) error {
	if _, err := chatservice.Authorize(ctx, s.sessions, userID, sessionID); err != nil {
		return err
	}
	if err := s.sessions.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	s.broadcaster.Disband(sessionID)
	s.logger.Info("session deleted", zap.String("user", userID), zap.String("session", sessionID))
	return nil
}
