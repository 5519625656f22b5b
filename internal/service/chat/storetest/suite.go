// Package storetest holds the behavioural checks every chat.Store backend must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/chatrelay/backend/internal/service/chat"
)

// Factory builds a fresh, empty store driven by the given clock.
type Factory func(t *testing.T, clock chatservice.Clock) chatservice.Store

// StepClock returns a clock that advances by step on every call, starting at base.
func StepClock(base time.Time, step time.Duration) chatservice.Clock {
	var mu sync.Mutex
	next := base
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := next
		next = next.Add(step)
		return now
	}
}

// Run executes the shared suite against the backend produced by factory.
func Run(t *testing.T, factory Factory) {
	base := time.Date(2024, time.March, 5, 14, 30, 0, 0, time.UTC)

	t.Run("create applies default title", func(t *testing.T) {
		store := factory(t, StepClock(base, time.Second))
		ctx := context.Background()

		session, err := store.CreateSession(ctx, "alice", "  ")
		require.NoError(t, err)
		require.NotEmpty(t, session.ID)
		require.Equal(t, "alice", session.UserID)
		require.Equal(t, "Session Mar 05, 2024 · 02:30 PM", session.Title)

		got, err := store.GetSession(ctx, session.ID)
		require.NoError(t, err)
		require.Equal(t, session.ID, got.ID)
		require.Equal(t, session.Title, got.Title)
		require.True(t, session.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("get unknown session", func(t *testing.T) {
		store := factory(t, StepClock(base, time.Second))
		_, err := store.GetSession(context.Background(), "missing")
		require.ErrorIs(t, err, chatservice.ErrSessionNotFound)
	})

	t.Run("list sessions most recent first", func(t *testing.T) {
		store := factory(t, StepClock(base, time.Minute))
		ctx := context.Background()

		first, err := store.CreateSession(ctx, "alice", "first")
		require.NoError(t, err)
		_, err = store.CreateSession(ctx, "bob", "other user")
		require.NoError(t, err)
		second, err := store.CreateSession(ctx, "alice", "second")
		require.NoError(t, err)
		third, err := store.CreateSession(ctx, "alice", "third")
		require.NoError(t, err)

		sessions, err := store.ListSessions(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, sessions, 3)
		require.Equal(t, []string{third.ID, second.ID, first.ID}, []string{sessions[0].ID, sessions[1].ID, sessions[2].ID})

		empty, err := store.ListSessions(ctx, "nobody")
		require.NoError(t, err)
		require.Empty(t, empty)
	})

	t.Run("rename session", func(t *testing.T) {
		store := factory(t, StepClock(base, time.Second))
		ctx := context.Background()

		session, err := store.CreateSession(ctx, "alice", "draft")
		require.NoError(t, err)

		renamed, err := store.RenameSession(ctx, session.ID, "final")
		require.NoError(t, err)
		require.Equal(t, "final", renamed.Title)

		got, err := store.GetSession(ctx, session.ID)
		require.NoError(t, err)
		require.Equal(t, "final", got.Title)

		_, err = store.RenameSession(ctx, "missing", "x")
		require.ErrorIs(t, err, chatservice.ErrSessionNotFound)
	})

	t.Run("append and list preserve order", func(t *testing.T) {
		store := factory(t, StepClock(base, time.Millisecond))
		ctx := context.Background()

		session, err := store.CreateSession(ctx, "alice", "")
		require.NoError(t, err)

		empty, err := store.ListMessages(ctx, session.ID)
		require.NoError(t, err)
		require.Empty(t, empty)

		for i := 0; i < 5; i++ {
			role := chat.RoleUser
			if i%2 == 1 {
				role = chat.RoleAssistant
			}
			msg, err := store.AppendMessage(ctx, session.ID, role, chat.KindText, fmt.Sprintf("m%d", i))
			require.NoError(t, err)
			require.Equal(t, int64(i+1), msg.Seq)
			require.Equal(t, session.ID, msg.SessionID)
		}
		_, err = store.AppendMessage(ctx, session.ID, chat.RoleAssistant, chat.KindError, chat.FailureContent)
		require.NoError(t, err)

		messages, err := store.ListMessages(ctx, session.ID)
		require.NoError(t, err)
		require.Len(t, messages, 6)
		for i := 0; i < 5; i++ {
			require.Equal(t, fmt.Sprintf("m%d", i), messages[i].Content)
			require.Equal(t, int64(i+1), messages[i].Seq)
		}
		require.Equal(t, chat.RoleUser, messages[0].Role)
		require.Equal(t, chat.RoleAssistant, messages[1].Role)
		require.True(t, messages[5].Failed())
		require.Equal(t, chat.FailureContent, messages[5].Content)
	})

	t.Run("append to unknown session is a storage error", func(t *testing.T) {
		store := factory(t, StepClock(base, time.Second))
		_, err := store.AppendMessage(context.Background(), "missing", chat.RoleUser, chat.KindText, "hello")
		require.Error(t, err)
		require.True(t, errors.Is(err, chatservice.ErrStorage))
		require.True(t, errors.Is(err, chatservice.ErrSessionNotFound))
	})

	t.Run("append rejects unknown role", func(t *testing.T) {
		store := factory(t, StepClock(base, time.Second))
		ctx := context.Background()
		session, err := store.CreateSession(ctx, "alice", "")
		require.NoError(t, err)

		_, err = store.AppendMessage(ctx, session.ID, chat.Role("ai"), chat.KindText, "hello")
		require.ErrorIs(t, err, chatservice.ErrInvalidInput)
	})

	t.Run("concurrent appends get distinct sequence numbers", func(t *testing.T) {
		store := factory(t, StepClock(base, time.Millisecond))
		ctx := context.Background()
		session, err := store.CreateSession(ctx, "alice", "")
		require.NoError(t, err)

		const writers = 8
		errs := make(chan error, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.AppendMessage(ctx, session.ID, chat.RoleUser, chat.KindText, fmt.Sprintf("w%d", i))
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		messages, err := store.ListMessages(ctx, session.ID)
		require.NoError(t, err)
		require.Len(t, messages, writers)
		for i, msg := range messages {
			require.Equal(t, int64(i+1), msg.Seq)
		}
	})

	t.Run("delete cascades to messages", func(t *testing.T) {
		store := factory(t, StepClock(base, time.Second))
		ctx := context.Background()
		session, err := store.CreateSession(ctx, "alice", "")
		require.NoError(t, err)
		_, err = store.AppendMessage(ctx, session.ID, chat.RoleUser, chat.KindText, "bye")
		require.NoError(t, err)

		require.NoError(t, store.DeleteSession(ctx, session.ID))

		_, err = store.GetSession(ctx, session.ID)
		require.ErrorIs(t, err, chatservice.ErrSessionNotFound)
		messages, err := store.ListMessages(ctx, session.ID)
		require.NoError(t, err)
		require.Empty(t, messages)

		require.ErrorIs(t, store.DeleteSession(ctx, session.ID), chatservice.ErrSessionNotFound)
	})
}
