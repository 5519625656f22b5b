package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/chatrelay/backend/internal/service/chat"
	"github.com/zhouzirui/chatrelay/backend/internal/service/chat/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock chatservice.Clock) chatservice.Store {
		store, err := Open(context.Background(), filepath.Join(t.TempDir(), "chat.db"), clock)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chat.db")

	store, err := Open(ctx, path, nil)
	require.NoError(t, err)
	session, err := store.CreateSession(ctx, "alice", "persisted")
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, session.ID, chat.RoleUser, chat.KindText, "hello")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	messages, err := reopened.ListMessages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "hello", messages[0].Content)

	next, err := reopened.AppendMessage(ctx, session.ID, chat.RoleAssistant, chat.KindText, "hi")
	require.NoError(t, err)
	require.Equal(t, int64(2), next.Seq)
}
