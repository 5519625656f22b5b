package ai

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/chatrelay/backend/internal/service/chat"
)

type fakeChatModel struct {
	mu     sync.Mutex
	inputs [][]*schema.Message
	reply  string
	err    error
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, input)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := f.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (f *fakeChatModel) lastInput() []*schema.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[len(f.inputs)-1]
}

func TestArkCompleterBuildsPromptFromHistory(t *testing.T) {
	ctx := context.Background()
	store := chatservice.NewMemoryStore(nil)
	session, err := store.CreateSession(ctx, "alice", "")
	require.NoError(t, err)

	for _, m := range []struct {
		role    chat.Role
		kind    chat.Kind
		content string
	}{
		{chat.RoleUser, chat.KindText, "first question"},
		{chat.RoleAssistant, chat.KindText, "first answer"},
		{chat.RoleUser, chat.KindText, "second question"},
		{chat.RoleAssistant, chat.KindError, chat.FailureContent},
		{chat.RoleUser, chat.KindText, "third question"},
	} {
		_, err := store.AppendMessage(ctx, session.ID, m.role, m.kind, m.content)
		require.NoError(t, err)
	}

	fake := &fakeChatModel{reply: "third answer"}
	completer, err := NewArkCompleter(ctx, fake, store, "be brief", 10, zap.NewNop())
	require.NoError(t, err)

	text, err := completer.Complete(ctx, session.ID, "third question")
	require.NoError(t, err)
	require.Equal(t, "third answer", text)

	input := fake.lastInput()
	require.Len(t, input, 5)
	require.Equal(t, schema.System, input[0].Role)
	require.Equal(t, "be brief", input[0].Content)
	require.Equal(t, "first question", input[1].Content)
	require.Equal(t, schema.Assistant, input[2].Role)
	require.Equal(t, "second question", input[3].Content)
	require.Equal(t, schema.User, input[4].Role)
	require.Equal(t, "third question", input[4].Content)
}

func TestArkCompleterPropagatesModelError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("model unavailable")
	completer, err := NewArkCompleter(ctx, &fakeChatModel{err: boom}, nil, "", 0, nil)
	require.NoError(t, err)

	_, err = completer.Complete(ctx, "s1", "hello")
	require.Error(t, err)
	require.ErrorContains(t, err, "model unavailable")
}

func TestBuildHistoryMessagesAppliesLimit(t *testing.T) {
	messages := []chat.Message{
		{Role: chat.RoleUser, Kind: chat.KindText, Content: "a"},
		{Role: chat.RoleAssistant, Kind: chat.KindText, Content: "b"},
		{Role: chat.RoleUser, Kind: chat.KindText, Content: "c"},
		{Role: chat.RoleAssistant, Kind: chat.KindText, Content: "d"},
	}

	history := buildHistoryMessages(messages, "e", 0, 2)
	require.Len(t, history, 2)
	require.Equal(t, "c", history[0].Content)
	require.Equal(t, "d", history[1].Content)

	require.Nil(t, buildHistoryMessages(nil, "e", 0, 2))
}

func TestArkCompleterCutsHistoryAtTurn(t *testing.T) {
	ctx := context.Background()
	store := chatservice.NewMemoryStore(nil)
	session, err := store.CreateSession(ctx, "alice", "")
	require.NoError(t, err)

	first, err := store.AppendMessage(ctx, session.ID, chat.RoleUser, chat.KindText, "first question")
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, session.ID, chat.RoleUser, chat.KindText, "second question")
	require.NoError(t, err)

	fake := &fakeChatModel{reply: "first answer"}
	completer, err := NewArkCompleter(ctx, fake, store, "be brief", 10, zap.NewNop())
	require.NoError(t, err)

	_, err = completer.Complete(WithTurn(ctx, first.Seq), session.ID, "first question")
	require.NoError(t, err)

	input := fake.lastInput()
	require.Len(t, input, 2, "the later send must not appear in the earlier turn's history")
	require.Equal(t, schema.System, input[0].Role)
	require.Equal(t, "first question", input[1].Content)
}

func TestBuildHistoryMessagesStopsBeforeTurn(t *testing.T) {
	messages := []chat.Message{
		{Seq: 1, Role: chat.RoleUser, Kind: chat.KindText, Content: "a"},
		{Seq: 2, Role: chat.RoleAssistant, Kind: chat.KindText, Content: "b"},
		{Seq: 3, Role: chat.RoleUser, Kind: chat.KindText, Content: "c"},
		{Seq: 4, Role: chat.RoleUser, Kind: chat.KindText, Content: "c"},
	}

	history := buildHistoryMessages(messages, "c", 3, 10)
	require.Len(t, history, 2)
	require.Equal(t, "a", history[0].Content)
	require.Equal(t, "b", history[1].Content)
}

func TestTurnFromContext(t *testing.T) {
	_, ok := TurnFromContext(context.Background())
	require.False(t, ok)

	seq, ok := TurnFromContext(WithTurn(context.Background(), 7))
	require.True(t, ok)
	require.EqualValues(t, 7, seq)
}

func TestEchoCompleter(t *testing.T) {
	text, err := EchoCompleter{}.Complete(context.Background(), "s1", "ping")
	require.NoError(t, err)
	require.Equal(t, "echo: ping", text)
}
