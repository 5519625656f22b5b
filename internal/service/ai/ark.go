package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/chatrelay/backend/internal/service/chat"
)

// DefaultSystemPrompt is used when no system prompt is configured.
const DefaultSystemPrompt = "You are a helpful assistant. Answer clearly and concisely."

// ArkCompleter generates replies with an eino chain (system prompt, recent
// session history, user query) running on an Ark chat model.
type ArkCompleter struct {
	chain        compose.Runnable[map[string]any, *schema.Message]
	transcripts  chatservice.MessageStore
	systemPrompt string
	historyLimit int
	logger       *zap.Logger
}

// NewArkCompleter compiles the prompt chain around chatModel.
func NewArkCompleter(ctx context.Context, chatModel model.BaseChatModel, transcripts chatservice.MessageStore, systemPrompt string, historyLimit int, logger *zap.Logger) (*ArkCompleter, error) {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	if historyLimit <= 0 {
		historyLimit = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &ArkCompleter{
		chain:        runnable,
		transcripts:  transcripts,
		systemPrompt: systemPrompt,
		historyLimit: historyLimit,
		logger:       logger,
	}, nil
}

// Complete runs the chain for content with the session's recent history.
func (c *ArkCompleter) Complete(ctx context.Context, sessionID, content string) (string, error) {
	var transcript []chat.Message
	if c.transcripts != nil {
		messages, err := c.transcripts.ListMessages(ctx, sessionID)
		if err != nil {
			return "", fmt.Errorf("load history: %w", err)
		}
		transcript = messages
	}

	seq, _ := TurnFromContext(ctx)
	input := map[string]any{
		"system":  c.systemPrompt,
		"history": buildHistoryMessages(transcript, content, seq, c.historyLimit),
		"query":   content,
	}

	response, err := c.chain.Invoke(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}
	if response == nil {
		return "", ErrEmptyCompletion
	}

	c.logger.Debug("ark reply", zap.String("session", sessionID), zap.Int("length", len(response.Content)))
	return response.Content, nil
}

// buildHistoryMessages converts the transcript into chat history. Failure
// sentinels are not part of the conversation. With a known turn, history ends
// just before it, so later sends never leak into an earlier reply. Without one
// the trailing user message matching query is dropped, since the template
// appends the query itself.
func buildHistoryMessages(messages []chat.Message, query string, turn int64, limit int) []*schema.Message {
	turns := make([]chat.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Failed() {
			continue
		}
		if turn > 0 && msg.Seq >= turn {
			break
		}
		turns = append(turns, msg)
	}

	if n := len(turns); turn <= 0 && n > 0 && turns[n-1].Role == chat.RoleUser && turns[n-1].Content == query {
		turns = turns[:n-1]
	}

	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	if len(turns) == 0 {
		return nil
	}

	history := make([]*schema.Message, 0, len(turns))
	for _, msg := range turns {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}
