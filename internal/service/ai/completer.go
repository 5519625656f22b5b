package ai

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEmptyCompletion is returned when the service answers without any text.
	ErrEmptyCompletion = errors.New("completion service returned no text")
	// ErrMalformedResponse is returned when the reply payload cannot be decoded.
	ErrMalformedResponse = errors.New("malformed completion payload")
)

// Completer produces the assistant reply for a user message.
type Completer interface {
	Complete(ctx context.Context, sessionID, content string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, sessionID, content string) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, sessionID, content string) (string, error) {
	return f(ctx, sessionID, content)
}

type turnKey struct{}

// WithTurn records the sequence number of the user message being answered.
// Completers that read the transcript use it to cut history at that turn.
func WithTurn(ctx context.Context, seq int64) context.Context {
	return context.WithValue(ctx, turnKey{}, seq)
}

// TurnFromContext returns the sequence number set by WithTurn.
func TurnFromContext(ctx context.Context) (int64, bool) {
	seq, ok := ctx.Value(turnKey{}).(int64)
	return seq, ok && seq > 0
}

// CompletionError reports a failed call to the completion service.
type CompletionError struct {
	SessionID string
	Err       error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion for session %s failed: %v", e.SessionID, e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

// EchoCompleter answers with the user's own text. It is the default provider
// when no completion service is configured.
type EchoCompleter struct {
	Prefix string
}

// Complete echoes content back.
func (e EchoCompleter) Complete(ctx context.Context, _ string, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	prefix := e.Prefix
	if prefix == "" {
		prefix = "echo: "
	}
	return prefix + content, nil
}
