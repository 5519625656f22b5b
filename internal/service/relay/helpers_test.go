package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/chatrelay/backend/internal/service/chat"
)

type recorder struct {
	id string

	mu     sync.Mutex
	events []chat.Event
	fail   error
	notify chan struct{}
}

func newRecorder(id string) *recorder {
	return &recorder{id: id, notify: make(chan struct{}, 1024)}
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(event chat.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, event)
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *recorder) breakWith(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

func (r *recorder) snapshot() []chat.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]chat.Event, len(r.events))
	copy(out, r.events)
	return out
}

// appended returns the messages received through append events, in order.
func (r *recorder) appended() []chat.Message {
	var out []chat.Message
	for _, ev := range r.snapshot() {
		if ev.Type == chat.EventMessageAppended && ev.Message != nil {
			out = append(out, *ev.Message)
		}
	}
	return out
}

func (r *recorder) waitAppended(t *testing.T, n int) []chat.Message {
	t.Helper()
	var got []chat.Message
	require.Eventually(t, func() bool {
		got = r.appended()
		return len(got) >= n
	}, 2*time.Second, 5*time.Millisecond, "expected %d appended events", n)
	return got
}

func newStore(t *testing.T) *chatservice.MemoryStore {
	t.Helper()
	return chatservice.NewMemoryStore(nil)
}

func createSession(t *testing.T, store chatservice.SessionRegistry, userID string) chat.Session {
	t.Helper()
	session, err := store.CreateSession(context.Background(), userID, "")
	require.NoError(t, err)
	return session
}
