package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zhouzirui/chatrelay/backend/internal/handler/middleware"
	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
	"github.com/zhouzirui/chatrelay/backend/internal/service/ai"
	"github.com/zhouzirui/chatrelay/backend/internal/service/auth"
	chatservice "github.com/zhouzirui/chatrelay/backend/internal/service/chat"
	"github.com/zhouzirui/chatrelay/backend/internal/service/relay"
)

type frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type fixture struct {
	server   *httptest.Server
	svc      *relay.Service
	cancel   context.CancelFunc
	handlers sync.WaitGroup
}

func newFixture(t *testing.T, completer ai.Completer) *fixture {
	t.Helper()
	return newFixtureWithLogger(t, completer, zaptest.NewLogger(t))
}

// newFixtureWithLogger serves /ws until the test ends. httptest does not wait
// for hijacked connections, so the fixture tracks handlers itself and ties
// them to a base context it cancels on cleanup.
func newFixtureWithLogger(t *testing.T, completer ai.Completer, logger *zap.Logger) *fixture {
	t.Helper()
	store := chatservice.NewMemoryStore(nil)
	broadcaster := relay.NewBroadcaster(store, logger)
	dispatcher := relay.NewDispatcher(completer, broadcaster, relay.DispatcherConfig{Workers: 2}, logger)
	dispatcher.Start()
	svc := relay.NewService(store, broadcaster, dispatcher, nil, logger)

	r := chi.NewRouter()
	r.Use(middleware.Authenticate(auth.HeaderIdentity{}, middleware.HeaderCredential, logger))
	New(svc, Config{PingInterval: time.Second, PongWait: 2 * time.Second}, logger).RegisterRoutes(r)

	baseCtx, cancel := context.WithCancel(context.Background())
	f := &fixture{svc: svc, cancel: cancel}
	f.server = httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		f.handlers.Add(1)
		defer f.handlers.Done()
		r.ServeHTTP(w, req)
	}))
	f.server.Config.BaseContext = func(net.Listener) context.Context { return baseCtx }
	f.server.Start()

	t.Cleanup(func() {
		cancel()
		require.True(t, f.waitHandlers(3*time.Second), "websocket handlers still running")
		f.server.Close()
		dispatcher.Stop()
	})
	return f
}

// waitHandlers reports whether every handler returned within timeout.
func (f *fixture) waitHandlers(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		f.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (f *fixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?user_id=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *fixture) session(t *testing.T, userID string) chat.Session {
	t.Helper()
	session, err := f.svc.CreateSession(context.Background(), userID, "")
	require.NoError(t, err)
	return session
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func next(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// collect reads frames until stop returns true.
func collect(t *testing.T, conn *websocket.Conn, stop func([]frame) bool) []frame {
	t.Helper()
	var frames []frame
	for !stop(frames) {
		frames = append(frames, next(t, conn))
	}
	return frames
}

func hasFrame(frames []frame, typ string) bool {
	for _, f := range frames {
		if f.Type == typ {
			return true
		}
	}
	return false
}

func messagesOf(t *testing.T, frames []frame) []chat.Message {
	t.Helper()
	var out []chat.Message
	for _, f := range frames {
		if f.Type != string(chat.EventMessageAppended) {
			continue
		}
		var msg chat.Message
		require.NoError(t, json.Unmarshal(f.Data, &msg))
		out = append(out, msg)
	}
	return out
}

func TestJoinSendReceiveReply(t *testing.T) {
	f := newFixture(t, ai.CompleterFunc(func(context.Context, string, string) (string, error) {
		time.Sleep(50 * time.Millisecond)
		return "hi there", nil
	}))
	session := f.session(t, "alice")
	conn := f.dial(t, "alice")

	send(t, conn, map[string]string{"type": "join", "sessionId": session.ID})
	history := next(t, conn)
	require.Equal(t, "history", history.Type)
	require.Equal(t, session.ID, history.SessionID)
	require.JSONEq(t, `[]`, string(history.Data))

	send(t, conn, map[string]string{"type": "send", "sessionId": session.ID, "content": "hello"})
	frames := collect(t, conn, func(frames []frame) bool {
		return len(messagesOf(t, frames)) == 2 && hasFrame(frames, "ack")
	})

	msgs := messagesOf(t, frames)
	require.Equal(t, chat.RoleUser, msgs[0].Role)
	require.Equal(t, "hello", msgs[0].Content)
	require.Equal(t, chat.RoleAssistant, msgs[1].Role)
	require.Equal(t, "hi there", msgs[1].Content)
	require.Equal(t, chat.KindText, msgs[1].Kind)
}

func TestFailedCompletionDeliversSentinel(t *testing.T) {
	f := newFixture(t, ai.CompleterFunc(func(context.Context, string, string) (string, error) {
		return "", context.DeadlineExceeded
	}))
	session := f.session(t, "alice")
	conn := f.dial(t, "alice")

	send(t, conn, map[string]string{"type": "join", "sessionId": session.ID})
	require.Equal(t, "history", next(t, conn).Type)

	send(t, conn, map[string]string{"type": "send", "content": "hello"})
	frames := collect(t, conn, func(frames []frame) bool {
		return len(messagesOf(t, frames)) == 2
	})
	msgs := messagesOf(t, frames)
	require.Equal(t, chat.KindError, msgs[1].Kind)
	require.Equal(t, chat.FailureContent, msgs[1].Content)
}

func TestJoinForeignSessionRejected(t *testing.T) {
	f := newFixture(t, ai.EchoCompleter{})
	session := f.session(t, "alice")
	conn := f.dial(t, "mallory")

	send(t, conn, map[string]string{"type": "join", "sessionId": session.ID})
	fr := next(t, conn)
	require.Equal(t, "error", fr.Type)
	require.Contains(t, string(fr.Data), "forbidden")

	send(t, conn, map[string]string{"type": "join", "sessionId": "missing"})
	fr = next(t, conn)
	require.Equal(t, "error", fr.Type)
	require.Contains(t, string(fr.Data), "not_found")
}

func TestUnknownAndMalformedFrames(t *testing.T) {
	f := newFixture(t, ai.EchoCompleter{})
	conn := f.dial(t, "alice")

	send(t, conn, map[string]string{"type": "dance"})
	fr := next(t, conn)
	require.Equal(t, "error", fr.Type)
	require.Contains(t, string(fr.Data), "invalid_request")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type": 42}`)))
	fr = next(t, conn)
	require.Equal(t, "error", fr.Type)

	send(t, conn, map[string]string{"type": "send", "content": "hello"})
	fr = next(t, conn)
	require.Equal(t, "error", fr.Type)
	require.Contains(t, string(fr.Data), "join a session")
}

func TestBothListenersReceiveInSameOrder(t *testing.T) {
	f := newFixture(t, ai.EchoCompleter{})
	session := f.session(t, "alice")
	first := f.dial(t, "alice")
	second := f.dial(t, "alice")

	for _, conn := range []*websocket.Conn{first, second} {
		send(t, conn, map[string]string{"type": "join", "sessionId": session.ID})
		require.Equal(t, "history", next(t, conn).Type)
	}

	send(t, first, map[string]string{"type": "send", "content": "one"})
	send(t, first, map[string]string{"type": "send", "content": "two"})

	wantFour := func(frames []frame) bool { return len(messagesOf(t, frames)) == 4 }
	a := messagesOf(t, collect(t, first, wantFour))
	b := messagesOf(t, collect(t, second, wantFour))
	require.Equal(t, a, b)
	for i, msg := range a {
		require.EqualValues(t, i+1, msg.Seq)
	}
}

func TestLeaveStopsDelivery(t *testing.T) {
	f := newFixture(t, ai.EchoCompleter{})
	first := f.session(t, "alice")
	second := f.session(t, "alice")
	watcher := f.dial(t, "alice")
	sender := f.dial(t, "alice")

	send(t, watcher, map[string]string{"type": "join", "sessionId": first.ID})
	require.Equal(t, "history", next(t, watcher).Type)
	send(t, watcher, map[string]string{"type": "leave"})
	ack := next(t, watcher)
	require.Equal(t, "ack", ack.Type)
	require.Equal(t, first.ID, ack.SessionID)

	send(t, watcher, map[string]string{"type": "join", "sessionId": second.ID})
	require.Equal(t, "history", next(t, watcher).Type)

	send(t, sender, map[string]string{"type": "send", "sessionId": first.ID, "content": "first only"})
	send(t, sender, map[string]string{"type": "send", "sessionId": second.ID, "content": "second"})

	frames := collect(t, watcher, func(frames []frame) bool {
		return len(messagesOf(t, frames)) == 2
	})
	for _, msg := range messagesOf(t, frames) {
		require.Equal(t, second.ID, msg.SessionID)
	}
}

// readUntilClose drains frames until the connection reports its close error.
func readUntilClose(t *testing.T, conn *websocket.Conn) error {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
	}
}

func TestClientCloseIsNotTreatedAsBacklog(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	f := newFixtureWithLogger(t, ai.EchoCompleter{}, zap.New(core))
	session := f.session(t, "alice")

	for i := 0; i < 20; i++ {
		conn := f.dial(t, "alice")
		send(t, conn, map[string]string{"type": "join", "sessionId": session.ID})
		require.Equal(t, "history", next(t, conn).Type)

		require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
		err := readUntilClose(t, conn)
		require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	}

	require.True(t, f.waitHandlers(3*time.Second))
	require.Zero(t, logs.FilterMessage("closing backlogged websocket").Len())
	require.Zero(t, logs.FilterLevelExact(zap.WarnLevel).Len())
	require.Equal(t, 0, f.svc.Broadcaster().ListenerCount(session.ID))
}

func TestServerShutdownClosesNormally(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	f := newFixtureWithLogger(t, ai.EchoCompleter{}, zap.New(core))
	session := f.session(t, "alice")
	conn := f.dial(t, "alice")

	send(t, conn, map[string]string{"type": "join", "sessionId": session.ID})
	require.Equal(t, "history", next(t, conn).Type)

	f.cancel()
	err := readUntilClose(t, conn)
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	require.True(t, f.waitHandlers(3*time.Second))
	require.Zero(t, logs.FilterMessage("closing backlogged websocket").Len())
}

func TestDeletedSessionSendsClosedFrame(t *testing.T) {
	f := newFixture(t, ai.EchoCompleter{})
	session := f.session(t, "alice")
	conn := f.dial(t, "alice")

	send(t, conn, map[string]string{"type": "join", "sessionId": session.ID})
	require.Equal(t, "history", next(t, conn).Type)

	require.NoError(t, f.svc.DeleteSession(context.Background(), "alice", session.ID))
	fr := next(t, conn)
	require.Equal(t, "closed", fr.Type)
	require.Equal(t, session.ID, fr.SessionID)
	require.JSONEq(t, `{"sessionId":"`+session.ID+`"}`, string(fr.Data))
}
