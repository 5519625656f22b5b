package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/chatrelay/backend/internal/handler/httperr"
	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
	"github.com/zhouzirui/chatrelay/backend/internal/service/relay"
)

// Inbound frame types.
const (
	frameJoin  = "join"
	frameLeave = "leave"
	frameSend  = "send"
)

// Outbound frame types besides the relayed event types.
const (
	frameAck   = "ack"
	frameError = "error"
)

type inboundMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type closedData struct {
	SessionID string `json:"sessionId"`
}

type ackData struct {
	Action  string        `json:"action"`
	Message *chat.Message `json:"message,omitempty"`
	TaskID  string        `json:"taskId,omitempty"`
}

// connection pairs a socket with its relay listener. Only writePump writes to
// the socket; the read loop hands replies to it through the replies channel.
type connection struct {
	conn     *websocket.Conn
	userID   string
	relay    *relay.Service
	cfg      Config
	logger   *zap.Logger
	listener *relay.QueueListener
	replies  chan outgoingMessage
}

func newConnection(conn *websocket.Conn, userID string, relaySvc *relay.Service, cfg Config, logger *zap.Logger) *connection {
	return &connection{
		conn:     conn,
		userID:   userID,
		relay:    relaySvc,
		cfg:      cfg,
		logger:   logger,
		listener: relay.NewQueueListener(cfg.SendBuffer),
		replies:  make(chan outgoingMessage, 16),
	}
}

func (c *connection) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(ctx)
		// Unblocks the read loop when the writer gives up first.
		_ = c.conn.Close()
	}()

	c.readPump(ctx)

	// Cancel first so the writer sees a normal shutdown, not an eviction.
	cancel()
	c.relay.Disconnect(c.listener)
	c.listener.Close()
	<-writerDone
}

func (c *connection) readPump(ctx context.Context) {
	c.conn.SetReadLimit(c.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		var msg inboundMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				if !c.reply(ctx, errorFrame("", httperr.CodeInvalid, "malformed frame")) {
					return
				}
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("websocket read error", zap.String("user", c.userID), zap.Error(err))
			}
			return
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		if !c.handle(ctx, msg) {
			return
		}
	}
}

// handle returns false once the connection is shutting down.
func (c *connection) handle(ctx context.Context, msg inboundMessage) bool {
	sessionID := strings.TrimSpace(msg.SessionID)

	switch msg.Type {
	case frameJoin:
		if sessionID == "" {
			return c.reply(ctx, errorFrame("", httperr.CodeInvalid, "sessionId is required"))
		}
		if err := c.relay.Join(ctx, c.userID, sessionID, c.listener); err != nil {
			return c.replyErr(ctx, sessionID, err)
		}
		return true

	case frameLeave:
		if sessionID == "" {
			current, ok := c.relay.Broadcaster().SessionOf(c.listener.ID())
			if !ok {
				return c.reply(ctx, ackFrame("", ackData{Action: frameLeave}))
			}
			sessionID = current
		}
		c.relay.Leave(sessionID, c.listener)
		return c.reply(ctx, ackFrame(sessionID, ackData{Action: frameLeave}))

	case frameSend:
		if sessionID == "" {
			current, ok := c.relay.Broadcaster().SessionOf(c.listener.ID())
			if !ok {
				return c.reply(ctx, errorFrame("", httperr.CodeInvalid, "join a session before sending"))
			}
			sessionID = current
		}
		stored, task, err := c.relay.Send(ctx, c.userID, sessionID, msg.Content)
		if err != nil {
			return c.replyErr(ctx, sessionID, err)
		}
		return c.reply(ctx, ackFrame(sessionID, ackData{Action: frameSend, Message: &stored, TaskID: task.ID}))

	default:
		return c.reply(ctx, errorFrame(sessionID, httperr.CodeInvalid, "unknown frame type "+msg.Type))
	}
}

func (c *connection) replyErr(ctx context.Context, sessionID string, err error) bool {
	_, code, message := httperr.Classify(err)
	if code == httperr.CodeInternal || code == httperr.CodeUnavailable {
		c.logger.Error("websocket operation failed",
			zap.String("user", c.userID),
			zap.String("session", sessionID),
			zap.Error(err),
		)
	}
	return c.reply(ctx, errorFrame(sessionID, code, message))
}

func (c *connection) reply(ctx context.Context, msg outgoingMessage) bool {
	select {
	case c.replies <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *connection) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.writeClose(websocket.CloseNormalClosure, "")
			return

		case <-c.listener.Done():
			if ctx.Err() != nil || !c.listener.Evicted() {
				c.writeClose(websocket.CloseNormalClosure, "")
				return
			}
			// Evicted for falling behind; the client should reconnect and rejoin.
			c.logger.Warn("closing backlogged websocket", zap.String("user", c.userID))
			c.writeClose(websocket.CloseTryAgainLater, "too slow")
			return

		case event := <-c.listener.Events():
			if err := c.write(eventFrame(event)); err != nil {
				return
			}

		case msg := <-c.replies:
			if err := c.write(msg); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				return
			}
		}
	}
}

func (c *connection) write(msg outgoingMessage) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.logger.Debug("websocket write failed", zap.String("user", c.userID), zap.Error(err))
		return err
	}
	return nil
}

func (c *connection) writeClose(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.cfg.WriteWait))
}

func eventFrame(event chat.Event) outgoingMessage {
	msg := outgoingMessage{
		Type:      string(event.Type),
		SessionID: event.SessionID,
		Timestamp: time.Now().UnixMilli(),
	}
	switch event.Type {
	case chat.EventHistory:
		msg.Data = event.Messages
	case chat.EventMessageAppended:
		msg.Data = event.Message
	case chat.EventSessionClosed:
		msg.Data = closedData{SessionID: event.SessionID}
	}
	return msg
}

func ackFrame(sessionID string, data ackData) outgoingMessage {
	return outgoingMessage{Type: frameAck, SessionID: sessionID, Data: data, Timestamp: time.Now().UnixMilli()}
}

func errorFrame(sessionID, code, message string) outgoingMessage {
	return outgoingMessage{
		Type:      frameError,
		SessionID: sessionID,
		Data:      errorData{Code: code, Message: message},
		Timestamp: time.Now().UnixMilli(),
	}
}
