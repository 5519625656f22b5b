// Package stream serves a session's live events over Server-Sent Events, a
// read-only alternative to the WebSocket transport.
package stream

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/chatrelay/backend/internal/handler/httperr"
	"github.com/zhouzirui/chatrelay/backend/internal/handler/middleware"
	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
	"github.com/zhouzirui/chatrelay/backend/internal/service/relay"
	"github.com/zhouzirui/chatrelay/backend/pkg/utils"
)

// Handler manages SSE listeners.
type Handler struct {
	relay     *relay.Service
	buffer    int
	heartbeat time.Duration
	logger    *zap.Logger
}

// New creates a stream handler. heartbeat is the keep-alive comment interval.
func New(relaySvc *relay.Service, buffer int, heartbeat time.Duration, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Handler{relay: relaySvc, buffer: buffer, heartbeat: heartbeat, logger: logger}
}

// RegisterRoutes mounts the SSE endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/{sessionID}", h.handleEvents)
}

type closedData struct {
	SessionID string `json:"sessionId"`
}

// eventData is the SSE data for event. It matches the data of the WebSocket
// frame for the same event: the transcript array, the message object, or the
// closed session id.
func eventData(event chat.Event) interface{} {
	switch event.Type {
	case chat.EventHistory:
		if event.Messages == nil {
			return []chat.Message{}
		}
		return event.Messages
	case chat.EventMessageAppended:
		return event.Message
	default:
		return closedData{SessionID: event.SessionID}
	}
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		utils.RespondErrorCode(w, http.StatusUnauthorized, httperr.CodeUnauthorized, "authentication required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	ctx := r.Context()
	listener := relay.NewQueueListener(h.buffer)
	defer listener.Close()

	if err := h.relay.Join(ctx, userID, sessionID, listener); err != nil {
		httperr.Respond(w, err)
		return
	}
	defer h.relay.Disconnect(listener)

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	h.logger.Debug("sse stream opened", zap.String("user", userID), zap.String("session", sessionID))

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("sse stream closed", zap.String("session", sessionID))
			return
		case <-listener.Done():
			if listener.Evicted() {
				h.logger.Warn("closing backlogged sse stream", zap.String("session", sessionID))
			}
			return
		case event := <-listener.Events():
			if err := utils.SendSSEEvent(w, flusher, string(event.Type), eventData(event)); err != nil {
				return
			}
			if event.Type == chat.EventSessionClosed {
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		}
	}
}
