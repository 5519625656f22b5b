// Package ws is the WebSocket transport for session listeners.
package ws

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/chatrelay/backend/internal/handler/httperr"
	"github.com/zhouzirui/chatrelay/backend/internal/handler/middleware"
	"github.com/zhouzirui/chatrelay/backend/internal/service/relay"
	"github.com/zhouzirui/chatrelay/backend/pkg/utils"
)

// Config tunes one connection.
type Config struct {
	SendBuffer      int
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageBytes int64
	// CheckOrigin is passed to the upgrader. Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 16 << 10
	}
	return c
}

// Handler upgrades authenticated requests into session listeners.
type Handler struct {
	relay    *relay.Service
	cfg      Config
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// New creates the WebSocket handler.
func New(relaySvc *relay.Service, cfg Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		relay:  relaySvc,
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts the WebSocket endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		utils.RespondErrorCode(w, http.StatusUnauthorized, httperr.CodeUnauthorized, "authentication required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newConnection(conn, userID, h.relay, h.cfg, h.logger)
	h.logger.Debug("websocket connected", zap.String("user", userID), zap.String("listener", c.listener.ID()))
	c.run(r.Context())
	h.logger.Debug("websocket closed", zap.String("user", userID), zap.String("listener", c.listener.ID()))
}
