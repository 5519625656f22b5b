package chat

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/chatrelay/backend/internal/handler/httperr"
	"github.com/zhouzirui/chatrelay/backend/internal/handler/middleware"
	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
	"github.com/zhouzirui/chatrelay/backend/internal/service/relay"
	"github.com/zhouzirui/chatrelay/backend/pkg/utils"
)

// Handler 聊天会话与消息的HTTP处理器
type Handler struct {
	relay  *relay.Service
	logger *zap.Logger
}

// New 创建聊天处理器
func New(relaySvc *relay.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{relay: relaySvc, logger: logger}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.handleCreateSession)
		r.Get("/", h.handleListSessions)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.handleGetSession)
			r.Patch("/", h.handleRenameSession)
			r.Delete("/", h.handleDeleteSession)
			r.Get("/messages", h.handleListMessages)
			r.Post("/messages", h.handleSendMessage)
		})
	})
}

type sessionPayload struct {
	Title string `json:"title"`
}

type messagePayload struct {
	Content string `json:"content"`
}

// handleCreateSession 创建会话，标题为空时使用默认标题
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var payload sessionPayload
	if r.ContentLength != 0 {
		if err := utils.DecodeJSON(w, r, &payload); err != nil {
			utils.RespondErrorCode(w, http.StatusBadRequest, httperr.CodeInvalid, err.Error())
			return
		}
	}

	session, err := h.relay.CreateSession(r.Context(), userID, payload.Title)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	sessions, err := h.relay.Sessions(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []chat.Session{}
	}
	utils.RespondJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	session, err := h.relay.Session(r.Context(), userID, chi.URLParam(r, "sessionID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

func (h *Handler) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var payload sessionPayload
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondErrorCode(w, http.StatusBadRequest, httperr.CodeInvalid, err.Error())
		return
	}

	session, err := h.relay.RenameSession(r.Context(), userID, chi.URLParam(r, "sessionID"), payload.Title)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	if err := h.relay.DeleteSession(r.Context(), userID, chi.URLParam(r, "sessionID")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListMessages 返回会话的完整有序记录
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	messages, err := h.relay.Messages(r.Context(), userID, chi.URLParam(r, "sessionID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	utils.RespondJSON(w, http.StatusOK, messages)
}

// handleSendMessage 保存用户消息并异步请求回复，回复经由实时通道送达
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var payload messagePayload
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondErrorCode(w, http.StatusBadRequest, httperr.CodeInvalid, err.Error())
		return
	}

	msg, _, err := h.relay.Send(r.Context(), userID, chi.URLParam(r, "sessionID"), payload.Content)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, msg)
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		utils.RespondErrorCode(w, http.StatusUnauthorized, httperr.CodeUnauthorized, "authentication required")
		return "", false
	}
	return userID, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, _, _ := httperr.Classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	httperr.Respond(w, err)
}
