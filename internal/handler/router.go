package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/chatrelay/backend/internal/handler/chat"
	"github.com/zhouzirui/chatrelay/backend/internal/handler/middleware"
	"github.com/zhouzirui/chatrelay/backend/internal/handler/stream"
	"github.com/zhouzirui/chatrelay/backend/internal/handler/ws"
	"github.com/zhouzirui/chatrelay/backend/internal/service/auth"
	"github.com/zhouzirui/chatrelay/backend/internal/service/relay"
	"github.com/zhouzirui/chatrelay/backend/pkg/utils"
)

// Options carries what the router needs beyond the relay service.
type Options struct {
	Identity    auth.IdentityProvider
	Credential  middleware.CredentialFunc
	CORSOrigins []string
	WebSocket   ws.Config
	Logger      *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(relaySvc *relay.Service, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	credential := opts.Credential
	if credential == nil {
		credential = middleware.BearerCredential
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(logger.Named("http")))
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(opts.CORSOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	authenticate := middleware.Authenticate(opts.Identity, credential, logger.Named("auth"))

	chatHandler := chat.New(relaySvc, logger.Named("chat"))
	streamHandler := stream.New(relaySvc, opts.WebSocket.SendBuffer, 0, logger.Named("sse"))
	wsHandler := ws.New(relaySvc, opts.WebSocket, logger.Named("ws"))

	r.Route("/api", func(api chi.Router) {
		api.Use(authenticate)
		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
	})

	r.Group(func(g chi.Router) {
		g.Use(authenticate)
		wsHandler.RegisterRoutes(g)
	})

	return r
}
