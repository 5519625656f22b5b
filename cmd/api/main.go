package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zhouzirui/chatrelay/backend/internal/config"
	"github.com/zhouzirui/chatrelay/backend/internal/handler"
	"github.com/zhouzirui/chatrelay/backend/internal/handler/middleware"
	"github.com/zhouzirui/chatrelay/backend/internal/handler/ws"
	"github.com/zhouzirui/chatrelay/backend/internal/logging"
	"github.com/zhouzirui/chatrelay/backend/internal/service/ai"
	"github.com/zhouzirui/chatrelay/backend/internal/service/auth"
	chatservice "github.com/zhouzirui/chatrelay/backend/internal/service/chat"
	"github.com/zhouzirui/chatrelay/backend/internal/service/ratelimit"
	"github.com/zhouzirui/chatrelay/backend/internal/service/relay"
	"github.com/zhouzirui/chatrelay/backend/internal/storage/postgres"
	"github.com/zhouzirui/chatrelay/backend/internal/storage/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if envErr != nil {
		logger.Debug("no .env file loaded, using process environment", zap.Error(envErr))
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}()

	completer, err := newCompleter(ctx, cfg, store, logger)
	if err != nil {
		return err
	}

	limiter, closeLimiter := newLimiter(ctx, cfg.RateLimit, logger)
	defer closeLimiter()

	broadcaster := relay.NewBroadcaster(store, logger.Named("broadcaster"))
	dispatcher := relay.NewDispatcher(completer, broadcaster, relay.DispatcherConfig{
		Workers:   cfg.Completion.Workers,
		QueueSize: cfg.Completion.QueueSize,
		Timeout:   cfg.Completion.Timeout,
	}, logger.Named("dispatcher"))
	dispatcher.Start()
	defer dispatcher.Stop()

	relaySvc := relay.NewService(store, broadcaster, dispatcher, limiter, logger.Named("relay"))

	opts := handler.Options{
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      logger,
		WebSocket: ws.Config{
			SendBuffer:      cfg.WebSocket.SendBuffer,
			PingInterval:    cfg.WebSocket.PingInterval,
			PongWait:        cfg.WebSocket.PongWait,
			MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
		},
	}
	if cfg.Auth.Disabled {
		logger.Warn("AUTH_DISABLED is set, trusting X-User-ID; do not use in production")
		opts.Identity = auth.HeaderIdentity{}
		opts.Credential = middleware.HeaderCredential
	} else {
		opts.Identity = auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.AccessTTL)
		opts.Credential = middleware.BearerCredential
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.NewRouter(relaySvc, opts),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		// Hijacked WebSocket connections outlive Shutdown; tie them to ctx.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	logger.Info("chat relay listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("completion", cfg.Completion.Provider),
	)
	return runServer(ctx, srv)
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (chatservice.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		store, err := postgres.Open(ctx, cfg.DatabaseURL, nil)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		logger.Info("postgres store ready")
		return store, nil
	case config.DriverMemory:
		logger.Warn("using in-memory store, transcripts are lost on restart")
		return chatservice.NewMemoryStore(nil), nil
	default:
		store, err := sqlite.Open(ctx, cfg.SQLitePath, nil)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		logger.Info("sqlite store ready", zap.String("path", cfg.SQLitePath))
		return store, nil
	}
}

func newCompleter(ctx context.Context, cfg *config.Config, transcripts chatservice.MessageStore, logger *zap.Logger) (ai.Completer, error) {
	switch cfg.Completion.Provider {
	case config.ProviderArk:
		chatModel, err := cfg.Ark.NewChatModel(ctx)
		if err != nil {
			return nil, fmt.Errorf("init ark model: %w", err)
		}
		return ai.NewArkCompleter(ctx, chatModel, transcripts, cfg.Ark.SystemPrompt, cfg.Ark.HistoryLimit, logger.Named("ark"))
	case config.ProviderLangflow:
		return ai.NewLangflowClient(ai.LangflowConfig{
			URL:              cfg.Langflow.URL,
			APIKey:           cfg.Langflow.APIKey,
			InputComponent:   cfg.Langflow.InputComponent,
			SessionComponent: cfg.Langflow.SessionComponent,
			Timeout:          cfg.Completion.Timeout,
		}, nil, logger.Named("langflow")), nil
	default:
		logger.Info("no completion service configured, replies echo the user")
		return ai.EchoCompleter{}, nil
	}
}

// newLimiter prefers Redis so limits hold across replicas, and falls back to
// process memory when Redis is not configured or unreachable.
func newLimiter(ctx context.Context, cfg config.RateLimitConfig, logger *zap.Logger) (ratelimit.Limiter, func()) {
	if cfg.RedisAddr == "" {
		return ratelimit.NewMemoryLimiter(cfg.SendWindow, cfg.SendLimit), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed, using in-memory rate limiter", zap.Error(err))
		_ = client.Close()
		return ratelimit.NewMemoryLimiter(cfg.SendWindow, cfg.SendLimit), func() {}
	}

	logger.Info("redis rate limiter ready", zap.String("addr", cfg.RedisAddr))
	return ratelimit.NewRedisLimiter(client, cfg.SendWindow, cfg.SendLimit), func() { _ = client.Close() }
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
