// Command tokenissuer signs an access token for local testing of the API and
// WebSocket endpoints.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/chatrelay/backend/internal/config"
	"github.com/zhouzirui/chatrelay/backend/internal/logging"
	"github.com/zhouzirui/chatrelay/backend/internal/service/auth"
)

func main() {
	userID := flag.String("user", "", "user id to issue the token for")
	ttl := flag.Duration("ttl", 0, "token lifetime, defaults to JWT_ACCESS_TTL")
	flag.Parse()

	logger, err := logging.New("info", true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded", zap.Error(err))
	}

	if *userID == "" {
		flag.Usage()
		logger.Fatal("-user is required")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	if cfg.Auth.Disabled {
		logger.Fatal("AUTH_DISABLED is set; send X-User-ID instead of a token")
	}

	lifetime := cfg.Auth.AccessTTL
	if *ttl > 0 {
		lifetime = *ttl
	}

	token, expiresAt, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, lifetime).Issue(*userID)
	if err != nil {
		logger.Fatal("failed to sign token", zap.Error(err))
	}

	logger.Info("token issued", zap.String("user", *userID), zap.String("expires", expiresAt.Format(time.RFC3339)))
	fmt.Println(token)
}
