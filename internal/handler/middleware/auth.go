package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/chatrelay/backend/internal/handler/httperr"
	"github.com/zhouzirui/chatrelay/backend/internal/service/auth"
)

type contextKey string

const userIDKey contextKey = "chat.userID"

// CredentialFunc pulls the raw credential out of a request.
type CredentialFunc func(r *http.Request) string

// BearerCredential reads "Authorization: Bearer <token>", falling back to the
// access_token query parameter since browsers cannot set headers on a
// WebSocket handshake.
func BearerCredential(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len("bearer ") && strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// HeaderCredential reads the X-User-ID header or the user_id query parameter.
func HeaderCredential(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-User-ID")); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("user_id"))
}

// Authenticate rejects requests without a valid credential and stores the
// resolved user id in the request context.
func Authenticate(idp auth.IdentityProvider, credential CredentialFunc, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := credential(r)
			if raw == "" {
				httperr.Respond(w, auth.ErrTokenInvalid)
				return
			}
			userID, err := idp.Authenticate(r.Context(), raw)
			if err != nil {
				logger.Debug("authentication rejected", zap.String("path", r.URL.Path), zap.Error(err))
				httperr.Respond(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// WithUserID attaches the authenticated user id to ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the authenticated user id.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok && userID != ""
}
