// Package httperr maps service errors onto transport status codes.
package httperr

import (
	"errors"
	"net/http"

	"github.com/zhouzirui/chatrelay/backend/pkg/utils"

	"github.com/zhouzirui/chatrelay/backend/internal/service/auth"
	chatservice "github.com/zhouzirui/chatrelay/backend/internal/service/chat"
	"github.com/zhouzirui/chatrelay/backend/internal/service/ratelimit"
)

// Error codes shared by REST bodies and WebSocket error frames.
const (
	CodeNotFound     = "not_found"
	CodeForbidden    = "forbidden"
	CodeInvalid      = "invalid_request"
	CodeRateLimited  = "rate_limited"
	CodeUnavailable  = "unavailable"
	CodeUnauthorized = "unauthorized"
	CodeInternal     = "internal"
)

// Classify returns the HTTP status, error code and client facing message for err.
func Classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, chatservice.ErrInvalidInput):
		return http.StatusBadRequest, CodeInvalid, err.Error()
	case errors.Is(err, chatservice.ErrSessionNotFound):
		return http.StatusNotFound, CodeNotFound, "session not found"
	case errors.Is(err, chatservice.ErrStorage):
		return http.StatusServiceUnavailable, CodeUnavailable, "storage unavailable"
	case errors.Is(err, chatservice.ErrUnauthorized):
		return http.StatusForbidden, CodeForbidden, "session belongs to another user"
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests, CodeRateLimited, "too many messages, slow down"
	case errors.Is(err, auth.ErrTokenExpired), errors.Is(err, auth.ErrTokenInvalid):
		return http.StatusUnauthorized, CodeUnauthorized, err.Error()
	default:
		return http.StatusInternalServerError, CodeInternal, "internal error"
	}
}

// Respond writes err as a JSON error body.
func Respond(w http.ResponseWriter, err error) {
	status, code, message := Classify(err)
	utils.RespondErrorCode(w, status, code, message)
}
