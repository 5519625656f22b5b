// Package auth issues and verifies the access tokens that identify chat users.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenInvalid = errors.New("access token invalid")
	ErrTokenExpired = errors.New("access token expired")
)

const accessTokenType = "access"

// IdentityProvider resolves the authenticated user behind a credential.
type IdentityProvider interface {
	Authenticate(ctx context.Context, credential string) (string, error)
}

// Claims is the access token payload.
type Claims struct {
	UserID    string `json:"uid"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies HS256 access tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewTokenService builds a token service. Empty issuer and non-positive ttl
// fall back to defaults.
func NewTokenService(secret, issuer string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		issuer = "chatrelay"
	}
	return &TokenService{
		secret: []byte(secret),
		ttl:    ttl,
		issuer: issuer,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Issue signs an access token for userID.
func (s *TokenService) Issue(userID string) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if len(s.secret) == 0 || userID == "" {
		return "", time.Time{}, ErrTokenInvalid
	}

	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := Claims{
		UserID:    userID,
		TokenType: accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Authenticate verifies token and returns the user id it was issued for.
func (s *TokenService) Authenticate(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if len(s.secret) == 0 || token == "" {
		return "", ErrTokenInvalid
	}

	var claims Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	_, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrTokenInvalid
	}

	if claims.TokenType != accessTokenType {
		return "", ErrTokenInvalid
	}
	if strings.TrimSpace(claims.UserID) == "" || claims.Subject != claims.UserID {
		return "", ErrTokenInvalid
	}
	return claims.UserID, nil
}

// HeaderIdentity trusts the credential as the user id. It backs AUTH_DISABLED
// for local development only.
type HeaderIdentity struct{}

// Authenticate returns credential unchanged when it is not blank.
func (HeaderIdentity) Authenticate(_ context.Context, credential string) (string, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", ErrTokenInvalid
	}
	return credential, nil
}
