// Package auth verifies the identity behind every WebSocket upgrade. The
// server trusts the user ID an Authenticator returns; everything downstream
// (connection ownership, event fan-out) keys off it.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned when a request carries no usable credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator resolves the verified user behind an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// Claims is the JWT payload the relay issues and accepts.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

// JWTAuthenticator validates HS256 bearer tokens. The token is read from the
// Authorization header or, for browser WebSocket clients that cannot set
// headers, from the token query parameter.
type JWTAuthenticator struct {
	secret []byte
}

var _ Authenticator = (*JWTAuthenticator)(nil)

// NewJWTAuthenticator builds an authenticator over a shared HMAC secret.
func NewJWTAuthenticator(secret []byte) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret}
}

// Authenticate extracts and verifies the request's token.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return "", fmt.Errorf("no token presented: %w", ErrUnauthorized)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("token rejected: %w: %w", ErrUnauthorized, err)
	}
	if !token.Valid || claims.UserID == "" {
		return "", fmt.Errorf("token missing user_id: %w", ErrUnauthorized)
	}

	return claims.UserID, nil
}

// IssueToken mints a token for userID, valid for ttl. Intended for tests and
// local development tooling.
func (a *JWTAuthenticator) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// StaticAuthenticator trusts an X-User-ID header or user_id query parameter.
// Development and test use only; never deploy it.
type StaticAuthenticator struct{}

var _ Authenticator = StaticAuthenticator{}

// Authenticate reads the claimed user identity without verification.
func (StaticAuthenticator) Authenticate(r *http.Request) (string, error) {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id, nil
	}
	if id := r.URL.Query().Get("user_id"); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("no user identity presented: %w", ErrUnauthorized)
}
