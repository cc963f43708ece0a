// Package auth implements the orchestrator's service-to-service JWT
// verification, grounded on nexus's internal/auth/jwt.go. The admin portal
// itself is out of scope (spec Non-goals), but the portal is still a
// legitimate caller of this core's HTTP API, authenticating with a JWT
// signed by the shared portal_jwt_secret instead of the static
// service_auth_token every other caller uses.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrAuthDisabled = errors.New("jwt auth disabled: no secret configured")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// JWTService issues and verifies portal-originated service tokens.
type JWTService struct {
	secret []byte
	expiry time.Duration
}

// NewJWTService builds a JWTService. An empty secret makes every call
// return ErrAuthDisabled, matching nexus's nil-safe idiom.
func NewJWTService(secret string, expiry time.Duration) *JWTService {
	return &JWTService{secret: []byte(secret), expiry: expiry}
}

// Claims identifies the portal principal a token was issued for.
type Claims struct {
	Subject string `json:"sub,omitempty"`
	Scope   string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Issue signs a token for subject (a portal operator or service account id).
func (s *JWTService) Issue(subject, scope string) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject required")
	}
	now := time.Now()
	claims := Claims{
		Subject: subject,
		Scope:   scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.expiry != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.expiry))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses and validates token, returning its Claims on success.
func (s *JWTService) Verify(token string) (*Claims, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, ErrAuthDisabled
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidSecretFormat enforces the production-mode portal_jwt_secret format
// guard from spec §6.6: it must parse as a usable HMAC key, not merely be
// non-empty whitespace.
func ValidSecretFormat(secret string) bool {
	return len(strings.TrimSpace(secret)) >= 16
}
