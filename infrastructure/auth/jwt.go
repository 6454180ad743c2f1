package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chat-relay/domain/chat"
	"chat-relay/domain/identity"

	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"
)

// SessionClaims are the claims carried by a session token issued by the
// hosted auth provider.
type SessionClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// JWTAuthenticator verifies HS256 session tokens.
type JWTAuthenticator struct {
	secret   []byte
	audience string
	leeway   time.Duration
	now      func() time.Time
}

var _ identity.Authenticator = (*JWTAuthenticator)(nil)

type Option func(*JWTAuthenticator)

// WithAudience requires the token's aud claim to contain audience.
func WithAudience(audience string) Option {
	return func(a *JWTAuthenticator) { a.audience = audience }
}

// WithLeeway tolerates clock skew when checking exp and nbf.
func WithLeeway(leeway time.Duration) Option {
	return func(a *JWTAuthenticator) { a.leeway = leeway }
}

func NewJWTAuthenticator(secret string, opts ...Option) *JWTAuthenticator {
	a := &JWTAuthenticator{
		secret: []byte(secret),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate resolves a bearer credential to a caller identity. Every
// failure is reported as chat.ErrUnauthenticated.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, credential string) (identity.Identity, error) {
	raw := strings.TrimSpace(credential)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}
	if raw == "" || len(a.secret) == 0 {
		return identity.Identity{}, chat.ErrUnauthenticated
	}

	claims := &SessionClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	_, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		logrus.WithError(err).Debug("Rejected session token")
		return identity.Identity{}, chat.ErrUnauthenticated
	}

	if err := a.validate(claims); err != nil {
		logrus.WithError(err).Debug("Rejected session token claims")
		return identity.Identity{}, chat.ErrUnauthenticated
	}

	return identity.Identity{UserID: claims.Subject, Email: claims.Email}, nil
}

func (a *JWTAuthenticator) validate(claims *SessionClaims) error {
	now := a.now()
	if claims.Subject == "" {
		return errors.New("missing sub claim")
	}
	if claims.ExpiresAt == nil {
		return errors.New("missing exp claim")
	}
	if !claims.VerifyExpiresAt(now.Add(-a.leeway), true) {
		return jwt.ErrTokenExpired
	}
	if !claims.VerifyNotBefore(now.Add(a.leeway), false) {
		return jwt.ErrTokenNotValidYet
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, true) {
		return fmt.Errorf("audience mismatch: want %q", a.audience)
	}
	return nil
}

// IssueToken signs a session token for userID. The relay only verifies
// tokens; this exists for local tooling and tests.
func IssueToken(secret, userID, email, audience string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: email,
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
