// Package auth verifies the opaque bearer credential presented by a realtime
// connection and turns it into an Identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidCredential is returned for malformed, expired or forged tokens.
	ErrInvalidCredential = errors.New("auth: invalid credential")
	// ErrMissingCredential is returned when no credential was presented.
	ErrMissingCredential = errors.New("auth: missing credential")
	// ErrAuthDisabled is returned when no signing secret is configured.
	ErrAuthDisabled = errors.New("auth: verifier not configured")
)

// Identity is the authenticated user a connection acts for. It is immutable
// for the lifetime of a connection.
type Identity struct {
	ID   string
	Name string
}

// Verifier checks a credential. Implementations must honour ctx so a slow
// backend fails the handshake instead of hanging it.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, credential string) (Identity, error)

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, credential string) (Identity, error) {
	return f(ctx, credential)
}

// Claims are the JWT claims understood by JWTVerifier. The subject is the
// identity id.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens issued by the account service.
type JWTVerifier struct {
	secret []byte
	leeway time.Duration
}

// NewJWTVerifier builds a verifier for tokens signed with secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), leeway: 5 * time.Second}
}

// Verify parses and validates token and returns the identity embedded in it.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if v == nil || len(v.secret) == 0 {
		return Identity{}, ErrAuthDisabled
	}
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Identity{}, ErrMissingCredential
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithLeeway(v.leeway), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, ErrInvalidCredential
	}
	return Identity{
		ID:   claims.Subject,
		Name: strings.TrimSpace(claims.Name),
	}, nil
}

// Sign issues a token for id. It exists for tests and local tooling; real
// tokens come from the account service.
func (v *JWTVerifier) Sign(id, name string, ttl time.Duration) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", ErrAuthDisabled
	}
	now := time.Now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
