package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestJWTVerifierRoundTrip(t *testing.T) {
	v := NewJWTVerifier("secret")
	token, err := v.Sign("u1", "Ada", time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	id, err := v.Verify(context.Background(), "Bearer "+token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.ID != "u1" || id.Name != "Ada" {
		t.Fatalf("identity = %+v", id)
	}
}

func TestJWTVerifierRejects(t *testing.T) {
	v := NewJWTVerifier("secret")
	other := NewJWTVerifier("other")

	forged, err := other.Sign("u1", "Ada", time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	expired, err := v.Sign("u1", "Ada", -time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMissingCredential},
		{"garbage", "not-a-token", ErrInvalidCredential},
		{"wrong secret", forged, ErrInvalidCredential},
		{"expired", expired, ErrInvalidCredential},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(context.Background(), tt.token); !errors.Is(err, tt.want) {
				t.Fatalf("Verify error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestJWTVerifierHonoursContext(t *testing.T) {
	v := NewJWTVerifier("secret")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := v.Verify(ctx, "anything"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Verify error = %v, want context.Canceled", err)
	}
}

func TestJWTVerifierDisabled(t *testing.T) {
	var v *JWTVerifier
	if _, err := v.Verify(context.Background(), "x"); !errors.Is(err, ErrAuthDisabled) {
		t.Fatalf("Verify error = %v, want ErrAuthDisabled", err)
	}
}
