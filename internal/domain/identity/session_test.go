package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func TestNewSessionReadsClaims(t *testing.T) {
	t.Parallel()

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := signedToken(t, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(exp),
	})

	s, err := NewSession(context.Background(), tok, "fallback")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.End()

	if s.UserID() != "user-42" {
		t.Errorf("UserID = %q, want user-42", s.UserID())
	}
	if !s.ExpiresAt().Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", s.ExpiresAt(), exp)
	}
	if !s.Active() {
		t.Error("expected session to be active")
	}
}

func TestNewSessionOpaqueToken(t *testing.T) {
	t.Parallel()

	s, err := NewSession(context.Background(), "opaque-token", "u1")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if s.UserID() != "u1" {
		t.Errorf("UserID = %q, want u1", s.UserID())
	}
	if !s.ExpiresAt().IsZero() {
		t.Errorf("expected no expiry, got %v", s.ExpiresAt())
	}

	s.End()
	s.End()

	select {
	case <-s.Done():
	default:
		t.Fatal("expected Done to be closed after End")
	}
	if s.Active() {
		t.Error("expected session to be inactive after End")
	}
}

func TestNewSessionExpiredToken(t *testing.T) {
	t.Parallel()

	tok := signedToken(t, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})

	if _, err := NewSession(context.Background(), tok, ""); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
}

func TestNewSessionEmptyToken(t *testing.T) {
	t.Parallel()

	if _, err := NewSession(context.Background(), "  ", ""); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestSessionEndsAtExpiry(t *testing.T) {
	t.Parallel()

	tok := signedToken(t, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(1500 * time.Millisecond)),
	})

	s, err := NewSession(context.Background(), tok, "")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end at token expiry")
	}
}
