// ABOUTME: Unit tests for JWT inspection, verification and generation
// ABOUTME: Tests valid, invalid, expired and opaque tokens

package auth

import (
	"errors"
	"testing"
	"time"
)

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := NewJWTVerifier([]byte("test-secret-key-for-jwt-signing"))

	token, err := verifier.Generate("node-operator", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	sub, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if sub != "node-operator" {
		t.Errorf("Verify() = %q, want %q", sub, "node-operator")
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := NewJWTVerifier([]byte("test-secret-key-for-jwt-signing"))
	other, _ := NewJWTVerifier([]byte("different-secret")).Generate("x", time.Hour)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "wrong secret", token: other},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := NewJWTVerifier([]byte("secret"))
	token, err := verifier.Generate("sub", -time.Minute)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestInspectToken(t *testing.T) {
	t.Run("reads claims without the secret", func(t *testing.T) {
		token, _ := NewJWTVerifier([]byte("gateway-only")).Generate("node-1", -time.Minute)

		info, err := InspectToken(token)
		if err != nil {
			t.Fatalf("InspectToken() error = %v", err)
		}
		if info.Subject != "node-1" {
			t.Errorf("Subject = %q, want node-1", info.Subject)
		}
		if !info.Expired(time.Now()) {
			t.Error("expected token to be reported expired")
		}
	})

	t.Run("opaque tokens are not JWTs", func(t *testing.T) {
		_, err := InspectToken("plain-shared-secret")
		if !errors.Is(err, ErrNotJWT) {
			t.Errorf("InspectToken() error = %v, want ErrNotJWT", err)
		}
	})

	t.Run("no expiry never expires", func(t *testing.T) {
		if (TokenInfo{}).Expired(time.Now()) {
			t.Error("zero expiry reported expired")
		}
	})
}
