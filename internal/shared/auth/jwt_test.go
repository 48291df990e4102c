package auth

import (
	"errors"
	"testing"
	"time"
)

func TestSignAndVerify(t *testing.T) {
	tokens, err := NewTokens("s3cret", "dev")
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	token, err := tokens.Sign("user-1", "a@example.com", "Ada")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	claims, err := tokens.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-1" || claims.Email != "a@example.com" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsForeignSecretAndExpiry(t *testing.T) {
	issuer, _ := NewTokens("one", "dev")
	other, _ := NewTokens("two", "dev")
	token, err := issuer.Sign("user-1", "", "")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	issuer.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	if _, err := issuer.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestNewTokensRequiresSecretInProduction(t *testing.T) {
	if _, err := NewTokens("", "production"); err == nil {
		t.Fatalf("expected error without secret in production")
	}
	if _, err := NewTokens("", "dev"); err != nil {
		t.Fatalf("dev should fall back to a default secret: %v", err)
	}
}
