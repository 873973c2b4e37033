package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTokenValidation(t *testing.T) {
	mgr := NewManager("secret")
	token, err := mgr.IssueToken("user-1", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	userID, err := mgr.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("unexpected user id %s", userID)
	}
}

func TestClaimsCarryIssueTime(t *testing.T) {
	mgr := NewManager("secret")
	issued := time.Date(2026, 3, 1, 12, 0, 0, 250*int(time.Millisecond), time.UTC)
	mgr.now = func() time.Time { return issued }
	token, err := mgr.IssueToken("user-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	claims, err := mgr.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.UserID != "user-1" || !claims.IssuedAt.Equal(issued) {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if !claims.ExpiresAt.Equal(issued.Add(time.Hour).Truncate(time.Second)) {
		t.Fatalf("unexpected expiry %s", claims.ExpiresAt)
	}
}

func TestExpiredToken(t *testing.T) {
	mgr := NewManager("secret")
	token, err := mgr.IssueToken("user-1", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := mgr.ValidateToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expiration error, got %v", err)
	}
}

func TestTamperedToken(t *testing.T) {
	mgr := NewManager("secret")
	token, _ := mgr.IssueToken("user-1", time.Minute)
	other := NewManager("other-secret")
	if _, err := other.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature mismatch, got %v", err)
	}
	if _, err := mgr.ValidateToken(strings.Replace(token, ".", "x.", 1)); err == nil {
		t.Fatalf("expected tampered payload to fail")
	}
	if _, err := mgr.ValidateToken("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid format, got %v", err)
	}
}

func TestPasswordHashing(t *testing.T) {
	if _, err := HashPassword("short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected weak password error, got %v", err)
	}
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !CheckPassword(hash, "correct horse") {
		t.Fatalf("expected password to match")
	}
	if CheckPassword(hash, "wrong horse") || CheckPassword("", "correct horse") {
		t.Fatalf("unexpected match")
	}
}
