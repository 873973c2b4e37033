package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// SessionCookie carries the signed session token.
	SessionCookie = "outsoor_session"
	// SessionTTL matches the dashboard session lifetime.
	SessionTTL = 30 * 24 * time.Hour
)

var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrExpiredToken = errors.New("session token expired")
)

// Claims are the fields a session token carries.
type Claims struct {
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Manager issues and validates HMAC signed session tokens.
type Manager struct {
	secret []byte
	now    func() time.Time
}

// NewManager creates a Manager with the provided secret.
func NewManager(secret string) *Manager {
	if secret == "" {
		panic("auth manager requires non-empty secret")
	}
	return &Manager{secret: []byte(secret), now: time.Now}
}

// IssueToken issues a signed session token for the user id.
func (m *Manager) IssueToken(userID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}
	if ttl == 0 {
		ttl = SessionTTL
	}
	now := m.now()
	payload := fmt.Sprintf("%s|%d|%d", userID, now.UnixMilli(), now.Add(ttl).Unix())
	sig := m.sign([]byte(payload))
	token := fmt.Sprintf("%s.%s", base64.RawURLEncoding.EncodeToString([]byte(payload)), base64.RawURLEncoding.EncodeToString(sig))
	return token, nil
}

// ValidateToken validates and returns the embedded user id.
func (m *Manager) ValidateToken(token string) (string, error) {
	claims, err := m.Validate(token)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// Validate checks the signature and expiry and returns the token's claims.
func (m *Manager) Validate(token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Claims{}, ErrInvalidToken
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	if !hmac.Equal(sigBytes, m.sign(payloadBytes)) {
		return Claims{}, ErrInvalidToken
	}
	fields := strings.Split(string(payloadBytes), "|")
	if len(fields) != 3 || fields[0] == "" {
		return Claims{}, ErrInvalidToken
	}
	issued, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	expiry, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	if m.now().Unix() > expiry {
		return Claims{}, ErrExpiredToken
	}
	return Claims{UserID: fields[0], IssuedAt: time.UnixMilli(issued), ExpiresAt: time.Unix(expiry, 0)}, nil
}

func (m *Manager) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write(payload)
	return h.Sum(nil)
}
