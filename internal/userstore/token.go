package userstore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// TokenPrefix marks every API token.
	TokenPrefix = "ptr_"
	// MinTokenLength rejects obviously truncated tokens before any lookup.
	MinTokenLength = 20

	tokenSecretBytes   = 32
	tokenDisplayPrefix = 8
)

// GenerateToken returns a new token, the hash to store and the display prefix.
func GenerateToken() (token, hash, prefix string, err error) {
	buf := make([]byte, tokenSecretBytes)
	if _, err = rand.Read(buf); err != nil {
		return "", "", "", err
	}
	secret := hex.EncodeToString(buf)
	token = TokenPrefix + secret
	return token, HashToken(token), TokenPrefix + secret[:tokenDisplayPrefix], nil
}

// GenerateResetToken returns a password reset token and the hash to store.
func GenerateResetToken() (token, hash string, err error) {
	buf := make([]byte, tokenSecretBytes)
	if _, err = rand.Read(buf); err != nil {
		return "", "", err
	}
	token = hex.EncodeToString(buf)
	return token, HashToken(token), nil
}

// HashToken hashes the secret part of a token. Tokens are never stored in clear.
func HashToken(token string) string {
	secret := strings.TrimPrefix(strings.TrimSpace(token), TokenPrefix)
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
