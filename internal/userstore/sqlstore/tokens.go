package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/outsoor/billing/internal/userstore"
)

const tokenColumns = `t.id, t.user_id, t.name, t.token_prefix, t.token_hash, t.last_used_at, t.is_active, t.created_at, t.updated_at`

// CreateToken issues a token for userID and returns the secret once.
func (s *Store) CreateToken(ctx context.Context, userID, name string) (*userstore.APIToken, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", errors.New("token name required")
	}
	token, hash, prefix, err := userstore.GenerateToken()
	if err != nil {
		return nil, "", fmt.Errorf("generate token: %w", err)
	}
	now := time.Now().UTC()
	t := &userstore.APIToken{
		ID:          uuid.NewString(),
		UserID:      userID,
		Name:        name,
		TokenPrefix: prefix,
		TokenHash:   hash,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
INSERT INTO api_tokens (id, user_id, name, token_hash, token_prefix, is_active, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`), t.ID, t.UserID, t.Name, t.TokenHash, t.TokenPrefix, true, now, now)
	if err != nil {
		return nil, "", fmt.Errorf("create token: %w", err)
	}
	return t, token, nil
}

// ListTokens returns the user's active tokens, newest first.
func (s *Store) ListTokens(ctx context.Context, userID string) ([]userstore.APIToken, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT `+tokenColumns+`
FROM api_tokens t
WHERE t.user_id = ? AND t.is_active = ?
ORDER BY t.created_at DESC`), userID, true)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()
	var out []userstore.APIToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RegenerateToken replaces the secret of an active token owned by userID.
func (s *Store) RegenerateToken(ctx context.Context, userID, tokenID string) (*userstore.APIToken, string, error) {
	token, hash, prefix, err := userstore.GenerateToken()
	if err != nil {
		return nil, "", fmt.Errorf("generate token: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE api_tokens SET token_hash = ?, token_prefix = ?, last_used_at = NULL, updated_at = ?
WHERE id = ? AND user_id = ? AND is_active = ?`), hash, prefix, now, tokenID, userID, true)
	if err != nil {
		return nil, "", fmt.Errorf("regenerate token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, "", nil
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+tokenColumns+` FROM api_tokens t WHERE t.id = ?`), tokenID)
	t, err := scanToken(row)
	if err != nil {
		return nil, "", fmt.Errorf("load token: %w", err)
	}
	return &t, token, nil
}

// RevokeToken deactivates a token. Revoked tokens stay for audit.
func (s *Store) RevokeToken(ctx context.Context, userID, tokenID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE api_tokens SET is_active = ?, updated_at = ? WHERE id = ? AND user_id = ? AND is_active = ?`),
		false, time.Now().UTC(), tokenID, userID, true)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// LookupToken resolves an active token and its owner and stamps last_used_at.
func (s *Store) LookupToken(ctx context.Context, token string) (*userstore.APIToken, *userstore.User, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
SELECT `+tokenColumns+`, u.id, u.email, u.name, u.password_hash, u.role, u.created_at, u.updated_at
FROM api_tokens t
JOIN users u ON u.id = t.user_id
WHERE t.token_hash = ? AND t.is_active = ?`), userstore.HashToken(token), true)

	var (
		t        userstore.APIToken
		u        userstore.User
		role     string
		lastUsed sql.NullTime
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.TokenPrefix, &t.TokenHash, &lastUsed, &t.IsActive, &t.CreatedAt, &t.UpdatedAt,
		&u.ID, &u.Email, &u.Name, &u.PasswordHash, &role, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lookup token: %w", err)
	}
	u.Role = userstore.Role(role)
	if lastUsed.Valid {
		lu := lastUsed.Time
		t.LastUsedAt = &lu
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, s.rebind(`UPDATE api_tokens SET last_used_at = ? WHERE id = ?`), now, t.ID); err != nil {
		return nil, nil, fmt.Errorf("touch token: %w", err)
	}
	t.LastUsedAt = &now
	return &t, &u, nil
}

func scanToken(row rowScanner) (userstore.APIToken, error) {
	var (
		t        userstore.APIToken
		lastUsed sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.TokenPrefix, &t.TokenHash, &lastUsed, &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return userstore.APIToken{}, err
	}
	if lastUsed.Valid {
		lu := lastUsed.Time
		t.LastUsedAt = &lu
	}
	return t, nil
}
