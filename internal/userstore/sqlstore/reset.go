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

const resetColumns = `id, user_id, token_hash, expires_at, used_at, created_at`

// CreateResetToken stores a reset grant for userID valid for ttl.
func (s *Store) CreateResetToken(ctx context.Context, userID string, ttl time.Duration) (*userstore.PasswordReset, string, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, "", errors.New("user id required")
	}
	if ttl == 0 {
		ttl = userstore.ResetTokenTTL
	}
	token, hash, err := userstore.GenerateResetToken()
	if err != nil {
		return nil, "", fmt.Errorf("generate reset token: %w", err)
	}
	now := time.Now().UTC()
	p := &userstore.PasswordReset{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: hash,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
INSERT INTO password_reset_tokens (id, user_id, token_hash, expires_at, created_at)
VALUES (?, ?, ?, ?, ?)`), p.ID, p.UserID, p.TokenHash, p.ExpiresAt, p.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("create reset token: %w", err)
	}
	return p, token, nil
}

// CheckResetToken loads the grant for token without consuming it.
func (s *Store) CheckResetToken(ctx context.Context, token string) (*userstore.PasswordReset, error) {
	if strings.TrimSpace(token) == "" {
		return nil, userstore.ErrResetTokenInvalid
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+resetColumns+` FROM password_reset_tokens WHERE token_hash = ?`),
		userstore.HashToken(token))
	p, err := scanReset(row)
	if err != nil {
		return nil, err
	}
	if err := p.Check(time.Now().UTC()); err != nil {
		return nil, err
	}
	return p, nil
}

// ResetPassword consumes token and replaces the owner's password hash.
// Sessions issued before the reset stop validating.
func (s *Store) ResetPassword(ctx context.Context, token, passwordHash string) (*userstore.User, error) {
	if strings.TrimSpace(token) == "" {
		return nil, userstore.ErrResetTokenInvalid
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reset: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanReset(tx.QueryRowContext(ctx, s.rebind(`SELECT `+resetColumns+` FROM password_reset_tokens WHERE token_hash = ?`),
		userstore.HashToken(token)))
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := p.Check(now); err != nil {
		return nil, err
	}

	// used_at IS NULL makes a concurrent second use lose.
	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE password_reset_tokens SET used_at = ? WHERE id = ? AND used_at IS NULL`), now, p.ID)
	if err != nil {
		return nil, fmt.Errorf("consume reset token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, userstore.ErrResetTokenUsed
	}
	res, err = tx.ExecContext(ctx, s.rebind(`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`), passwordHash, now, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("update password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, userstore.ErrResetTokenInvalid
	}
	_, err = tx.ExecContext(ctx, s.rebind(`
INSERT INTO session_revocations (user_id, revoked_at) VALUES (?, ?)
ON CONFLICT (user_id) DO UPDATE SET revoked_at = excluded.revoked_at`), p.UserID, now)
	if err != nil {
		return nil, fmt.Errorf("revoke sessions: %w", err)
	}
	user, err := scanUserRow(tx.QueryRowContext(ctx, s.rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), p.UserID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reset: %w", err)
	}
	return user, nil
}

// SessionsRevokedAt returns the latest revocation for userID, or the zero time.
func (s *Store) SessionsRevokedAt(ctx context.Context, userID string) (time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT revoked_at FROM session_revocations WHERE user_id = ?`), userID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load session revocation: %w", err)
	}
	return at, nil
}

func scanReset(row rowScanner) (*userstore.PasswordReset, error) {
	var (
		p    userstore.PasswordReset
		used sql.NullTime
	)
	err := row.Scan(&p.ID, &p.UserID, &p.TokenHash, &p.ExpiresAt, &used, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, userstore.ErrResetTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("scan reset token: %w", err)
	}
	if used.Valid {
		u := used.Time
		p.UsedAt = &u
	}
	return &p, nil
}
