package userstore

import (
	"context"
	"errors"
	"time"
)

// Role represents the capability level of an account.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// ErrDuplicateEmail is returned when an email is already registered.
var ErrDuplicateEmail = errors.New("user already exists")

// Reset token failures. They are distinct so the UI can tell the user to
// request a new link.
var (
	ErrResetTokenInvalid = errors.New("invalid reset token")
	ErrResetTokenExpired = errors.New("reset token has expired")
	ErrResetTokenUsed    = errors.New("reset token has already been used")
)

// ResetTokenTTL is how long a password reset link stays usable.
const ResetTokenTTL = time.Hour

// User is a registered account holder.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsAdmin reports whether the user may use admin overrides.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// APIToken is a bearer credential used by the deduction API. The secret is
// only ever returned at creation or regeneration time.
type APIToken struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Name        string     `json:"name"`
	TokenPrefix string     `json:"token_prefix"`
	TokenHash   string     `json:"-"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// PasswordReset is a single-use password reset grant. Only the hash of the
// token is stored.
type PasswordReset struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	TokenHash string     `json:"-"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Check reports why the grant can no longer be used at now, or nil.
func (p *PasswordReset) Check(now time.Time) error {
	switch {
	case p == nil:
		return ErrResetTokenInvalid
	case p.UsedAt != nil:
		return ErrResetTokenUsed
	case now.After(p.ExpiresAt):
		return ErrResetTokenExpired
	}
	return nil
}

// Store persists users and API tokens across SQLite/Postgres backends.
// Lookups return (nil, nil) when nothing matches.
type Store interface {
	CreateUser(ctx context.Context, email, name, passwordHash string, role Role) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	CountUsers(ctx context.Context) (int64, error)
	SetRole(ctx context.Context, id string, role Role) error
	SetPassword(ctx context.Context, id, passwordHash string) error

	CreateToken(ctx context.Context, userID, name string) (*APIToken, string, error)
	ListTokens(ctx context.Context, userID string) ([]APIToken, error)
	RegenerateToken(ctx context.Context, userID, tokenID string) (*APIToken, string, error)
	RevokeToken(ctx context.Context, userID, tokenID string) error
	LookupToken(ctx context.Context, token string) (*APIToken, *User, error)

	// CreateResetToken returns the grant and the token to deliver to the user.
	CreateResetToken(ctx context.Context, userID string, ttl time.Duration) (*PasswordReset, string, error)
	// CheckResetToken returns the grant for token or one of the ErrResetToken errors.
	CheckResetToken(ctx context.Context, token string) (*PasswordReset, error)
	// ResetPassword consumes token, stores passwordHash and revokes the
	// user's existing sessions in one transaction.
	ResetPassword(ctx context.Context, token, passwordHash string) (*User, error)
	// SessionsRevokedAt returns the instant before which the user's sessions
	// are void, or the zero time.
	SessionsRevokedAt(ctx context.Context, userID string) (time.Time, error)

	Close() error
}

// Directory answers existence checks against a Store.
type Directory struct {
	Store Store
}

// UserExists reports whether id belongs to a registered user.
func (d Directory) UserExists(ctx context.Context, id string) (bool, error) {
	user, err := d.Store.GetUser(ctx, id)
	if err != nil {
		return false, err
	}
	return user != nil, nil
}
