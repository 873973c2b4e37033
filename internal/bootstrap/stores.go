package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/outsoor/billing/internal/auth"
	"github.com/outsoor/billing/internal/billing"
	"github.com/outsoor/billing/internal/config"
	"github.com/outsoor/billing/internal/httpserver"
	"github.com/outsoor/billing/internal/ledger"
	ledgerpg "github.com/outsoor/billing/internal/ledger/postgres"
	ledgersqlite "github.com/outsoor/billing/internal/ledger/sqlite"
	"github.com/outsoor/billing/internal/ratelimit"
	"github.com/outsoor/billing/internal/userstore"
	userpg "github.com/outsoor/billing/internal/userstore/postgres"
	usersqlite "github.com/outsoor/billing/internal/userstore/sqlite"
)

// Stores bundles the ledger and identity backends selected by the config DSNs.
type Stores struct {
	Ledger   ledger.Store
	Identity userstore.Store
}

// OpenStores opens both stores. postgres:// DSNs select PostgreSQL, anything
// else is treated as a SQLite file path.
func OpenStores(cfg config.BillingConfig) (*Stores, error) {
	var (
		ls  ledger.Store
		err error
	)
	if config.IsPostgresDSN(cfg.LedgerDSN) {
		ls, err = ledgerpg.New(cfg.LedgerDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetimeMins, cfg.DBConnMaxIdleTimeMins)
	} else {
		ls, err = ledgersqlite.New(cfg.LedgerDSN)
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	var us userstore.Store
	if config.IsPostgresDSN(cfg.IdentityDSN) {
		us, err = userpg.New(cfg.IdentityDSN)
	} else {
		us, err = usersqlite.New(cfg.IdentityDSN)
	}
	if err != nil {
		_ = ls.Close()
		return nil, fmt.Errorf("open identity store: %w", err)
	}
	return &Stores{Ledger: ls, Identity: us}, nil
}

// Close closes both stores.
func (s *Stores) Close() error {
	return errors.Join(s.Ledger.Close(), s.Identity.Close())
}

// Databases returns the SQL handles behind both stores for health checks.
func (s *Stores) Databases() map[string]*sql.DB {
	out := make(map[string]*sql.DB, 2)
	if h, ok := s.Ledger.(interface{ DB() *sql.DB }); ok {
		out["ledger_db"] = h.DB()
	}
	if h, ok := s.Identity.(interface{ DB() *sql.DB }); ok {
		out["identity_db"] = h.DB()
	}
	return out
}

// Policy converts the configured policy into the billing service policy.
func Policy(p config.Policy) billing.Policy {
	return billing.Policy{
		Currency:       p.Currency,
		UnitPrice:      p.DeductionUnitPrice,
		TopUpMin:       p.TopUpMin,
		TopUpMax:       p.TopUpMax,
		PaymentMethods: append([]string(nil), p.PaymentMethods...),
	}
}

// Limits builds the HTTP rate limiters on one shared in-memory bucket store.
// Disabled limits come back nil. The returned store must be closed on shutdown.
func Limits(p config.RateLimits) (httpserver.Limits, *ratelimit.MemoryStore) {
	store := ratelimit.NewMemoryStore()
	build := func(l config.RateLimit) *ratelimit.Limiter {
		return ratelimit.NewLimiter(ratelimit.Config{Store: store, RequestsPerSecond: l.RequestsPerSecond, Burst: l.Burst})
	}
	return httpserver.Limits{
		Webhook:   build(p.Webhook),
		Deduction: build(p.Deduction),
		Auth:      build(p.Auth),
	}, store
}

// EnsureAdmin creates an admin account or promotes an existing one. A
// non-empty password replaces the stored hash. created reports whether a new
// account was inserted.
func EnsureAdmin(ctx context.Context, store userstore.Store, email, password, name string) (user *userstore.User, created bool, err error) {
	email = userstore.NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, false, errors.New("admin email must contain '@'")
	}
	var hash string
	if password != "" {
		if hash, err = auth.HashPassword(password); err != nil {
			return nil, false, err
		}
	}
	user, err = store.FindByEmail(ctx, email)
	if err != nil {
		return nil, false, err
	}
	if user == nil {
		if hash == "" {
			return nil, false, errors.New("password required to create admin account")
		}
		if strings.TrimSpace(name) == "" {
			name = "Administrator"
		}
		user, err = store.CreateUser(ctx, email, name, hash, userstore.RoleAdmin)
		if err != nil {
			return nil, false, err
		}
		return user, true, nil
	}
	if user.Role != userstore.RoleAdmin {
		if err := store.SetRole(ctx, user.ID, userstore.RoleAdmin); err != nil {
			return nil, false, err
		}
		user.Role = userstore.RoleAdmin
	}
	if hash != "" {
		if err := store.SetPassword(ctx, user.ID, hash); err != nil {
			return nil, false, err
		}
		user.PasswordHash = hash
	}
	return user, false, nil
}
