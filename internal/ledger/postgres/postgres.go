package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/outsoor/billing/internal/ledger/sqlstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS user_credits (
	user_id TEXT PRIMARY KEY,
	balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	total_spent BIGINT NOT NULL DEFAULT 0,
	total_topped_up BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	type TEXT NOT NULL CHECK (type IN ('topup','usage','refund')),
	amount BIGINT NOT NULL CHECK (amount > 0),
	description TEXT NOT NULL DEFAULT '',
	reference_id TEXT,
	parent_id TEXT,
	status TEXT NOT NULL CHECK (status IN ('pending','completed','failed','cancelled')),
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_user_created ON credit_transactions(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_reference ON credit_transactions(reference_id);
ALTER TABLE credit_transactions ADD COLUMN IF NOT EXISTS parent_id TEXT;
CREATE INDEX IF NOT EXISTS idx_credit_transactions_parent ON credit_transactions(parent_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_transactions_completed_ref
	ON credit_transactions(type, reference_id)
	WHERE status = 'completed' AND reference_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS webhook_events (
	provider TEXT NOT NULL,
	reference_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	transaction_id TEXT,
	received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (provider, reference_id, event_type)
);

CREATE TABLE IF NOT EXISTS usage_logs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	service_type TEXT NOT NULL,
	tokens_used BIGINT NOT NULL DEFAULT 0,
	cost BIGINT NOT NULL DEFAULT 0,
	model_used TEXT NOT NULL DEFAULT '',
	request_id TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_usage_logs_user_created ON usage_logs(user_id, created_at DESC);
`

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Dialect describes PostgreSQL for sqlstore.
var Dialect = sqlstore.Dialect{
	Name:              "postgres",
	Schema:            schema,
	NumberedParams:    true,
	Greatest:          "GREATEST",
	LockClause:        "FOR UPDATE",
	IsUniqueViolation: IsUniqueViolation,
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and connection pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes, idleTimeMinutes int) (*sqlstore.Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
	}
	if idleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(idleTimeMinutes) * time.Minute)
	}
	store, err := Open(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Open applies the schema on an existing handle.
func Open(db *sql.DB) (*sqlstore.Store, error) {
	return sqlstore.New(db, Dialect)
}

// IsUniqueViolation reports whether err carries SQLSTATE 23505.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}
