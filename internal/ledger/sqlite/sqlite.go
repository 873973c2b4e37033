package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/outsoor/billing/internal/ledger/sqlstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS user_credits (
	user_id TEXT PRIMARY KEY,
	balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
	total_spent INTEGER NOT NULL DEFAULT 0,
	total_topped_up INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	type TEXT NOT NULL CHECK (type IN ('topup','usage','refund')),
	amount INTEGER NOT NULL CHECK (amount > 0),
	description TEXT NOT NULL DEFAULT '',
	reference_id TEXT,
	parent_id TEXT,
	status TEXT NOT NULL CHECK (status IN ('pending','completed','failed','cancelled')),
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_user_created ON credit_transactions(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_reference ON credit_transactions(reference_id);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_parent ON credit_transactions(parent_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_transactions_completed_ref
	ON credit_transactions(type, reference_id)
	WHERE status = 'completed' AND reference_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS webhook_events (
	provider TEXT NOT NULL,
	reference_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	transaction_id TEXT,
	received_at TIMESTAMP NOT NULL,
	PRIMARY KEY (provider, reference_id, event_type)
);

CREATE TABLE IF NOT EXISTS usage_logs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	service_type TEXT NOT NULL,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	cost INTEGER NOT NULL DEFAULT 0,
	model_used TEXT NOT NULL DEFAULT '',
	request_id TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_logs_user_created ON usage_logs(user_id, created_at DESC);
`

// Dialect describes SQLite for sqlstore.
var Dialect = sqlstore.Dialect{
	Name:              "sqlite",
	Schema:            schema,
	Greatest:          "MAX",
	IsUniqueViolation: IsUniqueViolation,
}

// New opens (or creates) a SQLite ledger at the given path.
func New(path string) (*sqlstore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	store, err := sqlstore.New(db, Dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Open returns a single-writer SQLite handle in WAL mode.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Balance updates rely on serialized writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	return db, nil
}

// IsUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY constraint failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *msqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
