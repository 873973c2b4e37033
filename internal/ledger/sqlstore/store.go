// Package sqlstore implements ledger.Store over database/sql. The sqlite and
// postgres packages open a database and supply the matching Dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/outsoor/billing/internal/ledger"
)

// Dialect captures the SQL differences between supported engines.
type Dialect struct {
	Name   string
	Schema string
	// NumberedParams rewrites ? placeholders to $1, $2, ...
	NumberedParams bool
	// Greatest is the two-argument max function name.
	Greatest string
	// LockClause is appended to SELECTs that read rows about to be updated.
	LockClause        string
	IsUniqueViolation func(error) bool
}

// Store implements ledger.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ ledger.Store = (*Store)(nil)

// New wraps an open database and applies the dialect schema.
func New(db *sql.DB, dialect Dialect) (*Store, error) {
	if dialect.Greatest == "" {
		dialect.Greatest = "GREATEST"
	}
	if dialect.IsUniqueViolation == nil {
		dialect.IsUniqueViolation = func(error) bool { return false }
	}
	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	if strings.TrimSpace(s.dialect.Schema) == "" {
		return nil
	}
	if _, err := s.db.Exec(s.dialect.Schema); err != nil {
		return fmt.Errorf("apply %s ledger schema: %w", s.dialect.Name, err)
	}
	return nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) rebind(query string) string {
	if !s.dialect.NumberedParams {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) lock(query string) string {
	if s.dialect.LockClause == "" {
		return query
	}
	return query + " " + s.dialect.LockClause
}

func nullString(v string) sql.NullString {
	if strings.TrimSpace(v) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
