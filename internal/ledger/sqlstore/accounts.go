package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/outsoor/billing/internal/ledger"
)

const accountColumns = `user_id, balance, total_spent, total_topped_up, created_at, updated_at`

// EnsureAccount returns the account for userID, creating a zero balance row when absent.
func (s *Store) EnsureAccount(ctx context.Context, userID string) (ledger.Account, error) {
	if strings.TrimSpace(userID) == "" {
		return ledger.Account{}, ledger.ValidationError("user_id", "is required")
	}
	var acct ledger.Account
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureAccount(ctx, tx, userID, time.Now().UTC()); err != nil {
			return err
		}
		var err error
		acct, err = s.getAccount(ctx, tx, userID)
		return err
	})
	return acct, err
}

// GetAccount returns ledger.ErrNotFound when the user has no account yet.
func (s *Store) GetAccount(ctx context.Context, userID string) (ledger.Account, error) {
	return s.getAccount(ctx, s.db, userID)
}

// ListAccounts returns the accounts that exist among userIDs, keyed by user id.
func (s *Store) ListAccounts(ctx context.Context, userIDs []string) (map[string]ledger.Account, error) {
	out := make(map[string]ledger.Account, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}
	query := `SELECT ` + accountColumns + ` FROM user_credits WHERE user_id IN (` + placeholders(len(args)) + `)`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out[acct.UserID] = acct
	}
	return out, rows.Err()
}

func (s *Store) ensureAccount(ctx context.Context, q queryer, userID string, now time.Time) error {
	_, err := q.ExecContext(ctx, s.rebind(`
INSERT INTO user_credits (user_id, balance, total_spent, total_topped_up, created_at, updated_at)
VALUES (?, 0, 0, 0, ?, ?)
ON CONFLICT (user_id) DO NOTHING`), userID, now, now)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

func (s *Store) getAccount(ctx context.Context, q queryer, userID string) (ledger.Account, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+accountColumns+` FROM user_credits WHERE user_id = ?`), userID)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, fmt.Errorf("account %s: %w", userID, ledger.ErrNotFound)
	}
	return acct, err
}

func (s *Store) currentBalance(ctx context.Context, q queryer, userID string, forUpdate bool) (decimal.Decimal, error) {
	query := `SELECT balance FROM user_credits WHERE user_id = ?`
	if forUpdate {
		query = s.lock(query)
	}
	var micros int64
	if err := q.QueryRowContext(ctx, s.rebind(query), userID).Scan(&micros); err != nil {
		return decimal.Zero, fmt.Errorf("read balance: %w", err)
	}
	return ledger.FromMicros(micros), nil
}

// applyDelta mutates the denormalized balance for a completed transaction and
// returns the amount actually applied.
func (s *Store) applyDelta(ctx context.Context, q queryer, userID string, txType ledger.TxType, amount decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	micros := ledger.ToMicros(amount)
	switch txType {
	case ledger.TypeTopUp:
		_, err := q.ExecContext(ctx, s.rebind(`
UPDATE user_credits
SET balance = balance + ?, total_topped_up = total_topped_up + ?, updated_at = ?
WHERE user_id = ?`), micros, micros, now, userID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("credit balance: %w", err)
		}
		return amount, nil
	case ledger.TypeUsage:
		res, err := q.ExecContext(ctx, s.rebind(`
UPDATE user_credits
SET balance = balance - ?, total_spent = total_spent + ?, updated_at = ?
WHERE user_id = ? AND balance >= ?`), micros, micros, now, userID, micros)
		if err != nil {
			return decimal.Zero, fmt.Errorf("debit balance: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return decimal.Zero, fmt.Errorf("debit balance: %w", err)
		}
		if n == 0 {
			balance, berr := s.currentBalance(ctx, q, userID, false)
			if berr != nil {
				return decimal.Zero, berr
			}
			return decimal.Zero, &ledger.InsufficientCreditError{Balance: balance, Required: amount}
		}
		return amount, nil
	case ledger.TypeRefund:
		balance, err := s.currentBalance(ctx, q, userID, true)
		if err != nil {
			return decimal.Zero, err
		}
		applied := decimal.Min(balance, amount)
		_, err = q.ExecContext(ctx, s.rebind(`
UPDATE user_credits
SET balance = `+s.dialect.Greatest+`(balance - ?, 0), updated_at = ?
WHERE user_id = ?`), micros, now, userID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("refund balance: %w", err)
		}
		return applied, nil
	default:
		return decimal.Zero, ledger.ValidationError("type", fmt.Sprintf("%q is not supported", txType))
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (ledger.Account, error) {
	var (
		acct                  ledger.Account
		balance, spent, added int64
	)
	if err := row.Scan(&acct.UserID, &balance, &spent, &added, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		return ledger.Account{}, err
	}
	acct.Balance = ledger.FromMicros(balance)
	acct.TotalSpent = ledger.FromMicros(spent)
	acct.TotalToppedUp = ledger.FromMicros(added)
	return acct, nil
}
