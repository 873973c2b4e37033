package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/outsoor/billing/internal/ledger"
)

const transactionColumns = `id, user_id, type, amount, description, reference_id, parent_id, status, metadata, created_at, updated_at`

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Record inserts txn. Completed transactions update the balance in the same
// database transaction; a non-nil event is claimed first and a prior claim
// yields ledger.ErrDuplicateEvent with nothing written. A refund carrying a
// ParentID is clamped to what remains refundable on that top-up.
func (s *Store) Record(ctx context.Context, txn ledger.Transaction, event *ledger.EventKey) (ledger.Transaction, error) {
	if err := validateTransaction(txn); err != nil {
		return ledger.Transaction{}, err
	}
	now := time.Now().UTC()
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = now
	}
	txn.UpdatedAt = txn.CreatedAt
	if txn.Metadata == nil {
		txn.Metadata = ledger.Metadata{}
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureAccount(ctx, tx, txn.UserID, now); err != nil {
			return err
		}
		if event != nil {
			if err := s.claimEvent(ctx, tx, *event, txn.ID, now); err != nil {
				return err
			}
		}
		if txn.Type == ledger.TypeRefund && txn.ParentID != "" {
			if err := s.capRefund(ctx, tx, &txn); err != nil {
				return err
			}
		}
		if txn.Status == ledger.StatusCompleted {
			applied, err := s.applyDelta(ctx, tx, txn.UserID, txn.Type, txn.Amount, now)
			if err != nil {
				return err
			}
			if txn.Type == ledger.TypeRefund {
				txn.Metadata = txn.Metadata.Merge(ledger.Metadata{"appliedAmount": applied.String()})
			}
		}
		return s.insertTransaction(ctx, tx, txn)
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	return txn, nil
}

// Transition moves the pending transaction carrying req.ReferenceID to req.To.
// Moving to completed applies the balance update atomically with the status change.
func (s *Store) Transition(ctx context.Context, req ledger.TransitionRequest) (ledger.Transaction, error) {
	if strings.TrimSpace(req.ReferenceID) == "" {
		return ledger.Transaction{}, ledger.ValidationError("reference_id", "is required")
	}
	if !req.To.Terminal() {
		return ledger.Transaction{}, ledger.ValidationError("status", fmt.Sprintf("cannot transition to %q", req.To))
	}
	if req.Type == "" {
		req.Type = ledger.TypeTopUp
	}
	if !req.Amount.IsZero() {
		if err := ledger.ValidateAmount(req.Amount); err != nil {
			return ledger.Transaction{}, err
		}
	}

	var out ledger.Transaction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		cur, err := s.lockByReference(ctx, tx, req.ReferenceID, req.Type)
		if err != nil {
			return err
		}
		if cur.Status != ledger.StatusPending {
			return fmt.Errorf("%w: transaction %s already %s", ledger.ErrDuplicateEvent, cur.ID, cur.Status)
		}
		if req.Event != nil {
			if err := s.claimEvent(ctx, tx, *req.Event, cur.ID, now); err != nil {
				return err
			}
		}

		next := cur
		next.Status = req.To
		next.UpdatedAt = now
		next.Metadata = cur.Metadata.Merge(req.Metadata)
		if !req.Amount.IsZero() {
			next.Amount = req.Amount
		}
		if req.NewReferenceID != "" {
			next.ReferenceID = req.NewReferenceID
		}

		res, err := tx.ExecContext(ctx, s.rebind(`
UPDATE credit_transactions
SET status = ?, amount = ?, reference_id = ?, metadata = ?, updated_at = ?
WHERE id = ? AND status = ?`),
			string(next.Status), ledger.ToMicros(next.Amount), nullString(next.ReferenceID), next.Metadata, now,
			cur.ID, string(ledger.StatusPending))
		if err != nil {
			if s.dialect.IsUniqueViolation(err) {
				return fmt.Errorf("%w: reference %s already completed", ledger.ErrDuplicateEvent, next.ReferenceID)
			}
			return fmt.Errorf("update transaction: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update transaction: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: transaction %s is no longer pending", ledger.ErrDuplicateEvent, cur.ID)
		}

		if next.Status == ledger.StatusCompleted {
			if err := s.ensureAccount(ctx, tx, next.UserID, now); err != nil {
				return err
			}
			if _, err := s.applyDelta(ctx, tx, next.UserID, next.Type, next.Amount, now); err != nil {
				return err
			}
		}
		out = next
		return nil
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	return out, nil
}

// GetTransaction loads a transaction by id.
func (s *Store) GetTransaction(ctx context.Context, id string) (ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+transactionColumns+` FROM credit_transactions WHERE id = ?`), id)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, fmt.Errorf("transaction %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("get transaction: %w", err)
	}
	return txn, nil
}

// FindByReference returns the newest transaction of txType carrying referenceID.
func (s *Store) FindByReference(ctx context.Context, referenceID string, txType ledger.TxType) (ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
SELECT `+transactionColumns+`
FROM credit_transactions
WHERE reference_id = ? AND type = ?
ORDER BY created_at DESC
LIMIT 1`), referenceID, string(txType))
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, fmt.Errorf("%s reference %s: %w", txType, referenceID, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("find transaction: %w", err)
	}
	return txn, nil
}

// ListTransactions returns transactions newest first.
func (s *Store) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + transactionColumns + ` FROM credit_transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	var out []ledger.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

// Stats aggregates revenue, usage and account figures.
func (s *Store) Stats(ctx context.Context) (ledger.Stats, error) {
	var (
		stats                                   ledger.Stats
		revenue, usage, refunded, cost, balance int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT
	CAST(COALESCE(SUM(CASE WHEN type = 'topup' AND status = 'completed' THEN amount ELSE 0 END), 0) AS BIGINT),
	CAST(COALESCE(SUM(CASE WHEN type = 'usage' AND status = 'completed' THEN amount ELSE 0 END), 0) AS BIGINT),
	CAST(COALESCE(SUM(CASE WHEN type = 'refund' AND status = 'completed' THEN amount ELSE 0 END), 0) AS BIGINT),
	CAST(COALESCE(SUM(CASE WHEN type = 'topup' AND status = 'pending' THEN 1 ELSE 0 END), 0) AS BIGINT),
	COUNT(*)
FROM credit_transactions`).Scan(&revenue, &usage, &refunded, &stats.PendingTopUps, &stats.Transactions)
	if err != nil {
		return ledger.Stats{}, fmt.Errorf("transaction stats: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), CAST(COALESCE(SUM(balance), 0) AS BIGINT) FROM user_credits`).
		Scan(&stats.Accounts, &balance)
	if err != nil {
		return ledger.Stats{}, fmt.Errorf("account stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT CAST(COALESCE(SUM(cost), 0) AS BIGINT) FROM usage_logs`).Scan(&cost); err != nil {
		return ledger.Stats{}, fmt.Errorf("usage stats: %w", err)
	}
	stats.TotalRevenue = ledger.FromMicros(revenue)
	stats.TotalUsage = ledger.FromMicros(usage)
	stats.TotalRefunded = ledger.FromMicros(refunded)
	stats.TotalUsageCost = ledger.FromMicros(cost)
	stats.OutstandingFunds = ledger.FromMicros(balance)
	return stats, nil
}

func (s *Store) lockByReference(ctx context.Context, tx *sql.Tx, referenceID string, txType ledger.TxType) (ledger.Transaction, error) {
	query := s.lock(`
SELECT ` + transactionColumns + `
FROM credit_transactions
WHERE reference_id = ? AND type = ?
ORDER BY CASE status WHEN 'pending' THEN 0 ELSE 1 END, created_at DESC
LIMIT 1`)
	txn, err := scanTransaction(tx.QueryRowContext(ctx, s.rebind(query), referenceID, string(txType)))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, fmt.Errorf("%s reference %s: %w", txType, referenceID, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("load transaction: %w", err)
	}
	return txn, nil
}

// capRefund locks the parent top-up and lowers txn.Amount to the part of it
// not yet refunded. The requested amount is kept in metadata when clamped.
func (s *Store) capRefund(ctx context.Context, tx *sql.Tx, txn *ledger.Transaction) error {
	var (
		userID, txType, status string
		amount                 int64
	)
	err := tx.QueryRowContext(ctx, s.rebind(s.lock(`SELECT user_id, type, status, amount FROM credit_transactions WHERE id = ?`)), txn.ParentID).
		Scan(&userID, &txType, &status, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("refund parent %s: %w", txn.ParentID, ledger.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load refund parent: %w", err)
	}
	if ledger.TxType(txType) != ledger.TypeTopUp || ledger.Status(status) != ledger.StatusCompleted {
		return ledger.ValidationError("parent_id", fmt.Sprintf("%s is a %s %s, not a completed top-up", txn.ParentID, status, txType))
	}
	if userID != txn.UserID {
		return ledger.ValidationError("parent_id", fmt.Sprintf("%s belongs to another user", txn.ParentID))
	}

	var refunded int64
	err = tx.QueryRowContext(ctx, s.rebind(`
SELECT CAST(COALESCE(SUM(amount), 0) AS BIGINT)
FROM credit_transactions
WHERE parent_id = ? AND type = 'refund' AND status = 'completed'`), txn.ParentID).Scan(&refunded)
	if err != nil {
		return fmt.Errorf("sum refunds: %w", err)
	}
	remaining := amount - refunded
	if remaining <= 0 {
		return fmt.Errorf("%w: top-up %s already refunded in full", ledger.ErrRefundExhausted, txn.ParentID)
	}
	if ledger.ToMicros(txn.Amount) > remaining {
		txn.Metadata = txn.Metadata.Merge(ledger.Metadata{"requestedAmount": txn.Amount.String()})
		txn.Amount = ledger.FromMicros(remaining)
	}
	return nil
}

func (s *Store) insertTransaction(ctx context.Context, tx *sql.Tx, txn ledger.Transaction) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
INSERT INTO credit_transactions (id, user_id, type, amount, description, reference_id, parent_id, status, metadata, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		txn.ID, txn.UserID, string(txn.Type), ledger.ToMicros(txn.Amount), txn.Description,
		nullString(txn.ReferenceID), nullString(txn.ParentID), string(txn.Status), txn.Metadata, txn.CreatedAt, txn.UpdatedAt)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s reference %s already recorded", ledger.ErrDuplicateEvent, txn.Type, txn.ReferenceID)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *Store) claimEvent(ctx context.Context, tx *sql.Tx, event ledger.EventKey, transactionID string, now time.Time) error {
	res, err := tx.ExecContext(ctx, s.rebind(`
INSERT INTO webhook_events (provider, reference_id, event_type, transaction_id, received_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`), event.Provider, event.ReferenceID, event.EventType, transactionID, now)
	if err != nil {
		return fmt.Errorf("claim event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim event: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s %s", ledger.ErrDuplicateEvent, event.Provider, event.EventType, event.ReferenceID)
	}
	return nil
}

func validateTransaction(txn ledger.Transaction) error {
	if strings.TrimSpace(txn.UserID) == "" {
		return ledger.ValidationError("user_id", "is required")
	}
	if !txn.Type.Valid() {
		return ledger.ValidationError("type", fmt.Sprintf("%q is not supported", txn.Type))
	}
	if !txn.Status.Valid() {
		return ledger.ValidationError("status", fmt.Sprintf("%q is not supported", txn.Status))
	}
	if txn.ParentID != "" && txn.Type != ledger.TypeRefund {
		return ledger.ValidationError("parent_id", "is only allowed on refunds")
	}
	return ledger.ValidateAmount(txn.Amount)
}

func scanTransaction(row rowScanner) (ledger.Transaction, error) {
	var (
		txn       ledger.Transaction
		txType    string
		status    string
		amount    int64
		reference sql.NullString
		parent    sql.NullString
	)
	if err := row.Scan(&txn.ID, &txn.UserID, &txType, &amount, &txn.Description, &reference, &parent, &status, &txn.Metadata, &txn.CreatedAt, &txn.UpdatedAt); err != nil {
		return ledger.Transaction{}, err
	}
	txn.Type = ledger.TxType(txType)
	txn.Status = ledger.Status(status)
	txn.Amount = ledger.FromMicros(amount)
	txn.ReferenceID = reference.String
	txn.ParentID = parent.String
	return txn, nil
}
