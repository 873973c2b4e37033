package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/outsoor/billing/internal/ledger"
)

// RecordUsage inserts usage log rows in one transaction.
func (s *Store) RecordUsage(ctx context.Context, logs ...ledger.UsageLog) error {
	if len(logs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.rebind(`
INSERT INTO usage_logs (id, user_id, service_type, tokens_used, cost, model_used, request_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`))
		if err != nil {
			return fmt.Errorf("prepare usage insert: %w", err)
		}
		defer stmt.Close()
		for _, l := range logs {
			if l.UserID == "" {
				return ledger.ValidationError("user_id", "is required")
			}
			if l.ID == "" {
				l.ID = uuid.NewString()
			}
			if l.CreatedAt.IsZero() {
				l.CreatedAt = time.Now().UTC()
			}
			if _, err := stmt.ExecContext(ctx, l.ID, l.UserID, l.ServiceType, l.TokensUsed,
				ledger.ToMicros(l.Cost), l.ModelUsed, nullString(l.RequestID), l.CreatedAt); err != nil {
				return fmt.Errorf("insert usage log: %w", err)
			}
		}
		return nil
	})
}

// UsageSince returns the user's usage logs created at or after since, oldest first.
func (s *Store) UsageSince(ctx context.Context, userID string, since time.Time) ([]ledger.UsageLog, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id, user_id, service_type, tokens_used, cost, model_used, request_id, created_at
FROM usage_logs
WHERE user_id = ? AND created_at >= ?
ORDER BY created_at ASC`), userID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query usage logs: %w", err)
	}
	defer rows.Close()
	var out []ledger.UsageLog
	for rows.Next() {
		var (
			l         ledger.UsageLog
			cost      int64
			requestID sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.UserID, &l.ServiceType, &l.TokensUsed, &cost, &l.ModelUsed, &requestID, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage log: %w", err)
		}
		l.Cost = ledger.FromMicros(cost)
		l.RequestID = requestID.String
		out = append(out, l)
	}
	return out, rows.Err()
}
