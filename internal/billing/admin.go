package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/outsoor/billing/internal/ledger"
)

// Actor is the authenticated caller of an admin operation.
type Actor struct {
	UserID string
	Role   string
	// Source annotates metadata.source; defaults to admin_panel.
	Source string
}

// IsAdmin reports whether the actor holds the admin role.
func (a Actor) IsAdmin() bool { return a.Role == "admin" }

func (a Actor) source() string {
	if a.Source != "" {
		return a.Source
	}
	return "admin_panel"
}

// AdminAdjustment is the input of AdminTopUp and AdminDeduct.
type AdminAdjustment struct {
	UserID      string
	Amount      decimal.Decimal
	Description string
	Note        string
}

func (s *Service) checkAdmin(ctx context.Context, actor Actor, adj AdminAdjustment) (string, error) {
	if !actor.IsAdmin() {
		return "", fmt.Errorf("%w: admin role required", ledger.ErrForbidden)
	}
	userID := strings.TrimSpace(adj.UserID)
	if userID == "" {
		return "", ledger.ValidationError("userId", "is required")
	}
	if err := ledger.ValidateAmount(adj.Amount); err != nil {
		return "", err
	}
	if s.users != nil {
		ok, err := s.users.UserExists(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("lookup user: %w", err)
		}
		if !ok {
			return "", fmt.Errorf("%w: user %s", ledger.ErrNotFound, userID)
		}
	}
	return userID, nil
}

func (s *Service) adminMetadata(actor Actor, adj AdminAdjustment) ledger.Metadata {
	meta := ledger.Metadata{
		"source": actor.source(),
		"actor":  actor.UserID,
	}
	if note := strings.TrimSpace(adj.Note); note != "" {
		meta["note"] = note
	}
	return meta
}

// AdminTopUp credits a user outside any payment flow.
func (s *Service) AdminTopUp(ctx context.Context, actor Actor, adj AdminAdjustment) (ledger.Transaction, error) {
	userID, err := s.checkAdmin(ctx, actor, adj)
	if err != nil {
		return ledger.Transaction{}, err
	}
	description := strings.TrimSpace(adj.Description)
	if description == "" {
		description = "Admin manual top-up"
	}
	txn, err := s.Record(ctx, RecordRequest{
		UserID:      userID,
		Type:        ledger.TypeTopUp,
		Amount:      adj.Amount,
		Description: description,
		ReferenceID: s.reference("admin_manual"),
		Status:      ledger.StatusCompleted,
		Metadata:    s.adminMetadata(actor, adj),
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	s.logger.Infof("admin %s topped up user=%s amount=%s", actor.UserID, userID, adj.Amount.StringFixed(2))
	return txn, nil
}

// AdminDeduct debits a user. The balance is re-read first and the store guards
// the debit, so an admin deduction never drives a balance negative.
func (s *Service) AdminDeduct(ctx context.Context, actor Actor, adj AdminAdjustment) (DeductResult, error) {
	userID, err := s.checkAdmin(ctx, actor, adj)
	if err != nil {
		return DeductResult{}, err
	}
	description := strings.TrimSpace(adj.Description)
	if description == "" {
		description = "Admin manual deduction"
	}
	res, err := s.deduct(ctx, userID, adj.Amount, description, s.reference("admin_deduct"), s.adminMetadata(actor, adj))
	if err != nil {
		return DeductResult{}, err
	}
	s.logger.Infof("admin %s deducted user=%s amount=%s", actor.UserID, userID, adj.Amount.StringFixed(2))
	return res, nil
}

// Stats returns ledger-wide figures.
func (s *Service) Stats(ctx context.Context) (ledger.Stats, error) {
	return s.store.Stats(ctx)
}

// Accounts returns the balances of userIDs; users without an account are omitted.
func (s *Service) Accounts(ctx context.Context, userIDs []string) (map[string]ledger.Account, error) {
	return s.store.ListAccounts(ctx, userIDs)
}
