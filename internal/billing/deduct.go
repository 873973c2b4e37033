package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/outsoor/billing/internal/ledger"
)

// DeductResult reports a successful debit.
type DeductResult struct {
	Transaction      ledger.Transaction `json:"transaction"`
	Deducted         decimal.Decimal    `json:"deducted"`
	RemainingBalance decimal.Decimal    `json:"remaining_balance"`
}

// Deduct debits amount from userID. It fails with *ledger.InsufficientCreditError
// when the balance does not cover amount; the store re-checks the balance inside
// the debit so concurrent deductions cannot overdraw.
func (s *Service) Deduct(ctx context.Context, userID string, amount decimal.Decimal, description string, meta ledger.Metadata) (DeductResult, error) {
	return s.deduct(ctx, userID, amount, description, "", meta)
}

func (s *Service) deduct(ctx context.Context, userID string, amount decimal.Decimal, description, reference string, meta ledger.Metadata) (DeductResult, error) {
	if err := ledger.ValidateAmount(amount); err != nil {
		return DeductResult{}, err
	}
	acct, err := s.Balance(ctx, userID)
	if err != nil {
		return DeductResult{}, err
	}
	if amount.GreaterThan(acct.Balance) {
		s.metrics.RecordDeductionDenied()
		return DeductResult{}, &ledger.InsufficientCreditError{Balance: acct.Balance, Required: amount}
	}
	txn, err := s.Record(ctx, RecordRequest{
		UserID:      acct.UserID,
		Type:        ledger.TypeUsage,
		Amount:      amount,
		Description: description,
		ReferenceID: reference,
		Status:      ledger.StatusCompleted,
		Metadata:    meta,
	})
	if err != nil {
		var insufficient *ledger.InsufficientCreditError
		if errors.As(err, &insufficient) {
			s.metrics.RecordDeductionDenied()
			s.logger.Warnf("deduction raced for user=%s: balance %s, required %s",
				acct.UserID, insufficient.Balance.StringFixed(2), amount.StringFixed(2))
		}
		return DeductResult{}, err
	}
	after, err := s.store.GetAccount(ctx, acct.UserID)
	if err != nil {
		return DeductResult{}, fmt.Errorf("reload balance: %w", err)
	}
	s.metrics.RecordDeduction(amount)
	return DeductResult{Transaction: txn, Deducted: amount, RemainingBalance: after.Balance}, nil
}

// UnitDeduction describes one metered API call.
type UnitDeduction struct {
	UserID      string
	TokenID     string
	Description string
	ServiceType string
	RequestID   string
}

// DeductUnit charges exactly the configured unit price for one API call and
// queues a usage log entry for analytics.
func (s *Service) DeductUnit(ctx context.Context, req UnitDeduction) (DeductResult, error) {
	serviceType := strings.TrimSpace(req.ServiceType)
	if serviceType == "" {
		serviceType = "api"
	}
	requestID := strings.TrimSpace(req.RequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = "API usage"
	}
	meta := ledger.Metadata{
		"serviceType": serviceType,
		"requestId":   requestID,
	}
	if req.TokenID != "" {
		meta["tokenId"] = req.TokenID
	}
	price := s.policy.UnitPrice
	res, err := s.Deduct(ctx, req.UserID, price, description, meta)
	if err != nil {
		return DeductResult{}, err
	}
	s.logUsage(ctx, ledger.UsageLog{
		UserID:      res.Transaction.UserID,
		ServiceType: serviceType,
		TokensUsed:  1,
		Cost:        price,
		ModelUsed:   "api-deduction",
		RequestID:   requestID,
	})
	return res, nil
}

// UsageRequest reports usage priced by the caller.
type UsageRequest struct {
	ServiceType string          `json:"serviceType"`
	TokensUsed  int64           `json:"tokensUsed"`
	Cost        decimal.Decimal `json:"cost"`
	ModelUsed   string          `json:"modelUsed"`
	RequestID   string          `json:"requestId"`
}

// RecordUsage debits the declared cost and logs the usage. Zero-cost usage is
// logged without a ledger row.
func (s *Service) RecordUsage(ctx context.Context, userID string, req UsageRequest) (DeductResult, error) {
	serviceType := strings.TrimSpace(req.ServiceType)
	if serviceType == "" {
		return DeductResult{}, ledger.ValidationError("serviceType", "is required")
	}
	if req.Cost.IsNegative() {
		return DeductResult{}, ledger.ValidationError("cost", "must not be negative")
	}
	if req.TokensUsed < 0 {
		return DeductResult{}, ledger.ValidationError("tokensUsed", "must not be negative")
	}
	entry := ledger.UsageLog{
		UserID:      strings.TrimSpace(userID),
		ServiceType: serviceType,
		TokensUsed:  req.TokensUsed,
		Cost:        req.Cost,
		ModelUsed:   strings.TrimSpace(req.ModelUsed),
		RequestID:   strings.TrimSpace(req.RequestID),
	}
	if req.Cost.IsZero() {
		acct, err := s.Balance(ctx, userID)
		if err != nil {
			return DeductResult{}, err
		}
		s.logUsage(ctx, entry)
		return DeductResult{Deducted: decimal.Zero, RemainingBalance: acct.Balance}, nil
	}
	res, err := s.Deduct(ctx, userID, req.Cost, "Usage: "+serviceType, ledger.Metadata{
		"serviceType": serviceType,
		"tokensUsed":  req.TokensUsed,
		"modelUsed":   entry.ModelUsed,
		"requestId":   entry.RequestID,
	})
	if err != nil {
		return DeductResult{}, err
	}
	s.logUsage(ctx, entry)
	return res, nil
}

func (s *Service) logUsage(ctx context.Context, entry ledger.UsageLog) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	if s.usage != nil {
		if !s.usage.Enqueue(entry) {
			s.logger.Warnf("usage log dropped for user=%s request=%s", entry.UserID, entry.RequestID)
		}
		return
	}
	if err := s.store.RecordUsage(ctx, entry); err != nil {
		s.logger.Errorf("usage log write failed for user=%s: %v", entry.UserID, err)
	}
}
