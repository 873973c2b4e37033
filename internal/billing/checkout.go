package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/outsoor/billing/internal/ledger"
)

// TopUpRequest opens a checkout for a provider payment.
type TopUpRequest struct {
	UserID string
	Amount decimal.Decimal
	Method string
	// ReferenceID is the provider order or charge id the webhook will carry.
	ReferenceID string
	Metadata    ledger.Metadata
}

// ValidateTopUp checks amount and method against the policy.
func (s *Service) ValidateTopUp(amount decimal.Decimal, method string) error {
	if err := ledger.ValidateAmount(amount); err != nil {
		return err
	}
	if amount.LessThan(s.policy.TopUpMin) {
		return ledger.ValidationError("amount", fmt.Sprintf("must be at least %s", s.policy.TopUpMin.StringFixed(2)))
	}
	if amount.GreaterThan(s.policy.TopUpMax) {
		return ledger.ValidationError("amount", fmt.Sprintf("must not exceed %s", s.policy.TopUpMax.StringFixed(2)))
	}
	if !s.policy.MethodEnabled(method) {
		return ledger.ValidationError("paymentMethod", fmt.Sprintf("%q is not enabled", method))
	}
	return nil
}

// BeginTopUp records a pending top-up awaiting provider confirmation. The
// balance is unchanged until the webhook completes it.
func (s *Service) BeginTopUp(ctx context.Context, req TopUpRequest) (ledger.Transaction, error) {
	method := strings.ToLower(strings.TrimSpace(req.Method))
	if err := s.ValidateTopUp(req.Amount, method); err != nil {
		return ledger.Transaction{}, err
	}
	if strings.TrimSpace(req.ReferenceID) == "" {
		return ledger.Transaction{}, ledger.ValidationError("reference_id", "is required")
	}
	meta := ledger.Metadata{"paymentMethod": method}.Merge(req.Metadata)
	return s.Record(ctx, RecordRequest{
		UserID:      req.UserID,
		Type:        ledger.TypeTopUp,
		Amount:      req.Amount,
		Description: fmt.Sprintf("Top-up via %s", providerName(method)),
		ReferenceID: req.ReferenceID,
		Status:      ledger.StatusPending,
		Metadata:    meta,
	})
}

func providerName(method string) string {
	switch method {
	case "paypal":
		return "PayPal"
	case "coinbase":
		return "Coinbase"
	}
	return method
}
