package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrInsufficientCredit = errors.New("insufficient credits")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	// ErrDuplicateEvent marks an event or reference that was already applied.
	ErrDuplicateEvent = errors.New("duplicate event")
	ErrUpstream       = errors.New("upstream provider error")
	// ErrRefundExhausted marks a refund against a top-up with nothing left to refund.
	ErrRefundExhausted = errors.New("nothing left to refund")
)

// InsufficientCreditError reports the balance observed when a debit was refused.
type InsufficientCreditError struct {
	Balance  decimal.Decimal
	Required decimal.Decimal
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credits: balance %s, required %s", e.Balance.StringFixed(2), e.Required.StringFixed(2))
}

func (e *InsufficientCreditError) Unwrap() error { return ErrInsufficientCredit }

// ValidationError returns an error wrapping ErrValidation for the named field.
func ValidationError(field, msg string) error {
	if field == "" {
		return fmt.Errorf("%w: %s", ErrValidation, msg)
	}
	return fmt.Errorf("%w: %s %s", ErrValidation, field, msg)
}
