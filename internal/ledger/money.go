package ledger

import (
	"github.com/shopspring/decimal"
)

// MicroDigits is the number of fractional digits kept in storage.
const MicroDigits = 6

var microFactor = decimal.New(1, MicroDigits)

// ValidateAmount rejects non-positive amounts and amounts finer than a micro unit.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ValidationError("amount", "must be greater than zero")
	}
	if !amount.Equal(amount.Truncate(MicroDigits)) {
		return ValidationError("amount", "has too many decimal places")
	}
	return nil
}

// ToMicros converts an amount to integer micro units for storage.
func ToMicros(amount decimal.Decimal) int64 {
	return amount.Mul(microFactor).Round(0).IntPart()
}

// FromMicros converts stored micro units back to an amount.
func FromMicros(micros int64) decimal.Decimal {
	return decimal.New(micros, -MicroDigits)
}

// ParseAmount parses a user supplied decimal string and validates it.
func ParseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, ValidationError("amount", "is not a number")
	}
	if err := ValidateAmount(amount); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}
