package domain

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmountPrecision = errors.New("amount cannot have more than two decimal places")
	ErrAmountOutOfRange       = errors.New("amount is too large")
)

var koboPerNaira = decimal.NewFromInt(100)

// NairaToKobo converts a naira amount into kobo. Fractions below one kobo are rejected.
func NairaToKobo(amount decimal.Decimal) (int64, error) {
	kobo := amount.Mul(koboPerNaira)
	if !kobo.Equal(kobo.Truncate(0)) {
		return 0, ErrInvalidAmountPrecision
	}
	// IntPart wraps silently above int64.
	if !kobo.BigInt().IsInt64() {
		return 0, ErrAmountOutOfRange
	}
	return kobo.IntPart(), nil
}

// KoboToNaira converts kobo to a naira decimal.
func KoboToNaira(kobo int64) decimal.Decimal {
	return decimal.New(kobo, -2)
}
