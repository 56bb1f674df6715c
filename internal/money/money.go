// Package money converts between decimal major-unit amounts and int64 minor units.
package money

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// Scale is the number of minor-unit digits (paisa per rupee).
const Scale = 2

var (
	ErrNotPositive   = errors.New("amount must be positive")
	ErrTooPrecise    = errors.New("amount has more than 2 decimal places")
	ErrOutOfRange    = errors.New("amount out of range")
	ErrInvalidAmount = errors.New("amount is not a number")
)

var maxMinor = decimal.NewFromInt(math.MaxInt64)

// ToMinor converts a positive major-unit amount to minor units.
func ToMinor(d decimal.Decimal) (int64, error) {
	if !d.IsPositive() {
		return 0, ErrNotPositive
	}
	minor := d.Shift(Scale)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, ErrTooPrecise
	}
	if minor.GreaterThan(maxMinor) {
		return 0, ErrOutOfRange
	}
	return minor.IntPart(), nil
}

// Parse parses a decimal string such as "300" or "12.50" into minor units.
func Parse(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	return ToMinor(d)
}

func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -Scale)
}

// Format renders minor units with exactly two decimals.
func Format(minor int64) string {
	return FromMinor(minor).StringFixed(Scale)
}
