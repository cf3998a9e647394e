// Package money holds the fixed-point helpers used for order pricing,
// gateway minor units and on-chain base units.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FiatPlaces is the number of decimal places fiat amounts are kept at
const FiatPlaces = 2

var ErrNegativeAmount = errors.New("amount must not be negative")

// Parse reads a decimal amount from its string form
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// Round rounds a fiat amount half away from zero to FiatPlaces
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(FiatPlaces)
}

// Percent returns rate * amount rounded to fiat precision.
// rate is a fraction, 0.01 meaning one percent.
func Percent(amount, rate decimal.Decimal) decimal.Decimal {
	return Round(amount.Mul(rate))
}

// ToMinorUnits converts a fiat amount to gateway minor units (paise, cents)
func ToMinorUnits(d decimal.Decimal) (int64, error) {
	if d.IsNegative() {
		return 0, ErrNegativeAmount
	}
	return Round(d).Shift(FiatPlaces).IntPart(), nil
}

// FromMinorUnits converts gateway minor units back to a fiat amount
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -FiatPlaces)
}

// ToBaseUnits scales a token quantity to the contract's integer base units.
// Quantities finer than the token precision are rejected rather than truncated.
func ToBaseUnits(quantity decimal.Decimal, tokenDecimals int32) (string, error) {
	if quantity.IsNegative() {
		return "", ErrNegativeAmount
	}
	scaled := quantity.Shift(tokenDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return "", fmt.Errorf("quantity %s exceeds token precision of %d decimals", quantity, tokenDecimals)
	}
	return scaled.Truncate(0).String(), nil
}
