package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// ErrInvalidCurrency indicates that a currency code is not a recognised ISO 4217 code.
var ErrInvalidCurrency = errors.New("domain: invalid currency")

// NormalizeCurrency upper-cases and validates an ISO 4217 currency code.
func NormalizeCurrency(code string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(code))
	if len(trimmed) != 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	unit, err := currency.ParseISO(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	return unit.String(), nil
}

// MinorUnitScale reports how many decimal places the currency uses (2 for MXN, 0 for JPY).
func MinorUnitScale(code string) int {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale
}

// MajorToMinor converts a decimal major-unit amount (e.g. 45.50 MXN) into minor units,
// truncating anything below the currency's precision.
func MajorToMinor(amount decimal.Decimal, code string) int64 {
	scale := MinorUnitScale(code)
	return amount.Shift(int32(scale)).Truncate(0).IntPart()
}

// MinorToMajor converts minor units into a decimal major-unit amount.
func MinorToMajor(amount int64, code string) decimal.Decimal {
	scale := MinorUnitScale(code)
	return decimal.New(amount, -int32(scale))
}
