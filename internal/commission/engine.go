// Package commission computes the platform fee and vendor net for marketplace sales.
package commission

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultRate is the platform-wide commission applied when no rate is configured.
const DefaultRate = "0.10"

var (
	// ErrInvalidRate indicates that the commission rate is outside [0, 1].
	ErrInvalidRate = errors.New("commission: rate must be between 0 and 1")
	// ErrInvalidAmount indicates a negative gross amount.
	ErrInvalidAmount = errors.New("commission: gross amount must be non-negative")
	// ErrFeeMismatch indicates a provider-reported fee that disagrees with the computed fee.
	ErrFeeMismatch = errors.New("commission: reported fee does not match computed fee")
)

// Breakdown is the result of splitting a gross amount.
type Breakdown struct {
	GrossMinor int64
	FeeMinor   int64
	NetMinor   int64
	Rate       decimal.Decimal
}

// Engine splits gross amounts using a fixed commission rate. The zero value charges no fee.
type Engine struct {
	rate decimal.Decimal
}

// New constructs an Engine for the given rate.
func New(rate decimal.Decimal) (Engine, error) {
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return Engine{}, fmt.Errorf("%w: %s", ErrInvalidRate, rate.String())
	}
	return Engine{rate: rate}, nil
}

// Parse constructs an Engine from a textual rate such as "0.10". An empty string uses DefaultRate.
func Parse(rate string) (Engine, error) {
	rate = strings.TrimSpace(rate)
	if rate == "" {
		rate = DefaultRate
	}
	parsed, err := decimal.NewFromString(rate)
	if err != nil {
		return Engine{}, fmt.Errorf("%w: %q", ErrInvalidRate, rate)
	}
	return New(parsed)
}

// MustParse is like Parse but panics on invalid input. Intended for constants and tests.
func MustParse(rate string) Engine {
	engine, err := Parse(rate)
	if err != nil {
		panic(err)
	}
	return engine
}

// Rate returns the configured commission rate.
func (e Engine) Rate() decimal.Decimal {
	return e.rate
}

// Split computes fee = floor(gross * rate) and net = gross - fee in integer minor units.
func (e Engine) Split(grossMinor int64) (Breakdown, error) {
	if grossMinor < 0 {
		return Breakdown{}, fmt.Errorf("%w: %d", ErrInvalidAmount, grossMinor)
	}
	fee := decimal.NewFromInt(grossMinor).Mul(e.rate).Floor().IntPart()
	return Breakdown{
		GrossMinor: grossMinor,
		FeeMinor:   fee,
		NetMinor:   grossMinor - fee,
		Rate:       e.rate,
	}, nil
}

// Verify cross-checks a provider-reported fee against the breakdown.
func (e Engine) Verify(b Breakdown, reportedFeeMinor int64) error {
	if reportedFeeMinor != b.FeeMinor {
		return fmt.Errorf("%w: reported %d, computed %d", ErrFeeMismatch, reportedFeeMinor, b.FeeMinor)
	}
	return nil
}
