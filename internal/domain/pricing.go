package domain

import (
	"errors"
	"fmt"
	"math"
)

// MaxLineQuantity caps the units of a single line item.
const MaxLineQuantity = 10000

// ErrAmountOverflow is returned when a total does not fit in int64 minor units.
var ErrAmountOverflow = errors.New("domain: amount overflows minor units")

// OrderTotals captures the monetary results of a checkout in minor units.
type OrderTotals struct {
	Currency         string
	SubtotalMinor    int64
	ShippingMinor    int64
	TotalMinor       int64
	PlatformFeeMinor int64
	VendorNetMinor   int64
}

// SubtotalOf sums quantity times unit price across the items. Callers handling untrusted input use
// CheckedSubtotal.
func SubtotalOf(items []LineItem) int64 {
	var total int64
	for _, item := range items {
		total += item.TotalMinor()
	}
	return total
}

// CheckedSubtotal sums the items, failing instead of wrapping around. Quantities and prices must
// already be validated as non-negative.
func CheckedSubtotal(items []LineItem) (int64, error) {
	var total int64
	for i, item := range items {
		qty := int64(item.Quantity)
		if item.UnitPriceMinor > 0 && qty > math.MaxInt64/item.UnitPriceMinor {
			return 0, fmt.Errorf("%w: item %d", ErrAmountOverflow, i)
		}
		sum, err := AddMinor(total, qty*item.UnitPriceMinor)
		if err != nil {
			return 0, fmt.Errorf("%w: subtotal at item %d", ErrAmountOverflow, i)
		}
		total = sum
	}
	return total, nil
}

// AddMinor adds two non-negative amounts.
func AddMinor(a, b int64) (int64, error) {
	if a > math.MaxInt64-b {
		return 0, ErrAmountOverflow
	}
	return a + b, nil
}
