package shipping

import (
	"errors"
	"fmt"

	"github.com/americana-market/api/internal/domain"
)

// QuoteState is the lifecycle of a rate request as seen by checkout.
type QuoteState string

const (
	QuoteLoading  QuoteState = "loading"
	QuoteResolved QuoteState = "resolved"
	QuoteEmpty    QuoteState = "empty"
	QuoteFailed   QuoteState = "failed"
)

// ErrRateNotFound is returned when selecting a rate that is not part of the quote.
var ErrRateNotFound = errors.New("shipping: rate not found in quote")

// ClassFailure records a delivery class whose provider could not be reached.
type ClassFailure struct {
	Class      domain.DeliveryClass
	ProviderID string
	Err        error
}

// Quote holds the merged rates for a checkout and the single selected rate. The zero value is a
// quote that is still loading.
type Quote struct {
	state    QuoteState
	rates    []domain.ShippingRate
	selected int
	failures []ClassFailure
}

// NewQuote returns a quote in the loading state.
func NewQuote() *Quote {
	return &Quote{state: QuoteLoading, selected: -1}
}

// State reports the quote state.
func (q *Quote) State() QuoteState {
	if q == nil || q.state == "" {
		return QuoteLoading
	}
	return q.state
}

// Rates returns a copy of the merged rates.
func (q *Quote) Rates() []domain.ShippingRate {
	if q == nil {
		return nil
	}
	out := make([]domain.ShippingRate, len(q.rates))
	copy(out, q.rates)
	return out
}

// Failures returns the classes whose providers failed at the transport level.
func (q *Quote) Failures() []ClassFailure {
	if q == nil {
		return nil
	}
	out := make([]ClassFailure, len(q.failures))
	copy(out, q.failures)
	return out
}

// Err joins the transport failures, or returns nil when none occurred.
func (q *Quote) Err() error {
	if q == nil || len(q.failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(q.failures))
	for _, failure := range q.failures {
		errs = append(errs, fmt.Errorf("%s via %s: %w", failure.Class, failure.ProviderID, failure.Err))
	}
	return errors.Join(errs...)
}

// Resolve finalises the quote. Rates win over failures: a partially failed quote with rates is
// resolved, a quote with only failures is failed, and one with neither is empty.
func (q *Quote) Resolve(rates []domain.ShippingRate, failures []ClassFailure) {
	q.rates = append([]domain.ShippingRate(nil), rates...)
	q.failures = append([]ClassFailure(nil), failures...)
	switch {
	case len(q.rates) > 0:
		q.state = QuoteResolved
		q.selected = 0
	case len(q.failures) > 0:
		q.state = QuoteFailed
		q.selected = -1
	default:
		q.state = QuoteEmpty
		q.selected = -1
	}
}

// Selected returns the currently selected rate.
func (q *Quote) Selected() (domain.ShippingRate, bool) {
	if q == nil || q.selected < 0 || q.selected >= len(q.rates) {
		return domain.ShippingRate{}, false
	}
	return q.rates[q.selected], true
}

// SelectedIndex returns the index of the selected rate, or -1.
func (q *Quote) SelectedIndex() int {
	if q == nil {
		return -1
	}
	return q.selected
}

// Select replaces the selection with the rate at index.
func (q *Quote) Select(index int) error {
	if q == nil || index < 0 || index >= len(q.rates) {
		return fmt.Errorf("%w: index %d", ErrRateNotFound, index)
	}
	q.selected = index
	return nil
}

// SelectService replaces the selection with the first rate matching provider and service code.
func (q *Quote) SelectService(providerID, serviceCode string) error {
	if q != nil {
		for i, rate := range q.rates {
			if rate.ProviderID == providerID && rate.ServiceCode == serviceCode {
				q.selected = i
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s/%s", ErrRateNotFound, providerID, serviceCode)
}

// ShippingTotal is the price of the selected rate alone. It never accumulates across selections.
func (q *Quote) ShippingTotal() int64 {
	rate, ok := q.Selected()
	if !ok {
		return 0
	}
	return rate.PriceMinor
}

// ApplyTo returns subtotal plus the selected shipping price.
func (q *Quote) ApplyTo(subtotalMinor int64) int64 {
	return subtotalMinor + q.ShippingTotal()
}
