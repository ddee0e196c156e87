// Package shipping implements carrier rate shopping, label purchase and tracking across the
// provider variants a store can enable.
package shipping

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/americana-market/api/internal/domain"
)

// ProviderKind is the closed set of provider variants.
type ProviderKind string

const (
	// KindManual synthesises flat-rate quotes and tracking numbers without calling a carrier.
	KindManual ProviderKind = "manual"
	// KindCourier quotes a single near-term pickup from an on-demand courier.
	KindCourier ProviderKind = "courier"
	// KindAggregator returns many carrier/service rates from one aggregator account.
	KindAggregator ProviderKind = "aggregator"
)

// Provider identifiers as stored in ShippingConfig.ActiveProviders.
const (
	ManualProviderID     = domain.LocalDeliveryProviderID
	CourierProviderID    = "uber"
	AggregatorProviderID = "soloenvios"
)

const defaultCurrency = "MXN"

var (
	// ErrProviderUnavailable marks transport failures (network errors, timeouts, 5xx).
	ErrProviderUnavailable = errors.New("shipping: provider unavailable")
	// ErrProviderRejected marks requests the provider refused with a client error.
	ErrProviderRejected = errors.New("shipping: provider rejected request")
	// ErrInvalidRequest marks validation failures detected before any network call.
	ErrInvalidRequest = errors.New("shipping: invalid request")
	// ErrIdempotencyKeyRequired is returned when a label is requested without an idempotency key.
	ErrIdempotencyKeyRequired = errors.New("shipping: idempotency key required")
	// ErrMissingCredentials indicates that a provider was enabled without its credentials.
	ErrMissingCredentials = errors.New("shipping: provider credentials missing")
)

// Provider is the capability shared by every shipping variant.
type Provider interface {
	ID() string
	Kind() ProviderKind
	// GetRates returns an empty slice when the destination cannot be served. Transport failures
	// are returned as errors wrapping ErrProviderUnavailable.
	GetRates(ctx context.Context, origin, destination domain.Address, items []domain.LineItem) ([]domain.ShippingRate, error)
	// CreateLabel is not retried. Callers must supply LabelRequest.IdempotencyKey.
	CreateLabel(ctx context.Context, req LabelRequest) (domain.ShippingLabel, error)
	// TrackShipment reports the best known status. Unknown or stale ids report pending.
	TrackShipment(ctx context.Context, trackingID string) (domain.TrackingInfo, error)
}

// LabelRequest carries the inputs for purchasing a label.
type LabelRequest struct {
	Origin         domain.Address
	Destination    domain.Address
	Items          []domain.LineItem
	ServiceCode    string
	Reference      string
	IdempotencyKey string
}

// TransportError describes a provider call that failed below the application layer.
type TransportError struct {
	Provider   string
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("shipping: %s %s failed with status %d", e.Provider, e.Op, e.StatusCode)
	}
	return fmt.Sprintf("shipping: %s %s failed: %v", e.Provider, e.Op, e.Err)
}

// Unwrap exposes both ErrProviderUnavailable and the underlying cause.
func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProviderUnavailable}
	}
	return []error{ErrProviderUnavailable, e.Err}
}

// IsTransport reports whether err represents a provider transport failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}

// ValidateItems rejects line items with non-positive quantity or negative price.
func ValidateItems(items []domain.LineItem) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidRequest)
	}
	for i, item := range items {
		if item.Quantity < 1 {
			return fmt.Errorf("%w: item %d quantity must be at least 1", ErrInvalidRequest, i)
		}
		if item.UnitPriceMinor < 0 {
			return fmt.Errorf("%w: item %d unit price must be non-negative", ErrInvalidRequest, i)
		}
		if item.WeightGrams != nil && *item.WeightGrams < 0 {
			return fmt.Errorf("%w: item %d weight must be non-negative", ErrInvalidRequest, i)
		}
	}
	return nil
}

// ValidateAddress requires a country code and either a city or a postal code.
func ValidateAddress(addr domain.Address) error {
	if len(strings.TrimSpace(addr.CountryCode)) != 2 {
		return fmt.Errorf("%w: destination country code is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(addr.City) == "" && strings.TrimSpace(addr.PostalCode) == "" {
		return fmt.Errorf("%w: destination city or postal code is required", ErrInvalidRequest)
	}
	return nil
}

const defaultItemWeightGrams = 500

// parcelWeightGrams sums item weights, assuming a default weight for items without one.
func parcelWeightGrams(items []domain.LineItem) int {
	total := 0
	for _, item := range items {
		weight := defaultItemWeightGrams
		if item.WeightGrams != nil {
			weight = *item.WeightGrams
		}
		total += weight * item.Quantity
	}
	return total
}

// parcelDimensions returns the largest footprint across the items, or nil when none carry dimensions.
func parcelDimensions(items []domain.LineItem) *domain.Dimensions {
	var out *domain.Dimensions
	for _, item := range items {
		if item.Dimensions == nil {
			continue
		}
		if out == nil {
			d := *item.Dimensions
			out = &d
			continue
		}
		if item.Dimensions.LengthCm > out.LengthCm {
			out.LengthCm = item.Dimensions.LengthCm
		}
		if item.Dimensions.WidthCm > out.WidthCm {
			out.WidthCm = item.Dimensions.WidthCm
		}
		out.HeightCm += item.Dimensions.HeightCm * float64(item.Quantity)
	}
	return out
}

// PushedTrackingStatus maps a status pushed by a carrier callback onto a tracking status. Already
// normalised values pass through unchanged.
func PushedTrackingStatus(providerID, status string) domain.TrackingStatus {
	switch normalized := domain.TrackingStatus(strings.ToLower(strings.TrimSpace(status))); normalized {
	case domain.TrackingStatusPending, domain.TrackingStatusInTransit, domain.TrackingStatusDelivered, domain.TrackingStatusException:
		return normalized
	}
	switch strings.ToLower(strings.TrimSpace(providerID)) {
	case CourierProviderID:
		return courierTrackingStatus(status)
	default:
		return AggregatorTrackingStatus(status, false)
	}
}
