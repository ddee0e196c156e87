package shipping

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/americana-market/api/internal/domain"
)

const (
	manualServiceCode = "local-direct"
	manualServiceName = "Entrega Local (Directo)"
	manualETA         = "Same Day"
	manualCarrier     = "manual"
	earthRadiusKm     = 6371.0
)

// ManualConfig configures the flat-rate fallback provider.
type ManualConfig struct {
	PriceMinor int64
	Currency   string
	// RadiusKm bounds the servable distance when both addresses carry coordinates. Zero or a
	// negative value means the radius is unbounded.
	RadiusKm float64
	Class    domain.DeliveryClass
	Clock    func() time.Time
}

// ManualProvider quotes a single flat rate and fabricates tracking numbers locally.
type ManualProvider struct {
	price    int64
	currency string
	radiusKm float64
	class    domain.DeliveryClass
	clock    func() time.Time
}

// NewManualProvider constructs the manual provider.
func NewManualProvider(cfg ManualConfig) *ManualProvider {
	currency := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	price := cfg.PriceMinor
	if price < 0 {
		price = 0
	}
	return &ManualProvider{
		price:    price,
		currency: currency,
		radiusKm: cfg.RadiusKm,
		class:    cfg.Class,
		clock:    func() time.Time { return clock().UTC() },
	}
}

func (p *ManualProvider) ID() string         { return ManualProviderID }
func (p *ManualProvider) Kind() ProviderKind { return KindManual }

// Bounded reports whether the provider filters destinations by distance.
func (p *ManualProvider) Bounded() bool { return p.radiusKm > 0 }

// PriceMinor exposes the configured flat price.
func (p *ManualProvider) PriceMinor() int64 { return p.price }

// GetRates returns exactly one rate unless a bounded radius excludes the destination.
func (p *ManualProvider) GetRates(_ context.Context, origin, destination domain.Address, _ []domain.LineItem) ([]domain.ShippingRate, error) {
	if p.Bounded() && origin.HasCoordinates() && destination.HasCoordinates() {
		if distanceKm(origin, destination) > p.radiusKm {
			return []domain.ShippingRate{}, nil
		}
	}
	days := 0
	return []domain.ShippingRate{{
		ProviderID:         ManualProviderID,
		Class:              p.class,
		ServiceCode:        manualServiceCode,
		ServiceName:        manualServiceName,
		Carrier:            manualCarrier,
		PriceMinor:         p.price,
		OriginalPriceMinor: p.price,
		Currency:           p.currency,
		EstimatedDays:      &days,
		ETA:                manualETA,
	}}, nil
}

// CreateLabel fabricates a local tracking number. No carrier is involved.
func (p *ManualProvider) CreateLabel(_ context.Context, req LabelRequest) (domain.ShippingLabel, error) {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return domain.ShippingLabel{}, ErrIdempotencyKeyRequired
	}
	// the tracking number carries the creation time at millisecond precision
	now := p.clock().Truncate(time.Millisecond)
	return domain.ShippingLabel{
		ProviderID:     ManualProviderID,
		TrackingNumber: fmt.Sprintf("LOC-%d", now.UnixMilli()),
		Carrier:        manualCarrier,
		Status:         domain.LabelStatusCreated,
		CreatedAt:      now,
	}, nil
}

// TrackShipment returns one synthetic history entry for the handed-over parcel. The entry is
// stamped with the label creation time so repeated polls yield the same history.
func (p *ManualProvider) TrackShipment(_ context.Context, trackingID string) (domain.TrackingInfo, error) {
	createdAt, ok := manualLabelTime(trackingID)
	if !ok {
		return domain.TrackingInfo{TrackingNumber: trackingID, Status: domain.TrackingStatusPending}, nil
	}
	return domain.TrackingInfo{
		TrackingNumber: trackingID,
		Status:         domain.TrackingStatusInTransit,
		History: []domain.TrackingEvent{{
			Status:      domain.TrackingStatusPending,
			Description: "label created",
			OccurredAt:  createdAt,
		}},
	}, nil
}

func manualLabelTime(trackingID string) (time.Time, bool) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(trackingID), "LOC-")
	if !ok {
		return time.Time{}, false
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || millis <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(millis).UTC(), true
}

func distanceKm(a, b domain.Address) float64 {
	lat1 := *a.Latitude * math.Pi / 180
	lat2 := *b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLng := (*b.Longitude - *a.Longitude) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
