package domain

import "time"

// Address is a postal destination or origin supplied per request.
type Address struct {
	Lines       []string
	City        string
	State       string
	PostalCode  string
	CountryCode string
	Latitude    *float64
	Longitude   *float64
	ContactName string
	Phone       string
}

// HasCoordinates reports whether both latitude and longitude are present.
func (a Address) HasCoordinates() bool {
	return a.Latitude != nil && a.Longitude != nil
}

// Dimensions are parcel measurements in centimetres.
type Dimensions struct {
	LengthCm float64
	WidthCm  float64
	HeightCm float64
}

// LineItem is a purchased unit used for both parcel sizing and payment totals.
type LineItem struct {
	ID             string
	ProductID      string
	Name           string
	WeightGrams    *int
	Dimensions     *Dimensions
	Quantity       int
	UnitPriceMinor int64
}

// TotalMinor returns quantity multiplied by unit price.
func (i LineItem) TotalMinor() int64 {
	return int64(i.Quantity) * i.UnitPriceMinor
}

// DeliveryClass distinguishes same-city delivery from national parcel shipping.
type DeliveryClass string

const (
	DeliveryClassLocal    DeliveryClass = "local"
	DeliveryClassNational DeliveryClass = "national"
)

// Valid reports whether the class is one of the known delivery classes.
func (c DeliveryClass) Valid() bool {
	return c == DeliveryClassLocal || c == DeliveryClassNational
}

// ShippingRate is a quote produced for a single request. It is never stored as authoritative.
type ShippingRate struct {
	ProviderID         string
	Class              DeliveryClass
	ServiceCode        string
	ServiceName        string
	Carrier            string
	PriceMinor         int64
	OriginalPriceMinor int64
	Currency           string
	EstimatedDays      *int
	ETA                string
}

// LabelStatus tracks the creation lifecycle of a shipping label.
type LabelStatus string

const (
	LabelStatusPending LabelStatus = "pending"
	LabelStatusCreated LabelStatus = "created"
	LabelStatusFailed  LabelStatus = "failed"
)

// ShippingLabel is created once per shipment.
type ShippingLabel struct {
	ProviderID      string
	TrackingNumber  string
	Carrier         string
	Status          LabelStatus
	LabelURL        string
	TrackingURL     string
	ProviderOrderID string
	Document        []byte
	DocumentType    string
	CreatedAt       time.Time
}

// TrackingStatus is the normalised carrier status.
type TrackingStatus string

const (
	TrackingStatusPending   TrackingStatus = "pending"
	TrackingStatusInTransit TrackingStatus = "in_transit"
	TrackingStatusDelivered TrackingStatus = "delivered"
	TrackingStatusException TrackingStatus = "exception"
)

// Terminal reports whether no further carrier updates are expected.
func (s TrackingStatus) Terminal() bool {
	return s == TrackingStatusDelivered
}

// TrackingEvent is one entry of a shipment's history.
type TrackingEvent struct {
	Status      TrackingStatus
	Location    string
	Description string
	OccurredAt  time.Time
}

// TrackingInfo is the best currently known state of a shipment.
type TrackingInfo struct {
	TrackingNumber    string
	Status            TrackingStatus
	CurrentLocation   string
	EstimatedDelivery *time.Time
	History           []TrackingEvent
}

// MergeHistory appends the events from next that are not already present and returns the merged
// history. Existing entries are never reordered or removed.
func MergeHistory(current, next []TrackingEvent) []TrackingEvent {
	merged := make([]TrackingEvent, len(current), len(current)+len(next))
	copy(merged, current)
	seen := make(map[string]struct{}, len(current))
	for _, event := range current {
		seen[trackingEventKey(event)] = struct{}{}
	}
	for _, event := range next {
		key := trackingEventKey(event)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, event)
	}
	return merged
}

func trackingEventKey(event TrackingEvent) string {
	return string(event.Status) + "|" + event.Location + "|" + event.OccurredAt.UTC().Format(time.RFC3339Nano)
}

// ShippingConfig is the per-store shipping setup owned by the vendor.
type ShippingConfig struct {
	StoreID                    string
	Currency                   string
	Origin                     *Address
	LocalDeliveryEnabled       bool
	LocalRadiusKm              float64
	LocalBasePriceMinor        int64
	NationalShippingEnabled    bool
	NationalFlatRateMinor      int64
	FreeShippingThresholdMinor int64
	ActiveProviders            []string
	CarrierMetadata            map[string]map[string]string
	UpdatedAt                  time.Time
}

// HasProvider reports whether the provider id is listed as active for the store.
func (c ShippingConfig) HasProvider(id string) bool {
	for _, active := range c.ActiveProviders {
		if active == id {
			return true
		}
	}
	return false
}

// LocalDeliveryProviderID identifies the flat-rate provider whose parcels the vendor hands over
// in person. No carrier reports on them.
const LocalDeliveryProviderID = "manual-local"

// Shipment ties a created label to an order and accumulates tracking history.
type Shipment struct {
	ID             string
	StoreID        string
	OrderID        string
	Class          DeliveryClass
	ProviderID     string
	Label          ShippingLabel
	LabelObject    string
	Tracking       TrackingInfo
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AwaitsCarrier reports whether a carrier still owes tracking updates for the shipment.
func (s Shipment) AwaitsCarrier() bool {
	return s.Label.Status == LabelStatusCreated &&
		s.Label.TrackingNumber != "" &&
		s.ProviderID != LocalDeliveryProviderID &&
		!s.Tracking.Status.Terminal()
}
