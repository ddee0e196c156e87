package handlers

import (
	"strings"
	"time"

	domain "github.com/americana-market/api/internal/domain"
)

type addressPayload struct {
	Lines       []string `json:"lines,omitempty"`
	City        string   `json:"city,omitempty"`
	State       string   `json:"state,omitempty"`
	PostalCode  string   `json:"postalCode,omitempty"`
	CountryCode string   `json:"countryCode"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	ContactName string   `json:"contactName,omitempty"`
	Phone       string   `json:"phone,omitempty"`
}

func (p addressPayload) toDomain() domain.Address {
	lines := make([]string, 0, len(p.Lines))
	for _, line := range p.Lines {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return domain.Address{
		Lines:       lines,
		City:        strings.TrimSpace(p.City),
		State:       strings.TrimSpace(p.State),
		PostalCode:  strings.TrimSpace(p.PostalCode),
		CountryCode: strings.ToUpper(strings.TrimSpace(p.CountryCode)),
		Latitude:    p.Latitude,
		Longitude:   p.Longitude,
		ContactName: strings.TrimSpace(p.ContactName),
		Phone:       strings.TrimSpace(p.Phone),
	}
}

func optionalAddress(p *addressPayload) *domain.Address {
	if p == nil {
		return nil
	}
	addr := p.toDomain()
	return &addr
}

func addressResponse(addr *domain.Address) *addressPayload {
	if addr == nil {
		return nil
	}
	return &addressPayload{
		Lines:       addr.Lines,
		City:        addr.City,
		State:       addr.State,
		PostalCode:  addr.PostalCode,
		CountryCode: addr.CountryCode,
		Latitude:    addr.Latitude,
		Longitude:   addr.Longitude,
		ContactName: addr.ContactName,
		Phone:       addr.Phone,
	}
}

type dimensionsPayload struct {
	LengthCm float64 `json:"lengthCm"`
	WidthCm  float64 `json:"widthCm"`
	HeightCm float64 `json:"heightCm"`
}

type lineItemPayload struct {
	ID             string             `json:"id,omitempty"`
	ProductID      string             `json:"productId,omitempty"`
	Name           string             `json:"name"`
	WeightGrams    *int               `json:"weightGrams,omitempty"`
	Dimensions     *dimensionsPayload `json:"dimensions,omitempty"`
	Quantity       int                `json:"quantity"`
	UnitPriceMinor int64              `json:"unitPriceMinor"`
}

func lineItems(payload []lineItemPayload) []domain.LineItem {
	items := make([]domain.LineItem, 0, len(payload))
	for _, p := range payload {
		item := domain.LineItem{
			ID:             strings.TrimSpace(p.ID),
			ProductID:      strings.TrimSpace(p.ProductID),
			Name:           strings.TrimSpace(p.Name),
			WeightGrams:    p.WeightGrams,
			Quantity:       p.Quantity,
			UnitPriceMinor: p.UnitPriceMinor,
		}
		if p.Dimensions != nil {
			item.Dimensions = &domain.Dimensions{
				LengthCm: p.Dimensions.LengthCm,
				WidthCm:  p.Dimensions.WidthCm,
				HeightCm: p.Dimensions.HeightCm,
			}
		}
		items = append(items, item)
	}
	return items
}

type shippingRatePayload struct {
	ProviderID         string `json:"providerId"`
	Class              string `json:"class"`
	ServiceCode        string `json:"serviceCode"`
	ServiceName        string `json:"serviceName,omitempty"`
	Carrier            string `json:"carrier,omitempty"`
	PriceMinor         int64  `json:"priceMinor"`
	OriginalPriceMinor int64  `json:"originalPriceMinor,omitempty"`
	Currency           string `json:"currency"`
	EstimatedDays      *int   `json:"estimatedDays,omitempty"`
	ETA                string `json:"eta,omitempty"`
}

func (p shippingRatePayload) toDomain() domain.ShippingRate {
	return domain.ShippingRate{
		ProviderID:         strings.TrimSpace(p.ProviderID),
		Class:              domain.DeliveryClass(strings.ToLower(strings.TrimSpace(p.Class))),
		ServiceCode:        strings.TrimSpace(p.ServiceCode),
		ServiceName:        strings.TrimSpace(p.ServiceName),
		Carrier:            strings.TrimSpace(p.Carrier),
		PriceMinor:         p.PriceMinor,
		OriginalPriceMinor: p.OriginalPriceMinor,
		Currency:           strings.ToUpper(strings.TrimSpace(p.Currency)),
		EstimatedDays:      p.EstimatedDays,
		ETA:                strings.TrimSpace(p.ETA),
	}
}

func ratePayload(rate domain.ShippingRate) shippingRatePayload {
	return shippingRatePayload{
		ProviderID:         rate.ProviderID,
		Class:              string(rate.Class),
		ServiceCode:        rate.ServiceCode,
		ServiceName:        rate.ServiceName,
		Carrier:            rate.Carrier,
		PriceMinor:         rate.PriceMinor,
		OriginalPriceMinor: rate.OriginalPriceMinor,
		Currency:           rate.Currency,
		EstimatedDays:      rate.EstimatedDays,
		ETA:                rate.ETA,
	}
}

type trackingEventPayload struct {
	Status      string `json:"status"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
	OccurredAt  string `json:"occurredAt"`
}

type shipmentPayload struct {
	ID                string                 `json:"id"`
	StoreID           string                 `json:"storeId"`
	OrderID           string                 `json:"orderId"`
	Class             string                 `json:"class"`
	ProviderID        string                 `json:"providerId"`
	Carrier           string                 `json:"carrier,omitempty"`
	TrackingNumber    string                 `json:"trackingNumber"`
	TrackingURL       string                 `json:"trackingUrl,omitempty"`
	LabelStatus       string                 `json:"labelStatus"`
	LabelAvailable    bool                   `json:"labelAvailable"`
	Status            string                 `json:"status"`
	CurrentLocation   string                 `json:"currentLocation,omitempty"`
	EstimatedDelivery string                 `json:"estimatedDelivery,omitempty"`
	History           []trackingEventPayload `json:"history"`
	CreatedAt         string                 `json:"createdAt"`
	UpdatedAt         string                 `json:"updatedAt"`
}

func shipmentResponse(s domain.Shipment) shipmentPayload {
	payload := shipmentPayload{
		ID:              s.ID,
		StoreID:         s.StoreID,
		OrderID:         s.OrderID,
		Class:           string(s.Class),
		ProviderID:      s.ProviderID,
		Carrier:         s.Label.Carrier,
		TrackingNumber:  s.Tracking.TrackingNumber,
		TrackingURL:     s.Label.TrackingURL,
		LabelStatus:     string(s.Label.Status),
		LabelAvailable:  s.LabelObject != "" || s.Label.LabelURL != "",
		Status:          string(s.Tracking.Status),
		CurrentLocation: s.Tracking.CurrentLocation,
		History:         make([]trackingEventPayload, 0, len(s.Tracking.History)),
		CreatedAt:       formatTime(s.CreatedAt),
		UpdatedAt:       formatTime(s.UpdatedAt),
	}
	if payload.TrackingNumber == "" {
		payload.TrackingNumber = s.Label.TrackingNumber
	}
	if s.Tracking.EstimatedDelivery != nil {
		payload.EstimatedDelivery = formatTime(*s.Tracking.EstimatedDelivery)
	}
	for _, event := range s.Tracking.History {
		payload.History = append(payload.History, trackingEventPayload{
			Status:      string(event.Status),
			Location:    event.Location,
			Description: event.Description,
			OccurredAt:  formatTime(event.OccurredAt),
		})
	}
	return payload
}

type vendorAccountPayload struct {
	StoreID           string `json:"storeId"`
	Provider          string `json:"provider"`
	ExternalAccountID string `json:"externalAccountId,omitempty"`
	Status            string `json:"status"`
	ChargesEnabled    bool   `json:"chargesEnabled"`
	PayoutsEnabled    bool   `json:"payoutsEnabled"`
	DetailsSubmitted  bool   `json:"detailsSubmitted"`
	Country           string `json:"country,omitempty"`
	DefaultCurrency   string `json:"defaultCurrency,omitempty"`
	UpdatedAt         string `json:"updatedAt,omitempty"`
}

// vendorAccountResponse never exposes sealed credentials.
func vendorAccountResponse(a domain.VendorPaymentAccount) vendorAccountPayload {
	return vendorAccountPayload{
		StoreID:           a.StoreID,
		Provider:          string(a.Provider),
		ExternalAccountID: a.ExternalAccountID,
		Status:            string(a.Status),
		ChargesEnabled:    a.ChargesEnabled,
		PayoutsEnabled:    a.PayoutsEnabled,
		DetailsSubmitted:  a.DetailsSubmitted,
		Country:           a.Country,
		DefaultCurrency:   a.DefaultCurrency,
		UpdatedAt:         formatTime(a.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseOptionalTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
