package shipping

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/americana-market/api/internal/domain"
	"github.com/americana-market/api/internal/platform/textutil"
)

const (
	courierServiceName = "Uber Flash"
	courierServiceCode = "uber-flash"
	courierCarrier     = "uber"
)

// CourierConfig configures the on-demand courier provider.
type CourierConfig struct {
	REST       RESTConfig
	CustomerID string
	Currency   string
	Clock      func() time.Time
}

// CourierProvider quotes and books same-city deliveries with an on-demand courier API.
type CourierProvider struct {
	client     *resty.Client
	customerID string
	currency   string
	clock      func() time.Time
}

// NewCourierProvider constructs the courier provider. Credentials are required.
func NewCourierProvider(cfg CourierConfig) (*CourierProvider, error) {
	if strings.TrimSpace(cfg.REST.Token) == "" || strings.TrimSpace(cfg.CustomerID) == "" {
		return nil, fmt.Errorf("%w: courier token and customer id", ErrMissingCredentials)
	}
	if strings.TrimSpace(cfg.REST.BaseURL) == "" {
		return nil, fmt.Errorf("%w: courier base url", ErrMissingCredentials)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	currency := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	return &CourierProvider{
		client:     newRESTClient(cfg.REST),
		customerID: strings.TrimSpace(cfg.CustomerID),
		currency:   currency,
		clock:      clock,
	}, nil
}

func (p *CourierProvider) ID() string         { return CourierProviderID }
func (p *CourierProvider) Kind() ProviderKind { return KindCourier }

type courierAddress struct {
	StreetAddress []string `json:"street_address"`
	City          string   `json:"city"`
	State         string   `json:"state"`
	ZipCode       string   `json:"zip_code"`
	Country       string   `json:"country"`
}

type courierQuoteRequest struct {
	PickupAddress      string   `json:"pickup_address"`
	DropoffAddress     string   `json:"dropoff_address"`
	PickupLatitude     *float64 `json:"pickup_latitude,omitempty"`
	PickupLongitude    *float64 `json:"pickup_longitude,omitempty"`
	DropoffLatitude    *float64 `json:"dropoff_latitude,omitempty"`
	DropoffLongitude   *float64 `json:"dropoff_longitude,omitempty"`
	ManifestTotalValue int64    `json:"manifest_total_value"`
}

type courierQuote struct {
	ID         string `json:"id"`
	Fee        int64  `json:"fee"`
	Currency   string `json:"currency"`
	DropoffETA string `json:"dropoff_eta"`
	Duration   int    `json:"duration"`
}

type courierManifestItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Size     string `json:"size"`
}

type courierDeliveryRequest struct {
	QuoteID            string                `json:"quote_id,omitempty"`
	PickupName         string                `json:"pickup_name"`
	PickupAddress      string                `json:"pickup_address"`
	PickupPhoneNumber  string                `json:"pickup_phone_number"`
	DropoffName        string                `json:"dropoff_name"`
	DropoffAddress     string                `json:"dropoff_address"`
	DropoffPhoneNumber string                `json:"dropoff_phone_number"`
	ManifestItems      []courierManifestItem `json:"manifest_items"`
	ExternalID         string                `json:"external_id,omitempty"`
}

type courierDelivery struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	TrackingURL string `json:"tracking_url"`
	DropoffETA  string `json:"dropoff_eta"`
	Updated     string `json:"updated"`
	Courier     *struct {
		Name     string `json:"name"`
		Location *struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		} `json:"location"`
	} `json:"courier"`
}

type courierError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// GetRates requests a single delivery quote. Undeliverable addresses produce an empty list.
func (p *CourierProvider) GetRates(ctx context.Context, origin, destination domain.Address, items []domain.LineItem) ([]domain.ShippingRate, error) {
	pickup, err := encodeCourierAddress(origin)
	if err != nil {
		return nil, err
	}
	dropoff, err := encodeCourierAddress(destination)
	if err != nil {
		return nil, err
	}
	body := courierQuoteRequest{
		PickupAddress:      pickup,
		DropoffAddress:     dropoff,
		PickupLatitude:     origin.Latitude,
		PickupLongitude:    origin.Longitude,
		DropoffLatitude:    destination.Latitude,
		DropoffLongitude:   destination.Longitude,
		ManifestTotalValue: domain.SubtotalOf(items),
	}

	var quote courierQuote
	var apiErr courierError
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&quote).
		SetError(&apiErr).
		Post(p.customerPath("delivery_quotes"))
	if err == nil && isUndeliverable(resp.StatusCode(), apiErr.Code) {
		return []domain.ShippingRate{}, nil
	}
	if err := checkResponse(CourierProviderID, "quote", resp, err); err != nil {
		return nil, err
	}

	currency := strings.ToUpper(strings.TrimSpace(quote.Currency))
	if currency == "" {
		currency = p.currency
	}
	eta := "30 mins"
	if quote.Duration > 0 {
		eta = fmt.Sprintf("%d mins", quote.Duration)
	}
	days := 0
	return []domain.ShippingRate{{
		ProviderID:         CourierProviderID,
		Class:              domain.DeliveryClassLocal,
		ServiceCode:        courierServiceCode,
		ServiceName:        courierServiceName,
		Carrier:            courierCarrier,
		PriceMinor:         quote.Fee,
		OriginalPriceMinor: quote.Fee,
		Currency:           currency,
		EstimatedDays:      &days,
		ETA:                eta,
	}}, nil
}

// CreateLabel books a delivery. The idempotency key is sent as the external id so the courier
// rejects duplicates.
func (p *CourierProvider) CreateLabel(ctx context.Context, req LabelRequest) (domain.ShippingLabel, error) {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return domain.ShippingLabel{}, ErrIdempotencyKeyRequired
	}
	pickup, err := encodeCourierAddress(req.Origin)
	if err != nil {
		return domain.ShippingLabel{}, err
	}
	dropoff, err := encodeCourierAddress(req.Destination)
	if err != nil {
		return domain.ShippingLabel{}, err
	}
	manifest := make([]courierManifestItem, 0, len(req.Items))
	for _, item := range req.Items {
		manifest = append(manifest, courierManifestItem{
			Name:     textutil.PlainText(item.Name, 120),
			Quantity: item.Quantity,
			Size:     "small",
		})
	}
	body := courierDeliveryRequest{
		PickupName:         req.Origin.ContactName,
		PickupAddress:      pickup,
		PickupPhoneNumber:  req.Origin.Phone,
		DropoffName:        req.Destination.ContactName,
		DropoffAddress:     dropoff,
		DropoffPhoneNumber: req.Destination.Phone,
		ManifestItems:      manifest,
		ExternalID:         req.IdempotencyKey,
	}
	if req.ServiceCode != "" && req.ServiceCode != courierServiceCode {
		body.QuoteID = req.ServiceCode
	}

	var delivery courierDelivery
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetBody(body).
		SetResult(&delivery).
		Post(p.customerPath("deliveries"))
	if err := checkResponse(CourierProviderID, "create delivery", resp, err); err != nil {
		return domain.ShippingLabel{}, err
	}

	return domain.ShippingLabel{
		ProviderID:      CourierProviderID,
		TrackingNumber:  delivery.ID,
		Carrier:         courierCarrier,
		Status:          domain.LabelStatusCreated,
		TrackingURL:     delivery.TrackingURL,
		ProviderOrderID: delivery.ID,
		CreatedAt:       p.clock().UTC(),
	}, nil
}

// TrackShipment reads the delivery state. Unknown deliveries report pending.
func (p *CourierProvider) TrackShipment(ctx context.Context, trackingID string) (domain.TrackingInfo, error) {
	trackingID = strings.TrimSpace(trackingID)
	if trackingID == "" {
		return domain.TrackingInfo{}, fmt.Errorf("%w: tracking id is required", ErrInvalidRequest)
	}
	var delivery courierDelivery
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&delivery).
		Get(p.customerPath("deliveries/" + url.PathEscape(trackingID)))
	if err == nil && resp.StatusCode() == http.StatusNotFound {
		return domain.TrackingInfo{TrackingNumber: trackingID, Status: domain.TrackingStatusPending}, nil
	}
	if err := checkResponse(CourierProviderID, "track delivery", resp, err); err != nil {
		return domain.TrackingInfo{}, err
	}

	status := courierTrackingStatus(delivery.Status)
	info := domain.TrackingInfo{
		TrackingNumber: trackingID,
		Status:         status,
	}
	if eta, err := time.Parse(time.RFC3339, delivery.DropoffETA); err == nil {
		info.EstimatedDelivery = &eta
	}
	if delivery.Courier != nil && delivery.Courier.Location != nil {
		info.CurrentLocation = fmt.Sprintf("%.5f,%.5f", delivery.Courier.Location.Lat, delivery.Courier.Location.Lng)
	}
	if updated, err := time.Parse(time.RFC3339, delivery.Updated); err == nil {
		info.History = []domain.TrackingEvent{{
			Status:      status,
			Location:    info.CurrentLocation,
			Description: delivery.Status,
			OccurredAt:  updated.UTC(),
		}}
	}
	return info, nil
}

func (p *CourierProvider) customerPath(suffix string) string {
	return "/v1/customers/" + url.PathEscape(p.customerID) + "/" + suffix
}

func encodeCourierAddress(addr domain.Address) (string, error) {
	encoded, err := json.Marshal(courierAddress{
		StreetAddress: addr.Lines,
		City:          addr.City,
		State:         addr.State,
		ZipCode:       addr.PostalCode,
		Country:       strings.ToUpper(addr.CountryCode),
	})
	if err != nil {
		return "", fmt.Errorf("shipping: encode courier address: %w", err)
	}
	return string(encoded), nil
}

func isUndeliverable(status int, code string) bool {
	if status != http.StatusBadRequest && status != http.StatusUnprocessableEntity {
		return false
	}
	switch code {
	case "address_undeliverable", "address_undeliverable_limited_couriers", "unknown_location", "delivery_radius_exceeded":
		return true
	}
	return false
}

func courierTrackingStatus(status string) domain.TrackingStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "pickup", "pickup_complete", "dropoff":
		return domain.TrackingStatusInTransit
	case "delivered":
		return domain.TrackingStatusDelivered
	case "canceled", "returned":
		return domain.TrackingStatusException
	default:
		return domain.TrackingStatusPending
	}
}
