package shipping

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/americana-market/api/internal/domain"
)

// AggregatorConfig configures the multi-carrier aggregator provider.
type AggregatorConfig struct {
	REST       RESTConfig
	Currency   string
	CarrierIDs []string
	Clock      func() time.Time
}

// AggregatorProvider shops rates across carrier connections held by one aggregator account.
type AggregatorProvider struct {
	client   *resty.Client
	currency string
	carriers []string
	clock    func() time.Time
}

// NewAggregatorProvider constructs the aggregator provider. An API key is required.
func NewAggregatorProvider(cfg AggregatorConfig) (*AggregatorProvider, error) {
	if strings.TrimSpace(cfg.REST.Token) == "" {
		return nil, fmt.Errorf("%w: aggregator api key", ErrMissingCredentials)
	}
	if strings.TrimSpace(cfg.REST.BaseURL) == "" {
		return nil, fmt.Errorf("%w: aggregator base url", ErrMissingCredentials)
	}
	if cfg.REST.AuthScheme == "" {
		cfg.REST.AuthScheme = "Token"
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	currency := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	return &AggregatorProvider{
		client:   newRESTClient(cfg.REST),
		currency: currency,
		carriers: cfg.CarrierIDs,
		clock:    clock,
	}, nil
}

func (p *AggregatorProvider) ID() string         { return AggregatorProviderID }
func (p *AggregatorProvider) Kind() ProviderKind { return KindAggregator }

type aggregatorAddress struct {
	PersonName   string `json:"person_name,omitempty"`
	AddressLine1 string `json:"address_line1"`
	AddressLine2 string `json:"address_line2,omitempty"`
	City         string `json:"city"`
	StateCode    string `json:"state_code,omitempty"`
	PostalCode   string `json:"postal_code"`
	CountryCode  string `json:"country_code"`
	Phone        string `json:"phone_number,omitempty"`
}

type aggregatorParcel struct {
	Weight        float64 `json:"weight"`
	WeightUnit    string  `json:"weight_unit"`
	Length        float64 `json:"length,omitempty"`
	Width         float64 `json:"width,omitempty"`
	Height        float64 `json:"height,omitempty"`
	DimensionUnit string  `json:"dimension_unit,omitempty"`
}

type aggregatorRateRequest struct {
	Shipper    aggregatorAddress  `json:"shipper"`
	Recipient  aggregatorAddress  `json:"recipient"`
	Parcels    []aggregatorParcel `json:"parcels"`
	CarrierIDs []string           `json:"carrier_ids,omitempty"`
}

type aggregatorRate struct {
	CarrierName string          `json:"carrier_name"`
	CarrierID   string          `json:"carrier_id"`
	Service     string          `json:"service"`
	TotalCharge decimal.Decimal `json:"total_charge"`
	Currency    string          `json:"currency"`
	TransitDays *int            `json:"transit_days"`
	Meta        struct {
		ServiceName string `json:"service_name"`
	} `json:"meta"`
}

type aggregatorRateResponse struct {
	Rates    []aggregatorRate `json:"rates"`
	Messages []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"messages"`
}

type aggregatorShipmentRequest struct {
	Shipper    aggregatorAddress  `json:"shipper"`
	Recipient  aggregatorAddress  `json:"recipient"`
	Parcels    []aggregatorParcel `json:"parcels"`
	Service    string             `json:"service"`
	CarrierIDs []string           `json:"carrier_ids,omitempty"`
	Reference  string             `json:"reference,omitempty"`
	LabelType  string             `json:"label_type"`
}

type aggregatorShipment struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	CarrierName    string `json:"carrier_name"`
	TrackingNumber string `json:"tracking_number"`
	TrackingURL    string `json:"tracking_url"`
	LabelType      string `json:"label_type"`
	Docs           struct {
		Label string `json:"label"`
	} `json:"docs"`
}

type aggregatorTracker struct {
	TrackingNumber    string `json:"tracking_number"`
	Status            string `json:"status"`
	Delivered         bool   `json:"delivered"`
	EstimatedDelivery string `json:"estimated_delivery"`
	Events            []struct {
		Date        string `json:"date"`
		Time        string `json:"time"`
		Description string `json:"description"`
		Location    string `json:"location"`
		Code        string `json:"code"`
	} `json:"events"`
}

// GetRates returns every rate the aggregator offers, in the order the aggregator returned them.
func (p *AggregatorProvider) GetRates(ctx context.Context, origin, destination domain.Address, items []domain.LineItem) ([]domain.ShippingRate, error) {
	body := aggregatorRateRequest{
		Shipper:    toAggregatorAddress(origin),
		Recipient:  toAggregatorAddress(destination),
		Parcels:    []aggregatorParcel{toAggregatorParcel(items)},
		CarrierIDs: p.carriers,
	}
	var result aggregatorRateResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/v1/proxy/rates")
	if err == nil && (resp.StatusCode() == http.StatusBadRequest || resp.StatusCode() == http.StatusUnprocessableEntity) {
		// the aggregator reports unserviceable routes as validation errors
		return []domain.ShippingRate{}, nil
	}
	if err := checkResponse(AggregatorProviderID, "rates", resp, err); err != nil {
		return nil, err
	}

	rates := make([]domain.ShippingRate, 0, len(result.Rates))
	for _, rate := range result.Rates {
		currency := strings.ToUpper(strings.TrimSpace(rate.Currency))
		if currency == "" {
			currency = p.currency
		}
		name := rate.Meta.ServiceName
		if name == "" {
			name = rate.Service
		}
		price := domain.MajorToMinor(rate.TotalCharge, currency)
		rates = append(rates, domain.ShippingRate{
			ProviderID:         AggregatorProviderID,
			Class:              domain.DeliveryClassNational,
			ServiceCode:        rate.Service,
			ServiceName:        fmt.Sprintf("%s (via SoloEnvios)", name),
			Carrier:            rate.CarrierName,
			PriceMinor:         price,
			OriginalPriceMinor: price,
			Currency:           currency,
			EstimatedDays:      rate.TransitDays,
		})
	}
	return rates, nil
}

// CreateLabel purchases the label for the chosen service.
func (p *AggregatorProvider) CreateLabel(ctx context.Context, req LabelRequest) (domain.ShippingLabel, error) {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return domain.ShippingLabel{}, ErrIdempotencyKeyRequired
	}
	if strings.TrimSpace(req.ServiceCode) == "" {
		return domain.ShippingLabel{}, fmt.Errorf("%w: service code is required", ErrInvalidRequest)
	}
	body := aggregatorShipmentRequest{
		Shipper:    toAggregatorAddress(req.Origin),
		Recipient:  toAggregatorAddress(req.Destination),
		Parcels:    []aggregatorParcel{toAggregatorParcel(req.Items)},
		Service:    req.ServiceCode,
		CarrierIDs: p.carriers,
		Reference:  req.Reference,
		LabelType:  "PDF",
	}
	var shipment aggregatorShipment
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetBody(body).
		SetResult(&shipment).
		Post("/v1/shipments")
	if err := checkResponse(AggregatorProviderID, "create shipment", resp, err); err != nil {
		return domain.ShippingLabel{}, err
	}

	label := domain.ShippingLabel{
		ProviderID:      AggregatorProviderID,
		TrackingNumber:  shipment.TrackingNumber,
		Carrier:         shipment.CarrierName,
		Status:          domain.LabelStatusCreated,
		TrackingURL:     shipment.TrackingURL,
		ProviderOrderID: shipment.ID,
		CreatedAt:       p.clock().UTC(),
	}
	if shipment.TrackingNumber == "" {
		label.Status = domain.LabelStatusPending
	}
	if shipment.Docs.Label != "" {
		doc, err := base64.StdEncoding.DecodeString(shipment.Docs.Label)
		if err == nil {
			label.Document = doc
			label.DocumentType = "application/pdf"
		}
	}
	return label, nil
}

// TrackShipment reads the tracker for the tracking number. Unknown trackers report pending.
func (p *AggregatorProvider) TrackShipment(ctx context.Context, trackingID string) (domain.TrackingInfo, error) {
	trackingID = strings.TrimSpace(trackingID)
	if trackingID == "" {
		return domain.TrackingInfo{}, fmt.Errorf("%w: tracking id is required", ErrInvalidRequest)
	}
	var tracker aggregatorTracker
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&tracker).
		Get("/v1/trackers/" + url.PathEscape(trackingID))
	if err == nil && resp.StatusCode() == http.StatusNotFound {
		return domain.TrackingInfo{TrackingNumber: trackingID, Status: domain.TrackingStatusPending}, nil
	}
	if err := checkResponse(AggregatorProviderID, "track", resp, err); err != nil {
		return domain.TrackingInfo{}, err
	}

	info := domain.TrackingInfo{
		TrackingNumber: trackingID,
		Status:         AggregatorTrackingStatus(tracker.Status, tracker.Delivered),
	}
	if eta, err := time.Parse("2006-01-02", tracker.EstimatedDelivery); err == nil {
		info.EstimatedDelivery = &eta
	}
	// the aggregator lists newest events first; history is kept oldest first
	for i := len(tracker.Events) - 1; i >= 0; i-- {
		event := tracker.Events[i]
		occurred, err := time.Parse("2006-01-02 15:04", strings.TrimSpace(event.Date+" "+event.Time))
		if err != nil {
			occurred, _ = time.Parse("2006-01-02", event.Date)
		}
		info.History = append(info.History, domain.TrackingEvent{
			Status:      AggregatorTrackingStatus(event.Code, false),
			Location:    event.Location,
			Description: event.Description,
			OccurredAt:  occurred.UTC(),
		})
	}
	if len(tracker.Events) > 0 {
		info.CurrentLocation = tracker.Events[0].Location
	}
	return info, nil
}

// AggregatorTrackingStatus maps aggregator status codes onto tracking statuses.
func AggregatorTrackingStatus(status string, delivered bool) domain.TrackingStatus {
	if delivered {
		return domain.TrackingStatusDelivered
	}
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "delivered":
		return domain.TrackingStatusDelivered
	case "in_transit", "out_for_delivery", "picked_up", "ready_for_pickup":
		return domain.TrackingStatusInTransit
	case "delivery_failed", "delivery_delayed", "on_hold", "return_to_sender", "cancelled", "exception":
		return domain.TrackingStatusException
	default:
		return domain.TrackingStatusPending
	}
}

func toAggregatorAddress(addr domain.Address) aggregatorAddress {
	out := aggregatorAddress{
		PersonName:  addr.ContactName,
		City:        addr.City,
		StateCode:   addr.State,
		PostalCode:  addr.PostalCode,
		CountryCode: strings.ToUpper(addr.CountryCode),
		Phone:       addr.Phone,
	}
	if len(addr.Lines) > 0 {
		out.AddressLine1 = addr.Lines[0]
	}
	if len(addr.Lines) > 1 {
		out.AddressLine2 = joinLines(addr.Lines[1:])
	}
	return out
}

func toAggregatorParcel(items []domain.LineItem) aggregatorParcel {
	kg := float64(parcelWeightGrams(items)) / 1000
	parcel := aggregatorParcel{
		Weight:     math.Max(kg, 0.1),
		WeightUnit: "KG",
	}
	if dims := parcelDimensions(items); dims != nil {
		parcel.Length = dims.LengthCm
		parcel.Width = dims.WidthCm
		parcel.Height = dims.HeightCm
		parcel.DimensionUnit = "CM"
	}
	return parcel
}
