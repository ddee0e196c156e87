package services

import (
	"context"
	"time"

	"github.com/americana-market/api/internal/commission"
	domain "github.com/americana-market/api/internal/domain"
	"github.com/americana-market/api/internal/payments"
	"github.com/americana-market/api/internal/repositories"
	"github.com/americana-market/api/internal/shipping"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Address              = domain.Address
	LineItem             = domain.LineItem
	ShippingRate         = domain.ShippingRate
	ShippingConfig       = domain.ShippingConfig
	Shipment             = domain.Shipment
	TrackingEvent        = domain.TrackingEvent
	Order                = domain.Order
	OrderTotals          = domain.OrderTotals
	VendorPaymentAccount = domain.VendorPaymentAccount
	SettlementEvent      = domain.SettlementEvent
	ReconciliationItem   = domain.ReconciliationItem
	SystemHealthReport   = domain.SystemHealthReport
)

// ShippingService quotes, purchases and tracks shipments for a store.
type ShippingService interface {
	QuoteRates(ctx context.Context, cmd QuoteRatesCommand) (*shipping.Quote, error)
	CreateLabel(ctx context.Context, cmd CreateLabelCommand) (Shipment, error)
	TrackShipment(ctx context.Context, storeID, shipmentID string) (Shipment, error)
	ApplyTrackingUpdate(ctx context.Context, update TrackingUpdate) (Shipment, error)
	RefreshActiveShipments(ctx context.Context, limit int) (RefreshSummary, error)
	LabelDownloadURL(ctx context.Context, storeID, shipmentID string) (LabelDownload, error)
	GetShippingConfig(ctx context.Context, storeID string) (ShippingConfig, error)
	SaveShippingConfig(ctx context.Context, cmd SaveShippingConfigCommand) (ShippingConfig, error)
}

// CheckoutService creates pending orders and hands buyers over to the payment processor.
type CheckoutService interface {
	CreateCheckout(ctx context.Context, cmd CreateCheckoutCommand) (CheckoutResult, error)
}

// VendorAccountService manages onboarding of vendor payment accounts.
type VendorAccountService interface {
	LinkAccount(ctx context.Context, cmd LinkAccountCommand) (payments.AccountLink, error)
	CompleteAccountLink(ctx context.Context, provider domain.PaymentProvider, code, state string) (VendorPaymentAccount, error)
	AccountStatus(ctx context.Context, storeID string, provider domain.PaymentProvider) (VendorPaymentAccount, error)
}

// SettlementService applies normalised provider events to orders and vendor accounts exactly once.
type SettlementService interface {
	Apply(ctx context.Context, event SettlementEvent) (ApplyResult, error)
	RecordCorrelationFailure(ctx context.Context, item ReconciliationItem) error
}

// SystemService backs the liveness and readiness endpoints.
type SystemService interface {
	Liveness(ctx context.Context) SystemHealthReport
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// SettlementPublisher forwards applied settlement events to downstream fulfilment.
type SettlementPublisher interface {
	PublishSettlementEvent(ctx context.Context, message SettlementEventMessage) (string, error)
}

// SettlementEventMessage is the payload delivered to fulfilment workers via Pub/Sub.
type SettlementEventMessage struct {
	EventID          string    `json:"eventId"`
	DedupeKey        string    `json:"dedupeKey"`
	Provider         string    `json:"provider"`
	Kind             string    `json:"kind"`
	StoreID          string    `json:"storeId"`
	OrderID          string    `json:"orderId,omitempty"`
	Currency         string    `json:"currency,omitempty"`
	GrossMinor       int64     `json:"grossMinor"`
	PlatformFeeMinor int64     `json:"platformFeeMinor"`
	NetMinor         int64     `json:"netMinor"`
	OrderStatus      string    `json:"orderStatus,omitempty"`
	OccurredAt       time.Time `json:"occurredAt"`
}

// QuoteRatesCommand requests rates for one destination. An empty Class asks for both classes.
type QuoteRatesCommand struct {
	StoreID       string
	Class         domain.DeliveryClass
	Origin        *Address
	Destination   Address
	Items         []LineItem
	SubtotalMinor int64
}

// CreateLabelCommand purchases a label for an order.
type CreateLabelCommand struct {
	StoreID        string
	OrderID        string
	Class          domain.DeliveryClass
	Origin         *Address
	Destination    Address
	Items          []LineItem
	ServiceCode    string
	IdempotencyKey string
}

// TrackingUpdate is a carrier push for a known tracking number.
type TrackingUpdate struct {
	ProviderID     string
	TrackingNumber string
	Status         domain.TrackingStatus
	Location       string
	Description    string
	OccurredAt     time.Time
}

// RefreshSummary reports the outcome of a scheduled tracking refresh.
type RefreshSummary struct {
	Checked int
	Updated int
	Failed  int
	// Retired counts listed shipments that no carrier reports on; they are dropped from polling.
	Retired int
}

// LabelDownload is a short-lived URL for an archived label document.
type LabelDownload struct {
	URL       string
	ExpiresAt time.Time
}

// SaveShippingConfigCommand replaces a store's shipping configuration. Credentials in
// CarrierMetadata are sealed before they are stored.
type SaveShippingConfigCommand struct {
	Config ShippingConfig
}

// CreateCheckoutCommand creates a pending order and starts a split payment.
type CreateCheckoutCommand struct {
	StoreID        string
	OrderID        string
	Provider       string
	Currency       string
	Items          []LineItem
	// Shipping names the rate the buyer picked from a quote. Its price is checked against a fresh
	// quote for Destination.
	Shipping       *ShippingRate
	Destination    *Address
	BuyerEmail     string
	IdempotencyKey string
	ReturnURLs     payments.ReturnURLs
}

// CheckoutResult is returned to the buyer client.
type CheckoutResult struct {
	Order      Order
	Provider   domain.PaymentProvider
	Reference  string
	Handoff    payments.Handoff
	Commission commission.Breakdown
}

// LinkAccountCommand starts onboarding for a store.
type LinkAccountCommand struct {
	StoreID  string
	Provider domain.PaymentProvider
	Email    string
	Country  string
}

// ApplyResult describes what Apply did with an event.
type ApplyResult struct {
	Duplicate  bool
	Applied    bool
	SkipReason repositories.SettlementSkipReason
	Order      *Order
	Account    *VendorPaymentAccount
	MessageID  string
}
