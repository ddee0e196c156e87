package repositories

import (
	"context"
	"time"

	"github.com/americana-market/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	ShippingConfigs() ShippingConfigRepository
	VendorAccounts() VendorAccountRepository
	Orders() OrderRepository
	Shipments() ShipmentRepository
	Reconciliation() ReconciliationRepository
	WebhookEvents() WebhookEventRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// ShippingConfigRepository stores the vendor-owned shipping setup per store.
type ShippingConfigRepository interface {
	// FindShippingConfig returns a RepositoryError with IsNotFound when the store has no config.
	FindShippingConfig(ctx context.Context, storeID string) (domain.ShippingConfig, error)
	SaveShippingConfig(ctx context.Context, cfg domain.ShippingConfig) (domain.ShippingConfig, error)
}

// VendorAccountRepository persists the link between a store and a payment processor account.
type VendorAccountRepository interface {
	Find(ctx context.Context, storeID string, provider domain.PaymentProvider) (domain.VendorPaymentAccount, error)
	Save(ctx context.Context, account domain.VendorPaymentAccount) (domain.VendorPaymentAccount, error)
	// ApplyAccountState merges provider-reported enablement flags into the stored account inside a
	// transaction, creating the account when it does not exist yet.
	ApplyAccountState(ctx context.Context, storeID string, provider domain.PaymentProvider, state domain.AccountState, at time.Time) (domain.VendorPaymentAccount, error)
}

// OrderRepository persists marketplace orders and applies settlement effects to them.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	SetPaymentReference(ctx context.Context, orderID string, provider domain.PaymentProvider, reference string, at time.Time) error
	// ApplySettlement transitions the order inside a transaction. Repeated or stale events are
	// reported through the result, never as errors.
	ApplySettlement(ctx context.Context, event domain.SettlementEvent, at time.Time) (SettlementApplyResult, error)
}

// ShipmentRepository persists labels and tracking history.
type ShipmentRepository interface {
	// Insert fails with a conflict RepositoryError when the shipment id already exists.
	Insert(ctx context.Context, shipment domain.Shipment) error
	Update(ctx context.Context, shipment domain.Shipment) error
	FindByID(ctx context.Context, shipmentID string) (domain.Shipment, error)
	FindByTrackingNumber(ctx context.Context, providerID, trackingNumber string) (domain.Shipment, error)
	// ListActive returns shipments whose tracking has not reached a terminal status, oldest update first.
	ListActive(ctx context.Context, limit int) ([]domain.Shipment, error)
}

// ReconciliationRepository stores events that could not be correlated automatically.
type ReconciliationRepository interface {
	Enqueue(ctx context.Context, item domain.ReconciliationItem) error
}

// WebhookEventRepository keeps an audit log of inbound provider notifications.
type WebhookEventRepository interface {
	RecordWebhookEvent(ctx context.Context, record domain.WebhookEventRecord) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
