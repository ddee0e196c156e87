package firestore

import (
	"context"
	"errors"
	"fmt"

	pfirestore "github.com/americana-market/api/internal/platform/firestore"
	"github.com/americana-market/api/internal/repositories"
)

// Registry bundles the Firestore repositories behind repositories.Registry.
type Registry struct {
	provider        *pfirestore.Provider
	shippingConfigs *ShippingConfigRepository
	vendorAccounts  *VendorAccountRepository
	orders          *OrderRepository
	shipments       *ShipmentRepository
	reconciliation  *ReconciliationRepository
	webhookEvents   *WebhookEventRepository
	health          repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds every repository over the shared provider. The health repository is optional.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	reg := &Registry{provider: provider, health: health}

	var err error
	if reg.shippingConfigs, err = NewShippingConfigRepository(provider); err != nil {
		return nil, fmt.Errorf("shipping configs: %w", err)
	}
	if reg.vendorAccounts, err = NewVendorAccountRepository(provider); err != nil {
		return nil, fmt.Errorf("vendor accounts: %w", err)
	}
	if reg.orders, err = NewOrderRepository(provider); err != nil {
		return nil, fmt.Errorf("orders: %w", err)
	}
	if reg.shipments, err = NewShipmentRepository(provider); err != nil {
		return nil, fmt.Errorf("shipments: %w", err)
	}
	if reg.reconciliation, err = NewReconciliationRepository(provider); err != nil {
		return nil, fmt.Errorf("reconciliation: %w", err)
	}
	if reg.webhookEvents, err = NewWebhookEventRepository(provider); err != nil {
		return nil, fmt.Errorf("webhook events: %w", err)
	}
	return reg, nil
}

// Close releases the Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

func (r *Registry) ShippingConfigs() repositories.ShippingConfigRepository { return r.shippingConfigs }
func (r *Registry) VendorAccounts() repositories.VendorAccountRepository   { return r.vendorAccounts }
func (r *Registry) Orders() repositories.OrderRepository                   { return r.orders }
func (r *Registry) Shipments() repositories.ShipmentRepository             { return r.shipments }
func (r *Registry) Reconciliation() repositories.ReconciliationRepository  { return r.reconciliation }
func (r *Registry) WebhookEvents() repositories.WebhookEventRepository     { return r.webhookEvents }
func (r *Registry) Health() repositories.HealthRepository                  { return r.health }
