package services

import (
	"context"
	"time"

	domain "github.com/americana-market/api/internal/domain"
	"github.com/americana-market/api/internal/repositories"
)

type testRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e testRepoError) Error() string       { return "repository error" }
func (e testRepoError) IsNotFound() bool    { return e.notFound }
func (e testRepoError) IsConflict() bool    { return e.conflict }
func (e testRepoError) IsUnavailable() bool { return e.unavailable }

type stubOrderRepository struct {
	insertFunc   func(ctx context.Context, order domain.Order) error
	findFunc     func(ctx context.Context, orderID string) (domain.Order, error)
	referenceFn  func(ctx context.Context, orderID string, provider domain.PaymentProvider, reference string, at time.Time) error
	applyFunc    func(ctx context.Context, event domain.SettlementEvent, at time.Time) (repositories.SettlementApplyResult, error)
	inserted     []domain.Order
	applyCalls   int
	referenceSet string
}

func (s *stubOrderRepository) Insert(ctx context.Context, order domain.Order) error {
	s.inserted = append(s.inserted, order)
	if s.insertFunc != nil {
		return s.insertFunc(ctx, order)
	}
	return nil
}

func (s *stubOrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findFunc != nil {
		return s.findFunc(ctx, orderID)
	}
	return domain.Order{}, testRepoError{notFound: true}
}

func (s *stubOrderRepository) SetPaymentReference(ctx context.Context, orderID string, provider domain.PaymentProvider, reference string, at time.Time) error {
	s.referenceSet = reference
	if s.referenceFn != nil {
		return s.referenceFn(ctx, orderID, provider, reference, at)
	}
	return nil
}

func (s *stubOrderRepository) ApplySettlement(ctx context.Context, event domain.SettlementEvent, at time.Time) (repositories.SettlementApplyResult, error) {
	s.applyCalls++
	if s.applyFunc != nil {
		return s.applyFunc(ctx, event, at)
	}
	return repositories.SettlementApplyResult{}, nil
}

type stubVendorAccountRepository struct {
	findFunc  func(ctx context.Context, storeID string, provider domain.PaymentProvider) (domain.VendorPaymentAccount, error)
	saveFunc  func(ctx context.Context, account domain.VendorPaymentAccount) (domain.VendorPaymentAccount, error)
	applyFunc func(ctx context.Context, storeID string, provider domain.PaymentProvider, state domain.AccountState, at time.Time) (domain.VendorPaymentAccount, error)
	saved     []domain.VendorPaymentAccount
	applied   []domain.AccountState
}

func (s *stubVendorAccountRepository) Find(ctx context.Context, storeID string, provider domain.PaymentProvider) (domain.VendorPaymentAccount, error) {
	if s.findFunc != nil {
		return s.findFunc(ctx, storeID, provider)
	}
	return domain.VendorPaymentAccount{}, testRepoError{notFound: true}
}

func (s *stubVendorAccountRepository) Save(ctx context.Context, account domain.VendorPaymentAccount) (domain.VendorPaymentAccount, error) {
	s.saved = append(s.saved, account)
	if s.saveFunc != nil {
		return s.saveFunc(ctx, account)
	}
	return account, nil
}

func (s *stubVendorAccountRepository) ApplyAccountState(ctx context.Context, storeID string, provider domain.PaymentProvider, state domain.AccountState, at time.Time) (domain.VendorPaymentAccount, error) {
	s.applied = append(s.applied, state)
	if s.applyFunc != nil {
		return s.applyFunc(ctx, storeID, provider, state, at)
	}
	return domain.VendorPaymentAccount{
		StoreID:           storeID,
		Provider:          provider,
		ExternalAccountID: state.ExternalAccountID,
		ChargesEnabled:    state.ChargesEnabled,
		PayoutsEnabled:    state.PayoutsEnabled,
		Status:            state.DeriveStatus(),
		UpdatedAt:         at,
	}, nil
}

type stubReconciliationRepository struct {
	items []domain.ReconciliationItem
	err   error
}

func (s *stubReconciliationRepository) Enqueue(_ context.Context, item domain.ReconciliationItem) error {
	if s.err != nil {
		return s.err
	}
	s.items = append(s.items, item)
	return nil
}

type stubShippingConfigRepository struct {
	configs map[string]domain.ShippingConfig
	err     error
	saved   []domain.ShippingConfig
}

func (s *stubShippingConfigRepository) FindShippingConfig(_ context.Context, storeID string) (domain.ShippingConfig, error) {
	if s.err != nil {
		return domain.ShippingConfig{}, s.err
	}
	cfg, ok := s.configs[storeID]
	if !ok {
		return domain.ShippingConfig{}, testRepoError{notFound: true}
	}
	return cfg, nil
}

func (s *stubShippingConfigRepository) SaveShippingConfig(_ context.Context, cfg domain.ShippingConfig) (domain.ShippingConfig, error) {
	if s.err != nil {
		return domain.ShippingConfig{}, s.err
	}
	s.saved = append(s.saved, cfg)
	if s.configs == nil {
		s.configs = map[string]domain.ShippingConfig{}
	}
	s.configs[cfg.StoreID] = cfg
	return cfg, nil
}

type memoryShipmentRepository struct {
	shipments map[string]domain.Shipment
	updateErr error
	updates   int
	// listAll makes ListActive ignore the active flag, like documents written before it existed.
	listAll bool
}

func newMemoryShipmentRepository() *memoryShipmentRepository {
	return &memoryShipmentRepository{shipments: map[string]domain.Shipment{}}
}

func (m *memoryShipmentRepository) Insert(_ context.Context, shipment domain.Shipment) error {
	if _, ok := m.shipments[shipment.ID]; ok {
		return testRepoError{conflict: true}
	}
	m.shipments[shipment.ID] = shipment
	return nil
}

func (m *memoryShipmentRepository) Update(_ context.Context, shipment domain.Shipment) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updates++
	m.shipments[shipment.ID] = shipment
	return nil
}

func (m *memoryShipmentRepository) FindByID(_ context.Context, shipmentID string) (domain.Shipment, error) {
	shipment, ok := m.shipments[shipmentID]
	if !ok {
		return domain.Shipment{}, testRepoError{notFound: true}
	}
	return shipment, nil
}

func (m *memoryShipmentRepository) FindByTrackingNumber(_ context.Context, providerID, trackingNumber string) (domain.Shipment, error) {
	for _, shipment := range m.shipments {
		if shipment.ProviderID == providerID && shipment.Label.TrackingNumber == trackingNumber {
			return shipment, nil
		}
	}
	return domain.Shipment{}, testRepoError{notFound: true}
}

func (m *memoryShipmentRepository) ListActive(_ context.Context, limit int) ([]domain.Shipment, error) {
	var out []domain.Shipment
	for _, shipment := range m.shipments {
		if m.listAll || shipment.AwaitsCarrier() {
			out = append(out, shipment)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

type recordedEvent struct {
	name   string
	fields map[string]any
}

type eventRecorder struct {
	events []recordedEvent
}

func (r *eventRecorder) log(_ context.Context, event string, fields map[string]any) {
	r.events = append(r.events, recordedEvent{name: event, fields: fields})
}

func (r *eventRecorder) has(name string) bool {
	for _, event := range r.events {
		if event.name == name {
			return true
		}
	}
	return false
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
