package handlers

import (
	"context"
	"errors"

	domain "github.com/americana-market/api/internal/domain"
	"github.com/americana-market/api/internal/payments"
	"github.com/americana-market/api/internal/services"
	"github.com/americana-market/api/internal/shipping"
)

type stubShippingService struct {
	quoteFn      func(context.Context, services.QuoteRatesCommand) (*shipping.Quote, error)
	createFn     func(context.Context, services.CreateLabelCommand) (services.Shipment, error)
	trackFn      func(context.Context, string, string) (services.Shipment, error)
	pushFn       func(context.Context, services.TrackingUpdate) (services.Shipment, error)
	labelFn      func(context.Context, string, string) (services.LabelDownload, error)
	getConfigFn  func(context.Context, string) (services.ShippingConfig, error)
	saveConfigFn func(context.Context, services.SaveShippingConfigCommand) (services.ShippingConfig, error)
}

func (s *stubShippingService) QuoteRates(ctx context.Context, cmd services.QuoteRatesCommand) (*shipping.Quote, error) {
	if s.quoteFn != nil {
		return s.quoteFn(ctx, cmd)
	}
	return nil, errors.New("not implemented")
}

func (s *stubShippingService) CreateLabel(ctx context.Context, cmd services.CreateLabelCommand) (services.Shipment, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Shipment{}, errors.New("not implemented")
}

func (s *stubShippingService) TrackShipment(ctx context.Context, storeID, shipmentID string) (services.Shipment, error) {
	if s.trackFn != nil {
		return s.trackFn(ctx, storeID, shipmentID)
	}
	return services.Shipment{}, errors.New("not implemented")
}

func (s *stubShippingService) ApplyTrackingUpdate(ctx context.Context, update services.TrackingUpdate) (services.Shipment, error) {
	if s.pushFn != nil {
		return s.pushFn(ctx, update)
	}
	return services.Shipment{}, errors.New("not implemented")
}

func (s *stubShippingService) RefreshActiveShipments(context.Context, int) (services.RefreshSummary, error) {
	return services.RefreshSummary{}, nil
}

func (s *stubShippingService) LabelDownloadURL(ctx context.Context, storeID, shipmentID string) (services.LabelDownload, error) {
	if s.labelFn != nil {
		return s.labelFn(ctx, storeID, shipmentID)
	}
	return services.LabelDownload{}, errors.New("not implemented")
}

func (s *stubShippingService) GetShippingConfig(ctx context.Context, storeID string) (services.ShippingConfig, error) {
	if s.getConfigFn != nil {
		return s.getConfigFn(ctx, storeID)
	}
	return services.ShippingConfig{}, errors.New("not implemented")
}

func (s *stubShippingService) SaveShippingConfig(ctx context.Context, cmd services.SaveShippingConfigCommand) (services.ShippingConfig, error) {
	if s.saveConfigFn != nil {
		return s.saveConfigFn(ctx, cmd)
	}
	return services.ShippingConfig{}, errors.New("not implemented")
}

type stubCheckoutService struct {
	createFn func(context.Context, services.CreateCheckoutCommand) (services.CheckoutResult, error)
}

func (s *stubCheckoutService) CreateCheckout(ctx context.Context, cmd services.CreateCheckoutCommand) (services.CheckoutResult, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.CheckoutResult{}, errors.New("not implemented")
}

type stubVendorAccountService struct {
	linkFn     func(context.Context, services.LinkAccountCommand) (payments.AccountLink, error)
	completeFn func(context.Context, domain.PaymentProvider, string, string) (services.VendorPaymentAccount, error)
	statusFn   func(context.Context, string, domain.PaymentProvider) (services.VendorPaymentAccount, error)
}

func (s *stubVendorAccountService) LinkAccount(ctx context.Context, cmd services.LinkAccountCommand) (payments.AccountLink, error) {
	if s.linkFn != nil {
		return s.linkFn(ctx, cmd)
	}
	return payments.AccountLink{}, errors.New("not implemented")
}

func (s *stubVendorAccountService) CompleteAccountLink(ctx context.Context, provider domain.PaymentProvider, code, state string) (services.VendorPaymentAccount, error) {
	if s.completeFn != nil {
		return s.completeFn(ctx, provider, code, state)
	}
	return services.VendorPaymentAccount{}, errors.New("not implemented")
}

func (s *stubVendorAccountService) AccountStatus(ctx context.Context, storeID string, provider domain.PaymentProvider) (services.VendorPaymentAccount, error) {
	if s.statusFn != nil {
		return s.statusFn(ctx, storeID, provider)
	}
	return services.VendorPaymentAccount{}, errors.New("not implemented")
}

type stubSettlementService struct {
	applyFn  func(context.Context, services.SettlementEvent) (services.ApplyResult, error)
	recordFn func(context.Context, services.ReconciliationItem) error
	applied  []services.SettlementEvent
	recorded []services.ReconciliationItem
}

func (s *stubSettlementService) Apply(ctx context.Context, event services.SettlementEvent) (services.ApplyResult, error) {
	s.applied = append(s.applied, event)
	if s.applyFn != nil {
		return s.applyFn(ctx, event)
	}
	return services.ApplyResult{Applied: true}, nil
}

func (s *stubSettlementService) RecordCorrelationFailure(ctx context.Context, item services.ReconciliationItem) error {
	s.recorded = append(s.recorded, item)
	if s.recordFn != nil {
		return s.recordFn(ctx, item)
	}
	return nil
}

type stubSystemService struct {
	liveness services.SystemHealthReport
	report   services.SystemHealthReport
	err      error
}

func (s *stubSystemService) Liveness(context.Context) services.SystemHealthReport {
	return s.liveness
}

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

// stubEventSource is a payments.SplitProvider whose notification handling is scripted.
type stubEventSource struct {
	name     domain.PaymentProvider
	handleFn func(context.Context, payments.Notification) (payments.ProviderEvent, error)
	notes    []payments.Notification
}

func (s *stubEventSource) Name() domain.PaymentProvider { return s.name }

func (s *stubEventSource) LinkVendorAccount(context.Context, payments.LinkAccountRequest) (payments.AccountLink, error) {
	return payments.AccountLink{}, payments.ErrNotSupported
}

func (s *stubEventSource) CreateSplitPayment(context.Context, payments.SplitPaymentRequest) (payments.SplitPayment, error) {
	return payments.SplitPayment{}, payments.ErrNotSupported
}

func (s *stubEventSource) HandleProviderEvent(ctx context.Context, n payments.Notification) (payments.ProviderEvent, error) {
	s.notes = append(s.notes, n)
	return s.handleFn(ctx, n)
}

type stubReconciliationQueue struct {
	items []domain.ReconciliationItem
	err   error
}

func (q *stubReconciliationQueue) Enqueue(_ context.Context, item domain.ReconciliationItem) error {
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, item)
	return nil
}
