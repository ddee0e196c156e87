package firestore

import (
	"testing"
	"time"

	"github.com/americana-market/api/internal/domain"
)

func TestShippingConfigDocumentNormalizesProviders(t *testing.T) {
	cfg := domain.ShippingConfig{
		StoreID:         "store-1",
		Currency:        "mxn",
		ActiveProviders: []string{" Uber ", "", "soloenvios"},
		CarrierMetadata: map[string]map[string]string{"SoloEnvios": {"api_key": "sealed"}},
	}

	doc := newShippingConfigDocument(cfg)
	got := doc.toDomain("store-1")

	if got.Currency != "MXN" {
		t.Fatalf("expected upper-cased currency, got %q", got.Currency)
	}
	if len(got.ActiveProviders) != 2 || got.ActiveProviders[0] != "uber" {
		t.Fatalf("unexpected providers %v", got.ActiveProviders)
	}
	if got.CarrierMetadata["soloenvios"]["api_key"] != "sealed" {
		t.Fatalf("expected metadata keyed by lower-case provider, got %v", got.CarrierMetadata)
	}

	cfg.CarrierMetadata["SoloEnvios"]["api_key"] = "mutated"
	if doc.CarrierMetadata["soloenvios"]["api_key"] != "sealed" {
		t.Fatalf("document must not alias caller metadata")
	}
}

func TestMergeAccountStateKeepsIdentityAndDerivesStatus(t *testing.T) {
	account := domain.VendorPaymentAccount{
		StoreID:           "store-1",
		Provider:          domain.PaymentProviderStripe,
		ExternalAccountID: "acct_1",
		SealedCredentials: "sealed",
		Country:           "MX",
	}

	merged := mergeAccountState(account, domain.AccountState{ChargesEnabled: true, PayoutsEnabled: true})
	if merged.ExternalAccountID != "acct_1" || merged.SealedCredentials != "sealed" || merged.Country != "MX" {
		t.Fatalf("empty state fields must not erase stored values, got %+v", merged)
	}
	if merged.Status != domain.VendorAccountStatusActive {
		t.Fatalf("expected active, got %s", merged.Status)
	}

	disabled := mergeAccountState(merged, domain.AccountState{DetailsSubmitted: true})
	if disabled.ChargesEnabled || disabled.Status != domain.VendorAccountStatusRestricted {
		t.Fatalf("expected flags to follow the provider, got %+v", disabled)
	}
}

func TestApplySettlementEffectOnPayment(t *testing.T) {
	occurred := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	at := occurred.Add(time.Minute)
	order := domain.Order{
		ID:     "order-1",
		Status: domain.OrderStatusPendingPayment,
		Totals: domain.OrderTotals{TotalMinor: 1000, PlatformFeeMinor: 100, VendorNetMinor: 900},
	}
	event := domain.SettlementEvent{
		Provider:         domain.PaymentProviderStripe,
		ProviderEventID:  "evt_1",
		Kind:             domain.SettlementPaymentSucceeded,
		GrossMinor:       1000,
		PlatformFeeMinor: 100,
		NetMinor:         900,
		PaymentReference: "pi_1",
		OccurredAt:       occurred,
	}

	next, ok := order.NextStatus(event.Kind, event.RawStatus)
	if !ok {
		t.Fatalf("expected transition")
	}
	got := applySettlementEffect(order, event, next, at)

	if got.Status != domain.OrderStatusPaid {
		t.Fatalf("expected paid, got %s", got.Status)
	}
	if got.PaidAt == nil || !got.PaidAt.Equal(occurred) {
		t.Fatalf("expected paidAt from event, got %v", got.PaidAt)
	}
	if !got.HasApplied("stripe:evt_1") {
		t.Fatalf("expected event key recorded, got %v", got.AppliedEvents)
	}
	if got.PaymentReference != "pi_1" || got.Provider != domain.PaymentProviderStripe {
		t.Fatalf("expected payment reference filled, got %+v", got)
	}
	if len(order.AppliedEvents) != 0 {
		t.Fatalf("input order must not be mutated")
	}
}

func TestShipmentDocumentActiveFlag(t *testing.T) {
	created := domain.Shipment{
		Label:    domain.ShippingLabel{Status: domain.LabelStatusCreated, TrackingNumber: "TRK1"},
		Tracking: domain.TrackingInfo{Status: domain.TrackingStatusInTransit},
	}
	if !newShipmentDocument(created).Active {
		t.Fatalf("in-transit shipment must be active")
	}

	delivered := created
	delivered.Tracking.Status = domain.TrackingStatusDelivered
	if newShipmentDocument(delivered).Active {
		t.Fatalf("delivered shipment must not be active")
	}

	local := created
	local.ProviderID = domain.LocalDeliveryProviderID
	if newShipmentDocument(local).Active {
		t.Fatalf("locally delivered shipment must not be polled")
	}

	doc := newShipmentDocument(created)
	if doc.TrackingNumber != "TRK1" {
		t.Fatalf("expected tracking number from label, got %q", doc.TrackingNumber)
	}
	if back := doc.toDomain("ship-1"); back.Tracking.TrackingNumber != "TRK1" || back.Label.TrackingNumber != "TRK1" {
		t.Fatalf("tracking number not restored: %+v", back)
	}
}

func TestReconciliationIDCollapsesRedeliveries(t *testing.T) {
	item := domain.ReconciliationItem{ID: "01J", Provider: domain.PaymentProviderMercadoPago, ProviderEventID: "merchant_order:1/closed"}
	if got := reconciliationID(item); got != "mercadopago:merchant_order:1_closed" {
		t.Fatalf("unexpected id %q", got)
	}
	if got := reconciliationID(domain.ReconciliationItem{ID: "01J"}); got != "01J" {
		t.Fatalf("expected fallback to item id, got %q", got)
	}
}
