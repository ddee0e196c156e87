package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/americana-market/api/internal/commission"
	"github.com/americana-market/api/internal/domain"
)

type fakeProvider struct {
	name    domain.PaymentProvider
	lastOp  string
	link    AccountLink
	payment SplitPayment
	event   ProviderEvent
	err     error
}

func (f *fakeProvider) Name() domain.PaymentProvider { return f.name }

func (f *fakeProvider) LinkVendorAccount(ctx context.Context, req LinkAccountRequest) (AccountLink, error) {
	f.lastOp = "link"
	return f.link, f.err
}

func (f *fakeProvider) CreateSplitPayment(ctx context.Context, req SplitPaymentRequest) (SplitPayment, error) {
	f.lastOp = "split"
	return f.payment, f.err
}

func (f *fakeProvider) HandleProviderEvent(ctx context.Context, n Notification) (ProviderEvent, error) {
	f.lastOp = "event"
	return f.event, f.err
}

func validSplitRequest(t *testing.T) SplitPaymentRequest {
	t.Helper()
	breakdown, err := commission.MustParse("0.10").Split(1000)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	return SplitPaymentRequest{
		GrossMinor:      1000,
		Currency:        "MXN",
		StoreID:         "store-1",
		OrderID:         "order-1",
		VendorAccountID: "acct_1",
		Commission:      breakdown,
		IdempotencyKey:  "order-1",
	}
}

func TestManagerCreateSplitPaymentUsesPreferredProvider(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeProvider{name: domain.PaymentProviderStripe, payment: SplitPayment{PaymentReference: "pi_1"}}
	mp := &fakeProvider{name: domain.PaymentProviderMercadoPago, payment: SplitPayment{PaymentReference: "pref_1"}}

	mgr, err := NewManager([]SplitProvider{stripe, mp})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	payment, err := mgr.CreateSplitPayment(ctx, PaymentContext{PreferredProvider: "MercadoPago"}, validSplitRequest(t))
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if payment.Provider != domain.PaymentProviderMercadoPago {
		t.Fatalf("expected mercadopago, got %q", payment.Provider)
	}
	if mp.lastOp != "split" || stripe.lastOp != "" {
		t.Fatalf("expected only mercadopago to be called")
	}
}

func TestManagerRoutesByCurrency(t *testing.T) {
	stripe := &fakeProvider{name: domain.PaymentProviderStripe}
	mp := &fakeProvider{name: domain.PaymentProviderMercadoPago}

	mgr, err := NewManager([]SplitProvider{stripe, mp}, WithCurrencyRoutes(map[string]string{"ars": "mercadopago"}))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	provider, err := mgr.Resolve(PaymentContext{Currency: "ARS"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if provider.Name() != domain.PaymentProviderMercadoPago {
		t.Fatalf("expected mercadopago for ARS, got %s", provider.Name())
	}
	provider, _ = mgr.Resolve(PaymentContext{Currency: "MXN"})
	if provider.Name() != domain.PaymentProviderStripe {
		t.Fatalf("expected stripe default, got %s", provider.Name())
	}
}

func TestManagerUnknownPreferenceFails(t *testing.T) {
	mgr, err := NewManager([]SplitProvider{&fakeProvider{name: "stripe"}, &fakeProvider{name: "mercadopago"}}, WithDefaultProvider(""))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := mgr.Resolve(PaymentContext{PreferredProvider: "bitso"}); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
	if _, err := mgr.Resolve(PaymentContext{}); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider without default, got %v", err)
	}
}

func TestManagerValidatesSplitBeforeCallingProvider(t *testing.T) {
	stripe := &fakeProvider{name: domain.PaymentProviderStripe}
	mgr, _ := NewManager([]SplitProvider{stripe})

	req := validSplitRequest(t)
	req.Commission.FeeMinor = 50
	if _, err := mgr.CreateSplitPayment(context.Background(), PaymentContext{}, req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}

	req = validSplitRequest(t)
	req.IdempotencyKey = ""
	if _, err := mgr.CreateSplitPayment(context.Background(), PaymentContext{}, req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected idempotency key to be required, got %v", err)
	}
	if stripe.lastOp != "" {
		t.Fatalf("provider must not be called for invalid requests")
	}
}

func TestManagerOptionalOperations(t *testing.T) {
	mgr, _ := NewManager([]SplitProvider{&fakeProvider{name: domain.PaymentProviderStripe}})
	if _, err := mgr.AccountStatus(context.Background(), "stripe", "acct_1"); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
	if _, err := mgr.CompleteAccountLink(context.Background(), "stripe", "code", "state"); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
}

func TestNewManagerValidatesProviders(t *testing.T) {
	if _, err := NewManager([]SplitProvider{nil}); err == nil {
		t.Fatalf("expected error for nil provider")
	}
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error when providers empty")
	}
	dup := &fakeProvider{name: domain.PaymentProviderStripe}
	if _, err := NewManager([]SplitProvider{dup, dup}); err == nil {
		t.Fatalf("expected error for duplicate registration")
	}
}
