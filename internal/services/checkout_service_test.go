package services

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/americana-market/api/internal/commission"
	domain "github.com/americana-market/api/internal/domain"
	"github.com/americana-market/api/internal/payments"
	"github.com/americana-market/api/internal/shipping"
)

type stubSplitProvider struct {
	name       domain.PaymentProvider
	createFunc func(ctx context.Context, req payments.SplitPaymentRequest) (payments.SplitPayment, error)
	linkFunc   func(ctx context.Context, req payments.LinkAccountRequest) (payments.AccountLink, error)
	requests   []payments.SplitPaymentRequest
}

func (p *stubSplitProvider) Name() domain.PaymentProvider { return p.name }

func (p *stubSplitProvider) LinkVendorAccount(ctx context.Context, req payments.LinkAccountRequest) (payments.AccountLink, error) {
	if p.linkFunc != nil {
		return p.linkFunc(ctx, req)
	}
	return payments.AccountLink{ExternalAccountID: "acct_new", OnboardingURL: "https://connect.example/onboard"}, nil
}

func (p *stubSplitProvider) CreateSplitPayment(ctx context.Context, req payments.SplitPaymentRequest) (payments.SplitPayment, error) {
	p.requests = append(p.requests, req)
	if p.createFunc != nil {
		return p.createFunc(ctx, req)
	}
	return payments.SplitPayment{PaymentReference: "pi_123", Handoff: payments.Handoff{ClientSecret: "pi_123_secret"}}, nil
}

func (p *stubSplitProvider) HandleProviderEvent(context.Context, payments.Notification) (payments.ProviderEvent, error) {
	return payments.ProviderEvent{}, errors.New("not used")
}

var checkoutNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

type stubQuoter struct {
	quoteFunc func(ctx context.Context, cmd QuoteRatesCommand) (*shipping.Quote, error)
	commands  []QuoteRatesCommand
}

func (q *stubQuoter) QuoteRates(ctx context.Context, cmd QuoteRatesCommand) (*shipping.Quote, error) {
	q.commands = append(q.commands, cmd)
	if q.quoteFunc != nil {
		return q.quoteFunc(ctx, cmd)
	}
	quote := shipping.NewQuote()
	quote.Resolve([]domain.ShippingRate{
		{ProviderID: "manual-local", Class: domain.DeliveryClassLocal, ServiceCode: "local-direct", PriceMinor: 4999, Currency: "MXN"},
		{ProviderID: "soloenvios", Class: domain.DeliveryClassNational, ServiceCode: "dhl_express", PriceMinor: 18000, Currency: "MXN"},
	}, nil)
	return quote, nil
}

func activeStripeAccounts() *stubVendorAccountRepository {
	return &stubVendorAccountRepository{
		findFunc: func(_ context.Context, storeID string, provider domain.PaymentProvider) (domain.VendorPaymentAccount, error) {
			return domain.VendorPaymentAccount{
				StoreID:           storeID,
				Provider:          provider,
				ExternalAccountID: "acct_vendor",
				ChargesEnabled:    true,
				PayoutsEnabled:    true,
				Status:            domain.VendorAccountStatusActive,
			}, nil
		},
	}
}

func newCheckoutForTest(t *testing.T, orders *stubOrderRepository, accounts *stubVendorAccountRepository, provider *stubSplitProvider) (CheckoutService, *eventRecorder) {
	t.Helper()
	return newCheckoutWithQuoter(t, orders, accounts, provider, &stubQuoter{})
}

func newCheckoutWithQuoter(t *testing.T, orders *stubOrderRepository, accounts *stubVendorAccountRepository, provider *stubSplitProvider, quotes *stubQuoter) (CheckoutService, *eventRecorder) {
	t.Helper()
	manager, err := payments.NewManager([]payments.SplitProvider{provider})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	rec := &eventRecorder{}
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Orders:         orders,
		VendorAccounts: accounts,
		Payments:       manager,
		Shipping:       quotes,
		Commission:     commission.MustParse("0.10"),
		Clock:          fixedClock(checkoutNow),
		IDGenerator:    func() string { return "order-generated" },
		Logger:         rec.log,
	})
	if err != nil {
		t.Fatalf("new checkout service: %v", err)
	}
	return svc, rec
}

func checkoutCommand() CreateCheckoutCommand {
	return CreateCheckoutCommand{
		StoreID:  "store-1",
		Currency: "mxn",
		Items: []domain.LineItem{
			{ID: "li-1", ProductID: "prod-unknown", Name: "<i>Rebozo</i>", Quantity: 1, UnitPriceMinor: 10001},
		},
		Shipping:    &domain.ShippingRate{ProviderID: "manual-local", Class: domain.DeliveryClassLocal, ServiceCode: "local-direct", PriceMinor: 4999},
		Destination: &domain.Address{Lines: []string{"Calle 5 de Mayo 12"}, City: "Oaxaca", PostalCode: "68000", CountryCode: "MX"},
	}
}

func TestCreateCheckoutComputesCommissionOnSubtotalPlusShipping(t *testing.T) {
	orders := &stubOrderRepository{}
	provider := &stubSplitProvider{name: domain.PaymentProviderStripe}
	svc, rec := newCheckoutForTest(t, orders, activeStripeAccounts(), provider)

	result, err := svc.CreateCheckout(context.Background(), checkoutCommand())
	if err != nil {
		t.Fatalf("create checkout: %v", err)
	}

	if result.Commission.GrossMinor != 15000 || result.Commission.FeeMinor != 1500 || result.Commission.NetMinor != 13500 {
		t.Fatalf("unexpected breakdown %+v", result.Commission)
	}
	if len(orders.inserted) != 1 {
		t.Fatalf("expected one order insert, got %d", len(orders.inserted))
	}
	inserted := orders.inserted[0]
	if inserted.ID != "order-generated" || inserted.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("unexpected inserted order %+v", inserted)
	}
	if inserted.Totals.SubtotalMinor != 10001 || inserted.Totals.ShippingMinor != 4999 || inserted.Totals.PlatformFeeMinor != 1500 {
		t.Fatalf("unexpected totals %+v", inserted.Totals)
	}
	if inserted.Currency != "MXN" || inserted.Items[0].Name != "Rebozo" {
		t.Fatalf("expected normalised currency and item name, got %s %q", inserted.Currency, inserted.Items[0].Name)
	}

	req := provider.requests[0]
	if req.IdempotencyKey != "order-generated" {
		t.Fatalf("expected order id as idempotency key, got %q", req.IdempotencyKey)
	}
	if req.VendorAccountID != "acct_vendor" || req.GrossMinor != 15000 {
		t.Fatalf("unexpected split request %+v", req)
	}
	if result.Reference != "pi_123" || result.Handoff.ClientSecret == "" || orders.referenceSet != "pi_123" {
		t.Fatalf("expected payment reference to be stored, got %+v", result)
	}
	if result.Provider != domain.PaymentProviderStripe {
		t.Fatalf("unexpected provider %s", result.Provider)
	}
	if !rec.has("checkout.created") {
		t.Fatalf("expected checkout.created log")
	}
}

func TestCreateCheckoutValidatesBeforeNetworkCalls(t *testing.T) {
	cases := map[string]func(*CreateCheckoutCommand){
		"zero quantity":     func(c *CreateCheckoutCommand) { c.Items[0].Quantity = 0 },
		"negative price":    func(c *CreateCheckoutCommand) { c.Items[0].UnitPriceMinor = -1 },
		"unknown currency":  func(c *CreateCheckoutCommand) { c.Currency = "XYZ1" },
		"missing store":     func(c *CreateCheckoutCommand) { c.StoreID = " " },
		"shipping currency": func(c *CreateCheckoutCommand) { c.Currency = "USD" },
		"no items":          func(c *CreateCheckoutCommand) { c.Items = nil },
		"no destination":    func(c *CreateCheckoutCommand) { c.Destination = nil },
		"no provider":       func(c *CreateCheckoutCommand) { c.Shipping.ProviderID = " " },
		"huge quantity":     func(c *CreateCheckoutCommand) { c.Items[0].Quantity = domain.MaxLineQuantity + 1 },
		"subtotal overflow": func(c *CreateCheckoutCommand) {
			c.Items[0].UnitPriceMinor = math.MaxInt64 / 2
			c.Items = append(c.Items, domain.LineItem{ID: "li-2", Quantity: 3, UnitPriceMinor: math.MaxInt64 / 2})
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			orders := &stubOrderRepository{}
			provider := &stubSplitProvider{name: domain.PaymentProviderStripe}
			svc, _ := newCheckoutForTest(t, orders, activeStripeAccounts(), provider)

			cmd := checkoutCommand()
			mutate(&cmd)
			if _, err := svc.CreateCheckout(context.Background(), cmd); !errors.Is(err, ErrCheckoutInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
			if len(orders.inserted) != 0 || len(provider.requests) != 0 {
				t.Fatalf("no order or payment expected for invalid input")
			}
		})
	}
}

func TestCreateCheckoutRequiresChargeableAccount(t *testing.T) {
	restricted := &stubVendorAccountRepository{
		findFunc: func(context.Context, string, domain.PaymentProvider) (domain.VendorPaymentAccount, error) {
			return domain.VendorPaymentAccount{ExternalAccountID: "acct_vendor", DetailsSubmitted: true}, nil
		},
	}
	orders := &stubOrderRepository{}
	svc, _ := newCheckoutForTest(t, orders, restricted, &stubSplitProvider{name: domain.PaymentProviderStripe})

	if _, err := svc.CreateCheckout(context.Background(), checkoutCommand()); !errors.Is(err, ErrCheckoutAccountNotReady) {
		t.Fatalf("expected account not ready, got %v", err)
	}

	svc, _ = newCheckoutForTest(t, orders, &stubVendorAccountRepository{}, &stubSplitProvider{name: domain.PaymentProviderStripe})
	if _, err := svc.CreateCheckout(context.Background(), checkoutCommand()); !errors.Is(err, ErrCheckoutAccountNotReady) {
		t.Fatalf("expected account not ready for unlinked store, got %v", err)
	}
	if len(orders.inserted) != 0 {
		t.Fatalf("orders must not be written without a usable account")
	}
}

func TestCreateCheckoutUnknownProviderIsInvalid(t *testing.T) {
	svc, _ := newCheckoutForTest(t, &stubOrderRepository{}, activeStripeAccounts(), &stubSplitProvider{name: domain.PaymentProviderStripe})

	cmd := checkoutCommand()
	cmd.Provider = "paypal"
	if _, err := svc.CreateCheckout(context.Background(), cmd); !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCreateCheckoutPaymentFailureKeepsPendingOrder(t *testing.T) {
	orders := &stubOrderRepository{}
	provider := &stubSplitProvider{
		name: domain.PaymentProviderMercadoPago,
		createFunc: func(context.Context, payments.SplitPaymentRequest) (payments.SplitPayment, error) {
			return payments.SplitPayment{}, errors.New("mercadopago: 500")
		},
	}
	svc, rec := newCheckoutForTest(t, orders, activeStripeAccounts(), provider)

	cmd := checkoutCommand()
	cmd.OrderID = "order-77"
	cmd.IdempotencyKey = "client-key"
	if _, err := svc.CreateCheckout(context.Background(), cmd); !errors.Is(err, ErrCheckoutPaymentFailed) {
		t.Fatalf("expected payment failed, got %v", err)
	}
	if provider.requests[0].IdempotencyKey != "client-key" {
		t.Fatalf("expected client idempotency key, got %q", provider.requests[0].IdempotencyKey)
	}
	if len(orders.inserted) != 1 || orders.referenceSet != "" {
		t.Fatalf("expected pending order without reference")
	}
	if !rec.has("checkout.split_payment_failed") {
		t.Fatalf("expected failure log")
	}
}

func TestCreateCheckoutRetryReusesPendingOrder(t *testing.T) {
	var stored *domain.Order
	orders := &stubOrderRepository{}
	orders.insertFunc = func(_ context.Context, order domain.Order) error {
		if stored != nil {
			return testRepoError{conflict: true}
		}
		stored = &order
		return nil
	}
	orders.findFunc = func(context.Context, string) (domain.Order, error) {
		return *stored, nil
	}
	provider := &stubSplitProvider{name: domain.PaymentProviderStripe}
	svc, _ := newCheckoutForTest(t, orders, activeStripeAccounts(), provider)

	cmd := checkoutCommand()
	cmd.OrderID = "order-9"
	if _, err := svc.CreateCheckout(context.Background(), cmd); err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	retry, err := svc.CreateCheckout(context.Background(), cmd)
	if err != nil {
		t.Fatalf("retry checkout: %v", err)
	}
	if retry.Order.ID != "order-9" || len(provider.requests) != 2 {
		t.Fatalf("expected retry to reuse order and repeat the idempotent payment call")
	}
	if provider.requests[0].IdempotencyKey != provider.requests[1].IdempotencyKey {
		t.Fatalf("retries must reuse the idempotency key")
	}

	changed := checkoutCommand()
	changed.OrderID = "order-9"
	changed.Items[0].UnitPriceMinor = 20000
	if _, err := svc.CreateCheckout(context.Background(), changed); !errors.Is(err, ErrCheckoutConflict) {
		t.Fatalf("expected conflict for a different checkout under the same order id, got %v", err)
	}
}

func TestNewCheckoutServiceRequiresDependencies(t *testing.T) {
	if _, err := NewCheckoutService(CheckoutServiceDeps{}); err == nil {
		t.Fatalf("expected error without dependencies")
	}
}

func TestCreateCheckoutPricesShippingFromServerQuote(t *testing.T) {
	orders := &stubOrderRepository{}
	provider := &stubSplitProvider{name: domain.PaymentProviderStripe}
	quotes := &stubQuoter{}
	svc, _ := newCheckoutWithQuoter(t, orders, activeStripeAccounts(), provider, quotes)

	cmd := checkoutCommand()
	cmd.Shipping = &domain.ShippingRate{ProviderID: "SoloEnvios", Class: domain.DeliveryClassNational, ServiceCode: "dhl_express", PriceMinor: 18000}
	if _, err := svc.CreateCheckout(context.Background(), cmd); err != nil {
		t.Fatalf("create checkout: %v", err)
	}
	if len(quotes.commands) != 1 {
		t.Fatalf("expected one server-side quote, got %d", len(quotes.commands))
	}
	quoted := quotes.commands[0]
	if quoted.StoreID != "store-1" || quoted.Class != domain.DeliveryClassNational || quoted.SubtotalMinor != 10001 || quoted.Destination.City != "Oaxaca" {
		t.Fatalf("unexpected quote command %+v", quoted)
	}
	inserted := orders.inserted[0]
	if inserted.Totals.ShippingMinor != 18000 || inserted.Totals.TotalMinor != 28001 {
		t.Fatalf("unexpected totals %+v", inserted.Totals)
	}
	if inserted.Shipping == nil || inserted.Shipping.ProviderID != "soloenvios" || inserted.Shipping.Currency != "MXN" {
		t.Fatalf("expected the quoted rate to be stored, got %+v", inserted.Shipping)
	}
	if provider.requests[0].GrossMinor != 28001 {
		t.Fatalf("expected gross to include quoted shipping, got %d", provider.requests[0].GrossMinor)
	}
}

func TestCreateCheckoutRejectsTamperedShipping(t *testing.T) {
	cases := map[string]func(*CreateCheckoutCommand){
		"zero price":       func(c *CreateCheckoutCommand) { c.Shipping.PriceMinor = 0 },
		"lower price":      func(c *CreateCheckoutCommand) { c.Shipping.PriceMinor = 100 },
		"negative price":   func(c *CreateCheckoutCommand) { c.Shipping.PriceMinor = -5 },
		"unknown service":  func(c *CreateCheckoutCommand) { c.Shipping.ServiceCode = "free-teleport" },
		"unknown provider": func(c *CreateCheckoutCommand) { c.Shipping.ProviderID = "fedex" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			orders := &stubOrderRepository{}
			provider := &stubSplitProvider{name: domain.PaymentProviderStripe}
			svc, _ := newCheckoutForTest(t, orders, activeStripeAccounts(), provider)

			cmd := checkoutCommand()
			mutate(&cmd)
			if _, err := svc.CreateCheckout(context.Background(), cmd); !errors.Is(err, ErrCheckoutShippingRate) {
				t.Fatalf("expected shipping rate rejection, got %v", err)
			}
			if len(orders.inserted) != 0 || len(provider.requests) != 0 {
				t.Fatalf("no order or payment expected for a rate the store does not offer")
			}
		})
	}
}

func TestCreateCheckoutShippingQuoteFailures(t *testing.T) {
	cases := []struct {
		name  string
		quote func(context.Context, QuoteRatesCommand) (*shipping.Quote, error)
		want  error
	}{
		{
			name: "carrier unreachable",
			quote: func(context.Context, QuoteRatesCommand) (*shipping.Quote, error) {
				quote := shipping.NewQuote()
				quote.Resolve(nil, []shipping.ClassFailure{{Class: domain.DeliveryClassLocal, ProviderID: "uber", Err: errors.New("timeout")}})
				return quote, nil
			},
			want: ErrCheckoutUnavailable,
		},
		{
			name: "config unavailable",
			quote: func(context.Context, QuoteRatesCommand) (*shipping.Quote, error) {
				return nil, ErrShippingUnavailable
			},
			want: ErrCheckoutUnavailable,
		},
		{
			name: "bad destination",
			quote: func(context.Context, QuoteRatesCommand) (*shipping.Quote, error) {
				return nil, ErrShippingInvalidInput
			},
			want: ErrCheckoutInvalidInput,
		},
		{
			name: "no rates",
			quote: func(context.Context, QuoteRatesCommand) (*shipping.Quote, error) {
				quote := shipping.NewQuote()
				quote.Resolve(nil, nil)
				return quote, nil
			},
			want: ErrCheckoutShippingRate,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orders := &stubOrderRepository{}
			provider := &stubSplitProvider{name: domain.PaymentProviderStripe}
			svc, _ := newCheckoutWithQuoter(t, orders, activeStripeAccounts(), provider, &stubQuoter{quoteFunc: tc.quote})
			if _, err := svc.CreateCheckout(context.Background(), checkoutCommand()); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if len(orders.inserted) != 0 {
				t.Fatalf("no order expected when shipping cannot be priced")
			}
		})
	}
}
