package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/americana-market/api/internal/commission"
	domain "github.com/americana-market/api/internal/domain"
	"github.com/americana-market/api/internal/payments"
	"github.com/americana-market/api/internal/platform/textutil"
	"github.com/americana-market/api/internal/repositories"
	"github.com/americana-market/api/internal/shipping"
)

const processorItemNameLimit = 120

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrCheckoutAccountNotReady indicates the vendor cannot receive payments through the provider yet.
	ErrCheckoutAccountNotReady = errors.New("checkout: vendor account not ready")
	// ErrCheckoutConflict indicates the order id is already used by a different checkout.
	ErrCheckoutConflict = errors.New("checkout: conflict")
	// ErrCheckoutPaymentFailed indicates the processor did not accept the split payment.
	ErrCheckoutPaymentFailed = errors.New("checkout: payment failed")
	// ErrCheckoutShippingRate indicates the chosen shipping rate is not offered at that price.
	ErrCheckoutShippingRate = errors.New("checkout: shipping rate not offered")
)

type shippingQuoter interface {
	QuoteRates(ctx context.Context, cmd QuoteRatesCommand) (*shipping.Quote, error)
}

// splitPaymentManager abstracts payments.Manager for easier testing.
type splitPaymentManager interface {
	Resolve(ctx payments.PaymentContext) (payments.SplitProvider, error)
	CreateSplitPayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.SplitPaymentRequest) (payments.SplitPayment, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Orders         repositories.OrderRepository
	VendorAccounts repositories.VendorAccountRepository
	Payments       splitPaymentManager
	Shipping       shippingQuoter
	Commission     commission.Engine
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	orders   repositories.OrderRepository
	accounts repositories.VendorAccountRepository
	payments splitPaymentManager
	quotes   shippingQuoter
	engine   commission.Engine
	now      func() time.Time
	newID    func() string
	logger   func(ctx context.Context, event string, fields map[string]any)
}

var _ CheckoutService = (*checkoutService)(nil)

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.VendorAccounts == nil {
		return nil, errors.New("checkout service: vendor account repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment manager is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		orders:   deps.Orders,
		accounts: deps.VendorAccounts,
		payments: deps.Payments,
		quotes:   deps.Shipping,
		engine:   deps.Commission,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// CreateCheckout validates the cart, writes a pending order and starts the split payment with the
// vendor's linked account.
func (s *checkoutService) CreateCheckout(ctx context.Context, cmd CreateCheckoutCommand) (CheckoutResult, error) {
	draft, err := s.draftOrder(ctx, cmd)
	if err != nil {
		return CheckoutResult{}, err
	}

	paymentCtx := payments.PaymentContext{
		PreferredProvider: strings.TrimSpace(cmd.Provider),
		Currency:          draft.Currency,
	}
	provider, err := s.payments.Resolve(paymentCtx)
	if err != nil {
		if errors.Is(err, payments.ErrUnsupportedProvider) {
			return CheckoutResult{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
		}
		return CheckoutResult{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}
	draft.Provider = provider.Name()

	account, err := s.vendorAccount(ctx, draft.StoreID, draft.Provider)
	if err != nil {
		return CheckoutResult{}, err
	}

	breakdown, err := s.engine.Split(draft.Totals.TotalMinor)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	}
	draft.Totals.PlatformFeeMinor = breakdown.FeeMinor
	draft.Totals.VendorNetMinor = breakdown.NetMinor

	order, err := s.persistOrder(ctx, draft)
	if err != nil {
		return CheckoutResult{}, err
	}

	key := strings.TrimSpace(cmd.IdempotencyKey)
	if key == "" {
		key = order.ID
	}
	payment, err := s.payments.CreateSplitPayment(ctx, paymentCtx, payments.SplitPaymentRequest{
		GrossMinor:        order.Totals.TotalMinor,
		Currency:          order.Currency,
		StoreID:           order.StoreID,
		OrderID:           order.ID,
		VendorAccountID:   account.ExternalAccountID,
		VendorCredentials: account.SealedCredentials,
		Commission:        breakdown,
		Items:             order.Items,
		BuyerEmail:        strings.TrimSpace(cmd.BuyerEmail),
		IdempotencyKey:    key,
		ReturnURLs:        cmd.ReturnURLs,
	})
	if err != nil {
		s.logger(ctx, "checkout.split_payment_failed", map[string]any{
			"storeId":  order.StoreID,
			"orderId":  order.ID,
			"provider": string(draft.Provider),
			"error":    err.Error(),
		})
		if errors.Is(err, payments.ErrInvalidRequest) {
			return CheckoutResult{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
		}
		return CheckoutResult{}, fmt.Errorf("%w: %v", ErrCheckoutPaymentFailed, err)
	}

	now := s.now()
	if err := s.orders.SetPaymentReference(ctx, order.ID, payment.Provider, payment.PaymentReference, now); err != nil {
		// events carry the order id in metadata, so settlement still correlates without the reference
		s.logger(ctx, "checkout.reference_failed", map[string]any{
			"orderId":   order.ID,
			"reference": payment.PaymentReference,
			"error":     err.Error(),
			"severity":  "error",
		})
	} else {
		order.PaymentReference = payment.PaymentReference
		order.UpdatedAt = now
	}

	s.logger(ctx, "checkout.created", map[string]any{
		"storeId":     order.StoreID,
		"orderId":     order.ID,
		"provider":    string(payment.Provider),
		"grossMinor":  breakdown.GrossMinor,
		"feeMinor":    breakdown.FeeMinor,
		"netMinor":    breakdown.NetMinor,
		"currency":    order.Currency,
		"paymentRef":  payment.PaymentReference,
		"redirecting": payment.Handoff.RedirectURL != "",
	})
	return CheckoutResult{
		Order:      order,
		Provider:   payment.Provider,
		Reference:  payment.PaymentReference,
		Handoff:    payment.Handoff,
		Commission: breakdown,
	}, nil
}

// draftOrder validates amounts before anything leaves the process. The shipping price always comes
// from a fresh server-side quote.
func (s *checkoutService) draftOrder(ctx context.Context, cmd CreateCheckoutCommand) (Order, error) {
	storeID := strings.TrimSpace(cmd.StoreID)
	if storeID == "" {
		return Order{}, fmt.Errorf("%w: store id is required", ErrCheckoutInvalidInput)
	}
	currency, err := domain.NormalizeCurrency(cmd.Currency)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	}
	if len(cmd.Items) == 0 {
		return Order{}, fmt.Errorf("%w: at least one item is required", ErrCheckoutInvalidInput)
	}
	items := make([]LineItem, len(cmd.Items))
	for i, item := range cmd.Items {
		if item.Quantity < 1 || item.Quantity > domain.MaxLineQuantity {
			return Order{}, fmt.Errorf("%w: item %d quantity must be between 1 and %d", ErrCheckoutInvalidInput, i, domain.MaxLineQuantity)
		}
		if item.UnitPriceMinor < 0 {
			return Order{}, fmt.Errorf("%w: item %d unit price must not be negative", ErrCheckoutInvalidInput, i)
		}
		item.ID = strings.TrimSpace(item.ID)
		item.ProductID = strings.TrimSpace(item.ProductID)
		item.Name = textutil.PlainText(item.Name, processorItemNameLimit)
		if item.Name == "" {
			item.Name = firstNonEmptyString(item.ProductID, fmt.Sprintf("Item %d", i+1))
		}
		items[i] = item
	}
	subtotal, err := domain.CheckedSubtotal(items)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	}

	var shippingRate *ShippingRate
	var shippingMinor int64
	if cmd.Shipping != nil {
		rate, err := s.quoteShipping(ctx, storeID, cmd, items, subtotal, currency)
		if err != nil {
			return Order{}, err
		}
		shippingRate = &rate
		shippingMinor = rate.PriceMinor
	}

	total, err := domain.AddMinor(subtotal, shippingMinor)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	}
	if total <= 0 {
		return Order{}, fmt.Errorf("%w: order total must be positive", ErrCheckoutInvalidInput)
	}

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		orderID = s.newID()
	}
	now := s.now()
	return Order{
		ID:       orderID,
		StoreID:  storeID,
		Status:   domain.OrderStatusPendingPayment,
		Currency: currency,
		Items:    items,
		Shipping: shippingRate,
		Totals: OrderTotals{
			Currency:      currency,
			SubtotalMinor: subtotal,
			ShippingMinor: shippingMinor,
			TotalMinor:    total,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// quoteShipping re-quotes the store for the buyer's destination and returns the rate matching the
// chosen provider and service. A rate that is no longer offered, or whose price differs from what
// the buyer was shown, fails the checkout.
func (s *checkoutService) quoteShipping(ctx context.Context, storeID string, cmd CreateCheckoutCommand, items []LineItem, subtotal int64, currency string) (ShippingRate, error) {
	chosen := *cmd.Shipping
	providerID := textutil.NormalizeID(chosen.ProviderID)
	if providerID == "" {
		return ShippingRate{}, fmt.Errorf("%w: shipping provider is required", ErrCheckoutInvalidInput)
	}
	if cmd.Destination == nil {
		return ShippingRate{}, fmt.Errorf("%w: shipping destination is required", ErrCheckoutInvalidInput)
	}
	if s.quotes == nil {
		return ShippingRate{}, fmt.Errorf("%w: shipping quotes are not configured", ErrCheckoutUnavailable)
	}

	quote, err := s.quotes.QuoteRates(ctx, QuoteRatesCommand{
		StoreID:       storeID,
		Class:         chosen.Class,
		Destination:   *cmd.Destination,
		Items:         items,
		SubtotalMinor: subtotal,
	})
	if err != nil {
		if errors.Is(err, ErrShippingInvalidInput) {
			return ShippingRate{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
		}
		return ShippingRate{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}
	if quote.State() == shipping.QuoteFailed {
		return ShippingRate{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, quote.Err())
	}
	serviceCode := strings.TrimSpace(chosen.ServiceCode)
	if err := quote.SelectService(providerID, serviceCode); err != nil {
		return ShippingRate{}, fmt.Errorf("%w: %v", ErrCheckoutShippingRate, err)
	}
	rate, _ := quote.Selected()
	if rate.PriceMinor != chosen.PriceMinor {
		s.logger(ctx, "checkout.shipping_price_mismatch", map[string]any{
			"storeId":      storeID,
			"provider":     providerID,
			"service":      serviceCode,
			"quotedMinor":  rate.PriceMinor,
			"claimedMinor": chosen.PriceMinor,
		})
		return ShippingRate{}, fmt.Errorf("%w: %s/%s is quoted at %d, not %d", ErrCheckoutShippingRate, providerID, serviceCode, rate.PriceMinor, chosen.PriceMinor)
	}
	if rate.Currency != "" && !strings.EqualFold(rate.Currency, currency) {
		return ShippingRate{}, fmt.Errorf("%w: shipping currency %s does not match %s", ErrCheckoutInvalidInput, rate.Currency, currency)
	}
	return rate, nil
}

func (s *checkoutService) vendorAccount(ctx context.Context, storeID string, provider domain.PaymentProvider) (VendorPaymentAccount, error) {
	account, err := s.accounts.Find(ctx, storeID, provider)
	if err != nil {
		if isRepoNotFound(err) {
			return VendorPaymentAccount{}, fmt.Errorf("%w: store %s has no %s account", ErrCheckoutAccountNotReady, storeID, provider)
		}
		return VendorPaymentAccount{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}
	if !account.ChargesEnabled || strings.TrimSpace(account.ExternalAccountID) == "" {
		return VendorPaymentAccount{}, fmt.Errorf("%w: %s account for store %s cannot accept charges", ErrCheckoutAccountNotReady, provider, storeID)
	}
	return account, nil
}

// persistOrder inserts the pending order. A retry with the same order id reuses the stored order
// while it is still awaiting the same payment.
func (s *checkoutService) persistOrder(ctx context.Context, order Order) (Order, error) {
	err := s.orders.Insert(ctx, order)
	if err == nil {
		return order, nil
	}
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		s.logger(ctx, "checkout.persist_failed", map[string]any{
			"orderId":  order.ID,
			"error":    err.Error(),
			"severity": "error",
		})
		return Order{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}

	existing, findErr := s.orders.FindByID(ctx, order.ID)
	if findErr != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, findErr)
	}
	if existing.StoreID != order.StoreID ||
		existing.Status != domain.OrderStatusPendingPayment ||
		existing.Totals.TotalMinor != order.Totals.TotalMinor ||
		existing.Currency != order.Currency {
		return Order{}, fmt.Errorf("%w: order %s already exists", ErrCheckoutConflict, order.ID)
	}
	s.logger(ctx, "checkout.order_reused", map[string]any{"orderId": order.ID})
	return existing, nil
}
