package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/americana-market/api/internal/payments"
	"github.com/americana-market/api/internal/platform/httpx"
	"github.com/americana-market/api/internal/platform/idempotency"
	"github.com/americana-market/api/internal/platform/requestctx"
	"github.com/americana-market/api/internal/services"
)

const maxCheckoutRequestBody = 32 * 1024

// CheckoutHandlers exposes the buyer checkout endpoint. Buyers are anonymous; replays are
// controlled by the Idempotency-Key header.
type CheckoutHandlers struct {
	checkout    services.CheckoutService
	idempotency func(http.Handler) http.Handler
}

// NewCheckoutHandlers constructs checkout handlers. idem may be nil when idempotency storage is
// not configured.
func NewCheckoutHandlers(checkout services.CheckoutService, idem func(http.Handler) http.Handler) *CheckoutHandlers {
	return &CheckoutHandlers{
		checkout:    checkout,
		idempotency: idem,
	}
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.idempotency != nil {
		group = group.With(h.idempotency)
	}
	group.Post("/", h.createCheckout)
}

type returnURLsPayload struct {
	Success string `json:"success"`
	Failure string `json:"failure"`
	Pending string `json:"pending"`
}

type checkoutRequest struct {
	StoreID     string               `json:"storeId"`
	OrderID     string               `json:"orderId"`
	Provider    string               `json:"provider"`
	Currency    string               `json:"currency"`
	Items       []lineItemPayload    `json:"items"`
	Shipping    *shippingRatePayload `json:"shipping"`
	Destination *addressPayload      `json:"destination"`
	BuyerEmail  string               `json:"buyerEmail"`
	ReturnURLs  *returnURLsPayload   `json:"returnUrls"`
}

type checkoutTotalsPayload struct {
	SubtotalMinor    int64 `json:"subtotalMinor"`
	ShippingMinor    int64 `json:"shippingMinor"`
	TotalMinor       int64 `json:"totalMinor"`
	PlatformFeeMinor int64 `json:"platformFeeMinor"`
	VendorNetMinor   int64 `json:"vendorNetMinor"`
}

type checkoutResponse struct {
	OrderID      string                `json:"orderId"`
	Status       string                `json:"status"`
	Provider     string                `json:"provider"`
	Reference    string                `json:"paymentReference"`
	Currency     string                `json:"currency"`
	Totals       checkoutTotalsPayload `json:"totals"`
	ClientSecret string                `json:"clientSecret,omitempty"`
	RedirectURL  string                `json:"redirectUrl,omitempty"`
	CreatedAt    string                `json:"createdAt"`
}

func (h *CheckoutHandlers) createCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req checkoutRequest
	if !decodeJSONBody(ctx, w, r, maxCheckoutRequestBody, &req) {
		return
	}

	key, ok := idempotency.KeyFromContext(ctx)
	if !ok {
		key = strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
	}

	cmd := services.CreateCheckoutCommand{
		StoreID:        strings.TrimSpace(req.StoreID),
		OrderID:        strings.TrimSpace(req.OrderID),
		Provider:       strings.ToLower(strings.TrimSpace(req.Provider)),
		Currency:       strings.ToUpper(strings.TrimSpace(req.Currency)),
		Items:          lineItems(req.Items),
		BuyerEmail:     strings.TrimSpace(req.BuyerEmail),
		IdempotencyKey: key,
	}
	if req.Shipping != nil {
		rate := req.Shipping.toDomain()
		cmd.Shipping = &rate
		cmd.Destination = optionalAddress(req.Destination)
	}
	if req.ReturnURLs != nil {
		cmd.ReturnURLs = payments.ReturnURLs{
			Success: strings.TrimSpace(req.ReturnURLs.Success),
			Failure: strings.TrimSpace(req.ReturnURLs.Failure),
			Pending: strings.TrimSpace(req.ReturnURLs.Pending),
		}
	}

	requestctx.SetStoreID(ctx, cmd.StoreID)
	requestctx.SetOrderID(ctx, cmd.OrderID)
	result, err := h.checkout.CreateCheckout(ctx, cmd)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	requestctx.SetOrderID(ctx, result.Order.ID)

	order := result.Order
	resp := checkoutResponse{
		OrderID:   order.ID,
		Status:    string(order.Status),
		Provider:  string(result.Provider),
		Reference: result.Reference,
		Currency:  order.Currency,
		Totals: checkoutTotalsPayload{
			SubtotalMinor:    order.Totals.SubtotalMinor,
			ShippingMinor:    order.Totals.ShippingMinor,
			TotalMinor:       order.Totals.TotalMinor,
			PlatformFeeMinor: order.Totals.PlatformFeeMinor,
			VendorNetMinor:   order.Totals.VendorNetMinor,
		},
		ClientSecret: result.Handoff.ClientSecret,
		RedirectURL:  result.Handoff.RedirectURL,
		CreatedAt:    order.CreatedAt.UTC().Format(time.RFC3339),
	}
	writeJSONResponse(w, http.StatusCreated, resp)
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutAccountNotReady):
		httpx.WriteError(ctx, w, httpx.NewError("vendor_not_ready", "store cannot accept payments yet", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutShippingRate):
		httpx.WriteError(ctx, w, httpx.NewError("shipping_rate_unavailable", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCheckoutConflict):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_conflict", "order already exists with different contents", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutPaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", "payment could not be started", http.StatusBadGateway))
	case errors.Is(err, services.ErrCheckoutUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
	}
}
