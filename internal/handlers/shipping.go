package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/americana-market/api/internal/domain"
	"github.com/americana-market/api/internal/platform/auth"
	"github.com/americana-market/api/internal/platform/httpx"
	"github.com/americana-market/api/internal/platform/idempotency"
	"github.com/americana-market/api/internal/services"
	"github.com/americana-market/api/internal/shipping"
)

const (
	maxShippingRequestBody = 32 * 1024
	idempotencyKeyHeader   = "Idempotency-Key"
)

// ShippingHandlers exposes rate quotes to buyers and label, tracking and configuration endpoints
// to the vendor that owns the store.
type ShippingHandlers struct {
	authn       *auth.Authenticator
	shipping    services.ShippingService
	idempotency func(http.Handler) http.Handler
	quoteLimit  func(http.Handler) http.Handler
}

// ShippingOption customises ShippingHandlers.
type ShippingOption func(*ShippingHandlers)

// WithShippingIdempotency guards label purchase with the idempotency middleware.
func WithShippingIdempotency(mw func(http.Handler) http.Handler) ShippingOption {
	return func(h *ShippingHandlers) {
		h.idempotency = mw
	}
}

// WithQuoteRateLimit throttles the unauthenticated rate quote endpoint.
func WithQuoteRateLimit(mw func(http.Handler) http.Handler) ShippingOption {
	return func(h *ShippingHandlers) {
		h.quoteLimit = mw
	}
}

// NewShippingHandlers constructs shipping handlers. Vendor endpoints are guarded by Firebase
// authentication when authn is set.
func NewShippingHandlers(authn *auth.Authenticator, svc services.ShippingService, opts ...ShippingOption) *ShippingHandlers {
	h := &ShippingHandlers{authn: authn, shipping: svc}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers shipping endpoints under /stores/{storeID}.
func (h *ShippingHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	quote := r
	if h.quoteLimit != nil {
		quote = quote.With(h.quoteLimit)
	}
	quote.Post("/shipping/rates", h.quoteRates)

	r.Group(func(vendor chi.Router) {
		if h.authn != nil {
			vendor.Use(h.authn.RequireFirebaseAuth(auth.RoleVendor, auth.RoleStaff, auth.RoleAdmin))
			vendor.Use(auth.RequireStoreAccess("storeID"))
		}
		create := vendor
		if h.idempotency != nil {
			create = create.With(h.idempotency)
		}
		create.Post("/shipments", h.createLabel)
		vendor.Get("/shipments/{shipmentID}/tracking", h.trackShipment)
		vendor.Get("/shipments/{shipmentID}/label", h.labelDownload)
		vendor.Get("/shipping/config", h.getConfig)
		vendor.Put("/shipping/config", h.saveConfig)
	})
}

// quoteRatesRequest may carry the buyer's earlier choice in Select so that it survives a re-quote.
type quoteRatesRequest struct {
	Class         string                `json:"class"`
	Origin        *addressPayload       `json:"origin"`
	Destination   addressPayload        `json:"destination"`
	Items         []lineItemPayload     `json:"items"`
	SubtotalMinor int64                 `json:"subtotalMinor"`
	Select        *rateSelectionPayload `json:"select"`
}

type rateSelectionPayload struct {
	ProviderID  string `json:"providerId"`
	ServiceCode string `json:"serviceCode"`
}

type quoteFailurePayload struct {
	Class      string `json:"class"`
	ProviderID string `json:"providerId"`
}

type quoteRatesResponse struct {
	State              string                `json:"state"`
	Rates              []shippingRatePayload `json:"rates"`
	SelectedIndex      int                   `json:"selectedIndex"`
	ShippingTotalMinor int64                 `json:"shippingTotalMinor"`
	Failures           []quoteFailurePayload `json:"failures,omitempty"`
}

func (h *ShippingHandlers) quoteRates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipping == nil {
		writeShippingUnavailable(ctx, w)
		return
	}

	var req quoteRatesRequest
	if !decodeJSONBody(ctx, w, r, maxShippingRequestBody, &req) {
		return
	}

	quote, err := h.shipping.QuoteRates(ctx, services.QuoteRatesCommand{
		StoreID:       chi.URLParam(r, "storeID"),
		Class:         domain.DeliveryClass(strings.ToLower(strings.TrimSpace(req.Class))),
		Origin:        optionalAddress(req.Origin),
		Destination:   req.Destination.toDomain(),
		Items:         lineItems(req.Items),
		SubtotalMinor: req.SubtotalMinor,
	})
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}
	if req.Select != nil {
		if err := quote.SelectService(strings.TrimSpace(req.Select.ProviderID), strings.TrimSpace(req.Select.ServiceCode)); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("rate_not_found", "selected rate is no longer offered", http.StatusConflict))
			return
		}
	}

	resp := quoteRatesResponse{
		State:              string(quote.State()),
		Rates:              make([]shippingRatePayload, 0),
		SelectedIndex:      quote.SelectedIndex(),
		ShippingTotalMinor: quote.ShippingTotal(),
	}
	for _, rate := range quote.Rates() {
		resp.Rates = append(resp.Rates, ratePayload(rate))
	}
	for _, failure := range quote.Failures() {
		resp.Failures = append(resp.Failures, quoteFailurePayload{Class: string(failure.Class), ProviderID: failure.ProviderID})
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

type createLabelRequest struct {
	OrderID     string            `json:"orderId"`
	Class       string            `json:"class"`
	Origin      *addressPayload   `json:"origin"`
	Destination addressPayload    `json:"destination"`
	Items       []lineItemPayload `json:"items"`
	ServiceCode string            `json:"serviceCode"`
}

func (h *ShippingHandlers) createLabel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipping == nil {
		writeShippingUnavailable(ctx, w)
		return
	}

	var req createLabelRequest
	if !decodeJSONBody(ctx, w, r, maxShippingRequestBody, &req) {
		return
	}

	key, ok := idempotency.KeyFromContext(ctx)
	if !ok {
		key = strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
	}
	if key == "" {
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", "Idempotency-Key header is required", http.StatusBadRequest))
		return
	}

	shipment, err := h.shipping.CreateLabel(ctx, services.CreateLabelCommand{
		StoreID:        chi.URLParam(r, "storeID"),
		OrderID:        strings.TrimSpace(req.OrderID),
		Class:          domain.DeliveryClass(strings.ToLower(strings.TrimSpace(req.Class))),
		Origin:         optionalAddress(req.Origin),
		Destination:    req.Destination.toDomain(),
		Items:          lineItems(req.Items),
		ServiceCode:    strings.TrimSpace(req.ServiceCode),
		IdempotencyKey: key,
	})
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, shipmentResponse(shipment))
}

func (h *ShippingHandlers) trackShipment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipping == nil {
		writeShippingUnavailable(ctx, w)
		return
	}
	shipment, err := h.shipping.TrackShipment(ctx, chi.URLParam(r, "storeID"), chi.URLParam(r, "shipmentID"))
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, shipmentResponse(shipment))
}

type labelDownloadResponse struct {
	URL       string `json:"url"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

func (h *ShippingHandlers) labelDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipping == nil {
		writeShippingUnavailable(ctx, w)
		return
	}
	download, err := h.shipping.LabelDownloadURL(ctx, chi.URLParam(r, "storeID"), chi.URLParam(r, "shipmentID"))
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, labelDownloadResponse{
		URL:       download.URL,
		ExpiresAt: formatTime(download.ExpiresAt),
	})
}

type shippingConfigPayload struct {
	Currency                   string                       `json:"currency"`
	Origin                     *addressPayload              `json:"origin,omitempty"`
	LocalDeliveryEnabled       bool                         `json:"localDeliveryEnabled"`
	LocalRadiusKm              float64                      `json:"localRadiusKm"`
	LocalBasePriceMinor        int64                        `json:"localBasePriceMinor"`
	NationalShippingEnabled    bool                         `json:"nationalShippingEnabled"`
	NationalFlatRateMinor      int64                        `json:"nationalFlatRateMinor"`
	FreeShippingThresholdMinor int64                        `json:"freeShippingThresholdMinor"`
	ActiveProviders            []string                     `json:"activeProviders"`
	CarrierMetadata            map[string]map[string]string `json:"carrierMetadata,omitempty"`
	UpdatedAt                  string                       `json:"updatedAt,omitempty"`
}

func shippingConfigResponse(cfg domain.ShippingConfig) shippingConfigPayload {
	payload := shippingConfigPayload{
		Currency:                   cfg.Currency,
		Origin:                     addressResponse(cfg.Origin),
		LocalDeliveryEnabled:       cfg.LocalDeliveryEnabled,
		LocalRadiusKm:              cfg.LocalRadiusKm,
		LocalBasePriceMinor:        cfg.LocalBasePriceMinor,
		NationalShippingEnabled:    cfg.NationalShippingEnabled,
		NationalFlatRateMinor:      cfg.NationalFlatRateMinor,
		FreeShippingThresholdMinor: cfg.FreeShippingThresholdMinor,
		ActiveProviders:            cfg.ActiveProviders,
		CarrierMetadata:            cfg.CarrierMetadata,
		UpdatedAt:                  formatTime(cfg.UpdatedAt),
	}
	if payload.ActiveProviders == nil {
		payload.ActiveProviders = []string{}
	}
	return payload
}

func (h *ShippingHandlers) getConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipping == nil {
		writeShippingUnavailable(ctx, w)
		return
	}
	cfg, err := h.shipping.GetShippingConfig(ctx, chi.URLParam(r, "storeID"))
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, shippingConfigResponse(cfg))
}

func (h *ShippingHandlers) saveConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipping == nil {
		writeShippingUnavailable(ctx, w)
		return
	}

	var req shippingConfigPayload
	if !decodeJSONBody(ctx, w, r, maxShippingRequestBody, &req) {
		return
	}
	providers := make([]string, 0, len(req.ActiveProviders))
	for _, id := range req.ActiveProviders {
		if id = strings.ToLower(strings.TrimSpace(id)); id != "" {
			providers = append(providers, id)
		}
	}

	saved, err := h.shipping.SaveShippingConfig(ctx, services.SaveShippingConfigCommand{
		Config: domain.ShippingConfig{
			StoreID:                    chi.URLParam(r, "storeID"),
			Currency:                   strings.ToUpper(strings.TrimSpace(req.Currency)),
			Origin:                     optionalAddress(req.Origin),
			LocalDeliveryEnabled:       req.LocalDeliveryEnabled,
			LocalRadiusKm:              req.LocalRadiusKm,
			LocalBasePriceMinor:        req.LocalBasePriceMinor,
			NationalShippingEnabled:    req.NationalShippingEnabled,
			NationalFlatRateMinor:      req.NationalFlatRateMinor,
			FreeShippingThresholdMinor: req.FreeShippingThresholdMinor,
			ActiveProviders:            providers,
			CarrierMetadata:            req.CarrierMetadata,
		},
	})
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, shippingConfigResponse(saved))
}

func writeShippingUnavailable(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("shipping_unavailable", "shipping service unavailable", http.StatusServiceUnavailable))
}

func writeShippingError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrShippingInvalidInput):
		code := "invalid_request"
		if errors.Is(err, shipping.ErrIdempotencyKeyRequired) {
			code = "idempotency_key_required"
		}
		httpx.WriteError(ctx, w, httpx.NewError(code, err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrShippingNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", "shipment or shipping configuration not found", http.StatusNotFound))
	case errors.Is(err, services.ErrShippingNoProvider):
		httpx.WriteError(ctx, w, httpx.NewError("no_shipping_provider", "store has no provider for this delivery class", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrShippingRejected):
		httpx.WriteError(ctx, w, httpx.NewError("carrier_rejected", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrShippingUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("shipping_unavailable", "shipping provider unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("shipping_error", "failed to process shipping request", http.StatusInternalServerError))
	}
}
