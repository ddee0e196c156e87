package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/americana-market/api/internal/platform/auth"
	"github.com/americana-market/api/internal/platform/httpx"
	"github.com/americana-market/api/internal/platform/requestctx"
	"github.com/americana-market/api/internal/services"
	"github.com/americana-market/api/internal/shipping"
)

const maxTrackingWebhookBody = 64 * 1024

// ShippingWebhookHandlers accepts signed tracking pushes from carriers.
type ShippingWebhookHandlers struct {
	validator *auth.HMACValidator
	shipping  services.ShippingService
	secrets   map[string]string
}

// NewShippingWebhookHandlers constructs the carrier webhook endpoint. secrets maps a provider id
// to the name of the secret its callbacks are signed with; providers without an entry are
// rejected.
func NewShippingWebhookHandlers(validator *auth.HMACValidator, svc services.ShippingService, secrets map[string]string) *ShippingWebhookHandlers {
	normalized := make(map[string]string, len(secrets))
	for provider, secret := range secrets {
		provider = strings.ToLower(strings.TrimSpace(provider))
		if provider != "" && strings.TrimSpace(secret) != "" {
			normalized[provider] = strings.TrimSpace(secret)
		}
	}
	return &ShippingWebhookHandlers{validator: validator, shipping: svc, secrets: normalized}
}

// Routes registers /shipping/{provider} under the webhook group.
func (h *ShippingWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.validator == nil {
		r.Post("/shipping/{provider}", func(w http.ResponseWriter, req *http.Request) {
			httpx.WriteError(req.Context(), w, httpx.NewError("verification_unavailable", "carrier webhook verification not configured", http.StatusServiceUnavailable))
		})
		return
	}
	r.With(h.validator.RequireSignature(h.resolveSecret)).Post("/shipping/{provider}", h.trackingUpdate)
}

func (h *ShippingWebhookHandlers) resolveSecret(r *http.Request) (string, bool) {
	secret, ok := h.secrets[strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))]
	return secret, ok
}

type trackingUpdateRequest struct {
	TrackingNumber string `json:"trackingNumber"`
	Status         string `json:"status"`
	Location       string `json:"location"`
	Description    string `json:"description"`
	OccurredAt     string `json:"occurredAt"`
}

type trackingUpdateResponse struct {
	ShipmentID string `json:"shipmentId"`
	Status     string `json:"status"`
}

func (h *ShippingWebhookHandlers) trackingUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipping == nil {
		writeShippingUnavailable(ctx, w)
		return
	}

	var req trackingUpdateRequest
	if !decodeJSONBody(ctx, w, r, maxTrackingWebhookBody, &req) {
		return
	}
	occurred, ok := parseOptionalTime(req.OccurredAt)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "occurredAt must be RFC3339", http.StatusBadRequest))
		return
	}

	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	requestctx.SetProvider(ctx, provider)
	shipment, err := h.shipping.ApplyTrackingUpdate(ctx, services.TrackingUpdate{
		ProviderID:     provider,
		TrackingNumber: strings.TrimSpace(req.TrackingNumber),
		Status:         shipping.PushedTrackingStatus(provider, req.Status),
		Location:       req.Location,
		Description:    req.Description,
		OccurredAt:     occurred,
	})
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}
	requestctx.SetStoreID(ctx, shipment.StoreID)
	requestctx.SetOrderID(ctx, shipment.OrderID)
	writeJSONResponse(w, http.StatusOK, trackingUpdateResponse{
		ShipmentID: shipment.ID,
		Status:     string(shipment.Tracking.Status),
	})
}
