package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/americana-market/api/internal/domain"
	"github.com/americana-market/api/internal/payments"
	"github.com/americana-market/api/internal/platform/httpx"
	"github.com/americana-market/api/internal/platform/requestctx"
	"github.com/americana-market/api/internal/services"
	"github.com/americana-market/api/internal/webhooks"
)

const (
	maxWebhookBody          = 256 * 1024
	defaultWebhookRetryHint = 30 * time.Second
)

type webhookNormalizer interface {
	Normalize(ctx context.Context, source webhooks.EventSource, note payments.Notification) webhooks.Outcome
}

type eventSourceResolver interface {
	Provider(name string) (payments.SplitProvider, error)
}

// PaymentWebhookHandlers receives payment processor notifications. A notification is
// acknowledged only once its settlement effect is durable, or when it was deliberately set aside
// for reconciliation.
type PaymentWebhookHandlers struct {
	normalizer webhookNormalizer
	settlement services.SettlementService
	sources    eventSourceResolver
	now        func() time.Time
	retryAfter time.Duration
}

// PaymentWebhookOption customises PaymentWebhookHandlers.
type PaymentWebhookOption func(*PaymentWebhookHandlers)

// WithPaymentWebhookClock overrides the receive clock.
func WithPaymentWebhookClock(now func() time.Time) PaymentWebhookOption {
	return func(h *PaymentWebhookHandlers) {
		if now != nil {
			h.now = now
		}
	}
}

// WithPaymentWebhookRetryAfter sets the Retry-After hint sent with 503 responses.
func WithPaymentWebhookRetryAfter(d time.Duration) PaymentWebhookOption {
	return func(h *PaymentWebhookHandlers) {
		if d > 0 {
			h.retryAfter = d
		}
	}
}

// NewPaymentWebhookHandlers constructs the payment webhook endpoint.
func NewPaymentWebhookHandlers(normalizer webhookNormalizer, settlement services.SettlementService, sources eventSourceResolver, opts ...PaymentWebhookOption) *PaymentWebhookHandlers {
	h := &PaymentWebhookHandlers{
		normalizer: normalizer,
		settlement: settlement,
		sources:    sources,
		now:        time.Now,
		retryAfter: defaultWebhookRetryHint,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers /payments/{provider} under the webhook group.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/{provider}", h.receive)
}

type webhookAckResponse struct {
	Status   string `json:"status"`
	State    string `json:"state"`
	EventID  string `json:"eventId,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Provider string `json:"provider"`
}

func (h *PaymentWebhookHandlers) receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.normalizer == nil || h.settlement == nil || h.sources == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhooks_unavailable", "webhook processing unavailable", http.StatusServiceUnavailable).WithRetryAfter(h.retryAfter))
		return
	}

	name := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	requestctx.SetProvider(ctx, name)
	source, err := h.sources.Provider(name)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("unknown_provider", "no payment provider registered under this path", http.StatusNotFound))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBody)
	if err != nil && !errors.Is(err, errEmptyBody) {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	outcome := h.normalizer.Normalize(ctx, source, payments.Notification{
		Payload:    body,
		Headers:    r.Header.Clone(),
		Query:      r.URL.Query(),
		ReceivedAt: h.now().UTC(),
	})

	recordEventScope(ctx, outcome)
	provider := string(source.Name())
	switch outcome.HTTPStatus() {
	case http.StatusBadRequest:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "notification could not be authenticated", http.StatusBadRequest))
		return
	case http.StatusServiceUnavailable:
		httpx.WriteError(ctx, w, httpx.NewError("webhook_failed", "notification could not be processed", http.StatusServiceUnavailable).WithRetryAfter(h.retryAfter))
		return
	}

	resp := webhookAckResponse{
		Status:   "acknowledged",
		State:    string(outcome.State),
		Provider: provider,
	}
	if outcome.ProviderEvent != nil {
		resp.EventID = outcome.ProviderEvent.ID
	}
	if outcome.State == webhooks.StateInvalidEvent {
		resp.Status = "reconciliation"
		resp.Reason = "invalid_event"
	}
	if outcome.State != webhooks.StateNormalized || outcome.Event == nil {
		writeJSONResponse(w, http.StatusOK, resp)
		return
	}

	result, err := h.settlement.Apply(ctx, *outcome.Event)
	if err != nil {
		if errors.Is(err, services.ErrSettlementInvalidEvent) && h.setAside(ctx, *outcome.Event, err) {
			resp.Status = "reconciliation"
			resp.Reason = "invalid_event"
			writeJSONResponse(w, http.StatusOK, resp)
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("settlement_failed", "settlement could not be applied", http.StatusServiceUnavailable).WithRetryAfter(h.retryAfter))
		return
	}

	switch {
	case result.Duplicate:
		resp.Status = "duplicate"
	case result.Applied:
		resp.Status = "applied"
	default:
		resp.Status = "skipped"
		resp.Reason = string(result.SkipReason)
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

// setAside stores an event that can never be applied so that the provider stops redelivering it.
func (h *PaymentWebhookHandlers) setAside(ctx context.Context, event domain.SettlementEvent, cause error) bool {
	err := h.settlement.RecordCorrelationFailure(ctx, domain.ReconciliationItem{
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       string(event.Kind),
		Reason:          cause.Error(),
		Payload: map[string]any{
			"orderId":    event.OrderID,
			"storeId":    event.StoreID,
			"grossMinor": event.GrossMinor,
			"rawStatus":  event.RawStatus,
		},
	})
	return err == nil
}

func recordEventScope(ctx context.Context, outcome webhooks.Outcome) {
	switch {
	case outcome.Event != nil:
		requestctx.SetStoreID(ctx, outcome.Event.StoreID)
		requestctx.SetOrderID(ctx, outcome.Event.OrderID)
	case outcome.ProviderEvent != nil:
		requestctx.SetStoreID(ctx, outcome.ProviderEvent.StoreID)
		requestctx.SetOrderID(ctx, outcome.ProviderEvent.OrderID)
	}
}
