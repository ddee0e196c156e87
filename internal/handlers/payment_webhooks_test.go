package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/americana-market/api/internal/commission"
	domain "github.com/americana-market/api/internal/domain"
	"github.com/americana-market/api/internal/payments"
	"github.com/americana-market/api/internal/repositories"
	"github.com/americana-market/api/internal/services"
	"github.com/americana-market/api/internal/webhooks"
)

type paymentWebhookFixture struct {
	router     chi.Router
	source     *stubEventSource
	settlement *stubSettlementService
	queue      *stubReconciliationQueue
}

func newPaymentWebhookFixture(t *testing.T, handle func(context.Context, payments.Notification) (payments.ProviderEvent, error)) *paymentWebhookFixture {
	t.Helper()
	source := &stubEventSource{name: domain.PaymentProviderStripe, handleFn: handle}
	manager, err := payments.NewManager([]payments.SplitProvider{source})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	queue := &stubReconciliationQueue{}
	normalizer, err := webhooks.NewNormalizer(webhooks.NormalizerDeps{
		Commission:     commission.MustParse("0.10"),
		Reconciliation: queue,
		IDGenerator:    func() string { return "evt-internal" },
	})
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}
	settlement := &stubSettlementService{}
	received := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	h := NewPaymentWebhookHandlers(normalizer, settlement, manager,
		WithPaymentWebhookClock(func() time.Time { return received }),
		WithPaymentWebhookRetryAfter(45*time.Second),
	)
	router := chi.NewRouter()
	router.Route("/webhooks", h.Routes)
	return &paymentWebhookFixture{router: router, source: source, settlement: settlement, queue: queue}
}

func (f *paymentWebhookFixture) post(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func paymentSucceeded(id string) payments.ProviderEvent {
	return payments.ProviderEvent{
		Provider:         domain.PaymentProviderStripe,
		ID:               id,
		Type:             "payment_intent.succeeded",
		Kind:             domain.SettlementPaymentSucceeded,
		StoreID:          "store-1",
		OrderID:          "ord-1",
		Currency:         "mxn",
		GrossMinor:       10000,
		PaymentReference: "pi_1",
	}
}

func decodeAck(t *testing.T, rr *httptest.ResponseRecorder) webhookAckResponse {
	t.Helper()
	var ack webhookAckResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v (%s)", err, rr.Body.String())
	}
	return ack
}

func TestPaymentWebhookHandlersAppliesNormalizedEvent(t *testing.T) {
	f := newPaymentWebhookFixture(t, func(context.Context, payments.Notification) (payments.ProviderEvent, error) {
		return paymentSucceeded("evt_1"), nil
	})

	rr := f.post("/webhooks/payments/stripe", `{"id":"evt_1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	ack := decodeAck(t, rr)
	if ack.Status != "applied" || ack.State != string(webhooks.StateNormalized) || ack.EventID != "evt_1" || ack.Provider != "stripe" {
		t.Fatalf("unexpected ack %+v", ack)
	}

	if len(f.settlement.applied) != 1 {
		t.Fatalf("expected one applied event, got %d", len(f.settlement.applied))
	}
	event := f.settlement.applied[0]
	if event.PlatformFeeMinor != 1000 || event.NetMinor != 9000 || event.Currency != "MXN" {
		t.Fatalf("unexpected settlement event %+v", event)
	}

	note := f.source.notes[0]
	if string(note.Payload) != `{"id":"evt_1"}` || note.Headers.Get("Stripe-Signature") == "" {
		t.Fatalf("notification not forwarded intact: %+v", note)
	}
	if !note.ReceivedAt.Equal(time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected receive time %s", note.ReceivedAt)
	}
}

func TestPaymentWebhookHandlersApplyResults(t *testing.T) {
	cases := []struct {
		name   string
		result services.ApplyResult
		status string
		reason string
	}{
		{name: "duplicate", result: services.ApplyResult{Duplicate: true}, status: "duplicate"},
		{name: "stale", result: services.ApplyResult{SkipReason: repositories.SettlementSkipStale}, status: "skipped", reason: "stale_transition"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newPaymentWebhookFixture(t, func(context.Context, payments.Notification) (payments.ProviderEvent, error) {
				return paymentSucceeded("evt_2"), nil
			})
			f.settlement.applyFn = func(context.Context, services.SettlementEvent) (services.ApplyResult, error) {
				return tc.result, nil
			}
			rr := f.post("/webhooks/payments/stripe", `{}`)
			ack := decodeAck(t, rr)
			if rr.Code != http.StatusOK || ack.Status != tc.status || ack.Reason != tc.reason {
				t.Fatalf("unexpected response %d %+v", rr.Code, ack)
			}
		})
	}
}

func TestPaymentWebhookHandlersBadSignature(t *testing.T) {
	f := newPaymentWebhookFixture(t, func(context.Context, payments.Notification) (payments.ProviderEvent, error) {
		return payments.ProviderEvent{}, fmt.Errorf("%w: signature mismatch", payments.ErrEventUnauthenticated)
	})

	rr := f.post("/webhooks/payments/stripe", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if len(f.settlement.applied) != 0 {
		t.Fatalf("unauthenticated notification must not be applied")
	}
}

func TestPaymentWebhookHandlersAcknowledgesUnrecognizedType(t *testing.T) {
	f := newPaymentWebhookFixture(t, func(context.Context, payments.Notification) (payments.ProviderEvent, error) {
		return payments.ProviderEvent{ID: "evt_3", Type: "customer.created", Kind: payments.KindUnrecognized}, nil
	})

	rr := f.post("/webhooks/payments/stripe", `{}`)
	ack := decodeAck(t, rr)
	if rr.Code != http.StatusOK || ack.Status != "acknowledged" || ack.State != string(webhooks.StateRejectedUnrecognizedType) {
		t.Fatalf("unexpected response %d %+v", rr.Code, ack)
	}
	if len(f.settlement.applied) != 0 {
		t.Fatalf("unrecognized notification must not be applied")
	}
}

func TestPaymentWebhookHandlersCorrelationFailureIsQueued(t *testing.T) {
	f := newPaymentWebhookFixture(t, func(context.Context, payments.Notification) (payments.ProviderEvent, error) {
		pe := paymentSucceeded("evt_4")
		pe.OrderID = ""
		return pe, nil
	})

	rr := f.post("/webhooks/payments/stripe", `{}`)
	ack := decodeAck(t, rr)
	if rr.Code != http.StatusOK || ack.State != string(webhooks.StateCorrelationFailed) {
		t.Fatalf("unexpected response %d %+v", rr.Code, ack)
	}
	if len(f.queue.items) != 1 || f.queue.items[0].ProviderEventID != "evt_4" {
		t.Fatalf("expected reconciliation item, got %+v", f.queue.items)
	}
}

func TestPaymentWebhookHandlersReconciliationOutageAsksForRedelivery(t *testing.T) {
	f := newPaymentWebhookFixture(t, func(context.Context, payments.Notification) (payments.ProviderEvent, error) {
		pe := paymentSucceeded("evt_5")
		pe.StoreID = ""
		return pe, nil
	})
	f.queue.err = errors.New("firestore unavailable")

	rr := f.post("/webhooks/payments/stripe", `{}`)
	if rr.Code != http.StatusServiceUnavailable || rr.Header().Get("Retry-After") != "45" {
		t.Fatalf("expected 503 with Retry-After, got %d %q", rr.Code, rr.Header().Get("Retry-After"))
	}
}

func TestPaymentWebhookHandlersApplyFailureAsksForRedelivery(t *testing.T) {
	f := newPaymentWebhookFixture(t, func(context.Context, payments.Notification) (payments.ProviderEvent, error) {
		return paymentSucceeded("evt_6"), nil
	})
	f.settlement.applyFn = func(context.Context, services.SettlementEvent) (services.ApplyResult, error) {
		return services.ApplyResult{}, fmt.Errorf("%w: transaction aborted", services.ErrSettlementUnavailable)
	}

	rr := f.post("/webhooks/payments/stripe", `{}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	if body["error"] != "settlement_failed" || rr.Header().Get("Retry-After") != "45" {
		t.Fatalf("unexpected error body %v", body)
	}
	if len(f.settlement.recorded) != 0 {
		t.Fatalf("transient failure must not be set aside")
	}
}

func TestPaymentWebhookHandlersInvalidEventIsSetAside(t *testing.T) {
	f := newPaymentWebhookFixture(t, func(context.Context, payments.Notification) (payments.ProviderEvent, error) {
		return paymentSucceeded("evt_7"), nil
	})
	f.settlement.applyFn = func(context.Context, services.SettlementEvent) (services.ApplyResult, error) {
		return services.ApplyResult{}, fmt.Errorf("%w: currency mismatch", services.ErrSettlementInvalidEvent)
	}

	rr := f.post("/webhooks/payments/stripe", `{}`)
	ack := decodeAck(t, rr)
	if rr.Code != http.StatusOK || ack.Status != "reconciliation" || ack.Reason != "invalid_event" {
		t.Fatalf("unexpected response %d %+v", rr.Code, ack)
	}
	if len(f.settlement.recorded) != 1 || f.settlement.recorded[0].ProviderEventID != "evt_7" {
		t.Fatalf("expected event to be recorded for reconciliation, got %+v", f.settlement.recorded)
	}
}

func TestPaymentWebhookHandlersInvalidEventWithoutQueueIsRetried(t *testing.T) {
	f := newPaymentWebhookFixture(t, func(context.Context, payments.Notification) (payments.ProviderEvent, error) {
		return paymentSucceeded("evt_8"), nil
	})
	f.settlement.applyFn = func(context.Context, services.SettlementEvent) (services.ApplyResult, error) {
		return services.ApplyResult{}, services.ErrSettlementInvalidEvent
	}
	f.settlement.recordFn = func(context.Context, services.ReconciliationItem) error {
		return errors.New("queue down")
	}

	rr := f.post("/webhooks/payments/stripe", `{}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the event cannot be set aside, got %d", rr.Code)
	}
}

func TestPaymentWebhookHandlersNegativeGrossIsAcknowledged(t *testing.T) {
	f := newPaymentWebhookFixture(t, func(context.Context, payments.Notification) (payments.ProviderEvent, error) {
		pe := paymentSucceeded("evt_9")
		pe.GrossMinor = -500
		return pe, nil
	})

	rr := f.post("/webhooks/payments/stripe", `{}`)
	ack := decodeAck(t, rr)
	if rr.Code != http.StatusOK || ack.State != string(webhooks.StateInvalidEvent) || ack.Status != "reconciliation" || ack.Reason != "invalid_event" {
		t.Fatalf("unexpected response %d %+v", rr.Code, ack)
	}
	if len(f.queue.items) != 1 || f.queue.items[0].ProviderEventID != "evt_9" {
		t.Fatalf("expected reconciliation item, got %+v", f.queue.items)
	}
	if len(f.settlement.applied) != 0 {
		t.Fatalf("invalid event must not be applied")
	}
}

func TestPaymentWebhookHandlersUnknownProvider(t *testing.T) {
	f := newPaymentWebhookFixture(t, func(context.Context, payments.Notification) (payments.ProviderEvent, error) {
		t.Fatalf("source must not be called")
		return payments.ProviderEvent{}, nil
	})

	rr := f.post("/webhooks/payments/paypal", `{}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestPaymentWebhookHandlersUnavailableWithoutDependencies(t *testing.T) {
	h := NewPaymentWebhookHandlers(nil, nil, nil)
	router := chi.NewRouter()
	router.Route("/webhooks", h.Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/payments/stripe", strings.NewReader(`{}`)))
	if rr.Code != http.StatusServiceUnavailable || rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 503 with Retry-After, got %d", rr.Code)
	}
}
