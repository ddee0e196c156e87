// Package webhooks turns authenticated provider notifications into settlement events.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/americana-market/api/internal/commission"
	"github.com/americana-market/api/internal/domain"
	"github.com/americana-market/api/internal/payments"
)

// State is a step of the normalization state machine.
type State string

const (
	StateReceived                 State = "received"
	StateAuthenticated            State = "authenticated"
	StateClassified               State = "classified"
	StateNormalized               State = "normalized"
	StateRejectedBadSignature     State = "rejected_bad_signature"
	StateRejectedUnrecognizedType State = "rejected_unrecognized_type"
	StateCorrelationFailed        State = "correlation_failed"
	// StateInvalidEvent marks an authenticated event whose amounts can never be settled. It is
	// queued for reconciliation and acknowledged.
	StateInvalidEvent State = "invalid_event"
	// StateFailed covers transient failures such as a provider lookup timing out. The provider
	// is asked to redeliver.
	StateFailed State = "failed"
)

// Terminal reports whether the state ends processing.
func (s State) Terminal() bool {
	switch s {
	case StateNormalized, StateRejectedBadSignature, StateRejectedUnrecognizedType, StateCorrelationFailed, StateInvalidEvent, StateFailed:
		return true
	}
	return false
}

// CorrelationError is raised when an authenticated event cannot be tied to a store or order.
type CorrelationError struct {
	Provider  domain.PaymentProvider
	EventID   string
	EventType string
	Missing   []string
}

func (e *CorrelationError) Error() string {
	return fmt.Sprintf("webhooks: %s event %s (%s) missing correlation tags: %s",
		e.Provider, e.EventID, e.EventType, strings.Join(e.Missing, ", "))
}

// EventSource authenticates and classifies raw notifications. Every payments.SplitProvider is one.
type EventSource interface {
	Name() domain.PaymentProvider
	HandleProviderEvent(ctx context.Context, n payments.Notification) (payments.ProviderEvent, error)
}

// EventLog records every inbound notification.
type EventLog interface {
	RecordWebhookEvent(ctx context.Context, record domain.WebhookEventRecord) error
}

// ReconciliationQueue stores events that need manual matching.
type ReconciliationQueue interface {
	Enqueue(ctx context.Context, item domain.ReconciliationItem) error
}

// Outcome is the result of normalizing one notification.
type Outcome struct {
	State         State
	Trail         []State
	Event         *domain.SettlementEvent
	ProviderEvent *payments.ProviderEvent
	FeeMismatch   bool
	Err           error
}

// HTTPStatus is the status the webhook endpoint should answer with when processing stops at this
// outcome. Normalized events are only acknowledged after they have been applied.
func (o Outcome) HTTPStatus() int {
	switch o.State {
	case StateRejectedBadSignature:
		return http.StatusBadRequest
	case StateRejectedUnrecognizedType, StateCorrelationFailed, StateInvalidEvent, StateNormalized:
		return http.StatusOK
	default:
		return http.StatusServiceUnavailable
	}
}

func (o *Outcome) advance(state State) {
	o.State = state
	o.Trail = append(o.Trail, state)
}

// NormalizerDeps wires the normalizer collaborators.
type NormalizerDeps struct {
	Commission     commission.Engine
	EventLog       EventLog
	Reconciliation ReconciliationQueue
	IDGenerator    func() string
	Clock          func() time.Time
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

// Normalizer drives notifications through received, authenticated, classified and normalized.
type Normalizer struct {
	engine         commission.Engine
	eventLog       EventLog
	reconciliation ReconciliationQueue
	newID          func() string
	now            func() time.Time
	logger         func(context.Context, string, map[string]any)
}

// NewNormalizer constructs a Normalizer.
func NewNormalizer(deps NormalizerDeps) (*Normalizer, error) {
	if deps.Reconciliation == nil {
		return nil, errors.New("webhook normalizer: reconciliation queue is required")
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Normalizer{
		engine:         deps.Commission,
		eventLog:       deps.EventLog,
		reconciliation: deps.Reconciliation,
		newID:          idGen,
		now:            func() time.Time { return clock().UTC() },
		logger:         logger,
	}, nil
}

// Normalize authenticates, classifies, correlates and normalizes a notification.
func (n *Normalizer) Normalize(ctx context.Context, source EventSource, note payments.Notification) Outcome {
	out := Outcome{}
	out.advance(StateReceived)
	if note.ReceivedAt.IsZero() {
		note.ReceivedAt = n.now()
	}
	provider := source.Name()

	pe, err := source.HandleProviderEvent(ctx, note)
	if err != nil {
		out.Err = err
		if errors.Is(err, payments.ErrEventUnauthenticated) {
			out.advance(StateRejectedBadSignature)
			n.logger(ctx, "webhooks.rejected", map[string]any{
				"provider": string(provider),
				"error":    err.Error(),
			})
		} else {
			out.advance(StateFailed)
			n.logger(ctx, "webhooks.failed", map[string]any{
				"provider": string(provider),
				"error":    err.Error(),
				"severity": "error",
			})
		}
		n.record(ctx, provider, note, payments.ProviderEvent{}, out)
		return out
	}
	out.ProviderEvent = &pe
	out.advance(StateAuthenticated)

	if !pe.Recognized() {
		out.advance(StateRejectedUnrecognizedType)
		n.logger(ctx, "webhooks.unrecognized", map[string]any{
			"provider":  string(provider),
			"eventId":   pe.ID,
			"eventType": pe.Type,
		})
		n.record(ctx, provider, note, pe, out)
		return out
	}
	out.advance(StateClassified)

	if missing := missingTags(pe); len(missing) > 0 {
		corrErr := &CorrelationError{Provider: provider, EventID: pe.ID, EventType: pe.Type, Missing: missing}
		out.Err = corrErr
		n.logger(ctx, "webhooks.correlation_failed", map[string]any{
			"provider":  string(provider),
			"eventId":   pe.ID,
			"eventType": pe.Type,
			"missing":   missing,
			"severity":  "error",
		})
		if err := n.setAside(ctx, provider, pe, corrErr.Error()); err != nil {
			// without a reconciliation record the event must be redelivered
			out.Err = errors.Join(corrErr, err)
			out.advance(StateFailed)
		} else {
			out.advance(StateCorrelationFailed)
		}
		n.record(ctx, provider, note, pe, out)
		return out
	}

	event, mismatch, err := n.settlementEvent(ctx, provider, pe)
	if err != nil {
		out.Err = err
		if !errors.Is(err, commission.ErrInvalidAmount) {
			out.advance(StateFailed)
			n.record(ctx, provider, note, pe, out)
			return out
		}
		n.logger(ctx, "webhooks.invalid_event", map[string]any{
			"provider":   string(provider),
			"eventId":    pe.ID,
			"orderId":    pe.OrderID,
			"grossMinor": pe.GrossMinor,
			"severity":   "error",
		})
		if qerr := n.setAside(ctx, provider, pe, "invalid_event: "+err.Error()); qerr != nil {
			out.Err = errors.Join(err, qerr)
			out.advance(StateFailed)
		} else {
			out.advance(StateInvalidEvent)
		}
		n.record(ctx, provider, note, pe, out)
		return out
	}
	out.Event = &event
	out.FeeMismatch = mismatch
	out.advance(StateNormalized)
	n.record(ctx, provider, note, pe, out)
	return out
}

func (n *Normalizer) settlementEvent(ctx context.Context, provider domain.PaymentProvider, pe payments.ProviderEvent) (domain.SettlementEvent, bool, error) {
	event := domain.SettlementEvent{
		ID:               n.newID(),
		Provider:         provider,
		ProviderEventID:  pe.ID,
		Kind:             pe.Kind,
		OrderID:          pe.OrderID,
		StoreID:          pe.StoreID,
		RawStatus:        pe.RawStatus,
		PaymentReference: pe.PaymentReference,
		Account:          pe.Account,
		OccurredAt:       pe.OccurredAt,
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = n.now()
	}
	if pe.Kind == domain.SettlementAccountUpdated {
		return event, false, nil
	}

	if currency, err := domain.NormalizeCurrency(pe.Currency); err == nil {
		event.Currency = currency
	} else if pe.Currency != "" {
		event.Currency = strings.ToUpper(strings.TrimSpace(pe.Currency))
		n.logger(ctx, "webhooks.unknown_currency", map[string]any{
			"provider": string(provider),
			"eventId":  pe.ID,
			"currency": pe.Currency,
		})
	}

	breakdown, err := n.engine.Split(pe.GrossMinor)
	if err != nil {
		return domain.SettlementEvent{}, false, err
	}
	event.GrossMinor = breakdown.GrossMinor
	event.PlatformFeeMinor = breakdown.FeeMinor
	event.NetMinor = breakdown.NetMinor

	mismatch := false
	if pe.ReportedFeeMinor != nil && pe.Kind == domain.SettlementPaymentSucceeded {
		if err := n.engine.Verify(breakdown, *pe.ReportedFeeMinor); err != nil {
			mismatch = true
			n.logger(ctx, "webhooks.fee_mismatch", map[string]any{
				"provider":       string(provider),
				"eventId":        pe.ID,
				"orderId":        pe.OrderID,
				"computedFee":    breakdown.FeeMinor,
				"reportedFee":    *pe.ReportedFeeMinor,
				"reconciliation": true,
			})
		}
	}
	return event, mismatch, nil
}

// setAside queues an authenticated event that cannot be settled automatically.
func (n *Normalizer) setAside(ctx context.Context, provider domain.PaymentProvider, pe payments.ProviderEvent, reason string) error {
	err := n.reconciliation.Enqueue(ctx, domain.ReconciliationItem{
		ID:              n.newID(),
		Provider:        provider,
		ProviderEventID: pe.ID,
		EventType:       pe.Type,
		Reason:          reason,
		Payload:         reconciliationPayload(pe),
		CreatedAt:       n.now(),
	})
	if err != nil {
		return fmt.Errorf("webhooks: enqueue reconciliation: %w", err)
	}
	return nil
}

func (n *Normalizer) record(ctx context.Context, provider domain.PaymentProvider, note payments.Notification, pe payments.ProviderEvent, out Outcome) {
	if n.eventLog == nil {
		return
	}
	record := domain.WebhookEventRecord{
		ID:              n.newID(),
		Provider:        provider,
		ProviderEventID: pe.ID,
		EventType:       pe.Type,
		State:           string(out.State),
		SignatureValid:  out.State != StateRejectedBadSignature && out.ProviderEvent != nil,
		ReceivedAt:      note.ReceivedAt,
	}
	if out.Err != nil {
		record.ProcessingError = out.Err.Error()
	}
	if err := n.eventLog.RecordWebhookEvent(ctx, record); err != nil {
		n.logger(ctx, "webhooks.event_log_failed", map[string]any{
			"provider": string(provider),
			"eventId":  pe.ID,
			"error":    err.Error(),
		})
	}
}

func missingTags(pe payments.ProviderEvent) []string {
	var missing []string
	if pe.Kind.RequiresOrder() && strings.TrimSpace(pe.OrderID) == "" {
		missing = append(missing, "orderId")
	}
	if strings.TrimSpace(pe.StoreID) == "" {
		missing = append(missing, "storeId")
	}
	return missing
}

func reconciliationPayload(pe payments.ProviderEvent) map[string]any {
	payload := map[string]any{
		"kind":             string(pe.Kind),
		"orderId":          pe.OrderID,
		"storeId":          pe.StoreID,
		"currency":         pe.Currency,
		"grossMinor":       pe.GrossMinor,
		"rawStatus":        pe.RawStatus,
		"paymentReference": pe.PaymentReference,
	}
	if pe.Account != nil {
		payload["externalAccountId"] = pe.Account.ExternalAccountID
	}
	return payload
}
