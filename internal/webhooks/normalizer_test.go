package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/americana-market/api/internal/commission"
	"github.com/americana-market/api/internal/domain"
	"github.com/americana-market/api/internal/payments"
)

type stubSource struct {
	name   domain.PaymentProvider
	handle func(ctx context.Context, n payments.Notification) (payments.ProviderEvent, error)
}

func (s stubSource) Name() domain.PaymentProvider { return s.name }

func (s stubSource) HandleProviderEvent(ctx context.Context, n payments.Notification) (payments.ProviderEvent, error) {
	return s.handle(ctx, n)
}

type stubEventLog struct {
	records []domain.WebhookEventRecord
	err     error
}

func (l *stubEventLog) RecordWebhookEvent(_ context.Context, record domain.WebhookEventRecord) error {
	l.records = append(l.records, record)
	return l.err
}

type stubQueue struct {
	items []domain.ReconciliationItem
	err   error
}

func (q *stubQueue) Enqueue(_ context.Context, item domain.ReconciliationItem) error {
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, item)
	return nil
}

type recordedLog struct {
	event  string
	fields map[string]any
}

func newNormalizerForTest(t *testing.T, eventLog *stubEventLog, queue *stubQueue) (*Normalizer, *[]recordedLog) {
	t.Helper()
	var logs []recordedLog
	seq := 0
	n, err := NewNormalizer(NormalizerDeps{
		Commission:     commission.MustParse("0.10"),
		EventLog:       eventLog,
		Reconciliation: queue,
		IDGenerator: func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		},
		Clock: func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
		Logger: func(_ context.Context, event string, fields map[string]any) {
			logs = append(logs, recordedLog{event: event, fields: fields})
		},
	})
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}
	return n, &logs
}

func sourceReturning(pe payments.ProviderEvent, err error) stubSource {
	return stubSource{
		name: domain.PaymentProviderStripe,
		handle: func(context.Context, payments.Notification) (payments.ProviderEvent, error) {
			return pe, err
		},
	}
}

func succeededEvent() payments.ProviderEvent {
	return payments.ProviderEvent{
		Provider:         domain.PaymentProviderStripe,
		ID:               "evt_1",
		Type:             "payment_intent.succeeded",
		Kind:             domain.SettlementPaymentSucceeded,
		StoreID:          "store-1",
		OrderID:          "order-1",
		Currency:         "mxn",
		GrossMinor:       1000,
		RawStatus:        "succeeded",
		PaymentReference: "pi_1",
	}
}

func TestNormalizeHappyPath(t *testing.T) {
	eventLog := &stubEventLog{}
	n, _ := newNormalizerForTest(t, eventLog, &stubQueue{})

	out := n.Normalize(context.Background(), sourceReturning(succeededEvent(), nil), payments.Notification{Payload: []byte("{}")})

	if out.State != StateNormalized {
		t.Fatalf("expected normalized, got %s (%v)", out.State, out.Err)
	}
	wantTrail := []State{StateReceived, StateAuthenticated, StateClassified, StateNormalized}
	if fmt.Sprint(out.Trail) != fmt.Sprint(wantTrail) {
		t.Fatalf("unexpected trail %v", out.Trail)
	}
	ev := out.Event
	if ev == nil {
		t.Fatalf("expected settlement event")
	}
	if ev.GrossMinor != 1000 || ev.PlatformFeeMinor != 100 || ev.NetMinor != 900 {
		t.Fatalf("unexpected amounts %+v", ev)
	}
	if ev.Currency != "MXN" {
		t.Fatalf("expected normalized currency, got %q", ev.Currency)
	}
	if ev.DedupeKey() != "stripe:evt_1" {
		t.Fatalf("unexpected dedupe key %q", ev.DedupeKey())
	}
	if out.HTTPStatus() != http.StatusOK {
		t.Fatalf("expected 200, got %d", out.HTTPStatus())
	}
	if len(eventLog.records) != 1 || eventLog.records[0].State != string(StateNormalized) || !eventLog.records[0].SignatureValid {
		t.Fatalf("unexpected event log %+v", eventLog.records)
	}
}

func TestNormalizeBadSignature(t *testing.T) {
	eventLog := &stubEventLog{}
	n, _ := newNormalizerForTest(t, eventLog, &stubQueue{})

	err := fmt.Errorf("%w: signature mismatch", payments.ErrEventUnauthenticated)
	out := n.Normalize(context.Background(), sourceReturning(payments.ProviderEvent{}, err), payments.Notification{})

	if out.State != StateRejectedBadSignature {
		t.Fatalf("expected rejected_bad_signature, got %s", out.State)
	}
	if out.HTTPStatus() != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", out.HTTPStatus())
	}
	if out.Event != nil {
		t.Fatalf("no settlement event expected")
	}
	if len(eventLog.records) != 1 || eventLog.records[0].SignatureValid {
		t.Fatalf("expected invalid signature record, got %+v", eventLog.records)
	}
}

func TestNormalizeTransientFailure(t *testing.T) {
	n, _ := newNormalizerForTest(t, &stubEventLog{}, &stubQueue{})

	out := n.Normalize(context.Background(), sourceReturning(payments.ProviderEvent{}, errors.New("lookup timeout")), payments.Notification{})

	if out.State != StateFailed {
		t.Fatalf("expected failed, got %s", out.State)
	}
	if out.HTTPStatus() != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", out.HTTPStatus())
	}
}

func TestNormalizeUnrecognizedType(t *testing.T) {
	n, logs := newNormalizerForTest(t, &stubEventLog{}, &stubQueue{})

	pe := payments.ProviderEvent{ID: "evt_2", Type: "customer.created", Kind: payments.KindUnrecognized}
	out := n.Normalize(context.Background(), sourceReturning(pe, nil), payments.Notification{})

	if out.State != StateRejectedUnrecognizedType {
		t.Fatalf("expected rejected_unrecognized_type, got %s", out.State)
	}
	if out.HTTPStatus() != http.StatusOK {
		t.Fatalf("expected 200 acknowledgement, got %d", out.HTTPStatus())
	}
	if len(*logs) == 0 || (*logs)[0].event != "webhooks.unrecognized" {
		t.Fatalf("expected unrecognized log, got %+v", *logs)
	}
}

func TestNormalizeMissingCorrelationTags(t *testing.T) {
	queue := &stubQueue{}
	n, logs := newNormalizerForTest(t, &stubEventLog{}, queue)

	pe := succeededEvent()
	pe.StoreID = ""
	pe.OrderID = ""
	out := n.Normalize(context.Background(), sourceReturning(pe, nil), payments.Notification{})

	if out.State != StateCorrelationFailed {
		t.Fatalf("expected correlation_failed, got %s", out.State)
	}
	var corrErr *CorrelationError
	if !errors.As(out.Err, &corrErr) {
		t.Fatalf("expected CorrelationError, got %v", out.Err)
	}
	if len(corrErr.Missing) != 2 {
		t.Fatalf("expected both tags missing, got %v", corrErr.Missing)
	}
	if out.Event != nil {
		t.Fatalf("order must not be touched without correlation")
	}
	if len(queue.items) != 1 || queue.items[0].ProviderEventID != "evt_1" {
		t.Fatalf("expected reconciliation item, got %+v", queue.items)
	}
	found := false
	for _, entry := range *logs {
		if entry.event == "webhooks.correlation_failed" && entry.fields["severity"] == "error" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected error-level correlation log")
	}
	if out.HTTPStatus() != http.StatusOK {
		t.Fatalf("expected 200, got %d", out.HTTPStatus())
	}
}

func TestNormalizeCorrelationEnqueueFailureIsTransient(t *testing.T) {
	n, _ := newNormalizerForTest(t, &stubEventLog{}, &stubQueue{err: errors.New("firestore down")})

	pe := succeededEvent()
	pe.OrderID = ""
	out := n.Normalize(context.Background(), sourceReturning(pe, nil), payments.Notification{})

	if out.State != StateFailed {
		t.Fatalf("expected failed when reconciliation cannot be stored, got %s", out.State)
	}
	var corrErr *CorrelationError
	if !errors.As(out.Err, &corrErr) {
		t.Fatalf("expected correlation error to be preserved, got %v", out.Err)
	}
}

func TestNormalizeAccountUpdatedNeedsOnlyStore(t *testing.T) {
	n, _ := newNormalizerForTest(t, &stubEventLog{}, &stubQueue{})

	pe := payments.ProviderEvent{
		ID:      "evt_acct",
		Type:    "account.updated",
		Kind:    domain.SettlementAccountUpdated,
		StoreID: "store-1",
		Account: &domain.AccountState{ExternalAccountID: "acct_1", ChargesEnabled: true, PayoutsEnabled: true},
	}
	out := n.Normalize(context.Background(), sourceReturning(pe, nil), payments.Notification{})

	if out.State != StateNormalized {
		t.Fatalf("expected normalized, got %s (%v)", out.State, out.Err)
	}
	if out.Event.Account == nil || out.Event.Account.ExternalAccountID != "acct_1" {
		t.Fatalf("expected account state to be carried, got %+v", out.Event)
	}
	if out.Event.GrossMinor != 0 {
		t.Fatalf("account events carry no amounts")
	}
}

func TestNormalizeFeeMismatchKeepsComputedFee(t *testing.T) {
	n, logs := newNormalizerForTest(t, &stubEventLog{}, &stubQueue{})

	pe := succeededEvent()
	reported := int64(150)
	pe.ReportedFeeMinor = &reported
	out := n.Normalize(context.Background(), sourceReturning(pe, nil), payments.Notification{})

	if out.State != StateNormalized || !out.FeeMismatch {
		t.Fatalf("expected normalized with fee mismatch, got %s mismatch=%v", out.State, out.FeeMismatch)
	}
	if out.Event.PlatformFeeMinor != 100 {
		t.Fatalf("computed fee must win, got %d", out.Event.PlatformFeeMinor)
	}
	found := false
	for _, entry := range *logs {
		if entry.event == "webhooks.fee_mismatch" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected fee mismatch log")
	}
}

func TestNormalizeEventLogFailureDoesNotBlock(t *testing.T) {
	n, logs := newNormalizerForTest(t, &stubEventLog{err: errors.New("write failed")}, &stubQueue{})

	out := n.Normalize(context.Background(), sourceReturning(succeededEvent(), nil), payments.Notification{})
	if out.State != StateNormalized {
		t.Fatalf("expected normalized, got %s", out.State)
	}
	last := (*logs)[len(*logs)-1]
	if last.event != "webhooks.event_log_failed" {
		t.Fatalf("expected event log failure to be logged, got %q", last.event)
	}
}

func TestNewNormalizerRequiresQueue(t *testing.T) {
	if _, err := NewNormalizer(NormalizerDeps{}); err == nil {
		t.Fatalf("expected error without reconciliation queue")
	}
}

func TestNormalizeNegativeGrossIsSetAsideAndAcknowledged(t *testing.T) {
	eventLog := &stubEventLog{}
	queue := &stubQueue{}
	n, logs := newNormalizerForTest(t, eventLog, queue)

	pe := succeededEvent()
	pe.GrossMinor = -500
	out := n.Normalize(context.Background(), sourceReturning(pe, nil), payments.Notification{})

	if out.State != StateInvalidEvent {
		t.Fatalf("expected invalid_event, got %s (%v)", out.State, out.Err)
	}
	if out.HTTPStatus() != http.StatusOK {
		t.Fatalf("expected invalid events to be acknowledged, got %d", out.HTTPStatus())
	}
	if !errors.Is(out.Err, commission.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount to be reported, got %v", out.Err)
	}
	if out.Event != nil {
		t.Fatalf("invalid events must not produce a settlement event")
	}
	if len(queue.items) != 1 {
		t.Fatalf("expected one reconciliation item, got %+v", queue.items)
	}
	item := queue.items[0]
	if item.ProviderEventID != "evt_1" || item.Payload["grossMinor"] != int64(-500) || item.Payload["orderId"] != "order-1" {
		t.Fatalf("unexpected reconciliation item %+v", item)
	}
	if !strings.HasPrefix(item.Reason, "invalid_event") {
		t.Fatalf("expected invalid_event reason, got %q", item.Reason)
	}
	if len(eventLog.records) != 1 || eventLog.records[0].State != string(StateInvalidEvent) {
		t.Fatalf("expected the delivery to be logged as invalid_event, got %+v", eventLog.records)
	}
	found := false
	for _, entry := range *logs {
		if entry.event == "webhooks.invalid_event" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected invalid_event log entry")
	}
}

func TestNormalizeNegativeGrossWithoutQueueIsRetried(t *testing.T) {
	n, _ := newNormalizerForTest(t, &stubEventLog{}, &stubQueue{err: errors.New("firestore down")})

	pe := succeededEvent()
	pe.GrossMinor = -1
	out := n.Normalize(context.Background(), sourceReturning(pe, nil), payments.Notification{})

	if out.State != StateFailed || out.HTTPStatus() != http.StatusServiceUnavailable {
		t.Fatalf("expected failed with 503 when the item cannot be queued, got %s/%d", out.State, out.HTTPStatus())
	}
	if !errors.Is(out.Err, commission.ErrInvalidAmount) {
		t.Fatalf("expected the amount error to be preserved, got %v", out.Err)
	}
}
