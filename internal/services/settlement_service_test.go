package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/americana-market/api/internal/domain"
	"github.com/americana-market/api/internal/platform/dedupe"
	"github.com/americana-market/api/internal/repositories"
)

type stubPublisher struct {
	messages []SettlementEventMessage
	err      error
}

func (p *stubPublisher) PublishSettlementEvent(_ context.Context, message SettlementEventMessage) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, message)
	return "msg-1", nil
}

var settlementNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func paidEvent() SettlementEvent {
	return SettlementEvent{
		ID:               "se-1",
		Provider:         domain.PaymentProviderStripe,
		ProviderEventID:  "evt_1",
		Kind:             domain.SettlementPaymentSucceeded,
		OrderID:          "order-1",
		StoreID:          "store-1",
		Currency:         "MXN",
		GrossMinor:       10000,
		PlatformFeeMinor: 1000,
		NetMinor:         9000,
		OccurredAt:       settlementNow,
	}
}

func pendingOrderRepo() *stubOrderRepository {
	order := domain.Order{ID: "order-1", StoreID: "store-1", Status: domain.OrderStatusPendingPayment}
	return &stubOrderRepository{
		applyFunc: func(_ context.Context, event domain.SettlementEvent, _ time.Time) (repositories.SettlementApplyResult, error) {
			if order.HasApplied(event.DedupeKey()) {
				return repositories.SettlementApplyResult{Order: order, SkipReason: repositories.SettlementSkipAlreadyApplied, Previous: order.Status}, nil
			}
			next, ok := order.NextStatus(event.Kind, event.RawStatus)
			if !ok {
				return repositories.SettlementApplyResult{Order: order, SkipReason: repositories.SettlementSkipStale, Previous: order.Status}, nil
			}
			previous := order.Status
			order.Status = next
			order.AppliedEvents = append(order.AppliedEvents, event.DedupeKey())
			return repositories.SettlementApplyResult{Order: order, Applied: true, Previous: previous}, nil
		},
	}
}

func newSettlementForTest(t *testing.T, orders *stubOrderRepository, accounts *stubVendorAccountRepository, queue *stubReconciliationRepository, publisher SettlementPublisher, store dedupe.Store) (SettlementService, *eventRecorder) {
	t.Helper()
	if accounts == nil {
		accounts = &stubVendorAccountRepository{}
	}
	if queue == nil {
		queue = &stubReconciliationRepository{}
	}
	if store == nil {
		store = dedupe.NewMemoryStore(time.Hour, nil)
	}
	rec := &eventRecorder{}
	svc, err := NewSettlementService(SettlementServiceDeps{
		Dedupe:         store,
		Orders:         orders,
		VendorAccounts: accounts,
		Reconciliation: queue,
		Publisher:      publisher,
		Clock:          fixedClock(settlementNow),
		IDGenerator:    func() string { return "rec-1" },
		Logger:         rec.log,
	})
	if err != nil {
		t.Fatalf("new settlement service: %v", err)
	}
	return svc, rec
}

func TestSettlementApplyTransitionsOnceAndPublishes(t *testing.T) {
	orders := pendingOrderRepo()
	publisher := &stubPublisher{}
	svc, _ := newSettlementForTest(t, orders, nil, nil, publisher, nil)

	result, err := svc.Apply(context.Background(), paidEvent())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !result.Applied || result.Order == nil || result.Order.Status != domain.OrderStatusPaid {
		t.Fatalf("expected order to be paid, got %+v", result)
	}
	if len(publisher.messages) != 1 || publisher.messages[0].OrderStatus != "paid" || publisher.messages[0].DedupeKey != "stripe:evt_1" {
		t.Fatalf("unexpected published messages %+v", publisher.messages)
	}

	again, err := svc.Apply(context.Background(), paidEvent())
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if !again.Duplicate {
		t.Fatalf("expected duplicate, got %+v", again)
	}
	if orders.applyCalls != 1 {
		t.Fatalf("duplicate must not reach the repository, calls=%d", orders.applyCalls)
	}
	if len(publisher.messages) != 1 {
		t.Fatalf("duplicate must not be published")
	}
}

func TestSettlementApplyConcurrentDeliveriesApplyOnce(t *testing.T) {
	orders := pendingOrderRepo()
	svc, _ := newSettlementForTest(t, orders, nil, nil, nil, nil)

	const deliveries = 8
	results := make(chan ApplyResult, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Apply(context.Background(), paidEvent())
			if err != nil {
				t.Errorf("apply: %v", err)
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	applied := 0
	for res := range results {
		if res.Applied {
			applied++
		}
	}
	if applied != 1 || orders.applyCalls != 1 {
		t.Fatalf("expected exactly one application, applied=%d calls=%d", applied, orders.applyCalls)
	}
}

func TestSettlementApplyStaleRefundDoesNotPublish(t *testing.T) {
	orders := pendingOrderRepo()
	publisher := &stubPublisher{}
	svc, _ := newSettlementForTest(t, orders, nil, nil, publisher, nil)

	event := paidEvent()
	event.ProviderEventID = "evt_refund"
	event.Kind = domain.SettlementRefunded
	result, err := svc.Apply(context.Background(), event)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.Applied || result.SkipReason != repositories.SettlementSkipStale {
		t.Fatalf("expected stale skip, got %+v", result)
	}
	if len(publisher.messages) != 0 {
		t.Fatalf("stale events are not published")
	}
}

func TestSettlementApplyReleasesClaimOnFailure(t *testing.T) {
	orders := pendingOrderRepo()
	publisher := &stubPublisher{err: errors.New("pubsub down")}
	svc, rec := newSettlementForTest(t, orders, nil, nil, publisher, nil)

	if _, err := svc.Apply(context.Background(), paidEvent()); !errors.Is(err, ErrSettlementUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if !rec.has("settlement.publish_failed") {
		t.Fatalf("expected publish failure to be logged")
	}

	publisher.err = nil
	result, err := svc.Apply(context.Background(), paidEvent())
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if result.Duplicate {
		t.Fatalf("claim should have been released")
	}
	if result.SkipReason != repositories.SettlementSkipAlreadyApplied {
		t.Fatalf("expected the order to report the event as applied, got %+v", result)
	}
	if len(publisher.messages) != 1 {
		t.Fatalf("expected the redelivery to publish, got %d", len(publisher.messages))
	}
}

func TestSettlementApplyRepositoryFailureReleasesClaim(t *testing.T) {
	calls := 0
	orders := &stubOrderRepository{
		applyFunc: func(context.Context, domain.SettlementEvent, time.Time) (repositories.SettlementApplyResult, error) {
			calls++
			if calls == 1 {
				return repositories.SettlementApplyResult{}, testRepoError{unavailable: true}
			}
			return repositories.SettlementApplyResult{Applied: true}, nil
		},
	}
	svc, _ := newSettlementForTest(t, orders, nil, nil, nil, nil)

	if _, err := svc.Apply(context.Background(), paidEvent()); !errors.Is(err, ErrSettlementUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	result, err := svc.Apply(context.Background(), paidEvent())
	if err != nil || !result.Applied {
		t.Fatalf("expected retry to apply, got %+v %v", result, err)
	}
}

func TestSettlementApplyAccountUpdated(t *testing.T) {
	accounts := &stubVendorAccountRepository{}
	publisher := &stubPublisher{}
	svc, _ := newSettlementForTest(t, &stubOrderRepository{}, accounts, nil, publisher, nil)

	event := SettlementEvent{
		Provider:        domain.PaymentProviderStripe,
		ProviderEventID: "evt_acct",
		Kind:            domain.SettlementAccountUpdated,
		StoreID:         "store-1",
		Account:         &domain.AccountState{ExternalAccountID: "acct_1", ChargesEnabled: true, PayoutsEnabled: true},
	}
	result, err := svc.Apply(context.Background(), event)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.Account == nil || result.Account.Status != domain.VendorAccountStatusActive {
		t.Fatalf("expected active account, got %+v", result.Account)
	}
	if len(accounts.applied) != 1 || len(publisher.messages) != 1 {
		t.Fatalf("expected account state applied and published")
	}
}

func TestSettlementApplyMissingOrderGoesToReconciliation(t *testing.T) {
	orders := &stubOrderRepository{
		applyFunc: func(context.Context, domain.SettlementEvent, time.Time) (repositories.SettlementApplyResult, error) {
			return repositories.SettlementApplyResult{}, testRepoError{notFound: true}
		},
	}
	queue := &stubReconciliationRepository{}
	svc, rec := newSettlementForTest(t, orders, nil, queue, nil, nil)

	result, err := svc.Apply(context.Background(), paidEvent())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.SkipReason != repositories.SettlementSkipOrderNotFound {
		t.Fatalf("expected order_not_found, got %+v", result)
	}
	if len(queue.items) != 1 || queue.items[0].ID != "rec-1" || queue.items[0].ProviderEventID != "evt_1" {
		t.Fatalf("unexpected reconciliation items %+v", queue.items)
	}
	if !rec.has("settlement.order_not_found") {
		t.Fatalf("expected order_not_found log")
	}
}

func TestSettlementApplyRejectsInconsistentAmounts(t *testing.T) {
	svc, _ := newSettlementForTest(t, &stubOrderRepository{}, nil, nil, nil, nil)

	event := paidEvent()
	event.NetMinor = 9500
	if _, err := svc.Apply(context.Background(), event); !errors.Is(err, ErrSettlementInvalidEvent) {
		t.Fatalf("expected invalid event, got %v", err)
	}
}

func TestSettlementRecordCorrelationFailureDefaults(t *testing.T) {
	queue := &stubReconciliationRepository{}
	svc, _ := newSettlementForTest(t, &stubOrderRepository{}, nil, queue, nil, nil)

	err := svc.RecordCorrelationFailure(context.Background(), ReconciliationItem{
		Provider:        domain.PaymentProviderMercadoPago,
		ProviderEventID: "123",
		Reason:          "missing order id",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if queue.items[0].ID != "rec-1" || !queue.items[0].CreatedAt.Equal(settlementNow) {
		t.Fatalf("expected defaults to be filled, got %+v", queue.items[0])
	}
	if err := svc.RecordCorrelationFailure(context.Background(), ReconciliationItem{}); !errors.Is(err, ErrSettlementInvalidEvent) {
		t.Fatalf("expected invalid event, got %v", err)
	}
}
