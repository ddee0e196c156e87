package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/americana-market/api/internal/domain"
	"github.com/americana-market/api/internal/platform/dedupe"
	"github.com/americana-market/api/internal/repositories"
)

var (
	// ErrSettlementInvalidEvent indicates the event is missing fields required to apply it.
	ErrSettlementInvalidEvent = errors.New("settlement: invalid event")
	// ErrSettlementUnavailable indicates a dependency failed and the provider should redeliver.
	ErrSettlementUnavailable = errors.New("settlement: unavailable")
)

// SettlementServiceDeps wires the collaborators used to apply settlement events.
type SettlementServiceDeps struct {
	Dedupe         dedupe.Store
	Orders         repositories.OrderRepository
	VendorAccounts repositories.VendorAccountRepository
	Reconciliation repositories.ReconciliationRepository
	Publisher      SettlementPublisher
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type settlementService struct {
	dedupe         dedupe.Store
	orders         repositories.OrderRepository
	accounts       repositories.VendorAccountRepository
	reconciliation repositories.ReconciliationRepository
	publisher      SettlementPublisher
	now            func() time.Time
	newID          func() string
	logger         func(context.Context, string, map[string]any)
}

var _ SettlementService = (*settlementService)(nil)

// NewSettlementService constructs the settlement applier.
func NewSettlementService(deps SettlementServiceDeps) (SettlementService, error) {
	if deps.Dedupe == nil {
		return nil, errors.New("settlement service: dedupe store is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("settlement service: order repository is required")
	}
	if deps.VendorAccounts == nil {
		return nil, errors.New("settlement service: vendor account repository is required")
	}
	if deps.Reconciliation == nil {
		return nil, errors.New("settlement service: reconciliation repository is required")
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
	return &settlementService{
		dedupe:         deps.Dedupe,
		orders:         deps.Orders,
		accounts:       deps.VendorAccounts,
		reconciliation: deps.Reconciliation,
		publisher:      deps.Publisher,
		now:            func() time.Time { return clock().UTC() },
		newID:          idGen,
		logger:         logger,
	}, nil
}

// Apply claims the event key, applies the effect and publishes it. Any failure after the claim
// releases it so that the provider's redelivery is processed again.
func (s *settlementService) Apply(ctx context.Context, event SettlementEvent) (ApplyResult, error) {
	if err := validateSettlementEvent(event); err != nil {
		return ApplyResult{}, err
	}
	key := event.DedupeKey()

	claimed, err := s.dedupe.Claim(ctx, key)
	if err != nil {
		s.logger(ctx, "settlement.claim_failed", map[string]any{
			"dedupeKey": key,
			"error":     err.Error(),
		})
		return ApplyResult{}, fmt.Errorf("%w: %v", ErrSettlementUnavailable, err)
	}
	if !claimed {
		s.logger(ctx, "settlement.duplicate", map[string]any{
			"dedupeKey": key,
			"kind":      string(event.Kind),
		})
		return ApplyResult{Duplicate: true}, nil
	}

	result, err := s.apply(ctx, event)
	if err != nil {
		s.release(ctx, key)
		return ApplyResult{}, err
	}
	return result, nil
}

func (s *settlementService) apply(ctx context.Context, event SettlementEvent) (ApplyResult, error) {
	now := s.now()
	if event.Kind == domain.SettlementAccountUpdated {
		account, err := s.accounts.ApplyAccountState(ctx, event.StoreID, event.Provider, *event.Account, now)
		if err != nil {
			return ApplyResult{}, s.repositoryFailure(ctx, "settlement.account_failed", event, err)
		}
		result := ApplyResult{Applied: true, Account: &account}
		s.logger(ctx, "settlement.account_applied", map[string]any{
			"storeId":  event.StoreID,
			"provider": string(event.Provider),
			"status":   string(account.Status),
		})
		id, err := s.publish(ctx, event, "")
		if err != nil {
			return ApplyResult{}, err
		}
		result.MessageID = id
		return result, nil
	}

	applied, err := s.orders.ApplySettlement(ctx, event, now)
	if err != nil {
		if isRepoNotFound(err) {
			return s.orderMissing(ctx, event)
		}
		return ApplyResult{}, s.repositoryFailure(ctx, "settlement.order_failed", event, err)
	}

	order := applied.Order
	result := ApplyResult{Applied: applied.Applied, SkipReason: applied.SkipReason, Order: &order}
	s.logger(ctx, "settlement.order_applied", map[string]any{
		"orderId":    event.OrderID,
		"storeId":    event.StoreID,
		"kind":       string(event.Kind),
		"applied":    applied.Applied,
		"skipReason": string(applied.SkipReason),
		"previous":   string(applied.Previous),
		"status":     string(order.Status),
	})

	// an already applied event only reaches this point after an earlier publish failed and the
	// claim was released, so it is published again
	if applied.Applied || applied.SkipReason == repositories.SettlementSkipAlreadyApplied {
		id, err := s.publish(ctx, event, order.Status)
		if err != nil {
			return ApplyResult{}, err
		}
		result.MessageID = id
	}
	return result, nil
}

func (s *settlementService) orderMissing(ctx context.Context, event SettlementEvent) (ApplyResult, error) {
	item := ReconciliationItem{
		ID:              s.newID(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       string(event.Kind),
		Reason:          fmt.Sprintf("order %s not found for store %s", event.OrderID, event.StoreID),
		Payload: map[string]any{
			"orderId":          event.OrderID,
			"storeId":          event.StoreID,
			"grossMinor":       event.GrossMinor,
			"platformFeeMinor": event.PlatformFeeMinor,
			"currency":         event.Currency,
			"paymentReference": event.PaymentReference,
		},
		CreatedAt: s.now(),
	}
	if err := s.RecordCorrelationFailure(ctx, item); err != nil {
		return ApplyResult{}, fmt.Errorf("%w: %v", ErrSettlementUnavailable, err)
	}
	s.logger(ctx, "settlement.order_not_found", map[string]any{
		"orderId":   event.OrderID,
		"storeId":   event.StoreID,
		"dedupeKey": event.DedupeKey(),
		"severity":  "error",
	})
	return ApplyResult{SkipReason: repositories.SettlementSkipOrderNotFound}, nil
}

func (s *settlementService) publish(ctx context.Context, event SettlementEvent, status domain.OrderStatus) (string, error) {
	if s.publisher == nil {
		return "", nil
	}
	id, err := s.publisher.PublishSettlementEvent(ctx, SettlementEventMessage{
		EventID:          event.ID,
		DedupeKey:        event.DedupeKey(),
		Provider:         string(event.Provider),
		Kind:             string(event.Kind),
		StoreID:          event.StoreID,
		OrderID:          event.OrderID,
		Currency:         event.Currency,
		GrossMinor:       event.GrossMinor,
		PlatformFeeMinor: event.PlatformFeeMinor,
		NetMinor:         event.NetMinor,
		OrderStatus:      string(status),
		OccurredAt:       event.OccurredAt.UTC(),
	})
	if err != nil {
		s.logger(ctx, "settlement.publish_failed", map[string]any{
			"dedupeKey": event.DedupeKey(),
			"error":     err.Error(),
		})
		return "", fmt.Errorf("%w: publish: %v", ErrSettlementUnavailable, err)
	}
	return id, nil
}

func (s *settlementService) release(ctx context.Context, key string) {
	if err := s.dedupe.Release(ctx, key); err != nil {
		s.logger(ctx, "settlement.release_failed", map[string]any{
			"dedupeKey": key,
			"error":     err.Error(),
			"severity":  "error",
		})
	}
}

func (s *settlementService) repositoryFailure(ctx context.Context, event string, settlement SettlementEvent, err error) error {
	s.logger(ctx, event, map[string]any{
		"dedupeKey": settlement.DedupeKey(),
		"orderId":   settlement.OrderID,
		"storeId":   settlement.StoreID,
		"error":     err.Error(),
	})
	return fmt.Errorf("%w: %v", ErrSettlementUnavailable, err)
}

// RecordCorrelationFailure stores an event for manual reconciliation.
func (s *settlementService) RecordCorrelationFailure(ctx context.Context, item ReconciliationItem) error {
	if item.Provider == "" || strings.TrimSpace(item.ProviderEventID) == "" {
		return fmt.Errorf("%w: provider and event id are required", ErrSettlementInvalidEvent)
	}
	if strings.TrimSpace(item.ID) == "" {
		item.ID = s.newID()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}
	return s.reconciliation.Enqueue(ctx, item)
}

func validateSettlementEvent(event SettlementEvent) error {
	switch {
	case event.Provider == "":
		return fmt.Errorf("%w: provider is required", ErrSettlementInvalidEvent)
	case strings.TrimSpace(event.ProviderEventID) == "":
		return fmt.Errorf("%w: provider event id is required", ErrSettlementInvalidEvent)
	case strings.TrimSpace(event.StoreID) == "":
		return fmt.Errorf("%w: store id is required", ErrSettlementInvalidEvent)
	}
	if event.Kind == domain.SettlementAccountUpdated {
		if event.Account == nil {
			return fmt.Errorf("%w: account state is required", ErrSettlementInvalidEvent)
		}
		return nil
	}
	if strings.TrimSpace(event.OrderID) == "" {
		return fmt.Errorf("%w: order id is required", ErrSettlementInvalidEvent)
	}
	if event.NetMinor != event.GrossMinor-event.PlatformFeeMinor {
		return fmt.Errorf("%w: net does not equal gross minus fee", ErrSettlementInvalidEvent)
	}
	return nil
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return false
}
