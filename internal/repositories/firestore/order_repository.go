package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/americana-market/api/internal/domain"
	pfirestore "github.com/americana-market/api/internal/platform/firestore"
	"github.com/americana-market/api/internal/repositories"
)

const (
	orderCollection = "orders"
	// settlement writes touch a single document; a long-running transaction means contention.
	settlementTxTimeout = 10 * time.Second
)

type orderDocument struct {
	StoreID          string                `firestore:"storeId"`
	Status           string                `firestore:"status"`
	Currency         string                `firestore:"currency"`
	Items            []lineItemDocument    `firestore:"items"`
	Shipping         *shippingRateDocument `firestore:"shipping,omitempty"`
	SubtotalMinor    int64                 `firestore:"subtotalMinor"`
	ShippingMinor    int64                 `firestore:"shippingMinor"`
	TotalMinor       int64                 `firestore:"totalMinor"`
	PlatformFeeMinor int64                 `firestore:"platformFeeMinor"`
	VendorNetMinor   int64                 `firestore:"vendorNetMinor"`
	Provider         string                `firestore:"provider,omitempty"`
	PaymentReference string                `firestore:"paymentReference,omitempty"`
	AppliedEvents    []string              `firestore:"appliedEvents"`
	PaidAt           *time.Time            `firestore:"paidAt,omitempty"`
	CreatedAt        time.Time             `firestore:"createdAt"`
	UpdatedAt        time.Time             `firestore:"updatedAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	return orderDocument{
		StoreID:          strings.TrimSpace(order.StoreID),
		Status:           string(order.Status),
		Currency:         strings.ToUpper(strings.TrimSpace(order.Currency)),
		Items:            newLineItemDocuments(order.Items),
		Shipping:         newShippingRateDocument(order.Shipping),
		SubtotalMinor:    order.Totals.SubtotalMinor,
		ShippingMinor:    order.Totals.ShippingMinor,
		TotalMinor:       order.Totals.TotalMinor,
		PlatformFeeMinor: order.Totals.PlatformFeeMinor,
		VendorNetMinor:   order.Totals.VendorNetMinor,
		Provider:         string(order.Provider),
		PaymentReference: order.PaymentReference,
		AppliedEvents:    append([]string{}, order.AppliedEvents...),
		PaidAt:           normalizeTimePtr(order.PaidAt),
		CreatedAt:        order.CreatedAt.UTC(),
		UpdatedAt:        order.UpdatedAt.UTC(),
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	return domain.Order{
		ID:       id,
		StoreID:  d.StoreID,
		Status:   domain.OrderStatus(d.Status),
		Currency: d.Currency,
		Items:    lineItemsToDomain(d.Items),
		Shipping: d.Shipping.toDomain(),
		Totals: domain.OrderTotals{
			Currency:         d.Currency,
			SubtotalMinor:    d.SubtotalMinor,
			ShippingMinor:    d.ShippingMinor,
			TotalMinor:       d.TotalMinor,
			PlatformFeeMinor: d.PlatformFeeMinor,
			VendorNetMinor:   d.VendorNetMinor,
		},
		Provider:         domain.PaymentProvider(d.Provider),
		PaymentReference: d.PaymentReference,
		AppliedEvents:    append([]string(nil), d.AppliedEvents...),
		PaidAt:           normalizeTimePtr(d.PaidAt),
		CreatedAt:        d.CreatedAt.UTC(),
		UpdatedAt:        d.UpdatedAt.UTC(),
	}
}

// OrderRepository persists orders and applies settlement transitions transactionally.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[orderDocument](provider, orderCollection, nil, nil),
	}, nil
}

// Insert creates the order. An existing id yields a conflict error.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	_, err := r.base.Create(ctx, id, newOrderDocument(order))
	return err
}

// FindByID loads an order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// SetPaymentReference records the processor's payment id once checkout has been submitted.
func (r *OrderRepository) SetPaymentReference(ctx context.Context, orderID string, provider domain.PaymentProvider, reference string, at time.Time) error {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	_, err := r.base.Update(ctx, id, []firestore.Update{
		{Path: "provider", Value: string(provider)},
		{Path: "paymentReference", Value: strings.TrimSpace(reference)},
		{Path: "updatedAt", Value: at.UTC()},
	})
	return err
}

// ApplySettlement moves the order along its payment lifecycle. The event key is recorded on the
// order together with the status so redelivered events are detected even without the dedupe store.
func (r *OrderRepository) ApplySettlement(ctx context.Context, event domain.SettlementEvent, at time.Time) (repositories.SettlementApplyResult, error) {
	id := strings.TrimSpace(event.OrderID)
	if id == "" {
		return repositories.SettlementApplyResult{}, errors.New("order repository: settlement event has no order id")
	}
	at = at.UTC()

	var result repositories.SettlementApplyResult
	err := r.provider.RunTransaction(ctx, "orders.apply_settlement", func(ctx context.Context, tx *firestore.Transaction) error {
		result = repositories.SettlementApplyResult{}
		doc, err := r.base.GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		order := doc.Data.toDomain(doc.ID)
		result.Order = order
		result.Previous = order.Status

		if storeID := strings.TrimSpace(event.StoreID); storeID != "" && storeID != order.StoreID {
			result.SkipReason = repositories.SettlementSkipStoreMismatch
			return nil
		}
		key := event.DedupeKey()
		if order.HasApplied(key) {
			result.SkipReason = repositories.SettlementSkipAlreadyApplied
			return nil
		}
		next, ok := order.NextStatus(event.Kind, event.RawStatus)
		if !ok {
			result.SkipReason = repositories.SettlementSkipStale
			return nil
		}

		order = applySettlementEffect(order, event, next, at)
		if err := r.base.SetTx(ctx, tx, id, newOrderDocument(order)); err != nil {
			return err
		}
		result.Order = order
		result.Applied = true
		return nil
	}, pfirestore.WithTxTimeout(settlementTxTimeout))
	if err != nil {
		return repositories.SettlementApplyResult{}, err
	}
	return result, nil
}

func applySettlementEffect(order domain.Order, event domain.SettlementEvent, next domain.OrderStatus, at time.Time) domain.Order {
	order.Status = next
	order.AppliedEvents = append(order.AppliedEvents, event.DedupeKey())
	order.UpdatedAt = at
	if order.PaymentReference == "" {
		order.PaymentReference = event.PaymentReference
	}
	if order.Provider == "" {
		order.Provider = event.Provider
	}
	if next == domain.OrderStatusPaid {
		paidAt := at
		if !event.OccurredAt.IsZero() {
			paidAt = event.OccurredAt.UTC()
		}
		order.PaidAt = &paidAt
		if event.GrossMinor > 0 {
			// the settled split is authoritative once the processor has captured funds
			order.Totals.PlatformFeeMinor = event.PlatformFeeMinor
			order.Totals.VendorNetMinor = event.NetMinor
		}
	}
	return order
}
