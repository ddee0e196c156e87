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
	shipmentCollection     = "shipments"
	defaultActiveListLimit = 100
)

type trackingEventDocument struct {
	Status      string    `firestore:"status"`
	Location    string    `firestore:"location,omitempty"`
	Description string    `firestore:"description,omitempty"`
	OccurredAt  time.Time `firestore:"occurredAt"`
}

type shipmentDocument struct {
	StoreID           string                  `firestore:"storeId"`
	OrderID           string                  `firestore:"orderId,omitempty"`
	Class             string                  `firestore:"class"`
	ProviderID        string                  `firestore:"providerId"`
	IdempotencyKey    string                  `firestore:"idempotencyKey"`
	TrackingNumber    string                  `firestore:"trackingNumber"`
	Carrier           string                  `firestore:"carrier,omitempty"`
	LabelStatus       string                  `firestore:"labelStatus"`
	LabelURL          string                  `firestore:"labelUrl,omitempty"`
	LabelObject       string                  `firestore:"labelObject,omitempty"`
	TrackingURL       string                  `firestore:"trackingUrl,omitempty"`
	ProviderOrderID   string                  `firestore:"providerOrderId,omitempty"`
	LabelCreatedAt    *time.Time              `firestore:"labelCreatedAt,omitempty"`
	TrackingStatus    string                  `firestore:"trackingStatus"`
	CurrentLocation   string                  `firestore:"currentLocation,omitempty"`
	EstimatedDelivery *time.Time              `firestore:"estimatedDelivery,omitempty"`
	History           []trackingEventDocument `firestore:"history"`
	Active            bool                    `firestore:"active"`
	CreatedAt         time.Time               `firestore:"createdAt"`
	UpdatedAt         time.Time               `firestore:"updatedAt"`
}

func newShipmentDocument(s domain.Shipment) shipmentDocument {
	history := make([]trackingEventDocument, 0, len(s.Tracking.History))
	for _, event := range s.Tracking.History {
		history = append(history, trackingEventDocument{
			Status:      string(event.Status),
			Location:    event.Location,
			Description: event.Description,
			OccurredAt:  event.OccurredAt.UTC(),
		})
	}
	trackingNumber := firstNonEmptyString(s.Tracking.TrackingNumber, s.Label.TrackingNumber)
	return shipmentDocument{
		StoreID:           strings.TrimSpace(s.StoreID),
		OrderID:           strings.TrimSpace(s.OrderID),
		Class:             string(s.Class),
		ProviderID:        firstNonEmptyString(s.ProviderID, s.Label.ProviderID),
		IdempotencyKey:    s.IdempotencyKey,
		TrackingNumber:    trackingNumber,
		Carrier:           s.Label.Carrier,
		LabelStatus:       string(s.Label.Status),
		LabelURL:          s.Label.LabelURL,
		LabelObject:       s.LabelObject,
		TrackingURL:       s.Label.TrackingURL,
		ProviderOrderID:   s.Label.ProviderOrderID,
		LabelCreatedAt:    timePtr(s.Label.CreatedAt),
		TrackingStatus:    string(s.Tracking.Status),
		CurrentLocation:   s.Tracking.CurrentLocation,
		EstimatedDelivery: normalizeTimePtr(s.Tracking.EstimatedDelivery),
		History:           history,
		Active:            s.AwaitsCarrier(),
		CreatedAt:         s.CreatedAt.UTC(),
		UpdatedAt:         s.UpdatedAt.UTC(),
	}
}

func (d shipmentDocument) toDomain(id string) domain.Shipment {
	history := make([]domain.TrackingEvent, 0, len(d.History))
	for _, event := range d.History {
		history = append(history, domain.TrackingEvent{
			Status:      domain.TrackingStatus(event.Status),
			Location:    event.Location,
			Description: event.Description,
			OccurredAt:  event.OccurredAt.UTC(),
		})
	}
	label := domain.ShippingLabel{
		ProviderID:      d.ProviderID,
		TrackingNumber:  d.TrackingNumber,
		Carrier:         d.Carrier,
		Status:          domain.LabelStatus(d.LabelStatus),
		LabelURL:        d.LabelURL,
		TrackingURL:     d.TrackingURL,
		ProviderOrderID: d.ProviderOrderID,
	}
	if d.LabelCreatedAt != nil {
		label.CreatedAt = d.LabelCreatedAt.UTC()
	}
	return domain.Shipment{
		ID:          id,
		StoreID:     d.StoreID,
		OrderID:     d.OrderID,
		Class:       domain.DeliveryClass(d.Class),
		ProviderID:  d.ProviderID,
		Label:       label,
		LabelObject: d.LabelObject,
		Tracking: domain.TrackingInfo{
			TrackingNumber:    d.TrackingNumber,
			Status:            domain.TrackingStatus(d.TrackingStatus),
			CurrentLocation:   d.CurrentLocation,
			EstimatedDelivery: normalizeTimePtr(d.EstimatedDelivery),
			History:           history,
		},
		IdempotencyKey: d.IdempotencyKey,
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}
}

// ShipmentRepository persists shipments in a top-level collection.
type ShipmentRepository struct {
	base *pfirestore.BaseRepository[shipmentDocument]
}

var _ repositories.ShipmentRepository = (*ShipmentRepository)(nil)

// NewShipmentRepository constructs a Firestore-backed shipment repository.
func NewShipmentRepository(provider *pfirestore.Provider) (*ShipmentRepository, error) {
	if provider == nil {
		return nil, errors.New("shipment repository requires firestore provider")
	}
	return &ShipmentRepository{
		base: pfirestore.NewBaseRepository[shipmentDocument](provider, shipmentCollection, nil, nil),
	}, nil
}

// Insert creates the shipment document.
func (r *ShipmentRepository) Insert(ctx context.Context, shipment domain.Shipment) error {
	id := strings.TrimSpace(shipment.ID)
	if id == "" {
		return errors.New("shipment repository: shipment id is required")
	}
	now := time.Now().UTC()
	shipment.CreatedAt = utcOr(shipment.CreatedAt, now)
	shipment.UpdatedAt = utcOr(shipment.UpdatedAt, now)
	_, err := r.base.Create(ctx, id, newShipmentDocument(shipment))
	return err
}

// Update replaces the stored shipment.
func (r *ShipmentRepository) Update(ctx context.Context, shipment domain.Shipment) error {
	id := strings.TrimSpace(shipment.ID)
	if id == "" {
		return errors.New("shipment repository: shipment id is required")
	}
	shipment.UpdatedAt = utcOr(shipment.UpdatedAt, time.Now())
	_, err := r.base.Set(ctx, id, newShipmentDocument(shipment))
	return err
}

// FindByID loads a shipment.
func (r *ShipmentRepository) FindByID(ctx context.Context, shipmentID string) (domain.Shipment, error) {
	id := strings.TrimSpace(shipmentID)
	if id == "" {
		return domain.Shipment{}, errors.New("shipment repository: shipment id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Shipment{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByTrackingNumber locates the shipment a carrier push refers to.
func (r *ShipmentRepository) FindByTrackingNumber(ctx context.Context, providerID, trackingNumber string) (domain.Shipment, error) {
	tracking := strings.TrimSpace(trackingNumber)
	if tracking == "" {
		return domain.Shipment{}, errors.New("shipment repository: tracking number is required")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("trackingNumber", "==", tracking)
		if provider := strings.TrimSpace(providerID); provider != "" {
			q = q.Where("providerId", "==", provider)
		}
		return q.Limit(1)
	})
	if err != nil {
		return domain.Shipment{}, err
	}
	if len(docs) == 0 {
		return domain.Shipment{}, pfirestore.NotFound("shipments.find_by_tracking", "shipment with tracking "+tracking+" not found")
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// ListActive returns shipments still awaiting carrier updates, least recently updated first.
func (r *ShipmentRepository) ListActive(ctx context.Context, limit int) ([]domain.Shipment, error) {
	if limit <= 0 {
		limit = defaultActiveListLimit
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("active", "==", true).OrderBy("updatedAt", firestore.Asc).Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Shipment, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data.toDomain(doc.ID))
	}
	return out, nil
}

func firstNonEmptyString(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
