package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/americana-market/api/internal/domain"
	pfirestore "github.com/americana-market/api/internal/platform/firestore"
	"github.com/americana-market/api/internal/repositories"
)

const (
	reconciliationCollection = "reconciliationQueue"
	webhookEventCollection   = "webhookEvents"
)

type reconciliationDocument struct {
	Provider        string         `firestore:"provider"`
	ProviderEventID string         `firestore:"providerEventId"`
	EventType       string         `firestore:"eventType,omitempty"`
	Reason          string         `firestore:"reason"`
	Payload         map[string]any `firestore:"payload,omitempty"`
	CreatedAt       time.Time      `firestore:"createdAt"`
	ResolvedAt      *time.Time     `firestore:"resolvedAt,omitempty"`
}

// ReconciliationRepository stores correlation failures for manual review.
type ReconciliationRepository struct {
	base *pfirestore.BaseRepository[reconciliationDocument]
}

var _ repositories.ReconciliationRepository = (*ReconciliationRepository)(nil)

// NewReconciliationRepository constructs a Firestore-backed reconciliation queue.
func NewReconciliationRepository(provider *pfirestore.Provider) (*ReconciliationRepository, error) {
	if provider == nil {
		return nil, errors.New("reconciliation repository requires firestore provider")
	}
	return &ReconciliationRepository{
		base: pfirestore.NewBaseRepository[reconciliationDocument](provider, reconciliationCollection, nil, nil),
	}, nil
}

// Enqueue stores the item keyed by provider and event id so redeliveries collapse onto one entry.
func (r *ReconciliationRepository) Enqueue(ctx context.Context, item domain.ReconciliationItem) error {
	id := reconciliationID(item)
	if id == "" {
		return errors.New("reconciliation repository: item id is required")
	}
	_, err := r.base.Set(ctx, id, reconciliationDocument{
		Provider:        string(item.Provider),
		ProviderEventID: item.ProviderEventID,
		EventType:       item.EventType,
		Reason:          item.Reason,
		Payload:         item.Payload,
		CreatedAt:       utcOr(item.CreatedAt, time.Now()),
		ResolvedAt:      normalizeTimePtr(item.ResolvedAt),
	})
	return err
}

func reconciliationID(item domain.ReconciliationItem) string {
	provider := strings.TrimSpace(string(item.Provider))
	eventID := strings.TrimSpace(item.ProviderEventID)
	if provider != "" && eventID != "" {
		return documentKey(provider + ":" + eventID)
	}
	return strings.TrimSpace(item.ID)
}

type webhookEventDocument struct {
	Provider        string    `firestore:"provider"`
	ProviderEventID string    `firestore:"providerEventId,omitempty"`
	EventType       string    `firestore:"eventType,omitempty"`
	State           string    `firestore:"state"`
	SignatureValid  bool      `firestore:"signatureValid"`
	ProcessingError string    `firestore:"processingError,omitempty"`
	ReceivedAt      time.Time `firestore:"receivedAt"`
}

// WebhookEventRepository appends inbound notifications to an audit collection.
type WebhookEventRepository struct {
	base *pfirestore.BaseRepository[webhookEventDocument]
}

var _ repositories.WebhookEventRepository = (*WebhookEventRepository)(nil)

// NewWebhookEventRepository constructs a Firestore-backed webhook event log.
func NewWebhookEventRepository(provider *pfirestore.Provider) (*WebhookEventRepository, error) {
	if provider == nil {
		return nil, errors.New("webhook event repository requires firestore provider")
	}
	return &WebhookEventRepository{
		base: pfirestore.NewBaseRepository[webhookEventDocument](provider, webhookEventCollection, nil, nil),
	}, nil
}

// RecordWebhookEvent writes one log entry per delivery.
func (r *WebhookEventRepository) RecordWebhookEvent(ctx context.Context, record domain.WebhookEventRecord) error {
	id := strings.TrimSpace(record.ID)
	if id == "" {
		return errors.New("webhook event repository: record id is required")
	}
	_, err := r.base.Create(ctx, id, webhookEventDocument{
		Provider:        string(record.Provider),
		ProviderEventID: record.ProviderEventID,
		EventType:       record.EventType,
		State:           record.State,
		SignatureValid:  record.SignatureValid,
		ProcessingError: record.ProcessingError,
		ReceivedAt:      utcOr(record.ReceivedAt, time.Now()),
	})
	return err
}

// documentKey replaces the path separator so arbitrary provider ids can be used as document ids.
func documentKey(value string) string {
	return strings.ReplaceAll(strings.TrimSpace(value), "/", "_")
}
