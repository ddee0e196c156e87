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

const shippingConfigCollection = "shippingConfigs"

type shippingConfigDocument struct {
	Currency                   string                       `firestore:"currency"`
	Origin                     *addressDocument             `firestore:"origin,omitempty"`
	LocalDeliveryEnabled       bool                         `firestore:"localDeliveryEnabled"`
	LocalRadiusKm              float64                      `firestore:"localRadiusKm"`
	LocalBasePriceMinor        int64                        `firestore:"localBasePriceMinor"`
	NationalShippingEnabled    bool                         `firestore:"nationalShippingEnabled"`
	NationalFlatRateMinor      int64                        `firestore:"nationalFlatRateMinor"`
	FreeShippingThresholdMinor int64                        `firestore:"freeShippingThresholdMinor"`
	ActiveProviders            []string                     `firestore:"activeProviders"`
	CarrierMetadata            map[string]map[string]string `firestore:"carrierMetadata,omitempty"`
	UpdatedAt                  time.Time                    `firestore:"updatedAt"`
}

func newShippingConfigDocument(cfg domain.ShippingConfig) shippingConfigDocument {
	providers := make([]string, 0, len(cfg.ActiveProviders))
	for _, id := range cfg.ActiveProviders {
		if trimmed := strings.ToLower(strings.TrimSpace(id)); trimmed != "" {
			providers = append(providers, trimmed)
		}
	}
	var metadata map[string]map[string]string
	if len(cfg.CarrierMetadata) > 0 {
		metadata = make(map[string]map[string]string, len(cfg.CarrierMetadata))
		for provider, values := range cfg.CarrierMetadata {
			copied := make(map[string]string, len(values))
			for k, v := range values {
				copied[k] = v
			}
			metadata[strings.ToLower(strings.TrimSpace(provider))] = copied
		}
	}
	return shippingConfigDocument{
		Currency:                   strings.ToUpper(strings.TrimSpace(cfg.Currency)),
		Origin:                     newAddressDocument(cfg.Origin),
		LocalDeliveryEnabled:       cfg.LocalDeliveryEnabled,
		LocalRadiusKm:              cfg.LocalRadiusKm,
		LocalBasePriceMinor:        cfg.LocalBasePriceMinor,
		NationalShippingEnabled:    cfg.NationalShippingEnabled,
		NationalFlatRateMinor:      cfg.NationalFlatRateMinor,
		FreeShippingThresholdMinor: cfg.FreeShippingThresholdMinor,
		ActiveProviders:            providers,
		CarrierMetadata:            metadata,
		UpdatedAt:                  cfg.UpdatedAt.UTC(),
	}
}

func (d shippingConfigDocument) toDomain(storeID string) domain.ShippingConfig {
	return domain.ShippingConfig{
		StoreID:                    storeID,
		Currency:                   d.Currency,
		Origin:                     d.Origin.toDomain(),
		LocalDeliveryEnabled:       d.LocalDeliveryEnabled,
		LocalRadiusKm:              d.LocalRadiusKm,
		LocalBasePriceMinor:        d.LocalBasePriceMinor,
		NationalShippingEnabled:    d.NationalShippingEnabled,
		NationalFlatRateMinor:      d.NationalFlatRateMinor,
		FreeShippingThresholdMinor: d.FreeShippingThresholdMinor,
		ActiveProviders:            append([]string(nil), d.ActiveProviders...),
		CarrierMetadata:            d.CarrierMetadata,
		UpdatedAt:                  d.UpdatedAt.UTC(),
	}
}

// ShippingConfigRepository stores per-store shipping setup keyed by store id.
type ShippingConfigRepository struct {
	base *pfirestore.BaseRepository[shippingConfigDocument]
}

var _ repositories.ShippingConfigRepository = (*ShippingConfigRepository)(nil)

// NewShippingConfigRepository constructs a Firestore-backed shipping config repository.
func NewShippingConfigRepository(provider *pfirestore.Provider) (*ShippingConfigRepository, error) {
	if provider == nil {
		return nil, errors.New("shipping config repository requires firestore provider")
	}
	return &ShippingConfigRepository{
		base: pfirestore.NewBaseRepository[shippingConfigDocument](provider, shippingConfigCollection, nil, nil),
	}, nil
}

// FindShippingConfig loads the config for the store.
func (r *ShippingConfigRepository) FindShippingConfig(ctx context.Context, storeID string) (domain.ShippingConfig, error) {
	id := strings.TrimSpace(storeID)
	if id == "" {
		return domain.ShippingConfig{}, errors.New("shipping config repository: store id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.ShippingConfig{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// SaveShippingConfig replaces the stored config for the store.
func (r *ShippingConfigRepository) SaveShippingConfig(ctx context.Context, cfg domain.ShippingConfig) (domain.ShippingConfig, error) {
	id := strings.TrimSpace(cfg.StoreID)
	if id == "" {
		return domain.ShippingConfig{}, errors.New("shipping config repository: store id is required")
	}
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now()
	}
	doc := newShippingConfigDocument(cfg)
	if _, err := r.base.Set(ctx, id, doc); err != nil {
		return domain.ShippingConfig{}, err
	}
	return doc.toDomain(id), nil
}
