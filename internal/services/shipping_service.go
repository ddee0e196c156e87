package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/americana-market/api/internal/domain"
	"github.com/americana-market/api/internal/platform/storage"
	"github.com/americana-market/api/internal/platform/textutil"
	"github.com/americana-market/api/internal/repositories"
	"github.com/americana-market/api/internal/shipping"
)

const (
	defaultRefreshLimit  = 50
	carrierItemNameLimit = 80
	credentialMetaKey    = "api_key"
	redactedCredential   = "********"
)

var (
	// ErrShippingInvalidInput indicates the caller supplied invalid input parameters.
	ErrShippingInvalidInput = errors.New("shipping: invalid input")
	// ErrShippingNoProvider indicates the store offers no provider for the delivery class.
	ErrShippingNoProvider = errors.New("shipping: no provider for delivery class")
	// ErrShippingNotFound indicates the shipment or configuration does not exist.
	ErrShippingNotFound = errors.New("shipping: not found")
	// ErrShippingRejected indicates the carrier refused the request.
	ErrShippingRejected = errors.New("shipping: rejected by carrier")
	// ErrShippingUnavailable indicates a carrier or the datastore could not be reached.
	ErrShippingUnavailable = errors.New("shipping: unavailable")
)

type shippingSelector interface {
	Select(ctx context.Context, storeID string, class domain.DeliveryClass) (*shipping.Selection, error)
}

type labelArchive interface {
	StoreLabel(ctx context.Context, storeID, shipmentID, contentType string, document []byte) (string, error)
	LabelURL(ctx context.Context, storeID, object string) (storage.SignedURLResult, error)
}

type credentialSealer interface {
	Seal(ctx context.Context, plaintext string) (string, error)
}

// ShippingServiceDeps wires the dependencies required by the shipping service.
type ShippingServiceDeps struct {
	Selector  shippingSelector
	Configs   repositories.ShippingConfigRepository
	Shipments repositories.ShipmentRepository
	Labels    labelArchive
	Sealer    credentialSealer
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type shippingService struct {
	selector  shippingSelector
	configs   repositories.ShippingConfigRepository
	shipments repositories.ShipmentRepository
	labels    labelArchive
	sealer    credentialSealer
	now       func() time.Time
	logger    func(context.Context, string, map[string]any)
}

var _ ShippingService = (*shippingService)(nil)

// NewShippingService constructs a ShippingService validating required dependencies.
func NewShippingService(deps ShippingServiceDeps) (ShippingService, error) {
	if deps.Selector == nil {
		return nil, errors.New("shipping service: provider selector is required")
	}
	if deps.Configs == nil {
		return nil, errors.New("shipping service: config repository is required")
	}
	if deps.Shipments == nil {
		return nil, errors.New("shipping service: shipment repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &shippingService{
		selector:  deps.Selector,
		configs:   deps.Configs,
		shipments: deps.Shipments,
		labels:    deps.Labels,
		sealer:    deps.Sealer,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// QuoteRates asks the selected provider of each requested delivery class for rates. Local rates
// come before national rates. A carrier transport failure marks the quote failed unless another
// class produced rates.
func (s *shippingService) QuoteRates(ctx context.Context, cmd QuoteRatesCommand) (*shipping.Quote, error) {
	storeID := strings.TrimSpace(cmd.StoreID)
	if storeID == "" {
		return nil, fmt.Errorf("%w: store id is required", ErrShippingInvalidInput)
	}
	classes, err := quoteClasses(cmd.Class)
	if err != nil {
		return nil, err
	}
	if err := shipping.ValidateAddress(cmd.Destination); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShippingInvalidInput, err)
	}
	if err := shipping.ValidateItems(cmd.Items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShippingInvalidInput, err)
	}
	items := carrierItems(cmd.Items)
	subtotal := cmd.SubtotalMinor
	if subtotal <= 0 {
		subtotal = domain.SubtotalOf(cmd.Items)
	}

	var (
		rates    []domain.ShippingRate
		failures []shipping.ClassFailure
	)
	for _, class := range classes {
		selection, err := s.selector.Select(ctx, storeID, class)
		if err != nil {
			return nil, s.selectionError(ctx, storeID, class, err)
		}
		if selection == nil {
			continue
		}
		origin := resolveOrigin(cmd.Origin, selection.Config)
		classRates, err := selection.Provider.GetRates(ctx, origin, cmd.Destination, items)
		if err != nil {
			if errors.Is(err, shipping.ErrInvalidRequest) {
				return nil, fmt.Errorf("%w: %v", ErrShippingInvalidInput, err)
			}
			s.logger(ctx, "shipping.rates_failed", map[string]any{
				"storeId":  storeID,
				"class":    string(class),
				"provider": selection.Provider.ID(),
				"error":    err.Error(),
			})
			failures = append(failures, shipping.ClassFailure{Class: class, ProviderID: selection.Provider.ID(), Err: err})
			continue
		}
		for _, rate := range classRates {
			if rate.Class == "" {
				rate.Class = class
			}
			rates = append(rates, applyFreeShipping(rate, selection.Config, subtotal))
		}
	}

	quote := shipping.NewQuote()
	quote.Resolve(rates, failures)
	s.logger(ctx, "shipping.quote", map[string]any{
		"storeId": storeID,
		"state":   string(quote.State()),
		"rates":   len(rates),
	})
	return quote, nil
}

// CreateLabel purchases a label once per idempotency key and persists the shipment.
func (s *shippingService) CreateLabel(ctx context.Context, cmd CreateLabelCommand) (Shipment, error) {
	storeID := strings.TrimSpace(cmd.StoreID)
	orderID := strings.TrimSpace(cmd.OrderID)
	key := strings.TrimSpace(cmd.IdempotencyKey)
	switch {
	case storeID == "" || orderID == "":
		return Shipment{}, fmt.Errorf("%w: store id and order id are required", ErrShippingInvalidInput)
	case key == "":
		return Shipment{}, fmt.Errorf("%w: %v", ErrShippingInvalidInput, shipping.ErrIdempotencyKeyRequired)
	case !cmd.Class.Valid():
		return Shipment{}, fmt.Errorf("%w: unknown delivery class %q", ErrShippingInvalidInput, cmd.Class)
	}
	if err := shipping.ValidateAddress(cmd.Destination); err != nil {
		return Shipment{}, fmt.Errorf("%w: %v", ErrShippingInvalidInput, err)
	}
	if err := shipping.ValidateItems(cmd.Items); err != nil {
		return Shipment{}, fmt.Errorf("%w: %v", ErrShippingInvalidInput, err)
	}

	shipmentID := shipmentIDFor(storeID, key)
	if existing, found, err := s.existingShipment(ctx, storeID, shipmentID); err != nil || found {
		if found {
			s.logger(ctx, "shipping.label_replayed", map[string]any{"storeId": storeID, "shipmentId": shipmentID})
		}
		return existing, err
	}

	selection, err := s.selector.Select(ctx, storeID, cmd.Class)
	if err != nil {
		return Shipment{}, s.selectionError(ctx, storeID, cmd.Class, err)
	}
	if selection == nil {
		return Shipment{}, fmt.Errorf("%w: %s", ErrShippingNoProvider, cmd.Class)
	}

	provider := selection.Provider
	label, err := provider.CreateLabel(ctx, shipping.LabelRequest{
		Origin:         resolveOrigin(cmd.Origin, selection.Config),
		Destination:    cmd.Destination,
		Items:          carrierItems(cmd.Items),
		ServiceCode:    strings.TrimSpace(cmd.ServiceCode),
		Reference:      orderID,
		IdempotencyKey: key,
	})
	if err != nil {
		s.logger(ctx, "shipping.label_failed", map[string]any{
			"storeId":  storeID,
			"orderId":  orderID,
			"provider": provider.ID(),
			"error":    err.Error(),
		})
		return Shipment{}, carrierError(err)
	}

	now := s.now()
	if label.ProviderID == "" {
		label.ProviderID = provider.ID()
	}
	if label.CreatedAt.IsZero() {
		label.CreatedAt = now
	}
	shipment := Shipment{
		ID:         shipmentID,
		StoreID:    storeID,
		OrderID:    orderID,
		Class:      cmd.Class,
		ProviderID: label.ProviderID,
		Label:      label,
		Tracking: domain.TrackingInfo{
			TrackingNumber: label.TrackingNumber,
			Status:         domain.TrackingStatusPending,
			History: []domain.TrackingEvent{{
				Status:      domain.TrackingStatusPending,
				Description: "label created",
				OccurredAt:  label.CreatedAt,
			}},
		},
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	shipment.LabelObject = s.archiveLabel(ctx, shipment)
	shipment.Label.Document = nil

	if err := s.shipments.Insert(ctx, shipment); err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			if existing, found, findErr := s.existingShipment(ctx, storeID, shipmentID); found || findErr != nil {
				return existing, findErr
			}
		}
		s.logger(ctx, "shipping.persist_failed", map[string]any{
			"storeId":        storeID,
			"shipmentId":     shipmentID,
			"trackingNumber": label.TrackingNumber,
			"error":          err.Error(),
			"severity":       "error",
		})
		return Shipment{}, fmt.Errorf("%w: %v", ErrShippingUnavailable, err)
	}

	s.logger(ctx, "shipping.label_created", map[string]any{
		"storeId":        storeID,
		"orderId":        orderID,
		"shipmentId":     shipmentID,
		"provider":       label.ProviderID,
		"trackingNumber": label.TrackingNumber,
	})
	return shipment, nil
}

// TrackShipment refreshes a shipment from its carrier and appends any new history.
func (s *shippingService) TrackShipment(ctx context.Context, storeID, shipmentID string) (Shipment, error) {
	storeID = strings.TrimSpace(storeID)
	shipment, found, err := s.existingShipment(ctx, storeID, strings.TrimSpace(shipmentID))
	if err != nil {
		return Shipment{}, err
	}
	if !found {
		return Shipment{}, ErrShippingNotFound
	}
	updated, _, err := s.refresh(ctx, shipment)
	return updated, err
}

// ApplyTrackingUpdate records a carrier push for a known tracking number.
func (s *shippingService) ApplyTrackingUpdate(ctx context.Context, update TrackingUpdate) (Shipment, error) {
	providerID := strings.ToLower(strings.TrimSpace(update.ProviderID))
	tracking := strings.TrimSpace(update.TrackingNumber)
	if providerID == "" || tracking == "" {
		return Shipment{}, fmt.Errorf("%w: provider and tracking number are required", ErrShippingInvalidInput)
	}
	if !validTrackingStatus(update.Status) {
		return Shipment{}, fmt.Errorf("%w: unknown tracking status %q", ErrShippingInvalidInput, update.Status)
	}

	shipment, err := s.shipments.FindByTrackingNumber(ctx, providerID, tracking)
	if err != nil {
		if isRepoNotFound(err) {
			return Shipment{}, ErrShippingNotFound
		}
		return Shipment{}, fmt.Errorf("%w: %v", ErrShippingUnavailable, err)
	}

	occurred := update.OccurredAt.UTC()
	if update.OccurredAt.IsZero() {
		occurred = s.now()
	}
	info := domain.TrackingInfo{
		Status:          update.Status,
		CurrentLocation: strings.TrimSpace(update.Location),
		History: []domain.TrackingEvent{{
			Status:      update.Status,
			Location:    strings.TrimSpace(update.Location),
			Description: strings.TrimSpace(update.Description),
			OccurredAt:  occurred,
		}},
	}
	merged, changed := mergeTracking(shipment, info)
	if !changed {
		return shipment, nil
	}
	merged.UpdatedAt = s.now()
	if err := s.shipments.Update(ctx, merged); err != nil {
		return Shipment{}, fmt.Errorf("%w: %v", ErrShippingUnavailable, err)
	}
	s.logger(ctx, "shipping.tracking_pushed", map[string]any{
		"shipmentId": merged.ID,
		"provider":   providerID,
		"status":     string(merged.Tracking.Status),
	})
	return merged, nil
}

// RefreshActiveShipments tracks shipments whose carrier status is not terminal yet.
func (s *shippingService) RefreshActiveShipments(ctx context.Context, limit int) (RefreshSummary, error) {
	if limit <= 0 {
		limit = defaultRefreshLimit
	}
	active, err := s.shipments.ListActive(ctx, limit)
	if err != nil {
		return RefreshSummary{}, fmt.Errorf("%w: %v", ErrShippingUnavailable, err)
	}

	var summary RefreshSummary
	for _, shipment := range active {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if !shipment.AwaitsCarrier() {
			// rewriting the document recomputes its active flag
			if err := s.shipments.Update(ctx, shipment); err != nil {
				summary.Failed++
				s.logger(ctx, "shipping.refresh_failed", map[string]any{
					"shipmentId": shipment.ID,
					"error":      err.Error(),
				})
				continue
			}
			summary.Retired++
			continue
		}
		summary.Checked++
		_, changed, err := s.refresh(ctx, shipment)
		switch {
		case err != nil:
			summary.Failed++
			s.logger(ctx, "shipping.refresh_failed", map[string]any{
				"shipmentId": shipment.ID,
				"error":      err.Error(),
			})
		case changed:
			summary.Updated++
		}
	}
	s.logger(ctx, "shipping.refresh.completed", map[string]any{
		"checked": summary.Checked,
		"updated": summary.Updated,
		"failed":  summary.Failed,
		"retired": summary.Retired,
	})
	return summary, nil
}

// LabelDownloadURL signs a download URL for the archived label, or returns the carrier URL when
// the label was not archived.
func (s *shippingService) LabelDownloadURL(ctx context.Context, storeID, shipmentID string) (LabelDownload, error) {
	storeID = strings.TrimSpace(storeID)
	shipment, found, err := s.existingShipment(ctx, storeID, strings.TrimSpace(shipmentID))
	if err != nil {
		return LabelDownload{}, err
	}
	if !found {
		return LabelDownload{}, ErrShippingNotFound
	}
	if shipment.LabelObject == "" || s.labels == nil {
		if shipment.Label.LabelURL != "" {
			return LabelDownload{URL: shipment.Label.LabelURL}, nil
		}
		return LabelDownload{}, ErrShippingNotFound
	}
	signed, err := s.labels.LabelURL(ctx, storeID, shipment.LabelObject)
	if err != nil {
		return LabelDownload{}, err
	}
	return LabelDownload{URL: signed.URL, ExpiresAt: signed.ExpiresAt}, nil
}

// GetShippingConfig returns the stored configuration with credentials left sealed.
func (s *shippingService) GetShippingConfig(ctx context.Context, storeID string) (ShippingConfig, error) {
	storeID = strings.TrimSpace(storeID)
	if storeID == "" {
		return ShippingConfig{}, fmt.Errorf("%w: store id is required", ErrShippingInvalidInput)
	}
	cfg, err := s.configs.FindShippingConfig(ctx, storeID)
	if err != nil {
		if isRepoNotFound(err) {
			return ShippingConfig{}, ErrShippingNotFound
		}
		return ShippingConfig{}, fmt.Errorf("%w: %v", ErrShippingUnavailable, err)
	}
	return redactCredentials(cfg), nil
}

// SaveShippingConfig validates and stores the configuration, sealing plain carrier credentials.
func (s *shippingService) SaveShippingConfig(ctx context.Context, cmd SaveShippingConfigCommand) (ShippingConfig, error) {
	cfg := cmd.Config
	cfg.StoreID = strings.TrimSpace(cfg.StoreID)
	if cfg.StoreID == "" {
		return ShippingConfig{}, fmt.Errorf("%w: store id is required", ErrShippingInvalidInput)
	}
	if err := validateShippingConfig(cfg); err != nil {
		return ShippingConfig{}, err
	}
	currency, err := domain.NormalizeCurrency(firstNonEmptyString(cfg.Currency, "MXN"))
	if err != nil {
		return ShippingConfig{}, fmt.Errorf("%w: %v", ErrShippingInvalidInput, err)
	}
	cfg.Currency = currency

	cfg.ActiveProviders = textutil.NormalizeIDList(cfg.ActiveProviders)
	metadata, err := s.sealCredentials(ctx, cfg.StoreID, textutil.NormalizeCarrierMetadata(cfg.CarrierMetadata))
	if err != nil {
		return ShippingConfig{}, err
	}
	cfg.CarrierMetadata = metadata
	cfg.UpdatedAt = s.now()

	saved, err := s.configs.SaveShippingConfig(ctx, cfg)
	if err != nil {
		return ShippingConfig{}, fmt.Errorf("%w: %v", ErrShippingUnavailable, err)
	}
	s.logger(ctx, "shipping.config_saved", map[string]any{
		"storeId":   saved.StoreID,
		"providers": saved.ActiveProviders,
	})
	return redactCredentials(saved), nil
}

// sealCredentials seals credentials typed in as plaintext. A blank or redacted credential keeps
// the one already stored for that provider, so a config read through GetShippingConfig can be
// edited and saved back without losing its secrets.
func (s *shippingService) sealCredentials(ctx context.Context, storeID string, metadata map[string]map[string]string) (map[string]map[string]string, error) {
	var (
		stored map[string]map[string]string
		loaded bool
	)
	for provider, values := range metadata {
		secret := values[credentialMetaKey]
		if secret != "" && secret != redactedCredential {
			if s.sealer == nil {
				return nil, fmt.Errorf("%w: credential sealing is not configured", ErrShippingUnavailable)
			}
			sealed, err := s.sealer.Seal(ctx, secret)
			if err != nil {
				return nil, fmt.Errorf("%w: seal credentials: %v", ErrShippingUnavailable, err)
			}
			values[credentialMetaKey] = sealed
			continue
		}

		if !loaded {
			existing, err := s.configs.FindShippingConfig(ctx, storeID)
			switch {
			case err == nil:
				stored = existing.CarrierMetadata
			case isRepoNotFound(err):
			default:
				return nil, fmt.Errorf("%w: %v", ErrShippingUnavailable, err)
			}
			loaded = true
		}
		if previous := stored[provider][credentialMetaKey]; previous != "" {
			values[credentialMetaKey] = previous
		} else {
			delete(values, credentialMetaKey)
		}
	}
	return metadata, nil
}

func (s *shippingService) refresh(ctx context.Context, shipment Shipment) (Shipment, bool, error) {
	if shipment.Label.TrackingNumber == "" || shipment.Tracking.Status.Terminal() {
		return shipment, false, nil
	}
	selection, err := s.selector.Select(ctx, shipment.StoreID, shipment.Class)
	if err != nil {
		return Shipment{}, false, s.selectionError(ctx, shipment.StoreID, shipment.Class, err)
	}
	// the store switched carriers since the label was bought; the old carrier's id means nothing
	// to the new one, so the last known status stands
	if selection == nil || selection.Provider.ID() != shipment.ProviderID {
		s.logger(ctx, "shipping.tracking_provider_changed", map[string]any{
			"shipmentId": shipment.ID,
			"provider":   shipment.ProviderID,
		})
		return shipment, false, nil
	}

	info, err := selection.Provider.TrackShipment(ctx, shipment.Label.TrackingNumber)
	if err != nil {
		return Shipment{}, false, carrierError(err)
	}
	merged, changed := mergeTracking(shipment, info)
	if !changed {
		return shipment, false, nil
	}
	merged.UpdatedAt = s.now()
	if err := s.shipments.Update(ctx, merged); err != nil {
		return Shipment{}, false, fmt.Errorf("%w: %v", ErrShippingUnavailable, err)
	}
	return merged, true, nil
}

func (s *shippingService) existingShipment(ctx context.Context, storeID, shipmentID string) (Shipment, bool, error) {
	if storeID == "" || shipmentID == "" {
		return Shipment{}, false, fmt.Errorf("%w: store id and shipment id are required", ErrShippingInvalidInput)
	}
	shipment, err := s.shipments.FindByID(ctx, shipmentID)
	if err != nil {
		if isRepoNotFound(err) {
			return Shipment{}, false, nil
		}
		return Shipment{}, false, fmt.Errorf("%w: %v", ErrShippingUnavailable, err)
	}
	if shipment.StoreID != storeID {
		return Shipment{}, false, nil
	}
	return shipment, true, nil
}

func (s *shippingService) archiveLabel(ctx context.Context, shipment Shipment) string {
	if s.labels == nil || len(shipment.Label.Document) == 0 {
		return ""
	}
	object, err := s.labels.StoreLabel(ctx, shipment.StoreID, shipment.ID, shipment.Label.DocumentType, shipment.Label.Document)
	if err != nil {
		s.logger(ctx, "shipping.label_archive_failed", map[string]any{
			"shipmentId": shipment.ID,
			"error":      err.Error(),
		})
		return ""
	}
	return object
}

func (s *shippingService) selectionError(ctx context.Context, storeID string, class domain.DeliveryClass, err error) error {
	switch {
	case errors.Is(err, shipping.ErrInvalidRequest):
		return fmt.Errorf("%w: %v", ErrShippingInvalidInput, err)
	case errors.Is(err, shipping.ErrMissingCredentials):
		return fmt.Errorf("%w: %v", ErrShippingUnavailable, err)
	}
	s.logger(ctx, "shipping.config_failed", map[string]any{
		"storeId":  storeID,
		"class":    string(class),
		"error":    err.Error(),
		"severity": "error",
	})
	return fmt.Errorf("%w: %v", ErrShippingUnavailable, err)
}

func quoteClasses(class domain.DeliveryClass) ([]domain.DeliveryClass, error) {
	if class == "" {
		return []domain.DeliveryClass{domain.DeliveryClassLocal, domain.DeliveryClassNational}, nil
	}
	if !class.Valid() {
		return nil, fmt.Errorf("%w: unknown delivery class %q", ErrShippingInvalidInput, class)
	}
	return []domain.DeliveryClass{class}, nil
}

func resolveOrigin(requested *Address, cfg domain.ShippingConfig) Address {
	if requested != nil {
		return *requested
	}
	if cfg.Origin != nil {
		return *cfg.Origin
	}
	return Address{}
}

// applyFreeShipping zero-prices national rates once the subtotal reaches the store threshold.
func applyFreeShipping(rate ShippingRate, cfg domain.ShippingConfig, subtotal int64) ShippingRate {
	if rate.Class != domain.DeliveryClassNational || cfg.FreeShippingThresholdMinor <= 0 {
		return rate
	}
	if subtotal < cfg.FreeShippingThresholdMinor {
		return rate
	}
	rate.OriginalPriceMinor = rate.PriceMinor
	rate.PriceMinor = 0
	return rate
}

func carrierItems(items []LineItem) []LineItem {
	out := make([]LineItem, len(items))
	for i, item := range items {
		item.Name = textutil.PlainText(item.Name, carrierItemNameLimit)
		out[i] = item
	}
	return out
}

func carrierError(err error) error {
	switch {
	case shipping.IsTransport(err):
		return fmt.Errorf("%w: %v", ErrShippingUnavailable, err)
	case errors.Is(err, shipping.ErrProviderRejected):
		return fmt.Errorf("%w: %v", ErrShippingRejected, err)
	case errors.Is(err, shipping.ErrInvalidRequest), errors.Is(err, shipping.ErrIdempotencyKeyRequired):
		return fmt.Errorf("%w: %v", ErrShippingInvalidInput, err)
	default:
		return fmt.Errorf("%w: %v", ErrShippingUnavailable, err)
	}
}

// mergeTracking appends new history and advances the status. Delivered shipments never move back.
func mergeTracking(shipment Shipment, info domain.TrackingInfo) (Shipment, bool) {
	current := shipment.Tracking
	history := domain.MergeHistory(current.History, info.History)
	changed := len(history) != len(current.History)
	current.History = history

	if info.Status != "" && info.Status != current.Status && !current.Status.Terminal() {
		current.Status = info.Status
		changed = true
	}
	if loc := strings.TrimSpace(info.CurrentLocation); loc != "" && loc != current.CurrentLocation {
		current.CurrentLocation = loc
		changed = true
	}
	if info.EstimatedDelivery != nil && (current.EstimatedDelivery == nil || !info.EstimatedDelivery.Equal(*current.EstimatedDelivery)) {
		eta := info.EstimatedDelivery.UTC()
		current.EstimatedDelivery = &eta
		changed = true
	}
	if current.TrackingNumber == "" {
		current.TrackingNumber = shipment.Label.TrackingNumber
	}
	shipment.Tracking = current
	return shipment, changed
}

func validTrackingStatus(status domain.TrackingStatus) bool {
	switch status {
	case domain.TrackingStatusPending, domain.TrackingStatusInTransit, domain.TrackingStatusDelivered, domain.TrackingStatusException:
		return true
	}
	return false
}

func validateShippingConfig(cfg ShippingConfig) error {
	switch {
	case cfg.LocalRadiusKm < 0:
		return fmt.Errorf("%w: local radius must not be negative", ErrShippingInvalidInput)
	case cfg.LocalBasePriceMinor < 0, cfg.NationalFlatRateMinor < 0, cfg.FreeShippingThresholdMinor < 0:
		return fmt.Errorf("%w: prices must not be negative", ErrShippingInvalidInput)
	}
	return nil
}

func redactCredentials(cfg ShippingConfig) ShippingConfig {
	if len(cfg.CarrierMetadata) == 0 {
		return cfg
	}
	out := make(map[string]map[string]string, len(cfg.CarrierMetadata))
	for provider, values := range cfg.CarrierMetadata {
		copied := make(map[string]string, len(values))
		for key, value := range values {
			if key == credentialMetaKey && value != "" {
				value = redactedCredential
			}
			copied[key] = value
		}
		out[provider] = copied
	}
	cfg.CarrierMetadata = out
	return cfg
}

// shipmentIDFor derives a stable id so that retries of the same label request map to one shipment.
func shipmentIDFor(storeID, idempotencyKey string) string {
	sum := sha256.Sum256([]byte(storeID + "|" + idempotencyKey))
	return "shp_" + hex.EncodeToString(sum[:12])
}

func firstNonEmptyString(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
