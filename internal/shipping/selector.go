package shipping

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/americana-market/api/internal/domain"
)

// ConfigSource loads per-store shipping configuration. A missing config must produce an error
// exposing IsNotFound() == true.
type ConfigSource interface {
	FindShippingConfig(ctx context.Context, storeID string) (domain.ShippingConfig, error)
}

// CredentialOpener reveals sealed credentials stored in carrier metadata.
type CredentialOpener interface {
	Open(ctx context.Context, sealed string) (string, error)
}

// Choice is the outcome of the selection policy for one store and delivery class.
type Choice struct {
	Kind       ProviderKind
	PriceMinor int64
	RadiusKm   float64
}

// Resolve applies the selection policy to a loaded config. The boolean is false when the store
// offers no provider for the class.
func Resolve(cfg domain.ShippingConfig, class domain.DeliveryClass) (Choice, bool) {
	switch class {
	case domain.DeliveryClassLocal:
		if !cfg.LocalDeliveryEnabled {
			return Choice{}, false
		}
		if cfg.HasProvider(CourierProviderID) {
			return Choice{Kind: KindCourier}, true
		}
		return Choice{Kind: KindManual, PriceMinor: cfg.LocalBasePriceMinor, RadiusKm: cfg.LocalRadiusKm}, true
	case domain.DeliveryClassNational:
		if !cfg.NationalShippingEnabled {
			return Choice{}, false
		}
		if cfg.HasProvider(AggregatorProviderID) {
			return Choice{Kind: KindAggregator}, true
		}
		// national fallback is never geographically filtered
		return Choice{Kind: KindManual, PriceMinor: cfg.NationalFlatRateMinor, RadiusKm: 0}, true
	}
	return Choice{}, false
}

// RemoteDefaults holds platform-level connection settings for a remote provider.
type RemoteDefaults struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// SelectorDeps wires the selector collaborators.
type SelectorDeps struct {
	Configs     ConfigSource
	Credentials CredentialOpener
	Courier     RemoteDefaults
	Aggregator  RemoteDefaults
	Policy      CallPolicy
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// Selector instantiates the provider variant for a store and delivery class.
type Selector struct {
	configs     ConfigSource
	credentials CredentialOpener
	courier     RemoteDefaults
	aggregator  RemoteDefaults
	policy      CallPolicy
	clock       func() time.Time
	logger      func(context.Context, string, map[string]any)
}

// NewSelector constructs a Selector.
func NewSelector(deps SelectorDeps) (*Selector, error) {
	if deps.Configs == nil {
		return nil, errors.New("shipping selector: config source is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Selector{
		configs:     deps.Configs,
		credentials: deps.Credentials,
		courier:     deps.Courier,
		aggregator:  deps.Aggregator,
		policy:      deps.Policy.normalized(),
		clock:       clock,
		logger:      logger,
	}, nil
}

// Selection is the provider chosen for a request together with the config it came from.
type Selection struct {
	Provider Provider
	Config   domain.ShippingConfig
	Class    domain.DeliveryClass
}

// Select returns nil without error when the store has no config or has the class disabled.
func (s *Selector) Select(ctx context.Context, storeID string, class domain.DeliveryClass) (*Selection, error) {
	storeID = strings.TrimSpace(storeID)
	if storeID == "" {
		return nil, fmt.Errorf("%w: store id is required", ErrInvalidRequest)
	}
	if !class.Valid() {
		return nil, fmt.Errorf("%w: unknown delivery class %q", ErrInvalidRequest, class)
	}

	cfg, err := s.configs.FindShippingConfig(ctx, storeID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("shipping: load config for store %s: %w", storeID, err)
	}

	choice, ok := Resolve(cfg, class)
	if !ok {
		return nil, nil
	}

	provider, err := s.build(ctx, cfg, class, choice)
	if err != nil {
		return nil, err
	}
	return &Selection{Provider: WithCallPolicy(provider, s.policy), Config: cfg, Class: class}, nil
}

func (s *Selector) build(ctx context.Context, cfg domain.ShippingConfig, class domain.DeliveryClass, choice Choice) (Provider, error) {
	switch choice.Kind {
	case KindCourier:
		provider, err := s.buildCourier(ctx, cfg)
		if err == nil {
			return provider, nil
		}
		if !errors.Is(err, ErrMissingCredentials) {
			return nil, err
		}
		s.logger(ctx, "shipping.selector.fallback", map[string]any{
			"storeId":  cfg.StoreID,
			"provider": CourierProviderID,
			"error":    err.Error(),
		})
		return s.manual(cfg, class, cfg.LocalBasePriceMinor, cfg.LocalRadiusKm), nil
	case KindAggregator:
		provider, err := s.buildAggregator(ctx, cfg)
		if err == nil {
			return provider, nil
		}
		if !errors.Is(err, ErrMissingCredentials) {
			return nil, err
		}
		s.logger(ctx, "shipping.selector.fallback", map[string]any{
			"storeId":  cfg.StoreID,
			"provider": AggregatorProviderID,
			"error":    err.Error(),
		})
		return s.manual(cfg, class, cfg.NationalFlatRateMinor, 0), nil
	default:
		return s.manual(cfg, class, choice.PriceMinor, choice.RadiusKm), nil
	}
}

func (s *Selector) manual(cfg domain.ShippingConfig, class domain.DeliveryClass, price int64, radius float64) Provider {
	return NewManualProvider(ManualConfig{
		PriceMinor: price,
		Currency:   cfg.Currency,
		RadiusKm:   radius,
		Class:      class,
		Clock:      s.clock,
	})
}

func (s *Selector) buildCourier(ctx context.Context, cfg domain.ShippingConfig) (Provider, error) {
	meta := cfg.CarrierMetadata[CourierProviderID]
	token, err := s.credential(ctx, meta["api_key"])
	if err != nil {
		return nil, err
	}
	baseURL := firstNonEmpty(meta["base_url"], s.courier.BaseURL)
	return NewCourierProvider(CourierConfig{
		REST: RESTConfig{
			BaseURL:    baseURL,
			Token:      token,
			Timeout:    s.courier.Timeout,
			HTTPClient: s.courier.HTTPClient,
		},
		CustomerID: meta["customer_id"],
		Currency:   cfg.Currency,
		Clock:      s.clock,
	})
}

func (s *Selector) buildAggregator(ctx context.Context, cfg domain.ShippingConfig) (Provider, error) {
	meta := cfg.CarrierMetadata[AggregatorProviderID]
	token, err := s.credential(ctx, meta["api_key"])
	if err != nil {
		return nil, err
	}
	var carriers []string
	for _, carrier := range strings.Split(meta["carrier_ids"], ",") {
		if trimmed := strings.TrimSpace(carrier); trimmed != "" {
			carriers = append(carriers, trimmed)
		}
	}
	return NewAggregatorProvider(AggregatorConfig{
		REST: RESTConfig{
			BaseURL:    firstNonEmpty(meta["base_url"], s.aggregator.BaseURL),
			Token:      token,
			Timeout:    s.aggregator.Timeout,
			HTTPClient: s.aggregator.HTTPClient,
		},
		Currency:   cfg.Currency,
		CarrierIDs: carriers,
		Clock:      s.clock,
	})
}

func (s *Selector) credential(ctx context.Context, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}
	if s.credentials == nil || !IsSealed(value) {
		return value, nil
	}
	opened, err := s.credentials.Open(ctx, value)
	if err != nil {
		return "", fmt.Errorf("%w: unable to open stored credential: %v", ErrMissingCredentials, err)
	}
	return opened, nil
}

// IsSealed reports whether a metadata value holds a compact JWE rather than a plain value.
func IsSealed(value string) bool {
	return strings.Count(value, ".") == 4 && strings.HasPrefix(value, "eyJ")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func isNotFound(err error) bool {
	var nf interface{ IsNotFound() bool }
	return errors.As(err, &nf) && nf.IsNotFound()
}
