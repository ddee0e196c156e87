package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/americana-market/api/internal/commission"
	"github.com/americana-market/api/internal/domain"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrEventUnauthenticated is returned when a provider notification fails signature
	// verification or cannot be confirmed against the provider API.
	ErrEventUnauthenticated = errors.New("payments: event unauthenticated")
	// ErrInvalidRequest is returned when a split payment or link request is incomplete.
	ErrInvalidRequest = errors.New("payments: invalid request")
	// ErrNotSupported is returned when a provider does not implement an optional operation.
	ErrNotSupported = errors.New("payments: operation not supported")
)

// KindUnrecognized classifies provider events that carry no settlement effect.
const KindUnrecognized domain.SettlementKind = "unrecognized"

// Metadata keys attached to every outbound payment so that provider events can be correlated.
const (
	MetadataStoreID = "store_id"
	MetadataOrderID = "order_id"

	legacyMetadataStoreID = "americana_store_id"
	legacyMetadataOrderID = "americana_order_id"
)

// LinkAccountRequest starts onboarding of a vendor payment account.
type LinkAccountRequest struct {
	StoreID           string
	Email             string
	Country           string
	ExistingAccountID string
}

// AccountLink is returned when onboarding starts.
type AccountLink struct {
	Provider          domain.PaymentProvider
	ExternalAccountID string
	OnboardingURL     string
	ExpiresAt         *time.Time
}

// ReturnURLs are the buyer-facing redirects used by hosted payment pages.
type ReturnURLs struct {
	Success string
	Failure string
	Pending string
}

// SplitPaymentRequest describes a payment that settles to one vendor minus the platform fee.
// Commission must be computed before the request is built.
type SplitPaymentRequest struct {
	GrossMinor        int64
	Currency          string
	StoreID           string
	OrderID           string
	VendorAccountID   string
	VendorCredentials string
	Commission        commission.Breakdown
	Items             []domain.LineItem
	BuyerEmail        string
	IdempotencyKey    string
	ReturnURLs        ReturnURLs
}

// Validate checks the invariants shared by every provider.
func (r SplitPaymentRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.StoreID) == "":
		return fmt.Errorf("%w: store id is required", ErrInvalidRequest)
	case strings.TrimSpace(r.OrderID) == "":
		return fmt.Errorf("%w: order id is required", ErrInvalidRequest)
	case strings.TrimSpace(r.IdempotencyKey) == "":
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidRequest)
	case r.GrossMinor <= 0:
		return fmt.Errorf("%w: gross amount must be positive", ErrInvalidRequest)
	case r.Commission.GrossMinor != r.GrossMinor:
		return fmt.Errorf("%w: commission computed for %d, charging %d", ErrInvalidRequest, r.Commission.GrossMinor, r.GrossMinor)
	case r.Commission.FeeMinor+r.Commission.NetMinor != r.GrossMinor:
		return fmt.Errorf("%w: commission does not add up", ErrInvalidRequest)
	}
	return nil
}

// Metadata returns the correlation tags sent with the payment.
func (r SplitPaymentRequest) Metadata() map[string]string {
	return map[string]string{
		MetadataStoreID: r.StoreID,
		MetadataOrderID: r.OrderID,
	}
}

// Handoff tells the client how to complete payment. Exactly one field is set.
type Handoff struct {
	ClientSecret string
	RedirectURL  string
}

// SplitPayment is the provider's acknowledgement of a split payment.
type SplitPayment struct {
	Provider         domain.PaymentProvider
	PaymentReference string
	Handoff          Handoff
	Status           string
}

// Notification is a raw inbound provider webhook.
type Notification struct {
	Payload    []byte
	Headers    http.Header
	Query      url.Values
	ReceivedAt time.Time
}

// ProviderEvent is an authenticated and classified provider event. Monetary values are the
// provider's raw view and are not trusted for fee computation.
type ProviderEvent struct {
	Provider         domain.PaymentProvider
	ID               string
	Type             string
	Kind             domain.SettlementKind
	StoreID          string
	OrderID          string
	Currency         string
	GrossMinor       int64
	ReportedFeeMinor *int64
	RawStatus        string
	PaymentReference string
	Account          *domain.AccountState
	OccurredAt       time.Time
}

// Recognized reports whether the event maps to a settlement kind.
func (e ProviderEvent) Recognized() bool {
	return e.Kind != "" && e.Kind != KindUnrecognized
}

// SplitProvider is implemented by every payment split processor.
type SplitProvider interface {
	Name() domain.PaymentProvider
	LinkVendorAccount(ctx context.Context, req LinkAccountRequest) (AccountLink, error)
	CreateSplitPayment(ctx context.Context, req SplitPaymentRequest) (SplitPayment, error)
	HandleProviderEvent(ctx context.Context, n Notification) (ProviderEvent, error)
}

// AccountStatusReader is implemented by providers whose account state can be polled.
type AccountStatusReader interface {
	AccountStatus(ctx context.Context, externalAccountID string) (domain.AccountState, error)
}

// LinkCompletion is the outcome of an OAuth style account link callback.
type LinkCompletion struct {
	StoreID string
	Account domain.AccountState
}

// AccountLinkCompleter is implemented by providers that finish onboarding through a redirect.
type AccountLinkCompleter interface {
	CompleteAccountLink(ctx context.Context, code, state string) (LinkCompletion, error)
}

// Sealer protects credentials at rest.
type Sealer interface {
	Seal(ctx context.Context, plaintext string) (string, error)
	Open(ctx context.Context, sealed string) (string, error)
}

// Logger is the structured logging hook used by providers.
type Logger func(ctx context.Context, event string, fields map[string]any)

func noopLogger(context.Context, string, map[string]any) {}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[domain.PaymentProvider]SplitProvider
	defaultProvider domain.PaymentProvider
	currencyRoutes  map[string]domain.PaymentProvider
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = normalizeProvider(provider)
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]domain.PaymentProvider, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = normalizeProvider(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers []SplitProvider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	registered := make(map[domain.PaymentProvider]SplitProvider, len(providers))
	for i, p := range providers {
		if p == nil {
			return nil, fmt.Errorf("payments: provider %d is nil", i)
		}
		key := normalizeProvider(string(p.Name()))
		if key == "" {
			return nil, fmt.Errorf("payments: provider %d has no name", i)
		}
		if _, dup := registered[key]; dup {
			return nil, fmt.Errorf("payments: provider %q registered twice", key)
		}
		registered[key] = p
	}
	m := &Manager{providers: registered}
	if _, ok := registered[domain.PaymentProviderStripe]; ok {
		m.defaultProvider = domain.PaymentProviderStripe
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

// Provider returns the provider registered under name.
func (m *Manager) Provider(name string) (SplitProvider, error) {
	if m == nil {
		return nil, errors.New("payments: manager is nil")
	}
	if p, ok := m.providers[normalizeProvider(name)]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, name)
}

// Providers lists the registered provider names.
func (m *Manager) Providers() []domain.PaymentProvider {
	if m == nil {
		return nil
	}
	out := make([]domain.PaymentProvider, 0, len(m.providers))
	for key := range m.providers {
		out = append(out, key)
	}
	return out
}

// Resolve picks the provider for a payment. An explicit preference that is not registered is an
// error rather than a silent fallback.
func (m *Manager) Resolve(ctx PaymentContext) (SplitProvider, error) {
	if m == nil {
		return nil, errors.New("payments: manager is nil")
	}
	if preferred := strings.TrimSpace(ctx.PreferredProvider); preferred != "" {
		return m.Provider(preferred)
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" {
		if key, ok := m.currencyRoutes[currency]; ok {
			if p, ok := m.providers[key]; ok {
				return p, nil
			}
		}
	}
	if m.defaultProvider != "" {
		if p, ok := m.providers[m.defaultProvider]; ok {
			return p, nil
		}
	}
	if len(m.providers) == 1 {
		for _, p := range m.providers {
			return p, nil
		}
	}
	return nil, ErrUnsupportedProvider
}

// CreateSplitPayment delegates to the resolved provider.
func (m *Manager) CreateSplitPayment(ctx context.Context, paymentCtx PaymentContext, req SplitPaymentRequest) (SplitPayment, error) {
	provider, err := m.Resolve(paymentCtx)
	if err != nil {
		return SplitPayment{}, err
	}
	if err := req.Validate(); err != nil {
		return SplitPayment{}, err
	}
	payment, err := provider.CreateSplitPayment(ctx, req)
	if err != nil {
		return SplitPayment{}, err
	}
	payment.Provider = provider.Name()
	return payment, nil
}

// LinkVendorAccount delegates to the named provider.
func (m *Manager) LinkVendorAccount(ctx context.Context, provider string, req LinkAccountRequest) (AccountLink, error) {
	p, err := m.Provider(provider)
	if err != nil {
		return AccountLink{}, err
	}
	if strings.TrimSpace(req.StoreID) == "" {
		return AccountLink{}, fmt.Errorf("%w: store id is required", ErrInvalidRequest)
	}
	link, err := p.LinkVendorAccount(ctx, req)
	if err != nil {
		return AccountLink{}, err
	}
	link.Provider = p.Name()
	return link, nil
}

// HandleProviderEvent delegates to the named provider.
func (m *Manager) HandleProviderEvent(ctx context.Context, provider string, n Notification) (ProviderEvent, error) {
	p, err := m.Provider(provider)
	if err != nil {
		return ProviderEvent{}, err
	}
	return p.HandleProviderEvent(ctx, n)
}

// AccountStatus polls the provider for account state when supported.
func (m *Manager) AccountStatus(ctx context.Context, provider, externalAccountID string) (domain.AccountState, error) {
	p, err := m.Provider(provider)
	if err != nil {
		return domain.AccountState{}, err
	}
	reader, ok := p.(AccountStatusReader)
	if !ok {
		return domain.AccountState{}, fmt.Errorf("%w: %s account status", ErrNotSupported, p.Name())
	}
	return reader.AccountStatus(ctx, externalAccountID)
}

// CompleteAccountLink finishes a redirect based onboarding when supported.
func (m *Manager) CompleteAccountLink(ctx context.Context, provider, code, state string) (LinkCompletion, error) {
	p, err := m.Provider(provider)
	if err != nil {
		return LinkCompletion{}, err
	}
	completer, ok := p.(AccountLinkCompleter)
	if !ok {
		return LinkCompletion{}, fmt.Errorf("%w: %s link completion", ErrNotSupported, p.Name())
	}
	return completer.CompleteAccountLink(ctx, code, state)
}

func normalizeProvider(name string) domain.PaymentProvider {
	return domain.PaymentProvider(strings.ToLower(strings.TrimSpace(name)))
}

func metadataValue(meta map[string]string, key, legacy string) string {
	if meta == nil {
		return ""
	}
	if v := strings.TrimSpace(meta[key]); v != "" {
		return v
	}
	return strings.TrimSpace(meta[legacy])
}
