package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultEnvFile                 = ".env"
	defaultPort                    = "8080"
	defaultReadTimeout             = 15 * time.Second
	defaultWriteTimeout            = 30 * time.Second
	defaultIdleTimeout             = 120 * time.Second
	defaultLabelURLTTL             = 15 * time.Minute
	defaultPSPProvider             = "stripe"
	defaultStripeCountry           = "MX"
	defaultMercadoPagoAPIBase      = "https://api.mercadopago.com"
	defaultMercadoPagoAuthBase     = "https://auth.mercadopago.com.mx"
	defaultPSPTimeout              = 10 * time.Second
	defaultCommissionRate          = "0.10"
	defaultShippingReadTimeout     = 5 * time.Second
	defaultShippingWriteTimeout    = 15 * time.Second
	defaultRedisDB                 = 0
	defaultDedupeTTL               = 7 * 24 * time.Hour
	defaultSettlementTopic         = "settlement-events"
	defaultRateLimitDefault        = 120
	defaultRateLimitWebhook        = 600
	defaultRateLimitWebhookBurst   = 60
	defaultSecurityEnvironment     = "local"
	defaultHMACSignatureHeader     = "X-Signature"
	defaultHMACTimestampHeader     = "X-Signature-Timestamp"
	defaultHMACNonceHeader         = "X-Signature-Nonce"
	defaultHMACClockSkew           = 5 * time.Minute
	defaultOAuthStateTTL           = 15 * time.Minute
	defaultIdempotencyHeader       = "Idempotency-Key"
	defaultIdempotencyTTL          = 24 * time.Hour
	defaultIdempotencyInterval     = time.Hour
	defaultIdempotencyBatchSize    = 200
	defaultIdempotencySchedule     = "@every 1h"
	defaultShipmentRefreshSchedule = "@every 15m"
	defaultShipmentRefreshBatch    = 100
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Storage     StorageConfig
	PSP         PSPConfig
	Commission  CommissionConfig
	Shipping    ShippingConfig
	Redis       RedisConfig
	PubSub      PubSubConfig
	RateLimits  RateLimitConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
	Jobs        JobsConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig names the bucket that archives carrier label documents. SignedURLKey is a
// service account JSON key used to sign label download URLs.
type StorageConfig struct {
	LabelsBucket string
	SignedURLKey string
	LabelURLTTL  time.Duration
}

// PSPConfig collects payment service provider settings.
type PSPConfig struct {
	DefaultProvider string
	CurrencyRoutes  map[string]string
	Timeout         time.Duration
	// AccountLinkRedirect is the dashboard URL vendors land on after an OAuth account link.
	AccountLinkRedirect string
	Stripe              StripeConfig
	MercadoPago         MercadoPagoConfig
}

// StripeConfig configures Stripe Connect.
type StripeConfig struct {
	APIKey         string
	WebhookSecret  string
	ConnectReturn  string
	ConnectRefresh string
	DefaultCountry string
}

// Enabled reports whether enough settings are present to register the provider.
func (c StripeConfig) Enabled() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.WebhookSecret) != ""
}

// MercadoPagoConfig configures the MercadoPago marketplace integration.
type MercadoPagoConfig struct {
	AccessToken     string
	ClientID        string
	ClientSecret    string
	RedirectURL     string
	WebhookSecret   string
	NotificationURL string
	APIBaseURL      string
	AuthBaseURL     string
}

// Enabled reports whether enough settings are present to register the provider.
func (c MercadoPagoConfig) Enabled() bool {
	return strings.TrimSpace(c.AccessToken) != "" &&
		strings.TrimSpace(c.ClientID) != "" &&
		strings.TrimSpace(c.ClientSecret) != ""
}

// CommissionConfig holds the platform commission rate as a decimal string.
type CommissionConfig struct {
	Rate string
}

// ShippingConfig configures the remote shipping providers.
type ShippingConfig struct {
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	CourierBaseURL    string
	AggregatorBaseURL string
}

// RedisConfig configures the settlement dedupe store. An empty Addr keeps claims in memory.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	DedupeTTL time.Duration
}

// PubSubConfig configures settlement event fan-out. An empty topic disables publishing.
type PubSubConfig struct {
	ProjectID       string
	SettlementTopic string
	OrderingEnabled bool
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	DefaultPerMinute int
	WebhookPerMinute int
	WebhookBurst     int
}

// SecurityConfig groups signing keys and server-to-server authentication settings.
type SecurityConfig struct {
	Environment          string
	HMAC                 HMACConfig
	OAuthStateKey        string
	OAuthStateTTL        time.Duration
	CredentialSealingKey string
}

// HMACConfig captures carrier webhook signing expectations. Secrets is keyed by sender.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// JobsConfig holds cron specs for background maintenance.
type JobsConfig struct {
	Enabled              bool
	IdempotencyCleanup   string
	ShipmentRefresh      string
	ShipmentRefreshBatch int
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	names := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		names = append(names, secret.redacted)
	}
	sort.Strings(names)
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(names, ", "))
}

// RedactedNames returns a copy of the redacted secret identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.redacted)
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.name)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// Snapshot captures the resolved environment values used during loading so callers can construct
// dependent components (e.g., secret fetcher) with the same inputs.
type Snapshot struct {
	EnvFile         string
	Values          map[string]string
	ResolvedSecrets map[string]string
}

// EnvironmentValues returns the effective key/value environment map after applying the same precedence
// rules as Load (dotenv < OS env < explicit env map). Callers can use the result to initialise
// dependencies before invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	merge := func(source map[string]string) {
		if source == nil {
			return
		}
		for key, value := range source {
			values[key] = value
		}
	}

	merge(dotEnvValues)

	if options.useSystemEnv {
		system := make(map[string]string)
		for _, entry := range os.Environ() {
			if entry == "" {
				continue
			}
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			if key == "" {
				continue
			}
			system[key] = parts[1]
		}
		merge(system)
	}

	merge(options.envMap)

	return values, nil
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory.
// Identifiers should match the config field names recorded by the loader
// (e.g. "PSP.Stripe.APIKey" or "Security.HMAC.Secrets[courier]").
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			LabelsBucket: stringWithDefault(lookup, "API_STORAGE_LABELS_BUCKET", ""),
			SignedURLKey: stringWithDefault(lookup, "API_STORAGE_SIGNED_URL_KEY", ""),
			LabelURLTTL:  durationWithDefault(lookup, "API_STORAGE_LABEL_URL_TTL", defaultLabelURLTTL),
		},
		PSP: PSPConfig{
			DefaultProvider:     strings.ToLower(stringWithDefault(lookup, "API_PSP_DEFAULT_PROVIDER", defaultPSPProvider)),
			CurrencyRoutes:      mapWithDefault(lookup, "API_PSP_CURRENCY_ROUTES"),
			Timeout:             durationWithDefault(lookup, "API_PSP_TIMEOUT", defaultPSPTimeout),
			AccountLinkRedirect: stringWithDefault(lookup, "API_PSP_ACCOUNT_LINK_REDIRECT_URL", ""),
			Stripe: StripeConfig{
				APIKey:         stringWithDefault(lookup, "API_PSP_STRIPE_API_KEY", ""),
				WebhookSecret:  stringWithDefault(lookup, "API_PSP_STRIPE_WEBHOOK_SECRET", ""),
				ConnectReturn:  stringWithDefault(lookup, "API_PSP_STRIPE_CONNECT_RETURN_URL", ""),
				ConnectRefresh: stringWithDefault(lookup, "API_PSP_STRIPE_CONNECT_REFRESH_URL", ""),
				DefaultCountry: strings.ToUpper(stringWithDefault(lookup, "API_PSP_STRIPE_DEFAULT_COUNTRY", defaultStripeCountry)),
			},
			MercadoPago: MercadoPagoConfig{
				AccessToken:     stringWithDefault(lookup, "API_PSP_MERCADOPAGO_ACCESS_TOKEN", ""),
				ClientID:        stringWithDefault(lookup, "API_PSP_MERCADOPAGO_CLIENT_ID", ""),
				ClientSecret:    stringWithDefault(lookup, "API_PSP_MERCADOPAGO_CLIENT_SECRET", ""),
				RedirectURL:     stringWithDefault(lookup, "API_PSP_MERCADOPAGO_REDIRECT_URL", ""),
				WebhookSecret:   stringWithDefault(lookup, "API_PSP_MERCADOPAGO_WEBHOOK_SECRET", ""),
				NotificationURL: stringWithDefault(lookup, "API_PSP_MERCADOPAGO_NOTIFICATION_URL", ""),
				APIBaseURL:      stringWithDefault(lookup, "API_PSP_MERCADOPAGO_API_BASE_URL", defaultMercadoPagoAPIBase),
				AuthBaseURL:     stringWithDefault(lookup, "API_PSP_MERCADOPAGO_AUTH_BASE_URL", defaultMercadoPagoAuthBase),
			},
		},
		Commission: CommissionConfig{
			Rate: stringWithDefault(lookup, "API_COMMISSION_RATE", defaultCommissionRate),
		},
		Shipping: ShippingConfig{
			ReadTimeout:       durationWithDefault(lookup, "API_SHIPPING_READ_TIMEOUT", defaultShippingReadTimeout),
			WriteTimeout:      durationWithDefault(lookup, "API_SHIPPING_WRITE_TIMEOUT", defaultShippingWriteTimeout),
			CourierBaseURL:    stringWithDefault(lookup, "API_SHIPPING_COURIER_BASE_URL", ""),
			AggregatorBaseURL: stringWithDefault(lookup, "API_SHIPPING_AGGREGATOR_BASE_URL", ""),
		},
		Redis: RedisConfig{
			Addr:      stringWithDefault(lookup, "API_REDIS_ADDR", ""),
			Password:  stringWithDefault(lookup, "API_REDIS_PASSWORD", ""),
			DB:        intWithDefault(lookup, "API_REDIS_DB", defaultRedisDB),
			DedupeTTL: durationWithDefault(lookup, "API_REDIS_DEDUPE_TTL", defaultDedupeTTL),
		},
		PubSub: PubSubConfig{
			ProjectID:       stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", ""),
			SettlementTopic: stringWithDefault(lookup, "API_PUBSUB_SETTLEMENT_TOPIC", defaultSettlementTopic),
			OrderingEnabled: boolWithDefault(lookup, "API_PUBSUB_ORDERING", true),
		},
		RateLimits: RateLimitConfig{
			DefaultPerMinute: intWithDefault(lookup, "API_RATELIMIT_DEFAULT_PER_MIN", defaultRateLimitDefault),
			WebhookPerMinute: intWithDefault(lookup, "API_RATELIMIT_WEBHOOK_PER_MIN", defaultRateLimitWebhook),
			WebhookBurst:     intWithDefault(lookup, "API_RATELIMIT_WEBHOOK_BURST", defaultRateLimitWebhookBurst),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			HMAC: HMACConfig{
				Secrets:         mapWithDefault(lookup, "API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       durationWithDefault(lookup, "API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
			},
			OAuthStateKey:        stringWithDefault(lookup, "API_SECURITY_OAUTH_STATE_KEY", ""),
			OAuthStateTTL:        durationWithDefault(lookup, "API_SECURITY_OAUTH_STATE_TTL", defaultOAuthStateTTL),
			CredentialSealingKey: stringWithDefault(lookup, "API_SECURITY_CREDENTIAL_SEALING_KEY", ""),
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		Jobs: JobsConfig{
			Enabled:              boolWithDefault(lookup, "API_JOBS_ENABLED", true),
			IdempotencyCleanup:   stringWithDefault(lookup, "API_JOBS_IDEMPOTENCY_CLEANUP", defaultIdempotencySchedule),
			ShipmentRefresh:      stringWithDefault(lookup, "API_JOBS_SHIPMENT_REFRESH", defaultShipmentRefreshSchedule),
			ShipmentRefreshBatch: intWithDefault(lookup, "API_JOBS_SHIPMENT_REFRESH_BATCH", defaultShipmentRefreshBatch),
		},
	}

	resolvedSecrets := make(map[string]string)
	recordSecret := func(name, value string) {
		resolvedSecrets[name] = strings.TrimSpace(value)
	}
	resolveField := func(name string, field *string) error {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return err
		}
		*field = resolved
		recordSecret(name, resolved)
		return nil
	}

	// Firestore and Pub/Sub default to the Firebase project when unspecified.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}

	for key, value := range cfg.Security.HMAC.Secrets {
		fieldName := fmt.Sprintf("Security.HMAC.Secrets[%s]", key)
		resolved, err := resolveSecret(ctx, value, options.secret)
		if err != nil {
			return Config{}, err
		}
		cfg.Security.HMAC.Secrets[key] = resolved
		recordSecret(fieldName, resolved)
	}

	// Resolve secrets when values reference Secret Manager.
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Storage.SignedURLKey", &cfg.Storage.SignedURLKey},
		{"PSP.Stripe.APIKey", &cfg.PSP.Stripe.APIKey},
		{"PSP.Stripe.WebhookSecret", &cfg.PSP.Stripe.WebhookSecret},
		{"PSP.MercadoPago.AccessToken", &cfg.PSP.MercadoPago.AccessToken},
		{"PSP.MercadoPago.ClientSecret", &cfg.PSP.MercadoPago.ClientSecret},
		{"PSP.MercadoPago.WebhookSecret", &cfg.PSP.MercadoPago.WebhookSecret},
		{"Redis.Password", &cfg.Redis.Password},
		{"Security.OAuthStateKey", &cfg.Security.OAuthStateKey},
		{"Security.CredentialSealingKey", &cfg.Security.CredentialSealingKey},
	}
	for _, target := range secretFields {
		if err := resolveField(target.name, target.field); err != nil {
			return Config{}, err
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

// CommissionRate parses the configured commission rate.
func (c Config) CommissionRate() (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(c.Commission.Rate))
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" {
		return value, nil
	}
	if !isSecretReference(value) {
		return value, nil
	}
	if resolver == nil {
		normalized := normalizeSecretReference(value)
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	normalized := normalizeSecretReference(value)
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

var knownPaymentProviders = map[string]struct{}{
	"stripe":      {},
	"mercadopago": {},
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		missing = append(missing, "Firebase.ProjectID")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if cfg.Storage.LabelsBucket == "" {
		missing = append(missing, "Storage.LabelsBucket")
	}
	if _, ok := knownPaymentProviders[cfg.PSP.DefaultProvider]; !ok {
		missing = append(missing, "PSP.DefaultProvider")
	}
	for currency, provider := range cfg.PSP.CurrencyRoutes {
		if _, ok := knownPaymentProviders[strings.ToLower(provider)]; !ok {
			missing = append(missing, fmt.Sprintf("PSP.CurrencyRoutes[%s]", currency))
		}
	}
	if !cfg.PSP.Stripe.Enabled() && !cfg.PSP.MercadoPago.Enabled() {
		missing = append(missing, "PSP.Stripe", "PSP.MercadoPago")
	}
	if cfg.PSP.MercadoPago.Enabled() && strings.TrimSpace(cfg.Security.OAuthStateKey) == "" {
		missing = append(missing, "Security.OAuthStateKey")
	}
	if rate, err := cfg.CommissionRate(); err != nil || rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		missing = append(missing, "Commission.Rate")
	}
	if cfg.Shipping.ReadTimeout <= 0 {
		missing = append(missing, "Shipping.ReadTimeout")
	}
	if cfg.Shipping.WriteTimeout <= 0 {
		missing = append(missing, "Shipping.WriteTimeout")
	}
	if strings.TrimSpace(cfg.Security.CredentialSealingKey) == "" {
		missing = append(missing, "Security.CredentialSealingKey")
	}
	if cfg.Redis.DedupeTTL <= 0 {
		missing = append(missing, "Redis.DedupeTTL")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}
	if cfg.Jobs.Enabled {
		if strings.TrimSpace(cfg.Jobs.IdempotencyCleanup) == "" {
			missing = append(missing, "Jobs.IdempotencyCleanup")
		}
		if strings.TrimSpace(cfg.Jobs.ShipmentRefresh) == "" {
			missing = append(missing, "Jobs.ShipmentRefresh")
		}
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	if len(required) == 0 {
		return nil
	}
	missing := make([]missingSecret, 0, len(required))
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if value := strings.TrimSpace(resolved[trimmed]); value != "" {
			continue
		}
		missing = append(missing, missingSecret{
			name:     trimmed,
			redacted: redactSecretName(trimmed),
		})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		value = strings.Trim(value, "\"'")
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func mapWithDefault(lookup func(string) (string, bool), key string) map[string]string {
	values := make(map[string]string)
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return values
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(parts[0]))
		secret := strings.TrimSpace(parts[1])
		if name == "" || secret == "" {
			continue
		}
		values[name] = secret
	}
	return values
}
