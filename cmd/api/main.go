package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"github.com/stripe/stripe-go/v78"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/americana-market/api/internal/di"
	"github.com/americana-market/api/internal/handlers"
	"github.com/americana-market/api/internal/payments"
	"github.com/americana-market/api/internal/platform/auth"
	"github.com/americana-market/api/internal/platform/config"
	"github.com/americana-market/api/internal/platform/dedupe"
	pfirestore "github.com/americana-market/api/internal/platform/firestore"
	"github.com/americana-market/api/internal/platform/idempotency"
	"github.com/americana-market/api/internal/platform/jobs"
	"github.com/americana-market/api/internal/platform/observability"
	"github.com/americana-market/api/internal/platform/sealer"
	"github.com/americana-market/api/internal/platform/secrets"
	platformstorage "github.com/americana-market/api/internal/platform/storage"
	"github.com/americana-market/api/internal/repositories"
	firestoreRepo "github.com/americana-market/api/internal/repositories/firestore"
	"github.com/americana-market/api/internal/services"
)

const webhookRetryAfter = 30 * time.Second

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	requiredSecrets := requiredSecretNames(envValues)
	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecrets...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}

	// Settlement dedupe and webhook nonces share one store. Without Redis, claims live in process
	// memory and do not survive restarts.
	var dedupeStore dedupe.Store
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		redisClient, err = dedupe.Dial(ctx, dedupe.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Fatal("failed to connect redis", zap.Error(err))
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
		redisStore, err := dedupe.NewRedisStore(redisClient, dedupe.WithTTL(cfg.Redis.DedupeTTL))
		if err != nil {
			logger.Fatal("failed to initialise dedupe store", zap.Error(err))
		}
		dedupeStore = redisStore
	} else {
		logger.Warn("redis not configured; settlement dedupe is process local")
		dedupeStore = dedupe.NewMemoryStore(cfg.Redis.DedupeTTL, time.Now)
	}

	healthRepo, err := newHealthRepository(firestoreProvider, fetcher, redisClient)
	if err != nil {
		logger.Fatal("failed to initialise health checks", zap.Error(err))
	}
	registry, err := firestoreRepo.NewRegistry(firestoreProvider, healthRepo)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	var publisher services.SettlementPublisher
	var pubsubClient *pubsub.Client
	if topicName := strings.TrimSpace(cfg.PubSub.SettlementTopic); topicName != "" && strings.TrimSpace(cfg.PubSub.ProjectID) != "" {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		topic := pubsubClient.Topic(topicName)
		topic.EnableMessageOrdering = cfg.PubSub.OrderingEnabled
		defer topic.Stop()
		settlementPublisher, err := jobs.NewPubSubSettlementPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise settlement publisher", zap.Error(err))
		}
		publisher = settlementPublisher
	}

	storageClient, err := cloudstorage.NewClient(ctx)
	if err != nil {
		logger.Fatal("failed to initialise storage client", zap.Error(err))
	}
	defer func() {
		if err := storageClient.Close(); err != nil {
			logger.Warn("storage close error", zap.Error(err))
		}
	}()

	signerKey := strings.TrimSpace(cfg.Storage.SignedURLKey)
	if signerKey == "" {
		logger.Fatal("storage signer key is required")
	}
	signer, err := platformstorage.ParseServiceAccountKey([]byte(signerKey))
	if err != nil {
		logger.Fatal("failed to parse storage signer key", zap.Error(err))
	}
	logger.Info("label url signer loaded", zap.String("email", signer.Email()), zap.String("key_id", signer.KeyID()))
	signedURLClient, err := platformstorage.NewClient(signer)
	if err != nil {
		logger.Fatal("failed to initialise signed url client", zap.Error(err))
	}
	labelArchive, err := platformstorage.NewLabelArchive(cfg.Storage.LabelsBucket, storageClient, signedURLClient,
		platformstorage.WithURLTTL(cfg.Storage.LabelURLTTL),
	)
	if err != nil {
		logger.Fatal("failed to initialise label archive", zap.Error(err))
	}

	credentialSealer, err := sealer.New(cfg.Security.CredentialSealingKey)
	if err != nil {
		logger.Fatal("failed to initialise credential sealer", zap.Error(err))
	}

	paymentManager, err := newPaymentManager(cfg, credentialSealer, logger.Named("payments"))
	if err != nil {
		logger.Fatal("failed to initialise payment providers", zap.Error(err))
	}

	idempotencyStore, err := idempotency.NewFirestoreStore(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.EventLogger(logger.Named("idempotency"))),
	)

	container, err := di.NewContainer(ctx, cfg, registry, di.Infrastructure{
		Dedupe:      dedupeStore,
		Payments:    paymentManager,
		Sealer:      credentialSealer,
		Labels:      labelArchive,
		Publisher:   publisher,
		Idempotency: idempotencyStore,
		Build:       buildInfo,
		Logger:      logger,
		Clock:       time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	carrierValidator, carrierSecrets := buildCarrierValidator(logger.Named("auth"), cfg, dedupeStore)

	quoteLimiter := handlers.NewRateLimiter(cfg.RateLimits.DefaultPerMinute, cfg.RateLimits.DefaultPerMinute/4, time.Now)
	webhookLimiter := handlers.NewRateLimiter(cfg.RateLimits.WebhookPerMinute, cfg.RateLimits.WebhookBurst, time.Now)

	svc := container.Services
	shippingHandlers := handlers.NewShippingHandlers(authenticator, svc.Shipping,
		handlers.WithShippingIdempotency(idempotencyMiddleware),
		handlers.WithQuoteRateLimit(handlers.RateLimit(quoteLimiter, handlers.KeyByURLParam("storeID"))),
	)
	accountHandlers := handlers.NewPaymentAccountHandlers(authenticator, svc.VendorAccounts,
		handlers.WithAccountLinkRedirect(cfg.PSP.AccountLinkRedirect),
	)
	checkoutHandlers := handlers.NewCheckoutHandlers(svc.Checkout, idempotencyMiddleware)
	paymentWebhooks := handlers.NewPaymentWebhookHandlers(container.Normalizer, svc.Settlement, container.Payments,
		handlers.WithPaymentWebhookRetryAfter(webhookRetryAfter),
	)
	shippingWebhooks := handlers.NewShippingWebhookHandlers(carrierValidator, svc.Shipping, carrierSecrets)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(svc.System),
	)

	var opts []handlers.Option
	opts = append(opts, handlers.WithMiddlewares(middlewares...))
	opts = append(opts, handlers.WithHealthHandlers(healthHandlers))
	opts = append(opts, handlers.WithStoreRoutes(shippingHandlers.Routes, accountHandlers.StoreRoutes))
	opts = append(opts, handlers.WithCheckoutRoutes(checkoutHandlers.Routes))
	opts = append(opts, handlers.WithPaymentAccountRoutes(accountHandlers.CallbackRoutes))
	opts = append(opts, handlers.WithWebhookRoutes(paymentWebhooks.Routes, shippingWebhooks.Routes))
	if webhookLimiter != nil {
		opts = append(opts, handlers.WithWebhookMiddlewares(handlers.RateLimit(webhookLimiter, handlers.KeyByRemoteAddr)))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if svc.Scheduler != nil {
		svc.Scheduler.Start()
		logger.Info("maintenance jobs scheduled", zap.Int("jobs", svc.Scheduler.Jobs()))
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("marketplace api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if err := container.Close(shutdownCtx); err != nil {
		logger.Warn("container close error", zap.Error(err))
	}
	if pubsubClient != nil {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}
}

func newPaymentManager(cfg config.Config, seal *sealer.Sealer, logger *zap.Logger) (*payments.Manager, error) {
	var providers []payments.SplitProvider
	if cfg.PSP.Stripe.Enabled() {
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:         cfg.PSP.Stripe.APIKey,
			WebhookSecret:  cfg.PSP.Stripe.WebhookSecret,
			ConnectReturn:  cfg.PSP.Stripe.ConnectReturn,
			ConnectRefresh: cfg.PSP.Stripe.ConnectRefresh,
			DefaultCountry: cfg.PSP.Stripe.DefaultCountry,
			Backends:       stripe.NewBackends(&http.Client{Timeout: cfg.PSP.Timeout}),
			Logger:         observability.EventLogger(logger.Named("stripe")),
			Clock:          time.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("stripe: %w", err)
		}
		providers = append(providers, stripeProvider)
	}
	if cfg.PSP.MercadoPago.Enabled() {
		states, err := payments.NewStateSigner(cfg.Security.OAuthStateKey, cfg.Security.OAuthStateTTL, time.Now)
		if err != nil {
			return nil, fmt.Errorf("oauth state signer: %w", err)
		}
		mp := cfg.PSP.MercadoPago
		mercadoPago, err := payments.NewMercadoPagoProvider(payments.MercadoPagoConfig{
			AccessToken:     mp.AccessToken,
			ClientID:        mp.ClientID,
			ClientSecret:    mp.ClientSecret,
			RedirectURL:     mp.RedirectURL,
			NotificationURL: mp.NotificationURL,
			WebhookSecret:   mp.WebhookSecret,
			APIBaseURL:      mp.APIBaseURL,
			AuthBaseURL:     mp.AuthBaseURL,
			Timeout:         cfg.PSP.Timeout,
			States:          states,
			Sealer:          seal,
			Clock:           time.Now,
			Logger:          observability.EventLogger(logger.Named("mercadopago")),
		})
		if err != nil {
			return nil, fmt.Errorf("mercadopago: %w", err)
		}
		providers = append(providers, mercadoPago)
	}
	return payments.NewManager(providers,
		payments.WithDefaultProvider(cfg.PSP.DefaultProvider),
		payments.WithCurrencyRoutes(cfg.PSP.CurrencyRoutes),
	)
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newHealthRepository(provider *pfirestore.Provider, fetcher *secrets.Fetcher, redisClient *redis.Client) (repositories.HealthRepository, error) {
	checks := []repositories.DependencyCheck{{
		Name:     "firestore",
		Critical: true,
		Timeout:  1500 * time.Millisecond,
		Check:    provider.Ping,
	}}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if redisClient != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "redis",
			Critical: true,
			Timeout:  time.Second,
			Check: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		})
	}
	return repositories.NewDependencyHealthRepository(checks)
}

// buildCarrierValidator returns a nil validator when no carrier secrets are configured, which
// leaves the tracking push endpoint answering 503.
func buildCarrierValidator(logger *zap.Logger, cfg config.Config, nonces auth.NonceStore) (*auth.HMACValidator, map[string]string) {
	secretValues := make(map[string]string)
	senders := make(map[string]string)
	for key, value := range cfg.Security.HMAC.Secrets {
		sender := strings.ToLower(strings.TrimSpace(key))
		if sender == "" || strings.TrimSpace(value) == "" {
			continue
		}
		secretValues[sender] = value
		senders[sender] = sender
	}
	if len(secretValues) == 0 {
		logger.Warn("auth: no carrier webhook secrets configured; tracking pushes disabled")
		return nil, nil
	}

	provider := staticSecretProvider{secrets: secretValues}
	validator := auth.NewHMACValidator(provider, nonces,
		auth.WithHMACLogger(observability.EventLogger(logger)),
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
	)
	return validator, senders
}

type staticSecretProvider struct {
	secrets map[string]string
}

func (p staticSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	if len(p.secrets) == 0 {
		return "", errors.New("auth: hmac secrets not configured")
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", errors.New("auth: secret name required")
	}
	if secret, ok := p.secrets[key]; ok && secret != "" {
		return secret, nil
	}
	return "", errors.New("auth: secret not found")
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		if value, ok := env[key]; ok {
			return strings.TrimSpace(value)
		}
		return ""
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	projectMap := secretProjectMapFromEnv(env)
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secrets whose absence must stop startup. Processor secrets are
// only required for the processors that are configured.
func requiredSecretNames(env map[string]string) []string {
	required := []string{
		"Storage.SignedURLKey",
		"Security.CredentialSealingKey",
	}

	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}
	if lookup("API_PSP_STRIPE_API_KEY") != "" {
		required = append(required, "PSP.Stripe.APIKey", "PSP.Stripe.WebhookSecret")
	}
	if lookup("API_PSP_MERCADOPAGO_ACCESS_TOKEN") != "" {
		required = append(required,
			"PSP.MercadoPago.AccessToken",
			"PSP.MercadoPago.ClientSecret",
			"Security.OAuthStateKey",
		)
	}
	if lookup("API_REDIS_PASSWORD") != "" {
		required = append(required, "Redis.Password")
	}
	for _, key := range parseHMACSecretKeys(lookup("API_SECURITY_HMAC_SECRETS")) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", key))
	}

	return uniqueStrings(required)
}

func secretProjectMapFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["API_SECRET_PROJECT_IDS"]
	}
	projects := make(map[string]string)
	for envLabel, project := range parseKeyValueList(raw) {
		projects[strings.ToLower(envLabel)] = project
	}
	return projects
}

func parseHMACSecretKeys(raw string) []string {
	values := parseKeyValueList(raw)
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
