package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/americana-market/api/internal/commission"
	"github.com/americana-market/api/internal/payments"
	"github.com/americana-market/api/internal/platform/config"
	"github.com/americana-market/api/internal/platform/dedupe"
	"github.com/americana-market/api/internal/platform/observability"
	"github.com/americana-market/api/internal/platform/sealer"
	"github.com/americana-market/api/internal/platform/storage"
	"github.com/americana-market/api/internal/repositories"
	"github.com/americana-market/api/internal/services"
	"github.com/americana-market/api/internal/shipping"
	"github.com/americana-market/api/internal/webhooks"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Shipping       services.ShippingService
	Checkout       services.CheckoutService
	VendorAccounts services.VendorAccountService
	Settlement     services.SettlementService
	System         services.SystemService
	// Scheduler is nil when background jobs are disabled.
	Scheduler *services.MaintenanceScheduler
}

// IdempotencySweeper removes expired idempotency records.
type IdempotencySweeper interface {
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// Infrastructure carries the clients built in main that services depend on. Optional members are
// left nil when the matching integration is not configured.
type Infrastructure struct {
	Dedupe      dedupe.Store
	Payments    *payments.Manager
	Sealer      *sealer.Sealer
	Labels      *storage.LabelArchive
	Publisher   services.SettlementPublisher
	Idempotency IdempotencySweeper
	Build       services.BuildInfo
	Logger      *zap.Logger
	Clock       func() time.Time
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Payments     *payments.Manager
	Normalizer   *webhooks.Normalizer
}

// NewContainer constructs the runtime dependencies. Tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, infra Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if infra.Payments == nil {
		return nil, errors.New("payments manager is required")
	}
	if infra.Dedupe == nil {
		return nil, errors.New("dedupe store is required")
	}
	if infra.Logger == nil {
		infra.Logger = zap.NewNop()
	}
	if infra.Clock == nil {
		infra.Clock = time.Now
	}

	engine, err := commissionEngine(cfg)
	if err != nil {
		return nil, err
	}

	normalizer, err := webhooks.NewNormalizer(webhooks.NormalizerDeps{
		Commission:     engine,
		EventLog:       reg.WebhookEvents(),
		Reconciliation: reg.Reconciliation(),
		Clock:          infra.Clock,
		Logger:         observability.EventLogger(infra.Logger.Named("webhooks")),
	})
	if err != nil {
		return nil, fmt.Errorf("init webhook normalizer: %w", err)
	}

	svc, err := buildServices(ctx, cfg, reg, infra, engine)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
		Payments:     infra.Payments,
		Normalizer:   normalizer,
	}, nil
}

// Close stops background jobs and releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Services.Scheduler != nil {
		if err := c.Services.Scheduler.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func commissionEngine(cfg config.Config) (commission.Engine, error) {
	rate, err := cfg.CommissionRate()
	if err != nil {
		return commission.Engine{}, fmt.Errorf("parse commission rate: %w", err)
	}
	engine, err := commission.New(rate)
	if err != nil {
		return commission.Engine{}, fmt.Errorf("init commission engine: %w", err)
	}
	return engine, nil
}

func buildServices(_ context.Context, cfg config.Config, reg repositories.Registry, infra Infrastructure, engine commission.Engine) (Services, error) {
	var svc Services
	logger := infra.Logger

	selectorDeps := shipping.SelectorDeps{
		Configs:    reg.ShippingConfigs(),
		Courier:    shipping.RemoteDefaults{BaseURL: cfg.Shipping.CourierBaseURL},
		Aggregator: shipping.RemoteDefaults{BaseURL: cfg.Shipping.AggregatorBaseURL},
		Policy: shipping.CallPolicy{
			ReadTimeout:  cfg.Shipping.ReadTimeout,
			WriteTimeout: cfg.Shipping.WriteTimeout,
		},
		Clock:  infra.Clock,
		Logger: observability.EventLogger(logger.Named("shipping")),
	}
	if infra.Sealer != nil {
		selectorDeps.Credentials = infra.Sealer
	}
	selector, err := shipping.NewSelector(selectorDeps)
	if err != nil {
		return svc, fmt.Errorf("init shipping selector: %w", err)
	}

	shippingDeps := services.ShippingServiceDeps{
		Selector:  selector,
		Configs:   reg.ShippingConfigs(),
		Shipments: reg.Shipments(),
		Clock:     infra.Clock,
		Logger:    observability.EventLogger(logger.Named("shipping")),
	}
	if infra.Labels != nil {
		shippingDeps.Labels = infra.Labels
	}
	if infra.Sealer != nil {
		shippingDeps.Sealer = infra.Sealer
	}
	shippingSvc, err := services.NewShippingService(shippingDeps)
	if err != nil {
		return svc, fmt.Errorf("init shipping service: %w", err)
	}
	svc.Shipping = shippingSvc

	settlementSvc, err := services.NewSettlementService(services.SettlementServiceDeps{
		Dedupe:         infra.Dedupe,
		Orders:         reg.Orders(),
		VendorAccounts: reg.VendorAccounts(),
		Reconciliation: reg.Reconciliation(),
		Publisher:      infra.Publisher,
		Clock:          infra.Clock,
		Logger:         observability.EventLogger(logger.Named("settlement")),
	})
	if err != nil {
		return svc, fmt.Errorf("init settlement service: %w", err)
	}
	svc.Settlement = settlementSvc

	checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Orders:         reg.Orders(),
		VendorAccounts: reg.VendorAccounts(),
		Payments:       infra.Payments,
		Shipping:       shippingSvc,
		Commission:     engine,
		Clock:          infra.Clock,
		Logger:         observability.EventLogger(logger.Named("checkout")),
	})
	if err != nil {
		return svc, fmt.Errorf("init checkout service: %w", err)
	}
	svc.Checkout = checkoutSvc

	accountSvc, err := services.NewVendorAccountService(services.VendorAccountServiceDeps{
		Accounts:   reg.VendorAccounts(),
		Payments:   infra.Payments,
		Settlement: settlementSvc,
		Clock:      infra.Clock,
		Logger:     observability.EventLogger(logger.Named("accounts")),
	})
	if err != nil {
		return svc, fmt.Errorf("init vendor account service: %w", err)
	}
	svc.VendorAccounts = accountSvc

	if health := reg.Health(); health != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: health,
			Clock:            infra.Clock,
			Build:            infra.Build,
			Logger:           observability.EventLogger(logger.Named("system")),
		})
		if err != nil {
			return svc, fmt.Errorf("init system service: %w", err)
		}
		svc.System = systemSvc
	}

	if cfg.Jobs.Enabled {
		schedulerDeps := services.MaintenanceSchedulerDeps{
			Shipping:     shippingSvc,
			CleanupSpec:  cfg.Jobs.IdempotencyCleanup,
			RefreshSpec:  cfg.Jobs.ShipmentRefresh,
			CleanupBatch: cfg.Idempotency.CleanupBatchSize,
			RefreshBatch: cfg.Jobs.ShipmentRefreshBatch,
			Clock:        infra.Clock,
			Logger:       observability.EventLogger(logger.Named("jobs")),
		}
		if infra.Idempotency != nil {
			schedulerDeps.Idempotency = infra.Idempotency
		}
		scheduler, err := services.NewMaintenanceScheduler(schedulerDeps)
		if err != nil {
			return svc, fmt.Errorf("init maintenance scheduler: %w", err)
		}
		svc.Scheduler = scheduler
	}

	return svc, nil
}
