package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	defaultCleanupSpec     = "@every 1h"
	defaultRefreshSpec     = "@every 15m"
	defaultCleanupBatch    = 200
	defaultMaintenanceSlot = 5 * time.Minute
)

type idempotencySweeper interface {
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// MaintenanceSchedulerDeps wires the scheduled maintenance jobs.
type MaintenanceSchedulerDeps struct {
	Idempotency  idempotencySweeper
	Shipping     ShippingService
	CleanupSpec  string
	RefreshSpec  string
	CleanupBatch int
	RefreshBatch int
	JobTimeout   time.Duration
	Clock        func() time.Time
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

// MaintenanceScheduler runs idempotency cleanup and shipment tracking refresh on cron specs. A run
// that is still in progress when its next tick fires is skipped.
type MaintenanceScheduler struct {
	cron         *cron.Cron
	idempotency  idempotencySweeper
	shipping     ShippingService
	cleanupBatch int
	refreshBatch int
	timeout      time.Duration
	now          func() time.Time
	logger       func(context.Context, string, map[string]any)
}

// NewMaintenanceScheduler registers the jobs whose collaborators are present. Invalid specs are
// rejected here rather than at Start.
func NewMaintenanceScheduler(deps MaintenanceSchedulerDeps) (*MaintenanceScheduler, error) {
	if deps.Idempotency == nil && deps.Shipping == nil {
		return nil, errors.New("maintenance scheduler: at least one job dependency is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	timeout := deps.JobTimeout
	if timeout <= 0 {
		timeout = defaultMaintenanceSlot
	}
	cleanupBatch := deps.CleanupBatch
	if cleanupBatch <= 0 {
		cleanupBatch = defaultCleanupBatch
	}

	cronLog := cronLogger{log: logger}
	s := &MaintenanceScheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLog),
			cron.SkipIfStillRunning(cronLog),
		)),
		idempotency:  deps.Idempotency,
		shipping:     deps.Shipping,
		cleanupBatch: cleanupBatch,
		refreshBatch: deps.RefreshBatch,
		timeout:      timeout,
		now:          func() time.Time { return clock().UTC() },
		logger:       logger,
	}

	if s.idempotency != nil {
		if err := s.schedule("idempotency_cleanup", firstNonEmptyString(deps.CleanupSpec, defaultCleanupSpec), func(ctx context.Context) {
			_, _ = s.CleanupIdempotency(ctx)
		}); err != nil {
			return nil, err
		}
	}
	if s.shipping != nil {
		if err := s.schedule("shipment_refresh", firstNonEmptyString(deps.RefreshSpec, defaultRefreshSpec), func(ctx context.Context) {
			_, _ = s.RefreshShipments(ctx)
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *MaintenanceScheduler) schedule(name, spec string, run func(context.Context)) error {
	_, err := s.cron.AddFunc(strings.TrimSpace(spec), func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		run(ctx)
	})
	if err != nil {
		return fmt.Errorf("maintenance scheduler: %s spec %q: %w", name, spec, err)
	}
	return nil
}

// Jobs reports how many jobs are registered.
func (s *MaintenanceScheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Start runs the scheduler in its own goroutine.
func (s *MaintenanceScheduler) Start() {
	s.cron.Start()
	s.logger(context.Background(), "maintenance.started", map[string]any{"jobs": s.Jobs()})
}

// Stop halts scheduling and waits for running jobs until ctx ends.
func (s *MaintenanceScheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CleanupIdempotency removes expired idempotency records.
func (s *MaintenanceScheduler) CleanupIdempotency(ctx context.Context) (int, error) {
	if s.idempotency == nil {
		return 0, nil
	}
	removed, err := s.idempotency.CleanupExpired(ctx, s.now(), s.cleanupBatch)
	if err != nil {
		s.logger(ctx, "maintenance.idempotency_cleanup_failed", map[string]any{"error": err.Error()})
		return removed, err
	}
	s.logger(ctx, "maintenance.idempotency_cleanup", map[string]any{"removed": removed})
	return removed, nil
}

// RefreshShipments polls carriers for shipments that are still in flight.
func (s *MaintenanceScheduler) RefreshShipments(ctx context.Context) (RefreshSummary, error) {
	if s.shipping == nil {
		return RefreshSummary{}, nil
	}
	summary, err := s.shipping.RefreshActiveShipments(ctx, s.refreshBatch)
	if err != nil {
		s.logger(ctx, "maintenance.shipment_refresh_failed", map[string]any{"error": err.Error()})
		return summary, err
	}
	return summary, nil
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct {
	log func(context.Context, string, map[string]any)
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log(context.Background(), "maintenance.cron."+strings.ReplaceAll(msg, " ", "_"), kvFields(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	fields := kvFields(keysAndValues)
	fields["error"] = err.Error()
	fields["severity"] = "error"
	l.log(context.Background(), "maintenance.cron."+strings.ReplaceAll(msg, " ", "_"), fields)
}

func kvFields(keysAndValues []any) map[string]any {
	fields := make(map[string]any, len(keysAndValues)/2+2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
