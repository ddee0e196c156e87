package shipping

import (
	"context"
	"time"

	"github.com/googleapis/gax-go/v2"

	"github.com/americana-market/api/internal/domain"
)

const (
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 15 * time.Second
)

// CallPolicy bounds provider calls. Reads get one retry after a transport failure. Writes are
// attempted exactly once.
type CallPolicy struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Backoff      gax.Backoff
}

// DefaultCallPolicy returns the policy used when none is configured.
func DefaultCallPolicy() CallPolicy {
	return CallPolicy{
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		Backoff: gax.Backoff{
			Initial:    200 * time.Millisecond,
			Max:        time.Second,
			Multiplier: 2,
		},
	}
}

func (p CallPolicy) normalized() CallPolicy {
	def := DefaultCallPolicy()
	if p.ReadTimeout <= 0 {
		p.ReadTimeout = def.ReadTimeout
	}
	if p.WriteTimeout <= 0 {
		p.WriteTimeout = def.WriteTimeout
	}
	if p.Backoff.Initial <= 0 {
		p.Backoff = def.Backoff
	}
	return p
}

func (p CallPolicy) read(ctx context.Context, op func(context.Context) error) error {
	attempt := func() error {
		callCtx, cancel := context.WithTimeout(ctx, p.ReadTimeout)
		defer cancel()
		return op(callCtx)
	}

	err := attempt()
	if err == nil || !IsTransport(err) || ctx.Err() != nil {
		return err
	}

	backoff := p.Backoff
	if sleepErr := gax.Sleep(ctx, backoff.Pause()); sleepErr != nil {
		return err
	}
	return attempt()
}

func (p CallPolicy) write(ctx context.Context, op func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, p.WriteTimeout)
	defer cancel()
	return op(callCtx)
}

// WithCallPolicy wraps a provider so every call is timeout-bound and reads are retried once.
func WithCallPolicy(provider Provider, policy CallPolicy) Provider {
	if provider == nil {
		return nil
	}
	if existing, ok := provider.(*boundedProvider); ok {
		provider = existing.next
	}
	return &boundedProvider{next: provider, policy: policy.normalized()}
}

type boundedProvider struct {
	next   Provider
	policy CallPolicy
}

func (b *boundedProvider) ID() string         { return b.next.ID() }
func (b *boundedProvider) Kind() ProviderKind { return b.next.Kind() }

func (b *boundedProvider) GetRates(ctx context.Context, origin, destination domain.Address, items []domain.LineItem) ([]domain.ShippingRate, error) {
	var rates []domain.ShippingRate
	err := b.policy.read(ctx, func(ctx context.Context) error {
		var err error
		rates, err = b.next.GetRates(ctx, origin, destination, items)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rates, nil
}

func (b *boundedProvider) CreateLabel(ctx context.Context, req LabelRequest) (domain.ShippingLabel, error) {
	var label domain.ShippingLabel
	err := b.policy.write(ctx, func(ctx context.Context) error {
		var err error
		label, err = b.next.CreateLabel(ctx, req)
		return err
	})
	return label, err
}

func (b *boundedProvider) TrackShipment(ctx context.Context, trackingID string) (domain.TrackingInfo, error) {
	var info domain.TrackingInfo
	err := b.policy.read(ctx, func(ctx context.Context) error {
		var err error
		info, err = b.next.TrackShipment(ctx, trackingID)
		return err
	})
	return info, err
}
