package shipping

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/americana-market/api/internal/domain"
)

func TestManualProviderRadius(t *testing.T) {
	originLat, originLng := 19.4326, -99.1332
	nearLat, nearLng := 19.4, -99.15
	farLat, farLng := 20.6597, -103.3496

	provider := NewManualProvider(ManualConfig{PriceMinor: 4550, RadiusKm: 15})
	origin := domain.Address{CountryCode: "MX", City: "CDMX", Latitude: &originLat, Longitude: &originLng}

	near, err := provider.GetRates(context.Background(), origin, domain.Address{CountryCode: "MX", City: "CDMX", Latitude: &nearLat, Longitude: &nearLng}, nil)
	if err != nil || len(near) != 1 {
		t.Fatalf("expected one rate within radius, got %v (%v)", near, err)
	}

	far, err := provider.GetRates(context.Background(), origin, domain.Address{CountryCode: "MX", City: "GDL", Latitude: &farLat, Longitude: &farLng}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if far == nil || len(far) != 0 {
		t.Fatalf("expected empty non-nil rate list outside radius, got %v", far)
	}

	noCoords, _ := provider.GetRates(context.Background(), origin, domain.Address{CountryCode: "MX", City: "GDL"}, nil)
	if len(noCoords) != 1 {
		t.Fatalf("expected rate when destination has no coordinates, got %v", noCoords)
	}
}

func TestManualProviderLabelAndTracking(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	provider := NewManualProvider(ManualConfig{Clock: func() time.Time { return now }})

	if _, err := provider.CreateLabel(context.Background(), LabelRequest{}); !errors.Is(err, ErrIdempotencyKeyRequired) {
		t.Fatalf("expected ErrIdempotencyKeyRequired, got %v", err)
	}

	label, err := provider.CreateLabel(context.Background(), LabelRequest{IdempotencyKey: "order-1"})
	if err != nil {
		t.Fatalf("CreateLabel: %v", err)
	}
	if !strings.HasPrefix(label.TrackingNumber, "LOC-") || label.Carrier != "manual" || label.Status != domain.LabelStatusCreated {
		t.Fatalf("unexpected label %+v", label)
	}

	info, err := provider.TrackShipment(context.Background(), label.TrackingNumber)
	if err != nil {
		t.Fatalf("TrackShipment: %v", err)
	}
	if len(info.History) != 1 || !info.History[0].OccurredAt.Equal(now) {
		t.Fatalf("expected one synthetic entry at label time, got %+v", info.History)
	}

	again, _ := provider.TrackShipment(context.Background(), label.TrackingNumber)
	merged := domain.MergeHistory(info.History, again.History)
	if len(merged) != 1 {
		t.Fatalf("expected repeated polls to be stable, got %d entries", len(merged))
	}

	stale, err := provider.TrackShipment(context.Background(), "unknown-id")
	if err != nil || stale.Status != domain.TrackingStatusPending {
		t.Fatalf("expected pending for unknown id, got %+v (%v)", stale, err)
	}
}

func TestManualProviderLabelTimeMatchesTrackingHistory(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 987654321, time.UTC)
	provider := NewManualProvider(ManualConfig{Clock: func() time.Time { return now }})

	label, err := provider.CreateLabel(context.Background(), LabelRequest{IdempotencyKey: "order-1"})
	if err != nil {
		t.Fatalf("CreateLabel: %v", err)
	}
	if !label.CreatedAt.Equal(now.Truncate(time.Millisecond)) {
		t.Fatalf("expected label time truncated to milliseconds, got %s", label.CreatedAt)
	}

	seeded := []domain.TrackingEvent{{Status: domain.TrackingStatusPending, Description: "label created", OccurredAt: label.CreatedAt}}
	info, err := provider.TrackShipment(context.Background(), label.TrackingNumber)
	if err != nil {
		t.Fatalf("TrackShipment: %v", err)
	}
	if merged := domain.MergeHistory(seeded, info.History); len(merged) != 1 {
		t.Fatalf("expected synthetic entry to match the seeded one, got %+v", merged)
	}
}
