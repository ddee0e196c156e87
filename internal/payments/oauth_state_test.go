package payments

import (
	"errors"
	"testing"
	"time"

	"github.com/americana-market/api/internal/domain"
)

func TestStateSignerRoundTrip(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	signer, err := NewStateSigner("state-key", 0, func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewStateSigner: %v", err)
	}
	token, err := signer.Sign("store-1", domain.PaymentProviderMercadoPago)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	storeID, err := signer.Verify(token, domain.PaymentProviderMercadoPago)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if storeID != "store-1" {
		t.Fatalf("expected store-1, got %q", storeID)
	}
}

func TestStateSignerRejectsTampering(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := now
	signer, _ := NewStateSigner("state-key", 15*time.Minute, func() time.Time { return clock })
	other, _ := NewStateSigner("other-key", 15*time.Minute, func() time.Time { return clock })

	token, _ := signer.Sign("store-1", domain.PaymentProviderMercadoPago)

	if _, err := other.Verify(token, domain.PaymentProviderMercadoPago); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected signature mismatch to fail, got %v", err)
	}
	if _, err := signer.Verify(token, domain.PaymentProviderStripe); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected provider mismatch to fail, got %v", err)
	}
	if _, err := signer.Verify("eyJhbGciOiJub25lIn0.e30.", domain.PaymentProviderMercadoPago); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected unsigned token to fail, got %v", err)
	}

	clock = now.Add(16 * time.Minute)
	if _, err := signer.Verify(token, domain.PaymentProviderMercadoPago); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected expired state to fail, got %v", err)
	}
}
