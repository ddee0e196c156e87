package sealer

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestSealerRoundTrip(t *testing.T) {
	s, err := New("platform-sealing-secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	sealed, err := s.Seal(ctx, `{"access_token":"APP_USR-123"}`)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if strings.Count(sealed, ".") != 4 || !strings.HasPrefix(sealed, "eyJ") {
		t.Fatalf("expected compact JWE, got %q", sealed)
	}
	if strings.Contains(sealed, "APP_USR") {
		t.Fatalf("plaintext leaked into sealed value")
	}

	opened, err := s.Open(ctx, sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened != `{"access_token":"APP_USR-123"}` {
		t.Fatalf("unexpected plaintext %q", opened)
	}
}

func TestSealerRejectsForeignKey(t *testing.T) {
	ctx := context.Background()
	a, _ := New("key-a")
	b, _ := New("key-b")

	sealed, err := a.Seal(ctx, "secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := b.Open(ctx, sealed); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := a.Open(ctx, "not-a-jwe"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for garbage, got %v", err)
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New("  "); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}
