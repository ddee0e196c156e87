//go:build integration

package firestore

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/americana-market/api/internal/domain"
	pconfig "github.com/americana-market/api/internal/platform/config"
	pfirestore "github.com/americana-market/api/internal/platform/firestore"
	"github.com/americana-market/api/internal/repositories"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

func TestOrderRepositoryApplySettlementIntegration(t *testing.T) {
	provider := startProvider(t, "orders-test")

	repo, err := NewOrderRepository(provider)
	if err != nil {
		t.Fatalf("new order repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	order := domain.Order{
		ID:       "order-1",
		StoreID:  "store-1",
		Status:   domain.OrderStatusPendingPayment,
		Currency: "MXN",
		Items:    []domain.LineItem{{Name: "Mug", Quantity: 2, UnitPriceMinor: 500}},
		Totals: domain.OrderTotals{
			Currency:         "MXN",
			SubtotalMinor:    1000,
			TotalMinor:       1000,
			PlatformFeeMinor: 100,
			VendorNetMinor:   900,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repo.Insert(ctx, order); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := repo.Insert(ctx, order); !isConflict(err) {
		t.Fatalf("expected conflict on duplicate insert, got %v", err)
	}

	event := domain.SettlementEvent{
		Provider:         domain.PaymentProviderStripe,
		ProviderEventID:  "evt_paid",
		Kind:             domain.SettlementPaymentSucceeded,
		OrderID:          "order-1",
		StoreID:          "store-1",
		GrossMinor:       1000,
		PlatformFeeMinor: 100,
		NetMinor:         900,
	}

	const workers = 8
	results := make([]repositories.SettlementApplyResult, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(idx int) {
			defer wg.Done()
			res, err := repo.ApplySettlement(ctx, event, now)
			if err != nil {
				t.Errorf("apply(%d): %v", idx, err)
				return
			}
			results[idx] = res
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, res := range results {
		if res.Applied {
			applied++
		} else if res.SkipReason != repositories.SettlementSkipAlreadyApplied {
			t.Fatalf("unexpected skip reason %q", res.SkipReason)
		}
	}
	if applied != 1 {
		t.Fatalf("expected exactly one application, got %d", applied)
	}

	stored, err := repo.FindByID(ctx, "order-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.Status != domain.OrderStatusPaid || len(stored.AppliedEvents) != 1 {
		t.Fatalf("unexpected stored order %+v", stored)
	}

	stale := event
	stale.ProviderEventID = "evt_failed"
	stale.Kind = domain.SettlementPaymentFailed
	res, err := repo.ApplySettlement(ctx, stale, now)
	if err != nil {
		t.Fatalf("apply stale: %v", err)
	}
	if res.Applied || res.SkipReason != repositories.SettlementSkipStale {
		t.Fatalf("expected stale skip, got %+v", res)
	}

	other := event
	other.ProviderEventID = "evt_other"
	other.StoreID = "store-2"
	res, err = repo.ApplySettlement(ctx, other, now)
	if err != nil {
		t.Fatalf("apply mismatched store: %v", err)
	}
	if res.SkipReason != repositories.SettlementSkipStoreMismatch {
		t.Fatalf("expected store mismatch, got %+v", res)
	}
}

func TestVendorAccountRepositoryApplyStateIntegration(t *testing.T) {
	provider := startProvider(t, "accounts-test")
	repo, err := NewVendorAccountRepository(provider)
	if err != nil {
		t.Fatalf("new vendor account repository: %v", err)
	}
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	created, err := repo.ApplyAccountState(ctx, "store-1", domain.PaymentProviderStripe, domain.AccountState{ExternalAccountID: "acct_1"}, at)
	if err != nil {
		t.Fatalf("apply state: %v", err)
	}
	if created.Status != domain.VendorAccountStatusPending || created.ExternalAccountID != "acct_1" {
		t.Fatalf("unexpected created account %+v", created)
	}

	updated, err := repo.ApplyAccountState(ctx, "store-1", domain.PaymentProviderStripe, domain.AccountState{ChargesEnabled: true, PayoutsEnabled: true}, at.Add(time.Hour))
	if err != nil {
		t.Fatalf("apply state: %v", err)
	}
	if updated.Status != domain.VendorAccountStatusActive || updated.ExternalAccountID != "acct_1" || !updated.CreatedAt.Equal(at) {
		t.Fatalf("unexpected updated account %+v", updated)
	}
}

func startProvider(t *testing.T, project string) *pfirestore.Provider {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })
	waitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: project, EmulatorHost: endpoint})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })
	return provider
}

func isConflict(err error) bool {
	repoErr, ok := err.(repositories.RepositoryError)
	return ok && repoErr.IsConflict()
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}
	out, err := exec.Command("docker", args...).CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		t.Fatalf("docker daemon not available: %v", err)
	}
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, "docker", "stop", id).Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}
