package release

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
	"github.com/vinescrow/mlca-reconciler/internal/mlclient"
	"github.com/vinescrow/mlca-reconciler/internal/ratelimit"
	"github.com/vinescrow/mlca-reconciler/internal/testutil"
)

func newTestChecker(t *testing.T, mlHandler http.HandlerFunc) (*Checker, *testutil.MockPaymentRepository, *domain.Seller) {
	t.Helper()
	if mlHandler == nil {
		mlHandler = func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) }
	}
	server := httptest.NewServer(mlHandler)
	t.Cleanup(server.Close)

	sellers := testutil.NewMockSellerRepository()
	seller := &domain.Seller{ID: 1, ML: domain.MLTokens{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}}
	sellers.Add(seller)

	ml := mlclient.New(mlclient.Config{BaseURL: server.URL}, sellers, ratelimit.NewWithConfig(1000, 1000, 100000), zerolog.Nop())
	payments := testutil.NewMockPaymentRepository()
	return New(payments, ml, zerolog.Nop()), payments, seller
}

func TestCheck_NoKnownPaymentWithoutBypassIsUnknown(t *testing.T) {
	c, _, seller := newTestChecker(t, nil)
	result, err := c.Check(context.Background(), seller, 999, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != ResultUnknown {
		t.Errorf("expected unknown, got %s", result)
	}
}

func TestCheck_NoKnownPaymentWithBypassEnabled(t *testing.T) {
	c, _, seller := newTestChecker(t, nil)
	seller.ReleaseBypassEnabled = true
	result, err := c.Check(context.Background(), seller, 999, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != ResultBypass {
		t.Errorf("expected bypass, got %s", result)
	}
}

func TestCheck_CachedReleasedInThePast(t *testing.T) {
	c, payments, seller := newTestChecker(t, nil)
	today := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	released := today.Add(-24 * time.Hour)
	payments.Upsert(context.Background(), &domain.Payment{
		SellerID: seller.ID, MLPaymentID: 100,
		MoneyReleaseStatus: domain.ReleaseStatusReleased, MoneyReleaseDate: &released,
	})

	result, err := c.Check(context.Background(), seller, 100, today)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != ResultReleased {
		t.Errorf("expected released from cache alone (no ML call needed), got %s", result)
	}
}

func TestCheck_StalePendingRefetchesAndUpdatesCache(t *testing.T) {
	today := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	releaseDate := today.Add(-48 * time.Hour)

	c, payments, seller := newTestChecker(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":                  200,
			"money_release_status": "released",
			"money_release_date":  releaseDate.Format(time.RFC3339),
		})
	})

	stalePending := releaseDate.Add(-24 * time.Hour)
	payments.Upsert(context.Background(), &domain.Payment{
		SellerID: seller.ID, MLPaymentID: 200,
		MoneyReleaseStatus: domain.ReleaseStatusPending, MoneyReleaseDate: &stalePending,
	})

	result, err := c.Check(context.Background(), seller, 200, today)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != ResultReleased {
		t.Errorf("expected the re-fetch to resolve to released, got %s", result)
	}

	p, _ := payments.GetByMLID(context.Background(), seller.ID, 200)
	if p.MoneyReleaseStatus != domain.ReleaseStatusReleased {
		t.Errorf("expected the release cache to be updated, got %s", p.MoneyReleaseStatus)
	}
}

func TestCheck_StalePendingStillPendingRemainsUnknown(t *testing.T) {
	today := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	stale := today.Add(-48 * time.Hour)

	c, payments, seller := newTestChecker(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":                  300,
			"money_release_status": "pending",
		})
	})
	payments.Upsert(context.Background(), &domain.Payment{
		SellerID: seller.ID, MLPaymentID: 300,
		MoneyReleaseStatus: domain.ReleaseStatusPending, MoneyReleaseDate: &stale,
	})

	result, err := c.Check(context.Background(), seller, 300, today)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != ResultUnknown {
		t.Errorf("expected unknown when ML still reports pending, got %s", result)
	}
}
