package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vinescrow/mlca-reconciler/internal/classifier"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
	"github.com/vinescrow/mlca-reconciler/internal/expense"
	"github.com/vinescrow/mlca-reconciler/internal/mlclient"
	"github.com/vinescrow/mlca-reconciler/internal/ratelimit"
	"github.com/vinescrow/mlca-reconciler/internal/testutil"
)

func TestDefaultWindow_BoundsAreThreeAndOneDaysBack(t *testing.T) {
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	win := DefaultWindow(now)
	if !win.Begin.Equal(now.AddDate(0, 0, -3)) {
		t.Errorf("expected begin 3 days back, got %v", win.Begin)
	}
	if !win.End.Equal(now.AddDate(0, 0, -1)) {
		t.Errorf("expected end 1 day back, got %v", win.End)
	}
}

func newSearchServer(t *testing.T, orderPayment, expensePayment int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/payments/search":
			orderID := int64(9000)
			json.NewEncoder(w).Encode(map[string]any{
				"results": []map[string]any{
					{"id": orderPayment, "status": "approved", "order_id": orderID, "transaction_amount": "10.00", "net_received_amount": "9.00"},
					{"id": expensePayment, "status": "approved", "operation_type": "money_transfer", "description": "cashback bonus"},
				},
				"paging": map[string]any{"total": 2, "offset": 0, "limit": 50},
			})
		case r.URL.Path == "/orders/9000":
			json.NewEncoder(w).Encode(map[string]any{"id": 9000, "order_items": []map[string]any{{"item": map[string]any{"title": "Widget"}}}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestOrchestrator(t *testing.T, server *httptest.Server) (*Orchestrator, *testutil.MockPaymentRepository, *domain.Seller) {
	t.Helper()
	sellers := testutil.NewMockSellerRepository()
	seller := &domain.Seller{
		ID: 1, Slug: "acme",
		ML:            domain.MLTokens{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)},
		CAIdentifiers: domain.CAIdentifiers{BankAccountID: "bank-1", CostCentreID: "cc-1"},
	}
	sellers.Add(seller)

	limiter := ratelimit.NewWithConfig(1000, 1000, 100000)
	ml := mlclient.New(mlclient.Config{BaseURL: server.URL}, sellers, limiter, zerolog.Nop())

	payments := testutil.NewMockPaymentRepository()
	jobs := testutil.NewMockCAJobRepository()
	cl := classifier.New(payments, jobs, ml, nil, zerolog.Nop())
	ex := expense.New(testutil.NewMockExpenseRepository(), zerolog.Nop())
	cursors := testutil.NewMockSyncCursorRepository()

	return New(ml, payments, cursors, cl, ex, zerolog.Nop()), payments, seller
}

func TestRun_RoutesOrderAndNonOrderPayments(t *testing.T) {
	server := newSearchServer(t, 1001, 1002)
	orch, payments, seller := newTestOrchestrator(t, server)

	counters, err := orch.Run(context.Background(), seller, DefaultWindow(time.Now()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Two range fields (date_approved, date_last_updated) each enumerate
	// the same 2 results; enumerate deduplicates by payment id across
	// both fields, so one of each kind is processed.
	if counters.OrdersProcessed < 1 {
		t.Errorf("expected at least 1 order-bearing payment processed, got %d", counters.OrdersProcessed)
	}
	if counters.ExpensesClassified < 1 {
		t.Errorf("expected at least 1 non-order payment classified as an expense, got %d", counters.ExpensesClassified)
	}

	p, err := payments.GetByMLID(context.Background(), seller.ID, 1001)
	if err != nil {
		t.Fatalf("expected order payment to be persisted: %v", err)
	}
	if p.ProcessingStatus != domain.PaymentQueued {
		t.Errorf("expected queued status, got %s", p.ProcessingStatus)
	}
}

func TestRun_DryRunSkipsProcessing(t *testing.T) {
	server := newSearchServer(t, 2001, 2002)
	orch, payments, seller := newTestOrchestrator(t, server)

	opts := DefaultWindow(time.Now())
	opts.DryRun = true
	counters, err := orch.Run(context.Background(), seller, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counters.OrdersProcessed != 0 || counters.ExpensesClassified != 0 {
		t.Errorf("expected a dry run to process nothing, got %+v", counters)
	}
	if counters.Enumerated == 0 {
		t.Error("expected a dry run to still enumerate (and count) payments")
	}
	if _, err := payments.GetByMLID(context.Background(), seller.ID, 2001); err == nil {
		t.Error("expected a dry run to leave no persisted payment rows")
	}
}

func TestRun_TerminalPaymentsAreSkippedOnReprocess(t *testing.T) {
	server := newSearchServer(t, 3001, 3002)
	orch, payments, seller := newTestOrchestrator(t, server)

	payments.Upsert(context.Background(), &domain.Payment{SellerID: seller.ID, MLPaymentID: 3001, ProcessingStatus: domain.PaymentSynced, ProcessorFee: decimal.NewFromFloat(5)})

	counters, err := orch.Run(context.Background(), seller, DefaultWindow(time.Now()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counters.Errors != 0 {
		t.Errorf("expected no errors, got %d", counters.Errors)
	}
	p, _ := payments.GetByMLID(context.Background(), seller.ID, 3001)
	if p.ProcessingStatus != domain.PaymentSynced {
		t.Errorf("expected the already-synced payment to remain untouched, got %s", p.ProcessingStatus)
	}
}
