package closing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
	"github.com/vinescrow/mlca-reconciler/internal/extrato"
	"github.com/vinescrow/mlca-reconciler/internal/mlclient"
	"github.com/vinescrow/mlca-reconciler/internal/ratelimit"
	"github.com/vinescrow/mlca-reconciler/internal/testutil"
)

const csvHeader = "row_id,record_type,description,gross_amount,fee_amount,shipping_amount,tax_amount,coupon_amount,net_amount,external_ref,order_id,payment_method,date\n"

func newTestCloser() (*Closer, *testutil.MockPaymentRepository, *testutil.MockExpenseRepository) {
	payments := testutil.NewMockPaymentRepository()
	expenses := testutil.NewMockExpenseRepository()
	ingester := extrato.NewIngester(expenses, zerolog.Nop())
	coverage := extrato.NewCoverageChecker(payments, expenses, zerolog.Nop())
	return New(ingester, coverage, nil, nil, zerolog.Nop()), payments, expenses
}

func TestClose_FullyCoveredStatementSucceeds(t *testing.T) {
	c, payments, _ := newTestCloser()
	payments.Upsert(context.Background(), &domain.Payment{SellerID: 1, MLPaymentID: 555, ProcessingStatus: domain.PaymentSynced})

	csv := csvHeader + "1,order,venda,100,0,0,0,0,100,555,700,pix,2026-01-05\n"
	begin := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)

	report, err := c.Close(context.Background(), 1, begin, end, []byte(csv))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.UncoveredCount() != 0 {
		t.Errorf("expected a fully covered statement, got %d uncovered rows", report.UncoveredCount())
	}
}

func TestClose_UncoveredLineRefusesClosing(t *testing.T) {
	c, _, _ := newTestCloser()

	csv := csvHeader + "1,mystery,unknown,100,0,0,0,0,100,,,,2026-01-05\n"
	begin := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)

	report, err := c.Close(context.Background(), 1, begin, end, []byte(csv))
	if !errors.Is(err, domain.ErrUncoveredStatementLines) {
		t.Fatalf("expected ErrUncoveredStatementLines, got %v", err)
	}
	if report.UncoveredCount() != 1 {
		t.Errorf("expected 1 uncovered row, got %d", report.UncoveredCount())
	}
}

func TestCloseAuto_PullsMostRecentReportAndCloses(t *testing.T) {
	payments := testutil.NewMockPaymentRepository()
	expenses := testutil.NewMockExpenseRepository()
	ingester := extrato.NewIngester(expenses, zerolog.Nop())
	coverage := extrato.NewCoverageChecker(payments, expenses, zerolog.Nop())
	payments.Upsert(context.Background(), &domain.Payment{SellerID: 1, MLPaymentID: 555, ProcessingStatus: domain.PaymentSynced})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/account/release_report/list":
			w.Write([]byte(`{"release_reports":[{"id":"rep-old"},{"id":"rep-new"}]}`))
		case "/v1/account/release_report/rep-new/file":
			w.Write([]byte(csvHeader + "1,order,venda,100,0,0,0,0,100,555,700,pix,2026-01-05\n"))
		default:
			t.Fatalf("unexpected request to %s", r.URL.Path)
		}
	}))
	t.Cleanup(server.Close)

	sellers := testutil.NewMockSellerRepository()
	seller := &domain.Seller{ID: 1, Slug: "acme", ML: domain.MLTokens{AccessToken: "tok", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour)}}
	sellers.Add(seller)

	limiter := ratelimit.NewWithConfig(1000, 1000, 100000)
	ml := mlclient.New(mlclient.Config{BaseURL: server.URL, AuthURL: server.URL}, sellers, limiter, zerolog.Nop())
	c := New(ingester, coverage, nil, ml, zerolog.Nop())

	begin := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	report, err := c.CloseAuto(context.Background(), seller, begin, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.UncoveredCount() != 0 {
		t.Errorf("expected a fully covered statement, got %d uncovered rows", report.UncoveredCount())
	}
}
