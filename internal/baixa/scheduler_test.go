package baixa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/vinescrow/mlca-reconciler/internal/caclient"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
	"github.com/vinescrow/mlca-reconciler/internal/mlclient"
	"github.com/vinescrow/mlca-reconciler/internal/ratelimit"
	"github.com/vinescrow/mlca-reconciler/internal/release"
	"github.com/vinescrow/mlca-reconciler/internal/testutil"
)

func TestExtractPaymentID(t *testing.T) {
	id, ok := ExtractPaymentID("Venda ML #12345 - Widget")
	if !ok || id != 12345 {
		t.Fatalf("expected to extract 12345, got %d ok=%v", id, ok)
	}
	if _, ok := ExtractPaymentID("no id here"); ok {
		t.Fatal("expected no match for a description without a #id token")
	}
}

func TestRunDaily_EnqueuesBaixaForReleasedInstallment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "contas-a-receber/buscar"):
			json.NewEncoder(w).Encode(map[string]any{
				"parcelas": []map[string]any{
					{"id": "parc-receber-1", "descricao": "Venda ML #500 - Widget", "valor_bruto": "100.00"},
				},
			})
		case strings.Contains(r.URL.Path, "contas-a-pagar/buscar"):
			json.NewEncoder(w).Encode(map[string]any{
				"parcelas": []map[string]any{
					{"id": "parc-pagar-1", "descricao": "Comissao ML Venda ML #500 - Widget", "valor_bruto": "10.00"},
				},
			})
		case strings.Contains(r.URL.Path, "/payments/500"):
			json.NewEncoder(w).Encode(map[string]any{"id": 500})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)

	sellers := testutil.NewMockSellerRepository()
	seller := &domain.Seller{
		ID: 1, Slug: "acme",
		CA: domain.CATokens{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)},
		ML: domain.MLTokens{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)},
		CAIdentifiers: domain.CAIdentifiers{BankAccountID: "bank-1"},
		ReleaseBypassEnabled: true, // no known payment row, so only bypass surfaces it as released
	}
	sellers.Add(seller)

	limiter := ratelimit.NewWithConfig(1000, 1000, 100000)
	ca := caclient.New(caclient.Config{BaseURL: server.URL}, sellers, limiter, zerolog.Nop())
	ml := mlclient.New(mlclient.Config{BaseURL: server.URL}, sellers, limiter, zerolog.Nop())

	payments := testutil.NewMockPaymentRepository()
	checker := release.New(payments, ml, zerolog.Nop())
	jobs := testutil.NewMockCAJobRepository()
	sched := New(ca, checker, jobs, zerolog.Nop())

	sum, err := sched.RunDaily(context.Background(), seller, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// both Receivable and Payable kinds are queried, each returning the same single parcela.
	if sum.Considered != 2 {
		t.Errorf("expected 2 considered (once per kind), got %d", sum.Considered)
	}
	if sum.Enqueued != 2 {
		t.Errorf("expected 2 enqueued (bypass-released), got %d", sum.Enqueued)
	}

	jl, _ := jobs.ListBySeller(context.Background(), seller.ID)
	if len(jl) != 2 {
		t.Fatalf("expected 2 baixa jobs enqueued, got %d", len(jl))
	}
	for _, j := range jl {
		if j.Kind != domain.JobKindBaixa {
			t.Errorf("expected baixa job kind, got %s", j.Kind)
		}
	}
}

func TestRunDaily_UnparsableDescriptionIsSkipped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/buscar") {
			json.NewEncoder(w).Encode(map[string]any{
				"parcelas": []map[string]any{{"id": "parc-2", "descricao": "no payment id here", "valor_bruto": "10.00"}},
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	sellers := testutil.NewMockSellerRepository()
	seller := &domain.Seller{ID: 1, Slug: "acme", CA: domain.CATokens{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}}
	sellers.Add(seller)

	limiter := ratelimit.NewWithConfig(1000, 1000, 100000)
	ca := caclient.New(caclient.Config{BaseURL: server.URL}, sellers, limiter, zerolog.Nop())
	ml := mlclient.New(mlclient.Config{BaseURL: server.URL}, sellers, limiter, zerolog.Nop())
	payments := testutil.NewMockPaymentRepository()
	checker := release.New(payments, ml, zerolog.Nop())
	jobs := testutil.NewMockCAJobRepository()
	sched := New(ca, checker, jobs, zerolog.Nop())

	sum, err := sched.RunDaily(context.Background(), seller, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Enqueued != 0 {
		t.Errorf("expected no jobs enqueued for an unparsable description, got %d", sum.Enqueued)
	}

	jl, _ := jobs.ListBySeller(context.Background(), seller.ID)
	if len(jl) != 0 {
		t.Errorf("expected no jobs, got %d", len(jl))
	}
}

func TestRunDaily_UnknownReleaseStatusCountedNotEnqueued(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/buscar") {
			json.NewEncoder(w).Encode(map[string]any{
				"parcelas": []map[string]any{{"id": "parc-3", "descricao": "Venda ML #700 - Widget", "valor_bruto": "20.00"}},
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	sellers := testutil.NewMockSellerRepository()
	seller := &domain.Seller{ID: 1, Slug: "acme", CA: domain.CATokens{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}}
	sellers.Add(seller)

	limiter := ratelimit.NewWithConfig(1000, 1000, 100000)
	ca := caclient.New(caclient.Config{BaseURL: server.URL}, sellers, limiter, zerolog.Nop())
	ml := mlclient.New(mlclient.Config{BaseURL: server.URL}, sellers, limiter, zerolog.Nop())
	payments := testutil.NewMockPaymentRepository()
	checker := release.New(payments, ml, zerolog.Nop())
	jobs := testutil.NewMockCAJobRepository()
	sched := New(ca, checker, jobs, zerolog.Nop())

	sum, err := sched.RunDaily(context.Background(), seller, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// both Receivable and Payable kinds are queried, each returning the same single parcela.
	if sum.Unknown != 2 {
		t.Errorf("expected 2 unknown (once per kind; no known payment, bypass disabled), got %d", sum.Unknown)
	}
	if sum.Enqueued != 0 {
		t.Error("must not enqueue a baixa for an unknown release status")
	}
}
