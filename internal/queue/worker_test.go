package queue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/vinescrow/mlca-reconciler/internal/caclient"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
	"github.com/vinescrow/mlca-reconciler/internal/ratelimit"
	"github.com/vinescrow/mlca-reconciler/internal/testutil"
)

func newTestWorker(t *testing.T, caHandler http.HandlerFunc) (*Worker, *testutil.MockCAJobRepository, *testutil.MockPaymentRepository, *domain.Seller) {
	t.Helper()
	server := httptest.NewServer(caHandler)
	t.Cleanup(server.Close)

	sellers := testutil.NewMockSellerRepository()
	seller := &domain.Seller{
		ID: 1, Slug: "acme",
		CA: domain.CATokens{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)},
	}
	sellers.Add(seller)

	ca := caclient.New(caclient.Config{BaseURL: server.URL}, sellers, ratelimit.NewWithConfig(1000, 1000, 100000), zerolog.Nop())
	jobs := testutil.NewMockCAJobRepository()
	payments := testutil.NewMockPaymentRepository()
	return New(jobs, payments, sellers, ca, zerolog.Nop()), jobs, payments, seller
}

func newJob(seller *domain.Seller, kind domain.JobKind, groupID int64) *domain.CAJob {
	return domain.NewJob(seller.ID, seller.Slug, groupID, kind, "", domain.PriorityReceivable,
		"/v1/financeiro/eventos-financeiros/contas-a-receber", http.MethodPost, json.RawMessage(`{}`), time.Now())
}

func TestProcess_2xxMarksCompleted(t *testing.T) {
	w, jobs, _, seller := newTestWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		json.NewEncoder(rw).Encode(map[string]string{"protocolo": "PROT-1", "status": "PENDING"})
	})
	job := newJob(seller, domain.JobKindReceita, 100)
	jobs.Enqueue(context.Background(), job)

	w.process(context.Background(), job)

	got, _ := jobs.GetByID(context.Background(), job.ID)
	if got.Status != domain.JobCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.Protocol != "PROT-1" {
		t.Errorf("expected protocol to be captured, got %q", got.Protocol)
	}
}

func TestProcess_5xxMarksFailedWithBackoff(t *testing.T) {
	w, jobs, _, seller := newTestWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusInternalServerError)
	})
	job := newJob(seller, domain.JobKindReceita, 101)
	jobs.Enqueue(context.Background(), job)

	w.process(context.Background(), job)

	got, _ := jobs.GetByID(context.Background(), job.ID)
	if got.Status != domain.JobFailed {
		t.Errorf("expected failed (retryable), got %s", got.Status)
	}
	if got.NextRetryAt == nil {
		t.Error("expected a next_retry_at to be set for a retryable failure")
	}
}

func TestProcess_429MarksFailed(t *testing.T) {
	w, jobs, _, seller := newTestWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusTooManyRequests)
	})
	job := newJob(seller, domain.JobKindReceita, 102)
	jobs.Enqueue(context.Background(), job)

	w.process(context.Background(), job)

	got, _ := jobs.GetByID(context.Background(), job.ID)
	if got.Status != domain.JobFailed {
		t.Errorf("expected failed on 429, got %s", got.Status)
	}
}

func TestProcess_NonRetryable4xxMarksDead(t *testing.T) {
	w, jobs, _, seller := newTestWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusBadRequest)
	})
	job := newJob(seller, domain.JobKindReceita, 103)
	jobs.Enqueue(context.Background(), job)

	w.process(context.Background(), job)

	got, _ := jobs.GetByID(context.Background(), job.ID)
	if got.Status != domain.JobDead {
		t.Errorf("expected dead for a non-retryable 4xx, got %s", got.Status)
	}
}

func TestProcess_ExhaustedBackoffGoesDead(t *testing.T) {
	w, jobs, _, seller := newTestWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusInternalServerError)
	})
	job := newJob(seller, domain.JobKindReceita, 104)
	job.Attempts = len(domain.BackoffSchedule)
	jobs.Enqueue(context.Background(), job)

	w.process(context.Background(), job)

	got, _ := jobs.GetByID(context.Background(), job.ID)
	if got.Status != domain.JobDead {
		t.Errorf("expected dead once the backoff schedule is exhausted, got %s", got.Status)
	}
}

func TestProcess_GroupCompletionAdvancesPaymentToSynced(t *testing.T) {
	w, jobs, payments, seller := newTestWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		json.NewEncoder(rw).Encode(map[string]string{"protocolo": "PROT-2", "status": "PENDING"})
	})

	payment, _ := payments.Upsert(context.Background(), &domain.Payment{SellerID: seller.ID, MLPaymentID: 200, ProcessingStatus: domain.PaymentQueued})

	receita := newJob(seller, domain.JobKindReceita, payment.MLPaymentID)
	comissao := newJob(seller, domain.JobKindComissao, payment.MLPaymentID)
	jobs.Enqueue(context.Background(), receita)
	jobs.Enqueue(context.Background(), comissao)

	w.process(context.Background(), receita)
	p, _ := payments.GetByMLID(context.Background(), seller.ID, 200)
	if p.ProcessingStatus == domain.PaymentSynced {
		t.Fatal("payment must not advance to synced while a sibling job is still pending")
	}

	w.process(context.Background(), comissao)
	p, _ = payments.GetByMLID(context.Background(), seller.ID, 200)
	if p.ProcessingStatus != domain.PaymentSynced {
		t.Errorf("expected payment to advance to synced once every group job completed, got %s", p.ProcessingStatus)
	}
}

func TestProcess_SellerLookupFailureFailsJob(t *testing.T) {
	w, jobs, _, seller := newTestWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})
	job := newJob(seller, domain.JobKindReceita, 300)
	job.SellerID = 999 // unknown seller
	jobs.Enqueue(context.Background(), job)

	w.process(context.Background(), job)

	got, _ := jobs.GetByID(context.Background(), job.ID)
	if got.Status != domain.JobFailed {
		t.Errorf("expected failed when the seller lookup fails, got %s", got.Status)
	}
}

func TestExtractProtocol_InvalidBodyReturnsEmpty(t *testing.T) {
	if got := extractProtocol([]byte("not json")); got != "" {
		t.Errorf("expected empty protocol for an undecodable body, got %q", got)
	}
}

func TestRawJSONBody_EmptyPayloadIsNil(t *testing.T) {
	if rawJSONBody(nil) != nil {
		t.Error("expected a nil payload to remain nil")
	}
	if rawJSONBody(json.RawMessage(`{}`)) == nil {
		t.Error("expected a non-empty payload to pass through")
	}
}
