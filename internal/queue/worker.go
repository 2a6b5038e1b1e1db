// Package queue is the Job Queue & Worker (spec.md §4.2): durable,
// rate-limited, idempotent delivery of accounting events to Conta Azul.
package queue

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/vinescrow/mlca-reconciler/internal/caclient"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
	"github.com/vinescrow/mlca-reconciler/internal/metrics"
)

// StaleProcessingTimeout is how long a row may sit in processing before
// the worker assumes its owner crashed and reclaims it on startup
// (spec.md §4.2 "On startup...").
const StaleProcessingTimeout = 5 * time.Minute

// PollInterval is the worker loop's cadence (spec.md §4.2 "polls the
// queue every second").
const PollInterval = 1 * time.Second

// BatchSize is how many due jobs one poll claims at once.
const BatchSize = 20

// Worker drains ca_jobs, calling CA with idempotency and interpreting the
// response per spec.md §4.2's table.
type Worker struct {
	jobs     domain.CAJobRepository
	payments domain.PaymentRepository
	sellers  domain.SellerRepository
	ca       *caclient.Client
	log      zerolog.Logger
}

func New(jobs domain.CAJobRepository, payments domain.PaymentRepository, sellers domain.SellerRepository, ca *caclient.Client, log zerolog.Logger) *Worker {
	return &Worker{jobs: jobs, payments: payments, sellers: sellers, ca: ca, log: log.With().Str("component", "job_worker").Logger()}
}

// Run is the cooperative poll loop; it blocks until ctx is cancelled
// (spec.md §5 "single-threaded cooperative scheduler").
func (w *Worker) Run(ctx context.Context) error {
	reset, err := w.jobs.ResetStaleProcessing(ctx, StaleProcessingTimeout)
	if err != nil {
		return err
	}
	if reset > 0 {
		w.log.Warn().Int("count", reset).Msg("reclaimed stale processing jobs on startup")
	}

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				w.log.Error().Err(err).Msg("worker tick failed")
			}
		}
	}
}

func (w *Worker) tick(ctx context.Context) error {
	batch, err := w.jobs.ClaimBatch(ctx, BatchSize)
	if err != nil {
		return err
	}
	for _, job := range batch {
		w.process(ctx, job)
	}
	return nil
}

// process executes one claimed job and interprets CA's response per
// spec.md §4.2's response table.
func (w *Worker) process(ctx context.Context, job *domain.CAJob) {
	log := w.log.With().Str("job_id", job.ID.String()).Str("kind", string(job.Kind)).Logger()

	seller, err := w.sellers.GetByID(ctx, job.SellerID)
	if err != nil {
		w.fail(ctx, job, 0, "", "seller lookup failed: "+err.Error())
		return
	}

	status, body, err := w.ca.Do(ctx, seller, job.Method, job.Endpoint, rawJSONBody(job.Payload))
	if err != nil {
		log.Warn().Err(err).Msg("ca call transport error")
		w.fail(ctx, job, 0, "", err.Error())
		return
	}

	switch {
	case status >= 200 && status < 300:
		protocol := extractProtocol(body)
		if err := w.jobs.MarkCompleted(ctx, job.ID, status, string(body), protocol); err != nil {
			log.Error().Err(err).Msg("mark completed failed")
			return
		}
		metrics.JobsProcessed.WithLabelValues("completed").Inc()
		log.Info().Int("status", status).Str("protocol", protocol).Msg("ca job completed")
		w.checkGroupCompletion(ctx, job)

	case status == http.StatusTooManyRequests || status >= 500:
		metrics.JobsProcessed.WithLabelValues("retry").Inc()
		w.fail(ctx, job, status, string(body), "rate limited or server error")

	case status == http.StatusUnauthorized:
		// The caclient already retried once internally on 401; reaching
		// here means the retry also failed, so treat it like any other
		// failure subject to backoff.
		metrics.JobsProcessed.WithLabelValues("retry").Inc()
		w.fail(ctx, job, status, string(body), "unauthorized after retry")

	default:
		metrics.JobsProcessed.WithLabelValues("dead").Inc()
		log.Warn().Int("status", status).Msg("ca job dead: non-retryable status")
		if err := w.jobs.MarkDead(ctx, job.ID, status, string(body), "non-retryable ca response"); err != nil {
			log.Error().Err(err).Msg("mark dead failed")
		}
	}
}

func (w *Worker) fail(ctx context.Context, job *domain.CAJob, status int, body, lastError string) {
	delay, ok := domain.NextBackoff(job.Attempts + 1)
	if !ok {
		if err := w.jobs.MarkDead(ctx, job.ID, status, body, lastError+" (max attempts exhausted)"); err != nil {
			w.log.Error().Err(err).Msg("mark dead failed")
		}
		return
	}
	next := time.Now().Add(delay)
	if err := w.jobs.MarkFailed(ctx, job.ID, status, body, lastError, &next); err != nil {
		w.log.Error().Err(err).Msg("mark failed failed")
	}
}

// checkGroupCompletion advances the payment to synced once every job in
// its group_id is completed (spec.md §4.2 "Group completion", §3
// invariant 3). If any sibling is dead, the payment does not advance.
func (w *Worker) checkGroupCompletion(ctx context.Context, job *domain.CAJob) {
	statuses, err := w.jobs.GroupStatuses(ctx, job.GroupID)
	if err != nil {
		w.log.Error().Err(err).Int64("group_id", job.GroupID).Msg("group statuses lookup failed")
		return
	}

	allCompleted := true
	for _, s := range statuses {
		if s != domain.JobCompleted {
			allCompleted = false
			break
		}
	}
	if !allCompleted {
		return
	}

	payment, err := w.payments.GetByMLID(ctx, job.SellerID, job.PaymentID)
	if err != nil {
		w.log.Error().Err(err).Int64("payment_id", job.PaymentID).Msg("payment lookup for group completion failed")
		return
	}
	if payment.ProcessingStatus == domain.PaymentSynced {
		return
	}
	if err := w.payments.UpdateStatus(ctx, payment.ID, domain.PaymentSynced, nil); err != nil {
		w.log.Error().Err(err).Int64("payment_id", payment.ID).Msg("advance to synced failed")
		return
	}
	w.log.Info().Int64("payment_id", payment.ID).Int64("group_id", job.GroupID).Msg("payment synced")
}
