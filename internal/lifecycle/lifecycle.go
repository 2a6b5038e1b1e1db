// Package lifecycle wires every component's dependencies explicitly and
// drives process startup and graceful shutdown, per spec.md §9 Design
// Notes: "init resources, then start the worker, then start schedulers,
// then run until signalled, then drain the worker, then persist, then
// exit."
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vinescrow/mlca-reconciler/internal/archive"
	"github.com/vinescrow/mlca-reconciler/internal/baixa"
	"github.com/vinescrow/mlca-reconciler/internal/caclient"
	"github.com/vinescrow/mlca-reconciler/internal/classifier"
	"github.com/vinescrow/mlca-reconciler/internal/closing"
	"github.com/vinescrow/mlca-reconciler/internal/config"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
	"github.com/vinescrow/mlca-reconciler/internal/expense"
	"github.com/vinescrow/mlca-reconciler/internal/extrato"
	"github.com/vinescrow/mlca-reconciler/internal/metrics"
	"github.com/vinescrow/mlca-reconciler/internal/mlclient"
	"github.com/vinescrow/mlca-reconciler/internal/queue"
	"github.com/vinescrow/mlca-reconciler/internal/ratelimit"
	"github.com/vinescrow/mlca-reconciler/internal/release"
	"github.com/vinescrow/mlca-reconciler/internal/repository/postgres"
	reconsync "github.com/vinescrow/mlca-reconciler/internal/sync"
)

// App holds every initialized component needed to run the pipeline, so
// cmd/reconcilectl's subcommands can each use the pieces they need
// without re-deriving wiring.
type App struct {
	Pool *pgxpool.Pool

	Sellers   *postgres.SellerRepository
	Payments  *postgres.PaymentRepository
	Jobs      *postgres.CAJobRepository
	Expenses  *postgres.ExpenseRepository
	Cursors   *postgres.SyncCursorRepository

	Limiter *ratelimit.Limiter
	ML      *mlclient.Client
	CA      *caclient.Client

	Classifier *classifier.Classifier
	Expense    *expense.Classifier
	Release    *release.Checker
	Sync       *reconsync.Orchestrator
	Baixa      *baixa.Scheduler
	Worker     *queue.Worker
	Coverage   *extrato.CoverageChecker
	Closer     *closing.Closer

	// Archive is nil when ARCHIVE_S3_BUCKET/credentials are not configured;
	// the closer and every caller must treat that as "archiving disabled"
	// rather than fail, since an unwritable dev/test environment should
	// not block closing.
	Archive *archive.Store

	Log zerolog.Logger
}

// New connects to Postgres and builds every component from explicit
// constructor calls (spec.md §9: "no DI container; dependencies are
// passed explicitly").
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	sellers := postgres.NewSellerRepository(pool)
	payments := postgres.NewPaymentRepository(pool)
	jobs := postgres.NewCAJobRepository(pool)
	expenses := postgres.NewExpenseRepository(pool)
	cursors := postgres.NewSyncCursorRepository(pool)

	limiter := ratelimit.NewWithConfig(cfg.RateLimitRefillPerSecond, cfg.RateLimitBurst, cfg.RateLimitPerMinute)

	ml := mlclient.New(mlclient.Config{
		BaseURL:       cfg.MLBaseURL,
		AuthURL:       cfg.MLAuthURL,
		ClientID:      cfg.MLClientID,
		ClientSecret:  cfg.MLClientSecret,
		DetailTimeout: 30 * time.Second,
		ReportTimeout: 300 * time.Second,
		MaxGETRetries: 3,
	}, sellers, limiter, log)

	ca := caclient.New(caclient.Config{
		BaseURL:         cfg.CABaseURL,
		AuthURL:         cfg.CAAuthURL,
		ClientID:        cfg.CAClientID,
		ClientSecret:    cfg.CAClientSecret,
		MutationTimeout: 15 * time.Second,
	}, sellers, limiter, log)

	var store *archive.Store
	if cfg.Archive.Bucket != "" {
		store, err = archive.New(ctx, archive.Config{
			Region: cfg.Archive.Region, Bucket: cfg.Archive.Bucket,
			Endpoint: cfg.Archive.Endpoint, AccessKeyID: cfg.Archive.AccessKeyID, SecretAccessKey: cfg.Archive.SecretAccessKey,
		})
		if err != nil {
			log.Warn().Err(err).Msg("archive store unavailable, raw payloads, statements, and coverage reports will not be persisted")
			store = nil
		}
	}

	cl := classifier.New(payments, jobs, ml, store, log)
	ex := expense.New(expenses, log)
	rel := release.New(payments, ml, log)
	orch := reconsync.New(ml, payments, cursors, cl, ex, log)
	bx := baixa.New(ca, rel, jobs, log)
	worker := queue.New(jobs, payments, sellers, ca, log)

	ing := extrato.NewIngester(expenses, log)
	cov := extrato.NewCoverageChecker(payments, expenses, log)
	closer := closing.New(ing, cov, store, ml, log)

	return &App{
		Pool: pool, Sellers: sellers, Payments: payments, Jobs: jobs, Expenses: expenses, Cursors: cursors,
		Limiter: limiter, ML: ml, CA: ca,
		Classifier: cl, Expense: ex, Release: rel, Sync: orch, Baixa: bx, Worker: worker,
		Coverage: cov, Closer: closer, Archive: store,
		Log: log,
	}, nil
}

// Close releases the pool. Call after the worker and any schedulers have
// stopped.
func (a *App) Close() {
	a.Pool.Close()
}

// RunWorker starts the job worker and a periodic rate-limiter gauge
// sampler, blocking until ctx is cancelled. It is meant to be run in its
// own goroutine by cmd/reconcilectl's "serve" subcommand.
func (a *App) RunWorker(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.sampleLimiter(ctx)
	}()

	err := a.Worker.Run(ctx)
	wg.Wait()
	return err
}

func (a *App) sampleLimiter(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.RateLimiterTokens.Set(a.Limiter.Tokens())
		}
	}
}

// RunNightlyPipeline collapses the individual daily schedulers into the
// single sequential run spec.md §6 describes: "sync → fee-validation →
// extrato ingestion → baixas → legacy export → coverage check → closing".
// The legacy CSV bridge is an explicit Non-goal (spec.md §1, "treated as
// an external collaborator"), so the legacy-export stage is a deliberate
// no-op here rather than a reimplementation of that bridge. Extrato
// ingestion, the coverage check, and closing are folded into one
// closing.Closer.CloseAuto call: the statement must be fully ingested
// before coverage can be evaluated, and nothing baixas writes changes
// that evaluation, so running them back to back after baixas matches the
// spec's ordering in substance.
func (a *App) RunNightlyPipeline(ctx context.Context, now time.Time) error {
	sellers, err := a.Sellers.ListActive(ctx)
	if err != nil {
		return err
	}

	window := reconsync.DefaultWindow(now)
	window.ReprocessMissingFees = true // fee-validation stage

	for _, seller := range sellers {
		log := a.Log.With().Int32("seller_id", seller.ID).Logger()

		if _, err := a.Sync.Run(ctx, seller, window); err != nil {
			log.Error().Err(err).Msg("nightly sync failed")
			continue
		}
		if !seller.ReadyForCA() {
			continue
		}
		if _, err := a.Baixa.RunDaily(ctx, seller, now); err != nil {
			log.Error().Err(err).Msg("nightly baixas failed")
		}

		// legacy export: out of scope (spec.md §1 legacy CSV bridge), no-op.

		if _, err := a.Closer.CloseAuto(ctx, seller, window.Begin, window.End); err != nil {
			if !errors.Is(err, domain.ErrUncoveredStatementLines) {
				log.Error().Err(err).Msg("nightly closing failed")
			} else {
				log.Warn().Err(err).Msg("nightly closing refused: uncovered statement lines")
			}
		}
	}
	return nil
}

var _ domain.SellerRepository = (*postgres.SellerRepository)(nil)
