// Package httpapi is the small operator HTTP surface: triggering sync,
// backfill, baixas, and closing runs by hand, and inspecting/retrying
// dead jobs. There is no seller-facing API (spec.md §9 Design Notes).
package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/vinescrow/mlca-reconciler/internal/backfill"
	"github.com/vinescrow/mlca-reconciler/internal/baixa"
	"github.com/vinescrow/mlca-reconciler/internal/classifier"
	"github.com/vinescrow/mlca-reconciler/internal/closing"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
	"github.com/vinescrow/mlca-reconciler/internal/expense"
	"github.com/vinescrow/mlca-reconciler/internal/extrato"
	"github.com/vinescrow/mlca-reconciler/internal/metrics"
	"github.com/vinescrow/mlca-reconciler/internal/mlclient"
	"github.com/vinescrow/mlca-reconciler/internal/sync"
)

// Handler wires the operator API to the pipeline components it triggers
// on demand.
type Handler struct {
	sellers    domain.SellerRepository
	jobs       domain.CAJobRepository
	payments   domain.PaymentRepository
	expenses   domain.ExpenseRepository
	ml         *mlclient.Client
	classifier *classifier.Classifier
	expense    *expense.Classifier
	sync       *sync.Orchestrator
	baixa      *baixa.Scheduler
	coverage   *extrato.CoverageChecker
	closer     *closing.Closer
	log        zerolog.Logger
}

func NewHandler(
	sellers domain.SellerRepository,
	jobs domain.CAJobRepository,
	payments domain.PaymentRepository,
	expenses domain.ExpenseRepository,
	ml *mlclient.Client,
	cl *classifier.Classifier,
	ex *expense.Classifier,
	orch *sync.Orchestrator,
	baixaSched *baixa.Scheduler,
	coverage *extrato.CoverageChecker,
	closer *closing.Closer,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		sellers: sellers, jobs: jobs, payments: payments, expenses: expenses,
		ml: ml, classifier: cl, expense: ex,
		sync: orch, baixa: baixaSched, coverage: coverage, closer: closer,
		log: log.With().Str("component", "operator_api").Logger(),
	}
}

// RegisterRoutes mounts the operator endpoints under an authenticated
// group and the unauthenticated /health and /metrics endpoints.
func RegisterRoutes(e *echo.Echo, auth echo.MiddlewareFunc, h *Handler) {
	e.GET("/health", h.Health)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	operator := e.Group("/operator", auth)
	operator.POST("/sync", h.RunSync)
	operator.POST("/backfill", h.RunBackfill)
	operator.POST("/baixas", h.RunBaixas)
	operator.POST("/close", h.RunClose)
	operator.GET("/jobs/dead", h.ListDeadJobs)
	operator.POST("/jobs/:id/retry", h.RetryJob)
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type syncRequest struct {
	SellerID             int32  `json:"sellerId"`
	Begin                string `json:"begin,omitempty"`
	End                  string `json:"end,omitempty"`
	DryRun               bool   `json:"dryRun,omitempty"`
	ReprocessMissingFees bool   `json:"reprocessMissingFees,omitempty"`
}

// RunSync handles POST /operator/sync: a manual invocation of the Daily
// Sync Orchestrator (spec.md §4.3), useful for re-running a window after
// an incident.
func (h *Handler) RunSync(c echo.Context) error {
	var req syncRequest
	if err := c.Bind(&req); err != nil {
		return NewValidationError(c, "malformed request body")
	}
	if req.SellerID == 0 {
		return NewValidationError(c, "sellerId is required")
	}

	seller, err := h.sellers.GetByID(c.Request().Context(), req.SellerID)
	if err != nil {
		if errors.Is(err, domain.ErrSellerNotFound) {
			return NewNotFoundError(c, "seller not found")
		}
		return NewInternalError(c, err.Error())
	}

	opts := sync.DefaultWindow(time.Now())
	if req.Begin != "" {
		t, err := time.Parse("2006-01-02", req.Begin)
		if err != nil {
			return NewValidationError(c, "begin must be YYYY-MM-DD")
		}
		opts.Begin = t
	}
	if req.End != "" {
		t, err := time.Parse("2006-01-02", req.End)
		if err != nil {
			return NewValidationError(c, "end must be YYYY-MM-DD")
		}
		opts.End = t
	}
	opts.DryRun = req.DryRun
	opts.ReprocessMissingFees = req.ReprocessMissingFees

	counters, err := h.sync.Run(c.Request().Context(), seller, opts)
	if err != nil {
		return NewInternalError(c, err.Error())
	}
	return c.JSON(http.StatusOK, counters)
}

type backfillRequest struct {
	SellerID int32 `json:"sellerId"`
}

// RunBackfill handles POST /operator/backfill: starts the Onboarding
// Backfill (spec.md §4.7) for one seller. A backfill can walk months of
// history, so it is launched in the background and this handler returns
// 202 immediately; progress is tracked on the seller row itself
// (BackfillStatus/BackfillProgress) and can be polled separately.
func (h *Handler) RunBackfill(c echo.Context) error {
	var req backfillRequest
	if err := c.Bind(&req); err != nil {
		return NewValidationError(c, "malformed request body")
	}

	seller, err := h.sellers.GetByID(c.Request().Context(), req.SellerID)
	if err != nil {
		if errors.Is(err, domain.ErrSellerNotFound) {
			return NewNotFoundError(c, "seller not found")
		}
		return NewInternalError(c, err.Error())
	}

	if seller.BackfillStatus == domain.BackfillStatusRunning {
		return NewConflictError(c, "backfill already running for this seller")
	}

	runner := backfill.New(h.ml, h.payments, h.expenses, h.sellers, h.classifier, h.expense, h.log)
	go func() {
		bgCtx := context.Background()
		if err := runner.Run(bgCtx, seller, time.Now()); err != nil {
			h.log.Error().Err(err).Int32("seller_id", seller.ID).Msg("backfill failed")
		}
	}()

	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

type baixaRequest struct {
	SellerID int32 `json:"sellerId"`
}

// RunBaixas handles POST /operator/baixas: a manual invocation of the
// Baixa Scheduler's daily pass (spec.md §4.5).
func (h *Handler) RunBaixas(c echo.Context) error {
	var req baixaRequest
	if err := c.Bind(&req); err != nil {
		return NewValidationError(c, "malformed request body")
	}

	seller, err := h.sellers.GetByID(c.Request().Context(), req.SellerID)
	if err != nil {
		if errors.Is(err, domain.ErrSellerNotFound) {
			return NewNotFoundError(c, "seller not found")
		}
		return NewInternalError(c, err.Error())
	}

	summary, err := h.baixa.RunDaily(c.Request().Context(), seller, time.Now())
	if err != nil {
		return NewInternalError(c, err.Error())
	}
	return c.JSON(http.StatusOK, summary)
}

type closeRequest struct {
	SellerID     int32  `json:"sellerId"`
	Begin        string `json:"begin"`
	End          string `json:"end"`
	StatementCSV string `json:"statementCsvBase64"`
}

// RunClose handles POST /operator/close: ingests an operator-supplied
// statement, checks coverage, archives the closing, and refuses if any
// line is left uncovered (spec.md §4.6, §7 category 7).
func (h *Handler) RunClose(c echo.Context) error {
	var req closeRequest
	if err := c.Bind(&req); err != nil {
		return NewValidationError(c, "malformed request body")
	}
	if req.SellerID == 0 {
		return NewValidationError(c, "sellerId is required")
	}
	begin, err := time.Parse("2006-01-02", req.Begin)
	if err != nil {
		return NewValidationError(c, "begin must be YYYY-MM-DD")
	}
	end, err := time.Parse("2006-01-02", req.End)
	if err != nil {
		return NewValidationError(c, "end must be YYYY-MM-DD")
	}
	statementCSV, err := base64.StdEncoding.DecodeString(req.StatementCSV)
	if err != nil {
		return NewValidationError(c, "statementCsvBase64 must be valid base64")
	}

	report, err := h.closer.Close(c.Request().Context(), req.SellerID, begin, end, statementCSV)
	if err != nil {
		if errors.Is(err, domain.ErrUncoveredStatementLines) {
			return NewConflictError(c, fmt.Sprintf("closing refused: %d uncovered statement line(s)", report.UncoveredCount()))
		}
		return NewInternalError(c, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

// ListDeadJobs handles GET /operator/jobs/dead?sellerId=N: surfaces jobs
// that exhausted their backoff schedule for manual inspection (spec.md
// §4.2 "Manual recovery").
func (h *Handler) ListDeadJobs(c echo.Context) error {
	sellerID, err := strconv.ParseInt(c.QueryParam("sellerId"), 10, 32)
	if err != nil {
		return NewValidationError(c, "sellerId query parameter is required")
	}

	jobs, err := h.jobs.ListDead(c.Request().Context(), int32(sellerID))
	if err != nil {
		return NewInternalError(c, err.Error())
	}
	return c.JSON(http.StatusOK, jobs)
}

// RetryJob handles POST /operator/jobs/:id/retry: resets a dead job to
// pending so the worker picks it up again (spec.md §4.2 "Manual
// recovery").
func (h *Handler) RetryJob(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return NewValidationError(c, "invalid job id")
	}

	if _, err := h.jobs.GetByID(c.Request().Context(), id); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return NewNotFoundError(c, "job not found")
		}
		return NewInternalError(c, err.Error())
	}

	if err := h.jobs.Requeue(c.Request().Context(), id); err != nil {
		return NewInternalError(c, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "requeued"})
}
