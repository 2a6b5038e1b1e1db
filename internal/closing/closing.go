// Package closing ties the Extrato Ingester, Coverage Checker, and
// audit-trail archive into the single "ingest statement, prove coverage,
// close the day" sequence spec.md §4.6 and §7 describe, shared by the
// nightly pipeline, the operator HTTP surface, and the reconcilectl CLI so
// none of the three reimplements it.
package closing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vinescrow/mlca-reconciler/internal/archive"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
	"github.com/vinescrow/mlca-reconciler/internal/extrato"
	"github.com/vinescrow/mlca-reconciler/internal/mlclient"
)

// Closer runs a daily close: ingest the statement, check coverage, archive
// both the raw statement and the coverage report, then refuse the close if
// any line is uncovered (spec.md §7 category 7 "closing is refused for
// that day").
type Closer struct {
	ingester *extrato.Ingester
	coverage *extrato.CoverageChecker
	archive  *archive.Store
	ml       *mlclient.Client
	log      zerolog.Logger
}

func New(ingester *extrato.Ingester, coverage *extrato.CoverageChecker, store *archive.Store, ml *mlclient.Client, log zerolog.Logger) *Closer {
	return &Closer{ingester: ingester, coverage: coverage, archive: store, ml: ml, log: log.With().Str("component", "closer").Logger()}
}

// Close ingests a statement CSV already in hand, checks coverage for
// [begin, end], and archives the statement plus the coverage report
// (SPEC_FULL.md §C(3) "Coverage report persistence"). It returns
// domain.ErrUncoveredStatementLines, alongside the computed report, when
// the day cannot be closed yet.
func (c *Closer) Close(ctx context.Context, sellerID int32, begin, end time.Time, statementCSV []byte) (*domain.CoverageReport, error) {
	lines, err := extrato.Parse(bytes.NewReader(statementCSV))
	if err != nil {
		return nil, fmt.Errorf("parse statement csv: %w", err)
	}

	ingested, err := c.ingester.Ingest(ctx, sellerID, lines)
	if err != nil {
		return nil, fmt.Errorf("ingest statement: %w", err)
	}
	c.log.Info().Int32("seller_id", sellerID).Int("rows_ingested", ingested).Msg("statement ingested")

	report, err := c.coverage.Check(ctx, sellerID, begin, end, lines)
	if err != nil {
		return nil, fmt.Errorf("check coverage: %w", err)
	}

	if c.archive != nil {
		if err := c.archive.Put(ctx, archive.StatementKey(sellerID, begin, end), bytes.NewReader(statementCSV), "text/csv", int64(len(statementCSV))); err != nil {
			c.log.Error().Err(err).Msg("archive statement csv failed")
		}
		reportJSON, err := json.Marshal(report)
		if err != nil {
			c.log.Error().Err(err).Msg("marshal coverage report failed")
		} else if err := c.archive.Put(ctx, archive.CoverageReportKey(sellerID, begin, end), bytes.NewReader(reportJSON), "application/json", int64(len(reportJSON))); err != nil {
			c.log.Error().Err(err).Msg("archive coverage report failed")
		}
	}

	if len(report.UncoveredRows) > 0 {
		c.log.Warn().Int32("seller_id", sellerID).Int("uncovered", len(report.UncoveredRows)).Msg("closing refused: uncovered statement lines")
		return report, domain.ErrUncoveredStatementLines
	}

	c.log.Info().Int32("seller_id", sellerID).Msg("closing complete: statement fully covered")
	return report, nil
}

// releaseReportListResponse mirrors the handful of fields the engine
// needs from /v1/account/release_report/list; ML returns more, but only
// the most recent report's id matters here.
type releaseReportListResponse struct {
	ReleaseReports []struct {
		ID string `json:"id"`
	} `json:"release_reports"`
}

// CloseAuto pulls the most recent release report for seller from ML
// instead of requiring a human-supplied CSV, so the nightly pipeline can
// close a day unattended (spec.md §6 nightly sequence "...coverage check
// → closing").
func (c *Closer) CloseAuto(ctx context.Context, seller *domain.Seller, begin, end time.Time) (*domain.CoverageReport, error) {
	listBody, err := c.ml.ReleaseReportList(ctx, seller)
	if err != nil {
		return nil, fmt.Errorf("list release reports: %w", err)
	}

	var list releaseReportListResponse
	if err := json.Unmarshal(listBody, &list); err != nil {
		return nil, fmt.Errorf("decode release report list: %w", err)
	}
	if len(list.ReleaseReports) == 0 {
		return nil, fmt.Errorf("no release reports available for seller %d", seller.ID)
	}
	reportID := list.ReleaseReports[len(list.ReleaseReports)-1].ID

	statementCSV, err := c.ml.ReleaseReportFile(ctx, seller, reportID)
	if err != nil {
		return nil, fmt.Errorf("download release report %s: %w", reportID, err)
	}

	return c.Close(ctx, seller.ID, begin, end, statementCSV)
}
