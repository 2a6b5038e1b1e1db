package extrato

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
	"github.com/vinescrow/mlca-reconciler/internal/metrics"
)

// CoverageChecker partitions statement lines against payments and
// expenses, proving completeness (spec.md §4.6 "Coverage Checker").
type CoverageChecker struct {
	payments domain.PaymentRepository
	expenses domain.ExpenseRepository
	log      zerolog.Logger
}

func NewCoverageChecker(payments domain.PaymentRepository, expenses domain.ExpenseRepository, log zerolog.Logger) *CoverageChecker {
	return &CoverageChecker{payments: payments, expenses: expenses, log: log.With().Str("component", "coverage_checker").Logger()}
}

// coveringPaymentStatuses are the processing statuses that count as
// "explained" for a statement line (spec.md §4.6 "Covered by payments").
var coveringPaymentStatuses = map[domain.ProcessingStatus]bool{
	domain.PaymentSynced:         true,
	domain.PaymentQueued:         true,
	domain.PaymentSkippedNonSale: true,
}

// Check classifies every line it is given into one of the four coverage
// classes and returns the report (spec.md §4.6, §7 "closing is refused for
// that day"). begin and end are recorded on the report; lines are not
// filtered by date.
func (c *CoverageChecker) Check(ctx context.Context, sellerID int32, begin, end time.Time, lines []domain.StatementLine) (*domain.CoverageReport, error) {
	report := &domain.CoverageReport{SellerID: sellerID, Begin: begin, End: end}

	for _, line := range lines {
		class, err := c.classify(ctx, sellerID, line)
		if err != nil {
			return nil, err
		}
		report.Results = append(report.Results, domain.CoverageResult{Line: line, Class: class})
		if class == domain.Uncovered {
			report.UncoveredRows = append(report.UncoveredRows, line)
		}
	}

	metrics.CoverageUncovered.WithLabelValues(strconv.Itoa(int(sellerID))).Set(float64(len(report.UncoveredRows)))
	return report, nil
}

func (c *CoverageChecker) classify(ctx context.Context, sellerID int32, line domain.StatementLine) (domain.CoverageClass, error) {
	if domain.LegacyMarkers[line.ExternalRef] || domain.LegacyMarkers[line.RecordType] {
		return domain.CoveredByLegacy, nil
	}

	if line.ExternalRef != "" {
		if mlID, err := strconv.ParseInt(line.ExternalRef, 10, 64); err == nil {
			p, err := c.payments.GetByMLID(ctx, sellerID, mlID)
			if err == nil && coveringPaymentStatuses[p.ProcessingStatus] {
				return domain.CoveredByPayment, nil
			}
			if err != nil && err != domain.ErrPaymentNotFound {
				return "", err
			}
		}
	}

	compositeID := domain.CompositePaymentID(line.RowID, line.RecordType)
	exists, err := c.expenses.ExistsForPaymentID(ctx, sellerID, compositeID)
	if err != nil {
		return "", err
	}
	if exists {
		return domain.CoveredByExpense, nil
	}
	// API-sourced expenses key on the bare ML payment id, not the
	// composite extrato form; check that shape too before giving up.
	if line.ExternalRef != "" {
		exists, err = c.expenses.ExistsForPaymentID(ctx, sellerID, line.ExternalRef)
		if err != nil {
			return "", err
		}
		if exists {
			return domain.CoveredByExpense, nil
		}
	}

	return domain.Uncovered, nil
}
