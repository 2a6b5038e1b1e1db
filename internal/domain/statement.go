package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// StatementLine is one row of the MP account statement CSV (spec.md §6
// "Account statement CSV"). Amounts have already been parsed from
// Brazilian-locale decimal notation by the ingester.
type StatementLine struct {
	RowID          string          `json:"rowId"`
	RecordType     string          `json:"recordType"`
	Description    string          `json:"description"`
	GrossAmount    decimal.Decimal `json:"grossAmount"`
	FeeAmount      decimal.Decimal `json:"feeAmount"`
	ShippingAmount decimal.Decimal `json:"shippingAmount"`
	TaxAmount      decimal.Decimal `json:"taxAmount"`
	CouponAmount   decimal.Decimal `json:"couponAmount"`
	NetAmount      decimal.Decimal `json:"netAmount"`
	ExternalRef    string          `json:"externalRef"`
	OrderID        string          `json:"orderId"`
	PaymentMethod  string          `json:"paymentMethod"`
	Date           time.Time       `json:"date"`
}

// CoverageClass is how a statement line was explained by the Coverage
// Checker (spec.md §4.6).
type CoverageClass string

const (
	CoveredByPayment CoverageClass = "covered_by_payment"
	CoveredByExpense CoverageClass = "covered_by_expense"
	CoveredByLegacy  CoverageClass = "covered_by_legacy"
	Uncovered        CoverageClass = "uncovered"
)

// CoverageResult is one classified line of a coverage run.
type CoverageResult struct {
	Line  StatementLine
	Class CoverageClass
}

// CoverageReport summarizes a [begin, end] coverage run (spec.md §4.6,
// §7 "closing is refused for that day").
type CoverageReport struct {
	SellerID      int32             `json:"sellerId"`
	Begin         time.Time         `json:"begin"`
	End           time.Time         `json:"end"`
	Results       []CoverageResult  `json:"results"`
	UncoveredRows []StatementLine   `json:"uncoveredRows"`
}

func (r *CoverageReport) UncoveredCount() int { return len(r.UncoveredRows) }

// LegacyMarkers is the small closed set of known-legacy references the
// engine deliberately does not book (spec.md §4.6 "Covered by legacy").
var LegacyMarkers = map[string]bool{
	"legacy_migration_2023": true,
	"legacy_manual_adjustment": true,
}
