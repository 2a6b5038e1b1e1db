// Package extrato is the Extrato Ingester & Coverage Checker (spec.md
// §4.6): proves that 100% of the MP account statement is explained by
// either a payment row, an expense row, or a known legacy marker.
package extrato

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
)

// Ingester parses the account_statement CSV and classifies each line into
// a mp_expenses row.
type Ingester struct {
	expenses domain.ExpenseRepository
	log      zerolog.Logger
}

func NewIngester(expenses domain.ExpenseRepository, log zerolog.Logger) *Ingester {
	return &Ingester{expenses: expenses, log: log.With().Str("component", "extrato_ingester").Logger()}
}

// column indices of the release_report / bank_report CSV export.
const (
	colRowID = iota
	colRecordType
	colDescription
	colGrossAmount
	colFeeAmount
	colShippingAmount
	colTaxAmount
	colCouponAmount
	colNetAmount
	colExternalRef
	colOrderID
	colPaymentMethod
	colDate
)

// ParseBRLDecimal parses Brazilian-locale numeric notation ("1.234,56")
// into a decimal.Decimal (spec.md §4.6 "Numeric parsing honours
// Brazilian locale").
func ParseBRLDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, ",", ".")
	return decimal.NewFromString(s)
}

// Parse reads the statement CSV, returning one StatementLine per data
// row. The first row is assumed to be a header and is skipped.
func Parse(r io.Reader) ([]domain.StatementLine, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read statement csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var out []domain.StatementLine
	for _, row := range rows[1:] {
		if len(row) <= colDate {
			continue
		}
		line, err := parseLine(row)
		if err != nil {
			return nil, fmt.Errorf("parse statement row %q: %w", row[colRowID], err)
		}
		out = append(out, line)
	}
	return out, nil
}

func parseLine(row []string) (domain.StatementLine, error) {
	var line domain.StatementLine
	line.RowID = row[colRowID]
	line.RecordType = row[colRecordType]
	line.Description = row[colDescription]
	line.ExternalRef = row[colExternalRef]
	line.OrderID = row[colOrderID]
	line.PaymentMethod = row[colPaymentMethod]

	var err error
	if line.GrossAmount, err = ParseBRLDecimal(row[colGrossAmount]); err != nil {
		return line, err
	}
	if line.FeeAmount, err = ParseBRLDecimal(row[colFeeAmount]); err != nil {
		return line, err
	}
	if line.ShippingAmount, err = ParseBRLDecimal(row[colShippingAmount]); err != nil {
		return line, err
	}
	if line.TaxAmount, err = ParseBRLDecimal(row[colTaxAmount]); err != nil {
		return line, err
	}
	if line.CouponAmount, err = ParseBRLDecimal(row[colCouponAmount]); err != nil {
		return line, err
	}
	if line.NetAmount, err = ParseBRLDecimal(row[colNetAmount]); err != nil {
		return line, err
	}

	if row[colDate] != "" {
		t, err := time.Parse("2006-01-02", row[colDate])
		if err != nil {
			return line, fmt.Errorf("date: %w", err)
		}
		line.Date = t
	}
	return line, nil
}

// classifyRecordType maps a statement record_type into the 25+
// expense_type vocabulary shared with the Expense Classifier (spec.md
// §4.6 "classifies each line by its record type...into one of the 25+
// expense_type values").
func classifyRecordType(recordType, description string) (domain.ExpenseType, domain.ExpenseDirection) {
	rt := strings.ToLower(recordType)
	desc := strings.ToLower(description)

	switch {
	case strings.Contains(rt, "chargeback") || strings.Contains(desc, "chargeback"):
		return domain.ExpenseChargebackDispute, domain.DirectionExpense
	case strings.Contains(rt, "reserve_for_dispute"):
		return domain.ExpenseReserveForDispute, domain.DirectionExpense
	case strings.Contains(rt, "retained_money") || strings.Contains(desc, "retencao"):
		return domain.ExpenseRetainedMoney, domain.DirectionExpense
	case strings.Contains(rt, "difal") || strings.Contains(desc, "difal"):
		return domain.ExpenseDIFAL, domain.DirectionExpense
	case strings.Contains(rt, "invoice") || strings.Contains(desc, "fatura mercado livre"):
		return domain.ExpenseMLInvoice, domain.DirectionExpense
	case strings.Contains(rt, "cashback") || strings.Contains(desc, "cashback"):
		return domain.ExpenseCashback, domain.DirectionIncome
	case strings.Contains(rt, "pix") && strings.Contains(desc, "saida"):
		return domain.ExpenseTransferPix, domain.DirectionTransfer
	case strings.Contains(rt, "pix"):
		return domain.ExpenseDeposit, domain.DirectionTransfer
	case strings.Contains(rt, "savings") || strings.Contains(desc, "caixinha"):
		return domain.ExpenseSavingsPot, domain.DirectionTransfer
	case strings.Contains(rt, "darf") || strings.Contains(desc, "darf"):
		return domain.ExpenseDARF, domain.DirectionExpense
	case strings.Contains(rt, "bill") || strings.Contains(desc, "pagamento de conta"):
		return domain.ExpenseBillPayment, domain.DirectionExpense
	case strings.Contains(rt, "subscription") || strings.Contains(desc, "assinatura"):
		return domain.ExpenseSubscription, domain.DirectionExpense
	case strings.Contains(rt, "collection") || strings.Contains(desc, "cobranca"):
		return domain.ExpenseCollection, domain.DirectionExpense
	case strings.Contains(rt, "transfer_intra"):
		return domain.ExpenseTransferIntra, domain.DirectionTransfer
	default:
		return domain.ExpenseOther, domain.DirectionExpense
	}
}

// Ingest classifies every line and upserts mp_expenses rows sourced from
// the extrato (spec.md §4.6 "Ingester").
func (i *Ingester) Ingest(ctx context.Context, sellerID int32, lines []domain.StatementLine) (int, error) {
	count := 0
	for _, line := range lines {
		expenseType, direction := classifyRecordType(line.RecordType, line.Description)
		paymentID := domain.CompositePaymentID(line.RowID, line.RecordType)

		e := &domain.Expense{
			ID:          uuid.New(),
			SellerID:    sellerID,
			PaymentID:   paymentID,
			ExpenseType: expenseType,
			Direction:   direction,
			Amount:      line.NetAmount,
			Description: line.Description,
			Source:      domain.SourceExtrato,
			Status:      domain.ExpensePendingReview,
		}
		if line.ExternalRef != "" {
			ref := line.ExternalRef
			e.ExternalRef = &ref
		}

		if _, _, err := i.expenses.Upsert(ctx, e); err != nil {
			return count, fmt.Errorf("upsert extrato row %s: %w", line.RowID, err)
		}
		count++
	}
	return count, nil
}
