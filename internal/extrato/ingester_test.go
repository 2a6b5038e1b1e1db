package extrato

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
	"github.com/vinescrow/mlca-reconciler/internal/testutil"
)

func TestParseBRLDecimal(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1.234,56", "1234.56"},
		{"0,99", "0.99"},
		{"-50,00", "-50"},
		{"", "0"},
		{"10", "10"},
	}
	for _, tc := range cases {
		got, err := ParseBRLDecimal(tc.in)
		if err != nil {
			t.Fatalf("ParseBRLDecimal(%q): %v", tc.in, err)
		}
		want, _ := decimal.NewFromString(tc.want)
		if !got.Equal(want) {
			t.Errorf("ParseBRLDecimal(%q) = %s, want %s", tc.in, got, want)
		}
	}
}

const csvHeader = "row_id,record_type,description,gross_amount,fee_amount,shipping_amount,tax_amount,coupon_amount,net_amount,external_ref,order_id,payment_method,date\n"

func TestParse_SkipsHeaderAndParsesRows(t *testing.T) {
	csv := csvHeader +
		"1,pix,pix recebido,100,0,0,0,0,100,ext1,,pix,2026-01-05\n" +
		"2,cashback,bonus cashback,10,0,0,0,0,10,,,,2026-01-06\n"

	lines, err := Parse(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 data rows, got %d", len(lines))
	}
	if lines[0].RowID != "1" || lines[0].RecordType != "pix" {
		t.Errorf("unexpected first row: %+v", lines[0])
	}
	if !lines[0].NetAmount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected net amount 100, got %s", lines[0].NetAmount)
	}
	if lines[1].Date.Month() != 1 || lines[1].Date.Day() != 6 {
		t.Errorf("unexpected parsed date: %v", lines[1].Date)
	}
}

func TestParse_EmptyInputReturnsNil(t *testing.T) {
	lines, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lines != nil {
		t.Errorf("expected nil lines for empty input, got %+v", lines)
	}
}

func TestIngest_ClassifiesAndUpsertsEachLine(t *testing.T) {
	repo := testutil.NewMockExpenseRepository()
	ing := NewIngester(repo, zerolog.Nop())

	lines := []domain.StatementLine{
		{RowID: "10", RecordType: "darf_payment", Description: "darf", NetAmount: decimal.NewFromInt(50)},
		{RowID: "11", RecordType: "cashback_bonus", Description: "cashback", NetAmount: decimal.NewFromInt(5)},
	}

	n, err := ing.Ingest(context.Background(), 1, lines)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows ingested, got %d", n)
	}

	e, err := repo.GetBySellerAndPaymentID(context.Background(), 1, domain.CompositePaymentID("10", "darf_payment"))
	if err != nil {
		t.Fatalf("expected darf row to exist: %v", err)
	}
	if e.ExpenseType != domain.ExpenseDARF {
		t.Errorf("expected darf expense type, got %s", e.ExpenseType)
	}

	cashback, err := repo.GetBySellerAndPaymentID(context.Background(), 1, domain.CompositePaymentID("11", "cashback_bonus"))
	if err != nil {
		t.Fatalf("expected cashback row to exist: %v", err)
	}
	if cashback.Direction != domain.DirectionIncome {
		t.Errorf("expected cashback to be income, got %s", cashback.Direction)
	}
}

func TestIngest_UnknownRecordTypeFallsBackToOther(t *testing.T) {
	repo := testutil.NewMockExpenseRepository()
	ing := NewIngester(repo, zerolog.Nop())

	lines := []domain.StatementLine{{RowID: "20", RecordType: "something_weird", Description: "mystery"}}
	if _, err := ing.Ingest(context.Background(), 1, lines); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e, err := repo.GetBySellerAndPaymentID(context.Background(), 1, domain.CompositePaymentID("20", "something_weird"))
	if err != nil {
		t.Fatalf("expected row to exist: %v", err)
	}
	if e.ExpenseType != domain.ExpenseOther {
		t.Errorf("expected fallback to other, got %s", e.ExpenseType)
	}
	if e.Status != domain.ExpensePendingReview {
		t.Errorf("extrato rows always start pending review, got %s", e.Status)
	}
}
