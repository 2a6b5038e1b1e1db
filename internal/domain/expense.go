package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ExpenseType enumerates the non-order payment categories of spec.md §4.4
// and the extrato record types of §4.6. Expressed as data so the rule
// table (internal/expense) can add vendors/categories without new code
// paths (spec.md §9 "Dynamic config").
type ExpenseType string

const (
	ExpenseSavingsPot       ExpenseType = "savings_pot"
	ExpenseCashback         ExpenseType = "cashback"
	ExpenseTransferIntra    ExpenseType = "transfer_intra"
	ExpenseTransferPix      ExpenseType = "transfer_pix"
	ExpenseDARF             ExpenseType = "darf"
	ExpenseBillPayment      ExpenseType = "bill_payment"
	ExpenseSubscription     ExpenseType = "subscription"
	ExpenseCollection       ExpenseType = "collection"
	ExpenseDeposit          ExpenseType = "deposit"
	ExpenseChargebackDispute ExpenseType = "chargeback_dispute"
	ExpenseDIFAL            ExpenseType = "difal"
	ExpenseMLInvoice        ExpenseType = "ml_invoice"
	ExpenseRetainedMoney    ExpenseType = "retained_money"
	ExpenseReserveForDispute ExpenseType = "reserve_for_dispute"
	ExpenseOther            ExpenseType = "other"
)

type ExpenseDirection string

const (
	DirectionExpense  ExpenseDirection = "expense"
	DirectionIncome   ExpenseDirection = "income"
	DirectionTransfer ExpenseDirection = "transfer"
)

type ExpenseSource string

const (
	SourcePaymentsAPI ExpenseSource = "payments_api"
	SourceExtrato     ExpenseSource = "extrato"
)

type ExpenseStatus string

const (
	ExpensePendingReview       ExpenseStatus = "pending_review"
	ExpenseAutoCategorized     ExpenseStatus = "auto_categorized"
	ExpenseManuallyCategorized ExpenseStatus = "manually_categorized"
	ExpenseExported            ExpenseStatus = "exported"
)

// Expense is a row in mp_expenses: one per non-order payment or uncovered
// statement line (spec.md §3).
type Expense struct {
	ID        uuid.UUID `json:"id"`
	SellerID  int32     `json:"sellerId"`
	// PaymentID is the numeric ML id for API-sourced rows, or the
	// composite "statementId:recordType" form for extrato-sourced rows
	// (spec.md §3, §6 "a public contract").
	PaymentID       string          `json:"paymentId"`
	ExpenseType     ExpenseType     `json:"expenseType"`
	Direction       ExpenseDirection `json:"direction"`
	CACategory      *string         `json:"caCategory,omitempty"`
	AutoCategorized bool            `json:"autoCategorized"`
	Amount          decimal.Decimal `json:"amount"`
	Description     string          `json:"description"`
	ExternalRef     *string         `json:"externalRef,omitempty"`
	Source          ExpenseSource   `json:"source"`
	Status          ExpenseStatus   `json:"status"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CompositePaymentID builds the "statementId:recordType" form used for
// extrato-sourced rows (spec.md §4.6).
func CompositePaymentID(statementRowID, recordType string) string {
	return statementRowID + ":" + recordType
}

type ExpenseRepository interface {
	// Upsert is keyed by (seller, payment_id); re-running the same
	// classification is idempotent (spec.md §8 round-trip law).
	Upsert(ctx context.Context, e *Expense) (*Expense, bool, error)
	GetBySellerAndPaymentID(ctx context.Context, sellerID int32, paymentID string) (*Expense, error)
	ExistsForPaymentID(ctx context.Context, sellerID int32, paymentID string) (bool, error)
	ListBySellerAndDateRange(ctx context.Context, sellerID int32, start, end time.Time) ([]*Expense, error)
}
