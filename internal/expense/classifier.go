// Package expense classifies non-order ML/MP payments into mp_expenses rows
// using an ordered, data-driven rule table (spec.md §4.4). The tree is kept
// as data so a new vendor or category never requires a new code branch.
package expense

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
	"github.com/vinescrow/mlca-reconciler/internal/metrics"
)

// Rule is one row of the ordered decision table. Match receives the raw
// payment and reports whether this rule applies; the table is scanned
// top-to-bottom and the first match wins (spec.md §4.4 "first match
// wins").
type Rule struct {
	Name            string
	Match           func(p *domain.RawPayment) bool
	Skip            bool
	ExpenseType     domain.ExpenseType
	Direction       domain.ExpenseDirection
	AutoCategorized bool
}

// SaaSVendors is the extensible subscription-vendor table (spec.md §4.4
// "known SaaS vendor (per extensible rule table)"). Keyed by a lowercase
// substring matched against the payment description.
var SaaSVendors = map[string]bool{
	"mercado shops":  true,
	"nuvemshop":      true,
	"bling":          true,
	"tiny erp":       true,
	"frenet":         true,
	"olist":          true,
}

// FebrabanDARFPrefixes are the bill-payment barcode prefixes that identify
// a DARF collection (spec.md §4.4 "Febraban code prefix").
var FebrabanDARFPrefixes = []string{"8100", "8200", "8300", "8400", "8500", "8600", "8700"}

const (
	opPartitionTransfer = "partition_transfer"
	opPaymentAddition   = "payment_addition"
	opMoneyTransfer     = "money_transfer"
	opBillPayment       = "bill_payment"
	opVirtualPayment    = "virtual_payment"
)

func isSavingsPotLeg(p *domain.RawPayment) bool {
	desc := strings.ToLower(p.Description)
	return strings.Contains(desc, "caixinha") || strings.Contains(desc, "savings")
}

func isCashback(p *domain.RawPayment) bool {
	return strings.Contains(strings.ToLower(p.Description), "cashback")
}

func isDARF(p *domain.RawPayment) bool {
	desc := p.Description
	for _, prefix := range FebrabanDARFPrefixes {
		if strings.HasPrefix(desc, prefix) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(desc), "darf")
}

func isKnownSaaSVendor(p *domain.RawPayment) bool {
	desc := strings.ToLower(p.Description)
	for vendor := range SaaSVendors {
		if strings.Contains(desc, vendor) {
			return true
		}
	}
	return false
}

func isCollection(p *domain.RawPayment) bool {
	return strings.Contains(strings.ToLower(p.Description), "cobranca") ||
		strings.Contains(strings.ToLower(p.Description), "cobrança")
}

func isPixIn(p *domain.RawPayment) bool {
	return strings.Contains(strings.ToLower(p.Description), "pix") && p.Amount.IsPositive()
}

func isPixOut(p *domain.RawPayment) bool {
	return strings.Contains(strings.ToLower(p.Description), "pix")
}

// Rules is spec.md §4.4's decision table, in priority order.
var Rules = []Rule{
	{
		Name:  "savings_pot_transfer",
		Match: func(p *domain.RawPayment) bool { return p.OperationType == opPartitionTransfer && isSavingsPotLeg(p) },
		ExpenseType: domain.ExpenseSavingsPot, Direction: domain.DirectionTransfer, AutoCategorized: false,
	},
	{
		Name:  "other_partition_transfer",
		Match: func(p *domain.RawPayment) bool { return p.OperationType == opPartitionTransfer },
		Skip:  true,
	},
	{
		Name:  "payment_addition",
		Match: func(p *domain.RawPayment) bool { return p.OperationType == opPaymentAddition },
		Skip:  true,
	},
	{
		Name:  "cashback",
		Match: func(p *domain.RawPayment) bool { return p.OperationType == opMoneyTransfer && isCashback(p) },
		ExpenseType: domain.ExpenseCashback, Direction: domain.DirectionIncome, AutoCategorized: true,
	},
	{
		Name:  "transfer_intra",
		Match: func(p *domain.RawPayment) bool { return p.OperationType == opMoneyTransfer && !isPixOut(p) },
		ExpenseType: domain.ExpenseTransferIntra, Direction: domain.DirectionTransfer, AutoCategorized: false,
	},
	{
		Name:  "transfer_pix_out",
		Match: func(p *domain.RawPayment) bool { return p.OperationType == opMoneyTransfer && isPixOut(p) },
		ExpenseType: domain.ExpenseTransferPix, Direction: domain.DirectionTransfer, AutoCategorized: false,
	},
	{
		Name:  "darf",
		Match: func(p *domain.RawPayment) bool { return p.OperationType == opBillPayment && isDARF(p) },
		ExpenseType: domain.ExpenseDARF, Direction: domain.DirectionExpense, AutoCategorized: true,
	},
	{
		Name:  "bill_payment",
		Match: func(p *domain.RawPayment) bool { return p.OperationType == opBillPayment },
		ExpenseType: domain.ExpenseBillPayment, Direction: domain.DirectionExpense, AutoCategorized: false,
	},
	{
		Name:  "subscription_known_vendor",
		Match: func(p *domain.RawPayment) bool { return p.OperationType == opVirtualPayment && isKnownSaaSVendor(p) },
		ExpenseType: domain.ExpenseSubscription, Direction: domain.DirectionExpense, AutoCategorized: true,
	},
	{
		Name:  "subscription_other_virtual",
		Match: func(p *domain.RawPayment) bool { return p.OperationType == opVirtualPayment },
		ExpenseType: domain.ExpenseSubscription, Direction: domain.DirectionExpense, AutoCategorized: true,
	},
	{
		Name:  "collection",
		Match: isCollection,
		ExpenseType: domain.ExpenseCollection, Direction: domain.DirectionExpense, AutoCategorized: true,
	},
	{
		Name:  "deposit_pix_in",
		Match: isPixIn,
		ExpenseType: domain.ExpenseDeposit, Direction: domain.DirectionTransfer, AutoCategorized: false,
	},
}

// Fallback is applied when no rule matches (spec.md §4.4 "Fallback").
var Fallback = Rule{
	Name: "fallback_other", ExpenseType: domain.ExpenseOther, Direction: domain.DirectionExpense, AutoCategorized: false,
}

// Classifier upserts mp_expenses rows for non-order payments.
type Classifier struct {
	expenses domain.ExpenseRepository
	log      zerolog.Logger
}

func New(expenses domain.ExpenseRepository, log zerolog.Logger) *Classifier {
	return &Classifier{expenses: expenses, log: log.With().Str("component", "expense_classifier").Logger()}
}

// Classify applies the ordered rule table and, unless the rule is a skip,
// upserts the resulting row (spec.md §4.4 "Write").
func (c *Classifier) Classify(ctx context.Context, sellerID int32, paymentID string, p *domain.RawPayment) (*domain.Expense, error) {
	rule := c.match(p)
	if rule.Skip {
		c.log.Debug().Str("rule", rule.Name).Str("payment_id", paymentID).Msg("expense skipped")
		return nil, nil
	}

	status := domain.ExpensePendingReview
	if rule.AutoCategorized {
		status = domain.ExpenseAutoCategorized
	}

	e := &domain.Expense{
		ID:              uuid.New(),
		SellerID:        sellerID,
		PaymentID:       paymentID,
		ExpenseType:     rule.ExpenseType,
		Direction:       rule.Direction,
		AutoCategorized: rule.AutoCategorized,
		Amount:          p.Amount,
		Description:     p.Description,
		Source:          domain.SourcePaymentsAPI,
		Status:          status,
	}

	out, _, err := c.expenses.Upsert(ctx, e)
	if err != nil {
		return nil, err
	}
	metrics.ExpenseClassifierOutcomes.WithLabelValues(string(rule.ExpenseType)).Inc()
	c.log.Info().Str("rule", rule.Name).Str("payment_id", paymentID).Str("expense_type", string(rule.ExpenseType)).Msg("expense classified")
	return out, nil
}

func (c *Classifier) match(p *domain.RawPayment) Rule {
	for _, r := range Rules {
		if r.Match(p) {
			return r
		}
	}
	return Fallback
}
