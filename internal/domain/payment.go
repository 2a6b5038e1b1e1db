package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ProcessingStatus is the lifecycle of a Payment row (spec.md §3
// "Lifecycles").
type ProcessingStatus string

const (
	PaymentPending         ProcessingStatus = "pending"
	PaymentQueued          ProcessingStatus = "queued"
	PaymentSynced          ProcessingStatus = "synced"
	PaymentRefunded        ProcessingStatus = "refunded"
	PaymentSkipped         ProcessingStatus = "skipped"
	PaymentSkippedNonSale  ProcessingStatus = "skipped_non_sale"
)

// MoneyReleaseStatus mirrors ML's own release-report vocabulary, cached
// locally so the Release Checker (spec.md §4.5) can avoid a live call on
// every baixa pass.
type MoneyReleaseStatus string

const (
	ReleaseStatusUnknown MoneyReleaseStatus = ""
	ReleaseStatusPending MoneyReleaseStatus = "pending"
	ReleaseStatusReleased MoneyReleaseStatus = "released"
)

// ChargeDetail is one line of ML's authoritative per-payment fee breakdown
// (spec.md Glossary: "Charges_details").
type ChargeDetail struct {
	Type   string          `json:"type"` // "fee" | "shipping" | "tax" | ...
	Name   string          `json:"name"`
	Amount decimal.Decimal `json:"amount"`
	Accounts struct {
		From string `json:"from"` // "collector" | "collector_mp" | ...
		To   string `json:"to"`
	} `json:"accounts"`
}

// RawPayment is the subset of ML's payment payload the classifier and
// release checker read. Its JSON encoding, not ML's original response, is
// what is kept in Payment.RawPayload and archived (see internal/archive)
// for audits and re-classification without a second ML call; fields it
// does not declare are dropped.
type RawPayment struct {
	ID                       int64          `json:"id"`
	Status                   string         `json:"status"`
	StatusDetail             string         `json:"status_detail"`
	Description              string         `json:"description"`
	OperationType            string         `json:"operation_type"`
	OrderID                  *int64         `json:"order_id,omitempty"`
	Amount                   decimal.Decimal `json:"transaction_amount"`
	NetReceivedAmount        decimal.Decimal `json:"net_received_amount"`
	TransactionAmountRefunded decimal.Decimal `json:"transaction_amount_refunded"`
	ShippingAmount           decimal.Decimal `json:"shipping_amount"`
	ChargesDetails           []ChargeDetail `json:"charges_details"`
	DateApproved             *time.Time     `json:"date_approved,omitempty"`
	MoneyReleaseDate         *time.Time     `json:"money_release_date,omitempty"`
	MoneyReleaseStatus       MoneyReleaseStatus `json:"money_release_status,omitempty"`
	Collector                *struct {
		ID int64 `json:"id"`
	} `json:"collector,omitempty"`
}

// HasCollector reports whether the payload identifies the seller as the
// buyer in this transaction (spec.md §4.1 skip policy: "collector.id
// present").
func (p *RawPayment) HasCollector() bool {
	return p.Collector != nil && p.Collector.ID != 0
}

// Payment is one row per observed ML payment, keyed by (seller,
// ml_payment_id) (spec.md §3).
type Payment struct {
	ID          int64 `json:"id"`
	SellerID    int32 `json:"sellerId"`
	MLPaymentID int64 `json:"mlPaymentId"`
	MLOrderID   *int64 `json:"mlOrderId,omitempty"`

	MLStatus     string `json:"mlStatus"`
	StatusDetail string `json:"statusDetail"`

	Amount            decimal.Decimal `json:"amount"`
	NetReceivedAmount decimal.Decimal `json:"netReceivedAmount"`

	MoneyReleaseDate   *time.Time         `json:"moneyReleaseDate,omitempty"`
	MoneyReleaseStatus MoneyReleaseStatus `json:"moneyReleaseStatus"`

	ProcessingStatus ProcessingStatus `json:"processingStatus"`

	ProcessorFee      decimal.Decimal `json:"processorFee"`
	ProcessorShipping decimal.Decimal `json:"processorShipping"`

	Error      *string `json:"error,omitempty"`
	CAProtocol *string `json:"caProtocol,omitempty"`

	DateApproved   *time.Time `json:"dateApproved,omitempty"`
	CompetenceDate *time.Time `json:"competenceDate,omitempty"` // date_approved converted to BRT, spec.md §4.1

	RawPayload json.RawMessage `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// GroupID is the shared identifier all CA jobs emitted for this payment
// carry (spec.md §4.1 "Enqueue protocol": group_id = payment_id).
func (p *Payment) GroupID() int64 { return p.MLPaymentID }

// IsTerminal reports whether the payment has reached a status the Daily
// Sync Orchestrator will not reprocess (spec.md §4.3 "Enumeration").
func (p *Payment) IsTerminal() bool {
	switch p.ProcessingStatus {
	case PaymentSynced, PaymentSkipped, PaymentSkippedNonSale:
		return true
	default:
		return false
	}
}

// MissingFees reports whether fee extraction has never run for this
// payment, used by the backfill's reprocess_missing_fees flag (spec.md
// §4.3).
func (p *Payment) MissingFees() bool {
	return p.ProcessorFee.IsZero() && p.ProcessorShipping.IsZero() && p.ProcessingStatus != PaymentSkippedNonSale
}

type PaymentFilter struct {
	ProcessingStatuses []ProcessingStatus
	HasOrderID         *bool
}

type PaymentRepository interface {
	// Upsert writes or updates a payment row keyed by (seller, ml_payment_id).
	// Re-applying an identical observed payload must leave the row
	// byte-identical (spec.md §3 invariant 1, §8 round-trip law).
	Upsert(ctx context.Context, p *Payment) (*Payment, error)
	GetByMLID(ctx context.Context, sellerID int32, mlPaymentID int64) (*Payment, error)
	GetByID(ctx context.Context, id int64) (*Payment, error)
	UpdateStatus(ctx context.Context, id int64, status ProcessingStatus, errMsg *string) error
	UpdateFees(ctx context.Context, id int64, fee, shipping decimal.Decimal) error
	UpdateCAProtocol(ctx context.Context, id int64, protocol string) error
	UpdateReleaseCache(ctx context.Context, id int64, status MoneyReleaseStatus, releaseDate *time.Time) error
	ListBySellerAndDateRange(ctx context.Context, sellerID int32, start, end time.Time, field string) ([]*Payment, error)
	ListOpenForRelease(ctx context.Context, sellerID int32, asOf time.Time) ([]*Payment, error)
}
