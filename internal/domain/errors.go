package domain

import (
	"errors"
	"strconv"
)

// Domain errors.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrInternalError = errors.New("internal error")

	ErrSellerNotFound  = errors.New("seller not found")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrJobNotFound     = errors.New("ca job not found")
	ErrExpenseNotFound = errors.New("expense not found")

	ErrInvalidCAStartDate     = errors.New("ca_start_date must be the first day of a month")
	ErrSellerNotConfigured    = errors.New("seller missing ml tokens or ca identifiers")
	ErrBackfillAlreadyRunning = errors.New("onboarding backfill already running for this seller")

	ErrNoOrderID             = errors.New("payment has no order_id")
	ErrMissingChargesDetails = errors.New("payment missing charges_details")

	ErrUncoveredStatementLines = errors.New("statement has uncovered lines")
)

// ClassificationError wraps a reason the Payment Classifier declined to book
// a payment as a sale. It is not an exceptional condition (spec.md §7,
// category 1): the payment still gets written with a skipped* status.
type ClassificationError struct {
	Reason string
}

func (e *ClassificationError) Error() string { return "classification: " + e.Reason }

func NewClassificationError(reason string) error {
	return &ClassificationError{Reason: reason}
}

// DataContractError represents spec.md §7 category 5: a malformed or
// incomplete upstream payload (missing charges_details, an unparsable
// statement row, an order_id absent where required). The sweep that hit it
// keeps going; the offending row is marked with Error and surfaced for a
// human.
type DataContractError struct {
	PaymentID int64
	Reason    string
}

func (e *DataContractError) Error() string {
	return "data contract violation on payment " + strconv.FormatInt(e.PaymentID, 10) + ": " + e.Reason
}

func NewDataContractError(paymentID int64, reason string) error {
	return &DataContractError{PaymentID: paymentID, Reason: reason}
}
