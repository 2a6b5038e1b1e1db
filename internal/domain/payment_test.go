package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestHasCollector(t *testing.T) {
	withCollector := &RawPayment{Collector: &struct {
		ID int64 `json:"id"`
	}{ID: 42}}
	if !withCollector.HasCollector() {
		t.Fatal("expected payment with a nonzero collector id to report HasCollector")
	}

	noCollector := &RawPayment{}
	if noCollector.HasCollector() {
		t.Fatal("expected payment with no collector to report !HasCollector")
	}

	zeroCollector := &RawPayment{Collector: &struct {
		ID int64 `json:"id"`
	}{ID: 0}}
	if zeroCollector.HasCollector() {
		t.Fatal("expected a zero-id collector block to report !HasCollector")
	}
}

func TestIsTerminal(t *testing.T) {
	terminalStatuses := []ProcessingStatus{PaymentSynced, PaymentSkipped, PaymentSkippedNonSale}
	for _, s := range terminalStatuses {
		p := &Payment{ProcessingStatus: s}
		if !p.IsTerminal() {
			t.Errorf("expected status %s to be terminal", s)
		}
	}

	nonTerminalStatuses := []ProcessingStatus{PaymentPending, PaymentQueued, PaymentRefunded}
	for _, s := range nonTerminalStatuses {
		p := &Payment{ProcessingStatus: s}
		if p.IsTerminal() {
			t.Errorf("expected status %s not to be terminal", s)
		}
	}
}

func TestMissingFees(t *testing.T) {
	p := &Payment{ProcessorFee: decimal.Zero, ProcessorShipping: decimal.Zero, ProcessingStatus: PaymentQueued}
	if !p.MissingFees() {
		t.Fatal("expected a queued payment with zero fees to report MissingFees")
	}

	withFee := &Payment{ProcessorFee: decimal.NewFromFloat(1.5), ProcessingStatus: PaymentQueued}
	if withFee.MissingFees() {
		t.Fatal("expected a payment with a nonzero fee to not report MissingFees")
	}

	skippedNonSale := &Payment{ProcessingStatus: PaymentSkippedNonSale}
	if skippedNonSale.MissingFees() {
		t.Fatal("a skipped non-sale payment was never meant to have fees; must not report MissingFees")
	}
}

func TestGroupID(t *testing.T) {
	p := &Payment{MLPaymentID: 555}
	if p.GroupID() != 555 {
		t.Errorf("expected group id 555, got %d", p.GroupID())
	}
}
