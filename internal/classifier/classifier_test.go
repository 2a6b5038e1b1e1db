package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
	"github.com/vinescrow/mlca-reconciler/internal/mlclient"
	"github.com/vinescrow/mlca-reconciler/internal/ratelimit"
	"github.com/vinescrow/mlca-reconciler/internal/testutil"
)

// newTestClassifier wires a Classifier against in-memory repositories and
// an mlclient pointed at an httptest server standing in for the ML API,
// the way the teacher's service tests stand up a fake HTTP backend.
func newTestClassifier(t *testing.T, orderTitle string) (*Classifier, *testutil.MockPaymentRepository, *testutil.MockCAJobRepository, *domain.Seller) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/orders/555" {
			json.NewEncoder(w).Encode(map[string]any{
				"id": 555,
				"order_items": []map[string]any{
					{"item": map[string]any{"title": orderTitle}},
				},
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	sellers := testutil.NewMockSellerRepository()
	seller := &domain.Seller{
		ID:   1,
		Slug: "acme",
		ML:   domain.MLTokens{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)},
		CAIdentifiers: domain.CAIdentifiers{
			BankAccountID: "bank-1", CostCentreID: "cc-1", MLContactID: "contact-1",
		},
	}
	sellers.Add(seller)

	limiter := ratelimit.NewWithConfig(1000, 1000, 100000)
	ml := mlclient.New(mlclient.Config{BaseURL: server.URL}, sellers, limiter, zerolog.Nop())

	payments := testutil.NewMockPaymentRepository()
	jobs := testutil.NewMockCAJobRepository()
	c := New(payments, jobs, ml, nil, zerolog.Nop())
	return c, payments, jobs, seller
}

func approvedPayment(id int64, orderID int64, amount, commission, shippingGross, shippingSeller, netReceived decimal.Decimal) *domain.RawPayment {
	return &domain.RawPayment{
		ID:                id,
		Status:            "approved",
		OrderID:           &orderID,
		Amount:            amount,
		NetReceivedAmount: netReceived,
		ShippingAmount:    shippingSeller,
		ChargesDetails: []domain.ChargeDetail{
			{Type: "fee", Name: "mercadopago_fee", Amount: commission, Accounts: struct {
				From string `json:"from"`
				To   string `json:"to"`
			}{From: "collector"}},
			{Type: "shipping", Amount: shippingGross, Accounts: struct {
				From string `json:"from"`
				To   string `json:"to"`
			}{From: "collector"}},
		},
	}
}

func TestClassify_SkipsPaymentWithoutOrderID(t *testing.T) {
	c, payments, _, seller := newTestClassifier(t, "Widget")
	raw := &domain.RawPayment{ID: 1, Status: "approved"}

	out, err := c.Classify(context.Background(), seller, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Skipped {
		t.Fatal("expected a payment with no order_id to be skipped")
	}
	p, err := payments.GetByMLID(context.Background(), seller.ID, 1)
	if err != nil {
		t.Fatalf("expected the skipped payment to be persisted: %v", err)
	}
	if p.ProcessingStatus != domain.PaymentSkippedNonSale {
		t.Errorf("expected skipped_non_sale, got %s", p.ProcessingStatus)
	}
}

func TestClassify_SkipsCollectorPresent(t *testing.T) {
	c, _, _, seller := newTestClassifier(t, "Widget")
	orderID := int64(555)
	raw := &domain.RawPayment{
		ID: 2, Status: "approved", OrderID: &orderID,
		Collector: &struct {
			ID int64 `json:"id"`
		}{ID: 999},
	}

	out, err := c.Classify(context.Background(), seller, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Skipped {
		t.Fatal("a payment where the seller is the buyer (collector present) must be skipped")
	}
}

func TestClassify_ApprovedSaleEmitsReceitaAndCommission(t *testing.T) {
	c, payments, jobs, seller := newTestClassifier(t, "Wireless Mouse")
	raw := approvedPayment(100, 555,
		decimal.NewFromFloat(200), decimal.NewFromFloat(20), decimal.Zero, decimal.Zero, decimal.NewFromFloat(180))

	out, err := c.Classify(context.Background(), seller, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Skipped {
		t.Fatal("an approved sale must not be skipped")
	}
	// receita + comissao
	if out.JobsQueued != 2 {
		t.Errorf("expected 2 jobs queued (receita + comissao), got %d", out.JobsQueued)
	}

	p, err := payments.GetByMLID(context.Background(), seller.ID, 100)
	if err != nil {
		t.Fatalf("unexpected error looking up persisted payment: %v", err)
	}
	if p.ProcessingStatus != domain.PaymentQueued {
		t.Errorf("expected queued status, got %s", p.ProcessingStatus)
	}
	if !p.ProcessorFee.Equal(decimal.NewFromFloat(20)) {
		t.Errorf("expected processor fee 20, got %s", p.ProcessorFee)
	}

	jl, _ := jobs.ListBySeller(context.Background(), seller.ID)
	kinds := map[domain.JobKind]bool{}
	for _, j := range jl {
		kinds[j.Kind] = true
	}
	if !kinds[domain.JobKindReceita] || !kinds[domain.JobKindComissao] {
		t.Errorf("expected receita and comissao jobs, got %+v", kinds)
	}
}

// TestClassify_SubsidyFixture is the subsidy=7.00 fixture of spec.md §8:
// net_received_amount exceeds amount-minus-fees by exactly 7.00, which
// must surface as a subsidio receivable job.
func TestClassify_SubsidyFixture(t *testing.T) {
	c, _, jobs, seller := newTestClassifier(t, "Subsidized Item")
	// amount 100, commission 10 -> net_calculated = 90; net_received = 97 -> subsidy 7.00
	raw := approvedPayment(200, 555,
		decimal.NewFromFloat(100), decimal.NewFromFloat(10), decimal.Zero, decimal.Zero, decimal.NewFromFloat(97))

	out, err := c.Classify(context.Background(), seller, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.JobsQueued != 3 {
		t.Fatalf("expected receita + comissao + subsidio = 3 jobs, got %d", out.JobsQueued)
	}

	jl, _ := jobs.ListBySeller(context.Background(), seller.ID)
	var subsidio *domain.CAJob
	for _, j := range jl {
		if j.Kind == domain.JobKindSubsidio {
			subsidio = j
		}
	}
	if subsidio == nil {
		t.Fatal("expected a subsidio job to be queued")
	}

	fees := ExtractFees(raw)
	if !fees.Subsidy.Equal(decimal.NewFromFloat(7)) {
		t.Errorf("expected subsidy fixture amount 7.00, got %s", fees.Subsidy)
	}
}

// TestClassify_BuyerPaidShippingFixture: shipping_amount equal to the
// seller-charged shipping leg means the seller absorbed nothing, so no
// frete payable should be queued.
func TestClassify_BuyerPaidShippingFixture(t *testing.T) {
	c, _, jobs, seller := newTestClassifier(t, "Shipped Item")
	raw := approvedPayment(300, 555,
		decimal.NewFromFloat(150), decimal.NewFromFloat(15), decimal.NewFromFloat(20), decimal.NewFromFloat(20), decimal.NewFromFloat(115))

	out, err := c.Classify(context.Background(), seller, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.JobsQueued != 2 {
		t.Errorf("expected only receita + comissao (no frete, buyer paid shipping), got %d jobs", out.JobsQueued)
	}
	jl, _ := jobs.ListBySeller(context.Background(), seller.ID)
	for _, j := range jl {
		if j.Kind == domain.JobKindFrete {
			t.Error("buyer-paid-shipping fixture must not emit a frete job")
		}
	}
}

func TestClassify_ChargebackReimbursedTreatedAsSale(t *testing.T) {
	c, payments, _, seller := newTestClassifier(t, "Reimbursed Item")
	orderID := int64(555)
	raw := &domain.RawPayment{
		ID: 400, Status: "charged_back", StatusDetail: "reimbursed", OrderID: &orderID,
		Amount: decimal.NewFromFloat(50), NetReceivedAmount: decimal.NewFromFloat(50),
	}

	out, err := c.Classify(context.Background(), seller, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Skipped {
		t.Fatal("a reimbursed chargeback must be booked as a sale, not skipped")
	}
	p, _ := payments.GetByMLID(context.Background(), seller.ID, 400)
	if p.ProcessingStatus != domain.PaymentQueued {
		t.Errorf("expected queued status for the reimbursed chargeback sale, got %s", p.ProcessingStatus)
	}
}

// TestClassify_ZeroRefundChargebackFixture: a true chargeback with a zero
// transaction_amount_refunded must fall back to refunding the full amount
// (spec.md §4.1 "fallback to amount when transaction_amount_refunded is
// zero, common for chargebacks").
func TestClassify_ZeroRefundChargebackFixture(t *testing.T) {
	c, _, jobs, seller := newTestClassifier(t, "Disputed Item")
	orderID := int64(555)
	raw := &domain.RawPayment{
		ID: 500, Status: "charged_back", OrderID: &orderID,
		Amount: decimal.NewFromFloat(80), NetReceivedAmount: decimal.NewFromFloat(80),
		TransactionAmountRefunded: decimal.Zero,
	}

	out, err := c.Classify(context.Background(), seller, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// sale (receita) + estorno, since this is a total refund with no prior sync
	if out.JobsQueued < 2 {
		t.Fatalf("expected at least a sale leg plus an estorno, got %d jobs", out.JobsQueued)
	}

	jl, _ := jobs.ListBySeller(context.Background(), seller.ID)
	var estorno *domain.CAJob
	for _, j := range jl {
		if j.Kind == domain.JobKindEstorno {
			estorno = j
		}
	}
	if estorno == nil {
		t.Fatal("expected an estorno job")
	}
}

// TestClassify_PartialRefundFixture: a partial refund must keep the
// proportional fee (no estorno_taxa), per spec.md §4.1 "by design: partial
// refunds keep the proportional fee".
func TestClassify_PartialRefundFixture(t *testing.T) {
	c, payments, jobs, seller := newTestClassifier(t, "Kit Item")
	orderID := int64(555)

	// First sync the sale so there is an existing synced payment.
	sale := approvedPayment(600, 555, decimal.NewFromFloat(100), decimal.NewFromFloat(10), decimal.Zero, decimal.Zero, decimal.NewFromFloat(90))
	if _, err := c.Classify(context.Background(), seller, sale); err != nil {
		t.Fatalf("unexpected error syncing initial sale: %v", err)
	}
	p, _ := payments.GetByMLID(context.Background(), seller.ID, 600)
	p.ProcessingStatus = domain.PaymentSynced
	payments.Upsert(context.Background(), p)

	raw := &domain.RawPayment{
		ID: 600, Status: "refunded", StatusDetail: "partially_refunded", OrderID: &orderID,
		Amount: decimal.NewFromFloat(100), TransactionAmountRefunded: decimal.NewFromFloat(30),
		ChargesDetails: sale.ChargesDetails,
	}

	out, err := c.Classify(context.Background(), seller, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.JobsQueued != 1 {
		t.Errorf("expected a single partial_refund job, got %d", out.JobsQueued)
	}

	jl, _ := jobs.ListBySeller(context.Background(), seller.ID)
	var partial *domain.CAJob
	for _, j := range jl {
		switch j.Kind {
		case domain.JobKindEstornoTaxa:
			t.Error("a partial refund must never emit an estorno_taxa (fee reversal) job")
		case domain.JobKindEstorno:
			t.Error("a partial refund must never emit a full estorno (full reversal) job")
		case domain.JobKindPartialRefund:
			partial = j
		}
	}
	if partial == nil {
		t.Fatal("expected a partial_refund job")
	}
	var payload struct {
		Parcelas []struct {
			DetalheValor struct {
				ValorBruto string `json:"valor_bruto"`
			} `json:"detalhe_valor"`
		} `json:"parcelas"`
	}
	if err := json.Unmarshal(partial.Payload, &payload); err != nil {
		t.Fatalf("failed to decode job payload: %v", err)
	}
	if len(payload.Parcelas) != 1 || payload.Parcelas[0].DetalheValor.ValorBruto != "30.00" {
		t.Errorf("expected the partial refund payable to be 30.00, got %+v", payload.Parcelas)
	}
}

// TestClassify_SecondPartialRefundGetsDistinctIdempotencyKey: a second
// partial refund on the same payment must book a second payable, not be
// silently swallowed by the idempotent-enqueue contract (spec.md §3
// invariant 2, enqueue protocol's partial_refund_{i} suffix).
func TestClassify_SecondPartialRefundGetsDistinctIdempotencyKey(t *testing.T) {
	c, payments, jobs, seller := newTestClassifier(t, "Kit Item")
	orderID := int64(555)

	sale := approvedPayment(601, 555, decimal.NewFromFloat(100), decimal.NewFromFloat(10), decimal.Zero, decimal.Zero, decimal.NewFromFloat(90))
	if _, err := c.Classify(context.Background(), seller, sale); err != nil {
		t.Fatalf("unexpected error syncing initial sale: %v", err)
	}
	p, _ := payments.GetByMLID(context.Background(), seller.ID, 601)
	p.ProcessingStatus = domain.PaymentSynced
	payments.Upsert(context.Background(), p)

	firstRefund := &domain.RawPayment{
		ID: 601, Status: "refunded", StatusDetail: "partially_refunded", OrderID: &orderID,
		Amount: decimal.NewFromFloat(100), TransactionAmountRefunded: decimal.NewFromFloat(30),
		ChargesDetails: sale.ChargesDetails,
	}
	if _, err := c.Classify(context.Background(), seller, firstRefund); err != nil {
		t.Fatalf("unexpected error on first partial refund: %v", err)
	}

	secondRefund := &domain.RawPayment{
		ID: 601, Status: "refunded", StatusDetail: "partially_refunded", OrderID: &orderID,
		Amount: decimal.NewFromFloat(100), TransactionAmountRefunded: decimal.NewFromFloat(50),
		ChargesDetails: sale.ChargesDetails,
	}
	out, err := c.Classify(context.Background(), seller, secondRefund)
	if err != nil {
		t.Fatalf("unexpected error on second partial refund: %v", err)
	}
	if out.JobsQueued != 1 {
		t.Errorf("expected the second partial refund to queue its own job, got %d new jobs", out.JobsQueued)
	}

	jl, _ := jobs.ListBySeller(context.Background(), seller.ID)
	count := 0
	for _, j := range jl {
		if j.Kind == domain.JobKindPartialRefund {
			count++
		}
	}
	if count != 2 {
		t.Errorf("expected 2 distinct partial_refund jobs booked for the same payment, got %d", count)
	}
}

func TestClassify_MarketplaceShipmentSkipped(t *testing.T) {
	c, _, _, seller := newTestClassifier(t, "Widget")
	orderID := int64(555)
	raw := &domain.RawPayment{ID: 700, Status: "approved", OrderID: &orderID, Description: "marketplace_shipment"}

	out, err := c.Classify(context.Background(), seller, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Skipped {
		t.Fatal("a marketplace_shipment payment must be skipped")
	}
}

func TestClassify_CancelledPaymentSkipped(t *testing.T) {
	c, _, _, seller := newTestClassifier(t, "Widget")
	orderID := int64(555)
	raw := &domain.RawPayment{ID: 800, Status: "cancelled", OrderID: &orderID}

	out, err := c.Classify(context.Background(), seller, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Skipped {
		t.Fatal("a cancelled payment must be skipped")
	}
}

func TestExtractFees_NegativeShippingSellerClampedToZero(t *testing.T) {
	raw := &domain.RawPayment{
		ShippingAmount: decimal.NewFromFloat(50),
		ChargesDetails: []domain.ChargeDetail{
			{Type: "shipping", Amount: decimal.NewFromFloat(20), Accounts: struct {
				From string `json:"from"`
				To   string `json:"to"`
			}{From: "collector"}},
		},
	}
	fees := ExtractFees(raw)
	if !fees.ShippingSeller.IsZero() {
		t.Errorf("expected shipping_seller to clamp to zero when buyer shipping exceeds gross, got %s", fees.ShippingSeller)
	}
}

func TestExtractFees_FinancingFeeExcludedFromCommission(t *testing.T) {
	raw := &domain.RawPayment{
		ChargesDetails: []domain.ChargeDetail{
			{Type: "fee", Name: financingFee, Amount: decimal.NewFromFloat(5), Accounts: struct {
				From string `json:"from"`
				To   string `json:"to"`
			}{From: "collector"}},
		},
	}
	fees := ExtractFees(raw)
	if !fees.Commission.IsZero() {
		t.Errorf("expected the financing fee to be excluded from commission, got %s", fees.Commission)
	}
}
