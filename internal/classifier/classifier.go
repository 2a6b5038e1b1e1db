// Package classifier is the Payment Classifier (spec.md §4.1): given one ML
// payment, decides whether it is a sale and which accounting events to
// enqueue as CA jobs.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vinescrow/mlca-reconciler/internal/archive"
	"github.com/vinescrow/mlca-reconciler/internal/caclient"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
	"github.com/vinescrow/mlca-reconciler/internal/metrics"
	"github.com/vinescrow/mlca-reconciler/internal/mlclient"
)

const financingFee = "financing_fee"

// Classifier drives the skip policy, fee extraction, and state machine of
// spec.md §4.1.
type Classifier struct {
	payments domain.PaymentRepository
	jobs     domain.CAJobRepository
	ml       *mlclient.Client
	archive  *archive.Store // nil disables raw-payload archiving (e.g. tests, unconfigured S3)
	log      zerolog.Logger
}

func New(payments domain.PaymentRepository, jobs domain.CAJobRepository, ml *mlclient.Client, store *archive.Store, log zerolog.Logger) *Classifier {
	return &Classifier{payments: payments, jobs: jobs, ml: ml, archive: store, log: log.With().Str("component", "payment_classifier").Logger()}
}

// Outcome summarizes what a classification run did, for daily-sync
// counters (spec.md §4.3 "Tally counters").
type Outcome struct {
	Skipped    bool
	JobsQueued int
}

// Classify processes one raw payment for a seller, persisting the Payment
// row and enqueuing whatever CA jobs the state machine calls for.
func (c *Classifier) Classify(ctx context.Context, seller *domain.Seller, raw *domain.RawPayment) (*Outcome, error) {
	existing, err := c.payments.GetByMLID(ctx, seller.ID, raw.ID)
	if err != nil && err != domain.ErrPaymentNotFound {
		return nil, err
	}

	c.archiveRawPayload(ctx, seller.ID, raw)

	if skip, reason := c.skipPolicy(raw, existing); skip {
		c.log.Debug().Int64("payment_id", raw.ID).Str("reason", reason).Msg("payment skipped")
		return c.persistSkipped(ctx, seller, raw, existing)
	}

	switch {
	case raw.Status == "cancelled" || raw.Status == "rejected":
		return c.persistSkipped(ctx, seller, raw, existing)

	case raw.Status == "approved", raw.Status == "in_mediation":
		return c.emitSale(ctx, seller, raw, existing)

	case raw.Status == "charged_back" && raw.StatusDetail == "reimbursed":
		return c.emitSale(ctx, seller, raw, existing)

	case raw.Status == "charged_back":
		return c.emitRefund(ctx, seller, raw, existing, true)

	case raw.Status == "refunded" && raw.StatusDetail == "by_admin":
		// the not-yet-synced case was already skipped by skipPolicy;
		// reaching here means a synced row exists, so process the refund.
		return c.emitRefund(ctx, seller, raw, existing, true)

	case raw.Status == "refunded" && raw.StatusDetail == "partially_refunded":
		return c.emitRefund(ctx, seller, raw, existing, false)

	case raw.Status == "refunded":
		return c.emitRefund(ctx, seller, raw, existing, true)

	default:
		return c.persistSkipped(ctx, seller, raw, existing)
	}
}

// skipPolicy implements spec.md §4.1 "Skip policy (evaluated first)".
func (c *Classifier) skipPolicy(raw *domain.RawPayment, existing *domain.Payment) (bool, string) {
	if raw.OrderID == nil {
		return true, "no_order_id"
	}
	if raw.Description == "marketplace_shipment" {
		return true, "marketplace_shipment"
	}
	if raw.HasCollector() {
		return true, "collector_present"
	}
	if raw.OperationType == "partition_transfer" || raw.OperationType == "payment_addition" {
		return true, "internal_mp_movement"
	}
	if raw.Status == "refunded" && raw.StatusDetail == "by_admin" {
		if existing == nil || existing.ProcessingStatus != domain.PaymentSynced {
			return true, "kit_split_pending_original"
		}
	}
	return false, ""
}

func (c *Classifier) persistSkipped(ctx context.Context, seller *domain.Seller, raw *domain.RawPayment, existing *domain.Payment) (*Outcome, error) {
	p := paymentFromRaw(seller.ID, raw, existing)
	p.ProcessingStatus = domain.PaymentSkippedNonSale
	if _, err := c.payments.Upsert(ctx, p); err != nil {
		return nil, err
	}
	metrics.ClassifierOutcomes.WithLabelValues("skipped").Inc()
	return &Outcome{Skipped: true}, nil
}

// Fees is the §4.1 fee-extraction result.
type Fees struct {
	Commission     decimal.Decimal
	ShippingSeller decimal.Decimal
	NetCalculated  decimal.Decimal
	Subsidy        decimal.Decimal
}

// ExtractFees is the sole source of truth for fee extraction
// (charges_details), per spec.md §4.1.
func ExtractFees(raw *domain.RawPayment) Fees {
	commission := decimal.Zero
	shippingGross := decimal.Zero

	for _, cd := range raw.ChargesDetails {
		switch cd.Type {
		case "fee":
			if cd.Accounts.From == "collector" && cd.Name != financingFee {
				commission = commission.Add(cd.Amount)
			}
		case "shipping":
			if cd.Accounts.From == "collector" {
				shippingGross = shippingGross.Add(cd.Amount)
			}
		}
	}

	shippingSeller := shippingGross.Sub(raw.ShippingAmount)
	if shippingSeller.IsNegative() {
		shippingSeller = decimal.Zero
	}

	netCalculated := raw.Amount.Sub(commission).Sub(shippingSeller)

	subsidy := decimal.Zero
	if raw.NetReceivedAmount.GreaterThan(netCalculated) {
		subsidy = raw.NetReceivedAmount.Sub(netCalculated)
	}

	return Fees{Commission: commission, ShippingSeller: shippingSeller, NetCalculated: netCalculated, Subsidy: subsidy}
}

func (c *Classifier) emitSale(ctx context.Context, seller *domain.Seller, raw *domain.RawPayment, existing *domain.Payment) (*Outcome, error) {
	fees := ExtractFees(raw)

	title := ""
	if raw.OrderID != nil {
		order, err := c.ml.GetOrder(ctx, seller, *raw.OrderID)
		if err != nil {
			return nil, fmt.Errorf("order lookup: %w", err)
		}
		title = order.Title
	}
	description := fmt.Sprintf("Venda ML #%d - %s", derefOrZero(raw.OrderID), title)

	p := paymentFromRaw(seller.ID, raw, existing)
	p.ProcessorFee = fees.Commission
	p.ProcessorShipping = fees.ShippingSeller
	p.ProcessingStatus = domain.PaymentQueued
	saved, err := c.payments.Upsert(ctx, p)
	if err != nil {
		return nil, err
	}

	due := raw.MoneyReleaseDate
	count := 0

	if err := c.enqueueEvent(ctx, seller, saved, domain.JobKindReceita, "", domain.PriorityReceivable, caclient.Receivable, description, raw.Amount, due); err != nil {
		return nil, err
	}
	count++

	if fees.Commission.IsPositive() {
		if err := c.enqueueEvent(ctx, seller, saved, domain.JobKindComissao, "", domain.PriorityExpense, caclient.Payable, "Comissao ML "+description, fees.Commission, due); err != nil {
			return nil, err
		}
		count++
	}
	if fees.ShippingSeller.IsPositive() {
		if err := c.enqueueEvent(ctx, seller, saved, domain.JobKindFrete, "", domain.PriorityExpense, caclient.Payable, "Frete "+description, fees.ShippingSeller, due); err != nil {
			return nil, err
		}
		count++
	}
	if fees.Subsidy.IsPositive() {
		if err := c.enqueueEvent(ctx, seller, saved, domain.JobKindSubsidio, "", domain.PriorityReceivable, caclient.Receivable, "Subsidio ML "+description, fees.Subsidy, due); err != nil {
			return nil, err
		}
		count++
	}

	metrics.ClassifierOutcomes.WithLabelValues("sale").Inc()
	return &Outcome{JobsQueued: count}, nil
}

// emitRefund implements spec.md §4.1 "Refund handling": if no prior sync
// exists, the would-have-been sale is emitted first so the reversal has
// something to reverse; the reversal amount falls back to amount when
// transaction_amount_refunded is zero (common for chargebacks).
func (c *Classifier) emitRefund(ctx context.Context, seller *domain.Seller, raw *domain.RawPayment, existing *domain.Payment, total bool) (*Outcome, error) {
	count := 0
	if existing == nil || existing.ProcessingStatus == domain.PaymentPending {
		saleOutcome, err := c.emitSale(ctx, seller, raw, existing)
		if err != nil {
			return nil, err
		}
		count += saleOutcome.JobsQueued
		existing, err = c.payments.GetByMLID(ctx, seller.ID, raw.ID)
		if err != nil {
			return nil, err
		}
	}

	refundAmount := raw.TransactionAmountRefunded
	if refundAmount.IsZero() {
		refundAmount = raw.Amount
	}
	if refundAmount.GreaterThan(raw.Amount) {
		refundAmount = raw.Amount
	}

	p := paymentFromRaw(seller.ID, raw, existing)
	p.ProcessingStatus = domain.PaymentQueued
	saved, err := c.payments.Upsert(ctx, p)
	if err != nil {
		return nil, err
	}

	due := raw.MoneyReleaseDate
	description := fmt.Sprintf("Estorno ML pagamento %d", raw.ID)

	// Total refunds reverse the full sale plus its commission; partial
	// refunds book only the proportional payable, never the full-sale
	// reversal (spec.md §4.1 "by design: partial refunds keep the
	// proportional fee" and §8 scenario 3).
	if total {
		if err := c.enqueueEvent(ctx, seller, saved, domain.JobKindEstorno, "", domain.PriorityReceivable, caclient.Payable, description, refundAmount, due); err != nil {
			return nil, err
		}
		count++

		fees := ExtractFees(raw)
		if fees.Commission.IsPositive() {
			if err := c.enqueueEvent(ctx, seller, saved, domain.JobKindEstornoTaxa, "", domain.PriorityExpense, caclient.Receivable, "Estorno comissao "+description, fees.Commission, due); err != nil {
				return nil, err
			}
			count++
		}
	} else {
		suffix, err := c.nextPartialRefundSuffix(ctx, seller.ID, raw.ID)
		if err != nil {
			return nil, err
		}
		if err := c.enqueueEvent(ctx, seller, saved, domain.JobKindPartialRefund, suffix, domain.PriorityReceivable, caclient.Payable, description, refundAmount, due); err != nil {
			return nil, err
		}
		count++
	}

	if total {
		metrics.ClassifierOutcomes.WithLabelValues("refund_total").Inc()
	} else {
		metrics.ClassifierOutcomes.WithLabelValues("refund_partial").Inc()
	}
	return &Outcome{JobsQueued: count}, nil
}

// eventPayload mirrors caclient.EventoFinanceiro shape, serialized into the
// CAJob's Payload column; the worker deserializes it just before the HTTP
// call so a retry always replays the exact same request body.
type eventPayload struct {
	Descricao       string `json:"descricao"`
	ContaFinanceira string `json:"conta_financeira"`
	CentroDeCusto   string `json:"centro_de_custo"`
	Contato         string `json:"contato,omitempty"`
	DataCompetencia string `json:"data_competencia"`
	Parcelas        []struct {
		DataVencimento string `json:"data_vencimento"`
		DetalheValor   struct {
			ValorBruto   string `json:"valor_bruto"`
			ValorLiquido string `json:"valor_liquido"`
		} `json:"detalhe_valor"`
	} `json:"parcelas"`
}

func (c *Classifier) enqueueEvent(ctx context.Context, seller *domain.Seller, p *domain.Payment, kind domain.JobKind, suffix string, priority int, endpointKind string, description string, amount decimal.Decimal, due *time.Time) error {
	dueDate := time.Now()
	if due != nil {
		dueDate = *due
	}

	payload := eventPayload{
		Descricao:       description,
		ContaFinanceira: seller.CAIdentifiers.BankAccountID,
		CentroDeCusto:   seller.CAIdentifiers.CostCentreID,
		Contato:         seller.CAIdentifiers.MLContactID,
		DataCompetencia: dueDate.Format("2006-01-02"),
	}
	payload.Parcelas = append(payload.Parcelas, struct {
		DataVencimento string `json:"data_vencimento"`
		DetalheValor   struct {
			ValorBruto   string `json:"valor_bruto"`
			ValorLiquido string `json:"valor_liquido"`
		} `json:"detalhe_valor"`
	}{
		DataVencimento: dueDate.Format("2006-01-02"),
		DetalheValor: struct {
			ValorBruto   string `json:"valor_bruto"`
			ValorLiquido string `json:"valor_liquido"`
		}{ValorBruto: amount.StringFixed(2), ValorLiquido: amount.StringFixed(2)},
	})

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	job := domain.NewJob(seller.ID, seller.Slug, p.MLPaymentID, kind, suffix, priority,
		"/v1/financeiro/eventos-financeiros/"+endpointKind, "POST", body, time.Now())

	if _, _, err := c.jobs.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	metrics.JobsEnqueued.WithLabelValues(endpointKind).Inc()
	return nil
}

// nextPartialRefundSuffix counts the partial-refund jobs already queued for
// this payment so each one gets a distinct idempotency key
// (partial_refund_{i}, spec.md §4.1 "Enqueue protocol") instead of every
// partial refund on the same payment colliding on the same key and being
// silently swallowed by the idempotent-enqueue contract (spec.md §3
// invariant 2).
func (c *Classifier) nextPartialRefundSuffix(ctx context.Context, sellerID int32, mlPaymentID int64) (string, error) {
	jobs, err := c.jobs.ListBySeller(ctx, sellerID)
	if err != nil {
		return "", fmt.Errorf("list jobs for partial refund suffix: %w", err)
	}
	count := 0
	for _, j := range jobs {
		if j.GroupID == mlPaymentID && j.Kind == domain.JobKindPartialRefund {
			count++
		}
	}
	return strconv.Itoa(count + 1), nil
}

// archiveRawPayload persists the JSON encoding of the typed RawPayment in
// the audit-trail S3 bucket under its deterministic key (spec.md §3,
// archive.RawPayloadKey). Fields of ML's response that RawPayment does not
// declare are not kept. Best-effort: the DB column already carries the
// same payload, so an archive outage never blocks classification.
func (c *Classifier) archiveRawPayload(ctx context.Context, sellerID int32, raw *domain.RawPayment) {
	if c.archive == nil {
		return
	}
	body, err := json.Marshal(raw)
	if err != nil {
		c.log.Error().Err(err).Int64("payment_id", raw.ID).Msg("marshal raw payload for archive failed")
		return
	}
	key := archive.RawPayloadKey(sellerID, raw.ID)
	if err := c.archive.Put(ctx, key, bytes.NewReader(body), "application/json", int64(len(body))); err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("archive raw payload failed")
	}
}

func paymentFromRaw(sellerID int32, raw *domain.RawPayment, existing *domain.Payment) *domain.Payment {
	// Cache the re-encoded RawPayment (not ML's original bytes) so a
	// disputed closing or a re-classification can replay it without a
	// second ML call
	// (spec.md §3 "raw payload cached for audits/re-checks").
	rawPayload, _ := json.Marshal(raw)

	p := &domain.Payment{
		SellerID:          sellerID,
		MLPaymentID:       raw.ID,
		MLOrderID:         raw.OrderID,
		MLStatus:          raw.Status,
		StatusDetail:      raw.StatusDetail,
		Amount:            raw.Amount,
		NetReceivedAmount: raw.NetReceivedAmount,
		MoneyReleaseDate:  raw.MoneyReleaseDate,
		MoneyReleaseStatus: raw.MoneyReleaseStatus,
		DateApproved:      raw.DateApproved,
		ProcessingStatus:  domain.PaymentPending,
		RawPayload:        rawPayload,
	}
	if existing != nil {
		p.ID = existing.ID
		p.ProcessorFee = existing.ProcessorFee
		p.ProcessorShipping = existing.ProcessorShipping
		p.CAProtocol = existing.CAProtocol
	}
	if raw.DateApproved != nil {
		brt := raw.DateApproved.In(brtLocation())
		p.CompetenceDate = &brt
	}
	return p
}

// brtLocation returns the seller-local calendar (spec.md §3: "BRT,
// UTC-3"). Falls back to a fixed offset if the tzdata entry is
// unavailable, since the engine must never fail classification over a
// missing timezone database.
func brtLocation() *time.Location {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		return time.FixedZone("BRT", -3*60*60)
	}
	return loc
}

func derefOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
