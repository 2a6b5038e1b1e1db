// Package baixa is the Baixa Scheduler (spec.md §4.5): lists open CA
// installments and enqueues write-off jobs for the ones the Release
// Checker has cleared.
package baixa

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/vinescrow/mlca-reconciler/internal/caclient"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
	"github.com/vinescrow/mlca-reconciler/internal/metrics"
	"github.com/vinescrow/mlca-reconciler/internal/release"
)

// paymentIDPattern matches the "#<payment_id>" token the classifier
// embeds in every description it writes (spec.md §4.5 "extracts the
// originating payment_id from the description, stable format set by the
// classifier").
var paymentIDPattern = regexp.MustCompile(`#(\d+)`)

// ExtractPaymentID recovers the originating ML payment id from a CA
// installment's description.
func ExtractPaymentID(description string) (int64, bool) {
	m := paymentIDPattern.FindStringSubmatch(description)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Scheduler runs the daily baixa pass.
type Scheduler struct {
	ca      *caclient.Client
	checker *release.Checker
	jobs    domain.CAJobRepository
	log     zerolog.Logger
}

func New(ca *caclient.Client, checker *release.Checker, jobs domain.CAJobRepository, log zerolog.Logger) *Scheduler {
	return &Scheduler{ca: ca, checker: checker, jobs: jobs, log: log.With().Str("component", "baixa_scheduler").Logger()}
}

// Summary reports what one daily pass did.
type Summary struct {
	Considered int
	Enqueued   int
	Unknown    int
}

// RunDaily lists open installments due today or earlier and enqueues
// baixa jobs for the released/bypass ones (spec.md §4.5 "Daily pass",
// "Enqueue").
func (s *Scheduler) RunDaily(ctx context.Context, seller *domain.Seller, today time.Time) (*Summary, error) {
	sum := &Summary{}

	for _, kind := range []string{caclient.Receivable, caclient.Payable} {
		parcelas, err := s.ca.BuscarContasAbertas(ctx, seller, kind, seller.CAIdentifiers.BankAccountID, today)
		if err != nil {
			return nil, fmt.Errorf("buscar contas abertas (%s): %w", kind, err)
		}

		for _, parcela := range parcelas {
			sum.Considered++
			paymentID, ok := ExtractPaymentID(parcela.Descricao)
			if !ok {
				s.log.Warn().Str("parcela_id", parcela.ID).Msg("baixa: could not extract payment_id from description")
				continue
			}

			result, err := s.checker.Check(ctx, seller, paymentID, today)
			if err != nil {
				s.log.Error().Err(err).Int64("payment_id", paymentID).Msg("release check failed")
				continue
			}

			switch result {
			case release.ResultReleased, release.ResultBypass:
				if err := s.enqueueBaixa(ctx, seller, paymentID, parcela); err != nil {
					s.log.Error().Err(err).Str("parcela_id", parcela.ID).Msg("enqueue baixa failed")
					continue
				}
				sum.Enqueued++
				metrics.BaixasScheduled.WithLabelValues(string(result)).Inc()
			default:
				sum.Unknown++
				metrics.BaixasScheduled.WithLabelValues("unknown").Inc()
			}
		}
	}

	return sum, nil
}

func (s *Scheduler) enqueueBaixa(ctx context.Context, seller *domain.Seller, paymentID int64, parcela caclient.ParcelaAberta) error {
	payload := struct {
		ParcelaID     string `json:"parcela_id"`
		DataPagamento string `json:"data_pagamento"`
		ValorPago     string `json:"valor_pago"`
	}{
		ParcelaID:     parcela.ID,
		DataPagamento: time.Now().Format("2006-01-02"),
		ValorPago:     parcela.ValorBruto,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	job := domain.NewJob(seller.ID, seller.Slug, paymentID, domain.JobKindBaixa, parcela.ID, domain.PriorityBaixa,
		"/v1/financeiro/eventos-financeiros/parcelas/"+parcela.ID+"/baixa", "POST", body, time.Now())

	_, _, err = s.jobs.Enqueue(ctx, job)
	return err
}
