// Package backfill is the Onboarding Backfill (spec.md §4.7):
// reconstructs all historical events for a newly-activated seller from
// ca_start_date to yesterday, without producing duplicates.
package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vinescrow/mlca-reconciler/internal/classifier"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
	"github.com/vinescrow/mlca-reconciler/internal/expense"
	"github.com/vinescrow/mlca-reconciler/internal/mlclient"
)

const pageSize = 50

// Runner drives one seller's onboarding backfill.
type Runner struct {
	ml         *mlclient.Client
	payments   domain.PaymentRepository
	expenses   domain.ExpenseRepository
	sellers    domain.SellerRepository
	classifier *classifier.Classifier
	expense    *expense.Classifier
	log        zerolog.Logger
}

func New(ml *mlclient.Client, payments domain.PaymentRepository, expenses domain.ExpenseRepository, sellers domain.SellerRepository, cl *classifier.Classifier, ex *expense.Classifier, log zerolog.Logger) *Runner {
	return &Runner{ml: ml, payments: payments, expenses: expenses, sellers: sellers, classifier: cl, expense: ex, log: log.With().Str("component", "backfill").Logger()}
}

// Validate checks spec.md §4.7's pre-conditions: ca_start_date must be
// the first of a month, and the seller must hold valid ML tokens and
// target CA identifiers.
func Validate(seller *domain.Seller) error {
	if seller.CAStartDate == nil || !domain.IsFirstOfMonth(*seller.CAStartDate) {
		return domain.ErrInvalidCAStartDate
	}
	if !seller.ReadyForCA() {
		return domain.ErrSellerNotConfigured
	}
	return nil
}

// Run reconstructs history over [ca_start_date, yesterday], filtering by
// money_release_date (spec.md §4.7 "Enumeration").
func (r *Runner) Run(ctx context.Context, seller *domain.Seller, now time.Time) error {
	if err := Validate(seller); err != nil {
		return err
	}
	if err := r.sellers.StartBackfill(ctx, seller.ID); err != nil {
		return err
	}

	progress := &domain.BackfillProgress{}
	yesterday := now.AddDate(0, 0, -1)

	err := r.walk(ctx, seller, *seller.CAStartDate, yesterday, progress)

	if err != nil {
		msg := err.Error()
		_ = r.sellers.UpdateBackfillState(ctx, seller.ID, domain.BackfillStatusFailed, progress, &msg)
		return err
	}
	return r.sellers.UpdateBackfillState(ctx, seller.ID, domain.BackfillStatusCompleted, progress, nil)
}

func (r *Runner) walk(ctx context.Context, seller *domain.Seller, begin, end time.Time, progress *domain.BackfillProgress) error {
	offset := 0
	for {
		page, err := r.ml.SearchPayments(ctx, seller, mlclient.RangeMoneyReleaseDate, begin, end, offset, pageSize)
		if err != nil {
			return fmt.Errorf("search payments: %w", err)
		}

		progress.Total += len(page.Results)

		for _, raw := range page.Results {
			done, err := r.alreadyDone(ctx, seller.ID, raw)
			if err != nil {
				progress.Errors++
				continue
			}
			if done {
				progress.Skipped++
				progress.LastPaymentID = raw.ID
				continue
			}

			if raw.OrderID != nil {
				if _, err := r.classifier.Classify(ctx, seller, &raw); err != nil {
					r.log.Error().Err(err).Int64("payment_id", raw.ID).Msg("backfill classify failed")
					progress.Errors++
				} else {
					progress.OrdersProcessed++
				}
			} else {
				paymentID := fmt.Sprintf("%d", raw.ID)
				if _, err := r.expense.Classify(ctx, seller.ID, paymentID, &raw); err != nil {
					r.log.Error().Err(err).Int64("payment_id", raw.ID).Msg("backfill expense classify failed")
					progress.Errors++
				} else {
					progress.ExpensesClassified++
				}
			}

			progress.Processed++
			progress.LastPaymentID = raw.ID
		}

		if err := r.sellers.UpdateBackfillState(ctx, seller.ID, domain.BackfillStatusRunning, progress, nil); err != nil {
			r.log.Error().Err(err).Msg("progress checkpoint failed")
		}

		offset += len(page.Results)
		if len(page.Results) < pageSize || offset >= page.Paging.Total {
			break
		}
	}
	return nil
}

// alreadyDone implements spec.md §4.7 "already_done if a terminal row
// exists in payments or mp_expenses", making the walk resumable.
func (r *Runner) alreadyDone(ctx context.Context, sellerID int32, raw domain.RawPayment) (bool, error) {
	if raw.OrderID != nil {
		p, err := r.payments.GetByMLID(ctx, sellerID, raw.ID)
		if err != nil {
			if err == domain.ErrPaymentNotFound {
				return false, nil
			}
			return false, err
		}
		return p.IsTerminal(), nil
	}

	paymentID := fmt.Sprintf("%d", raw.ID)
	exists, err := r.expenses.ExistsForPaymentID(ctx, sellerID, paymentID)
	if err != nil {
		return false, err
	}
	return exists, nil
}
