// Package sync is the Daily Sync Orchestrator (spec.md §4.3): walks a
// rolling window of ML payments so every payment is eventually booked,
// independent of whether webhooks arrive.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/vinescrow/mlca-reconciler/internal/classifier"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
	"github.com/vinescrow/mlca-reconciler/internal/expense"
	"github.com/vinescrow/mlca-reconciler/internal/metrics"
	"github.com/vinescrow/mlca-reconciler/internal/mlclient"
)

// DefaultLookbackDays and DefaultSettleDays bound the default window
// [today-3, today-1] (spec.md §4.3 "Window").
const (
	DefaultLookbackDays = 3
	DefaultSettleDays   = 1
	pageSize            = 50
)

// Orchestrator drives the classifier and expense classifier over a
// window of enumerated payments.
type Orchestrator struct {
	ml         *mlclient.Client
	payments   domain.PaymentRepository
	cursors    domain.SyncCursorRepository
	classifier *classifier.Classifier
	expense    *expense.Classifier
	log        zerolog.Logger
}

func New(ml *mlclient.Client, payments domain.PaymentRepository, cursors domain.SyncCursorRepository, cl *classifier.Classifier, ex *expense.Classifier, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{ml: ml, payments: payments, cursors: cursors, classifier: cl, expense: ex, log: log.With().Str("component", "sync_orchestrator").Logger()}
}

// Options configures a sync run (spec.md §4.3 "retroactive backfill
// operation").
type Options struct {
	Begin                time.Time
	End                  time.Time
	DryRun               bool
	ReprocessMissingFees bool
}

// Counters are the per-seller tally returned to the caller (spec.md §4.3
// "Tally counters").
type Counters struct {
	OrdersProcessed    int
	ExpensesClassified int
	Skipped            int
	Errors             int
	Enumerated         int
}

// DefaultWindow returns the standard rolling window relative to now; now
// is used as given, with no conversion to the seller's timezone.
func DefaultWindow(now time.Time) Options {
	return Options{
		Begin: now.AddDate(0, 0, -DefaultLookbackDays),
		End:   now.AddDate(0, 0, -DefaultSettleDays),
	}
}

// Run executes one sync pass for one seller.
func (o *Orchestrator) Run(ctx context.Context, seller *domain.Seller, opts Options) (*Counters, error) {
	counters := &Counters{}

	enumerated, err := o.enumerate(ctx, seller, opts)
	if err != nil {
		return counters, err
	}
	counters.Enumerated = len(enumerated)
	metrics.SyncEnumerated.WithLabelValues(strconv.Itoa(int(seller.ID))).Add(float64(len(enumerated)))

	if opts.DryRun {
		return counters, nil
	}

	for _, raw := range enumerated {
		existing, err := o.payments.GetByMLID(ctx, seller.ID, raw.ID)
		if err != nil && err != domain.ErrPaymentNotFound {
			counters.Errors++
			continue
		}
		if existing != nil && existing.IsTerminal() {
			if !(opts.ReprocessMissingFees && existing.MissingFees()) {
				continue
			}
		}

		if raw.OrderID != nil {
			if _, err := o.classifier.Classify(ctx, seller, &raw); err != nil {
				o.log.Error().Err(err).Int64("payment_id", raw.ID).Msg("classify failed")
				counters.Errors++
				continue
			}
			counters.OrdersProcessed++
		} else {
			paymentID := fmt.Sprintf("%d", raw.ID)
			if _, err := o.expense.Classify(ctx, seller.ID, paymentID, &raw); err != nil {
				o.log.Error().Err(err).Int64("payment_id", raw.ID).Msg("expense classify failed")
				counters.Errors++
				continue
			}
			counters.ExpensesClassified++
		}
	}

	return counters, nil
}

// enumerate pages ML's payment search twice (date_approved,
// date_last_updated) and unions results, deduplicating by payment id
// (spec.md §4.3 "Enumeration").
func (o *Orchestrator) enumerate(ctx context.Context, seller *domain.Seller, opts Options) ([]domain.RawPayment, error) {
	seen := make(map[int64]bool)
	var out []domain.RawPayment

	for _, field := range []mlclient.RangeField{mlclient.RangeDateApproved, mlclient.RangeDateLastUpdated} {
		cursorKey := cursorKeyFor(field)
		offset := o.loadCursor(ctx, seller.ID, cursorKey)

		for {
			page, err := o.ml.SearchPayments(ctx, seller, field, opts.Begin, opts.End, offset, pageSize)
			if err != nil {
				return out, fmt.Errorf("search payments (%s): %w", field, err)
			}
			for _, p := range page.Results {
				if !seen[p.ID] {
					seen[p.ID] = true
					out = append(out, p)
				}
			}
			offset += len(page.Results)
			if len(page.Results) < pageSize || offset >= page.Paging.Total {
				break
			}
		}

		if !opts.DryRun {
			o.saveCursor(ctx, seller.ID, cursorKey, offset)
		}
	}

	return out, nil
}

func cursorKeyFor(field mlclient.RangeField) string {
	switch field {
	case mlclient.RangeDateApproved:
		return domain.CursorDailySyncDateApproved
	default:
		return domain.CursorDailySyncDateLastUpdated
	}
}

type cursorState struct {
	Offset int `json:"offset"`
}

func (o *Orchestrator) loadCursor(ctx context.Context, sellerID int32, key string) int {
	c, ok, err := o.cursors.Get(ctx, sellerID, key)
	if err != nil || !ok {
		return 0
	}
	var state cursorState
	if err := json.Unmarshal(c.Cursor, &state); err != nil {
		return 0
	}
	return state.Offset
}

func (o *Orchestrator) saveCursor(ctx context.Context, sellerID int32, key string, offset int) {
	b, err := json.Marshal(cursorState{Offset: offset})
	if err != nil {
		return
	}
	if err := o.cursors.Set(ctx, sellerID, key, b); err != nil {
		o.log.Error().Err(err).Str("cursor_key", key).Msg("save cursor failed")
	}
}
