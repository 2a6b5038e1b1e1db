// Package release implements the Release Checker (spec.md §4.5): decides
// which open CA installments correspond to payments ML has actually
// released money for.
package release

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
	"github.com/vinescrow/mlca-reconciler/internal/mlclient"
)

// Result is the per-installment verdict of spec.md §4.5 "Release
// Checker".
type Result string

const (
	ResultReleased Result = "released"
	ResultBypass   Result = "bypass"
	ResultUnknown  Result = "unknown"
)

// Checker decides, for a known payment_id, whether ML has released the
// money.
type Checker struct {
	payments domain.PaymentRepository
	ml       *mlclient.Client
	log      zerolog.Logger
}

func New(payments domain.PaymentRepository, ml *mlclient.Client, log zerolog.Logger) *Checker {
	return &Checker{payments: payments, ml: ml, log: log.With().Str("component", "release_checker").Logger()}
}

// Check implements the four branches of spec.md §4.5 "Release Checker":
// cached released, stale pending re-fetch, and the no-known-payment
// bypass/unknown split.
func (c *Checker) Check(ctx context.Context, seller *domain.Seller, paymentID int64, today time.Time) (Result, error) {
	p, err := c.payments.GetByMLID(ctx, seller.ID, paymentID)
	if err != nil {
		if err == domain.ErrPaymentNotFound {
			if seller.ReleaseBypassEnabled {
				return ResultBypass, nil
			}
			return ResultUnknown, nil
		}
		return ResultUnknown, err
	}

	if p.MoneyReleaseStatus == domain.ReleaseStatusReleased && p.MoneyReleaseDate != nil && !p.MoneyReleaseDate.After(today) {
		return ResultReleased, nil
	}

	if p.MoneyReleaseDate != nil && p.MoneyReleaseDate.Before(today) && p.MoneyReleaseStatus == domain.ReleaseStatusPending {
		raw, err := c.ml.GetPayment(ctx, seller, paymentID)
		if err != nil {
			return ResultUnknown, err
		}
		if err := c.payments.UpdateReleaseCache(ctx, p.ID, raw.MoneyReleaseStatus, raw.MoneyReleaseDate); err != nil {
			return ResultUnknown, err
		}
		if raw.MoneyReleaseStatus == domain.ReleaseStatusReleased && raw.MoneyReleaseDate != nil && !raw.MoneyReleaseDate.After(today) {
			return ResultReleased, nil
		}
	}

	return ResultUnknown, nil
}
