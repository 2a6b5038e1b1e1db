package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
)

// PaymentRepository implements domain.PaymentRepository using PostgreSQL.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

const paymentColumns = `
	id, seller_id, ml_payment_id, ml_order_id,
	ml_status, status_detail,
	amount, net_received_amount,
	money_release_date, money_release_status,
	processing_status,
	processor_fee, processor_shipping,
	error, ca_protocol,
	date_approved, competence_date,
	raw_payload, created_at, updated_at`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	var amount, net, fee, shipping decimal.Decimal

	err := row.Scan(
		&p.ID, &p.SellerID, &p.MLPaymentID, &p.MLOrderID,
		&p.MLStatus, &p.StatusDetail,
		&amount, &net,
		&p.MoneyReleaseDate, &p.MoneyReleaseStatus,
		&p.ProcessingStatus,
		&fee, &shipping,
		&p.Error, &p.CAProtocol,
		&p.DateApproved, &p.CompetenceDate,
		&p.RawPayload, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Amount = amount
	p.NetReceivedAmount = net
	p.ProcessorFee = fee
	p.ProcessorShipping = shipping
	return &p, nil
}

// Upsert writes or updates a payment row keyed by (seller, ml_payment_id).
// Re-applying an identical observed payload leaves every column except
// updated_at unchanged, because each is a plain overwrite of the same
// input, never an increment (spec.md §3 invariant 1, §8 round-trip law).
func (r *PaymentRepository) Upsert(ctx context.Context, p *domain.Payment) (*domain.Payment, error) {
	var rawPayload json.RawMessage = p.RawPayload
	if rawPayload == nil {
		rawPayload = json.RawMessage("{}")
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO payments (
			seller_id, ml_payment_id, ml_order_id, ml_status, status_detail,
			amount, net_received_amount, money_release_date, money_release_status,
			processing_status, processor_fee, processor_shipping, error, ca_protocol,
			date_approved, competence_date, raw_payload, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,now(),now())
		ON CONFLICT (seller_id, ml_payment_id) DO UPDATE SET
			ml_order_id = EXCLUDED.ml_order_id,
			ml_status = EXCLUDED.ml_status,
			status_detail = EXCLUDED.status_detail,
			amount = EXCLUDED.amount,
			net_received_amount = EXCLUDED.net_received_amount,
			money_release_date = EXCLUDED.money_release_date,
			money_release_status = EXCLUDED.money_release_status,
			processing_status = EXCLUDED.processing_status,
			processor_fee = EXCLUDED.processor_fee,
			processor_shipping = EXCLUDED.processor_shipping,
			error = EXCLUDED.error,
			ca_protocol = EXCLUDED.ca_protocol,
			date_approved = EXCLUDED.date_approved,
			competence_date = EXCLUDED.competence_date,
			raw_payload = EXCLUDED.raw_payload,
			updated_at = now()
		RETURNING `+paymentColumns,
		p.SellerID, p.MLPaymentID, p.MLOrderID, p.MLStatus, p.StatusDetail,
		p.Amount, p.NetReceivedAmount, p.MoneyReleaseDate, p.MoneyReleaseStatus,
		p.ProcessingStatus, p.ProcessorFee, p.ProcessorShipping, pgTextOrNil(p.Error), pgTextOrNil(p.CAProtocol),
		p.DateApproved, p.CompetenceDate, rawPayload,
	)
	return scanPayment(row)
}

func (r *PaymentRepository) GetByMLID(ctx context.Context, sellerID int32, mlPaymentID int64) (*domain.Payment, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+paymentColumns+" FROM payments WHERE seller_id = $1 AND ml_payment_id = $2", sellerID, mlPaymentID)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id int64) (*domain.Payment, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = $1", id)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *PaymentRepository) UpdateStatus(ctx context.Context, id int64, status domain.ProcessingStatus, errMsg *string) error {
	_, err := r.pool.Exec(ctx, `UPDATE payments SET processing_status = $1, error = $2, updated_at = now() WHERE id = $3`,
		status, pgTextOrNil(errMsg), id)
	return err
}

func (r *PaymentRepository) UpdateFees(ctx context.Context, id int64, fee, shipping decimal.Decimal) error {
	_, err := r.pool.Exec(ctx, `UPDATE payments SET processor_fee = $1, processor_shipping = $2, updated_at = now() WHERE id = $3`,
		fee, shipping, id)
	return err
}

func (r *PaymentRepository) UpdateCAProtocol(ctx context.Context, id int64, protocol string) error {
	_, err := r.pool.Exec(ctx, `UPDATE payments SET ca_protocol = $1, updated_at = now() WHERE id = $2`, protocol, id)
	return err
}

func (r *PaymentRepository) UpdateReleaseCache(ctx context.Context, id int64, status domain.MoneyReleaseStatus, releaseDate *time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE payments SET money_release_status = $1, money_release_date = $2, updated_at = now() WHERE id = $3`,
		status, releaseDate, id)
	return err
}

func (r *PaymentRepository) ListBySellerAndDateRange(ctx context.Context, sellerID int32, start, end time.Time, field string) ([]*domain.Payment, error) {
	col := "date_approved"
	switch field {
	case "competence_date":
		col = "competence_date"
	case "money_release_date":
		col = "money_release_date"
	}
	rows, err := r.pool.Query(ctx, "SELECT "+paymentColumns+" FROM payments WHERE seller_id = $1 AND "+col+" BETWEEN $2 AND $3 ORDER BY "+col, sellerID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListOpenForRelease returns queued or synced payments whose money is not
// yet known to be released as of asOf, which the Release Checker needs to
// re-evaluate (spec.md §4.5 "Bulk-loads cached
// raw_payment").
func (r *PaymentRepository) ListOpenForRelease(ctx context.Context, sellerID int32, asOf time.Time) ([]*domain.Payment, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+paymentColumns+` FROM payments
		WHERE seller_id = $1 AND processing_status IN ('queued', 'synced')
		AND (money_release_status IS NULL OR money_release_status != 'released' OR money_release_date > $2)
		ORDER BY money_release_date NULLS FIRST`, sellerID, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
