package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
)

// ExpenseRepository implements domain.ExpenseRepository using PostgreSQL.
type ExpenseRepository struct {
	pool *pgxpool.Pool
}

func NewExpenseRepository(pool *pgxpool.Pool) *ExpenseRepository {
	return &ExpenseRepository{pool: pool}
}

const expenseColumns = `
	id, seller_id, payment_id, expense_type, direction, ca_category,
	auto_categorized, amount, description, external_ref, source, status,
	created_at, updated_at`

func scanExpense(row pgx.Row) (*domain.Expense, error) {
	var e domain.Expense
	err := row.Scan(
		&e.ID, &e.SellerID, &e.PaymentID, &e.ExpenseType, &e.Direction, &e.CACategory,
		&e.AutoCategorized, &e.Amount, &e.Description, &e.ExternalRef, &e.Source, &e.Status,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Upsert is keyed by (seller, payment_id); re-running the same
// classification is idempotent (spec.md §8 round-trip law).
func (r *ExpenseRepository) Upsert(ctx context.Context, e *domain.Expense) (*domain.Expense, bool, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO mp_expenses (
			id, seller_id, payment_id, expense_type, direction, ca_category,
			auto_categorized, amount, description, external_ref, source, status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now(),now())
		ON CONFLICT (seller_id, payment_id) DO UPDATE SET
			expense_type = EXCLUDED.expense_type,
			direction = EXCLUDED.direction,
			ca_category = EXCLUDED.ca_category,
			auto_categorized = EXCLUDED.auto_categorized,
			amount = EXCLUDED.amount,
			description = EXCLUDED.description,
			external_ref = EXCLUDED.external_ref,
			source = EXCLUDED.source,
			status = CASE WHEN mp_expenses.status = 'manually_categorized' THEN mp_expenses.status ELSE EXCLUDED.status END,
			updated_at = now()
		RETURNING `+expenseColumns+`, (xmax = 0) AS inserted`,
		e.ID, e.SellerID, e.PaymentID, e.ExpenseType, e.Direction, pgTextOrNil(e.CACategory),
		e.AutoCategorized, e.Amount, e.Description, pgTextOrNil(e.ExternalRef), e.Source, e.Status,
	)

	var out domain.Expense
	var wasInserted bool
	err := row.Scan(
		&out.ID, &out.SellerID, &out.PaymentID, &out.ExpenseType, &out.Direction, &out.CACategory,
		&out.AutoCategorized, &out.Amount, &out.Description, &out.ExternalRef, &out.Source, &out.Status,
		&out.CreatedAt, &out.UpdatedAt, &wasInserted,
	)
	if err != nil {
		return nil, false, err
	}
	return &out, wasInserted, nil
}

func (r *ExpenseRepository) GetBySellerAndPaymentID(ctx context.Context, sellerID int32, paymentID string) (*domain.Expense, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+expenseColumns+" FROM mp_expenses WHERE seller_id = $1 AND payment_id = $2", sellerID, paymentID)
	e, err := scanExpense(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrExpenseNotFound
		}
		return nil, err
	}
	return e, nil
}

func (r *ExpenseRepository) ExistsForPaymentID(ctx context.Context, sellerID int32, paymentID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM mp_expenses WHERE seller_id = $1 AND payment_id = $2)", sellerID, paymentID).Scan(&exists)
	return exists, err
}

func (r *ExpenseRepository) ListBySellerAndDateRange(ctx context.Context, sellerID int32, start, end time.Time) ([]*domain.Expense, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+expenseColumns+" FROM mp_expenses WHERE seller_id = $1 AND created_at BETWEEN $2 AND $3 ORDER BY created_at", sellerID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
