package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
)

// CAJobRepository implements domain.CAJobRepository using PostgreSQL.
type CAJobRepository struct {
	pool *pgxpool.Pool
}

func NewCAJobRepository(pool *pgxpool.Pool) *CAJobRepository {
	return &CAJobRepository{pool: pool}
}

const caJobColumns = `
	id, seller_id, payment_id, kind, idempotency_key, group_id, priority,
	endpoint, method, payload,
	status, attempts, scheduled_for, next_retry_at,
	response_status, response_body, protocol, last_error,
	created_at, updated_at`

func scanCAJob(row pgx.Row) (*domain.CAJob, error) {
	var j domain.CAJob
	err := row.Scan(
		&j.ID, &j.SellerID, &j.PaymentID, &j.Kind, &j.IdempotencyKey, &j.GroupID, &j.Priority,
		&j.Endpoint, &j.Method, &j.Payload,
		&j.Status, &j.Attempts, &j.ScheduledFor, &j.NextRetryAt,
		&j.ResponseStatus, &j.ResponseBody, &j.Protocol, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Enqueue writes a job row; on idempotency_key conflict it returns the
// pre-existing row untouched rather than erroring, so a re-dispatched
// payment never produces a second CA write (spec.md §3 invariant 2, §7
// category 6).
func (r *CAJobRepository) Enqueue(ctx context.Context, job *domain.CAJob) (*domain.CAJob, bool, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO ca_jobs (
			id, seller_id, payment_id, kind, idempotency_key, group_id, priority,
			endpoint, method, payload, status, attempts, scheduled_for, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,0,$12,now(),now())
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING `+caJobColumns,
		job.ID, job.SellerID, job.PaymentID, job.Kind, job.IdempotencyKey, job.GroupID, job.Priority,
		job.Endpoint, job.Method, job.Payload, domain.JobPending, job.ScheduledFor,
	)
	inserted, err := scanCAJob(row)
	if err == nil {
		return inserted, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	existing, getErr := r.getByIdempotencyKey(ctx, job.IdempotencyKey)
	if getErr != nil {
		return nil, false, getErr
	}
	return existing, true, nil
}

func (r *CAJobRepository) getByIdempotencyKey(ctx context.Context, key string) (*domain.CAJob, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+caJobColumns+" FROM ca_jobs WHERE idempotency_key = $1", key)
	return scanCAJob(row)
}

func (r *CAJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.CAJob, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+caJobColumns+" FROM ca_jobs WHERE id = $1", id)
	j, err := scanCAJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, err
	}
	return j, nil
}

// ClaimBatch atomically flips due pending/failed rows to processing and
// returns them, ordered by priority then created_at (spec.md §4.2, §5
// ordering guarantee). UPDATE ... RETURNING is one statement, so two
// workers racing for the same row can never both win it (spec.md §5 "lost
// update protection").
func (r *CAJobRepository) ClaimBatch(ctx context.Context, limit int) ([]*domain.CAJob, error) {
	rows, err := r.pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM ca_jobs
			WHERE status IN ('pending', 'failed')
			  AND scheduled_for <= now()
			  AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY priority ASC, created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE ca_jobs SET status = 'processing', attempts = attempts + 1, updated_at = now()
		WHERE id IN (SELECT id FROM due)
		RETURNING `+caJobColumns, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.CAJob
	for rows.Next() {
		j, err := scanCAJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *CAJobRepository) MarkCompleted(ctx context.Context, id uuid.UUID, status int, body, protocol string) error {
	_, err := r.pool.Exec(ctx, `UPDATE ca_jobs SET status = 'completed', response_status = $1, response_body = $2, protocol = $3,
		next_retry_at = NULL, updated_at = now() WHERE id = $4`, status, body, protocol, id)
	return err
}

func (r *CAJobRepository) MarkFailed(ctx context.Context, id uuid.UUID, status int, body, lastError string, nextRetryAt *time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE ca_jobs SET status = 'failed', response_status = $1, response_body = $2, last_error = $3,
		next_retry_at = $4, updated_at = now() WHERE id = $5`, status, body, lastError, nextRetryAt, id)
	return err
}

func (r *CAJobRepository) MarkDead(ctx context.Context, id uuid.UUID, status int, body, lastError string) error {
	_, err := r.pool.Exec(ctx, `UPDATE ca_jobs SET status = 'dead', response_status = $1, response_body = $2, last_error = $3,
		next_retry_at = NULL, updated_at = now() WHERE id = $4`, status, body, lastError, id)
	return err
}

// ResetStaleProcessing reclaims jobs a worker crashed while holding
// (spec.md §9 "stale processing reset on startup").
func (r *CAJobRepository) ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE ca_jobs SET status = 'pending', updated_at = now()
		WHERE status = 'processing' AND updated_at < now() - $1::interval`, olderThan.String())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *CAJobRepository) GroupStatuses(ctx context.Context, groupID int64) ([]domain.JobStatus, error) {
	rows, err := r.pool.Query(ctx, "SELECT status FROM ca_jobs WHERE group_id = $1", groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.JobStatus
	for rows.Next() {
		var s domain.JobStatus
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *CAJobRepository) ListDead(ctx context.Context, sellerID int32) ([]*domain.CAJob, error) {
	return r.listBySellerAndStatus(ctx, sellerID, domain.JobDead)
}

func (r *CAJobRepository) ListBySeller(ctx context.Context, sellerID int32) ([]*domain.CAJob, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+caJobColumns+" FROM ca_jobs WHERE seller_id = $1 ORDER BY created_at DESC", sellerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCAJobRows(rows)
}

func (r *CAJobRepository) listBySellerAndStatus(ctx context.Context, sellerID int32, status domain.JobStatus) ([]*domain.CAJob, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+caJobColumns+" FROM ca_jobs WHERE seller_id = $1 AND status = $2 ORDER BY created_at DESC", sellerID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCAJobRows(rows)
}

func scanCAJobRows(rows pgx.Rows) ([]*domain.CAJob, error) {
	var out []*domain.CAJob
	for rows.Next() {
		j, err := scanCAJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Requeue resets a dead or failed job back to pending for manual operator
// recovery (spec.md §4.2 "Manual recovery").
func (r *CAJobRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE ca_jobs SET status = 'pending', attempts = 0, next_retry_at = NULL,
		scheduled_for = now(), last_error = '', updated_at = now() WHERE id = $1`, id)
	return err
}
