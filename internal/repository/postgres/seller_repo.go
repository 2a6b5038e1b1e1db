package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
)

// SellerRepository implements domain.SellerRepository using PostgreSQL.
// There is no generated query layer here (the teacher's db/sqlc package is
// not reproducible without running sqlc codegen), so queries are
// hand-written SQL over pgx directly. See DESIGN.md.
type SellerRepository struct {
	pool *pgxpool.Pool
}

func NewSellerRepository(pool *pgxpool.Pool) *SellerRepository {
	return &SellerRepository{pool: pool}
}

const sellerColumns = `
	id, slug, timezone,
	ml_access_token, ml_refresh_token, ml_expires_at,
	ca_access_token, ca_refresh_token, ca_expires_at,
	ca_bank_account_id, ca_cost_centre_id, ca_contact_id,
	integration_mode, ca_start_date, release_bypass_enabled,
	backfill_status, backfill_started_at, backfill_completed_at,
	backfill_progress, backfill_error,
	created_at, updated_at`

func scanSeller(row pgx.Row) (*domain.Seller, error) {
	var s domain.Seller
	var mlExpiresAt, caExpiresAt, caStartDate, backfillStartedAt, backfillCompletedAt *time.Time
	var backfillErr *string
	var progressJSON []byte

	err := row.Scan(
		&s.ID, &s.Slug, &s.Timezone,
		&s.ML.AccessToken, &s.ML.RefreshToken, &mlExpiresAt,
		&s.CA.AccessToken, &s.CA.RefreshToken, &caExpiresAt,
		&s.CAIdentifiers.BankAccountID, &s.CAIdentifiers.CostCentreID, &s.CAIdentifiers.MLContactID,
		&s.IntegrationMode, &caStartDate, &s.ReleaseBypassEnabled,
		&s.BackfillStatus, &backfillStartedAt, &backfillCompletedAt,
		&progressJSON, &backfillErr,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if mlExpiresAt != nil {
		s.ML.ExpiresAt = *mlExpiresAt
	}
	if caExpiresAt != nil {
		s.CA.ExpiresAt = *caExpiresAt
	}
	s.CAStartDate = caStartDate
	s.BackfillStartedAt = backfillStartedAt
	s.BackfillCompletedAt = backfillCompletedAt
	s.BackfillError = backfillErr
	if len(progressJSON) > 0 {
		var p domain.BackfillProgress
		if err := json.Unmarshal(progressJSON, &p); err == nil {
			s.BackfillProgress = &p
		}
	}
	return &s, nil
}

func (r *SellerRepository) GetByID(ctx context.Context, id int32) (*domain.Seller, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+sellerColumns+" FROM sellers WHERE id = $1", id)
	s, err := scanSeller(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSellerNotFound
		}
		return nil, err
	}
	return s, nil
}

func (r *SellerRepository) GetBySlug(ctx context.Context, slug string) (*domain.Seller, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+sellerColumns+" FROM sellers WHERE slug = $1", slug)
	s, err := scanSeller(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSellerNotFound
		}
		return nil, err
	}
	return s, nil
}

func (r *SellerRepository) ListActive(ctx context.Context) ([]*domain.Seller, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+sellerColumns+" FROM sellers WHERE integration_mode IN ('dashboard_only', 'dashboard_ca') ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Seller
	for rows.Next() {
		s, err := scanSeller(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SellerRepository) UpdateMLTokens(ctx context.Context, sellerID int32, tokens domain.MLTokens) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE sellers SET ml_access_token = $1, ml_refresh_token = $2, ml_expires_at = $3, updated_at = now() WHERE id = $4`,
		tokens.AccessToken, tokens.RefreshToken, tokens.ExpiresAt, sellerID)
	return err
}

func (r *SellerRepository) UpdateCATokens(ctx context.Context, sellerID int32, tokens domain.CATokens) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE sellers SET ca_access_token = $1, ca_refresh_token = $2, ca_expires_at = $3, updated_at = now() WHERE id = $4`,
		tokens.AccessToken, tokens.RefreshToken, tokens.ExpiresAt, sellerID)
	return err
}

func (r *SellerRepository) UpdateBackfillState(ctx context.Context, sellerID int32, status domain.BackfillStatus, progress *domain.BackfillProgress, errMsg *string) error {
	var progressJSON []byte
	if progress != nil {
		b, err := json.Marshal(progress)
		if err != nil {
			return err
		}
		progressJSON = b
	}

	var completedAt any
	if status == domain.BackfillStatusCompleted || status == domain.BackfillStatusFailed {
		completedAt = time.Now()
	}

	_, err := r.pool.Exec(ctx,
		`UPDATE sellers SET backfill_status = $1, backfill_progress = $2, backfill_error = $3,
		 backfill_completed_at = COALESCE(backfill_completed_at, $4), updated_at = now() WHERE id = $5`,
		status, progressJSON, pgTextOrNil(errMsg), completedAt, sellerID)
	return err
}

func (r *SellerRepository) StartBackfill(ctx context.Context, sellerID int32) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sellers SET backfill_status = $1, backfill_started_at = now(), backfill_completed_at = NULL, backfill_error = NULL
		 WHERE id = $2 AND backfill_status NOT IN ('running')`,
		domain.BackfillStatusRunning, sellerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrBackfillAlreadyRunning
	}
	return nil
}
