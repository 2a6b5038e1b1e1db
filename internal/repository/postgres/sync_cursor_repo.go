package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
)

// SyncCursorRepository implements domain.SyncCursorRepository using
// PostgreSQL.
type SyncCursorRepository struct {
	pool *pgxpool.Pool
}

func NewSyncCursorRepository(pool *pgxpool.Pool) *SyncCursorRepository {
	return &SyncCursorRepository{pool: pool}
}

func (r *SyncCursorRepository) Get(ctx context.Context, sellerID int32, key string) (*domain.SyncCursor, bool, error) {
	var c domain.SyncCursor
	c.SellerID = sellerID
	c.Key = key
	err := r.pool.QueryRow(ctx, "SELECT cursor, updated_at FROM sync_cursors WHERE seller_id = $1 AND key = $2", sellerID, key).Scan(&c.Cursor, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &c, true, nil
}

func (r *SyncCursorRepository) Set(ctx context.Context, sellerID int32, key string, cursor json.RawMessage) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sync_cursors (seller_id, key, cursor, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (seller_id, key) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = now()`,
		sellerID, key, cursor)
	return err
}
