package domain

import (
	"context"
	"encoding/json"
	"time"
)

// SyncCursor persists a per-seller, per-key JSON cursor so an interrupted
// sweep resumes without re-scanning from scratch (spec.md §3 "Sync
// Cursor", §4.3 "Enumeration").
type SyncCursor struct {
	SellerID  int32           `json:"sellerId"`
	Key       string          `json:"key"`
	Cursor    json.RawMessage `json:"cursor"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Well-known cursor keys.
const (
	CursorDailySyncDateApproved    = "daily_sync:date_approved"
	CursorDailySyncDateLastUpdated = "daily_sync:date_last_updated"
	CursorBackfill                 = "backfill:money_release_date"
)

type SyncCursorRepository interface {
	Get(ctx context.Context, sellerID int32, key string) (*SyncCursor, bool, error)
	Set(ctx context.Context, sellerID int32, key string, cursor json.RawMessage) error
}
