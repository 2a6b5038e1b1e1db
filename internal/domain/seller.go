package domain

import (
	"context"
	"time"
)

// IntegrationMode controls whether a seller only feeds the read-only
// faturamento dashboard (out of scope here) or is fully wired into Conta
// Azul.
type IntegrationMode string

const (
	IntegrationDashboardOnly IntegrationMode = "dashboard_only"
	IntegrationDashboardCA   IntegrationMode = "dashboard_ca"
)

// BackfillStatus tracks the onboarding backfill lifecycle (spec.md §4.7).
type BackfillStatus string

const (
	BackfillStatusNone      BackfillStatus = ""
	BackfillStatusPending   BackfillStatus = "pending"
	BackfillStatusRunning   BackfillStatus = "running"
	BackfillStatusCompleted BackfillStatus = "completed"
	BackfillStatusFailed    BackfillStatus = "failed"
)

// BackfillProgress is persisted on the seller row and updated after each
// enumerated chunk (spec.md §4.7 "Processing").
type BackfillProgress struct {
	Total              int   `json:"total"`
	Processed          int   `json:"processed"`
	OrdersProcessed    int   `json:"ordersProcessed"`
	ExpensesClassified int   `json:"expensesClassified"`
	Skipped            int   `json:"skipped"`
	Errors             int   `json:"errors"`
	BaixasCreated      int   `json:"baixasCreated"`
	LastPaymentID      int64 `json:"lastPaymentId"`
}

// MLTokens holds the seller's ML OAuth2 tokens. Refresh is handled by
// internal/mlclient; the authorization-code exchange UI flow that first
// produces these is the out-of-scope "OAuth connect/callback flow".
type MLTokens struct {
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"-"`
}

// Valid reports whether the cached ML access token can still be used
// without a refresh.
func (t MLTokens) Valid(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.ExpiresAt)
}

// CATokens holds the seller's Conta Azul OAuth2 tokens. CA rotates the
// refresh token on every exchange (spec.md §4.8), so RefreshToken must be
// persisted atomically whenever it changes.
type CATokens struct {
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"-"`
}

func (t CATokens) Valid(now time.Time) bool {
	const graceWindow = 60 * time.Second
	return t.AccessToken != "" && now.Before(t.ExpiresAt.Add(-graceWindow))
}

// CAIdentifiers are the target entity ids a seller's accounting events are
// booked against in Conta Azul.
type CAIdentifiers struct {
	BankAccountID string `json:"bankAccountId"`
	CostCentreID  string `json:"costCentreId"`
	MLContactID   string `json:"mlContactId"`
}

// Seller is the tenant root: one row per onboarded ML/MP seller.
type Seller struct {
	ID       int32  `json:"id"`
	Slug     string `json:"slug"`
	Timezone string `json:"timezone"` // always "America/Sao_Paulo" (BRT) today, kept explicit per spec.md §3

	ML MLTokens `json:"-"`
	CA CATokens `json:"-"`

	CAIdentifiers CAIdentifiers `json:"caIdentifiers"`

	IntegrationMode IntegrationMode `json:"integrationMode"`
	CAStartDate     *time.Time      `json:"caStartDate,omitempty"`

	// Release Checker bypass policy (spec.md §9 Open Question 1): operator
	// must opt in explicitly per seller; default is off.
	ReleaseBypassEnabled bool `json:"releaseBypassEnabled"`

	BackfillStatus      BackfillStatus    `json:"backfillStatus"`
	BackfillStartedAt   *time.Time        `json:"backfillStartedAt,omitempty"`
	BackfillCompletedAt *time.Time        `json:"backfillCompletedAt,omitempty"`
	BackfillProgress    *BackfillProgress `json:"backfillProgress,omitempty"`
	BackfillError       *string           `json:"backfillError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ReadyForCA reports whether a seller holds everything the engine needs to
// write to Conta Azul: valid-shaped tokens and target identifiers.
func (s *Seller) ReadyForCA() bool {
	if s.IntegrationMode != IntegrationDashboardCA {
		return false
	}
	if s.CA.RefreshToken == "" {
		return false
	}
	if s.CAIdentifiers.BankAccountID == "" || s.CAIdentifiers.CostCentreID == "" {
		return false
	}
	return s.ML.RefreshToken != ""
}

// IsFirstOfMonth validates the onboarding pre-condition of spec.md §4.7.
func IsFirstOfMonth(t time.Time) bool {
	return t.Day() == 1
}

type SellerRepository interface {
	GetByID(ctx context.Context, id int32) (*Seller, error)
	GetBySlug(ctx context.Context, slug string) (*Seller, error)
	ListActive(ctx context.Context) ([]*Seller, error)
	UpdateMLTokens(ctx context.Context, sellerID int32, tokens MLTokens) error
	UpdateCATokens(ctx context.Context, sellerID int32, tokens CATokens) error
	UpdateBackfillState(ctx context.Context, sellerID int32, status BackfillStatus, progress *BackfillProgress, errMsg *string) error
	StartBackfill(ctx context.Context, sellerID int32) error
}
