package domain

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// JobKind names the accounting event a CA job carries (spec.md §4.1
// "Enqueue protocol").
type JobKind string

const (
	JobKindReceita      JobKind = "receita"
	JobKindComissao     JobKind = "comissao"
	JobKindFrete        JobKind = "frete"
	JobKindEstorno      JobKind = "estorno"
	JobKindEstornoTaxa  JobKind = "estorno_taxa"
	JobKindPartialRefund JobKind = "partial_refund"
	JobKindSubsidio     JobKind = "subsidio"
	JobKindBaixa        JobKind = "baixa"
)

// Priority bands, lowest-first (spec.md §3, §5 ordering guarantee 1).
const (
	PriorityReceivable = 10
	PriorityExpense    = 20
	PriorityBaixa      = 30
)

// JobStatus is the ca_jobs lifecycle (spec.md §3 "Lifecycles").
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobDead       JobStatus = "dead"
)

const MaxJobAttempts = 3

// BackoffSchedule implements spec.md §4.2: 30s → 120s → 480s, then dead.
var BackoffSchedule = []time.Duration{30 * time.Second, 120 * time.Second, 480 * time.Second}

// NextBackoff returns the delay before the next retry given the attempt
// count already made. ok is false once attempts exhausts the schedule,
// meaning the job must go dead instead.
func NextBackoff(attempts int) (delay time.Duration, ok bool) {
	if attempts < 1 || attempts > len(BackoffSchedule) {
		return 0, false
	}
	return BackoffSchedule[attempts-1], true
}

// CAJob is a single durable write to Conta Azul, keyed by a deterministic
// idempotency key (spec.md §3).
type CAJob struct {
	ID             uuid.UUID       `json:"id"`
	SellerID       int32           `json:"sellerId"`
	PaymentID      int64           `json:"paymentId"` // ML payment id
	Kind           JobKind         `json:"kind"`
	IdempotencyKey string          `json:"idempotencyKey"`
	GroupID        int64           `json:"groupId"`
	Priority       int             `json:"priority"`

	Endpoint string          `json:"endpoint"`
	Method   string          `json:"method"`
	Payload  json.RawMessage `json:"payload"`

	Status       JobStatus  `json:"status"`
	Attempts     int        `json:"attempts"`
	ScheduledFor time.Time  `json:"scheduledFor"`
	NextRetryAt  *time.Time `json:"nextRetryAt,omitempty"`

	ResponseStatus int    `json:"responseStatus,omitempty"`
	ResponseBody   string `json:"responseBody,omitempty"`
	Protocol       string `json:"protocol,omitempty"`
	LastError      string `json:"lastError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IdempotencyKey builds the deterministic key of spec.md §4.1: a job is
// written at most once per key (invariant 2).
func IdempotencyKey(sellerSlug string, paymentID int64, kind JobKind, suffix string) string {
	key := sellerSlug + ":" + strconv.FormatInt(paymentID, 10) + ":" + string(kind)
	if suffix != "" {
		key += ":" + suffix
	}
	return key
}

// NewJob constructs a queue-ready CAJob with its idempotency key and
// group id derived, per spec.md §4.1.
func NewJob(sellerID int32, sellerSlug string, paymentID int64, kind JobKind, suffix string, priority int, endpoint, method string, payload json.RawMessage, scheduledFor time.Time) *CAJob {
	return &CAJob{
		ID:             uuid.New(),
		SellerID:       sellerID,
		PaymentID:      paymentID,
		Kind:           kind,
		IdempotencyKey: IdempotencyKey(sellerSlug, paymentID, kind, suffix),
		GroupID:        paymentID,
		Priority:       priority,
		Endpoint:       endpoint,
		Method:         method,
		Payload:        payload,
		Status:         JobPending,
		ScheduledFor:   scheduledFor,
	}
}

type JobFilter struct {
	Statuses   []JobStatus
	ScheduledBefore time.Time
	Limit      int
}

type CAJobRepository interface {
	// Enqueue writes a row; on idempotency_key conflict it returns the
	// existing row unmodified (spec.md §3 invariant 2, §7 category 6).
	Enqueue(ctx context.Context, job *CAJob) (*CAJob, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*CAJob, error)
	// ClaimBatch atomically flips pending/failed+due rows to processing,
	// ordered by priority then created_at (spec.md §4.2, §5).
	ClaimBatch(ctx context.Context, limit int) ([]*CAJob, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, status int, body, protocol string) error
	MarkFailed(ctx context.Context, id uuid.UUID, status int, body, lastError string, nextRetryAt *time.Time) error
	MarkDead(ctx context.Context, id uuid.UUID, status int, body, lastError string) error
	ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int, error)
	GroupStatuses(ctx context.Context, groupID int64) ([]JobStatus, error)
	ListDead(ctx context.Context, sellerID int32) ([]*CAJob, error)
	ListBySeller(ctx context.Context, sellerID int32) ([]*CAJob, error)
	// Requeue resets attempts/status to pending for manual recovery
	// (spec.md §4.2 "Manual recovery").
	Requeue(ctx context.Context, id uuid.UUID) error
}
