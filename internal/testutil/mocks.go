// Package testutil provides in-memory fakes of the domain repository
// interfaces for unit tests, mirroring the teacher's own
// internal/testutil mock style (map-backed, no database).
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vinescrow/mlca-reconciler/internal/domain"
)

// MockSellerRepository is an in-memory domain.SellerRepository.
type MockSellerRepository struct {
	Sellers map[int32]*domain.Seller
}

func NewMockSellerRepository() *MockSellerRepository {
	return &MockSellerRepository{Sellers: make(map[int32]*domain.Seller)}
}

func (m *MockSellerRepository) Add(s *domain.Seller) { m.Sellers[s.ID] = s }

func (m *MockSellerRepository) GetByID(ctx context.Context, id int32) (*domain.Seller, error) {
	if s, ok := m.Sellers[id]; ok {
		return s, nil
	}
	return nil, domain.ErrSellerNotFound
}

func (m *MockSellerRepository) GetBySlug(ctx context.Context, slug string) (*domain.Seller, error) {
	for _, s := range m.Sellers {
		if s.Slug == slug {
			return s, nil
		}
	}
	return nil, domain.ErrSellerNotFound
}

func (m *MockSellerRepository) ListActive(ctx context.Context) ([]*domain.Seller, error) {
	var out []*domain.Seller
	for _, s := range m.Sellers {
		out = append(out, s)
	}
	return out, nil
}

func (m *MockSellerRepository) UpdateMLTokens(ctx context.Context, sellerID int32, tokens domain.MLTokens) error {
	s, ok := m.Sellers[sellerID]
	if !ok {
		return domain.ErrSellerNotFound
	}
	s.ML = tokens
	return nil
}

func (m *MockSellerRepository) UpdateCATokens(ctx context.Context, sellerID int32, tokens domain.CATokens) error {
	s, ok := m.Sellers[sellerID]
	if !ok {
		return domain.ErrSellerNotFound
	}
	s.CA = tokens
	return nil
}

func (m *MockSellerRepository) UpdateBackfillState(ctx context.Context, sellerID int32, status domain.BackfillStatus, progress *domain.BackfillProgress, errMsg *string) error {
	s, ok := m.Sellers[sellerID]
	if !ok {
		return domain.ErrSellerNotFound
	}
	s.BackfillStatus = status
	s.BackfillProgress = progress
	s.BackfillError = errMsg
	return nil
}

func (m *MockSellerRepository) StartBackfill(ctx context.Context, sellerID int32) error {
	s, ok := m.Sellers[sellerID]
	if !ok {
		return domain.ErrSellerNotFound
	}
	s.BackfillStatus = domain.BackfillStatusRunning
	return nil
}

// MockPaymentRepository is an in-memory domain.PaymentRepository.
type MockPaymentRepository struct {
	byID    map[int64]*domain.Payment
	byMLKey map[string]*domain.Payment
	nextID  int64
}

func NewMockPaymentRepository() *MockPaymentRepository {
	return &MockPaymentRepository{byID: make(map[int64]*domain.Payment), byMLKey: make(map[string]*domain.Payment)}
}

func mlKey(sellerID int32, mlPaymentID int64) string {
	return fmt.Sprintf("%d:%d", sellerID, mlPaymentID)
}

func (m *MockPaymentRepository) Upsert(ctx context.Context, p *domain.Payment) (*domain.Payment, error) {
	key := mlKey(p.SellerID, p.MLPaymentID)
	if existing, ok := m.byMLKey[key]; ok {
		p.ID = existing.ID
	} else {
		m.nextID++
		p.ID = m.nextID
	}
	cp := *p
	m.byID[cp.ID] = &cp
	m.byMLKey[key] = &cp
	return &cp, nil
}

func (m *MockPaymentRepository) GetByMLID(ctx context.Context, sellerID int32, mlPaymentID int64) (*domain.Payment, error) {
	if p, ok := m.byMLKey[mlKey(sellerID, mlPaymentID)]; ok {
		return p, nil
	}
	return nil, domain.ErrPaymentNotFound
}

func (m *MockPaymentRepository) GetByID(ctx context.Context, id int64) (*domain.Payment, error) {
	if p, ok := m.byID[id]; ok {
		return p, nil
	}
	return nil, domain.ErrPaymentNotFound
}

func (m *MockPaymentRepository) UpdateStatus(ctx context.Context, id int64, status domain.ProcessingStatus, errMsg *string) error {
	p, ok := m.byID[id]
	if !ok {
		return domain.ErrPaymentNotFound
	}
	p.ProcessingStatus = status
	p.Error = errMsg
	return nil
}

func (m *MockPaymentRepository) UpdateFees(ctx context.Context, id int64, fee, shipping decimal.Decimal) error {
	p, ok := m.byID[id]
	if !ok {
		return domain.ErrPaymentNotFound
	}
	p.ProcessorFee = fee
	p.ProcessorShipping = shipping
	return nil
}

func (m *MockPaymentRepository) UpdateCAProtocol(ctx context.Context, id int64, protocol string) error {
	p, ok := m.byID[id]
	if !ok {
		return domain.ErrPaymentNotFound
	}
	p.CAProtocol = &protocol
	return nil
}

func (m *MockPaymentRepository) UpdateReleaseCache(ctx context.Context, id int64, status domain.MoneyReleaseStatus, releaseDate *time.Time) error {
	p, ok := m.byID[id]
	if !ok {
		return domain.ErrPaymentNotFound
	}
	p.MoneyReleaseStatus = status
	p.MoneyReleaseDate = releaseDate
	return nil
}

func (m *MockPaymentRepository) ListBySellerAndDateRange(ctx context.Context, sellerID int32, start, end time.Time, field string) ([]*domain.Payment, error) {
	var out []*domain.Payment
	for _, p := range m.byID {
		if p.SellerID == sellerID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MockPaymentRepository) ListOpenForRelease(ctx context.Context, sellerID int32, asOf time.Time) ([]*domain.Payment, error) {
	var out []*domain.Payment
	for _, p := range m.byID {
		if p.SellerID == sellerID && p.MoneyReleaseStatus != domain.ReleaseStatusReleased {
			out = append(out, p)
		}
	}
	return out, nil
}

// MockCAJobRepository is an in-memory domain.CAJobRepository.
type MockCAJobRepository struct {
	byID    map[uuid.UUID]*domain.CAJob
	byIdKey map[string]*domain.CAJob
}

func NewMockCAJobRepository() *MockCAJobRepository {
	return &MockCAJobRepository{byID: make(map[uuid.UUID]*domain.CAJob), byIdKey: make(map[string]*domain.CAJob)}
}

func (m *MockCAJobRepository) Enqueue(ctx context.Context, job *domain.CAJob) (*domain.CAJob, bool, error) {
	if existing, ok := m.byIdKey[job.IdempotencyKey]; ok {
		return existing, false, nil
	}
	m.byID[job.ID] = job
	m.byIdKey[job.IdempotencyKey] = job
	return job, true, nil
}

func (m *MockCAJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.CAJob, error) {
	if j, ok := m.byID[id]; ok {
		return j, nil
	}
	return nil, domain.ErrJobNotFound
}

func (m *MockCAJobRepository) ClaimBatch(ctx context.Context, limit int) ([]*domain.CAJob, error) {
	var out []*domain.CAJob
	for _, j := range m.byID {
		if len(out) >= limit {
			break
		}
		if j.Status == domain.JobPending {
			j.Status = domain.JobProcessing
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *MockCAJobRepository) MarkCompleted(ctx context.Context, id uuid.UUID, status int, body, protocol string) error {
	j, ok := m.byID[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	j.Status = domain.JobCompleted
	j.ResponseStatus = status
	j.ResponseBody = body
	j.Protocol = protocol
	return nil
}

func (m *MockCAJobRepository) MarkFailed(ctx context.Context, id uuid.UUID, status int, body, lastError string, nextRetryAt *time.Time) error {
	j, ok := m.byID[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	j.Status = domain.JobFailed
	j.Attempts++
	j.ResponseStatus = status
	j.ResponseBody = body
	j.LastError = lastError
	j.NextRetryAt = nextRetryAt
	return nil
}

func (m *MockCAJobRepository) MarkDead(ctx context.Context, id uuid.UUID, status int, body, lastError string) error {
	j, ok := m.byID[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	j.Status = domain.JobDead
	j.ResponseStatus = status
	j.ResponseBody = body
	j.LastError = lastError
	return nil
}

func (m *MockCAJobRepository) ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, nil
}

func (m *MockCAJobRepository) GroupStatuses(ctx context.Context, groupID int64) ([]domain.JobStatus, error) {
	var out []domain.JobStatus
	for _, j := range m.byID {
		if j.GroupID == groupID {
			out = append(out, j.Status)
		}
	}
	return out, nil
}

func (m *MockCAJobRepository) ListDead(ctx context.Context, sellerID int32) ([]*domain.CAJob, error) {
	var out []*domain.CAJob
	for _, j := range m.byID {
		if j.SellerID == sellerID && j.Status == domain.JobDead {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *MockCAJobRepository) ListBySeller(ctx context.Context, sellerID int32) ([]*domain.CAJob, error) {
	var out []*domain.CAJob
	for _, j := range m.byID {
		if j.SellerID == sellerID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *MockCAJobRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	j, ok := m.byID[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	j.Status = domain.JobPending
	j.Attempts = 0
	j.LastError = ""
	return nil
}

// MockExpenseRepository is an in-memory domain.ExpenseRepository.
type MockExpenseRepository struct {
	byKey map[string]*domain.Expense
}

func NewMockExpenseRepository() *MockExpenseRepository {
	return &MockExpenseRepository{byKey: make(map[string]*domain.Expense)}
}

func expenseKey(sellerID int32, paymentID string) string {
	return fmt.Sprintf("%d:%s", sellerID, paymentID)
}

func (m *MockExpenseRepository) Upsert(ctx context.Context, e *domain.Expense) (*domain.Expense, bool, error) {
	key := expenseKey(e.SellerID, e.PaymentID)
	_, existed := m.byKey[key]
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	m.byKey[key] = &cp
	return &cp, !existed, nil
}

func (m *MockExpenseRepository) GetBySellerAndPaymentID(ctx context.Context, sellerID int32, paymentID string) (*domain.Expense, error) {
	if e, ok := m.byKey[expenseKey(sellerID, paymentID)]; ok {
		return e, nil
	}
	return nil, domain.ErrExpenseNotFound
}

func (m *MockExpenseRepository) ExistsForPaymentID(ctx context.Context, sellerID int32, paymentID string) (bool, error) {
	_, ok := m.byKey[expenseKey(sellerID, paymentID)]
	return ok, nil
}

func (m *MockExpenseRepository) ListBySellerAndDateRange(ctx context.Context, sellerID int32, start, end time.Time) ([]*domain.Expense, error) {
	var out []*domain.Expense
	for _, e := range m.byKey {
		if e.SellerID == sellerID {
			out = append(out, e)
		}
	}
	return out, nil
}

// MockSyncCursorRepository is an in-memory domain.SyncCursorRepository.
type MockSyncCursorRepository struct {
	cursors map[string]json.RawMessage
}

func NewMockSyncCursorRepository() *MockSyncCursorRepository {
	return &MockSyncCursorRepository{cursors: make(map[string]json.RawMessage)}
}

func cursorKey(sellerID int32, key string) string {
	return fmt.Sprintf("%d:%s", sellerID, key)
}

func (m *MockSyncCursorRepository) Get(ctx context.Context, sellerID int32, key string) (*domain.SyncCursor, bool, error) {
	raw, ok := m.cursors[cursorKey(sellerID, key)]
	if !ok {
		return nil, false, nil
	}
	return &domain.SyncCursor{SellerID: sellerID, Key: key, Cursor: raw}, true, nil
}

func (m *MockSyncCursorRepository) Set(ctx context.Context, sellerID int32, key string, cursor json.RawMessage) error {
	m.cursors[cursorKey(sellerID, key)] = cursor
	return nil
}
