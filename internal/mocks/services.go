package mocks

import (
	"context"

	"resume-server/internal/interfaces"
	"resume-server/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

var (
	_ interfaces.ConcurrencyGate = (*ConcurrencyGate)(nil)
	_ interfaces.Ledger          = (*Ledger)(nil)
	_ interfaces.TaskScheduler   = (*TaskScheduler)(nil)
)

// ConcurrencyGate - мок interfaces.ConcurrencyGate.
type ConcurrencyGate struct {
	mock.Mock
}

func (m *ConcurrencyGate) TryAcquire(ctx context.Context, userID string, kind models.TaskKind) (bool, error) {
	args := m.Called(ctx, userID, kind)
	return args.Bool(0), args.Error(1)
}

func (m *ConcurrencyGate) Release(ctx context.Context, userID string, kind models.TaskKind) error {
	args := m.Called(ctx, userID, kind)
	return args.Error(0)
}

// Ledger - мок interfaces.Ledger.
type Ledger struct {
	mock.Mock
}

func (m *Ledger) TryDebit(ctx context.Context, userID string, feature models.FeatureKind, count int) (*models.DebitResult, error) {
	args := m.Called(ctx, userID, feature, count)
	var res *models.DebitResult
	if v := args.Get(0); v != nil {
		res = v.(*models.DebitResult)
	}
	return res, args.Error(1)
}

func (m *Ledger) Refund(ctx context.Context, txID uuid.UUID) (*models.RefundResult, error) {
	args := m.Called(ctx, txID)
	var res *models.RefundResult
	if v := args.Get(0); v != nil {
		res = v.(*models.RefundResult)
	}
	return res, args.Error(1)
}

func (m *Ledger) RefundAll(ctx context.Context, refID uuid.UUID) ([]models.RefundResult, error) {
	args := m.Called(ctx, refID)
	var res []models.RefundResult
	if v := args.Get(0); v != nil {
		res = v.([]models.RefundResult)
	}
	return res, args.Error(1)
}

func (m *Ledger) Link(ctx context.Context, txID uuid.UUID, taskID uuid.UUID, offerID *uuid.UUID) error {
	args := m.Called(ctx, txID, taskID, offerID)
	return args.Error(0)
}

func (m *Ledger) Balance(ctx context.Context, userID string, feature models.FeatureKind) (int64, error) {
	args := m.Called(ctx, userID, feature)
	return args.Get(0).(int64), args.Error(1)
}

func (m *Ledger) Grant(ctx context.Context, userID string, feature models.FeatureKind, amount int64) error {
	args := m.Called(ctx, userID, feature, amount)
	return args.Error(0)
}

// TaskScheduler - мок interfaces.TaskScheduler.
type TaskScheduler struct {
	mock.Mock
}

func (m *TaskScheduler) Start(task *models.Task, offers []*models.Offer) error {
	args := m.Called(task, offers)
	return args.Error(0)
}
