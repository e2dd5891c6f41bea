package mocks

import (
	"context"
	"encoding/json"

	"resume-server/internal/pipeline"
	"resume-server/internal/service"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// GenerationService - мок сервиса генерации для тестов HTTP-слоя.
type GenerationService struct {
	mock.Mock
}

func (m *GenerationService) Submit(ctx context.Context, userID string, req service.SubmitRequest) (uuid.UUID, error) {
	args := m.Called(ctx, userID, req)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

func (m *GenerationService) Cancel(ctx context.Context, userID string, taskID uuid.UUID) error {
	args := m.Called(ctx, userID, taskID)
	return args.Error(0)
}

func (m *GenerationService) CancelOffer(ctx context.Context, userID string, taskID, offerID uuid.UUID) error {
	args := m.Called(ctx, userID, taskID, offerID)
	return args.Error(0)
}

func (m *GenerationService) GetTask(ctx context.Context, userID string, taskID uuid.UUID) (*service.TaskView, error) {
	args := m.Called(ctx, userID, taskID)
	var view *service.TaskView
	if v := args.Get(0); v != nil {
		view = v.(*service.TaskView)
	}
	return view, args.Error(1)
}

func (m *GenerationService) Report(ctx context.Context, userID string, taskID uuid.UUID) (*pipeline.TaskReport, error) {
	args := m.Called(ctx, userID, taskID)
	var report *pipeline.TaskReport
	if v := args.Get(0); v != nil {
		report = v.(*pipeline.TaskReport)
	}
	return report, args.Error(1)
}

func (m *GenerationService) Balance(ctx context.Context, userID string, feature string) (int64, error) {
	args := m.Called(ctx, userID, feature)
	return args.Get(0).(int64), args.Error(1)
}

func (m *GenerationService) Grant(ctx context.Context, userID string, feature string, amount int64) error {
	args := m.Called(ctx, userID, feature, amount)
	return args.Error(0)
}

func (m *GenerationService) PutSource(ctx context.Context, userID, ref string, document json.RawMessage) error {
	args := m.Called(ctx, userID, ref, document)
	return args.Error(0)
}

func (m *GenerationService) GetOfferDocument(ctx context.Context, userID string, taskID, offerID uuid.UUID) (json.RawMessage, error) {
	args := m.Called(ctx, userID, taskID, offerID)
	var doc json.RawMessage
	if v := args.Get(0); v != nil {
		doc = v.(json.RawMessage)
	}
	return doc, args.Error(1)
}
