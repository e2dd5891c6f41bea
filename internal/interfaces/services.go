package interfaces

import (
	"context"

	"resume-server/internal/models"

	"github.com/google/uuid"
)

// TransformRequest - один вызов AI-трансформации.
type TransformRequest struct {
	Phase   models.PhaseType
	UserID  string
	TaskID  uuid.UUID
	OfferID uuid.UUID
	Input   models.PhaseInput
}

// TransformResult - результат вызова с учетом токенов.
type TransformResult struct {
	Output           models.PhaseOutput
	Model            string
	PromptTokens     int
	CachedTokens     int
	CompletionTokens int
}

// ContentTransformer выполняет AI-трансформацию одной фазы.
// Ошибки: models.ErrQuotaExceeded при исчерпании квоты провайдера, models.ErrAborted при отмене.
type ContentTransformer interface {
	Transform(ctx context.Context, req TransformRequest) (*TransformResult, error)
}

// PricingTable считает стоимость вызова в USD.
type PricingTable interface {
	Cost(model string, promptTokens, cachedTokens, completionTokens int) float64
}

// ConcurrencyGate разрешает один активный запуск на (пользователь, вид задачи).
type ConcurrencyGate interface {
	// TryAcquire возвращает false, если слот уже занят.
	TryAcquire(ctx context.Context, userID string, kind models.TaskKind) (bool, error)
	Release(ctx context.Context, userID string, kind models.TaskKind) error
}

// Ledger - учет кредитов.
type Ledger interface {
	TryDebit(ctx context.Context, userID string, feature models.FeatureKind, count int) (*models.DebitResult, error)
	Refund(ctx context.Context, txID uuid.UUID) (*models.RefundResult, error)
	RefundAll(ctx context.Context, refID uuid.UUID) ([]models.RefundResult, error)
	Link(ctx context.Context, txID uuid.UUID, taskID uuid.UUID, offerID *uuid.UUID) error
	Balance(ctx context.Context, userID string, feature models.FeatureKind) (int64, error)
	Grant(ctx context.Context, userID string, feature models.FeatureKind, amount int64) error
}

// ProgressSink доставляет события прогресса клиенту. Ошибки доставки не влияют на генерацию.
type ProgressSink interface {
	Publish(ctx context.Context, event models.ProgressEvent) error
}

// TaskScheduler ставит созданную задачу на выполнение. Реализуется pipeline.Runner.
type TaskScheduler interface {
	Start(task *models.Task, offers []*models.Offer) error
}
