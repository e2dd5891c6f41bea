package interfaces

import (
	"context"
	"encoding/json"

	"resume-server/internal/models"

	"github.com/google/uuid"
)

// TaskRepository хранит задачи генерации.
type TaskRepository interface {
	// CreateWithOffers атомарно создает задачу и все ее вакансии.
	CreateWithOffers(ctx context.Context, task *models.Task, offers []*models.Offer) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	// MarkRunning переводит pending -> running. Возвращает true, если переход выполнен этим вызовом.
	MarkRunning(ctx context.Context, id uuid.UUID) (bool, error)
	// IncrementCompletedOffers атомарно увеличивает счетчик и возвращает новое значение.
	IncrementCompletedOffers(ctx context.Context, id uuid.UUID) (int, error)
	// Finish переводит задачу в конечный статус. Для уже завершенной задачи возвращает models.ErrAlreadyTerminal.
	Finish(ctx context.Context, id uuid.UUID, status models.TaskStatus, errorMessage string) error
	// ListUnfinished возвращает задачи в статусах pending и running.
	ListUnfinished(ctx context.Context) ([]*models.Task, error)
}

// OfferRepository хранит вакансии задач.
type OfferRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Offer, error)
	ListByTaskID(ctx context.Context, taskID uuid.UUID) ([]*models.Offer, error)
	MarkRunning(ctx context.Context, id uuid.UUID) (bool, error)
	// MergePartialResult добавляет результат фазы в partial_results без перезаписи остальных фаз.
	MergePartialResult(ctx context.Context, id uuid.UUID, phase models.PhaseType, payload json.RawMessage) error
	Complete(ctx context.Context, id uuid.UUID, documentRef string) error
	Finish(ctx context.Context, id uuid.UUID, status models.OfferStatus, errorMessage string) error
	// MarkRefunded помечает вакансию как возвращенную и в той же операции переносит ее credits_cost
	// в credits_refunded задачи, обнуляя credits_cost. Возвращает false, если пометка уже стояла.
	MarkRefunded(ctx context.Context, id uuid.UUID) (bool, error)
}

// SubtaskRepository хранит подзадачи. Завершенные подзадачи не изменяются.
type SubtaskRepository interface {
	Create(ctx context.Context, subtask *models.Subtask) error
	Finish(ctx context.Context, id uuid.UUID, result models.SubtaskResult) error
	ListByOfferID(ctx context.Context, offerID uuid.UUID) ([]*models.Subtask, error)
	ListByTaskID(ctx context.Context, taskID uuid.UUID) ([]*models.Subtask, error)
}

// LedgerRepository - хранилище журнала кредитов.
type LedgerRepository interface {
	// DebitN атомарно списывает count * unitCost и создает count транзакций.
	// Возвращает models.ErrNotFound, если счета нет, и models.ErrInsufficientBalance, если не хватает средств.
	DebitN(ctx context.Context, userID string, feature models.FeatureKind, unitCost int64, count int) ([]models.CreditTransaction, error)
	// RefundDebit возвращает списание компенсирующей записью. Повторный вызов отдает ту же компенсирующую запись и already=true.
	RefundDebit(ctx context.Context, txID uuid.UUID) (refund *models.CreditTransaction, already bool, err error)
	Link(ctx context.Context, txID uuid.UUID, taskID uuid.UUID, offerID *uuid.UUID) error
	// ListDebitsByRef возвращает списания, привязанные к задаче или вакансии.
	ListDebitsByRef(ctx context.Context, refID uuid.UUID) ([]models.CreditTransaction, error)
	GetAccount(ctx context.Context, userID string, feature models.FeatureKind) (*models.CreditAccount, error)
	Grant(ctx context.Context, userID string, feature models.FeatureKind, amount int64) (*models.CreditTransaction, error)
}

// DocumentStore - хранилище документов резюме. Формат документа непрозрачен.
type DocumentStore interface {
	LoadSource(ctx context.Context, userID string, ref string) (json.RawMessage, error)
	SaveGenerated(ctx context.Context, userID string, offerID uuid.UUID, document json.RawMessage) (string, error)
}

// DocumentArchive расширяет DocumentStore операциями для API: загрузка исходника и выдача результата.
type DocumentArchive interface {
	DocumentStore
	PutSource(ctx context.Context, userID string, ref string, document json.RawMessage) error
	LoadGenerated(ctx context.Context, userID string, ref string) (json.RawMessage, error)
}
