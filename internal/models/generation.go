package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Posting - вакансия, под которую адаптируется резюме.
type Posting struct {
	Ref         string `json:"ref" db:"ref"`
	Title       string `json:"title" db:"title"`
	Company     string `json:"company,omitempty" db:"company"`
	Description string `json:"description" db:"description"`
	URL         string `json:"url,omitempty" db:"url"`
}

// Task - один запрос пользователя на генерацию резюме под N вакансий.
type Task struct {
	ID                uuid.UUID      `json:"id" db:"id"`
	UserID            string         `json:"user_id" db:"user_id"`
	SourceDocumentRef string         `json:"source_document_ref" db:"source_document_ref"`
	Mode              GenerationMode `json:"mode" db:"mode"`
	Status            TaskStatus     `json:"status" db:"status"`
	TotalOffers       int            `json:"total_offers" db:"total_offers"`
	CompletedOffers   int            `json:"completed_offers" db:"completed_offers"`
	CreditsDebited    int64          `json:"credits_debited" db:"credits_debited"`
	CreditsRefunded   int64          `json:"credits_refunded" db:"credits_refunded"`
	ErrorMessage      *string        `json:"error_message,omitempty" db:"error_message"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}

// Offer - генерация под одну вакансию внутри задачи.
type Offer struct {
	ID                 uuid.UUID                     `json:"id" db:"id"`
	TaskID             uuid.UUID                     `json:"task_id" db:"task_id"`
	Index              int                           `json:"index" db:"offer_index"`
	Posting            Posting                       `json:"posting" db:"posting"`
	Status             OfferStatus                   `json:"status" db:"status"`
	PartialResults     map[PhaseType]json.RawMessage `json:"partial_results,omitempty" db:"partial_results"`
	OutputDocumentRef  *string                       `json:"output_document_ref,omitempty" db:"output_document_ref"`
	DebitTransactionID *uuid.UUID                    `json:"debit_transaction_id,omitempty" db:"debit_transaction_id"`
	CreditsCost        int64                         `json:"credits_cost" db:"credits_cost"`
	Refunded           bool                          `json:"refunded" db:"refunded"`
	ErrorMessage       *string                       `json:"error_message,omitempty" db:"error_message"`
	CreatedAt          time.Time                     `json:"created_at" db:"created_at"`
	StartedAt          *time.Time                    `json:"started_at,omitempty" db:"started_at"`
	CompletedAt        *time.Time                    `json:"completed_at,omitempty" db:"completed_at"`
}

// Subtask - один вызов Content Transformer. Записи только добавляются.
type Subtask struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	OfferID          uuid.UUID       `json:"offer_id" db:"offer_id"`
	TaskID           uuid.UUID       `json:"task_id" db:"task_id"`
	Phase            PhaseType       `json:"phase" db:"phase"`
	Status           SubtaskStatus   `json:"status" db:"status"`
	Input            json.RawMessage `json:"input,omitempty" db:"input"`
	Output           json.RawMessage `json:"output,omitempty" db:"output"`
	Model            *string         `json:"model,omitempty" db:"model"`
	PromptTokens     int             `json:"prompt_tokens" db:"prompt_tokens"`
	CachedTokens     int             `json:"cached_tokens" db:"cached_tokens"`
	CompletionTokens int             `json:"completion_tokens" db:"completion_tokens"`
	CostUSD          float64         `json:"cost_usd" db:"cost_usd"`
	DurationMs       int64           `json:"duration_ms" db:"duration_ms"`
	ErrorMessage     *string         `json:"error_message,omitempty" db:"error_message"`
	StartedAt        time.Time       `json:"started_at" db:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// SubtaskResult - данные, которыми закрывается подзадача.
type SubtaskResult struct {
	Status           SubtaskStatus
	Output           json.RawMessage
	Model            string
	PromptTokens     int
	CachedTokens     int
	CompletionTokens int
	CostUSD          float64
	DurationMs       int64
	ErrorMessage     string
}

// CreditAccount - баланс пользователя по типу услуги.
type CreditAccount struct {
	UserID    string      `json:"user_id" db:"user_id"`
	Feature   FeatureKind `json:"feature" db:"feature"`
	Balance   int64       `json:"balance" db:"balance"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

// CreditTransaction - запись журнала списаний. Amount < 0 для списания, > 0 для возврата и пополнения.
type CreditTransaction struct {
	ID        uuid.UUID   `json:"id" db:"id"`
	UserID    string      `json:"user_id" db:"user_id"`
	Feature   FeatureKind `json:"feature" db:"feature"`
	Amount    int64       `json:"amount" db:"amount"`
	TaskID    *uuid.UUID  `json:"task_id,omitempty" db:"task_id"`
	OfferID   *uuid.UUID  `json:"offer_id,omitempty" db:"offer_id"`
	RefundOf  *uuid.UUID  `json:"refund_of,omitempty" db:"refund_of"`
	Refunded  bool        `json:"refunded" db:"refunded"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// IsDebit сообщает, является ли запись списанием.
func (t CreditTransaction) IsDebit() bool {
	return t.Amount < 0
}

// ProgressEvent - событие прогресса для клиента. Доставка best effort.
type ProgressEvent struct {
	TaskID          uuid.UUID     `json:"task_id"`
	UserID          string        `json:"user_id"`
	TaskStatus      TaskStatus    `json:"task_status"`
	OfferID         *uuid.UUID    `json:"offer_id,omitempty"`
	OfferIndex      *int          `json:"offer_index,omitempty"`
	OfferStatus     OfferStatus   `json:"offer_status,omitempty"`
	Phase           PhaseType     `json:"phase,omitempty"`
	SubtaskStatus   SubtaskStatus `json:"subtask_status,omitempty"`
	CompletedOffers int           `json:"completed_offers"`
	TotalOffers     int           `json:"total_offers"`
	Timestamp       time.Time     `json:"timestamp"`
}

// StringPtr - хелпер для nullable строк.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// DebitResult - итог попытки списания. При OK=false Rejection заполнен и ничего не списано.
type DebitResult struct {
	OK             bool
	UnitCost       int64
	TransactionIDs []uuid.UUID
	Rejection      *Rejection
}

// RefundResult - итог возврата одной транзакции.
type RefundResult struct {
	TransactionID   uuid.UUID
	RefundID        uuid.UUID
	Amount          int64
	AlreadyRefunded bool
}
