package models

import (
	"errors"
	"fmt"
)

// Общие ошибки приложения
var (
	// Ресурсы / БД
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyTerminal   = errors.New("record is already in a terminal status")

	// Авторизация
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// Генерация
	ErrQuotaExceeded   = errors.New("ai provider quota exceeded")
	ErrAborted         = errors.New("generation aborted")
	ErrTransformFailed = errors.New("content transformation failed")

	// Кредиты
	ErrInsufficientBalance = errors.New("insufficient credit balance")
	ErrNotADebit           = errors.New("transaction is not a debit")

	// Запросы
	ErrInvalidInput = errors.New("invalid input data")
)

// Сообщения, которые видит пользователь. Детали остаются в логах.
const (
	MessageQuotaExceeded   = "AI provider quota exceeded, try again later"
	MessageInternalError   = "internal error, credits for this offer were refunded"
	MessageSetupFailed     = "could not load the source document"
	MessageInterrupted     = "generation was interrupted by a server restart"
	MessageTransformFailed = "AI generation failed, credits for this offer were refunded"
)

// RejectionCode - причина отказа в приеме запроса на генерацию.
type RejectionCode string

const (
	RejectionAlreadyRunning      RejectionCode = "alreadyRunning"
	RejectionInsufficientBalance RejectionCode = "insufficientBalance"
	RejectionInvalidInput        RejectionCode = "invalidInput"
)

// RejectionAction - подсказка клиенту, что делать дальше.
type RejectionAction string

const (
	ActionNone       RejectionAction = ""
	ActionUpgrade    RejectionAction = "upgrade"
	ActionBuyCredits RejectionAction = "buy_credits"
)

// Rejection описывает отказ, после которого никакое состояние не создается.
type Rejection struct {
	Code    RejectionCode   `json:"code"`
	Action  RejectionAction `json:"action,omitempty"`
	Message string          `json:"message,omitempty"`
}

// RejectionError оборачивает Rejection, чтобы его можно было вернуть как error.
type RejectionError struct {
	Rejection Rejection
}

func (e *RejectionError) Error() string {
	if e.Rejection.Message != "" {
		return fmt.Sprintf("request rejected (%s): %s", e.Rejection.Code, e.Rejection.Message)
	}
	return fmt.Sprintf("request rejected (%s)", e.Rejection.Code)
}

// NewRejection создает RejectionError.
func NewRejection(code RejectionCode, action RejectionAction, message string) *RejectionError {
	return &RejectionError{Rejection: Rejection{Code: code, Action: action, Message: message}}
}

// AsRejection достает Rejection из цепочки ошибок.
func AsRejection(err error) (Rejection, bool) {
	var rejErr *RejectionError
	if errors.As(err, &rejErr) {
		return rejErr.Rejection, true
	}
	return Rejection{}, false
}
