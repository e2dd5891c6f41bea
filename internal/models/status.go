package models

// GenerationMode - режим генерации: адаптация существующего резюме или пересборка.
type GenerationMode string

const (
	ModeAdapt   GenerationMode = "adapt"
	ModeRebuild GenerationMode = "rebuild"
)

// Valid проверяет, что режим известен.
func (m GenerationMode) Valid() bool {
	return m == ModeAdapt || m == ModeRebuild
}

// TaskKind - вид задачи для Concurrency Gate. Один активный запуск на (user, kind).
type TaskKind string

// FeatureKind - тип услуги, за которую списываются кредиты.
type FeatureKind string

const (
	FeatureAdaptOffer   FeatureKind = "adapt_offer"
	FeatureRebuildOffer FeatureKind = "rebuild_offer"
)

// TaskKind возвращает вид задачи для режима.
func (m GenerationMode) TaskKind() TaskKind {
	return TaskKind(m)
}

// FeatureKind возвращает тип списываемой услуги для режима.
func (m GenerationMode) FeatureKind() FeatureKind {
	if m == ModeRebuild {
		return FeatureRebuildOffer
	}
	return FeatureAdaptOffer
}

// TaskStatus - статус задачи генерации.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal сообщает, является ли статус конечным.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// OfferStatus - статус одной вакансии внутри задачи.
type OfferStatus string

const (
	OfferStatusPending   OfferStatus = "pending"
	OfferStatusRunning   OfferStatus = "running"
	OfferStatusCompleted OfferStatus = "completed"
	OfferStatusFailed    OfferStatus = "failed"
	OfferStatusCancelled OfferStatus = "cancelled"
)

func (s OfferStatus) IsTerminal() bool {
	return s == OfferStatusCompleted || s == OfferStatusFailed || s == OfferStatusCancelled
}

// SubtaskStatus - статус одного вызова трансформера.
type SubtaskStatus string

const (
	SubtaskStatusRunning   SubtaskStatus = "running"
	SubtaskStatusCompleted SubtaskStatus = "completed"
	SubtaskStatusFailed    SubtaskStatus = "failed"
	SubtaskStatusCancelled SubtaskStatus = "cancelled"
)

func (s SubtaskStatus) IsTerminal() bool {
	return s == SubtaskStatusCompleted || s == SubtaskStatusFailed || s == SubtaskStatusCancelled
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusRunning, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusRunning: {TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
}

var offerTransitions = map[OfferStatus][]OfferStatus{
	OfferStatusPending: {OfferStatusRunning, OfferStatusFailed, OfferStatusCancelled},
	OfferStatusRunning: {OfferStatusCompleted, OfferStatusFailed, OfferStatusCancelled},
}

var subtaskTransitions = map[SubtaskStatus][]SubtaskStatus{
	SubtaskStatusRunning: {SubtaskStatusCompleted, SubtaskStatusFailed, SubtaskStatusCancelled},
}

// CanTransitionTask проверяет допустимость перехода статуса задачи.
// pending -> failed/cancelled нужен, когда задача падает или отменяется до старта первой вакансии.
func CanTransitionTask(from, to TaskStatus) bool {
	return contains(taskTransitions[from], to)
}

// CanTransitionOffer проверяет допустимость перехода статуса вакансии.
func CanTransitionOffer(from, to OfferStatus) bool {
	return contains(offerTransitions[from], to)
}

// CanTransitionSubtask проверяет допустимость перехода статуса подзадачи.
func CanTransitionSubtask(from, to SubtaskStatus) bool {
	return contains(subtaskTransitions[from], to)
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
