package pipeline

import (
	"resume-server/internal/models"
)

// DeriveOfferStatus вычисляет статус вакансии по ее подзадачам.
//   - нет подзадач: pending
//   - есть running: running
//   - есть cancelled: cancelled
//   - есть failed: failed
//   - recompose завершен: completed
//   - иначе (между группами): running
func DeriveOfferStatus(subtasks []*models.Subtask) models.OfferStatus {
	if len(subtasks) == 0 {
		return models.OfferStatusPending
	}
	var running, cancelled, failed, recomposed bool
	for _, st := range subtasks {
		switch st.Status {
		case models.SubtaskStatusRunning:
			running = true
		case models.SubtaskStatusCancelled:
			cancelled = true
		case models.SubtaskStatusFailed:
			failed = true
		case models.SubtaskStatusCompleted:
			if st.Phase == models.PhaseRecompose {
				recomposed = true
			}
		}
	}
	switch {
	case running:
		return models.OfferStatusRunning
	case cancelled:
		return models.OfferStatusCancelled
	case failed:
		return models.OfferStatusFailed
	case recomposed:
		return models.OfferStatusCompleted
	}
	return models.OfferStatusRunning
}

// OfferCounts - итоги вакансий одной задачи.
type OfferCounts struct {
	Completed int
	Failed    int
	Cancelled int
}

// DeriveTaskStatus вычисляет конечный статус задачи, когда все вакансии завершены.
// Отмена задачи побеждает, если хотя бы одна вакансия была отменена.
// Без единой успешной вакансии задача failed, если только все вакансии не были отменены.
func DeriveTaskStatus(counts OfferCounts, cancelRequested bool) models.TaskStatus {
	switch {
	case cancelRequested && counts.Cancelled > 0:
		return models.TaskStatusCancelled
	case counts.Completed > 0:
		return models.TaskStatusCompleted
	case counts.Failed > 0:
		return models.TaskStatusFailed
	}
	return models.TaskStatusCancelled
}

// PhaseGroupIndex возвращает номер группы фазы или -1.
func PhaseGroupIndex(phase models.PhaseType) int {
	for i, group := range models.PhaseGroups {
		for _, p := range group {
			if p == phase {
				return i
			}
		}
	}
	return -1
}
