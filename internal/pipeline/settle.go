package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"resume-server/internal/interfaces"
	"resume-server/internal/models"

	"github.com/google/uuid"
)

// SettleOfferSubtasks приводит подзадачи вакансии к итогу want и возвращает статус,
// выведенный из них через DeriveOfferStatus. Этот статус и записывается в вакансию.
//
// Незавершенные подзадачи закрываются статусом, соответствующим want. Если по подзадачам
// итог все еще не виден (вакансия остановлена между группами или не начиналась),
// добавляется закрытая подзадача первой фазы следующей группы.
// Для want = completed ничего не добавляется.
func SettleOfferSubtasks(ctx context.Context, repo interfaces.SubtaskRepository, taskID, offerID uuid.UUID, want models.OfferStatus, message string) (models.OfferStatus, error) {
	subtasks, err := repo.ListByOfferID(ctx, offerID)
	if err != nil {
		return "", fmt.Errorf("failed to list subtasks of offer %s: %w", offerID, err)
	}
	if want == models.OfferStatusCompleted {
		return DeriveOfferStatus(subtasks), nil
	}

	closeAs := models.SubtaskStatusFailed
	if want == models.OfferStatusCancelled {
		closeAs = models.SubtaskStatusCancelled
		message = ""
	}
	result := models.SubtaskResult{Status: closeAs, ErrorMessage: message}

	for _, st := range subtasks {
		if st.Status.IsTerminal() {
			continue
		}
		if err := repo.Finish(ctx, st.ID, result); err != nil && !errors.Is(err, models.ErrAlreadyTerminal) {
			return "", fmt.Errorf("failed to close subtask %s: %w", st.ID, err)
		}
		st.Status = closeAs
	}

	if derived := DeriveOfferStatus(subtasks); derived.IsTerminal() {
		return derived, nil
	}

	marker := &models.Subtask{
		ID:        uuid.New(),
		OfferID:   offerID,
		TaskID:    taskID,
		Phase:     nextPhase(subtasks),
		Status:    models.SubtaskStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := repo.Create(ctx, marker); err != nil {
		return "", fmt.Errorf("failed to record %s outcome of offer %s: %w", want, offerID, err)
	}
	if err := repo.Finish(ctx, marker.ID, result); err != nil {
		return "", fmt.Errorf("failed to close %s subtask of offer %s: %w", marker.Phase, offerID, err)
	}
	marker.Status = closeAs
	return DeriveOfferStatus(append(subtasks, marker)), nil
}

// nextPhase - первая фаза группы, следующей за последней начатой.
func nextPhase(subtasks []*models.Subtask) models.PhaseType {
	last := -1
	for _, st := range subtasks {
		if g := PhaseGroupIndex(st.Phase); g > last {
			last = g
		}
	}
	next := last + 1
	if next >= len(models.PhaseGroups) {
		next = len(models.PhaseGroups) - 1
	}
	return models.PhaseGroups[next][0]
}
