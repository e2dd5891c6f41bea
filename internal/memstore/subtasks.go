package memstore

import (
	"context"
	"fmt"
	"time"

	"resume-server/internal/models"

	"github.com/google/uuid"
)

// SubtaskRepository - подзадачи в памяти.
type SubtaskRepository struct{ s *Store }

func (r *SubtaskRepository) Create(ctx context.Context, subtask *models.Subtask) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.subtasks[subtask.ID]; exists {
		return fmt.Errorf("subtask %s already exists", subtask.ID)
	}
	if subtask.StartedAt.IsZero() {
		subtask.StartedAt = time.Now().UTC()
	}
	r.s.subtasks[subtask.ID] = copySubtask(subtask)
	r.s.subOrder = append(r.s.subOrder, subtask.ID)
	return nil
}

func (r *SubtaskRepository) Finish(ctx context.Context, id uuid.UUID, result models.SubtaskResult) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, ok := r.s.subtasks[id]
	if !ok {
		return models.ErrNotFound
	}
	if st.Status.IsTerminal() {
		return models.ErrAlreadyTerminal
	}
	if !models.CanTransitionSubtask(st.Status, result.Status) {
		return fmt.Errorf("subtask %s: %s -> %s: %w", id, st.Status, result.Status, models.ErrInvalidTransition)
	}
	now := time.Now().UTC()
	st.Status = result.Status
	st.Output = append([]byte(nil), result.Output...)
	st.Model = models.StringPtr(result.Model)
	st.PromptTokens = result.PromptTokens
	st.CachedTokens = result.CachedTokens
	st.CompletionTokens = result.CompletionTokens
	st.CostUSD = result.CostUSD
	st.DurationMs = result.DurationMs
	st.ErrorMessage = models.StringPtr(result.ErrorMessage)
	st.CompletedAt = &now
	return nil
}

func (r *SubtaskRepository) ListByOfferID(ctx context.Context, offerID uuid.UUID) ([]*models.Subtask, error) {
	return r.list(func(st *models.Subtask) bool { return st.OfferID == offerID }), nil
}

func (r *SubtaskRepository) ListByTaskID(ctx context.Context, taskID uuid.UUID) ([]*models.Subtask, error) {
	return r.list(func(st *models.Subtask) bool { return st.TaskID == taskID }), nil
}

func (r *SubtaskRepository) list(match func(*models.Subtask) bool) []*models.Subtask {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var result []*models.Subtask
	for _, id := range r.s.subOrder {
		if st := r.s.subtasks[id]; match(st) {
			result = append(result, copySubtask(st))
		}
	}
	return result
}
