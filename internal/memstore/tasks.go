package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"resume-server/internal/models"

	"github.com/google/uuid"
)

// TaskRepository - задачи в памяти.
type TaskRepository struct{ s *Store }

func (r *TaskRepository) CreateWithOffers(ctx context.Context, task *models.Task, offers []*models.Offer) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, exists := r.s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	seen := make(map[int]bool, len(offers))
	for _, o := range offers {
		if o.TaskID != task.ID {
			return fmt.Errorf("offer %s belongs to task %s, not %s: %w", o.ID, o.TaskID, task.ID, models.ErrInvalidInput)
		}
		if seen[o.Index] {
			return fmt.Errorf("duplicate offer index %d for task %s: %w", o.Index, task.ID, models.ErrInvalidInput)
		}
		seen[o.Index] = true
	}

	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	r.s.tasks[task.ID] = copyTask(task)
	r.s.taskOrder = append(r.s.taskOrder, task.ID)
	for _, o := range offers {
		if o.CreatedAt.IsZero() {
			o.CreatedAt = now
		}
		r.s.offers[o.ID] = copyOffer(o)
		r.s.offerOrder = append(r.s.offerOrder, o.ID)
	}
	return nil
}

func (r *TaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return copyTask(t), nil
}

func (r *TaskRepository) MarkRunning(ctx context.Context, id uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok {
		return false, models.ErrNotFound
	}
	if t.Status != models.TaskStatusPending {
		return false, nil
	}
	now := time.Now().UTC()
	t.Status = models.TaskStatusRunning
	t.StartedAt = &now
	return true, nil
}

func (r *TaskRepository) IncrementCompletedOffers(ctx context.Context, id uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok {
		return 0, models.ErrNotFound
	}
	if t.CompletedOffers >= t.TotalOffers {
		return t.CompletedOffers, fmt.Errorf("task %s already has %d of %d offers completed: %w", id, t.CompletedOffers, t.TotalOffers, models.ErrInvalidTransition)
	}
	t.CompletedOffers++
	return t.CompletedOffers, nil
}

func (r *TaskRepository) Finish(ctx context.Context, id uuid.UUID, status models.TaskStatus, errorMessage string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok {
		return models.ErrNotFound
	}
	if t.Status.IsTerminal() {
		return models.ErrAlreadyTerminal
	}
	if !status.IsTerminal() || !models.CanTransitionTask(t.Status, status) {
		return fmt.Errorf("task %s: %s -> %s: %w", id, t.Status, status, models.ErrInvalidTransition)
	}
	now := time.Now().UTC()
	t.Status = status
	t.ErrorMessage = models.StringPtr(errorMessage)
	t.CompletedAt = &now
	return nil
}

func (r *TaskRepository) ListUnfinished(ctx context.Context) ([]*models.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var result []*models.Task
	for _, id := range r.s.taskOrder {
		t := r.s.tasks[id]
		if !t.Status.IsTerminal() {
			result = append(result, copyTask(t))
		}
	}
	return result, nil
}

// OfferRepository - вакансии в памяти.
type OfferRepository struct{ s *Store }

func (r *OfferRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Offer, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.offers[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return copyOffer(o), nil
}

func (r *OfferRepository) ListByTaskID(ctx context.Context, taskID uuid.UUID) ([]*models.Offer, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var result []*models.Offer
	for _, id := range r.s.offerOrder {
		o := r.s.offers[id]
		if o.TaskID == taskID {
			result = append(result, copyOffer(o))
		}
	}
	sortOffers(result)
	return result, nil
}

func (r *OfferRepository) MarkRunning(ctx context.Context, id uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.offers[id]
	if !ok {
		return false, models.ErrNotFound
	}
	if o.Status != models.OfferStatusPending {
		return false, nil
	}
	now := time.Now().UTC()
	o.Status = models.OfferStatusRunning
	o.StartedAt = &now
	return true, nil
}

func (r *OfferRepository) MergePartialResult(ctx context.Context, id uuid.UUID, phase models.PhaseType, payload json.RawMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.offers[id]
	if !ok {
		return models.ErrNotFound
	}
	if o.PartialResults == nil {
		o.PartialResults = make(map[models.PhaseType]json.RawMessage)
	}
	o.PartialResults[phase] = append(json.RawMessage(nil), payload...)
	return nil
}

func (r *OfferRepository) Complete(ctx context.Context, id uuid.UUID, documentRef string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.offers[id]
	if !ok {
		return models.ErrNotFound
	}
	if !models.CanTransitionOffer(o.Status, models.OfferStatusCompleted) {
		return fmt.Errorf("offer %s: %s -> completed: %w", id, o.Status, models.ErrInvalidTransition)
	}
	now := time.Now().UTC()
	o.Status = models.OfferStatusCompleted
	o.OutputDocumentRef = &documentRef
	o.CompletedAt = &now
	return nil
}

func (r *OfferRepository) Finish(ctx context.Context, id uuid.UUID, status models.OfferStatus, errorMessage string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.offers[id]
	if !ok {
		return models.ErrNotFound
	}
	if o.Status.IsTerminal() {
		return models.ErrAlreadyTerminal
	}
	if status == models.OfferStatusCompleted || !models.CanTransitionOffer(o.Status, status) {
		return fmt.Errorf("offer %s: %s -> %s: %w", id, o.Status, status, models.ErrInvalidTransition)
	}
	now := time.Now().UTC()
	o.Status = status
	o.ErrorMessage = models.StringPtr(errorMessage)
	o.CompletedAt = &now
	return nil
}

func (r *OfferRepository) MarkRefunded(ctx context.Context, id uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.offers[id]
	if !ok {
		return false, models.ErrNotFound
	}
	if o.Refunded {
		return false, nil
	}
	t, ok := r.s.tasks[o.TaskID]
	if !ok {
		return false, models.ErrNotFound
	}
	o.Refunded = true
	t.CreditsRefunded += o.CreditsCost
	o.CreditsCost = 0
	return true, nil
}

func sortOffers(offers []*models.Offer) {
	sort.Slice(offers, func(i, j int) bool { return offers[i].Index < offers[j].Index })
}
