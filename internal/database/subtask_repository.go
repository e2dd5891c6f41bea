package database

import (
	"context"
	"errors"
	"fmt"

	"resume-server/internal/interfaces"
	"resume-server/internal/models"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const subtaskColumns = `id, offer_id, task_id, phase, status, input, output, model, prompt_tokens, cached_tokens,
	completion_tokens, cost_usd, duration_ms, error_message, started_at, completed_at`

var _ interfaces.SubtaskRepository = (*pgSubtaskRepository)(nil)

type pgSubtaskRepository struct {
	db     interfaces.DBTX
	logger *zap.Logger
}

func NewPgSubtaskRepository(db interfaces.DBTX, logger *zap.Logger) *pgSubtaskRepository {
	return &pgSubtaskRepository{db: db, logger: logger.Named("PgSubtaskRepo")}
}

func (r *pgSubtaskRepository) Create(ctx context.Context, st *models.Subtask) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO generation_subtasks (id, offer_id, task_id, phase, status, input)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING started_at`,
		st.ID, st.OfferID, st.TaskID, st.Phase, st.Status, nullableJSON(st.Input),
	).Scan(&st.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create %s subtask for offer %s: %w", st.Phase, st.OfferID, err)
	}
	return nil
}

// Finish закрывает подзадачу. Длительность считается приложением и передается в result.
func (r *pgSubtaskRepository) Finish(ctx context.Context, id uuid.UUID, result models.SubtaskResult) error {
	if !models.CanTransitionSubtask(models.SubtaskStatusRunning, result.Status) {
		return fmt.Errorf("subtask %s: -> %s: %w", id, result.Status, models.ErrInvalidTransition)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE generation_subtasks SET
			status = $2, output = $3, model = $4, prompt_tokens = $5, cached_tokens = $6,
			completion_tokens = $7, cost_usd = $8, duration_ms = $9, error_message = $10, completed_at = NOW()
		WHERE id = $1 AND status = $11`,
		id, result.Status, nullableJSON(result.Output), models.StringPtr(result.Model), result.PromptTokens,
		result.CachedTokens, result.CompletionTokens, result.CostUSD, result.DurationMs,
		models.StringPtr(result.ErrorMessage), models.SubtaskStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to finish subtask %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var status string
	err = r.db.QueryRow(ctx, `SELECT status FROM generation_subtasks WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrNotFound
		}
		return fmt.Errorf("failed to get subtask %s status: %w", id, err)
	}
	return models.ErrAlreadyTerminal
}

func (r *pgSubtaskRepository) ListByOfferID(ctx context.Context, offerID uuid.UUID) ([]*models.Subtask, error) {
	var subtasks []*models.Subtask
	err := pgxscan.Select(ctx, r.db, &subtasks,
		`SELECT `+subtaskColumns+` FROM generation_subtasks WHERE offer_id = $1 ORDER BY started_at, id`, offerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subtasks of offer %s: %w", offerID, err)
	}
	return subtasks, nil
}

func (r *pgSubtaskRepository) ListByTaskID(ctx context.Context, taskID uuid.UUID) ([]*models.Subtask, error) {
	var subtasks []*models.Subtask
	err := pgxscan.Select(ctx, r.db, &subtasks,
		`SELECT `+subtaskColumns+` FROM generation_subtasks WHERE task_id = $1 ORDER BY started_at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subtasks of task %s: %w", taskID, err)
	}
	return subtasks, nil
}

// nullableJSON превращает пустой payload в NULL, а не в невалидный JSONB.
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
