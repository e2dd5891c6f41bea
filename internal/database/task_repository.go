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

const taskColumns = `id, user_id, source_document_ref, mode, status, total_offers, completed_offers,
	credits_debited, credits_refunded, error_message, created_at, started_at, completed_at`

var _ interfaces.TaskRepository = (*pgTaskRepository)(nil)

type pgTaskRepository struct {
	db     interfaces.DBTX
	tx     *TransactionHelper
	logger *zap.Logger
}

// NewPgTaskRepository создает репозиторий задач. Для CreateWithOffers нужен пул, умеющий открывать транзакции.
func NewPgTaskRepository(db interface {
	interfaces.DBTX
	interfaces.TxBeginner
}, logger *zap.Logger) *pgTaskRepository {
	log := logger.Named("PgTaskRepo")
	return &pgTaskRepository{db: db, tx: NewTransactionHelper(db, log), logger: log}
}

func (r *pgTaskRepository) CreateWithOffers(ctx context.Context, task *models.Task, offers []*models.Offer) error {
	log := r.logger.With(zap.String("taskID", task.ID.String()), zap.Int("offers", len(offers)))
	for _, o := range offers {
		if o.TaskID != task.ID {
			return fmt.Errorf("offer %s belongs to task %s, not %s: %w", o.ID, o.TaskID, task.ID, models.ErrInvalidInput)
		}
	}

	err := r.tx.WithTransaction(ctx, func(ctx context.Context, tx interfaces.DBTX) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO generation_tasks
				(id, user_id, source_document_ref, mode, status, total_offers, completed_offers,
				 credits_debited, credits_refunded, error_message)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING created_at`,
			task.ID, task.UserID, task.SourceDocumentRef, task.Mode, task.Status, task.TotalOffers,
			task.CompletedOffers, task.CreditsDebited, task.CreditsRefunded, task.ErrorMessage,
		).Scan(&task.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}

		for _, o := range offers {
			err := tx.QueryRow(ctx, `
				INSERT INTO generation_offers
					(id, task_id, offer_index, posting, status, debit_transaction_id, credits_cost)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				RETURNING created_at`,
				o.ID, o.TaskID, o.Index, o.Posting, o.Status, o.DebitTransactionID, o.CreditsCost,
			).Scan(&o.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert offer %d: %w", o.Index, err)
			}
		}
		return nil
	})
	if err != nil {
		log.Error("Failed to create task with offers", zap.Error(err))
		return err
	}
	log.Info("Task created")
	return nil
}

func (r *pgTaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	var task models.Task
	err := pgxscan.Get(ctx, r.db, &task, `SELECT `+taskColumns+` FROM generation_tasks WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return &task, nil
}

func (r *pgTaskRepository) MarkRunning(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE generation_tasks SET status = $2, started_at = NOW()
		WHERE id = $1 AND status = $3`,
		id, models.TaskStatusRunning, models.TaskStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark task %s running: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.status(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *pgTaskRepository) IncrementCompletedOffers(ctx context.Context, id uuid.UUID) (int, error) {
	var completed int
	err := r.db.QueryRow(ctx, `
		UPDATE generation_tasks SET completed_offers = completed_offers + 1
		WHERE id = $1 AND completed_offers < total_offers
		RETURNING completed_offers`, id).Scan(&completed)
	if err == nil {
		return completed, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to increment completed offers for task %s: %w", id, err)
	}
	if _, err := r.status(ctx, id); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("task %s has all offers completed: %w", id, models.ErrInvalidTransition)
}

func (r *pgTaskRepository) Finish(ctx context.Context, id uuid.UUID, status models.TaskStatus, errorMessage string) error {
	sources := taskSources(status)
	if !status.IsTerminal() || len(sources) == 0 {
		return fmt.Errorf("task %s: -> %s: %w", id, status, models.ErrInvalidTransition)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE generation_tasks SET status = $2, error_message = $3, completed_at = NOW()
		WHERE id = $1 AND status = ANY($4)`,
		id, status, models.StringPtr(errorMessage), sources)
	if err != nil {
		return fmt.Errorf("failed to finish task %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		r.logger.Info("Task finished", zap.String("taskID", id.String()), zap.String("status", string(status)))
		return nil
	}

	current, err := r.status(ctx, id)
	if err != nil {
		return err
	}
	if models.TaskStatus(current).IsTerminal() {
		return models.ErrAlreadyTerminal
	}
	return fmt.Errorf("task %s: %s -> %s: %w", id, current, status, models.ErrInvalidTransition)
}

func (r *pgTaskRepository) ListUnfinished(ctx context.Context) ([]*models.Task, error) {
	var tasks []*models.Task
	err := pgxscan.Select(ctx, r.db, &tasks, `
		SELECT `+taskColumns+` FROM generation_tasks
		WHERE status IN ($1, $2)
		ORDER BY created_at`,
		models.TaskStatusPending, models.TaskStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished tasks: %w", err)
	}
	return tasks, nil
}

func (r *pgTaskRepository) status(ctx context.Context, id uuid.UUID) (string, error) {
	var status string
	err := r.db.QueryRow(ctx, `SELECT status FROM generation_tasks WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", models.ErrNotFound
		}
		return "", fmt.Errorf("failed to get task %s status: %w", id, err)
	}
	return status, nil
}

func taskSources(to models.TaskStatus) []string {
	var sources []string
	for _, from := range []models.TaskStatus{models.TaskStatusPending, models.TaskStatusRunning} {
		if models.CanTransitionTask(from, to) {
			sources = append(sources, string(from))
		}
	}
	return sources
}
