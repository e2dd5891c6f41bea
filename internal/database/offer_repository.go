package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"resume-server/internal/interfaces"
	"resume-server/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const offerColumns = `id, task_id, offer_index, posting, status, partial_results, output_document_ref,
	debit_transaction_id, credits_cost, refunded, error_message, created_at, started_at, completed_at`

var _ interfaces.OfferRepository = (*pgOfferRepository)(nil)

type pgOfferRepository struct {
	db     interfaces.DBTX
	logger *zap.Logger
}

func NewPgOfferRepository(db interfaces.DBTX, logger *zap.Logger) *pgOfferRepository {
	return &pgOfferRepository{db: db, logger: logger.Named("PgOfferRepo")}
}

// scanOffer читает строку вакансии. posting и partial_results лежат в JSONB.
func scanOffer(row pgx.Row) (*models.Offer, error) {
	var (
		o       models.Offer
		posting []byte
		partial []byte
	)
	err := row.Scan(
		&o.ID, &o.TaskID, &o.Index, &posting, &o.Status, &partial, &o.OutputDocumentRef,
		&o.DebitTransactionID, &o.CreditsCost, &o.Refunded, &o.ErrorMessage, &o.CreatedAt, &o.StartedAt, &o.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(posting, &o.Posting); err != nil {
		return nil, fmt.Errorf("failed to unmarshal posting of offer %s: %w", o.ID, err)
	}
	if len(partial) > 0 {
		if err := json.Unmarshal(partial, &o.PartialResults); err != nil {
			return nil, fmt.Errorf("failed to unmarshal partial results of offer %s: %w", o.ID, err)
		}
	}
	return &o, nil
}

func (r *pgOfferRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Offer, error) {
	o, err := scanOffer(r.db.QueryRow(ctx, `SELECT `+offerColumns+` FROM generation_offers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get offer %s: %w", id, err)
	}
	return o, nil
}

func (r *pgOfferRepository) ListByTaskID(ctx context.Context, taskID uuid.UUID) ([]*models.Offer, error) {
	rows, err := r.db.Query(ctx, `SELECT `+offerColumns+` FROM generation_offers WHERE task_id = $1 ORDER BY offer_index`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list offers of task %s: %w", taskID, err)
	}
	defer rows.Close()

	var offers []*models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan offer of task %s: %w", taskID, err)
		}
		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate offers of task %s: %w", taskID, err)
	}
	return offers, nil
}

func (r *pgOfferRepository) MarkRunning(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE generation_offers SET status = $2, started_at = NOW()
		WHERE id = $1 AND status = $3`,
		id, models.OfferStatusRunning, models.OfferStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark offer %s running: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.status(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *pgOfferRepository) MergePartialResult(ctx context.Context, id uuid.UUID, phase models.PhaseType, payload json.RawMessage) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE generation_offers
		SET partial_results = partial_results || jsonb_build_object($2::text, $3::jsonb)
		WHERE id = $1`,
		id, string(phase), string(payload))
	if err != nil {
		return fmt.Errorf("failed to merge %s result into offer %s: %w", phase, id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *pgOfferRepository) Complete(ctx context.Context, id uuid.UUID, documentRef string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE generation_offers SET status = $2, output_document_ref = $3, completed_at = NOW()
		WHERE id = $1 AND status = ANY($4)`,
		id, models.OfferStatusCompleted, documentRef, offerSources(models.OfferStatusCompleted))
	if err != nil {
		return fmt.Errorf("failed to complete offer %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	current, err := r.status(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("offer %s: %s -> completed: %w", id, current, models.ErrInvalidTransition)
}

func (r *pgOfferRepository) Finish(ctx context.Context, id uuid.UUID, status models.OfferStatus, errorMessage string) error {
	sources := offerSources(status)
	if status == models.OfferStatusCompleted || !status.IsTerminal() || len(sources) == 0 {
		return fmt.Errorf("offer %s: -> %s: %w", id, status, models.ErrInvalidTransition)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE generation_offers SET status = $2, error_message = $3, completed_at = NOW()
		WHERE id = $1 AND status = ANY($4)`,
		id, status, models.StringPtr(errorMessage), sources)
	if err != nil {
		return fmt.Errorf("failed to finish offer %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	current, err := r.status(ctx, id)
	if err != nil {
		return err
	}
	if models.OfferStatus(current).IsTerminal() {
		return models.ErrAlreadyTerminal
	}
	return fmt.Errorf("offer %s: %s -> %s: %w", id, current, status, models.ErrInvalidTransition)
}

func (r *pgOfferRepository) MarkRefunded(ctx context.Context, id uuid.UUID) (bool, error) {
	// Один оператор: пометка, обнуление стоимости и учет возврата в задаче атомарны.
	// FROM generation_offers prev видит строку до обновления, отсюда исходная стоимость.
	tag, err := r.db.Exec(ctx, `
		WITH refunded AS (
			UPDATE generation_offers o SET refunded = TRUE, credits_cost = 0
			FROM generation_offers prev
			WHERE o.id = $1 AND prev.id = o.id AND o.refunded = FALSE
			RETURNING o.task_id, prev.credits_cost
		)
		UPDATE generation_tasks t SET credits_refunded = t.credits_refunded + refunded.credits_cost
		FROM refunded
		WHERE t.id = refunded.task_id`, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark offer %s refunded: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.status(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *pgOfferRepository) status(ctx context.Context, id uuid.UUID) (string, error) {
	var status string
	err := r.db.QueryRow(ctx, `SELECT status FROM generation_offers WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", models.ErrNotFound
		}
		return "", fmt.Errorf("failed to get offer %s status: %w", id, err)
	}
	return status, nil
}

func offerSources(to models.OfferStatus) []string {
	var sources []string
	for _, from := range []models.OfferStatus{models.OfferStatusPending, models.OfferStatusRunning} {
		if models.CanTransitionOffer(from, to) {
			sources = append(sources, string(from))
		}
	}
	return sources
}
