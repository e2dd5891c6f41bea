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

const transactionColumns = `id, user_id, feature, amount, task_id, offer_id, refund_of, refunded, created_at`

var _ interfaces.LedgerRepository = (*pgLedgerRepository)(nil)

type pgLedgerRepository struct {
	db     interfaces.DBTX
	tx     *TransactionHelper
	logger *zap.Logger
}

func NewPgLedgerRepository(db interface {
	interfaces.DBTX
	interfaces.TxBeginner
}, logger *zap.Logger) *pgLedgerRepository {
	log := logger.Named("PgLedgerRepo")
	return &pgLedgerRepository{db: db, tx: NewTransactionHelper(db, log), logger: log}
}

// DebitN списывает баланс одним условным UPDATE и пишет count транзакций в той же транзакции.
func (r *pgLedgerRepository) DebitN(ctx context.Context, userID string, feature models.FeatureKind, unitCost int64, count int) ([]models.CreditTransaction, error) {
	total := unitCost * int64(count)
	var txs []models.CreditTransaction

	err := r.tx.WithTransaction(ctx, func(ctx context.Context, tx interfaces.DBTX) error {
		tag, err := tx.Exec(ctx, `
			UPDATE credit_accounts SET balance = balance - $3, updated_at = NOW()
			WHERE user_id = $1 AND feature = $2 AND balance >= $3`,
			userID, feature, total)
		if err != nil {
			return fmt.Errorf("failed to debit account: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM credit_accounts WHERE user_id = $1 AND feature = $2)`,
				userID, feature).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check account: %w", err)
			}
			if !exists {
				return models.ErrNotFound
			}
			return models.ErrInsufficientBalance
		}

		txs = make([]models.CreditTransaction, 0, count)
		for i := 0; i < count; i++ {
			t := models.CreditTransaction{ID: uuid.New(), UserID: userID, Feature: feature, Amount: -unitCost}
			if err := tx.QueryRow(ctx, `
				INSERT INTO credit_transactions (id, user_id, feature, amount)
				VALUES ($1, $2, $3, $4)
				RETURNING created_at`,
				t.ID, t.UserID, t.Feature, t.Amount).Scan(&t.CreatedAt); err != nil {
				return fmt.Errorf("failed to insert debit transaction: %w", err)
			}
			txs = append(txs, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Credits debited",
		zap.String("userID", userID),
		zap.String("feature", string(feature)),
		zap.Int64("amount", total),
		zap.Int("transactions", count),
	)
	return txs, nil
}

// RefundDebit возвращает списание. Флаг refunded меняется условным UPDATE, что защищает от двойного возврата.
func (r *pgLedgerRepository) RefundDebit(ctx context.Context, txID uuid.UUID) (*models.CreditTransaction, bool, error) {
	var (
		refund  *models.CreditTransaction
		already bool
	)

	err := r.tx.WithTransaction(ctx, func(ctx context.Context, tx interfaces.DBTX) error {
		var orig models.CreditTransaction
		if err := pgxscan.Get(ctx, tx, &orig,
			`SELECT `+transactionColumns+` FROM credit_transactions WHERE id = $1 FOR UPDATE`, txID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return models.ErrNotFound
			}
			return fmt.Errorf("failed to get transaction %s: %w", txID, err)
		}
		if !orig.IsDebit() {
			return fmt.Errorf("transaction %s: %w", txID, models.ErrNotADebit)
		}

		tag, err := tx.Exec(ctx, `UPDATE credit_transactions SET refunded = TRUE WHERE id = $1 AND refunded = FALSE`, txID)
		if err != nil {
			return fmt.Errorf("failed to mark transaction %s refunded: %w", txID, err)
		}
		if tag.RowsAffected() == 0 {
			already = true
			var existing models.CreditTransaction
			if err := pgxscan.Get(ctx, tx, &existing,
				`SELECT `+transactionColumns+` FROM credit_transactions WHERE refund_of = $1`, txID); err != nil {
				return fmt.Errorf("failed to get refund entry for transaction %s: %w", txID, err)
			}
			refund = &existing
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE credit_accounts SET balance = balance + $3, updated_at = NOW()
			WHERE user_id = $1 AND feature = $2`,
			orig.UserID, orig.Feature, -orig.Amount); err != nil {
			return fmt.Errorf("failed to credit account: %w", err)
		}

		entry := models.CreditTransaction{
			ID:       uuid.New(),
			UserID:   orig.UserID,
			Feature:  orig.Feature,
			Amount:   -orig.Amount,
			TaskID:   orig.TaskID,
			OfferID:  orig.OfferID,
			RefundOf: &orig.ID,
		}
		if err := tx.QueryRow(ctx, `
			INSERT INTO credit_transactions (id, user_id, feature, amount, task_id, offer_id, refund_of)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING created_at`,
			entry.ID, entry.UserID, entry.Feature, entry.Amount, entry.TaskID, entry.OfferID, entry.RefundOf,
		).Scan(&entry.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert refund transaction: %w", err)
		}
		refund = &entry
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return refund, already, nil
}

func (r *pgLedgerRepository) Link(ctx context.Context, txID uuid.UUID, taskID uuid.UUID, offerID *uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE credit_transactions SET task_id = $2, offer_id = $3 WHERE id = $1`, txID, taskID, offerID)
	if err != nil {
		return fmt.Errorf("failed to link transaction %s: %w", txID, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *pgLedgerRepository) ListDebitsByRef(ctx context.Context, refID uuid.UUID) ([]models.CreditTransaction, error) {
	var txs []models.CreditTransaction
	err := pgxscan.Select(ctx, r.db, &txs, `
		SELECT `+transactionColumns+` FROM credit_transactions
		WHERE amount < 0 AND (task_id = $1 OR offer_id = $1)
		ORDER BY created_at, id`, refID)
	if err != nil {
		return nil, fmt.Errorf("failed to list debits for %s: %w", refID, err)
	}
	return txs, nil
}

func (r *pgLedgerRepository) GetAccount(ctx context.Context, userID string, feature models.FeatureKind) (*models.CreditAccount, error) {
	var acc models.CreditAccount
	err := pgxscan.Get(ctx, r.db, &acc,
		`SELECT user_id, feature, balance, updated_at FROM credit_accounts WHERE user_id = $1 AND feature = $2`,
		userID, feature)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &acc, nil
}

func (r *pgLedgerRepository) Grant(ctx context.Context, userID string, feature models.FeatureKind, amount int64) (*models.CreditTransaction, error) {
	entry := models.CreditTransaction{ID: uuid.New(), UserID: userID, Feature: feature, Amount: amount}

	err := r.tx.WithTransaction(ctx, func(ctx context.Context, tx interfaces.DBTX) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO credit_accounts (user_id, feature, balance) VALUES ($1, $2, $3)
			ON CONFLICT (user_id, feature)
			DO UPDATE SET balance = credit_accounts.balance + EXCLUDED.balance, updated_at = NOW()`,
			userID, feature, amount); err != nil {
			return fmt.Errorf("failed to credit account: %w", err)
		}
		if err := tx.QueryRow(ctx, `
			INSERT INTO credit_transactions (id, user_id, feature, amount)
			VALUES ($1, $2, $3, $4)
			RETURNING created_at`,
			entry.ID, entry.UserID, entry.Feature, entry.Amount).Scan(&entry.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert grant transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
