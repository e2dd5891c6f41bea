package database

import (
	"context"
	"fmt"

	"resume-server/internal/interfaces"

	"go.uber.org/zap"
)

// TransactionHelper выполняет функции в транзакции с rollback при ошибке или панике.
type TransactionHelper struct {
	db     interfaces.TxBeginner
	logger *zap.Logger
}

func NewTransactionHelper(db interfaces.TxBeginner, logger *zap.Logger) *TransactionHelper {
	return &TransactionHelper{db: db, logger: logger}
}

// WithTransaction открывает транзакцию и передает ее в fn как DBTX.
func (h *TransactionHelper) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx interfaces.DBTX) error) error {
	tx, err := h.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
				h.logger.Error("Failed to rollback transaction after panic", zap.Error(rollbackErr), zap.Any("panic", p))
			}
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
			h.logger.Error("Failed to rollback transaction", zap.Error(rollbackErr), zap.NamedError("original_error", err))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
