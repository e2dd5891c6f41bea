package ledger

import (
	"context"
	"errors"
	"fmt"

	"resume-server/internal/interfaces"
	"resume-server/internal/models"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	creditsDebited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resume_ledger_credits_debited_total",
		Help: "Total credits debited, by feature.",
	}, []string{"feature"})
	creditsRefunded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resume_ledger_credits_refunded_total",
		Help: "Total credits refunded, by feature.",
	}, []string{"feature"})
	debitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resume_ledger_debit_rejections_total",
		Help: "Debit attempts rejected, by feature and action.",
	}, []string{"feature", "action"})
)

// Config - стоимость одной вакансии в кредитах по типу услуги.
type Config struct {
	UnitCosts   map[models.FeatureKind]int64
	DefaultCost int64
}

// Service - учет кредитов поверх LedgerRepository.
type Service struct {
	repo   interfaces.LedgerRepository
	cfg    Config
	logger *zap.Logger
}

var _ interfaces.Ledger = (*Service)(nil)

// New создает сервис учета кредитов.
func New(repo interfaces.LedgerRepository, cfg Config, logger *zap.Logger) *Service {
	if cfg.DefaultCost <= 0 {
		cfg.DefaultCost = 1
	}
	return &Service{repo: repo, cfg: cfg, logger: logger.Named("Ledger")}
}

// UnitCost возвращает стоимость одной единицы услуги.
func (s *Service) UnitCost(feature models.FeatureKind) int64 {
	if cost, ok := s.cfg.UnitCosts[feature]; ok && cost > 0 {
		return cost
	}
	return s.cfg.DefaultCost
}

// TryDebit атомарно списывает count единиц. Частичного списания не бывает:
// при нехватке средств возвращается DebitResult с Rejection и nil-ошибкой.
func (s *Service) TryDebit(ctx context.Context, userID string, feature models.FeatureKind, count int) (*models.DebitResult, error) {
	if count <= 0 {
		return nil, fmt.Errorf("debit count must be positive, got %d: %w", count, models.ErrInvalidInput)
	}
	unit := s.UnitCost(feature)
	log := s.logger.With(zap.String("user_id", userID), zap.String("feature", string(feature)), zap.Int("count", count))

	txs, err := s.repo.DebitN(ctx, userID, feature, unit, count)
	if err != nil {
		var action models.RejectionAction
		switch {
		case errors.Is(err, models.ErrNotFound):
			action = models.ActionUpgrade
		case errors.Is(err, models.ErrInsufficientBalance):
			action = models.ActionBuyCredits
		default:
			log.Error("Failed to debit credits", zap.Error(err))
			return nil, fmt.Errorf("failed to debit credits: %w", err)
		}
		log.Info("Debit rejected", zap.String("action", string(action)))
		debitRejections.WithLabelValues(string(feature), string(action)).Inc()
		return &models.DebitResult{
			OK:       false,
			UnitCost: unit,
			Rejection: &models.Rejection{
				Code:    models.RejectionInsufficientBalance,
				Action:  action,
				Message: fmt.Sprintf("%d credits required", unit*int64(count)),
			},
		}, nil
	}

	ids := make([]uuid.UUID, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.ID)
	}
	creditsDebited.WithLabelValues(string(feature)).Add(float64(unit * int64(count)))
	log.Info("Credits debited", zap.Int64("unit_cost", unit))
	return &models.DebitResult{OK: true, UnitCost: unit, TransactionIDs: ids}, nil
}

// Refund возвращает одно списание. Повторный вызов ничего не начисляет.
func (s *Service) Refund(ctx context.Context, txID uuid.UUID) (*models.RefundResult, error) {
	refund, already, err := s.repo.RefundDebit(ctx, txID)
	if err != nil {
		s.logger.Error("Failed to refund transaction", zap.String("transaction_id", txID.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to refund transaction %s: %w", txID, err)
	}
	result := &models.RefundResult{
		TransactionID:   txID,
		RefundID:        refund.ID,
		Amount:          refund.Amount,
		AlreadyRefunded: already,
	}
	if !already {
		creditsRefunded.WithLabelValues(string(refund.Feature)).Add(float64(refund.Amount))
		s.logger.Info("Transaction refunded",
			zap.String("transaction_id", txID.String()),
			zap.String("refund_id", refund.ID.String()),
			zap.Int64("amount", refund.Amount),
		)
	}
	return result, nil
}

// RefundAll возвращает все списания, привязанные к задаче или вакансии. Уже возвращенные пропускаются.
func (s *Service) RefundAll(ctx context.Context, refID uuid.UUID) ([]models.RefundResult, error) {
	debits, err := s.repo.ListDebitsByRef(ctx, refID)
	if err != nil {
		return nil, fmt.Errorf("failed to list debits for %s: %w", refID, err)
	}
	var (
		results []models.RefundResult
		errs    []error
	)
	for _, tx := range debits {
		if tx.Refunded {
			continue
		}
		res, err := s.Refund(ctx, tx.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, *res)
	}
	return results, errors.Join(errs...)
}

// Link привязывает списание к задаче и, если задан, к вакансии.
func (s *Service) Link(ctx context.Context, txID uuid.UUID, taskID uuid.UUID, offerID *uuid.UUID) error {
	if err := s.repo.Link(ctx, txID, taskID, offerID); err != nil {
		return fmt.Errorf("failed to link transaction %s: %w", txID, err)
	}
	return nil
}

// Balance возвращает баланс. Для отсутствующего счета - 0.
func (s *Service) Balance(ctx context.Context, userID string, feature models.FeatureKind) (int64, error) {
	acc, err := s.repo.GetAccount(ctx, userID, feature)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get account: %w", err)
	}
	return acc.Balance, nil
}

// Grant пополняет счет. Вызывается биллингом.
func (s *Service) Grant(ctx context.Context, userID string, feature models.FeatureKind, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive, got %d: %w", amount, models.ErrInvalidInput)
	}
	if _, err := s.repo.Grant(ctx, userID, feature, amount); err != nil {
		return fmt.Errorf("failed to grant credits: %w", err)
	}
	s.logger.Info("Credits granted", zap.String("user_id", userID), zap.String("feature", string(feature)), zap.Int64("amount", amount))
	return nil
}
