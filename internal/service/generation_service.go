package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"resume-server/internal/cancellation"
	"resume-server/internal/interfaces"
	"resume-server/internal/models"
	"resume-server/internal/pipeline"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxPostings - лимит вакансий в одной задаче по умолчанию.
const DefaultMaxPostings = 10

// SubmitRequest - запрос на генерацию резюме под несколько вакансий.
type SubmitRequest struct {
	SourceDocumentRef string                `json:"sourceDocumentRef"`
	Mode              models.GenerationMode `json:"mode"`
	Postings          []models.Posting      `json:"postings"`
}

// TaskView - задача с вакансиями для клиента.
type TaskView struct {
	Task    *models.Task    `json:"task"`
	Offers  []*models.Offer `json:"offers"`
	Summary string          `json:"summary"`
}

// Config - настройки сервиса генерации.
type Config struct {
	MaxPostings int
}

// GenerationService принимает запросы на генерацию: Gate -> Ledger -> создание записей -> очередь.
type GenerationService struct {
	tasks     interfaces.TaskRepository
	offers    interfaces.OfferRepository
	subtasks  interfaces.SubtaskRepository
	documents interfaces.DocumentArchive
	ledger    interfaces.Ledger
	gate      interfaces.ConcurrencyGate
	registry  *cancellation.Registry
	scheduler interfaces.TaskScheduler
	cfg       Config
	logger    *zap.Logger
}

// NewGenerationService создает сервис генерации.
func NewGenerationService(
	tasks interfaces.TaskRepository,
	offers interfaces.OfferRepository,
	subtasks interfaces.SubtaskRepository,
	documents interfaces.DocumentArchive,
	ledger interfaces.Ledger,
	gate interfaces.ConcurrencyGate,
	registry *cancellation.Registry,
	scheduler interfaces.TaskScheduler,
	cfg Config,
	logger *zap.Logger,
) *GenerationService {
	if cfg.MaxPostings <= 0 {
		cfg.MaxPostings = DefaultMaxPostings
	}
	return &GenerationService{
		tasks:     tasks,
		offers:    offers,
		subtasks:  subtasks,
		documents: documents,
		ledger:    ledger,
		gate:      gate,
		registry:  registry,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logger.Named("GenerationService"),
	}
}

func invalidInput(format string, args ...any) error {
	return models.NewRejection(models.RejectionInvalidInput, models.ActionNone, fmt.Sprintf(format, args...))
}

func (s *GenerationService) validate(req SubmitRequest) error {
	if strings.TrimSpace(req.SourceDocumentRef) == "" {
		return invalidInput("sourceDocumentRef is required")
	}
	if !req.Mode.Valid() {
		return invalidInput("unknown mode %q", req.Mode)
	}
	if len(req.Postings) == 0 {
		return invalidInput("at least one posting is required")
	}
	if len(req.Postings) > s.cfg.MaxPostings {
		return invalidInput("at most %d postings per request, got %d", s.cfg.MaxPostings, len(req.Postings))
	}
	seen := make(map[string]struct{}, len(req.Postings))
	for i, p := range req.Postings {
		if strings.TrimSpace(p.Ref) == "" {
			return invalidInput("posting %d: ref is required", i)
		}
		if strings.TrimSpace(p.Description) == "" {
			return invalidInput("posting %d: description is required", i)
		}
		if _, dup := seen[p.Ref]; dup {
			return invalidInput("posting %q is listed twice", p.Ref)
		}
		seen[p.Ref] = struct{}{}
	}
	return nil
}

// Submit принимает задачу. Отказ возвращается как *models.RejectionError, и в этом случае
// никаких записей не создается, а слот и кредиты не удерживаются.
func (s *GenerationService) Submit(ctx context.Context, userID string, req SubmitRequest) (uuid.UUID, error) {
	log := s.logger.With(zap.String("user_id", userID), zap.String("mode", string(req.Mode)))
	if err := s.validate(req); err != nil {
		log.Info("Submission rejected", zap.Error(err))
		return uuid.Nil, err
	}

	kind := req.Mode.TaskKind()
	acquired, err := s.gate.TryAcquire(ctx, userID, kind)
	if err != nil {
		log.Error("Concurrency gate failed", zap.Error(err))
		return uuid.Nil, fmt.Errorf("failed to acquire concurrency slot: %w", err)
	}
	if !acquired {
		log.Info("Submission rejected, task of this kind is already running")
		return uuid.Nil, models.NewRejection(models.RejectionAlreadyRunning, models.ActionNone, "a generation of this kind is already running")
	}

	// Здесь слот удерживается: каждый выход с ошибкой обязан его освободить.
	debit, err := s.ledger.TryDebit(ctx, userID, req.Mode.FeatureKind(), len(req.Postings))
	if err != nil {
		s.releaseSlot(userID, kind, log)
		return uuid.Nil, fmt.Errorf("failed to debit credits: %w", err)
	}
	if !debit.OK {
		s.releaseSlot(userID, kind, log)
		return uuid.Nil, &models.RejectionError{Rejection: *debit.Rejection}
	}

	task, offers := s.buildTask(userID, req, debit)
	log = log.With(zap.String("task_id", task.ID.String()))

	if err := s.tasks.CreateWithOffers(ctx, task, offers); err != nil {
		log.Error("Failed to create task", zap.Error(err))
		s.refundTransactions(debit.TransactionIDs, log)
		s.releaseSlot(userID, kind, log)
		return uuid.Nil, fmt.Errorf("failed to create task: %w", err)
	}
	for _, offer := range offers {
		offerID := offer.ID
		if err := s.ledger.Link(ctx, *offer.DebitTransactionID, task.ID, &offerID); err != nil {
			// Возврат идет по DebitTransactionID вакансии, связь нужна только для аналитики.
			log.Warn("Failed to link debit to offer", zap.String("offer_id", offerID.String()), zap.Error(err))
		}
	}

	s.registry.Register(task.ID)
	for _, offer := range offers {
		s.registry.RegisterChild(task.ID, offer.ID)
	}

	if err := s.scheduler.Start(task, offers); err != nil {
		log.Error("Failed to schedule task", zap.Error(err))
		s.abortUnscheduled(task, offers, log)
		return uuid.Nil, fmt.Errorf("failed to schedule task: %w", err)
	}

	log.Info("Task accepted", zap.Int("offers", len(offers)), zap.Int64("credits", task.CreditsDebited))
	return task.ID, nil
}

func (s *GenerationService) buildTask(userID string, req SubmitRequest, debit *models.DebitResult) (*models.Task, []*models.Offer) {
	now := time.Now().UTC()
	task := &models.Task{
		ID:                uuid.New(),
		UserID:            userID,
		SourceDocumentRef: req.SourceDocumentRef,
		Mode:              req.Mode,
		Status:            models.TaskStatusPending,
		TotalOffers:       len(req.Postings),
		CreditsDebited:    debit.UnitCost * int64(len(req.Postings)),
		CreatedAt:         now,
	}
	offers := make([]*models.Offer, len(req.Postings))
	for i, posting := range req.Postings {
		txID := debit.TransactionIDs[i]
		offers[i] = &models.Offer{
			ID:                 uuid.New(),
			TaskID:             task.ID,
			Index:              i,
			Posting:            posting,
			Status:             models.OfferStatusPending,
			DebitTransactionID: &txID,
			CreditsCost:        debit.UnitCost,
			CreatedAt:          now,
		}
	}
	return task, offers
}

// abortUnscheduled закрывает задачу, которая была создана, но не попала в очередь.
func (s *GenerationService) abortUnscheduled(task *models.Task, offers []*models.Offer, log *zap.Logger) {
	ctx := context.Background()
	for _, offer := range offers {
		s.registry.Clear(offer.ID)
		status, err := pipeline.SettleOfferSubtasks(ctx, s.subtasks, task.ID, offer.ID, models.OfferStatusFailed, models.MessageInternalError)
		if err != nil {
			log.Error("Failed to record offer outcome in subtasks", zap.String("offer_id", offer.ID.String()), zap.Error(err))
			status = models.OfferStatusFailed
		}
		if err := s.offers.Finish(ctx, offer.ID, status, models.MessageInternalError); err != nil {
			log.Error("Failed to fail offer", zap.String("offer_id", offer.ID.String()), zap.Error(err))
		}
		if _, err := s.refundOffer(ctx, offer); err != nil {
			log.Error("Failed to refund offer", zap.String("offer_id", offer.ID.String()), zap.Error(err))
		}
	}
	if err := s.tasks.Finish(ctx, task.ID, models.TaskStatusFailed, models.MessageInternalError); err != nil {
		log.Error("Failed to fail task", zap.Error(err))
	}
	s.registry.Clear(task.ID)
	s.releaseSlot(task.UserID, task.Mode.TaskKind(), log)
}

func (s *GenerationService) refundTransactions(ids []uuid.UUID, log *zap.Logger) {
	for _, id := range ids {
		if _, err := s.ledger.Refund(context.Background(), id); err != nil {
			log.Error("Failed to refund transaction", zap.String("transaction_id", id.String()), zap.Error(err))
		}
	}
}

func (s *GenerationService) releaseSlot(userID string, kind models.TaskKind, log *zap.Logger) {
	if err := s.gate.Release(context.Background(), userID, kind); err != nil {
		log.Error("Failed to release concurrency slot", zap.Error(err))
	}
}

// ownedTask возвращает задачу пользователя. Чужая задача неотличима от отсутствующей.
func (s *GenerationService) ownedTask(ctx context.Context, userID string, taskID uuid.UUID) (*models.Task, error) {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.UserID != userID {
		return nil, fmt.Errorf("task %s: %w", taskID, models.ErrNotFound)
	}
	return task, nil
}

// Cancel запрашивает отмену задачи. Готовые результаты вакансий сохраняются.
func (s *GenerationService) Cancel(ctx context.Context, userID string, taskID uuid.UUID) error {
	task, err := s.ownedTask(ctx, userID, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("task %s is %s: %w", taskID, task.Status, models.ErrAlreadyTerminal)
	}
	if !s.registry.RequestCancel(taskID) {
		return fmt.Errorf("task %s is not running in this process: %w", taskID, models.ErrNotFound)
	}
	s.logger.Info("Task cancellation requested", zap.String("task_id", taskID.String()), zap.String("user_id", userID))
	return nil
}

// CancelOffer отменяет одну вакансию. Остальные вакансии задачи продолжают работу.
func (s *GenerationService) CancelOffer(ctx context.Context, userID string, taskID, offerID uuid.UUID) error {
	if _, err := s.ownedTask(ctx, userID, taskID); err != nil {
		return err
	}
	offer, err := s.offers.GetByID(ctx, offerID)
	if err != nil {
		return err
	}
	if offer.TaskID != taskID {
		return fmt.Errorf("offer %s: %w", offerID, models.ErrNotFound)
	}
	if offer.Status.IsTerminal() {
		return fmt.Errorf("offer %s is %s: %w", offerID, offer.Status, models.ErrAlreadyTerminal)
	}
	if !s.registry.RequestCancel(offerID) {
		return fmt.Errorf("offer %s is not running in this process: %w", offerID, models.ErrNotFound)
	}
	s.logger.Info("Offer cancellation requested", zap.String("task_id", taskID.String()), zap.String("offer_id", offerID.String()))
	return nil
}

// GetTask возвращает задачу с вакансиями и строкой "N of M succeeded".
func (s *GenerationService) GetTask(ctx context.Context, userID string, taskID uuid.UUID) (*TaskView, error) {
	task, err := s.ownedTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	offers, err := s.offers.ListByTaskID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list offers: %w", err)
	}
	return &TaskView{
		Task:    task,
		Offers:  offers,
		Summary: pipeline.SuccessSummary(task.CompletedOffers, task.TotalOffers),
	}, nil
}

// Report собирает аналитику по задаче: подзадачи, токены, стоимость и длительности.
func (s *GenerationService) Report(ctx context.Context, userID string, taskID uuid.UUID) (*pipeline.TaskReport, error) {
	task, err := s.ownedTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	offers, err := s.offers.ListByTaskID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list offers: %w", err)
	}
	subtasks, err := s.subtasks.ListByTaskID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subtasks: %w", err)
	}
	return pipeline.BuildReport(task, offers, subtasks), nil
}

func parseFeature(feature string) (models.FeatureKind, error) {
	switch f := models.FeatureKind(feature); f {
	case models.FeatureAdaptOffer, models.FeatureRebuildOffer:
		return f, nil
	}
	return "", fmt.Errorf("unknown feature %q: %w", feature, models.ErrInvalidInput)
}

// Balance возвращает остаток кредитов пользователя.
func (s *GenerationService) Balance(ctx context.Context, userID string, feature string) (int64, error) {
	f, err := parseFeature(feature)
	if err != nil {
		return 0, err
	}
	return s.ledger.Balance(ctx, userID, f)
}

// Grant пополняет счет пользователя. Вызывается биллингом.
func (s *GenerationService) Grant(ctx context.Context, userID string, feature string, amount int64) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required: %w", models.ErrInvalidInput)
	}
	f, err := parseFeature(feature)
	if err != nil {
		return err
	}
	return s.ledger.Grant(ctx, userID, f, amount)
}

// PutSource сохраняет исходный документ пользователя.
func (s *GenerationService) PutSource(ctx context.Context, userID, ref string, document json.RawMessage) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("document ref is required: %w", models.ErrInvalidInput)
	}
	if len(document) == 0 || !json.Valid(document) {
		return fmt.Errorf("document must be valid JSON: %w", models.ErrInvalidInput)
	}
	return s.documents.PutSource(ctx, userID, ref, document)
}

// GetOfferDocument возвращает готовый документ вакансии.
func (s *GenerationService) GetOfferDocument(ctx context.Context, userID string, taskID, offerID uuid.UUID) (json.RawMessage, error) {
	if _, err := s.ownedTask(ctx, userID, taskID); err != nil {
		return nil, err
	}
	offer, err := s.offers.GetByID(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.TaskID != taskID || offer.OutputDocumentRef == nil {
		return nil, fmt.Errorf("document for offer %s: %w", offerID, models.ErrNotFound)
	}
	return s.documents.LoadGenerated(ctx, userID, *offer.OutputDocumentRef)
}

// RecoverOrphans закрывает задачи, оставшиеся незавершенными после рестарта процесса:
// незавершенные вакансии становятся failed, их кредиты возвращаются, слот освобождается.
// Задачи, которые выполняются в этом процессе, не трогаются. Повторный запуск безопасен.
func (s *GenerationService) RecoverOrphans(ctx context.Context) (int, error) {
	tasks, err := s.tasks.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished tasks: %w", err)
	}
	recovered := 0
	var errs []error
	for _, task := range tasks {
		if _, running := s.registry.Get(task.ID); running {
			continue
		}
		if err := s.recoverTask(ctx, task); err != nil {
			errs = append(errs, err)
			continue
		}
		recovered++
	}
	return recovered, errors.Join(errs...)
}

func (s *GenerationService) recoverTask(ctx context.Context, task *models.Task) error {
	log := s.logger.With(zap.String("task_id", task.ID.String()), zap.String("user_id", task.UserID))

	offers, err := s.offers.ListByTaskID(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("failed to list offers of %s: %w", task.ID, err)
	}
	var counts pipeline.OfferCounts
	var refunded int64
	for _, offer := range offers {
		status := offer.Status
		if !status.IsTerminal() {
			// Прерванные подзадачи закрываются как failed, статус вакансии выводится из них.
			status, err = pipeline.SettleOfferSubtasks(ctx, s.subtasks, task.ID, offer.ID, models.OfferStatusFailed, models.MessageInterrupted)
			if err != nil {
				return err
			}
			if err := s.offers.Finish(ctx, offer.ID, status, models.MessageInterrupted); err != nil && !errors.Is(err, models.ErrAlreadyTerminal) {
				return fmt.Errorf("failed to close offer %s: %w", offer.ID, err)
			}
		}
		switch status {
		case models.OfferStatusCompleted:
			counts.Completed++
			continue
		case models.OfferStatusCancelled:
			counts.Cancelled++
		default:
			counts.Failed++
		}
		if offer.Refunded {
			continue
		}
		amount, err := s.refundOffer(ctx, offer)
		if err != nil {
			return err
		}
		refunded += amount
	}

	status := pipeline.DeriveTaskStatus(counts, false)
	message := ""
	if status == models.TaskStatusFailed {
		message = models.MessageInterrupted
	}
	if err := s.tasks.Finish(ctx, task.ID, status, message); err != nil && !errors.Is(err, models.ErrAlreadyTerminal) {
		return fmt.Errorf("failed to finish task %s: %w", task.ID, err)
	}
	s.releaseSlot(task.UserID, task.Mode.TaskKind(), log)
	log.Warn("Orphaned task recovered",
		zap.String("status", string(status)),
		zap.Int("completed", counts.Completed),
		zap.Int64("refunded", refunded),
	)
	return nil
}

// refundOffer возвращает кредиты вакансии в журнал и переносит ее стоимость в credits_refunded задачи.
// Возвращает стоимость вакансии, если перенос выполнен этим вызовом.
func (s *GenerationService) refundOffer(ctx context.Context, offer *models.Offer) (int64, error) {
	cost := offer.CreditsCost
	if offer.DebitTransactionID != nil {
		if _, err := s.ledger.Refund(ctx, *offer.DebitTransactionID); err != nil {
			return 0, fmt.Errorf("failed to refund offer %s: %w", offer.ID, err)
		}
	} else if _, err := s.ledger.RefundAll(ctx, offer.ID); err != nil {
		return 0, fmt.Errorf("failed to refund offer %s: %w", offer.ID, err)
	}
	marked, err := s.offers.MarkRefunded(ctx, offer.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark offer %s refunded: %w", offer.ID, err)
	}
	if !marked {
		return 0, nil
	}
	return cost, nil
}
