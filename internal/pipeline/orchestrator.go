package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"resume-server/internal/interfaces"
	"resume-server/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// OfferRun - все, что нужно для генерации одной вакансии.
type OfferRun struct {
	Task   *models.Task
	Offer  *models.Offer
	Source json.RawMessage
}

// OfferOutcome - итог генерации вакансии.
type OfferOutcome struct {
	Status          models.OfferStatus
	DocumentRef     string
	ErrorMessage    string
	CompletedOffers int
}

// Orchestrator выполняет группы фаз для одной вакансии.
type Orchestrator struct {
	tasks       interfaces.TaskRepository
	offers      interfaces.OfferRepository
	subtasks    interfaces.SubtaskRepository
	transformer interfaces.ContentTransformer
	pricing     interfaces.PricingTable
	documents   interfaces.DocumentStore
	progress    interfaces.ProgressSink
	logger      *zap.Logger
}

// NewOrchestrator создает оркестратор фаз.
func NewOrchestrator(
	tasks interfaces.TaskRepository,
	offers interfaces.OfferRepository,
	subtasks interfaces.SubtaskRepository,
	transformer interfaces.ContentTransformer,
	pricing interfaces.PricingTable,
	documents interfaces.DocumentStore,
	progress interfaces.ProgressSink,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		tasks:       tasks,
		offers:      offers,
		subtasks:    subtasks,
		transformer: transformer,
		pricing:     pricing,
		documents:   documents,
		progress:    progress,
		logger:      logger.Named("Orchestrator"),
	}
}

// phaseError - фаза завершилась не успешно.
type phaseError struct {
	status  models.SubtaskStatus
	message string
	err     error
}

func (e *phaseError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("phase %s: %v", e.status, e.err)
	}
	return fmt.Sprintf("phase %s: %s", e.status, e.message)
}

func (e *phaseError) Unwrap() error { return e.err }

// offerState - результаты завершенных фаз одной вакансии.
type offerState struct {
	mu             sync.Mutex
	classification *models.ClassifyOutput
	sections       map[models.PhaseType]json.RawMessage
	document       json.RawMessage
	startOnce      sync.Once

	// recompose закрывается только после сохранения документа.
	recomposeID     uuid.UUID
	recomposeResult models.SubtaskResult
}

func (s *offerState) record(out models.PhaseOutput) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch v := out.(type) {
	case models.ClassifyOutput:
		s.classification = &v
	case models.SectionOutput:
		s.sections[v.Section] = v.Content
	case models.RecomposeOutput:
		s.document = v.Document
	}
}

// inputFor строит вход фазы из результатов предыдущих групп.
func (s *offerState) inputFor(run OfferRun, phase models.PhaseType) (models.PhaseInput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case phase == models.PhaseClassify:
		return models.ClassifyInput{
			SourceDocument: run.Source,
			Posting:        run.Offer.Posting,
			Mode:           run.Task.Mode,
		}, nil
	case s.classification == nil:
		return nil, fmt.Errorf("phase %s requires classification result", phase)
	case phase.IsSection():
		in := models.SectionInput{
			Section:        phase,
			SourceDocument: run.Source,
			Posting:        run.Offer.Posting,
			Mode:           run.Task.Mode,
			Classification: *s.classification,
		}
		if len(s.sections) > 0 {
			in.Prior = make(map[models.PhaseType]json.RawMessage, len(s.sections))
			for k, v := range s.sections {
				in.Prior[k] = v
			}
		}
		return in, nil
	case phase == models.PhaseRecompose:
		sections := make(map[models.PhaseType]json.RawMessage, len(s.sections))
		for k, v := range s.sections {
			sections[k] = v
		}
		return models.RecomposeInput{
			SourceDocument: run.Source,
			Posting:        run.Offer.Posting,
			Mode:           run.Task.Mode,
			Classification: *s.classification,
			Sections:       sections,
		}, nil
	}
	return nil, fmt.Errorf("unknown phase %q", phase)
}

// RunOffer выполняет группы фаз по порядку. Фазы группы идут параллельно и не отменяют друг друга,
// но после неуспешной группы следующие группы не запускаются.
// ctx - контекст хендла отмены вакансии. Записи в хранилище выполняются и после отмены.
func (o *Orchestrator) RunOffer(ctx context.Context, run OfferRun) OfferOutcome {
	dbCtx := context.WithoutCancel(ctx)
	log := o.logger.With(
		zap.String("task_id", run.Task.ID.String()),
		zap.String("offer_id", run.Offer.ID.String()),
		zap.Int("offer_index", run.Offer.Index),
	)
	state := &offerState{sections: make(map[models.PhaseType]json.RawMessage)}

	for groupIdx, group := range models.PhaseGroups {
		if ctx.Err() != nil {
			log.Info("Offer cancelled before phase group", zap.Int("group", groupIdx))
			return o.finishOffer(dbCtx, run, models.OfferStatusCancelled, "")
		}

		var g errgroup.Group
		for _, phase := range group {
			phase := phase
			g.Go(func() error {
				return o.runPhase(ctx, dbCtx, run, phase, state, log)
			})
		}
		err := g.Wait()
		if err == nil {
			continue
		}

		var pe *phaseError
		message := models.MessageInternalError
		if errors.As(err, &pe) && pe.message != "" {
			message = pe.message
		}
		// Итог выводится из подзадач: если отмена пришла, когда фазы группы уже упали, вакансия failed.
		if ctx.Err() != nil || (pe != nil && pe.status == models.SubtaskStatusCancelled) {
			return o.finishOffer(dbCtx, run, models.OfferStatusCancelled, message)
		}
		log.Warn("Phase group failed, skipping remaining groups", zap.Int("group", groupIdx), zap.Error(err))
		return o.finishOffer(dbCtx, run, models.OfferStatusFailed, message)
	}

	return o.completeOffer(dbCtx, run, state, log)
}

func (o *Orchestrator) runPhase(ctx, dbCtx context.Context, run OfferRun, phase models.PhaseType, state *offerState, log *zap.Logger) error {
	log = log.With(zap.String("phase", string(phase)))

	input, err := state.inputFor(run, phase)
	if err != nil {
		log.Error("Failed to build phase input", zap.Error(err))
		return &phaseError{status: models.SubtaskStatusFailed, message: models.MessageInternalError, err: err}
	}
	inputPayload, err := models.EncodePayload(input)
	if err != nil {
		log.Error("Failed to encode phase input", zap.Error(err))
		return &phaseError{status: models.SubtaskStatusFailed, message: models.MessageInternalError, err: err}
	}

	subtask := &models.Subtask{
		ID:        uuid.New(),
		OfferID:   run.Offer.ID,
		TaskID:    run.Task.ID,
		Phase:     phase,
		Status:    models.SubtaskStatusRunning,
		Input:     inputPayload,
		StartedAt: time.Now().UTC(),
	}
	if err := o.subtasks.Create(dbCtx, subtask); err != nil {
		log.Error("Failed to create subtask", zap.Error(err))
		return &phaseError{status: models.SubtaskStatusFailed, message: models.MessageInternalError, err: err}
	}
	state.startOnce.Do(func() { o.markStarted(dbCtx, run, log) })
	o.publish(dbCtx, run, models.OfferStatusRunning, phase, models.SubtaskStatusRunning, 0)

	start := time.Now()
	res, err := o.transformer.Transform(ctx, interfaces.TransformRequest{
		Phase:   phase,
		UserID:  run.Task.UserID,
		TaskID:  run.Task.ID,
		OfferID: run.Offer.ID,
		Input:   input,
	})
	duration := time.Since(start)
	phaseDuration.WithLabelValues(string(phase)).Observe(duration.Seconds())

	if err == nil && (res == nil || res.Output == nil || res.Output.Phase() != phase) {
		err = fmt.Errorf("%w: transformer returned no %s output", models.ErrTransformFailed, phase)
	}
	if err != nil {
		status, message := classifyError(ctx, err)
		o.finishSubtask(dbCtx, subtask.ID, phase, models.SubtaskResult{
			Status:       status,
			DurationMs:   duration.Milliseconds(),
			ErrorMessage: message,
		}, log)
		if status == models.SubtaskStatusCancelled {
			log.Info("Phase cancelled")
		} else {
			log.Warn("Phase failed", zap.Error(err))
		}
		o.publish(dbCtx, run, models.OfferStatusRunning, phase, status, 0)
		return &phaseError{status: status, message: message, err: err}
	}

	outputPayload, err := models.EncodePayload(res.Output)
	if err != nil {
		o.finishSubtask(dbCtx, subtask.ID, phase, models.SubtaskResult{
			Status:       models.SubtaskStatusFailed,
			DurationMs:   duration.Milliseconds(),
			ErrorMessage: models.MessageInternalError,
		}, log)
		return &phaseError{status: models.SubtaskStatusFailed, message: models.MessageInternalError, err: err}
	}

	cost := o.pricing.Cost(res.Model, res.PromptTokens, res.CachedTokens, res.CompletionTokens)
	result := models.SubtaskResult{
		Status:           models.SubtaskStatusCompleted,
		Output:           outputPayload,
		Model:            res.Model,
		PromptTokens:     res.PromptTokens,
		CachedTokens:     res.CachedTokens,
		CompletionTokens: res.CompletionTokens,
		CostUSD:          cost,
		DurationMs:       duration.Milliseconds(),
	}
	if phase == models.PhaseRecompose {
		state.mu.Lock()
		state.recomposeID, state.recomposeResult = subtask.ID, result
		state.mu.Unlock()
	} else {
		if err := o.subtasks.Finish(dbCtx, subtask.ID, result); err != nil {
			log.Error("Failed to complete subtask", zap.Error(err))
			return &phaseError{status: models.SubtaskStatusFailed, message: models.MessageInternalError, err: err}
		}
		phasesTotal.WithLabelValues(string(phase), string(models.SubtaskStatusCompleted)).Inc()
	}
	phaseTokens.WithLabelValues(string(phase), "prompt").Add(float64(res.PromptTokens))
	phaseTokens.WithLabelValues(string(phase), "cached").Add(float64(res.CachedTokens))
	phaseTokens.WithLabelValues(string(phase), "completion").Add(float64(res.CompletionTokens))
	if cost > 0 {
		phaseCostUSD.WithLabelValues(res.Model).Add(cost)
	}

	if err := o.offers.MergePartialResult(dbCtx, run.Offer.ID, phase, outputPayload); err != nil {
		log.Error("Failed to merge partial result", zap.Error(err))
		return &phaseError{status: models.SubtaskStatusFailed, message: models.MessageInternalError, err: err}
	}
	state.record(res.Output)

	log.Info("Phase completed",
		zap.String("model", res.Model),
		zap.Int("prompt_tokens", res.PromptTokens),
		zap.Int("cached_tokens", res.CachedTokens),
		zap.Int("completion_tokens", res.CompletionTokens),
		zap.Float64("cost_usd", cost),
		zap.Duration("duration", duration),
	)
	o.publish(dbCtx, run, models.OfferStatusRunning, phase, models.SubtaskStatusCompleted, 0)
	return nil
}

// classifyError сопоставляет ошибку трансформера статусу подзадачи и сообщению для пользователя.
// Текст ошибки провайдера в сообщение не попадает, он есть только в логе.
func classifyError(ctx context.Context, err error) (models.SubtaskStatus, string) {
	switch {
	case errors.Is(err, models.ErrAborted), errors.Is(err, context.Canceled), ctx.Err() != nil:
		return models.SubtaskStatusCancelled, ""
	case errors.Is(err, models.ErrQuotaExceeded):
		return models.SubtaskStatusFailed, models.MessageQuotaExceeded
	}
	return models.SubtaskStatusFailed, models.MessageTransformFailed
}

func (o *Orchestrator) finishSubtask(ctx context.Context, id uuid.UUID, phase models.PhaseType, result models.SubtaskResult, log *zap.Logger) {
	phasesTotal.WithLabelValues(string(phase), string(result.Status)).Inc()
	if err := o.subtasks.Finish(ctx, id, result); err != nil {
		log.Error("Failed to finish subtask", zap.String("subtask_id", id.String()), zap.Error(err))
	}
}

// markStarted переводит вакансию и, при первом старте, задачу в running.
func (o *Orchestrator) markStarted(ctx context.Context, run OfferRun, log *zap.Logger) {
	if _, err := o.offers.MarkRunning(ctx, run.Offer.ID); err != nil {
		log.Error("Failed to mark offer running", zap.Error(err))
	}
	started, err := o.tasks.MarkRunning(ctx, run.Task.ID)
	if err != nil {
		log.Error("Failed to mark task running", zap.Error(err))
		return
	}
	if started {
		log.Info("Task started")
	}
}

// completeOffer сохраняет документ и закрывает recompose. Вакансия завершается
// со статусом, выведенным из подзадач.
func (o *Orchestrator) completeOffer(ctx context.Context, run OfferRun, state *offerState, log *zap.Logger) OfferOutcome {
	state.mu.Lock()
	document := state.document
	recomposeID, result := state.recomposeID, state.recomposeResult
	state.mu.Unlock()

	ref, err := o.documents.SaveGenerated(ctx, run.Task.UserID, run.Offer.ID, document)
	if err != nil {
		log.Error("Failed to save generated document", zap.Error(err))
		result.Status, result.Output, result.ErrorMessage = models.SubtaskStatusFailed, nil, models.MessageInternalError
		o.finishSubtask(ctx, recomposeID, models.PhaseRecompose, result, log)
		return o.finishOffer(ctx, run, models.OfferStatusFailed, models.MessageInternalError)
	}
	if err := o.subtasks.Finish(ctx, recomposeID, result); err != nil {
		log.Error("Failed to complete recompose subtask", zap.Error(err))
		return o.finishOffer(ctx, run, models.OfferStatusFailed, models.MessageInternalError)
	}
	phasesTotal.WithLabelValues(string(models.PhaseRecompose), string(models.SubtaskStatusCompleted)).Inc()

	status, err := SettleOfferSubtasks(ctx, o.subtasks, run.Task.ID, run.Offer.ID, models.OfferStatusCompleted, "")
	if err != nil || status != models.OfferStatusCompleted {
		log.Error("Offer subtasks do not add up to completion", zap.String("derived_status", string(status)), zap.Error(err))
		return o.finishOffer(ctx, run, models.OfferStatusFailed, models.MessageInternalError)
	}
	if err := o.offers.Complete(ctx, run.Offer.ID, ref); err != nil {
		log.Error("Failed to complete offer", zap.Error(err))
		return o.finishOffer(ctx, run, models.OfferStatusFailed, models.MessageInternalError)
	}
	completed, err := o.tasks.IncrementCompletedOffers(ctx, run.Task.ID)
	if err != nil {
		log.Error("Failed to increment completed offers", zap.Error(err))
	}
	offersTotal.WithLabelValues(string(models.OfferStatusCompleted)).Inc()
	log.Info("Offer completed", zap.String("document_ref", ref), zap.Int("completed_offers", completed))
	o.publish(ctx, run, models.OfferStatusCompleted, models.PhaseRecompose, models.SubtaskStatusCompleted, completed)
	return OfferOutcome{Status: models.OfferStatusCompleted, DocumentRef: ref, CompletedOffers: completed}
}

// finishOffer закрывает вакансию без результата. Статус берется из подзадач,
// want только подсказывает, чем закрыть незавершенные.
func (o *Orchestrator) finishOffer(ctx context.Context, run OfferRun, want models.OfferStatus, message string) OfferOutcome {
	log := o.logger.With(zap.String("task_id", run.Task.ID.String()), zap.String("offer_id", run.Offer.ID.String()))
	status, err := SettleOfferSubtasks(ctx, o.subtasks, run.Task.ID, run.Offer.ID, want, message)
	if err != nil || !status.IsTerminal() || status == models.OfferStatusCompleted {
		log.Error("Failed to derive offer status from subtasks",
			zap.String("want", string(want)),
			zap.String("derived_status", string(status)),
			zap.Error(err),
		)
		status = want
	}
	if status == models.OfferStatusCancelled {
		message = ""
	} else if message == "" {
		message = models.MessageInternalError
	}
	if err := o.offers.Finish(ctx, run.Offer.ID, status, message); err != nil && !errors.Is(err, models.ErrAlreadyTerminal) {
		log.Error("Failed to finish offer", zap.String("status", string(status)), zap.Error(err))
	}
	offersTotal.WithLabelValues(string(status)).Inc()
	o.publish(ctx, run, status, "", "", 0)
	return OfferOutcome{Status: status, ErrorMessage: message}
}

func (o *Orchestrator) publish(ctx context.Context, run OfferRun, offerStatus models.OfferStatus, phase models.PhaseType, subtaskStatus models.SubtaskStatus, completed int) {
	if o.progress == nil {
		return
	}
	offerID := run.Offer.ID
	index := run.Offer.Index
	event := models.ProgressEvent{
		TaskID:          run.Task.ID,
		UserID:          run.Task.UserID,
		TaskStatus:      models.TaskStatusRunning,
		OfferID:         &offerID,
		OfferIndex:      &index,
		OfferStatus:     offerStatus,
		Phase:           phase,
		SubtaskStatus:   subtaskStatus,
		CompletedOffers: completed,
		TotalOffers:     run.Task.TotalOffers,
		Timestamp:       time.Now().UTC(),
	}
	if err := o.progress.Publish(ctx, event); err != nil {
		o.logger.Warn("Failed to publish progress", zap.String("task_id", run.Task.ID.String()), zap.Error(err))
	}
}
