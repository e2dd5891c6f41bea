package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"resume-server/internal/cancellation"
	"resume-server/internal/interfaces"
	"resume-server/internal/models"
	"resume-server/pkg/taskmanager"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Runner запускает задачу: загружает исходный документ, ставит вакансии в очередь
// и завершает задачу, когда завершилась последняя вакансия.
type Runner struct {
	tasks        interfaces.TaskRepository
	offers       interfaces.OfferRepository
	documents    interfaces.DocumentStore
	ledger       interfaces.Ledger
	gate         interfaces.ConcurrencyGate
	registry     *cancellation.Registry
	queue        taskmanager.IManager
	orchestrator *Orchestrator
	progress     interfaces.ProgressSink
	logger       *zap.Logger

	runs sync.Map // uuid.UUID -> *taskRun
}

var _ interfaces.TaskScheduler = (*Runner)(nil)

// NewRunner создает Runner.
func NewRunner(
	tasks interfaces.TaskRepository,
	offers interfaces.OfferRepository,
	documents interfaces.DocumentStore,
	ledger interfaces.Ledger,
	gate interfaces.ConcurrencyGate,
	registry *cancellation.Registry,
	queue taskmanager.IManager,
	orchestrator *Orchestrator,
	progress interfaces.ProgressSink,
	logger *zap.Logger,
) *Runner {
	return &Runner{
		tasks:        tasks,
		offers:       offers,
		documents:    documents,
		ledger:       ledger,
		gate:         gate,
		registry:     registry,
		queue:        queue,
		orchestrator: orchestrator,
		progress:     progress,
		logger:       logger.Named("Runner"),
	}
}

// taskRun - состояние выполнения одной задачи в процессе.
type taskRun struct {
	task   *models.Task
	offers []*models.Offer
	handle *cancellation.Handle

	remaining atomic.Int32
	completed atomic.Int32
	failed    atomic.Int32
	cancelled atomic.Int32

	setupFailed atomic.Bool
	finalize    sync.Once
	done        chan struct{}
	status      models.TaskStatus
}

// Start ставит задачу в очередь. Хендл отмены задачи должен быть зарегистрирован заранее,
// иначе он создается здесь. Ошибка означает, что задача не была запущена.
func (r *Runner) Start(task *models.Task, offers []*models.Offer) error {
	if len(offers) == 0 {
		return fmt.Errorf("task %s has no offers: %w", task.ID, models.ErrInvalidInput)
	}
	handle, ok := r.registry.Get(task.ID)
	if !ok {
		handle = r.registry.Register(task.ID)
	}
	run := &taskRun{task: task, offers: offers, handle: handle, done: make(chan struct{})}
	run.remaining.Store(int32(len(offers)))
	if _, loaded := r.runs.LoadOrStore(task.ID, run); loaded {
		return fmt.Errorf("task %s is already running", task.ID)
	}

	if _, err := r.queue.Submit(handle.Context(), "task:"+task.ID.String(), func(ctx context.Context) error {
		return r.runTask(ctx, run)
	}); err != nil {
		r.runs.Delete(task.ID)
		return fmt.Errorf("failed to enqueue task %s: %w", task.ID, err)
	}
	r.logger.Info("Task enqueued", zap.String("task_id", task.ID.String()), zap.Int("offers", len(offers)))
	return nil
}

// Wait ждет завершения задачи, запущенной этим Runner, и возвращает ее конечный статус.
func (r *Runner) Wait(ctx context.Context, taskID uuid.UUID) (models.TaskStatus, error) {
	v, ok := r.runs.Load(taskID)
	if !ok {
		return "", fmt.Errorf("task %s is not running in this process: %w", taskID, models.ErrNotFound)
	}
	run := v.(*taskRun)
	select {
	case <-run.done:
		return run.status, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// runTask - шаг подготовки: загрузка исходного документа и постановка вакансий в очередь.
func (r *Runner) runTask(ctx context.Context, run *taskRun) error {
	log := r.logger.With(zap.String("task_id", run.task.ID.String()), zap.String("user_id", run.task.UserID))

	source, err := r.documents.LoadSource(ctx, run.task.UserID, run.task.SourceDocumentRef)
	if err != nil {
		if ctx.Err() != nil {
			log.Info("Task cancelled during setup")
			for _, offer := range run.offers {
				r.settleOffer(run, offer, OfferOutcome{Status: models.OfferStatusCancelled})
			}
			return ctx.Err()
		}
		log.Error("Failed to load source document", zap.Error(err))
		run.setupFailed.Store(true)
		for _, offer := range run.offers {
			r.settleOffer(run, offer, OfferOutcome{Status: models.OfferStatusFailed, ErrorMessage: models.MessageSetupFailed})
		}
		return fmt.Errorf("failed to load source document: %w", err)
	}

	for _, offer := range run.offers {
		offer := offer
		handle := r.registry.RegisterChild(run.task.ID, offer.ID)
		_, err := r.queue.Submit(handle.Context(), "offer:"+offer.ID.String(), func(ctx context.Context) error {
			defer r.registry.Clear(offer.ID)
			outcome := r.orchestrator.RunOffer(cancellation.WithHandle(ctx, handle), OfferRun{
				Task:   run.task,
				Offer:  offer,
				Source: source,
			})
			r.offerDone(run, offer, outcome)
			switch outcome.Status {
			case models.OfferStatusCancelled:
				return context.Canceled
			case models.OfferStatusFailed:
				return fmt.Errorf("offer %s failed: %s", offer.ID, outcome.ErrorMessage)
			}
			return nil
		})
		if err != nil {
			log.Error("Failed to enqueue offer", zap.String("offer_id", offer.ID.String()), zap.Error(err))
			r.registry.Clear(offer.ID)
			r.settleOffer(run, offer, OfferOutcome{Status: models.OfferStatusFailed, ErrorMessage: models.MessageInternalError})
		}
	}
	return nil
}

// settleOffer завершает вакансию, которая не дошла до оркестратора.
func (r *Runner) settleOffer(run *taskRun, offer *models.Offer, outcome OfferOutcome) {
	ctx := context.Background()
	r.registry.Clear(offer.ID)
	status, err := SettleOfferSubtasks(ctx, r.orchestrator.subtasks, run.task.ID, offer.ID, outcome.Status, outcome.ErrorMessage)
	if err != nil {
		r.logger.Error("Failed to record offer outcome in subtasks", zap.String("offer_id", offer.ID.String()), zap.Error(err))
	} else {
		outcome.Status = status
	}
	if err := r.offers.Finish(ctx, offer.ID, outcome.Status, outcome.ErrorMessage); err != nil && !errors.Is(err, models.ErrAlreadyTerminal) {
		r.logger.Error("Failed to finish offer", zap.String("offer_id", offer.ID.String()), zap.Error(err))
	}
	offersTotal.WithLabelValues(string(outcome.Status)).Inc()
	r.offerDone(run, offer, outcome)
}

// offerDone учитывает итог вакансии, возвращает кредиты за вакансию без результата
// и завершает задачу после последней вакансии.
func (r *Runner) offerDone(run *taskRun, offer *models.Offer, outcome OfferOutcome) {
	switch outcome.Status {
	case models.OfferStatusCompleted:
		run.completed.Add(1)
	case models.OfferStatusCancelled:
		run.cancelled.Add(1)
		r.refundOffer(run, offer)
	default:
		run.failed.Add(1)
		r.refundOffer(run, offer)
	}
	if run.remaining.Add(-1) == 0 {
		r.finalize(run)
	}
}

func (r *Runner) refundOffer(run *taskRun, offer *models.Offer) {
	ctx := context.Background()
	log := r.logger.With(zap.String("task_id", run.task.ID.String()), zap.String("offer_id", offer.ID.String()))

	if offer.DebitTransactionID != nil {
		if _, err := r.ledger.Refund(ctx, *offer.DebitTransactionID); err != nil {
			log.Error("Failed to refund offer", zap.Error(err))
			return
		}
	} else if _, err := r.ledger.RefundAll(ctx, offer.ID); err != nil {
		log.Error("Failed to refund offer debits", zap.Error(err))
		return
	}

	cost := offer.CreditsCost
	// MarkRefunded переносит стоимость вакансии в credits_refunded задачи.
	marked, err := r.offers.MarkRefunded(ctx, offer.ID)
	if err != nil {
		log.Error("Failed to mark offer refunded", zap.Error(err))
		return
	}
	log.Info("Offer refunded", zap.Int64("credits", cost), zap.Bool("first_refund", marked))
}

// finalize выполняется ровно один раз на задачу.
func (r *Runner) finalize(run *taskRun) {
	run.finalize.Do(func() {
		ctx := context.Background()
		log := r.logger.With(zap.String("task_id", run.task.ID.String()))

		counts := OfferCounts{
			Completed: int(run.completed.Load()),
			Failed:    int(run.failed.Load()),
			Cancelled: int(run.cancelled.Load()),
		}
		status := DeriveTaskStatus(counts, run.handle.CancelRequested())
		message := ""
		if status == models.TaskStatusFailed {
			message = fmt.Sprintf("all %d offers failed", len(run.offers))
			if run.setupFailed.Load() {
				message = models.MessageSetupFailed
			}
		}

		if err := r.tasks.Finish(ctx, run.task.ID, status, message); err != nil && !errors.Is(err, models.ErrAlreadyTerminal) {
			log.Error("Failed to finish task", zap.Error(err))
		}
		if err := r.gate.Release(ctx, run.task.UserID, run.task.Mode.TaskKind()); err != nil {
			log.Error("Failed to release concurrency slot", zap.Error(err))
		}
		r.registry.Clear(run.task.ID)
		tasksTotal.WithLabelValues(string(status)).Inc()

		log.Info("Task finished",
			zap.String("status", string(status)),
			zap.Int("completed", counts.Completed),
			zap.Int("failed", counts.Failed),
			zap.Int("cancelled", counts.Cancelled),
		)
		if r.progress != nil {
			event := models.ProgressEvent{
				TaskID:          run.task.ID,
				UserID:          run.task.UserID,
				TaskStatus:      status,
				CompletedOffers: counts.Completed,
				TotalOffers:     len(run.offers),
				Timestamp:       time.Now().UTC(),
			}
			if err := r.progress.Publish(ctx, event); err != nil {
				log.Warn("Failed to publish task completion", zap.Error(err))
			}
		}

		run.status = status
		close(run.done)
	})
}

// CleanupFinished удаляет из памяти завершенные задачи и возвращает их число.
func (r *Runner) CleanupFinished() int {
	removed := 0
	r.runs.Range(func(key, value any) bool {
		select {
		case <-value.(*taskRun).done:
			r.runs.Delete(key)
			removed++
		default:
		}
		return true
	})
	return removed
}
