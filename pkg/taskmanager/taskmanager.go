// Package taskmanager - очередь фоновых задач внутри процесса.
// Submit никогда не блокируется, задачи запускаются в порядке постановки,
// каждая в своей горутине. Завершение можно дождаться через Wait или Shutdown.
package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrManagerClosed возвращается при постановке задачи после Close/Shutdown.
	ErrManagerClosed = errors.New("task manager is closed")
	// ErrJobNotFound - задача с таким ID не найдена.
	ErrJobNotFound = errors.New("job not found")
)

// IManager определяет интерфейс очереди задач
type IManager interface {
	Submit(ctx context.Context, name string, fn JobFunc) (uuid.UUID, error)
	Wait(ctx context.Context, jobID uuid.UUID) error
	GetJob(jobID uuid.UUID) (*Job, error)
	CancelJob(jobID uuid.UUID) error
	RegisterCallback(jobID uuid.UUID, callback JobCallback) error
	CleanupJobs(age time.Duration) int
	Close()
	Shutdown(ctx context.Context) error
}

var _ IManager = (*Manager)(nil)

// JobStatus представляет статус задачи
type JobStatus string

// Возможные статусы задач
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsFinished сообщает, завершена ли задача.
func (s JobStatus) IsFinished() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobFunc представляет функцию, выполняемую в задаче
type JobFunc func(ctx context.Context) error

// JobCallback вызывается при каждом изменении статуса задачи
type JobCallback func(job Job)

// Job - снимок состояния задачи
type Job struct {
	ID        uuid.UUID
	Name      string
	Status    JobStatus
	Message   string
	Err       error
	CreatedAt time.Time
	UpdatedAt time.Time
}

type job struct {
	Job
	fn     JobFunc
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Config содержит конфигурацию для Manager
type Config struct {
	// QueueHint - начальная емкость очереди
	QueueHint int
}

// Manager управляет фоновыми задачами
type Manager struct {
	mu        sync.RWMutex
	jobs      map[uuid.UUID]*job
	callbacks map[uuid.UUID][]JobCallback
	queue     []*job
	notify    chan struct{}
	closing   chan struct{}
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup
	stopped   chan struct{}
}

// New создает новый экземпляр Manager и запускает диспетчер
func New(cfg Config) *Manager {
	hint := cfg.QueueHint
	if hint <= 0 {
		hint = 16
	}
	m := &Manager{
		jobs:      make(map[uuid.UUID]*job),
		callbacks: make(map[uuid.UUID][]JobCallback),
		queue:     make([]*job, 0, hint),
		notify:    make(chan struct{}, 1),
		closing:   make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go m.dispatch()
	return m
}

// Submit ставит задачу в очередь и сразу возвращает ее ID.
// Контекст задачи наследуется от ctx: отмена ctx отменяет задачу.
func (m *Manager) Submit(ctx context.Context, name string, fn JobFunc) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return uuid.Nil, ErrManagerClosed
	}

	jobCtx, cancel := context.WithCancel(ctx)
	now := time.Now()
	j := &job{
		Job: Job{
			ID:        uuid.New(),
			Name:      name,
			Status:    JobStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
		fn:     fn,
		ctx:    jobCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.jobs[j.ID] = j
	m.queue = append(m.queue, j)
	m.wg.Add(1)

	select {
	case m.notify <- struct{}{}:
	default:
	}

	log.Ctx(ctx).Debug().Str("jobID", j.ID.String()).Str("name", name).Msg("Задача поставлена в очередь")
	return j.ID, nil
}

// dispatch запускает задачи строго в порядке постановки
func (m *Manager) dispatch() {
	defer close(m.stopped)
	for {
		select {
		case <-m.notify:
		case <-m.closing:
			// Запускаем оставшиеся задачи, чтобы они завершились по отмененному контексту
			m.startQueued()
			return
		}
		m.startQueued()
	}
}

func (m *Manager) startQueued() {
	m.mu.Lock()
	batch := m.queue
	m.queue = make([]*job, 0, cap(batch))
	m.mu.Unlock()

	for _, j := range batch {
		go m.runJob(j)
	}
}

// runJob выполняет задачу и обновляет ее статус
func (m *Manager) runJob(j *job) {
	defer m.wg.Done()
	defer close(j.done)
	defer j.cancel()

	ctx := j.ctx
	m.updateStatus(ctx, j, JobStatusRunning, "Задача запущена", nil)

	err := m.safeCall(ctx, j)

	switch {
	case err == nil:
		m.updateStatus(ctx, j, JobStatusCompleted, "Задача успешно выполнена", nil)
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		log.Ctx(ctx).Info().Str("jobID", j.ID.String()).Msg("Контекст задачи был отменен")
		m.updateStatus(ctx, j, JobStatusCancelled, "Задача отменена", err)
	default:
		log.Ctx(ctx).Error().Err(err).Str("jobID", j.ID.String()).Msg("Задача завершилась с ошибкой")
		m.updateStatus(ctx, j, JobStatusFailed, fmt.Sprintf("Ошибка: %v", err), err)
	}
}

func (m *Manager) safeCall(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Ctx(ctx).Error().Interface("panic", r).Str("jobID", j.ID.String()).Msg("Паника в задаче")
			err = fmt.Errorf("job %s panicked: %v", j.Name, r)
		}
	}()
	return j.fn(ctx)
}

// updateStatus обновляет статус задачи и вызывает коллбэки
func (m *Manager) updateStatus(ctx context.Context, j *job, status JobStatus, message string, err error) {
	m.mu.Lock()
	j.Status = status
	j.Message = message
	j.Err = err
	j.UpdatedAt = time.Now()
	snapshot := j.Job
	callbacks := append([]JobCallback(nil), m.callbacks[j.ID]...)
	m.mu.Unlock()

	for _, callback := range callbacks {
		go callback(snapshot)
	}

	log.Ctx(ctx).Debug().
		Str("jobID", j.ID.String()).
		Str("name", j.Name).
		Str("newStatus", string(status)).
		Msg("Статус задачи обновлен")
}

// Wait блокируется до завершения задачи и возвращает ее ошибку
func (m *Manager) Wait(ctx context.Context, jobID uuid.UUID) error {
	m.mu.RLock()
	j, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	select {
	case <-j.done:
		m.mu.RLock()
		defer m.mu.RUnlock()
		return j.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetJob возвращает снимок задачи по ID
func (m *Manager) GetJob(jobID uuid.UUID) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	snapshot := j.Job
	return &snapshot, nil
}

// CancelJob отменяет контекст задачи
func (m *Manager) CancelJob(jobID uuid.UUID) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if j.Status.IsFinished() {
		return fmt.Errorf("невозможно отменить задачу в статусе %s", j.Status)
	}
	j.cancel()
	return nil
}

// RegisterCallback регистрирует функцию обратного вызова для задачи
func (m *Manager) RegisterCallback(jobID uuid.UUID, callback JobCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	m.callbacks[jobID] = append(m.callbacks[jobID], callback)
	return nil
}

// CleanupJobs удаляет завершенные задачи старше age и возвращает их число
func (m *Manager) CleanupJobs(age time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	now := time.Now()
	for id, j := range m.jobs {
		if j.Status.IsFinished() && now.Sub(j.UpdatedAt) > age {
			delete(m.jobs, id)
			delete(m.callbacks, id)
			removed++
		}
	}
	return removed
}

// ActiveCount возвращает число незавершенных задач
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := 0
	for _, j := range m.jobs {
		if !j.Status.IsFinished() {
			active++
		}
	}
	return active
}

func (m *Manager) stopAccepting() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.closing)
	})
}

// Close отменяет все незавершенные задачи и ждет их завершения
func (m *Manager) Close() {
	m.stopAccepting()

	m.mu.RLock()
	for _, j := range m.jobs {
		if !j.Status.IsFinished() {
			j.cancel()
		}
	}
	m.mu.RUnlock()

	<-m.stopped
	m.wg.Wait()
}

// Shutdown перестает принимать задачи и ожидает завершения текущих с таймаутом
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopAccepting()

	done := make(chan struct{})
	go func() {
		<-m.stopped
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("таймаут при ожидании завершения задач")
	}
}
