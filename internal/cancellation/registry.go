// Package cancellation хранит хендлы отмены для задач и вакансий.
// Хендл - это отменяемый контекст плюс внешние процессы, которые нужно завершить при отмене.
// Отмена кооперативная: код генерации сам проверяет контекст между шагами.
package cancellation

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Process - внешний процесс, который завершается при отмене.
type Process interface {
	Terminate()
}

// Handle - хендл отмены одной единицы работы.
type Handle struct {
	id     uuid.UUID
	parent *Handle
	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool

	requested atomic.Bool

	mu      sync.Mutex
	nextID  int
	running map[int]Process
}

func newHandle(parentCtx context.Context, id uuid.UUID, parent *Handle) *Handle {
	ctx, cancel := context.WithCancel(parentCtx)
	h := &Handle{
		id:      id,
		parent:  parent,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[int]Process),
	}
	h.stop = context.AfterFunc(ctx, h.terminateAll)
	return h
}

// ID возвращает идентификатор единицы работы.
func (h *Handle) ID() uuid.UUID { return h.id }

// Context возвращает контекст, который передается во все вызовы генерации.
func (h *Handle) Context() context.Context { return h.ctx }

// CancelRequested сообщает, была ли запрошена отмена этого хендла или родительского.
func (h *Handle) CancelRequested() bool {
	if h.requested.Load() {
		return true
	}
	return h.parent != nil && h.parent.CancelRequested()
}

// AttachProcess регистрирует внешний процесс. Если отмена уже произошла, процесс завершается сразу.
// Возвращаемая функция снимает регистрацию после штатного завершения процесса.
func (h *Handle) AttachProcess(p Process) (detach func()) {
	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		p.Terminate()
		return func() {}
	}
	id := h.nextID
	h.nextID++
	h.running[id] = p
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.running, id)
		h.mu.Unlock()
	}
}

func (h *Handle) requestCancel() {
	h.requested.Store(true)
	h.cancel()
}

func (h *Handle) release() {
	h.stop()
	h.cancel()
}

func (h *Handle) terminateAll() {
	h.mu.Lock()
	procs := make([]Process, 0, len(h.running))
	for id, p := range h.running {
		procs = append(procs, p)
		delete(h.running, id)
	}
	h.mu.Unlock()

	for _, p := range procs {
		p.Terminate()
	}
}

// Registry - реестр хендлов по идентификатору задачи или вакансии.
type Registry struct {
	mu      sync.Mutex
	handles map[uuid.UUID]*Handle
}

// NewRegistry создает пустой реестр.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[uuid.UUID]*Handle)}
}

// Register создает хендл верхнего уровня. Повторная регистрация возвращает существующий хендл.
func (r *Registry) Register(id uuid.UUID) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[id]; ok {
		return h
	}
	h := newHandle(context.Background(), id, nil)
	r.handles[id] = h
	return h
}

// RegisterChild создает хендл, который отменяется вместе с родителем.
// Если родитель не зарегистрирован, хендл создается как самостоятельный.
func (r *Registry) RegisterChild(parentID, id uuid.UUID) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[id]; ok {
		return h
	}
	var h *Handle
	if parent, ok := r.handles[parentID]; ok {
		h = newHandle(parent.ctx, id, parent)
	} else {
		h = newHandle(context.Background(), id, nil)
	}
	r.handles[id] = h
	return h
}

// Get возвращает зарегистрированный хендл.
func (r *Registry) Get(id uuid.UUID) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return h, ok
}

// RequestCancel отменяет хендл: контекст отменяется, внешние процессы завершаются.
// Возвращает false, если хендла нет (работа уже закончилась или не начиналась).
func (r *Registry) RequestCancel(id uuid.UUID) bool {
	r.mu.Lock()
	h, ok := r.handles[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.requestCancel()
	return true
}

// Clear удаляет хендл и освобождает его контекст. Флаг отмены не выставляется.
func (r *Registry) Clear(id uuid.UUID) {
	r.mu.Lock()
	h, ok := r.handles[id]
	delete(r.handles, id)
	r.mu.Unlock()
	if ok {
		h.release()
	}
}

// Len возвращает число активных хендлов.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

type handleKey struct{}

// WithHandle кладет хендл в контекст, чтобы нижние слои могли привязать внешний процесс.
func WithHandle(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

// FromContext достает хендл из контекста.
func FromContext(ctx context.Context) (*Handle, bool) {
	h, ok := ctx.Value(handleKey{}).(*Handle)
	return h, ok && h != nil
}

// AttachProcess привязывает процесс к хендлу из контекста. Без хендла ничего не делает.
func AttachProcess(ctx context.Context, p Process) (detach func()) {
	if h, ok := FromContext(ctx); ok {
		return h.AttachProcess(p)
	}
	return func() {}
}
