package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"resume-server/internal/cancellation"
	"resume-server/internal/concurrency"
	"resume-server/internal/interfaces"
	"resume-server/internal/ledger"
	"resume-server/internal/memstore"
	"resume-server/internal/models"
	"resume-server/internal/pipeline"
	"resume-server/internal/pricing"
	"resume-server/pkg/taskmanager"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type callRecord struct {
	offerID uuid.UUID
	phase   models.PhaseType
	start   int64
	end     int64
}

// fakeTransformer - управляемый трансформер для тестов.
type fakeTransformer struct {
	mu       sync.Mutex
	seq      int64
	calls    []*callRecord
	active   map[uuid.UUID]int
	maxPar   map[uuid.UUID]int
	failFor  map[string]error // ключ: posting ref + "/" + phase
	blockOn  models.PhaseType
	blockRef string
	started  chan string
	delay    time.Duration

	// afterPhase вызывается после успешной фазы, до возврата результата.
	afterPhase func(ref string, phase models.PhaseType)
}

func newFakeTransformer() *fakeTransformer {
	return &fakeTransformer{
		active:  make(map[uuid.UUID]int),
		maxPar:  make(map[uuid.UUID]int),
		failFor: make(map[string]error),
		started: make(chan string, 256),
		delay:   5 * time.Millisecond,
	}
}

func (f *fakeTransformer) failOn(postingRef string, phase models.PhaseType, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFor[postingRef+"/"+string(phase)] = err
}

func postingOf(in models.PhaseInput) models.Posting {
	switch v := in.(type) {
	case models.ClassifyInput:
		return v.Posting
	case models.SectionInput:
		return v.Posting
	case models.RecomposeInput:
		return v.Posting
	}
	return models.Posting{}
}

func (f *fakeTransformer) Transform(ctx context.Context, req interfaces.TransformRequest) (*interfaces.TransformResult, error) {
	posting := postingOf(req.Input)

	f.mu.Lock()
	f.seq++
	rec := &callRecord{offerID: req.OfferID, phase: req.Phase, start: f.seq}
	f.calls = append(f.calls, rec)
	f.active[req.OfferID]++
	if f.active[req.OfferID] > f.maxPar[req.OfferID] {
		f.maxPar[req.OfferID] = f.active[req.OfferID]
	}
	failErr := f.failFor[posting.Ref+"/"+string(req.Phase)]
	block := f.blockOn != "" && f.blockOn == req.Phase && (f.blockRef == "" || f.blockRef == posting.Ref)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.seq++
		rec.end = f.seq
		f.active[req.OfferID]--
		f.mu.Unlock()
	}()

	select {
	case f.started <- posting.Ref + "/" + string(req.Phase):
	default:
	}

	if block {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %v", models.ErrAborted, ctx.Err())
	}

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", models.ErrAborted, ctx.Err())
	}
	if failErr != nil {
		return nil, failErr
	}
	if f.afterPhase != nil {
		f.afterPhase(posting.Ref, req.Phase)
	}

	res := &interfaces.TransformResult{Model: "test-model", PromptTokens: 100, CachedTokens: 20, CompletionTokens: 50}
	switch in := req.Input.(type) {
	case models.ClassifyInput:
		res.Output = models.ClassifyOutput{Role: in.Posting.Title, Keywords: []string{"go", "postgres"}}
	case models.SectionInput:
		content, _ := json.Marshal(map[string]any{"section": in.Section, "role": in.Classification.Role, "prior": len(in.Prior)})
		res.Output = models.SectionOutput{Section: in.Section, Content: content}
	case models.RecomposeInput:
		doc, _ := json.Marshal(map[string]any{"title": in.Posting.Title, "sections": len(in.Sections)})
		res.Output = models.RecomposeOutput{Document: doc}
	}
	return res, nil
}

// waitStarted ждет начала вызова фазы для вакансии.
func (f *fakeTransformer) waitStarted(t *testing.T, ref string, phase models.PhaseType) {
	t.Helper()
	want := ref + "/" + string(phase)
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-f.started:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("phase %s was not started", want)
		}
	}
}

func (f *fakeTransformer) callsFor(offerID uuid.UUID) []callRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []callRecord
	for _, c := range f.calls {
		if c.offerID == offerID {
			out = append(out, *c)
		}
	}
	return out
}

func (f *fakeTransformer) maxParallel(offerID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxPar[offerID]
}

// failingDocuments отказывает при сохранении результата.
type failingDocuments struct {
	*memstore.DocumentStore
}

func (d failingDocuments) SaveGenerated(ctx context.Context, userID string, offerID uuid.UUID, document json.RawMessage) (string, error) {
	return "", fmt.Errorf("disk full")
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (s *recordingSink) Publish(ctx context.Context, event models.ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type harness struct {
	store       *memstore.Store
	ledger      *ledger.Service
	gate        *concurrency.MemoryGate
	registry    *cancellation.Registry
	queue       *taskmanager.Manager
	runner      *pipeline.Runner
	transformer *fakeTransformer
	sink        *recordingSink
}

func newHarness(t *testing.T, tr *fakeTransformer, failSave bool) *harness {
	t.Helper()
	store := memstore.New()
	var documents interfaces.DocumentStore = store.Documents()
	if failSave {
		documents = failingDocuments{store.Documents()}
	}
	logger := zap.NewNop()
	h := &harness{
		store:       store,
		ledger:      ledger.New(store.Ledger(), ledger.Config{}, logger),
		gate:        concurrency.NewMemoryGate(),
		registry:    cancellation.NewRegistry(),
		queue:       taskmanager.New(taskmanager.Config{}),
		transformer: tr,
		sink:        &recordingSink{},
	}
	orch := pipeline.NewOrchestrator(store.Tasks(), store.Offers(), store.Subtasks(), tr, pricing.DefaultTable(), documents, h.sink, logger)
	h.runner = pipeline.NewRunner(store.Tasks(), store.Offers(), documents, h.ledger, h.gate, h.registry, h.queue, orch, h.sink, logger)
	t.Cleanup(h.queue.Close)
	return h
}

// createTask повторяет шаги сервиса: слот, списание, создание записей, хендл отмены.
func (h *harness) createTask(t *testing.T, userID string, refs ...string) (*models.Task, []*models.Offer) {
	t.Helper()
	ctx := context.Background()
	mode := models.ModeAdapt

	ok, err := h.gate.TryAcquire(ctx, userID, mode.TaskKind())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.ledger.Grant(ctx, userID, mode.FeatureKind(), int64(len(refs))))
	debit, err := h.ledger.TryDebit(ctx, userID, mode.FeatureKind(), len(refs))
	require.NoError(t, err)
	require.True(t, debit.OK)

	require.NoError(t, h.store.Documents().PutSource(context.Background(), userID, "resume-1", json.RawMessage(`{"experience":[],"skills":["go"]}`)))

	task := &models.Task{
		ID:                uuid.New(),
		UserID:            userID,
		SourceDocumentRef: "resume-1",
		Mode:              mode,
		Status:            models.TaskStatusPending,
		TotalOffers:       len(refs),
		CreditsDebited:    int64(len(refs)) * debit.UnitCost,
	}
	offers := make([]*models.Offer, 0, len(refs))
	for i, ref := range refs {
		txID := debit.TransactionIDs[i]
		offers = append(offers, &models.Offer{
			ID:                 uuid.New(),
			TaskID:             task.ID,
			Index:              i,
			Posting:            models.Posting{Ref: ref, Title: "Engineer " + ref, Description: "Go developer"},
			Status:             models.OfferStatusPending,
			DebitTransactionID: &txID,
			CreditsCost:        debit.UnitCost,
		})
	}
	require.NoError(t, h.store.Tasks().CreateWithOffers(ctx, task, offers))
	for _, o := range offers {
		id := o.ID
		require.NoError(t, h.ledger.Link(ctx, *o.DebitTransactionID, task.ID, &id))
	}
	h.registry.Register(task.ID)
	return task, offers
}

// assertCreditsBalanced проверяет, что стоимость вакансий сходится с учетом задачи.
func (h *harness) assertCreditsBalanced(t *testing.T, taskID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	task, err := h.store.Tasks().GetByID(ctx, taskID)
	require.NoError(t, err)
	offers, err := h.store.Offers().ListByTaskID(ctx, taskID)
	require.NoError(t, err)
	var costs int64
	for _, o := range offers {
		costs += o.CreditsCost
		if o.Refunded {
			require.Zero(t, o.CreditsCost, "refunded offer %d still carries its cost", o.Index)
		}
	}
	require.Equal(t, task.CreditsDebited-task.CreditsRefunded, costs)
}

// assertOfferStatusDerived проверяет, что статус вакансии совпадает с выведенным из подзадач.
func (h *harness) assertOfferStatusDerived(t *testing.T, offerID uuid.UUID) []*models.Subtask {
	t.Helper()
	ctx := context.Background()
	offer, err := h.store.Offers().GetByID(ctx, offerID)
	require.NoError(t, err)
	subtasks, err := h.store.Subtasks().ListByOfferID(ctx, offerID)
	require.NoError(t, err)
	require.Equal(t, pipeline.DeriveOfferStatus(subtasks), offer.Status)
	return subtasks
}

func (h *harness) wait(t *testing.T, taskID uuid.UUID) models.TaskStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status, err := h.runner.Wait(ctx, taskID)
	require.NoError(t, err)
	return status
}
