// Package memstore - потокобезопасное хранилище в памяти для задач, вакансий, подзадач,
// журнала кредитов и документов. Используется драйвером STORAGE_DRIVER=memory и в тестах.
// Наружу отдаются только копии, изменять запись можно только под блокировкой.
package memstore

import (
	"encoding/json"
	"sync"

	"resume-server/internal/interfaces"
	"resume-server/internal/models"

	"github.com/google/uuid"
)

// Store хранит все сущности под одним мьютексом, чтобы операции над задачей и ее вакансиями были атомарными.
type Store struct {
	mu sync.Mutex

	tasks      map[uuid.UUID]*models.Task
	taskOrder  []uuid.UUID
	offers     map[uuid.UUID]*models.Offer
	offerOrder []uuid.UUID
	subtasks   map[uuid.UUID]*models.Subtask
	subOrder   []uuid.UUID

	accounts     map[accountKey]*models.CreditAccount
	transactions map[uuid.UUID]*models.CreditTransaction
	txOrder      []uuid.UUID

	sources   map[documentKey]docRecord
	generated map[string]docRecord
}

type accountKey struct {
	userID  string
	feature models.FeatureKind
}

type documentKey struct {
	userID string
	ref    string
}

type docRecord struct {
	userID   string
	document []byte
}

// New создает пустое хранилище.
func New() *Store {
	return &Store{
		tasks:        make(map[uuid.UUID]*models.Task),
		offers:       make(map[uuid.UUID]*models.Offer),
		subtasks:     make(map[uuid.UUID]*models.Subtask),
		accounts:     make(map[accountKey]*models.CreditAccount),
		transactions: make(map[uuid.UUID]*models.CreditTransaction),
		sources:      make(map[documentKey]docRecord),
		generated:    make(map[string]docRecord),
	}
}

// Tasks возвращает репозиторий задач поверх хранилища.
func (s *Store) Tasks() *TaskRepository { return &TaskRepository{s: s} }

// Offers возвращает репозиторий вакансий поверх хранилища.
func (s *Store) Offers() *OfferRepository { return &OfferRepository{s: s} }

// Subtasks возвращает репозиторий подзадач поверх хранилища.
func (s *Store) Subtasks() *SubtaskRepository { return &SubtaskRepository{s: s} }

// Ledger возвращает журнал кредитов поверх хранилища.
func (s *Store) Ledger() *LedgerRepository { return &LedgerRepository{s: s} }

// Documents возвращает хранилище документов.
func (s *Store) Documents() *DocumentStore { return &DocumentStore{s: s} }

var (
	_ interfaces.TaskRepository    = (*TaskRepository)(nil)
	_ interfaces.OfferRepository   = (*OfferRepository)(nil)
	_ interfaces.SubtaskRepository = (*SubtaskRepository)(nil)
	_ interfaces.LedgerRepository  = (*LedgerRepository)(nil)
	_ interfaces.DocumentArchive   = (*DocumentStore)(nil)
)

func copyTask(t *models.Task) *models.Task {
	c := *t
	return &c
}

func copyOffer(o *models.Offer) *models.Offer {
	c := *o
	if o.PartialResults != nil {
		c.PartialResults = make(map[models.PhaseType]json.RawMessage, len(o.PartialResults))
		for k, v := range o.PartialResults {
			c.PartialResults[k] = append([]byte(nil), v...)
		}
	}
	return &c
}

func copySubtask(st *models.Subtask) *models.Subtask {
	c := *st
	c.Input = append([]byte(nil), st.Input...)
	c.Output = append([]byte(nil), st.Output...)
	return &c
}
