package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"resume-server/internal/models"

	"github.com/google/uuid"
)

// LedgerRepository - журнал кредитов в памяти. Проверка баланса и списание выполняются под одной блокировкой.
type LedgerRepository struct{ s *Store }

func (r *LedgerRepository) DebitN(ctx context.Context, userID string, feature models.FeatureKind, unitCost int64, count int) ([]models.CreditTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	acc, ok := r.s.accounts[accountKey{userID, feature}]
	if !ok {
		return nil, models.ErrNotFound
	}
	total := unitCost * int64(count)
	if acc.Balance < total {
		return nil, models.ErrInsufficientBalance
	}

	now := time.Now().UTC()
	acc.Balance -= total
	acc.UpdatedAt = now
	txs := make([]models.CreditTransaction, 0, count)
	for i := 0; i < count; i++ {
		tx := models.CreditTransaction{
			ID:        uuid.New(),
			UserID:    userID,
			Feature:   feature,
			Amount:    -unitCost,
			CreatedAt: now,
		}
		r.s.putTransaction(tx)
		txs = append(txs, tx)
	}
	return txs, nil
}

func (r *LedgerRepository) RefundDebit(ctx context.Context, txID uuid.UUID) (*models.CreditTransaction, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	orig, ok := r.s.transactions[txID]
	if !ok {
		return nil, false, models.ErrNotFound
	}
	if !orig.IsDebit() {
		return nil, false, fmt.Errorf("transaction %s: %w", txID, models.ErrNotADebit)
	}
	if orig.Refunded {
		for _, id := range r.s.txOrder {
			if t := r.s.transactions[id]; t.RefundOf != nil && *t.RefundOf == txID {
				c := *t
				return &c, true, nil
			}
		}
		return nil, true, fmt.Errorf("refund entry for transaction %s is missing", txID)
	}

	acc, ok := r.s.accounts[accountKey{orig.UserID, orig.Feature}]
	if !ok {
		return nil, false, fmt.Errorf("account for transaction %s: %w", txID, models.ErrNotFound)
	}
	now := time.Now().UTC()
	orig.Refunded = true
	acc.Balance += -orig.Amount
	acc.UpdatedAt = now
	refund := models.CreditTransaction{
		ID:        uuid.New(),
		UserID:    orig.UserID,
		Feature:   orig.Feature,
		Amount:    -orig.Amount,
		TaskID:    orig.TaskID,
		OfferID:   orig.OfferID,
		RefundOf:  &orig.ID,
		CreatedAt: now,
	}
	r.s.putTransaction(refund)
	return &refund, false, nil
}

func (r *LedgerRepository) Link(ctx context.Context, txID uuid.UUID, taskID uuid.UUID, offerID *uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	tx, ok := r.s.transactions[txID]
	if !ok {
		return models.ErrNotFound
	}
	tx.TaskID = &taskID
	tx.OfferID = offerID
	return nil
}

func (r *LedgerRepository) ListDebitsByRef(ctx context.Context, refID uuid.UUID) ([]models.CreditTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var result []models.CreditTransaction
	for _, id := range r.s.txOrder {
		tx := r.s.transactions[id]
		if !tx.IsDebit() {
			continue
		}
		if (tx.TaskID != nil && *tx.TaskID == refID) || (tx.OfferID != nil && *tx.OfferID == refID) {
			result = append(result, *tx)
		}
	}
	return result, nil
}

func (r *LedgerRepository) GetAccount(ctx context.Context, userID string, feature models.FeatureKind) (*models.CreditAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	acc, ok := r.s.accounts[accountKey{userID, feature}]
	if !ok {
		return nil, models.ErrNotFound
	}
	c := *acc
	return &c, nil
}

func (r *LedgerRepository) Grant(ctx context.Context, userID string, feature models.FeatureKind, amount int64) (*models.CreditTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := time.Now().UTC()
	key := accountKey{userID, feature}
	acc, ok := r.s.accounts[key]
	if !ok {
		acc = &models.CreditAccount{UserID: userID, Feature: feature}
		r.s.accounts[key] = acc
	}
	acc.Balance += amount
	acc.UpdatedAt = now
	tx := models.CreditTransaction{
		ID:        uuid.New(),
		UserID:    userID,
		Feature:   feature,
		Amount:    amount,
		CreatedAt: now,
	}
	r.s.putTransaction(tx)
	return &tx, nil
}

// ListByUser возвращает записи журнала пользователя в порядке создания.
func (r *LedgerRepository) ListByUser(ctx context.Context, userID string) ([]models.CreditTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var result []models.CreditTransaction
	for _, id := range r.s.txOrder {
		if tx := r.s.transactions[id]; tx.UserID == userID {
			result = append(result, *tx)
		}
	}
	return result, nil
}

// putTransaction вызывается под блокировкой.
func (s *Store) putTransaction(tx models.CreditTransaction) {
	c := tx
	s.transactions[tx.ID] = &c
	s.txOrder = append(s.txOrder, tx.ID)
}

// DocumentStore - документы в памяти.
type DocumentStore struct{ s *Store }

// PutSource сохраняет исходный документ пользователя.
func (d *DocumentStore) PutSource(ctx context.Context, userID, ref string, document json.RawMessage) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	d.s.sources[documentKey{userID, ref}] = docRecord{userID: userID, document: append([]byte(nil), document...)}
	return nil
}

func (d *DocumentStore) LoadSource(ctx context.Context, userID string, ref string) (json.RawMessage, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	rec, ok := d.s.sources[documentKey{userID, ref}]
	if !ok {
		return nil, fmt.Errorf("source document %q: %w", ref, models.ErrNotFound)
	}
	return append(json.RawMessage(nil), rec.document...), nil
}

func (d *DocumentStore) SaveGenerated(ctx context.Context, userID string, offerID uuid.UUID, document json.RawMessage) (string, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	ref := "generated/" + offerID.String()
	d.s.generated[ref] = docRecord{userID: userID, document: append([]byte(nil), document...)}
	return ref, nil
}

// LoadGenerated возвращает готовый документ пользователя по ссылке.
func (d *DocumentStore) LoadGenerated(ctx context.Context, userID string, ref string) (json.RawMessage, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	rec, ok := d.s.generated[ref]
	if !ok || rec.userID != userID {
		return nil, fmt.Errorf("generated document %q: %w", ref, models.ErrNotFound)
	}
	return append(json.RawMessage(nil), rec.document...), nil
}
