package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"resume-server/internal/ledger"
	"resume-server/internal/memstore"
	"resume-server/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLedger(t *testing.T) (*ledger.Service, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	svc := ledger.New(store.Ledger(), ledger.Config{
		UnitCosts: map[models.FeatureKind]int64{models.FeatureRebuildOffer: 3},
	}, zap.NewNop())
	return svc, store
}

func TestTryDebit(t *testing.T) {
	ctx := context.Background()

	t.Run("Debits one transaction per offer", func(t *testing.T) {
		svc, _ := newLedger(t)
		require.NoError(t, svc.Grant(ctx, "user-1", models.FeatureAdaptOffer, 5))

		res, err := svc.TryDebit(ctx, "user-1", models.FeatureAdaptOffer, 3)
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.Len(t, res.TransactionIDs, 3)
		assert.Equal(t, int64(1), res.UnitCost)

		balance, err := svc.Balance(ctx, "user-1", models.FeatureAdaptOffer)
		require.NoError(t, err)
		assert.Equal(t, int64(2), balance)
	})

	t.Run("Insufficient balance debits nothing", func(t *testing.T) {
		svc, _ := newLedger(t)
		require.NoError(t, svc.Grant(ctx, "user-1", models.FeatureRebuildOffer, 5))

		// 2 вакансии * 3 кредита > 5
		res, err := svc.TryDebit(ctx, "user-1", models.FeatureRebuildOffer, 2)
		require.NoError(t, err)
		assert.False(t, res.OK)
		require.NotNil(t, res.Rejection)
		assert.Equal(t, models.RejectionInsufficientBalance, res.Rejection.Code)
		assert.Equal(t, models.ActionBuyCredits, res.Rejection.Action)
		assert.Empty(t, res.TransactionIDs)

		balance, err := svc.Balance(ctx, "user-1", models.FeatureRebuildOffer)
		require.NoError(t, err)
		assert.Equal(t, int64(5), balance)
	})

	t.Run("Missing account suggests upgrade", func(t *testing.T) {
		svc, _ := newLedger(t)
		res, err := svc.TryDebit(ctx, "nobody", models.FeatureAdaptOffer, 1)
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Equal(t, models.ActionUpgrade, res.Rejection.Action)
	})

	t.Run("Non-positive count is invalid input", func(t *testing.T) {
		svc, _ := newLedger(t)
		_, err := svc.TryDebit(ctx, "user-1", models.FeatureAdaptOffer, 0)
		assert.ErrorIs(t, err, models.ErrInvalidInput)
	})

	t.Run("Concurrent debits never overdraw", func(t *testing.T) {
		svc, _ := newLedger(t)
		require.NoError(t, svc.Grant(ctx, "user-1", models.FeatureAdaptOffer, 10))

		var (
			wg sync.WaitGroup
			mu sync.Mutex
			ok int
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := svc.TryDebit(ctx, "user-1", models.FeatureAdaptOffer, 1)
				if err == nil && res.OK {
					mu.Lock()
					ok++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 10, ok)
		balance, err := svc.Balance(ctx, "user-1", models.FeatureAdaptOffer)
		require.NoError(t, err)
		assert.Equal(t, int64(0), balance)
	})
}

func TestRefund(t *testing.T) {
	ctx := context.Background()

	t.Run("Refund is idempotent", func(t *testing.T) {
		svc, _ := newLedger(t)
		require.NoError(t, svc.Grant(ctx, "user-1", models.FeatureAdaptOffer, 2))
		res, err := svc.TryDebit(ctx, "user-1", models.FeatureAdaptOffer, 2)
		require.NoError(t, err)
		require.True(t, res.OK)

		first, err := svc.Refund(ctx, res.TransactionIDs[0])
		require.NoError(t, err)
		assert.False(t, first.AlreadyRefunded)
		assert.Equal(t, int64(1), first.Amount)

		second, err := svc.Refund(ctx, res.TransactionIDs[0])
		require.NoError(t, err)
		assert.True(t, second.AlreadyRefunded)
		assert.Equal(t, first.RefundID, second.RefundID)

		balance, err := svc.Balance(ctx, "user-1", models.FeatureAdaptOffer)
		require.NoError(t, err)
		assert.Equal(t, int64(1), balance)
	})

	t.Run("Unknown transaction", func(t *testing.T) {
		svc, _ := newLedger(t)
		_, err := svc.Refund(ctx, uuid.New())
		assert.True(t, errors.Is(err, models.ErrNotFound))
	})

	t.Run("RefundAll refunds only linked and not yet refunded debits", func(t *testing.T) {
		svc, _ := newLedger(t)
		require.NoError(t, svc.Grant(ctx, "user-1", models.FeatureAdaptOffer, 3))
		res, err := svc.TryDebit(ctx, "user-1", models.FeatureAdaptOffer, 3)
		require.NoError(t, err)

		taskID := uuid.New()
		offerA, offerB := uuid.New(), uuid.New()
		require.NoError(t, svc.Link(ctx, res.TransactionIDs[0], taskID, &offerA))
		require.NoError(t, svc.Link(ctx, res.TransactionIDs[1], taskID, &offerB))

		_, err = svc.Refund(ctx, res.TransactionIDs[0])
		require.NoError(t, err)

		results, err := svc.RefundAll(ctx, taskID)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, res.TransactionIDs[1], results[0].TransactionID)

		// Третье списание не привязано к задаче и остается списанным
		balance, err := svc.Balance(ctx, "user-1", models.FeatureAdaptOffer)
		require.NoError(t, err)
		assert.Equal(t, int64(2), balance)

		again, err := svc.RefundAll(ctx, taskID)
		require.NoError(t, err)
		assert.Empty(t, again)
	})
}
