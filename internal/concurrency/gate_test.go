package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"resume-server/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGate(t *testing.T) {
	ctx := context.Background()

	t.Run("Second acquire for the same user and kind is rejected", func(t *testing.T) {
		g := NewMemoryGate()
		ok, err := g.TryAcquire(ctx, "u1", models.ModeAdapt.TaskKind())
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = g.TryAcquire(ctx, "u1", models.ModeAdapt.TaskKind())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Different kind or user is independent", func(t *testing.T) {
		g := NewMemoryGate()
		ok, _ := g.TryAcquire(ctx, "u1", models.ModeAdapt.TaskKind())
		require.True(t, ok)

		ok, _ = g.TryAcquire(ctx, "u1", models.ModeRebuild.TaskKind())
		assert.True(t, ok)
		ok, _ = g.TryAcquire(ctx, "u2", models.ModeAdapt.TaskKind())
		assert.True(t, ok)
	})

	t.Run("Release frees the slot", func(t *testing.T) {
		g := NewMemoryGate()
		kind := models.ModeAdapt.TaskKind()
		ok, _ := g.TryAcquire(ctx, "u1", kind)
		require.True(t, ok)
		require.NoError(t, g.Release(ctx, "u1", kind))
		assert.False(t, g.Held("u1", kind))

		ok, _ = g.TryAcquire(ctx, "u1", kind)
		assert.True(t, ok)
	})

	t.Run("Concurrent acquires admit exactly one", func(t *testing.T) {
		g := NewMemoryGate()
		var (
			wg      sync.WaitGroup
			granted atomic.Int32
		)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ok, _ := g.TryAcquire(ctx, "u1", models.ModeAdapt.TaskKind()); ok {
					granted.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), granted.Load())
	})
}
