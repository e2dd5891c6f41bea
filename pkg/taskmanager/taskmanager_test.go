package taskmanager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitAndWait(t *testing.T) {
	m := New(Config{})
	defer m.Close()
	ctx := context.Background()

	t.Run("Completed job", func(t *testing.T) {
		var ran atomic.Bool
		id, err := m.Submit(ctx, "ok", func(ctx context.Context) error {
			ran.Store(true)
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, m.Wait(ctx, id))
		assert.True(t, ran.Load())

		job, err := m.GetJob(id)
		require.NoError(t, err)
		assert.Equal(t, JobStatusCompleted, job.Status)
	})

	t.Run("Failed job returns its error", func(t *testing.T) {
		boom := errors.New("boom")
		id, err := m.Submit(ctx, "fail", func(ctx context.Context) error { return boom })
		require.NoError(t, err)
		assert.ErrorIs(t, m.Wait(ctx, id), boom)

		job, _ := m.GetJob(id)
		assert.Equal(t, JobStatusFailed, job.Status)
	})

	t.Run("Panic is reported as failure", func(t *testing.T) {
		id, err := m.Submit(ctx, "panic", func(ctx context.Context) error { panic("oops") })
		require.NoError(t, err)
		assert.Error(t, m.Wait(ctx, id))

		job, _ := m.GetJob(id)
		assert.Equal(t, JobStatusFailed, job.Status)
	})

	t.Run("Unknown job", func(t *testing.T) {
		_, err := m.GetJob(uuid.New())
		assert.ErrorIs(t, err, ErrJobNotFound)
		assert.ErrorIs(t, m.Wait(ctx, uuid.New()), ErrJobNotFound)
	})
}

func TestSubmitDoesNotBlock(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	release := make(chan struct{})
	start := time.Now()
	ids := make([]uuid.UUID, 0, 100)
	for i := 0; i < 100; i++ {
		id, err := m.Submit(context.Background(), "blocked", func(ctx context.Context) error {
			<-release
			return nil
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 100, m.ActiveCount())

	close(release)
	for _, id := range ids {
		require.NoError(t, m.Wait(context.Background(), id))
	}
	assert.Equal(t, 0, m.ActiveCount())
}

func TestAllQueuedJobsRun(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	var (
		mu   sync.Mutex
		seen = make(map[int]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		_, err := m.Submit(context.Background(), "queued", func(ctx context.Context) error {
			defer wg.Done()
			mu.Lock()
			seen[i] = true
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Len(t, seen, 10)
}

func TestCancelJob(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	id, err := m.Submit(context.Background(), "long", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, _ := m.GetJob(id)
		return job.Status == JobStatusRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.CancelJob(id))
	assert.ErrorIs(t, m.Wait(context.Background(), id), context.Canceled)

	job, _ := m.GetJob(id)
	assert.Equal(t, JobStatusCancelled, job.Status)
	assert.Error(t, m.CancelJob(id))
}

func TestParentContextCancelsJob(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	parent, cancel := context.WithCancel(context.Background())
	id, err := m.Submit(parent, "child", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	cancel()
	assert.ErrorIs(t, m.Wait(context.Background(), id), context.Canceled)
}

func TestCallbacks(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	release := make(chan struct{})
	id, err := m.Submit(context.Background(), "cb", func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	statuses := make(chan JobStatus, 4)
	require.NoError(t, m.RegisterCallback(id, func(job Job) { statuses <- job.Status }))
	close(release)
	require.NoError(t, m.Wait(context.Background(), id))

	assert.Eventually(t, func() bool {
		for {
			select {
			case s := <-statuses:
				if s == JobStatusCompleted {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)
}

func TestCleanupJobs(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	id, err := m.Submit(context.Background(), "done", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	require.NoError(t, m.Wait(context.Background(), id))

	assert.Equal(t, 0, m.CleanupJobs(time.Hour))
	assert.Equal(t, 1, m.CleanupJobs(0))
	_, err = m.GetJob(id)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestShutdown(t *testing.T) {
	m := New(Config{})

	var finished atomic.Int32
	for i := 0; i < 5; i++ {
		_, err := m.Submit(context.Background(), "work", func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			finished.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, int32(5), finished.Load())

	_, err := m.Submit(context.Background(), "late", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestCloseCancelsRunningJobs(t *testing.T) {
	m := New(Config{})

	var cancelled atomic.Bool
	_, err := m.Submit(context.Background(), "long", func(ctx context.Context) error {
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	})
	require.NoError(t, err)

	m.Close()
	assert.True(t, cancelled.Load())
}
