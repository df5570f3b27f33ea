package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsJobs(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Shutdown()

	var count atomic.Int64
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			count.Add(1)
			return nil
		}))
	}
	pool.Wait()

	assert.Equal(t, int64(10), count.Load())
	assert.Equal(t, int64(10), pool.Metrics().Completed)
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	const size = 3
	pool := NewWorkerPool(size)
	defer pool.Shutdown()

	var current, peak atomic.Int64
	for i := 0; i < 12; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return nil
		}))
	}
	pool.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(size))
}

func TestWorkerPool_ZeroSizeMeansSequential(t *testing.T) {
	pool := NewWorkerPool(0)
	defer pool.Shutdown()

	var mu sync.Mutex
	var order []int
	_, err := pool.Each(context.Background(), 5, func(_ context.Context, i int) error {
		mu.Lock()
		order = append(order, i)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestWorkerPool_PanicRecovery(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		panic("rule interpreter bug")
	}))
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		return errors.New("boom")
	}))
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(2), m.Failed)
	assert.Equal(t, int64(0), m.Active)
}

func TestWorkerPool_SubmitBlockedUntilContextEnds(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}

func TestWorkerPool_EachStopsWhenContextEnds(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	release := make(chan struct{})
	time.AfterFunc(60*time.Millisecond, func() { close(release) })

	var ran atomic.Int64
	next, err := pool.Each(ctx, 3, func(_ context.Context, i int) error {
		ran.Add(1)
		if i == 0 {
			<-release
		}
		return nil
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, next, "jobs after the blocked one never start")
	assert.Equal(t, int64(1), ran.Load())
}

func TestWorkerPool_EachWithDoneContext(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	next, err := pool.Each(ctx, 3, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, next)
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Shutdown()
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)

	next, err := pool.Each(context.Background(), 3, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
	assert.Equal(t, 0, next)
}

func TestWorkerPool_ShutdownWaitsForRunningWork(t *testing.T) {
	pool := NewWorkerPool(2)

	var finished atomic.Bool
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return nil
	}))
	pool.Shutdown()

	assert.True(t, finished.Load())
}
