package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, panic recovery, graceful shutdown
// ============================================================================

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/ai-orchestrator/pkg/types"
)

func completedTask(id string) Task {
	return Task{
		ID:  types.JobID(id),
		Run: func() types.JobState { return types.StateCompleted },
	}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

// TestPoolStart tests starting Worker Pool
func TestPoolStart(t *testing.T) {
	pool := NewPool(10)

	require.NoError(t, pool.Start(8))
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	assert.Error(t, pool.Start(4))

	pool.Stop()
}

func TestPoolStartRejectsZeroWorkers(t *testing.T) {
	assert.Error(t, NewPool(1).Start(0))
}

// TestWorkerExecution tests that every task yields one result with its state
func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))

	taskCount := 10
	for i := 0; i < taskCount; i++ {
		state := types.StateCompleted
		if i%2 == 1 {
			state = types.StateFailed
		}
		require.NoError(t, pool.Submit(Task{
			ID:  types.JobID(fmt.Sprintf("task-%d", i)),
			Run: func() types.JobState { return state },
		}))
	}

	results := make(map[types.JobID]Result)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.JobID] = result
	}

	assert.Len(t, results, taskCount)
	assert.Equal(t, types.StateCompleted, results["task-0"].State)
	assert.Equal(t, types.StateFailed, results["task-1"].State)
	assert.NoError(t, results["task-0"].Err)

	pool.Stop()
}

// TestPanicRecovery tests that a panicking task is reported and the worker survives
func TestPanicRecovery(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{
		ID:  "boom",
		Run: func() types.JobState { panic("orchestrator exploded") },
	}))
	require.NoError(t, pool.Submit(completedTask("after")))

	first, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.Equal(t, types.JobID("boom"), first.JobID)
	assert.True(t, errors.Is(first.Err, ErrTaskPanicked))
	assert.Contains(t, first.Err.Error(), "orchestrator exploded")
	assert.Empty(t, first.State)

	second, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, second.State)
}

// TestDuration tests that the result carries the run time
func TestDuration(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{
		ID: "slow",
		Run: func() types.JobState {
			time.Sleep(20 * time.Millisecond)
			return types.StateCompleted
		},
	}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Duration, 20*time.Millisecond)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestConcurrencyBound tests that no more than workerCount tasks run at once
func TestConcurrencyBound(t *testing.T) {
	pool := NewPool(100)
	workerCount := 4
	taskCount := 40
	require.NoError(t, pool.Start(workerCount))

	var running, peak int32
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(Task{
			ID: types.JobID(fmt.Sprintf("task-%d", i)),
			Run: func() types.JobState {
				n := atomic.AddInt32(&running, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return types.StateCompleted
			},
		}))
	}

	for i := 0; i < taskCount; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(workerCount))
	pool.Stop()
}

// TestConcurrentSubmit tests concurrent job submission
func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(100)
	require.NoError(t, pool.Start(4))

	taskCount := 50
	var wg sync.WaitGroup
	wg.Add(taskCount)

	for i := 0; i < taskCount; i++ {
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, pool.Submit(completedTask(fmt.Sprintf("task-%d", index))))
		}(i)
	}

	wg.Wait()

	for i := 0; i < taskCount; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}

	pool.Stop()
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

// TestGracefulShutdown tests that queued tasks still run and results drain after Stop
func TestGracefulShutdown(t *testing.T) {
	pool := NewPool(50)
	require.NoError(t, pool.Start(4))

	taskCount := 50
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(completedTask(fmt.Sprintf("task-%d", i))))
	}

	received := 0
	for i := 0; i < 10; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
		received++
	}

	pool.Stop()

	for {
		_, err := pool.ReceiveResult()
		if err != nil {
			assert.Equal(t, ErrPoolClosed, err)
			break
		}
		received++
	}
	assert.Equal(t, taskCount, received)
}

// TestStopUnblocksSubmit tests that a Submit waiting on a full queue returns on Stop
func TestStopUnblocksSubmit(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))

	release := make(chan struct{})
	started := make(chan struct{})
	blocking := Task{ID: "blocking", Run: func() types.JobState {
		close(started)
		<-release
		return types.StateCompleted
	}}
	require.NoError(t, pool.Submit(blocking))
	<-started
	require.NoError(t, pool.Submit(completedTask("queued"))) // fills the buffer

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Submit(completedTask("waiting")) }()

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()

	select {
	case err := <-errCh:
		assert.Equal(t, ErrPoolClosed, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Submit still blocked after Stop")
	}

	close(release)
	drained := 0
	for {
		if _, err := pool.ReceiveResult(); err != nil {
			break
		}
		drained++
	}
	<-stopped
	assert.Equal(t, 2, drained)
}

// TestStopBeforeStart tests stopping before starting
func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10)
	assert.NotPanics(t, func() {
		pool.Stop()
	})
}

// TestSubmitAfterStop tests submitting jobs after shutdown
func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))

	pool.Stop()

	err := pool.Submit(completedTask("task-after-stop"))
	assert.Equal(t, ErrPoolClosed, err)
}

// TestSubmitBeforeStart tests submitting jobs before starting
func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10)
	err := pool.Submit(completedTask("task-before-start"))
	assert.Equal(t, ErrPoolNotStarted, err)
}

// TestReceiveResultAfterStop tests receiving results after shutdown
func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))

	pool.Stop()

	_, err := pool.ReceiveResult()
	assert.Equal(t, ErrPoolClosed, err)
}

// ============================================================================
// Benchmark Tests
// ============================================================================

// BenchmarkPoolThroughput tests throughput
func BenchmarkPoolThroughput(b *testing.B) {
	pool := NewPool(1000)
	_ = pool.Start(8)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := pool.ReceiveResult(); err != nil {
				return
			}
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pool.Submit(completedTask(fmt.Sprintf("task-%d", i)))
	}
	b.StopTimer()

	pool.Stop()
	<-done
}
