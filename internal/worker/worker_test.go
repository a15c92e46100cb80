package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify persistence calls, timeouts, concurrency, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/gearguard-board/internal/boarderr"
	"github.com/ChuLiYu/gearguard-board/pkg/types"
)

// fakePersister records calls and optionally rejects or blocks
type fakePersister struct {
	mu      sync.Mutex
	calls   map[types.RequestID]types.Status
	reject  map[types.RequestID]bool
	delay   time.Duration
	panicOn types.RequestID
	active  atomic.Int32
	peak    atomic.Int32
}

func newFakePersister() *fakePersister {
	return &fakePersister{
		calls:  make(map[types.RequestID]types.Status),
		reject: make(map[types.RequestID]bool),
	}
}

func (f *fakePersister) PersistStatus(ctx context.Context, id types.RequestID, status types.Status) error {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	if f.panicOn != 0 && id == f.panicOn {
		panic("boom")
	}

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.delay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id] = status
	if f.reject[id] {
		return fmt.Errorf("status 422: %w", boarderr.ErrPersistenceRejected)
	}
	return nil
}

func task(id int64, status types.Status) Task {
	return Task{
		Mutation: types.PendingMutation{
			ID:             fmt.Sprintf("m-%d", id),
			RequestID:      types.RequestID(id),
			ProposedStatus: status,
		},
		Timeout: time.Second,
	}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool(newFakePersister(), 10, nil)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

// TestPoolStart tests starting Worker Pool
func TestPoolStart(t *testing.T) {
	pool := NewPool(newFakePersister(), 10, nil)

	err := pool.Start(4)
	require.NoError(t, err)
	assert.Equal(t, 4, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	err = pool.Start(2)
	assert.Error(t, err)

	pool.Stop()
}

// TestSubmitBeforeStart tests submitting to an idle pool
func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(newFakePersister(), 10, nil)
	assert.ErrorIs(t, pool.Submit(task(1, types.StatusScrap)), ErrPoolNotStarted)
}

// TestPersistSuccess tests a mutation accepted by the server
func TestPersistSuccess(t *testing.T) {
	persister := newFakePersister()
	pool := NewPool(persister, 10, nil)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(task(7, types.StatusInProgress)))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.True(t, result.Success())
	assert.Equal(t, "m-7", result.Mutation.ID)
	assert.Equal(t, types.StatusInProgress, persister.calls[7])
}

// TestPersistRejected tests a mutation rejected by the server
func TestPersistRejected(t *testing.T) {
	persister := newFakePersister()
	persister.reject[3] = true
	pool := NewPool(persister, 10, nil)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(task(3, types.StatusRepaired)))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success())
	assert.ErrorIs(t, result.Err, boarderr.ErrPersistenceRejected)
}

// TestTimeout tests the per-task timeout
func TestTimeout(t *testing.T) {
	persister := newFakePersister()
	persister.delay = time.Second
	pool := NewPool(persister, 10, nil)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	tk := task(1, types.StatusScrap)
	tk.Timeout = 5 * time.Millisecond
	require.NoError(t, pool.Submit(tk))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
}

// TestDefaultTimeout tests that a zero timeout is replaced
func TestDefaultTimeout(t *testing.T) {
	pool := NewPool(newFakePersister(), 10, nil)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	tk := task(1, types.StatusScrap)
	tk.Timeout = 0
	require.NoError(t, pool.Submit(tk))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.NoError(t, result.Err)
}

// TestPersisterPanicIsRecovered tests panic isolation
func TestPersisterPanicIsRecovered(t *testing.T) {
	persister := newFakePersister()
	persister.panicOn = 9
	pool := NewPool(persister, 10, nil)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(task(9, types.StatusNew)))
	require.NoError(t, pool.Submit(task(10, types.StatusNew)))

	first, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.Error(t, first.Err)
	assert.Contains(t, first.Err.Error(), "panic")

	second, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.NoError(t, second.Err)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestConcurrency tests parallel persistence across workers
func TestConcurrency(t *testing.T) {
	persister := newFakePersister()
	persister.delay = 20 * time.Millisecond
	pool := NewPool(persister, 50, nil)
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	taskCount := 20
	for i := 1; i <= taskCount; i++ {
		require.NoError(t, pool.Submit(task(int64(i), types.StatusInProgress)))
	}

	seen := make(map[string]bool)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		seen[result.Mutation.ID] = true
	}

	assert.Len(t, seen, taskCount)
	assert.Greater(t, persister.peak.Load(), int32(1), "workers should run in parallel")
}

// ============================================================================
// Shutdown Tests
// ============================================================================

// TestStop tests graceful shutdown
func TestStop(t *testing.T) {
	pool := NewPool(newFakePersister(), 10, nil)
	require.NoError(t, pool.Start(2))

	pool.Stop()

	assert.ErrorIs(t, pool.Submit(task(1, types.StatusNew)), ErrPoolClosed)
	_, err := pool.ReceiveResult()
	assert.ErrorIs(t, err, ErrPoolClosed)

	// 重複 Stop 不應 panic
	assert.NotPanics(t, pool.Stop)
}

// TestStopWithoutStart tests stopping an idle pool
func TestStopWithoutStart(t *testing.T) {
	pool := NewPool(newFakePersister(), 10, nil)
	assert.NotPanics(t, pool.Stop)
}

// TestSubmitRacingStop tests that Submit and Stop can race safely
func TestSubmitRacingStop(t *testing.T) {
	persister := newFakePersister()
	pool := NewPool(persister, 1, nil)
	require.NoError(t, pool.Start(1))

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			err := pool.Submit(task(id, types.StatusScrap))
			if err != nil {
				assert.True(t, errors.Is(err, ErrPoolClosed))
			}
		}(int64(i))
	}

	time.Sleep(5 * time.Millisecond)
	pool.Stop()
	wg.Wait()
}
