// ============================================================================
// GearGuard Performance Test Suite
// ============================================================================
//
// Package: test/integration
// File: performance_test.go
// Functionality: board convergence under concurrent moves and active polling
//
// Test Objectives:
//   1. every optimistic move is persisted and confirmed
//   2. board and server converge once all writes have landed
//   3. no card ever flickers back to its previous column while polls race the writes
//
// Test Environment:
//   - 40 requests, all starting in New
//   - 4 workers
//   - poll interval 5ms, so fetches overlap writes constantly
//
// Notes:
//   - test results affected by system load
//   - throughput is logged, not asserted
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/gearguard-board/internal/server"
	"github.com/ChuLiYu/gearguard-board/pkg/types"
)

const requestCount = 40

// seededTable builds a backend with n requests in New
func seededTable(t testing.TB, n int) *server.Table {
	t.Helper()
	reqs := make([]types.MaintenanceRequest, 0, n)
	for i := 1; i <= n; i++ {
		reqs = append(reqs, types.MaintenanceRequest{
			ID:          types.RequestID(i),
			Subject:     fmt.Sprintf("request-%d", i),
			RequestType: types.RequestCorrective,
			Status:      types.StatusNew,
			Priority:    2,
			Equipment:   types.EquipmentRef{ID: int64(100 + i%5), Name: fmt.Sprintf("Line %d", i%5)},
		})
	}
	table, err := server.NewTable(reqs, true)
	require.NoError(t, err)
	return table
}

// TestConcurrentMovesConverge tests that a burst of moves all land
//
// Test Flow:
//  1. Mount a board with 4 workers over HTTP
//  2. Move every request to In Progress from parallel goroutines
//  3. Await every mutation
//  4. Refresh and compare board with server
func TestConcurrentMovesConverge(t *testing.T) {
	table := seededTable(t, requestCount)
	client := httpBackend(t, table)
	b := mountBoard(t, boardConfig(4), client, client, nil)

	start := time.Now()
	mutations := make(chan types.PendingMutation, requestCount)
	var wg sync.WaitGroup
	for i := 1; i <= requestCount; i++ {
		wg.Add(1)
		go func(id types.RequestID) {
			defer wg.Done()
			m, err := b.Move(id, types.StatusInProgress)
			if assert.NoError(t, err) {
				mutations <- m
			}
		}(types.RequestID(i))
	}
	wg.Wait()
	close(mutations)

	confirmed := 0
	for m := range mutations {
		if awaitResolved(t, b, m).State == types.MutationConfirmed {
			confirmed++
		}
	}
	elapsed := time.Since(start)
	t.Logf("確認 %d 筆移動，耗時 %v (%.1f moves/s)", confirmed, elapsed, float64(confirmed)/elapsed.Seconds())
	assert.Equal(t, requestCount, confirmed)

	out, err := b.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, requestCount, out.Replaced)

	cols := b.Columns()
	assert.Empty(t, cols[0].Requests)
	assert.Len(t, cols[1].Requests, requestCount)
	for i := 1; i <= requestCount; i++ {
		assert.Equal(t, types.StatusInProgress, serverStatus(t, table, types.RequestID(i)))
	}
}

// TestMovesUnderActivePollingNeverFlicker tests the poll/write race
//
// Every store notification is checked: once a card has been moved,
// it must never be seen in New again.
func TestMovesUnderActivePollingNeverFlicker(t *testing.T) {
	table := seededTable(t, requestCount)
	client := httpBackend(t, table)

	config := boardConfig(4)
	config.PollInterval = 5 * time.Millisecond
	b := mountBoard(t, config, client, client, nil)

	var mu sync.Mutex
	moved := make(map[types.RequestID]bool)
	var flickers []string
	unsubscribe := b.Subscribe(func() {
		mu.Lock()
		defer mu.Unlock()
		for id := range moved {
			req, err := b.Store().Get(id)
			if err == nil && req.Status == types.StatusNew {
				flickers = append(flickers, fmt.Sprintf("#%d", id))
			}
		}
	})
	defer unsubscribe()

	var pending []types.PendingMutation
	for i := 1; i <= requestCount; i++ {
		id := types.RequestID(i)
		m, err := b.Move(id, types.StatusInProgress)
		require.NoError(t, err)
		mu.Lock()
		moved[id] = true
		mu.Unlock()
		pending = append(pending, m)
		time.Sleep(time.Millisecond)
	}
	for _, m := range pending {
		assert.Equal(t, types.MutationConfirmed, awaitResolved(t, b, m).State)
	}

	// 讓輪詢至少再跑幾輪
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, flickers, "cards reverted to New after being moved")
	for i := 1; i <= requestCount; i++ {
		assert.Equal(t, types.StatusInProgress, statusOf(t, b, types.RequestID(i)))
	}
}
