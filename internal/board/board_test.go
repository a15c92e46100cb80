package board

// ============================================================================
// 看板控制器測試
// 職責：驗證掛載/卸載、拖放寫回、結果處理、快取還原與查詢視圖
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/gearguard-board/internal/boarderr"
	"github.com/ChuLiYu/gearguard-board/internal/metrics"
	"github.com/ChuLiYu/gearguard-board/internal/snapshot"
	"github.com/ChuLiYu/gearguard-board/internal/storage/journal"
	"github.com/ChuLiYu/gearguard-board/internal/worker"
	"github.com/ChuLiYu/gearguard-board/pkg/types"
)

// ============================================================================
// 測試輔助
// ============================================================================

type fakeFetcher struct {
	mu   sync.Mutex
	reqs []types.MaintenanceRequest
	err  error
}

func (f *fakeFetcher) FetchRequests(ctx context.Context) ([]types.MaintenanceRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]types.MaintenanceRequest, len(f.reqs))
	copy(out, f.reqs)
	return out, nil
}

func (f *fakeFetcher) set(reqs ...types.MaintenanceRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = reqs
	f.err = nil
}

func (f *fakeFetcher) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type persistCall struct {
	id     types.RequestID
	status types.Status
}

type fakePersister struct {
	mu    sync.Mutex
	calls []persistCall
	err   error
	block bool // 阻塞直到 ctx 結束
}

func (p *fakePersister) PersistStatus(ctx context.Context, id types.RequestID, status types.Status) error {
	p.mu.Lock()
	p.calls = append(p.calls, persistCall{id: id, status: status})
	err, block := p.err, p.block
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (p *fakePersister) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func request(id int64, status types.Status, equipment string) types.MaintenanceRequest {
	return types.MaintenanceRequest{
		ID:          types.RequestID(id),
		Subject:     "Request " + equipment,
		RequestType: types.RequestCorrective,
		Status:      status,
		Priority:    2,
		Equipment:   types.EquipmentRef{ID: id * 10, Name: equipment, IsFunctional: true},
	}
}

func testConfig() Config {
	return Config{
		PollInterval:   time.Hour,
		FetchTimeout:   time.Second,
		WorkerCount:    2,
		BufferSize:     8,
		PersistTimeout: time.Second,
	}
}

// createTestBoard 建立測試用看板
func createTestBoard(t *testing.T, cfg Config, deps Deps) *Board {
	t.Helper()
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector(prometheus.NewRegistry())
	}
	b, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(b.Stop)
	return b
}

func startedBoard(t *testing.T, reqs ...types.MaintenanceRequest) (*Board, *fakeFetcher, *fakePersister) {
	t.Helper()
	f := &fakeFetcher{}
	f.set(reqs...)
	p := &fakePersister{}
	b := createTestBoard(t, testConfig(), Deps{Fetcher: f, Persister: p})
	require.NoError(t, b.Start(context.Background()))
	return b, f, p
}

func await(t *testing.T, b *Board, m types.PendingMutation) types.PendingMutation {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resolved, err := b.Await(ctx, m)
	require.NoError(t, err)
	return resolved
}

func statusOf(t *testing.T, b *Board, id int64) types.Status {
	t.Helper()
	req, err := b.Store().Get(types.RequestID(id))
	require.NoError(t, err)
	return req.Status
}

// ============================================================================
// 生命週期
// ============================================================================

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(testConfig(), Deps{Persister: &fakePersister{}})
	assert.Error(t, err)

	_, err = New(testConfig(), Deps{Fetcher: &fakeFetcher{}})
	assert.Error(t, err)
}

func TestStartRunsInitialPoll(t *testing.T) {
	b, _, _ := startedBoard(t,
		request(1, types.StatusNew, "Press"),
		request(2, types.StatusInProgress, "Lathe"))

	// Start 返回時首次抓取已完成
	assert.Len(t, b.Store().All(), 2)
	assert.Equal(t, types.StatusInProgress, statusOf(t, b, 2))
}

func TestStartSurvivesFetchFailure(t *testing.T) {
	f := &fakeFetcher{}
	f.fail(errors.New("connection refused"))
	b := createTestBoard(t, testConfig(), Deps{Fetcher: f, Persister: &fakePersister{}})

	require.NoError(t, b.Start(context.Background()))
	assert.Empty(t, b.Store().All())
}

func TestStartTwice(t *testing.T) {
	b, _, _ := startedBoard(t)
	assert.ErrorIs(t, b.Start(context.Background()), ErrAlreadyStarted)
}

func TestStopIsIdempotent(t *testing.T) {
	b, _, _ := startedBoard(t, request(1, types.StatusNew, "Press"))

	b.Stop()
	assert.NotPanics(t, b.Stop)
	assert.True(t, b.Store().Closed())
	assert.ErrorIs(t, b.Start(context.Background()), ErrStopped)
}

func TestStopWithoutStart(t *testing.T) {
	b := createTestBoard(t, testConfig(), Deps{Fetcher: &fakeFetcher{}, Persister: &fakePersister{}})
	assert.NotPanics(t, b.Stop)
}

func TestPollerKeepsBoardFresh(t *testing.T) {
	f := &fakeFetcher{}
	f.set(request(1, types.StatusNew, "Press"))
	cfg := testConfig()
	cfg.PollInterval = 10 * time.Millisecond
	b := createTestBoard(t, cfg, Deps{Fetcher: f, Persister: &fakePersister{}})
	require.NoError(t, b.Start(context.Background()))

	f.set(request(1, types.StatusRepaired, "Press"), request(2, types.StatusNew, "Lathe"))

	assert.Eventually(t, func() bool {
		return len(b.Store().All()) == 2 && statusOf(t, b, 1) == types.StatusRepaired
	}, 2*time.Second, 5*time.Millisecond)
}

// ============================================================================
// 拖放與寫回
// ============================================================================

func TestMovePersistsAndConfirms(t *testing.T) {
	b, _, p := startedBoard(t, request(1, types.StatusNew, "Press"))

	m, err := b.Move(1, types.StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, statusOf(t, b, 1), "applied optimistically")

	resolved := await(t, b, m)
	assert.Equal(t, types.MutationConfirmed, resolved.State)
	assert.Equal(t, types.StatusInProgress, statusOf(t, b, 1))

	_, pending := b.Store().PendingFor(1)
	assert.False(t, pending)
	assert.Equal(t, []persistCall{{id: 1, status: types.StatusInProgress}}, p.calls)
}

func TestMoveRejectedRollsBack(t *testing.T) {
	b, _, p := startedBoard(t, request(1, types.StatusInProgress, "Press"))
	p.err = boarderr.ErrPersistenceRejected

	m, err := b.Move(1, types.StatusRepaired)
	require.NoError(t, err)

	resolved := await(t, b, m)
	assert.Equal(t, types.MutationRolledBack, resolved.State)
	assert.Equal(t, types.StatusInProgress, statusOf(t, b, 1))
}

func TestMoveTransportFailureRollsBack(t *testing.T) {
	b, _, p := startedBoard(t, request(1, types.StatusNew, "Press"))
	p.err = errors.New("503 service unavailable")

	m, err := b.Move(1, types.StatusScrap)
	require.NoError(t, err)

	resolved := await(t, b, m)
	assert.Equal(t, types.MutationRolledBack, resolved.State)
	assert.Equal(t, types.StatusNew, statusOf(t, b, 1))
}

func TestMoveInvalidTransition(t *testing.T) {
	b, _, p := startedBoard(t, request(1, types.StatusRepaired, "Press"))

	_, err := b.Move(1, types.StatusInProgress)
	assert.ErrorIs(t, err, boarderr.ErrInvalidTransition)
	assert.Equal(t, types.StatusRepaired, statusOf(t, b, 1))
	assert.Equal(t, 0, p.callCount())
}

func TestMoveUnknownRequest(t *testing.T) {
	b, _, _ := startedBoard(t)
	_, err := b.Move(42, types.StatusInProgress)
	assert.ErrorIs(t, err, boarderr.ErrNotFound)
}

func TestMoveBeforeStartRollsBack(t *testing.T) {
	f := &fakeFetcher{}
	f.set(request(1, types.StatusNew, "Press"))
	b := createTestBoard(t, testConfig(), Deps{Fetcher: f, Persister: &fakePersister{}})
	_, err := b.Refresh(context.Background())
	require.NoError(t, err)

	_, err = b.Move(1, types.StatusInProgress)
	assert.ErrorIs(t, err, worker.ErrPoolNotStarted)
	assert.Equal(t, types.StatusNew, statusOf(t, b, 1))
	assert.Empty(t, b.Store().Pending())
}

func TestSnapshotDuringPersistDoesNotRevertMove(t *testing.T) {
	f := &fakeFetcher{}
	f.set(request(1, types.StatusNew, "Press"))
	p := &fakePersister{block: true}
	cfg := testConfig()
	cfg.PersistTimeout = 200 * time.Millisecond
	b := createTestBoard(t, cfg, Deps{Fetcher: f, Persister: p})
	require.NoError(t, b.Start(context.Background()))

	m, err := b.Move(1, types.StatusInProgress)
	require.NoError(t, err)

	// 伺服器尚未寫入，快照仍是舊狀態
	_, err = b.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, statusOf(t, b, 1))

	// 寫回超時 → 還原
	resolved := await(t, b, m)
	assert.Equal(t, types.MutationRolledBack, resolved.State)
	assert.Equal(t, types.StatusNew, statusOf(t, b, 1))
}

func TestSupersededMoveResultIsIgnored(t *testing.T) {
	b, _, _ := startedBoard(t, request(1, types.StatusNew, "Press"))

	first, err := b.Move(1, types.StatusInProgress)
	require.NoError(t, err)
	second, err := b.Move(1, types.StatusRepaired)
	require.NoError(t, err)

	assert.Equal(t, types.MutationSuperseded, await(t, b, first).State)
	assert.Equal(t, types.MutationConfirmed, await(t, b, second).State)
	assert.Equal(t, types.StatusRepaired, statusOf(t, b, 1))
}

func TestAwaitHonoursContext(t *testing.T) {
	f := &fakeFetcher{}
	f.set(request(1, types.StatusNew, "Press"))
	b := createTestBoard(t, testConfig(), Deps{Fetcher: f, Persister: &fakePersister{block: true}})
	require.NoError(t, b.Start(context.Background()))

	m, err := b.Move(1, types.StatusInProgress)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.Await(ctx, m)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAwaitAfterHistoryChurn(t *testing.T) {
	b, _, _ := startedBoard(t, request(1, types.StatusNew, "Press"), request(2, types.StatusNew, "Lathe"))

	m, err := b.Move(1, types.StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, types.MutationConfirmed, await(t, b, m).State)

	// 大量其他變更被解決，#1 的結果離開保留窗口
	store := b.Store()
	for i := 0; i < 300; i++ {
		churn := types.PendingMutation{
			ID:                 fmt.Sprintf("churn-%d", i),
			RequestID:          2,
			ProposedStatus:     types.StatusInProgress,
			ProposedAtSequence: store.Clock().Next(),
			ProposedAt:         time.Now(),
		}
		_, err := store.ApplyOptimistic(churn)
		require.NoError(t, err)
		_, err = store.AcknowledgeMutationFailure(2, churn.ID)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = b.Await(ctx, m)
	assert.ErrorIs(t, err, boarderr.ErrNoPendingMutation, "should fail fast instead of waiting for ctx")
}

// ============================================================================
// 快取
// ============================================================================

func TestStopWritesCacheAndRestartRestores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board_cache.json")

	f := &fakeFetcher{}
	f.set(request(1, types.StatusNew, "Press"), request(2, types.StatusInProgress, "Lathe"))
	first := createTestBoard(t, testConfig(), Deps{Fetcher: f, Persister: &fakePersister{}, Cache: snapshot.NewManager(path)})
	require.NoError(t, first.Start(context.Background()))
	first.Stop()

	// 伺服器無法連線時，看板仍顯示快取內容
	down := &fakeFetcher{}
	down.fail(errors.New("connection refused"))
	second := createTestBoard(t, testConfig(), Deps{Fetcher: down, Persister: &fakePersister{}, Cache: snapshot.NewManager(path)})
	require.NoError(t, second.Start(context.Background()))

	assert.Len(t, second.Store().All(), 2)
	assert.Equal(t, types.StatusInProgress, statusOf(t, second, 2))
}

func TestCacheNeverContainsUnconfirmedMove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board_cache.json")

	f := &fakeFetcher{}
	f.set(request(1, types.StatusNew, "Press"))
	cfg := testConfig()
	cfg.PersistTimeout = 50 * time.Millisecond
	b := createTestBoard(t, cfg, Deps{Fetcher: f, Persister: &fakePersister{block: true}, Cache: snapshot.NewManager(path)})
	require.NoError(t, b.Start(context.Background()))

	_, err := b.Move(1, types.StatusInProgress)
	require.NoError(t, err)
	b.Stop()

	data, err := snapshot.NewManager(path).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, data.Requests, 1)
	assert.Equal(t, types.StatusNew, data.Requests[0].Status)
}

func TestCacheLoopWritesPeriodically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board_cache.json")
	manager := snapshot.NewManager(path)

	f := &fakeFetcher{}
	f.set(request(1, types.StatusNew, "Press"))
	cfg := testConfig()
	cfg.CacheInterval = 10 * time.Millisecond
	b := createTestBoard(t, cfg, Deps{Fetcher: f, Persister: &fakePersister{}, Cache: manager})
	require.NoError(t, b.Start(context.Background()))

	assert.Eventually(t, manager.Exists, 2*time.Second, 5*time.Millisecond)
}

func TestJournalRecordsResolutions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moves.log")
	j, err := journal.Open(path, journal.Options{})
	require.NoError(t, err)

	f := &fakeFetcher{}
	f.set(request(1, types.StatusNew, "Press"), request(2, types.StatusNew, "Lathe"))
	p := &fakePersister{}
	b := createTestBoard(t, testConfig(), Deps{Fetcher: f, Persister: p, Journal: j})
	require.NoError(t, b.Start(context.Background()))

	m, err := b.Move(1, types.StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, types.MutationConfirmed, await(t, b, m).State)

	p.mu.Lock()
	p.err = boarderr.ErrPersistenceRejected
	p.mu.Unlock()
	m, err = b.Move(2, types.StatusScrap)
	require.NoError(t, err)
	rolled := await(t, b, m)
	assert.Equal(t, types.MutationRolledBack, rolled.State)

	b.Stop()

	entries, err := journal.ReadEntries(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, journal.EventConfirmed, entries[0].Type)
	assert.Equal(t, types.RequestID(1), entries[0].RequestID)
	assert.Equal(t, journal.EventRolledBack, entries[1].Type)
	assert.Equal(t, types.StatusScrap, entries[1].To)

	// 卸載時日誌已關閉
	assert.ErrorIs(t, j.Append(rolled), journal.ErrJournalClosed)
}

func TestJournalSkipsPendingOnStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moves.log")
	j, err := journal.Open(path, journal.Options{})
	require.NoError(t, err)

	f := &fakeFetcher{}
	f.set(request(1, types.StatusNew, "Press"))
	cfg := testConfig()
	cfg.PersistTimeout = 50 * time.Millisecond
	b := createTestBoard(t, cfg, Deps{Fetcher: f, Persister: &fakePersister{block: true}, Journal: j})
	require.NoError(t, b.Start(context.Background()))

	_, err = b.Move(1, types.StatusInProgress)
	require.NoError(t, err)
	b.Stop()

	entries, err := journal.ReadEntries(path)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, journal.EventConfirmed, e.Type)
	}
}

// ============================================================================
// 查詢視圖
// ============================================================================

func TestColumns(t *testing.T) {
	b, _, _ := startedBoard(t,
		request(1, types.StatusNew, "Press"),
		request(2, types.StatusScrap, "Lathe"),
		request(3, types.StatusNew, "Drill"))

	cols := b.Columns()
	require.Len(t, cols, 4)

	titles := make([]string, len(cols))
	for i, c := range cols {
		titles[i] = c.Title
	}
	assert.Equal(t, []string{"New Requests", "In Progress", "Repaired", "Scrap"}, titles)

	require.Len(t, cols[0].Requests, 2)
	assert.Equal(t, types.RequestID(1), cols[0].Requests[0].ID)
	assert.Equal(t, types.RequestID(3), cols[0].Requests[1].ID)
	assert.Empty(t, cols[1].Requests)
	assert.Len(t, cols[3].Requests, 1)
}

func TestCalendar(t *testing.T) {
	day := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	later := day.Add(48 * time.Hour)
	hours := 2.5

	scheduled := request(1, types.StatusNew, "Press")
	scheduled.RequestType = types.RequestPreventive
	scheduled.Subject = "Oil change"
	scheduled.ScheduledDate = &day
	scheduled.DurationHours = &hours

	defaulted := request(2, types.StatusInProgress, "Lathe")
	defaulted.Subject = "Belt"
	defaulted.ScheduledDate = &later

	b, _, _ := startedBoard(t, defaulted, scheduled, request(3, types.StatusNew, "Drill"))

	events := b.Calendar(time.Time{}, time.Time{})
	require.Len(t, events, 2)

	assert.Equal(t, "Press - Oil change", events[0].Title)
	assert.True(t, events[0].Preventive)
	assert.Equal(t, day.Add(150*time.Minute), events[0].End)

	assert.Equal(t, "Lathe - Belt", events[1].Title)
	assert.False(t, events[1].Preventive)
	assert.Equal(t, later.Add(DefaultEventDuration), events[1].End)

	window := b.Calendar(day.Add(time.Hour), later.Add(time.Hour))
	require.Len(t, window, 1)
	assert.Equal(t, types.RequestID(2), window[0].RequestID)
}

func TestEquipmentLoad(t *testing.T) {
	press := func(id int64, s types.Status) types.MaintenanceRequest {
		r := request(id, s, "Press")
		r.Equipment.ID = 7
		return r
	}
	b, _, _ := startedBoard(t,
		request(1, types.StatusNew, "Lathe"),
		press(2, types.StatusNew),
		press(3, types.StatusInProgress),
		press(4, types.StatusRepaired))

	load := b.EquipmentLoad()
	require.Len(t, load, 2)
	assert.Equal(t, EquipmentLoad{EquipmentID: 7, Name: "Press", Open: 2}, load[0])
	assert.Equal(t, 1, load[1].Open)
}

func TestStatus(t *testing.T) {
	b, _, _ := startedBoard(t, request(1, types.StatusNew, "Press"), request(2, types.StatusNew, "Lathe"))

	status := b.Status()
	assert.Equal(t, true, status["running"])
	assert.Equal(t, 2, status["total"])
	assert.Equal(t, 2, status[string(types.StatusNew)])
	assert.Equal(t, 0, status["pending"])
	assert.Contains(t, status, "uptime")
	assert.Contains(t, status, "last_success")
}

func TestSubscribeFiresOnMove(t *testing.T) {
	b, _, _ := startedBoard(t, request(1, types.StatusNew, "Press"))

	var mu sync.Mutex
	fired := 0
	unsubscribe := b.Subscribe(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})
	defer unsubscribe()

	m, err := b.Move(1, types.StatusInProgress)
	require.NoError(t, err)
	await(t, b, m)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, fired, 2, "apply + confirm")
}
