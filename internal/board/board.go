// ============================================================================
// GearGuard 看板控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/board
// 文件: board.go
// 功能: 看板的掛載/卸載生命週期，協調所有模組
//
// 架構設計:
//   每個看板實例擁有以下組件（沒有任何套件層級狀態）：
//   - Store:      請求存儲與待確認變更（單一真實來源）
//   - Reconciler: 以 epoch 保護的快照合併
//   - Poller:     定期抓取伺服器請求列表
//   - Engine:     拖放提案驗證與樂觀套用
//   - Pool:       非同步把狀態變更寫回伺服器
//   - Cache:      重新掛載時的快速還原
//   - Journal:    已解決變更的追加日誌（選用）
//
// 核心循環 (最多 3 個並發 Goroutine + Poller 自己的循環):
//   1. Result Loop  - 接收寫回結果；成功 → Confirm，失敗 → 還原
//   2. Cache Loop   - 定期把已確認狀態寫入快取
//   3. Journal Loop - Store 有變動時把新解決的變更寫入日誌
//
// 掛載流程 (Start):
//   1. loadCache()  - 從快取還原上次的看板（失敗只記錄，不中斷）
//   2. 啟動 Worker Pool
//   3. 同步抓取一次（失敗時保留快取內容）
//   4. 啟動 Poller 與兩個循環
//
// 卸載流程 (Stop):
//   1. Poller.Stop() - epoch 遞增，在途回應全部作廢
//   2. 關閉 stopCh，停止 Worker Pool，等待循環退出
//   3. 寫入最後一次快取與日誌，關閉 Store、快取與日誌
//
// ============================================================================

package board

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/gearguard-board/internal/boarderr"
	"github.com/ChuLiYu/gearguard-board/internal/dragdrop"
	"github.com/ChuLiYu/gearguard-board/internal/metrics"
	"github.com/ChuLiYu/gearguard-board/internal/poller"
	"github.com/ChuLiYu/gearguard-board/internal/reconciler"
	"github.com/ChuLiYu/gearguard-board/internal/requeststore"
	"github.com/ChuLiYu/gearguard-board/internal/snapshot"
	"github.com/ChuLiYu/gearguard-board/internal/statemachine"
	"github.com/ChuLiYu/gearguard-board/internal/worker"
	"github.com/ChuLiYu/gearguard-board/pkg/types"
)

// DefaultEventDuration 未設定 DurationHours 時的行事曆事件長度
const DefaultEventDuration = time.Hour

var (
	// ErrAlreadyStarted 重複掛載
	ErrAlreadyStarted = errors.New("board already started")
	// ErrStopped 看板已卸載，不可再次掛載
	ErrStopped = errors.New("board stopped")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 看板配置
type Config struct {
	PollInterval   time.Duration // 輪詢間隔
	FetchTimeout   time.Duration // 單次抓取超時
	WorkerCount    int           // 寫回 Worker 數量
	BufferSize     int           // 寫回任務緩衝大小
	PersistTimeout time.Duration // 單次寫回超時
	CacheInterval  time.Duration // 快取寫入間隔，0 表示只在卸載時寫入
}

// Deps 外部依賴
type Deps struct {
	Fetcher   poller.Fetcher         // 必填
	Persister worker.StatusPersister // 必填
	Cache     snapshot.Cache         // nil 表示不使用快取
	Journal   Journal                // nil 表示不記錄
	Metrics   *metrics.Collector     // nil 時建立獨立 registry 的 collector
	Logger    *zap.Logger            // nil 時不輸出
}

// Journal 已解決變更的記錄器（由 journal.Journal 實作）
type Journal interface {
	Append(m types.PendingMutation) error
	Close() error
}

// Column 看板上的一欄
type Column struct {
	Status   types.Status
	Title    string
	Requests []types.MaintenanceRequest
}

// CalendarEvent 行事曆上的一筆排程
type CalendarEvent struct {
	RequestID  types.RequestID
	Title      string
	Start      time.Time
	End        time.Time
	Status     types.Status
	Preventive bool
}

// EquipmentLoad 設備上未結案的請求數
type EquipmentLoad struct {
	EquipmentID int64
	Name        string
	Open        int
}

// Board 看板控制器
type Board struct {
	mu          sync.Mutex
	store       *requeststore.Store
	reconciler  *reconciler.Reconciler
	poller      *poller.Poller
	engine      *dragdrop.Engine
	pool        *worker.Pool
	cache       snapshot.Cache
	journal     Journal
	journalSeen uint64 // 已寫入日誌的 ResolvedSince 游標
	metrics     *metrics.Collector
	log         *zap.Logger
	config      Config
	stopCh      chan struct{}
	started     bool
	stopped     bool
	startTime   time.Time
	unsubscribe func()
	loopWg      sync.WaitGroup

	unsubscribeJournal func()
}

var columnTitles = map[types.Status]string{
	types.StatusNew:        "New Requests",
	types.StatusInProgress: "In Progress",
	types.StatusRepaired:   "Repaired",
	types.StatusScrap:      "Scrap",
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立看板（尚未掛載）
//
// 參數：
//   - config: 看板配置
//   - deps: 抓取、寫回、快取、指標與日誌
//
// 返回值：
//   - *Board: 看板實例
//   - error: 缺少必要依賴
func New(config Config, deps Deps) (*Board, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("board requires a fetcher")
	}
	if deps.Persister == nil {
		return nil, errors.New("board requires a status persister")
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}

	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cache := deps.Cache
	if cache == nil {
		cache = snapshot.Nop{}
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.NewCollector(nil)
	}

	store := requeststore.New()
	rec := reconciler.New(store, log.Named("reconciler"), collector)
	p := poller.New(poller.Config{
		Interval:     config.PollInterval,
		FetchTimeout: config.FetchTimeout,
		SkipInitial:  true,
	}, deps.Fetcher, store, rec, log.Named("poller"), collector)

	return &Board{
		store:      store,
		reconciler: rec,
		poller:     p,
		engine:     dragdrop.NewEngine(store, log.Named("dragdrop"), collector),
		pool:       worker.NewPool(deps.Persister, config.BufferSize, log.Named("worker")),
		cache:      cache,
		journal:    deps.Journal,
		metrics:    collector,
		log:        log,
		config:     config,
		stopCh:     make(chan struct{}),
	}, nil
}

// Start 掛載看板
//
// 首次抓取失敗不視為掛載失敗：看板保留快取內容，由 Poller 繼續重試。
func (b *Board) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrStopped
	}
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.started = true
	b.startTime = time.Now()
	b.mu.Unlock()

	b.unsubscribe = b.store.Subscribe(func() {
		b.metrics.UpdateBoardStats(b.store.Stats())
	})

	// 1. 快取還原
	b.loadCache(ctx)

	// 2. 啟動 Worker Pool
	if err := b.pool.Start(b.config.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	// 3. 首次抓取
	if _, err := b.poller.PollOnce(ctx); err != nil {
		b.log.Warn("initial poll failed, showing cached board", zap.Error(err))
	}

	// 4. 輪詢與循環
	if err := b.poller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start poller: %w", err)
	}

	b.loopWg.Add(1)
	go b.resultLoop()
	if b.config.CacheInterval > 0 {
		b.loopWg.Add(1)
		go b.cacheLoop()
	}
	if b.journal != nil {
		kick := make(chan struct{}, 1)
		b.unsubscribeJournal = b.store.Subscribe(func() {
			select {
			case kick <- struct{}{}:
			default:
			}
		})
		b.loopWg.Add(1)
		go b.journalLoop(kick)
	}

	b.log.Info("board mounted",
		zap.Int("workers", b.config.WorkerCount),
		zap.Duration("poll_interval", b.config.PollInterval),
		zap.Int("requests", len(b.store.All())))
	return nil
}

// loadCache 從快取還原看板
func (b *Board) loadCache(ctx context.Context) {
	start := time.Now()
	data, err := b.cache.Load(ctx)
	if err != nil {
		b.log.Warn("board cache unreadable, starting empty", zap.Error(err))
		return
	}
	if len(data.Requests) == 0 {
		return
	}
	if err := b.store.Restore(data); err != nil {
		b.log.Warn("failed to restore board cache", zap.Error(err))
		return
	}
	b.log.Info("board cache restored",
		zap.Int("requests", len(data.Requests)),
		zap.Uint64("sequence", data.LastSequence),
		zap.Duration("duration", time.Since(start)))
}

// Stop 卸載看板（可重複呼叫）
func (b *Board) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	started := b.started
	b.mu.Unlock()

	// 1. 作廢在途回應並停止輪詢
	b.poller.Stop()

	// 2. 停止循環與 Worker Pool
	close(b.stopCh)
	b.pool.Stop()
	b.loopWg.Wait()

	// 3. 最後一次快取與日誌
	if started {
		if err := b.saveCache(); err != nil {
			b.log.Error("failed to write final board cache", zap.Error(err))
		}
		if b.journal != nil {
			b.drainJournal()
		}
	}

	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	if b.unsubscribeJournal != nil {
		b.unsubscribeJournal()
	}
	b.store.Close()
	if err := b.cache.Close(); err != nil {
		b.log.Warn("failed to close board cache", zap.Error(err))
	}
	if b.journal != nil {
		if err := b.journal.Close(); err != nil {
			b.log.Warn("failed to close journal", zap.Error(err))
		}
	}

	b.log.Info("board unmounted")
}

// Refresh 立即抓取並合併一次
func (b *Board) Refresh(ctx context.Context) (reconciler.Outcome, error) {
	return b.poller.PollOnce(ctx)
}

// ============================================================================
// 拖放與寫回
// ============================================================================

// Move 把請求移到 target 欄位，樂觀套用後提交寫回任務
//
// 錯誤處理：
//   - ErrNotFound / ErrInvalidTransition / ErrNoop: 提案被拒絕，看板不變
//   - worker.ErrPoolNotStarted / ErrPoolClosed: 無法寫回，變更已還原
func (b *Board) Move(id types.RequestID, target types.Status) (types.PendingMutation, error) {
	m, err := b.engine.Propose(id, target)
	if err != nil {
		return types.PendingMutation{}, err
	}
	return b.submit(m)
}

// Drop 處理一次拖放手勢
func (b *Board) Drop(g dragdrop.Gesture) (types.PendingMutation, error) {
	m, err := b.engine.Drop(g)
	if err != nil {
		return types.PendingMutation{}, err
	}
	return b.submit(m)
}

func (b *Board) submit(m types.PendingMutation) (types.PendingMutation, error) {
	task := worker.Task{Mutation: m, Timeout: b.config.PersistTimeout}
	if err := b.pool.Submit(task); err != nil {
		if _, rbErr := b.store.AcknowledgeMutationFailure(m.RequestID, m.ID); rbErr == nil {
			b.metrics.RecordRollback()
		}
		return types.PendingMutation{}, fmt.Errorf("submit status change for request %d: %w", m.RequestID, err)
	}
	return m, nil
}

// Await 等待變更被確認、取代或還原
//
// 返回值：
//   - types.PendingMutation: 已解決的變更（State 表示結果）
//   - error: ctx 結束、看板已卸載，或變更不存在（ErrNoPendingMutation）
func (b *Board) Await(ctx context.Context, m types.PendingMutation) (types.PendingMutation, error) {
	ch, cancel, err := b.store.Watch(m.RequestID, m.ID)
	if err != nil {
		return m, err
	}
	defer cancel()

	select {
	case resolved, ok := <-ch:
		if !ok {
			if b.store.Closed() {
				return m, boarderr.ErrStoreClosed
			}
			return m, fmt.Errorf("mutation %s discarded: %w", m.ID, boarderr.ErrNoPendingMutation)
		}
		return resolved, nil
	case <-ctx.Done():
		return m, ctx.Err()
	}
}

// resultLoop 處理寫回結果
// 注意：此循環會一直運行到 Pool 關閉為止
func (b *Board) resultLoop() {
	defer b.loopWg.Done()

	for {
		result, err := b.pool.ReceiveResult()
		if err != nil {
			if errors.Is(err, worker.ErrPoolClosed) {
				b.log.Debug("result loop stopped")
				return
			}
			b.log.Error("failed to receive result", zap.Error(err))
			continue
		}
		b.handleResult(result)
	}
}

// handleResult 處理單一寫回結果
//
// 變更已被新的拖放取代或已由快照確認時，Confirm/還原回傳 ErrNoPendingMutation，直接忽略。
func (b *Board) handleResult(result worker.Result) {
	m := result.Mutation
	fields := []zap.Field{
		zap.Int64("request_id", int64(m.RequestID)),
		zap.String("mutation_id", m.ID),
		zap.Uint64("sequence", m.ProposedAtSequence),
		zap.Duration("duration", result.Duration),
	}

	if result.Success() {
		if _, err := b.store.Confirm(m.RequestID, m.ID); err != nil {
			b.log.Debug("persisted mutation already resolved", append(fields, zap.Error(err))...)
			return
		}
		b.metrics.RecordConfirmed()
		b.log.Debug("status change persisted", fields...)
		return
	}

	rolled, err := b.store.AcknowledgeMutationFailure(m.RequestID, m.ID)
	if err != nil {
		b.log.Debug("failed mutation already resolved", append(fields, zap.Error(err))...)
		return
	}
	b.metrics.RecordRollback()
	b.log.Warn("status change rejected, rolled back",
		append(fields,
			zap.String("restored", string(rolled.PreviousStatus)),
			zap.Bool("rejected", errors.Is(result.Err, boarderr.ErrPersistenceRejected)),
			zap.Error(result.Err))...)
}

// cacheLoop 定期寫入快取
func (b *Board) cacheLoop() {
	defer b.loopWg.Done()

	ticker := time.NewTicker(b.config.CacheInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			if err := b.saveCache(); err != nil {
				b.log.Error("failed to write board cache", zap.Error(err))
			}
		}
	}
}

// journalLoop 把新解決的變更寫入日誌
func (b *Board) journalLoop(kick <-chan struct{}) {
	defer b.loopWg.Done()

	for {
		select {
		case <-b.stopCh:
			return
		case <-kick:
			b.drainJournal()
		}
	}
}

// drainJournal 只在 journalLoop 或其退出後呼叫
func (b *Board) drainJournal() {
	resolved, cursor := b.store.ResolvedSince(b.journalSeen)
	if skipped := cursor - b.journalSeen - uint64(len(resolved)); skipped > 0 {
		b.log.Warn("journal fell behind, some resolutions were not recorded", zap.Uint64("skipped", skipped))
	}
	b.journalSeen = cursor
	for _, m := range resolved {
		if err := b.journal.Append(m); err != nil {
			b.log.Error("failed to append journal entry",
				zap.String("mutation_id", m.ID),
				zap.Error(err))
		}
	}
}

func (b *Board) saveCache() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.cache.Save(ctx, b.store.Export())
}

// ============================================================================
// 查詢
// ============================================================================

// Columns 依固定順序回傳四個欄位
func (b *Board) Columns() []Column {
	byStatus := b.store.ListByStatus()
	statuses := statemachine.Columns()
	out := make([]Column, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, Column{
			Status:   s,
			Title:    columnTitles[s],
			Requests: byStatus[s],
		})
	}
	return out
}

// Calendar 回傳開始時間落在 [from, to) 的排程；零值表示不設限
func (b *Board) Calendar(from, to time.Time) []CalendarEvent {
	var events []CalendarEvent
	for _, req := range b.store.All() {
		if req.ScheduledDate == nil {
			continue
		}
		start := *req.ScheduledDate
		if !from.IsZero() && start.Before(from) {
			continue
		}
		if !to.IsZero() && !start.Before(to) {
			continue
		}

		duration := DefaultEventDuration
		if req.DurationHours != nil && *req.DurationHours > 0 {
			duration = time.Duration(*req.DurationHours * float64(time.Hour))
		}

		title := req.Subject
		if req.Equipment.Name != "" {
			title = req.Equipment.Name + " - " + req.Subject
		}

		events = append(events, CalendarEvent{
			RequestID:  req.ID,
			Title:      title,
			Start:      start,
			End:        start.Add(duration),
			Status:     req.Status,
			Preventive: req.RequestType == types.RequestPreventive,
		})
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Start.Before(events[j].Start) })
	return events
}

// EquipmentLoad 每台設備未結案的請求數，由多到少
func (b *Board) EquipmentLoad() []EquipmentLoad {
	index := make(map[int64]*EquipmentLoad)
	var order []int64
	for _, req := range b.store.All() {
		if statemachine.IsTerminal(req.Status) {
			continue
		}
		load, ok := index[req.Equipment.ID]
		if !ok {
			load = &EquipmentLoad{EquipmentID: req.Equipment.ID, Name: req.Equipment.Name}
			index[req.Equipment.ID] = load
			order = append(order, req.Equipment.ID)
		}
		load.Open++
	}

	out := make([]EquipmentLoad, 0, len(order))
	for _, id := range order {
		out = append(out, *index[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Open > out[j].Open })
	return out
}

// Subscribe 看板變更通知
func (b *Board) Subscribe(fn func()) func() {
	return b.store.Subscribe(fn)
}

// Store 底層存儲（唯讀查詢用）
func (b *Board) Store() *requeststore.Store {
	return b.store
}

// Metrics 指標收集器
func (b *Board) Metrics() *metrics.Collector {
	return b.metrics
}

// Status 取得看板狀態
func (b *Board) Status() map[string]interface{} {
	b.mu.Lock()
	startTime := b.startTime
	running := b.started && !b.stopped
	b.mu.Unlock()

	status := map[string]interface{}{
		"running":  running,
		"epoch":    b.reconciler.Epoch(),
		"sequence": b.store.Clock().Current(),
		"workers":  b.pool.GetWorkerCount(),
	}
	if !startTime.IsZero() {
		status["uptime"] = time.Since(startTime).String()
	}
	for k, v := range b.store.Stats() {
		status[k] = v
	}
	if last, ok := b.poller.LastSuccess(); ok {
		status["last_success"] = last.Format(time.RFC3339)
	}
	return status
}
