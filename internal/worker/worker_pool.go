// ============================================================================
// GearGuard Worker Pool - 狀態寫回執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine，把樂觀變更非同步寫回伺服器
//
// 架構組件:
//   ┌─────────────┐
//   │   Board     │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) - 提交寫回任務
//   4. ReceiveResult() - 讀取寫回結果（成功 → Confirm，失敗 → 還原）
//   5. Stop() - 關閉 stopCh，等待所有 Worker 退出
//
// 關閉:
//   taskCh 不會被關閉，Worker 以 stopCh 作為唯一退出訊號，
//   因此 Submit 與 Stop 之間不存在向已關閉 channel 發送的情況。
//   Stop 後仍在緩衝區中的任務會被丟棄；看板此時已卸載，
//   這些變更不需要再寫回。
//
// 錯誤處理:
//   - ErrPoolNotStarted: Pool 未啟動時提交任務
//   - ErrPoolClosed: Pool 已關閉時提交或讀取
//
// ============================================================================

package worker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// DefaultTaskTimeout 單次寫回預設超時
const DefaultTaskTimeout = 10 * time.Second

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池
type Pool struct {
	persister StatusPersister
	log       *zap.Logger
	workers   []*Worker
	taskCh    chan Task
	resultCh  chan Result
	stopCh    chan struct{}
	wg        sync.WaitGroup
	started   bool
	stopped   bool
	mu        sync.Mutex
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
//
// 參數：
//   - persister: 寫回實作
//   - bufferSize: 任務和結果通道的緩衝大小
//   - log: 可為 nil
func NewPool(persister StatusPersister, bufferSize int, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		persister: persister,
		log:       log,
		workers:   make([]*Worker, 0),
		taskCh:    make(chan Task, bufferSize),
		resultCh:  make(chan Result, bufferSize),
		stopCh:    make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount <= 0 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.persister, p.taskCh, p.resultCh, p.stopCh, p.log)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	p.log.Debug("persistence pool started", zap.Int("workers", workerCount))
	return nil
}

// Submit 提交寫回任務，Timeout 為零時使用 DefaultTaskTimeout
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	if task.Timeout <= 0 {
		task.Timeout = DefaultTaskTimeout
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 從結果通道接收寫回結果
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result := <-p.resultCh:
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Results 回傳唯讀結果通道，供 select 使用
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Stop 關閉 Worker Pool，等待所有 Worker 退出
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	if n := len(p.taskCh); n > 0 {
		p.log.Warn("persistence pool stopped with queued tasks", zap.Int("dropped", n))
	}
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
