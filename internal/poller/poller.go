// ============================================================================
// GearGuard Poller - 定期抓取伺服器快照
// ============================================================================
//
// Package: internal/poller
// 文件: poller.go
// 功能: 固定間隔抓取完整請求集合，交給 Reconciler 合併
//
// 循環:
//   Start() → 立即抓取一次 → ticker 每 Interval 觸發一次 PollOnce
//
// 單一飛行中請求 (at-most-one in flight):
//   inFlight 以 CompareAndSwap 取得；前一次抓取未完成時，
//   該 tick 直接跳過並計數，不會排隊。
//
// 序號擷取:
//   發出請求「之前」記下 store.Clock().Current() 作為
//   FetchStartedAtSequence，以及 Reconciler 的 epoch。
//
// 失敗處理:
//   記錄日誌與指標，跳過本輪，不修改 Store，不退避。
//
// 停止:
//   Stop() 讓 epoch 失效並取消正在進行的請求，
//   之後才到達的回應一律丟棄。
//
// ============================================================================

package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/gearguard-board/internal/boarderr"
	"github.com/ChuLiYu/gearguard-board/internal/reconciler"
	"github.com/ChuLiYu/gearguard-board/internal/requeststore"
	"github.com/ChuLiYu/gearguard-board/pkg/types"
)

const (
	DefaultInterval     = 3 * time.Second
	DefaultFetchTimeout = 10 * time.Second
)

var (
	// ErrInFlight 前一次抓取仍在進行中，本輪被跳過
	ErrInFlight = errors.New("poll skipped: fetch in flight")
	// ErrAlreadyRunning Start 被重複呼叫
	ErrAlreadyRunning = errors.New("poller already running")
)

// Fetcher 抓取完整請求集合（HTTP 或 gRPC 傳輸層實作）
type Fetcher interface {
	FetchRequests(ctx context.Context) ([]types.MaintenanceRequest, error)
}

// Recorder 接收輪詢指標（由 metrics.Collector 實作）
type Recorder interface {
	RecordPoll(ok bool, d time.Duration)
	RecordSkippedTick()
}

// Config Poller 配置
type Config struct {
	Interval     time.Duration // 輪詢間隔
	FetchTimeout time.Duration // 單次抓取超時
	SkipInitial  bool          // 呼叫者已同步完成首次抓取時設為 true
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	return c
}

// Poller 定期輪詢器
type Poller struct {
	cfg        Config
	fetcher    Fetcher
	clock      *requeststore.Clock
	reconciler *reconciler.Reconciler
	log        *zap.Logger
	recorder   Recorder

	inFlight    atomic.Bool
	lastSuccess atomic.Int64 // UnixNano，0 表示從未成功

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	stopCh  chan struct{}
	loopWg  sync.WaitGroup
}

// New 建立 Poller
//
// 參數：
//   - cfg: 間隔與超時，零值使用預設
//   - fetcher: 抓取實作
//   - store: 提供邏輯時鐘
//   - rec: 快照合併協調器
//   - log / recorder: 可為 nil
func New(cfg Config, fetcher Fetcher, store *requeststore.Store, rec *reconciler.Reconciler, log *zap.Logger, recorder Recorder) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{
		cfg:        cfg.withDefaults(),
		fetcher:    fetcher,
		clock:      store.Clock(),
		reconciler: rec,
		log:        log,
		recorder:   recorder,
	}
}

// Start 立即抓取一次，然後啟動輪詢循環
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	p.mu.Unlock()

	p.log.Info("poller starting", zap.Duration("interval", p.cfg.Interval))

	p.loopWg.Add(1)
	go p.pollLoop(loopCtx, stopCh)
	return nil
}

// Stop 讓 epoch 失效、取消進行中的抓取並等待循環結束
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.reconciler.Invalidate()
	p.cancel()
	close(p.stopCh)
	p.mu.Unlock()

	p.loopWg.Wait()
	p.log.Info("poller stopped")
}

// Running 是否正在輪詢
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// LastSuccess 最近一次成功抓取的時間（過期資料指標）
func (p *Poller) LastSuccess() (time.Time, bool) {
	ns := p.lastSuccess.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// PollOnce 同步執行一輪抓取與合併
//
// 返回值：
//   - reconciler.Outcome: 合併結果
//   - error: ErrInFlight（跳過）或包裝 boarderr.ErrFetchFailed 的抓取錯誤
func (p *Poller) PollOnce(ctx context.Context) (reconciler.Outcome, error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		if p.recorder != nil {
			p.recorder.RecordSkippedTick()
		}
		p.log.Debug("poll tick skipped, fetch still in flight")
		return reconciler.Outcome{}, ErrInFlight
	}
	defer p.inFlight.Store(false)

	fetchSeq := p.clock.Current()
	epoch := p.reconciler.Epoch()

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	start := time.Now()
	reqs, err := p.fetcher.FetchRequests(fetchCtx)
	elapsed := time.Since(start)
	if p.recorder != nil {
		p.recorder.RecordPoll(err == nil, elapsed)
	}

	if err != nil {
		if !errors.Is(err, boarderr.ErrFetchFailed) {
			err = fmt.Errorf("%w: %w", boarderr.ErrFetchFailed, err)
		}
		p.log.Warn("fetch failed, keeping current board",
			zap.Uint64("fetch_seq", fetchSeq),
			zap.Duration("took", elapsed),
			zap.Error(err))
		return reconciler.Outcome{}, err
	}

	out := p.reconciler.Apply(types.ServerSnapshot{
		Requests:               reqs,
		FetchStartedAtSequence: fetchSeq,
		ReceivedAt:             time.Now(),
	}, epoch)
	if !out.Discarded {
		p.lastSuccess.Store(time.Now().UnixNano())
	}
	return out, nil
}

// pollLoop 輪詢循環
func (p *Poller) pollLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer p.loopWg.Done()

	if !p.cfg.SkipInitial {
		p.tick(ctx)
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick 以獨立 goroutine 發出抓取，讓慢請求不阻塞 ticker
func (p *Poller) tick(ctx context.Context) {
	if p.inFlight.Load() {
		if p.recorder != nil {
			p.recorder.RecordSkippedTick()
		}
		return
	}
	p.loopWg.Add(1)
	go func() {
		defer p.loopWg.Done()
		_, _ = p.PollOnce(ctx)
	}()
}
