// ============================================================================
// GearGuard Reconciler - 快照合併協調
// ============================================================================
//
// Package: internal/reconciler
// 文件: reconciler.go
// 功能: 在 RequestStore.Reconcile 之上加入世代 (epoch) 檢查、指標與日誌
//
// 世代保護:
//   每次看板掛載（或 Poller 停止）都會讓 epoch +1。
//   Poller 在發出請求前記下當時的 epoch，回應回來時若 epoch 已變，
//   代表這個回應屬於上一個看板生命週期，直接丟棄，不碰 Store。
//
// 永不回傳錯誤:
//   過期快照、已關閉的 Store、被丟棄的回應都只反映在 Outcome 中。
//
// ============================================================================

package reconciler

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/gearguard-board/internal/requeststore"
	"github.com/ChuLiYu/gearguard-board/pkg/types"
)

// Recorder 接收合併結果（由 metrics.Collector 實作）
type Recorder interface {
	RecordReconcile(res requeststore.ReconcileResult, d time.Duration)
	RecordDiscarded()
}

// Outcome 單次合併的結果
type Outcome struct {
	requeststore.ReconcileResult
	Discarded bool // epoch 已變更，快照未套用
}

// Reconciler 快照合併協調器
type Reconciler struct {
	store    *requeststore.Store
	log      *zap.Logger
	recorder Recorder
	epoch    atomic.Uint64
}

// New 建立 Reconciler，log 與 recorder 可為 nil
func New(store *requeststore.Store, log *zap.Logger, recorder Recorder) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		store:    store,
		log:      log,
		recorder: recorder,
	}
}

// Epoch 回傳目前世代
func (r *Reconciler) Epoch() uint64 {
	return r.epoch.Load()
}

// Invalidate 讓目前世代失效，之後到達的舊回應都會被丟棄
func (r *Reconciler) Invalidate() uint64 {
	return r.epoch.Add(1)
}

// Apply 在 epoch 仍有效時將快照合併進 Store
func (r *Reconciler) Apply(snap types.ServerSnapshot, epoch uint64) Outcome {
	if epoch != r.epoch.Load() {
		r.discard("epoch changed", snap)
		return Outcome{Discarded: true}
	}

	start := time.Now()
	res := r.store.Reconcile(snap)
	elapsed := time.Since(start)

	switch {
	case res.Closed:
		r.discard("store closed", snap)
		return Outcome{ReconcileResult: res, Discarded: true}
	case res.Stale:
		r.log.Debug("stale snapshot ignored",
			zap.Uint64("fetch_seq", snap.FetchStartedAtSequence))
		return Outcome{ReconcileResult: res}
	}

	if r.recorder != nil {
		r.recorder.RecordReconcile(res, elapsed)
	}

	r.log.Debug("snapshot reconciled",
		zap.Uint64("fetch_seq", snap.FetchStartedAtSequence),
		zap.Int("records", len(snap.Requests)),
		zap.Int("replaced", res.Replaced),
		zap.Int("shielded", res.Shielded),
		zap.Int("removed", res.Removed),
		zap.Int("deferred", res.Deferred),
		zap.Int("confirmed", len(res.Confirmed)),
		zap.Duration("took", elapsed))

	for _, m := range res.Confirmed {
		r.log.Info("mutation confirmed by snapshot",
			zap.String("mutation_id", m.ID),
			zap.Int64("request_id", int64(m.RequestID)),
			zap.String("status", string(m.ProposedStatus)))
	}

	return Outcome{ReconcileResult: res}
}

func (r *Reconciler) discard(reason string, snap types.ServerSnapshot) {
	if r.recorder != nil {
		r.recorder.RecordDiscarded()
	}
	r.log.Debug("snapshot discarded",
		zap.String("reason", reason),
		zap.Uint64("fetch_seq", snap.FetchStartedAtSequence))
}
