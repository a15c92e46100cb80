// ============================================================================
// GearGuard 請求存儲 - 看板的權威本地狀態
// ============================================================================
//
// Package: internal/requeststore
// 文件: store.go
// 功能: 以 request id 為鍵保存所有維修請求，並追蹤尚未確認的樂觀變更
//
// 數據結構設計:
//   records map[RequestID]*entry   - 主存儲，單一真實來源
//   ├─ entry.req                   - 最近一次整筆替換後的請求
//   ├─ entry.rank                  - 欄位內排序鍵（進入欄位的先後）
//   ├─ entry.missingSince          - 待確認請求第一次從快照中消失時的抓取序號
//   └─ entry.confirmedAt           - 伺服器直接確認時取得的序號
//
//   pending map[RequestID]*PendingMutation - 每個請求最多一筆待確認變更
//
// 三種寫入來源:
//   1. ApplyOptimistic()    - 拖放產生的樂觀變更
//   2. Reconcile()          - 輪詢取得的伺服器快照
//   3. AcknowledgeFailure() - 伺服器拒絕後還原
//   全部在同一把鎖下完成，任何兩個寫入都不會交錯。
//
// 合併規則（Reconcile）:
//   - 無待確認變更                          → 整筆替換
//   - 變更序號 >  快照抓取序號              → 丟棄快照中的該筆（抓取早於變更）
//   - 變更序號 <= 快照抓取序號 且狀態一致   → 整筆替換，變更確認
//   - 變更序號 <= 快照抓取序號 但狀態不同   → 保留本地值，等待確認或失敗
//   - 本地有、快照無                        → 刪除；有待確認變更時延後一輪
//   - 無待確認變更但 confirmedAt > 抓取序號 → 保留本地狀態（抓取早於確認）
//
// 通知:
//   每次寫入後（鎖外）同步呼叫所有訂閱者，無 payload，至少一次。
//
// ============================================================================

package requeststore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/gearguard-board/internal/boarderr"
	"github.com/ChuLiYu/gearguard-board/internal/statemachine"
	"github.com/ChuLiYu/gearguard-board/pkg/types"
)

// historyLimit 已解決變更的保留數量（診斷用）
const historyLimit = 128

type entry struct {
	req          types.MaintenanceRequest
	rank         uint64
	missing      bool
	missingSince uint64
	confirmedAt  uint64
}

// ReconcileResult 一次合併的統計結果
type ReconcileResult struct {
	Stale     bool // 快照比上一次合併的更舊，整份丟棄
	Closed    bool // 存儲已關閉，整份丟棄
	Replaced  int  // 整筆替換（含新增）
	Shielded  int  // 受待確認變更保護而保留本地值
	Removed   int  // 伺服器端已刪除
	Deferred  int  // 待確認請求從快照消失，延後刪除
	Confirmed []types.PendingMutation
}

// Store 維修請求存儲
type Store struct {
	mu       sync.RWMutex
	records  map[types.RequestID]*entry
	pending  map[types.RequestID]*types.PendingMutation
	history  []types.PendingMutation
	resolved uint64 // 累計已解決變更數，history 最後一筆的編號
	nextRank uint64
	lastSeen uint64 // 最近一次合併的快照抓取序號
	hasSeen  bool
	closed   bool

	clock Clock

	// 等待中的 Watch，以變更 ID 為鍵；由 recordLocked 送出結果
	waiters    map[string]map[uint64]chan types.PendingMutation
	nextWaiter uint64

	subMu   sync.Mutex
	subs    map[uint64]func()
	nextSub uint64
}

// New 建立空的存儲（看板掛載時）
func New() *Store {
	return &Store{
		records: make(map[types.RequestID]*entry),
		pending: make(map[types.RequestID]*types.PendingMutation),
		waiters: make(map[string]map[uint64]chan types.PendingMutation),
		subs:    make(map[uint64]func()),
	}
}

// Clock 回傳存儲的邏輯時鐘
func (s *Store) Clock() *Clock {
	return &s.clock
}

// ============================================================================
// 查詢方法
// ============================================================================

// Get 取得單筆請求
func (s *Store) Get(id types.RequestID) (types.MaintenanceRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.records[id]
	if !ok {
		return types.MaintenanceRequest{}, fmt.Errorf("request %d: %w", id, boarderr.ErrNotFound)
	}
	return e.req, nil
}

// ListByStatus 依欄位分組，欄位內依進入順序排序；四個欄位的鍵一定存在
func (s *Store) ListByStatus() map[types.Status][]types.MaintenanceRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grouped := make(map[types.Status][]*entry, 4)
	for _, col := range statemachine.Columns() {
		grouped[col] = nil
	}
	for _, e := range s.records {
		grouped[e.req.Status] = append(grouped[e.req.Status], e)
	}

	out := make(map[types.Status][]types.MaintenanceRequest, len(grouped))
	for status, entries := range grouped {
		sort.Slice(entries, func(i, j int) bool { return entries[i].rank < entries[j].rank })
		reqs := make([]types.MaintenanceRequest, 0, len(entries))
		for _, e := range entries {
			reqs = append(reqs, e.req)
		}
		out[status] = reqs
	}
	return out
}

// All 依進入順序回傳所有請求
func (s *Store) All() []types.MaintenanceRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orderedLocked()
}

// PendingFor 取得某請求的待確認變更
func (s *Store) PendingFor(id types.RequestID) (types.PendingMutation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.pending[id]
	if !ok {
		return types.PendingMutation{}, false
	}
	return *m, true
}

// Pending 依序號回傳所有待確認變更
func (s *Store) Pending() []types.PendingMutation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.PendingMutation, 0, len(s.pending))
	for _, m := range s.pending {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProposedAtSequence < out[j].ProposedAtSequence })
	return out
}

// History 已解決的變更（確認、取代、還原），最舊的在前
func (s *Store) History() []types.PendingMutation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.PendingMutation, len(s.history))
	copy(out, s.history)
	return out
}

// ResolvedSince 回傳編號大於 after 的已解決變更，以及目前的累計編號
//
// 超出 history 保留範圍的部分不會回傳；呼叫者以回傳的編號作為下一次的 after。
func (s *Store) ResolvedSince(after uint64) ([]types.PendingMutation, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if after >= s.resolved {
		return nil, s.resolved
	}
	first := s.resolved - uint64(len(s.history)) // history[0] 的編號減一
	start := 0
	if after > first {
		start = int(after - first)
	}
	out := make([]types.PendingMutation, len(s.history)-start)
	copy(out, s.history[start:])
	return out, s.resolved
}

// Stats 各欄位數量與待確認數
func (s *Store) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]int{"pending": len(s.pending), "total": len(s.records)}
	for _, col := range statemachine.Columns() {
		stats[string(col)] = 0
	}
	for _, e := range s.records {
		stats[string(e.req.Status)]++
	}
	return stats
}

// ============================================================================
// 寫入方法
// ============================================================================

// ApplyOptimistic 樂觀套用狀態變更
//
// PreviousStatus 以鎖內讀到的目前狀態為準；同一請求舊的待確認變更會被標記為 Superseded。
//
// 錯誤處理：
//   - ErrStoreClosed: 看板已卸載
//   - ErrNotFound: 請求不存在
//   - ErrNoop: 已在目標欄位
//   - ErrInvalidTransition: 狀態機拒絕，存儲不變
func (s *Store) ApplyOptimistic(m types.PendingMutation) (types.PendingMutation, error) {
	s.mu.Lock()
	applied, err := s.applyLocked(m)
	s.mu.Unlock()

	if err != nil {
		return types.PendingMutation{}, err
	}
	s.notify()
	return applied, nil
}

func (s *Store) applyLocked(m types.PendingMutation) (types.PendingMutation, error) {
	if s.closed {
		return types.PendingMutation{}, boarderr.ErrStoreClosed
	}

	e, ok := s.records[m.RequestID]
	if !ok {
		return types.PendingMutation{}, fmt.Errorf("request %d: %w", m.RequestID, boarderr.ErrNotFound)
	}
	current := e.req.Status
	if current == m.ProposedStatus && !statemachine.IsTerminal(current) {
		return types.PendingMutation{}, fmt.Errorf("request %d already %q: %w", m.RequestID, current, boarderr.ErrNoop)
	}
	if err := statemachine.Validate(current, m.ProposedStatus); err != nil {
		return types.PendingMutation{}, fmt.Errorf("request %d: %w", m.RequestID, err)
	}

	if old, exists := s.pending[m.RequestID]; exists {
		old.State = types.MutationSuperseded
		s.recordLocked(*old)
	}

	m.PreviousStatus = current
	m.State = types.MutationPending
	if m.ProposedAt.IsZero() {
		m.ProposedAt = time.Now()
	}
	stored := m
	s.pending[m.RequestID] = &stored

	e.req.Status = m.ProposedStatus
	e.rank = s.takeRank()
	return stored, nil
}

// Reconcile 將伺服器快照合併進存儲，永不回傳錯誤
func (s *Store) Reconcile(snap types.ServerSnapshot) ReconcileResult {
	s.mu.Lock()
	res := s.reconcileLocked(snap)
	s.mu.Unlock()

	if !res.Stale && !res.Closed {
		s.notify()
	}
	return res
}

func (s *Store) reconcileLocked(snap types.ServerSnapshot) ReconcileResult {
	var res ReconcileResult
	if s.closed {
		res.Closed = true
		return res
	}
	fetchSeq := snap.FetchStartedAtSequence
	if s.hasSeen && fetchSeq < s.lastSeen {
		res.Stale = true
		return res
	}

	seen := make(map[types.RequestID]struct{}, len(snap.Requests))
	for _, incoming := range snap.Requests {
		if _, dup := seen[incoming.ID]; dup {
			continue
		}
		seen[incoming.ID] = struct{}{}

		if e, ok := s.records[incoming.ID]; ok {
			e.missing = false
			e.missingSince = 0
		}

		m, hasPending := s.pending[incoming.ID]
		switch {
		case !hasPending && s.confirmedAfter(incoming.ID, fetchSeq):
			// 伺服器已確認的移動晚於這次抓取
			incoming.Status = s.records[incoming.ID].req.Status
			s.upsertLocked(incoming)
			res.Shielded++

		case !hasPending:
			s.upsertLocked(incoming)
			if e := s.records[incoming.ID]; e.confirmedAt != 0 {
				e.confirmedAt = 0
			}
			res.Replaced++

		case m.ProposedAtSequence > fetchSeq:
			// 抓取早於變更，快照不可能反映它
			res.Shielded++

		case incoming.Status == m.ProposedStatus:
			s.upsertLocked(incoming)
			res.Replaced++
			m.State = types.MutationConfirmed
			res.Confirmed = append(res.Confirmed, *m)
			s.recordLocked(*m)
			delete(s.pending, incoming.ID)

		default:
			// 伺服器尚未追上
			res.Shielded++
		}
	}

	for id, e := range s.records {
		if _, ok := seen[id]; ok {
			continue
		}
		m, hasPending := s.pending[id]
		if !hasPending && e.confirmedAt > fetchSeq {
			res.Deferred++
			continue
		}
		if !hasPending {
			delete(s.records, id)
			res.Removed++
			continue
		}
		if !e.missing {
			e.missing = true
			e.missingSince = fetchSeq
			res.Deferred++
			continue
		}
		if fetchSeq > e.missingSince {
			m.State = types.MutationSuperseded
			s.recordLocked(*m)
			delete(s.pending, id)
			delete(s.records, id)
			res.Removed++
			continue
		}
		res.Deferred++
	}

	s.lastSeen = fetchSeq
	s.hasSeen = true
	s.clock.Next()
	return res
}

// AcknowledgeFailure 伺服器拒絕變更時，還原到 PreviousStatus
func (s *Store) AcknowledgeFailure(id types.RequestID) (types.PendingMutation, error) {
	return s.rollback(id, "")
}

// AcknowledgeMutationFailure 只在待確認變更仍是 mutationID 時才還原，
// 避免較舊變更的失敗回應還原掉較新的變更
func (s *Store) AcknowledgeMutationFailure(id types.RequestID, mutationID string) (types.PendingMutation, error) {
	return s.rollback(id, mutationID)
}

func (s *Store) rollback(id types.RequestID, mutationID string) (types.PendingMutation, error) {
	s.mu.Lock()
	m, err := s.pendingLocked(id, mutationID)
	if err != nil {
		s.mu.Unlock()
		return types.PendingMutation{}, err
	}

	if e, ok := s.records[id]; ok && e.req.Status != m.PreviousStatus {
		e.req.Status = m.PreviousStatus
		e.rank = s.takeRank()
	}
	m.State = types.MutationRolledBack
	s.recordLocked(*m)
	delete(s.pending, id)
	rolled := *m
	s.mu.Unlock()

	s.notify()
	return rolled, nil
}

// Confirm 伺服器確認變更，保留樂觀值並清除待確認狀態
func (s *Store) Confirm(id types.RequestID, mutationID string) (types.PendingMutation, error) {
	s.mu.Lock()
	m, err := s.pendingLocked(id, mutationID)
	if err != nil {
		s.mu.Unlock()
		return types.PendingMutation{}, err
	}
	m.State = types.MutationConfirmed
	s.recordLocked(*m)
	delete(s.pending, id)
	if e, ok := s.records[id]; ok {
		// 確認之前開始的抓取可能在伺服器寫入前就取得清單
		e.confirmedAt = s.clock.Next()
	}
	confirmed := *m
	s.mu.Unlock()

	s.notify()
	return confirmed, nil
}

func (s *Store) pendingLocked(id types.RequestID, mutationID string) (*types.PendingMutation, error) {
	if s.closed {
		return nil, boarderr.ErrStoreClosed
	}
	m, ok := s.pending[id]
	if !ok || (mutationID != "" && m.ID != mutationID) {
		return nil, fmt.Errorf("request %d: %w", id, boarderr.ErrNoPendingMutation)
	}
	return m, nil
}

// Watch 取得某筆變更的解決結果
//
// 變更仍待確認時登記等待，結果送達通道一次；已解決且仍在 history 內時立即送達。
// 存儲關閉或被快取還原清空時通道直接關閉。呼叫者不再等待時須呼叫取消函式。
//
// 錯誤處理：
//   - ErrNoPendingMutation: 變更不存在，或已解決但超出 history 保留範圍
//   - ErrStoreClosed: 存儲已關閉
func (s *Store) Watch(id types.RequestID, mutationID string) (<-chan types.PendingMutation, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, boarderr.ErrStoreClosed
	}
	ch := make(chan types.PendingMutation, 1)
	if m, ok := s.pending[id]; ok && m.ID == mutationID {
		key := s.nextWaiter
		s.nextWaiter++
		if s.waiters[mutationID] == nil {
			s.waiters[mutationID] = make(map[uint64]chan types.PendingMutation)
		}
		s.waiters[mutationID][key] = ch
		return ch, func() { s.unwatch(mutationID, key) }, nil
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].ID == mutationID {
			ch <- s.history[i]
			return ch, func() {}, nil
		}
	}
	return nil, nil, fmt.Errorf("mutation %s: %w", mutationID, boarderr.ErrNoPendingMutation)
}

func (s *Store) unwatch(mutationID string, key uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws, ok := s.waiters[mutationID]; ok {
		delete(ws, key)
		if len(ws) == 0 {
			delete(s.waiters, mutationID)
		}
	}
}

// dropWaitersLocked 關閉所有等待中的通道（不送出結果）
func (s *Store) dropWaitersLocked() {
	for _, ws := range s.waiters {
		for _, ch := range ws {
			close(ch)
		}
	}
	s.waiters = make(map[string]map[uint64]chan types.PendingMutation)
}

// Close 卸載看板；之後的寫入一律被拒絕或丟棄，訂閱者全部移除
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.dropWaitersLocked()
	s.mu.Unlock()

	s.subMu.Lock()
	s.subs = make(map[uint64]func())
	s.subMu.Unlock()
}

// Closed 是否已卸載
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// ============================================================================
// 訂閱
// ============================================================================

// Subscribe 註冊變更通知，回傳取消函式
func (s *Store) Subscribe(fn func()) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// ============================================================================
// 內部輔助
// ============================================================================

func (s *Store) upsertLocked(req types.MaintenanceRequest) {
	e, ok := s.records[req.ID]
	if !ok {
		s.records[req.ID] = &entry{req: req, rank: s.takeRank()}
		return
	}
	if e.req.Status != req.Status {
		e.rank = s.takeRank()
	}
	e.req = req
}

func (s *Store) confirmedAfter(id types.RequestID, fetchSeq uint64) bool {
	e, ok := s.records[id]
	return ok && e.confirmedAt > fetchSeq
}

func (s *Store) takeRank() uint64 {
	s.nextRank++
	return s.nextRank
}

func (s *Store) recordLocked(m types.PendingMutation) {
	s.resolved++
	if ws, ok := s.waiters[m.ID]; ok {
		for _, ch := range ws {
			ch <- m
		}
		delete(s.waiters, m.ID)
	}
	s.history = append(s.history, m)
	if over := len(s.history) - historyLimit; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
}

func (s *Store) orderedLocked() []types.MaintenanceRequest {
	entries := make([]*entry, 0, len(s.records))
	for _, e := range s.records {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].rank < entries[j].rank })

	out := make([]types.MaintenanceRequest, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.req)
	}
	return out
}
