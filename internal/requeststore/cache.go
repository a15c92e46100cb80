package requeststore

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/gearguard-board/internal/boarderr"
	"github.com/ChuLiYu/gearguard-board/internal/statemachine"
	"github.com/ChuLiYu/gearguard-board/pkg/types"
)

// ErrIncompatibleCache 快取版本不相容
var ErrIncompatibleCache = errors.New("board cache schema version is incompatible")

// ErrCorruptCache 快取內容含有不合法的請求
var ErrCorruptCache = errors.New("board cache contains an invalid request")

// Export 產生可寫入快取的資料
//
// 只匯出已確認的狀態：有待確認變更的請求以 PreviousStatus 匯出，
// 重新掛載時不會顯示伺服器從未接受的移動。
func (s *Store) Export() types.CacheData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reqs := s.orderedLocked()
	for i := range reqs {
		if m, ok := s.pending[reqs[i].ID]; ok {
			reqs[i].Status = m.PreviousStatus
		}
	}

	return types.CacheData{
		Requests:     reqs,
		SchemaVer:    types.CacheSchemaVersion,
		LastSequence: s.clock.Current(),
		SavedAt:      time.Now().UTC(),
	}
}

// Restore 以快取內容取代存儲狀態（清除所有待確認變更）
//
// 任何一筆請求的狀態或優先級不合法時整份快取作廢，存儲維持原狀。
func (s *Store) Restore(data types.CacheData) error {
	if data.SchemaVer != types.CacheSchemaVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrIncompatibleCache, data.SchemaVer, types.CacheSchemaVersion)
	}
	for _, req := range data.Requests {
		if err := checkCached(req); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return boarderr.ErrStoreClosed
	}
	s.records = make(map[types.RequestID]*entry, len(data.Requests))
	s.pending = make(map[types.RequestID]*types.PendingMutation)
	s.dropWaitersLocked()
	for _, req := range data.Requests {
		if _, dup := s.records[req.ID]; dup {
			continue
		}
		s.records[req.ID] = &entry{req: req, rank: s.takeRank()}
	}
	s.clock.advanceTo(data.LastSequence)
	s.mu.Unlock()

	s.notify()
	return nil
}

func checkCached(req types.MaintenanceRequest) error {
	if !statemachine.IsKnown(req.Status) {
		return fmt.Errorf("%w: request %d has unknown status %q", ErrCorruptCache, req.ID, req.Status)
	}
	if req.Priority < types.PriorityMin || req.Priority > types.PriorityMax {
		return fmt.Errorf("%w: request %d has priority %d", ErrCorruptCache, req.ID, req.Priority)
	}
	return nil
}
