package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/gearguard-board/pkg/types"
)

// StatusPersister 將狀態變更寫回伺服器（HTTP 或 gRPC 傳輸層實作）
type StatusPersister interface {
	PersistStatus(ctx context.Context, id types.RequestID, status types.Status) error
}

// Task 代表一筆待持久化的樂觀變更
type Task struct {
	Mutation types.PendingMutation // 要寫回的變更
	Timeout  time.Duration         // 單次寫回超時
}

// Result 代表寫回結果
type Result struct {
	Mutation types.PendingMutation // 對應的變更
	Err      error                 // nil 表示伺服器已接受
	Duration time.Duration         // 實際耗時
}

// Success 伺服器是否接受了變更
func (r Result) Success() bool {
	return r.Err == nil
}
