// ============================================================================
// GearGuard 狀態機 - 維修請求狀態轉換規則
// ============================================================================
//
// Package: internal/statemachine
// 文件: statemachine.go
//
// 狀態轉換:
//   New ──→ In Progress ──→ Repaired
//    │           │
//    │           └────────→ Scrap
//    ├──────────────────────→ Repaired
//    └──────────────────────→ Scrap
//
// 規則:
//   - Repaired、Scrap 為終止狀態，不允許任何轉出（包含轉到自身）
//   - 非終止狀態之間看板不強制 DAG，任何已知狀態都可以移入
//   - 未知狀態一律視為非法轉換
//
// 純函式，無 I/O，可對 4×4 矩陣做窮舉測試。
//
// ============================================================================

package statemachine

import (
	"fmt"

	"github.com/ChuLiYu/gearguard-board/internal/boarderr"
	"github.com/ChuLiYu/gearguard-board/pkg/types"
)

// columns 看板欄位的固定順序
var columns = [...]types.Status{
	types.StatusNew,
	types.StatusInProgress,
	types.StatusRepaired,
	types.StatusScrap,
}

// Columns 回傳看板欄位順序（每次回傳新的切片）
func Columns() []types.Status {
	out := make([]types.Status, len(columns))
	copy(out, columns[:])
	return out
}

// IsKnown 檢查狀態是否為四個已定義狀態之一
func IsKnown(s types.Status) bool {
	for _, c := range columns {
		if c == s {
			return true
		}
	}
	return false
}

// IsTerminal 檢查是否為終止狀態
func IsTerminal(s types.Status) bool {
	return s == types.StatusRepaired || s == types.StatusScrap
}

// Validate 檢查 current → proposed 是否合法
//
// 返回值：
//   - nil: 允許轉換
//   - boarderr.ErrInvalidTransition（包裝後附帶原因）
func Validate(current, proposed types.Status) error {
	if !IsKnown(current) {
		return fmt.Errorf("%w: unknown current status %q", boarderr.ErrInvalidTransition, current)
	}
	if !IsKnown(proposed) {
		return fmt.Errorf("%w: unknown target status %q", boarderr.ErrInvalidTransition, proposed)
	}
	if IsTerminal(current) {
		return fmt.Errorf("%w: %q is terminal", boarderr.ErrInvalidTransition, current)
	}
	return nil
}
