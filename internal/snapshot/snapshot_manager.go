package snapshot

// ============================================================================
// 職責說明：
// 1. 將看板最後一次已知狀態序列化為 JSON 快取檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 看板重新掛載時先顯示快取內容，再由 Poller 追上伺服器
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/gearguard-board/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("board cache is corrupted")
	ErrIncompatibleVersion = errors.New("board cache schema version is incompatible")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 檔案快取管理器
type Manager struct {
	path string     // 快取檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立檔案快取管理器
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Save 原子性寫入快取
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
//
// 參數：
//   - data: 看板快取資料（SchemaVer 由此設定）
//
// 返回值：
//   - error: 寫入失敗時的錯誤
func (m *Manager) Save(_ context.Context, data types.CacheData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = types.CacheSchemaVersion

	// 帶縮排，方便人工閱讀與除錯
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal board cache: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create cache dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"

	// 1. 寫入臨時檔案
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp board cache: %w", err)
	}

	// 2. 原子性重新命名
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename board cache: %w", err)
	}

	return nil
}

// Load 載入快取
//
// 行為：
//   - 檔案不存在時回傳空的 CacheData（首次掛載）
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的快取檔案
func (m *Manager) Load(_ context.Context) (types.CacheData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyCache(), nil
		}
		return types.CacheData{}, fmt.Errorf("failed to read board cache: %w", err)
	}

	var data types.CacheData
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return types.CacheData{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	return checkVersion(data)
}

// Close 檔案快取無需釋放資源
func (m *Manager) Close() error {
	return nil
}

// Exists 檢查快取檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快取檔案路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}

func emptyCache() types.CacheData {
	return types.CacheData{
		Requests:  []types.MaintenanceRequest{},
		SchemaVer: types.CacheSchemaVersion,
	}
}

func checkVersion(data types.CacheData) (types.CacheData, error) {
	if data.SchemaVer != types.CacheSchemaVersion {
		return types.CacheData{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, types.CacheSchemaVersion)
	}
	if data.Requests == nil {
		data.Requests = []types.MaintenanceRequest{}
	}
	return data, nil
}
