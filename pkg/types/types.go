// Package types 定義了 gearguard 看板同步系統中使用的核心領域模型
package types

import (
	"time"
)

// RequestID 維修請求唯一識別碼
type RequestID int64

// Status 維修請求狀態（同時也是看板欄位 ID）
type Status string

// 定義請求狀態常數，字串值與看板欄位 ID 一致
const (
	StatusNew        Status = "New"         // 新建：尚未開始處理
	StatusInProgress Status = "In Progress" // 處理中：技術人員已接手
	StatusRepaired   Status = "Repaired"    // 已修復：終止狀態
	StatusScrap      Status = "Scrap"       // 報廢：終止狀態
)

// 優先級範圍
const (
	PriorityMin = 1
	PriorityMax = 5
)

// RequestType 維修類型
type RequestType string

const (
	RequestCorrective RequestType = "Corrective" // 故障維修
	RequestPreventive RequestType = "Preventive" // 預防性保養，通常帶排程日期
)

// EquipmentRef 設備的反正規化顯示欄位
type EquipmentRef struct {
	ID           int64  `json:"id" yaml:"id" validate:"gte=0"`
	Name         string `json:"name,omitempty" yaml:"name,omitempty"`
	SerialNumber string `json:"serial_number,omitempty" yaml:"serial_number,omitempty"`
	Category     string `json:"category,omitempty" yaml:"category,omitempty"`
	Department   string `json:"department,omitempty" yaml:"department,omitempty"`
	IsFunctional bool   `json:"is_functional" yaml:"is_functional"`
}

// MaintenanceRequest 維修請求，看板上的一張卡片
type MaintenanceRequest struct {
	// 識別
	ID        RequestID `json:"id" yaml:"id" validate:"required"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`

	// 內容
	Subject     string      `json:"subject" yaml:"subject"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	RequestType RequestType `json:"request_type" yaml:"request_type" validate:"omitempty,oneof=Corrective Preventive"`

	// 狀態
	Status   Status `json:"status" yaml:"status" validate:"required,status"`
	Priority int    `json:"priority" yaml:"priority" validate:"required,min=1,max=5"` // 1（低）到 5（高）

	// 關聯
	Equipment EquipmentRef `json:"equipment" yaml:"equipment"`
	TeamID    *int64       `json:"team_id,omitempty" yaml:"team_id,omitempty"`

	// 排程（行事曆視圖依賴 ScheduledDate）
	ScheduledDate *time.Time `json:"scheduled_date,omitempty" yaml:"scheduled_date,omitempty"`
	DurationHours *float64   `json:"duration_hours,omitempty" yaml:"duration_hours,omitempty" validate:"omitempty,gt=0"`
}

// MutationState 本地變更的生命週期狀態
type MutationState string

const (
	MutationPending    MutationState = "pending"     // 已樂觀套用，等待伺服器確認
	MutationConfirmed  MutationState = "confirmed"   // 伺服器已確認（或快照已追上）
	MutationSuperseded MutationState = "superseded"  // 同一請求有更新的變更，或請求已被伺服器刪除
	MutationRolledBack MutationState = "rolled_back" // 伺服器拒絕，已還原
)

// PendingMutation 尚未確認的本地狀態變更
type PendingMutation struct {
	ID                 string        `json:"id"`
	RequestID          RequestID     `json:"request_id"`
	ProposedStatus     Status        `json:"proposed_status"`
	PreviousStatus     Status        `json:"previous_status"`
	ProposedAtSequence uint64        `json:"proposed_at_sequence"`
	State              MutationState `json:"state"`
	ProposedAt         time.Time     `json:"proposed_at"` // 僅供診斷，排序只看 ProposedAtSequence
}

// ServerSnapshot 某一次抓取時伺服器端的完整請求列表
//
// FetchStartedAtSequence 是發出請求「當下」的邏輯時鐘值，而不是收到回應時的值。
type ServerSnapshot struct {
	Requests               []MaintenanceRequest `json:"requests"`
	FetchStartedAtSequence uint64               `json:"fetch_started_at_sequence"`
	ReceivedAt             time.Time            `json:"received_at"`
}

// CacheData 看板快取資料，用於重新掛載時快速還原
type CacheData struct {
	Requests     []MaintenanceRequest `json:"requests" cbor:"requests"`
	SchemaVer    int                  `json:"schema_ver" cbor:"schema_ver"`
	LastSequence uint64               `json:"last_sequence" cbor:"last_sequence"`
	SavedAt      time.Time            `json:"saved_at" cbor:"saved_at"`
}

// CacheSchemaVersion 目前快取格式版本
const CacheSchemaVersion = 1
