// Package types 定義了 ai-orchestrator 系統中使用的核心領域模型
package types

import (
	"time"
)

// JobID 任務唯一識別碼，提交時產生，永不重用
type JobID string

// JobState 任務狀態
type JobState string

// 定義任務狀態常數
const (
	StateRunning    JobState = "running"    // 執行中：任務已提交，正在處理
	StateCancelling JobState = "cancelling" // 取消中：已收到取消請求，正在清理
	StateCancelled  JobState = "cancelled"  // 已取消：清理完成（終態）
	StateCompleted  JobState = "completed"  // 已完成：產生結果（終態）
	StateFailed     JobState = "failed"     // 失敗：傳輸或下游錯誤（終態）
)

// IsTerminal 判斷狀態是否為終態，終態不再接受任何轉換
func (s JobState) IsTerminal() bool {
	switch s {
	case StateCancelled, StateCompleted, StateFailed:
		return true
	}
	return false
}

// IsActive 判斷狀態是否仍佔用 owner（running 或 cancelling）
func (s JobState) IsActive() bool {
	return s == StateRunning || s == StateCancelling
}

// transitions 合法的狀態轉換圖
var transitions = map[JobState][]JobState{
	StateRunning:    {StateCompleted, StateFailed, StateCancelling},
	StateCancelling: {StateCancelled, StateFailed},
}

// CanTransition 檢查 from -> to 是否為合法轉換
func CanTransition(from, to JobState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Mode 選擇指令模板與 context 投影方式
type Mode string

const (
	ModeRecommend          Mode = "recommend"
	ModeRecommendWithChart Mode = "recommend_with_chart"
	ModeSummarize          Mode = "summarize"
	ModeExtract            Mode = "extract"
	ModeChat               Mode = "chat"
)

// Modes 所有支援的模式
var Modes = []Mode{ModeRecommend, ModeRecommendWithChart, ModeSummarize, ModeExtract, ModeChat}

// Valid 檢查模式是否受支援
func (m Mode) Valid() bool {
	for _, known := range Modes {
		if m == known {
			return true
		}
	}
	return false
}

// Context 外部提供的半結構化資料（header、inventory、salesMonthly 等）
type Context map[string]any

// Result 正規化後的結構化結果，欄位依 Mode 而定
type Result map[string]any

// Job 任務紀錄的快照，由 Registry 複製後回傳，不含取消控制代碼
type Job struct {
	ID         JobID  `json:"id"`
	Mode       Mode   `json:"mode"`
	Owner      string `json:"ownerKey,omitempty"`
	ContextKey string `json:"contextKey"`
	Question   string `json:"question,omitempty"` // chat 模式的問題

	State       JobState  `json:"state"`
	SubmittedAt time.Time `json:"submittedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`

	Result Result `json:"result,omitempty"` // 僅在 completed 時設定
	Error  string `json:"error,omitempty"`  // 僅在 failed 時設定
}

// Duration 從提交到最後一次更新所經過的時間
func (j Job) Duration() time.Duration {
	return j.UpdatedAt.Sub(j.SubmittedAt)
}

// Document 交給報告渲染器的內容
type Document struct {
	JobID JobID
	Mode  Mode
	Title string
	Body  string
	Items []string
}
