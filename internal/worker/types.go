package worker

import (
	"time"

	"github.com/ChuLiYu/ai-orchestrator/pkg/types"
)

// Task 代表要執行的任務
type Task struct {
	ID  types.JobID            // 任務 ID（同 Job ID）
	Run func() types.JobState // 執行任務並回傳最終狀態
}

// Result 代表任務執行結果
type Result struct {
	JobID    types.JobID    // 任務 ID
	State    types.JobState // 任務結束時的狀態
	Err      error          // panic 時的錯誤（正常結束為 nil）
	Duration time.Duration  // 實際執行時間
}
