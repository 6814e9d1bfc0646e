// ============================================================================
// AI Orchestrator 任務登記表 - 任務狀態機實現
// ============================================================================
//
// Package: internal/registry
// 文件: registry.go
// 功能: 持有所有任務紀錄，負責所有狀態變更與互斥
//
// 任務狀態轉換 (State Machine):
//   Running (執行中)
//      ├─ 成功 ──────────→ Completed
//      ├─ 失敗 ──────────→ Failed
//      └─ 取消請求 ──────→ Cancelling
//                             ├─ 清理成功 → Cancelled
//                             └─ 清理失敗 → Failed
//
//   終態 (Completed / Cancelled / Failed) 不再接受任何轉換，
//   對未知 ID 或終態的 Transition 靜默忽略（只記 debug log），
//   以容忍與取消競爭的遲到訊號。
//
// 數據結構設計:
//   entries map[JobID]*entry - 主存儲
//   └─ entry 各自持有 mutex，狀態/結果/錯誤只在該鎖內修改
//
// 並發安全:
//   - map 的 RWMutex 只保護插入與查找
//   - 每個 entry 有獨立 mutex，長輪詢讀者不會阻塞其他任務的取消
//   - 鎖順序固定為 map → entry，entry 鎖內不取 map 鎖
//   - 終態時關閉 done channel，Wait() 等待期間不持有任何鎖
//
// 職責說明：
//   1. Register / RegisterForOwner - 建立任務紀錄（owner 衝突檢查為原子操作）
//   2. Get - 回傳一致的快照，不會讀到半更新的狀態
//   3. Transition - 依狀態機規則更新狀態
//   4. RequestCancel - 翻轉為 Cancelling 並只觸發一次取消控制代碼
//   5. HasActiveForOwner / Wait / Stats - 查詢
//
// ============================================================================

package registry

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/ChuLiYu/ai-orchestrator/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複錯誤
	ErrAlreadyExists = errors.New("job already exists")
	// 任務不存在
	ErrNotFound = errors.New("job not found")
	// 同一 owner 已有執行中的任務
	ErrConflict = errors.New("owner already has an active job")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// TransitionHook 每次成功轉換後呼叫（在 entry 鎖之外）
type TransitionHook func(job types.Job, from types.JobState)

// entry 單一任務紀錄
type entry struct {
	mu          sync.Mutex
	job         types.Job
	cancel      context.CancelFunc // 取消控制代碼
	cancelFired bool               // 保證只觸發一次
	done        chan struct{}      // 進入終態時關閉
}

// Registry 任務登記表
type Registry struct {
	mu      sync.RWMutex
	entries map[types.JobID]*entry
	logger  *slog.Logger
	hooks   []TransitionHook
	now     func() time.Time
}

// Option 設定 Registry 的選項
type Option func(*Registry)

// WithLogger 指定 logger（預設 slog.Default()）
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithTransitionHook 註冊轉換回呼，用於事件發送
func WithTransitionHook(hook TransitionHook) Option {
	return func(r *Registry) {
		r.hooks = append(r.hooks, hook)
	}
}

// ============================================================================
// 核心方法
// ============================================================================

// New 建立新的任務登記表
//
// 使用範例：
//
//	reg := registry.New()
//	ctx, cancel := context.WithCancel(parent)
//	err := reg.Register(types.Job{ID: "job-1", Mode: types.ModeRecommend}, cancel)
//
// 併發安全：返回的實例是執行緒安全的
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[types.JobID]*entry),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register 建立新的任務紀錄，初始狀態為 Running
//
// 參數說明：
//   - job: 任務內容，必須包含唯一 ID
//   - cancel: 任務的取消控制代碼，可為 nil
//
// 錯誤處理：
//   - ErrAlreadyExists: ID 已存在
func (r *Registry) Register(job types.Job, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[job.ID]; exists {
		return ErrAlreadyExists
	}
	r.insertLocked(job, cancel)
	return nil
}

// RegisterForOwner 原子地檢查 owner 是否有進行中的任務並建立紀錄
//
// 錯誤處理：
//   - ErrConflict: owner 已有 running/cancelling 任務，不建立紀錄
//   - ErrAlreadyExists: ID 已存在
//
// 併發安全：檢查與插入都在 map 寫鎖內完成，同一 owner 的兩個併發提交只有一個成功
func (r *Registry) RegisterForOwner(job types.Job, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[job.ID]; exists {
		return ErrAlreadyExists
	}
	if r.hasActiveLocked(job.Owner) {
		return ErrConflict
	}
	r.insertLocked(job, cancel)
	return nil
}

func (r *Registry) insertLocked(job types.Job, cancel context.CancelFunc) {
	now := r.now()
	job.State = types.StateRunning
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = now
	}
	job.UpdatedAt = job.SubmittedAt
	job.Result = nil
	job.Error = ""

	r.entries[job.ID] = &entry{
		job:    job,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (r *Registry) lookup(id types.JobID) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// Get 取得任務快照
//
// 錯誤處理：
//   - ErrNotFound: 任務不存在
func (r *Registry) Get(id types.JobID) (types.Job, error) {
	e := r.lookup(id)
	if e == nil {
		return types.Job{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), nil
}

func (e *entry) snapshotLocked() types.Job {
	job := e.job
	job.Result = maps.Clone(e.job.Result)
	return job
}

// Transition 依狀態機將任務轉換到新狀態
//
// 參數說明：
//   - id: 任務 ID
//   - to: 目標狀態
//   - result: 僅在 to == Completed 時保存
//   - errMsg: 僅在 to == Failed 時保存
//
// 返回值：
//   - bool: 轉換是否被套用；未知 ID、終態或不合法的邊都回傳 false（不是錯誤）
func (r *Registry) Transition(id types.JobID, to types.JobState, result types.Result, errMsg string) bool {
	return r.transition(id, "", to, result, errMsg)
}

// TransitionFrom 與 Transition 相同，但僅在目前狀態等於 from 時套用
//
// 用途：Running → Failed 不得覆蓋同時發生的取消請求（Cancelling → Failed 只留給清理失敗）
func (r *Registry) TransitionFrom(id types.JobID, from, to types.JobState, result types.Result, errMsg string) bool {
	return r.transition(id, from, to, result, errMsg)
}

func (r *Registry) transition(id types.JobID, expect, to types.JobState, result types.Result, errMsg string) bool {
	e := r.lookup(id)
	if e == nil {
		r.logger.Debug("transition ignored: unknown job", "jobID", id, "to", to)
		return false
	}

	e.mu.Lock()
	from := e.job.State
	if expect != "" && from != expect {
		e.mu.Unlock()
		r.logger.Debug("transition ignored: state moved", "jobID", id, "from", from, "expected", expect, "to", to)
		return false
	}
	if !types.CanTransition(from, to) {
		e.mu.Unlock()
		r.logger.Debug("transition ignored", "jobID", id, "from", from, "to", to)
		return false
	}

	e.job.State = to
	e.job.UpdatedAt = r.now()
	switch to {
	case types.StateCompleted:
		if result == nil {
			result = types.Result{}
		}
		e.job.Result = result
	case types.StateFailed:
		if errMsg == "" {
			errMsg = "unknown error"
		}
		e.job.Error = errMsg
	}
	if to.IsTerminal() {
		close(e.done)
	}
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	r.notify(snapshot, from)
	return true
}

// RequestCancel 請求取消任務
//
// 返回值：
//   - bool: 未知或已終態回傳 false；Running 會翻轉為 Cancelling 並觸發取消控制代碼，
//     已在 Cancelling 的任務回傳 true 但不再觸發
//
// 併發安全：無論多少呼叫者，取消控制代碼只被呼叫一次
func (r *Registry) RequestCancel(id types.JobID) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}

	e.mu.Lock()
	switch e.job.State {
	case types.StateCancelling:
		e.mu.Unlock()
		return true
	case types.StateRunning:
	default:
		e.mu.Unlock()
		return false
	}

	from := e.job.State
	e.job.State = types.StateCancelling
	e.job.UpdatedAt = r.now()
	var cancel context.CancelFunc
	if !e.cancelFired {
		e.cancelFired = true
		cancel = e.cancel
	}
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.notify(snapshot, from)
	return true
}

// HasActiveForOwner owner 是否有 running/cancelling 的任務；空 owner 永遠回傳 false
func (r *Registry) HasActiveForOwner(owner string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasActiveLocked(owner)
}

func (r *Registry) hasActiveLocked(owner string) bool {
	if owner == "" {
		return false
	}
	for _, e := range r.entries {
		e.mu.Lock()
		active := e.job.Owner == owner && e.job.State.IsActive()
		e.mu.Unlock()
		if active {
			return true
		}
	}
	return false
}

// Wait 等待任務進入終態或 ctx 結束（長輪詢），等待期間不持有任何鎖
//
// 返回值：
//   - types.Job: 最新快照（ctx 結束時可能仍為非終態）
//   - error: ErrNotFound 或 ctx.Err()
func (r *Registry) Wait(ctx context.Context, id types.JobID) (types.Job, error) {
	e := r.lookup(id)
	if e == nil {
		return types.Job{}, ErrNotFound
	}

	var waitErr error
	select {
	case <-e.done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), waitErr
}

// Stats 取得各狀態任務的數量統計
//
// 使用範例：
//
//	stats := reg.Stats()
//	log.Info("jobs", "running", stats["running"], "completed", stats["completed"])
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := map[string]int{
		string(types.StateRunning):    0,
		string(types.StateCancelling): 0,
		string(types.StateCancelled):  0,
		string(types.StateCompleted):  0,
		string(types.StateFailed):     0,
	}
	for _, e := range r.entries {
		e.mu.Lock()
		stats[string(e.job.State)]++
		e.mu.Unlock()
	}
	return stats
}

func (r *Registry) notify(job types.Job, from types.JobState) {
	for _, hook := range r.hooks {
		hook(job, from)
	}
}
