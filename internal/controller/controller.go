// ============================================================================
// AI Orchestrator 控制器 - 任務提交、查詢與取消的協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 對外提供 Submit / Status / Cancel / Wait，協調 Registry、Orchestrator
//       與 Worker Pool
//
// 架構設計:
//   - Registry: 任務紀錄與狀態機（唯一的狀態來源）
//   - Runner: 實際執行任務（orchestrator.Orchestrator）
//   - WorkerPool: 限制同時執行的任務數
//   - Bus: 生命週期事件（log / metrics / history）
//
// 提交流程:
//   1. 驗證 mode 與 contextKey
//   2. 產生 UUID，從 rootCtx 派生任務 context（即取消控制代碼）
//   3. RegisterForOwner：同一 owner 已有進行中任務則回傳 ErrConflict，不建立紀錄
//   4. 發送 JobSubmitted，將任務交給 Worker Pool
//   5. 立即返回 JobID（任務狀態為 running）
//
// 取消流程:
//   RequestCancel → running 轉為 cancelling 並觸發取消控制代碼（僅一次）
//   → 在 CancelWait 內等待終態 → 回報目前狀態（仍為 cancelling 則 Pending=true）
//
// 核心循環:
//   Result Loop - 接收 Worker 結果；任務 panic 時將紀錄轉為 failed
//
// 關閉順序:
//   1. rootCancel()   → 所有進行中的任務觀察到取消並進入 cancelled
//   2. pool.Stop()    → 等待 Worker 結束，關閉 resultCh
//   3. loopWg.Wait()  → resultLoop 讀完剩餘結果後退出
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/ai-orchestrator/internal/events"
	"github.com/ChuLiYu/ai-orchestrator/internal/registry"
	"github.com/ChuLiYu/ai-orchestrator/internal/worker"
	"github.com/ChuLiYu/ai-orchestrator/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrInvalidMode 不支援的模式
	ErrInvalidMode = errors.New("invalid mode")
	// ErrInvalidRequest 缺少必要欄位
	ErrInvalidRequest = errors.New("invalid request")
	// ErrStopped Controller 已關閉或尚未啟動
	ErrStopped = errors.New("controller is not running")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Runner 執行單一任務直到終態
type Runner interface {
	Run(ctx context.Context, id types.JobID) types.JobState
}

// Config Controller 配置
type Config struct {
	WorkerCount int           // Worker 數量（同時執行的任務上限）
	QueueSize   int           // 等待執行的任務佇列大小
	CancelWait  time.Duration // Cancel 同步等待終態的上限
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.CancelWait <= 0 {
		c.CancelWait = 5 * time.Second
	}
	return c
}

// SubmitRequest 提交任務的參數
type SubmitRequest struct {
	Mode       types.Mode
	Owner      string // 空字串表示不做 owner 衝突檢查
	ContextKey string
	Question   string // chat 模式的問題
}

// CancelResult Cancel 的回報
type CancelResult struct {
	State   types.JobState // 回報時的狀態
	Pending bool           // 等待逾時時仍在 cancelling
}

// Controller 核心控制器
type Controller struct {
	registry   *registry.Registry
	runner     Runner
	pool       *worker.Pool
	bus        *events.Bus
	config     Config
	rootCtx    context.Context
	rootCancel context.CancelFunc
	mu         sync.Mutex
	started    bool
	stopped    bool
	startTime  time.Time
	loopWg     sync.WaitGroup

	// queued 尚未被 worker 取走的任務；worker 與 Cancel 以 LoadAndDelete 競爭所有權
	queued sync.Map
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - reg: 任務登記表（通常以 WithTransitionHook(TransitionPublisher(bus)) 建立）
//   - runner: 任務執行者
//   - bus: 事件匯流排，可為 nil
//   - config: Controller 配置
//
// 使用範例：
//
//	bus := events.NewBus(events.LogListener(slog.Default()))
//	reg := registry.New(registry.WithTransitionHook(controller.TransitionPublisher(bus)))
//	orch := orchestrator.New(reg, llmClient, source, orchestrator.Config{})
//	ctrl := controller.NewController(reg, orch, bus, controller.Config{WorkerCount: 4})
//	if err := ctrl.Start(); err != nil { ... }
//	defer ctrl.Stop()
func NewController(reg *registry.Registry, runner Runner, bus *events.Bus, config Config) *Controller {
	config = config.withDefaults()
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Controller{
		registry:   reg,
		runner:     runner,
		pool:       worker.NewPool(config.QueueSize),
		bus:        bus,
		config:     config,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
}

// TransitionPublisher 將 Registry 的每次狀態轉換發送為 JobTransitioned 事件
func TransitionPublisher(bus *events.Bus) registry.TransitionHook {
	return func(job types.Job, from types.JobState) {
		bus.Publish(events.JobTransitioned{Job: job, From: from})
	}
}

// Start 啟動 Worker Pool 與結果循環
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return errors.New("controller already started")
	}
	if err := c.pool.Start(c.config.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	c.startTime = time.Now()
	c.started = true

	c.loopWg.Add(1)
	go c.resultLoop()

	log.Info("Controller started",
		"workers", c.config.WorkerCount,
		"queue", c.config.QueueSize)
	return nil
}

// Submit 提交任務，立即返回 JobID
//
// 錯誤處理：
//   - ErrInvalidMode / ErrInvalidRequest: 參數錯誤
//   - registry.ErrConflict: owner 已有進行中的任務，不建立紀錄
//   - ErrStopped: Controller 未運行
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (types.JobID, error) {
	if !req.Mode.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}
	if req.ContextKey == "" {
		return "", fmt.Errorf("%w: contextKey is required", ErrInvalidRequest)
	}
	if req.Mode == types.ModeChat && req.Question == "" {
		return "", fmt.Errorf("%w: question is required for chat", ErrInvalidRequest)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !c.running() {
		return "", ErrStopped
	}

	id := types.JobID(uuid.NewString())
	jobCtx, cancel := context.WithCancel(c.rootCtx)
	job := types.Job{
		ID:         id,
		Mode:       req.Mode,
		Owner:      req.Owner,
		ContextKey: req.ContextKey,
		Question:   req.Question,
	}

	if err := c.registry.RegisterForOwner(job, cancel); err != nil {
		cancel()
		c.bus.Publish(events.SubmitRejected{Owner: req.Owner, Mode: req.Mode, Reason: err})
		return "", err
	}

	if snapshot, err := c.registry.Get(id); err == nil {
		c.bus.Publish(events.JobSubmitted{Job: snapshot})
	}

	c.queued.Store(id, struct{}{})
	task := worker.Task{
		ID: id,
		Run: func() types.JobState {
			defer cancel()
			if _, claimed := c.queued.LoadAndDelete(id); !claimed {
				// 排隊期間已被 Cancel 收尾
				job, _ := c.registry.Get(id)
				return job.State
			}
			return c.runner.Run(jobCtx, id)
		},
	}
	if err := c.pool.Submit(task); err != nil {
		c.queued.Delete(id)
		cancel()
		c.registry.Transition(id, types.StateFailed, nil, fmt.Sprintf("submit: %v", err))
		return "", fmt.Errorf("submit: %w", err)
	}

	return id, nil
}

// Status 取得任務快照
func (c *Controller) Status(id types.JobID) (types.Job, error) {
	return c.registry.Get(id)
}

// Wait 長輪詢：等待任務進入終態或 ctx 結束
func (c *Controller) Wait(ctx context.Context, id types.JobID) (types.Job, error) {
	return c.registry.Wait(ctx, id)
}

// Cancel 請求取消任務並在 CancelWait 內等待結果
//
// 行為：
//   - 未知任務: registry.ErrNotFound
//   - 已終態: 直接回報目前狀態（不改變）
//   - running: 轉為 cancelling 並觸發取消，等待 cleanup 完成
//   - 仍在佇列中（尚無 worker 執行）: 直接完成為 cancelled，不等待其他任務釋放 worker
//
// 返回值：
//   - CancelResult: 回報時的狀態；等待逾時仍為 cancelling 時 Pending=true
func (c *Controller) Cancel(ctx context.Context, id types.JobID) (CancelResult, error) {
	if _, err := c.registry.Get(id); err != nil {
		return CancelResult{}, err
	}

	accepted := c.registry.RequestCancel(id)
	c.bus.Publish(events.CancelRequested{JobID: id, Accepted: accepted, At: time.Now()})
	if _, queued := c.queued.LoadAndDelete(id); queued {
		c.registry.Transition(id, types.StateCancelled, nil, "")
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.config.CancelWait)
	defer cancel()

	job, err := c.registry.Wait(waitCtx, id)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return CancelResult{}, err
	}
	return CancelResult{
		State:   job.State,
		Pending: job.State == types.StateCancelling,
	}, nil
}

// GetStatus 取得系統狀態
//
// 返回值：
//   - map[string]interface{}: 各狀態任務數量與執行資訊
func (c *Controller) GetStatus() map[string]interface{} {
	stats := c.registry.Stats()

	c.mu.Lock()
	uptime := time.Duration(0)
	if c.started {
		uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()

	status := map[string]interface{}{
		"uptime":  uptime.String(),
		"workers": c.config.WorkerCount,
		"queued":  c.pool.Queued(),
	}
	for state, n := range stats {
		status[state] = n
	}
	return status
}

func (c *Controller) running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.stopped
}

// ============================================================================
// 核心循環
// ============================================================================

// resultLoop 處理 Worker 執行結果，直到 Pool 關閉為止
func (c *Controller) resultLoop() {
	defer c.loopWg.Done()
	for {
		result, err := c.pool.ReceiveResult()
		if err != nil {
			if errors.Is(err, worker.ErrPoolClosed) {
				log.Info("Result loop stopped")
				return
			}
			log.Error("Failed to receive result", "error", err)
			continue
		}

		c.handleResult(result)
	}
}

// handleResult 處理單個任務結果
func (c *Controller) handleResult(result worker.Result) {
	if result.Err != nil {
		// 任務 panic：紀錄可能仍停在 running/cancelling
		if c.registry.Transition(result.JobID, types.StateFailed, nil, result.Err.Error()) {
			log.Error("Job aborted", "jobID", result.JobID, "error", result.Err)
		}
		return
	}

	log.Debug("Job finished",
		"jobID", result.JobID,
		"state", result.State,
		"duration", result.Duration)
}

// Stop 優雅關閉 Controller
//
// 進行中的任務會被取消（進入 cancelled），佇列中的任務在開始時即觀察到取消
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	log.Info("Stopping controller...")

	c.rootCancel()
	c.pool.Stop()
	c.loopWg.Wait()

	log.Info("Controller stopped", "stats", c.registry.Stats())
}
