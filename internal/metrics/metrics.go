// ============================================================================
// AI Orchestrator Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 由生命週期事件驅動的 Prometheus 指標，並提供 /metrics 端點
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - orchestrator_jobs_submitted_total{mode}: 已提交任務
//      - orchestrator_jobs_completed_total: 完成（含 INVALID_MODEL_OUTPUT）
//      - orchestrator_jobs_failed_total: 失敗
//      - orchestrator_jobs_cancelled_total: 已取消
//      - orchestrator_submit_rejected_total{reason}: 被拒絕的提交（conflict/other）
//      - orchestrator_repair_attempts_total{outcome}: 模型輸出修復（repaired/failed）
//      - orchestrator_cancel_requests_total{accepted}: 取消請求
//
//   2. 性能指標 (Histogram)：
//      - orchestrator_job_duration_seconds{state}: 提交到終態的時間
//        * 桶分佈: 0.1 ~ 300 秒（推論通常是秒級）
//
//   3. 狀態指標 (Gauge)：
//      - orchestrator_jobs_running: 執行中任務數
//      - orchestrator_jobs_cancelling: 清理中任務數
//
// Prometheus 查詢示例:
//
//   # 95 分位任務時間
//   histogram_quantile(0.95, rate(orchestrator_job_duration_seconds_bucket[5m]))
//
//   # 模型輸出修復失敗率
//   rate(orchestrator_repair_attempts_total{outcome="failed"}[5m])
//     / rate(orchestrator_repair_attempts_total[5m])
//
//   # 卡在清理中的任務
//   orchestrator_jobs_cancelling > 0
//
// 使用方式:
//   Collector 實作 events.Listener，掛到事件匯流排即可：
//     bus.Subscribe(metrics.NewCollector())
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/ai-orchestrator/internal/events"
	"github.com/ChuLiYu/ai-orchestrator/internal/registry"
	"github.com/ChuLiYu/ai-orchestrator/pkg/types"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsSubmitted  *prometheus.CounterVec
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsCancelled  prometheus.Counter
	submitRejected *prometheus.CounterVec
	repairAttempts *prometheus.CounterVec
	cancelRequests *prometheus.CounterVec

	// 效能指標
	jobDuration *prometheus.HistogramVec

	// 狀態指標
	jobsRunning    prometheus.Gauge
	jobsCancelling prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_jobs_submitted_total",
			Help: "Total number of jobs accepted for execution",
		}, []string{"mode"}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_jobs_completed_total",
			Help: "Total number of jobs completed",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_jobs_failed_total",
			Help: "Total number of jobs failed",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_jobs_cancelled_total",
			Help: "Total number of jobs cancelled",
		}),
		submitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_submit_rejected_total",
			Help: "Total number of submissions refused before a record was created",
		}, []string{"reason"}),
		repairAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_repair_attempts_total",
			Help: "Model output normalization attempts by outcome",
		}, []string{"outcome"}),
		cancelRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_cancel_requests_total",
			Help: "Cancel calls on known jobs, by whether they started a cancellation",
		}, []string{"accepted"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_job_duration_seconds",
			Help:    "Time from submission to terminal state in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"state"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_jobs_running",
			Help: "Current number of running jobs",
		}),
		jobsCancelling: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_jobs_cancelling",
			Help: "Current number of jobs in cancellation cleanup",
		}),
	}

	// 註冊所有指標
	prometheus.MustRegister(c.jobsSubmitted)
	prometheus.MustRegister(c.jobsCompleted)
	prometheus.MustRegister(c.jobsFailed)
	prometheus.MustRegister(c.jobsCancelled)
	prometheus.MustRegister(c.submitRejected)
	prometheus.MustRegister(c.repairAttempts)
	prometheus.MustRegister(c.cancelRequests)
	prometheus.MustRegister(c.jobDuration)
	prometheus.MustRegister(c.jobsRunning)
	prometheus.MustRegister(c.jobsCancelling)

	return c
}

// Handle 實作 events.Listener
func (c *Collector) Handle(ev events.Event) {
	switch e := ev.(type) {
	case events.JobSubmitted:
		c.RecordSubmitted(e.Job.Mode)
	case events.SubmitRejected:
		c.RecordRejected(e.Reason)
	case events.JobTransitioned:
		c.RecordTransition(e.From, e.Job.State, e.Job.Duration())
	case events.RepairAttempted:
		c.RecordRepair(e.Err == nil)
	case events.CancelRequested:
		c.cancelRequests.WithLabelValues(fmt.Sprint(e.Accepted)).Inc()
	}
}

// RecordSubmitted 記錄任務提交
func (c *Collector) RecordSubmitted(mode types.Mode) {
	c.jobsSubmitted.WithLabelValues(string(mode)).Inc()
	c.jobsRunning.Inc()
}

// RecordRejected 記錄被拒絕的提交
func (c *Collector) RecordRejected(reason error) {
	label := "other"
	if errors.Is(reason, registry.ErrConflict) {
		label = "conflict"
	}
	c.submitRejected.WithLabelValues(label).Inc()
}

// RecordTransition 依狀態轉換更新計數器與 Gauge
func (c *Collector) RecordTransition(from, to types.JobState, elapsed time.Duration) {
	switch from {
	case types.StateRunning:
		c.jobsRunning.Dec()
	case types.StateCancelling:
		c.jobsCancelling.Dec()
	}

	switch to {
	case types.StateCancelling:
		c.jobsCancelling.Inc()
		return
	case types.StateCompleted:
		c.jobsCompleted.Inc()
	case types.StateFailed:
		c.jobsFailed.Inc()
	case types.StateCancelled:
		c.jobsCancelled.Inc()
	default:
		return
	}
	c.jobDuration.WithLabelValues(string(to)).Observe(elapsed.Seconds())
}

// RecordRepair 記錄一次模型輸出正規化的結果
func (c *Collector) RecordRepair(ok bool) {
	outcome := "failed"
	if ok {
		outcome = "repaired"
	}
	c.repairAttempts.WithLabelValues(outcome).Inc()
}

// Handler 返回 /metrics 的 HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 結束時關閉
//
// 參數：
//   - ctx: 控制伺服器生命週期
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - error: 啟動失敗的錯誤（正常關閉回傳 nil）
func StartServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
