// ============================================================================
// AI Orchestrator Worker - Job Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs orchestrator jobs, one goroutine per worker
//
// How it works:
//   Each Worker is an independent goroutine that loops:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the task (the job's own context bounds it)
//   3. Send result to resultCh
//   4. Repeat until taskCh is closed
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for task := range taskCh     │   │
//   │  │   ├─ execute(task) + recover │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Timeouts and cancellation:
//   The worker does not impose its own deadline. Task.Run closes over the
//   job's cancellation context and returns once the job is terminal.
//
// Error Handling:
//   - A panicking task is recovered and reported as ErrTaskPanicked; the
//     worker keeps serving the queue
//   - Results are always delivered; the consumer drains resultCh until the
//     pool closes it
//
// ============================================================================

package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/ai-orchestrator/pkg/types"
)

// ErrTaskPanicked wraps the value recovered from a panicking task.
var ErrTaskPanicked = errors.New("task panicked")

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker identifier, used for logging
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()
		state, err := w.execute(task)

		w.resultCh <- Result{
			JobID:    task.ID,
			State:    state,
			Err:      err,
			Duration: time.Since(start),
		}
	}
}

// execute runs one task, converting a panic into an error
func (w *Worker) execute(task Task) (state types.JobState, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task panicked", "worker", w.id, "jobID", task.ID, "panic", r)
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return task.Run(), nil
}
