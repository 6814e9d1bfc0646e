// Package events carries the structured job lifecycle events emitted at
// submit, transition, repair and cancel points, and fans them out to
// listeners (logging, metrics, audit history).
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/ai-orchestrator/pkg/types"
)

// Event is implemented by every lifecycle event.
type Event interface {
	jobEvent()
}

// JobSubmitted is emitted once a job record has been registered.
type JobSubmitted struct {
	Job types.Job
}

// SubmitRejected is emitted when a submission is refused before a record exists.
type SubmitRejected struct {
	Owner  string
	Mode   types.Mode
	Reason error
}

// JobTransitioned is emitted after every applied state transition.
type JobTransitioned struct {
	Job  types.Job
	From types.JobState
}

// RepairAttempted is emitted after each normalization attempt on model output.
type RepairAttempted struct {
	JobID   types.JobID
	Section string
	Attempt int
	Err     error // nil when the attempt produced a structured result
}

// CancelRequested is emitted for every cancel call on a known job.
type CancelRequested struct {
	JobID    types.JobID
	Accepted bool
	At       time.Time
}

func (JobSubmitted) jobEvent()    {}
func (SubmitRejected) jobEvent()  {}
func (JobTransitioned) jobEvent() {}
func (RepairAttempted) jobEvent() {}
func (CancelRequested) jobEvent() {}

// Listener consumes events. Handle must not block for long; it runs on the
// emitting goroutine.
type Listener interface {
	Handle(Event)
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func(Event)

// Handle calls f(ev).
func (f ListenerFunc) Handle(ev Event) { f(ev) }

// Bus delivers events to every subscribed listener in subscription order.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
}

// NewBus creates a bus with the given initial listeners.
func NewBus(listeners ...Listener) *Bus {
	return &Bus{listeners: listeners}
}

// Subscribe adds a listener.
func (b *Bus) Subscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Publish delivers ev synchronously. A nil bus drops the event.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()

	for _, l := range listeners {
		l.Handle(ev)
	}
}

// LogListener writes every event as a structured log record.
func LogListener(logger *slog.Logger) Listener {
	return ListenerFunc(func(ev Event) {
		switch e := ev.(type) {
		case JobSubmitted:
			logger.Info("job submitted",
				"jobID", e.Job.ID, "mode", e.Job.Mode, "owner", e.Job.Owner, "contextKey", e.Job.ContextKey)
		case SubmitRejected:
			logger.Warn("submit rejected", "owner", e.Owner, "mode", e.Mode, "reason", e.Reason)
		case JobTransitioned:
			attrs := []any{"jobID", e.Job.ID, "from", e.From, "to", e.Job.State}
			if e.Job.State.IsTerminal() {
				attrs = append(attrs, "duration", e.Job.Duration())
			}
			if e.Job.Error != "" {
				attrs = append(attrs, "error", e.Job.Error)
			}
			logger.Info("job transitioned", attrs...)
		case RepairAttempted:
			if e.Err != nil {
				logger.Warn("model output repair failed",
					"jobID", e.JobID, "section", e.Section, "attempt", e.Attempt, "error", e.Err)
				return
			}
			logger.Debug("model output repaired",
				"jobID", e.JobID, "section", e.Section, "attempt", e.Attempt)
		case CancelRequested:
			logger.Info("cancel requested", "jobID", e.JobID, "accepted", e.Accepted)
		}
	})
}
