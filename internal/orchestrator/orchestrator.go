// ============================================================================
// AI Orchestrator - Job Orchestrator
// ============================================================================
//
// Package: internal/orchestrator
// File: orchestrator.go
// Purpose: Drives one job end-to-end as a single cancellable unit of work.
//
// Pipeline:
//   load context → pack sections → inference (+1 retry on repair failure)
//   → normalize → [chart] → [render] → terminal state via the Registry
//
// Suspension points (cancellation is checked at each one):
//   before_context, before_inference, after_inference, before_render,
//   after_render
//
// Cancellation:
//   The job context is the cancellation token. Once it is done the remaining
//   steps are skipped and a bounded cleanup runs:
//     1. discard the partial result
//     2. remove the rendered report, if one was written
//   then Cancelling → Cancelled (or Failed when the removal itself fails).
//   An inference call that ignores its context is abandoned after
//   CancelGrace, and every call is bounded by InferenceTimeout, so a job
//   never stays Cancelling.
//
// Errors:
//   - transport (inference, context source, render) → Failed, no retry
//   - unparseable model output twice → Completed with INVALID_MODEL_OUTPUT
//   - cancellation never escapes Run
//
// ============================================================================

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/ai-orchestrator/internal/events"
	"github.com/ChuLiYu/ai-orchestrator/internal/registry"
	"github.com/ChuLiYu/ai-orchestrator/pkg/types"
)

const tracerName = "github.com/ChuLiYu/ai-orchestrator/internal/orchestrator"

// Suspension point names, used in logs and span events.
const (
	PointBeforeContext   = "before_context"
	PointBeforeInference = "before_inference"
	PointAfterInference  = "after_inference"
	PointBeforeRender    = "before_render"
	PointAfterRender     = "after_render"
)

// TextGenerator generates text from a prompt. Implementations should honor
// ctx but are not required to.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ContextSource loads the project context for a key.
type ContextSource interface {
	Load(ctx context.Context, key string) (types.Context, error)
}

// Renderer writes a report document and can remove it again during cleanup.
type Renderer interface {
	Render(ctx context.Context, doc types.Document) (string, error)
	Remove(ctx context.Context, fileRef string) error
}

// Config holds orchestrator timing settings.
type Config struct {
	InferenceTimeout time.Duration // hard bound on one inference call
	CancelGrace      time.Duration // how long to wait for a call after cancellation
	CleanupTimeout   time.Duration // bound on the cleanup sequence
}

func (c Config) withDefaults() Config {
	if c.InferenceTimeout <= 0 {
		c.InferenceTimeout = 120 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 2 * time.Second
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = 5 * time.Second
	}
	return c
}

// Orchestrator runs jobs registered in a Registry.
type Orchestrator struct {
	registry  *registry.Registry
	generator TextGenerator
	source    ContextSource
	renderer  Renderer
	bus       *events.Bus
	tracer    trace.Tracer
	logger    *slog.Logger
	config    Config
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRenderer enables report rendering. Without it jobs complete without a
// report file.
func WithRenderer(r Renderer) Option {
	return func(o *Orchestrator) { o.renderer = r }
}

// WithEventBus sets the bus repair events are published on.
func WithEventBus(bus *events.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithTracer overrides the global otel tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// New creates an Orchestrator.
func New(reg *registry.Registry, gen TextGenerator, source ContextSource, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:  reg,
		generator: gen,
		source:    source,
		tracer:    otel.Tracer(tracerName),
		logger:    slog.Default(),
		config:    cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes job id until it reaches a terminal state and returns that
// state. ctx is the job's cancellation token.
func (o *Orchestrator) Run(ctx context.Context, id types.JobID) types.JobState {
	job, err := o.registry.Get(id)
	if err != nil {
		o.logger.Error("run: unknown job", "jobID", id, "error", err)
		return ""
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.job",
		trace.WithAttributes(
			attribute.String("job.id", string(job.ID)),
			attribute.String("job.mode", string(job.Mode)),
			attribute.String("job.context_key", job.ContextKey),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	state := o.run(ctx, job)
	span.SetAttributes(attribute.String("job.state", string(state)))
	switch state {
	case types.StateFailed:
		span.SetStatus(codes.Error, "job failed")
	case types.StateCompleted:
		span.SetStatus(codes.Ok, "")
	}
	return state
}

func (o *Orchestrator) run(ctx context.Context, job types.Job) types.JobState {
	if o.cancelled(ctx, job, PointBeforeContext) {
		return o.finishCancelled(ctx, job, "")
	}

	projectCtx, err := o.loadContext(ctx, job)
	if err != nil {
		return o.fail(ctx, job, fmt.Errorf("context: %w", err))
	}

	result, err := o.infer(ctx, job, projectCtx)
	if err != nil {
		return o.fail(ctx, job, err)
	}

	var fileRef string
	if !IsInvalidOutput(result) {
		if job.Mode == types.ModeRecommendWithChart {
			if err := applyChart(result, projectCtx); err != nil {
				return o.fail(ctx, job, fmt.Errorf("chart: %w", err))
			}
		}

		if o.renderer != nil && job.Mode != types.ModeChat {
			if o.cancelled(ctx, job, PointBeforeRender) {
				return o.finishCancelled(ctx, job, "")
			}
			fileRef, err = o.render(ctx, job, result)
			if err != nil {
				return o.fail(ctx, job, fmt.Errorf("render: %w", err))
			}
			if o.cancelled(ctx, job, PointAfterRender) {
				return o.finishCancelled(ctx, job, fileRef)
			}
			result["reportFile"] = fileRef
		}
	}

	if o.registry.Transition(job.ID, types.StateCompleted, result, "") {
		return types.StateCompleted
	}
	// A cancel landed after the last suspension point.
	return o.finishCancelled(ctx, job, fileRef)
}

func (o *Orchestrator) loadContext(ctx context.Context, job types.Job) (types.Context, error) {
	ctx, span := o.tracer.Start(ctx, "context.load",
		trace.WithAttributes(attribute.String("job.context_key", job.ContextKey)))
	defer span.End()

	c, err := o.source.Load(ctx, job.ContextKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return c, nil
}

func (o *Orchestrator) render(ctx context.Context, job types.Job, result types.Result) (string, error) {
	ctx, span := o.tracer.Start(ctx, "render")
	defer span.End()

	ref, err := o.renderer.Render(ctx, buildDocument(job, result))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("render.file", ref))
	return ref, nil
}

// cancelled reports whether the job's cancellation token fired, recording the
// suspension point where it was observed.
func (o *Orchestrator) cancelled(ctx context.Context, job types.Job, point string) bool {
	if ctx.Err() == nil {
		return false
	}
	trace.SpanFromContext(ctx).AddEvent("cancellation observed",
		trace.WithAttributes(attribute.String("point", point)))
	o.logger.Debug("cancellation observed", "jobID", job.ID, "point", point)
	return true
}

// fail moves the job to Failed unless a cancellation is in progress, in which
// case the cancel path wins.
func (o *Orchestrator) fail(ctx context.Context, job types.Job, cause error) types.JobState {
	if ctx.Err() != nil {
		return o.finishCancelled(ctx, job, "")
	}

	if o.registry.TransitionFrom(job.ID, types.StateRunning, types.StateFailed, nil, cause.Error()) {
		trace.SpanFromContext(ctx).RecordError(cause)
		return types.StateFailed
	}
	if o.currentState(job.ID) == types.StateCancelling {
		return o.finishCancelled(ctx, job, "")
	}
	return o.currentState(job.ID)
}

// finishCancelled runs the bounded cleanup sequence and records the outcome.
func (o *Orchestrator) finishCancelled(ctx context.Context, job types.Job, fileRef string) types.JobState {
	// Shutdown cancels the parent context without going through RequestCancel.
	o.registry.Transition(job.ID, types.StateCancelling, nil, "")

	if fileRef != "" && o.renderer != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.CleanupTimeout)
		err := o.renderer.Remove(cleanupCtx, fileRef)
		cancel()
		if err != nil {
			o.registry.Transition(job.ID, types.StateFailed, nil, fmt.Sprintf("cleanup: remove report: %v", err))
			return o.currentState(job.ID)
		}
	}

	o.registry.Transition(job.ID, types.StateCancelled, nil, "")
	return o.currentState(job.ID)
}

func (o *Orchestrator) currentState(id types.JobID) types.JobState {
	job, err := o.registry.Get(id)
	if err != nil {
		return ""
	}
	return job.State
}
