package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/ai-orchestrator/internal/events"
	"github.com/ChuLiYu/ai-orchestrator/internal/llm"
	"github.com/ChuLiYu/ai-orchestrator/internal/normalizer"
	"github.com/ChuLiYu/ai-orchestrator/internal/packer"
	"github.com/ChuLiYu/ai-orchestrator/pkg/types"
)

// InvalidModelOutput is the error value stored in a completed result when the
// model never produced parseable JSON.
const InvalidModelOutput = "INVALID_MODEL_OUTPUT"

// IsInvalidOutput reports whether result is the INVALID_MODEL_OUTPUT payload.
func IsInvalidOutput(result types.Result) bool {
	return result["error"] == InvalidModelOutput
}

// infer runs every section of the job and merges the outcome into one result.
func (o *Orchestrator) infer(ctx context.Context, job types.Job, projectCtx types.Context) (types.Result, error) {
	sections := packer.Sections(job.Mode, projectCtx, job.Question)
	if len(sections) == 1 {
		return o.structured(ctx, job, sections[0])
	}

	results := make([]types.Result, len(sections))
	g, gctx := errgroup.WithContext(ctx)
	for i, section := range sections {
		g.Go(func() error {
			res, err := o.structured(gctx, job, section)
			if err != nil {
				return fmt.Errorf("section %s: %w", section.Name, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, res := range results {
		if IsInvalidOutput(res) {
			res["section"] = sections[i].Name
			return res, nil
		}
	}
	return mergeSummary(results, projectCtx), nil
}

// structured produces the normalized result of one section, re-invoking the
// generator once with an amended prompt when the first reply cannot be
// repaired.
func (o *Orchestrator) structured(ctx context.Context, job types.Job, section packer.Section) (types.Result, error) {
	prompt := section.Prompt
	var text string
	for attempt := 1; attempt <= 2; attempt++ {
		if attempt == 2 {
			prompt += packer.RetrySuffix
		}

		var err error
		text, err = o.generate(ctx, job, section.Name, prompt)
		if err != nil {
			return nil, err
		}

		result, nerr := normalizer.Normalize(text, job.Mode)
		o.bus.Publish(events.RepairAttempted{
			JobID:   job.ID,
			Section: section.Name,
			Attempt: attempt,
			Err:     nerr,
		})
		if nerr == nil {
			return result, nil
		}
	}
	return types.Result{"error": InvalidModelOutput, "raw": text}, nil
}

type reply struct {
	text string
	err  error
}

// generate calls the text generator between the before_inference and
// after_inference suspension points. The call runs on its own goroutine so
// that a generator ignoring its context cannot hold the job past
// InferenceTimeout or, once cancelled, past CancelGrace.
func (o *Orchestrator) generate(ctx context.Context, job types.Job, section, prompt string) (string, error) {
	if o.cancelled(ctx, job, PointBeforeInference) {
		return "", ctx.Err()
	}

	ctx, span := o.tracer.Start(ctx, "inference",
		trace.WithAttributes(
			attribute.String("job.section", section),
			attribute.Int("prompt.bytes", len(prompt)),
		))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, o.config.InferenceTimeout)
	defer cancel()

	done := make(chan reply, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- reply{err: fmt.Errorf("generator panicked: %v", p)}
			}
		}()
		text, err := o.generator.Generate(callCtx, prompt)
		done <- reply{text: text, err: err}
	}()

	var r reply
	select {
	case r = <-done:
	case <-callCtx.Done():
		if ctx.Err() != nil {
			o.awaitAbandoned(job, done)
			return "", ctx.Err()
		}
		err := fmt.Errorf("%w: no reply within %s", llm.ErrTimeout, o.config.InferenceTimeout)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("inference: %w", err)
	}

	if o.cancelled(ctx, job, PointAfterInference) {
		return "", ctx.Err()
	}
	if r.err != nil {
		span.RecordError(r.err)
		span.SetStatus(codes.Error, r.err.Error())
		return "", fmt.Errorf("inference: %w", r.err)
	}
	span.SetAttributes(attribute.Int("reply.bytes", len(r.text)))
	return r.text, nil
}

// awaitAbandoned gives an in-flight call CancelGrace to return after the job
// was cancelled; the reply is discarded either way.
func (o *Orchestrator) awaitAbandoned(job types.Job, done <-chan reply) {
	timer := time.NewTimer(o.config.CancelGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		o.logger.Warn("abandoning inference call after cancellation",
			"jobID", job.ID, "grace", o.config.CancelGrace)
	}
}
