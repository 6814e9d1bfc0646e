package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ChuLiYu/ai-orchestrator/internal/events"
	"github.com/ChuLiYu/ai-orchestrator/internal/packer"
	"github.com/ChuLiYu/ai-orchestrator/internal/registry"
	"github.com/ChuLiYu/ai-orchestrator/pkg/types"
)

// ============================================================================
// Test doubles
// ============================================================================

type generatorFunc func(ctx context.Context, prompt string) (string, error)

func (f generatorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// replies returns a generator that answers with texts in order (the last one
// repeats) and records every prompt it saw.
func replies(texts ...string) (generatorFunc, *[]string) {
	var mu sync.Mutex
	var prompts []string
	return func(ctx context.Context, prompt string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		prompts = append(prompts, prompt)
		i := len(prompts) - 1
		if i >= len(texts) {
			i = len(texts) - 1
		}
		return texts[i], nil
	}, &prompts
}

type mapSource map[string]types.Context

func (m mapSource) Load(ctx context.Context, key string) (types.Context, error) {
	c, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("project %q not found", key)
	}
	return c, nil
}

type fakeRenderer struct {
	mu        sync.Mutex
	docs      []types.Document
	removed   []string
	onRender  func()
	removeErr error
}

func (r *fakeRenderer) Render(ctx context.Context, doc types.Document) (string, error) {
	r.mu.Lock()
	r.docs = append(r.docs, doc)
	r.mu.Unlock()
	if r.onRender != nil {
		r.onRender()
	}
	return "reports/" + string(doc.JobID) + ".pdf", nil
}

func (r *fakeRenderer) Remove(ctx context.Context, fileRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, fileRef)
	return r.removeErr
}

func monthlyContext(months int) types.Context {
	rows := make([]any, 0, months)
	for i := 0; i < months; i++ {
		rows = append(rows, map[string]any{
			"yearMonth":    fmt.Sprintf("%04d-%02d", 2023+i/12, i%12+1),
			"totalRevenue": float64(10 * (i + 1)),
		})
	}
	return types.Context{
		"header":       map[string]any{"name": "Bridge", "code": "BR-1"},
		"salesMonthly": rows,
		"inventory":    []any{map[string]any{"product": "bolt", "onHand": 3.0}},
	}
}

type harness struct {
	reg  *registry.Registry
	orch *Orchestrator
	bus  *events.Bus
}

func newHarness(t *testing.T, gen TextGenerator, cfg Config, opts ...Option) *harness {
	t.Helper()
	reg := registry.New()
	bus := events.NewBus()
	opts = append([]Option{WithEventBus(bus)}, opts...)
	source := mapSource{"p1": monthlyContext(15)}
	return &harness{reg: reg, bus: bus, orch: New(reg, gen, source, cfg, opts...)}
}

// submit registers a job and returns its cancellation context.
func (h *harness) submit(t *testing.T, mode types.Mode, contextKey string) (context.Context, types.JobID) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	id := types.JobID(fmt.Sprintf("job-%s-%d", mode, time.Now().UnixNano()))
	require.NoError(t, h.reg.Register(types.Job{ID: id, Mode: mode, Owner: "o1", ContextKey: contextKey}, cancel))
	return ctx, id
}

func (h *harness) job(t *testing.T, id types.JobID) types.Job {
	t.Helper()
	job, err := h.reg.Get(id)
	require.NoError(t, err)
	return job
}

// ============================================================================
// Tests
// ============================================================================

func TestRun_RecommendCompletesWithReport(t *testing.T) {
	gen, prompts := replies(`{"summary":"buy bolts","stockAlerts":["bolt low"],"costOpportunities":[],"risks":["late supplier"]}`)
	renderer := &fakeRenderer{}
	h := newHarness(t, gen, Config{}, WithRenderer(renderer))
	ctx, id := h.submit(t, types.ModeRecommend, "p1")

	state := h.orch.Run(ctx, id)

	require.Equal(t, types.StateCompleted, state)
	job := h.job(t, id)
	assert.Equal(t, "buy bolts", job.Result["summary"])
	assert.Equal(t, "reports/"+string(id)+".pdf", job.Result["reportFile"])
	assert.Empty(t, job.Error)
	assert.Len(t, *prompts, 1)

	require.Len(t, renderer.docs, 1)
	assert.Equal(t, "Recommendation Report", renderer.docs[0].Title)
	assert.Equal(t, []string{"bolt low", "late supplier"}, renderer.docs[0].Items)
}

func TestRun_ProseTwiceCompletesWithInvalidOutput(t *testing.T) {
	gen, prompts := replies("I think you should buy more bolts.", "Honestly, bolts.")
	renderer := &fakeRenderer{}
	h := newHarness(t, gen, Config{}, WithRenderer(renderer))

	var repairs []events.RepairAttempted
	h.bus.Subscribe(events.ListenerFunc(func(ev events.Event) {
		if r, ok := ev.(events.RepairAttempted); ok {
			repairs = append(repairs, r)
		}
	}))
	ctx, id := h.submit(t, types.ModeRecommend, "p1")

	state := h.orch.Run(ctx, id)

	require.Equal(t, types.StateCompleted, state)
	job := h.job(t, id)
	assert.Equal(t, types.Result{"error": InvalidModelOutput, "raw": "Honestly, bolts."}, job.Result)

	require.Len(t, *prompts, 2)
	assert.True(t, strings.HasSuffix((*prompts)[1], packer.RetrySuffix))
	assert.Equal(t, (*prompts)[0]+packer.RetrySuffix, (*prompts)[1])

	require.Len(t, repairs, 2)
	assert.Error(t, repairs[0].Err)
	assert.Equal(t, 2, repairs[1].Attempt)
	assert.Empty(t, renderer.docs, "invalid output is not rendered")
}

func TestRun_RetryRecovers(t *testing.T) {
	gen, prompts := replies("no json here", `{answer: "bolts are low",}`)
	h := newHarness(t, gen, Config{})
	ctx, id := h.submit(t, types.ModeChat, "p1")

	require.Equal(t, types.StateCompleted, h.orch.Run(ctx, id))
	assert.Equal(t, "bolts are low", h.job(t, id).Result["answer"])
	assert.Len(t, *prompts, 2)
}

func TestRun_TransportErrorFailsWithoutRetry(t *testing.T) {
	var calls int32
	gen := generatorFunc(func(ctx context.Context, prompt string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", errors.New("llm: connection error: refused")
	})
	h := newHarness(t, gen, Config{})
	ctx, id := h.submit(t, types.ModeRecommend, "p1")

	require.Equal(t, types.StateFailed, h.orch.Run(ctx, id))
	job := h.job(t, id)
	assert.Contains(t, job.Error, "inference")
	assert.Contains(t, job.Error, "connection error")
	assert.Nil(t, job.Result)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRun_GeneratorPanicFails(t *testing.T) {
	gen := generatorFunc(func(ctx context.Context, prompt string) (string, error) {
		panic("tokenizer exploded")
	})
	h := newHarness(t, gen, Config{})
	ctx, id := h.submit(t, types.ModeExtract, "p1")

	require.Equal(t, types.StateFailed, h.orch.Run(ctx, id))
	assert.Contains(t, h.job(t, id).Error, "generator panicked: tokenizer exploded")
}

func TestRun_MissingContextFails(t *testing.T) {
	gen, prompts := replies(`{}`)
	h := newHarness(t, gen, Config{})
	ctx, id := h.submit(t, types.ModeRecommend, "nope")

	require.Equal(t, types.StateFailed, h.orch.Run(ctx, id))
	assert.Contains(t, h.job(t, id).Error, "context")
	assert.Empty(t, *prompts)
}

func TestRun_SummarizeCoverageReflectsCappedSlice(t *testing.T) {
	gen, prompts := replies(`{"project":{"name":"model name"},"volumeTrend":[{"yearMonth":"2024-03","quantity":5}],"periodCoverage":{"firstSaleMonth":"2023-01"}}`)
	h := newHarness(t, gen, Config{})
	ctx, id := h.submit(t, types.ModeSummarize, "p1")

	require.Equal(t, types.StateCompleted, h.orch.Run(ctx, id))
	result := h.job(t, id).Result

	assert.Len(t, *prompts, 3, "one inference call per section")
	coverage := result["periodCoverage"].(map[string]any)
	assert.Equal(t, "2023-04", coverage["firstSaleMonth"])
	assert.Equal(t, "2024-03", coverage["lastSaleMonth"])
	assert.Equal(t, float64(12), coverage["monthsCovered"])

	project := result["project"].(map[string]any)
	assert.Equal(t, "Bridge", project["name"], "header wins over model output")
	assert.Equal(t, "BR-1", project["code"])
	assert.Len(t, result["volumeTrend"], 1)
	assert.Equal(t, []any{}, result["preferredSuppliers"])
}

func TestRun_RecommendWithChartDerivesChart(t *testing.T) {
	gen, _ := replies(`{"title":"Q1 plan","summary":"s","recommendations":["restock"],"chart":{"type":"line","labels":["x"],"values":[1]}}`)
	renderer := &fakeRenderer{}
	h := newHarness(t, gen, Config{}, WithRenderer(renderer))
	ctx, id := h.submit(t, types.ModeRecommendWithChart, "p1")

	require.Equal(t, types.StateCompleted, h.orch.Run(ctx, id))
	chart := h.job(t, id).Result["chart"].(map[string]any)

	assert.Equal(t, "bar", chart["type"])
	assert.Equal(t, []any{"2023-10", "2023-11", "2023-12", "2024-01", "2024-02", "2024-03"}, chart["labels"])
	assert.Equal(t, []any{100.0, 110.0, 120.0, 130.0, 140.0, 150.0}, chart["values"])
	require.Len(t, renderer.docs, 1)
	assert.Equal(t, "Q1 plan", renderer.docs[0].Title)
}

func TestRun_ChartFailureFails(t *testing.T) {
	gen, _ := replies(`{"title":"t"}`)
	reg := registry.New()
	source := mapSource{"bad": types.Context{"salesMonthly": []any{
		map[string]any{"yearMonth": "2024-01", "totalRevenue": "lots"},
		map[string]any{"yearMonth": "2024-02", "totalRevenue": 1.0},
	}}}
	orch := New(reg, gen, source, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, reg.Register(types.Job{ID: "j", Mode: types.ModeRecommendWithChart, ContextKey: "bad"}, cancel))

	require.Equal(t, types.StateFailed, orch.Run(ctx, "j"))
	job, _ := reg.Get("j")
	assert.Contains(t, job.Error, "chart")
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	var calls int32
	gen := generatorFunc(func(ctx context.Context, prompt string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return `{}`, nil
	})
	h := newHarness(t, gen, Config{})
	ctx, id := h.submit(t, types.ModeRecommend, "p1")
	require.True(t, h.reg.RequestCancel(id))

	require.Equal(t, types.StateCancelled, h.orch.Run(ctx, id))
	assert.Zero(t, atomic.LoadInt32(&calls))
	job := h.job(t, id)
	assert.Nil(t, job.Result)
	assert.Empty(t, job.Error)
}

func TestRun_CancelDuringUninterruptibleInference(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	gen := generatorFunc(func(ctx context.Context, prompt string) (string, error) {
		close(started)
		<-release // ignores ctx
		return `{"summary":"too late"}`, nil
	})
	h := newHarness(t, gen, Config{CancelGrace: 20 * time.Millisecond})
	ctx, id := h.submit(t, types.ModeRecommend, "p1")

	done := make(chan types.JobState, 1)
	go func() { done <- h.orch.Run(ctx, id) }()

	<-started
	require.True(t, h.reg.RequestCancel(id))

	select {
	case state := <-done:
		assert.Equal(t, types.StateCancelled, state)
	case <-time.After(2 * time.Second):
		t.Fatal("job stuck after cancellation")
	}
	assert.Nil(t, h.job(t, id).Result)
}

func TestRun_InferenceHardTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	gen := generatorFunc(func(ctx context.Context, prompt string) (string, error) {
		<-release
		return "", nil
	})
	h := newHarness(t, gen, Config{InferenceTimeout: 30 * time.Millisecond})
	ctx, id := h.submit(t, types.ModeRecommend, "p1")

	require.Equal(t, types.StateFailed, h.orch.Run(ctx, id))
	assert.Contains(t, h.job(t, id).Error, "timeout")
}

func TestRun_CancelAfterRenderRemovesReport(t *testing.T) {
	gen, _ := replies(`{"summary":"s"}`)
	renderer := &fakeRenderer{}
	h := newHarness(t, gen, Config{}, WithRenderer(renderer))
	ctx, id := h.submit(t, types.ModeRecommend, "p1")
	renderer.onRender = func() { h.reg.RequestCancel(id) }

	require.Equal(t, types.StateCancelled, h.orch.Run(ctx, id))
	assert.Equal(t, []string{"reports/" + string(id) + ".pdf"}, renderer.removed)
	assert.Nil(t, h.job(t, id).Result)
}

func TestRun_CleanupFailureFails(t *testing.T) {
	gen, _ := replies(`{"summary":"s"}`)
	renderer := &fakeRenderer{removeErr: errors.New("permission denied")}
	h := newHarness(t, gen, Config{}, WithRenderer(renderer))
	ctx, id := h.submit(t, types.ModeRecommend, "p1")
	renderer.onRender = func() { h.reg.RequestCancel(id) }

	require.Equal(t, types.StateFailed, h.orch.Run(ctx, id))
	assert.Contains(t, h.job(t, id).Error, "cleanup")
}

func TestRun_ParentShutdownCancels(t *testing.T) {
	gen, _ := replies(`{}`)
	h := newHarness(t, gen, Config{})
	_, id := h.submit(t, types.ModeRecommend, "p1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Equal(t, types.StateCancelled, h.orch.Run(ctx, id))
}

func TestRun_ChatSkipsRender(t *testing.T) {
	gen, _ := replies(`{"answer":"3 bolts"}`)
	renderer := &fakeRenderer{}
	h := newHarness(t, gen, Config{}, WithRenderer(renderer))
	ctx, id := h.submit(t, types.ModeChat, "p1")

	require.Equal(t, types.StateCompleted, h.orch.Run(ctx, id))
	assert.Empty(t, renderer.docs)
	_, hasFile := h.job(t, id).Result["reportFile"]
	assert.False(t, hasFile)
}

func TestRun_Spans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	gen, _ := replies(`{"summary":"s"}`)
	h := newHarness(t, gen, Config{}, WithRenderer(&fakeRenderer{}), WithTracer(tp.Tracer("test")))
	ctx, id := h.submit(t, types.ModeRecommend, "p1")

	h.orch.Run(ctx, id)

	var names []string
	for _, s := range sr.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"context.load", "inference", "render", "orchestrator.job"}, names)
}

func TestDeriveChart(t *testing.T) {
	chart, ok, err := DeriveChart([]any{
		map[string]any{"yearMonth": "2024-02", "totalRevenue": 5.0},
		map[string]any{"yearMonth": "2024-01", "totalRevenue": "2.5"},
		map[string]any{"yearMonth": "2024-02", "totalRevenue": 1},
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []any{"2024-01", "2024-02"}, chart["labels"])
	assert.Equal(t, []any{2.5, 6.0}, chart["values"])

	_, ok, err = DeriveChart([]any{map[string]any{"yearMonth": "2024-01", "totalRevenue": 1.0}})
	assert.NoError(t, err)
	assert.False(t, ok, "one month is not a chart")
}

func TestCoverage_CountsDistinctMonthsAndProducts(t *testing.T) {
	var rows []any
	for i := 0; i < 15; i++ {
		ym := fmt.Sprintf("%04d-%02d", 2023+i/12, i%12+1)
		rows = append(rows,
			map[string]any{"yearMonth": ym, "productName": "bolt", "totalRevenue": 1.0},
			map[string]any{"yearMonth": ym, "productName": "nut", "totalRevenue": 2.0},
		)
	}

	coverage := Coverage(packer.RecentMonths(types.Context{"salesMonthly": rows}, 12))
	assert.Equal(t, float64(12), coverage["monthsCovered"])
	assert.Equal(t, float64(2), coverage["distinctProducts"])
	assert.Equal(t, "2023-04", coverage["firstSaleMonth"])
	assert.Equal(t, "2024-03", coverage["lastSaleMonth"])
}

func TestRun_TransportFailureAfterAcceptedCancelEndsCancelled(t *testing.T) {
	var h *harness
	id := types.JobID("job-cancel-then-fail")
	gen := generatorFunc(func(ctx context.Context, prompt string) (string, error) {
		// The cancel is accepted but its token has not been observed yet.
		assert.True(t, h.reg.RequestCancel(id))
		return "", errors.New("connection refused")
	})
	h = newHarness(t, gen, Config{})
	require.NoError(t, h.reg.Register(types.Job{ID: id, Mode: types.ModeRecommend, Owner: "o1", ContextKey: "p1"}, func() {}))

	require.Equal(t, types.StateCancelled, h.orch.Run(context.Background(), id))
	assert.Empty(t, h.job(t, id).Error)
}
