// Package httpapi exposes submit, status and cancel over HTTP.
//
//	POST /orchestrate/run            {mode, ownerKey, contextKey, question} -> 202 {taskId, state}
//	GET  /orchestrate/status/{id}    ?wait=5s long-polls until the job is terminal
//	POST /orchestrate/cancel/{id}    -> {taskId, state, pending}
//	GET  /healthz
//	GET  /metrics                    when a metrics handler is configured
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/ai-orchestrator/internal/controller"
	"github.com/ChuLiYu/ai-orchestrator/internal/registry"
	"github.com/ChuLiYu/ai-orchestrator/pkg/types"
)

const (
	maxWait      = 30 * time.Second
	maxBodyBytes = 1 << 20
)

// JobService is what the API needs from the controller.
type JobService interface {
	Submit(ctx context.Context, req controller.SubmitRequest) (types.JobID, error)
	Status(id types.JobID) (types.Job, error)
	Wait(ctx context.Context, id types.JobID) (types.Job, error)
	Cancel(ctx context.Context, id types.JobID) (controller.CancelResult, error)
}

// Config controls the router.
type Config struct {
	SubmitRate  float64      // submits per second, 0 disables limiting
	SubmitBurst int          // defaults to 1 when limiting
	Metrics     http.Handler // served at /metrics when set
	Logger      *slog.Logger
}

type api struct {
	jobs    JobService
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(jobs JobService, cfg Config) http.Handler {
	a := &api{jobs: jobs, logger: cfg.Logger}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if cfg.SubmitRate > 0 {
		burst := cfg.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), burst)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/orchestrate", func(r chi.Router) {
		r.With(a.rateLimit).Post("/run", a.handleRun)
		r.Get("/status/{id}", a.handleStatus)
		r.Post("/cancel/{id}", a.handleCancel)
	})
	return r
}

type runRequest struct {
	Mode       types.Mode `json:"mode"`
	OwnerKey   string     `json:"ownerKey"`
	ContextKey string     `json:"contextKey"`
	Question   string     `json:"question"`
}

type statusResponse struct {
	TaskID types.JobID    `json:"taskId"`
	State  types.JobState `json:"state"`
	Result types.Result   `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

type cancelResponse struct {
	TaskID  types.JobID    `json:"taskId"`
	State   types.JobState `json:"state"`
	Pending bool           `json:"pending"`
}

// statusReporter is implemented by *controller.Controller.
type statusReporter interface {
	GetStatus() map[string]interface{}
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if sr, ok := a.jobs.(statusReporter); ok {
		resp["jobs"] = sr.GetStatus()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	id, err := a.jobs.Submit(r.Context(), controller.SubmitRequest{
		Mode:       req.Mode,
		Owner:      req.OwnerKey,
		ContextKey: req.ContextKey,
		Question:   req.Question,
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, statusResponse{TaskID: id, State: types.StateRunning})
}

func (a *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "id"))

	var (
		job types.Job
		err error
	)
	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, perr := time.ParseDuration(raw)
		if perr != nil || wait < 0 {
			writeError(w, http.StatusBadRequest, "invalid wait duration "+raw)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), min(wait, maxWait))
		defer cancel()
		job, err = a.jobs.Wait(ctx, id)
		if errors.Is(err, context.DeadlineExceeded) {
			err = nil
		}
	} else {
		job, err = a.jobs.Status(id)
	}
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatus(job))
}

func (a *api) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "id"))
	res, err := a.jobs.Cancel(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{TaskID: id, State: res.State, Pending: res.Pending})
}

func toStatus(job types.Job) statusResponse {
	resp := statusResponse{TaskID: job.ID, State: job.State, Error: job.Error}
	if job.State == types.StateCompleted {
		resp.Result = job.Result
	}
	return resp
}

func (a *api) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.limiter != nil && !a.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "submit rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *api) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()))
	})
}

// fail maps service errors to status codes.
func (a *api) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, controller.ErrInvalidMode), errors.Is(err, controller.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, controller.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		// client went away
		status = 499
	}
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve runs handler on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
