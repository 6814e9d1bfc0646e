package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/ai-orchestrator/internal/contextsource"
	"github.com/ChuLiYu/ai-orchestrator/internal/controller"
	"github.com/ChuLiYu/ai-orchestrator/internal/events"
	"github.com/ChuLiYu/ai-orchestrator/internal/history"
	"github.com/ChuLiYu/ai-orchestrator/internal/httpapi"
	"github.com/ChuLiYu/ai-orchestrator/internal/llm"
	"github.com/ChuLiYu/ai-orchestrator/internal/metrics"
	"github.com/ChuLiYu/ai-orchestrator/internal/orchestrator"
	"github.com/ChuLiYu/ai-orchestrator/internal/registry"
	"github.com/ChuLiYu/ai-orchestrator/internal/render"
	"github.com/ChuLiYu/ai-orchestrator/internal/server"
)

// app is one wired server process.
type app struct {
	cfg        *Config
	logger     *slog.Logger
	bus        *events.Bus
	registry   *registry.Registry
	controller *controller.Controller
	history    *history.Store
	metrics    http.Handler
	pgPool     *pgxpool.Pool
}

// newApp wires the registry, orchestrator and controller together with the
// optional metrics and history listeners. Nothing is started.
func newApp(ctx context.Context, cfg *Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	a.bus = events.NewBus(events.LogListener(logger))
	a.registry = registry.New(
		registry.WithLogger(logger),
		registry.WithTransitionHook(controller.TransitionPublisher(a.bus)),
	)

	source, err := a.contextSource(ctx)
	if err != nil {
		return nil, err
	}

	gen := llm.NewCompletionClient(llm.Config{
		BaseURL:   cfg.LLM.BaseURL,
		APIKey:    cfg.LLM.APIKey,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
		Timeout:   cfg.LLM.Timeout,
	})

	orch := orchestrator.New(a.registry, gen, source,
		orchestrator.Config{
			InferenceTimeout: cfg.Orchestrator.InferenceTimeout,
			CancelGrace:      cfg.Orchestrator.CancelGrace,
			CleanupTimeout:   cfg.Orchestrator.CleanupTimeout,
		},
		orchestrator.WithRenderer(render.NewPDFRenderer(cfg.Orchestrator.ReportDir)),
		orchestrator.WithEventBus(a.bus),
		orchestrator.WithLogger(logger),
	)

	a.controller = controller.NewController(a.registry, orch, a.bus, controller.Config{
		WorkerCount: cfg.Worker.WorkerCount,
		QueueSize:   cfg.Worker.QueueSize,
		CancelWait:  cfg.Orchestrator.CancelWait,
	})

	if cfg.Metrics.Enabled {
		a.bus.Subscribe(metrics.NewCollector())
		a.metrics = metrics.Handler()
	}

	if cfg.History.Enabled {
		db, err := history.Open(cfg.History.Path)
		if err != nil {
			a.close()
			return nil, err
		}
		a.history = history.New(db)
		if err := a.history.Migrate(ctx); err != nil {
			a.close()
			return nil, fmt.Errorf("migrate history: %w", err)
		}
		a.bus.Subscribe(a.history)
	}
	return a, nil
}

func (a *app) contextSource(ctx context.Context) (orchestrator.ContextSource, error) {
	switch a.cfg.Context.Driver {
	case "postgres":
		source, pool, err := contextsource.OpenPostgres(ctx, a.cfg.Context.DSN)
		if err != nil {
			return nil, err
		}
		a.pgPool = pool
		return source, nil
	default:
		return contextsource.NewFileSource(a.cfg.Context.Dir), nil
	}
}

// run starts the controller and every configured listener, and blocks until
// ctx is done or a listener fails. The controller is stopped before return.
func (a *app) run(ctx context.Context) error {
	if err := a.controller.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer a.controller.Stop()

	g, gctx := errgroup.WithContext(ctx)

	router := httpapi.NewRouter(a.controller, httpapi.Config{
		SubmitRate:  a.cfg.HTTP.SubmitRate,
		SubmitBurst: a.cfg.HTTP.SubmitBurst,
		Metrics:     a.metrics,
		Logger:      a.logger,
	})
	g.Go(func() error {
		a.logger.Info("HTTP API listening", "addr", a.cfg.HTTP.Addr)
		return httpapi.Serve(gctx, a.cfg.HTTP.Addr, router)
	})

	g.Go(func() error {
		a.logger.Info("gRPC server listening", "addr", a.cfg.GRPC.Addr)
		return server.Serve(gctx, a.cfg.GRPC.Addr, server.NewServer(a.controller))
	})

	if a.metrics != nil && a.cfg.Metrics.Port > 0 {
		g.Go(func() error {
			a.logger.Info("Starting metrics server", "port", a.cfg.Metrics.Port)
			return metrics.StartServer(gctx, a.cfg.Metrics.Port)
		})
	}

	if a.history != nil {
		g.Go(func() error {
			return a.history.RunPruner(gctx, a.cfg.History.PruneSchedule, a.cfg.History.Retention)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// close releases stores. Call after run returns so the final transitions
// are recorded.
func (a *app) close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.Warn("close history", "error", err)
		}
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
}
