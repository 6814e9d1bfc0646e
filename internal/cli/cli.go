// ============================================================================
// reportd CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   reportd                        # Root command
//   ├── serve                      # Start HTTP API, gRPC server, workers
//   ├── submit                     # Submit a job to a running server
//   ├── status <id>                # Show a job
//   ├── cancel <id>                # Cancel a job
//   ├── pack                       # Print the prompts a job would send
//   ├── normalize <file>           # Repair raw model output offline
//   ├── --config, -c               # Config file (all commands)
//   └── --version
//
// Configuration Management:
//   Uses YAML format config file (default: configs/default.yaml)
//   Configuration items include:
//   - worker: worker count and queue size
//   - orchestrator: inference timeout, cancel grace/wait, report dir
//   - llm: completion endpoint
//   - context: file or postgres context source
//   - http / grpc: listen addresses and submit rate limit
//   - metrics: Prometheus monitoring configuration
//   - history: SQLite audit trail and pruning schedule
//
// serve Command:
//   1. Load config file
//   2. Wire registry, orchestrator and controller
//   3. Start HTTP API, gRPC server and metrics (if enabled)
//   4. Listen for system signals (SIGINT, SIGTERM)
//   5. Gracefully shutdown: listeners first, then running jobs are cancelled
//
//   Examples:
//     ./reportd serve
//     ./reportd serve -c custom-config.yaml
//
// submit / status / cancel Commands:
//   Talk to a running server over gRPC (--server, default grpc.addr).
//
//   Examples:
//     ./reportd submit --mode recommend --context 3f2a... --wait 2m
//     ./reportd status 5b1e... --wait 30s
//     ./reportd cancel 5b1e...
//
// pack / normalize Commands:
//   Offline tools: pack prints the prompts built from a context,
//   normalize runs the output repair pipeline on a file (or "-" for stdin).
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/ai-orchestrator/internal/contextsource"
	"github.com/ChuLiYu/ai-orchestrator/internal/controller"
	"github.com/ChuLiYu/ai-orchestrator/internal/normalizer"
	"github.com/ChuLiYu/ai-orchestrator/internal/packer"
	"github.com/ChuLiYu/ai-orchestrator/internal/server"
	"github.com/ChuLiYu/ai-orchestrator/pkg/types"
)

const rpcTimeout = 10 * time.Second

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "reportd",
		Short: "reportd: asynchronous AI report jobs",
		Long: `reportd runs AI report jobs in the background with:
- submit / status / cancel over HTTP and gRPC
- cooperative cancellation with report cleanup
- repair of malformed model output
- Prometheus metrics and a SQLite audit trail`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildPackCommand())
	rootCmd.AddCommand(buildNormalizeCommand())

	return rootCmd
}

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the job server",
		Long:  "Start the HTTP API, the gRPC server and the worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *Config) error {
	logger := newLogger(cfg, os.Stderr)
	logger.Info("Starting reportd", "config", configFile,
		"workers", cfg.Worker.WorkerCount, "contextDriver", cfg.Context.Driver)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.run(ctx); err != nil {
		return err
	}
	logger.Info("System stopped. Goodbye!")
	return nil
}

// remoteFlags are shared by the commands talking to a running server.
type remoteFlags struct {
	server string
}

func (f *remoteFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.server, "server", "", "gRPC server address (default: grpc.addr from the config)")
}

func (f *remoteFlags) dial() (*server.Client, error) {
	addr := f.server
	if addr == "" {
		cfg, err := loadConfig(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		addr = cfg.GRPC.Addr
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
	}
	client, err := server.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return client, nil
}

func buildSubmitCommand() *cobra.Command {
	var (
		remote remoteFlags
		req    controller.SubmitRequest
		mode   string
		wait   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job to a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Mode = types.Mode(mode)
			client, err := remote.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
			defer cancel()
			id, err := client.Submit(ctx, req)
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			if wait <= 0 {
				return printJSON(cmd.OutOrStdout(), map[string]any{"taskId": id, "state": types.StateRunning})
			}
			return waitAndPrint(cmd, client, id, wait)
		},
	}

	remote.register(cmd)
	cmd.Flags().StringVarP(&mode, "mode", "m", string(types.ModeRecommend), "job mode: "+modeList())
	cmd.Flags().StringVar(&req.ContextKey, "context", "", "context key (project id)")
	cmd.Flags().StringVar(&req.Owner, "owner", "", "owner key; one active job per owner")
	cmd.Flags().StringVarP(&req.Question, "question", "q", "", "question (chat mode)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the job to finish")
	_ = cmd.MarkFlagRequired("context")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	var (
		remote remoteFlags
		wait   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show job status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := remote.dial()
			if err != nil {
				return err
			}
			defer client.Close()
			return waitAndPrint(cmd, client, types.JobID(args[0]), wait)
		},
	}
	remote.register(cmd)
	cmd.Flags().DurationVar(&wait, "wait", 0, "long-poll up to this long for a terminal state")
	return cmd
}

func buildCancelCommand() *cobra.Command {
	var remote remoteFlags

	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := remote.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout+30*time.Second)
			defer cancel()
			res, err := client.Cancel(ctx, types.JobID(args[0]))
			if err != nil {
				return fmt.Errorf("cancel: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"taskId":  args[0],
				"state":   res.State,
				"pending": res.Pending,
			})
		},
	}
	remote.register(cmd)
	return cmd
}

func waitAndPrint(cmd *cobra.Command, client *server.Client, id types.JobID, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), wait+rpcTimeout)
	defer cancel()

	deadline := time.Now().Add(wait)
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		job, err := client.Status(ctx, id, remaining)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		if job.State.IsTerminal() || remaining == 0 {
			return printJSON(cmd.OutOrStdout(), job)
		}
	}
}

func buildPackCommand() *cobra.Command {
	var (
		mode     string
		key      string
		question string
	)

	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Print the prompts a job would send",
		Long:  "Load a context with the configured file source and print every prompt section for the mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runPack(cmd.Context(), cmd.OutOrStdout(), cfg, types.Mode(mode), key, question)
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", string(types.ModeRecommend), "job mode: "+modeList())
	cmd.Flags().StringVar(&key, "context", "", "context key")
	cmd.Flags().StringVarP(&question, "question", "q", "", "question (chat mode)")
	_ = cmd.MarkFlagRequired("context")
	return cmd
}

func runPack(ctx context.Context, w io.Writer, cfg *Config, mode types.Mode, key, question string) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", controller.ErrInvalidMode, mode)
	}
	projectCtx, err := contextsource.NewFileSource(cfg.Context.Dir).Load(ctx, key)
	if err != nil {
		return err
	}
	for _, section := range packer.Sections(mode, projectCtx, question) {
		fmt.Fprintf(w, "===== %s (%d bytes) =====\n%s\n", section.Name, len(section.Prompt), section.Prompt)
	}
	return nil
}

func buildNormalizeCommand() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "normalize <file|->",
		Short: "Repair raw model output into a result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNormalize(cmd.InOrStdin(), cmd.OutOrStdout(), args[0], types.Mode(mode))
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", string(types.ModeRecommend), "result shape: "+modeList())
	return cmd
}

func runNormalize(stdin io.Reader, w io.Writer, path string, mode types.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", controller.ErrInvalidMode, mode)
	}

	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("failed to read model output: %w", err)
	}

	result, err := normalizer.Normalize(string(data), mode)
	if err != nil {
		return err
	}
	return printJSON(w, result)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func modeList() string {
	names := make([]string, len(types.Modes))
	for i, m := range types.Modes {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}
