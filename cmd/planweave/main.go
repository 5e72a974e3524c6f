// Package main provides the CLI entry point for the planweave planning
// service.
//
// Planweave turns LLM chat sessions into hierarchical plans: the
// conversation agent emits structured actions, a BFS decomposer expands
// tasks into subtrees, and a dependency-aware executor runs the leaves,
// all backed by per-plan SQLite files and observable through SSE job
// streams.
//
// # Basic Usage
//
// Start the server:
//
//	planweave serve --config planweave.yaml
//
// Validate a configuration file:
//
//	planweave config validate --config planweave.yaml
//
// Print the configuration JSON schema:
//
//	planweave config schema
//
// # Environment Variables
//
// Every config field can be overlaid from the environment; the most
// common ones:
//
//   - SERVER_HOST, SERVER_PORT: HTTP listener address
//   - DB_ROOT: storage root for the registry and per-plan databases
//   - LLM_PROVIDER, LLM_MODEL, LLM_API_KEY, LLM_API_URL: conversation model
//   - DECOMP_MODEL, PLAN_EXECUTOR_MODEL: cheaper models for background work
//   - PERPLEXITY_API_KEY, BRAVE_API_KEY, SEARXNG_URL: web search backends
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/planweave/planweave/internal/agent"
	"github.com/planweave/planweave/internal/config"
	"github.com/planweave/planweave/internal/decompose"
	"github.com/planweave/planweave/internal/execute"
	"github.com/planweave/planweave/internal/jobs"
	"github.com/planweave/planweave/internal/llm"
	"github.com/planweave/planweave/internal/observability"
	"github.com/planweave/planweave/internal/plan"
	"github.com/planweave/planweave/internal/server"
	"github.com/planweave/planweave/internal/sessions"
	"github.com/planweave/planweave/internal/storage"
	"github.com/planweave/planweave/internal/tools"
	"github.com/planweave/planweave/internal/tools/graphrag"
	"github.com/planweave/planweave/internal/tools/websearch"
	"github.com/planweave/planweave/pkg/models"
)

// defaultConfigName is tried when no --config flag is given; a missing
// default file falls back to environment-only configuration.
const defaultConfigName = "planweave.yaml"

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() so tests can drive the command tree.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "planweave",
		Short: "Planweave - conversational plan orchestrator",
		Long: `Planweave runs an LLM-driven planning service: chat sessions emit
structured actions, plans decompose into task trees, and an executor
runs tasks in dependency order with background jobs streamed over SSE.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
		buildPlansCmd(),
		buildJobsCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// loadConfig resolves the effective configuration. An explicitly named
// file must load; the absent default file degrades to env-only config.
func loadConfig(path string) (*config.Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return config.FromEnv()
	}
	if trimmed == defaultConfigName {
		if _, err := os.Stat(trimmed); os.IsNotExist(err) {
			return config.FromEnv()
		}
	}
	return config.Load(trimmed)
}

// buildServeCmd creates the "serve" command that runs the HTTP service.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the planweave server",
		Long: `Start the planweave server.

The server will:
1. Load configuration from the specified file (or the environment)
2. Open the storage root (registry plus per-plan SQLite files)
3. Build the LLM providers for conversation, decomposition, and execution
4. Register the web_search and graph_rag tools
5. Start the background job workers and retention schedule
6. Serve the HTTP API with health, metrics, and SSE job streams

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with the default config file
  planweave serve

  # Start with a custom config
  planweave serve --config /etc/planweave/production.yaml

  # Start with debug logging
  planweave serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// runServe composes the full service and blocks until shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logCfg := observability.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format}
	if debug {
		logCfg.Level = "debug"
	}
	logger := observability.NewLogger(logCfg)
	metrics := observability.NewMetrics()

	tracer, stopTracing := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "planweave",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	logger.Info(ctx, "starting planweave",
		"version", version,
		"commit", commit,
		"config", configPath,
		"data_root", cfg.Data.Root,
		"llm_provider", cfg.LLM.Provider,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.NewManager(ctx, cfg.Data.Root, cfg.Data.PlanCacheSize, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	repo := plan.NewRepository(store, logger, metrics)
	sess := sessions.NewService(store, logger)
	manager := jobs.NewManager(store, cfg.Jobs, logger, metrics)

	conversation, err := llm.New(cfg.LLM)
	if err != nil {
		return fmt.Errorf("conversation provider: %w", err)
	}
	decomposeProvider, err := llm.New(cfg.Decompose.LLM)
	if err != nil {
		return fmt.Errorf("decompose provider: %w", err)
	}
	executorProvider, err := llm.New(cfg.Executor.LLM)
	if err != nil {
		return fmt.Errorf("executor provider: %w", err)
	}

	registry := tools.NewRegistry(logger, metrics)
	registry.Register(websearch.New(cfg.Tools.WebSearch, logger))
	if strings.TrimSpace(cfg.Tools.GraphRAG.TriplesPath) != "" {
		graph, err := graphrag.NewStore(cfg.Tools.GraphRAG, logger)
		if err != nil {
			return fmt.Errorf("graph rag store: %w", err)
		}
		defer func() { _ = graph.Close() }()
		if err := graph.StartWatching(ctx); err != nil {
			logger.Warn(ctx, "graph rag watch failed, continuing without reloads", "error", err)
		}
		registry.Register(graphrag.NewTool(graph))
	}

	decomposer := decompose.New(repo, manager,
		llm.Instrument(decomposeProvider, "decompose", logger, metrics),
		cfg.Decompose, logger)
	executor := execute.New(repo, manager,
		llm.Instrument(executorProvider, "execute", logger, metrics),
		cfg.Executor, logger)
	agentSvc := agent.New(repo, sess, manager, registry,
		llm.Instrument(conversation, "conversation", logger, metrics),
		cfg.Agent, cfg.Decompose, logger)

	manager.RegisterHandler(models.JobTypeDecompose, tracedHandler(tracer, string(models.JobTypeDecompose), decomposer.Handler()))
	manager.RegisterHandler(models.JobTypeExecute, tracedHandler(tracer, string(models.JobTypeExecute), executor.Handler()))
	manager.RegisterHandler(models.JobTypeChatAction, tracedHandler(tracer, string(models.JobTypeChatAction), agentSvc.Handler()))

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start job workers: %w", err)
	}

	srv := server.New(server.Options{
		Config:     cfg.Server,
		Agent:      agentSvc,
		Sessions:   sess,
		Plans:      repo,
		Jobs:       manager,
		Decomposer: decomposer,
		Build:      server.BuildInfo{Version: version, Commit: commit, Date: date},
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tracer,
	})
	if err := srv.Start(ctx); err != nil {
		manager.Stop()
		return fmt.Errorf("start http server: %w", err)
	}

	logger.Info(ctx, "planweave started", "addr", srv.Addr())

	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown", "error", err)
	}
	manager.Stop()
	if err := stopTracing(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "tracing shutdown", "error", err)
	}
	logger.Info(shutdownCtx, "planweave stopped")
	return nil
}

// tracedHandler wraps a job handler in a span covering the whole run.
func tracedHandler(tracer *observability.Tracer, jobType string, h jobs.Handler) jobs.Handler {
	return func(ctx context.Context, job *models.Job) (json.RawMessage, map[string]any, error) {
		ctx, span := tracer.TraceJobRun(ctx, job.ID, jobType)
		defer span.End()
		result, stats, err := h(ctx, job)
		if err != nil {
			tracer.RecordError(span, err)
		}
		return result, stats, err
	}
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load a configuration file and report the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration OK")
			fmt.Fprintf(out, "  server:    %s:%d\n", cfg.Server.Host, cfg.Server.Port)
			fmt.Fprintf(out, "  data root: %s\n", cfg.Data.Root)
			fmt.Fprintf(out, "  llm:       %s / %s\n", cfg.LLM.Provider, cfg.LLM.Model)
			fmt.Fprintf(out, "  decompose: %s / %s (depth %d, children %d, budget %d)\n",
				cfg.Decompose.LLM.Provider, cfg.Decompose.LLM.Model,
				cfg.Decompose.MaxDepth, cfg.Decompose.MaxChildren, cfg.Decompose.TotalNodeBudget)
			fmt.Fprintf(out, "  executor:  %s / %s (parallelism %d)\n",
				cfg.Executor.LLM.Provider, cfg.Executor.LLM.Model, cfg.Executor.Parallelism)
			fmt.Fprintf(out, "  jobs:      %d workers, queue %d, retention %dd\n",
				cfg.Jobs.Workers, cfg.Jobs.QueueCapacity, cfg.Jobs.RetentionDays)
			fmt.Fprintf(out, "  search:    %s (builtin backend %s)\n",
				cfg.Tools.WebSearch.DefaultProvider, cfg.Tools.WebSearch.BuiltinBackend)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return fmt.Errorf("reflect schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return nil
		},
	}
}

// buildPlansCmd creates the "plans" command group.
func buildPlansCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Inspect stored plans",
	}
	cmd.AddCommand(buildPlansListCmd())
	return cmd
}

func buildPlansListCmd() *cobra.Command {
	var configPath string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans in the storage root",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := storage.NewManager(ctx, cfg.Data.Root, cfg.Data.PlanCacheSize, observability.NewNopLogger())
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer func() { _ = store.Close() }()

			repo := plan.NewRepository(store, nil, nil)
			plans, err := repo.ListPlans(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(plans)
			}
			if len(plans) == 0 {
				fmt.Fprintln(out, "No plans found.")
				return nil
			}
			for _, p := range plans {
				fmt.Fprintf(out, "%6d  %-40s  %3d tasks  updated %s\n",
					p.ID, p.Title, p.TaskCount, p.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to configuration file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output in JSON format")
	return cmd
}

// buildJobsCmd creates the "jobs" command group.
func buildJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Maintain the background job store",
	}
	cmd.AddCommand(buildJobsPruneCmd())
	return cmd
}

func buildJobsPruneCmd() *cobra.Command {
	var configPath string
	var olderThan time.Duration
	var maxLogRows int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished jobs and trim job logs",
		Long: `Delete jobs that finished before the cutoff and cap the log rows kept
per surviving job. The server runs the same cleanup on its retention
schedule; this command is for one-off maintenance.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := storage.NewManager(ctx, cfg.Data.Root, cfg.Data.PlanCacheSize, observability.NewNopLogger())
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer func() { _ = store.Close() }()

			if olderThan <= 0 {
				olderThan = time.Duration(cfg.Jobs.RetentionDays) * 24 * time.Hour
			}
			if maxLogRows <= 0 {
				maxLogRows = cfg.Jobs.MaxLogRows
			}

			manager := jobs.NewManager(store, cfg.Jobs, observability.NewNopLogger(), nil)
			if err := manager.Cleanup(ctx, olderThan, maxLogRows); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned jobs finished more than %s ago (log cap %d rows).\n", olderThan, maxLogRows)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to configuration file")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Delete jobs finished before this age (default: configured retention)")
	cmd.Flags().IntVar(&maxLogRows, "max-log-rows", 0, "Log rows kept per job (default: configured cap)")
	return cmd
}

// buildVersionCmd creates the "version" command with full build detail.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print detailed version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "planweave %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
			fmt.Fprintf(out, "  go:     %s (%s/%s)\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
