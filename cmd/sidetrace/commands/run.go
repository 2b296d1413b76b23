package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/sidetrace/internal/config"
	"github.com/Sumatoshi-tech/sidetrace/internal/stage"
	"github.com/Sumatoshi-tech/sidetrace/pkg/budget"
	"github.com/Sumatoshi-tech/sidetrace/pkg/observability"
)

// RunOptions are the run subcommand's flags, decoupled from cobra so
// executeRun is independently testable.
type RunOptions struct {
	ConfigPath    string
	MemoryBudget  string
	MetricsAddr   string
	CheckpointDir string
	NoColor       bool
}

// NewRunCommand builds the "run" subcommand: execute the four-stage trace
// pipeline described by a configuration file to completion.
func NewRunCommand() *cobra.Command {
	var opts RunOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the trace pipeline against a configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return executeRun(cmd.Context(), opts.ConfigPath, opts.MemoryBudget, opts.MetricsAddr, opts.CheckpointDir, opts.NoColor, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to the pipeline configuration file (required)")
	cmd.Flags().StringVar(&opts.MemoryBudget, "memory-budget", "", "advisory memory ceiling (e.g. 512MiB, 2GiB); logged as tuning guidance")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().StringVar(&opts.CheckpointDir, "checkpoint-dir", "", "directory to snapshot/resume analyzer state from; overrides general.checkpoint-dir")
	cmd.Flags().BoolVar(&opts.NoColor, "no-color", false, "disable colored summary output")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

// executeRun loads cfg, wires observability and the module registries, and
// runs the pipeline to completion, printing a severity-colored summary.
func executeRun(ctx context.Context, configPath, memoryBudget, metricsAddr, checkpointDir string, noColor bool, out io.Writer) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg)

	if memoryBudget != "" {
		logBudgetAdvice(logger, memoryBudget)
	}

	if checkpointDir == "" {
		checkpointDir = cfg.General.CheckpointDir
	}

	if checkpointDir != "" {
		injectCheckpointDir(cfg, checkpointDir)
	}

	var metrics *observability.AnalysisMetrics

	if metricsAddr != "" {
		promServer, err := observability.StartPrometheusServer("sidetrace", metricsAddr)
		if err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() { _ = promServer.Shutdown(ctx) }()

		metrics, err = observability.NewAnalysisMetrics(promServer.Meter)
		if err != nil {
			return fmt.Errorf("build analysis metrics: %w", err)
		}
	}

	pipelineOpts := []stage.Option{stage.WithLogger(logger)}
	if metrics != nil {
		pipelineOpts = append(pipelineOpts, stage.WithMetrics(metrics))
	}

	p, err := stage.Build(cfg, buildRegistries(), pipelineOpts...)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := p.Run(runCtx)

	teardownErr := p.Teardown(context.WithoutCancel(ctx))

	printSummary(out, noColor, runErr)

	if runErr != nil {
		return runErr
	}

	return teardownErr
}

// injectCheckpointDir sets checkpoint-dir on every analysis stage's
// module-options unless that stage already set its own, letting a single
// --checkpoint-dir flag (or general.checkpoint-dir) apply to every
// configured analyzer without repeating it per entry.
func injectCheckpointDir(cfg *config.Config, dir string) {
	for i := range cfg.Analysis {
		if cfg.Analysis[i].ModuleOptions == nil {
			cfg.Analysis[i].ModuleOptions = map[string]any{}
		}

		if _, ok := cfg.Analysis[i].ModuleOptions["checkpoint-dir"]; !ok {
			cfg.Analysis[i].ModuleOptions["checkpoint-dir"] = dir
		}
	}
}

func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo

	if err := level.UnmarshalText([]byte(cfg.General.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func logBudgetAdvice(logger *slog.Logger, memoryBudget string) {
	bytes, err := humanize.ParseBytes(memoryBudget)
	if err != nil {
		logger.Warn("ignoring unparseable memory-budget", "value", memoryBudget, "error", err)

		return
	}

	plan, err := budget.SolveForBudget(int64(bytes)) //nolint:gosec // memory budgets fit comfortably in int64
	if err != nil {
		logger.Warn("memory-budget too small for tuning advice", "value", memoryBudget, "error", err)

		return
	}

	logger.Info("memory budget tuning advice",
		"budget", humanize.Bytes(bytes),
		"suggested-workers", plan.Workers,
		"suggested-queue-depth", plan.QueueDepth,
		"suggested-read-buffer", humanize.Bytes(uint64(plan.ReadBufferSize)), //nolint:gosec // solver output is always non-negative
		"suggested-histogram-cache-entries", plan.HistogramCacheEntries,
	)
}

func printSummary(out io.Writer, noColor bool, runErr error) {
	c := color.New(color.FgGreen)
	label := "OK"

	if runErr != nil {
		c = color.New(color.FgRed)
		label = "FAILED"
	}

	if noColor {
		fmt.Fprintf(out, "%s\n", label)

		return
	}

	c.Fprintf(out, "%s\n", label)
}
