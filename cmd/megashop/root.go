package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"megashop/internal/config"
	"megashop/internal/engine"
	"megashop/internal/logger"
	"megashop/internal/multitable"
)

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// usageError marks bad flags, arguments or configuration (exit code 2).
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, a ...any) error { return usageError{fmt.Errorf(format, a...)} }

// loader is the warehouse load seam.
type loader interface {
	Run(ctx context.Context, cfg multitable.Pipeline) (multitable.Stats, error)
}

// appDeps holds every side-effecting dependency of the CLI so tests can
// replace them.
type appDeps struct {
	loadConfig    func(path string) (config.Pipeline, error)
	newLogger     func(env string, verbose bool) (*zap.Logger, error)
	initMetrics   func(ctx context.Context, cfg config.MetricsConfig, job string) (func(), error)
	openEngine    func(kind string, opts engine.Options) (engine.Engine, error)
	newLoader     func(l multitable.Logger) loader
	notifyContext func(ctx context.Context) (context.Context, context.CancelFunc)
}

func defaultDeps() appDeps {
	return appDeps{
		loadConfig:  config.Load,
		newLogger:   logger.New,
		initMetrics: initMetrics,
		openEngine:  engine.Open,
		newLoader: func(l multitable.Logger) loader {
			return multitable.NewDefaultRunner(l)
		},
		notifyContext: func(ctx context.Context) (context.Context, context.CancelFunc) {
			return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		},
	}
}

// app is the state shared by every subcommand of one invocation.
type app struct {
	deps           appDeps
	stdout, stderr io.Writer

	cfgPath        string
	engineKind     string
	metricsBackend string
	verbose        bool

	cfg     config.Pipeline
	log     *zap.Logger
	closers []func() error
}

// runMain executes args and maps the outcome to an exit code.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	a := &app{deps: deps, stdout: stdout, stderr: stderr}
	root := a.newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if cerr := a.close(); cerr != nil {
		fmt.Fprintf(stderr, "close: %v\n", cerr)
		if err == nil {
			err = cerr
		}
	}
	if err == nil {
		return exitOK
	}

	fmt.Fprintf(stderr, "error: %v\n", err)
	if isUsage(err) {
		return exitUsage
	}
	return exitError
}

func isUsage(err error) bool {
	var ue usageError
	if errors.As(err, &ue) {
		return true
	}
	// cobra reports unknown subcommands and bad flags as plain errors.
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown command") ||
		strings.HasPrefix(msg, "unknown flag") ||
		strings.HasPrefix(msg, "unknown shorthand flag") ||
		strings.Contains(msg, "flag needs an argument")
}

func (a *app) newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "megashop",
		Short:         "Sales ingestion, ETL and live aggregation",
		Long:          `Aggregate JSONL sales events, join the parquet relations into a year-partitioned store, report revenue by category, count events per region as files arrive, and load the store into a warehouse.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "", "pipeline config JSON path (defaults apply when empty)")
	pf.StringVar(&a.engineKind, "engine", "", "data engine: memory or duckdb (overrides engine.kind)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logs")
	pf.StringVar(&a.metricsBackend, "metrics-backend", "", "metrics backend: none or datadog (overrides metrics.backend)")

	root.AddCommand(
		a.newBatchCmd(),
		a.newETLCmd(),
		a.newReportCmd(),
		a.newWatchCmd(),
		a.newLoadCmd(),
		a.newValidateCmd(),
	)
	return root
}

// setup loads the configuration, applies flag overrides and builds the
// logger and metrics backend. It runs before every subcommand.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := a.deps.loadConfig(a.cfgPath)
	if err != nil {
		return usageError{fmt.Errorf("load config: %w", err)}
	}
	if a.engineKind != "" {
		cfg.Engine.Kind = a.engineKind
	}
	if a.metricsBackend != "" {
		cfg.Metrics.Backend = a.metricsBackend
	}
	a.cfg = cfg

	l, err := a.deps.newLogger(os.Getenv("ENV"), a.verbose)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	a.log = l
	a.closers = append(a.closers, func() error {
		// Syncing stderr fails on some platforms; it carries no data loss.
		_ = l.Sync()
		return nil
	})

	if cmd.Name() == "validate" {
		return nil
	}
	if err := a.validate(); err != nil {
		return err
	}

	cleanup, err := a.deps.initMetrics(cmd.Context(), cfg.Metrics, cfg.Job)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	a.closers = append(a.closers, func() error { cleanup(); return nil })

	a.log.Debug("config loaded",
		zap.String("config", a.cfgPath),
		zap.String("engine", cfg.Engine.Kind),
		zap.String("json_dir", cfg.Paths.JSONDir),
		zap.String("parquet_dir", cfg.Paths.ParquetDir),
		zap.String("processed_dir", cfg.Paths.ProcessedDir))
	return nil
}

// validate prints every issue to stderr and fails with a usage error when any
// has error severity.
func (a *app) validate() error {
	issues := config.ValidatePipeline(a.cfg)
	for _, iss := range issues {
		fmt.Fprintln(a.stderr, iss.String())
	}
	if config.HasErrors(issues) {
		return usagef("configuration is invalid")
	}
	return nil
}

// close runs closers in reverse order and combines their errors.
func (a *app) close() error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}

// stdLogger is the Printf seam handed to library packages.
func (a *app) stdLogger() engine.Logger {
	return logger.StdLog(a.log)
}

// openEngine opens the configured engine, or kind when not empty, and
// registers it for closing.
func (a *app) openEngine(kind string) (engine.Engine, error) {
	if kind == "" {
		kind = a.cfg.Engine.Kind
	}
	e, err := a.deps.openEngine(kind, engine.Options{
		Logger:  a.stdLogger(),
		Workers: a.cfg.Runtime.ReaderWorkers,
		JSON:    a.cfg.Parser.Options,
		DuckDB:  a.cfg.Engine.DuckDB,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, e.Close)
	return e, nil
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usagef("%s takes no arguments, got %q", cmd.CommandPath(), args)
	}
	return nil
}
