// ============================================================================
// queuectl CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree; loads configuration and wires the store,
//          managers, journal and metrics for each invocation
//
// Command Structure:
//   queuectl
//   ├── enqueue [job-json]        # -c "<command string>" [--id X]
//   ├── status                    # counts per state + worker runtime
//   ├── list --state <s>
//   ├── job show <id>
//   ├── dlq list | dlq retry <id>
//   ├── worker start [--count N] [--detach] | stop | info
//   ├── dashboard [--port P]      # read-only HTTP UI
//   ├── serve [--addr A]          # gRPC admin service
//   ├── config show | get <k> | set <k> <v>
//   ├── events [--job id]         # audit journal
//   ├── backup <file> | restore <file>
//   └── --config, --remote, --queue-root, --log-dir, --log-level
//
// Configuration precedence: defaults < YAML file < environment < flags.
//
// --remote <addr> routes enqueue/status/list/job/dlq through the gRPC admin
// service, and worker start through the lease service, instead of opening
// the store directly.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/queuectl/internal/config"
	"github.com/ChuLiYu/queuectl/internal/jobmanager"
	"github.com/ChuLiYu/queuectl/internal/journal"
	"github.com/ChuLiYu/queuectl/internal/metrics"
	"github.com/ChuLiYu/queuectl/internal/server"
	"github.com/ChuLiYu/queuectl/internal/storage"
	"github.com/ChuLiYu/queuectl/pkg/types"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

// annotation keys
const (
	annotNoSetup = "queuectl/no-setup" // config commands: no store or journal
)

// app holds the flags and lazily opened resources of one invocation.
type app struct {
	configFile string
	remote     string
	queueRoot  string
	logDir     string
	logLevel   string

	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Collector
	journal  *journal.Journal
	store    storage.Store
	jobs     *jobmanager.Manager
	client   *server.AdminClient
}

// BuildCLI assembles the command tree.
func BuildCLI() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "queuectl",
		Short: "queuectl: a durable background job queue",
		Long: `queuectl runs shell commands as background jobs with:
- atomic claims and time-bounded leases
- exponential backoff retries and a dead letter queue
- file, MongoDB, SQLite or PostgreSQL storage`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.configFile, "config", config.DefaultPath, "config file path")
	pf.StringVar(&a.remote, "remote", "", "gRPC admin address; operate on a remote queue")
	pf.StringVar(&a.queueRoot, "queue-root", "", "queue root directory (overrides QUEUE_ROOT)")
	pf.StringVar(&a.logDir, "log-dir", "", "log directory (overrides LOG_DIR)")
	pf.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")

	rootCmd.AddCommand(a.buildEnqueueCommand())
	rootCmd.AddCommand(a.buildStatusCommand())
	rootCmd.AddCommand(a.buildListCommand())
	rootCmd.AddCommand(a.buildJobCommand())
	rootCmd.AddCommand(a.buildDLQCommand())
	rootCmd.AddCommand(a.buildWorkerCommand())
	rootCmd.AddCommand(a.buildDashboardCommand())
	rootCmd.AddCommand(a.buildServeCommand())
	rootCmd.AddCommand(a.buildConfigCommand())
	rootCmd.AddCommand(a.buildEventsCommand())
	rootCmd.AddCommand(a.buildBackupCommand())
	rootCmd.AddCommand(a.buildRestoreCommand())

	return rootCmd
}

// Execute runs the CLI and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	root := BuildCLI()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// ============================================================================
// Setup
// ============================================================================

func (a *app) setup(cmd *cobra.Command) error {
	explicit := cmd.Flags().Changed("config")
	cfg, err := config.Load(a.configFile, explicit)
	if err != nil {
		return err
	}
	if a.queueRoot != "" {
		cfg.QueueRoot = a.queueRoot
	}
	if a.logDir != "" {
		cfg.LogDir = a.logDir
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	a.logger = newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	slog.SetDefault(a.logger)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewCollector(a.registry)

	if hasAnnotation(cmd, annotNoSetup) {
		return nil
	}
	j, err := journal.Open(cfg.LogDir)
	if err != nil {
		return err
	}
	a.journal = j
	a.journal.Record(journal.EventCommand, nil, "", commandLine(cmd))
	return nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func hasAnnotation(cmd *cobra.Command, key string) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if _, ok := c.Annotations[key]; ok {
			return true
		}
	}
	return false
}

func commandLine(cmd *cobra.Command) string {
	args := cmd.Flags().Args()
	line := strings.TrimPrefix(cmd.CommandPath(), cmd.Root().Name()+" ")
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	return line
}

// manager opens the configured store and returns the local job manager.
func (a *app) manager(ctx context.Context) (*jobmanager.Manager, error) {
	if a.jobs != nil {
		return a.jobs, nil
	}
	store, err := a.cfg.OpenStore(ctx, types.SystemClock, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store
	a.jobs = jobmanager.NewManager(store,
		jobmanager.WithMaxRetries(a.cfg.MaxRetries),
		jobmanager.WithMetrics(a.metrics),
		jobmanager.WithJournal(a.journal),
		jobmanager.WithLogger(a.logger),
	)
	return a.jobs, nil
}

// service returns the remote client when --remote is set, else the local
// manager.
func (a *app) service(ctx context.Context) (jobmanager.Service, error) {
	if a.remote == "" {
		return a.manager(ctx)
	}
	if a.client == nil {
		c, err := server.Dial(a.remote)
		if err != nil {
			return nil, err
		}
		a.client = c
	}
	return a.client, nil
}

func (a *app) close() error {
	var errs []error
	if a.client != nil {
		errs = append(errs, a.client.Close())
		a.client = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store, a.jobs = nil, nil
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
		a.journal = nil
	}
	return errors.Join(errs...)
}

// runE wraps a command body so resources are released whether or not it
// fails; cobra skips post-run hooks after an error.
func (a *app) runE(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := fn(cmd, args)
		return errors.Join(err, a.close())
	}
}

// localOnly rejects commands that need direct store access under --remote.
func (a *app) localOnly(name string) error {
	if a.remote != "" {
		return fmt.Errorf("%s is not available with --remote", name)
	}
	return nil
}
