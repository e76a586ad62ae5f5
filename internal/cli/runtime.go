package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ChuLiYu/queuectl/internal/controller"
	"github.com/ChuLiYu/queuectl/internal/executor"
	"github.com/ChuLiYu/queuectl/internal/jobmanager"
	"github.com/ChuLiYu/queuectl/internal/lease"
	"github.com/ChuLiYu/queuectl/internal/server"
	"github.com/ChuLiYu/queuectl/internal/worker"
)

// ============================================================================
// worker start / stop / info
// ============================================================================

func (a *app) controllerConfig() controller.Config {
	return controller.Config{
		LogDir: a.cfg.LogDir,
		Worker: worker.Config{
			IdleInterval:    a.cfg.IdleInterval(),
			ReclaimInterval: a.cfg.ReclaimInterval(),
			Policy:          a.cfg.BackoffPolicy(),
		},
		SnapshotPath:     a.cfg.BackupPath,
		SnapshotInterval: a.cfg.BackupInterval(),
	}
}

func (a *app) buildWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run and control the worker pool",
	}
	cmd.AddCommand(a.buildWorkerStartCommand())

	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Ask running workers to finish their current job and exit",
		Args:  cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			if err := a.localOnly("worker stop"); err != nil {
				return err
			}
			if err := controller.NewController(a.controllerConfig(), nil, nil, nil).Stop(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Stop signal written. Workers will exit after their current job.")
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Show the worker runtime record",
		Args:  cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			if err := a.localOnly("worker info"); err != nil {
				return err
			}
			info, err := controller.NewController(a.controllerConfig(), nil, nil, nil).Info()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !info.Running {
				fmt.Fprintln(out, "Workers not running")
				return nil
			}
			state := "running"
			if info.Stopping {
				state = "stopping"
			}
			fmt.Fprintf(out, "Workers %s: pid=%d, count=%d, started=%s\n",
				state, info.PID, info.Count, info.StartedAt.Format(time.RFC3339))
			return nil
		}),
	})
	return cmd
}

func (a *app) buildWorkerStartCommand() *cobra.Command {
	var (
		count  int
		detach bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start workers (blocks until stopped unless --detach)",
		Args:  cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("count") {
				count = a.cfg.Concurrency
			}
			ctx := cmd.Context()

			var (
				m      *jobmanager.Manager
				source worker.JobSource
			)
			if a.remote != "" {
				// 遠端模式：經由 serve 主機的 lease 服務認領任務
				if _, err := a.service(ctx); err != nil {
					return err
				}
				source = worker.NewGrpcJobSource(a.client.Conn(), a.cfg.JobTimeout())
			} else {
				var err error
				if m, err = a.manager(ctx); err != nil {
					return err
				}
				source = a.leaseManager(m)
			}

			ctl := controller.NewController(a.controllerConfig(), m, source, executor.New(),
				controller.WithMetrics(a.metrics),
				controller.WithJournal(a.journal),
				controller.WithLogger(a.logger),
				controller.WithDetachArgs(func(n int) []string {
					return append(forwardedFlags(cmd), "worker", "start", "--count", strconv.Itoa(n))
				}),
			)

			out := cmd.OutOrStdout()
			if detach {
				if err := ctl.Start(ctx, count, true); err != nil {
					return err
				}
				fmt.Fprintf(out, "Started %d worker(s) in the background (log: %s)\n", count, a.cfg.LogDir)
				return nil
			}

			fmt.Fprintf(out, "Starting %d worker(s) with queue root %s\n", count, a.cfg.QueueRoot)
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			var dashDone <-chan struct{}
			if m != nil {
				dashDone = a.startDashboard(ctx, m, ctl)
			}

			err := ctl.Start(ctx, count, false)
			cancel()
			if dashDone != nil {
				<-dashDone
			}
			return err
		}),
	}

	cmd.Flags().IntVar(&count, "count", 0, "number of workers (default: concurrency from config)")
	cmd.Flags().BoolVar(&detach, "detach", false, "run the pool as a background process")
	return cmd
}

func (a *app) leaseManager(m *jobmanager.Manager) *lease.Manager {
	return lease.New(m.Store(),
		lease.WithDefaultTimeout(a.cfg.JobTimeout()),
		lease.WithFloor(a.cfg.LeaseFloor()),
		lease.WithMetrics(a.metrics),
		lease.WithJournal(a.journal),
		lease.WithLogger(a.logger),
	)
}

// forwardedFlags returns the persistent flags the operator set, so a
// detached child sees the same configuration.
func forwardedFlags(cmd *cobra.Command) []string {
	var args []string
	cmd.Root().PersistentFlags().Visit(func(f *pflag.Flag) {
		args = append(args, "--"+f.Name, f.Value.String())
	})
	return args
}

// startDashboard serves the dashboard next to a foreground pool when a port
// is configured. The returned channel closes when the server exits.
func (a *app) startDashboard(ctx context.Context, m *jobmanager.Manager, ctl *controller.Controller) <-chan struct{} {
	if a.cfg.Dashboard.Port <= 0 {
		return nil
	}
	d := a.newDashboard(m, ctl)
	addr := fmt.Sprintf(":%d", a.cfg.Dashboard.Port)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := d.ListenAndServe(ctx, addr); err != nil {
			a.logger.Error("Dashboard stopped", "addr", addr, "error", err)
		}
	}()
	a.logger.Info("Dashboard available", "url", "http://localhost"+addr)
	return done
}

func (a *app) newDashboard(m *jobmanager.Manager, ctl *controller.Controller) *server.Dashboard {
	return server.NewDashboard(m,
		server.WithRefreshMs(a.cfg.RefreshMs()),
		server.WithDashboardMetrics(a.metrics),
		server.WithDashboardLogger(a.logger),
		server.WithWorkerCounter(workerCounter(m, ctl)),
	)
}

// workerCounter prefers the runtime record and falls back to the number of
// distinct lease holders.
func workerCounter(m *jobmanager.Manager, ctl *controller.Controller) server.WorkerCounter {
	return func(ctx context.Context) (int, error) {
		if info, err := ctl.Info(); err == nil && info.Running && info.Count > 0 {
			return info.Count, nil
		}
		return m.ActiveWorkers(ctx)
	}
}

// ============================================================================
// dashboard / serve
// ============================================================================

func (a *app) buildDashboardCommand() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Serve the read-only web dashboard",
		Args:  cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			if err := a.localOnly("dashboard"); err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				a.cfg.Dashboard.Port = port
			}
			if a.cfg.Dashboard.Port <= 0 {
				return errors.New("dashboard port is not set (use --port or PORT)")
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			m, err := a.manager(ctx)
			if err != nil {
				return err
			}
			ctl := controller.NewController(a.controllerConfig(), nil, nil, nil)
			addr := fmt.Sprintf(":%d", a.cfg.Dashboard.Port)
			fmt.Fprintf(cmd.OutOrStdout(), "Dashboard available at http://localhost%s\n", addr)
			return a.newDashboard(m, ctl).ListenAndServe(ctx, addr)
		}),
	}

	cmd.Flags().IntVar(&port, "port", 0, "listen port (default: dashboard.port from config)")
	return cmd
}

func (a *app) buildServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the gRPC admin API used by --remote",
		Args:  cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			if err := a.localOnly("serve"); err != nil {
				return err
			}
			if !cmd.Flags().Changed("addr") {
				addr = a.cfg.GRPCAddr
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			m, err := a.manager(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Admin API listening on %s\n", addr)
			srv := server.NewServer(m, a.logger, server.WithLeaseSource(a.leaseManager(m)))
			return srv.ListenAndServe(ctx, addr)
		}),
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: grpc_addr from config)")
	return cmd
}
