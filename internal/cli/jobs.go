package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/queuectl/internal/controller"
	"github.com/ChuLiYu/queuectl/internal/jobmanager"
	"github.com/ChuLiYu/queuectl/pkg/types"
)

// ============================================================================
// enqueue
// ============================================================================

func (a *app) buildEnqueueCommand() *cobra.Command {
	var (
		command    string
		id         string
		maxRetries int
		timeoutMs  int64
	)

	cmd := &cobra.Command{
		Use:   "enqueue [job-json]",
		Short: "Add a job to the queue",
		Long: `Add a job to the queue, either as JSON:

  queuectl enqueue '{"id":"job1","command":["echo","hi"]}'
  queuectl enqueue '{"command":"sleep 2"}'

or as a command line:

  queuectl enqueue -c 'echo "a b" c' --id job2`,
		Args: cobra.MaximumNArgs(1),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			var (
				spec jobmanager.JobSpec
				err  error
			)
			switch {
			case len(args) == 1 && command != "":
				return fmt.Errorf("%w: give either job JSON or --command, not both", jobmanager.ErrInvalidJob)
			case len(args) == 1:
				spec, err = jobmanager.ParseJobSpec([]byte(args[0]))
			case command != "":
				spec, err = jobmanager.SpecFromString("", command)
			default:
				return fmt.Errorf("%w: job JSON or --command is required", jobmanager.ErrInvalidJob)
			}
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("id") {
				spec.ID = id
			}
			if flags.Changed("max-retries") {
				spec.MaxRetries = &maxRetries
			}
			if flags.Changed("timeout-ms") {
				spec.TimeoutMs = timeoutMs
			}

			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			job, err := svc.Enqueue(cmd.Context(), spec)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Enqueued job %s with command: %s\n", job.ID, quoteArgv(job.Command))
			return nil
		}),
	}

	cmd.Flags().StringVarP(&command, "command", "c", "", "command line to run (quoted like a shell)")
	cmd.Flags().StringVar(&id, "id", "", "job id (default: generated)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retries before the job is dead-lettered")
	cmd.Flags().Int64Var(&timeoutMs, "timeout-ms", 0, "execution timeout in milliseconds")
	return cmd
}

func quoteArgv(argv []string) string {
	parts := make([]string, len(argv))
	for i, s := range argv {
		parts[i] = fmt.Sprintf("%q", s)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// ============================================================================
// status / list / job show
// ============================================================================

func (a *app) buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show job counts per state and worker status",
		Args:  cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if a.remote == "" {
				m, err := a.manager(ctx)
				if err != nil {
					return err
				}
				// 回報前先修正佇列狀態
				if _, err := m.Repair(ctx); err != nil {
					a.logger.Warn("Queue repair failed", "error", err)
				}
			}

			svc, err := a.service(ctx)
			if err != nil {
				return err
			}
			counts, err := svc.Status(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Queue Status:")
			for _, st := range types.AllStates {
				fmt.Fprintf(out, "  %-11s %d\n", st+":", counts.Get(st))
			}

			if a.remote != "" {
				return nil
			}
			info, err := controller.NewController(a.controllerConfig(), nil, nil, nil).Info()
			if err != nil {
				fmt.Fprintf(out, "Workers: unknown (%v)\n", err)
				return nil
			}
			switch {
			case info.Stopping:
				fmt.Fprintf(out, "Workers stopping: pid=%d, count=%d\n", info.PID, info.Count)
			case info.Running:
				fmt.Fprintf(out, "Workers running: pid=%d, count=%d\n", info.PID, info.Count)
			default:
				fmt.Fprintln(out, "Workers not running")
			}
			return nil
		}),
	}
}

func (a *app) buildListCommand() *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List job ids in a state",
		Args:  cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			st, err := types.ParseState(state)
			if err != nil {
				return err
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			ids, err := svc.ListByState(cmd.Context(), st)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Jobs (state=%s):\n", st)
			printIDs(cmd, ids)
			return nil
		}),
	}

	cmd.Flags().StringVar(&state, "state", string(types.StatePending), "pending, failed, processing, completed or dead")
	return cmd
}

func (a *app) buildJobCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one job with its last execution result",
		Args:  cobra.ExactArgs(1),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			job, err := svc.ShowJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s\n%s\n", job.ID, job)
			return nil
		}),
	})
	return cmd
}

// ============================================================================
// dlq
// ============================================================================

func (a *app) buildDLQCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and retry dead-lettered jobs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List dead job ids",
		Args:  cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			ids, err := svc.DLQList(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "DLQ Jobs:")
			printIDs(cmd, ids)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retry <id>",
		Short: "Move a dead job back to pending with attempts reset",
		Args:  cobra.ExactArgs(1),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			job, err := svc.DLQRetry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued DLQ job: %s\n", job.ID)
			return nil
		}),
	})
	return cmd
}

func printIDs(cmd *cobra.Command, ids []string) {
	out := cmd.OutOrStdout()
	if len(ids) == 0 {
		fmt.Fprintln(out, "  <none>")
		return
	}
	for _, id := range ids {
		fmt.Fprintf(out, "  - %s\n", id)
	}
}
