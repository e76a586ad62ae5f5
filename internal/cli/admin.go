package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/queuectl/internal/config"
	"github.com/ChuLiYu/queuectl/internal/journal"
	"github.com/ChuLiYu/queuectl/internal/snapshot"
)

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// ============================================================================
// config
// ============================================================================

func (a *app) buildConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "config",
		Short:       "Show or change configuration",
		Annotations: map[string]string{annotNoSetup: "true"},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			out, err := a.cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print one effective setting",
		Args:  cobra.ExactArgs(1),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			v, err := a.cfg.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Persist a setting to the config file",
		Long:  "Persist a setting to the config file.\n\nKeys: " + fmt.Sprint(config.Keys()),
		Args:  cobra.ExactArgs(2),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			// 只寫入檔案層，不把環境變數固化進檔案
			fileCfg, err := config.LoadFile(a.configFile, false)
			if err != nil {
				return err
			}
			if err := fileCfg.Set(args[0], args[1]); err != nil {
				return err
			}
			if err := fileCfg.Save(a.configFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s=%s in %s\n", args[0], args[1], a.configFile)
			return nil
		}),
	})
	return cmd
}

// ============================================================================
// events
// ============================================================================

func (a *app) buildEventsCommand() *cobra.Command {
	var jobID string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the audit journal",
		Args:  cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			if err := a.localOnly("events"); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return a.journal.Replay(func(e journal.Event) error {
				if jobID != "" && e.JobID != jobID {
					return nil
				}
				line := fmt.Sprintf("%s %-10s", e.At.Format(time.RFC3339Nano), e.Type)
				if e.JobID != "" {
					line += fmt.Sprintf(" job=%s state=%s attempts=%d", e.JobID, e.State, e.Attempts)
				}
				if e.WorkerID != "" {
					line += " worker=" + e.WorkerID
				}
				if e.Detail != "" {
					line += fmt.Sprintf(" %q", e.Detail)
				}
				fmt.Fprintln(out, line)
				return nil
			})
		}),
	}

	cmd.Flags().StringVar(&jobID, "job", "", "only events for this job id")
	return cmd
}

// ============================================================================
// backup / restore
// ============================================================================

func (a *app) buildBackupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <file>",
		Short: "Write every job to a JSON snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			if err := a.localOnly("backup"); err != nil {
				return err
			}
			ctx := cmd.Context()
			m, err := a.manager(ctx)
			if err != nil {
				return err
			}
			data, err := snapshot.Export(ctx, m.Store(), m.Now())
			if err != nil {
				return err
			}
			prev, err := snapshot.NewManager(args[0]).WriteWithBackup(data)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Backed up %d job(s) to %s\n", len(data.Jobs), args[0])
			if prev != "" {
				fmt.Fprintf(out, "Previous snapshot kept as %s\n", prev)
			}
			return nil
		}),
	}
}

func (a *app) buildRestoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <file>",
		Short: "Load jobs from a JSON snapshot into the store",
		Long: `Load jobs from a JSON snapshot into the store. Existing jobs with the
same id are overwritten; jobs that were processing come back as pending.`,
		Args: cobra.ExactArgs(1),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			if err := a.localOnly("restore"); err != nil {
				return err
			}
			ctx := cmd.Context()
			data, err := snapshot.NewManager(args[0]).Load()
			if err != nil {
				return err
			}
			m, err := a.manager(ctx)
			if err != nil {
				return err
			}
			n, err := snapshot.Import(ctx, m.Store(), data, m.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %d job(s) from %s\n", n, args[0])
			return nil
		}),
	}
}
