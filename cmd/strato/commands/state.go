package commands

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openstrato/openstrato/pkg/engine"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and manage the state store",
		Long: `Commands for inspecting recorded resource state, the deployment
lock, and the run event log.`,
	}

	cmd.AddCommand(newStateListCommand())
	cmd.AddCommand(newStateShowCommand())
	cmd.AddCommand(newStateUnlockCommand())
	cmd.AddCommand(newStateEventsCommand())
	cmd.AddCommand(newStateAuditCommand())
	cmd.AddCommand(newStateCheckCommand())

	return cmd
}

func newStateListCommand() *cobra.Command {
	var statePath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded resources",
		Example: `  # List all recorded resources
  strato state list`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			dep, err := loadDeployment(ctx)
			if err != nil {
				return err
			}
			defer dep.close()
			if err := dep.openStore(ctx, statePath); err != nil {
				return err
			}

			records, err := dep.store.ListRecords(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No resources recorded.")
				return nil
			}
			for _, rec := range records {
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s %-14s %-6s applied %s\n",
					rec.Key(), rec.Kind, rec.Backend, rec.AppliedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&statePath, "state", "", "state database path (overrides config)")
	return cmd
}

func newStateShowCommand() *cobra.Command {
	var statePath string

	cmd := &cobra.Command{
		Use:   "show <module.resource>",
		Short: "Show one recorded resource",
		Example: `  # Show the record for a resource
  strato state show networking.vpc`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			dep, err := loadDeployment(ctx)
			if err != nil {
				return err
			}
			defer dep.close()
			if err := dep.openStore(ctx, statePath); err != nil {
				return err
			}

			rec, err := dep.store.GetRecord(ctx, args[0])
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("no state record for %q", args[0])
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}

	cmd.Flags().StringVar(&statePath, "state", "", "state database path (overrides config)")
	return cmd
}

func newStateUnlockCommand() *cobra.Command {
	var (
		force     bool
		statePath string
	)

	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Break the deployment lock",
		Long: `Break a deployment lock left behind by a crashed run.

The current lock holder and its last heartbeat are shown first.
Breaking a lock whose holder is still alive corrupts a running apply,
so --force is required and the break is written to the audit log with
the breaking operator's identity.`,
		Example: `  # Inspect the lock
  strato state unlock

  # Break it
  strato state unlock --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			dep, err := loadDeployment(ctx)
			if err != nil {
				return err
			}
			defer dep.close()
			if err := dep.openStore(ctx, statePath); err != nil {
				return err
			}

			info, err := dep.store.LockInfo(ctx)
			if err != nil {
				return err
			}
			if info == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "State is not locked.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Locked by %s (run %s), acquired %s, last heartbeat %s\n",
				info.Holder, info.RunID,
				info.AcquiredAt.Format("2006-01-02 15:04:05"),
				info.HeartbeatAt.Format("2006-01-02 15:04:05"))

			if !force {
				fmt.Fprintln(cmd.OutOrStdout(), "Re-run with --force to break the lock.")
				return nil
			}
			if err := dep.store.ForceUnlock(ctx, lockHolder()); err != nil {
				return err
			}
			log.Info().Str("holder", info.Holder).Msg("Deployment lock broken")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "actually break the lock")
	cmd.Flags().StringVar(&statePath, "state", "", "state database path (overrides config)")
	return cmd
}

func newStateAuditCommand() *cobra.Command {
	var (
		limit     int
		statePath string
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the operator audit log",
		Long: `Show operator interventions recorded against the state store,
newest first. Currently that is forced lock releases.`,
		Example: `  # Last 100 audit entries
  strato state audit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			dep, err := loadDeployment(ctx)
			if err != nil {
				return err
			}
			defer dep.close()
			if err := dep.openStore(ctx, statePath); err != nil {
				return err
			}

			entries, err := dep.store.ListAuditEntries(ctx, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No audit entries.")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-14s %-24s %s\n",
					e.Timestamp.Format("2006-01-02 15:04:05"), e.Action, e.Actor, e.Details)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries to show")
	cmd.Flags().StringVar(&statePath, "state", "", "state database path (overrides config)")
	return cmd
}

func newStateCheckCommand() *cobra.Command {
	var statePath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check state database integrity",
		Long: `Run the state database's integrity check. A corrupted database
reports STATE_CORRUPT; restore from a backup rather than applying on
top of it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			dep, err := loadDeployment(ctx)
			if err != nil {
				return err
			}
			defer dep.close()
			if err := dep.openStore(ctx, statePath); err != nil {
				return err
			}

			if err := dep.store.HealthCheck(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "State database is healthy.")
			return nil
		},
	}

	cmd.Flags().StringVar(&statePath, "state", "", "state database path (overrides config)")
	return cmd
}

func newStateEventsCommand() *cobra.Command {
	var (
		runID     string
		statePath string
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the run event log",
		Example: `  # Events for a specific run
  strato state events --run 3f1c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			dep, err := loadDeployment(ctx)
			if err != nil {
				return err
			}
			defer dep.close()
			if err := dep.openStore(ctx, statePath); err != nil {
				return err
			}

			events, err := dep.store.ListEvents(ctx, runID)
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}
			for _, ev := range events {
				target := ev.Module
				if ev.Resource != "" {
					target = engine.StateKey(ev.Module, ev.Resource)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-14s %-30s %s\n",
					ev.CreatedAt.Format("15:04:05.000"), ev.EventType, target, ev.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "run ID to show events for")
	cmd.Flags().StringVar(&statePath, "state", "", "state database path (overrides config)")
	cmd.MarkFlagRequired("run")
	return cmd
}
