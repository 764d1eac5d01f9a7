package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openstrato/openstrato/pkg/engine"
)

func newDestroyCommand() *cobra.Command {
	var (
		autoApprove bool
		parallelism int
		statePath   string
	)

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Destroy all recorded resources",
		Long: `Destroy every resource recorded in the state store.

Resources are torn down in reverse dependency order so dependents go
before the resources they reference. Each destroyed resource's state
record is removed immediately, so an interrupted destroy can be
resumed.`,
		Example: `  # Destroy with an approval prompt
  strato destroy

  # Destroy without prompting
  strato destroy --auto-approve`,
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

			planner := engine.NewPlanner(dep.registry, dep.store, dep.logger)
			plan, err := planner.CreateDestroyPlan(ctx, dep.graph, dep.parsed.EngineBackend(), dep.parsed.EngineEnvironment())
			if err != nil {
				return err
			}

			if err := dep.checkPlanPolicies(ctx, plan); err != nil {
				return err
			}

			if err := renderPlan(cmd.OutOrStdout(), plan, false); err != nil {
				return err
			}
			if !plan.Summary.HasChanges() {
				return nil
			}

			if !autoApprove {
				ok, err := confirm("Destroy all resources above? This cannot be undone.")
				if err != nil {
					return err
				}
				if !ok {
					log.Info().Msg("Destroy cancelled")
					return nil
				}
			}

			return runApply(ctx, cmd, dep, plan, parallelism, false)
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip approval prompt")
	cmd.Flags().IntVar(&parallelism, "parallelism", 4, "max parallel operations within a step")
	cmd.Flags().StringVar(&statePath, "state", "", "state database path (overrides config)")

	return cmd
}
