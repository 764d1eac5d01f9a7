package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openstrato/openstrato/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		outFile     string
		dotFile     string
		destroyPlan bool
		statePath   string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute an execution plan",
		Long: `Compute an execution plan by diffing declared resources against
recorded state.

This command:
  - Parses and resolves the deployment configuration
  - Validates the module dependency graph
  - Evaluates policies against descriptors and the computed plan
  - Diffs each descriptor's content hash against the state store
  - Prints the ordered steps with per-property change reasons

Exit codes: 0 when the plan is empty, 2 when it contains changes,
1 on error.`,
		Example: `  # Plan the deployment in the current directory
  strato plan

  # Plan a specific config and save the plan for apply
  strato plan -c deploy.cue --out plan.json

  # Export the module dependency graph
  strato plan --dot graph.dot

  # Plan a full teardown
  strato plan --destroy`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			dep, err := loadDeployment(ctx)
			if err != nil {
				return err
			}
			defer dep.close()

			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(dep.graph.ToDOT()), 0o644); err != nil {
					return fmt.Errorf("failed to write graph: %w", err)
				}
				log.Info().Str("path", dotFile).Msg("Wrote dependency graph")
			}

			if err := dep.checkPolicies(ctx); err != nil {
				return err
			}

			if err := dep.openStore(ctx, statePath); err != nil {
				return err
			}

			planner := engine.NewPlanner(dep.registry, dep.store, dep.logger)
			var plan *engine.Plan
			if destroyPlan {
				plan, err = planner.CreateDestroyPlan(ctx, dep.graph, dep.parsed.EngineBackend(), dep.parsed.EngineEnvironment())
			} else {
				plan, err = planner.CreatePlan(ctx, dep.graph, dep.parsed.EngineBackend(), dep.parsed.EngineEnvironment())
			}
			if err != nil {
				return err
			}

			if err := dep.checkPlanPolicies(ctx, plan); err != nil {
				return err
			}

			if outFile != "" {
				data, err := json.MarshalIndent(plan, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(outFile, data, 0o600); err != nil {
					return fmt.Errorf("failed to write plan: %w", err)
				}
				log.Info().Str("path", outFile).Str("plan_id", plan.ID).Msg("Saved plan")
			}

			if err := renderPlan(cmd.OutOrStdout(), plan, jsonOutput); err != nil {
				return err
			}

			if plan.Summary.HasChanges() {
				return &exitError{code: ExitChanges}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the plan to a file for later apply")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the module dependency graph in DOT format")
	cmd.Flags().BoolVar(&destroyPlan, "destroy", false, "plan the destruction of all recorded resources")
	cmd.Flags().StringVar(&statePath, "state", "", "state database path (overrides config)")

	return cmd
}
