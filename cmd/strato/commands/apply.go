package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openstrato/openstrato/pkg/engine"
	"github.com/openstrato/openstrato/pkg/telemetry"
)

func newApplyCommand() *cobra.Command {
	var (
		planFile     string
		autoApprove  bool
		allowReplace bool
		parallelism  int
		statePath    string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a plan against the configured backend",
		Long: `Apply changes to reach the declared state.

This command:
  - Computes a fresh plan (or loads one saved by 'strato plan --out')
  - Evaluates policies and prompts for approval (unless --auto-approve)
  - Acquires the deployment lock
  - Executes steps in plan order, materializing output references
  - Persists state after every resource mutation

Replace steps are destructive and refuse to run without
--allow-replace. Exit codes: 0 on success, 3 when the run stopped
mid-plan with state partially applied, 1 on other errors.`,
		Example: `  # Plan and apply in one step with a prompt
  strato apply

  # Apply a previously saved plan
  strato apply --plan plan.json --auto-approve

  # Permit destroy-and-recreate steps
  strato apply --allow-replace

  # Apply with limited parallelism
  strato apply --parallelism 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			dep, err := loadDeployment(ctx)
			if err != nil {
				return err
			}
			defer dep.close()

			if err := dep.checkPolicies(ctx); err != nil {
				return err
			}

			if err := dep.openStore(ctx, statePath); err != nil {
				return err
			}

			var plan *engine.Plan
			if planFile != "" {
				plan, err = readPlanFile(planFile)
			} else {
				planner := engine.NewPlanner(dep.registry, dep.store, dep.logger)
				plan, err = planner.CreatePlan(ctx, dep.graph, dep.parsed.EngineBackend(), dep.parsed.EngineEnvironment())
			}
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
				ok, err := confirm("Apply these changes?")
				if err != nil {
					return err
				}
				if !ok {
					log.Info().Msg("Apply cancelled")
					return nil
				}
			}

			return runApply(ctx, cmd, dep, plan, parallelism, allowReplace)
		},
	}

	cmd.Flags().StringVarP(&planFile, "plan", "p", "", "saved plan file to execute instead of planning")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip approval prompt")
	cmd.Flags().BoolVar(&allowReplace, "allow-replace", false, "permit destructive replace steps")
	cmd.Flags().IntVar(&parallelism, "parallelism", 4, "max parallel operations within a step")
	cmd.Flags().StringVar(&statePath, "state", "", "state database path (overrides config)")

	return cmd
}

// runApply executes a plan and renders the result. Shared with destroy.
func runApply(ctx context.Context, cmd *cobra.Command, dep *deployment, plan *engine.Plan, parallelism int, allowReplace bool) error {
	tel, err := telemetry.Init(telemetry.DefaultConfig())
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			dep.logger.Warn().Err(err).Msg("telemetry shutdown incomplete")
		}
	}()
	tel.Events.Subscribe(func(ev telemetry.RunEvent) {
		dep.logger.Debug().Str("event", ev.Type).Str("run_id", ev.RunID).Msg(ev.Message)
	})

	backend, environment := string(plan.Backend), string(plan.Environment)
	tel.Metrics.RecordPlanCreated(backend, environment, plan.Summary)
	tel.Events.PlanCreated(plan.ID, plan.Summary.Total-plan.Summary.NoOp)

	executor := engine.NewExecutor(
		executorConfig(parallelism, allowReplace),
		dep.registry, dep.store, dep.cloud(), tel, dep.logger,
	)

	tel.Metrics.RecordRunStarted(backend, environment)
	tel.Events.RunStarted(plan.ID, backend, environment)
	runCtx, span := tel.Tracer.StartRun(ctx, plan.ID, backend, environment)

	start := time.Now()
	result, applyErr := executor.Apply(runCtx, plan)
	telemetry.EndSpan(span, applyErr)

	var runID string
	if result != nil {
		runID = result.RunID
		if rerr := renderApplyResult(cmd.OutOrStdout(), result, jsonOutput); rerr != nil {
			return rerr
		}
	}
	if applyErr != nil {
		recordRunFailure(tel, applyErr)
		tel.Metrics.RecordRunCompleted("failed", time.Since(start))
		tel.Events.RunFinished(runID, "failed", time.Since(start))
		log.Error().Err(applyErr).Msg("Apply failed")
		if result != nil && result.Partial {
			return &exitError{code: ExitPartial}
		}
		return applyErr
	}
	tel.Metrics.RecordRunCompleted("succeeded", time.Since(start))
	tel.Events.RunFinished(runID, "succeeded", time.Since(start))
	updateResourceGauges(ctx, dep, tel)
	return nil
}

// recordRunFailure feeds a failed run into the error counters.
func recordRunFailure(tel *telemetry.Telemetry, err error) {
	if engine.HasCode(err, engine.ErrCodeLockContention) {
		tel.Metrics.RecordLockContention("apply")
	}
	var perr *engine.ProvisionError
	if errors.As(err, &perr) {
		tel.Metrics.RecordError(string(perr.Class), perr.Code)
	}
}

// updateResourceGauges refreshes the managed-resource gauge from the
// state store after a successful run.
func updateResourceGauges(ctx context.Context, dep *deployment, tel *telemetry.Telemetry) {
	records, err := dep.store.ListRecords(ctx)
	if err != nil {
		return
	}
	type key struct{ kind, backend string }
	counts := make(map[key]int)
	for _, r := range records {
		counts[key{string(r.Kind), string(r.Backend)}]++
	}
	for k, n := range counts {
		tel.Metrics.SetResourceCount(k.kind, k.backend, float64(n))
	}
}

// readPlanFile loads a plan saved by 'strato plan --out'.
func readPlanFile(path string) (*engine.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	var plan engine.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("invalid plan file %s: %w", path, err)
	}
	if plan.ID == "" || len(plan.Steps) == 0 && plan.Summary.Total > 0 {
		return nil, fmt.Errorf("plan file %s is incomplete", path)
	}
	return &plan, nil
}
