package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openstrato/openstrato/pkg/config"
	"github.com/openstrato/openstrato/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate the deployment configuration",
		Long: `Validate CUE deployment configuration without touching state.

This command checks:
  - CUE syntax and schema conformance
  - Variable interpolation and compute scripts
  - Resource descriptor properties against kind schemas
  - Output references and the module dependency graph
  - Policy compliance (OPA/rego)`,
		Example: `  # Validate configs in current directory
  strato validate

  # Validate a specific file
  strato validate deploy.cue

  # Treat policy warnings as errors
  strato validate --strict`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(args) > 0 {
				configPaths = args
			}

			parser := config.NewCUEParser()
			parsed, err := parser.Parse(ctx, configPaths)
			if err != nil {
				return err
			}
			if len(parsed.Errors) > 0 {
				for _, ve := range parsed.Errors {
					log.Error().
						Str("file", ve.File).
						Int("line", ve.Line).
						Str("path", ve.Path).
						Msg(ve.Message)
				}
				return fmt.Errorf("configuration has %d error(s)", len(parsed.Errors))
			}
			if err := parser.Resolve(ctx, parsed); err != nil {
				return err
			}

			modules, err := parsed.ToEngineModules()
			if err != nil {
				return err
			}
			graph, err := engine.BuildGraph(modules)
			if err != nil {
				return err
			}

			dep := &deployment{
				parsed:  parsed,
				modules: modules,
				graph:   graph,
				logger:  log.Logger,
			}
			var perr error
			dep.policies, perr = newPolicyEngine(ctx, dep)
			if perr != nil {
				return perr
			}

			result, err := dep.policies.EvaluateModules(ctx, modules, parsed.EngineBackend(), parsed.EngineEnvironment())
			if err != nil {
				return err
			}
			if rerr := dep.reportPolicyResult(result); rerr != nil {
				return rerr
			}
			if strict && len(result.Violations) > 0 {
				return fmt.Errorf("%d policy violation(s) in strict mode", len(result.Violations))
			}

			resources := 0
			for _, m := range modules {
				resources += len(m.Descriptors)
			}
			log.Info().
				Int("modules", len(modules)).
				Int("resources", resources).
				Str("backend", string(parsed.EngineBackend())).
				Str("environment", string(parsed.EngineEnvironment())).
				Msg("Configuration is valid")
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "fail on policy warnings, not just blocking violations")

	return cmd
}
