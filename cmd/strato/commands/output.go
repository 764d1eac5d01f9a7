package commands

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openstrato/openstrato/pkg/engine"
)

func newOutputCommand() *cobra.Command {
	var (
		raw       bool
		format    string
		statePath string
	)

	cmd := &cobra.Command{
		Use:   "output [module[.name]]",
		Short: "Show module outputs from recorded state",
		Long: `Show the normalized outputs of applied modules.

Outputs come from the state store, so this command works without the
backend being reachable. Sensitive values (credentials, connection
URLs) print as "` + engine.RedactedPlaceholder + `" unless --raw is given.`,
		Example: `  # All outputs of all modules
  strato output

  # Outputs of one module
  strato output networking

  # A single value, unredacted, for scripting
  strato output database.database_url --raw

  # Machine-readable
  strato output --format yaml`,
		Args: cobra.MaximumNArgs(1),
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

			byModule := make(map[string]engine.OutputSet)
			for _, rec := range records {
				set, ok := byModule[rec.Module]
				if !ok {
					set = engine.OutputSet{}
					byModule[rec.Module] = set
				}
				for name, val := range rec.Outputs {
					set[name] = val
				}
			}

			var moduleFilter, nameFilter string
			if len(args) == 1 {
				moduleFilter, nameFilter, _ = strings.Cut(args[0], ".")
			}

			if moduleFilter != "" {
				set, ok := byModule[moduleFilter]
				if !ok {
					return fmt.Errorf("no recorded outputs for module %q", moduleFilter)
				}
				if nameFilter != "" {
					val, ok := set[nameFilter]
					if !ok {
						return fmt.Errorf("module %q has no output %q", moduleFilter, nameFilter)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%v\n", outputValue(val, raw))
					return nil
				}
				byModule = map[string]engine.OutputSet{moduleFilter: set}
			}

			if jsonOutput && format == "table" {
				format = "json"
			}
			return writeOutputs(cmd, byModule, raw, format)
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "print sensitive values unredacted")
	cmd.Flags().StringVar(&format, "format", "table", "output format (table, json, yaml)")
	cmd.Flags().StringVar(&statePath, "state", "", "state database path (overrides config)")

	return cmd
}

func outputValue(v engine.OutputValue, raw bool) interface{} {
	if raw {
		return v.Unwrap()
	}
	return v.Display()
}

func writeOutputs(cmd *cobra.Command, byModule map[string]engine.OutputSet, raw bool, format string) error {
	w := cmd.OutOrStdout()

	switch format {
	case "json", "yaml":
		tree := make(map[string]map[string]interface{}, len(byModule))
		for module, set := range byModule {
			vals := make(map[string]interface{}, len(set))
			for name, v := range set {
				vals[name] = outputValue(v, raw)
			}
			tree[module] = vals
		}
		if format == "json" {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(tree)
		}
		data, err := yaml.Marshal(tree)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err

	case "table":
		modules := make([]string, 0, len(byModule))
		for module := range byModule {
			modules = append(modules, module)
		}
		sort.Strings(modules)
		for _, module := range modules {
			fmt.Fprintf(w, "%s:\n", module)
			renderOutputSet(w, byModule[module], raw)
		}
		return nil

	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
