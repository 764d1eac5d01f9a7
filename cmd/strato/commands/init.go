package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const starterDeployment = `deployment: {
	name:        "my-stack"
	backend:     "aws"
	environment: "dev"

	variables: {
		cidr:     "10.0.0.0/16"
		az_count: 2
	}

	state: path: "strato.db"

	modules: {
		networking: {
			resources: {
				vpc: {
					kind: "network"
					properties: {
						cidr:     "${var.cidr}"
						az_count: "${var.az_count}"
					}
				}
			}
		}
		storage: {
			resources: {
				assets: {
					kind: "object_store"
					properties: {
						versioning: true
					}
				}
			}
		}
	}
}
`

const starterPolicy = `# Deny public buckets outside dev.
package openstrato.policies.no_public_buckets

import rego.v1

deny contains violation if {
	input.context.environment != "dev"
	input.descriptor.kind == "object_store"
	input.descriptor.properties.public_access == true
	violation := {
		"message": sprintf("bucket %s must not be public in %s", [input.descriptor.name, input.context.environment]),
		"severity": "error",
	}
}
`

func newInitCommand() *cobra.Command {
	var withPolicies bool

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a new deployment",
		Long: `Create a starter deployment configuration in the given directory
(default: current directory).

The generated deploy.cue declares a network and an object store on the
dev environment; edit it and run 'strato plan' to see the resulting
plan. With --with-policies an example rego policy is written under
policies/.`,
		Example: `  # Scaffold in the current directory
  strato init

  # Scaffold a new directory with an example policy
  strato init my-stack --with-policies`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}

			configFile := filepath.Join(dir, "deploy.cue")
			if _, err := os.Stat(configFile); err == nil {
				return fmt.Errorf("%s already exists, refusing to overwrite", configFile)
			}
			if err := os.WriteFile(configFile, []byte(starterDeployment), 0o644); err != nil {
				return err
			}
			log.Info().Str("path", configFile).Msg("Wrote deployment config")

			if withPolicies {
				policyDir := filepath.Join(dir, "policies")
				if err := os.MkdirAll(policyDir, 0o755); err != nil {
					return err
				}
				policyFile := filepath.Join(policyDir, "no_public_buckets.rego")
				if err := os.WriteFile(policyFile, []byte(starterPolicy), 0o644); err != nil {
					return err
				}
				log.Info().Str("path", policyFile).Msg("Wrote example policy")
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Initialized deployment in %s. Next: strato plan -c %s\n", dir, configFile)
			return nil
		},
	}

	cmd.Flags().BoolVar(&withPolicies, "with-policies", false, "also write an example rego policy")

	return cmd
}
