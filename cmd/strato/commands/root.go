package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPaths []string
	verbose     bool
	jsonOutput  bool
)

// Exit codes beyond the usual 0/1. Plan uses ExitChanges to signal a
// non-empty plan to scripts; apply uses ExitPartial when a run stopped
// mid-plan and state needs manual attention.
const (
	ExitChanges = 2
	ExitPartial = 3
)

// exitError carries a non-standard exit code out of a command without a
// message of its own; the command has already reported whatever there is
// to report.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

// ExitCode extracts a status exit code from a command error. The second
// return is false for ordinary errors, which exit 1.
func ExitCode(err error) (int, bool) {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code, true
	}
	return 0, false
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "strato",
		Short: "OpenStrato - Multi-Cloud Provisioning Engine",
		Long: `OpenStrato provisions abstract infrastructure resources across cloud
backends from a single declarative deployment configuration.

Features:
  - Typed deployment configs via CUE
  - Light procedural computation via Starlark
  - Backend-agnostic resource descriptors resolved per backend
  - Deterministic plan/apply with content-addressed diffing
  - Locked, crash-safe SQLite state
  - Policy enforcement via OPA/rego`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringSliceVarP(&configPaths, "config", "c", []string{"."}, "deployment config file or directory (repeatable)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newOutputCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}
