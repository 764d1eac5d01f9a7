package commands

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openstrato/openstrato/pkg/engine"
)

func newWatchCommand() *cobra.Command {
	var statePath string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-plan on configuration changes",
		Long: `Watch the deployment configuration and recompute the plan whenever
a .cue file changes.

The plan is display-only; nothing is applied. Useful while editing
configuration to see the resulting changes continuously. Stop with
Ctrl-C.`,
		Example: `  # Watch the current directory
  strato watch

  # Watch a specific config
  strato watch -c deploy.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return err
			}
			defer watcher.Close()

			for _, path := range configPaths {
				// Watch the containing directory so editors that
				// replace files (rename+create) are still seen.
				info, err := os.Stat(path)
				if err != nil {
					return err
				}
				dir := path
				if !info.IsDir() {
					dir = filepath.Dir(path)
				}
				if err := watcher.Add(dir); err != nil {
					return err
				}
			}

			replan(ctx, cmd, statePath)

			// Debounce: editors fire several events per save.
			var timer *time.Timer
			timerC := make(chan struct{}, 1)

			for {
				select {
				case <-ctx.Done():
					return nil

				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if !strings.HasSuffix(event.Name, ".cue") {
						continue
					}
					if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
						continue
					}
					if timer != nil {
						timer.Stop()
					}
					timer = time.AfterFunc(500*time.Millisecond, func() {
						select {
						case timerC <- struct{}{}:
						default:
						}
					})

				case <-timerC:
					replan(ctx, cmd, statePath)

				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					log.Error().Err(err).Msg("Watch error")
				}
			}
		},
	}

	cmd.Flags().StringVar(&statePath, "state", "", "state database path (overrides config)")

	return cmd
}

// replan computes and renders a fresh plan, reporting errors without
// stopping the watch.
func replan(ctx context.Context, cmd *cobra.Command, statePath string) {
	dep, err := loadDeployment(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Configuration invalid")
		return
	}
	defer dep.close()

	if err := dep.checkPolicies(ctx); err != nil {
		log.Error().Err(err).Msg("Policy check failed")
		return
	}
	if err := dep.openStore(ctx, statePath); err != nil {
		log.Error().Err(err).Msg("Failed to open state store")
		return
	}

	planner := engine.NewPlanner(dep.registry, dep.store, dep.logger)
	plan, err := planner.CreatePlan(ctx, dep.graph, dep.parsed.EngineBackend(), dep.parsed.EngineEnvironment())
	if err != nil {
		log.Error().Err(err).Msg("Planning failed")
		return
	}
	if err := renderPlan(cmd.OutOrStdout(), plan, jsonOutput); err != nil {
		log.Error().Err(err).Msg("Failed to render plan")
	}
}
