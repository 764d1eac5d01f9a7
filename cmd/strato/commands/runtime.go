package commands

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openstrato/openstrato/pkg/cloud"
	"github.com/openstrato/openstrato/pkg/config"
	"github.com/openstrato/openstrato/pkg/engine"
	"github.com/openstrato/openstrato/pkg/policy"
	"github.com/openstrato/openstrato/pkg/provider"
	"github.com/openstrato/openstrato/pkg/stores"
)

// deployment bundles everything a command needs after loading the
// configuration: the parsed deployment, its module graph, the provider
// registry, and the policy engine with any configured policy paths
// already loaded. The state store opens lazily because validate and
// watch never touch it.
type deployment struct {
	parsed   *config.ParsedConfig
	modules  []*engine.Module
	graph    *engine.Graph
	registry *provider.Registry
	policies *policy.Engine
	store    *stores.SQLiteStore
	logger   zerolog.Logger
}

// loadDeployment parses the configured sources and wires the runtime
// components.
func loadDeployment(ctx context.Context) (*deployment, error) {
	logger := log.Logger
	if verbose {
		logger = logger.Level(zerolog.DebugLevel)
	}

	parser := config.NewCUEParser()
	parsed, modules, err := parser.Load(ctx, configPaths)
	if err != nil {
		return nil, err
	}

	graph, err := engine.BuildGraph(modules)
	if err != nil {
		return nil, err
	}

	dep := &deployment{
		parsed:   parsed,
		modules:  modules,
		graph:    graph,
		registry: provider.DefaultRegistry(logger),
		logger:   logger,
	}
	dep.policies, err = newPolicyEngine(ctx, dep)
	if err != nil {
		return nil, err
	}
	return dep, nil
}

// newPolicyEngine builds a policy engine with the built-in rules plus
// any configured policy paths loaded.
func newPolicyEngine(ctx context.Context, d *deployment) (*policy.Engine, error) {
	policies, err := policy.NewEngine(d.logger)
	if err != nil {
		return nil, err
	}
	if pc := d.parsed.Deployment.Policy; pc != nil && len(pc.Paths) > 0 {
		if err := policies.LoadPolicies(ctx, pc.Paths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	return policies, nil
}

// openStore opens the deployment's state store, creating the database
// and running migrations on first use.
func (d *deployment) openStore(ctx context.Context, pathOverride string) error {
	path := d.parsed.StatePath()
	if pathOverride != "" {
		path = pathOverride
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return err
	}
	d.store = store
	return nil
}

func (d *deployment) close() {
	if d.store != nil {
		d.store.Close()
	}
}

// policyEnabled reports whether the deployment enforces policies. The
// built-in rules still evaluate when the config has no policy block.
func (d *deployment) policyEnabled() bool {
	pc := d.parsed.Deployment.Policy
	return pc == nil || pc.Enabled
}

// policyAdvisory reports whether violations are reported without
// blocking the run.
func (d *deployment) policyAdvisory() bool {
	pc := d.parsed.Deployment.Policy
	return pc != nil && pc.Mode == "advisory"
}

// checkPolicies evaluates all loaded policies against the deployment's
// modules and returns the blocking error, if any. Warnings always log.
func (d *deployment) checkPolicies(ctx context.Context) error {
	if !d.policyEnabled() {
		return nil
	}
	result, err := d.policies.EvaluateModules(ctx, d.modules, d.parsed.EngineBackend(), d.parsed.EngineEnvironment())
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}
	return d.reportPolicyResult(result)
}

// checkPlanPolicies evaluates plan-scoped policies against a computed plan.
func (d *deployment) checkPlanPolicies(ctx context.Context, plan *engine.Plan) error {
	if !d.policyEnabled() {
		return nil
	}
	result, err := d.policies.EvaluatePlan(ctx, plan)
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}
	return d.reportPolicyResult(result)
}

func (d *deployment) reportPolicyResult(result *policy.Result) error {
	for _, w := range result.Warnings {
		d.logger.Warn().Str("component", "policy").Msg(w)
	}
	for _, v := range result.Violations {
		ev := d.logger.Warn()
		if v.Blocking() {
			ev = d.logger.Error()
		}
		ev.Str("policy", v.Policy).
			Str("module", v.Module).
			Str("resource", v.Resource).
			Str("severity", string(v.Severity)).
			Msg(v.Message)
	}
	if err := result.Err(); err != nil {
		if d.policyAdvisory() {
			d.logger.Warn().Err(err).Msg("Policy violations present (advisory mode, continuing)")
			return nil
		}
		return err
	}
	return nil
}

// cloud returns the backend API for apply runs. The simulator stands in
// for real cloud SDK calls while keeping their latency and failure
// characteristics.
func (d *deployment) cloud() engine.CloudAPI {
	return cloud.NewSimulator(50*time.Millisecond, d.logger)
}

// lockHolder identifies this process for the deployment lock.
func lockHolder() string {
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s@%s %d", username, host, os.Getpid())
}

// confirm prompts on stdin and accepts only an exact "yes".
func confirm(prompt string) (bool, error) {
	fmt.Printf("%s\n  Only 'yes' will be accepted: ", prompt)
	var answer string
	if _, err := fmt.Scanln(&answer); err != nil {
		return false, nil
	}
	return answer == "yes", nil
}

// executorConfig builds the executor configuration shared by apply and
// destroy.
func executorConfig(parallelism int, allowReplace bool) engine.ExecutorConfig {
	return engine.ExecutorConfig{
		Concurrency:  parallelism,
		MaxAttempts:  3,
		RetryBackoff: 500 * time.Millisecond,
		AllowReplace: allowReplace,
		Holder:       lockHolder(),
	}
}
