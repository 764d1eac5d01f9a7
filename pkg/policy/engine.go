package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openstrato/openstrato/pkg/engine"
)

// Engine compiles Rego policies once and evaluates their deny sets
// against descriptors and plans. Built-in policies are always loaded;
// LoadPolicies adds operator-supplied ones on top.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*preparedPolicy
	store    storage.Store
	log      zerolog.Logger
}

// preparedPolicy pairs a policy with its prepared deny query, so
// evaluation never re-parses the Rego source.
type preparedPolicy struct {
	policy   *Policy
	deny     rego.PreparedEvalQuery
	prepared time.Time
}

// NewEngine creates a policy engine with the built-in rules compiled.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*preparedPolicy),
		store:    inmem.New(),
		log:      logger.With().Str("component", "policy-engine").Logger(),
	}
	if err := e.loadBuiltins(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) loadBuiltins(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compile(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("built-in policy %s: %w", builtins[i].Name, err)
		}
	}
	e.log.Debug().Int("count", len(builtins)).Msg("Built-in policies compiled")
	return nil
}

// LoadPolicies compiles policy files from the given paths into the
// engine.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.log).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range policies {
		if err := e.compile(ctx, &policies[i]); err != nil {
			return err
		}
	}
	e.log.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// ReloadPolicies drops every loaded policy and recompiles the
// built-in set.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = make(map[string]*preparedPolicy)
	return e.loadBuiltins(ctx)
}

// compile parses a policy, prepares its deny query, and registers it.
// Callers hold the write lock except during construction.
func (e *Engine) compile(ctx context.Context, p *Policy) error {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy %s: %w", p.Name, err)
	}

	// The deny query is rooted at the policy's own package, so
	// policies are free to choose any package name.
	deny, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare policy %s: %w", p.Name, err)
	}

	e.policies[p.Name] = &preparedPolicy{
		policy:   p,
		deny:     deny,
		prepared: time.Now(),
	}
	return nil
}

// EvaluateModules evaluates descriptor-level policies for every
// resource of every module.
func (e *Engine) EvaluateModules(ctx context.Context, modules []*engine.Module, backend engine.Backend, environment engine.Environment) (*Result, error) {
	var inputs []*Input
	for _, m := range modules {
		for _, d := range m.Descriptors {
			inputs = append(inputs, descriptorInput(m.Name, d, backend, environment))
		}
	}
	return e.evaluate(ctx, inputs), nil
}

// EvaluateDescriptor evaluates policies against a single descriptor.
func (e *Engine) EvaluateDescriptor(ctx context.Context, module string, d *engine.ResourceDescriptor, backend engine.Backend, environment engine.Environment) (*Result, error) {
	return e.evaluate(ctx, []*Input{descriptorInput(module, d, backend, environment)}), nil
}

// EvaluatePlan evaluates plan-level policies.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.Plan) (*Result, error) {
	input := &Input{
		Plan: plan,
		Context: &Context{
			Environment: string(plan.Environment),
			Backend:     string(plan.Backend),
			Operation:   "plan",
			Timestamp:   time.Now(),
		},
	}
	result := e.evaluate(ctx, []*Input{input})

	e.log.Debug().
		Str("plan_id", plan.ID).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Plan policy evaluation completed")
	return result, nil
}

func descriptorInput(module string, d *engine.ResourceDescriptor, backend engine.Backend, environment engine.Environment) *Input {
	return &Input{
		Module:     module,
		Descriptor: d,
		Context: &Context{
			Environment: string(environment),
			Backend:     string(backend),
			Operation:   "validate",
			Timestamp:   time.Now(),
		},
	}
}

// evaluate runs every enabled policy over each input and pools the
// violations into one Result. A policy that fails to evaluate becomes
// a warning rather than aborting the whole check.
func (e *Engine) evaluate(ctx context.Context, inputs []*Input) *Result {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	var violations []Violation
	var warnings []string
	evaluated := make([]string, 0, len(e.policies))

	for _, pp := range e.policies {
		if !pp.policy.Enabled {
			continue
		}
		evaluated = append(evaluated, pp.policy.Name)

		for _, input := range inputs {
			found, err := e.denySet(ctx, pp, input)
			if err != nil {
				e.log.Error().Err(err).
					Str("policy", pp.policy.Name).
					Msg("Policy evaluation failed")
				warnings = append(warnings, fmt.Sprintf("Policy %s evaluation failed: %v", pp.policy.Name, err))
				continue
			}
			violations = append(violations, found...)
		}
	}

	allowed := true
	for i := range violations {
		if violations[i].Blocking() {
			allowed = false
			break
		}
	}

	return &Result{
		Allowed:           allowed,
		Violations:        violations,
		Warnings:          warnings,
		EvaluatedAt:       time.Now(),
		EvaluatedPolicies: evaluated,
		Duration:          time.Since(start),
	}
}

// denySet runs one policy's prepared deny query and decodes the
// entries it produced.
func (e *Engine) denySet(ctx context.Context, pp *preparedPolicy, input *Input) ([]Violation, error) {
	rs, err := pp.deny.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, r := range rs {
		for _, expr := range r.Expressions {
			entries, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, entry := range entries {
				violations = append(violations, newViolation(pp.policy, entry, input))
			}
		}
	}
	return violations, nil
}

// newViolation decodes one deny entry. Policies may deny with a bare
// message string or with an object carrying message, severity, and
// remediation detail.
func newViolation(policy *Policy, entry interface{}, input *Input) Violation {
	v := Violation{
		Policy:     policy.Name,
		Severity:   policy.Severity,
		Module:     input.Module,
		DetectedAt: time.Now(),
	}
	if input.Descriptor != nil {
		v.Resource = input.Descriptor.Name
	}

	switch e := entry.(type) {
	case string:
		v.Message = e
	case map[string]interface{}:
		if s, ok := e["message"].(string); ok {
			v.Message = s
		}
		if s, ok := e["severity"].(string); ok {
			v.Severity = Severity(s)
		}
		if s, ok := e["module"].(string); ok {
			v.Module = s
		}
		if s, ok := e["resource"].(string); ok {
			v.Resource = s
		}
		if s, ok := e["remediation"].(string); ok {
			v.Remediation = s
		}
	default:
		v.Message = fmt.Sprintf("%v", entry)
	}
	return v
}

// GetPolicy returns a loaded policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return pp.policy, nil
}

// ListPolicies returns every loaded policy.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, pp := range e.policies {
		out = append(out, *pp.policy)
	}
	return out
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name. Disabled policies stay
// compiled and can be re-enabled without reloading.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	pp.policy.Enabled = enabled
	e.log.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
