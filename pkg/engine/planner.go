package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Planner diffs a declared deployment against recorded state and produces
// an ordered plan. Planning never mutates state and never calls a cloud
// backend; it is safe to run concurrently with reads.
type Planner struct {
	resolver Resolver
	store    StateStore
	log      zerolog.Logger
}

// NewPlanner constructs a planner.
func NewPlanner(resolver Resolver, store StateStore, log zerolog.Logger) *Planner {
	return &Planner{
		resolver: resolver,
		store:    store,
		log:      log.With().Str("component", "planner").Logger(),
	}
}

// CreatePlan computes the plan for applying the deployment graph on the
// given backend and environment. Planning the same unchanged deployment
// twice yields a plan of pure no-ops.
func (p *Planner) CreatePlan(ctx context.Context, g *Graph, backend Backend, env Environment) (*Plan, error) {
	if err := backend.Validate(); err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}

	records, err := p.store.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	recorded := make(map[string]*StateRecord, len(records))
	for _, rec := range records {
		recorded[rec.Key()] = rec
	}

	plan := &Plan{
		ID:          uuid.New().String(),
		CreatedAt:   time.Now().UTC(),
		Backend:     backend,
		Environment: env,
		ModuleOrder: g.TopologicalOrder(),
	}

	declared := make(map[string]struct{})
	for _, modName := range plan.ModuleOrder {
		mod := g.Module(modName)
		for _, d := range mod.Descriptors {
			declared[StateKey(modName, d.Name)] = struct{}{}
		}
	}

	// Resources recorded in state but no longer declared are destroyed
	// first, dependents before dependencies.
	destroySteps, err := p.planRemovals(g, recorded, declared)
	if err != nil {
		return nil, err
	}
	plan.Steps = append(plan.Steps, destroySteps...)

	for _, modName := range plan.ModuleOrder {
		mod := g.Module(modName)
		for _, d := range mod.Descriptors {
			step, err := p.planResource(modName, d, backend, env, recorded[StateKey(modName, d.Name)])
			if err != nil {
				return nil, err
			}
			plan.Steps = append(plan.Steps, step)
		}
	}

	plan.Summary = summarize(plan.Steps)
	p.log.Info().
		Str("plan_id", plan.ID).
		Str("backend", string(backend)).
		Str("environment", string(env)).
		Int("create", plan.Summary.ToCreate).
		Int("update", plan.Summary.ToUpdate).
		Int("replace", plan.Summary.ToReplace).
		Int("destroy", plan.Summary.ToDestroy).
		Int("noop", plan.Summary.NoOp).
		Msg("plan created")
	return plan, nil
}

// CreateDestroyPlan plans the teardown of every recorded resource, in
// reverse dependency order.
func (p *Planner) CreateDestroyPlan(ctx context.Context, g *Graph, backend Backend, env Environment) (*Plan, error) {
	records, err := p.store.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	recorded := make(map[string]*StateRecord, len(records))
	for _, rec := range records {
		recorded[rec.Key()] = rec
	}

	plan := &Plan{
		ID:          uuid.New().String(),
		CreatedAt:   time.Now().UTC(),
		Backend:     backend,
		Environment: env,
		ModuleOrder: g.ReverseTopologicalOrder(),
	}

	seen := make(map[string]struct{}, len(recorded))
	for _, modName := range plan.ModuleOrder {
		mod := g.Module(modName)
		// Descriptors within a module destroy in reverse declaration order.
		for i := len(mod.Descriptors) - 1; i >= 0; i-- {
			key := StateKey(modName, mod.Descriptors[i].Name)
			rec, ok := recorded[key]
			if !ok {
				continue
			}
			seen[key] = struct{}{}
			plan.Steps = append(plan.Steps, p.destroyStep(rec))
		}
	}

	// Records with no declared module left (orphans) go last, in stable
	// reverse key order.
	var orphans []string
	for key := range recorded {
		if _, ok := seen[key]; !ok {
			orphans = append(orphans, key)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(orphans)))
	for _, key := range orphans {
		plan.Steps = append(plan.Steps, p.destroyStep(recorded[key]))
	}

	plan.Summary = summarize(plan.Steps)
	return plan, nil
}

// planRemovals emits destroy steps for records whose resources are no
// longer declared. If the removed module still has a declared counterpart,
// graph reverse order decides placement; pure orphans sort by key.
func (p *Planner) planRemovals(g *Graph, recorded map[string]*StateRecord, declared map[string]struct{}) ([]*PlanStep, error) {
	var removed []string
	for key := range recorded {
		if _, ok := declared[key]; !ok {
			removed = append(removed, key)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(removed)))

	steps := make([]*PlanStep, 0, len(removed))
	for _, key := range removed {
		rec := recorded[key]
		// A removed resource whose outputs are still referenced would have
		// failed graph validation already; here the record is safe to drop.
		steps = append(steps, p.destroyStep(rec))
	}
	return steps, nil
}

func (p *Planner) destroyStep(rec *StateRecord) *PlanStep {
	return &PlanStep{
		Module:      rec.Module,
		Resource:    rec.Resource,
		Kind:        rec.Kind,
		Action:      ActionDestroy,
		Reason:      "resource no longer declared",
		PriorRecord: rec,
	}
}

// planResource decides the action for one declared resource.
func (p *Planner) planResource(module string, d *ResourceDescriptor, backend Backend, env Environment, prior *StateRecord) (*PlanStep, error) {
	variant, err := p.resolver.Resolve(module, d, backend, env)
	if err != nil {
		return nil, err
	}

	step := &PlanStep{
		Module:      module,
		Resource:    d.Name,
		Kind:        d.Kind,
		Descriptor:  d,
		Variant:     variant,
		PriorRecord: prior,
	}

	if prior == nil {
		step.Action = ActionCreate
		step.Reason = "resource not yet provisioned"
		return step, nil
	}

	if prior.Backend != backend {
		step.Action = ActionReplace
		step.Reason = fmt.Sprintf("backend changed from %s to %s", prior.Backend, backend)
		step.ChangedProperties = d.DiffProperties(prior.Properties)
		return step, nil
	}

	if prior.DescriptorHash == "" {
		// An empty hash marks a record written mid-apply by a run that
		// never completed. Recreate rather than guess at its shape.
		step.Action = ActionReplace
		step.Reason = "previous apply did not complete"
		step.ChangedProperties = d.DiffProperties(prior.Properties)
		return step, nil
	}

	if prior.DescriptorHash == d.Hash() {
		step.Action = ActionNoOp
		step.Reason = "no changes"
		return step, nil
	}

	changed := d.DiffProperties(prior.Properties)
	step.ChangedProperties = changed

	immutable := make(map[string]struct{}, len(variant.ImmutableProperties))
	for _, name := range variant.ImmutableProperties {
		immutable[name] = struct{}{}
	}
	for _, name := range changed {
		if _, ok := immutable[name]; ok {
			step.Action = ActionReplace
			step.Reason = fmt.Sprintf("immutable property %q changed", name)
			return step, nil
		}
	}

	step.Action = ActionUpdate
	step.Reason = fmt.Sprintf("properties changed: %v", changed)
	return step, nil
}

func summarize(steps []*PlanStep) PlanSummary {
	var s PlanSummary
	for _, step := range steps {
		s.Total++
		switch step.Action {
		case ActionCreate:
			s.ToCreate++
		case ActionUpdate:
			s.ToUpdate++
		case ActionReplace:
			s.ToReplace++
		case ActionDestroy:
			s.ToDestroy++
		case ActionNoOp:
			s.NoOp++
		}
	}
	return s
}
