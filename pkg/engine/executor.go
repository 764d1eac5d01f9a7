package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultConcurrency caps parallel provider calls within one variant.
	DefaultConcurrency = 4

	// DefaultMaxAttempts bounds retries of transient provider faults.
	DefaultMaxAttempts = 3

	// DefaultRetryBackoff is the base delay before the first retry; it
	// doubles per attempt with jitter.
	DefaultRetryBackoff = 500 * time.Millisecond

	// LockHeartbeatInterval is how often a running apply refreshes its
	// lock liveness.
	LockHeartbeatInterval = 10 * time.Second
)

// StepMetrics receives per-step execution observations. Nil-safe at the
// call sites; pkg/telemetry provides the Prometheus-backed implementation.
type StepMetrics interface {
	ObserveStep(action Action, success bool, duration time.Duration)
	ObserveRetry(module, resource string)
}

// ExecutorConfig tunes the executor. Zero values take the defaults above.
type ExecutorConfig struct {
	Concurrency  int
	MaxAttempts  int
	RetryBackoff time.Duration

	// AllowReplace permits destructive replace steps. Without it, a plan
	// containing replaces refuses to apply.
	AllowReplace bool

	// Holder identifies the lock holder (user@host pid).
	Holder string
}

// Executor applies plans: it takes the deployment lock, walks the plan's
// steps in order, dispatches provider mutations, and persists state
// incrementally after every mutation.
type Executor struct {
	cfg      ExecutorConfig
	resolver Resolver
	store    StateStore
	cloud    CloudAPI
	metrics  StepMetrics
	log      zerolog.Logger
}

// NewExecutor constructs an executor. metrics may be nil.
func NewExecutor(cfg ExecutorConfig, resolver Resolver, store StateStore, cloud CloudAPI, metrics StepMetrics, log zerolog.Logger) *Executor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Holder == "" {
		cfg.Holder = "unknown"
	}
	return &Executor{
		cfg:      cfg,
		resolver: resolver,
		store:    store,
		cloud:    cloud,
		metrics:  metrics,
		log:      log.With().Str("component", "executor").Logger(),
	}
}

// Apply executes a plan. It stops at the first failed step; everything
// already applied stays applied and recorded, and the returned result
// reports the partial progress alongside the error.
func (e *Executor) Apply(ctx context.Context, plan *Plan) (*ApplyResult, error) {
	if plan.Summary.ToReplace > 0 && !e.cfg.AllowReplace {
		return nil, NewReplaceRequiredError(plan.Summary.ToReplace)
	}

	runID := uuid.New().String()
	result := &ApplyResult{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
		Outputs:   OutputSet{},
	}

	if err := e.store.AcquireLock(ctx, runID, e.cfg.Holder); err != nil {
		return nil, err
	}
	stopHeartbeat := e.startHeartbeat(ctx, runID)
	defer func() {
		stopHeartbeat()
		// Release on a fresh context so a canceled apply still unlocks.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.ReleaseLock(releaseCtx, runID); err != nil {
			e.log.Error().Err(err).Str("run_id", runID).Msg("failed to release deployment lock")
		}
	}()

	e.event(ctx, runID, "", "", "", "run_started", fmt.Sprintf("applying plan %s", plan.ID))

	outputs, err := e.loadRecordedOutputs(ctx)
	if err != nil {
		return nil, err
	}

	applyErr := e.applySteps(ctx, plan, runID, outputs, result)

	result.CompletedAt = time.Now().UTC()
	for module, set := range outputs {
		for name, val := range set {
			// Qualified so outputs from different modules never collide.
			result.Outputs[module+"."+name] = val
		}
	}

	if applyErr != nil {
		result.Partial = result.Applied > 0
		e.event(ctx, runID, "", "", "", "run_failed", applyErr.Error())
		return result, applyErr
	}
	e.event(ctx, runID, "", "", "", "run_completed",
		fmt.Sprintf("%d applied, %d skipped", result.Applied, result.Skipped))
	return result, nil
}

func (e *Executor) applySteps(ctx context.Context, plan *Plan, runID string, outputs map[string]OutputSet, result *ApplyResult) error {
	for _, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return NewInternalError("apply canceled", err)
		}
		if step.Action == ActionNoOp {
			result.Skipped++
			continue
		}

		start := time.Now()
		err := e.applyStep(ctx, plan, step, runID, outputs)
		if e.metrics != nil {
			e.metrics.ObserveStep(step.Action, err == nil, time.Since(start))
		}
		if err != nil {
			result.Failed++
			e.event(ctx, runID, step.Module, step.Resource, step.Action, "step_failed", err.Error())
			return err
		}
		result.Applied++
		e.event(ctx, runID, step.Module, step.Resource, step.Action, "step_applied", step.Reason)
	}
	return nil
}

func (e *Executor) applyStep(ctx context.Context, plan *Plan, step *PlanStep, runID string, outputs map[string]OutputSet) error {
	log := e.log.With().
		Str("run_id", runID).
		Str("module", step.Module).
		Str("resource", step.Resource).
		Str("action", string(step.Action)).
		Logger()
	log.Info().Msg("applying step")

	switch step.Action {
	case ActionDestroy:
		return e.destroyResource(ctx, plan, step, runID)

	case ActionReplace:
		if step.PriorRecord != nil {
			if err := e.destroyResource(ctx, plan, step, runID); err != nil {
				return err
			}
		}
		return e.createResource(ctx, plan, step, runID, outputs)

	case ActionCreate:
		return e.createResource(ctx, plan, step, runID, outputs)

	case ActionUpdate:
		return e.updateResource(ctx, plan, step, runID, outputs)

	default:
		return NewInternalError(fmt.Sprintf("unexpected plan action %q", step.Action), nil)
	}
}

// materialize resolves output references in the step's descriptor against
// accumulated outputs and re-resolves the provider variant, so the specs
// dispatched to the cloud carry concrete values.
func (e *Executor) materialize(plan *Plan, step *PlanStep, outputs map[string]OutputSet) (*ResourceDescriptor, *ProviderVariant, error) {
	props, err := MaterializeProperties(step.Module, step.Descriptor, outputs)
	if err != nil {
		return nil, nil, err
	}
	materialized := &ResourceDescriptor{
		Name:       step.Descriptor.Name,
		Kind:       step.Descriptor.Kind,
		Properties: props,
	}
	variant, err := e.resolver.Resolve(step.Module, materialized, plan.Backend, plan.Environment)
	if err != nil {
		return nil, nil, err
	}
	return materialized, variant, nil
}

func (e *Executor) createResource(ctx context.Context, plan *Plan, step *PlanStep, runID string, outputs map[string]OutputSet) error {
	materialized, variant, err := e.materialize(plan, step, outputs)
	if err != nil {
		return err
	}

	created := newCreationState()
	rec := &StateRecord{
		Module:      step.Module,
		Resource:    step.Resource,
		Kind:        step.Kind,
		Backend:     plan.Backend,
		Properties:  step.Descriptor.Properties,
		ResourceIDs: map[string]string{},
		Outputs:     OutputSet{},
		RunID:       runID,
	}

	levels := specLevels(variant.Resources)
	for _, level := range levels {
		if err := e.runLevel(ctx, plan, step, level, materialized, created, func(ctx context.Context, spec ResourceSpec) error {
			resp, err := e.withRetry(ctx, step, spec.Name, func(ctx context.Context) (*CloudResponse, error) {
				return e.cloud.CreateResource(ctx, &CloudRequest{
					Module:      step.Module,
					Resource:    step.Resource,
					Kind:        step.Kind,
					Backend:     plan.Backend,
					Environment: plan.Environment,
					Spec:        spec,
					Properties:  materialized.Properties,
				})
			})
			if err != nil {
				return err
			}
			created.record(spec, resp)
			return nil
		}); err != nil {
			remaining := e.rollbackCreated(ctx, plan, step, created)
			return NewPartialApplyError(step.Module, step.Resource, remaining, err)
		}

		// Persist provider identifiers as soon as they exist, so a crash
		// mid-variant leaves a resumable record rather than orphans.
		rec.ResourceIDs = created.ids()
		rec.AppliedAt = time.Now().UTC()
		if err := e.store.SaveRecord(ctx, rec); err != nil {
			return NewInternalError("persisting in-progress state", err).
				WithModule(step.Module).WithResource(step.Resource).WithStateMutated()
		}
	}

	set, err := NormalizeOutputs(step.Module, step.Kind, created.outputValues(variant))
	if err != nil {
		return stepFailure(err, step)
	}

	rec.DescriptorHash = step.Descriptor.Hash()
	rec.Outputs = set
	rec.AppliedAt = time.Now().UTC()
	if err := e.store.SaveRecord(ctx, rec); err != nil {
		return NewInternalError("persisting applied state", err).
			WithModule(step.Module).WithResource(step.Resource).WithStateMutated()
	}

	mergeOutputs(outputs, step.Module, set)
	return nil
}

func (e *Executor) updateResource(ctx context.Context, plan *Plan, step *PlanStep, runID string, outputs map[string]OutputSet) error {
	materialized, variant, err := e.materialize(plan, step, outputs)
	if err != nil {
		return err
	}
	prior := step.PriorRecord

	updated := newCreationState()
	levels := specLevels(variant.Resources)
	for _, level := range levels {
		if err := e.runLevel(ctx, plan, step, level, materialized, updated, func(ctx context.Context, spec ResourceSpec) error {
			resp, err := e.withRetry(ctx, step, spec.Name, func(ctx context.Context) (*CloudResponse, error) {
				return e.cloud.UpdateResource(ctx, &CloudRequest{
					Module:      step.Module,
					Resource:    step.Resource,
					Kind:        step.Kind,
					Backend:     plan.Backend,
					Environment: plan.Environment,
					Spec:        spec,
					Properties:  materialized.Properties,
					ResourceID:  prior.ResourceIDs[spec.Name],
				})
			})
			if err != nil {
				return err
			}
			updated.record(spec, resp)
			return nil
		}); err != nil {
			// Updates mutate in place; there is nothing safe to compensate.
			return NewPartialApplyError(step.Module, step.Resource, updated.ids(), err)
		}
	}

	set, err := NormalizeOutputs(step.Module, step.Kind, updated.outputValues(variant))
	if err != nil {
		return stepFailure(err, step)
	}

	rec := &StateRecord{
		Module:         step.Module,
		Resource:       step.Resource,
		Kind:           step.Kind,
		Backend:        plan.Backend,
		DescriptorHash: step.Descriptor.Hash(),
		Properties:     step.Descriptor.Properties,
		ResourceIDs:    updated.ids(),
		Outputs:        set,
		AppliedAt:      time.Now().UTC(),
		RunID:          runID,
	}
	if err := e.store.SaveRecord(ctx, rec); err != nil {
		return NewInternalError("persisting applied state", err).
			WithModule(step.Module).WithResource(step.Resource).WithStateMutated()
	}

	mergeOutputs(outputs, step.Module, set)
	return nil
}

func (e *Executor) destroyResource(ctx context.Context, plan *Plan, step *PlanStep, runID string) error {
	rec := step.PriorRecord
	if rec == nil {
		return nil
	}

	// Delete in reverse name order of the recorded identifiers. Recorded
	// IDs carry no dependency edges, so reverse creation-name order is the
	// deterministic stand-in.
	names := make([]string, 0, len(rec.ResourceIDs))
	for name := range rec.ResourceIDs {
		names = append(names, name)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		id := rec.ResourceIDs[name]
		_, err := e.withRetry(ctx, step, name, func(ctx context.Context) (*CloudResponse, error) {
			return nil, e.cloud.DeleteResource(ctx, &CloudRequest{
				Module:      step.Module,
				Resource:    step.Resource,
				Kind:        step.Kind,
				Backend:     rec.Backend,
				Environment: plan.Environment,
				Spec:        ResourceSpec{Name: name},
				ResourceID:  id,
			})
		})
		if err != nil {
			return err
		}
		// Drop the deleted identifier immediately so a crash does not
		// re-delete on resume.
		delete(rec.ResourceIDs, name)
		rec.RunID = runID
		if err := e.store.SaveRecord(ctx, rec); err != nil {
			return NewInternalError("persisting partial destroy", err).
				WithModule(step.Module).WithResource(step.Resource).WithStateMutated()
		}
	}

	if err := e.store.DeleteRecord(ctx, rec.Key()); err != nil {
		return NewInternalError("removing destroyed state record", err).
			WithModule(step.Module).WithResource(step.Resource).WithStateMutated()
	}
	return nil
}

// rollbackCreated tears down resources created so far within a failed
// step, best effort, newest first. It returns the identifiers it could
// not delete.
func (e *Executor) rollbackCreated(ctx context.Context, plan *Plan, step *PlanStep, created *creationState) map[string]string {
	remaining := created.ids()
	names := make([]string, 0, len(remaining))
	for name := range remaining {
		names = append(names, name)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		err := e.cloud.DeleteResource(ctx, &CloudRequest{
			Module:      step.Module,
			Resource:    step.Resource,
			Kind:        step.Kind,
			Backend:     plan.Backend,
			Environment: plan.Environment,
			Spec:        ResourceSpec{Name: name},
			ResourceID:  remaining[name],
		})
		if err != nil {
			e.log.Error().Err(err).
				Str("module", step.Module).
				Str("resource", step.Resource).
				Str("spec", name).
				Msg("rollback delete failed, resource orphaned")
			continue
		}
		delete(remaining, name)
	}

	// Scrub any record written for the failed step.
	key := StateKey(step.Module, step.Resource)
	if len(remaining) == 0 && step.PriorRecord == nil {
		if err := e.store.DeleteRecord(ctx, key); err != nil {
			e.log.Error().Err(err).Str("key", key).Msg("failed to remove rolled-back state record")
		}
	}
	return remaining
}

// runLevel executes one dependency level of a variant's specs through a
// bounded worker pool, failing fast on the first error.
func (e *Executor) runLevel(ctx context.Context, plan *Plan, step *PlanStep, level []ResourceSpec, materialized *ResourceDescriptor, state *creationState, run func(context.Context, ResourceSpec) error) error {
	if len(level) == 1 {
		return run(ctx, level[0])
	}

	sem := make(chan struct{}, e.cfg.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	levelCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, spec := range level {
		spec := spec
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if levelCtx.Err() != nil {
				return
			}
			if err := run(levelCtx, spec); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// withRetry retries transient provider failures with exponential backoff
// and jitter, up to the configured attempt cap. Conflict and permanent
// failures surface immediately.
func (e *Executor) withRetry(ctx context.Context, step *PlanStep, specName string, call func(context.Context) (*CloudResponse, error)) (*CloudResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		resp, err := call(ctx)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
		if attempt == e.cfg.MaxAttempts {
			break
		}
		if e.metrics != nil {
			e.metrics.ObserveRetry(step.Module, step.Resource)
		}
		backoff := e.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
		backoff += time.Duration(rand.Int63n(int64(backoff) / 2))
		e.log.Warn().Err(err).
			Str("module", step.Module).
			Str("resource", step.Resource).
			Str("spec", specName).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("transient provider failure, retrying")
		select {
		case <-ctx.Done():
			return nil, NewInternalError("apply canceled during retry backoff", ctx.Err())
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

// startHeartbeat refreshes the lock on an interval until stopped.
func (e *Executor) startHeartbeat(ctx context.Context, runID string) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(LockHeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.store.Heartbeat(ctx, runID); err != nil {
					e.log.Error().Err(err).Str("run_id", runID).Msg("lock heartbeat failed")
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (e *Executor) loadRecordedOutputs(ctx context.Context) (map[string]OutputSet, error) {
	records, err := e.store.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	outputs := make(map[string]OutputSet)
	for _, rec := range records {
		mergeOutputs(outputs, rec.Module, rec.Outputs)
	}
	return outputs, nil
}

func (e *Executor) event(ctx context.Context, runID, module, resource string, action Action, eventType, message string) {
	ev := &EventRecord{
		RunID:     runID,
		Module:    module,
		Resource:  resource,
		Action:    action,
		EventType: eventType,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.log.Warn().Err(err).Str("event", eventType).Msg("failed to append run event")
	}
}

// stepFailure stamps step context and the state-mutated flag onto a
// classified error that escaped after provider mutations already landed.
func stepFailure(err error, step *PlanStep) error {
	var pe *ProvisionError
	if errors.As(err, &pe) {
		pe.WithModule(step.Module).WithResource(step.Resource).WithAction(step.Action).WithStateMutated()
	}
	return err
}

func mergeOutputs(outputs map[string]OutputSet, module string, set OutputSet) {
	if len(set) == 0 {
		return
	}
	existing, ok := outputs[module]
	if !ok {
		existing = OutputSet{}
		outputs[module] = existing
	}
	for name, val := range set {
		existing[name] = val
	}
}

// creationState tracks provider responses accumulated within one step.
type creationState struct {
	mu    sync.Mutex
	ids_  map[string]string
	attrs map[string]map[string]interface{}
}

func newCreationState() *creationState {
	return &creationState{
		ids_:  map[string]string{},
		attrs: map[string]map[string]interface{}{},
	}
}

func (c *creationState) record(spec ResourceSpec, resp *CloudResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids_[spec.Name] = resp.ResourceID
	c.attrs[spec.Name] = resp.Attributes
}

func (c *creationState) ids() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.ids_))
	for k, v := range c.ids_ {
		out[k] = v
	}
	return out
}

// outputValues reads the variant's output mappings out of the accumulated
// provider attributes.
func (c *creationState) outputValues(variant *ProviderVariant) map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw := make(map[string]interface{}, len(variant.Outputs))
	for name, src := range variant.Outputs {
		attrs, ok := c.attrs[src.Resource]
		if !ok {
			continue
		}
		if val, ok := attrs[src.Field]; ok {
			raw[name] = val
		}
	}
	return raw
}

// specLevels groups a variant's specs into dependency levels: every spec
// in a level depends only on specs in earlier levels. Declaration order
// breaks ties inside a level.
func specLevels(specs []ResourceSpec) [][]ResourceSpec {
	placed := make(map[string]int, len(specs))
	var levels [][]ResourceSpec

	remaining := make([]ResourceSpec, len(specs))
	copy(remaining, specs)

	for len(remaining) > 0 {
		var level []ResourceSpec
		var next []ResourceSpec
		for _, spec := range remaining {
			ready := true
			for _, dep := range spec.DependsOn {
				if _, ok := placed[dep]; !ok {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, spec)
			} else {
				next = append(next, spec)
			}
		}
		if len(level) == 0 {
			// Unsatisfiable DependsOn inside a variant is a builder bug;
			// run the rest sequentially rather than spinning.
			level = next
			next = nil
		}
		for _, spec := range level {
			placed[spec.Name] = len(levels)
		}
		levels = append(levels, level)
		remaining = next
	}
	return levels
}
