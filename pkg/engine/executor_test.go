package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestExecutor(store StateStore, cloud CloudAPI, metrics StepMetrics, allowReplace bool) *Executor {
	return NewExecutor(ExecutorConfig{
		Concurrency:  2,
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
		AllowReplace: allowReplace,
		Holder:       "test@localhost 1",
	}, newFakeResolver(), store, cloud, metrics, zerolog.Nop())
}

func planFor(t *testing.T, store StateStore, modules []*Module) *Plan {
	t.Helper()
	g, err := BuildGraph(modules)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	plan, err := newTestPlanner(store).CreatePlan(context.Background(), g, BackendAWS, EnvStaging)
	if err != nil {
		t.Fatalf("CreatePlan failed: %v", err)
	}
	return plan
}

func TestExecutor_ApplyCreatesAndPersists(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	cloud := newFakeCloud()
	modules := webStack(t)
	plan := planFor(t, store, modules)

	result, err := newTestExecutor(store, cloud, nil, false).Apply(ctx, plan)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if result.Applied != 3 || result.Failed != 0 {
		t.Errorf("result = %+v, want 3 applied", result)
	}

	// Every resource got a record with the descriptor's hash and outputs.
	for _, m := range modules {
		for _, d := range m.Descriptors {
			rec, _ := store.GetRecord(ctx, StateKey(m.Name, d.Name))
			if rec == nil {
				t.Fatalf("no record for %s.%s", m.Name, d.Name)
			}
			if rec.DescriptorHash != d.Hash() {
				t.Errorf("%s.%s hash mismatch", m.Name, d.Name)
			}
			if len(rec.Outputs) == 0 {
				t.Errorf("%s.%s has no recorded outputs", m.Name, d.Name)
			}
			if len(rec.ResourceIDs) != 2 {
				t.Errorf("%s.%s recorded %d resource ids, want 2", m.Name, d.Name, len(rec.ResourceIDs))
			}
		}
	}

	// Combined run outputs are qualified by module.
	if _, ok := result.Outputs["networking.network_id"]; !ok {
		t.Errorf("result outputs missing networking.network_id: %v", result.Outputs)
	}

	// The lock is released and the event log brackets the run.
	if lock, _ := store.LockInfo(ctx); lock != nil {
		t.Error("deployment lock still held after apply")
	}
	types := store.eventTypes()
	if types[0] != "run_started" || types[len(types)-1] != "run_completed" {
		t.Errorf("event log = %v, want run_started ... run_completed", types)
	}
}

func TestExecutor_MaterializesReferences(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	cloud := newFakeCloud()
	plan := planFor(t, store, webStack(t))

	if _, err := newTestExecutor(store, cloud, nil, false).Apply(ctx, plan); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// The compute cluster's create request must carry the concrete
	// network id, not the reference string.
	for _, req := range cloud.creates {
		if req.Module != "compute" || !req.Spec.Primary {
			continue
		}
		got, _ := req.Properties["network"].(string)
		if strings.Contains(got, ".output.") {
			t.Errorf("network property = %q, reference was not materialized", got)
		}
		if got != "network_id-vpc" {
			t.Errorf("network property = %q, want the networking module's output", got)
		}
		return
	}
	t.Fatal("no create request seen for the compute cluster")
}

func TestExecutor_SecondApplyIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	cloud := newFakeCloud()
	modules := webStack(t)

	if _, err := newTestExecutor(store, cloud, nil, false).Apply(ctx, planFor(t, store, modules)); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	creates := len(cloud.creates)

	plan := planFor(t, store, modules)
	if plan.Summary.HasChanges() {
		t.Fatalf("second plan has changes: %+v", plan.Summary)
	}
	result, err := newTestExecutor(store, cloud, nil, false).Apply(ctx, plan)
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if result.Applied != 0 || result.Skipped != 3 {
		t.Errorf("result = %+v, want everything skipped", result)
	}
	if len(cloud.creates) != creates {
		t.Error("no-op apply must not call the cloud")
	}
}

func TestExecutor_RollsBackFailedCreate(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	cloud := newFakeCloud()
	modules := webStack(t)

	// The cluster's primary spec fails permanently; its aux resource was
	// already created and must be compensated.
	cloud.failOn("compute", "main", 10, false)

	result, err := newTestExecutor(store, cloud, nil, false).Apply(ctx, planFor(t, store, modules))
	if err == nil {
		t.Fatal("Apply should fail")
	}
	if !HasCode(err, ErrCodePartialApply) {
		t.Fatalf("error = %v, want %s", err, ErrCodePartialApply)
	}
	if !result.Partial {
		t.Error("result should be marked partial")
	}
	if result.Failed != 1 {
		t.Errorf("Failed = %d, want 1", result.Failed)
	}

	// The cluster's aux resource was rolled back.
	if len(cloud.deletedIDs()) == 0 {
		t.Error("created aux resource was not rolled back")
	}

	// networking applied before the failure and keeps its record.
	if rec, _ := store.GetRecord(ctx, "networking.vpc"); rec == nil {
		t.Error("networking record lost after later failure")
	}
}

// wideResolver builds variants whose specs carry no internal dependencies,
// so they all land in one level and apply through the parallel worker pool.
type wideResolver struct{}

func (wideResolver) Resolve(module string, d *ResourceDescriptor, backend Backend, env Environment) (*ProviderVariant, error) {
	outputs := map[string]OutputSource{}
	for _, name := range KindOutputNames(d.Kind) {
		outputs[name] = OutputSource{Resource: d.Name, Field: name}
	}
	return &ProviderVariant{
		Module:   module,
		Resource: d.Name,
		Kind:     d.Kind,
		Backend:  backend,
		Resources: []ResourceSpec{
			{Name: "aux-a", Type: "fake_aux", Fields: map[string]interface{}{}},
			{Name: "aux-b", Type: "fake_aux", Fields: map[string]interface{}{}},
			{Name: "aux-c", Type: "fake_aux", Fields: map[string]interface{}{}},
			{Name: d.Name, Type: "fake_" + string(d.Kind), Primary: true, Fields: d.Properties},
		},
		Outputs: outputs,
	}, nil
}

// gatedCloud holds one spec's create back until the sibling creates have
// landed, so the failure ordering inside a parallel level is deterministic.
// It can also refuse one spec's delete to exercise incomplete rollback.
type gatedCloud struct {
	*fakeCloud
	failCreate string
	failDelete string
	siblings   int
	gate       chan struct{}
	once       sync.Once
}

func (g *gatedCloud) CreateResource(ctx context.Context, req *CloudRequest) (*CloudResponse, error) {
	if req.Spec.Name == g.failCreate {
		select {
		case <-g.gate:
		case <-time.After(5 * time.Second):
		}
		return nil, NewProviderError("injected create failure for "+g.failCreate, nil)
	}
	resp, err := g.fakeCloud.CreateResource(ctx, req)
	g.mu.Lock()
	done := len(g.creates) >= g.siblings
	g.mu.Unlock()
	if done {
		g.once.Do(func() { close(g.gate) })
	}
	return resp, err
}

func (g *gatedCloud) DeleteResource(ctx context.Context, req *CloudRequest) error {
	if req.Spec.Name == g.failDelete {
		return NewProviderError("injected delete failure for "+g.failDelete, nil)
	}
	return g.fakeCloud.DeleteResource(ctx, req)
}

func TestExecutor_CompensatesParallelSiblings(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	cloud := &gatedCloud{
		fakeCloud:  newFakeCloud(),
		failCreate: "aux-c",
		failDelete: "aux-b",
		siblings:   3,
		gate:       make(chan struct{}),
	}

	d := declare(t, "assets", KindObjectStore, nil)
	plan := planFor(t, store, []*Module{module(t, "storage", nil, d)})

	exec := NewExecutor(ExecutorConfig{
		Concurrency:  4,
		MaxAttempts:  2,
		RetryBackoff: time.Millisecond,
		Holder:       "test@localhost 1",
	}, wideResolver{}, store, cloud, nil, zerolog.Nop())

	result, err := exec.Apply(ctx, plan)
	if err == nil {
		t.Fatal("Apply should fail")
	}
	if !HasCode(err, ErrCodePartialApply) {
		t.Fatalf("error = %v, want %s", err, ErrCodePartialApply)
	}
	if result.Failed != 1 {
		t.Errorf("Failed = %d, want 1", result.Failed)
	}

	// The compensable siblings in the failed level were deleted.
	deleted := map[string]bool{}
	for _, req := range cloud.fakeCloud.deletes {
		deleted[req.Spec.Name] = true
	}
	if !deleted["aux-a"] || !deleted["assets"] {
		t.Errorf("deleted specs = %v, want aux-a and assets compensated", deleted)
	}
	if deleted["aux-c"] {
		t.Error("the spec that failed to create must not be deleted")
	}

	// The error names exactly the orphan rollback could not remove.
	var pe *ProvisionError
	if !errors.As(err, &pe) {
		t.Fatalf("error %v is not a ProvisionError", err)
	}
	remaining, _ := pe.Details["remaining"].(map[string]string)
	if len(remaining) != 1 {
		t.Fatalf("remaining = %v, want exactly aux-b", remaining)
	}
	if _, ok := remaining["aux-b"]; !ok {
		t.Errorf("remaining = %v, want aux-b", remaining)
	}
	if !pe.StateMutated {
		t.Error("partial apply must report mutated state")
	}

	// The failed level never reached a checkpoint, so no record exists.
	if rec, _ := store.GetRecord(ctx, StateKey("storage", "assets")); rec != nil {
		t.Errorf("state record written for failed step: %+v", rec)
	}
}

func TestExecutor_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	cloud := newFakeCloud()

	d := declare(t, "assets", KindObjectStore, nil)
	modules := []*Module{module(t, "storage", nil, d)}

	// Fails twice, succeeds on the third attempt.
	cloud.failOn("storage", "assets", 2, true)

	metrics := &fakeMetrics{}
	result, err := newTestExecutor(store, cloud, metrics, false).Apply(ctx, planFor(t, store, modules))
	if err != nil {
		t.Fatalf("Apply should succeed after retries: %v", err)
	}
	if result.Applied != 1 {
		t.Errorf("Applied = %d, want 1", result.Applied)
	}
	if metrics.retries != 2 {
		t.Errorf("retries = %d, want 2", metrics.retries)
	}
}

func TestExecutor_RefusesReplaceWithoutFlag(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	cloud := newFakeCloud()

	before := declare(t, "vpc", KindNetwork, map[string]interface{}{"cidr": "10.0.0.0/16"})
	store.SaveRecord(ctx, recordFor("networking", before, BackendAWS))
	after := declare(t, "vpc", KindNetwork, map[string]interface{}{"cidr": "10.9.0.0/16"})
	plan := planFor(t, store, []*Module{module(t, "networking", nil, after)})
	if plan.Summary.ToReplace != 1 {
		t.Fatalf("summary = %+v, want 1 replace", plan.Summary)
	}

	_, err := newTestExecutor(store, cloud, nil, false).Apply(ctx, plan)
	if !HasCode(err, ErrCodeReplaceRequired) {
		t.Fatalf("error = %v, want %s", err, ErrCodeReplaceRequired)
	}
	if len(cloud.creates) != 0 || len(cloud.deletes) != 0 {
		t.Error("refused apply must not touch the cloud")
	}

	// With the flag the replace destroys then recreates.
	result, err := newTestExecutor(store, cloud, nil, true).Apply(ctx, plan)
	if err != nil {
		t.Fatalf("Apply with AllowReplace failed: %v", err)
	}
	if result.Applied != 1 {
		t.Errorf("Applied = %d, want 1", result.Applied)
	}
	if len(cloud.deletes) == 0 || len(cloud.creates) == 0 {
		t.Error("replace should delete the old resource and create the new one")
	}
}

func TestExecutor_LockContention(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	if err := store.AcquireLock(ctx, "other-run", "someone@elsewhere 7"); err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	plan := planFor(t, store, webStack(t))
	_, err := newTestExecutor(store, newFakeCloud(), nil, false).Apply(ctx, plan)
	if !HasCode(err, ErrCodeLockContention) {
		t.Fatalf("error = %v, want %s", err, ErrCodeLockContention)
	}
	if !strings.Contains(err.Error(), "someone@elsewhere") {
		t.Errorf("contention error %q should name the holder", err)
	}
}

func TestExecutor_DestroyRemovesRecords(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	cloud := newFakeCloud()
	modules := webStack(t)

	if _, err := newTestExecutor(store, cloud, nil, false).Apply(ctx, planFor(t, store, modules)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	g, err := BuildGraph(modules)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	destroyPlan, err := newTestPlanner(store).CreateDestroyPlan(ctx, g, BackendAWS, EnvStaging)
	if err != nil {
		t.Fatalf("CreateDestroyPlan failed: %v", err)
	}

	result, err := newTestExecutor(store, cloud, nil, false).Apply(ctx, destroyPlan)
	if err != nil {
		t.Fatalf("destroy apply failed: %v", err)
	}
	if result.Applied != 3 {
		t.Errorf("Applied = %d, want 3", result.Applied)
	}
	records, _ := store.ListRecords(ctx)
	if len(records) != 0 {
		t.Errorf("%d records remain after destroy", len(records))
	}
}
