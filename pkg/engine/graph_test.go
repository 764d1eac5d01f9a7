package engine

import (
	"reflect"
	"strings"
	"testing"
)

// declare is a test helper for descriptors that must be valid.
func declare(t *testing.T, name string, kind Kind, props map[string]interface{}) *ResourceDescriptor {
	t.Helper()
	d, err := Declare(name, kind, props)
	if err != nil {
		t.Fatalf("Declare(%s) failed: %v", name, err)
	}
	return d
}

// module is a test helper for modules that must be valid.
func module(t *testing.T, name string, deps []string, descriptors ...*ResourceDescriptor) *Module {
	t.Helper()
	m, err := NewModule(name, descriptors...)
	if err != nil {
		t.Fatalf("NewModule(%s) failed: %v", name, err)
	}
	m.DependsOn = deps
	return m
}

// webStack builds the canonical three-module deployment used across the
// graph and planner tests: networking <- compute, networking <- database.
func webStack(t *testing.T) []*Module {
	t.Helper()
	networking := module(t, "networking", nil,
		declare(t, "vpc", KindNetwork, map[string]interface{}{"cidr": "10.0.0.0/16"}))
	compute := module(t, "compute", nil,
		declare(t, "main", KindCluster, map[string]interface{}{
			"version": "1.28",
			"network": "networking.output.network_id",
		}))
	database := module(t, "database", []string{"networking"},
		declare(t, "primary", KindRelationalDB, map[string]interface{}{
			"engine":  "postgres",
			"version": "16",
		}))
	return []*Module{networking, compute, database}
}

func TestBuildGraph_TopologicalOrderIsDeterministic(t *testing.T) {
	g, err := BuildGraph(webStack(t))
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}

	want := []string{"networking", "compute", "database"}
	for i := 0; i < 5; i++ {
		if got := g.TopologicalOrder(); !reflect.DeepEqual(got, want) {
			t.Fatalf("TopologicalOrder = %v, want %v", got, want)
		}
	}

	wantRev := []string{"database", "compute", "networking"}
	if got := g.ReverseTopologicalOrder(); !reflect.DeepEqual(got, wantRev) {
		t.Errorf("ReverseTopologicalOrder = %v, want %v", got, wantRev)
	}
}

func TestBuildGraph_TieBreaksOnDeclarationOrder(t *testing.T) {
	// Both modules are independent; the declared order must decide.
	modules := []*Module{
		module(t, "zeta", nil, declare(t, "store", KindObjectStore, nil)),
		module(t, "alpha", nil, declare(t, "store", KindObjectStore, nil)),
	}
	g, err := BuildGraph(modules)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	if got := g.TopologicalOrder(); !reflect.DeepEqual(got, []string{"zeta", "alpha"}) {
		t.Errorf("TopologicalOrder = %v, want declaration order [zeta alpha]", got)
	}
}

func TestBuildGraph_NamesCycle(t *testing.T) {
	a := module(t, "a", []string{"b"}, declare(t, "store", KindObjectStore, nil))
	b := module(t, "b", []string{"a"}, declare(t, "store", KindObjectStore, nil))

	_, err := BuildGraph([]*Module{a, b})
	if err == nil {
		t.Fatal("BuildGraph should reject cycles")
	}
	if !HasCode(err, ErrCodeCyclicDependency) {
		t.Fatalf("error code = %v, want %s", err, ErrCodeCyclicDependency)
	}
	msg := err.Error()
	if !strings.Contains(msg, "a") || !strings.Contains(msg, "b") {
		t.Errorf("cycle error %q should name the participating modules", msg)
	}
}

func TestBuildGraph_RejectsUndeclaredDependency(t *testing.T) {
	m := module(t, "compute", []string{"networking"},
		declare(t, "main", KindCluster, map[string]interface{}{"version": "1.28"}))
	_, err := BuildGraph([]*Module{m})
	if !HasCode(err, ErrCodeReference) {
		t.Fatalf("error = %v, want %s", err, ErrCodeReference)
	}
}

func TestBuildGraph_RejectsUnknownOutputName(t *testing.T) {
	networking := module(t, "networking", nil,
		declare(t, "vpc", KindNetwork, map[string]interface{}{"cidr": "10.0.0.0/16"}))
	compute := module(t, "compute", nil,
		declare(t, "main", KindCluster, map[string]interface{}{
			"version": "1.28",
			"network": "networking.output.no_such_output",
		}))

	_, err := BuildGraph([]*Module{networking, compute})
	if !HasCode(err, ErrCodeReference) {
		t.Fatalf("error = %v, want %s", err, ErrCodeReference)
	}
	if !strings.Contains(err.Error(), "no_such_output") {
		t.Errorf("error %q should name the missing output", err)
	}
}

func TestBuildGraph_RejectsSelfReference(t *testing.T) {
	m := module(t, "storage", nil,
		declare(t, "assets", KindObjectStore, nil),
		declare(t, "main", KindCluster, map[string]interface{}{
			"version": "1.28",
			"network": "storage.output.storage_bucket",
		}))
	if _, err := BuildGraph([]*Module{m}); !HasCode(err, ErrCodeReference) {
		t.Fatalf("error = %v, want %s", err, ErrCodeReference)
	}
}

func TestBuildGraph_RejectsDuplicateModules(t *testing.T) {
	a := module(t, "storage", nil, declare(t, "assets", KindObjectStore, nil))
	b := module(t, "storage", nil, declare(t, "backups", KindObjectStore, nil))
	if _, err := BuildGraph([]*Module{a, b}); !HasCode(err, ErrCodeValidation) {
		t.Fatalf("error = %v, want %s", err, ErrCodeValidation)
	}
}

func TestGraph_ToDOT(t *testing.T) {
	g, err := BuildGraph(webStack(t))
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	dot := g.ToDOT()
	if !strings.Contains(dot, "digraph") {
		t.Error("DOT output missing digraph header")
	}
	if !strings.Contains(dot, `"networking" -> "compute"`) {
		t.Errorf("DOT output missing dependency edge:\n%s", dot)
	}
}
