package engine

import (
	"reflect"
	"testing"
)

func TestParseReference(t *testing.T) {
	tests := []struct {
		in      string
		ref     Reference
		isRef   bool
		wantErr bool
	}{
		{"networking.output.network_id", Reference{"networking", "network_id"}, true, false},
		{"db.output.database_url", Reference{"db", "database_url"}, true, false},
		{"10.0.0.0/16", Reference{}, false, false},
		{"plain-value", Reference{}, false, false},
		{"networking.output", Reference{}, true, true},
		{"networking.output.", Reference{}, true, true},
		{".output.network_id", Reference{}, true, true},
		{"a.output.b.c", Reference{}, true, true},
	}
	for _, tt := range tests {
		ref, isRef, err := ParseReference(tt.in)
		if isRef != tt.isRef {
			t.Errorf("ParseReference(%q) isRef = %v, want %v", tt.in, isRef, tt.isRef)
		}
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseReference(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if err == nil && isRef && ref != tt.ref {
			t.Errorf("ParseReference(%q) = %+v, want %+v", tt.in, ref, tt.ref)
		}
	}
}

func TestNewModule_RejectsDuplicateResources(t *testing.T) {
	a, _ := Declare("assets", KindObjectStore, nil)
	b, _ := Declare("assets", KindObjectStore, map[string]interface{}{"versioning": true})
	if _, err := NewModule("storage", a, b); err == nil {
		t.Fatal("NewModule should reject duplicate resource names")
	}
}

func TestModule_References_DeduplicatedAndSorted(t *testing.T) {
	cluster, err := Declare("main", KindCluster, map[string]interface{}{
		"version": "1.28",
		"network": "networking.output.network_id",
	})
	if err != nil {
		t.Fatalf("Declare failed: %v", err)
	}
	cache, err := Declare("sessions", KindCache, map[string]interface{}{
		"version": "7",
		"network": "networking.output.network_id",
	})
	if err != nil {
		t.Fatalf("Declare failed: %v", err)
	}

	m, err := NewModule("compute", cluster, cache)
	if err != nil {
		t.Fatalf("NewModule failed: %v", err)
	}
	refs, err := m.References()
	if err != nil {
		t.Fatalf("References failed: %v", err)
	}
	want := []Reference{{Module: "networking", Output: "network_id"}}
	if !reflect.DeepEqual(refs, want) {
		t.Errorf("References = %+v, want %+v", refs, want)
	}
}

func TestModule_DependencyModules_MergesExplicitAndReferenced(t *testing.T) {
	db, err := Declare("main", KindRelationalDB, map[string]interface{}{
		"engine":  "postgres",
		"version": "16",
		"network": "networking.output.network_id",
	})
	if err != nil {
		t.Fatalf("Declare failed: %v", err)
	}
	m, err := NewModule("database", db)
	if err != nil {
		t.Fatalf("NewModule failed: %v", err)
	}
	m.DependsOn = []string{"security", "networking"}

	deps, err := m.DependencyModules()
	if err != nil {
		t.Fatalf("DependencyModules failed: %v", err)
	}
	want := []string{"networking", "security"}
	if !reflect.DeepEqual(deps, want) {
		t.Errorf("DependencyModules = %v, want %v", deps, want)
	}
}

func TestMaterializeProperties(t *testing.T) {
	cluster, err := Declare("main", KindCluster, map[string]interface{}{
		"version": "1.28",
		"network": "networking.output.network_id",
	})
	if err != nil {
		t.Fatalf("Declare failed: %v", err)
	}

	outputs := map[string]OutputSet{
		"networking": {"network_id": NewOutput("vpc-1234")},
	}
	props, err := MaterializeProperties("compute", cluster, outputs)
	if err != nil {
		t.Fatalf("MaterializeProperties failed: %v", err)
	}
	if props["network"] != "vpc-1234" {
		t.Errorf("network = %v, want vpc-1234", props["network"])
	}
	// The declared descriptor keeps the reference string; materialization
	// never mutates it.
	if cluster.Properties["network"] != "networking.output.network_id" {
		t.Error("materialization mutated the declared descriptor")
	}
}

func TestMaterializeProperties_MissingOutputFails(t *testing.T) {
	cluster, _ := Declare("main", KindCluster, map[string]interface{}{
		"version": "1.28",
		"network": "networking.output.network_id",
	})
	_, err := MaterializeProperties("compute", cluster, map[string]OutputSet{})
	if err == nil {
		t.Fatal("materializing against absent outputs should fail")
	}
	if !HasCode(err, ErrCodeReference) {
		t.Errorf("error code = %v, want %s", err, ErrCodeReference)
	}
}
