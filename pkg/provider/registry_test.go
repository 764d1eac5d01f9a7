package provider

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openstrato/openstrato/pkg/engine"
)

var allKinds = []engine.Kind{
	engine.KindNetwork,
	engine.KindCluster,
	engine.KindRelationalDB,
	engine.KindCache,
	engine.KindObjectStore,
}

var allBackends = []engine.Backend{
	engine.BackendAWS,
	engine.BackendGCP,
	engine.BackendAzure,
}

// minimalProps returns just enough properties for a valid descriptor of
// each kind.
func minimalProps(kind engine.Kind) map[string]interface{} {
	switch kind {
	case engine.KindNetwork:
		return map[string]interface{}{"cidr": "10.0.0.0/16"}
	case engine.KindCluster:
		return map[string]interface{}{"version": "1.28"}
	case engine.KindRelationalDB:
		return map[string]interface{}{"engine": "postgres", "version": "16"}
	case engine.KindCache:
		return map[string]interface{}{"version": "7"}
	default:
		return nil
	}
}

func declare(t *testing.T, name string, kind engine.Kind, props map[string]interface{}) *engine.ResourceDescriptor {
	t.Helper()
	d, err := engine.Declare(name, kind, props)
	if err != nil {
		t.Fatalf("Declare(%s) failed: %v", name, err)
	}
	return d
}

func TestDefaultRegistry_CoversEveryKindBackendPair(t *testing.T) {
	r := DefaultRegistry(zerolog.Nop())

	for _, kind := range allKinds {
		for _, backend := range allBackends {
			d := declare(t, "res", kind, minimalProps(kind))
			v, err := r.Resolve("mod", d, backend, engine.EnvDev)
			if err != nil {
				t.Errorf("Resolve(%s, %s) failed: %v", kind, backend, err)
				continue
			}

			if v.PrimarySpec() == nil {
				t.Errorf("%s/%s variant has no primary spec", kind, backend)
			}
			primaries := 0
			specNames := map[string]bool{}
			for _, spec := range v.Resources {
				if spec.Primary {
					primaries++
				}
				if specNames[spec.Name] {
					t.Errorf("%s/%s duplicate spec name %q", kind, backend, spec.Name)
				}
				specNames[spec.Name] = true
			}
			if primaries != 1 {
				t.Errorf("%s/%s variant has %d primary specs, want exactly 1", kind, backend, primaries)
			}

			// Intra-variant dependencies must name sibling specs.
			for _, spec := range v.Resources {
				for _, dep := range spec.DependsOn {
					if !specNames[dep] {
						t.Errorf("%s/%s spec %q depends on unknown spec %q", kind, backend, spec.Name, dep)
					}
				}
			}

			// The variant must map every logical output of the kind.
			for _, name := range engine.KindOutputNames(kind) {
				src, ok := v.Outputs[name]
				if !ok {
					t.Errorf("%s/%s variant missing output %q", kind, backend, name)
					continue
				}
				if !specNames[src.Resource] {
					t.Errorf("%s/%s output %q sourced from unknown spec %q", kind, backend, name, src.Resource)
				}
			}
		}
	}
}

func TestRegistry_UnsupportedBackend(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	registerAWS(r)

	d := declare(t, "vpc", engine.KindNetwork, minimalProps(engine.KindNetwork))
	_, err := r.Resolve("networking", d, engine.BackendGCP, engine.EnvDev)
	if !engine.HasCode(err, engine.ErrCodeUnsupportedBackend) {
		t.Fatalf("error = %v, want %s", err, engine.ErrCodeUnsupportedBackend)
	}
}

func TestRegistry_RestrictedClassificationBlocks(t *testing.T) {
	r := DefaultRegistry(zerolog.Nop())

	d := declare(t, "records", engine.KindObjectStore, map[string]interface{}{
		"classification": "restricted",
		"public_access":  true,
	})
	for _, backend := range allBackends {
		_, err := r.Resolve("storage", d, backend, engine.EnvDev)
		if !engine.HasCode(err, engine.ErrCodePolicyViolation) {
			t.Errorf("backend %s: error = %v, want %s", backend, err, engine.ErrCodePolicyViolation)
		}
	}

	cluster := declare(t, "main", engine.KindCluster, map[string]interface{}{
		"version":         "1.28",
		"classification":  "restricted",
		"public_endpoint": true,
	})
	if _, err := r.Resolve("compute", cluster, engine.BackendAWS, engine.EnvDev); !engine.HasCode(err, engine.ErrCodePolicyViolation) {
		t.Errorf("restricted cluster with public endpoint: error = %v, want policy violation", err)
	}
}

func TestRegistry_ProductionHardeningOverrides(t *testing.T) {
	r := DefaultRegistry(zerolog.Nop())

	d := declare(t, "primary", engine.KindRelationalDB, map[string]interface{}{
		"engine":  "postgres",
		"version": "16",
	})

	// Dev keeps the declared (default) values and adds no notes.
	dev, err := r.Resolve("database", d, engine.BackendAWS, engine.EnvDev)
	if err != nil {
		t.Fatalf("Resolve(dev) failed: %v", err)
	}
	if len(dev.PolicyNotes) != 0 {
		t.Errorf("dev variant has policy notes: %v", dev.PolicyNotes)
	}

	// Production forces encryption, deletion protection, and a 14-day
	// backup retention, each documented in a policy note.
	prod, err := r.Resolve("database", d, engine.BackendAWS, engine.EnvProduction)
	if err != nil {
		t.Fatalf("Resolve(production) failed: %v", err)
	}
	if len(prod.PolicyNotes) != 3 {
		t.Errorf("production notes = %v, want 3 overrides", prod.PolicyNotes)
	}
	joined := strings.Join(prod.PolicyNotes, "; ")
	for _, want := range []string{"encryption", "deletion protection", "backup retention"} {
		if !strings.Contains(joined, want) {
			t.Errorf("policy notes %q missing %q", joined, want)
		}
	}

	// The declared descriptor is never mutated by resolution.
	if d.BoolProperty("encryption", false) {
		t.Error("resolution mutated the declared descriptor")
	}
}

func TestRegistry_ProductionClusterMinimumNodes(t *testing.T) {
	r := DefaultRegistry(zerolog.Nop())

	d := declare(t, "main", engine.KindCluster, map[string]interface{}{
		"version":    "1.28",
		"node_count": 1,
	})
	v, err := r.Resolve("compute", d, engine.BackendAWS, engine.EnvProduction)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	nodes := v.Spec("node_group")
	if nodes == nil {
		t.Fatal("aws cluster variant has no node_group spec")
	}
	if got := nodes.Fields["desired_size"]; got != 3 {
		t.Errorf("desired_size = %v, want production minimum 3", got)
	}
}

func TestRegistry_Supported(t *testing.T) {
	r := DefaultRegistry(zerolog.Nop())
	supported := r.Supported()
	if len(supported) != len(allKinds)*len(allBackends) {
		t.Errorf("Supported lists %d pairs, want %d", len(supported), len(allKinds)*len(allBackends))
	}
}

func TestRegistry_ResolveIsDeterministic(t *testing.T) {
	r := DefaultRegistry(zerolog.Nop())

	for _, kind := range allKinds {
		for _, backend := range allBackends {
			d := declare(t, "res", kind, minimalProps(kind))

			first, err := r.Resolve("mod", d, backend, engine.EnvProduction)
			if err != nil {
				t.Fatalf("Resolve(%s, %s) failed: %v", kind, backend, err)
			}
			for i := 0; i < 3; i++ {
				again, err := r.Resolve("mod", d, backend, engine.EnvProduction)
				if err != nil {
					t.Fatalf("Resolve(%s, %s) failed: %v", kind, backend, err)
				}
				a, err := json.Marshal(first)
				if err != nil {
					t.Fatalf("marshal failed: %v", err)
				}
				b, err := json.Marshal(again)
				if err != nil {
					t.Fatalf("marshal failed: %v", err)
				}
				if !bytes.Equal(a, b) {
					t.Fatalf("%s/%s resolution not deterministic:\n%s\nvs\n%s", kind, backend, a, b)
				}
			}
		}
	}
}
