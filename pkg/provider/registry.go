// Package provider maps abstract resource descriptors to backend-specific
// provider variants. Each (kind, backend) pair registers a variant builder;
// the registry applies environment policy defaults before building and is
// the engine's Resolver.
package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openstrato/openstrato/pkg/engine"
)

// VariantBuilder produces the concrete variant for one descriptor. The
// descriptor it receives already has environment policy defaults applied.
type VariantBuilder func(module string, d *engine.ResourceDescriptor, env engine.Environment) (*engine.ProviderVariant, error)

type builderKey struct {
	kind    engine.Kind
	backend engine.Backend
}

// Registry resolves descriptors to variants. Safe for concurrent use
// after registration.
type Registry struct {
	mu       sync.RWMutex
	builders map[builderKey]VariantBuilder
	log      zerolog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		builders: make(map[builderKey]VariantBuilder),
		log:      log.With().Str("component", "provider-registry").Logger(),
	}
}

// DefaultRegistry returns a registry with every built-in backend variant
// registered.
func DefaultRegistry(log zerolog.Logger) *Registry {
	r := NewRegistry(log)
	registerAWS(r)
	registerGCP(r)
	registerAzure(r)
	return r
}

// Register binds a builder to a (kind, backend) pair, replacing any
// existing binding.
func (r *Registry) Register(kind engine.Kind, backend engine.Backend, builder VariantBuilder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[builderKey{kind: kind, backend: backend}] = builder
}

// Supported returns the registered (kind, backend) pairs as "kind/backend"
// strings, sorted.
func (r *Registry) Supported() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.builders))
	for key := range r.builders {
		out = append(out, fmt.Sprintf("%s/%s", key.kind, key.backend))
	}
	sort.Strings(out)
	return out
}

// Resolve implements engine.Resolver. It enforces cross-backend policy
// rules, applies the environment's authoritative defaults, and delegates
// to the registered builder.
func (r *Registry) Resolve(module string, d *engine.ResourceDescriptor, backend engine.Backend, env engine.Environment) (*engine.ProviderVariant, error) {
	r.mu.RLock()
	builder, ok := r.builders[builderKey{kind: d.Kind, backend: backend}]
	r.mu.RUnlock()
	if !ok {
		return nil, engine.NewUnsupportedBackendError(d.Kind, backend).WithModule(module).WithResource(d.Name)
	}

	if err := checkPolicy(module, d); err != nil {
		return nil, err
	}

	effective, notes := applyEnvironmentDefaults(d, env)

	variant, err := builder(module, effective, env)
	if err != nil {
		return nil, err
	}
	variant.Module = module
	variant.Resource = d.Name
	variant.Kind = d.Kind
	variant.Backend = backend
	variant.PolicyNotes = append(notes, variant.PolicyNotes...)

	r.log.Debug().
		Str("module", module).
		Str("resource", d.Name).
		Str("kind", string(d.Kind)).
		Str("backend", string(backend)).
		Int("specs", len(variant.Resources)).
		Msg("resolved provider variant")
	return variant, nil
}

// checkPolicy enforces rules that hold on every backend and environment.
func checkPolicy(module string, d *engine.ResourceDescriptor) error {
	restricted := d.StringProperty("classification", "internal") == "restricted"
	if !restricted {
		return nil
	}
	if d.BoolProperty("public_access", false) {
		return engine.NewPolicyViolationError(
			fmt.Sprintf("resource %q holds restricted data and cannot enable public_access", d.Name)).
			WithModule(module).WithResource(d.Name)
	}
	if d.Kind == engine.KindCluster && d.BoolProperty("public_endpoint", false) {
		return engine.NewPolicyViolationError(
			fmt.Sprintf("cluster %q is classified restricted and cannot expose a public endpoint", d.Name)).
			WithModule(module).WithResource(d.Name)
	}
	return nil
}

// applyEnvironmentDefaults overrides descriptor properties with the
// environment's authoritative settings. Production hardening always wins
// over what the descriptor declared; every override is recorded as a
// policy note on the variant.
func applyEnvironmentDefaults(d *engine.ResourceDescriptor, env engine.Environment) (*engine.ResourceDescriptor, []string) {
	if env != engine.EnvProduction {
		return d, nil
	}

	overrides := map[string]interface{}{}
	var notes []string

	switch d.Kind {
	case engine.KindRelationalDB:
		if !d.BoolProperty("encryption", false) {
			overrides["encryption"] = true
			notes = append(notes, "production forces encryption at rest")
		}
		if !d.BoolProperty("deletion_protection", false) {
			overrides["deletion_protection"] = true
			notes = append(notes, "production forces deletion protection")
		}
		if d.IntProperty("backup_retention", 7) < 14 {
			overrides["backup_retention"] = 14
			notes = append(notes, "production raises backup retention to 14 days")
		}
	case engine.KindCache:
		if !d.BoolProperty("encryption", false) {
			overrides["encryption"] = true
			notes = append(notes, "production forces in-transit and at-rest encryption")
		}
	case engine.KindObjectStore:
		if !d.BoolProperty("encryption", false) {
			overrides["encryption"] = true
			notes = append(notes, "production forces bucket encryption")
		}
		if !d.BoolProperty("versioning", false) {
			overrides["versioning"] = true
			notes = append(notes, "production forces object versioning")
		}
	case engine.KindCluster:
		if d.IntProperty("node_count", 3) < 3 {
			overrides["node_count"] = 3
			notes = append(notes, "production raises node_count to the 3-node minimum")
		}
	}

	if len(overrides) == 0 {
		return d, notes
	}
	return d.Clone(overrides), notes
}

// resourceName derives the provider-side name of a resource.
func resourceName(module string, d *engine.ResourceDescriptor) string {
	return module + "-" + d.Name
}
