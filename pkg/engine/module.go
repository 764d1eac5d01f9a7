package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Reference is a parsed binding of the form "module.output.name", pointing
// at a logical output of another module.
type Reference struct {
	Module string `json:"module"`
	Output string `json:"output"`
}

// String returns the wire form of the reference.
func (r Reference) String() string {
	return r.Module + ".output." + r.Output
}

// ParseReference parses a binding string of the form "module.output.name".
// It returns ok=false for strings that are not reference-shaped at all, so
// callers can tell plain values apart from malformed references.
func ParseReference(s string) (Reference, bool, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 || parts[1] != "output" {
		return Reference{}, false, nil
	}
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return Reference{}, true, fmt.Errorf("malformed reference %q: expected \"module.output.name\"", s)
	}
	return Reference{Module: parts[0], Output: parts[2]}, true, nil
}

// Module is a named group of resource descriptors deployed as a unit.
// Module names are unique within a deployment; dependency edges between
// modules come from output references in descriptor properties plus any
// explicit DependsOn entries.
type Module struct {
	// Name is the module's unique name within the deployment.
	Name string `json:"name"`

	// Descriptors are the module's declared resources, in declaration order.
	Descriptors []*ResourceDescriptor `json:"descriptors"`

	// DependsOn lists explicit module dependencies beyond those implied by
	// output references.
	DependsOn []string `json:"depends_on,omitempty"`
}

// NewModule constructs a module and validates descriptor name uniqueness.
func NewModule(name string, descriptors ...*ResourceDescriptor) (*Module, error) {
	if name == "" {
		return nil, NewValidationError("module", []string{"module name must not be empty"})
	}
	seen := make(map[string]struct{}, len(descriptors))
	var violations []string
	for _, d := range descriptors {
		if _, dup := seen[d.Name]; dup {
			violations = append(violations, fmt.Sprintf("duplicate resource name %q", d.Name))
		}
		seen[d.Name] = struct{}{}
	}
	if len(violations) > 0 {
		return nil, NewValidationError("module "+name, violations)
	}
	return &Module{Name: name, Descriptors: descriptors}, nil
}

// Descriptor returns the named descriptor, or nil.
func (m *Module) Descriptor(name string) *ResourceDescriptor {
	for _, d := range m.Descriptors {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// References returns every output reference used in the module's
// descriptor properties, deduplicated and sorted. Malformed reference
// strings are reported as reference errors.
func (m *Module) References() ([]Reference, error) {
	seen := make(map[Reference]struct{})
	for _, d := range m.Descriptors {
		for _, raw := range d.Properties {
			s, ok := raw.(string)
			if !ok {
				continue
			}
			ref, isRef, err := ParseReference(s)
			if err != nil {
				return nil, NewReferenceError(m.Name, s, err.Error())
			}
			if isRef {
				seen[ref] = struct{}{}
			}
		}
	}
	refs := make([]Reference, 0, len(seen))
	for ref := range seen {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Module != refs[j].Module {
			return refs[i].Module < refs[j].Module
		}
		return refs[i].Output < refs[j].Output
	})
	return refs, nil
}

// DependencyModules returns the sorted set of module names this module
// depends on, combining explicit DependsOn entries with reference targets.
func (m *Module) DependencyModules() ([]string, error) {
	refs, err := m.References()
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(refs)+len(m.DependsOn))
	for _, ref := range refs {
		set[ref.Module] = struct{}{}
	}
	for _, dep := range m.DependsOn {
		set[dep] = struct{}{}
	}
	delete(set, m.Name)
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// MaterializeProperties returns a copy of the descriptor's properties with
// every reference string replaced by its resolved output value. Missing
// outputs produce reference errors; sensitive outputs are unwrapped, since
// materialization feeds provider calls rather than display surfaces.
func MaterializeProperties(module string, d *ResourceDescriptor, outputs map[string]OutputSet) (map[string]interface{}, error) {
	props := make(map[string]interface{}, len(d.Properties))
	for key, raw := range d.Properties {
		s, ok := raw.(string)
		if !ok {
			props[key] = raw
			continue
		}
		ref, isRef, err := ParseReference(s)
		if err != nil {
			return nil, NewReferenceError(module, s, err.Error())
		}
		if !isRef {
			props[key] = raw
			continue
		}
		set, ok := outputs[ref.Module]
		if !ok {
			return nil, NewReferenceError(module, s, fmt.Sprintf("module %q has no recorded outputs", ref.Module))
		}
		val, ok := set[ref.Output]
		if !ok {
			return nil, NewReferenceError(module, s, fmt.Sprintf("module %q does not expose output %q", ref.Module, ref.Output))
		}
		props[key] = val.Unwrap()
	}
	return props, nil
}
