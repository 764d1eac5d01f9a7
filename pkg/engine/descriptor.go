package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

// ResourceDescriptor is the abstract, backend-agnostic declaration of an
// infrastructure resource. Descriptors are immutable once declared and
// content-addressed: identical kind + properties hash identically, which is
// what makes plan diffing idempotent.
type ResourceDescriptor struct {
	// Name is the resource's logical name, unique within its module.
	Name string `json:"name"`

	// Kind is the abstract resource class.
	Kind Kind `json:"kind"`

	// Properties are the generic, backend-agnostic properties. Unset
	// optional properties are filled with schema defaults at declare time.
	Properties map[string]interface{} `json:"properties"`
}

// propertyType is the expected type of a descriptor property.
type propertyType string

const (
	typeString propertyType = "string"
	typeInt    propertyType = "int"
	typeBool   propertyType = "bool"
	typeList   propertyType = "list"
)

// propertySpec describes one property in a kind schema.
type propertySpec struct {
	Type     propertyType
	Required bool
	Default  interface{}
	Enum     []string
	// Semver requires a version-shaped string ("1.28", "16.4.1").
	Semver bool
	Min    int
	Max    int
}

var semverRe = regexp.MustCompile(`^\d+(\.\d+){0,2}$`)

// kindSchemas defines the per-kind property schemas. Every declared
// property is validated against these; violations are reported all at once.
var kindSchemas = map[Kind]map[string]propertySpec{
	KindNetwork: {
		"cidr":        {Type: typeString, Required: true},
		"az_count":    {Type: typeInt, Default: 2, Min: 1, Max: 6},
		"dns_enabled": {Type: typeBool, Default: true},
	},
	KindCluster: {
		"network":         {Type: typeString},
		"version":         {Type: typeString, Required: true, Semver: true},
		"node_count":      {Type: typeInt, Default: 3, Min: 1, Max: 100},
		"node_size":       {Type: typeString, Default: "medium", Enum: []string{"small", "medium", "large"}},
		"public_endpoint": {Type: typeBool, Default: false},
		"classification":  {Type: typeString, Default: "internal", Enum: []string{"internal", "restricted"}},
	},
	KindRelationalDB: {
		"network":             {Type: typeString},
		"engine":              {Type: typeString, Required: true, Enum: []string{"postgres", "mysql"}},
		"version":             {Type: typeString, Required: true, Semver: true},
		"size_gb":             {Type: typeInt, Default: 20, Min: 5, Max: 65536},
		"replication":         {Type: typeBool, Default: false},
		"encryption":          {Type: typeBool, Default: false},
		"public_access":       {Type: typeBool, Default: false},
		"deletion_protection": {Type: typeBool, Default: false},
		"backup_retention":    {Type: typeInt, Default: 7, Min: 0, Max: 35},
		"classification":      {Type: typeString, Default: "internal", Enum: []string{"internal", "restricted"}},
	},
	KindCache: {
		"network":    {Type: typeString},
		"engine":     {Type: typeString, Default: "redis", Enum: []string{"redis"}},
		"version":    {Type: typeString, Required: true, Semver: true},
		"node_count": {Type: typeInt, Default: 1, Min: 1, Max: 20},
		"memory_gb":  {Type: typeInt, Default: 1, Min: 1, Max: 512},
		"encryption": {Type: typeBool, Default: false},
	},
	KindObjectStore: {
		"versioning":     {Type: typeBool, Default: false},
		"encryption":     {Type: typeBool, Default: false},
		"public_access":  {Type: typeBool, Default: false},
		"classification": {Type: typeString, Default: "internal", Enum: []string{"internal", "restricted"}},
	},
}

// KindSchema returns the property names of a kind's schema, sorted.
// Useful for error messages and documentation output.
func KindSchema(kind Kind) []string {
	schema, ok := kindSchemas[kind]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Declare validates properties against the kind's schema and returns an
// immutable descriptor with defaults applied. All violated constraints are
// collected into a single validation error so configuration problems
// surface in one pass.
func Declare(name string, kind Kind, properties map[string]interface{}) (*ResourceDescriptor, error) {
	var violations []string

	if name == "" {
		violations = append(violations, "name must not be empty")
	}
	schema, ok := kindSchemas[kind]
	if !ok {
		violations = append(violations, fmt.Sprintf("unknown kind %q", kind))
		return nil, NewValidationError("descriptor "+name, violations)
	}

	props := make(map[string]interface{}, len(schema))

	// Unknown properties are rejected rather than silently dropped.
	for key := range properties {
		if _, known := schema[key]; !known {
			violations = append(violations, fmt.Sprintf("unknown property %q for kind %q", key, kind))
		}
	}

	names := make([]string, 0, len(schema))
	for propName := range schema {
		names = append(names, propName)
	}
	sort.Strings(names)

	for _, propName := range names {
		spec := schema[propName]
		raw, present := properties[propName]
		if !present {
			if spec.Required {
				violations = append(violations, fmt.Sprintf("property %q is required", propName))
				continue
			}
			if spec.Default != nil {
				props[propName] = spec.Default
			}
			continue
		}

		// Output references are stored verbatim and validated after
		// materialization. They satisfy any property type.
		if s, ok := raw.(string); ok {
			if _, isRef, err := ParseReference(s); err == nil && isRef {
				props[propName] = s
				continue
			}
		}

		val, errs := coerceProperty(propName, spec, raw)
		if len(errs) > 0 {
			violations = append(violations, errs...)
			continue
		}
		props[propName] = val
	}

	if len(violations) > 0 {
		return nil, NewValidationError("descriptor "+name, violations)
	}

	return &ResourceDescriptor{
		Name:       name,
		Kind:       kind,
		Properties: props,
	}, nil
}

// coerceProperty validates and normalizes one property value.
func coerceProperty(name string, spec propertySpec, raw interface{}) (interface{}, []string) {
	var violations []string

	switch spec.Type {
	case typeString:
		s, ok := raw.(string)
		if !ok {
			return nil, []string{fmt.Sprintf("property %q must be a string, got %T", name, raw)}
		}
		if spec.Semver && !semverRe.MatchString(s) {
			violations = append(violations, fmt.Sprintf("property %q must be a version string like \"16\" or \"1.28.3\", got %q", name, s))
		}
		if len(spec.Enum) > 0 {
			found := false
			for _, allowed := range spec.Enum {
				if s == allowed {
					found = true
					break
				}
			}
			if !found {
				violations = append(violations, fmt.Sprintf("property %q must be one of %v, got %q", name, spec.Enum, s))
			}
		}
		if len(violations) > 0 {
			return nil, violations
		}
		return s, nil

	case typeInt:
		// JSON decoding produces float64; accept both.
		var n int
		switch v := raw.(type) {
		case int:
			n = v
		case int64:
			n = int(v)
		case float64:
			if v != float64(int(v)) {
				return nil, []string{fmt.Sprintf("property %q must be an integer, got %v", name, v)}
			}
			n = int(v)
		default:
			return nil, []string{fmt.Sprintf("property %q must be an integer, got %T", name, raw)}
		}
		if spec.Min != 0 || spec.Max != 0 {
			if n < spec.Min || n > spec.Max {
				violations = append(violations, fmt.Sprintf("property %q must be between %d and %d, got %d", name, spec.Min, spec.Max, n))
			}
		}
		if len(violations) > 0 {
			return nil, violations
		}
		return n, nil

	case typeBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, []string{fmt.Sprintf("property %q must be a boolean, got %T", name, raw)}
		}
		return b, nil

	case typeList:
		l, ok := raw.([]interface{})
		if !ok {
			return nil, []string{fmt.Sprintf("property %q must be a list, got %T", name, raw)}
		}
		return l, nil

	default:
		return nil, []string{fmt.Sprintf("property %q has unsupported schema type %q", name, spec.Type)}
	}
}

// Hash returns the content address of the descriptor: a SHA-256 over the
// kind and the canonically ordered properties. Reference strings are hashed
// verbatim, so a descriptor's hash is stable regardless of what the
// referenced outputs resolve to.
func (d *ResourceDescriptor) Hash() string {
	h := sha256.New()
	h.Write([]byte(d.Kind))
	h.Write([]byte{0})
	h.Write(canonicalJSON(d.Properties))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON encodes a value with deterministic map key ordering.
// encoding/json already sorts map keys, which is the property relied on here.
func canonicalJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Properties are plain JSON-shaped values; marshal cannot fail for
		// anything Declare accepts.
		return []byte(fmt.Sprintf("%v", v))
	}
	return b
}

// Property returns a property value and whether it is set.
func (d *ResourceDescriptor) Property(name string) (interface{}, bool) {
	v, ok := d.Properties[name]
	return v, ok
}

// BoolProperty returns a boolean property, or def if unset.
func (d *ResourceDescriptor) BoolProperty(name string, def bool) bool {
	if v, ok := d.Properties[name].(bool); ok {
		return v
	}
	return def
}

// IntProperty returns an integer property, or def if unset.
func (d *ResourceDescriptor) IntProperty(name string, def int) int {
	switch v := d.Properties[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

// StringProperty returns a string property, or def if unset.
func (d *ResourceDescriptor) StringProperty(name, def string) string {
	if v, ok := d.Properties[name].(string); ok {
		return v
	}
	return def
}

// Clone returns a deep copy of the descriptor with the given property
// overrides applied. Used by variant builders to apply documented policy
// defaults without mutating the declared descriptor.
func (d *ResourceDescriptor) Clone(overrides map[string]interface{}) *ResourceDescriptor {
	props := make(map[string]interface{}, len(d.Properties)+len(overrides))
	for k, v := range d.Properties {
		props[k] = v
	}
	for k, v := range overrides {
		props[k] = v
	}
	return &ResourceDescriptor{Name: d.Name, Kind: d.Kind, Properties: props}
}

// DiffProperties returns the sorted names of properties whose values
// differ between the descriptor and a previously applied property map.
func (d *ResourceDescriptor) DiffProperties(prior map[string]interface{}) []string {
	changed := make(map[string]struct{})
	for k, v := range d.Properties {
		pv, ok := prior[k]
		if !ok || !jsonEqual(v, pv) {
			changed[k] = struct{}{}
		}
	}
	for k := range prior {
		if _, ok := d.Properties[k]; !ok {
			changed[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(changed))
	for k := range changed {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// jsonEqual compares two values by canonical JSON encoding, which
// tolerates int/float64 drift from JSON round-trips.
func jsonEqual(a, b interface{}) bool {
	return string(canonicalJSON(a)) == string(canonicalJSON(b))
}
