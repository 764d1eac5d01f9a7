package engine

import (
	"encoding/json"
	"fmt"
	"sort"
)

// RedactedPlaceholder replaces sensitive output values on every display
// surface: logs, plan previews, CLI output, and serialized plans.
const RedactedPlaceholder = "(sensitive)"

// OutputValue is a single normalized output of a module. Sensitive values
// redact themselves when marshaled; the raw value is only reachable
// through an explicit Unwrap call.
type OutputValue struct {
	value     interface{}
	sensitive bool
}

// NewOutput wraps a plain output value.
func NewOutput(value interface{}) OutputValue {
	return OutputValue{value: value}
}

// NewSensitiveOutput wraps a value that must never appear on display
// surfaces.
func NewSensitiveOutput(value interface{}) OutputValue {
	return OutputValue{value: value, sensitive: true}
}

// Sensitive reports whether the value redacts itself.
func (o OutputValue) Sensitive() bool {
	return o.sensitive
}

// Unwrap returns the raw value, sensitive or not. Callers own the
// responsibility of keeping unwrapped sensitive values off display
// surfaces.
func (o OutputValue) Unwrap() interface{} {
	return o.value
}

// Display returns the value suitable for printing: the raw value for
// plain outputs, the redaction placeholder for sensitive ones.
func (o OutputValue) Display() interface{} {
	if o.sensitive {
		return RedactedPlaceholder
	}
	return o.value
}

// String implements fmt.Stringer with redaction, so sensitive values do
// not leak through %v or %s formatting.
func (o OutputValue) String() string {
	return fmt.Sprintf("%v", o.Display())
}

// MarshalJSON redacts sensitive values. Persisting raw values to the
// state store goes through encodeRaw instead.
func (o OutputValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.Display())
}

// rawOutput is the persistence form of an output value. Only the state
// store uses it; everything else sees the redacting MarshalJSON.
type rawOutput struct {
	Value     interface{} `json:"value"`
	Sensitive bool        `json:"sensitive"`
}

// OutputSet maps logical output names to values for one module.
type OutputSet map[string]OutputValue

// EncodeRaw serializes the set with raw values and sensitivity flags
// preserved, for storage in the state store.
func (s OutputSet) EncodeRaw() ([]byte, error) {
	raw := make(map[string]rawOutput, len(s))
	for name, v := range s {
		raw[name] = rawOutput{Value: v.value, Sensitive: v.sensitive}
	}
	return json.Marshal(raw)
}

// DecodeRawOutputs reverses EncodeRaw.
func DecodeRawOutputs(data []byte) (OutputSet, error) {
	if len(data) == 0 {
		return OutputSet{}, nil
	}
	var raw map[string]rawOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding stored outputs: %w", err)
	}
	set := make(OutputSet, len(raw))
	for name, r := range raw {
		set[name] = OutputValue{value: r.Value, sensitive: r.Sensitive}
	}
	return set, nil
}

// Names returns the sorted output names.
func (s OutputSet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// outputSpec declares one logical output of a kind.
type outputSpec struct {
	Sensitive bool
}

// kindOutputs is the logical output schema per kind. Every backend variant
// of a kind must populate exactly these names, which is what lets
// downstream modules reference outputs without knowing the backend.
var kindOutputs = map[Kind]map[string]outputSpec{
	KindNetwork: {
		"network_id": {},
		"subnet_ids": {},
	},
	KindCluster: {
		"cluster_endpoint":    {},
		"cluster_credentials": {Sensitive: true},
	},
	KindRelationalDB: {
		"database_url":  {Sensitive: true},
		"database_host": {},
		"database_port": {},
	},
	KindCache: {
		"redis_url":  {Sensitive: true},
		"cache_host": {},
	},
	KindObjectStore: {
		"storage_bucket":   {},
		"storage_endpoint": {},
	},
}

// KindOutputNames returns the sorted logical output names for a kind.
func KindOutputNames(kind Kind) []string {
	schema, ok := kindOutputs[kind]
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

// KindHasOutput reports whether a kind exposes the named logical output.
func KindHasOutput(kind Kind, name string) bool {
	schema, ok := kindOutputs[kind]
	if !ok {
		return false
	}
	_, ok = schema[name]
	return ok
}

// NormalizeOutputs validates raw provider outputs against the kind's
// logical output schema and applies sensitivity flags. Every logical
// output must be populated; extra names from the provider are dropped so
// the normalized surface is identical across backends.
func NormalizeOutputs(module string, kind Kind, raw map[string]interface{}) (OutputSet, error) {
	schema, ok := kindOutputs[kind]
	if !ok {
		return nil, NewInternalError(fmt.Sprintf("no output schema for kind %q", kind), nil)
	}
	set := make(OutputSet, len(schema))
	var missing []string
	for name, spec := range schema {
		val, ok := raw[name]
		if !ok || val == nil {
			missing = append(missing, name)
			continue
		}
		if spec.Sensitive {
			set[name] = NewSensitiveOutput(val)
		} else {
			set[name] = NewOutput(val)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, NewInternalError(
			fmt.Sprintf("module %q: provider did not populate required outputs %v for kind %q", module, missing, kind), nil)
	}
	return set, nil
}
