package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
)

// SchemaRegistry holds the CUE schemas the parser validates deployment
// configuration against. Schemas live in the parser's cue.Context so they
// unify directly with parsed values.
type SchemaRegistry struct {
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in schemas compiled
// in the given context.
func NewSchemaRegistry(ctx *cue.Context) (*SchemaRegistry, error) {
	sr := &SchemaRegistry{
		schemas: make(map[string]cue.Value),
	}
	if err := sr.registerBuiltInSchemas(ctx); err != nil {
		return nil, err
	}
	return sr, nil
}

// registerBuiltInSchemas compiles the built-in schemas. The definitions
// cross-reference each other, so they compile as a single unit.
func (sr *SchemaRegistry) registerBuiltInSchemas(ctx *cue.Context) error {
	all := builtinDeploymentSchema + builtinModuleSchema + builtinResourceSchema +
		builtinStateSchema + builtinPolicySchema

	val := ctx.CompileString(all)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile built-in schemas: %w", err)
	}

	names := map[string]string{
		"#Deployment": "deployment",
		"#Module":     "module",
		"#Resource":   "resource",
		"#State":      "state",
		"#Policy":     "policy",
	}
	iter, err := val.Fields(cue.Definitions(true))
	if err != nil {
		return fmt.Errorf("failed to iterate built-in schemas: %w", err)
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	for iter.Next() {
		if name, ok := names[iter.Selector().String()]; ok {
			sr.schemas[name] = iter.Value()
		}
	}
	return nil
}

// Schema retrieves a schema by name.
func (sr *SchemaRegistry) Schema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Validate unifies a parsed CUE value with a named schema. The value must
// come from the same cue.Context the registry was built in. The returned
// error carries CUE positions for every constraint the value violates.
func (sr *SchemaRegistry) Validate(name string, data cue.Value) error {
	schema, ok := sr.Schema(name)
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}
	return schema.Unify(data).Validate(cue.Concrete(true))
}

// Built-in schema definitions

const builtinDeploymentSchema = `
// Deployment schema for OpenStrato deployment configuration
#Deployment: {
	// Name is the deployment name
	name: string & =~"^[a-zA-Z0-9_-]+$"

	// Backend selects the cloud backend for the whole deployment
	backend: "aws" | "gcp" | "azure"

	// Environment is the environment class driving policy defaults
	environment: "dev" | "staging" | "production"

	// Variables are deployment-level variables
	variables?: {[string]: _}

	// Compute is an optional Starlark script for computed variables
	compute?: string

	// State configures the state store
	state?: #State

	// Policy configures policy enforcement
	policy?: #Policy

	// Modules are the deployment's modules
	modules: {[string]: #Module} | [...#Module]
}
`

const builtinModuleSchema = `
// Module schema for OpenStrato module declarations
#Module: {
	// Name is the module name (optional when given as a struct key)
	name?: string & =~"^[a-zA-Z0-9_-]+$"

	// DependsOn lists explicit module dependencies
	depends_on?: [...string]

	// Resources are the module's resource declarations
	resources: {[string]: #Resource} | [...#Resource]
}
`

const builtinResourceSchema = `
// Resource schema for OpenStrato resource declarations
#Resource: {
	// Name is the resource name (optional when given as a struct key)
	name?: string & =~"^[a-zA-Z0-9_-]+$"

	// Kind is the backend-agnostic resource kind
	kind: "network" | "cluster" | "relational_db" | "cache" | "object_store"

	// Properties is the backend-agnostic property map. String values of
	// the form "module.output.name" reference another module's output.
	properties?: {...}
}
`

const builtinStateSchema = `
// State schema for state store configuration
#State: {
	// Path is the SQLite database path
	path?: string
}
`

const builtinPolicySchema = `
// Policy schema for policy enforcement configuration
#Policy: {
	// Enabled indicates if policy enforcement is enabled
	enabled: bool

	// Paths lists additional Rego policy file paths
	paths?: [...string]

	// Mode is the enforcement mode
	mode?: "advisory" | "enforcing"
}
`
