package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openstrato/openstrato/pkg/engine"
)

// ResourceConfig represents a single resource declaration from CUE.
type ResourceConfig struct {
	// Name is the resource name, unique within its module.
	Name string `json:"name" validate:"required"`

	// Kind is the backend-agnostic resource kind (e.g. "network",
	// "relational_db").
	Kind string `json:"kind" validate:"required,oneof=network cluster relational_db cache object_store"`

	// Properties is the backend-agnostic property map. String values of the
	// form "module.output.name" are output references resolved at apply time.
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// ModuleConfig represents a module declaration from CUE.
type ModuleConfig struct {
	// Name is the module name, unique within the deployment.
	Name string `json:"name" validate:"required"`

	// DependsOn lists explicit module dependencies beyond those implied by
	// output references.
	DependsOn []string `json:"depends_on,omitempty"`

	// Resources are the module's resource declarations, in declaration order.
	Resources []ResourceConfig `json:"resources" validate:"required,min=1,dive"`
}

// DeploymentConfig represents the deployment configuration.
type DeploymentConfig struct {
	// Name is the deployment name.
	Name string `json:"name" validate:"required"`

	// Backend selects the cloud backend for the whole deployment.
	Backend string `json:"backend" validate:"required,oneof=aws gcp azure"`

	// Environment is the environment class driving policy defaults.
	Environment string `json:"environment" validate:"required,oneof=dev staging production"`

	// Variables are deployment-level variables available to property
	// interpolation and the compute script.
	Variables map[string]interface{} `json:"variables,omitempty"`

	// Compute is an optional Starlark script whose globals are merged into
	// Variables before interpolation.
	Compute string `json:"compute,omitempty"`

	// State configures the state store.
	State *StateConfig `json:"state,omitempty"`

	// Policy configures policy enforcement.
	Policy *PolicyConfig `json:"policy,omitempty"`

	// Modules are the deployment's modules, in declaration order.
	Modules []ModuleConfig `json:"modules" validate:"required,min=1,dive"`
}

// StateConfig configures the state store.
type StateConfig struct {
	// Path is the SQLite database path. Defaults to strato.db in the
	// working directory.
	Path string `json:"path,omitempty"`
}

// PolicyConfig configures policy enforcement.
type PolicyConfig struct {
	// Enabled indicates if policy enforcement is enabled.
	Enabled bool `json:"enabled"`

	// Paths lists additional Rego policy file paths.
	Paths []string `json:"paths,omitempty"`

	// Mode is the enforcement mode (advisory, enforcing).
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=advisory enforcing"`
}

// ParsedConfig represents the fully parsed configuration from CUE.
type ParsedConfig struct {
	// Deployment is the deployment configuration.
	Deployment DeploymentConfig `json:"deployment"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the configuration was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "deployment.modules.core").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// ConfigSource represents a source of CUE configuration.
type ConfigSource struct {
	// Type is the source type (file, directory, inline).
	Type string `json:"type" validate:"required,oneof=file directory inline"`

	// Path is the file or directory path.
	Path string `json:"path,omitempty"`

	// Content is the inline CUE content.
	Content string `json:"content,omitempty"`
}

// ToEngineModules converts the parsed deployment into engine modules.
// Property interpolation against Variables must already have happened.
func (pc *ParsedConfig) ToEngineModules() ([]*engine.Module, error) {
	modules := make([]*engine.Module, 0, len(pc.Deployment.Modules))
	for _, mc := range pc.Deployment.Modules {
		descriptors := make([]*engine.ResourceDescriptor, 0, len(mc.Resources))
		for _, rc := range mc.Resources {
			d, err := engine.Declare(rc.Name, engine.Kind(rc.Kind), rc.Properties)
			if err != nil {
				return nil, fmt.Errorf("module %s resource %s: %w", mc.Name, rc.Name, err)
			}
			descriptors = append(descriptors, d)
		}
		m, err := engine.NewModule(mc.Name, descriptors...)
		if err != nil {
			return nil, err
		}
		m.DependsOn = append([]string(nil), mc.DependsOn...)
		modules = append(modules, m)
	}
	return modules, nil
}

// EngineBackend returns the deployment's backend as an engine type.
func (pc *ParsedConfig) EngineBackend() engine.Backend {
	return engine.Backend(pc.Deployment.Backend)
}

// EngineEnvironment returns the deployment's environment as an engine type.
func (pc *ParsedConfig) EngineEnvironment() engine.Environment {
	return engine.Environment(pc.Deployment.Environment)
}

// StatePath returns the configured state database path, or the default.
func (pc *ParsedConfig) StatePath() string {
	if pc.Deployment.State != nil && pc.Deployment.State.Path != "" {
		return pc.Deployment.State.Path
	}
	return "strato.db"
}

// formatSourceFiles formats source files for display.
func formatSourceFiles(files []string) string {
	if len(files) == 0 {
		return "inline"
	}
	if len(files) == 1 {
		return files[0]
	}
	return fmt.Sprintf("%s (+%d more)", files[0], len(files)-1)
}

// formatErrors renders validation errors as a single message.
func formatErrors(errs []ValidationError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		loc := e.Path
		if loc == "" && e.File != "" {
			loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
		}
		if loc != "" {
			parts = append(parts, loc+": "+e.Message)
		} else {
			parts = append(parts, e.Message)
		}
	}
	return strings.Join(parts, "; ")
}
