package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"

	"github.com/openstrato/openstrato/pkg/engine"
)

// CUEParser parses and validates CUE deployment configuration files.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	compute        *ComputeEvaluator
	validator      *validator.Validate
}

// NewCUEParser creates a new CUE parser. The schema registry shares the
// parser's cue.Context so parsed values unify with the built-in schemas.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	registry, err := NewSchemaRegistry(ctx)
	if err != nil {
		// The built-in schemas are compile-time constants.
		panic(err)
	}
	return &CUEParser{
		ctx:            ctx,
		schemaRegistry: registry,
		compute:        NewComputeEvaluator(30 * time.Second),
		validator:      validator.New(),
	}
}

// Load parses the given sources, resolves computed variables, interpolates
// properties, and returns the engine modules plus deployment settings. It is
// the one-call entry point used by the CLI.
func (cp *CUEParser) Load(ctx context.Context, sources []string) (*ParsedConfig, []*engine.Module, error) {
	parsed, err := cp.Parse(ctx, sources)
	if err != nil {
		return nil, nil, err
	}
	if len(parsed.Errors) > 0 {
		return parsed, nil, engine.NewValidationError(formatSourceFiles(parsed.SourceFiles),
			[]string{formatErrors(parsed.Errors)})
	}
	if err := cp.Resolve(ctx, parsed); err != nil {
		return parsed, nil, err
	}
	modules, err := parsed.ToEngineModules()
	if err != nil {
		return parsed, nil, err
	}
	return parsed, modules, nil
}

// Parse parses CUE configuration from the given file or directory sources.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*ParsedConfig, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		if info.IsDir() {
			val, files, errs := cp.loadDirectory(source)
			if len(errs) > 0 {
				parseErrors = append(parseErrors, errs...)
			}
			if val.Exists() {
				if cueValue.Exists() {
					cueValue = cueValue.Unify(val)
				} else {
					cueValue = val
				}
			}
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs := cp.loadFile(source)
			if len(errs) > 0 {
				parseErrors = append(parseErrors, errs...)
			}
			if val.Exists() {
				if cueValue.Exists() {
					cueValue = cueValue.Unify(val)
				} else {
					cueValue = val
				}
			}
			sourceFiles = append(sourceFiles, source)
		}
	}

	if len(parseErrors) > 0 {
		return &ParsedConfig{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	if err := cueValue.Err(); err != nil {
		parseErrors = append(parseErrors, cp.convertCUEErrors(err)...)
		return &ParsedConfig{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	return cp.extractConfig(cueValue, sourceFiles)
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedConfig, error) {
	val := cp.ctx.CompileString(content)
	if err := val.Err(); err != nil {
		return &ParsedConfig{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}

	return cp.extractConfig(val, []string{"inline"})
}

// Resolve evaluates the compute script and interpolates variables into
// resource properties. Mutates parsed in place.
func (cp *CUEParser) Resolve(ctx context.Context, parsed *ParsedConfig) error {
	dep := &parsed.Deployment

	if dep.Compute != "" {
		computed, err := cp.compute.Evaluate(ctx, dep.Compute, dep.Variables)
		if err != nil {
			return engine.NewValidationError("deployment.compute", []string{err.Error()})
		}
		if dep.Variables == nil {
			dep.Variables = make(map[string]interface{}, len(computed))
		}
		for k, v := range computed {
			dep.Variables[k] = v
		}
	}

	for mi := range dep.Modules {
		for ri := range dep.Modules[mi].Resources {
			rc := &dep.Modules[mi].Resources[ri]
			props, err := interpolateMap(rc.Properties, dep.Variables)
			if err != nil {
				return engine.NewValidationError(
					fmt.Sprintf("modules.%s.resources.%s", dep.Modules[mi].Name, rc.Name),
					[]string{err.Error()})
			}
			rc.Properties = props
		}
	}

	return nil
}

// Validate validates a deployment configuration using struct tags.
func (cp *CUEParser) Validate(ctx context.Context, dep *DeploymentConfig) error {
	if err := cp.validator.Struct(dep); err != nil {
		return engine.NewValidationError("deployment", []string{err.Error()})
	}
	return nil
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// extractConfig extracts the deployment configuration from a CUE value.
func (cp *CUEParser) extractConfig(val cue.Value, sourceFiles []string) (*ParsedConfig, error) {
	parsedConfig := &ParsedConfig{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	depVal := val.LookupPath(cue.ParsePath("deployment"))
	if !depVal.Exists() {
		parsedConfig.Errors = append(parsedConfig.Errors, ValidationError{
			Path:     "deployment",
			Message:  "configuration must contain a deployment block",
			Severity: "error",
		})
		return parsedConfig, nil
	}

	// Schema validation runs on the raw CUE value, before decoding, so
	// enum and shape violations carry source positions.
	if err := cp.schemaRegistry.Validate("deployment", depVal); err != nil {
		parsedConfig.Errors = append(parsedConfig.Errors, cp.convertCUEErrors(err)...)
		return parsedConfig, nil
	}

	dep := &parsedConfig.Deployment

	// Scalar and struct fields decode directly. Modules are extracted by
	// iterating fields so CUE declaration order is preserved; the graph
	// builder breaks topological-order ties by declaration order.
	var head struct {
		Name        string                 `json:"name"`
		Backend     string                 `json:"backend"`
		Environment string                 `json:"environment"`
		Variables   map[string]interface{} `json:"variables"`
		Compute     string                 `json:"compute"`
		State       *StateConfig           `json:"state"`
		Policy      *PolicyConfig          `json:"policy"`
	}
	if err := depVal.Decode(&head); err != nil {
		parsedConfig.Errors = append(parsedConfig.Errors, ValidationError{
			Path:     "deployment",
			Message:  fmt.Sprintf("failed to decode deployment: %v", err),
			Severity: "error",
		})
		return parsedConfig, nil
	}
	dep.Name = head.Name
	dep.Backend = head.Backend
	dep.Environment = head.Environment
	dep.Variables = head.Variables
	dep.Compute = head.Compute
	dep.State = head.State
	dep.Policy = head.Policy

	modulesVal := depVal.LookupPath(cue.ParsePath("modules"))
	if modulesVal.Exists() {
		modules, errs := cp.extractModules(modulesVal)
		parsedConfig.Errors = append(parsedConfig.Errors, errs...)
		dep.Modules = modules
	}

	if len(parsedConfig.Errors) == 0 {
		if err := cp.validator.Struct(dep); err != nil {
			parsedConfig.Errors = append(parsedConfig.Errors, ValidationError{
				Path:     "deployment",
				Message:  err.Error(),
				Severity: "error",
			})
		}
	}

	return parsedConfig, nil
}

// extractModules extracts module configurations preserving declaration order.
func (cp *CUEParser) extractModules(val cue.Value) ([]ModuleConfig, []ValidationError) {
	var modules []ModuleConfig
	var errs []ValidationError

	switch val.Kind() {
	case cue.StructKind:
		iter, err := val.Fields(cue.All())
		if err != nil {
			return nil, []ValidationError{{
				Path:     "deployment.modules",
				Message:  fmt.Sprintf("failed to iterate modules: %v", err),
				Severity: "error",
			}}
		}
		for iter.Next() {
			name := strings.Trim(iter.Selector().String(), `"`)
			module, err := cp.extractModule(name, iter.Value())
			if err != nil {
				errs = append(errs, ValidationError{
					Path:     fmt.Sprintf("deployment.modules.%s", name),
					Message:  err.Error(),
					Severity: "error",
				})
				continue
			}
			modules = append(modules, module)
		}
	case cue.ListKind:
		list, err := val.List()
		if err != nil {
			return nil, []ValidationError{{
				Path:     "deployment.modules",
				Message:  fmt.Sprintf("failed to list modules: %v", err),
				Severity: "error",
			}}
		}
		idx := 0
		for list.Next() {
			module, err := cp.extractModule("", list.Value())
			if err != nil {
				errs = append(errs, ValidationError{
					Path:     fmt.Sprintf("deployment.modules[%d]", idx),
					Message:  err.Error(),
					Severity: "error",
				})
			} else {
				modules = append(modules, module)
			}
			idx++
		}
	default:
		errs = append(errs, ValidationError{
			Path:     "deployment.modules",
			Message:  "modules must be a struct or a list",
			Severity: "error",
		})
	}

	return modules, errs
}

// extractModule extracts a single module configuration.
func (cp *CUEParser) extractModule(name string, val cue.Value) (ModuleConfig, error) {
	var module ModuleConfig

	var head struct {
		Name      string   `json:"name"`
		DependsOn []string `json:"depends_on"`
	}
	if err := val.Decode(&head); err != nil {
		return module, fmt.Errorf("failed to decode module: %w", err)
	}
	module.Name = head.Name
	module.DependsOn = head.DependsOn

	// Struct key wins over an absent name field.
	if module.Name == "" {
		module.Name = name
	}

	resourcesVal := val.LookupPath(cue.ParsePath("resources"))
	if resourcesVal.Exists() {
		resources, err := cp.extractResources(resourcesVal)
		if err != nil {
			return module, err
		}
		module.Resources = resources
	}

	return module, nil
}

// extractResources extracts resource configurations preserving declaration order.
func (cp *CUEParser) extractResources(val cue.Value) ([]ResourceConfig, error) {
	var resources []ResourceConfig

	switch val.Kind() {
	case cue.StructKind:
		iter, err := val.Fields(cue.All())
		if err != nil {
			return nil, fmt.Errorf("failed to iterate resources: %w", err)
		}
		for iter.Next() {
			name := strings.Trim(iter.Selector().String(), `"`)
			var resource ResourceConfig
			if err := iter.Value().Decode(&resource); err != nil {
				return nil, fmt.Errorf("resource %s: %w", name, err)
			}
			if resource.Name == "" {
				resource.Name = name
			}
			resources = append(resources, resource)
		}
	case cue.ListKind:
		list, err := val.List()
		if err != nil {
			return nil, fmt.Errorf("failed to list resources: %w", err)
		}
		for list.Next() {
			var resource ResourceConfig
			if err := list.Value().Decode(&resource); err != nil {
				return nil, fmt.Errorf("failed to decode resource: %w", err)
			}
			resources = append(resources, resource)
		}
	default:
		return nil, fmt.Errorf("resources must be a struct or a list")
	}

	return resources, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	errs := errors.Errors(err)
	for _, e := range errs {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// LoadFromDirectory lists all CUE files under a directory.
func (cp *CUEParser) LoadFromDirectory(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return files, nil
}
