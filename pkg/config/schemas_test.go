package config

import (
	"context"
	"strings"
	"testing"

	"cuelang.org/go/cue/cuecontext"
)

// Shape and enum violations must surface as parse errors, not decode
// surprises further down the pipeline.
func TestCUEParser_SchemaValidation(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tests := []struct {
		name    string
		content string
	}{
		{
			name: "deployment name with spaces",
			content: `
deployment: {
	name:        "my stack"
	backend:     "aws"
	environment: "dev"
	modules: {
		core: {
			resources: {
				bucket: {kind: "object_store"}
			}
		}
	}
}
`,
		},
		{
			name: "unknown deployment field",
			content: `
deployment: {
	name:        "test"
	backend:     "aws"
	environment: "dev"
	region:      "us-east-1"
	modules: {
		core: {
			resources: {
				bucket: {kind: "object_store"}
			}
		}
	}
}
`,
		},
		{
			name: "module without resources",
			content: `
deployment: {
	name:        "test"
	backend:     "gcp"
	environment: "staging"
	modules: {
		core: {}
	}
}
`,
		},
		{
			name: "invalid policy mode",
			content: `
deployment: {
	name:        "test"
	backend:     "azure"
	environment: "production"
	policy: {
		enabled: true
		mode:    "permissive"
	}
	modules: {
		core: {
			resources: {
				cache: {kind: "cache"}
			}
		}
	}
}
`,
		},
		{
			name: "environment outside the known classes",
			content: `
deployment: {
	name:        "test"
	backend:     "aws"
	environment: "qa"
	modules: {
		core: {
			resources: {
				net: {kind: "network"}
			}
		}
	}
}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc, err := parser.ParseInline(ctx, tt.content)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(pc.Errors) == 0 {
				t.Fatal("expected schema violation, got none")
			}
		})
	}
}

// A valid config must pass schema validation with zero errors so the
// happy path never pays for a rejected unification.
func TestCUEParser_SchemaAcceptsValidConfig(t *testing.T) {
	parser := NewCUEParser()

	pc, err := parser.ParseInline(context.Background(), validDeployment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pc.Errors) > 0 {
		t.Fatalf("unexpected validation errors: %v", pc.Errors)
	}
}

func TestSchemaRegistry_Validate(t *testing.T) {
	cueCtx := cuecontext.New()
	registry, err := NewSchemaRegistry(cueCtx)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	for _, name := range []string{"deployment", "module", "resource", "state", "policy"} {
		if _, ok := registry.Schema(name); !ok {
			t.Errorf("missing built-in schema %s", name)
		}
	}

	good := cueCtx.CompileString(`{kind: "cache", properties: {node_count: 2}}`)
	if err := registry.Validate("resource", good); err != nil {
		t.Errorf("valid resource rejected: %v", err)
	}

	bad := cueCtx.CompileString(`{kind: "lambda"}`)
	if err := registry.Validate("resource", bad); err == nil {
		t.Error("expected unknown kind to be rejected")
	}

	if err := registry.Validate("nonexistent", good); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected schema-not-found error, got %v", err)
	}
}
