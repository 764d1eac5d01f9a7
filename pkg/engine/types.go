package engine

import (
	"fmt"
	"time"
)

// Kind identifies the abstract class of a provisionable resource.
type Kind string

const (
	// KindNetwork is a virtual network with subnets.
	KindNetwork Kind = "network"

	// KindCluster is a managed Kubernetes-like compute cluster.
	KindCluster Kind = "cluster"

	// KindRelationalDB is a managed relational database instance.
	KindRelationalDB Kind = "relational_db"

	// KindCache is a managed in-memory cache.
	KindCache Kind = "cache"

	// KindObjectStore is an object storage bucket.
	KindObjectStore Kind = "object_store"
)

// Validate checks if the kind is known.
func (k Kind) Validate() error {
	switch k {
	case KindNetwork, KindCluster, KindRelationalDB, KindCache, KindObjectStore:
		return nil
	default:
		return fmt.Errorf("invalid resource kind: %s", k)
	}
}

// Backend identifies a supported cloud backend.
type Backend string

const (
	// BackendAWS targets Amazon Web Services.
	BackendAWS Backend = "aws"

	// BackendGCP targets Google Cloud Platform.
	BackendGCP Backend = "gcp"

	// BackendAzure targets Microsoft Azure.
	BackendAzure Backend = "azure"
)

// Validate checks if the backend is one of the supported identifiers.
func (b Backend) Validate() error {
	switch b {
	case BackendAWS, BackendGCP, BackendAzure:
		return nil
	default:
		return fmt.Errorf("invalid backend: %s", b)
	}
}

// Environment classifies a deployment for policy defaults.
type Environment string

const (
	// EnvDev is a development environment with relaxed defaults.
	EnvDev Environment = "dev"

	// EnvStaging is a pre-production environment.
	EnvStaging Environment = "staging"

	// EnvProduction is a production environment with hardened defaults.
	EnvProduction Environment = "production"
)

// Validate checks if the environment class is known.
func (e Environment) Validate() error {
	switch e {
	case EnvDev, EnvStaging, EnvProduction:
		return nil
	default:
		return fmt.Errorf("invalid environment: %s", e)
	}
}

// Action is the operation a plan step will perform on a resource.
type Action string

const (
	// ActionCreate creates a resource that has no prior state record.
	ActionCreate Action = "create"

	// ActionUpdate modifies an existing resource in place.
	ActionUpdate Action = "update"

	// ActionReplace destroys and recreates a resource. Replace is
	// destructive and requires explicit confirmation.
	ActionReplace Action = "replace"

	// ActionDestroy removes a resource whose descriptor was deleted.
	ActionDestroy Action = "destroy"

	// ActionNoOp indicates the resource already matches its descriptor.
	ActionNoOp Action = "noop"
)

// IsDestructive returns true if the action destroys backend resources.
func (a Action) IsDestructive() bool {
	return a == ActionDestroy || a == ActionReplace
}

// IsMutating returns true if the action changes backend state.
func (a Action) IsMutating() bool {
	return a != ActionNoOp
}

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionReplace, ActionDestroy, ActionNoOp:
		return nil
	default:
		return fmt.Errorf("invalid action: %s", a)
	}
}

// ResourceSpec is one concrete resource inside a ProviderVariant: the
// primary resource or one of the auxiliary resources the backend requires
// to make the primary functional (subnet groups, security rules, keys,
// service accounts).
type ResourceSpec struct {
	// Name is the spec's logical name, unique within the variant
	// (e.g. "db-subnet-group").
	Name string `json:"name"`

	// Type is the backend-specific resource type (e.g. "aws_db_instance").
	Type string `json:"type"`

	// Primary marks the resource the descriptor is really about. Exactly
	// one spec per variant is primary.
	Primary bool `json:"primary,omitempty"`

	// Fields are the backend-specific request fields.
	Fields map[string]interface{} `json:"fields"`

	// DependsOn lists sibling spec names that must exist before this one
	// is created. Specs with no mutual dependency are created concurrently.
	DependsOn []string `json:"depends_on,omitempty"`
}

// OutputSource locates the raw result field backing one logical output.
type OutputSource struct {
	// Resource is the name of the ResourceSpec whose result carries the value.
	Resource string `json:"resource"`

	// Field is the field name within that resource's raw result.
	Field string `json:"field"`
}

// ProviderVariant is the backend-specific realization of a
// ResourceDescriptor: the full set of concrete resources to create,
// ordered by intra-variant dependencies, plus the mapping from the kind's
// logical output schema onto raw result fields. Variants for the same kind
// always populate the same logical outputs regardless of backend.
type ProviderVariant struct {
	// Module is the logical module the descriptor belongs to.
	Module string `json:"module"`

	// Resource is the descriptor's logical name.
	Resource string `json:"resource"`

	// Kind is the descriptor's kind.
	Kind Kind `json:"kind"`

	// Backend is the backend this variant targets.
	Backend Backend `json:"backend"`

	// Resources are the concrete resource specs, auxiliary and primary.
	Resources []ResourceSpec `json:"resources"`

	// Outputs maps each logical output name of the kind to its source.
	Outputs map[string]OutputSource `json:"outputs"`

	// ImmutableProperties lists descriptor property names that this
	// backend cannot change in place; a diff on one forces Replace.
	ImmutableProperties []string `json:"immutable_properties,omitempty"`

	// PolicyNotes records documented policy overrides applied during
	// resolution (e.g. encryption forced on in production), so overrides
	// are visible rather than silent.
	PolicyNotes []string `json:"policy_notes,omitempty"`
}

// Spec returns the resource spec with the given name, or nil.
func (v *ProviderVariant) Spec(name string) *ResourceSpec {
	for i := range v.Resources {
		if v.Resources[i].Name == name {
			return &v.Resources[i]
		}
	}
	return nil
}

// PrimarySpec returns the variant's primary resource spec, or nil.
func (v *ProviderVariant) PrimarySpec() *ResourceSpec {
	for i := range v.Resources {
		if v.Resources[i].Primary {
			return &v.Resources[i]
		}
	}
	return nil
}

// PlanStep is one (module, resource, action) entry of a Plan.
type PlanStep struct {
	// Module is the logical module name.
	Module string `json:"module"`

	// Resource is the descriptor's logical name within the module.
	Resource string `json:"resource"`

	// Kind is the resource kind.
	Kind Kind `json:"kind"`

	// Action is the operation to perform.
	Action Action `json:"action"`

	// Reason explains why this action was chosen (for plan output).
	Reason string `json:"reason,omitempty"`

	// Descriptor is the declared descriptor; nil for destroy steps whose
	// descriptor was removed from configuration.
	Descriptor *ResourceDescriptor `json:"descriptor,omitempty"`

	// Variant is the resolved variant; nil for destroy and noop steps.
	Variant *ProviderVariant `json:"variant,omitempty"`

	// PriorRecord is the last-applied state record, if any.
	PriorRecord *StateRecord `json:"prior_record,omitempty"`

	// ChangedProperties lists the descriptor properties that differ from
	// the last-applied state (update and replace steps only).
	ChangedProperties []string `json:"changed_properties,omitempty"`
}

// PlanSummary provides statistics about a plan.
type PlanSummary struct {
	// Total is the total number of steps, noops included.
	Total int `json:"total"`

	// ToCreate is the number of resources to create.
	ToCreate int `json:"to_create"`

	// ToUpdate is the number of resources to update in place.
	ToUpdate int `json:"to_update"`

	// ToReplace is the number of resources requiring destroy-and-recreate.
	ToReplace int `json:"to_replace"`

	// ToDestroy is the number of resources to destroy.
	ToDestroy int `json:"to_destroy"`

	// NoOp is the number of resources already in their desired state.
	NoOp int `json:"noop"`
}

// HasChanges returns true if any step mutates backend state.
func (s PlanSummary) HasChanges() bool {
	return s.ToCreate+s.ToUpdate+s.ToReplace+s.ToDestroy > 0
}

// Plan is an ordered list of steps computed by diffing declared
// descriptors against the state store. Destroy steps come first in reverse
// topological order, then create/update steps in topological order.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`

	// Backend is the deployment's selected backend.
	Backend Backend `json:"backend"`

	// Environment is the deployment's environment class.
	Environment Environment `json:"environment"`

	// ModuleOrder is the deterministic topological order of modules.
	ModuleOrder []string `json:"module_order"`

	// Steps are the plan steps in execution order.
	Steps []*PlanStep `json:"steps"`

	// Summary provides statistics about the plan.
	Summary PlanSummary `json:"summary"`
}

// StateRecord is the persisted record of one realized resource. It is
// owned exclusively by the state store: the planner reads it, the executor
// writes it incrementally after each resource operation.
type StateRecord struct {
	// Module is the logical module name.
	Module string `json:"module"`

	// Resource is the descriptor's logical name.
	Resource string `json:"resource"`

	// Kind is the resource kind.
	Kind Kind `json:"kind"`

	// Backend is the backend the resource was realized on.
	Backend Backend `json:"backend"`

	// DescriptorHash is the content hash of the last-applied descriptor.
	DescriptorHash string `json:"descriptor_hash"`

	// Properties are the last-applied descriptor properties, kept so the
	// planner can name exactly which properties changed.
	Properties map[string]interface{} `json:"properties"`

	// ResourceIDs maps each constituent spec name to its backend identifier.
	ResourceIDs map[string]string `json:"resource_ids"`

	// Outputs are the realized, normalized outputs.
	Outputs OutputSet `json:"outputs"`

	// AppliedAt is when the record was last written.
	AppliedAt time.Time `json:"applied_at"`

	// RunID is the apply run that last wrote the record.
	RunID string `json:"run_id"`
}

// Key returns the state key for this record.
func (r *StateRecord) Key() string {
	return StateKey(r.Module, r.Resource)
}

// StateKey builds the canonical state key for a module-scoped resource.
func StateKey(module, resource string) string {
	return module + "." + resource
}

// ApplyResult summarizes an apply run.
type ApplyResult struct {
	// RunID identifies the apply run.
	RunID string `json:"run_id"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run finished.
	CompletedAt time.Time `json:"completed_at"`

	// Applied counts the steps executed successfully.
	Applied int `json:"applied"`

	// Failed counts the steps that failed.
	Failed int `json:"failed"`

	// Skipped counts the steps skipped after a fatal error.
	Skipped int `json:"skipped"`

	// Outputs are the combined normalized outputs of all applied modules.
	Outputs OutputSet `json:"outputs"`

	// Partial reports that the run stopped mid-plan with manual
	// intervention required.
	Partial bool `json:"partial"`
}
