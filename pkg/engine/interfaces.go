package engine

import (
	"context"
	"time"
)

// Resolver maps an abstract resource descriptor to a backend-specific
// provider variant. Implementations live in pkg/provider; the engine only
// sees this interface.
type Resolver interface {
	// Resolve returns the concrete variant for a descriptor on the given
	// backend and environment. Unknown (kind, backend) pairs fail with an
	// unsupported-backend error; policy-forbidden combinations fail with a
	// policy violation.
	Resolve(module string, d *ResourceDescriptor, backend Backend, env Environment) (*ProviderVariant, error)
}

// LockInfo describes the current holder of the deployment lock.
type LockInfo struct {
	// RunID identifies the run holding the lock.
	RunID string `json:"run_id"`

	// Holder is a human-readable description of the holder (user@host pid).
	Holder string `json:"holder"`

	// AcquiredAt is when the lock was taken.
	AcquiredAt time.Time `json:"acquired_at"`

	// HeartbeatAt is the holder's last liveness refresh. A lock whose
	// heartbeat is older than the stale threshold is reported as abandoned
	// but still blocks acquisition until an operator force-unlocks it.
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// EventRecord is one entry in the append-only run event log.
type EventRecord struct {
	ID        int64                  `json:"id"`
	RunID     string                 `json:"run_id"`
	Module    string                 `json:"module"`
	Resource  string                 `json:"resource,omitempty"`
	Action    Action                 `json:"action,omitempty"`
	EventType string                 `json:"event_type"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// StateStore persists applied resource state, the deployment lock, and the
// run event log. Implementations must be crash-safe: every SaveRecord and
// DeleteRecord is durable before it returns.
type StateStore interface {
	// GetRecord returns the record for a state key, or nil if none exists.
	GetRecord(ctx context.Context, key string) (*StateRecord, error)

	// ListRecords returns all records, sorted by state key.
	ListRecords(ctx context.Context) ([]*StateRecord, error)

	// SaveRecord upserts a record. Called incrementally during apply, after
	// each resource mutation, never batched to the end of a run.
	SaveRecord(ctx context.Context, rec *StateRecord) error

	// DeleteRecord removes a record after a successful destroy.
	DeleteRecord(ctx context.Context, key string) error

	// AcquireLock takes the exclusive deployment lock. Any held lock,
	// stale or not, fails acquisition with a lock contention error naming
	// the holder; stale locks are released only through ForceUnlock.
	AcquireLock(ctx context.Context, runID, holder string) error

	// Heartbeat refreshes the lock's liveness timestamp. Fails if the lock
	// is no longer held by runID.
	Heartbeat(ctx context.Context, runID string) error

	// ReleaseLock drops the lock held by runID. Releasing a lock not held
	// by runID is a no-op.
	ReleaseLock(ctx context.Context, runID string) error

	// ForceUnlock breaks the lock regardless of holder or heartbeat. An
	// operator-only escape hatch; the break is recorded in the audit log.
	ForceUnlock(ctx context.Context, operator string) error

	// LockInfo returns the current lock, or nil if none is held.
	LockInfo(ctx context.Context) (*LockInfo, error)

	// AppendEvent records one run event.
	AppendEvent(ctx context.Context, ev *EventRecord) error

	// ListEvents returns the events of a run in append order.
	ListEvents(ctx context.Context, runID string) ([]*EventRecord, error)

	// Close releases the store's resources.
	Close() error
}

// CloudRequest is one provider-level mutation the executor dispatches.
type CloudRequest struct {
	// Module and Resource name the logical resource being mutated.
	Module   string `json:"module"`
	Resource string `json:"resource"`

	// Kind is the abstract class of the declaring descriptor.
	Kind Kind `json:"kind"`

	// Backend and Environment select the provider account surface.
	Backend     Backend     `json:"backend"`
	Environment Environment `json:"environment"`

	// Spec is the backend-specific resource spec to realize, with all
	// output references already materialized.
	Spec ResourceSpec `json:"spec"`

	// Properties are the materialized generic properties of the declaring
	// descriptor, for providers that derive settings from them.
	Properties map[string]interface{} `json:"properties"`

	// ResourceID is the provider identifier of the existing resource, set
	// for updates and deletes.
	ResourceID string `json:"resource_id,omitempty"`
}

// CloudResponse is the provider's answer to a mutation.
type CloudResponse struct {
	// ResourceID is the provider identifier of the created or updated
	// resource.
	ResourceID string `json:"resource_id"`

	// Attributes are raw provider attributes of the resource, the source
	// the variant's output mappings read from.
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// CloudAPI is the provisioning surface of one cloud backend account.
// Implementations classify their failures: transient faults return errors
// for which IsTransient is true so the executor can retry them.
type CloudAPI interface {
	// CreateResource provisions a new resource from a spec.
	CreateResource(ctx context.Context, req *CloudRequest) (*CloudResponse, error)

	// UpdateResource mutates an existing resource in place.
	UpdateResource(ctx context.Context, req *CloudRequest) (*CloudResponse, error)

	// DeleteResource tears a resource down. Deleting an already-absent
	// resource succeeds.
	DeleteResource(ctx context.Context, req *CloudRequest) error
}
