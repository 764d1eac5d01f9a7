// Package engine provides the core types and interfaces for the OpenStrato
// provisioning engine. It defines the declare -> resolve -> plan -> apply
// workflow over backend-agnostic resource descriptors.
package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary provider failure that may succeed on retry.
	// Examples: network timeouts, rate-limit responses from a provisioning API.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a state conflict such as a held deployment lock.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid configuration, policy violations, backend rejections.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ProvisionError represents a classified engine error with module and
// resource context. Every user-visible failure path in the engine surfaces
// one of these so callers always learn which logical resource was involved,
// what action was attempted, and whether state was mutated.
type ProvisionError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Code identifies the error category for programmatic handling.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Module is the logical module involved, if applicable.
	Module string `json:"module,omitempty"`

	// Resource is the logical resource name involved, if applicable.
	Resource string `json:"resource,omitempty"`

	// Action is the action being attempted when the error occurred.
	Action Action `json:"action,omitempty"`

	// StateMutated reports whether any persisted state changed before the failure.
	StateMutated bool `json:"state_mutated"`

	// Err is the underlying error, with the backend's raw diagnostic preserved
	// for provider rejections.
	Err error `json:"-"`

	// Details contains additional context-specific information, such as the
	// full violation list for validation failures.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ProvisionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.Module != "" {
		fmt.Fprintf(&b, " (module=%s", e.Module)
		if e.Resource != "" {
			fmt.Fprintf(&b, ", resource=%s", e.Resource)
		}
		if e.Action != "" {
			fmt.Fprintf(&b, ", action=%s", e.Action)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *ProvisionError) Is(target error) bool {
	t, ok := target.(*ProvisionError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithModule adds module context to an error.
func (e *ProvisionError) WithModule(module string) *ProvisionError {
	e.Module = module
	return e
}

// WithResource adds resource context to an error.
func (e *ProvisionError) WithResource(resource string) *ProvisionError {
	e.Resource = resource
	return e
}

// WithAction adds the attempted action to an error.
func (e *ProvisionError) WithAction(action Action) *ProvisionError {
	e.Action = action
	return e
}

// WithStateMutated marks that persisted state changed before the failure.
func (e *ProvisionError) WithStateMutated() *ProvisionError {
	e.StateMutated = true
	return e
}

// WithDetail adds a detail field to the error context.
func (e *ProvisionError) WithDetail(key string, value interface{}) *ProvisionError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error codes.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeUnsupportedBackend = "UNSUPPORTED_BACKEND"
	ErrCodePolicyViolation    = "POLICY_VIOLATION"
	ErrCodeCyclicDependency   = "CYCLIC_DEPENDENCY"
	ErrCodeReference          = "REFERENCE_ERROR"
	ErrCodeTransientProvider  = "TRANSIENT_PROVIDER_ERROR"
	ErrCodeProvider           = "PROVIDER_ERROR"
	ErrCodePartialApply       = "PARTIAL_APPLY"
	ErrCodeLockContention     = "LOCK_CONTENTION"
	ErrCodeStateCorrupt       = "STATE_CORRUPT"
	ErrCodeReplaceRequired    = "REPLACE_REQUIRED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewValidationError creates a permanent validation error carrying every
// violated constraint, so configuration errors surface in one pass.
func NewValidationError(subject string, violations []string) *ProvisionError {
	return &ProvisionError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeValidation,
		Message: fmt.Sprintf("%s: %d constraint(s) violated: %s", subject, len(violations), strings.Join(violations, "; ")),
		Details: map[string]interface{}{"violations": violations},
	}
}

// NewUnsupportedBackendError reports a (kind, backend) pair with no
// registered variant builder.
func NewUnsupportedBackendError(kind Kind, backend Backend) *ProvisionError {
	return &ProvisionError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeUnsupportedBackend,
		Message: fmt.Sprintf("no variant builder registered for kind %q on backend %q", kind, backend),
	}
}

// NewPolicyViolationError reports a property conflicting with a
// non-overridable policy.
func NewPolicyViolationError(message string) *ProvisionError {
	return &ProvisionError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodePolicyViolation,
		Message: message,
	}
}

// NewCyclicDependencyError reports a dependency cycle, naming the module
// sequence that forms it.
func NewCyclicDependencyError(cycle []string) *ProvisionError {
	return &ProvisionError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeCyclicDependency,
		Message: fmt.Sprintf("cyclic module dependency: %s", strings.Join(cycle, " -> ")),
		Details: map[string]interface{}{"cycle": cycle},
	}
}

// NewReferenceError reports an input binding pointing at a missing module
// or output.
func NewReferenceError(module, binding, reason string) *ProvisionError {
	return &ProvisionError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeReference,
		Message: fmt.Sprintf("unresolvable reference %q: %s", binding, reason),
		Module:  module,
	}
}

// NewTransientProviderError creates a retryable provider error.
func NewTransientProviderError(message string, err error) *ProvisionError {
	return &ProvisionError{
		Class:   ErrorClassTransient,
		Code:    ErrCodeTransientProvider,
		Message: message,
		Err:     err,
	}
}

// NewProviderError creates a non-retryable provider error. The backend's raw
// diagnostic is preserved in the wrapped error.
func NewProviderError(message string, err error) *ProvisionError {
	return &ProvisionError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeProvider,
		Message: message,
		Err:     err,
	}
}

// NewPartialApplyError reports a module apply that left some resources
// behind after a mid-variant failure and an incomplete rollback. The
// remaining backend identifiers are recorded so an operator can intervene.
func NewPartialApplyError(module, resource string, remaining map[string]string, cause error) *ProvisionError {
	return &ProvisionError{
		Class:        ErrorClassPermanent,
		Code:         ErrCodePartialApply,
		Message:      "module apply failed and rollback left resources behind: manual intervention required",
		Module:       module,
		Resource:     resource,
		StateMutated: true,
		Err:          cause,
		Details:      map[string]interface{}{"remaining": remaining},
	}
}

// NewReplaceRequiredError reports a plan whose destructive replace steps
// were not explicitly permitted.
func NewReplaceRequiredError(count int) *ProvisionError {
	return &ProvisionError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeReplaceRequired,
		Message: fmt.Sprintf("plan contains %d replace step(s) that destroy and recreate resources; re-run with replacement explicitly allowed", count),
	}
}

// NewLockContentionError reports that the deployment lock is held by
// another run.
func NewLockContentionError(holder string, err error) *ProvisionError {
	return &ProvisionError{
		Class:   ErrorClassConflict,
		Code:    ErrCodeLockContention,
		Message: fmt.Sprintf("deployment state is locked by %s", holder),
		Err:     err,
	}
}

// NewInternalError creates a permanent internal error.
func NewInternalError(message string, err error) *ProvisionError {
	return &ProvisionError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeInternal,
		Message: message,
		Err:     err,
	}
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *ProvisionError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *ProvisionError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsRetryable returns true if the error can be retried automatically.
// Only transient provider errors are retried; conflicts require the
// competing run to finish and permanent errors require operator action.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// HasCode returns true if the error chain contains a ProvisionError with
// the given code.
func HasCode(err error, code string) bool {
	var e *ProvisionError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
