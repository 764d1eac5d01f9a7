// Package policy provides Rego-based policy evaluation for OpenStrato
// deployments using Open Policy Agent.
//
// Policies are evaluated at two points: against declared resource
// descriptors during validation, and against a computed plan before apply.
// Each policy is a Rego module whose deny set yields violations:
//
//	package openstrato.policies.example
//
//	import rego.v1
//
//	deny contains violation if {
//		input.descriptor
//		d := input.descriptor
//		d.kind == "object_store"
//		d.properties.versioning == false
//		violation := {
//			"message": sprintf("Bucket %s should enable versioning", [d.name]),
//			"severity": "warning",
//			"resource": d.name,
//		}
//	}
//
// The input document carries either a descriptor (module name, resource
// name, kind, properties) or a plan (steps with module, resource, action),
// plus a context with the environment class, backend, and operation.
//
// # Built-in policies
//
// Four policies ship built in:
//
//   - restricted-classification: restricted resources may never be publicly
//     accessible (critical, blocks the operation)
//   - production-hardening: reports production resources relying on
//     resolver-applied encryption and deletion-protection overrides
//   - replica-minimums: node-count and replication minimums for production
//   - destructive-plan: flags destroy and replace steps in production plans
//
// Severity error and critical block the operation; warning and info are
// reported but allowed.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	result, err := eng.EvaluateModules(ctx, modules, backend, environment)
//	if err := result.Err(); err != nil {
//		// classified engine.ProvisionError with code POLICY_VIOLATION
//	}
//
// Additional .rego or .json policy files load via LoadPolicies; the Loader
// supports hot reloading through fsnotify file watching.
package policy
