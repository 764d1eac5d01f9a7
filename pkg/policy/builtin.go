package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		restrictedClassificationPolicy(),
		productionHardeningPolicy(),
		replicaMinimumsPolicy(),
		destructivePlanPolicy(),
	}
}

// restrictedClassificationPolicy blocks public exposure of restricted data.
// This rule has no override; the resolver enforces it too, and the two must
// agree.
func restrictedClassificationPolicy() Policy {
	return Policy{
		Name:        "restricted-classification",
		Description: "Resources classified as restricted may never be publicly accessible",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"classification", "security"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package openstrato.policies.classification

import rego.v1

deny contains violation if {
	input.descriptor
	d := input.descriptor

	d.properties.classification == "restricted"
	d.properties.public_access == true

	violation := {
		"message": sprintf("Resource %s is classified restricted and must not enable public_access", [d.name]),
		"severity": "critical",
		"resource": d.name,
		"remediation": "Set public_access to false or lower the classification",
	}
}

deny contains violation if {
	input.descriptor
	d := input.descriptor

	d.kind == "cluster"
	d.properties.classification == "restricted"
	d.properties.public_endpoint == true

	violation := {
		"message": sprintf("Cluster %s is classified restricted and must not expose a public endpoint", [d.name]),
		"severity": "critical",
		"resource": d.name,
		"remediation": "Set public_endpoint to false or lower the classification",
	}
}`,
	}
}

// productionHardeningPolicy surfaces production defaults the resolver will
// override, so operators see what changed and why.
func productionHardeningPolicy() Policy {
	return Policy{
		Name:        "production-hardening",
		Description: "Reports production resources that rely on resolver-applied hardening overrides",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"production", "hardening"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package openstrato.policies.hardening

import rego.v1

encrypted_kinds := ["relational_db", "cache", "object_store"]

deny contains violation if {
	input.context.environment == "production"
	input.descriptor
	d := input.descriptor

	some kind in encrypted_kinds
	d.kind == kind
	d.properties.encryption == false

	violation := {
		"message": sprintf("Production %s %s declares encryption disabled; the resolver will force it on", [d.kind, d.name]),
		"severity": "warning",
		"resource": d.name,
		"remediation": "Declare encryption: true to match the applied configuration",
	}
}

deny contains violation if {
	input.context.environment == "production"
	input.descriptor
	d := input.descriptor

	d.kind == "relational_db"
	d.properties.deletion_protection == false

	violation := {
		"message": sprintf("Production database %s declares deletion_protection disabled; the resolver will force it on", [d.name]),
		"severity": "warning",
		"resource": d.name,
		"remediation": "Declare deletion_protection: true to match the applied configuration",
	}
}

deny contains violation if {
	input.context.environment == "production"
	input.descriptor
	d := input.descriptor

	d.kind == "relational_db"
	d.properties.backup_retention < 14

	violation := {
		"message": sprintf("Production database %s declares backup_retention below 14 days; the resolver will raise it", [d.name]),
		"severity": "warning",
		"resource": d.name,
	}
}`,
	}
}

// replicaMinimumsPolicy enforces replica minimums per environment class.
func replicaMinimumsPolicy() Policy {
	return Policy{
		Name:        "replica-minimums",
		Description: "Enforces replica and node-count minimums for production workloads",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"production", "availability"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package openstrato.policies.replicas

import rego.v1

deny contains violation if {
	input.context.environment == "production"
	input.descriptor
	d := input.descriptor

	d.kind == "cluster"
	d.properties.node_count < 3

	violation := {
		"message": sprintf("Production cluster %s declares %d nodes; at least 3 are required for availability", [d.name, d.properties.node_count]),
		"severity": "warning",
		"resource": d.name,
	}
}

deny contains violation if {
	input.context.environment == "production"
	input.descriptor
	d := input.descriptor

	d.kind == "relational_db"
	d.properties.replication == false

	violation := {
		"message": sprintf("Production database %s has replication disabled; a standby replica is recommended", [d.name]),
		"severity": "warning",
		"resource": d.name,
		"remediation": "Set replication: true",
	}
}`,
	}
}

// destructivePlanPolicy reviews plans with destructive steps.
func destructivePlanPolicy() Policy {
	return Policy{
		Name:        "destructive-plan",
		Description: "Flags plans that destroy or replace resources in production",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"operations", "safety", "production"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package openstrato.policies.operations

import rego.v1

deny contains violation if {
	input.plan
	input.context.environment == "production"
	some step in input.plan.steps

	step.action == "destroy"

	violation := {
		"message": sprintf("Plan destroys %s.%s in production; review before applying", [step.module, step.resource]),
		"severity": "warning",
		"module": step.module,
		"resource": step.resource,
	}
}

deny contains violation if {
	input.plan
	input.context.environment == "production"
	some step in input.plan.steps

	step.action == "replace"

	violation := {
		"message": sprintf("Plan replaces %s.%s in production, destroying the existing resource; review before applying", [step.module, step.resource]),
		"severity": "warning",
		"module": step.module,
		"resource": step.resource,
	}
}

# Large destroy batches deserve a second look in any environment.
deny contains violation if {
	input.plan

	destroy_count := count([s |
		some s in input.plan.steps
		s.action == "destroy"
	])

	destroy_count > 5

	violation := {
		"message": sprintf("Plan will destroy %d resources - please review carefully", [destroy_count]),
		"severity": "warning",
	}
}`,
	}
}
