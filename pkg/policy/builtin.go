package policy

// Names of the built-in policies.
const (
	PolicyReadOnly       = "read-only"
	PolicyMutationTarget = "mutation-target"
	PolicyUnboundedRead  = "unbounded-read"
	PolicyEscalation     = "escalation-notice"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		readOnlyPolicy(),
		mutationTargetPolicy(),
		unboundedReadPolicy(),
		escalationPolicy(),
	}
}

// readOnlyPolicy denies every mutation while read-only mode is on.
func readOnlyPolicy() Policy {
	return Policy{
		Name:        PolicyReadOnly,
		Description: "Denies create, update and delete while read-only mode is enabled",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package focusbridge.policies.readonly

import rego.v1

deny contains violation if {
	input.context.readOnly
	input.operation.mutation
	violation := {
		"message": sprintf("%s of %s denied: read-only mode is enabled", [input.operation.mode, input.operation.entityClass]),
		"severity": "error",
	}
}
`,
	}
}

// mutationTargetPolicy denies updates and deletes that do not name the
// entity they apply to.
func mutationTargetPolicy() Policy {
	return Policy{
		Name:        PolicyMutationTarget,
		Description: "Updates and deletes must name a target identifier",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Rego: `package focusbridge.policies.target

import rego.v1

deny contains violation if {
	input.operation.mode in {"update", "delete"}
	not input.operation.targetIdentifier
	violation := {
		"message": sprintf("%s of %s without a target identifier", [input.operation.mode, input.operation.entityClass]),
		"severity": "critical",
	}
}
`,
	}
}

// unboundedReadPolicy flags reads that enumerate a whole collection.
func unboundedReadPolicy() Policy {
	return Policy{
		Name:        PolicyUnboundedRead,
		Description: "Warns about reads with neither a filter nor a limit",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package focusbridge.policies.reads

import rego.v1

warn contains msg if {
	input.operation.mode == "read"
	not input.operation.filtered
	not input.operation.limit
	msg := sprintf("read of every %s; consider a predicate or a limit", [input.operation.entityClass])
}
`,
	}
}

// escalationPolicy notes operations that run through the escalation context.
func escalationPolicy() Policy {
	return Policy{
		Name:        PolicyEscalation,
		Description: "Notes mutations of fields only the escalation context can write",
		Severity:    SeverityInfo,
		Enabled:     true,
		Builtin:     true,
		Rego: `package focusbridge.policies.escalation

import rego.v1

limited := {"tags", "repetitionRule"}

warn contains msg if {
	input.operation.mutation
	some field in input.operation.fields
	field in limited
	msg := sprintf("%s of %s writes %s through the escalation context", [input.operation.mode, input.operation.entityClass, field])
}
`,
	}
}
