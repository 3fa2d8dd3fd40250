package policy

import (
	"time"

	"github.com/openfroyo/focusbridge/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are logged but never block.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the operation.
	SeverityError Severity = "error"

	// SeverityCritical blocks the operation.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies the operation.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code. A policy reports
// findings through the deny and warn sets of its package.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity applies to deny findings that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with focusbridge.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is a single policy finding.
type Violation struct {
	// Policy is the name of the policy that reported the finding.
	Policy string `json:"policy"`

	// Message is a human-readable message.
	Message string `json:"message"`

	// Severity is the finding's severity level.
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy against one
// operation.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists deny findings.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists warn findings and non-blocking deny findings.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of the policies that ran.
	EvaluatedPolicies []string `json:"evaluatedPolicies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	Operation OperationInput `json:"operation"`
	Context   Context        `json:"context"`
}

// OperationInput is the policy view of an engine.Operation.
type OperationInput struct {
	ID               string                 `json:"id,omitempty"`
	EntityClass      string                 `json:"entityClass"`
	Mode             string                 `json:"mode"`
	Mutation         bool                   `json:"mutation"`
	TargetIdentifier string                 `json:"targetIdentifier,omitempty"`
	Fields           []string               `json:"fields"`
	FieldDelta       map[string]interface{} `json:"fieldDelta,omitempty"`
	Escalated        bool                   `json:"escalated"`
	Filtered         bool                   `json:"filtered"`
	Projection       []string               `json:"projection,omitempty"`
	Limit            int                    `json:"limit,omitempty"`
}

// Context carries process-wide facts into the evaluation.
type Context struct {
	ReadOnly  bool      `json:"readOnly"`
	Timestamp time.Time `json:"timestamp"`
}

// NewInput builds the policy input for an operation.
func NewInput(op *engine.Operation, readOnly bool, now time.Time) Input {
	in := OperationInput{
		ID:               op.ID,
		EntityClass:      string(op.EntityClass),
		Mode:             string(op.Mode),
		Mutation:         op.Mode.IsMutation(),
		TargetIdentifier: op.TargetIdentifier,
		Fields:           op.TouchedFields(),
		FieldDelta:       op.FieldDelta,
		Escalated:        op.RequiresEscalation(),
		Filtered:         !op.Predicate.Empty(),
		Projection:       op.Projection,
	}
	if op.Pagination != nil {
		in.Limit = op.Pagination.Limit
	}
	return Input{
		Operation: in,
		Context:   Context{ReadOnly: readOnly, Timestamp: now},
	}
}
