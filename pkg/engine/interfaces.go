package engine

import (
	"context"
	"encoding/json"
	"time"
)

// QueryPlanner chooses how a read is evaluated by the bridge.
type QueryPlanner interface {
	// Plan selects the query strategy for a predicate over an entity class.
	Plan(class EntityClass, pred *Predicate) (*QueryPlan, error)
}

// Composer builds self-contained bridge scripts.
type Composer interface {
	// Compose builds the script for an operation. plan is nil for mutations.
	// Returns an error with ErrCodeComposition when a parameter cannot be
	// serialized into the script's literal syntax.
	Compose(op *Operation, plan *QueryPlan) (*ScriptArtifact, error)
}

// InnerScripter composes the script that runs inside the target
// application's escalation context.
type InnerScripter interface {
	// InnerScript returns a function expression of one argument, the target
	// identifier, evaluated by the escalation context.
	InnerScript(op *Operation) (string, error)
}

// RunLimits bounds one bridge invocation.
type RunLimits struct {
	Timeout       time.Duration
	MaxScriptSize int
}

// BridgeExecutor runs composed scripts through the automation bridge.
type BridgeExecutor interface {
	// Run spawns exactly one bridge process for the artifact. A non-nil
	// BridgeFailure means no usable output was produced.
	Run(ctx context.Context, artifact *ScriptArtifact, limits RunLimits) (*ExecutionResult, *BridgeFailure)
}

// EscalationReport is the escalation section of a bridge envelope.
type EscalationReport struct {
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// ResultParser decodes bridge output.
type ResultParser interface {
	// Parse classifies an execution result into a typed outcome.
	Parse(res *ExecutionResult) *TypedResult

	// ParseEscalation extracts the escalation report, or nil if the output
	// carries none.
	ParseEscalation(res *ExecutionResult) *EscalationReport
}

// Escalator reconciles an escalation report with the primary outcome.
type Escalator interface {
	InnerScripter

	// Escalate returns the final outcome of a bridge-limited operation.
	Escalate(ctx context.Context, op *Operation, primary *TypedResult, report *EscalationReport) *TypedResult
}

// ResultCache stores read results keyed by canonical signature.
type ResultCache interface {
	// Signature derives the canonical cache key of a read.
	Signature(op *Operation) (string, error)

	// Get returns a fresh entry for the signature.
	Get(signature string) (*TypedResult, bool)

	// Epoch returns the mutation counter of an entity class.
	Epoch(class EntityClass) uint64

	// PutIfCurrent stores the result unless the class was mutated after epoch.
	PutIfCurrent(signature string, class EntityClass, epoch uint64, res *TypedResult) bool

	// Invalidate drops every entry a mutation may have affected and returns
	// the number of entries removed.
	Invalidate(class EntityClass, identifiers []string, fields []string) int

	// SetMaxAge changes the staleness bound.
	SetMaxAge(maxAge time.Duration)
}

// PolicyGate decides whether an operation may run at all.
type PolicyGate interface {
	// Check returns an error with ErrCodePolicyDenied when the operation is denied.
	Check(ctx context.Context, op *Operation) error
}

// Recorder receives engine measurements.
type Recorder interface {
	RecordBridgeCall(entity EntityClass, mode Mode, outcome string, duration time.Duration)
	RecordCacheLookup(entity EntityClass, hit bool)
	RecordInvalidation(entity EntityClass, removed int)
	RecordEscalation(entity EntityClass, outcome string)
	RecordReadRetry(entity EntityClass, reason string)
	RecordError(kind string)
}

type noopRecorder struct{}

func (noopRecorder) RecordBridgeCall(EntityClass, Mode, string, time.Duration) {}
func (noopRecorder) RecordCacheLookup(EntityClass, bool)                       {}
func (noopRecorder) RecordInvalidation(EntityClass, int)                       {}
func (noopRecorder) RecordEscalation(EntityClass, string)                      {}
func (noopRecorder) RecordReadRetry(EntityClass, string)                       {}
func (noopRecorder) RecordError(string)                                        {}
