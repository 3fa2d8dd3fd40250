package engine

import (
	"encoding/json"
	"sort"
	"time"
)

// EntityClass identifies a collection in the target application.
type EntityClass string

const (
	EntityTask    EntityClass = "task"
	EntityProject EntityClass = "project"
	EntityTag     EntityClass = "tag"
	EntityFolder  EntityClass = "folder"
)

// EntityClasses lists every class the engine understands, in a stable order.
var EntityClasses = []EntityClass{EntityTask, EntityProject, EntityTag, EntityFolder}

// Valid reports whether c is a known entity class.
func (c EntityClass) Valid() bool {
	switch c {
	case EntityTask, EntityProject, EntityTag, EntityFolder:
		return true
	}
	return false
}

// Mode is the kind of access an operation performs.
type Mode string

const (
	ModeRead   Mode = "read"
	ModeCreate Mode = "create"
	ModeUpdate Mode = "update"
	ModeDelete Mode = "delete"
)

// IsMutation reports whether the mode writes to the target application.
func (m Mode) IsMutation() bool {
	return m == ModeCreate || m == ModeUpdate || m == ModeDelete
}

// Fields that the primary bridge cannot write on its own.
const (
	FieldTags           = "tags"
	FieldRepetitionRule = "repetitionRule"
)

// Operation is a single request to read or mutate one entity class.
// It is treated as immutable once handed to the engine.
type Operation struct {
	// ID correlates logs, spans and results. Assigned by the engine when empty.
	ID string `json:"id,omitempty"`

	// EntityClass is the collection the operation targets.
	EntityClass EntityClass `json:"entityClass" validate:"required,oneof=task project tag folder"`

	// Mode selects read or one of the mutations.
	Mode Mode `json:"mode" validate:"required,oneof=read create update delete"`

	// Predicate filters a read. Nil matches every entity.
	Predicate *Predicate `json:"predicate,omitempty"`

	// Projection restricts the serialized fields of a read. Empty means all fields.
	Projection []string `json:"projection,omitempty"`

	// Pagination bounds a read.
	Pagination *Pagination `json:"pagination,omitempty"`

	// TargetIdentifier names the entity an update or delete applies to.
	TargetIdentifier string `json:"targetIdentifier,omitempty"`

	// FieldDelta carries the field values for create and update.
	FieldDelta map[string]interface{} `json:"fieldDelta,omitempty"`

	// BridgeLimited routes the operation through the escalation context.
	BridgeLimited bool `json:"bridgeLimited,omitempty"`
}

// Pagination is an offset/limit window over read results.
type Pagination struct {
	Offset int `json:"offset,omitempty" validate:"gte=0"`
	Limit  int `json:"limit,omitempty" validate:"gte=0"`
}

// TouchedFields returns the sorted field names a mutation writes.
func (o *Operation) TouchedFields() []string {
	fields := make([]string, 0, len(o.FieldDelta))
	for k := range o.FieldDelta {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// RequiresEscalation reports whether the operation must run through the
// escalation context, either because the caller flagged it or because its
// delta touches fields the primary bridge cannot write.
func (o *Operation) RequiresEscalation() bool {
	if o.BridgeLimited {
		return true
	}
	if o.Mode != ModeCreate && o.Mode != ModeUpdate {
		return false
	}
	_, tags := o.FieldDelta[FieldTags]
	_, rule := o.FieldDelta[FieldRepetitionRule]
	return tags || rule
}

// ScriptArtifact is a composed script ready for the bridge. Parameter values
// are embedded by value, so an artifact is never reused across operations.
type ScriptArtifact struct {
	// Source is the complete script text.
	Source string

	// Size is len(Source) in bytes.
	Size int

	// Escalated is set when the script embeds an escalation call.
	Escalated bool

	// Plan is the query plan the script implements, for reads.
	Plan *QueryPlan
}

// ExecutionResult is the raw outcome of one bridge process.
type ExecutionResult struct {
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
}

// BridgeFailureKind classifies infrastructure-level failures.
type BridgeFailureKind string

const (
	FailureTimeout         BridgeFailureKind = "timeout"
	FailureOversizedScript BridgeFailureKind = "oversized_script"
	FailureSyntax          BridgeFailureKind = "syntax"
	FailureMalformedOutput BridgeFailureKind = "malformed_output"
	FailureRuntime         BridgeFailureKind = "runtime"
	FailureCancelled       BridgeFailureKind = "cancelled"
)

// Retryable reports whether a read that failed this way may be retried.
// Only timeouts and garbled output are worth another spawn; every other kind
// fails the same way again or was abandoned by its caller.
func (k BridgeFailureKind) Retryable() bool {
	switch k {
	case FailureTimeout, FailureMalformedOutput:
		return true
	}
	return false
}

// BridgeFailure is the bridge-level error variant of a TypedResult.
type BridgeFailure struct {
	Kind    BridgeFailureKind `json:"kind"`
	Message string            `json:"message"`
}

// ApplicationErrorKind classifies errors reported by the target application.
type ApplicationErrorKind string

const (
	// AppErrorDeclared is an error the script caught and reported in its envelope.
	AppErrorDeclared ApplicationErrorKind = "declared"

	// AppErrorTypeMismatch is the null-versus-absent comparison failure class.
	// Callers may fall back to a scan-filtered query.
	AppErrorTypeMismatch ApplicationErrorKind = "type_mismatch"
)

// ApplicationError is the domain-level error variant of a TypedResult.
type ApplicationError struct {
	Kind    ApplicationErrorKind `json:"kind"`
	Message string               `json:"message"`
	Code    int                  `json:"code,omitempty"`
}

// Success is the success variant of a TypedResult.
type Success struct {
	Payload json.RawMessage `json:"payload"`
}

// PartialApplication reports a primary write that landed (or may have)
// while the escalation step could not be confirmed. Never retried.
type PartialApplication struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message"`
}

// ResultKind names the populated variant of a TypedResult.
type ResultKind string

const (
	ResultSuccess            ResultKind = "success"
	ResultApplicationError   ResultKind = "application_error"
	ResultBridgeFailure      ResultKind = "bridge_failure"
	ResultPartialApplication ResultKind = "partial_application"
	resultInvalid            ResultKind = ""
)

// TypedResult is the tagged outcome of an operation. Exactly one variant is set.
type TypedResult struct {
	Success     *Success            `json:"success,omitempty"`
	AppError    *ApplicationError   `json:"application_error,omitempty"`
	Failure     *BridgeFailure      `json:"bridge_failure,omitempty"`
	Partial     *PartialApplication `json:"partial_application,omitempty"`
	OperationID string              `json:"operation_id,omitempty"`
}

// NewSuccess builds a success result.
func NewSuccess(payload json.RawMessage) *TypedResult {
	return &TypedResult{Success: &Success{Payload: payload}}
}

// NewApplicationError builds an application error result.
func NewApplicationError(kind ApplicationErrorKind, message string, code int) *TypedResult {
	return &TypedResult{AppError: &ApplicationError{Kind: kind, Message: message, Code: code}}
}

// NewBridgeFailure builds a bridge failure result.
func NewBridgeFailure(kind BridgeFailureKind, message string) *TypedResult {
	return &TypedResult{Failure: &BridgeFailure{Kind: kind, Message: message}}
}

// NewPartialApplication builds a partial application result.
func NewPartialApplication(payload json.RawMessage, message string) *TypedResult {
	return &TypedResult{Partial: &PartialApplication{Payload: payload, Message: message}}
}

// Kind returns the populated variant, or an empty kind when the invariant is broken.
func (r *TypedResult) Kind() ResultKind {
	if r == nil {
		return resultInvalid
	}
	kind, n := resultInvalid, 0
	if r.Success != nil {
		kind, n = ResultSuccess, n+1
	}
	if r.AppError != nil {
		kind, n = ResultApplicationError, n+1
	}
	if r.Failure != nil {
		kind, n = ResultBridgeFailure, n+1
	}
	if r.Partial != nil {
		kind, n = ResultPartialApplication, n+1
	}
	if n != 1 {
		return resultInvalid
	}
	return kind
}

// Valid reports whether exactly one variant is populated.
func (r *TypedResult) Valid() bool {
	return r.Kind() != resultInvalid
}

// IsSuccess reports whether the result is the success variant.
func (r *TypedResult) IsSuccess() bool {
	return r.Kind() == ResultSuccess
}

// Retryable reports whether a read that produced r may be retried.
func (r *TypedResult) Retryable() bool {
	return r.Kind() == ResultBridgeFailure && r.Failure.Kind.Retryable()
}

// Label is a short, low-cardinality description for logs and metrics.
func (r *TypedResult) Label() string {
	switch r.Kind() {
	case ResultBridgeFailure:
		return string(ResultBridgeFailure) + ":" + string(r.Failure.Kind)
	case ResultApplicationError:
		return string(ResultApplicationError) + ":" + string(r.AppError.Kind)
	case resultInvalid:
		return "invalid"
	default:
		return string(r.Kind())
	}
}
