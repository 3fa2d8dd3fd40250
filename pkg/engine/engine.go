package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Limits are the hot-reloadable bounds of the engine.
type Limits struct {
	BridgeTimeout time.Duration
	MaxScriptSize int
	CacheMaxAge   time.Duration
}

// RetryPolicy governs retries of reads that failed with a retryable bridge failure.
// Mutations are never retried.
type RetryPolicy struct {
	ReadRetries    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Options wires the engine's collaborators.
type Options struct {
	Planner   QueryPlanner
	Composer  Composer
	Executor  BridgeExecutor
	Parser    ResultParser
	Escalator Escalator

	// Cache is optional; without it every read reaches the bridge.
	Cache ResultCache

	// Policy is optional.
	Policy PolicyGate

	// Recorder is optional.
	Recorder Recorder

	Logger zerolog.Logger
	Limits Limits
	Retry  RetryPolicy
}

// Engine is the automation execution and consistency engine.
// Execute is safe for concurrent use.
type Engine struct {
	planner   QueryPlanner
	composer  Composer
	executor  BridgeExecutor
	parser    ResultParser
	escalator Escalator
	cache     ResultCache
	policy    PolicyGate
	recorder  Recorder
	logger    zerolog.Logger
	retry     RetryPolicy
	validate  *validator.Validate
	tracer    trace.Tracer

	limits atomic.Pointer[Limits]
	reads  singleflight.Group

	flightsMu sync.Mutex
	flights   map[string]*readFlight
}

// readFlight is the context shared by the callers of one coalesced read.
// It is cancelled when the last of them stops waiting.
type readFlight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

var errRetryableRead = errors.New("retryable read failure")

// New creates an engine from its collaborators.
func New(opts Options) (*Engine, error) {
	if opts.Planner == nil || opts.Composer == nil || opts.Executor == nil || opts.Parser == nil || opts.Escalator == nil {
		return nil, NewPermanentError("planner, composer, executor, parser and escalator are required", nil).
			WithCode(ErrCodeValidation)
	}
	if err := validateLimits(opts.Limits); err != nil {
		return nil, err
	}

	e := &Engine{
		planner:   opts.Planner,
		composer:  opts.Composer,
		executor:  opts.Executor,
		parser:    opts.Parser,
		escalator: opts.Escalator,
		cache:     opts.Cache,
		policy:    opts.Policy,
		recorder:  opts.Recorder,
		logger:    opts.Logger.With().Str("component", "engine").Logger(),
		retry:     opts.Retry,
		validate:  validator.New(),
		tracer:    otel.Tracer("github.com/openfroyo/focusbridge/pkg/engine"),
		flights:   make(map[string]*readFlight),
	}
	if e.recorder == nil {
		e.recorder = noopRecorder{}
	}
	e.UpdateLimits(opts.Limits)
	return e, nil
}

func validateLimits(l Limits) error {
	if l.BridgeTimeout <= 0 || l.MaxScriptSize <= 0 || l.CacheMaxAge < 0 {
		return NewPermanentError(fmt.Sprintf("invalid limits: timeout=%s maxScriptSize=%d cacheMaxAge=%s",
			l.BridgeTimeout, l.MaxScriptSize, l.CacheMaxAge), nil).WithCode(ErrCodeValidation)
	}
	return nil
}

// Limits returns the bounds currently in force.
func (e *Engine) Limits() Limits {
	return *e.limits.Load()
}

// UpdateLimits replaces the engine bounds. Invalid limits are ignored and logged.
func (e *Engine) UpdateLimits(l Limits) {
	if err := validateLimits(l); err != nil {
		e.logger.Warn().Err(err).Msg("ignoring invalid limits")
		return
	}
	e.limits.Store(&l)
	if e.cache != nil {
		e.cache.SetMaxAge(l.CacheMaxAge)
	}
	e.logger.Debug().
		Dur("bridge_timeout", l.BridgeTimeout).
		Int("max_script_size", l.MaxScriptSize).
		Dur("cache_max_age", l.CacheMaxAge).
		Msg("limits updated")
}

// Execute runs one operation through the pipeline. The returned error is
// reserved for caller bugs (invalid operations, unserializable parameters,
// policy denials) and is never worth retrying; every bridge outcome is
// reported through the TypedResult.
func (e *Engine) Execute(ctx context.Context, op Operation) (*TypedResult, error) {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}

	ctx, span := e.tracer.Start(ctx, "engine.execute", trace.WithAttributes(
		attribute.String("operation.id", op.ID),
		attribute.String("operation.entity", string(op.EntityClass)),
		attribute.String("operation.mode", string(op.Mode)),
		attribute.Bool("operation.escalated", op.RequiresEscalation()),
	))
	defer span.End()

	logger := e.logger.With().
		Str("operation_id", op.ID).
		Str("entity", string(op.EntityClass)).
		Str("mode", string(op.Mode)).
		Logger()

	res, err := e.execute(ctx, &op, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var ee *EngineError
		if errors.As(err, &ee) && ee.Code != "" {
			e.recorder.RecordError(ee.Code)
		}
		logger.Warn().Err(err).Msg("operation rejected")
		return nil, err
	}

	res.OperationID = op.ID
	span.SetAttributes(attribute.String("result.kind", res.Label()))
	if res.IsSuccess() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, res.Label())
		e.recorder.RecordError(res.Label())
	}
	logger.Debug().Str("result", res.Label()).Msg("operation finished")
	return res, nil
}

func (e *Engine) execute(ctx context.Context, op *Operation, logger zerolog.Logger) (*TypedResult, error) {
	if err := e.validateOperation(op); err != nil {
		return nil, err
	}
	if e.policy != nil {
		if err := e.policy.Check(ctx, op); err != nil {
			return nil, err
		}
	}
	if op.Mode == ModeRead {
		return e.read(ctx, op, logger)
	}
	return e.mutate(ctx, op, logger)
}

// Prepare validates, checks and composes an operation without running it.
// The artifact's Plan is set for reads.
func (e *Engine) Prepare(ctx context.Context, op Operation) (*ScriptArtifact, error) {
	if err := e.validateOperation(&op); err != nil {
		return nil, err
	}
	if e.policy != nil {
		if err := e.policy.Check(ctx, &op); err != nil {
			return nil, err
		}
	}

	var plan *QueryPlan
	if op.Mode == ModeRead {
		var err error
		if plan, err = e.planner.Plan(op.EntityClass, op.Predicate); err != nil {
			return nil, withOperation(err, &op)
		}
	}
	return e.compose(ctx, &op, plan)
}

func (e *Engine) validateOperation(op *Operation) error {
	invalid := func(msg string, err error) error {
		return NewPermanentError(msg, err).
			WithCode(ErrCodeValidation).
			WithEntity(op.EntityClass).
			WithOperation(op.ID)
	}

	if err := e.validate.Struct(op); err != nil {
		return invalid("invalid operation", err)
	}

	switch op.Mode {
	case ModeRead:
		if len(op.FieldDelta) > 0 {
			return invalid("reads do not take a field delta", nil)
		}
		if op.RequiresEscalation() && op.TargetIdentifier == "" {
			return invalid("re-affirmation reads need a target identifier", nil)
		}
		if !op.RequiresEscalation() && op.TargetIdentifier != "" {
			return invalid("reads select by predicate; use an id clause instead of a target identifier", nil)
		}
	case ModeCreate:
		if len(op.FieldDelta) == 0 {
			return invalid("create needs a field delta", nil)
		}
	case ModeUpdate:
		if op.TargetIdentifier == "" {
			return invalid("update needs a target identifier", nil)
		}
		if len(op.FieldDelta) == 0 {
			return invalid("update needs a field delta", nil)
		}
	case ModeDelete:
		if op.TargetIdentifier == "" {
			return invalid("delete needs a target identifier", nil)
		}
	}

	for _, f := range op.Projection {
		if _, ok := LookupField(op.EntityClass, f); !ok {
			return invalid(fmt.Sprintf("unknown projection field %q", f), nil)
		}
	}
	for field := range op.FieldDelta {
		if field == "id" {
			return invalid("the id field is assigned by the application", nil)
		}
		spec, ok := LookupField(op.EntityClass, field)
		if !ok {
			return invalid(fmt.Sprintf("unknown field %q", field), nil)
		}
		if spec.ReadOnly {
			return invalid(fmt.Sprintf("field %q is read-only", field), nil)
		}
	}
	return nil
}

func (e *Engine) read(ctx context.Context, op *Operation, logger zerolog.Logger) (*TypedResult, error) {
	plan, err := e.planner.Plan(op.EntityClass, op.Predicate)
	if err != nil {
		return nil, withOperation(err, op)
	}
	logger.Debug().Str("strategy", string(plan.Strategy)).Str("reason", plan.Reason).Msg("query planned")

	artifact, err := e.compose(ctx, op, plan)
	if err != nil {
		return nil, err
	}

	// Re-affirmation reads exist to observe fresh state: never cached.
	if e.cache == nil || artifact.Escalated {
		return e.readWithRetry(ctx, op, artifact, logger), nil
	}

	sig, err := e.cache.Signature(op)
	if err != nil {
		return nil, NewCompositionError("cannot derive cache signature", err).
			WithEntity(op.EntityClass).
			WithOperation(op.ID)
	}
	if cached, ok := e.cache.Get(sig); ok {
		e.recorder.RecordCacheLookup(op.EntityClass, true)
		logger.Debug().Str("signature", sig).Msg("cache hit")
		return cached.clone(), nil
	}
	e.recorder.RecordCacheLookup(op.EntityClass, false)

	// Reads only coalesce within one epoch: a read issued after a mutation
	// must not join a flight that started before it.
	epoch := e.cache.Epoch(op.EntityClass)
	key := sig + "@" + strconv.FormatUint(epoch, 10)
	flight := e.joinFlight(ctx, key)
	defer e.leaveFlight(key, flight)

	ch := e.reads.DoChan(key, func() (interface{}, error) {
		res := e.readWithRetry(flight.ctx, op, artifact, logger)
		if res.IsSuccess() && !e.cache.PutIfCurrent(sig, op.EntityClass, epoch, res) {
			logger.Debug().Str("signature", sig).Msg("discarding read overtaken by a mutation")
		}
		return res, nil
	})

	select {
	case <-ctx.Done():
		return NewBridgeFailure(FailureCancelled, ctx.Err().Error()), nil
	case r := <-ch:
		return r.Val.(*TypedResult).clone(), nil
	}
}

// joinFlight registers a waiter on the flight for key, creating it if needed.
// The flight context outlives any one caller but keeps its values.
func (e *Engine) joinFlight(ctx context.Context, key string) *readFlight {
	e.flightsMu.Lock()
	defer e.flightsMu.Unlock()

	f, ok := e.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &readFlight{ctx: fctx, cancel: cancel}
		e.flights[key] = f
	}
	f.waiters++
	return f
}

// leaveFlight drops a waiter. The last one out cancels the flight, which
// terminates a bridge process nobody is waiting for, and makes the next
// caller start a fresh read.
func (e *Engine) leaveFlight(key string, f *readFlight) {
	e.flightsMu.Lock()
	defer e.flightsMu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if e.flights[key] == f {
		delete(e.flights, key)
	}
	e.reads.Forget(key)
}

func (e *Engine) readWithRetry(ctx context.Context, op *Operation, artifact *ScriptArtifact, logger zerolog.Logger) *TypedResult {
	var res *TypedResult
	attempt := 0

	policy := backoff.NewExponentialBackOff()
	if e.retry.InitialBackoff > 0 {
		policy.InitialInterval = e.retry.InitialBackoff
	}
	if e.retry.MaxBackoff > 0 {
		policy.MaxInterval = e.retry.MaxBackoff
	}
	retries := e.retry.ReadRetries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx)

	_ = backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			e.recorder.RecordReadRetry(op.EntityClass, res.Label())
			logger.Info().Int("attempt", attempt).Str("previous", res.Label()).Msg("retrying read")
		}
		res = e.runArtifact(ctx, op, artifact, logger)
		if res.Retryable() {
			return errRetryableRead
		}
		return nil
	}, b)

	if res == nil {
		return NewBridgeFailure(FailureCancelled, "read cancelled before the bridge was invoked")
	}
	return res
}

func (e *Engine) mutate(ctx context.Context, op *Operation, logger zerolog.Logger) (*TypedResult, error) {
	artifact, err := e.compose(ctx, op, nil)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, 2)
	if op.TargetIdentifier != "" {
		ids = append(ids, op.TargetIdentifier)
	}
	fields := op.TouchedFields()
	if op.Mode == ModeCreate {
		// A new entity changes existence as well as the fields it sets.
		fields = append(fields, "")
	}

	// Invalidate at mutation time, before the write can land, and again once
	// the outcome is known, whatever it is: a failed or timed-out mutation may
	// still have been applied.
	e.invalidate(op, ids, fields, logger)
	res := e.runArtifact(ctx, op, artifact, logger)
	if id := payloadID(res); id != "" && id != op.TargetIdentifier {
		ids = append(ids, id)
	}
	e.invalidate(op, ids, fields, logger)

	if res.Kind() == ResultPartialApplication {
		logger.Warn().Str("reason", res.Partial.Message).Msg("mutation partially applied")
	}
	return res, nil
}

func (e *Engine) invalidate(op *Operation, ids, fields []string, logger zerolog.Logger) {
	if e.cache == nil {
		return
	}
	removed := e.cache.Invalidate(op.EntityClass, ids, fields)
	e.recorder.RecordInvalidation(op.EntityClass, removed)
	logger.Debug().Strs("identifiers", ids).Strs("fields", fields).Int("removed", removed).Msg("cache invalidated")
}

func (e *Engine) compose(ctx context.Context, op *Operation, plan *QueryPlan) (*ScriptArtifact, error) {
	_, span := e.tracer.Start(ctx, "script.compose")
	defer span.End()

	artifact, err := e.composer.Compose(op, plan)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, withOperation(err, op)
	}
	span.SetAttributes(attribute.Int("script.size", artifact.Size))
	return artifact, nil
}

// runArtifact executes one composed script and reduces it to a typed outcome.
func (e *Engine) runArtifact(ctx context.Context, op *Operation, artifact *ScriptArtifact, logger zerolog.Logger) *TypedResult {
	limits := e.Limits()

	ctx, span := e.tracer.Start(ctx, "bridge.run", trace.WithAttributes(
		attribute.Int("script.size", artifact.Size),
		attribute.Bool("script.escalated", artifact.Escalated),
	))
	defer span.End()

	started := time.Now()
	execRes, failure := e.executor.Run(ctx, artifact, RunLimits{
		Timeout:       limits.BridgeTimeout,
		MaxScriptSize: limits.MaxScriptSize,
	})

	var res *TypedResult
	if failure != nil {
		res = &TypedResult{Failure: failure}
	} else {
		res = e.parser.Parse(execRes)
		if artifact.Escalated {
			report := e.parser.ParseEscalation(execRes)
			escCtx, escSpan := e.tracer.Start(ctx, "escalation.reconcile",
				trace.WithAttributes(attribute.Bool("escalation.reported", report != nil)))
			res = e.escalator.Escalate(escCtx, op, res, report)
			escSpan.SetAttributes(attribute.String("result.kind", res.Label()))
			escSpan.End()
			e.recorder.RecordEscalation(op.EntityClass, res.Label())
		}
	}

	duration := time.Since(started)
	e.recorder.RecordBridgeCall(op.EntityClass, op.Mode, res.Label(), duration)
	span.SetAttributes(attribute.String("result.kind", res.Label()))

	event := logger.Debug()
	if !res.IsSuccess() {
		event = logger.Warn()
	}
	event.Str("result", res.Label()).Dur("duration", duration).Int("script_size", artifact.Size).Msg("bridge call completed")
	return res
}

func withOperation(err error, op *Operation) error {
	var ee *EngineError
	if errors.As(err, &ee) {
		if ee.Entity == "" {
			ee.Entity = op.EntityClass
		}
		if ee.Operation == "" {
			ee.Operation = op.ID
		}
		return ee
	}
	return NewPermanentError("operation failed", err).WithEntity(op.EntityClass).WithOperation(op.ID)
}

// payloadID extracts the identifier of the entity a successful or partial
// mutation reports.
func payloadID(res *TypedResult) string {
	var raw json.RawMessage
	switch res.Kind() {
	case ResultSuccess:
		raw = res.Success.Payload
	case ResultPartialApplication:
		raw = res.Partial.Payload
	default:
		return ""
	}
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	return head.ID
}

// clone returns a shallow copy so callers sharing a cached or coalesced
// result can annotate it independently.
func (r *TypedResult) clone() *TypedResult {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}
