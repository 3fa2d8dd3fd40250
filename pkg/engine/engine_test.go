package engine_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/focusbridge/pkg/cache"
	"github.com/openfroyo/focusbridge/pkg/engine"
)

// fakeComposer encodes the operation into the script text so the fake
// executor can answer per operation.
type fakeComposer struct{}

func (fakeComposer) Compose(op *engine.Operation, plan *engine.QueryPlan) (*engine.ScriptArtifact, error) {
	src := string(op.Mode) + " " + string(op.EntityClass) + " " + op.TargetIdentifier
	return &engine.ScriptArtifact{Source: src, Size: len(src), Escalated: op.RequiresEscalation(), Plan: plan}, nil
}

type handler func(ctx context.Context, call int, artifact *engine.ScriptArtifact) (*engine.ExecutionResult, *engine.BridgeFailure)

type fakeExecutor struct {
	mu      sync.Mutex
	calls   []string
	limits  []engine.RunLimits
	handler handler
}

func (f *fakeExecutor) Run(ctx context.Context, artifact *engine.ScriptArtifact, limits engine.RunLimits) (*engine.ExecutionResult, *engine.BridgeFailure) {
	f.mu.Lock()
	f.calls = append(f.calls, artifact.Source)
	f.limits = append(f.limits, limits)
	n := len(f.calls)
	f.mu.Unlock()

	if f.handler != nil {
		return f.handler(ctx, n, artifact)
	}
	return &engine.ExecutionResult{Stdout: `[]`}, nil
}

func (f *fakeExecutor) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// fakeParser treats stdout as the payload, "error:" prefixed stdout as a
// declared error, and stderr as the escalation report.
type fakeParser struct{}

func (fakeParser) Parse(res *engine.ExecutionResult) *engine.TypedResult {
	if msg, ok := strings.CutPrefix(res.Stdout, "error:"); ok {
		return engine.NewApplicationError(engine.AppErrorDeclared, msg, 0)
	}
	return engine.NewSuccess(json.RawMessage(res.Stdout))
}

func (fakeParser) ParseEscalation(res *engine.ExecutionResult) *engine.EscalationReport {
	if res.Stderr == "" {
		return nil
	}
	var r engine.EscalationReport
	if err := json.Unmarshal([]byte(res.Stderr), &r); err != nil {
		return nil
	}
	return &r
}

type fakeEscalator struct{}

func (fakeEscalator) InnerScript(op *engine.Operation) (string, error) { return "(id) => {}", nil }

func (fakeEscalator) Escalate(_ context.Context, _ *engine.Operation, primary *engine.TypedResult, report *engine.EscalationReport) *engine.TypedResult {
	if !primary.IsSuccess() {
		return primary
	}
	if report == nil || !report.OK {
		return engine.NewPartialApplication(primary.Success.Payload, "escalation failed")
	}
	return engine.NewSuccess(report.Payload)
}

type denyMutations struct{}

func (denyMutations) Check(_ context.Context, op *engine.Operation) error {
	if op.Mode.IsMutation() {
		return engine.NewPermanentError("read-only", nil).WithCode(engine.ErrCodePolicyDenied)
	}
	return nil
}

var testLimits = engine.Limits{
	BridgeTimeout: 2 * time.Second,
	MaxScriptSize: 1 << 16,
	CacheMaxAge:   time.Minute,
}

func newTestEngine(t *testing.T, exec *fakeExecutor, mutate func(*engine.Options)) (*engine.Engine, *cache.Manager) {
	t.Helper()
	c := cache.NewManager(testLimits.CacheMaxAge)
	opts := engine.Options{
		Planner:   engine.NewPlanner(),
		Composer:  fakeComposer{},
		Executor:  exec,
		Parser:    fakeParser{},
		Escalator: fakeEscalator{},
		Cache:     c,
		Logger:    zerolog.Nop(),
		Limits:    testLimits,
		Retry:     engine.RetryPolicy{ReadRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := engine.New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e, c
}

func readTasks() engine.Operation {
	return engine.Operation{
		EntityClass: engine.EntityTask,
		Mode:        engine.ModeRead,
		Predicate:   &engine.Predicate{Clauses: []engine.Clause{{Field: "flagged", Op: engine.OpEq, Value: true}}},
	}
}

func mustExecute(t *testing.T, e *engine.Engine, op engine.Operation) *engine.TypedResult {
	t.Helper()
	res, err := e.Execute(context.Background(), op)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.Valid() {
		t.Fatalf("Execute() returned an invalid result: %+v", res)
	}
	if res.OperationID == "" {
		t.Fatal("result without an operation id")
	}
	return res
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := engine.New(engine.Options{Limits: testLimits}); !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("New() without collaborators error = %v", err)
	}

	_, err := engine.New(engine.Options{
		Planner: engine.NewPlanner(), Composer: fakeComposer{}, Executor: &fakeExecutor{},
		Parser: fakeParser{}, Escalator: fakeEscalator{},
		Limits: engine.Limits{BridgeTimeout: 0, MaxScriptSize: 10},
	})
	if !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("New() with zero timeout error = %v", err)
	}
}

func TestReadIsCached(t *testing.T) {
	exec := &fakeExecutor{handler: func(context.Context, int, *engine.ScriptArtifact) (*engine.ExecutionResult, *engine.BridgeFailure) {
		return &engine.ExecutionResult{Stdout: `[{"id":"t1","flagged":true}]`}, nil
	}}
	e, _ := newTestEngine(t, exec, nil)

	first := mustExecute(t, e, readTasks())
	second := mustExecute(t, e, readTasks())

	if got := exec.count("read"); got != 1 {
		t.Fatalf("bridge reads = %d, want 1", got)
	}
	if string(second.Success.Payload) != string(first.Success.Payload) {
		t.Errorf("cached payload = %s, want %s", second.Success.Payload, first.Success.Payload)
	}
	if first.OperationID == second.OperationID {
		t.Error("cached result shares the first caller's operation id")
	}
}

func TestMutationInvalidatesReads(t *testing.T) {
	exec := &fakeExecutor{handler: func(_ context.Context, _ int, a *engine.ScriptArtifact) (*engine.ExecutionResult, *engine.BridgeFailure) {
		if strings.HasPrefix(a.Source, "update") {
			return &engine.ExecutionResult{Stdout: `{"id":"t1","name":"renamed"}`}, nil
		}
		return &engine.ExecutionResult{Stdout: `[{"id":"t1"}]`}, nil
	}}
	e, c := newTestEngine(t, exec, nil)

	mustExecute(t, e, readTasks())
	mustExecute(t, e, engine.Operation{
		EntityClass: engine.EntityTask, Mode: engine.ModeUpdate, TargetIdentifier: "t1",
		FieldDelta: map[string]interface{}{"name": "renamed"},
	})
	if c.Len() != 0 {
		t.Fatalf("cache holds %d entries after mutation", c.Len())
	}
	mustExecute(t, e, readTasks())

	if got := exec.count("read"); got != 2 {
		t.Errorf("bridge reads = %d, want 2", got)
	}
}

// Scenario B: a tag assignment through the escalation context must not
// leave a stale tag read in the cache.
func TestTagAssignmentInvalidatesTagReads(t *testing.T) {
	exec := &fakeExecutor{handler: func(_ context.Context, _ int, a *engine.ScriptArtifact) (*engine.ExecutionResult, *engine.BridgeFailure) {
		switch {
		case strings.HasPrefix(a.Source, "update"):
			return &engine.ExecutionResult{
				Stdout: `{"id":"t1","tags":[]}`,
				Stderr: `{"ok":true,"data":{"id":"t1","tags":["Errands"]}}`,
			}, nil
		default:
			return &engine.ExecutionResult{Stdout: `[{"id":"g1","name":"Errands"}]`}, nil
		}
	}}
	e, _ := newTestEngine(t, exec, nil)

	tags := engine.Operation{EntityClass: engine.EntityTag, Mode: engine.ModeRead}
	mustExecute(t, e, tags)
	mustExecute(t, e, tags)
	if got := exec.count("read tag"); got != 1 {
		t.Fatalf("tag reads before mutation = %d, want 1", got)
	}

	res := mustExecute(t, e, engine.Operation{
		EntityClass: engine.EntityTask, Mode: engine.ModeUpdate, TargetIdentifier: "t1",
		FieldDelta: map[string]interface{}{"tags": []string{"Errands"}},
	})
	if !res.IsSuccess() || !strings.Contains(string(res.Success.Payload), "Errands") {
		t.Fatalf("escalated update = %+v, want re-affirmed success", res)
	}

	mustExecute(t, e, tags)
	if got := exec.count("read tag"); got != 2 {
		t.Errorf("tag reads after mutation = %d, want 2", got)
	}
}

// A primary write that lands while its escalation step fails is reported
// once as a partial application.
func TestPartialApplicationIsNotRetried(t *testing.T) {
	exec := &fakeExecutor{handler: func(context.Context, int, *engine.ScriptArtifact) (*engine.ExecutionResult, *engine.BridgeFailure) {
		return &engine.ExecutionResult{
			Stdout: `{"id":"t9","name":"Water plants"}`,
			Stderr: `{"ok":false,"message":"repetition rejected"}`,
		}, nil
	}}
	e, _ := newTestEngine(t, exec, nil)

	res := mustExecute(t, e, engine.Operation{
		EntityClass: engine.EntityTask, Mode: engine.ModeCreate,
		FieldDelta: map[string]interface{}{"name": "Water plants", "repetitionRule": "FREQ=WEEKLY"},
	})
	if res.Kind() != engine.ResultPartialApplication {
		t.Fatalf("Kind() = %s, want partial application", res.Kind())
	}
	if !strings.Contains(string(res.Partial.Payload), "t9") {
		t.Errorf("partial payload = %s, want the primary payload", res.Partial.Payload)
	}
	if got := exec.count("create"); got != 1 {
		t.Errorf("bridge calls = %d, want 1", got)
	}
}

func TestReadRetries(t *testing.T) {
	tests := []struct {
		name      string
		retries   int
		failures  int
		kind      engine.BridgeFailureKind
		wantCalls int
		wantKind  engine.ResultKind
	}{
		{"recovers within budget", 2, 2, engine.FailureTimeout, 3, engine.ResultSuccess},
		{"exhausts budget", 1, 5, engine.FailureMalformedOutput, 2, engine.ResultBridgeFailure},
		{"no retries configured", 0, 1, engine.FailureTimeout, 1, engine.ResultBridgeFailure},
		{"runtime is final", 2, 5, engine.FailureRuntime, 1, engine.ResultBridgeFailure},
		{"cancelled is final", 2, 5, engine.FailureCancelled, 1, engine.ResultBridgeFailure},
		{"syntax is final", 2, 5, engine.FailureSyntax, 1, engine.ResultBridgeFailure},
		{"oversized is final", 2, 5, engine.FailureOversizedScript, 1, engine.ResultBridgeFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{handler: func(_ context.Context, call int, _ *engine.ScriptArtifact) (*engine.ExecutionResult, *engine.BridgeFailure) {
				if call <= tt.failures {
					return nil, &engine.BridgeFailure{Kind: tt.kind, Message: "induced"}
				}
				return &engine.ExecutionResult{Stdout: `[]`}, nil
			}}
			e, c := newTestEngine(t, exec, func(o *engine.Options) { o.Retry.ReadRetries = tt.retries })

			res := mustExecute(t, e, readTasks())
			if res.Kind() != tt.wantKind {
				t.Errorf("Kind() = %s, want %s", res.Kind(), tt.wantKind)
			}
			if got := exec.count("read"); got != tt.wantCalls {
				t.Errorf("bridge calls = %d, want %d", got, tt.wantCalls)
			}
			if !res.IsSuccess() && c.Len() != 0 {
				t.Error("failure was cached")
			}
		})
	}
}

func TestMutationsAreNeverRetried(t *testing.T) {
	exec := &fakeExecutor{handler: func(context.Context, int, *engine.ScriptArtifact) (*engine.ExecutionResult, *engine.BridgeFailure) {
		return nil, &engine.BridgeFailure{Kind: engine.FailureTimeout, Message: "slow"}
	}}
	e, _ := newTestEngine(t, exec, nil)

	res := mustExecute(t, e, engine.Operation{EntityClass: engine.EntityProject, Mode: engine.ModeDelete, TargetIdentifier: "p1"})
	if res.Kind() != engine.ResultBridgeFailure || res.Failure.Kind != engine.FailureTimeout {
		t.Fatalf("result = %s, want timeout", res.Label())
	}
	if got := exec.count("delete"); got != 1 {
		t.Errorf("bridge calls = %d, want 1", got)
	}
}

func TestDeclaredErrorPassesThrough(t *testing.T) {
	exec := &fakeExecutor{handler: func(context.Context, int, *engine.ScriptArtifact) (*engine.ExecutionResult, *engine.BridgeFailure) {
		return &engine.ExecutionResult{Stdout: "error:task t404 not found"}, nil
	}}
	e, c := newTestEngine(t, exec, nil)

	res := mustExecute(t, e, engine.Operation{EntityClass: engine.EntityTask, Mode: engine.ModeUpdate, TargetIdentifier: "t404",
		FieldDelta: map[string]interface{}{"flagged": true}})
	if res.Kind() != engine.ResultApplicationError {
		t.Fatalf("Kind() = %s", res.Kind())
	}

	mustExecute(t, e, readTasks())
	if c.Len() != 0 {
		t.Error("application error was cached")
	}
}

func TestValidationRejectsBeforeBridge(t *testing.T) {
	tests := []struct {
		name string
		op   engine.Operation
	}{
		{"unknown class", engine.Operation{EntityClass: "perspective", Mode: engine.ModeRead}},
		{"unknown mode", engine.Operation{EntityClass: engine.EntityTask, Mode: "upsert"}},
		{"update without target", engine.Operation{EntityClass: engine.EntityTask, Mode: engine.ModeUpdate, FieldDelta: map[string]interface{}{"name": "x"}}},
		{"update without delta", engine.Operation{EntityClass: engine.EntityTask, Mode: engine.ModeUpdate, TargetIdentifier: "t1"}},
		{"delete without target", engine.Operation{EntityClass: engine.EntityTag, Mode: engine.ModeDelete}},
		{"create without delta", engine.Operation{EntityClass: engine.EntityFolder, Mode: engine.ModeCreate}},
		{"read with delta", engine.Operation{EntityClass: engine.EntityTask, Mode: engine.ModeRead, FieldDelta: map[string]interface{}{"name": "x"}}},
		{"re-affirmation read without target", engine.Operation{EntityClass: engine.EntityTask, Mode: engine.ModeRead, BridgeLimited: true}},
		{"plain read with target", engine.Operation{EntityClass: engine.EntityTask, Mode: engine.ModeRead, TargetIdentifier: "t1"}},
		{"unknown field", engine.Operation{EntityClass: engine.EntityTask, Mode: engine.ModeCreate, FieldDelta: map[string]interface{}{"colour": "red"}}},
		{"read-only field", engine.Operation{EntityClass: engine.EntityTask, Mode: engine.ModeUpdate, TargetIdentifier: "t1", FieldDelta: map[string]interface{}{"completionDate": nil}}},
		{"id field", engine.Operation{EntityClass: engine.EntityTag, Mode: engine.ModeCreate, FieldDelta: map[string]interface{}{"id": "g1"}}},
		{"unknown projection", engine.Operation{EntityClass: engine.EntityFolder, Mode: engine.ModeRead, Projection: []string{"dueDate"}}},
		{"negative offset", engine.Operation{EntityClass: engine.EntityTask, Mode: engine.ModeRead, Pagination: &engine.Pagination{Offset: -1}}},
		{"unknown predicate field", engine.Operation{EntityClass: engine.EntityTag, Mode: engine.ModeRead,
			Predicate: &engine.Predicate{Clauses: []engine.Clause{{Field: "flagged", Op: engine.OpEq, Value: true}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{}
			e, _ := newTestEngine(t, exec, nil)

			res, err := e.Execute(context.Background(), tt.op)
			if !engine.HasCode(err, engine.ErrCodeValidation) {
				t.Fatalf("Execute() = %v, %v; want validation error", res, err)
			}
			if got := exec.count(""); got != 0 {
				t.Errorf("bridge invoked %d times for an invalid operation", got)
			}
		})
	}
}

func TestPolicyGate(t *testing.T) {
	exec := &fakeExecutor{}
	e, _ := newTestEngine(t, exec, func(o *engine.Options) { o.Policy = denyMutations{} })

	_, err := e.Execute(context.Background(), engine.Operation{EntityClass: engine.EntityTag, Mode: engine.ModeDelete, TargetIdentifier: "g1"})
	if !engine.HasCode(err, engine.ErrCodePolicyDenied) {
		t.Fatalf("Execute() error = %v, want policy denial", err)
	}
	mustExecute(t, e, readTasks())
	if got := exec.count(""); got != 1 {
		t.Errorf("bridge calls = %d, want 1", got)
	}
}

func TestPrepareDoesNotRun(t *testing.T) {
	exec := &fakeExecutor{}
	e, _ := newTestEngine(t, exec, func(o *engine.Options) { o.Policy = denyMutations{} })
	ctx := context.Background()

	artifact, err := e.Prepare(ctx, readTasks())
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if artifact.Plan == nil || artifact.Plan.Strategy == "" {
		t.Errorf("read artifact plan = %+v", artifact.Plan)
	}

	if _, err := e.Prepare(ctx, engine.Operation{EntityClass: engine.EntityTask, Mode: engine.ModeUpdate}); !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("Prepare(invalid) error = %v, want validation error", err)
	}
	if _, err := e.Prepare(ctx, engine.Operation{EntityClass: engine.EntityTag, Mode: engine.ModeDelete, TargetIdentifier: "g1"}); !engine.HasCode(err, engine.ErrCodePolicyDenied) {
		t.Errorf("Prepare(denied) error = %v, want policy denial", err)
	}
	if got := exec.count(""); got != 0 {
		t.Errorf("bridge invoked %d times", got)
	}
}

func TestConcurrentReadsAreCoalesced(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{handler: func(context.Context, int, *engine.ScriptArtifact) (*engine.ExecutionResult, *engine.BridgeFailure) {
		<-release
		return &engine.ExecutionResult{Stdout: `[{"id":"t1"}]`}, nil
	}}
	e, _ := newTestEngine(t, exec, nil)

	const callers = 8
	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Execute(context.Background(), readTasks())
			if err == nil && res.IsSuccess() {
				successes.Add(1)
			}
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for exec.count("read") == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := successes.Load(); got != callers {
		t.Errorf("successful callers = %d, want %d", got, callers)
	}
	if got := exec.count("read"); got != 1 {
		t.Errorf("bridge reads = %d, want 1", got)
	}
}

func TestCancelledReadTerminatesBridgeCall(t *testing.T) {
	started := make(chan struct{})
	observed := make(chan error, 1)
	exec := &fakeExecutor{handler: func(ctx context.Context, _ int, _ *engine.ScriptArtifact) (*engine.ExecutionResult, *engine.BridgeFailure) {
		close(started)
		select {
		case <-ctx.Done():
			observed <- ctx.Err()
			return nil, &engine.BridgeFailure{Kind: engine.FailureCancelled, Message: "terminated"}
		case <-time.After(2 * time.Second):
			observed <- nil
			return &engine.ExecutionResult{Stdout: `[]`}, nil
		}
	}}
	e, c := newTestEngine(t, exec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res, err := e.Execute(ctx, readTasks())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Kind() != engine.ResultBridgeFailure || res.Failure.Kind != engine.FailureCancelled {
		t.Fatalf("result = %s, want cancelled", res.Label())
	}
	if err := <-observed; err == nil {
		t.Error("bridge call kept running after its only caller cancelled")
	}
	if c.Len() != 0 {
		t.Error("cancelled read was cached")
	}

	// The next read starts its own bridge call instead of joining the dead one.
	exec.handler = nil
	if res := mustExecute(t, e, readTasks()); !res.IsSuccess() {
		t.Errorf("read after cancellation = %s, want success", res.Label())
	}
	if got := exec.count("read"); got != 2 {
		t.Errorf("bridge reads = %d, want 2", got)
	}
}

func TestSharedReadSurvivesOneCancelledCaller(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	observed := make(chan error, 1)
	exec := &fakeExecutor{handler: func(ctx context.Context, _ int, _ *engine.ScriptArtifact) (*engine.ExecutionResult, *engine.BridgeFailure) {
		close(started)
		<-release
		observed <- ctx.Err()
		return &engine.ExecutionResult{Stdout: `[{"id":"t1"}]`}, nil
	}}
	e, c := newTestEngine(t, exec, nil)

	staying := make(chan *engine.TypedResult, 1)
	go func() {
		res, _ := e.Execute(context.Background(), readTasks())
		staying <- res
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	leaving := make(chan *engine.TypedResult, 1)
	go func() {
		res, _ := e.Execute(ctx, readTasks())
		leaving <- res
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if res := <-leaving; res == nil || res.Kind() != engine.ResultBridgeFailure || res.Failure.Kind != engine.FailureCancelled {
		t.Fatalf("cancelled caller got %v, want cancelled", res)
	}
	close(release)

	if err := <-observed; err != nil {
		t.Errorf("shared read saw one caller's cancellation: %v", err)
	}
	if res := <-staying; res == nil || !res.IsSuccess() {
		t.Fatalf("remaining caller got %v, want success", res)
	}
	if got := exec.count("read"); got != 1 {
		t.Errorf("bridge reads = %d, want 1", got)
	}
	if c.Len() != 1 {
		t.Error("completed shared read was not cached")
	}
}

// A read issued after a mutation completes must reach the bridge even when
// an identical read from before the mutation is still in flight.
func TestReadAfterMutationDoesNotJoinEarlierFlight(t *testing.T) {
	release := make(chan struct{})
	var reads atomic.Int32
	exec := &fakeExecutor{handler: func(_ context.Context, _ int, a *engine.ScriptArtifact) (*engine.ExecutionResult, *engine.BridgeFailure) {
		if strings.HasPrefix(a.Source, "update") {
			return &engine.ExecutionResult{Stdout: `{"id":"t1","flagged":true}`}, nil
		}
		if reads.Add(1) == 1 {
			<-release
			return &engine.ExecutionResult{Stdout: `[]`}, nil
		}
		return &engine.ExecutionResult{Stdout: `[{"id":"t1","flagged":true}]`}, nil
	}}
	e, c := newTestEngine(t, exec, nil)

	before := make(chan *engine.TypedResult, 1)
	go func() {
		res, _ := e.Execute(context.Background(), readTasks())
		before <- res
	}()
	deadline := time.Now().Add(2 * time.Second)
	for exec.count("read") == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	mustExecute(t, e, engine.Operation{
		EntityClass: engine.EntityTask, Mode: engine.ModeUpdate, TargetIdentifier: "t1",
		FieldDelta: map[string]interface{}{"flagged": true},
	})

	after := make(chan *engine.TypedResult, 1)
	go func() {
		res, _ := e.Execute(context.Background(), readTasks())
		after <- res
	}()
	for exec.count("read") < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(release)

	res := <-after
	if res == nil || !res.IsSuccess() || !strings.Contains(string(res.Success.Payload), "t1") {
		t.Fatalf("post-mutation read = %v, want the updated task", res)
	}
	if got := exec.count("read"); got != 2 {
		t.Errorf("bridge reads = %d, want 2", got)
	}
	<-before

	cached, ok := c.Get(mustSignature(t, c, readTasks()))
	if !ok || !strings.Contains(string(cached.Success.Payload), "t1") {
		t.Errorf("cache holds %v, want the post-mutation payload", cached)
	}
}

func TestCreateInvalidatesExistenceDependents(t *testing.T) {
	exec := &fakeExecutor{handler: func(_ context.Context, _ int, a *engine.ScriptArtifact) (*engine.ExecutionResult, *engine.BridgeFailure) {
		if strings.HasPrefix(a.Source, "create") {
			return &engine.ExecutionResult{Stdout: `{"id":"t2","name":"New"}`}, nil
		}
		return &engine.ExecutionResult{Stdout: `[{"id":"p1","taskCount":1}]`}, nil
	}}
	e, _ := newTestEngine(t, exec, nil)

	projects := engine.Operation{EntityClass: engine.EntityProject, Mode: engine.ModeRead}
	mustExecute(t, e, projects)
	mustExecute(t, e, engine.Operation{
		EntityClass: engine.EntityTask, Mode: engine.ModeCreate,
		FieldDelta: map[string]interface{}{"name": "New"},
	})
	mustExecute(t, e, projects)

	if got := exec.count("read project"); got != 2 {
		t.Errorf("project reads = %d, want 2 after a task was created", got)
	}
}

func mustSignature(t *testing.T, c *cache.Manager, op engine.Operation) string {
	t.Helper()
	sig, err := c.Signature(&op)
	if err != nil {
		t.Fatalf("Signature() error = %v", err)
	}
	return sig
}

func TestUpdateLimits(t *testing.T) {
	exec := &fakeExecutor{}
	e, _ := newTestEngine(t, exec, nil)

	e.UpdateLimits(engine.Limits{BridgeTimeout: -time.Second, MaxScriptSize: 1})
	if e.Limits() != testLimits {
		t.Fatalf("invalid limits applied: %+v", e.Limits())
	}

	next := engine.Limits{BridgeTimeout: 5 * time.Second, MaxScriptSize: 4096, CacheMaxAge: 0}
	e.UpdateLimits(next)
	if e.Limits() != next {
		t.Fatalf("Limits() = %+v, want %+v", e.Limits(), next)
	}

	mustExecute(t, e, readTasks())
	mustExecute(t, e, readTasks())
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.calls) != 2 {
		t.Errorf("bridge calls = %d, want 2 with caching disabled", len(exec.calls))
	}
	if exec.limits[0].Timeout != 5*time.Second || exec.limits[0].MaxScriptSize != 4096 {
		t.Errorf("executor limits = %+v", exec.limits[0])
	}
}

func TestReaffirmationReadBypassesCache(t *testing.T) {
	exec := &fakeExecutor{handler: func(context.Context, int, *engine.ScriptArtifact) (*engine.ExecutionResult, *engine.BridgeFailure) {
		return &engine.ExecutionResult{Stdout: `{"id":"t1"}`, Stderr: `{"ok":true,"data":{"id":"t1","tags":["a"]}}`}, nil
	}}
	e, c := newTestEngine(t, exec, nil)

	op := engine.Operation{EntityClass: engine.EntityTask, Mode: engine.ModeRead, TargetIdentifier: "t1", BridgeLimited: true}
	mustExecute(t, e, op)
	mustExecute(t, e, op)
	if got := exec.count("read"); got != 2 {
		t.Errorf("bridge reads = %d, want 2", got)
	}
	if c.Len() != 0 {
		t.Error("re-affirmation read was cached")
	}
}
