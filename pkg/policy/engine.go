package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/focusbridge/pkg/engine"
)

// Engine evaluates Rego policies against operations before they reach the
// bridge. It implements engine.PolicyGate.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	readOnly atomic.Bool
	logger   zerolog.Logger
	now      func() time.Time
}

var _ engine.PolicyGate = (*Engine)(nil)

// compiledPolicy is a policy with its query prepared for reuse.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		now:      time.Now,
	}

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStore(context.Background(), &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}
	e.logger.Debug().Int("count", len(builtins)).Msg("built-in policies loaded")
	return e, nil
}

// SetReadOnly switches read-only mode. Safe to call while operations run.
func (e *Engine) SetReadOnly(readOnly bool) {
	if e.readOnly.Swap(readOnly) != readOnly {
		e.logger.Info().Bool("read_only", readOnly).Msg("read-only mode changed")
	}
}

// ReadOnly reports whether read-only mode is on.
func (e *Engine) ReadOnly() bool {
	return e.readOnly.Load()
}

// Check denies the operation when any enabled policy reports a blocking
// violation. A policy that fails to evaluate denies the operation too.
func (e *Engine) Check(ctx context.Context, op *engine.Operation) error {
	result, err := e.Evaluate(ctx, op)
	if err != nil {
		return engine.NewPermanentError("policy evaluation failed", err).
			WithCode(engine.ErrCodePolicyDenied).
			WithEntity(op.EntityClass).
			WithOperation(op.ID)
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("operation_id", op.ID).
			Str("policy", w.Policy).
			Str("severity", string(w.Severity)).
			Msg(w.Message)
	}
	if result.Allowed {
		return nil
	}

	msgs := make([]string, 0, len(result.Violations))
	policies := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		msgs = append(msgs, v.Message)
		policies = append(policies, v.Policy)
	}
	return engine.NewPermanentError("denied by policy: "+strings.Join(msgs, "; "), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithEntity(op.EntityClass).
		WithOperation(op.ID).
		WithDetail("policies", policies)
}

// Evaluate runs every enabled policy against the operation, in name order.
func (e *Engine) Evaluate(ctx context.Context, op *engine.Operation) (*Result, error) {
	started := time.Now()
	input := NewInput(op, e.ReadOnly(), e.now())

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		deny, warn, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}
		for _, v := range deny {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
		result.Warnings = append(result.Warnings, warn...)
	}

	result.Duration = time.Since(started)
	e.logger.Debug().
		Str("operation_id", op.ID).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("policy evaluation completed")
	return result, nil
}

// evaluatePolicy returns the deny and warn findings of one policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input Input) ([]Violation, []Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var deny, warn []Violation
	for _, r := range results {
		doc, ok := r.Bindings["doc"].(map[string]interface{})
		if !ok {
			continue
		}
		if set, ok := doc["deny"].([]interface{}); ok {
			for _, d := range set {
				deny = append(deny, createViolation(cp.policy, d, cp.policy.Severity))
			}
		}
		if set, ok := doc["warn"].([]interface{}); ok {
			for _, w := range set {
				warn = append(warn, createViolation(cp.policy, w, SeverityWarning))
			}
		}
	}
	return deny, warn, nil
}

// createViolation converts one element of a deny or warn set. Elements are
// either a message or an object with message and severity.
func createViolation(policy *Policy, result interface{}, severity Severity) Violation {
	v := Violation{
		Policy:   policy.Name,
		Severity: severity,
	}
	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok && sev != "" {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	if v.Message == "" {
		v.Message = policy.Name
	}
	return v
}

// compileAndStore parses a policy and prepares the query for its package
// document.
func (e *Engine) compileAndStore(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return fmt.Errorf("policy %s is empty", policy.Name)
	}
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query("doc = "+module.Package.Path.String()),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{policy: policy, query: query}
	e.logger.Debug().Str("policy", policy.Name).Msg("policy compiled")
	return nil
}

// LoadPolicies replaces the custom policies with those found under paths.
// Nothing changes if any policy fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplaceCustom(ctx, policies)
}

// ReplaceCustom swaps every non-built-in policy for the given set. A name
// clash with a built-in policy is an error.
func (e *Engine) ReplaceCustom(ctx context.Context, policies []Policy) error {
	staged := &Engine{policies: make(map[string]*compiledPolicy), logger: e.logger}
	for i := range policies {
		p := policies[i]
		p.Builtin = false
		if err := staged.compileAndStore(ctx, &p); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name := range staged.policies {
		if cp, ok := e.policies[name]; ok && cp.policy.Builtin {
			return fmt.Errorf("policy %s shadows a built-in policy", name)
		}
	}
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range staged.policies {
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(policies)).Msg("custom policies loaded")
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("policy toggled")
	return nil
}

// sortedNames must be called with mu held.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WatchPolicies loads the policies under paths and keeps them current as
// the files change. Stop the returned loader, or cancel ctx, to stop.
func (e *Engine) WatchPolicies(ctx context.Context, paths []string) (*Loader, error) {
	if err := e.LoadPolicies(ctx, paths); err != nil {
		return nil, err
	}
	loader := NewLoader(e.logger)
	err := loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplaceCustom(ctx, policies)
	})
	if err != nil {
		return nil, err
	}
	return loader, nil
}
