// Package script composes self-contained automation scripts for the primary
// bridge. Every script embeds the helper bundle and its parameters by value.
package script

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/focusbridge/pkg/engine"
)

// DefaultApplication is the scripting name of the target application.
const DefaultApplication = "OmniFocus"

// Composer builds bridge scripts for operations.
type Composer struct {
	app   string
	inner engine.InnerScripter
}

// Option configures a Composer.
type Option func(*Composer)

// WithApplication overrides the target application name.
func WithApplication(name string) Option {
	return func(c *Composer) {
		if name != "" {
			c.app = name
		}
	}
}

// NewComposer creates a composer. inner supplies the escalation script for
// bridge-limited operations and may be nil when escalation is not wired.
func NewComposer(inner engine.InnerScripter, opts ...Option) *Composer {
	c := &Composer{app: DefaultApplication, inner: inner}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compose builds the script for an operation. plan is required for reads
// and ignored for mutations.
func (c *Composer) Compose(op *engine.Operation, plan *engine.QueryPlan) (*engine.ScriptArtifact, error) {
	params := map[string]interface{}{
		"app":    c.app,
		"entity": string(op.EntityClass),
		"mode":   string(op.Mode),
	}
	if op.TargetIdentifier != "" {
		params["id"] = op.TargetIdentifier
	}
	if len(op.Projection) > 0 {
		params["projection"] = op.Projection
	}

	escalated := op.RequiresEscalation()
	if escalated {
		if c.inner == nil {
			return nil, engine.NewPermanentError("operation needs escalation but no escalation context is configured", nil).
				WithCode(ErrCodeEscalationUnavailable)
		}
		inner, err := c.inner.InnerScript(op)
		if err != nil {
			return nil, err
		}
		params["inner"] = inner
	}

	var body string
	switch op.Mode {
	case engine.ModeRead:
		if plan == nil && !escalated {
			return nil, engine.NewPermanentError("read composed without a query plan", nil).
				WithCode(engine.ErrCodeInternal)
		}
		if err := planParams(params, op.EntityClass, plan); err != nil {
			return nil, err
		}
		if op.Pagination != nil {
			params["offset"] = op.Pagination.Offset
			params["limit"] = op.Pagination.Limit
		}
		body = readBody
	case engine.ModeCreate, engine.ModeUpdate:
		delta, err := deltaParams(op)
		if err != nil {
			return nil, err
		}
		params["delta"] = delta
		body = createBody
		if op.Mode == engine.ModeUpdate {
			body = updateBody
		}
	case engine.ModeDelete:
		body = deleteBody
	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("unknown mode %q", op.Mode), nil).
			WithCode(engine.ErrCodeValidation)
	}

	lit, err := Literal(params)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.Grow(len(HelperBundle) + len(lit) + len(body) + 128)
	b.WriteString("(() => {\n")
	b.WriteString(HelperBundle)
	b.WriteString("const __params = ")
	b.WriteString(lit)
	b.WriteString(";\ntry {\n")
	b.WriteString(body)
	b.WriteString("} catch (e) {\n  return __fb.fail(e);\n}\n})()\n")

	src := b.String()
	return &engine.ScriptArtifact{
		Source:    src,
		Size:      len(src),
		Escalated: escalated,
		Plan:      plan,
	}, nil
}

// ErrCodeEscalationUnavailable marks a bridge-limited operation composed
// without an escalation context.
const ErrCodeEscalationUnavailable = "ESCALATION_UNAVAILABLE"

var whoseOps = map[engine.ClauseOp]string{
	engine.OpEq:  "_equals",
	engine.OpLt:  "_lessThan",
	engine.OpLte: "_lessThanEquals",
	engine.OpGt:  "_greaterThan",
	engine.OpGte: "_greaterThanEquals",
}

// WhoseSpecifier renders a clause as a whose() filter object.
func WhoseSpecifier(c engine.Clause) (map[string]interface{}, error) {
	switch c.Op {
	case engine.OpIsNull:
		return map[string]interface{}{c.Field: map[string]interface{}{"_equals": nil}}, nil
	case engine.OpNe:
		return map[string]interface{}{
			"_not": []interface{}{
				map[string]interface{}{c.Field: map[string]interface{}{"_equals": c.Value}},
			},
		}, nil
	}
	name, ok := whoseOps[c.Op]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("operator %s cannot be evaluated by whose()", c.Op), nil).
			WithCode(engine.ErrCodeInternal)
	}
	return map[string]interface{}{c.Field: map[string]interface{}{name: c.Value}}, nil
}

func planParams(params map[string]interface{}, class engine.EntityClass, plan *engine.QueryPlan) error {
	residual := make([]interface{}, 0)
	combinator := engine.CombineAnd
	if plan != nil {
		if plan.Index != nil {
			idx := *plan.Index
			v, err := dateValue(class, idx.Field, idx.Value)
			if err != nil {
				return err
			}
			idx.Value = v
			spec, err := WhoseSpecifier(idx)
			if err != nil {
				return err
			}
			params["index"] = spec
		}
		for _, c := range plan.Residual {
			v, err := dateValue(class, c.Field, c.Value)
			if err != nil {
				return err
			}
			residual = append(residual, map[string]interface{}{
				"field": c.Field,
				"op":    string(c.Op),
				"value": v,
			})
		}
		if plan.Combinator != "" {
			combinator = plan.Combinator
		}
	}
	params["residual"] = residual
	params["combinator"] = string(combinator)
	return nil
}

func deltaParams(op *engine.Operation) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(op.FieldDelta))
	for field, v := range op.FieldDelta {
		v, err := dateValue(op.EntityClass, field, v)
		if err != nil {
			return nil, err
		}
		out[field] = v
	}
	return out, nil
}

// dateValue converts a string aimed at a date field to a time so it reaches
// the script as a constructed date. Other values pass through.
func dateValue(class engine.EntityClass, field string, v interface{}) (interface{}, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	if spec, known := engine.LookupField(class, field); !known || spec.Type != engine.FieldDate {
		return v, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, engine.NewCompositionError(fmt.Sprintf("field %s: %q is not an RFC 3339 date", field, s), err).
			WithEntity(class)
	}
	return t, nil
}

const readBody = `  const app = Application(__params.app);
  const doc = app.defaultDocument;
  if (__params.inner) {
    const primary = __fb.serialize(__params.entity, __fb.byId(doc, __params.entity, __params.id), __params.projection);
    return __fb.ok(primary, { escalation: __fb.escalate(app, doc, __params, __params.id) });
  }
  let coll = __fb.collection(doc, __params.entity);
  if (__params.index) coll = coll.whose(__params.index);
  let items = coll();
  if (__params.residual.length > 0) {
    items = items.filter((o) => __fb.matches(__params.entity, o, __params.residual, __params.combinator));
  }
  const start = __params.offset || 0;
  items = __params.limit > 0 ? items.slice(start, start + __params.limit) : items.slice(start);
  return __fb.ok(items.map((o) => __fb.serialize(__params.entity, o, __params.projection)));
`

const createBody = `  const app = Application(__params.app);
  const doc = app.defaultDocument;
  const created = __fb.create(app, doc, __params.entity, __params.delta);
  const id = created.id();
  const data = __fb.serialize(__params.entity, __fb.byId(doc, __params.entity, id), __params.projection);
  if (__params.inner) {
    return __fb.ok(data, { escalation: __fb.escalate(app, doc, __params, id) });
  }
  return __fb.ok(data);
`

const updateBody = `  const app = Application(__params.app);
  const doc = app.defaultDocument;
  const target = __fb.byId(doc, __params.entity, __params.id);
  __fb.assign(app, doc, __params.entity, target, __params.delta);
  const data = __fb.serialize(__params.entity, target, __params.projection);
  if (__params.inner) {
    return __fb.ok(data, { escalation: __fb.escalate(app, doc, __params, __params.id) });
  }
  return __fb.ok(data);
`

const deleteBody = `  const app = Application(__params.app);
  const doc = app.defaultDocument;
  const target = __fb.byId(doc, __params.entity, __params.id);
  const data = { id: __params.id, deleted: true };
  if (__params.inner) {
    return __fb.ok(data, { escalation: __fb.escalate(app, doc, __params, __params.id) });
  }
  app.delete(target);
  return __fb.ok(data);
`
