// Package escalation runs the part of an operation the primary bridge cannot
// express through the application's own in-process scripting context, and
// reconciles what that context reports with the primary outcome.
package escalation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/focusbridge/pkg/engine"
	"github.com/openfroyo/focusbridge/pkg/script"
)

// RepetitionMethod names how a repeating task schedules its next instance.
type RepetitionMethod string

const (
	RepeatFixed          RepetitionMethod = "Fixed"
	RepeatDeferUntilDate RepetitionMethod = "DeferUntilDate"
	RepeatDueDate        RepetitionMethod = "DueDate"
)

var classNames = map[engine.EntityClass]string{
	engine.EntityTask:    "Task",
	engine.EntityProject: "Project",
	engine.EntityTag:     "Tag",
	engine.EntityFolder:  "Folder",
}

// Coordinator composes escalation scripts and reconciles their reports.
type Coordinator struct {
	logger zerolog.Logger
}

// NewCoordinator creates an escalation coordinator.
func NewCoordinator(logger zerolog.Logger) *Coordinator {
	return &Coordinator{logger: logger.With().Str("component", "escalation").Logger()}
}

// InnerScript composes the function the escalation context evaluates. It
// takes the target identifier and re-resolves the entity itself, so it never
// relies on a handle obtained before the primary write.
func (c *Coordinator) InnerScript(op *engine.Operation) (string, error) {
	class, ok := classNames[op.EntityClass]
	if !ok {
		return "", engine.NewPermanentError(fmt.Sprintf("no escalation class for %q", op.EntityClass), nil).
			WithCode(engine.ErrCodeValidation)
	}

	params := map[string]interface{}{}
	if op.Mode == engine.ModeDelete {
		params["remove"] = true
	}
	if op.Mode == engine.ModeCreate || op.Mode == engine.ModeUpdate {
		if raw, ok := op.FieldDelta[engine.FieldTags]; ok {
			tags, err := tagNames(raw)
			if err != nil {
				return "", err
			}
			params["tags"] = tags
		}
		if raw, ok := op.FieldDelta[engine.FieldRepetitionRule]; ok {
			rule, err := repetitionRule(raw)
			if err != nil {
				return "", err
			}
			params["repetition"] = rule
		}
	}

	lit, err := script.Literal(params)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("(id) => {\n  try {\n")
	fmt.Fprintf(&b, "    const target = %s.byIdentifier(id);\n", class)
	b.WriteString("    if (!target) throw new Error('entity ' + id + ' not found');\n")
	fmt.Fprintf(&b, "    const p = %s;\n", lit)
	b.WriteString(innerBody)
	b.WriteString("    return JSON.stringify({ ok: true });\n")
	b.WriteString("  } catch (e) {\n")
	b.WriteString("    return JSON.stringify({ ok: false, message: String((e && e.message) || e) });\n")
	b.WriteString("  }\n}")
	return b.String(), nil
}

// innerBody applies the parameters to `target` in the escalation dialect.
const innerBody = `    if (p.tags) {
      const wanted = p.tags.map((name) => flattenedTags.byName(name) || new Tag(name));
      target.clearTags();
      target.addTags(wanted);
    }
    if ('repetition' in p) {
      target.repetitionRule = p.repetition === null ? null :
        new Task.RepetitionRule(p.repetition.rule, Task.RepetitionMethod[p.repetition.method]);
    }
    if (p.remove) {
      deleteObject(target);
    }
`

// Escalate decides the final outcome of a bridge-limited operation.
//
// A primary outcome that is not a success is returned unchanged: nothing was
// written, so there is nothing to confirm. A confirmed report yields success
// with the re-affirmed payload. A missing or failed report yields a partial
// application carrying the primary payload, because the primary write landed.
func (c *Coordinator) Escalate(ctx context.Context, op *engine.Operation, primary *engine.TypedResult, report *engine.EscalationReport) *engine.TypedResult {
	if !primary.IsSuccess() {
		return primary
	}

	logger := c.logger.With().
		Str("operation_id", op.ID).
		Str("entity", string(op.EntityClass)).
		Str("target", op.TargetIdentifier).
		Logger()

	switch {
	case report == nil:
		logger.Warn().Msg("escalation produced no report")
		return engine.NewPartialApplication(primary.Success.Payload, "escalation step did not report")
	case !report.OK:
		msg := report.Message
		if msg == "" {
			msg = "escalation step failed"
		}
		logger.Warn().Str("reason", msg).Msg("escalation failed after primary write")
		return engine.NewPartialApplication(primary.Success.Payload, msg)
	case len(report.Payload) == 0:
		logger.Warn().Msg("escalation confirmed without a re-affirmation payload")
		return engine.NewPartialApplication(primary.Success.Payload, "escalation confirmed but the entity could not be re-read")
	}

	logger.Debug().Msg("escalation confirmed")
	return engine.NewSuccess(report.Payload)
}

func tagNames(raw interface{}) ([]string, error) {
	var names []string
	switch v := raw.(type) {
	case nil:
		return []string{}, nil
	case []string:
		names = append(names, v...)
	case []interface{}:
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, engine.NewPermanentError(fmt.Sprintf("tags[%d] is %T, want string", i, item), nil).
					WithCode(engine.ErrCodeValidation)
			}
			names = append(names, s)
		}
	case string:
		names = []string{v}
	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("tags is %T, want a list of names", raw), nil).
			WithCode(engine.ErrCodeValidation)
	}

	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			return nil, engine.NewPermanentError("tag names must not be empty", nil).WithCode(engine.ErrCodeValidation)
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// repetitionRule accepts an RRULE string, null to clear, or
// {"rule": "...", "method": "Fixed|DeferUntilDate|DueDate"}.
func repetitionRule(raw interface{}) (map[string]interface{}, error) {
	invalid := func(msg string) error {
		return engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeValidation)
	}

	var rule string
	method := RepeatFixed
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		rule = v
	case map[string]interface{}:
		r, ok := v["rule"].(string)
		if !ok {
			return nil, invalid("repetitionRule.rule must be a string")
		}
		rule = r
		if m, ok := v["method"]; ok {
			s, ok := m.(string)
			if !ok {
				return nil, invalid("repetitionRule.method must be a string")
			}
			method = RepetitionMethod(s)
		}
	default:
		return nil, invalid(fmt.Sprintf("repetitionRule is %T, want a rule string or object", raw))
	}

	if !strings.Contains(strings.ToUpper(rule), "FREQ=") {
		return nil, invalid(fmt.Sprintf("repetitionRule %q is not an RRULE", rule))
	}
	switch method {
	case RepeatFixed, RepeatDeferUntilDate, RepeatDueDate:
	default:
		return nil, invalid(fmt.Sprintf("unknown repetition method %q", method))
	}
	return map[string]interface{}{"rule": rule, "method": string(method)}, nil
}
