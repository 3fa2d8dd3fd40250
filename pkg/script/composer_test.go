package script

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/focusbridge/pkg/engine"
)

type fakeInner struct {
	src string
	err error
}

func (f *fakeInner) InnerScript(op *engine.Operation) (string, error) {
	return f.src, f.err
}

func planFor(t *testing.T, class engine.EntityClass, pred *engine.Predicate) *engine.QueryPlan {
	t.Helper()
	plan, err := engine.NewPlanner().Plan(class, pred)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	return plan
}

func TestComposeShape(t *testing.T) {
	c := NewComposer(nil)
	op := &engine.Operation{EntityClass: engine.EntityTask, Mode: engine.ModeRead}

	art, err := c.Compose(op, planFor(t, engine.EntityTask, nil))
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if !strings.HasPrefix(art.Source, "(() => {\n") {
		t.Errorf("script does not open with an IIFE: %q", art.Source[:20])
	}
	if !strings.HasSuffix(art.Source, "})()\n") {
		t.Error("script does not end with the IIFE invocation")
	}
	if !strings.Contains(art.Source, HelperBundle) {
		t.Error("script does not embed the full helper bundle")
	}
	if art.Size != len(art.Source) {
		t.Errorf("Size = %d, want %d", art.Size, len(art.Source))
	}
	if art.Escalated {
		t.Error("plain read marked escalated")
	}
	if !strings.Contains(art.Source, `"app":"OmniFocus"`) {
		t.Error("default application not embedded")
	}
}

func TestComposeReadPlans(t *testing.T) {
	due := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		pred     *engine.Predicate
		contains []string
		absent   []string
	}{
		{
			name:     "indexed equality to null",
			pred:     &engine.Predicate{Clauses: []engine.Clause{{Field: "dueDate", Op: engine.OpEq}}},
			contains: []string{`"index":{"dueDate":{"_equals":null}}`, `"residual":[]`},
		},
		{
			name:     "indexed inequality",
			pred:     &engine.Predicate{Clauses: []engine.Clause{{Field: "name", Op: engine.OpNe, Value: "x"}}},
			contains: []string{`"index":{"_not":[{"name":{"_equals":"x"}}]}`},
		},
		{
			name:     "indexed date bound",
			pred:     &engine.Predicate{Clauses: []engine.Clause{{Field: "dueDate", Op: engine.OpLt, Value: due}}},
			contains: []string{`"index":{"dueDate":{"_lessThan":new Date(1735776000000)}}`},
		},
		{
			name:     "date string in a scanned clause",
			pred:     &engine.Predicate{Clauses: []engine.Clause{{Field: "dueDate", Op: engine.OpLt, Value: "2025-01-02T00:00:00Z"}}},
			contains: []string{`"residual":[{"field":"dueDate","op":"lt","value":new Date(1735776000000)}]`},
			absent:   []string{`"2025-01-02T00:00:00Z"`},
		},
		{
			name:     "not null is scanned",
			pred:     &engine.Predicate{Clauses: []engine.Clause{{Field: "dueDate", Op: engine.OpNe}}},
			contains: []string{`"residual":[{"field":"dueDate","op":"notNull","value":null}]`},
			absent:   []string{`"index"`},
		},
		{
			name: "pre-filter then residual",
			pred: &engine.Predicate{Clauses: []engine.Clause{
				{Field: "flagged", Op: engine.OpEq, Value: true},
				{Field: "tags", Op: engine.OpContains, Value: "home"},
			}},
			contains: []string{
				`"index":{"flagged":{"_equals":true}}`,
				`"residual":[{"field":"tags","op":"contains","value":"home"}]`,
				`"combinator":"and"`,
			},
		},
	}

	c := NewComposer(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &engine.Operation{EntityClass: engine.EntityTask, Mode: engine.ModeRead, Predicate: tt.pred}
			art, err := c.Compose(op, planFor(t, engine.EntityTask, tt.pred))
			if err != nil {
				t.Fatalf("Compose() error = %v", err)
			}
			for _, want := range tt.contains {
				if !strings.Contains(art.Source, want) {
					t.Errorf("script missing %s", want)
				}
			}
			for _, unwanted := range tt.absent {
				if strings.Contains(art.Source, unwanted) {
					t.Errorf("script unexpectedly contains %s", unwanted)
				}
			}
		})
	}
}

func TestComposePagination(t *testing.T) {
	op := &engine.Operation{
		EntityClass: engine.EntityProject,
		Mode:        engine.ModeRead,
		Projection:  []string{"id", "name"},
		Pagination:  &engine.Pagination{Offset: 10, Limit: 5},
	}
	art, err := NewComposer(nil).Compose(op, planFor(t, engine.EntityProject, nil))
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	for _, want := range []string{`"limit":5`, `"offset":10`, `"projection":["id","name"]`} {
		if !strings.Contains(art.Source, want) {
			t.Errorf("script missing %s", want)
		}
	}
}

func TestComposeMutations(t *testing.T) {
	c := NewComposer(&fakeInner{src: "(id) => 'x'"})

	tests := []struct {
		name      string
		op        engine.Operation
		contains  []string
		escalated bool
	}{
		{
			name: "create",
			op: engine.Operation{EntityClass: engine.EntityTask, Mode: engine.ModeCreate,
				FieldDelta: map[string]interface{}{"name": "Buy milk", "dueDate": "2025-01-02T00:00:00Z"}},
			contains: []string{`"delta":{"dueDate":new Date(1735776000000),"name":"Buy milk"}`, "__fb.create("},
		},
		{
			name: "update",
			op: engine.Operation{EntityClass: engine.EntityProject, Mode: engine.ModeUpdate,
				TargetIdentifier: "p1", FieldDelta: map[string]interface{}{"flagged": true}},
			contains: []string{`"id":"p1"`, "__fb.assign("},
		},
		{
			name:     "delete",
			op:       engine.Operation{EntityClass: engine.EntityFolder, Mode: engine.ModeDelete, TargetIdentifier: "f1"},
			contains: []string{"app.delete(target)"},
		},
		{
			name: "tags escalate",
			op: engine.Operation{EntityClass: engine.EntityTask, Mode: engine.ModeUpdate,
				TargetIdentifier: "t1", FieldDelta: map[string]interface{}{"tags": []interface{}{"home"}}},
			contains:  []string{`"inner":"(id) =\u003e 'x'"`, "__fb.escalate("},
			escalated: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := tt.op
			art, err := c.Compose(&op, nil)
			if err != nil {
				t.Fatalf("Compose() error = %v", err)
			}
			for _, want := range tt.contains {
				if !strings.Contains(art.Source, want) {
					t.Errorf("script missing %s", want)
				}
			}
			if art.Escalated != tt.escalated {
				t.Errorf("Escalated = %v, want %v", art.Escalated, tt.escalated)
			}
		})
	}
}

func TestComposeErrors(t *testing.T) {
	t.Run("unserializable delta", func(t *testing.T) {
		op := &engine.Operation{EntityClass: engine.EntityTask, Mode: engine.ModeCreate,
			FieldDelta: map[string]interface{}{"name": "bad\xff"}}
		_, err := NewComposer(nil).Compose(op, nil)
		if !engine.HasCode(err, engine.ErrCodeComposition) {
			t.Fatalf("got %v, want composition error", err)
		}
	})

	t.Run("bad date string", func(t *testing.T) {
		op := &engine.Operation{EntityClass: engine.EntityTask, Mode: engine.ModeCreate,
			FieldDelta: map[string]interface{}{"dueDate": "tomorrow"}}
		_, err := NewComposer(nil).Compose(op, nil)
		if !engine.HasCode(err, engine.ErrCodeComposition) {
			t.Fatalf("got %v, want composition error", err)
		}
	})

	t.Run("bad date string in predicate", func(t *testing.T) {
		pred := &engine.Predicate{Clauses: []engine.Clause{{Field: "deferDate", Op: engine.OpGt, Value: "soon"}}}
		op := &engine.Operation{EntityClass: engine.EntityTask, Mode: engine.ModeRead, Predicate: pred}
		_, err := NewComposer(nil).Compose(op, planFor(t, engine.EntityTask, pred))
		if !engine.HasCode(err, engine.ErrCodeComposition) {
			t.Fatalf("got %v, want composition error", err)
		}
	})

	t.Run("escalation unavailable", func(t *testing.T) {
		op := &engine.Operation{EntityClass: engine.EntityTask, Mode: engine.ModeUpdate, TargetIdentifier: "t1",
			FieldDelta: map[string]interface{}{"repetitionRule": "FREQ=WEEKLY"}}
		_, err := NewComposer(nil).Compose(op, nil)
		if !engine.HasCode(err, ErrCodeEscalationUnavailable) {
			t.Fatalf("got %v, want %s", err, ErrCodeEscalationUnavailable)
		}
	})

	t.Run("inner script error propagates", func(t *testing.T) {
		boom := errors.New("boom")
		op := &engine.Operation{EntityClass: engine.EntityTask, Mode: engine.ModeRead, TargetIdentifier: "t1", BridgeLimited: true}
		_, err := NewComposer(&fakeInner{err: boom}).Compose(op, nil)
		if !errors.Is(err, boom) {
			t.Fatalf("got %v, want %v", err, boom)
		}
	})

	t.Run("not null is never pushed into whose", func(t *testing.T) {
		_, err := WhoseSpecifier(engine.Clause{Field: "dueDate", Op: engine.OpNotNull})
		if err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestWithApplication(t *testing.T) {
	op := &engine.Operation{EntityClass: engine.EntityTag, Mode: engine.ModeDelete, TargetIdentifier: "g1"}
	art, err := NewComposer(nil, WithApplication("OmniFocus 4")).Compose(op, nil)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if !strings.Contains(art.Source, `"app":"OmniFocus 4"`) {
		t.Error("application override not embedded")
	}
}
