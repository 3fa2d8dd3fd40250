package cache

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/focusbridge/pkg/engine"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func readOp(class engine.EntityClass, clauses ...engine.Clause) *engine.Operation {
	op := &engine.Operation{EntityClass: class, Mode: engine.ModeRead}
	if len(clauses) > 0 {
		op.Predicate = &engine.Predicate{Combinator: engine.CombineAnd, Clauses: clauses}
	}
	return op
}

func mustSig(t *testing.T, op *engine.Operation) string {
	t.Helper()
	sig, err := Signature(op)
	if err != nil {
		t.Fatalf("Signature() error = %v", err)
	}
	return sig
}

func success(payload string) *engine.TypedResult {
	return engine.NewSuccess(json.RawMessage(payload))
}

func TestSignatureCanonical(t *testing.T) {
	a := readOp(engine.EntityTask,
		engine.Clause{Field: "flagged", Op: engine.OpEq, Value: true},
		engine.Clause{Field: "name", Op: engine.OpContains, Value: "milk"})
	b := readOp(engine.EntityTask,
		engine.Clause{Field: "name", Op: engine.OpContains, Value: "milk"},
		engine.Clause{Field: "flagged", Op: engine.OpEq, Value: true})
	b.Predicate.Combinator = ""

	if mustSig(t, a) != mustSig(t, b) {
		t.Error("clause order or implicit AND changed the signature")
	}

	c := readOp(engine.EntityTask,
		engine.Clause{Field: "flagged", Op: engine.OpEq, Value: true},
		engine.Clause{Field: "name", Op: engine.OpContains, Value: "milk"})
	c.Predicate.Combinator = engine.CombineOr
	if mustSig(t, a) == mustSig(t, c) {
		t.Error("AND and OR share a signature")
	}

	p1 := readOp(engine.EntityTask)
	p1.Projection = []string{"name", "id", "name"}
	p2 := readOp(engine.EntityTask)
	p2.Projection = []string{"id", "name"}
	if mustSig(t, p1) != mustSig(t, p2) {
		t.Error("projection order or duplicates changed the signature")
	}

	page := readOp(engine.EntityTask)
	page.Pagination = &engine.Pagination{Limit: 10}
	if mustSig(t, page) == mustSig(t, readOp(engine.EntityTask)) {
		t.Error("pagination ignored by the signature")
	}

	for _, class := range engine.EntityClasses {
		sig := mustSig(t, readOp(class))
		if !strings.HasPrefix(sig, string(class)+":") {
			t.Errorf("signature %q lacks class prefix", sig)
		}
		if signatureClass(sig) != class {
			t.Errorf("signatureClass(%q) = %q", sig, signatureClass(sig))
		}
	}

	if _, err := Signature(&engine.Operation{EntityClass: "perspective"}); err == nil {
		t.Error("expected error for unknown class")
	}
}

func TestGetPutAndMaxAge(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)}
	m := NewManager(time.Minute, WithClock(clock.Now))
	sig := mustSig(t, readOp(engine.EntityTask))

	if _, ok := m.Get(sig); ok {
		t.Fatal("hit on empty cache")
	}
	if !m.Put(sig, success(`[{"id":"t1"}]`)) {
		t.Fatal("Put() rejected a success")
	}
	if _, ok := m.Get(sig); !ok {
		t.Fatal("miss after Put")
	}

	clock.Advance(59 * time.Second)
	if _, ok := m.Get(sig); !ok {
		t.Error("entry expired early")
	}
	clock.Advance(time.Second)
	if _, ok := m.Get(sig); ok {
		t.Error("entry served at max age")
	}
	if n := m.Sweep(); n != 1 || m.Len() != 0 {
		t.Errorf("Sweep() = %d, Len() = %d", n, m.Len())
	}

	if m.Put(sig, engine.NewBridgeFailure(engine.FailureTimeout, "slow")) {
		t.Error("failures must not be cached")
	}

	m.SetMaxAge(0)
	if m.Put(sig, success(`[]`)) {
		t.Error("Put() stored with caching disabled")
	}
}

func TestInvalidateClassPrefix(t *testing.T) {
	m := NewManager(time.Minute)

	sigs := map[engine.EntityClass]string{}
	for _, class := range engine.EntityClasses {
		sig := mustSig(t, readOp(class))
		sigs[class] = sig
		m.Put(sig, success(`[]`))
	}

	// A folder rename touches no dependent class.
	removed := m.Invalidate(engine.EntityFolder, []string{"f9"}, []string{"name"})
	if removed != 1 {
		t.Fatalf("Invalidate() removed %d, want 1", removed)
	}
	if _, ok := m.Get(sigs[engine.EntityFolder]); ok {
		t.Error("folder entry survived its own mutation")
	}
	for _, class := range []engine.EntityClass{engine.EntityTask, engine.EntityProject, engine.EntityTag} {
		if _, ok := m.Get(sigs[class]); !ok {
			t.Errorf("%s entry dropped by an unrelated mutation", class)
		}
	}
}

func TestInvalidateDependents(t *testing.T) {
	tests := []struct {
		name   string
		class  engine.EntityClass
		fields []string
		gone   []engine.EntityClass
		kept   []engine.EntityClass
	}{
		{
			name:   "task tags reach tags",
			class:  engine.EntityTask,
			fields: []string{"tags"},
			gone:   []engine.EntityClass{engine.EntityTask, engine.EntityTag},
			kept:   []engine.EntityClass{engine.EntityProject, engine.EntityFolder},
		},
		{
			name:   "tag rename reaches tasks and projects",
			class:  engine.EntityTag,
			fields: []string{"name"},
			gone:   []engine.EntityClass{engine.EntityTag, engine.EntityTask, engine.EntityProject},
			kept:   []engine.EntityClass{engine.EntityFolder},
		},
		{
			name:   "unmapped field stays in class",
			class:  engine.EntityTask,
			fields: []string{"note"},
			gone:   []engine.EntityClass{engine.EntityTask},
			kept:   []engine.EntityClass{engine.EntityProject, engine.EntityTag, engine.EntityFolder},
		},
		{
			name:  "project delete reaches tasks and folders",
			class: engine.EntityProject,
			gone:  []engine.EntityClass{engine.EntityProject, engine.EntityTask, engine.EntityFolder},
			kept:  []engine.EntityClass{engine.EntityTag},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(time.Minute)
			sigs := map[engine.EntityClass]string{}
			for _, class := range engine.EntityClasses {
				sigs[class] = mustSig(t, readOp(class))
				m.Put(sigs[class], success(`[]`))
			}

			m.Invalidate(tt.class, nil, tt.fields)

			for _, c := range tt.gone {
				if _, ok := m.Get(sigs[c]); ok {
					t.Errorf("%s entry survived", c)
				}
			}
			for _, c := range tt.kept {
				if _, ok := m.Get(sigs[c]); !ok {
					t.Errorf("%s entry dropped", c)
				}
			}
		})
	}
}

func TestInvalidateByReference(t *testing.T) {
	m := NewManager(time.Minute)

	projects := mustSig(t, readOp(engine.EntityProject))
	m.Put(projects, success(`[{"id":"p1","name":"Home","folderId":"f1"},{"id":"p2","folderId":null}]`))
	other := mustSig(t, readOp(engine.EntityProject, engine.Clause{Field: "name", Op: engine.OpEq, Value: "Work"}))
	m.Put(other, success(`[{"id":"p3","folderId":"f2"}]`))

	// Renaming folder f1 has no project rule for "name", but one cached
	// project payload names f1.
	removed := m.Invalidate(engine.EntityFolder, []string{"f1"}, []string{"name"})
	if removed != 1 {
		t.Fatalf("Invalidate() removed %d, want 1", removed)
	}
	if _, ok := m.Get(projects); ok {
		t.Error("entry referencing f1 survived")
	}
	if _, ok := m.Get(other); !ok {
		t.Error("entry not referencing f1 dropped")
	}
}

func TestInvalidateIdempotent(t *testing.T) {
	m := NewManager(time.Minute)
	for i := 0; i < 5; i++ {
		op := readOp(engine.EntityTask, engine.Clause{Field: "name", Op: engine.OpEq, Value: fmt.Sprintf("t%d", i)})
		m.Put(mustSig(t, op), success(`[]`))
	}
	keep := mustSig(t, readOp(engine.EntityFolder))
	m.Put(keep, success(`[]`))

	first := m.Invalidate(engine.EntityTask, []string{"t1"}, []string{"name"})
	afterFirst := m.Len()
	second := m.Invalidate(engine.EntityTask, []string{"t1"}, []string{"name"})

	if first != 5 {
		t.Errorf("first Invalidate() = %d, want 5", first)
	}
	if second != 0 {
		t.Errorf("second Invalidate() = %d, want 0", second)
	}
	if m.Len() != afterFirst || afterFirst != 1 {
		t.Errorf("Len() = %d after repeat, want %d", m.Len(), afterFirst)
	}
}

func TestPutIfCurrentRejectsOvertakenReads(t *testing.T) {
	m := NewManager(time.Minute)
	sig := mustSig(t, readOp(engine.EntityTag))

	epoch := m.Epoch(engine.EntityTag)
	// A task tag change lands while the tag read is in flight.
	m.Invalidate(engine.EntityTask, []string{"t1"}, []string{"tags"})

	if m.PutIfCurrent(sig, engine.EntityTag, epoch, success(`[{"id":"g1"}]`)) {
		t.Fatal("stale read stored after invalidation")
	}
	if _, ok := m.Get(sig); ok {
		t.Fatal("stale read served")
	}

	epoch = m.Epoch(engine.EntityTag)
	if !m.PutIfCurrent(sig, engine.EntityTag, epoch, success(`[{"id":"g1"}]`)) {
		t.Fatal("current read rejected")
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := NewManager(time.Minute)
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				class := engine.EntityClasses[(w+i)%len(engine.EntityClasses)]
				op := readOp(class, engine.Clause{Field: "name", Op: engine.OpEq, Value: fmt.Sprintf("n%d", i%7)})
				sig, err := Signature(op)
				if err != nil {
					t.Errorf("Signature() error = %v", err)
					return
				}
				switch i % 3 {
				case 0:
					m.PutIfCurrent(sig, class, m.Epoch(class), success(`[{"id":"x"}]`))
				case 1:
					m.Get(sig)
				default:
					m.Invalidate(class, []string{"x"}, []string{"name"})
				}
			}
		}(w)
	}
	wg.Wait()
}

func TestSweeperStops(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := NewManager(time.Millisecond, WithClock(clock.Now))
	m.Put(mustSig(t, readOp(engine.EntityTask)), success(`[]`))
	clock.Advance(time.Second)

	m.StartSweeper(5 * time.Millisecond)
	defer m.Close()

	deadline := time.Now().Add(2 * time.Second)
	for m.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.Len() != 0 {
		t.Error("sweeper did not remove expired entry")
	}
	m.Close()
}
