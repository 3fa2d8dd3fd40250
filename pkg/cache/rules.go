package cache

import (
	"sort"

	"github.com/openfroyo/focusbridge/pkg/engine"
)

// InvalidationRule maps a written field of one class to the classes whose
// serialized entities derive something from it.
type InvalidationRule struct {
	EntityClass engine.EntityClass
	Field       string
	Dependents  []engine.EntityClass
}

// existenceField keys the rule applied when an entity is created or deleted.
const existenceField = ""

// DefaultRules is the static dependency table.
var DefaultRules = []InvalidationRule{
	{EntityClass: engine.EntityTask, Field: existenceField, Dependents: []engine.EntityClass{engine.EntityProject, engine.EntityTag}},
	{EntityClass: engine.EntityTask, Field: "tags", Dependents: []engine.EntityClass{engine.EntityTag}},
	{EntityClass: engine.EntityTask, Field: "projectId", Dependents: []engine.EntityClass{engine.EntityProject}},
	{EntityClass: engine.EntityTask, Field: "completed", Dependents: []engine.EntityClass{engine.EntityProject, engine.EntityTag}},

	{EntityClass: engine.EntityProject, Field: existenceField, Dependents: []engine.EntityClass{engine.EntityTask, engine.EntityFolder}},
	{EntityClass: engine.EntityProject, Field: "tags", Dependents: []engine.EntityClass{engine.EntityTag}},
	{EntityClass: engine.EntityProject, Field: "folderId", Dependents: []engine.EntityClass{engine.EntityFolder}},
	{EntityClass: engine.EntityProject, Field: "completed", Dependents: []engine.EntityClass{engine.EntityTask}},
	{EntityClass: engine.EntityProject, Field: "status", Dependents: []engine.EntityClass{engine.EntityTask}},

	{EntityClass: engine.EntityTag, Field: existenceField, Dependents: []engine.EntityClass{engine.EntityTask, engine.EntityProject}},
	{EntityClass: engine.EntityTag, Field: "name", Dependents: []engine.EntityClass{engine.EntityTask, engine.EntityProject}},

	{EntityClass: engine.EntityFolder, Field: existenceField, Dependents: []engine.EntityClass{engine.EntityProject}},
	{EntityClass: engine.EntityFolder, Field: "parentId", Dependents: []engine.EntityClass{engine.EntityProject}},
}

type ruleKey struct {
	class engine.EntityClass
	field string
}

// ruleTable indexes rules by class and field.
type ruleTable map[ruleKey][]engine.EntityClass

func newRuleTable(rules []InvalidationRule) ruleTable {
	t := make(ruleTable, len(rules))
	for _, r := range rules {
		k := ruleKey{r.EntityClass, r.Field}
		t[k] = append(t[k], r.Dependents...)
	}
	return t
}

// affected returns the classes a write of fields to class may have changed,
// the class itself included. No fields means the entity's existence changed.
func (t ruleTable) affected(class engine.EntityClass, fields []string) []engine.EntityClass {
	set := map[engine.EntityClass]struct{}{class: {}}
	if len(fields) == 0 {
		fields = []string{existenceField}
	}
	for _, f := range fields {
		for _, dep := range t[ruleKey{class, f}] {
			set[dep] = struct{}{}
		}
	}

	out := make([]engine.EntityClass, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
