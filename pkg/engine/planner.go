package engine

import (
	"fmt"
)

// Strategy is the execution form chosen for a read.
type Strategy string

const (
	// StrategyIndexed pushes a single equality or simple inequality into the
	// bridge's indexed whose() evaluator.
	StrategyIndexed Strategy = "indexed"

	// StrategyScanFiltered fetches the collection (optionally narrowed by an
	// indexed pre-filter) and evaluates the predicate inside the script before
	// serialization.
	StrategyScanFiltered Strategy = "scan_filtered"
)

// QueryPlan is the planner's decision for one read.
type QueryPlan struct {
	Strategy Strategy `json:"strategy"`

	// Index is the clause evaluated by whose(). For StrategyIndexed it is the
	// whole predicate; for StrategyScanFiltered it is an optional pre-filter.
	Index *Clause `json:"index,omitempty"`

	// Residual clauses are evaluated in-script, joined by Combinator.
	Residual   []Clause   `json:"residual,omitempty"`
	Combinator Combinator `json:"combinator,omitempty"`

	// Reason explains the choice, for logs and the plan command.
	Reason string `json:"reason"`
}

// Indexed reports whether the plan is a pure pushdown.
func (p *QueryPlan) Indexed() bool {
	return p != nil && p.Strategy == StrategyIndexed
}

// DefaultPlanner chooses between indexed pushdown and scan-filtered reads.
type DefaultPlanner struct{}

// NewPlanner creates a new planner.
func NewPlanner() *DefaultPlanner {
	return &DefaultPlanner{}
}

// Plan selects the query strategy for a predicate over an entity class.
//
// A predicate is Indexed only when it is a single clause on an indexed field
// comparing by equality (including equality to null) or simple inequality
// against a non-null value of the field's own type. Not-null tests, substring
// matches, disjunctions and type-mismatched comparisons are scanned. A
// conjunction with at least one indexable clause keeps that clause as a
// whose() pre-filter and scans only the remainder.
func (p *DefaultPlanner) Plan(class EntityClass, pred *Predicate) (*QueryPlan, error) {
	if !class.Valid() {
		return nil, NewPermanentError(fmt.Sprintf("unknown entity class %q", class), nil).
			WithCode(ErrCodeValidation)
	}
	if pred.Empty() {
		return &QueryPlan{
			Strategy: StrategyScanFiltered,
			Reason:   "empty predicate: full collection",
		}, nil
	}

	clauses := make([]Clause, len(pred.Clauses))
	for i, c := range pred.Clauses {
		c = c.normalized()
		if _, ok := LookupField(class, c.Field); !ok {
			return nil, NewPermanentError(fmt.Sprintf("unknown field %q for %s", c.Field, class), nil).
				WithCode(ErrCodeValidation).
				WithEntity(class)
		}
		clauses[i] = c
	}

	combinator := pred.Combinator
	if combinator == "" {
		combinator = CombineAnd
	}

	scanAll := func(reason string) *QueryPlan {
		return &QueryPlan{
			Strategy:   StrategyScanFiltered,
			Residual:   clauses,
			Combinator: combinator,
			Reason:     reason,
		}
	}

	if len(clauses) == 1 {
		ok, why := indexable(class, clauses[0])
		if !ok {
			return scanAll(why), nil
		}
		c := clauses[0]
		return &QueryPlan{
			Strategy: StrategyIndexed,
			Index:    &c,
			Reason:   "single indexable clause",
		}, nil
	}

	if combinator == CombineOr {
		return scanAll("disjunction cannot be pushed down"), nil
	}
	if mixedTypes(class, clauses) {
		return scanAll("mixed value types across clauses"), nil
	}

	for i, c := range clauses {
		if ok, _ := indexable(class, c); !ok {
			continue
		}
		pre := c
		residual := make([]Clause, 0, len(clauses)-1)
		residual = append(residual, clauses[:i]...)
		residual = append(residual, clauses[i+1:]...)
		return &QueryPlan{
			Strategy:   StrategyScanFiltered,
			Index:      &pre,
			Residual:   residual,
			Combinator: CombineAnd,
			Reason:     fmt.Sprintf("partially indexable: %s pre-filtered", pre.Field),
		}, nil
	}
	return scanAll("no indexable clause"), nil
}

// indexable reports whether a normalized clause may be evaluated by whose().
func indexable(class EntityClass, c Clause) (bool, string) {
	spec, _ := LookupField(class, c.Field)
	if !spec.Indexed {
		return false, fmt.Sprintf("field %s is not indexed", c.Field)
	}
	switch c.Op {
	case OpIsNull:
		return true, ""
	case OpNotNull:
		return false, "not-null tests are unreliable in whose()"
	case OpContains:
		return false, "substring matching is scanned"
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
	default:
		return false, fmt.Sprintf("operator %s is scanned", c.Op)
	}
	if !typeMatches(spec.Type, c.Value) {
		return false, fmt.Sprintf("value type %s does not match field %s", valueType(c.Value), c.Field)
	}
	if spec.Type == FieldBool && c.Op != OpEq && c.Op != OpNe {
		return false, "ordering on a boolean field"
	}
	return true, ""
}

func typeMatches(ft FieldType, v interface{}) bool {
	vt := valueType(v)
	switch ft {
	case FieldString:
		return vt == "string"
	case FieldBool:
		return vt == "bool"
	case FieldNumber:
		return vt == "number"
	case FieldDate:
		return vt == "date"
	}
	return false
}

// mixedTypes reports a conjunction where one field is compared against
// values of different types, or where a value does not match its field.
func mixedTypes(class EntityClass, clauses []Clause) bool {
	seen := make(map[string]string, len(clauses))
	for _, c := range clauses {
		if c.Op == OpIsNull || c.Op == OpNotNull {
			continue
		}
		vt := valueType(c.Value)
		spec, _ := LookupField(class, c.Field)
		if spec.Type == FieldList {
			if c.Op != OpContains || vt != "string" {
				return true
			}
		} else if c.Op != OpContains && !typeMatches(spec.Type, c.Value) {
			return true
		}
		if prev, ok := seen[c.Field]; ok && prev != vt {
			return true
		}
		seen[c.Field] = vt
	}
	return false
}
