package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Combinator joins the clauses of a predicate.
type Combinator string

const (
	CombineAnd Combinator = "and"
	CombineOr  Combinator = "or"
)

// ClauseOp is a comparison inside a clause.
type ClauseOp string

const (
	OpEq       ClauseOp = "eq"
	OpNe       ClauseOp = "ne"
	OpLt       ClauseOp = "lt"
	OpLte      ClauseOp = "lte"
	OpGt       ClauseOp = "gt"
	OpGte      ClauseOp = "gte"
	OpContains ClauseOp = "contains"
	OpIsNull   ClauseOp = "isNull"
	OpNotNull  ClauseOp = "notNull"
)

// Clause compares one field against a value.
type Clause struct {
	Field string      `json:"field"`
	Op    ClauseOp    `json:"op"`
	Value interface{} `json:"value,omitempty"`
}

// Predicate is a flat boolean combination of clauses.
type Predicate struct {
	Combinator Combinator `json:"combinator,omitempty"`
	Clauses    []Clause   `json:"clauses"`
}

// Empty reports whether the predicate matches everything.
func (p *Predicate) Empty() bool {
	return p == nil || len(p.Clauses) == 0
}

// Fields returns the distinct fields referenced by the predicate, sorted.
func (p *Predicate) Fields() []string {
	if p.Empty() {
		return nil
	}
	seen := make(map[string]struct{}, len(p.Clauses))
	out := make([]string, 0, len(p.Clauses))
	for _, c := range p.Clauses {
		if _, ok := seen[c.Field]; ok {
			continue
		}
		seen[c.Field] = struct{}{}
		out = append(out, c.Field)
	}
	sort.Strings(out)
	return out
}

// HasNotNull reports whether any clause is a negated-null test.
func (p *Predicate) HasNotNull() bool {
	if p.Empty() {
		return false
	}
	for _, c := range p.Clauses {
		if c.normalized().Op == OpNotNull {
			return true
		}
	}
	return false
}

// normalized rewrites null comparisons into their explicit null-test form,
// so `ne null` is always seen as a not-null test.
func (c Clause) normalized() Clause {
	if c.Value != nil {
		return c
	}
	switch c.Op {
	case OpEq:
		return Clause{Field: c.Field, Op: OpIsNull}
	case OpNe:
		return Clause{Field: c.Field, Op: OpNotNull}
	}
	return c
}

// valueType names the comparison type of a clause value.
func valueType(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case time.Time, *time.Time:
		return "date"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return "number"
	default:
		return "other"
	}
}

var opAliases = map[string]ClauseOp{
	"eq": OpEq, "=": OpEq, "equals": OpEq,
	"ne": OpNe, "!=": OpNe, "not": OpNe,
	"lt": OpLt, "<": OpLt, "before": OpLt,
	"lte": OpLte, "<=": OpLte,
	"gt": OpGt, ">": OpGt, "after": OpGt,
	"gte": OpGte, ">=": OpGte,
	"contains": OpContains, "includes": OpContains,
}

// ParsePredicate builds a predicate from its map form, for example
//
//	{"dueDate": {"not": null}, "flagged": true}
//	{"$or": [{"flagged": true}, {"name": {"contains": "call"}}]}
//
// Top-level keys combine with AND; "$or" takes a list of single-key maps.
// String values in RFC 3339 form become time.Time so they reach the script
// as constructed dates.
func ParsePredicate(raw map[string]interface{}) (*Predicate, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if alts, ok := raw["$or"]; ok {
		if len(raw) != 1 {
			return nil, fmt.Errorf("predicate: $or cannot be mixed with other keys")
		}
		list, ok := alts.([]interface{})
		if !ok || len(list) == 0 {
			return nil, fmt.Errorf("predicate: $or expects a non-empty list")
		}
		pred := &Predicate{Combinator: CombineOr}
		for i, item := range list {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("predicate: $or[%d] is not an object", i)
			}
			sub, err := parseFields(m)
			if err != nil {
				return nil, fmt.Errorf("predicate: $or[%d]: %w", i, err)
			}
			if len(sub) != 1 {
				return nil, fmt.Errorf("predicate: $or[%d] must hold exactly one condition", i)
			}
			pred.Clauses = append(pred.Clauses, sub...)
		}
		return pred, nil
	}
	clauses, err := parseFields(raw)
	if err != nil {
		return nil, fmt.Errorf("predicate: %w", err)
	}
	return &Predicate{Combinator: CombineAnd, Clauses: clauses}, nil
}

func parseFields(raw map[string]interface{}) ([]Clause, error) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]Clause, 0, len(keys))
	for _, field := range keys {
		if strings.HasPrefix(field, "$") {
			return nil, fmt.Errorf("unsupported operator key %q", field)
		}
		spec, ok := raw[field].(map[string]interface{})
		if !ok {
			clauses = append(clauses, Clause{Field: field, Op: OpEq, Value: coerceValue(raw[field])}.normalized())
			continue
		}
		if len(spec) == 0 {
			return nil, fmt.Errorf("field %q has an empty condition", field)
		}
		opKeys := make([]string, 0, len(spec))
		for k := range spec {
			opKeys = append(opKeys, k)
		}
		sort.Strings(opKeys)
		for _, name := range opKeys {
			op, ok := opAliases[name]
			if !ok {
				return nil, fmt.Errorf("field %q: unknown operator %q", field, name)
			}
			clauses = append(clauses, Clause{Field: field, Op: op, Value: coerceValue(spec[name])}.normalized())
		}
	}
	return clauses, nil
}

func coerceValue(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return v
}

// UnmarshalJSON accepts either the structured form
// ({"combinator":"and","clauses":[...]}) or the map form understood by ParsePredicate.
func (p *Predicate) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if _, structured := fields["clauses"]; structured {
		type plain Predicate
		var out plain
		if err := json.Unmarshal(data, &out); err != nil {
			return err
		}
		*p = Predicate(out)
		if p.Combinator == "" {
			p.Combinator = CombineAnd
		}
		for i := range p.Clauses {
			p.Clauses[i].Value = coerceValue(p.Clauses[i].Value)
			p.Clauses[i] = p.Clauses[i].normalized()
		}
		return nil
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParsePredicate(raw)
	if err != nil {
		return err
	}
	if parsed == nil {
		*p = Predicate{Combinator: CombineAnd}
		return nil
	}
	*p = *parsed
	return nil
}
