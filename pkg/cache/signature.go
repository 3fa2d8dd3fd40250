package cache

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/openfroyo/focusbridge/pkg/engine"
)

// canonicalRead is the hashed form of a read. Clauses are sorted and
// projection fields deduplicated so equivalent reads share a signature.
type canonicalRead struct {
	Combinator engine.Combinator `json:"c,omitempty"`
	Clauses    []canonicalClause `json:"w,omitempty"`
	Projection []string          `json:"p,omitempty"`
	Offset     int               `json:"o,omitempty"`
	Limit      int               `json:"l,omitempty"`
}

type canonicalClause struct {
	Field string          `json:"f"`
	Op    engine.ClauseOp `json:"op"`
	Value json.RawMessage `json:"v,omitempty"`
}

// Signature returns "<class>:<hex digest>". The class prefix is what lets
// invalidation drop a whole class without decoding entries.
func Signature(op *engine.Operation) (string, error) {
	if !op.EntityClass.Valid() {
		return "", fmt.Errorf("unknown entity class %q", op.EntityClass)
	}

	cr := canonicalRead{}
	if op.Predicate != nil && !op.Predicate.Empty() {
		cr.Combinator = op.Predicate.Combinator
		for _, c := range op.Predicate.Clauses {
			cc := canonicalClause{Field: c.Field, Op: c.Op}
			if c.Value != nil {
				v, err := json.Marshal(c.Value)
				if err != nil {
					return "", fmt.Errorf("clause %s: %w", c.Field, err)
				}
				cc.Value = v
			}
			cr.Clauses = append(cr.Clauses, cc)
		}
		sort.Slice(cr.Clauses, func(i, j int) bool {
			a, b := cr.Clauses[i], cr.Clauses[j]
			if a.Field != b.Field {
				return a.Field < b.Field
			}
			if a.Op != b.Op {
				return a.Op < b.Op
			}
			return string(a.Value) < string(b.Value)
		})
		switch {
		case len(cr.Clauses) < 2:
			cr.Combinator = ""
		case cr.Combinator == "":
			cr.Combinator = engine.CombineAnd
		}
	}

	if len(op.Projection) > 0 {
		seen := make(map[string]struct{}, len(op.Projection))
		for _, f := range op.Projection {
			if _, dup := seen[f]; dup {
				continue
			}
			seen[f] = struct{}{}
			cr.Projection = append(cr.Projection, f)
		}
		sort.Strings(cr.Projection)
	}

	if op.Pagination != nil {
		cr.Offset = op.Pagination.Offset
		cr.Limit = op.Pagination.Limit
	}

	data, err := json.Marshal(cr)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return string(op.EntityClass) + ":" + hex.EncodeToString(sum[:]), nil
}

// signatureClass extracts the class prefix of a signature.
func signatureClass(sig string) engine.EntityClass {
	class, _, _ := strings.Cut(sig, ":")
	return engine.EntityClass(class)
}
