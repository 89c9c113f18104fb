// Package condition implements the declarative condition tree used by
// validation `when` clauses, conditional defaults, event guards and the
// nested-attribute reject_if filter.
package condition

import (
	"fmt"
	"regexp"
	"sort"

	"metaforge/internal/core/value"
)

// Operator is a leaf comparison operator.
type Operator string

const (
	Eq      Operator = "eq"
	NotEq   Operator = "not_eq"
	In      Operator = "in"
	NotIn   Operator = "not_in"
	Gt      Operator = "gt"
	Gte     Operator = "gte"
	Lt      Operator = "lt"
	Lte     Operator = "lte"
	Present Operator = "present"
	Blank   Operator = "blank"
	Matches Operator = "matches"
)

// Operators lists every supported operator.
var Operators = []Operator{Eq, NotEq, In, NotIn, Gt, Gte, Lt, Lte, Present, Blank, Matches}

// Valid reports whether op is supported.
func (op Operator) Valid() bool {
	for _, known := range Operators {
		if op == known {
			return true
		}
	}
	return false
}

// Unary reports operators that ignore Value.
func (op Operator) Unary() bool {
	return op == Present || op == Blank
}

// Condition is one node of a condition tree.
type Condition interface {
	isCondition()
}

// Leaf compares a field of the entity (or its previously persisted value)
// against a literal.
type Leaf struct {
	Field    string
	Operator Operator
	Value    any
	Previous bool
}

// Service defers to a named predicate from the service registry.
type Service struct {
	Name string
}

// Expr is a CEL expression over `record` and `previous` maps.
type Expr struct {
	Source string
}

// All is a conjunction. An empty All is true.
type All []Condition

// Any is a disjunction. An empty Any is false.
type Any []Condition

func (Leaf) isCondition()    {}
func (Service) isCondition() {}
func (Expr) isCondition()    {}
func (All) isCondition()     {}
func (Any) isCondition()     {}

// Validate checks a condition tree at definition time. It never looks at
// entity values.
func Validate(c Condition) error {
	switch n := c.(type) {
	case nil:
		return nil
	case Leaf:
		return n.validate()
	case *Leaf:
		if n == nil {
			return fmt.Errorf("nil leaf")
		}
		return n.validate()
	case Service:
		if n.Name == "" {
			return fmt.Errorf("service condition requires a name")
		}
		return nil
	case Expr:
		_, err := compileExpr(n.Source)
		return err
	case All:
		return validateEach(n)
	case Any:
		return validateEach(n)
	default:
		return fmt.Errorf("unsupported condition node %T", c)
	}
}

func validateEach(nodes []Condition) error {
	for i, n := range nodes {
		if err := Validate(n); err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
	}
	return nil
}

func (l Leaf) validate() error {
	if l.Field == "" {
		return fmt.Errorf("condition requires a field")
	}
	if !l.Operator.Valid() {
		return fmt.Errorf("unknown operator %q on field %q", l.Operator, l.Field)
	}
	switch l.Operator {
	case In, NotIn:
		if _, ok := value.List(l.Value); !ok {
			return fmt.Errorf("operator %s on field %q requires an array value", l.Operator, l.Field)
		}
	case Matches:
		pattern, ok := l.Value.(string)
		if !ok {
			return fmt.Errorf("operator matches on field %q requires a string pattern", l.Field)
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid pattern on field %q: %w", l.Field, err)
		}
	case Gt, Gte, Lt, Lte:
		if l.Value == nil {
			return fmt.Errorf("operator %s on field %q requires a value", l.Operator, l.Field)
		}
	}
	return nil
}

// Fields returns the distinct field names referenced by leaves, sorted.
// Expressions and service predicates are opaque and contribute nothing.
func Fields(c Condition) []string {
	seen := map[string]struct{}{}
	collect(c, seen)
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func collect(c Condition, seen map[string]struct{}) {
	switch n := c.(type) {
	case Leaf:
		seen[n.Field] = struct{}{}
	case *Leaf:
		if n != nil {
			seen[n.Field] = struct{}{}
		}
	case All:
		for _, child := range n {
			collect(child, seen)
		}
	case Any:
		for _, child := range n {
			collect(child, seen)
		}
	}
}
