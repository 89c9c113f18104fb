package condition

import (
	"fmt"
	"strings"
)

// Decode turns the loose map form found in YAML/JSON metadata into a tree.
//
//	{field: status, operator: eq, value: open}
//	{field: status, operator: eq, value: open, previous: true}
//	{service: owner_is_admin}
//	{expr: "record.priority > 3"}
//	{all: [...]} / {any: [...]}
//	[...]                                   (shorthand for all)
//
// A leaf with a value but no operator means eq.
func Decode(raw any) (Condition, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case Condition:
		return v, nil
	case []any:
		return decodeList(v, func(nodes []Condition) Condition { return All(nodes) })
	case map[string]any:
		return decodeMap(v)
	default:
		return nil, fmt.Errorf("condition must be a map or list, got %T", raw)
	}
}

func decodeMap(m map[string]any) (Condition, error) {
	if raw, ok := m["all"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("all: expected a list, got %T", raw)
		}
		return decodeList(list, func(nodes []Condition) Condition { return All(nodes) })
	}
	if raw, ok := m["any"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("any: expected a list, got %T", raw)
		}
		return decodeList(list, func(nodes []Condition) Condition { return Any(nodes) })
	}
	if raw, ok := m["service"]; ok {
		name, ok := raw.(string)
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("service: expected a name")
		}
		return Service{Name: name}, nil
	}
	if raw, ok := m["expr"]; ok {
		src, ok := raw.(string)
		if !ok || strings.TrimSpace(src) == "" {
			return nil, fmt.Errorf("expr: expected an expression string")
		}
		return Expr{Source: src}, nil
	}

	field, _ := m["field"].(string)
	if field == "" {
		return nil, fmt.Errorf("condition requires field, service, expr, all or any")
	}
	leaf := Leaf{Field: field, Value: m["value"]}
	if op, ok := m["operator"].(string); ok {
		leaf.Operator = Operator(op)
	} else if _, hasValue := m["value"]; hasValue {
		leaf.Operator = Eq
	} else {
		return nil, fmt.Errorf("condition on %q requires an operator", field)
	}
	if prev, ok := m["previous"].(bool); ok {
		leaf.Previous = prev
	}
	return leaf, nil
}

func decodeList(list []any, wrap func([]Condition) Condition) (Condition, error) {
	nodes := make([]Condition, 0, len(list))
	for i, item := range list {
		c, err := Decode(item)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		if c != nil {
			nodes = append(nodes, c)
		}
	}
	return wrap(nodes), nil
}
