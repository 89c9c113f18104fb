package runtime

import (
	"maps"

	"metaforge/internal/metadata"
)

// Order is one ordering term.
type Order struct {
	Field string
	Desc  bool
}

// Query is a declarative filter understood by every repository. A slice
// value in Where means IN, nil means IS NULL.
type Query struct {
	Where    map[string]any
	WhereNot map[string]any
	Order    []Order
	Limit    int
}

// Merge combines q with o. Filters are unioned with o winning on conflict,
// o's order terms come first and the smaller positive limit wins.
func (q Query) Merge(o Query) Query {
	out := Query{
		Where:    merge(q.Where, o.Where),
		WhereNot: merge(q.WhereNot, o.WhereNot),
		Order:    append(append([]Order(nil), o.Order...), q.Order...),
		Limit:    q.Limit,
	}
	if o.Limit > 0 && (out.Limit == 0 || o.Limit < out.Limit) {
		out.Limit = o.Limit
	}
	return out
}

// Eq returns a copy of q with an extra equality filter.
func (q Query) Eq(field string, v any) Query {
	return q.Merge(Query{Where: map[string]any{field: v}})
}

func merge(a, b map[string]any) map[string]any {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]any, len(a)+len(b))
	maps.Copy(out, a)
	maps.Copy(out, b)
	return out
}

func orderFrom(terms []metadata.OrderTerm) []Order {
	if len(terms) == 0 {
		return nil
	}
	out := make([]Order, len(terms))
	for i, t := range terms {
		out[i] = Order{Field: t.Field, Desc: t.Desc}
	}
	return out
}

func scopeQuery(s metadata.Scope) Query {
	return Query{
		Where:    maps.Clone(s.Where),
		WhereNot: maps.Clone(s.WhereNot),
		Order:    orderFrom(s.Order),
		Limit:    s.Limit,
	}
}
