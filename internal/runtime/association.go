package runtime

import (
	"context"
	"fmt"

	"metaforge/internal/core/apperror"
	"metaforge/internal/core/value"
	"metaforge/internal/metadata"
)

// Association is a bound relation. Order is a function so that ordering is
// evaluated per query, not frozen at build time.
type Association struct {
	Name         string
	Kind         metadata.AssociationType
	Target       string
	ClassName    string
	Polymorphic  bool
	ForeignKey   string
	TypeColumn   string
	Required     bool
	Dependent    string
	InverseOf    string
	Through      string
	Source       string
	CounterCache bool
	Touch        bool
	Nested       *NestedPolicy

	Order func() []Order
}

// External reports a relation to a class outside the universe.
func (a *Association) External() bool {
	return a.ClassName != ""
}

// DefaultScope is the query every association read starts from.
func (a *Association) DefaultScope() Query {
	if a.Order == nil {
		return Query{}
	}
	return Query{Order: a.Order()}
}

// NestedPolicy governs "<name>_attributes" writes through a has_many or
// has_one association.
type NestedPolicy struct {
	AllowDestroy bool
	Limit        int
	UpdateOnly   bool
	RejectIf     func(ctx context.Context, attrs map[string]any) bool
}

// NestedPlan is the outcome of filtering nested entries.
type NestedPlan struct {
	Create  []map[string]any
	Update  []map[string]any // each carries "id"; with UpdateOnly an id of 0 means "the existing one"
	Destroy []int64
}

// Plan sorts nested entries into creates, updates and destroys.
func (p *NestedPolicy) Plan(ctx context.Context, assoc string, entries []map[string]any) (NestedPlan, error) {
	var plan NestedPlan
	if p.Limit > 0 && len(entries) > p.Limit {
		return plan, apperror.NewValidation(fmt.Sprintf("%s accepts at most %d nested records", assoc, p.Limit)).
			WithDetail("association", assoc).
			WithDetail("limit", p.Limit)
	}

	for _, raw := range entries {
		attrs := make(map[string]any, len(raw))
		for k, v := range raw {
			attrs[k] = v
		}
		destroy, _ := value.ToBool(attrs["_destroy"])
		delete(attrs, "_destroy")
		id, hasID := value.ToInt64(attrs["id"])
		hasID = hasID && id > 0

		if destroy && hasID {
			if p.AllowDestroy {
				plan.Destroy = append(plan.Destroy, id)
			}
			continue
		}
		if p.RejectIf != nil && p.RejectIf(ctx, attrs) {
			continue
		}
		switch {
		case hasID:
			plan.Update = append(plan.Update, attrs)
		case p.UpdateOnly:
			attrs["id"] = int64(0)
			plan.Update = append(plan.Update, attrs)
		default:
			delete(attrs, "id")
			plan.Create = append(plan.Create, attrs)
		}
	}
	return plan, nil
}

// Positioning is the bound ordering configuration.
type Positioning struct {
	Field       string
	ScopeColumn string
}

// ScopeValue returns the partition value of rec, nil when unscoped.
func (p *Positioning) ScopeValue(rec *Record) any {
	if p.ScopeColumn == "" {
		return nil
	}
	return rec.Get(p.ScopeColumn)
}
