package builder

import (
	"context"
	"slices"

	"metaforge/internal/condition"
	"metaforge/internal/core/value"
	"metaforge/internal/metadata"
	"metaforge/internal/runtime"
)

type associationApplicator struct{}

func (associationApplicator) name() string { return "ASSOCIATION" }

func (associationApplicator) apply(_ context.Context, b *build) error {
	for _, a := range b.model.Associations {
		ra := &runtime.Association{
			Name:         a.Name,
			Kind:         a.Type,
			Target:       a.Target,
			ClassName:    a.ClassName,
			Polymorphic:  a.Polymorphic,
			ForeignKey:   a.ForeignKey,
			TypeColumn:   a.TypeColumn(),
			Required:     a.Required,
			Dependent:    a.Dependent,
			InverseOf:    a.InverseOf,
			Through:      a.Through,
			Source:       a.Source,
			CounterCache: a.CounterCache,
			Touch:        a.Touch,
		}
		if ra.ForeignKey == "" && a.Type != metadata.BelongsTo {
			ra.ForeignKey = b.model.Name + "_id"
		}
		if len(a.Order) > 0 {
			terms := slices.Clone(a.Order)
			ra.Order = func() []runtime.Order {
				out := make([]runtime.Order, len(terms))
				for i, t := range terms {
					out[i] = runtime.Order{Field: t.Field, Desc: t.Desc}
				}
				return out
			}
		}

		if a.Nested != nil && a.Type != metadata.BelongsTo {
			policy, err := nestedPolicy(b, a.Nested)
			if err != nil {
				return err
			}
			ra.Nested = policy
		}

		if err := b.typ.BindAssociation(ra); err != nil {
			return err
		}
		if a.Type == metadata.BelongsTo && a.Required {
			fk := ra.ForeignKey
			name := a.Name
			if err := b.typ.BindValidator(name+".required", func(_ context.Context, rec *runtime.Record) {
				if value.IsBlank(rec.Get(fk)) {
					rec.AddError(name, "required", "must exist")
				}
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func nestedPolicy(b *build, n *metadata.NestedAttributes) (*runtime.NestedPolicy, error) {
	p := &runtime.NestedPolicy{
		AllowDestroy: n.AllowDestroy,
		Limit:        n.Limit,
		UpdateOnly:   n.UpdateOnly,
	}
	if n.RejectIf != nil {
		reject, err := b.compile(n.RejectIf)
		if err != nil {
			return nil, err
		}
		eval := b.eval
		p.RejectIf = func(ctx context.Context, attrs map[string]any) bool {
			return eval.Evaluate(ctx, reject, condition.Snapshot(attrs), nil)
		}
	}
	return p, nil
}
