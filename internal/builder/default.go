package builder

import (
	"context"
	"maps"
	"slices"

	"metaforge/internal/metadata"
	"metaforge/internal/runtime"
)

type defaultApplicator struct{}

func (defaultApplicator) name() string { return "DEFAULT" }

func (defaultApplicator) apply(_ context.Context, b *build) error {
	for _, f := range b.model.Fields {
		d := f.Default
		if d == nil || f.Computed != nil {
			continue
		}
		when, err := b.compile(d.When)
		if err != nil {
			return err
		}
		guard := b.guard(when)

		var produce func(ctx context.Context, rec *runtime.Record) (any, error)
		switch d.Kind {
		case metadata.DefaultLiteral:
			lit := d.Value
			produce = func(context.Context, *runtime.Record) (any, error) { return cloneLiteral(lit), nil }
		case metadata.DefaultDynamic, metadata.DefaultService:
			fn, err := b.services.Default(d.Name)
			if err != nil {
				return b.resolveErr(err)
			}
			produce = func(ctx context.Context, rec *runtime.Record) (any, error) { return fn(ctx, rec) }
		default:
			return b.fail("DEFAULT", "field %q has unknown default kind %q", f.Name, d.Kind)
		}

		err = b.typ.BindDefault(f.Name, func(ctx context.Context, rec *runtime.Record) (any, bool, error) {
			if !guard(ctx, rec) {
				return nil, false, nil
			}
			v, err := produce(ctx, rec)
			if err != nil {
				return nil, false, err
			}
			return v, true, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// cloneLiteral keeps json literals from being shared between records.
func cloneLiteral(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = cloneLiteral(item)
		}
		return out
	case []any:
		out := slices.Clone(x)
		for i, item := range out {
			out[i] = cloneLiteral(item)
		}
		return out
	case map[string]string:
		return maps.Clone(x)
	}
	return v
}
