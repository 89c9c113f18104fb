package builder

import (
	"context"

	"metaforge/internal/runtime"
)

type transformApplicator struct{}

func (transformApplicator) name() string { return "TRANSFORM" }

// apply binds type-inherited transforms first, then the field's own.
func (transformApplicator) apply(_ context.Context, b *build) error {
	for _, f := range b.model.Fields {
		names := append(append([]string(nil), f.TypeTransforms...), f.Transforms...)
		for _, n := range names {
			fn, err := b.services.Transform(n)
			if err != nil {
				return b.resolveErr(err)
			}
			if err := b.typ.BindTransform(f.Name, runtime.Transform(fn)); err != nil {
				return err
			}
		}
	}
	return nil
}
