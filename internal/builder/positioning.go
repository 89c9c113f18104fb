package builder

import (
	"context"

	"metaforge/internal/core/apperror"
	"metaforge/internal/metadata"
	"metaforge/internal/runtime"
)

type positioningApplicator struct{}

func (positioningApplicator) name() string { return "POSITIONING" }

// apply requires a stored integer column. The scope may name a field or a
// belongs_to association, in which case its foreign key partitions the order.
func (positioningApplicator) apply(_ context.Context, b *build) error {
	p := b.model.Positioning
	if p == nil {
		return nil
	}
	f, ok := b.model.Field(p.Field)
	if !ok {
		return b.fail(apperror.ReasonPositioning, "positioning field %q is not declared", p.Field)
	}
	if f.Virtual() {
		return b.fail(apperror.ReasonPositioning, "positioning field %q is virtual", p.Field)
	}
	if f.Type != metadata.TypeInteger {
		return b.fail(apperror.ReasonPositioning, "positioning field %q is %s, not integer", p.Field, f.Type)
	}

	rp := &runtime.Positioning{Field: p.Field}
	if p.Scope != "" {
		rp.ScopeColumn = p.Scope
		if a, ok := b.model.Association(p.Scope); ok && a.Type == metadata.BelongsTo {
			rp.ScopeColumn = a.ForeignKey
		}
		if sf, ok := b.model.Field(rp.ScopeColumn); ok && sf.Virtual() {
			return b.fail(apperror.ReasonPositioning, "positioning scope %q is virtual", rp.ScopeColumn)
		}
	}
	return b.typ.BindPositioning(rp)
}
