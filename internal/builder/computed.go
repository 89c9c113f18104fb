package builder

import (
	"context"
	"regexp"
	"strings"

	"metaforge/internal/core/value"
	"metaforge/internal/runtime"
)

var placeholder = regexp.MustCompile(`\{([a-z_][a-z0-9_]*)\}`)

type computedApplicator struct{}

func (computedApplicator) name() string { return "COMPUTED" }

// apply binds template and service derivations, and the fetchers of
// externally sourced fields. A sourced field without a service is filled
// by the caller.
func (computedApplicator) apply(_ context.Context, b *build) error {
	for _, f := range b.model.Fields {
		switch {
		case f.Computed != nil && f.Computed.Service != "":
			fn, err := b.services.Compute(f.Computed.Service)
			if err != nil {
				return b.resolveErr(err)
			}
			if err := b.typ.BindComputed(f.Name, func(ctx context.Context, rec *runtime.Record) (any, error) {
				return fn(ctx, rec)
			}); err != nil {
				return err
			}
		case f.Computed != nil:
			if err := b.typ.BindComputed(f.Name, template(f.Computed.Template)); err != nil {
				return err
			}
		case f.Source != nil && f.Source.Service != "":
			fn, err := b.services.Source(f.Source.Service)
			if err != nil {
				return b.resolveErr(err)
			}
			opts := f.Source.Options
			if err := b.typ.BindSource(f.Name, func(ctx context.Context, rec *runtime.Record) (any, error) {
				return fn(ctx, rec, opts)
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// template substitutes {field} placeholders from the current values.
// Missing or nil fields render as the empty string.
func template(src string) runtime.ComputeFunc {
	return func(_ context.Context, rec *runtime.Record) (any, error) {
		out := placeholder.ReplaceAllStringFunc(src, func(m string) string {
			return value.ToString(rec.Get(strings.Trim(m, "{}")))
		})
		return out, nil
	}
}
