package builder

import (
	"context"

	"metaforge/internal/condition"
	"metaforge/internal/runtime"
)

type callbackApplicator struct{}

func (callbackApplicator) name() string { return "CALLBACK" }

func (callbackApplicator) apply(_ context.Context, b *build) error {
	for _, ev := range b.model.Events {
		compiled, err := b.compile(ev.Condition)
		if err != nil {
			return err
		}
		cb := runtime.Callback{Event: ev.Name, Kind: ev.On, Field: ev.Field}
		if compiled != nil {
			eval := b.eval
			cb.Guard = func(ctx context.Context, cur, prev condition.Entity) bool {
				return eval.Evaluate(ctx, compiled, cur, prev)
			}
		}
		if err := b.typ.BindCallback(cb); err != nil {
			return err
		}
	}
	return nil
}
