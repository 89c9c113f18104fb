package runtime

import (
	"context"

	"metaforge/internal/condition"
	"metaforge/internal/core/value"
	"metaforge/internal/metadata"
)

// Guard gates a callback. cur is the about-to-be-saved state, prev the last
// persisted state (nil for new records).
type Guard func(ctx context.Context, cur, prev condition.Entity) bool

// Callback is a bound lifecycle hook or field watcher.
type Callback struct {
	Event string
	Kind  metadata.EventKind
	Field string
	Guard Guard
}

// Trigger is a callback that decided to fire.
type Trigger struct {
	Event string
	Kind  metadata.EventKind
	Field string
	Old   any
	New   any
}

// Triggers evaluates the lifecycle hooks of kind against rec.
func (t *Type) Triggers(ctx context.Context, kind metadata.EventKind, rec *Record) []Trigger {
	var out []Trigger
	prev := rec.previousEntity()
	for _, cb := range t.callbacks[kind] {
		if cb.Guard != nil && !cb.Guard(ctx, rec, prev) {
			continue
		}
		out = append(out, Trigger{Event: cb.Event, Kind: kind})
	}
	return out
}

// FieldChanges evaluates field watchers. Watchers never fire for new
// records and only fire when the watched value actually changed; the
// guard sees the new state.
func (t *Type) FieldChanges(ctx context.Context, rec *Record) []Trigger {
	if rec.IsNew() {
		return nil
	}
	var out []Trigger
	prev := rec.previousEntity()
	for _, cb := range t.watchers {
		oldV, _ := rec.Previous(cb.Field)
		newV := rec.Get(cb.Field)
		if value.Equal(oldV, newV) {
			continue
		}
		if cb.Guard != nil && !cb.Guard(ctx, rec, prev) {
			continue
		}
		out = append(out, Trigger{
			Event: cb.Event,
			Kind:  metadata.FieldChange,
			Field: cb.Field,
			Old:   oldV,
			New:   newV,
		})
	}
	return out
}
