package records

import (
	"context"

	"metaforge/internal/runtime"
)

// HookEvent represents a lifecycle point of the records service.
type HookEvent string

const (
	BeforeCreate  HookEvent = "before_create"
	AfterCreate   HookEvent = "after_create"
	BeforeUpdate  HookEvent = "before_update"
	AfterUpdate   HookEvent = "after_update"
	BeforeDestroy HookEvent = "before_destroy"
	AfterDestroy  HookEvent = "after_destroy"
)

// Hook runs in-process at a lifecycle point. Every hook runs inside the
// write transaction; an error aborts the write.
type Hook func(ctx context.Context, rec *runtime.Record) error

// Hooks stores in-process hooks per model.
type Hooks struct {
	hooks map[string]map[HookEvent][]Hook
}

// AnyModel registers a hook for all models.
const AnyModel = "*"

// NewHooks creates an empty registry.
func NewHooks() *Hooks {
	return &Hooks{hooks: make(map[string]map[HookEvent][]Hook)}
}

// On registers a hook for the specified model and event.
func (h *Hooks) On(model string, event HookEvent, hook Hook) {
	byEvent, ok := h.hooks[model]
	if !ok {
		byEvent = make(map[HookEvent][]Hook)
		h.hooks[model] = byEvent
	}
	byEvent[event] = append(byEvent[event], hook)
}

// Run executes the model-specific hooks, then the wildcard ones.
func (h *Hooks) Run(ctx context.Context, event HookEvent, rec *runtime.Record) error {
	if h == nil {
		return nil
	}
	for _, model := range []string{rec.Type().Name(), AnyModel} {
		for _, hook := range h.hooks[model][event] {
			if err := hook(ctx, rec); err != nil {
				return err
			}
		}
	}
	return nil
}
