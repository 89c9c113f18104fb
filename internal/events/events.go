// Package events defines the hand-off from record callbacks to whatever
// delivers them. Delivery semantics belong to the dispatcher.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"metaforge/internal/core/id"
	"metaforge/pkg/logger"
)

// Payload is one triggered event.
type Payload struct {
	ID         id.ID          `json:"id"`
	Event      string         `json:"event"`
	Kind       string         `json:"kind"`
	Model      string         `json:"model"`
	RecordID   int64          `json:"record_id"`
	Field      string         `json:"field,omitempty"`
	OldValue   any            `json:"old_value,omitempty"`
	NewValue   any            `json:"new_value,omitempty"`
	Record     map[string]any `json:"record,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Dispatcher delivers payloads. Dispatch runs inside the write transaction;
// an error aborts the write.
type Dispatcher interface {
	Dispatch(ctx context.Context, p Payload) error
}

// DispatcherFunc adapts a function.
type DispatcherFunc func(ctx context.Context, p Payload) error

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, p Payload) error { return f(ctx, p) }

// Nop discards every payload.
var Nop Dispatcher = DispatcherFunc(func(context.Context, Payload) error { return nil })

// Multi fans out to every dispatcher and joins their errors.
func Multi(ds ...Dispatcher) Dispatcher {
	return DispatcherFunc(func(ctx context.Context, p Payload) error {
		var errs []error
		for _, d := range ds {
			if err := d.Dispatch(ctx, p); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Log writes every payload to the context logger.
var Log Dispatcher = DispatcherFunc(func(ctx context.Context, p Payload) error {
	logger.Info(logger.WithModel(ctx, p.Model), "event",
		"event", p.Event,
		"record_id", p.RecordID,
		"field", p.Field,
	)
	return nil
})

// Recorder keeps payloads in memory.
type Recorder struct {
	mu       sync.Mutex
	payloads []Payload
}

// Dispatch implements Dispatcher.
func (r *Recorder) Dispatch(_ context.Context, p Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
	return nil
}

// Payloads returns a copy of everything recorded.
func (r *Recorder) Payloads() []Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Payload(nil), r.payloads...)
}

// Events returns the recorded event names in order.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.payloads))
	for i, p := range r.payloads {
		out[i] = p.Event
	}
	return out
}

// Count returns how often name was recorded.
func (r *Recorder) Count(name string) int {
	n := 0
	for _, e := range r.Events() {
		if e == name {
			n++
		}
	}
	return n
}

// Reset forgets everything.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = nil
}
