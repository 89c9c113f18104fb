// Package service is the registry of named callables that metadata refers to:
// dynamic defaults, computed-field services, custom validators, predicates,
// transforms and external sources.
//
// Lookups happen once, at build time. A missing name surfaces as a
// ErrNotFound-wrapping error and the builder turns it into a build failure.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"metaforge/internal/condition"
)

// Record is the view of a runtime instance that services receive.
type Record interface {
	condition.Entity
	ID() int64
	IsNew() bool
	Get(field string) any
	Set(field string, v any)
	AddError(field, code, message string)
}

type (
	// DefaultFunc produces an initial value for an unset field.
	DefaultFunc func(ctx context.Context, rec Record) (any, error)

	// ComputeFunc derives a field value before save.
	ComputeFunc func(ctx context.Context, rec Record) (any, error)

	// ValidatorFunc reports problems through rec.AddError.
	ValidatorFunc func(ctx context.Context, rec Record, field string, opts map[string]any)

	// TransformFunc normalizes a value on assignment.
	TransformFunc func(v any) any

	// SourceFunc fetches an externally sourced (virtual) field value.
	SourceFunc func(ctx context.Context, rec Record, opts map[string]any) (any, error)
)

// Kind names a family of services.
type Kind string

const (
	KindDefault   Kind = "default"
	KindCompute   Kind = "compute"
	KindValidator Kind = "validator"
	KindPredicate Kind = "predicate"
	KindTransform Kind = "transform"
	KindSource    Kind = "source"
)

// ErrNotFound is wrapped by every failed lookup.
var ErrNotFound = errors.New("service not registered")

// NotFoundError describes a failed lookup.
type NotFoundError struct {
	Kind Kind
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s service %q not registered", e.Kind, e.Name)
}

// Is makes errors.Is(err, ErrNotFound) work.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Registry is safe for concurrent use. Later registrations replace earlier
// ones under the same kind and name.
type Registry struct {
	mu      sync.RWMutex
	entries map[Kind]map[string]any
	now     func() time.Time
}

// NewRegistry returns a registry pre-populated with the built-in transforms
// and dynamic defaults.
func NewRegistry() *Registry {
	r := NewEmptyRegistry()
	registerBuiltins(r)
	return r
}

// NewEmptyRegistry returns a registry without built-ins.
func NewEmptyRegistry() *Registry {
	return &Registry{entries: make(map[Kind]map[string]any), now: time.Now}
}

// SetClock replaces the clock used by time-based built-ins.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Registry) clock() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.now().UTC()
}

func (r *Registry) put(kind Kind, name string, fn any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.entries[kind]
	if !ok {
		m = make(map[string]any)
		r.entries[kind] = m
	}
	m[name] = fn
}

func lookup[F any](r *Registry, kind Kind, name string) (F, error) {
	var zero F
	r.mu.RLock()
	raw, ok := r.entries[kind][name]
	r.mu.RUnlock()
	if !ok {
		return zero, &NotFoundError{Kind: kind, Name: name}
	}
	fn, ok := raw.(F)
	if !ok {
		return zero, fmt.Errorf("%s service %q has type %T", kind, name, raw)
	}
	return fn, nil
}

// RegisterDefault registers a dynamic default.
func (r *Registry) RegisterDefault(name string, fn DefaultFunc) { r.put(KindDefault, name, fn) }

// RegisterCompute registers a computed-field service.
func (r *Registry) RegisterCompute(name string, fn ComputeFunc) { r.put(KindCompute, name, fn) }

// RegisterValidator registers a custom validator.
func (r *Registry) RegisterValidator(name string, fn ValidatorFunc) {
	r.put(KindValidator, name, fn)
}

// RegisterPredicate registers a condition predicate.
func (r *Registry) RegisterPredicate(name string, fn condition.Predicate) {
	r.put(KindPredicate, name, fn)
}

// RegisterTransform registers a value transform.
func (r *Registry) RegisterTransform(name string, fn TransformFunc) {
	r.put(KindTransform, name, fn)
}

// RegisterSource registers an external field source.
func (r *Registry) RegisterSource(name string, fn SourceFunc) { r.put(KindSource, name, fn) }

// Default resolves a dynamic default.
func (r *Registry) Default(name string) (DefaultFunc, error) {
	return lookup[DefaultFunc](r, KindDefault, name)
}

// Compute resolves a computed-field service.
func (r *Registry) Compute(name string) (ComputeFunc, error) {
	return lookup[ComputeFunc](r, KindCompute, name)
}

// Validator resolves a custom validator.
func (r *Registry) Validator(name string) (ValidatorFunc, error) {
	return lookup[ValidatorFunc](r, KindValidator, name)
}

// Predicate resolves a predicate. It makes Registry a condition.Resolver.
func (r *Registry) Predicate(name string) (condition.Predicate, error) {
	return lookup[condition.Predicate](r, KindPredicate, name)
}

// Transform resolves a transform.
func (r *Registry) Transform(name string) (TransformFunc, error) {
	return lookup[TransformFunc](r, KindTransform, name)
}

// Source resolves an external source.
func (r *Registry) Source(name string) (SourceFunc, error) {
	return lookup[SourceFunc](r, KindSource, name)
}

// Names lists registered names of one kind, sorted.
func (r *Registry) Names(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries[kind]))
	for name := range r.entries[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
