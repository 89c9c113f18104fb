// Package compiler turns a set of model definitions into a published
// universe of runtime types. A reload validates every definition, checks
// references between them, synchronizes the schema and builds each type.
// Only a reload that succeeds end to end replaces the published universe.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"metaforge/internal/builder"
	"metaforge/internal/core/apperror"
	"metaforge/internal/metadata"
	rt "metaforge/internal/runtime"
	"metaforge/pkg/logger"
)

var tracer = otel.Tracer("metaforge/compiler")

// Source yields a complete definition set.
type Source func() ([]*metadata.Model, error)

// DirSource loads every model file under dir with a fresh type catalog.
func DirSource(dir string) Source {
	return func() ([]*metadata.Model, error) {
		return metadata.LoadDir(dir, metadata.NewTypeCatalog())
	}
}

// ChangeListener is told about each model whose definition changed in a
// published reload, together with the universe that now holds it.
type ChangeListener func(model string, u *rt.Universe)

// Result describes a published reload.
type Result struct {
	Version  string
	Models   []string
	Changed  []string
	Duration time.Duration
}

// Compiler owns the published universe.
type Compiler struct {
	builder  *builder.Builder
	registry *metadata.Registry

	// mu serializes reloads; readers never take it.
	mu       sync.Mutex
	universe atomic.Pointer[rt.Universe]
	flight   singleflight.Group

	listenersMu sync.RWMutex
	listeners   []ChangeListener
}

// New creates a compiler publishing into registry. A nil registry gets a
// private one.
func New(b *builder.Builder, registry *metadata.Registry) *Compiler {
	if registry == nil {
		registry = metadata.NewRegistry()
	}
	c := &Compiler{builder: b, registry: registry}
	c.universe.Store(rt.NewUniverse("0"))
	return c
}

// Universe returns the currently published universe. It is never nil.
func (c *Compiler) Universe() *rt.Universe {
	return c.universe.Load()
}

// Registry returns the definitions behind the published universe.
func (c *Compiler) Registry() *metadata.Registry {
	return c.registry
}

// OnChange registers a listener. Listeners run after publication on the
// reloading goroutine.
func (c *Compiler) OnChange(fn ChangeListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Trigger loads src and reloads. Triggers arriving while one is in flight
// share its outcome.
func (c *Compiler) Trigger(ctx context.Context, src Source) (*Result, error) {
	v, err, shared := c.flight.Do("reload", func() (any, error) {
		models, err := src()
		if err != nil {
			return nil, fmt.Errorf("load definitions: %w", err)
		}
		return c.Reload(ctx, models)
	})
	if shared {
		logger.Debug(ctx, "reload trigger collapsed")
	}
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// Reload compiles models and publishes them. On any error the previous
// universe stays in place.
func (c *Compiler) Reload(ctx context.Context, models []*metadata.Model) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	started := time.Now()
	ctx, span := tracer.Start(ctx, "compiler.Reload",
		trace.WithAttributes(attribute.Int("models", len(models))))
	defer span.End()

	types, err := c.compile(ctx, models)
	if err != nil {
		span.RecordError(err)
		logger.Error(ctx, "reload failed, keeping previous definitions",
			"version", c.Universe().Version(), "error", err)
		return nil, err
	}

	changed := c.registry.Replace(models)
	version := strconv.FormatInt(c.registry.Version(), 10)
	u := rt.NewUniverse(version, types...)
	c.universe.Store(u)

	res := &Result{Version: version, Models: u.Names(), Changed: changed, Duration: time.Since(started)}
	logger.Info(ctx, "definitions published",
		"version", version, "models", len(models), "changed", changed, "duration", res.Duration)

	c.notify(ctx, changed, u)
	return res, nil
}

func (c *Compiler) compile(ctx context.Context, models []*metadata.Model) ([]*rt.Type, error) {
	if err := Check(ctx, models); err != nil {
		return nil, err
	}

	sorted := append([]*metadata.Model(nil), models...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	// Builds run one at a time: each may issue DDL.
	types := make([]*rt.Type, 0, len(sorted))
	for _, m := range sorted {
		t, err := c.builder.Build(ctx, m)
		if err != nil {
			return nil, err
		}
		logger.Info(logger.WithModel(ctx, m.Name), "model built", "table", m.Table)
		types = append(types, t)
	}
	return types, nil
}

func (c *Compiler) notify(ctx context.Context, changed []string, u *rt.Universe) {
	c.listenersMu.RLock()
	listeners := append([]ChangeListener(nil), c.listeners...)
	c.listenersMu.RUnlock()

	for _, name := range changed {
		for _, fn := range listeners {
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error(logger.WithModel(ctx, name), "change listener panic recovered", "panic", r)
					}
				}()
				fn(name, u)
			}()
		}
	}
}

// Check validates every definition on its own, then the references between
// them. All problems are reported together.
func Check(ctx context.Context, models []*metadata.Model) error {
	errs := make([]error, len(models))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, m := range models {
		g.Go(func() error {
			errs[i] = m.Validate()
			return nil
		})
	}
	_ = g.Wait()

	byName := make(map[string]*metadata.Model, len(models))
	for _, m := range models {
		if prev, dup := byName[m.Name]; dup && prev != m {
			errs = append(errs, apperror.NewDefinition(m.Name, apperror.Issue{
				Code: "duplicate", Message: fmt.Sprintf("model %q is defined twice", m.Name),
			}))
			continue
		}
		byName[m.Name] = m
	}
	tables := make(map[string]string, len(models))
	for _, m := range models {
		if other, taken := tables[m.Table]; taken && other != m.Name {
			errs = append(errs, apperror.NewDefinition(m.Name, apperror.Issue{
				Field: "table", Code: "duplicate", Message: fmt.Sprintf("table %q is already used by %q", m.Table, other),
			}))
			continue
		}
		tables[m.Table] = m.Name
	}

	for _, m := range models {
		errs = append(errs, references(m, byName)...)
	}
	return errors.Join(errs...)
}

// references checks that association targets exist and that counter
// caches have a column to count into.
func references(m *metadata.Model, byName map[string]*metadata.Model) []error {
	var errs []error
	unknown := func(a metadata.Association, msg string) {
		errs = append(errs, apperror.NewBuild(m.Name, apperror.ReasonUnknownTarget, msg).
			WithDetail("association", a.Name))
	}

	for _, a := range m.Associations {
		if a.Through != "" {
			if _, ok := m.Association(a.Through); !ok {
				unknown(a, fmt.Sprintf("association %q goes through unknown association %q", a.Name, a.Through))
			}
			continue
		}
		if a.Polymorphic || a.Target == "" {
			continue
		}
		target, ok := byName[a.Target]
		if !ok {
			unknown(a, fmt.Sprintf("association %q targets unknown model %q", a.Name, a.Target))
			continue
		}
		if a.Type == metadata.BelongsTo && a.CounterCache {
			col := m.Table + "_count"
			if f, declared := target.Field(col); !declared || f.Type != metadata.TypeInteger {
				errs = append(errs, apperror.NewDefinition(m.Name, apperror.Issue{
					Field:   a.Name,
					Code:    "counter_cache",
					Message: fmt.Sprintf("counter cache needs integer field %q on %q", col, target.Name),
				}))
			}
		}
	}
	return errs
}
