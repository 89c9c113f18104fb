// Package builder turns a metadata.Model into a usable runtime.Type. The
// schema is synchronized first, then one applicator per concern binds
// behavior in a fixed order. A failing step fails the whole build.
package builder

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"metaforge/internal/condition"
	"metaforge/internal/core/apperror"
	"metaforge/internal/metadata"
	"metaforge/internal/runtime"
	"metaforge/internal/schema"
	"metaforge/internal/service"
	"metaforge/pkg/logger"
)

var tracer = otel.Tracer("metaforge/builder")

// Syncer reconciles the physical table of a model.
type Syncer interface {
	EnsureTable(ctx context.Context, m *metadata.Model) (schema.Plan, error)
}

// applicator binds one concern onto a type.
type applicator interface {
	name() string
	apply(ctx context.Context, b *build) error
}

// pipeline is the fixed applicator order. Callbacks come last so that
// watchers see values produced by every earlier stage.
var pipeline = []applicator{
	transformApplicator{},
	defaultApplicator{},
	computedApplicator{},
	validationApplicator{},
	associationApplicator{},
	positioningApplicator{},
	attachmentApplicator{},
	callbackApplicator{},
}

// Builder is stateless between builds and safe for concurrent use.
type Builder struct {
	services *service.Registry
	eval     *condition.Evaluator
	syncer   Syncer
	log      *logger.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithSyncer runs schema synchronization before the pipeline. Without it
// the schema is assumed to be in place.
func WithSyncer(s Syncer) Option {
	return func(b *Builder) { b.syncer = s }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(b *Builder) { b.log = l }
}

// New creates a builder.
func New(services *service.Registry, eval *condition.Evaluator, opts ...Option) *Builder {
	b := &Builder{services: services, eval: eval, log: logger.Nop()}
	for _, opt := range opts {
		opt(b)
	}
	if b.services == nil {
		b.services = service.NewRegistry()
	}
	if b.eval == nil {
		b.eval = condition.NewEvaluator(b.log)
	}
	return b
}

// Evaluator returns the evaluator bound into built types.
func (b *Builder) Evaluator() *condition.Evaluator { return b.eval }

// Build produces a fresh usable type. It never mutates m.
func (b *Builder) Build(ctx context.Context, m *metadata.Model) (*runtime.Type, error) {
	ctx, span := tracer.Start(ctx, "builder.Build",
		trace.WithAttributes(attribute.String("model", m.Name)))
	defer span.End()
	ctx = logger.WithModel(ctx, m.Name)

	typ := runtime.NewType(m)
	if b.syncer != nil {
		if _, err := b.syncer.EnsureTable(ctx, m); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}
	if err := typ.Advance(runtime.StateSchemaSynced); err != nil {
		return nil, b.internal(m, err)
	}

	st := &build{model: m, typ: typ, services: b.services, eval: b.eval}
	for _, a := range pipeline {
		if err := a.apply(ctx, st); err != nil {
			span.RecordError(err)
			b.log.Warnw("build failed", "model", m.Name, "applicator", a.name(), "error", err)
			if apperror.IsAppError(err) {
				return nil, err
			}
			return nil, apperror.NewBuild(m.Name, a.name(), err.Error()).WithCause(err)
		}
	}

	if err := typ.Advance(runtime.StatePipelineApplied); err != nil {
		return nil, b.internal(m, err)
	}
	if err := typ.Advance(runtime.StateUsable); err != nil {
		return nil, b.internal(m, err)
	}
	b.log.Debugw("model built", "model", m.Name, "table", m.Table)
	return typ, nil
}

func (b *Builder) internal(m *metadata.Model, err error) error {
	return apperror.NewBuild(m.Name, "STATE", err.Error()).WithCause(err)
}

// build is the state shared by the applicators of one Build call.
type build struct {
	model    *metadata.Model
	typ      *runtime.Type
	services *service.Registry
	eval     *condition.Evaluator
}

// compile binds a condition. A missing predicate is an unresolved service.
func (s *build) compile(c condition.Condition) (*condition.Compiled, error) {
	if c == nil {
		return nil, nil
	}
	compiled, err := s.eval.Compile(c, s.services)
	if err != nil {
		return nil, s.resolveErr(err)
	}
	return compiled, nil
}

// guard wraps a compiled condition into a record predicate over the
// current and last persisted state.
func (s *build) guard(c *condition.Compiled) func(ctx context.Context, rec *runtime.Record) bool {
	if c == nil {
		return func(context.Context, *runtime.Record) bool { return true }
	}
	return func(ctx context.Context, rec *runtime.Record) bool {
		return s.eval.Evaluate(ctx, c, rec, rec.PreviousState())
	}
}

func (s *build) resolveErr(err error) error {
	var nf *service.NotFoundError
	if errors.As(err, &nf) {
		return apperror.NewUnresolvedService(s.model.Name, string(nf.Kind), nf.Name).WithCause(err)
	}
	return apperror.NewBuild(s.model.Name, apperror.ReasonUnresolvedService, err.Error()).WithCause(err)
}

func (s *build) fail(reason, format string, args ...any) error {
	return apperror.NewBuild(s.model.Name, reason, fmt.Sprintf(format, args...))
}
