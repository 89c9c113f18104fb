// Package records persists instances of runtime types. Every write runs in
// one storage transaction that also covers positioning, nested records,
// parent counters and event dispatch.
package records

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"metaforge/internal/core/apperror"
	"metaforge/internal/core/id"
	"metaforge/internal/core/tx"
	"metaforge/internal/events"
	"metaforge/internal/metadata"
	"metaforge/internal/positioning"
	"metaforge/internal/runtime"
	"metaforge/pkg/logger"
)

var tracer = otel.Tracer("metaforge/records")

// Repository is the row-level storage the service writes through. Both the
// Postgres and the in-memory backends implement it.
type Repository interface {
	Insert(ctx context.Context, table string, values map[string]any) (int64, error)
	Update(ctx context.Context, table string, id int64, values map[string]any) error
	Delete(ctx context.Context, table string, id int64) error
	Get(ctx context.Context, table string, id int64) (map[string]any, error)
	Select(ctx context.Context, table string, q runtime.Query) ([]map[string]any, error)
	Count(ctx context.Context, table string, q runtime.Query) (int64, error)
	UpdateWhere(ctx context.Context, table string, q runtime.Query, values map[string]any) (int64, error)
	Increment(ctx context.Context, table string, id int64, column string, delta int64) error
}

// UniverseSource yields the currently published universe.
type UniverseSource interface {
	Universe() *runtime.Universe
}

// UniverseFunc adapts a function.
type UniverseFunc func() *runtime.Universe

// Universe implements UniverseSource.
func (f UniverseFunc) Universe() *runtime.Universe { return f() }

// Static serves a fixed universe.
func Static(u *runtime.Universe) UniverseSource {
	return UniverseFunc(func() *runtime.Universe { return u })
}

// Config configures the service.
type Config struct {
	Repo       Repository
	TxManager  tx.Manager
	Positions  positioning.Store
	Universe   UniverseSource
	Dispatcher events.Dispatcher // Optional, defaults to events.Nop
	Clock      func() time.Time  // Optional, defaults to time.Now
}

// Service provides the record lifecycle.
type Service struct {
	repo       Repository
	txm        tx.Manager
	positioner *positioning.Positioner
	universe   UniverseSource
	dispatcher events.Dispatcher
	hooks      *Hooks
	now        func() time.Time
}

// NewService creates a records service.
func NewService(cfg Config) *Service {
	s := &Service{
		repo:       cfg.Repo,
		txm:        cfg.TxManager,
		universe:   cfg.Universe,
		dispatcher: cfg.Dispatcher,
		hooks:      NewHooks(),
		now:        cfg.Clock,
	}
	if s.txm == nil {
		s.txm = tx.Passthrough
	}
	if cfg.Positions != nil {
		s.positioner = positioning.New(cfg.Positions, s.txm)
	}
	if s.dispatcher == nil {
		s.dispatcher = events.Nop
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Hooks returns the hook registry for external registration.
func (s *Service) Hooks() *Hooks {
	return s.hooks
}

// Type resolves a model in the current universe.
func (s *Service) Type(model string) (*runtime.Type, error) {
	var u *runtime.Universe
	if s.universe != nil {
		u = s.universe.Universe()
	}
	t, ok := u.Lookup(model)
	if !ok {
		return nil, apperror.NewNotFound("model", model)
	}
	return t, nil
}

// New builds an unsaved record from untrusted params and returns the keys
// that were not permitted.
func (s *Service) New(ctx context.Context, model string, params map[string]any) (*runtime.Record, []string, error) {
	t, err := s.Type(model)
	if err != nil {
		return nil, nil, err
	}
	return t.Build(ctx, params)
}

// Create validates and inserts a new record. Nothing is written when
// validation fails.
func (s *Service) Create(ctx context.Context, rec *runtime.Record) error {
	if !rec.IsNew() {
		return apperror.NewConflict(fmt.Sprintf("%s %d is already persisted", rec.Type().Name(), rec.ID()))
	}
	ctx, span := s.start(ctx, "records.Create", rec)
	defer span.End()

	err := s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		return s.create(ctx, rec)
	})
	if err != nil {
		if !rec.IsNew() {
			rec.MarkDestroyed()
		}
		span.RecordError(err)
		return err
	}
	rec.ClearNested()
	logger.Debug(ctx, "record created", "id", rec.ID())
	return nil
}

func (s *Service) create(ctx context.Context, rec *runtime.Record) error {
	t := rec.Type()
	if err := s.prepare(ctx, rec); err != nil {
		return err
	}
	if err := s.hooks.Run(ctx, BeforeCreate, rec); err != nil {
		return err
	}
	if t.Positioning() != nil {
		if err := s.positions().BeforeCreate(ctx, t, rec); err != nil {
			return err
		}
	}
	if t.Timestamps() {
		now := s.now()
		rec.Set("created_at", now)
		rec.Set("updated_at", now)
	}

	recID, err := s.repo.Insert(ctx, t.Table(), t.ColumnValues(rec))
	if err != nil {
		return fmt.Errorf("insert %s: %w", t.Name(), err)
	}
	triggers := t.Triggers(ctx, metadata.AfterCreate, rec)
	rec.MarkPersisted(recID)

	if err := s.adjustParents(ctx, rec, nil, 1); err != nil {
		return err
	}
	if err := s.writeNested(ctx, rec); err != nil {
		return err
	}
	if err := s.hooks.Run(ctx, AfterCreate, rec); err != nil {
		return err
	}
	return s.dispatch(ctx, rec, triggers)
}

// Update validates and writes the changed columns of a persisted record.
// A record without changes or nested entries is left untouched.
func (s *Service) Update(ctx context.Context, rec *runtime.Record) error {
	if rec.IsNew() {
		return apperror.NewValidation(fmt.Sprintf("cannot update an unsaved %s", rec.Type().Name()))
	}
	ctx, span := s.start(ctx, "records.Update", rec)
	defer span.End()

	err := s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		return s.update(ctx, rec)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	rec.MarkPersisted(rec.ID())
	rec.ClearNested()
	logger.Debug(ctx, "record updated", "id", rec.ID())
	return nil
}

func (s *Service) update(ctx context.Context, rec *runtime.Record) error {
	t := rec.Type()
	if err := s.prepare(ctx, rec); err != nil {
		return err
	}
	if len(changedColumns(t, rec)) == 0 && len(rec.Nested()) == 0 {
		return nil
	}
	if err := s.hooks.Run(ctx, BeforeUpdate, rec); err != nil {
		return err
	}
	if t.Positioning() != nil {
		stored, err := s.find(ctx, t, rec.ID())
		if err != nil {
			return err
		}
		if err := s.positions().BeforeUpdate(ctx, t, rec, stored); err != nil {
			return err
		}
	}

	cols := changedColumns(t, rec)
	if len(cols) > 0 && t.Timestamps() {
		rec.Set("updated_at", s.now())
		cols = changedColumns(t, rec)
	}
	watchers := t.FieldChanges(ctx, rec)
	triggers := t.Triggers(ctx, metadata.AfterUpdate, rec)

	if len(cols) > 0 {
		all := t.ColumnValues(rec)
		values := make(map[string]any, len(cols))
		for _, c := range cols {
			values[c] = all[c]
		}
		if err := s.repo.Update(ctx, t.Table(), rec.ID(), values); err != nil {
			return fmt.Errorf("update %s: %w", t.Name(), err)
		}
	}

	if err := s.transferParents(ctx, rec); err != nil {
		return err
	}
	if err := s.writeNested(ctx, rec); err != nil {
		return err
	}
	if err := s.hooks.Run(ctx, AfterUpdate, rec); err != nil {
		return err
	}
	if err := s.dispatch(ctx, rec, watchers); err != nil {
		return err
	}
	return s.dispatch(ctx, rec, triggers)
}

// Destroy deletes a persisted record after applying the dependent policy
// of each of its associations.
func (s *Service) Destroy(ctx context.Context, rec *runtime.Record) error {
	if rec.IsNew() {
		return apperror.NewValidation(fmt.Sprintf("cannot destroy an unsaved %s", rec.Type().Name()))
	}
	ctx, span := s.start(ctx, "records.Destroy", rec)
	defer span.End()

	recID := rec.ID()
	err := s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		return s.destroy(ctx, rec)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	rec.MarkDestroyed()
	logger.Debug(ctx, "record destroyed", "id", recID)
	return nil
}

func (s *Service) destroy(ctx context.Context, rec *runtime.Record) error {
	t := rec.Type()
	if err := s.hooks.Run(ctx, BeforeDestroy, rec); err != nil {
		return err
	}
	if err := s.dispatch(ctx, rec, t.Triggers(ctx, metadata.BeforeDestroy, rec)); err != nil {
		return err
	}
	if err := s.applyDependents(ctx, rec); err != nil {
		return err
	}
	// rec may have been loaded before other writers reordered its list.
	var gap positioning.Gap
	if t.Positioning() != nil {
		stored, err := s.find(ctx, t, rec.ID())
		if err != nil {
			return err
		}
		if gap, err = s.positions().BeforeDestroy(ctx, t, stored); err != nil {
			return err
		}
	}
	if err := s.repo.Delete(ctx, t.Table(), rec.ID()); err != nil {
		return fmt.Errorf("delete %s: %w", t.Name(), err)
	}
	if t.Positioning() != nil {
		if err := s.positions().AfterDestroy(ctx, gap); err != nil {
			return err
		}
	}
	if err := s.adjustParents(ctx, rec, rec.PreviousState(), -1); err != nil {
		return err
	}
	if err := s.hooks.Run(ctx, AfterDestroy, rec); err != nil {
		return err
	}
	return s.dispatch(ctx, rec, t.Triggers(ctx, metadata.AfterDestroy, rec))
}

// Find loads one record by id.
func (s *Service) Find(ctx context.Context, model string, recID int64) (*runtime.Record, error) {
	t, err := s.Type(model)
	if err != nil {
		return nil, err
	}
	return s.find(ctx, t, recID)
}

func (s *Service) find(ctx context.Context, t *runtime.Type, recID int64) (*runtime.Record, error) {
	row, err := s.repo.Get(ctx, t.Table(), recID)
	if err != nil {
		return nil, normalizeGetErr(err, t.Name(), recID)
	}
	return t.Load(row)
}

// List returns the records of a named scope refined by q. An empty scope
// name selects every record.
func (s *Service) List(ctx context.Context, model, scope string, q runtime.Query) ([]*runtime.Record, error) {
	t, err := s.Type(model)
	if err != nil {
		return nil, err
	}
	base := runtime.Query{}
	if scope != "" {
		sq, ok := t.Scope(scope)
		if !ok {
			return nil, apperror.NewNotFound("scope", model+"."+scope)
		}
		base = sq
	}
	return s.where(ctx, t, base.Merge(q))
}

// Where returns the records matching q.
func (s *Service) Where(ctx context.Context, model string, q runtime.Query) ([]*runtime.Record, error) {
	return s.List(ctx, model, "", q)
}

func (s *Service) where(ctx context.Context, t *runtime.Type, q runtime.Query) ([]*runtime.Record, error) {
	rows, err := s.repo.Select(ctx, t.Table(), q)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", t.Name(), err)
	}
	out := make([]*runtime.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := t.Load(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Move repositions a persisted record and returns it reloaded.
func (s *Service) Move(ctx context.Context, model string, recID int64, req positioning.MoveRequest) (*runtime.Record, error) {
	t, err := s.Type(model)
	if err != nil {
		return nil, err
	}
	if t.Positioning() == nil {
		return nil, apperror.NewValidation(fmt.Sprintf("%s has no positioning", model))
	}
	var moved *runtime.Record
	err = s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		rec, err := s.find(ctx, t, recID)
		if err != nil {
			return err
		}
		if _, err := s.positions().Move(ctx, t, rec, req); err != nil {
			return err
		}
		moved, err = s.find(ctx, t, recID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

// ListVersion returns the version token of one positioning scope.
func (s *Service) ListVersion(ctx context.Context, model string, scopeValue any) (string, error) {
	t, err := s.Type(model)
	if err != nil {
		return "", err
	}
	if t.Positioning() == nil {
		return "", apperror.NewValidation(fmt.Sprintf("%s has no positioning", model))
	}
	return s.positions().ListVersion(ctx, positioning.ScopeFor(t, scopeValue))
}

// --- helpers -----------------------------------------------------------------

func (s *Service) start(ctx context.Context, name string, rec *runtime.Record) (context.Context, trace.Span) {
	ctx = logger.WithModel(ctx, rec.Type().Name())
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("model", rec.Type().Name()),
		attribute.Int64("id", rec.ID()),
	))
}

func (s *Service) positions() *positioning.Positioner {
	if s.positioner == nil {
		panic("records: positioned type used without a position store")
	}
	return s.positioner
}

// prepare computes, then validates, so validations on computed fields see
// the values about to be saved.
func (s *Service) prepare(ctx context.Context, rec *runtime.Record) error {
	t := rec.Type()
	if err := t.PrepareSave(ctx, rec); err != nil {
		return err
	}
	if !t.Validate(ctx, rec) {
		return invalid(rec)
	}
	return nil
}

func (s *Service) dispatch(ctx context.Context, rec *runtime.Record, triggers []runtime.Trigger) error {
	for _, tr := range triggers {
		p := events.Payload{
			ID:         id.New(),
			Event:      tr.Event,
			Kind:       string(tr.Kind),
			Model:      rec.Type().Name(),
			RecordID:   rec.ID(),
			Field:      tr.Field,
			OldValue:   tr.Old,
			NewValue:   tr.New,
			Record:     rec.Values(),
			OccurredAt: s.now().UTC(),
		}
		if err := s.dispatcher.Dispatch(ctx, p); err != nil {
			return fmt.Errorf("dispatch %s: %w", tr.Event, err)
		}
	}
	return nil
}

func changedColumns(t *runtime.Type, rec *runtime.Record) []string {
	var out []string
	for _, c := range t.Columns() {
		if rec.Changed(c) {
			out = append(out, c)
		}
	}
	return out
}

func invalid(rec *runtime.Record) error {
	errs := rec.Errors()
	return apperror.NewValidation(fmt.Sprintf("%s is invalid: %s", rec.Type().Name(), errs.Error())).
		WithDetail("model", rec.Type().Name()).
		WithDetail("errors", errs)
}

func normalizeGetErr(err error, model string, recID int64) error {
	if apperror.IsNotFound(err) {
		return apperror.NewNotFound(model, recID)
	}
	if apperror.IsAppError(err) {
		return err
	}
	return apperror.NewDatabase("get "+model, err)
}
