package records

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"metaforge/internal/condition"
	"metaforge/internal/core/apperror"
	"metaforge/internal/core/value"
	"metaforge/internal/metadata"
	"metaforge/internal/runtime"
)

// Association loads the records related to rec through the named
// association, in the association's order.
func (s *Service) Association(ctx context.Context, rec *runtime.Record, name string) ([]*runtime.Record, error) {
	t := rec.Type()
	a, ok := t.Association(name)
	if !ok {
		return nil, apperror.NewNotFound("association", t.Name()+"."+name)
	}
	if a.External() {
		return nil, apperror.NewValidation(fmt.Sprintf("%s.%s points to external class %s", t.Name(), name, a.ClassName))
	}

	if a.Through != "" {
		return s.through(ctx, rec, a)
	}

	switch a.Kind {
	case metadata.BelongsTo:
		target, parentID, ok, err := s.parentOf(rec, a, rec)
		if err != nil || !ok {
			return nil, err
		}
		parent, err := s.find(ctx, target, parentID)
		if apperror.IsNotFound(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []*runtime.Record{parent}, nil
	default:
		if rec.IsNew() {
			return nil, nil
		}
		target, err := s.Type(a.Target)
		if err != nil {
			return nil, err
		}
		q := a.DefaultScope().Eq(a.ForeignKey, rec.ID())
		if a.Kind == metadata.HasOne {
			q.Limit = 1
		}
		return s.where(ctx, target, q)
	}
}

// through follows a.Through from rec, then the source association from
// each intermediate record. Duplicates are dropped, first occurrence wins.
func (s *Service) through(ctx context.Context, rec *runtime.Record, a *runtime.Association) ([]*runtime.Record, error) {
	mids, err := s.Association(ctx, rec, a.Through)
	if err != nil {
		return nil, err
	}
	var out []*runtime.Record
	seen := map[string]struct{}{}
	for _, mid := range mids {
		source := a.Source
		if source == "" {
			source = a.Name
			if _, ok := mid.Type().Association(source); !ok {
				source = metadata.Singularize(a.Name)
			}
		}
		related, err := s.Association(ctx, mid, source)
		if err != nil {
			return nil, err
		}
		for _, r := range related {
			key := fmt.Sprintf("%s/%d", r.Type().Name(), r.ID())
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, r)
		}
	}
	return out, nil
}

// parentOf resolves the parent type and id of a belongs_to from state.
func (s *Service) parentOf(rec *runtime.Record, a *runtime.Association, state condition.Entity) (*runtime.Type, int64, bool, error) {
	fk, _ := state.Value(a.ForeignKey)
	parentID, ok := value.ToInt64(fk)
	if !ok || parentID <= 0 {
		return nil, 0, false, nil
	}
	targetName := a.Target
	if a.Polymorphic {
		tv, _ := state.Value(a.TypeColumn)
		targetName = value.ToString(tv)
		if targetName == "" {
			return nil, 0, false, nil
		}
	}
	if a.External() {
		return nil, 0, false, nil
	}
	target, err := s.Type(targetName)
	if err != nil {
		return nil, 0, false, fmt.Errorf("%s.%s: %w", rec.Type().Name(), a.Name, err)
	}
	return target, parentID, true, nil
}

// adjustParents applies counter caches by delta and touches parents, for
// the parents named in state (rec itself when state is nil).
func (s *Service) adjustParents(ctx context.Context, rec *runtime.Record, state condition.Entity, delta int64) error {
	if state == nil {
		state = rec
	}
	for _, a := range rec.Type().Associations() {
		if a.Kind != metadata.BelongsTo || (!a.CounterCache && !a.Touch) {
			continue
		}
		target, parentID, ok, err := s.parentOf(rec, a, state)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if a.CounterCache {
			if err := s.repo.Increment(ctx, target.Table(), parentID, counterColumn(rec.Type()), delta); err != nil {
				return fmt.Errorf("counter cache %s.%s: %w", rec.Type().Name(), a.Name, err)
			}
		}
		if a.Touch {
			if err := s.touch(ctx, target, parentID); err != nil {
				return err
			}
		}
	}
	return nil
}

// transferParents moves counter caches when a belongs_to key changed and
// touches the current parents.
func (s *Service) transferParents(ctx context.Context, rec *runtime.Record) error {
	prev := rec.PreviousState()
	for _, a := range rec.Type().Associations() {
		if a.Kind != metadata.BelongsTo || (!a.CounterCache && !a.Touch) {
			continue
		}
		moved := rec.Changed(a.ForeignKey) || (a.Polymorphic && rec.Changed(a.TypeColumn))
		if a.CounterCache && moved {
			if err := s.counter(ctx, rec, a, prev, -1); err != nil {
				return err
			}
			if err := s.counter(ctx, rec, a, rec, 1); err != nil {
				return err
			}
		}
		if a.Touch {
			target, parentID, ok, err := s.parentOf(rec, a, rec)
			if err != nil {
				return err
			}
			if ok {
				if err := s.touch(ctx, target, parentID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *Service) counter(ctx context.Context, rec *runtime.Record, a *runtime.Association, state condition.Entity, delta int64) error {
	target, parentID, ok, err := s.parentOf(rec, a, state)
	if err != nil || !ok {
		return err
	}
	if err := s.repo.Increment(ctx, target.Table(), parentID, counterColumn(rec.Type()), delta); err != nil {
		return fmt.Errorf("counter cache %s.%s: %w", rec.Type().Name(), a.Name, err)
	}
	return nil
}

func (s *Service) touch(ctx context.Context, target *runtime.Type, parentID int64) error {
	if !target.Timestamps() {
		return nil
	}
	err := s.repo.Update(ctx, target.Table(), parentID, map[string]any{"updated_at": s.now()})
	if err != nil && !apperror.IsNotFound(err) {
		return fmt.Errorf("touch %s %d: %w", target.Name(), parentID, err)
	}
	return nil
}

// counterColumn is the parent column a child type counts into.
func counterColumn(child *runtime.Type) string {
	return child.Table() + "_count"
}

// applyDependents enforces the dependent policy of every direct to-many
// and to-one association of rec.
func (s *Service) applyDependents(ctx context.Context, rec *runtime.Record) error {
	t := rec.Type()
	for _, a := range t.Associations() {
		if a.Kind == metadata.BelongsTo || a.Dependent == "" || a.Through != "" || a.External() {
			continue
		}
		target, err := s.Type(a.Target)
		if err != nil {
			return err
		}
		q := runtime.Query{Where: map[string]any{a.ForeignKey: rec.ID()}}

		switch a.Dependent {
		case metadata.DependentRestrict:
			n, err := s.repo.Count(ctx, target.Table(), q)
			if err != nil {
				return fmt.Errorf("count %s: %w", a.Name, err)
			}
			if n > 0 {
				return apperror.NewConflict(fmt.Sprintf("cannot destroy %s %d: %d dependent %s exist", t.Name(), rec.ID(), n, a.Name)).
					WithDetail("model", t.Name()).
					WithDetail("association", a.Name)
			}
		case metadata.DependentNullify:
			if _, err := s.repo.UpdateWhere(ctx, target.Table(), q, map[string]any{a.ForeignKey: nil}); err != nil {
				return fmt.Errorf("nullify %s: %w", a.Name, err)
			}
		case metadata.DependentDestroy:
			children, err := s.where(ctx, target, q)
			if err != nil {
				return err
			}
			for _, child := range children {
				if err := s.destroy(ctx, child); err != nil {
					return fmt.Errorf("destroy %s %d: %w", target.Name(), child.ID(), err)
				}
			}
		}
	}
	return nil
}

// writeNested writes the "<association>_attributes" entries held on rec.
// rec must already have an id.
func (s *Service) writeNested(ctx context.Context, rec *runtime.Record) error {
	t := rec.Type()
	for _, name := range sortedNames(rec.Nested()) {
		a, ok := t.Association(name)
		if !ok || a.Nested == nil {
			continue
		}
		target, err := s.Type(a.Target)
		if err != nil {
			return err
		}
		plan, err := a.Nested.Plan(ctx, name, rec.Nested()[name])
		if err != nil {
			return err
		}

		for _, recID := range plan.Destroy {
			child, err := s.child(ctx, target, a, rec, recID)
			if err != nil {
				return err
			}
			if err := s.destroy(ctx, child); err != nil {
				return err
			}
		}
		for i, attrs := range plan.Update {
			recID, _ := value.ToInt64(attrs["id"])
			child, err := s.child(ctx, target, a, rec, recID)
			if err != nil {
				return err
			}
			params := maps.Clone(attrs)
			delete(params, "id")
			target.Assign(child, params)
			if err := s.update(ctx, child); err != nil {
				return nestedErr(err, name, i)
			}
		}
		for i, attrs := range plan.Create {
			child, _, err := target.Build(ctx, attrs)
			if err != nil {
				return err
			}
			child.Set(a.ForeignKey, rec.ID())
			if err := s.create(ctx, child); err != nil {
				return nestedErr(err, name, i)
			}
		}
	}
	return nil
}

// child loads a record of the association owned by parent. An id of zero
// selects the existing to-one record.
func (s *Service) child(ctx context.Context, target *runtime.Type, a *runtime.Association, parent *runtime.Record, recID int64) (*runtime.Record, error) {
	if recID == 0 {
		found, err := s.where(ctx, target, runtime.Query{Where: map[string]any{a.ForeignKey: parent.ID()}, Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			return nil, apperror.NewNotFound(target.Name(), a.Name)
		}
		return found[0], nil
	}
	child, err := s.find(ctx, target, recID)
	if err != nil {
		return nil, err
	}
	owner, _ := value.ToInt64(child.Get(a.ForeignKey))
	if owner != parent.ID() {
		return nil, apperror.NewNotFound(target.Name(), recID)
	}
	return child, nil
}

func nestedErr(err error, assoc string, index int) error {
	if ae, ok := apperror.AsAppError(err); ok && ae.Code == apperror.CodeValidation {
		return apperror.NewValidation(fmt.Sprintf("%s[%d]: %s", assoc, index, ae.Message)).
			WithDetail("association", assoc).
			WithDetail("index", index).
			WithDetail("errors", ae.Details["errors"]).
			WithCause(err)
	}
	return err
}

func sortedNames(m map[string][]map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
