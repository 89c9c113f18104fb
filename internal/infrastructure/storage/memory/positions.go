package memory

import (
	"context"
	"sort"

	"metaforge/internal/core/apperror"
	"metaforge/internal/core/value"
	"metaforge/internal/positioning"
)

var _ positioning.Store = (*Store)(nil)

func (t *table) scoped(s positioning.Scope) []map[string]any {
	var out []map[string]any
	for _, row := range t.rows {
		if s.Column != "" && !match(row[s.Column], s.Value) {
			continue
		}
		out = append(out, row)
	}
	return out
}

// Entries implements positioning.Store. The store lock already serializes
// transactions, so no row locking is needed.
func (s *Store) Entries(ctx context.Context, sc positioning.Scope) ([]positioning.Entry, error) {
	defer s.lock(ctx)()
	t, err := s.table(sc.Table)
	if err != nil {
		return nil, err
	}
	rows := t.scoped(sc)
	out := make([]positioning.Entry, 0, len(rows))
	for _, row := range rows {
		id, _ := value.ToInt64(row["id"])
		pos, _ := value.ToInt64(row[sc.Field])
		out = append(out, positioning.Entry{ID: id, Position: int(pos)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Shift implements positioning.Store.
func (s *Store) Shift(ctx context.Context, sc positioning.Scope, from, to, delta int, exclude int64) error {
	defer s.lock(ctx)()
	t, err := s.table(sc.Table)
	if err != nil {
		return err
	}
	for _, row := range t.scoped(sc) {
		id, _ := value.ToInt64(row["id"])
		if id == exclude {
			continue
		}
		pos, ok := value.ToInt64(row[sc.Field])
		if !ok || int(pos) < from || (to > 0 && int(pos) > to) {
			continue
		}
		row[sc.Field] = pos + int64(delta)
	}
	return nil
}

// SetPosition implements positioning.Store.
func (s *Store) SetPosition(ctx context.Context, sc positioning.Scope, id int64, pos int) error {
	defer s.lock(ctx)()
	t, err := s.table(sc.Table)
	if err != nil {
		return err
	}
	row, ok := t.rows[id]
	if !ok {
		return apperror.NewNotFound(sc.Table, id)
	}
	row[sc.Field] = int64(pos)
	return nil
}
