// Package memory is an in-process storage backend. It serves as catalog,
// record repository, position store and transaction manager at once, and
// is what the CLI falls back to without a database URL.
//
// A transaction holds the store lock for its whole duration and restores
// a snapshot on error, so transactions are serializable.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"metaforge/internal/core/apperror"
	"metaforge/internal/core/tx"
	"metaforge/internal/core/value"
	"metaforge/internal/runtime"
	"metaforge/internal/schema"
)

var _ tx.Manager = (*Store)(nil)

type txKey struct{}

type table struct {
	name     string
	columns  []string
	defaults map[string]any
	unique   map[string][]string
	indexes  []string
	rows     map[int64]map[string]any
	seq      int64
}

func (t *table) clone() *table {
	out := &table{
		name:     t.name,
		columns:  slices.Clone(t.columns),
		defaults: maps.Clone(t.defaults),
		unique:   maps.Clone(t.unique),
		indexes:  slices.Clone(t.indexes),
		rows:     make(map[int64]map[string]any, len(t.rows)),
		seq:      t.seq,
	}
	for id, row := range t.rows {
		out.rows[id] = maps.Clone(row)
	}
	return out
}

func (t *table) hasColumn(name string) bool {
	return slices.Contains(t.columns, name)
}

// Store is safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	tables map[string]*table
}

// New creates an empty store.
func New() *Store {
	return &Store{tables: map[string]*table{}}
}

// RunInTransaction implements tx.Manager. Nested calls join the outer
// transaction.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[string]*table, len(s.tables))
	for name, t := range s.tables {
		snapshot[name] = t.clone()
	}
	if err := fn(context.WithValue(ctx, txKey{}, struct{}{})); err != nil {
		s.tables = snapshot
		return err
	}
	return nil
}

// lock takes the store lock unless ctx already runs inside a transaction.
func (s *Store) lock(ctx context.Context) func() {
	if ctx.Value(txKey{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) table(name string) (*table, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("relation %q does not exist", name)
	}
	return t, nil
}

// --- schema.Catalog -----------------------------------------------------------

var _ schema.Catalog = (*Store)(nil)

// TableExists implements schema.Catalog.
func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	defer s.lock(ctx)()
	_, ok := s.tables[name]
	return ok, nil
}

// Columns implements schema.Catalog.
func (s *Store) Columns(ctx context.Context, name string) ([]string, error) {
	defer s.lock(ctx)()
	t, err := s.table(name)
	if err != nil {
		return nil, err
	}
	return slices.Clone(t.columns), nil
}

// Indexes implements schema.Catalog.
func (s *Store) Indexes(ctx context.Context, name string) ([]string, error) {
	defer s.lock(ctx)()
	t, err := s.table(name)
	if err != nil {
		return nil, err
	}
	return slices.Clone(t.indexes), nil
}

// Apply implements schema.Catalog. It works from the structured plan and
// ignores the rendered statements.
func (s *Store) Apply(ctx context.Context, plan schema.Plan) error {
	defer s.lock(ctx)()
	t, ok := s.tables[plan.Table]
	if plan.Create && !ok {
		t = &table{
			name:     plan.Table,
			defaults: map[string]any{},
			unique:   map[string][]string{},
			rows:     map[int64]map[string]any{},
		}
		s.tables[plan.Table] = t
	} else if !ok {
		return fmt.Errorf("relation %q does not exist", plan.Table)
	}

	for _, c := range plan.Columns {
		if t.hasColumn(c.Name) {
			continue
		}
		t.columns = append(t.columns, c.Name)
		if c.Value != nil {
			t.defaults[c.Name] = c.Value
			for _, row := range t.rows {
				row[c.Name] = c.Value
			}
		}
	}
	for _, idx := range plan.Indexes {
		if slices.Contains(t.indexes, idx.Name) {
			continue
		}
		t.indexes = append(t.indexes, idx.Name)
		if idx.Unique {
			t.unique[idx.Name] = slices.Clone(idx.Columns)
		}
	}
	return nil
}

// --- records ----------------------------------------------------------------

// Insert stores a row and returns its id.
func (s *Store) Insert(ctx context.Context, name string, values map[string]any) (int64, error) {
	defer s.lock(ctx)()
	t, err := s.table(name)
	if err != nil {
		return 0, err
	}
	if err := checkColumns(t, values); err != nil {
		return 0, err
	}
	t.seq++
	id := t.seq
	row := maps.Clone(t.defaults)
	if row == nil {
		row = map[string]any{}
	}
	maps.Copy(row, values)
	row["id"] = id
	if err := checkUnique(t, id, row); err != nil {
		t.seq--
		return 0, err
	}
	t.rows[id] = row
	return id, nil
}

// Update overwrites the given columns of one row.
func (s *Store) Update(ctx context.Context, name string, id int64, values map[string]any) error {
	defer s.lock(ctx)()
	t, err := s.table(name)
	if err != nil {
		return err
	}
	row, ok := t.rows[id]
	if !ok {
		return apperror.NewNotFound(name, id)
	}
	if err := checkColumns(t, values); err != nil {
		return err
	}
	next := maps.Clone(row)
	maps.Copy(next, values)
	if err := checkUnique(t, id, next); err != nil {
		return err
	}
	t.rows[id] = next
	return nil
}

// Delete removes one row.
func (s *Store) Delete(ctx context.Context, name string, id int64) error {
	defer s.lock(ctx)()
	t, err := s.table(name)
	if err != nil {
		return err
	}
	if _, ok := t.rows[id]; !ok {
		return apperror.NewNotFound(name, id)
	}
	delete(t.rows, id)
	return nil
}

// Get returns a copy of one row.
func (s *Store) Get(ctx context.Context, name string, id int64) (map[string]any, error) {
	defer s.lock(ctx)()
	t, err := s.table(name)
	if err != nil {
		return nil, err
	}
	row, ok := t.rows[id]
	if !ok {
		return nil, apperror.NewNotFound(name, id)
	}
	return maps.Clone(row), nil
}

// Select returns copies of the rows matching q.
func (s *Store) Select(ctx context.Context, name string, q runtime.Query) ([]map[string]any, error) {
	defer s.lock(ctx)()
	t, err := s.table(name)
	if err != nil {
		return nil, err
	}
	rows := filter(t, q)
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = maps.Clone(r)
	}
	return out, nil
}

// Count returns the number of rows matching q, ignoring its limit.
func (s *Store) Count(ctx context.Context, name string, q runtime.Query) (int64, error) {
	defer s.lock(ctx)()
	t, err := s.table(name)
	if err != nil {
		return 0, err
	}
	return int64(len(filter(t, runtime.Query{Where: q.Where, WhereNot: q.WhereNot}))), nil
}

// UpdateWhere writes values to every row matching q and returns how many
// rows changed.
func (s *Store) UpdateWhere(ctx context.Context, name string, q runtime.Query, values map[string]any) (int64, error) {
	defer s.lock(ctx)()
	t, err := s.table(name)
	if err != nil {
		return 0, err
	}
	if err := checkColumns(t, values); err != nil {
		return 0, err
	}
	rows := filter(t, runtime.Query{Where: q.Where, WhereNot: q.WhereNot})
	for _, row := range rows {
		maps.Copy(row, values)
	}
	return int64(len(rows)), nil
}

// Increment adds delta to an integer column of one row.
func (s *Store) Increment(ctx context.Context, name string, id int64, column string, delta int64) error {
	defer s.lock(ctx)()
	t, err := s.table(name)
	if err != nil {
		return err
	}
	row, ok := t.rows[id]
	if !ok {
		return apperror.NewNotFound(name, id)
	}
	if !t.hasColumn(column) {
		return fmt.Errorf("column %q of relation %q does not exist", column, name)
	}
	n, _ := value.ToInt64(row[column])
	row[column] = n + delta
	return nil
}

func checkColumns(t *table, values map[string]any) error {
	for k := range values {
		if k == "id" {
			return fmt.Errorf("cannot write id of relation %q", t.name)
		}
		if !t.hasColumn(k) {
			return fmt.Errorf("column %q of relation %q does not exist", k, t.name)
		}
	}
	return nil
}

func checkUnique(t *table, id int64, row map[string]any) error {
	for name, cols := range t.unique {
		for otherID, other := range t.rows {
			if otherID == id {
				continue
			}
			same := true
			for _, c := range cols {
				if row[c] == nil || !value.Equal(row[c], other[c]) {
					same = false
					break
				}
			}
			if same {
				return apperror.NewConflict(fmt.Sprintf("duplicate key value violates unique constraint %q", name)).
					WithDetail("table", t.name)
			}
		}
	}
	return nil
}

// filter returns the live rows matching q in query order.
func filter(t *table, q runtime.Query) []map[string]any {
	var out []map[string]any
	for _, row := range t.rows {
		if matches(row, q.Where, true) && matches(row, q.WhereNot, false) {
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		for _, o := range q.Order {
			c := value.Sort(out[i][o.Field], out[j][o.Field])
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		a, _ := value.ToInt64(out[i]["id"])
		b, _ := value.ToInt64(out[j]["id"])
		return a < b
	})
	return out
}

// matches applies Where (want=true) or WhereNot (want=false) filters.
// A slice means IN and nil means IS NULL.
func matches(row map[string]any, conds map[string]any, want bool) bool {
	for k, v := range conds {
		if match(row[k], v) != want {
			return false
		}
	}
	return true
}

func match(got, want any) bool {
	if want == nil {
		return got == nil
	}
	if list, ok := value.List(want); ok {
		for _, item := range list {
			if got != nil && value.Equal(got, item) {
				return true
			}
		}
		return false
	}
	return got != nil && value.Equal(got, want)
}
