package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metaforge/internal/core/apperror"
	"metaforge/internal/positioning"
	"metaforge/internal/runtime"
	"metaforge/internal/schema"
)

func seeded(t *testing.T) *Store {
	t.Helper()
	s := New()
	require.NoError(t, s.Apply(context.Background(), schema.Plan{
		Table:  "items",
		Create: true,
		Columns: []schema.Column{
			{Name: "id", Type: "bigserial", PrimaryKey: true},
			{Name: "name", Type: "varchar(255)", Nullable: true},
			{Name: "status", Type: "varchar(255)", Nullable: true, Value: "draft", Default: "'draft'"},
			{Name: "rank", Type: "integer", Nullable: true},
			{Name: "list_id", Type: "bigint", Nullable: true},
		},
		Indexes: []schema.Index{{Name: "items_name_key", Columns: []string{"name"}, Unique: true}},
	}))
	return s
}

func TestStore_CatalogAndDefaults(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)

	ok, err := s.TableExists(ctx, "items")
	require.NoError(t, err)
	assert.True(t, ok)
	cols, err := s.Columns(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "status", "rank", "list_id"}, cols)

	id, err := s.Insert(ctx, "items", map[string]any{"name": "a"})
	require.NoError(t, err)
	row, err := s.Get(ctx, "items", id)
	require.NoError(t, err)
	assert.Equal(t, "draft", row["status"])

	require.NoError(t, s.Apply(ctx, schema.Plan{Table: "items", Columns: []schema.Column{{Name: "flag", Value: true}}}))
	row, err = s.Get(ctx, "items", id)
	require.NoError(t, err)
	assert.Equal(t, true, row["flag"])

	_, err = s.Insert(ctx, "items", map[string]any{"nope": 1})
	assert.ErrorContains(t, err, `column "nope"`)
	_, err = s.Insert(ctx, "missing", map[string]any{})
	assert.Error(t, err)
}

func TestStore_UniqueIndex(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)
	_, err := s.Insert(ctx, "items", map[string]any{"name": "a"})
	require.NoError(t, err)
	_, err = s.Insert(ctx, "items", map[string]any{"name": "a"})
	assert.True(t, apperror.HasCode(err, apperror.CodeConflict))
	_, err = s.Insert(ctx, "items", map[string]any{"name": nil})
	require.NoError(t, err)
	_, err = s.Insert(ctx, "items", map[string]any{"name": nil})
	assert.NoError(t, err)
}

func TestStore_TransactionRollback(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)
	boom := errors.New("boom")

	err := s.RunInTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.Insert(ctx, "items", map[string]any{"name": "a"}); err != nil {
			return err
		}
		return s.RunInTransaction(ctx, func(ctx context.Context) error { return boom })
	})
	assert.ErrorIs(t, err, boom)
	n, err := s.Count(ctx, "items", runtime.Query{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_SelectFilters(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)
	for _, r := range []map[string]any{
		{"name": "c", "status": "open", "rank": 2},
		{"name": "a", "status": "done", "rank": 1},
		{"name": "b", "status": "open", "rank": 3},
		{"name": "d", "status": nil},
	} {
		_, err := s.Insert(ctx, "items", r)
		require.NoError(t, err)
	}

	names := func(q runtime.Query) []string {
		rows, err := s.Select(ctx, "items", q)
		require.NoError(t, err)
		out := make([]string, len(rows))
		for i, r := range rows {
			out[i] = r["name"].(string)
		}
		return out
	}

	assert.Equal(t, []string{"c", "a", "b", "d"}, names(runtime.Query{}))
	assert.Equal(t, []string{"c", "b"}, names(runtime.Query{Where: map[string]any{"status": "open"}}))
	assert.Equal(t, []string{"d"}, names(runtime.Query{Where: map[string]any{"status": nil}}))
	assert.Equal(t, []string{"c", "a"}, names(runtime.Query{Where: map[string]any{"status": []any{"done", "open"}}, Limit: 2}))
	assert.Equal(t, []string{"a", "c"}, names(runtime.Query{WhereNot: map[string]any{"name": []string{"b", "d"}}, Order: []runtime.Order{{Field: "name"}}}))
	assert.Equal(t, []string{"b", "c", "a", "d"}, names(runtime.Query{Order: []runtime.Order{{Field: "rank", Desc: true}}}))

	n, err := s.UpdateWhere(ctx, "items", runtime.Query{Where: map[string]any{"status": "open"}}, map[string]any{"status": "closed"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	count, err := s.Count(ctx, "items", runtime.Query{Where: map[string]any{"status": "closed"}, Limit: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestStore_Positions(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)
	for i, list := range []int64{1, 1, 2, 1} {
		_, err := s.Insert(ctx, "items", map[string]any{"rank": int64(i + 1), "list_id": list})
		require.NoError(t, err)
	}
	scope := positioning.Scope{Table: "items", Field: "rank", Column: "list_id", Value: int64(1)}

	entries, err := s.Entries(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, []positioning.Entry{{ID: 1, Position: 1}, {ID: 2, Position: 2}, {ID: 4, Position: 4}}, entries)

	require.NoError(t, s.Shift(ctx, scope, 2, 0, -1, 0))
	require.NoError(t, s.SetPosition(ctx, scope, 1, 9))
	entries, err = s.Entries(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, []positioning.Entry{{ID: 2, Position: 1}, {ID: 4, Position: 3}, {ID: 1, Position: 9}}, entries)

	other, err := s.Entries(ctx, positioning.Scope{Table: "items", Field: "rank", Column: "list_id", Value: int64(2)})
	require.NoError(t, err)
	assert.Equal(t, []positioning.Entry{{ID: 3, Position: 3}}, other)
}

func TestStore_ConcurrentTransactionsSerialize(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)
	id, err := s.Insert(ctx, "items", map[string]any{"rank": int64(0)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.RunInTransaction(ctx, func(ctx context.Context) error {
				return s.Increment(ctx, "items", id, "rank", 1)
			})
		}()
	}
	wg.Wait()
	row, err := s.Get(ctx, "items", id)
	require.NoError(t, err)
	assert.EqualValues(t, 20, row["rank"])
}
