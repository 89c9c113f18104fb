package positioning_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metaforge/internal/builder"
	"metaforge/internal/core/apperror"
	"metaforge/internal/infrastructure/storage/memory"
	"metaforge/internal/metadata"
	"metaforge/internal/positioning"
	"metaforge/internal/runtime"
	"metaforge/internal/schema"
)

type board struct {
	store *memory.Store
	typ   *runtime.Type
	pos   *positioning.Positioner
}

func newBoard(t *testing.T) *board {
	t.Helper()
	m, err := metadata.Parse(map[string]any{
		"name":        "card",
		"fields": []any{
			map[string]any{"name": "title", "type": "string"},
			map[string]any{"name": "lane_id", "type": "integer"},
		},
		"positioning": map[string]any{"scope": "lane_id"},
		"options":     map[string]any{"timestamps": false},
	}, metadata.NewTypeCatalog())
	require.NoError(t, err)

	store := memory.New()
	typ, err := builder.New(nil, nil, builder.WithSyncer(schema.New(store, store, schema.Dialect{}))).
		Build(context.Background(), m)
	require.NoError(t, err)
	return &board{store: store, typ: typ, pos: positioning.New(store, store)}
}

// add creates a card the way the records service does: position first,
// then insert.
func (b *board) add(t *testing.T, lane int64, attrs map[string]any) *runtime.Record {
	t.Helper()
	ctx := context.Background()
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrs["lane_id"] = lane
	rec, err := b.typ.New(ctx, attrs)
	require.NoError(t, err)
	require.NoError(t, b.store.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := b.pos.BeforeCreate(ctx, b.typ, rec); err != nil {
			return err
		}
		id, err := b.store.Insert(ctx, b.typ.Table(), b.typ.ColumnValues(rec))
		if err != nil {
			return err
		}
		rec.MarkPersisted(id)
		return nil
	}))
	return rec
}

func (b *board) load(t *testing.T, id int64) *runtime.Record {
	t.Helper()
	return b.fetch(context.Background(), t, id)
}

// fetch loads a card through ctx, which may carry a transaction.
func (b *board) fetch(ctx context.Context, t *testing.T, id int64) *runtime.Record {
	t.Helper()
	row, err := b.store.Get(ctx, b.typ.Table(), id)
	require.NoError(t, err)
	rec, err := b.typ.Load(row)
	require.NoError(t, err)
	return rec
}

// order returns the ids of a lane in position order and checks density.
func (b *board) order(t *testing.T, lane int64) []int64 {
	t.Helper()
	entries, err := b.store.Entries(context.Background(), positioning.ScopeFor(b.typ, lane))
	require.NoError(t, err)
	ids := make([]int64, len(entries))
	for i, e := range entries {
		require.Equal(t, i+1, e.Position, "positions must be dense")
		ids[i] = e.ID
	}
	return ids
}

func TestVersion_IsOrderSensitive(t *testing.T) {
	a := positioning.Version([]positioning.Entry{{ID: 1, Position: 1}, {ID: 2, Position: 2}})
	b := positioning.Version([]positioning.Entry{{ID: 2, Position: 1}, {ID: 1, Position: 2}})
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, positioning.Version([]positioning.Entry{{ID: 1, Position: 7}, {ID: 2, Position: 9}}))
}

func TestCreate_AppendsAndInserts(t *testing.T) {
	b := newBoard(t)
	for range 3 {
		b.add(t, 1, nil)
	}
	assert.Equal(t, []int64{1, 2, 3}, b.order(t, 1))

	b.add(t, 1, map[string]any{"position": 2})
	assert.Equal(t, []int64{1, 4, 2, 3}, b.order(t, 1))

	b.add(t, 1, map[string]any{"position": 99})
	assert.Equal(t, []int64{1, 4, 2, 3, 5}, b.order(t, 1))

	b.add(t, 2, nil)
	assert.Equal(t, []int64{6}, b.order(t, 2))
}

// destroy deletes rec the way the records service does: the gap is read
// from storage before the row goes away.
func (b *board) destroy(t *testing.T, rec *runtime.Record) {
	t.Helper()
	require.NoError(t, b.store.RunInTransaction(context.Background(), func(ctx context.Context) error {
		gap, err := b.pos.BeforeDestroy(ctx, b.typ, b.fetch(ctx, t, rec.ID()))
		if err != nil {
			return err
		}
		if err := b.store.Delete(ctx, b.typ.Table(), rec.ID()); err != nil {
			return err
		}
		return b.pos.AfterDestroy(ctx, gap)
	}))
}

func TestAfterDestroy_ClosesGap(t *testing.T) {
	b := newBoard(t)
	var recs []*runtime.Record
	for range 4 {
		recs = append(recs, b.add(t, 1, nil))
	}

	b.destroy(t, recs[1])
	assert.Equal(t, []int64{1, 3, 4}, b.order(t, 1))
}

func TestAfterDestroy_UsesStoredPosition(t *testing.T) {
	b := newBoard(t)
	var recs []*runtime.Record
	for range 3 {
		recs = append(recs, b.add(t, 1, nil))
	}
	stale := recs[2]

	_, err := b.pos.Move(context.Background(), b.typ, b.load(t, stale.ID()), positioning.MoveRequest{To: 1})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 1, 2}, b.order(t, 1))

	b.destroy(t, stale)
	assert.Equal(t, []int64{1, 2}, b.order(t, 1))
}

func TestAfterDestroy_MissingRowIsNoop(t *testing.T) {
	b := newBoard(t)
	b.add(t, 1, nil)
	require.NoError(t, b.pos.AfterDestroy(context.Background(), positioning.Gap{}))
	assert.Equal(t, []int64{1}, b.order(t, 1))
}

func TestMove(t *testing.T) {
	tests := []struct {
		name string
		id   int64
		req  positioning.MoveRequest
		want []int64
		at   int
	}{
		{"to front", 4, positioning.MoveRequest{To: 1}, []int64{4, 1, 2, 3}, 1},
		{"to back", 1, positioning.MoveRequest{To: 4}, []int64{2, 3, 4, 1}, 4},
		{"clamped high", 2, positioning.MoveRequest{To: 50}, []int64{1, 3, 4, 2}, 4},
		{"clamped low", 3, positioning.MoveRequest{To: -3}, []int64{3, 1, 2, 4}, 1},
		{"after later", 1, positioning.MoveRequest{After: 3}, []int64{2, 3, 1, 4}, 3},
		{"after earlier", 4, positioning.MoveRequest{After: 1}, []int64{1, 4, 2, 3}, 2},
		{"before later", 1, positioning.MoveRequest{Before: 4}, []int64{2, 3, 1, 4}, 3},
		{"before earlier", 3, positioning.MoveRequest{Before: 1}, []int64{3, 1, 2, 4}, 1},
		{"after self", 2, positioning.MoveRequest{After: 2}, []int64{1, 2, 3, 4}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBoard(t)
			for range 4 {
				b.add(t, 1, nil)
			}
			at, err := b.pos.Move(context.Background(), b.typ, b.load(t, tt.id), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.at, at)
			assert.Equal(t, tt.want, b.order(t, 1))
		})
	}
}

func TestMove_ListVersion(t *testing.T) {
	b := newBoard(t)
	ctx := context.Background()
	for range 3 {
		b.add(t, 1, nil)
	}
	b.add(t, 2, nil)

	version, err := b.pos.ListVersion(ctx, positioning.ScopeFor(b.typ, int64(1)))
	require.NoError(t, err)
	other, err := b.pos.ListVersion(ctx, positioning.ScopeFor(b.typ, int64(2)))
	require.NoError(t, err)

	_, err = b.pos.Move(ctx, b.typ, b.load(t, 3), positioning.MoveRequest{To: 1, ListVersion: version})
	require.NoError(t, err)

	_, err = b.pos.Move(ctx, b.typ, b.load(t, 1), positioning.MoveRequest{To: 3, ListVersion: version})
	require.Error(t, err)
	assert.True(t, apperror.IsPositionConflict(err))
	ae, _ := apperror.AsAppError(err)
	assert.Equal(t, version, ae.Details["expected"])
	assert.Equal(t, []int64{3, 1, 2}, b.order(t, 1), "a rejected move changes nothing")

	after, err := b.pos.ListVersion(ctx, positioning.ScopeFor(b.typ, int64(2)))
	require.NoError(t, err)
	assert.Equal(t, other, after)
}

func TestMove_RejectsBadRequests(t *testing.T) {
	b := newBoard(t)
	b.add(t, 1, nil)
	ctx := context.Background()

	_, err := b.pos.Move(ctx, b.typ, b.load(t, 1), positioning.MoveRequest{To: 1, After: 1})
	assert.True(t, apperror.IsValidation(err))
	_, err = b.pos.Move(ctx, b.typ, b.load(t, 1), positioning.MoveRequest{})
	assert.True(t, apperror.IsValidation(err))
	_, err = b.pos.Move(ctx, b.typ, b.load(t, 1), positioning.MoveRequest{After: 42})
	assert.True(t, apperror.IsNotFound(err))

	fresh, err := b.typ.New(ctx, map[string]any{"lane_id": int64(1)})
	require.NoError(t, err)
	_, err = b.pos.Move(ctx, b.typ, fresh, positioning.MoveRequest{To: 1})
	assert.True(t, apperror.IsValidation(err))
}

func TestBeforeUpdate(t *testing.T) {
	b := newBoard(t)
	ctx := context.Background()
	for range 3 {
		b.add(t, 1, nil)
	}
	b.add(t, 2, nil)

	save := func(rec *runtime.Record) {
		t.Helper()
		require.NoError(t, b.store.RunInTransaction(ctx, func(ctx context.Context) error {
			if err := b.pos.BeforeUpdate(ctx, b.typ, rec, b.fetch(ctx, t, rec.ID())); err != nil {
				return err
			}
			return b.store.Update(ctx, b.typ.Table(), rec.ID(), b.typ.ColumnValues(rec))
		}))
	}

	rec := b.load(t, 1)
	rec.Set("position", 3)
	save(rec)
	assert.Equal(t, []int64{2, 3, 1}, b.order(t, 1))

	rec = b.load(t, 2)
	rec.Set("lane_id", int64(2))
	save(rec)
	assert.Equal(t, []int64{3, 1}, b.order(t, 1))
	assert.Equal(t, []int64{4, 2}, b.order(t, 2))

	rec = b.load(t, 3)
	rec.Set("lane_id", int64(2))
	rec.Set("position", 1)
	save(rec)
	assert.Equal(t, []int64{1}, b.order(t, 1))
	assert.Equal(t, []int64{3, 4, 2}, b.order(t, 2))

	rec = b.load(t, 1)
	rec.Set("position", "soon")
	save(rec)
	assert.Equal(t, []int64{1}, b.order(t, 1))
}

func TestBeforeUpdate_UsesStoredPosition(t *testing.T) {
	b := newBoard(t)
	ctx := context.Background()
	var recs []*runtime.Record
	for range 3 {
		recs = append(recs, b.add(t, 1, nil))
	}
	b.add(t, 2, nil)
	stale := recs[2]

	_, err := b.pos.Move(ctx, b.typ, b.load(t, stale.ID()), positioning.MoveRequest{To: 1})
	require.NoError(t, err)

	stale.Set("lane_id", int64(2))
	require.NoError(t, b.store.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := b.pos.BeforeUpdate(ctx, b.typ, stale, b.fetch(ctx, t, stale.ID())); err != nil {
			return err
		}
		return b.store.Update(ctx, b.typ.Table(), stale.ID(), b.typ.ColumnValues(stale))
	}))
	assert.Equal(t, []int64{1, 2}, b.order(t, 1))
	assert.Equal(t, []int64{4, 3}, b.order(t, 2))
}
