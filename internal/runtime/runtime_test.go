package runtime

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metaforge/internal/condition"
	"metaforge/internal/metadata"
)

func taskModel(t *testing.T) *metadata.Model {
	t.Helper()
	m, err := metadata.Parse(map[string]any{
		"name": "task",
		"fields": []any{
			map[string]any{"name": "title", "type": "string"},
			map[string]any{"name": "status", "type": "enum", "values": []any{"open", "done"}, "default": "open"},
			map[string]any{"name": "code", "type": "string", "readonly": true},
			map[string]any{"name": "files", "type": "attachment", "attachment": map[string]any{"multiple": true}},
			map[string]any{"name": "summary", "computed": "{title}"},
		},
		"associations": []any{
			map[string]any{"type": "belongs_to", "name": "project"},
			map[string]any{"type": "has_many", "name": "comments", "nested": map[string]any{}},
		},
		"options": map[string]any{"custom_fields": true},
	}, metadata.NewTypeCatalog())
	require.NoError(t, err)
	return m
}

func buildType(t *testing.T, m *metadata.Model, bind func(*Type)) *Type {
	t.Helper()
	typ := NewType(m)
	require.NoError(t, typ.Advance(StateSchemaSynced))
	if bind != nil {
		bind(typ)
	}
	require.NoError(t, typ.Advance(StatePipelineApplied))
	require.NoError(t, typ.Advance(StateUsable))
	return typ
}

func TestType_StateMachine(t *testing.T) {
	typ := NewType(taskModel(t))

	assert.Error(t, typ.BindTransform("title", upper))
	assert.Error(t, typ.Advance(StatePipelineApplied))
	require.NoError(t, typ.Advance(StateSchemaSynced))
	require.NoError(t, typ.Advance(StatePipelineApplied))
	assert.ErrorIs(t, typ.BindValidator("x", func(context.Context, *Record) {}), ErrSealed)

	_, err := typ.New(context.Background(), nil)
	assert.Error(t, err)

	require.NoError(t, typ.Advance(StateUsable))
	_, err = typ.New(context.Background(), nil)
	assert.NoError(t, err)
}

func TestType_Layout(t *testing.T) {
	typ := NewType(taskModel(t))

	assert.Equal(t, "tasks", typ.Table())
	assert.Equal(t, []string{"title", "status", "code", "files", "project_id", "custom_fields", "created_at", "updated_at"}, typ.Columns())
	assert.True(t, typ.JSONColumn("files"))
	assert.True(t, typ.JSONColumn("custom_fields"))
	assert.False(t, typ.JSONColumn("title"))
	assert.True(t, typ.Attribute("summary"))
	assert.True(t, typ.Attribute("project_id"))
	assert.False(t, typ.Attribute("nope"))
}

func TestType_PermittedAttributes(t *testing.T) {
	typ := NewType(taskModel(t))
	require.NoError(t, typ.Advance(StateSchemaSynced))
	require.NoError(t, typ.BindAssociation(&Association{Name: "comments", Kind: metadata.HasMany, Nested: &NestedPolicy{}}))

	assert.Equal(t,
		[]string{"title", "status", "code", "files", "project_id", "custom_fields", "comments_attributes"},
		typ.PermittedAttributes(false))
	assert.NotContains(t, typ.PermittedAttributes(true), "code")
}

func upper(v any) any {
	if s, ok := v.(string); ok {
		return strings.ToUpper(s)
	}
	return v
}

func TestRecord_SetRunsTransforms(t *testing.T) {
	typ := buildType(t, taskModel(t), func(typ *Type) {
		require.NoError(t, typ.BindTransform("title", func(v any) any { return strings.TrimSpace(v.(string)) }))
		require.NoError(t, typ.BindTransform("title", upper))
	})
	rec, err := typ.New(context.Background(), map[string]any{"title": "  hi  ", "bogus": 1})
	require.NoError(t, err)

	assert.Equal(t, "HI", rec.Get("title"))
	assert.Nil(t, rec.Get("bogus"))
	assert.True(t, rec.Supplied("title"))
	assert.Equal(t, "HI", rec.Label())
}

func TestType_ApplyDefaultsNeverOverwrites(t *testing.T) {
	calls := 0
	typ := buildType(t, taskModel(t), func(typ *Type) {
		require.NoError(t, typ.BindDefault("status", func(context.Context, *Record) (any, bool, error) {
			calls++
			return "open", true, nil
		}))
	})
	ctx := context.Background()

	rec, err := typ.New(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "open", rec.Get("status"))

	rec.Set("status", "done")
	require.NoError(t, typ.ApplyDefaults(ctx, rec))
	assert.Equal(t, "done", rec.Get("status"))

	given, err := typ.New(ctx, map[string]any{"status": "done"})
	require.NoError(t, err)
	assert.Equal(t, "done", given.Get("status"))
	assert.Equal(t, 1, calls)
}

func TestType_AssignRejectsUnpermitted(t *testing.T) {
	typ := buildType(t, taskModel(t), func(typ *Type) {
		require.NoError(t, typ.BindAssociation(&Association{Name: "comments", Kind: metadata.HasMany, Nested: &NestedPolicy{}}))
	})
	rec, rejected, err := typ.Build(context.Background(), map[string]any{
		"title":      "x",
		"summary":    "nope",
		"id":         9,
		"created_at": "2024-01-01",
		"custom_fields": map[string]any{
			"color": "red",
		},
		"comments_attributes": []any{map[string]any{"body": "a"}, map[string]any{"body": "b"}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"created_at", "id", "summary"}, rejected)
	assert.Equal(t, "x", rec.Get("title"))
	assert.Equal(t, "red", rec.Custom()["color"])
	assert.Len(t, rec.Nested()["comments"], 2)

	rec.MarkPersisted(1)
	assert.Equal(t, []string{"code"}, typ.Assign(rec, map[string]any{"code": "C-1"}))
}

func TestRecord_ChangeTracking(t *testing.T) {
	typ := buildType(t, taskModel(t), nil)
	rec, err := typ.New(context.Background(), map[string]any{"title": "a"})
	require.NoError(t, err)
	assert.True(t, rec.IsNew())
	assert.True(t, rec.Changed("title"))

	rec.MarkPersisted(7)
	assert.False(t, rec.IsNew())
	assert.Empty(t, rec.ChangedFields())

	rec.Set("title", "b")
	assert.Equal(t, []string{"title"}, rec.ChangedFields())
	assert.Equal(t, Change{Old: "a", New: "b"}, rec.Changes()["title"])

	rec.Set("title", "a")
	assert.Empty(t, rec.ChangedFields())
}

func TestType_FieldChanges(t *testing.T) {
	typ := buildType(t, taskModel(t), func(typ *Type) {
		require.NoError(t, typ.BindCallback(Callback{Event: "task.status_changed", Kind: metadata.FieldChange, Field: "status"}))
		require.NoError(t, typ.BindCallback(Callback{
			Event: "task.done",
			Kind:  metadata.FieldChange,
			Field: "status",
			Guard: func(_ context.Context, cur, _ condition.Entity) bool {
				v, _ := cur.Value("status")
				return v == "done"
			},
		}))
	})
	ctx := context.Background()
	rec, err := typ.New(ctx, map[string]any{"status": "open"})
	require.NoError(t, err)
	assert.Empty(t, typ.FieldChanges(ctx, rec))

	rec.MarkPersisted(1)
	assert.Empty(t, typ.FieldChanges(ctx, rec))

	rec.Set("status", "done")
	fired := typ.FieldChanges(ctx, rec)
	require.Len(t, fired, 2)
	assert.Equal(t, Trigger{Event: "task.status_changed", Kind: metadata.FieldChange, Field: "status", Old: "open", New: "done"}, fired[0])
	assert.Equal(t, "task.done", fired[1].Event)
}

func TestType_ColumnValuesAndLoad(t *testing.T) {
	typ := buildType(t, taskModel(t), func(typ *Type) {
		require.NoError(t, typ.BindAttachment("files", metadata.AttachmentOptions{Multiple: true}))
	})
	rec, err := typ.New(context.Background(), map[string]any{"title": "a", "project_id": int64(3)})
	require.NoError(t, err)
	require.NoError(t, rec.Attach("files", NewAttachment("a.txt", "text/plain", 3), NewAttachment("b.txt", "text/plain", 4)))
	assert.Error(t, rec.Attach("title", NewAttachment("c", "x", 1)))

	cols := typ.ColumnValues(rec)
	assert.Equal(t, "a", cols["title"])
	assert.Equal(t, int64(3), cols["project_id"])
	assert.Len(t, cols["files"], 2)
	assert.NotContains(t, cols, "summary")

	loaded, err := typ.Load(map[string]any{
		"id":    int64(5),
		"title": "a",
		"files": `[{"key":"k1","filename":"a.txt","content_type":"text/plain","size":3}]`,
		"extra": "ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), loaded.ID())
	assert.False(t, loaded.IsNew())
	require.Len(t, loaded.Attachments("files"), 1)
	assert.Equal(t, "k1", loaded.Attachments("files")[0].Key)
	assert.Nil(t, loaded.Get("extra"))
	assert.Empty(t, loaded.ChangedFields())

	_, err = typ.Load(map[string]any{"id": "x"})
	assert.Error(t, err)
}

func TestNestedPolicy_Plan(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		policy  NestedPolicy
		entries []map[string]any
		want    NestedPlan
		wantErr bool
	}{
		{
			name:    "create and update",
			entries: []map[string]any{{"body": "a"}, {"id": int64(4), "body": "b"}},
			want: NestedPlan{
				Create: []map[string]any{{"body": "a"}},
				Update: []map[string]any{{"id": int64(4), "body": "b"}},
			},
		},
		{
			name:    "destroy ignored without allow_destroy",
			entries: []map[string]any{{"id": 4, "_destroy": true}},
			want:    NestedPlan{},
		},
		{
			name:    "destroy",
			policy:  NestedPolicy{AllowDestroy: true},
			entries: []map[string]any{{"id": 4, "_destroy": "1"}},
			want:    NestedPlan{Destroy: []int64{4}},
		},
		{
			name: "reject_if",
			policy: NestedPolicy{RejectIf: func(_ context.Context, attrs map[string]any) bool {
				return attrs["body"] == ""
			}},
			entries: []map[string]any{{"body": ""}, {"body": "x"}},
			want:    NestedPlan{Create: []map[string]any{{"body": "x"}}},
		},
		{
			name:    "update_only",
			policy:  NestedPolicy{UpdateOnly: true},
			entries: []map[string]any{{"body": "x"}},
			want:    NestedPlan{Update: []map[string]any{{"body": "x", "id": int64(0)}}},
		},
		{
			name:    "limit",
			policy:  NestedPolicy{Limit: 1},
			entries: []map[string]any{{}, {}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.policy.Plan(ctx, "comments", tt.entries)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQuery_Merge(t *testing.T) {
	base := Query{Where: map[string]any{"status": "open"}, Order: []Order{{Field: "title"}}, Limit: 10}
	got := base.Merge(Query{Where: map[string]any{"status": "done", "project_id": 1}, Order: []Order{{Field: "position"}}, Limit: 5})

	assert.Equal(t, map[string]any{"status": "done", "project_id": 1}, got.Where)
	assert.Equal(t, []Order{{Field: "position"}, {Field: "title"}}, got.Order)
	assert.Equal(t, 5, got.Limit)
	assert.Equal(t, map[string]any{"status": "open"}, base.Where)
}

func TestUniverse(t *testing.T) {
	a := NewType(&metadata.Model{Name: "b", Table: "bs"})
	b := NewType(&metadata.Model{Name: "a", Table: "as"})
	u := NewUniverse("v1", a, b)

	assert.Equal(t, []string{"a", "b"}, u.Names())
	assert.Equal(t, "v1", u.Version())
	got, ok := u.Lookup("b")
	require.True(t, ok)
	assert.Same(t, a, got)

	var empty *Universe
	_, ok = empty.Lookup("a")
	assert.False(t, ok)
	assert.Zero(t, empty.Len())
}
