package schema

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"metaforge/internal/core/apperror"
	"metaforge/internal/core/tx"
	"metaforge/internal/metadata"
	"metaforge/pkg/logger"
)

type fakeCatalog struct {
	tables  map[string][]string
	indexes map[string][]string
	applied []Plan
	failOn  error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{tables: map[string][]string{}, indexes: map[string][]string{}}
}

func (c *fakeCatalog) TableExists(_ context.Context, table string) (bool, error) {
	_, ok := c.tables[table]
	return ok, nil
}

func (c *fakeCatalog) Columns(_ context.Context, table string) ([]string, error) {
	return c.tables[table], nil
}

func (c *fakeCatalog) Indexes(_ context.Context, table string) ([]string, error) {
	return c.indexes[table], nil
}

func (c *fakeCatalog) Apply(_ context.Context, plan Plan) error {
	if c.failOn != nil {
		return c.failOn
	}
	for _, col := range plan.Columns {
		c.tables[plan.Table] = append(c.tables[plan.Table], col.Name)
	}
	if plan.Create && len(plan.Columns) == 0 {
		c.tables[plan.Table] = []string{}
	}
	for _, idx := range plan.Indexes {
		c.indexes[plan.Table] = append(c.indexes[plan.Table], idx.Name)
	}
	c.applied = append(c.applied, plan)
	return nil
}

func noteModel(t *testing.T) *metadata.Model {
	t.Helper()
	m, err := metadata.Parse(map[string]any{
		"name": "note",
		"fields": []any{
			map[string]any{"name": "title", "type": "string", "default": "Untitled", "column_options": map[string]any{"limit": 80, "null": false}},
			map[string]any{"name": "body", "type": "text"},
			map[string]any{"name": "slug", "type": "slug", "unique": true},
			map[string]any{"name": "meta", "type": "json"},
			map[string]any{"name": "due_on", "type": "date", "default": ":current_date"},
			map[string]any{"name": "headline", "computed": "{title}!"},
			map[string]any{"name": "remote", "source": "external"},
		},
		"associations": []any{
			map[string]any{"type": "belongs_to", "name": "board"},
		},
		"positioning": map[string]any{"scope": "board"},
	}, metadata.NewTypeCatalog())
	require.NoError(t, err)
	return m
}

func TestPlan_CreateTable(t *testing.T) {
	s := New(newFakeCatalog(), tx.Passthrough, Dialect{NativeJSON: true})
	plan, err := s.Plan(context.Background(), noteModel(t))
	require.NoError(t, err)

	want := []string{
		`CREATE TABLE IF NOT EXISTS "notes" (` +
			`"id" bigserial PRIMARY KEY, ` +
			`"title" varchar(80) NOT NULL DEFAULT 'Untitled', ` +
			`"body" text, ` +
			`"slug" varchar(255), ` +
			`"meta" jsonb, ` +
			`"due_on" date, ` +
			`"position" integer, ` +
			`"board_id" bigint, ` +
			`"created_at" timestamp NOT NULL DEFAULT now(), ` +
			`"updated_at" timestamp NOT NULL DEFAULT now())`,
		`CREATE UNIQUE INDEX IF NOT EXISTS "notes_slug_key" ON "notes" ("slug")`,
		`CREATE INDEX IF NOT EXISTS "notes_board_id_idx" ON "notes" ("board_id")`,
		`CREATE INDEX IF NOT EXISTS "notes_position_idx" ON "notes" ("board_id", "position")`,
	}
	assert.True(t, plan.Create)
	if diff := cmp.Diff(want, plan.Statements); diff != "" {
		t.Errorf("statements mismatch (-want +got):\n%s", diff)
	}
}

func TestPlan_VirtualFieldsHaveNoColumn(t *testing.T) {
	cols, _, err := Desired(noteModel(t), Dialect{})
	require.NoError(t, err)
	for _, c := range cols {
		assert.NotEqual(t, "headline", c.Name)
		assert.NotEqual(t, "remote", c.Name)
	}
}

func TestPlan_TextJSONFallback(t *testing.T) {
	cols, _, err := Desired(noteModel(t), Dialect{NativeJSON: false})
	require.NoError(t, err)
	for _, c := range cols {
		if c.Name == "meta" {
			assert.Equal(t, "text", c.Type)
		}
	}
}

func TestEnsureTable_AddsOnlyMissingColumns(t *testing.T) {
	cat := newFakeCatalog()
	cat.tables["notes"] = []string{"id", "title", "legacy", "created_at", "updated_at"}
	cat.indexes["notes"] = []string{"notes_slug_key"}

	s := New(cat, tx.Passthrough, Dialect{NativeJSON: true})
	plan, err := s.EnsureTable(context.Background(), noteModel(t))
	require.NoError(t, err)

	assert.False(t, plan.Create)
	added := make([]string, 0, len(plan.Columns))
	for _, c := range plan.Columns {
		added = append(added, c.Name)
	}
	assert.Equal(t, []string{"body", "slug", "meta", "due_on", "position", "board_id"}, added)
	for _, stmt := range plan.Statements {
		assert.NotContains(t, stmt, "DROP")
		assert.NotContains(t, stmt, "legacy")
	}
	assert.Contains(t, cat.tables["notes"], "legacy")

	again, err := s.EnsureTable(context.Background(), noteModel(t))
	require.NoError(t, err)
	assert.True(t, again.Empty())
	assert.Len(t, cat.applied, 1)
}

func TestEnsureTable_LogsModelOnce(t *testing.T) {
	tests := []struct {
		name string
		ctx  func(context.Context) context.Context
	}{
		{"plain context", func(ctx context.Context) context.Context { return ctx }},
		{"model already tagged", func(ctx context.Context) context.Context { return logger.WithModel(ctx, "note") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			ctx := tt.ctx(logger.WithLogger(context.Background(), logger.Wrap(zap.New(core))))

			s := New(newFakeCatalog(), tx.Passthrough, Dialect{NativeJSON: true})
			_, err := s.EnsureTable(ctx, noteModel(t))
			require.NoError(t, err)
			_, err = s.EnsureTable(ctx, noteModel(t))
			require.NoError(t, err)

			require.Equal(t, 2, logs.Len())
			for _, entry := range logs.All() {
				var n int
				for _, f := range entry.Context {
					if f.Key == "model" {
						n++
					}
				}
				assert.Equal(t, 1, n, entry.Message)
				assert.Equal(t, "note", entry.ContextMap()["model"])
			}
		})
	}
}

func TestEnsureTable_FailureIsBuildError(t *testing.T) {
	cat := newFakeCatalog()
	cat.failOn = errors.New("permission denied")

	var rolledBack bool
	txm := tx.ManagerFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
		err := fn(ctx)
		rolledBack = err != nil
		return err
	})

	_, err := New(cat, txm, Dialect{}).EnsureTable(context.Background(), noteModel(t))
	require.Error(t, err)
	assert.True(t, apperror.IsBuild(err))
	assert.True(t, rolledBack)
	assert.ErrorContains(t, err, "permission denied")
}

func TestLiteral(t *testing.T) {
	assert.Equal(t, `'it''s'`, Literal("it's"))
	assert.Equal(t, "TRUE", Literal(true))
	assert.Equal(t, "2.5", Literal(2.5))
	assert.Equal(t, "7", Literal(7))
}
