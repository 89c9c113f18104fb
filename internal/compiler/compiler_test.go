package compiler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metaforge/internal/builder"
	"metaforge/internal/core/apperror"
	"metaforge/internal/metadata"
	rt "metaforge/internal/runtime"
)

func decode(t *testing.T, raw map[string]any) *metadata.Model {
	t.Helper()
	m, err := metadata.Decode(raw, metadata.NewTypeCatalog())
	require.NoError(t, err)
	return m
}

func author() map[string]any {
	return map[string]any{
		"name": "author",
		"fields": []any{
			map[string]any{"name": "name", "type": "string"},
			map[string]any{"name": "books_count", "type": "integer", "default": 0},
		},
		"associations": []any{
			map[string]any{"type": "has_many", "name": "books"},
		},
	}
}

func book() map[string]any {
	return map[string]any{
		"name":   "book",
		"fields": []any{map[string]any{"name": "title", "type": "string"}},
		"associations": []any{
			map[string]any{"type": "belongs_to", "name": "author", "counter_cache": true},
		},
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		models  []map[string]any
		wantErr string
		code    string
	}{
		{
			name:   "consistent set",
			models: []map[string]any{author(), book()},
		},
		{
			name:    "unknown target",
			models:  []map[string]any{book()},
			wantErr: `targets unknown model "author"`,
			code:    apperror.CodeBuild,
		},
		{
			name: "missing counter column",
			models: []map[string]any{
				{"name": "author", "fields": []any{map[string]any{"name": "name", "type": "string"}}},
				book(),
			},
			wantErr: `counter cache needs integer field "books_count"`,
			code:    apperror.CodeDefinition,
		},
		{
			name: "through unknown association",
			models: []map[string]any{{
				"name": "shelf",
				"associations": []any{
					map[string]any{"type": "has_many", "name": "titles", "through": "books"},
				},
			}},
			wantErr: `unknown association "books"`,
		},
		{
			name: "shared table",
			models: []map[string]any{
				{"name": "item", "table": "things"},
				{"name": "gadget", "table": "things"},
			},
			wantErr: `table "things" is already used`,
		},
		{
			name: "invalid definition",
			models: []map[string]any{
				{"name": "Bad Name"},
			},
			code: apperror.CodeDefinition,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			models := make([]*metadata.Model, len(tt.models))
			for i, raw := range tt.models {
				models[i] = decode(t, raw)
			}
			err := Check(context.Background(), models)
			if tt.wantErr == "" && tt.code == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			if tt.wantErr != "" {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
			if tt.code != "" {
				assert.True(t, apperror.HasCode(err, tt.code), "want %s in %v", tt.code, err)
			}
		})
	}
}

func TestReload_PublishesAndNotifies(t *testing.T) {
	c := New(builder.New(nil, nil), nil)
	assert.Zero(t, c.Universe().Len())

	var mu sync.Mutex
	var seen []string
	c.OnChange(func(model string, u *rt.Universe) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, model+"@"+u.Version())
	})

	res, err := c.Reload(context.Background(), []*metadata.Model{decode(t, author()), decode(t, book())})
	require.NoError(t, err)
	assert.Equal(t, []string{"author", "book"}, res.Models)
	assert.Equal(t, []string{"author", "book"}, res.Changed)
	assert.Equal(t, []string{"author@1", "book@1"}, seen)

	typ, ok := c.Universe().Lookup("book")
	require.True(t, ok)
	assert.Equal(t, "books", typ.Table())

	seen = nil
	changedBook := book()
	changedBook["fields"] = append(changedBook["fields"].([]any), map[string]any{"name": "isbn", "type": "string"})
	res, err = c.Reload(context.Background(), []*metadata.Model{decode(t, author()), decode(t, changedBook)})
	require.NoError(t, err)
	assert.Equal(t, []string{"book"}, res.Changed)
	assert.Equal(t, []string{"book@2"}, seen)
	assert.Equal(t, "2", c.Universe().Version())
}

func TestReload_FailsClosed(t *testing.T) {
	c := New(builder.New(nil, nil), nil)
	_, err := c.Reload(context.Background(), []*metadata.Model{decode(t, author()), decode(t, book())})
	require.NoError(t, err)
	before := c.Universe()

	tests := []struct {
		name   string
		models []map[string]any
	}{
		{"dangling reference", []map[string]any{book()}},
		{"unresolved service", []map[string]any{author(), book(), {
			"name": "draft",
			"fields": []any{
				map[string]any{"name": "slug", "type": "string", "default": map[string]any{"service": "nope"}},
			},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var models []*metadata.Model
			for _, raw := range tt.models {
				models = append(models, decode(t, raw))
			}
			_, err := c.Reload(context.Background(), models)
			require.Error(t, err)
			assert.Same(t, before, c.Universe())
			_, ok := c.Registry().Get("author")
			assert.True(t, ok)
		})
	}
}

func TestTrigger_CollapsesConcurrentCalls(t *testing.T) {
	c := New(builder.New(nil, nil), nil)
	release := make(chan struct{})
	var loads atomic.Int32
	src := func() ([]*metadata.Model, error) {
		loads.Add(1)
		<-release
		return []*metadata.Model{decode(t, author()), decode(t, book())}, nil
	}

	var wg sync.WaitGroup
	results := make([]*Result, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Trigger(context.Background(), src)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	// Let every goroutine join the flight before it lands.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, loads.Load())
	for _, res := range results {
		assert.Same(t, results[0], res)
	}
}

func TestTrigger_SourceError(t *testing.T) {
	c := New(builder.New(nil, nil), nil)
	boom := errors.New("disk on fire")
	_, err := c.Trigger(context.Background(), func() ([]*metadata.Model, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, c.Universe().Len())
}
