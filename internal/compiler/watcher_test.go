package compiler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"metaforge/internal/builder"
)

const noteYAML = `
name: note
fields:
  - name: body
    type: text
`

const noteWithTitleYAML = `
name: note
fields:
  - name: body
    type: text
  - name: title
    type: string
`

func TestWatcher_ReloadsOnChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "note.yml")
	require.NoError(t, os.WriteFile(path, []byte(noteYAML), 0o644))

	c := New(builder.New(nil, nil), nil)
	_, err := c.Trigger(context.Background(), DirSource(dir))
	require.NoError(t, err)

	reloads := make(chan error, 8)
	w := NewWatcher(c, dir, 50*time.Millisecond)
	w.onReload = func(_ *Result, err error) { reloads <- err }
	require.NoError(t, w.Start(context.Background()))

	// Several quick writes settle into one reload.
	for range 3 {
		require.NoError(t, os.WriteFile(path, []byte(noteWithTitleYAML), 0o644))
	}

	select {
	case err := <-reloads:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after change")
	}

	typ, ok := c.Universe().Lookup("note")
	require.True(t, ok)
	assert.True(t, typ.Attribute("title"))

	// A broken file keeps the last good definitions.
	require.NoError(t, os.WriteFile(path, []byte("name: note\nfields: [{name: body, type: nope}]\n"), 0o644))
	select {
	case err := <-reloads:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after broken change")
	}
	_, ok = c.Universe().Lookup("note")
	assert.True(t, ok)

	w.Stop()
	assert.Len(t, reloads, 0, "a burst of writes must produce a single reload")
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	c := New(builder.New(nil, nil), nil)
	reloads := make(chan error, 1)
	w := NewWatcher(c, dir, 20*time.Millisecond)
	w.onReload = func(_ *Result, err error) { reloads <- err }
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("notes"), 0o644))
	time.Sleep(200 * time.Millisecond)
	w.Stop()
	assert.Empty(t, reloads)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := NewWatcher(New(builder.New(nil, nil), nil), t.TempDir(), 0)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
}
