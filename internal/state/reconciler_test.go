package state

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_Nested(t *testing.T) {
	r := New(Options{Out: &bytes.Buffer{}})
	r.Stage("users", map[string]any{"updated_at": "2024-01-01", "cursor": map[string]any{"page": 1, "dir": "asc"}})
	r.Stage("users", map[string]any{"cursor": map[string]any{"page": 2}})
	r.Stage("orders", map[string]any{"id": 9})
	r.Stage("", map[string]any{"currently_syncing": "orders"})
	r.Merge()

	assert.Equal(t, map[string]any{
		"bookmarks": map[string]any{
			"users":  map[string]any{"updated_at": "2024-01-01", "cursor": map[string]any{"page": 2, "dir": "asc"}},
			"orders": map[string]any{"id": 9},
		},
		"currently_syncing": "orders",
	}, r.Snapshot())
	assert.Zero(t, r.Pending())
}

func TestMerge_Idempotent(t *testing.T) {
	frag := map[string]any{"updated_at": "2024-01-01", "nested": map[string]any{"offset": 10}}

	once := New(Options{Out: &bytes.Buffer{}})
	once.Stage("users", frag)
	once.Merge()

	twice := New(Options{Out: &bytes.Buffer{}})
	twice.Stage("users", frag)
	twice.Stage("users", frag)
	twice.Merge()

	assert.Equal(t, once.Snapshot(), twice.Snapshot())
}

func TestMerge_ScalarOverwritesMap(t *testing.T) {
	dst := map[string]any{"a": map[string]any{"x": 1}}
	DeepMerge(dst, map[string]any{"a": 5})
	assert.Equal(t, map[string]any{"a": 5}, dst)
}

func TestMerge_DoesNotAliasSource(t *testing.T) {
	r := New(Options{Out: &bytes.Buffer{}})
	frag := map[string]any{"cursor": map[string]any{"page": 1}}
	r.Stage("users", frag)
	r.Merge()

	frag["cursor"].(map[string]any)["page"] = 99
	snap := r.Snapshot()
	assert.Equal(t, 1, snap["bookmarks"].(map[string]any)["users"].(map[string]any)["cursor"].(map[string]any)["page"])
}

func TestEmit_Writer(t *testing.T) {
	var buf bytes.Buffer
	r := New(Options{Out: &buf})
	require.NoError(t, r.Emit())
	r.Stage("users", map[string]any{"id": 2})
	r.Merge()
	require.NoError(t, r.Emit())

	assert.Equal(t, "{}\n{\"bookmarks\":{\"users\":{\"id\":2}}}\n", buf.String())
	assert.Equal(t, 2, r.Emitted())
}

func TestEmit_FileIsOverwritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	r := New(Options{Path: path})

	r.Stage("users", map[string]any{"id": 1})
	r.Merge()
	require.NoError(t, r.Emit())
	r.Stage("users", map[string]any{"id": 2})
	r.Merge()
	require.NoError(t, r.Emit())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"bookmarks\":{\"users\":{\"id\":2}}}\n", string(raw))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDirty(t *testing.T) {
	r := New(Options{Out: &bytes.Buffer{}})
	assert.False(t, r.Dirty())
	r.Stage("users", map[string]any{"id": 1})
	assert.True(t, r.Dirty())
	r.Merge()
	assert.True(t, r.Dirty())
	require.NoError(t, r.Emit())
	assert.False(t, r.Dirty())
}
