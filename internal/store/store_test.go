package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRecord struct {
	Version int    `json:"version"`
	Name    string `json:"name"`
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	f := NewFile(filepath.Join(dir, "sub", "doc.json"), nil)

	require.NoError(t, f.Save(testRecord{Version: 1, Name: "first"}))

	var got testRecord
	exists, err := f.Load(&got)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, "first", got.Name)
}

func TestLoadMissingFileReturnsFalseNotError(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "missing.json"), nil)
	var got testRecord
	exists, err := f.Load(&got)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSaveIsAtomicNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	f := NewFile(path, nil)
	require.NoError(t, f.Save(testRecord{Version: 1, Name: "x"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "doc.json", entries[0].Name())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestSaveReportedDoesNotPanicOnFailure(t *testing.T) {
	// Pointing path at a location whose parent cannot be created (a file,
	// not a directory) forces Save to fail without crashing the caller.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))

	f := NewFile(filepath.Join(blocker, "doc.json"), nil)
	err := f.SaveReported(testRecord{Version: 1, Name: "x"})
	assert.Error(t, err)
}

func TestCheckVersion(t *testing.T) {
	assert.NoError(t, CheckVersion("p", 1, 2))
	assert.NoError(t, CheckVersion("p", 2, 2))

	err := CheckVersion("p", 3, 2)
	assert.Error(t, err)
	var verErr *ErrUnsupportedVersion
	assert.ErrorAs(t, err, &verErr)
}

func TestEnsureRootHonorsUndoableHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("UNDOABLE_HOME", dir)

	root, err := EnsureRoot()
	require.NoError(t, err)
	assert.Equal(t, dir, root)

	for _, sub := range []string{"canvas", "instructions", "logs"} {
		info, err := os.Stat(filepath.Join(root, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
