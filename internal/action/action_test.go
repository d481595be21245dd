package action

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T, applier InverseApplier) *Log {
	t.Helper()
	return New(applier, nil, nil, nil)
}

func TestAppendAndListUndoable(t *testing.T) {
	log := newTestLog(t, nil)

	e := log.Append(context.Background(), Entry{
		ToolName: "write_file",
		Category: CategoryMutate,
		Undoable: true,
		Inverse:  Inverse{"path": "/tmp/a"},
	})
	require.NotEmpty(t, e.ID)

	undoable := log.ListUndoable()
	require.Len(t, undoable, 1)
	assert.Equal(t, e.ID, undoable[0].ID)
}

func TestAppendPendingIsVisibleBeforeFinalize(t *testing.T) {
	log := newTestLog(t, nil)

	e := log.AppendPending(context.Background(), Entry{ToolName: "write_file", Category: CategoryMutate})
	require.NotEmpty(t, e.ID)

	// The pre-action record exists with no outcome yet: a crash between
	// AppendPending and Finalize must not erase it from the log.
	recent := log.ListNonUndoableRecent(0)
	require.Len(t, recent, 1)
	assert.Equal(t, e.ID, recent[0].ID)
	assert.Zero(t, recent[0].DurationMs)
	assert.Empty(t, recent[0].Error)

	log.Finalize(context.Background(), e.ID, true, Inverse{"path": "/tmp/a"}, 42, "")

	undoable := log.ListUndoable()
	require.Len(t, undoable, 1)
	assert.Equal(t, e.ID, undoable[0].ID)
	assert.Equal(t, int64(42), undoable[0].DurationMs)
	assert.Equal(t, Inverse{"path": "/tmp/a"}, undoable[0].Inverse)
}

func TestFinalizeRecordsExecutionError(t *testing.T) {
	log := newTestLog(t, nil)

	e := log.AppendPending(context.Background(), Entry{ToolName: "flaky_tool", Category: CategoryExec})
	log.Finalize(context.Background(), e.ID, false, nil, 7, "boom")

	recent := log.ListNonUndoableRecent(0)
	require.Len(t, recent, 1)
	assert.Equal(t, "boom", recent[0].Error)
	assert.False(t, recent[0].Undoable)
}

func TestUndoActionAppliesInverseOnce(t *testing.T) {
	calls := 0
	applier := func(ctx context.Context, toolName string, inv Inverse) error {
		calls++
		return nil
	}
	log := newTestLog(t, applier)

	e := log.Append(context.Background(), Entry{ToolName: "write_file", Undoable: true})

	res := log.UndoAction(context.Background(), e.ID)
	assert.True(t, res.Success)
	assert.Equal(t, 1, calls)

	// testable property: undoing an already-undone entry is a structured
	// failure, not a double-apply of the inverse.
	res2 := log.UndoAction(context.Background(), e.ID)
	assert.False(t, res2.Success)
	assert.Equal(t, 1, calls)
}

func TestUndoActionNotUndoable(t *testing.T) {
	log := newTestLog(t, nil)
	e := log.Append(context.Background(), Entry{ToolName: "read_file", Undoable: false})

	res := log.UndoAction(context.Background(), e.ID)
	assert.False(t, res.Success)
	assert.Equal(t, "action is not undoable", res.Error)
}

func TestUndoActionUnknownID(t *testing.T) {
	log := newTestLog(t, nil)
	res := log.UndoAction(context.Background(), "does-not-exist")
	assert.False(t, res.Success)
}

func TestUndoAllStopsAtFirstFailure(t *testing.T) {
	fail := true
	applier := func(ctx context.Context, toolName string, inv Inverse) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	}
	log := newTestLog(t, applier)

	log.Append(context.Background(), Entry{ToolName: "t1", Undoable: true})
	log.Append(context.Background(), Entry{ToolName: "t2", Undoable: true})

	results := log.UndoAll(context.Background())
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Len(t, log.ListUndoable(), 2)
}

func TestListRedoableTracksUndoneEntries(t *testing.T) {
	applier := func(ctx context.Context, toolName string, inv Inverse) error { return nil }
	log := newTestLog(t, applier)

	e := log.Append(context.Background(), Entry{ToolName: "t1", Undoable: true})
	assert.Empty(t, log.ListRedoable())

	log.UndoAction(context.Background(), e.ID)

	redoable := log.ListRedoable()
	require.Len(t, redoable, 1)
	assert.Equal(t, e.ID, redoable[0].ID)
}

func TestListNonUndoableRecentExcludesUndoable(t *testing.T) {
	log := newTestLog(t, nil)
	log.Append(context.Background(), Entry{ToolName: "read_file", Undoable: false})
	log.Append(context.Background(), Entry{ToolName: "write_file", Undoable: true})

	recent := log.ListNonUndoableRecent(0)
	require.Len(t, recent, 1)
	assert.Equal(t, "read_file", recent[0].ToolName)
}
