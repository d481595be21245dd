package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undoable/undoable/internal/events/bus"
	"github.com/undoable/undoable/internal/run"
	"github.com/undoable/undoable/internal/runevents"
	"github.com/undoable/undoable/internal/scheduler"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "index.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestRebuildPopulatesRunsAndJobsFromAuthoritativeState(t *testing.T) {
	idx := openTestIndex(t)
	evts := runevents.New(bus.NewLocalBus(nil))
	runs := run.New(evts, nil, nil)
	sched := scheduler.New(nil, evts, nil, nil)

	r := runs.Create(context.Background(), run.CreateInput{Instruction: "do the thing"})
	_, err := sched.Add(scheduler.Job{
		ID:      "job-1",
		Name:    "poll",
		Enabled: true,
		Schedule: scheduler.Schedule{
			Kind:    scheduler.ScheduleEvery,
			EveryMs: 60000,
		},
	})
	require.NoError(t, err)

	require.NoError(t, idx.Rebuild(runs, sched))

	rows, err := idx.ListRuns(ListRunsQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, r.ID, rows[0].ID)
	assert.Equal(t, "do the thing", rows[0].Instruction)

	jobs, err := idx.ListJobs(true)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].ID)
	assert.Equal(t, "every", jobs[0].ScheduleKind)
}

func TestRebuildIsIdempotentAndReplacesPriorRows(t *testing.T) {
	idx := openTestIndex(t)
	evts := runevents.New(bus.NewLocalBus(nil))
	runs := run.New(evts, nil, nil)
	sched := scheduler.New(nil, evts, nil, nil)

	runs.Create(context.Background(), run.CreateInput{Instruction: "first"})
	require.NoError(t, idx.Rebuild(runs, sched))

	runs2 := run.New(evts, nil, nil)
	runs2.Create(context.Background(), run.CreateInput{Instruction: "second"})
	require.NoError(t, idx.Rebuild(runs2, sched))

	rows, err := idx.ListRuns(ListRunsQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "second", rows[0].Instruction)
}

func TestListRunsFiltersByStatusJobIDAndSearch(t *testing.T) {
	idx := openTestIndex(t)

	require.NoError(t, idx.UpsertRun(run.Run{
		ID: "r1", Status: run.StatusCompleted, JobID: "job-a",
		Instruction: "refactor the parser", CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	require.NoError(t, idx.UpsertRun(run.Run{
		ID: "r2", Status: run.StatusFailed, JobID: "job-b",
		Instruction: "write documentation", CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	byStatus, err := idx.ListRuns(ListRunsQuery{Status: string(run.StatusCompleted)})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "r1", byStatus[0].ID)

	byJob, err := idx.ListRuns(ListRunsQuery{JobID: "job-b"})
	require.NoError(t, err)
	require.Len(t, byJob, 1)
	assert.Equal(t, "r2", byJob[0].ID)

	bySearch, err := idx.ListRuns(ListRunsQuery{Search: "parser"})
	require.NoError(t, err)
	require.Len(t, bySearch, 1)
	assert.Equal(t, "r1", bySearch[0].ID)
}

func TestUpsertRunIsUpdateOnConflict(t *testing.T) {
	idx := openTestIndex(t)

	r := run.Run{ID: "r1", Status: run.StatusCreated, Instruction: "say hi", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, idx.UpsertRun(r))

	r.Status = run.StatusCompleted
	require.NoError(t, idx.UpsertRun(r))

	rows, err := idx.ListRuns(ListRunsQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, string(run.StatusCompleted), rows[0].Status)
}

func TestFollowKeepsIndexCurrentAsRunStatusChanges(t *testing.T) {
	idx := openTestIndex(t)
	evts := runevents.New(bus.NewLocalBus(nil))
	runs := run.New(evts, nil, nil)

	unsub := idx.Follow(evts, runs)
	defer unsub()

	r := runs.Create(context.Background(), run.CreateInput{Instruction: "do it"})

	require.Eventually(t, func() bool {
		rows, err := idx.ListRuns(ListRunsQuery{})
		return err == nil && len(rows) == 1 && rows[0].ID == r.ID
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, runs.UpdateStatus(context.Background(), r.ID, run.StatusPlanning, "system"))

	require.Eventually(t, func() bool {
		rows, err := idx.ListRuns(ListRunsQuery{Status: string(run.StatusPlanning)})
		return err == nil && len(rows) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestListJobsExcludesDisabledUnlessRequested(t *testing.T) {
	idx := openTestIndex(t)

	require.NoError(t, idx.UpsertJob(scheduler.Job{ID: "j1", Name: "a", Enabled: true, Schedule: scheduler.Schedule{Kind: scheduler.ScheduleEvery}}))
	require.NoError(t, idx.UpsertJob(scheduler.Job{ID: "j2", Name: "b", Enabled: false, Schedule: scheduler.Schedule{Kind: scheduler.ScheduleAt}}))

	enabledOnly, err := idx.ListJobs(false)
	require.NoError(t, err)
	require.Len(t, enabledOnly, 1)
	assert.Equal(t, "j1", enabledOnly[0].ID)

	all, err := idx.ListJobs(true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestReplaceJobsFullyResyncsTable(t *testing.T) {
	idx := openTestIndex(t)

	require.NoError(t, idx.UpsertJob(scheduler.Job{ID: "stale", Name: "old", Enabled: true, Schedule: scheduler.Schedule{Kind: scheduler.ScheduleEvery}}))
	require.NoError(t, idx.ReplaceJobs([]scheduler.Job{
		{ID: "fresh", Name: "new", Enabled: true, Schedule: scheduler.Schedule{Kind: scheduler.ScheduleCron}},
	}))

	rows, err := idx.ListJobs(true)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "fresh", rows[0].ID)
}
