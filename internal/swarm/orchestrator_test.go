package swarm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undoable/undoable/internal/events/bus"
	"github.com/undoable/undoable/internal/run"
	"github.com/undoable/undoable/internal/runevents"
)

func newTestHarness(t *testing.T) (*runevents.Bus, *run.Manager) {
	t.Helper()
	evts := runevents.New(bus.NewLocalBus(nil))
	runs := run.New(evts, nil, nil)
	return evts, runs
}

func linearWorkflow(workflows *WorkflowStore) Workflow {
	w, _ := workflows.Create(Workflow{
		Name: "pipeline",
		Nodes: []Node{
			{ID: "a", Enabled: true},
			{ID: "b", Enabled: true},
		},
		Edges: []Edge{{From: "a", To: "b"}},
	})
	return w
}

func TestOrchestratorRunsNodesToCompletion(t *testing.T) {
	evts, runs := newTestHarness(t)
	workflows := NewWorkflowStore(nil)
	w := linearWorkflow(workflows)

	start := func(ctx context.Context, w Workflow, n Node) (string, string, string, error) {
		r := runs.Create(ctx, run.CreateInput{Instruction: n.ID})
		return r.ID, "", "", nil
	}
	orch := NewOrchestrator(workflows, runs, evts, start, nil, 0, nil)

	result, err := orch.Execute(context.Background(), w.ID, DefaultOptions())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return result.Nodes["a"].Status == NodeRunning
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, NodePending, result.Nodes["b"].Status)

	require.NoError(t, advanceToCompleted(runs, result.Nodes["a"].RunID))

	require.Eventually(t, func() bool {
		return result.Nodes["b"].Status == NodeRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, advanceToCompleted(runs, result.Nodes["b"].RunID))

	require.Eventually(t, func() bool {
		return result.Status == OrchestrationCompleted
	}, time.Second, 5*time.Millisecond)

	_, ok := orch.Get(result.ID)
	assert.True(t, ok)
}

func TestOrchestratorFailFastBlocksDownstream(t *testing.T) {
	evts, runs := newTestHarness(t)
	workflows := NewWorkflowStore(nil)
	w := linearWorkflow(workflows)

	start := func(ctx context.Context, w Workflow, n Node) (string, string, string, error) {
		r := runs.Create(ctx, run.CreateInput{Instruction: n.ID})
		return r.ID, "", "", nil
	}
	orch := NewOrchestrator(workflows, runs, evts, start, nil, 0, nil)

	opts := DefaultOptions()
	result, err := orch.Execute(context.Background(), w.ID, opts)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return result.Nodes["a"].Status == NodeRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, advanceToFailed(runs, result.Nodes["a"].RunID))

	require.Eventually(t, func() bool {
		return result.Status == OrchestrationFailed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, NodeBlocked, result.Nodes["b"].Status)
}

func TestOrchestratorBlocksMultiHopChainWithoutFailFast(t *testing.T) {
	evts, runs := newTestHarness(t)
	workflows := NewWorkflowStore(nil)
	w, _ := workflows.Create(Workflow{
		Name: "pipeline",
		Nodes: []Node{
			{ID: "a", Enabled: true},
			{ID: "b", Enabled: true},
			{ID: "c", Enabled: true},
		},
		Edges: []Edge{{From: "a", To: "b"}, {From: "b", To: "c"}},
	})

	start := func(ctx context.Context, w Workflow, n Node) (string, string, string, error) {
		r := runs.Create(ctx, run.CreateInput{Instruction: n.ID})
		return r.ID, "", "", nil
	}
	orch := NewOrchestrator(workflows, runs, evts, start, nil, 0, nil)

	opts := DefaultOptions()
	opts.FailFast = false
	result, err := orch.Execute(context.Background(), w.ID, opts)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return result.Nodes["a"].Status == NodeRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, advanceToFailed(runs, result.Nodes["a"].RunID))

	require.Eventually(t, func() bool {
		return result.Status == OrchestrationFailed
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, NodeBlocked, result.Nodes["b"].Status)
	assert.Equal(t, NodeBlocked, result.Nodes["c"].Status, "a grandchild two hops past the failure must also resolve to blocked, not hang pending")
}

func TestOrchestratorSkipsDisabledNodes(t *testing.T) {
	_, runs := newTestHarness(t)
	evts := runevents.New(bus.NewLocalBus(nil))
	workflows := NewWorkflowStore(nil)
	w, _ := workflows.Create(Workflow{
		Name:  "pipeline",
		Nodes: []Node{{ID: "a", Enabled: false}},
	})

	start := func(ctx context.Context, w Workflow, n Node) (string, string, string, error) {
		return "should-not-run", "", "", fmt.Errorf("disabled node must not start")
	}
	orch := NewOrchestrator(workflows, runs, evts, start, nil, 0, nil)

	result, err := orch.Execute(context.Background(), w.ID, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, NodeSkipped, result.Nodes["a"].Status)
	assert.Equal(t, OrchestrationCompleted, result.Status)
}

func advanceToCompleted(runs *run.Manager, runID string) error {
	for _, s := range []run.Status{run.StatusPlanning, run.StatusPlanned, run.StatusShadowing, run.StatusShadowed, run.StatusApplying, run.StatusCompleted} {
		if err := runs.UpdateStatus(context.Background(), runID, s, "test"); err != nil {
			return err
		}
	}
	return nil
}

func advanceToFailed(runs *run.Manager, runID string) error {
	return runs.UpdateStatus(context.Background(), runID, run.StatusFailed, "test")
}
