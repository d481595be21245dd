package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undoable/undoable/internal/swarm"
)

func createWorkflow(t *testing.T, router http.Handler) swarm.Workflow {
	t.Helper()
	rec := doRequest(t, router, http.MethodPost, "/swarm/workflows", map[string]interface{}{
		"name": "pipeline",
		"nodes": []map[string]interface{}{
			{"id": "a", "enabled": true},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var w swarm.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &w))
	return w
}

func TestCreateWorkflowRejectsCycle(t *testing.T) {
	deps := newTestDeps(t)
	router := NewRouter(deps)

	rec := doRequest(t, router, http.MethodPost, "/swarm/workflows", map[string]interface{}{
		"nodes": []map[string]interface{}{{"id": "a"}, {"id": "b"}},
		"edges": []map[string]interface{}{
			{"from": "a", "to": "b"},
			{"from": "b", "to": "a"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateGetListDeleteWorkflow(t *testing.T) {
	deps := newTestDeps(t)
	router := NewRouter(deps)

	w := createWorkflow(t, router)

	rec := doRequest(t, router, http.MethodGet, "/swarm/workflows/"+w.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/swarm/workflows", nil)
	var listed struct {
		Workflows []swarm.Workflow `json:"workflows"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed.Workflows, 1)

	rec = doRequest(t, router, http.MethodDelete, "/swarm/workflows/"+w.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestExecuteUnknownWorkflowReturns400(t *testing.T) {
	deps := newTestDeps(t)
	deps.Orchestrator = swarm.NewOrchestrator(deps.Workflows, deps.Runs, deps.Events, nil, nil, 0, nil)
	router := NewRouter(deps)

	rec := doRequest(t, router, http.MethodPost, "/swarm/workflows/missing/execute", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteDispatchesSeededNode(t *testing.T) {
	deps := newTestDeps(t)
	start := func(ctx context.Context, w swarm.Workflow, n swarm.Node) (string, string, string, error) {
		return "run-1", "", "", nil
	}
	deps.Orchestrator = swarm.NewOrchestrator(deps.Workflows, deps.Runs, deps.Events, start, nil, 0, nil)
	router := NewRouter(deps)
	w := createWorkflow(t, router)

	rec := doRequest(t, router, http.MethodPost, "/swarm/workflows/"+w.ID+"/execute", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
