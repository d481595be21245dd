package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/undoable/undoable/internal/action"
	"github.com/undoable/undoable/internal/approval"
	"github.com/undoable/undoable/internal/common/config"
	"github.com/undoable/undoable/internal/events/bus"
	"github.com/undoable/undoable/internal/run"
	"github.com/undoable/undoable/internal/runevents"
	"github.com/undoable/undoable/internal/scheduler"
	"github.com/undoable/undoable/internal/settings"
	"github.com/undoable/undoable/internal/swarm"
	"github.com/undoable/undoable/internal/toolregistry"
)

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	evts := runevents.New(bus.NewLocalBus(nil))

	gate := approval.New(approval.ModeOff, 0, evts, nil)
	tools := toolregistry.New(gate, nil, evts, nil)
	actionLog := action.New(tools.InverseApplier(), evts, nil, nil)

	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8080
	cfg.Auth.Mode = "open"
	cfg.Chat.MaxIterations = 10
	cfg.Chat.ContextMaxTokens = 100000
	cfg.Chat.CompactThreshold = 0.8
	cfg.Chat.ToolResultMaxChar = 4000
	cfg.Approval.Mode = "off"

	return Deps{
		Config:    cfg,
		Runs:      run.New(evts, nil, nil),
		Actions:   actionLog,
		Approvals: gate,
		Tools:     tools,
		Scheduler: scheduler.New(nil, evts, nil, nil),
		Workflows: swarm.NewWorkflowStore(nil),
		Settings:  settings.New(cfg, nil, nil),
		Events:    evts,
	}
}

func mustJSON(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewBuffer(data)
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf *bytes.Buffer
	if body != nil {
		buf = mustJSON(t, body)
	} else {
		buf = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}
