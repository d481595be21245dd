package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undoable/undoable/internal/action"
	"github.com/undoable/undoable/internal/approval"
	"github.com/undoable/undoable/internal/chat/llm"
	"github.com/undoable/undoable/internal/events/bus"
	"github.com/undoable/undoable/internal/run"
	"github.com/undoable/undoable/internal/runevents"
	"github.com/undoable/undoable/internal/toolregistry"
)

// scriptedModel replays a fixed sequence of streams, one per call to
// Stream, so a test can drive the loop through several iterations.
type scriptedModel struct {
	mu      sync.Mutex
	scripts [][]llm.Delta
	calls   int
	err     error
}

func (m *scriptedModel) Stream(ctx context.Context, messages []llm.Message, tools []llm.ToolSpec) (<-chan llm.Delta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	idx := m.calls
	if idx >= len(m.scripts) {
		idx = len(m.scripts) - 1
	}
	m.calls++

	out := make(chan llm.Delta, len(m.scripts[idx]))
	for _, d := range m.scripts[idx] {
		out <- d
	}
	close(out)
	return out, nil
}

func newTestLoop(t *testing.T, model llm.ChatModel) (*Loop, *run.Manager) {
	t.Helper()
	evts := runevents.New(bus.NewLocalBus(nil))
	runs := run.New(evts, nil, nil)
	sessions := NewSessionStore(nil)

	gate := approval.New(approval.ModeOff, 0, nil, nil)
	reg := toolregistry.New(gate, nil, evts, nil)
	require.NoError(t, reg.RegisterTools(&toolregistry.Tool{
		Name:     "echo",
		Category: action.CategoryRead,
		Schema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"text": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"text"},
		},
		Execute: func(ctx context.Context, args map[string]interface{}) (interface{}, action.Inverse, error) {
			return args["text"], nil, nil
		},
	}))

	return NewLoop(sessions, reg, runs, evts, model, nil, nil), runs
}

func baseRunConfig() RunConfig {
	return RunConfig{
		Mode:              ModeNormal,
		MaxIterations:     5,
		ContextMaxTokens:  100000,
		CompactThreshold:  0.8,
		ToolResultMaxChar: 2000,
	}
}

func TestRunWithNoToolCallsCompletesRun(t *testing.T) {
	model := &scriptedModel{scripts: [][]llm.Delta{
		{{Kind: llm.DeltaText, Text: "hello there"}, {Kind: llm.DeltaStop, StopReason: "end_turn"}},
	}}
	loop, runs := newTestLoop(t, model)
	r := runs.Create(context.Background(), run.CreateInput{Instruction: "say hi"})

	var events []Event
	err := loop.Run(context.Background(), r.ID, "", baseRunConfig(), "hi", func(e Event) { events = append(events, e) })
	require.NoError(t, err)

	got, ok := runs.Get(r.ID)
	require.True(t, ok)
	assert.Equal(t, run.StatusCompleted, got.Status)

	var sawDone bool
	for _, e := range events {
		if e.Type == EventDone {
			sawDone = true
		}
	}
	assert.True(t, sawDone)
}

func TestRunInvokesToolThenCompletes(t *testing.T) {
	model := &scriptedModel{scripts: [][]llm.Delta{
		{
			{Kind: llm.DeltaToolInput, ToolCallIndex: 0, ToolCallID: "call-1", ToolCallName: "echo", ToolInputFragment: `{"text":"hi"}`},
			{Kind: llm.DeltaStop, StopReason: "tool_use"},
		},
		{
			{Kind: llm.DeltaText, Text: "done"},
			{Kind: llm.DeltaStop, StopReason: "end_turn"},
		},
	}}
	loop, runs := newTestLoop(t, model)
	r := runs.Create(context.Background(), run.CreateInput{Instruction: "use the echo tool"})

	var toolResults []Event
	err := loop.Run(context.Background(), r.ID, "", baseRunConfig(), "please echo hi", func(e Event) {
		if e.Type == EventToolResult {
			toolResults = append(toolResults, e)
		}
	})
	require.NoError(t, err)
	require.Len(t, toolResults, 1)
	assert.Equal(t, "echo", toolResults[0].Data["name"])

	got, ok := runs.Get(r.ID)
	require.True(t, ok)
	assert.Equal(t, run.StatusCompleted, got.Status)
}

func TestRunMaxIterationsEmitsWarningWithoutFailingRun(t *testing.T) {
	loopingCall := []llm.Delta{
		{Kind: llm.DeltaToolInput, ToolCallIndex: 0, ToolCallID: "call-1", ToolCallName: "echo", ToolInputFragment: `{"text":"again"}`},
		{Kind: llm.DeltaStop, StopReason: "tool_use"},
	}
	model := &scriptedModel{scripts: [][]llm.Delta{loopingCall, loopingCall, loopingCall}}
	loop, runs := newTestLoop(t, model)
	r := runs.Create(context.Background(), run.CreateInput{Instruction: "loop forever"})

	rc := baseRunConfig()
	rc.MaxIterations = 2

	var sawWarning bool
	err := loop.Run(context.Background(), r.ID, "", rc, "keep going", func(e Event) {
		if e.Type == EventWarning {
			sawWarning = true
		}
	})
	require.NoError(t, err)
	assert.True(t, sawWarning)

	got, ok := runs.Get(r.ID)
	require.True(t, ok)
	assert.Equal(t, run.StatusCompleted, got.Status)
}

func TestRunModelErrorFailsRun(t *testing.T) {
	model := &scriptedModel{err: fmt.Errorf("provider unavailable")}
	loop, runs := newTestLoop(t, model)
	r := runs.Create(context.Background(), run.CreateInput{Instruction: "say hi"})

	err := loop.Run(context.Background(), r.ID, "", baseRunConfig(), "hi", func(Event) {})
	assert.Error(t, err)

	got, ok := runs.Get(r.ID)
	require.True(t, ok)
	assert.Equal(t, run.StatusFailed, got.Status)
}

func TestRunRespectsContextCancellation(t *testing.T) {
	model := &scriptedModel{scripts: [][]llm.Delta{
		{{Kind: llm.DeltaText, Text: "hi"}, {Kind: llm.DeltaStop}},
	}}
	loop, runs := newTestLoop(t, model)
	r := runs.Create(context.Background(), run.CreateInput{Instruction: "say hi"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Give the FSM's first advance a moment in case of scheduling jitter,
	// then drive a turn against an already-cancelled context.
	time.Sleep(time.Millisecond)
	err := loop.Run(ctx, r.ID, "", baseRunConfig(), "hi", func(Event) {})
	assert.Error(t, err)
}
