// Package chat implements the Chat/Tool Loop: one user turn driven to
// completion against a streaming ChatModel, with tool-call batching, an
// iteration bound, context compaction, and drift stabilization.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/undoable/undoable/internal/chat/drift"
	"github.com/undoable/undoable/internal/chat/llm"
	"github.com/undoable/undoable/internal/common/logger"
	"github.com/undoable/undoable/internal/common/stringutil"
	"github.com/undoable/undoable/internal/run"
	"github.com/undoable/undoable/internal/runevents"
	"github.com/undoable/undoable/internal/toolregistry"
)

// EventType tags one SSE envelope emitted by a turn.
type EventType string

const (
	EventSessionInfo EventType = "session_info"
	EventAlignment   EventType = "alignment"
	EventToken       EventType = "token"
	EventThinking    EventType = "thinking"
	EventToolCall    EventType = "tool_call"
	EventToolResult  EventType = "tool_result"
	EventDone        EventType = "done"
	EventWarning     EventType = "warning"
)

// Event is one frame of the turn's SSE stream (section 4.7, section
// 4.10's framing note: callers wrap each Event as `data: <json>\n\n`).
type Event struct {
	Type EventType              `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Emit is the sink a turn writes its SSE frames to.
type Emit func(Event)

// approxCharsPerToken is the crude token-estimate divisor used for the
// context-budget check; good enough for a compaction trigger, not billing.
const approxCharsPerToken = 4

// Loop drives the Chat/Tool Loop's turn algorithm (spec section 4.7).
type Loop struct {
	sessions  *SessionStore
	tools     *toolregistry.Registry
	runs      *run.Manager
	events    *runevents.Bus
	model     llm.ChatModel
	drift     *drift.Detector
	log       *logger.Logger
}

// NewLoop constructs a Chat/Tool Loop wired to its collaborators.
func NewLoop(sessions *SessionStore, tools *toolregistry.Registry, runs *run.Manager, events *runevents.Bus, model llm.ChatModel, driftDetector *drift.Detector, lg *logger.Logger) *Loop {
	if lg == nil {
		lg = logger.Default()
	}
	if driftDetector == nil {
		driftDetector = drift.New(drift.DefaultConfig())
	}
	return &Loop{sessions: sessions, tools: tools, runs: runs, events: events, model: model, drift: driftDetector, log: lg}
}

// Run drives one turn to completion, streaming frames to emit and
// appending the session's messages as the turn progresses.
func (l *Loop) Run(ctx context.Context, runID, sessionID string, rc RunConfig, userMessage string, emit Emit) (err error) {
	l.advanceRun(ctx, runID, run.StatusPlanning, run.StatusPlanned, run.StatusShadowing, run.StatusShadowed, run.StatusApplying)
	defer func() {
		if err != nil {
			l.failRun(ctx, runID)
			return
		}
		l.advanceRun(ctx, runID, run.StatusCompleted)
	}()

	sess := l.sessions.GetOrCreate(sessionID, "")
	l.sessions.Append(sess.ID, llm.Message{Role: llm.RoleUser, Content: userMessage})

	messages := l.sessions.Messages(sess.ID)
	messages = l.maybeCompact(sess, rc, messages, emit)
	messages = l.maybeStabilize(sess, rc, messages, emit)

	emit(Event{Type: EventSessionInfo, Data: map[string]interface{}{
		"mode":        string(rc.Mode),
		"economyMode": rc.EconomyMode,
	}})

	toolSpecs := l.toolSpecs()

	for iteration := 1; iteration <= rc.MaxIterations; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		stream, err := l.model.Stream(ctx, messages, toolSpecs)
		if err != nil {
			return fmt.Errorf("request completion: %w", err)
		}

		text, toolCalls, stopReason, streamErr := l.consume(ctx, stream, emit)
		if streamErr != nil {
			return streamErr
		}

		if len(toolCalls) == 0 {
			assistantMsg := llm.Message{Role: llm.RoleAssistant, Content: text}
			l.sessions.Append(sess.ID, assistantMsg)
			messages = append(messages, assistantMsg)
			emit(Event{Type: EventDone, Data: map[string]interface{}{"stopReason": stopReason}})
			return nil
		}

		assistantMsg := llm.Message{Role: llm.RoleAssistant, Content: text, ToolCalls: toolCalls}
		l.sessions.Append(sess.ID, assistantMsg)
		messages = append(messages, assistantMsg)

		allPoll := true
		for _, call := range toolCalls {
			resultMsg := l.invokeTool(ctx, runID, call, rc, emit)
			l.sessions.Append(sess.ID, resultMsg)
			messages = append(messages, resultMsg)
			if call.Name != "process.poll" {
				allPoll = false
			}
		}

		// Exempt an all-process.poll batch from the iteration bound
		// (spec's own resolution of the mixed-batch open question: the
		// exemption requires every call in the batch to be process.poll).
		if !allPoll {
			iteration++
		}
	}

	emit(Event{Type: EventWarning, Data: map[string]interface{}{
		"code":          "max_iterations_reached",
		"maxIterations": rc.MaxIterations,
	}})
	return nil
}

// advanceRun steps the Run Manager's FSM through a sequence of statuses,
// stopping at the first transition the Manager rejects (the run may
// already have reached a later status via a prior turn).
func (l *Loop) advanceRun(ctx context.Context, runID string, statuses ...run.Status) {
	if l.runs == nil {
		return
	}
	for _, s := range statuses {
		if err := l.runs.UpdateStatus(ctx, runID, s, "chat-loop"); err != nil {
			l.log.Debug("run status transition skipped", zap.String("runId", runID), zap.String("status", string(s)))
			return
		}
	}
}

// failRun drives a run to its failed terminal status via the FSM's
// any-non-terminal escape hatch.
func (l *Loop) failRun(ctx context.Context, runID string) {
	if l.runs == nil {
		return
	}
	if err := l.runs.UpdateStatus(ctx, runID, run.StatusFailed, "chat-loop"); err != nil {
		l.log.Debug("run failure transition skipped", zap.String("runId", runID), zap.String("status", string(run.StatusFailed)))
	}
}

func (l *Loop) toolSpecs() []llm.ToolSpec {
	defs := l.tools.Definitions()
	specs := make([]llm.ToolSpec, 0, len(defs))
	for _, t := range defs {
		if strings.HasPrefix(t.Name, "undo:") {
			continue
		}
		specs = append(specs, llm.ToolSpec{Name: t.Name, Description: t.Description, Schema: t.Schema})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// pendingToolCall accumulates one tool call's streamed deltas by index.
type pendingToolCall struct {
	id, name string
	argsJSON strings.Builder
}

// consume drains one streaming completion, forwarding text/thinking
// deltas and accumulating tool-call deltas by index (section 4.7 step 4b/c).
func (l *Loop) consume(ctx context.Context, stream <-chan llm.Delta, emit Emit) (string, []llm.ToolCall, string, error) {
	var textBuilder strings.Builder
	byIndex := make(map[int]*pendingToolCall)
	var order []int
	stopReason := ""

	for {
		select {
		case <-ctx.Done():
			return textBuilder.String(), nil, stopReason, ctx.Err()
		case delta, ok := <-stream:
			if !ok {
				return textBuilder.String(), finalizeToolCalls(byIndex, order), stopReason, nil
			}
			switch delta.Kind {
			case llm.DeltaText:
				text, thinking := splitThinking(delta.Text)
				if text != "" {
					textBuilder.WriteString(text)
					emit(Event{Type: EventToken, Data: map[string]interface{}{"text": text}})
				}
				if thinking != "" {
					emit(Event{Type: EventThinking, Data: map[string]interface{}{"text": thinking}})
				}
			case llm.DeltaToolInput:
				p, ok := byIndex[delta.ToolCallIndex]
				if !ok {
					p = &pendingToolCall{id: delta.ToolCallID, name: delta.ToolCallName}
					byIndex[delta.ToolCallIndex] = p
					order = append(order, delta.ToolCallIndex)
				}
				if delta.ToolCallID != "" {
					p.id = delta.ToolCallID
				}
				if delta.ToolCallName != "" {
					p.name = delta.ToolCallName
				}
				if delta.ToolInputFragment != "" {
					p.argsJSON.WriteString(delta.ToolInputFragment)
				}
			case llm.DeltaStop:
				stopReason = delta.StopReason
			}
		}
	}
}

// finalizeToolCalls parses each accumulated tool call's JSON argument
// fragments into its args map, in the order calls first appeared.
func finalizeToolCalls(byIndex map[int]*pendingToolCall, order []int) []llm.ToolCall {
	if len(order) == 0 {
		return nil
	}
	calls := make([]llm.ToolCall, 0, len(order))
	for _, idx := range order {
		p := byIndex[idx]
		args := map[string]interface{}{}
		raw := p.argsJSON.String()
		if strings.TrimSpace(raw) != "" {
			_ = json.Unmarshal([]byte(raw), &args)
		}
		calls = append(calls, llm.ToolCall{Index: idx, ID: p.id, Name: p.name, Args: args})
	}
	return calls
}

// splitThinking extracts <think>...</think> spans from a text delta,
// returning the remaining visible text and the extracted thinking text
// separately (section 4.7 step 4b).
func splitThinking(text string) (visible, thinking string) {
	const openTag, closeTag = "<think>", "</think>"
	start := strings.Index(text, openTag)
	if start < 0 {
		return text, ""
	}
	end := strings.Index(text[start:], closeTag)
	if end < 0 {
		return text[:start], text[start+len(openTag):]
	}
	end += start
	thinking = text[start+len(openTag) : end]
	visible = text[:start] + text[end+len(closeTag):]
	return visible, thinking
}

// invokeTool runs one accumulated tool call through the Tool Registry,
// truncates the serialized result, and builds the reply message
// (section 4.7 step 4d).
func (l *Loop) invokeTool(ctx context.Context, runID string, call llm.ToolCall, rc RunConfig, emit Emit) llm.Message {
	emit(Event{Type: EventToolCall, Data: map[string]interface{}{
		"id":   call.ID,
		"name": call.Name,
		"args": call.Args,
	}})

	args, err := l.tools.ParseArgs(call.Name, call.Args)
	var result toolregistry.Result
	if err != nil {
		result = toolregistry.Result{Error: err.Error()}
	} else {
		result = l.tools.Call(ctx, runID, call.Name, args)
	}

	serialized := serializeResult(result)
	truncated := truncate(serialized, rc.ToolResultMaxChar)

	emit(Event{Type: EventToolResult, Data: map[string]interface{}{
		"id":        call.ID,
		"name":      call.Name,
		"result":    truncated,
		"truncated": len(truncated) < len(serialized),
	}})

	return llm.Message{Role: llm.RoleTool, Content: truncated, ToolCallID: call.ID}
}

func serializeResult(r toolregistry.Result) string {
	if r.Error != "" {
		b, err := json.Marshal(map[string]string{"error": r.Error})
		if err != nil {
			return `{"error":"` + r.Error + `"}`
		}
		return string(b)
	}
	b, err := json.Marshal(r.Value)
	if err != nil {
		return fmt.Sprintf("%v", r.Value)
	}
	return string(b)
}

func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	return stringutil.TruncateStringWithEllipsis(s, max)
}

// maybeCompact implements step 1: when the estimated token count of the
// message list exceeds contextMaxTokens*threshold, replace the
// non-system-prompt history with a long-context snapshot system message
// that preserves persistent goals, axis guardrails, and a rolling tail.
func (l *Loop) maybeCompact(sess *Session, rc RunConfig, messages []llm.Message, emit Emit) []llm.Message {
	if estimateTokens(messages) <= int(float64(rc.ContextMaxTokens)*rc.CompactThreshold) {
		return messages
	}

	const tailSize = 6
	tail := messages
	if len(tail) > tailSize {
		tail = tail[len(tail)-tailSize:]
	}

	var systemPrompt string
	var rest []llm.Message
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			systemPrompt = m.Content
			continue
		}
		rest = append(rest, m)
	}

	var snapshot strings.Builder
	snapshot.WriteString("## Long-Context Snapshot\n\n### Persistent Goals\n")
	if sess.PersistentGoals != "" {
		snapshot.WriteString(sess.PersistentGoals)
	} else {
		snapshot.WriteString("(none recorded for this session)")
	}
	snapshot.WriteString("\n\n### Axis Guardrails\n(carried verbatim from the primary system prompt)\n\n### Recent Context Tail\n")
	for _, m := range tail {
		snapshot.WriteString(fmt.Sprintf("- %s: %s\n", m.Role, truncate(m.Content, 400)))
	}

	out := make([]llm.Message, 0, 3)
	if systemPrompt != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	}
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: snapshot.String()})
	out = append(out, tail...)
	return out
}

// maybeStabilize implements step 2: run the drift detector over the last
// user message and, if triggered, inject a stabilizer system message and
// emit an alignment event.
func (l *Loop) maybeStabilize(sess *Session, rc RunConfig, messages []llm.Message, emit Emit) []llm.Message {
	lastUser := lastUserMessage(messages)
	if lastUser == "" {
		return messages
	}

	window := userTurnWindow(messages, 6)
	detector := l.drift
	if rc.DriftThreshold > 0 {
		cfg := drift.DefaultConfig()
		cfg.Threshold = rc.DriftThreshold
		detector = drift.New(cfg)
	}
	res := detector.Evaluate(lastUser, window)
	if !res.Triggered {
		return messages
	}

	emit(Event{Type: EventAlignment, Data: map[string]interface{}{
		"score":          res.Score,
		"divergedAxis":   res.DivergedAxis,
		"repetitionRate": res.RepetitionRate,
	}})

	stabilizer := drift.StabilizerMessage(res, sess.PersistentGoals, nil, window)
	return append(messages, llm.Message{Role: llm.RoleSystem, Content: stabilizer})
}

func lastUserMessage(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func userTurnWindow(messages []llm.Message, n int) []drift.Turn {
	var turns []drift.Turn
	for _, m := range messages {
		if m.Role == llm.RoleUser {
			turns = append(turns, drift.Turn{Content: m.Content})
		}
	}
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns
}

func estimateTokens(messages []llm.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	return chars / approxCharsPerToken
}
