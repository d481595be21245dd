// Package llm defines the narrow completion-stream capability the Chat/
// Tool Loop consumes, plus an adapter over the Anthropic Messages API.
// Provider API plumbing beyond this contract is out of scope (spec
// section 1): the loop only ever talks to the ChatModel interface.
package llm

import (
	"context"
	"fmt"
)

// Role is a message's speaker.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one model-issued tool invocation request.
type ToolCall struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
	Name  string `json:"name"`
	Args  map[string]interface{} `json:"args"`
}

// Message is one turn in the wire-format conversation. ToolCalls is
// populated on assistant messages that invoked tools; ToolCallID is
// populated on tool-role messages replying to one call.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolSpec is the schema definition the loop exposes to the model,
// sourced from the Tool Registry's Definitions().
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// DeltaKind tags one unit of a streaming completion.
type DeltaKind string

const (
	DeltaText      DeltaKind = "text"
	DeltaToolInput DeltaKind = "tool_input"
	DeltaStop      DeltaKind = "stop"
)

// Delta is one incremental unit of a streaming completion.
type Delta struct {
	Kind DeltaKind

	// Text is set when Kind == DeltaText.
	Text string

	// ToolCallIndex/ToolCallID/ToolCallName/ToolInputFragment are set when
	// Kind == DeltaToolInput: the model is emitting one tool call's
	// arguments incrementally, indexed by its position in the turn.
	ToolCallIndex        int
	ToolCallID           string
	ToolCallName         string
	ToolInputFragment    string

	// StopReason is set when Kind == DeltaStop.
	StopReason string
}

// ChatModel is the capability the Chat/Tool Loop consumes: a streaming
// completion over a message list and tool definitions. Implementations
// must respect ctx cancellation (section 4.7, "Cancellation").
type ChatModel interface {
	Stream(ctx context.Context, messages []Message, tools []ToolSpec) (<-chan Delta, error)
}

// Error wraps a provider error with its type, preserved for callers that
// want to branch on e.g. rate limiting.
type Error struct {
	Type    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}
