// Package toolregistry implements the Tool Registry: a stateless dispatcher
// mapping toolName -> executor, where every registered tool is wrapped by
// a middleware chain that enforces approval, appends an action-log record,
// and captures the declared inverse for undo.
package toolregistry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/undoable/undoable/internal/action"
	"github.com/undoable/undoable/internal/approval"
	"github.com/undoable/undoable/internal/common/logger"
	"github.com/undoable/undoable/internal/runevents"
)

// Result is what a tool call returns to the chat loop. Exactly one of
// Value or Error is meaningful.
type Result struct {
	Value   interface{} `json:"value,omitempty"`
	Error   string      `json:"error,omitempty"`
	Inverse action.Inverse
}

// Executor is the inner implementation of one tool. It returns the tool's
// result value, an optional inverse (present only when the tool is
// undoable), and an error.
type Executor func(ctx context.Context, args map[string]interface{}) (value interface{}, inverse action.Inverse, err error)

// Tool is one registered capability.
type Tool struct {
	Name        string
	Description string
	Category    action.Category
	Undoable    bool
	Schema      map[string]interface{} // raw JSON Schema, exposed to the chat loop
	Execute     Executor

	compiled *jsonschema.Schema
}

// SecurityPolicy controls the undo-guarantee contract (section 4.4).
type SecurityPolicy string

const (
	PolicyStrict     SecurityPolicy = "strict"
	PolicyBalanced   SecurityPolicy = "balanced"
	PolicyPermissive SecurityPolicy = "permissive"
)

// Registry is the stateless dispatcher. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool

	allowOnceMu sync.Mutex
	allowOnce   map[string]bool // toolName -> single-call guard release

	gate     *approval.Gate
	actionLog *action.Log
	policy   SecurityPolicy
	events   *runevents.Bus
	logger   *logger.Logger
}

// New constructs a Tool Registry wired to the Approval Gate and Action Log.
func New(gate *approval.Gate, log *action.Log, events *runevents.Bus, lg *logger.Logger) *Registry {
	if lg == nil {
		lg = logger.Default()
	}
	return &Registry{
		tools:     make(map[string]*Tool),
		allowOnce: make(map[string]bool),
		gate:      gate,
		actionLog: log,
		policy:    PolicyBalanced,
		events:    events,
		logger:    lg,
	}
}

// SetSecurityPolicy changes the undo-guarantee enforcement policy.
func (r *Registry) SetSecurityPolicy(p SecurityPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = p
}

// AllowOnce releases the undo-guarantee guard for exactly one subsequent
// call to the named tool.
func (r *Registry) AllowOnce(toolName string) {
	r.allowOnceMu.Lock()
	defer r.allowOnceMu.Unlock()
	r.allowOnce[toolName] = true
}

func (r *Registry) consumeAllowOnce(toolName string) bool {
	r.allowOnceMu.Lock()
	defer r.allowOnceMu.Unlock()
	if r.allowOnce[toolName] {
		delete(r.allowOnce, toolName)
		return true
	}
	return false
}

// RegisterTools adds or replaces tools by name (idempotent). Each tool's
// schema is compiled eagerly so a malformed schema fails at registration
// time, not at call time.
func (r *Registry) RegisterTools(tools ...*Tool) error {
	for _, t := range tools {
		if t.Schema != nil {
			compiled, err := compileSchema(t.Name, t.Schema)
			if err != nil {
				return fmt.Errorf("tool %s: %w", t.Name, err)
			}
			t.compiled = compiled
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		r.tools[t.Name] = t
	}
	return nil
}

func compileSchema(name string, schema map[string]interface{}) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	url := fmt.Sprintf("mem://tools/%s.json", name)
	if err := c.AddResource(url, schema); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// Definitions returns the list of tool JSON-schema definitions consumed by
// the chat loop.
func (r *Registry) Definitions() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, *t)
	}
	return out
}

// ParseArgs validates args against the tool's declared schema, returning a
// validation error if the shape does not conform.
func (r *Registry) ParseArgs(toolName string, args map[string]interface{}) (map[string]interface{}, error) {
	r.mu.RLock()
	t, ok := r.tools[toolName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", toolName)
	}
	if t.compiled == nil {
		return args, nil
	}
	if err := t.compiled.Validate(args); err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", toolName, err)
	}
	return args, nil
}

// ErrUndoGuaranteeBlocked is returned when a non-undoable mutate/exec call
// is refused under strict policy before execution.
type ErrUndoGuaranteeBlocked struct {
	ToolName string
}

func (e *ErrUndoGuaranteeBlocked) Error() string {
	return fmt.Sprintf("tool %s is not undoable and strict undo-guarantee policy is active", e.ToolName)
}

// Call runs the full middleware chain: approval, pre-action record,
// execution, and finalization. It never returns an error for a failed
// tool call — failures are folded into Result.Error so the chat loop can
// feed them back to the model (section 4.4, section 7).
func (r *Registry) Call(ctx context.Context, runID, toolName string, args map[string]interface{}) Result {
	r.mu.RLock()
	t, ok := r.tools[toolName]
	policy := r.policy
	r.mu.RUnlock()
	if !ok {
		return Result{Error: fmt.Sprintf("unknown tool %q", toolName)}
	}

	if !t.Undoable && (t.Category == action.CategoryMutate || t.Category == action.CategoryExec) {
		if policy == PolicyStrict && !r.consumeAllowOnce(toolName) {
			if r.events != nil {
				r.events.Emit(ctx, runID, runevents.TypeWarning, map[string]interface{}{
					"code":    "undo_guarantee_blocked",
					"toolName": toolName,
					"hint":    "call AllowOnce to permit this single invocation, or relax the security policy",
				}, "")
			}
			return Result{Error: (&ErrUndoGuaranteeBlocked{ToolName: toolName}).Error()}
		}
	}

	decision, err := r.gate.RequestApproval(ctx, runID, toolName, t.Category, args, t.Description)
	approvalState := action.ApprovalGranted
	switch {
	case err != nil && decision == approval.DecisionDenied:
		approvalState = action.ApprovalDenied
	case err != nil && decision == approval.DecisionTimeout:
		approvalState = action.ApprovalDenied
	case t.Category == action.CategoryRead:
		approvalState = action.ApprovalAuto
	}
	if err != nil {
		return Result{Error: fmt.Sprintf("approval denied: %v", err)}
	}

	start := time.Now()
	var entryID string
	if r.actionLog != nil {
		pending := r.actionLog.AppendPending(ctx, action.Entry{
			RunID:     runID,
			ToolName:  toolName,
			Category:  t.Category,
			Args:      args,
			Approval:  approvalState,
			StartedAt: start,
		})
		entryID = pending.ID
	}

	value, inverse, execErr := t.Execute(ctx, args)
	duration := time.Since(start)

	if r.actionLog != nil {
		errMsg := ""
		if execErr != nil {
			errMsg = execErr.Error()
		}
		r.actionLog.Finalize(ctx, entryID, t.Undoable && inverse != nil, inverse, duration.Milliseconds(), errMsg)
	}

	if execErr != nil {
		return Result{Error: execErr.Error()}
	}
	return Result{Value: value, Inverse: inverse}
}

// InverseApplier returns an action.InverseApplier that routes an undo
// request back through the registry's tools, using the tool's own
// undo-capable executor registered under the "undo:" + name convention.
// Tools that support undo register a paired executor this way.
func (r *Registry) InverseApplier() action.InverseApplier {
	return func(ctx context.Context, toolName string, inverse action.Inverse) error {
		r.mu.RLock()
		t, ok := r.tools["undo:"+toolName]
		r.mu.RUnlock()
		if !ok {
			return fmt.Errorf("tool %s has no registered undo executor", toolName)
		}
		_, _, err := t.Execute(ctx, inverse)
		return err
	}
}
