// Package approval implements the Approval Gate: an interactive
// allow/allow-always/reject broker that mediates mutating tool calls.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/undoable/undoable/internal/action"
	"github.com/undoable/undoable/internal/common/logger"
	"github.com/undoable/undoable/internal/runevents"
)

// Mode controls when a call requires interactive approval.
type Mode string

const (
	ModeOff    Mode = "off"
	ModeMutate Mode = "mutate"
	ModeAlways Mode = "always"
)

// Decision is the resolved outcome of a request.
type Decision string

const (
	DecisionGranted Decision = "granted"
	DecisionDenied  Decision = "denied"
	DecisionTimeout Decision = "timeout"
)

// Request is one pending approval.
type Request struct {
	ID          string                 `json:"id"`
	RunID       string                 `json:"runId,omitempty"`
	ToolName    string                 `json:"toolName"`
	Category    action.Category        `json:"category"`
	Args        map[string]interface{} `json:"args"`
	Description string                 `json:"description"`
	CreatedAt   time.Time              `json:"createdAt"`

	resolve chan Decision
}

// NotifyFunc is invoked whenever a new approval request is registered, so
// subscribers (HTTP/SSE, an optional websocket push channel) can surface it.
type NotifyFunc func(req Request)

// Gate brokers approval for mutating/exec tool calls. Pending approvals
// are in-memory only: a daemon restart rejects every outstanding request.
type Gate struct {
	mu      sync.Mutex
	mode    Mode
	timeout time.Duration

	pending   map[string]*Request
	allowlist map[string]bool // toolName + args key -> always-allow

	notify []NotifyFunc
	events *runevents.Bus
	log    *logger.Logger
}

// New constructs an Approval Gate in the given mode with the given
// auto-reject timeout (default 300s per section 4.3 if timeout <= 0).
func New(mode Mode, timeout time.Duration, events *runevents.Bus, lg *logger.Logger) *Gate {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	if lg == nil {
		lg = logger.Default()
	}
	return &Gate{
		mode:      mode,
		timeout:   timeout,
		pending:   make(map[string]*Request),
		allowlist: make(map[string]bool),
		events:    events,
		log:       lg,
	}
}

// SetMode changes the gate's operating mode at runtime.
func (g *Gate) SetMode(m Mode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mode = m
}

// Mode returns the gate's current operating mode.
func (g *Gate) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// OnRequest registers a callback invoked whenever a new pending approval
// is created.
func (g *Gate) OnRequest(fn NotifyFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notify = append(g.notify, fn)
}

func allowlistKey(toolName string, args map[string]interface{}) string {
	return fmt.Sprintf("%s:%v", toolName, args)
}

// RequestApproval returns immediately with granted when the mode is off,
// or when the mode is mutate and category is read. Otherwise it registers
// a pending request, notifies subscribers, and suspends until Resolve is
// called or the timeout elapses (auto-reject).
func (g *Gate) RequestApproval(ctx context.Context, runID, toolName string, category action.Category, args map[string]interface{}, description string) (Decision, error) {
	g.mu.Lock()
	mode := g.mode
	if mode == ModeOff || (mode == ModeMutate && category == action.CategoryRead) {
		g.mu.Unlock()
		return DecisionGranted, nil
	}
	if g.allowlist[allowlistKey(toolName, args)] {
		g.mu.Unlock()
		return DecisionGranted, nil
	}
	g.mu.Unlock()

	req := &Request{
		ID:          runevents.NewID(),
		RunID:       runID,
		ToolName:    toolName,
		Category:    category,
		Args:        args,
		Description: description,
		CreatedAt:   time.Now().UTC(),
		resolve:     make(chan Decision, 1),
	}

	g.mu.Lock()
	g.pending[req.ID] = req
	notifiers := append([]NotifyFunc(nil), g.notify...)
	g.mu.Unlock()

	if g.events != nil {
		g.events.Emit(ctx, runID, runevents.TypeApprovalRequested, map[string]interface{}{
			"approvalId":  req.ID,
			"toolName":    toolName,
			"category":    string(category),
			"description": description,
		}, "")
	}
	for _, n := range notifiers {
		n(*req)
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	var decision Decision
	select {
	case decision = <-req.resolve:
	case <-timer.C:
		decision = DecisionTimeout
	case <-ctx.Done():
		decision = DecisionTimeout
	}

	g.mu.Lock()
	delete(g.pending, req.ID)
	g.mu.Unlock()

	if g.events != nil {
		g.events.Emit(ctx, runID, runevents.TypeApprovalResolved, map[string]interface{}{
			"approvalId": req.ID,
			"decision":   string(decision),
		}, "")
	}

	if decision != DecisionGranted {
		return decision, fmt.Errorf("approval %s: %s", req.ID, decision)
	}
	return decision, nil
}

// Resolve answers a pending approval request. allowAlways additionally
// inserts the (toolName, args) pair into an in-memory allowlist so
// subsequent identical requests are auto-granted.
func (g *Gate) Resolve(id string, approved bool, allowAlways bool) error {
	g.mu.Lock()
	req, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("no pending approval with id %s", id)
	}
	if approved && allowAlways {
		g.allowlist[allowlistKey(req.ToolName, req.Args)] = true
	}
	g.mu.Unlock()

	decision := DecisionDenied
	if approved {
		decision = DecisionGranted
	}
	select {
	case req.resolve <- decision:
	default:
	}
	return nil
}

// Pending returns a snapshot of all currently outstanding requests.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, 0, len(g.pending))
	for _, r := range g.pending {
		out = append(out, *r)
	}
	return out
}

// RejectAllForRun auto-rejects every pending approval belonging to runID,
// used when a run is cancelled (section 5, cancellation semantics).
func (g *Gate) RejectAllForRun(runID string) {
	g.mu.Lock()
	var toReject []*Request
	for _, r := range g.pending {
		if r.RunID == runID {
			toReject = append(toReject, r)
		}
	}
	g.mu.Unlock()

	for _, r := range toReject {
		select {
		case r.resolve <- DecisionDenied:
		default:
		}
	}
}
