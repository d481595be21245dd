package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/undoable/undoable/internal/common/logger"
	"github.com/undoable/undoable/internal/run"
	"github.com/undoable/undoable/internal/runevents"
)

// NodeStatus is the terminal or in-flight state of one seeded node within
// an orchestration.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeCancelled NodeStatus = "cancelled"
	NodeSkipped   NodeStatus = "skipped"
	NodeBlocked   NodeStatus = "blocked"
)

func isNodeTerminal(s NodeStatus) bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeCancelled, NodeSkipped, NodeBlocked:
		return true
	}
	return false
}

// OrchestrationStatus is the overall status of one workflow invocation.
type OrchestrationStatus string

const (
	OrchestrationRunning   OrchestrationStatus = "running"
	OrchestrationCompleted OrchestrationStatus = "completed"
	OrchestrationFailed    OrchestrationStatus = "failed"
)

// NodeState is the run-time state of one seeded node.
type NodeState struct {
	Status    NodeStatus `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	RunID     string     `json:"runId,omitempty"`
	JobID     string     `json:"jobId,omitempty"`
	AgentID   string     `json:"agentId,omitempty"`
	StartedAt time.Time  `json:"startedAt,omitempty"`
	EndedAt   time.Time  `json:"endedAt,omitempty"`
}

// Options controls one workflow invocation (section 4.8).
type Options struct {
	NodeIDs             []string
	IncludeDisabled     bool
	AllowConcurrent     bool
	MaxParallel         int
	FailFast            bool
	RespectDependencies bool
}

// DefaultOptions returns the spec's documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxParallel:         4,
		FailFast:            true,
		RespectDependencies: true,
	}
}

// Orchestration is one invocation of a SWARM workflow.
type Orchestration struct {
	ID              string                `json:"id"`
	WorkflowID      string                `json:"workflowId"`
	WorkflowVersion int                   `json:"workflowVersion"`
	Status          OrchestrationStatus   `json:"status"`
	Options         Options               `json:"options"`
	Nodes           map[string]*NodeState `json:"nodes"`
	Dependencies    map[string][]string   `json:"dependencies"`
	Children        map[string][]string   `json:"children"`
	StartedAt       time.Time             `json:"startedAt"`
	CompletedAt     time.Time             `json:"completedAt,omitempty"`

	readyQueue []string
	runToNode  map[string]string
	mu         sync.Mutex
}

// StartNodeRun launches a node's work and returns the identities of the
// Run it produced. Supplied by the caller (chat loop / agent launcher);
// the orchestrator never constructs runs itself.
type StartNodeRun func(ctx context.Context, w Workflow, n Node) (runID, jobID, agentID string, err error)

// HasActiveRun reports whether a node already has a live run, used to
// enforce AllowConcurrent.
type HasActiveRun func(nodeID string) (runID string, active bool)

// Orchestrator drives workflow invocations over the Run Manager's event
// stream.
type Orchestrator struct {
	mu      sync.Mutex
	history []*Orchestration
	active  map[string]*Orchestration

	maxHistory int
	workflows  *WorkflowStore
	runs       *run.Manager
	events     *runevents.Bus
	startNode  StartNodeRun
	hasActive  HasActiveRun
	log        *logger.Logger
}

// NewOrchestrator constructs an Orchestrator. maxHistory <= 0 defaults to
// 200 (section 4.8).
func NewOrchestrator(workflows *WorkflowStore, runs *run.Manager, events *runevents.Bus, startNode StartNodeRun, hasActive HasActiveRun, maxHistory int, lg *logger.Logger) *Orchestrator {
	if maxHistory <= 0 {
		maxHistory = 200
	}
	if lg == nil {
		lg = logger.Default()
	}
	return &Orchestrator{
		active:     make(map[string]*Orchestration),
		maxHistory: maxHistory,
		workflows:  workflows,
		runs:       runs,
		events:     events,
		startNode:  startNode,
		hasActive:  hasActive,
		log:        lg,
	}
}

// Execute seeds and begins driving one workflow invocation.
func (o *Orchestrator) Execute(ctx context.Context, workflowID string, opts Options) (*Orchestration, error) {
	w, ok := o.workflows.Get(workflowID)
	if !ok {
		return nil, fmt.Errorf("workflow %s not found", workflowID)
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	if opts.MaxParallel > 64 {
		opts.MaxParallel = 64
	}

	if err := ensureWorkspace(w); err != nil {
		o.log.Error("workspace preparation failed", zap.Error(err))
	}

	orch := o.seed(w, opts)

	o.mu.Lock()
	o.active[orch.ID] = orch
	o.mu.Unlock()

	o.dispatch(ctx, w, orch)
	return orch, nil
}

func (o *Orchestrator) seed(w Workflow, opts Options) *Orchestration {
	nodesByID := make(map[string]Node, len(w.Nodes))
	for _, n := range w.Nodes {
		nodesByID[n.ID] = n
	}

	var requested []string
	if len(opts.NodeIDs) > 0 {
		requested = opts.NodeIDs
	} else {
		for _, n := range w.Nodes {
			requested = append(requested, n.ID)
		}
	}

	orch := &Orchestration{
		ID:              runevents.NewID(),
		WorkflowID:      w.ID,
		WorkflowVersion: w.Version,
		Status:          OrchestrationRunning,
		Options:         opts,
		Nodes:           make(map[string]*NodeState),
		Dependencies:    make(map[string][]string),
		Children:        make(map[string][]string),
		StartedAt:       time.Now().UTC(),
		runToNode:       make(map[string]string),
	}

	seeded := make(map[string]bool)
	for _, id := range requested {
		n, ok := nodesByID[id]
		if !ok {
			orch.Nodes[id] = &NodeState{Status: NodeSkipped, Reason: "node not found"}
			continue
		}
		if !n.Enabled && !opts.IncludeDisabled {
			orch.Nodes[id] = &NodeState{Status: NodeSkipped, Reason: "node is disabled"}
			continue
		}
		orch.Nodes[id] = &NodeState{Status: NodePending}
		seeded[id] = true
	}

	for _, e := range w.Edges {
		if seeded[e.To] && seeded[e.From] {
			orch.Dependencies[e.To] = append(orch.Dependencies[e.To], e.From)
			orch.Children[e.From] = append(orch.Children[e.From], e.To)
		}
	}

	for _, id := range requested {
		if !seeded[id] {
			continue
		}
		if !opts.RespectDependencies || len(orch.Dependencies[id]) == 0 {
			orch.readyQueue = append(orch.readyQueue, id)
		}
	}

	return orch
}

// dispatch pops ready nodes while under the parallelism cap, launching
// each via the caller-supplied StartNodeRun and subscribing to its run's
// terminal status.
func (o *Orchestrator) dispatch(ctx context.Context, w Workflow, orch *Orchestration) {
	orch.mu.Lock()
	defer orch.mu.Unlock()

	runningCount := 0
	for _, st := range orch.Nodes {
		if st.Status == NodeRunning {
			runningCount++
		}
	}

	nodesByID := make(map[string]Node, len(w.Nodes))
	for _, n := range w.Nodes {
		nodesByID[n.ID] = n
	}

	for len(orch.readyQueue) > 0 && runningCount < orch.Options.MaxParallel {
		id := orch.readyQueue[0]
		orch.readyQueue = orch.readyQueue[1:]

		n := nodesByID[id]
		if o.hasActive != nil && !orch.Options.AllowConcurrent {
			if activeRunID, active := o.hasActive(id); active {
				orch.Nodes[id].Status = NodeSkipped
				orch.Nodes[id].Reason = activeRunID
				o.checkTermination(orch)
				continue
			}
		}

		runID, jobID, agentID, err := o.startNode(ctx, w, n)
		if err != nil {
			orch.Nodes[id].Status = NodeFailed
			orch.Nodes[id].Reason = err.Error()
			o.resolveDownstream(orch, id, NodeFailed)
			continue
		}

		orch.Nodes[id].Status = NodeRunning
		orch.Nodes[id].RunID = runID
		orch.Nodes[id].JobID = jobID
		orch.Nodes[id].AgentID = agentID
		orch.Nodes[id].StartedAt = time.Now().UTC()
		orch.runToNode[runID] = id
		runningCount++

		o.watch(ctx, w, orch, runID, id)
	}

	o.checkTermination(orch)
}

func (o *Orchestrator) watch(ctx context.Context, w Workflow, orch *Orchestration, runID, nodeID string) {
	var unsub runevents.Unsubscribe
	unsub, err := o.events.OnRun(runID, func(handlerCtx context.Context, env runevents.Envelope) {
		if env.Type != runevents.TypeStatusChanged {
			return
		}
		to, _ := env.Payload["to"].(string)
		status := run.Status(to)
		if !run.IsTerminal(status) {
			return
		}

		var nodeStatus NodeStatus
		switch status {
		case run.StatusCompleted:
			nodeStatus = NodeCompleted
		case run.StatusCancelled:
			nodeStatus = NodeCancelled
		default:
			nodeStatus = NodeFailed
		}

		orch.mu.Lock()
		if st, ok := orch.Nodes[nodeID]; ok {
			st.Status = nodeStatus
			st.EndedAt = time.Now().UTC()
		}
		o.resolveDownstreamLocked(orch, nodeID, nodeStatus)
		orch.mu.Unlock()

		if unsub != nil {
			unsub()
		}

		o.dispatch(handlerCtx, w, orch)
	})
	if err != nil {
		o.log.Error("failed to subscribe to node run", zap.Error(err))
	}
}

// resolveDownstream delegates to the locked variant without taking orch.mu;
// its caller (dispatch) already holds orch.mu.
func (o *Orchestrator) resolveDownstream(orch *Orchestration, nodeID string, status NodeStatus) {
	o.resolveDownstreamLocked(orch, nodeID, status)
}

// resolveDownstreamLocked resolves each child of nodeID: if all of its
// dependencies are now terminal, either enqueue it (all succeeded) or
// block it with a reason. Blocking a child is itself a terminal status for
// that child, so it recurses into the child's own children immediately —
// otherwise a chain more than one hop past the failure (A -> B -> C) would
// leave C pending forever, since nothing ever re-resolves it once B is
// blocked instead of dispatched. If FailFast and this node did not
// succeed, block all remaining pending nodes and stop dispatching further.
func (o *Orchestrator) resolveDownstreamLocked(orch *Orchestration, nodeID string, status NodeStatus) {
	succeeded := status == NodeCompleted

	if orch.Options.FailFast && !succeeded {
		reason := fmt.Sprintf("dependency %s did not complete successfully", nodeID)
		for _, st := range orch.Nodes {
			if st.Status == NodePending {
				st.Status = NodeBlocked
				st.Reason = reason
			}
		}
		orch.readyQueue = nil
		return
	}

	for _, childID := range orch.Children[nodeID] {
		child, ok := orch.Nodes[childID]
		if !ok || child.Status != NodePending {
			continue
		}
		allTerminal := true
		allSucceeded := true
		for _, depID := range orch.Dependencies[childID] {
			dep, ok := orch.Nodes[depID]
			if !ok || !isNodeTerminal(dep.Status) {
				allTerminal = false
				break
			}
			if dep.Status != NodeCompleted {
				allSucceeded = false
			}
		}
		if !allTerminal {
			continue
		}
		if allSucceeded {
			orch.readyQueue = append(orch.readyQueue, childID)
		} else {
			child.Status = NodeBlocked
			child.Reason = fmt.Sprintf("dependency %s did not complete successfully", nodeID)
			o.resolveDownstreamLocked(orch, childID, NodeBlocked)
		}
	}
}

// checkTermination evaluates whether every seeded node is terminal and
// finalizes the orchestration's overall status.
func (o *Orchestrator) checkTermination(orch *Orchestration) {
	allTerminal := true
	anyBad := false
	for _, st := range orch.Nodes {
		if !isNodeTerminal(st.Status) {
			allTerminal = false
			break
		}
		if st.Status == NodeFailed || st.Status == NodeCancelled {
			anyBad = true
		}
	}
	if !allTerminal {
		return
	}

	if anyBad {
		orch.Status = OrchestrationFailed
	} else {
		orch.Status = OrchestrationCompleted
	}
	orch.CompletedAt = time.Now().UTC()

	o.mu.Lock()
	delete(o.active, orch.ID)
	o.history = append(o.history, orch)
	if len(o.history) > o.maxHistory {
		o.history = o.history[len(o.history)-o.maxHistory:]
	}
	o.mu.Unlock()
}

// Get returns an orchestration by id, searching active invocations first
// then history.
func (o *Orchestrator) Get(id string) (*Orchestration, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if orch, ok := o.active[id]; ok {
		return orch, true
	}
	for _, orch := range o.history {
		if orch.ID == id {
			return orch, true
		}
	}
	return nil, false
}

// History returns completed orchestrations, oldest first.
func (o *Orchestrator) History() []*Orchestration {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Orchestration, len(o.history))
	copy(out, o.history)
	return out
}
