// Package swarm implements the SWARM Orchestrator: DAG-shaped workflows of
// nodes whose work is performed by Runs, with fan-out dispatch, fail-fast
// propagation, and a run-time orchestration record.
package swarm

import (
	"fmt"
	"sync"
	"time"

	"github.com/undoable/undoable/internal/runevents"
	"github.com/undoable/undoable/internal/store"
)

// NodeType enumerates the kinds of work a SWARM node performs.
type NodeType string

const (
	NodeTrigger         NodeType = "trigger"
	NodeRouter          NodeType = "router"
	NodeApprovalGate    NodeType = "approval_gate"
	NodeIntegrationTask NodeType = "integration_task"
	NodeSkillBuilder    NodeType = "skill_builder"
	NodeAgentTask       NodeType = "agent_task"
)

// NodeSchedule tags how a node is triggered.
type NodeSchedule string

const (
	ScheduleManual     NodeSchedule = "manual"
	ScheduleDependency NodeSchedule = "dependency"
	ScheduleCron       NodeSchedule = "cron"
	ScheduleEvery      NodeSchedule = "every"
	ScheduleAt         NodeSchedule = "at"
)

// Node is one unit of work in a workflow's DAG.
type Node struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Type       NodeType     `json:"type"`
	Prompt     string       `json:"prompt,omitempty"`
	AgentID    string       `json:"agentId,omitempty"`
	SkillRefs  []string     `json:"skillRefs,omitempty"`
	Schedule   NodeSchedule `json:"schedule"`
	Enabled    bool         `json:"enabled"`
	JobID      string       `json:"jobId,omitempty"`
}

// Edge is a directed dependency from one node to another, with an
// optional condition expression. The condition is stored with the edge;
// the Orchestrator does not evaluate it, and a child runs once all of its
// dependencies have completed.
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// Workflow is a SWARM workflow definition.
type Workflow struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	OrchestratorAgentID string    `json:"orchestratorAgentId,omitempty"`
	WorkspaceDir        string    `json:"workspaceDir"`
	Enabled             bool      `json:"enabled"`
	Version             int       `json:"version"`
	Nodes               []Node    `json:"nodes"`
	Edges               []Edge    `json:"edges"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

type fileRecord struct {
	Version   int        `json:"version"`
	Workflows []Workflow `json:"workflows"`
	SavedAt   time.Time  `json:"savedAt"`
}

const fileVersion = 1

// WorkflowStore owns workflow definitions: creation, node/edge mutation
// with the acyclicity invariant, and persistence.
type WorkflowStore struct {
	mu        sync.Mutex
	workflows map[string]*Workflow

	file *store.File
}

// NewWorkflowStore constructs a WorkflowStore backed by the given
// persistence file.
func NewWorkflowStore(file *store.File) *WorkflowStore {
	s := &WorkflowStore{
		workflows: make(map[string]*Workflow),
		file:      file,
	}
	s.restore()
	return s
}

func (s *WorkflowStore) restore() {
	if s.file == nil {
		return
	}
	var rec fileRecord
	exists, err := s.file.Load(&rec)
	if err != nil || !exists {
		return
	}
	if err := store.CheckVersion(s.file.Path(), rec.Version, fileVersion); err != nil {
		return
	}
	for i := range rec.Workflows {
		w := rec.Workflows[i]
		s.workflows[w.ID] = &w
	}
}

func (s *WorkflowStore) persistLocked() {
	if s.file == nil {
		return
	}
	workflows := make([]Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		workflows = append(workflows, *w)
	}
	rec := fileRecord{Version: fileVersion, Workflows: workflows, SavedAt: time.Now().UTC()}
	_ = s.file.SaveReported(rec)
}

// Create registers a new workflow at version 1, validating acyclicity of
// its initial edge set.
func (s *WorkflowStore) Create(w Workflow) (Workflow, error) {
	if err := validateGraph(w.Nodes, w.Edges); err != nil {
		return Workflow{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if w.ID == "" {
		w.ID = runevents.NewID()
	}
	now := time.Now().UTC()
	w.Version = 1
	w.CreatedAt = now
	w.UpdatedAt = now

	s.workflows[w.ID] = &w
	s.persistLocked()
	return w, nil
}

// Get returns a workflow by id.
func (s *WorkflowStore) Get(id string) (Workflow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return Workflow{}, false
	}
	return *w, true
}

// List returns all workflows.
func (s *WorkflowStore) List() []Workflow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		out = append(out, *w)
	}
	return out
}

// Delete removes a workflow by id.
func (s *WorkflowStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return fmt.Errorf("workflow %s not found", id)
	}
	delete(s.workflows, id)
	s.persistLocked()
	return nil
}

// SetNodes replaces a workflow's node list, rejecting duplicate ids or a
// result that would make the existing edge set invalid, and bumps version.
func (s *WorkflowStore) SetNodes(id string, nodes []Node) (Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workflows[id]
	if !ok {
		return Workflow{}, fmt.Errorf("workflow %s not found", id)
	}
	if err := validateGraph(nodes, w.Edges); err != nil {
		return Workflow{}, err
	}

	w.Nodes = nodes
	w.Version++
	w.UpdatedAt = time.Now().UTC()
	s.persistLocked()
	return *w, nil
}

// SetEdges replaces a workflow's edge list, rejecting any set that would
// introduce a cycle, and bumps version.
func (s *WorkflowStore) SetEdges(id string, edges []Edge) (Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workflows[id]
	if !ok {
		return Workflow{}, fmt.Errorf("workflow %s not found", id)
	}
	if err := validateGraph(w.Nodes, edges); err != nil {
		return Workflow{}, err
	}

	w.Edges = edges
	w.Version++
	w.UpdatedAt = time.Now().UTC()
	s.persistLocked()
	return *w, nil
}

// validateGraph enforces: node ids unique within a workflow; the edge set
// acyclic; every edge endpoint refers to a known node (section 3).
func validateGraph(nodes []Node, edges []Edge) error {
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
	}

	adj := make(map[string][]string)
	for _, e := range edges {
		if !seen[e.From] {
			return fmt.Errorf("edge references unknown node %q", e.From)
		}
		if !seen[e.To] {
			return fmt.Errorf("edge references unknown node %q", e.To)
		}
		adj[e.From] = append(adj[e.From], e.To)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				return fmt.Errorf("edge set contains a cycle through node %q", next)
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, n := range nodes {
		if color[n.ID] == white {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
