// Package run implements the Run Manager: the authoritative store for Run
// records and their bounded event logs, including the status FSM and
// crash-recovery rule.
package run

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/undoable/undoable/internal/common/constants"
	"github.com/undoable/undoable/internal/common/logger"
	"github.com/undoable/undoable/internal/runevents"
	"github.com/undoable/undoable/internal/store"
)

// Status is a state in the run lifecycle FSM (section 3).
type Status string

const (
	StatusCreated          Status = "created"
	StatusPlanning         Status = "planning"
	StatusPlanned          Status = "planned"
	StatusShadowing        Status = "shadowing"
	StatusShadowed         Status = "shadowed"
	StatusApprovalRequired Status = "approval_required"
	StatusApplying         Status = "applying"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
	StatusUndoing          Status = "undoing"
)

// terminal statuses never transition further.
var terminal = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// forward lists the statuses each status may advance to, besides the
// universal any-non-terminal -> {failed, cancelled} escape hatch.
var forward = map[Status][]Status{
	StatusCreated:          {StatusPlanning},
	StatusPlanning:         {StatusPlanned},
	StatusPlanned:          {StatusShadowing},
	StatusShadowing:        {StatusShadowed},
	StatusShadowed:         {StatusApprovalRequired, StatusApplying},
	StatusApprovalRequired: {StatusApplying},
	StatusApplying:         {StatusCompleted, StatusUndoing},
	StatusUndoing:          {StatusCompleted, StatusFailed},
}

// IsTerminal reports whether a status can never transition further.
func IsTerminal(s Status) bool {
	return terminal[s]
}

// CanTransition reports whether newStatus is a legal transition from s.
func CanTransition(s, newStatus Status) bool {
	if terminal[s] {
		return false
	}
	if newStatus == StatusFailed || newStatus == StatusCancelled {
		return true
	}
	for _, next := range forward[s] {
		if next == newStatus {
			return true
		}
	}
	return false
}

// Run is one end-to-end instruction execution.
type Run struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId,omitempty"`
	AgentID     string    `json:"agentId,omitempty"`
	Instruction string    `json:"instruction"`
	JobID       string    `json:"jobId,omitempty"`
	Status      Status    `json:"status"`
	Plan        interface{} `json:"plan,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// CreateInput is the payload accepted by Create.
type CreateInput struct {
	UserID      string
	AgentID     string
	Instruction string
	JobID       string
}

type fileRecord struct {
	Version   int                             `json:"version"`
	Runs      []Run                           `json:"runs"`
	EventLogs map[string][]runevents.Envelope `json:"eventLogs"`
	SavedAt   time.Time                       `json:"savedAt"`
}

const fileVersion = 1

// Manager is the authoritative Run store.
type Manager struct {
	mu        sync.Mutex
	runs      map[string]*Run
	eventLogs map[string][]runevents.Envelope

	events *runevents.Bus
	file   *store.File
	log    *logger.Logger

	flushTimer   *time.Timer
	flushPending bool

	unsubscribeLog runevents.Unsubscribe
}

// New constructs a Run Manager backed by the given persistence file and
// performs crash recovery: any run persisted with a non-terminal status is
// rewritten to failed (section 3, section 8 property 8).
func New(events *runevents.Bus, file *store.File, lg *logger.Logger) *Manager {
	if lg == nil {
		lg = logger.Default()
	}
	m := &Manager{
		runs:      make(map[string]*Run),
		eventLogs: make(map[string][]runevents.Envelope),
		events:    events,
		file:      file,
		log:       lg,
	}
	m.recover()

	if events != nil {
		m.unsubscribeLog = events.OnAll(func(ctx context.Context, env runevents.Envelope) {
			if env.RunID == "" {
				return
			}
			m.AppendEvent(env.RunID, env)
		})
	}
	return m
}

// Close detaches the Manager's own-log subscription. Safe to call on a
// Manager with no wired event bus.
func (m *Manager) Close() {
	if m.unsubscribeLog != nil {
		m.unsubscribeLog()
	}
}

func (m *Manager) recover() {
	if m.file == nil {
		return
	}
	var rec fileRecord
	exists, err := m.file.Load(&rec)
	if err != nil {
		m.log.Error("failed to load run state", zap.Error(err))
		return
	}
	if !exists {
		return
	}
	if err := store.CheckVersion(m.file.Path(), rec.Version, fileVersion); err != nil {
		m.log.Error("refusing to load run state", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for i := range rec.Runs {
		r := rec.Runs[i]
		if !IsTerminal(r.Status) {
			r.Status = StatusFailed
			r.UpdatedAt = now
			m.log.Warn("recovered run with non-terminal status, marking failed", zap.String("runId", r.ID))
		}
		rc := r
		m.runs[r.ID] = &rc
	}
	if rec.EventLogs != nil {
		m.eventLogs = rec.EventLogs
	}
}

// Create registers a new run with initial status "created", emits
// RUN_CREATED, and persists immediately.
func (m *Manager) Create(ctx context.Context, in CreateInput) *Run {
	now := time.Now().UTC()
	r := &Run{
		ID:          runevents.NewID(),
		UserID:      in.UserID,
		AgentID:     in.AgentID,
		Instruction: in.Instruction,
		JobID:       in.JobID,
		Status:      StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m.mu.Lock()
	m.runs[r.ID] = r
	m.mu.Unlock()

	m.flushNow()

	if m.events != nil {
		m.events.Emit(ctx, r.ID, runevents.TypeRunCreated, map[string]interface{}{
			"instruction": in.Instruction,
			"agentId":     in.AgentID,
		}, "")
	}

	copyOf := *r
	return &copyOf
}

// UpdateStatus transitions a run's status, enforcing the FSM, and emits
// STATUS_CHANGED. A forced immediate flush always follows a status change
// per the debounced-persistence design note.
func (m *Manager) UpdateStatus(ctx context.Context, id string, newStatus Status, actor string) error {
	m.mu.Lock()
	r, ok := m.runs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("run %s not found", id)
	}
	if !CanTransition(r.Status, newStatus) {
		m.mu.Unlock()
		return fmt.Errorf("illegal transition %s -> %s for run %s", r.Status, newStatus, id)
	}
	prev := r.Status
	r.Status = newStatus
	r.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	m.flushNow()

	if m.events != nil {
		m.events.Emit(ctx, id, runevents.TypeStatusChanged, map[string]interface{}{
			"from": string(prev),
			"to":   string(newStatus),
		}, actor)
		if newStatus == StatusCompleted {
			m.events.Emit(ctx, id, runevents.TypeRunCompleted, nil, actor)
		}
		if newStatus == StatusFailed {
			m.events.Emit(ctx, id, runevents.TypeRunFailed, nil, actor)
		}
	}
	return nil
}

// SetPlan attaches an immutable plan graph to a run.
func (m *Manager) SetPlan(id string, plan interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	if r.Plan != nil {
		return fmt.Errorf("run %s already has a plan", id)
	}
	r.Plan = plan
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendEvent appends an envelope to a run's bounded FIFO event log and
// schedules a debounced persistence flush.
func (m *Manager) AppendEvent(id string, env runevents.Envelope) {
	m.mu.Lock()
	log := append(m.eventLogs[id], env)
	if len(log) > constants.MaxEventLogSize {
		log = log[len(log)-constants.MaxEventLogSize:]
	}
	m.eventLogs[id] = log
	m.mu.Unlock()

	m.scheduleFlush()
}

// GetEvents returns a copy of a run's event log.
func (m *Manager) GetEvents(id string) []runevents.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.eventLogs[id]
	out := make([]runevents.Envelope, len(log))
	copy(out, log)
	return out
}

// Get returns a single run by id.
func (m *Manager) Get(id string) (*Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, false
	}
	copyOf := *r
	return &copyOf, true
}

// List returns every run, optionally filtered by userId.
func (m *Manager) List(userID string) []Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Run, 0, len(m.runs))
	for _, r := range m.runs {
		if userID != "" && r.UserID != userID {
			continue
		}
		out = append(out, *r)
	}
	return out
}

// ListByJobID returns every run launched by a given scheduled job.
func (m *Manager) ListByJobID(jobID string) []Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Run
	for _, r := range m.runs {
		if r.JobID == jobID {
			out = append(out, *r)
		}
	}
	return out
}

// Delete removes a run and its event log.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	if _, ok := m.runs[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("run %s not found", id)
	}
	delete(m.runs, id)
	delete(m.eventLogs, id)
	m.mu.Unlock()

	m.flushNow()
	return nil
}

// scheduleFlush coalesces writes behind a debounce timer (section 4.5,
// ~200ms).
func (m *Manager) scheduleFlush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flushPending {
		return
	}
	m.flushPending = true
	m.flushTimer = time.AfterFunc(constants.RunPersistDebounce, func() {
		m.mu.Lock()
		m.flushPending = false
		m.mu.Unlock()
		m.persist()
	})
}

// flushNow forces an immediate, synchronous persistence write, used on
// every status change and on create/delete (section 4.5, section 9).
func (m *Manager) flushNow() {
	m.mu.Lock()
	if m.flushTimer != nil {
		m.flushTimer.Stop()
	}
	m.flushPending = false
	m.mu.Unlock()
	m.persist()
}

func (m *Manager) persist() {
	if m.file == nil {
		return
	}
	m.mu.Lock()
	runs := make([]Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, *r)
	}
	logs := make(map[string][]runevents.Envelope, len(m.eventLogs))
	for id, l := range m.eventLogs {
		logs[id] = l
	}
	m.mu.Unlock()

	rec := fileRecord{Version: fileVersion, Runs: runs, EventLogs: logs, SavedAt: time.Now().UTC()}
	_ = m.file.SaveReported(rec)
}
