// Package scheduler implements the Scheduler: an in-memory job store and
// cron/interval/at evaluator with an undo/redo history over mutations.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron"
	"go.uber.org/zap"

	"github.com/undoable/undoable/internal/common/constants"
	"github.com/undoable/undoable/internal/common/logger"
	"github.com/undoable/undoable/internal/runevents"
	"github.com/undoable/undoable/internal/store"
)

// ScheduleKind tags the variant of a job's schedule field.
type ScheduleKind string

const (
	ScheduleEvery ScheduleKind = "every"
	ScheduleCron  ScheduleKind = "cron"
	ScheduleAt    ScheduleKind = "at"
)

// Schedule is the tagged-variant schedule of a job (section 3).
type Schedule struct {
	Kind ScheduleKind `json:"kind"`
	// EveryMs is used when Kind == every.
	EveryMs int64 `json:"everyMs,omitempty"`
	// Cron is a standard five-field cron expression, used when Kind == cron.
	Cron string `json:"cron,omitempty"`
	// At is a one-shot fire time, used when Kind == at.
	At time.Time `json:"at,omitempty"`
}

// JobState is the mutable bag of scheduling bookkeeping for one job.
type JobState struct {
	NextWakeAtMs int64 `json:"nextWakeAtMs"`
	LastFiredMs  int64 `json:"lastFiredMs,omitempty"`
	RetryCount   int   `json:"retryCount,omitempty"`
	InFlight     bool  `json:"inFlight,omitempty"`
}

// Job is one scheduled unit of work.
type Job struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Description     string      `json:"description,omitempty"`
	Enabled         bool        `json:"enabled"`
	Schedule        Schedule    `json:"schedule"`
	Payload         interface{} `json:"payload"`
	State           JobState    `json:"state"`
	DeleteAfterRun  bool        `json:"deleteAfterRun,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// PayloadHandler is invoked when a job fires. The scheduler does not
// interpret payload; it only passes it through.
type PayloadHandler func(ctx context.Context, job Job) error

// historyKind tags an undo-stack entry.
type historyKind string

const (
	historyCreate historyKind = "create"
	historyUpdate historyKind = "update"
	historyDelete historyKind = "delete"
)

// historyEntry records one mutation for undo/redo (section 3, "Job history
// entry").
type historyEntry struct {
	Kind   historyKind
	Before *Job
	After  *Job
}

type fileRecord struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

const fileVersion = 1

// Scheduler evaluates jobs on a coarse tick and exposes create/update/
// remove/run/list operations plus in-memory undo/redo history.
type Scheduler struct {
	mu   sync.Mutex
	jobs map[string]*Job

	undoStack []historyEntry
	redoStack []historyEntry

	handler PayloadHandler
	cronSet map[string]cron.Schedule

	tick     time.Duration
	stopped  chan struct{}
	stopOnce sync.Once

	events *runevents.Bus
	file   *store.File
	log    *logger.Logger
}

// New constructs a Scheduler. handler is invoked on every firing; file, if
// non-nil, is the authoritative persisted job store (section 4.6: job
// persistence is separate from the in-memory undo history).
func New(handler PayloadHandler, events *runevents.Bus, file *store.File, lg *logger.Logger) *Scheduler {
	if lg == nil {
		lg = logger.Default()
	}
	s := &Scheduler{
		jobs:    make(map[string]*Job),
		handler: handler,
		cronSet: make(map[string]cron.Schedule),
		tick:    constants.SchedulerTickInterval,
		stopped: make(chan struct{}),
		events:  events,
		file:    file,
		log:     lg,
	}
	s.restore()
	return s
}

func (s *Scheduler) restore() {
	if s.file == nil {
		return
	}
	var rec fileRecord
	exists, err := s.file.Load(&rec)
	if err != nil {
		s.log.Error("failed to load scheduler state", zap.Error(err))
		return
	}
	if !exists {
		return
	}
	if err := store.CheckVersion(s.file.Path(), rec.Version, fileVersion); err != nil {
		s.log.Error("refusing to load scheduler state", zap.Error(err))
		return
	}
	for i := range rec.Jobs {
		j := rec.Jobs[i]
		s.jobs[j.ID] = &j
		if j.Schedule.Kind == ScheduleCron {
			s.compileCron(j.ID, j.Schedule.Cron)
		}
	}
}

func (s *Scheduler) persistLocked() {
	if s.file == nil {
		return
	}
	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, *j)
	}
	rec := fileRecord{Version: fileVersion, Jobs: jobs}
	_ = s.file.SaveReported(rec)
}

func (s *Scheduler) compileCron(jobID, expr string) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		s.log.Error("invalid cron expression", zap.String("jobId", jobID), zap.String("expr", expr), zap.Error(err))
		return
	}
	s.cronSet[jobID] = schedule
}

func computeNextWake(now time.Time, sch Schedule, cronSchedule cron.Schedule) int64 {
	switch sch.Kind {
	case ScheduleEvery:
		return now.Add(time.Duration(sch.EveryMs) * time.Millisecond).UnixMilli()
	case ScheduleCron:
		if cronSchedule == nil {
			return 0
		}
		return cronSchedule.Next(now).UnixMilli()
	case ScheduleAt:
		return sch.At.UnixMilli()
	default:
		return 0
	}
}

// Add creates a new job, computing its initial nextWakeAtMs, and pushes a
// create entry to the undo stack.
func (s *Scheduler) Add(j Job) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.ID == "" {
		j.ID = runevents.NewID()
	}
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	if j.Schedule.Kind == ScheduleCron {
		s.compileCron(j.ID, j.Schedule.Cron)
	}
	j.State.NextWakeAtMs = computeNextWake(now, j.Schedule, s.cronSet[j.ID])

	s.jobs[j.ID] = &j
	s.pushHistory(historyEntry{Kind: historyCreate, After: cloneJob(&j)})
	s.persistLocked()

	return j, nil
}

// Update patches an existing job by id, recomputing its schedule.
func (s *Scheduler) Update(id string, patch Job) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("job %s not found", id)
	}
	before := cloneJob(existing)

	patch.ID = id
	patch.CreatedAt = existing.CreatedAt
	patch.UpdatedAt = time.Now().UTC()
	patch.State = existing.State

	if patch.Schedule.Kind == ScheduleCron {
		s.compileCron(id, patch.Schedule.Cron)
	} else {
		delete(s.cronSet, id)
	}
	patch.State.NextWakeAtMs = computeNextWake(time.Now().UTC(), patch.Schedule, s.cronSet[id])

	s.jobs[id] = &patch
	s.pushHistory(historyEntry{Kind: historyUpdate, Before: before, After: cloneJob(&patch)})
	s.persistLocked()

	return patch, nil
}

// Remove deletes a job by id.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	before := cloneJob(existing)
	delete(s.jobs, id)
	delete(s.cronSet, id)
	s.pushHistory(historyEntry{Kind: historyDelete, Before: before})
	s.persistLocked()
	return nil
}

// List returns all jobs, optionally including disabled ones.
func (s *Scheduler) List(includeDisabled bool) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if !includeDisabled && !j.Enabled {
			continue
		}
		out = append(out, *j)
	}
	return out
}

// Status summarizes the scheduler for health/diagnostics endpoints.
type Status struct {
	JobCount    int `json:"jobCount"`
	EnabledJobs int `json:"enabledJobs"`
	InFlight    int `json:"inFlight"`
}

// Status returns a snapshot of scheduler-wide counters.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{JobCount: len(s.jobs)}
	for _, j := range s.jobs {
		if j.Enabled {
			st.EnabledJobs++
		}
		if j.State.InFlight {
			st.InFlight++
		}
	}
	return st
}

// pushHistory records a mutation and clears the redo stack (section 3).
func (s *Scheduler) pushHistory(e historyEntry) {
	s.undoStack = append(s.undoStack, e)
	s.redoStack = nil
}

// UndoLast replays the inverse of the most recent mutation via
// applyInverse, which edits the job map directly rather than calling
// Add/Update/Remove.
func (s *Scheduler) UndoLast(ctx context.Context) error {
	s.mu.Lock()
	if len(s.undoStack) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("nothing to undo")
	}
	e := s.undoStack[len(s.undoStack)-1]
	s.undoStack = s.undoStack[:len(s.undoStack)-1]
	s.mu.Unlock()

	if err := s.applyInverse(e); err != nil {
		return err
	}

	s.mu.Lock()
	s.redoStack = append(s.redoStack, e)
	s.mu.Unlock()
	return nil
}

// RedoLast re-applies the most recently undone mutation.
func (s *Scheduler) RedoLast(ctx context.Context) error {
	s.mu.Lock()
	if len(s.redoStack) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("nothing to redo")
	}
	e := s.redoStack[len(s.redoStack)-1]
	s.redoStack = s.redoStack[:len(s.redoStack)-1]
	s.mu.Unlock()

	if err := s.applyForward(e); err != nil {
		return err
	}

	s.mu.Lock()
	s.undoStack = append(s.undoStack, e)
	s.mu.Unlock()
	return nil
}

// applyInverse performs the opposite of the recorded mutation without
// going through Add/Update/Remove (which would themselves push new
// history entries and clear the redo stack).
func (s *Scheduler) applyInverse(e historyEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch e.Kind {
	case historyCreate:
		delete(s.jobs, e.After.ID)
		delete(s.cronSet, e.After.ID)
	case historyUpdate:
		s.jobs[e.Before.ID] = cloneJob(e.Before)
		if e.Before.Schedule.Kind == ScheduleCron {
			s.compileCron(e.Before.ID, e.Before.Schedule.Cron)
		}
	case historyDelete:
		s.jobs[e.Before.ID] = cloneJob(e.Before)
		if e.Before.Schedule.Kind == ScheduleCron {
			s.compileCron(e.Before.ID, e.Before.Schedule.Cron)
		}
	}
	s.persistLocked()
	return nil
}

// applyForward re-applies the original mutation (the redo direction).
func (s *Scheduler) applyForward(e historyEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch e.Kind {
	case historyCreate:
		s.jobs[e.After.ID] = cloneJob(e.After)
		if e.After.Schedule.Kind == ScheduleCron {
			s.compileCron(e.After.ID, e.After.Schedule.Cron)
		}
	case historyUpdate:
		s.jobs[e.After.ID] = cloneJob(e.After)
		if e.After.Schedule.Kind == ScheduleCron {
			s.compileCron(e.After.ID, e.After.Schedule.Cron)
		}
	case historyDelete:
		delete(s.jobs, e.Before.ID)
		delete(s.cronSet, e.Before.ID)
	}
	s.persistLocked()
	return nil
}

func cloneJob(j *Job) *Job {
	if j == nil {
		return nil
	}
	c := *j
	return &c
}

// RunDue immediately fires a job regardless of its nextWakeAtMs, matching
// run(id, "force"). processTick's firing path handles the "due" variant.
func (s *Scheduler) RunDue(ctx context.Context, id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %s not found", id)
	}
	if j.State.InFlight {
		s.mu.Unlock()
		return fmt.Errorf("job %s is already in flight", id)
	}
	j.State.InFlight = true
	snapshot := *j
	s.mu.Unlock()

	s.fire(ctx, snapshot)
	return nil
}

// Start launches the long-lived tick task. It returns once ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		case <-ticker.C:
			s.processTick(ctx)
		}
	}
}

// Stop halts the tick task.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *Scheduler) processTick(ctx context.Context) {
	now := time.Now().UnixMilli()

	s.mu.Lock()
	var due []Job
	for _, j := range s.jobs {
		if j.Enabled && !j.State.InFlight && now >= j.State.NextWakeAtMs {
			j.State.InFlight = true
			due = append(due, *j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.fire(ctx, j)
	}
}

// fire invokes the payload handler and re-arms the job only after the
// handler resolves (section 4.6, "concurrent fires of the same job are
// prevented").
func (s *Scheduler) fire(ctx context.Context, j Job) {
	var err error
	if s.handler != nil {
		err = s.handler(ctx, j)
	}

	s.mu.Lock()
	current, ok := s.jobs[j.ID]
	if ok {
		current.State.InFlight = false
		current.State.LastFiredMs = time.Now().UnixMilli()
		if err != nil {
			current.State.RetryCount++
			if s.log != nil {
				s.log.Warn("job payload handler failed", zap.String("jobId", j.ID), zap.Error(err))
			}
		} else {
			current.State.RetryCount = 0
		}

		switch j.Schedule.Kind {
		case ScheduleAt:
			if current.DeleteAfterRun {
				delete(s.jobs, j.ID)
				delete(s.cronSet, j.ID)
			} else {
				current.Enabled = false
			}
		default:
			current.State.NextWakeAtMs = computeNextWake(time.Now().UTC(), current.Schedule, s.cronSet[j.ID])
		}
		s.persistLocked()
	}
	s.mu.Unlock()

	if s.events != nil {
		s.events.Emit(ctx, "", runevents.Type("JOB_FIRED"), map[string]interface{}{
			"jobId": j.ID,
			"error": errString(err),
		}, "scheduler")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
