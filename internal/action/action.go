// Package action implements the Action Log & Undo Service: an append-only
// record of every side-effecting tool invocation, plus undo/redo over the
// subset of entries that declared a reversible inverse.
package action

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/undoable/undoable/internal/common/logger"
	"github.com/undoable/undoable/internal/runevents"
	"github.com/undoable/undoable/internal/store"
)

// Category classifies the kind of side effect a tool call performs.
type Category string

const (
	CategoryRead    Category = "read"
	CategoryMutate  Category = "mutate"
	CategoryExec    Category = "exec"
	CategoryNetwork Category = "network"
)

// Approval records how the Approval Gate resolved the call that produced
// this entry.
type Approval string

const (
	ApprovalAuto    Approval = "auto"
	ApprovalGranted Approval = "granted"
	ApprovalDenied  Approval = "denied"
	ApprovalSkipped Approval = "skipped"
)

// Inverse is the opaque payload a tool hands back at call time so the
// Action Log can later reverse the effect. It is only ever interpreted by
// the tool that produced it.
type Inverse map[string]interface{}

// InverseApplier reverses one action's effect given its recorded inverse.
// Implementations are provided by the Tool Registry, which knows how to
// route an action back to the tool that created it.
type InverseApplier func(ctx context.Context, toolName string, inverse Inverse) error

// Entry is one append-only row of the Action Log.
type Entry struct {
	ID         string                 `json:"id"`
	RunID      string                 `json:"runId,omitempty"`
	ToolName   string                 `json:"toolName"`
	Category   Category               `json:"category"`
	Args       map[string]interface{} `json:"args"`
	Undoable   bool                   `json:"undoable"`
	Approval   Approval               `json:"approval"`
	Inverse    Inverse                `json:"inverse,omitempty"`
	StartedAt  time.Time              `json:"startedAt"`
	DurationMs int64                  `json:"durationMs"`
	Error      string                 `json:"error,omitempty"`

	Undone bool `json:"undone"`
	Redone bool `json:"redone"`
}

// UndoResult is the per-entry outcome of an undo operation.
type UndoResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type fileRecord struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

const fileVersion = 1

// Log is the authoritative, append-only Action Log for the daemon.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	byID    map[string]int // index into entries, stable across appends

	redoStack []string // entry ids, most-recently-undone last

	applyInverse InverseApplier
	events       *runevents.Bus
	file         *store.File
	log          *logger.Logger
}

// New constructs an Action Log backed by the given persistence file. If
// file is nil the log is in-memory only (used in tests).
func New(applyInverse InverseApplier, events *runevents.Bus, file *store.File, lg *logger.Logger) *Log {
	if lg == nil {
		lg = logger.Default()
	}
	l := &Log{
		byID:         make(map[string]int),
		applyInverse: applyInverse,
		events:       events,
		file:         file,
		log:          lg,
	}
	l.restore()
	return l
}

func (l *Log) restore() {
	if l.file == nil {
		return
	}
	var rec fileRecord
	exists, err := l.file.Load(&rec)
	if err != nil {
		l.log.Error("failed to load action log", zap.Error(err))
		return
	}
	if !exists {
		return
	}
	if err := store.CheckVersion(l.file.Path(), rec.Version, fileVersion); err != nil {
		l.log.Error("refusing to load action log", zap.Error(err))
		return
	}
	l.entries = rec.Entries
	l.byID = make(map[string]int, len(rec.Entries))
	for i, e := range rec.Entries {
		l.byID[e.ID] = i
		if e.Undone {
			l.redoStack = append(l.redoStack, e.ID)
		}
	}
}

func (l *Log) persistLocked() {
	if l.file == nil {
		return
	}
	rec := fileRecord{Version: fileVersion, Entries: l.entries}
	if err := l.file.SaveReported(rec); err != nil {
		// already logged by SaveReported; the in-memory log remains authoritative
		// for this process lifetime per the fatal-infrastructure-error rule.
		return
	}
}

// Append records a new, already-completed tool invocation. It returns the
// recorded entry (with its generated ID).
func (l *Log) Append(ctx context.Context, e Entry) Entry {
	l.mu.Lock()
	e.ID = runevents.NewID()
	l.entries = append(l.entries, e)
	l.byID[e.ID] = len(l.entries) - 1
	l.persistLocked()
	l.mu.Unlock()

	if l.events != nil {
		l.events.Emit(ctx, e.RunID, runevents.TypeToolResult, map[string]interface{}{
			"actionId": e.ID,
			"toolName": e.ToolName,
			"category": string(e.Category),
			"undoable": e.Undoable,
		}, "")
	}
	return e
}

// AppendPending records a not-yet-executed tool invocation as a pre-action
// record (section 4.4, step ii) before the tool itself has run, so a
// daemon crash mid-call still leaves an audit trail for it. Finalize must
// be called with the returned entry's ID once execution completes.
func (l *Log) AppendPending(ctx context.Context, e Entry) Entry {
	l.mu.Lock()
	e.ID = runevents.NewID()
	l.entries = append(l.entries, e)
	l.byID[e.ID] = len(l.entries) - 1
	l.persistLocked()
	l.mu.Unlock()
	return e
}

// Finalize fills in the outcome of a pre-action record appended by
// AppendPending — duration, inverse, undoable, and any execution error —
// and only then emits the tool-result event, since before this point the
// record does not yet reflect what the tool actually did.
func (l *Log) Finalize(ctx context.Context, id string, undoable bool, inverse Inverse, durationMs int64, errMsg string) {
	l.mu.Lock()
	idx, ok := l.byID[id]
	if !ok {
		l.mu.Unlock()
		return
	}
	l.entries[idx].Undoable = undoable
	l.entries[idx].Inverse = inverse
	l.entries[idx].DurationMs = durationMs
	l.entries[idx].Error = errMsg
	e := l.entries[idx]
	l.persistLocked()
	l.mu.Unlock()

	if l.events != nil {
		l.events.Emit(ctx, e.RunID, runevents.TypeToolResult, map[string]interface{}{
			"actionId": e.ID,
			"toolName": e.ToolName,
			"category": string(e.Category),
			"undoable": e.Undoable,
		}, "")
	}
}

// ListUndoable returns all still-undoable (not yet reversed) entries in
// reverse chronological order.
func (l *Log) ListUndoable() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.Undoable && !e.Undone {
			out = append(out, e)
		}
	}
	return out
}

// ListRedoable returns entries that were undone and not re-undone, most
// recently undone first.
func (l *Log) ListRedoable() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, len(l.redoStack))
	for i := len(l.redoStack) - 1; i >= 0; i-- {
		id := l.redoStack[i]
		if idx, ok := l.byID[id]; ok && !l.entries[idx].Redone {
			out = append(out, l.entries[idx])
		}
	}
	return out
}

// ListNonUndoableRecent returns entries with undoable=false, most recent
// first. They are never returned by undo operations.
func (l *Log) ListNonUndoableRecent(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for i := len(l.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if !l.entries[i].Undoable {
			out = append(out, l.entries[i])
		}
	}
	return out
}

// UndoAction invokes the tool-provided inverse and, on success, marks the
// entry undone and pushes it to the redo stack. Calling it again on an
// already-undone id returns a structured failure rather than double-
// applying the inverse (testable property 3).
func (l *Log) UndoAction(ctx context.Context, id string) UndoResult {
	l.mu.Lock()
	idx, ok := l.byID[id]
	if !ok {
		l.mu.Unlock()
		return UndoResult{ID: id, Success: false, Error: "action not found"}
	}
	e := l.entries[idx]
	if !e.Undoable {
		l.mu.Unlock()
		return UndoResult{ID: id, Success: false, Error: "action is not undoable"}
	}
	if e.Undone {
		l.mu.Unlock()
		return UndoResult{ID: id, Success: false, Error: "action already undone"}
	}
	l.mu.Unlock()

	if l.applyInverse == nil {
		return UndoResult{ID: id, Success: false, Error: "no inverse applier configured"}
	}
	if err := l.applyInverse(ctx, e.ToolName, e.Inverse); err != nil {
		return UndoResult{ID: id, Success: false, Error: err.Error()}
	}

	l.mu.Lock()
	l.entries[idx].Undone = true
	l.redoStack = append(l.redoStack, id)
	l.persistLocked()
	l.mu.Unlock()

	return UndoResult{ID: id, Success: true}
}

// UndoAll walks the undo list (most recent first) and stops at the first
// failure, returning per-entry results for everything attempted.
func (l *Log) UndoAll(ctx context.Context) []UndoResult {
	return l.undoUpTo(ctx, -1)
}

// UndoLastN walks the undo list and undoes up to n entries, stopping at
// the first failure.
func (l *Log) UndoLastN(ctx context.Context, n int) []UndoResult {
	return l.undoUpTo(ctx, n)
}

func (l *Log) undoUpTo(ctx context.Context, n int) []UndoResult {
	var results []UndoResult
	for {
		if n >= 0 && len(results) >= n {
			break
		}
		candidates := l.ListUndoable()
		if len(candidates) == 0 {
			break
		}
		res := l.UndoAction(ctx, candidates[0].ID)
		results = append(results, res)
		if !res.Success {
			break
		}
	}
	return results
}

// Entry looks up a single entry by id.
func (l *Log) Entry(id string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.byID[id]
	if !ok {
		return Entry{}, false
	}
	return l.entries[idx], true
}

