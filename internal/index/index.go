package index

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/undoable/undoable/internal/common/logger"
	"github.com/undoable/undoable/internal/run"
	"github.com/undoable/undoable/internal/runevents"
	"github.com/undoable/undoable/internal/scheduler"
)

// RunRow is one row of the derived runs index, denormalized for fast
// list/filter queries (status, job, agent) without touching run.Manager's
// in-memory map or its JSON file.
type RunRow struct {
	ID          string `db:"id" json:"id"`
	UserID      string `db:"user_id" json:"userId,omitempty"`
	AgentID     string `db:"agent_id" json:"agentId,omitempty"`
	JobID       string `db:"job_id" json:"jobId,omitempty"`
	Instruction string `db:"instruction" json:"instruction"`
	Status      string `db:"status" json:"status"`
	CreatedAtMs int64  `db:"created_at_ms" json:"createdAtMs"`
	UpdatedAtMs int64  `db:"updated_at_ms" json:"updatedAtMs"`
}

// JobRow is one row of the derived jobs index.
type JobRow struct {
	ID           string `db:"id" json:"id"`
	Name         string `db:"name" json:"name"`
	Enabled      bool   `db:"enabled" json:"enabled"`
	ScheduleKind string `db:"schedule_kind" json:"scheduleKind"`
	CreatedAtMs  int64  `db:"created_at_ms" json:"createdAtMs"`
	UpdatedAtMs  int64  `db:"updated_at_ms" json:"updatedAtMs"`
}

// Index is the derived SQLite read index over runs and jobs (SPEC_FULL.md
// section C, "Analytics/read index"). It is never consulted for
// correctness-sensitive decisions (undo, approval, FSM transitions) —
// those always read the in-memory authoritative state; this index only
// accelerates listing/search.
type Index struct {
	db  *sqlx.DB
	log *logger.Logger
}

// Open creates/opens the index database at dbPath and ensures its schema
// exists. It does not populate any rows; call Rebuild for that.
func Open(dbPath string, lg *logger.Logger) (*Index, error) {
	if lg == nil {
		lg = logger.Default()
	}
	db, err := openSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	idx := &Index{db: db, log: lg}
	if err := idx.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			job_id TEXT NOT NULL DEFAULT '',
			instruction TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_created
			ON runs(status, created_at_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_job
			ON runs(job_id)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			enabled INTEGER NOT NULL,
			schedule_kind TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_enabled
			ON jobs(enabled)`,
	}
	for _, stmt := range stmts {
		if _, err := idx.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database connection.
func (idx *Index) Close() error {
	if idx.db == nil {
		return nil
	}
	return idx.db.Close()
}

// Rebuild drops and repopulates the index from the authoritative
// run.Manager / scheduler.Scheduler state. Called once at daemon startup:
// the index is a cache, never the source of truth (section 6).
func (idx *Index) Rebuild(runs *run.Manager, sched *scheduler.Scheduler) error {
	tx, err := idx.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM runs`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM jobs`); err != nil {
		return err
	}

	if runs != nil {
		for _, r := range runs.List("") {
			if err := upsertRunTx(tx, r); err != nil {
				return err
			}
		}
	}
	if sched != nil {
		for _, j := range sched.List(true) {
			if err := upsertJobTx(tx, j); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func upsertRunTx(tx *sqlx.Tx, r run.Run) error {
	_, err := tx.Exec(
		`INSERT INTO runs (id, user_id, agent_id, job_id, instruction, status, created_at_ms, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			user_id=excluded.user_id, agent_id=excluded.agent_id, job_id=excluded.job_id,
			instruction=excluded.instruction, status=excluded.status,
			created_at_ms=excluded.created_at_ms, updated_at_ms=excluded.updated_at_ms`,
		r.ID, r.UserID, r.AgentID, r.JobID, r.Instruction, string(r.Status),
		unixMilli(r.CreatedAt), unixMilli(r.UpdatedAt),
	)
	return err
}

func upsertJobTx(tx *sqlx.Tx, j scheduler.Job) error {
	_, err := tx.Exec(
		`INSERT INTO jobs (id, name, enabled, schedule_kind, created_at_ms, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, enabled=excluded.enabled, schedule_kind=excluded.schedule_kind,
			updated_at_ms=excluded.updated_at_ms`,
		j.ID, j.Name, j.Enabled, string(j.Schedule.Kind),
		unixMilli(j.CreatedAt), unixMilli(j.UpdatedAt),
	)
	return err
}

// Follow subscribes to the run-scoped event bus so the index stays current
// without a caller having to re-run Rebuild: every STATUS_CHANGED/
// RUN_COMPLETED/RUN_FAILED envelope re-reads its run from runs and upserts
// it, matching the "derived, never authoritative" contract (section C).
func (idx *Index) Follow(events *runevents.Bus, runs *run.Manager) runevents.Unsubscribe {
	if events == nil {
		return func() {}
	}
	return events.OnAll(func(ctx context.Context, env runevents.Envelope) {
		switch env.Type {
		case runevents.TypeRunCreated, runevents.TypeStatusChanged,
			runevents.TypeRunCompleted, runevents.TypeRunFailed:
			if env.RunID == "" || runs == nil {
				return
			}
			r, ok := runs.Get(env.RunID)
			if !ok {
				return
			}
			if err := idx.UpsertRun(*r); err != nil && idx.log != nil {
				idx.log.Warn("index: upsert run failed", zap.String("runId", env.RunID), zap.Error(err))
			}
		}
	})
}

// UpsertRun writes a single run's denormalized row.
func (idx *Index) UpsertRun(r run.Run) error {
	tx, err := idx.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := upsertRunTx(tx, r); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertJob writes a single job's denormalized row.
func (idx *Index) UpsertJob(j scheduler.Job) error {
	tx, err := idx.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := upsertJobTx(tx, j); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceJobs atomically replaces the entire jobs table with jobs. The
// Jobs resource has no per-mutation event envelope the way runs do (the
// scheduler only emits JOB_FIRED), so callers that mutate jobs — create,
// update, delete, undo, redo — resync the whole set rather than trying to
// track each mutation individually.
func (idx *Index) ReplaceJobs(jobs []scheduler.Job) error {
	tx, err := idx.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM jobs`); err != nil {
		return err
	}
	for _, j := range jobs {
		if err := upsertJobTx(tx, j); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListRunsQuery filters/paginates the runs index for GET /runs.
type ListRunsQuery struct {
	Status string
	JobID  string
	Search string
	Limit  int
}

// ListRuns returns runs matching q, most recently created first.
func (idx *Index) ListRuns(q ListRunsQuery) ([]RunRow, error) {
	clauses := []string{"1=1"}
	args := []interface{}{}

	if q.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, q.Status)
	}
	if q.JobID != "" {
		clauses = append(clauses, "job_id = ?")
		args = append(args, q.JobID)
	}
	if q.Search != "" {
		clauses = append(clauses, "instruction LIKE ?")
		args = append(args, "%"+q.Search+"%")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT id, user_id, agent_id, job_id, instruction, status, created_at_ms, updated_at_ms
		FROM runs WHERE ` + strings.Join(clauses, " AND ") + `
		ORDER BY created_at_ms DESC LIMIT ?`
	args = append(args, limit)

	var rows []RunRow
	if err := idx.db.Select(&rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

// ListJobs returns jobs from the index, most recently created first.
func (idx *Index) ListJobs(includeDisabled bool) ([]JobRow, error) {
	query := `SELECT id, name, enabled, schedule_kind, created_at_ms, updated_at_ms FROM jobs`
	if !includeDisabled {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at_ms DESC`

	var rows []JobRow
	if err := idx.db.Select(&rows, query); err != nil {
		return nil, err
	}
	return rows, nil
}
