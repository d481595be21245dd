package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/undoable/undoable/internal/common/errors"
	"github.com/undoable/undoable/internal/scheduler"
)

// JobsHandler serves the /jobs resource group.
type JobsHandler struct {
	deps Deps
}

// List handles GET /jobs. Prefers the derived read index when wired (see
// RunsHandler.List); falls back to the scheduler's authoritative list on
// any index error.
func (h *JobsHandler) List(c *gin.Context) {
	includeDisabled := c.Query("includeDisabled") == "true"
	if h.deps.Index != nil {
		rows, err := h.deps.Index.ListJobs(includeDisabled)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"jobs": rows})
			return
		}
		h.deps.Log.Warn("job index query failed, falling back to authoritative list", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": h.deps.Scheduler.List(includeDisabled)})
}

// Create handles POST /jobs.
func (h *JobsHandler) Create(c *gin.Context) {
	var job scheduler.Job
	if err := c.ShouldBindJSON(&job); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	created, err := h.deps.Scheduler.Add(job)
	if err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.syncJobIndex()
	c.JSON(http.StatusCreated, created)
}

// Update handles PATCH /jobs/:id.
func (h *JobsHandler) Update(c *gin.Context) {
	var patch scheduler.Job
	if err := c.ShouldBindJSON(&patch); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	updated, err := h.deps.Scheduler.Update(c.Param("id"), patch)
	if err != nil {
		appErr := apperrors.NotFound("job", c.Param("id"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.syncJobIndex()
	c.JSON(http.StatusOK, updated)
}

// Delete handles DELETE /jobs/:id.
func (h *JobsHandler) Delete(c *gin.Context) {
	if err := h.deps.Scheduler.Remove(c.Param("id")); err != nil {
		appErr := apperrors.NotFound("job", c.Param("id"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.syncJobIndex()
	c.Status(http.StatusNoContent)
}

// syncJobIndex resyncs the derived read index's jobs table with the
// scheduler's authoritative job set after a mutation. The scheduler has no
// per-mutation event envelope for jobs (only JOB_FIRED), so a full resync
// is simpler and safer here than tracking every create/update/delete/undo/
// redo path individually.
func (h *JobsHandler) syncJobIndex() {
	if h.deps.Index == nil {
		return
	}
	if err := h.deps.Index.ReplaceJobs(h.deps.Scheduler.List(true)); err != nil {
		h.deps.Log.Warn("job index resync failed", zap.Error(err))
	}
}

// Run handles POST /jobs/:id/run: forces an out-of-schedule fire.
func (h *JobsHandler) Run(c *gin.Context) {
	if err := h.deps.Scheduler.RunDue(c.Request.Context(), c.Param("id")); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusAccepted)
}

// UndoHistory handles POST /jobs/history/undo.
func (h *JobsHandler) UndoHistory(c *gin.Context) {
	if err := h.deps.Scheduler.UndoLast(c.Request.Context()); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.syncJobIndex()
	c.Status(http.StatusNoContent)
}

// RedoHistory handles POST /jobs/history/redo.
func (h *JobsHandler) RedoHistory(c *gin.Context) {
	if err := h.deps.Scheduler.RedoLast(c.Request.Context()); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.syncJobIndex()
	c.Status(http.StatusNoContent)
}
